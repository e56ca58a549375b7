// Package httputil provides the JSON response helpers shared by all API
// handlers. Handlers should never call json.NewEncoder or http.Error
// directly; going through this package keeps the error envelope uniform.
package httputil
