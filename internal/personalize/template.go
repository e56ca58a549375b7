// Package personalize renders email step content against subscriber data
// using the Liquid template language. Sequence emails carry merge tags like
// {{ first_name | default: "Friend" }} in subject and body.
package personalize

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// TemplateService handles Liquid template rendering with caching. Parsed
// templates are cached per (sequence, step) so steady-state execution does
// not re-parse.
type TemplateService struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewTemplateService creates a new template service with custom filters.
func NewTemplateService() *TemplateService {
	ts := &TemplateService{engine: liquid.NewEngine()}
	ts.registerCustomFilters()
	return ts
}

func (ts *TemplateService) registerCustomFilters() {
	// Default value filter: {{ first_name | default: "Friend" }}
	ts.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	// Capitalize first letter: {{ name | capitalize }}
	ts.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	// Title case: {{ name | titlecase }}
	ts.engine.RegisterFilter("titlecase", func(s string) string {
		words := strings.Fields(s)
		for i, w := range words {
			if len(w) > 0 {
				words[i] = strings.ToUpper(string(w[0])) + strings.ToLower(w[1:])
			}
		}
		return strings.Join(words, " ")
	})
}

// Parse compiles a template string and returns any syntax errors. Used by
// the definition store to validate email content at save time.
func (ts *TemplateService) Parse(templateStr string) error {
	_, err := ts.engine.ParseString(templateStr)
	return err
}

// Render processes a template with the given context.
// Uses caching for repeated renders of the same template. On error the
// original string is returned so a bad merge tag degrades to literal text
// instead of blocking the send.
func (ts *TemplateService) Render(cacheKey string, templateStr string, ctx map[string]interface{}) (string, error) {
	if cacheKey != "" {
		if cached, ok := ts.cache.Load(cacheKey); ok {
			tpl := cached.(*liquid.Template)
			return tpl.RenderString(ctx)
		}
	}

	tpl, err := ts.engine.ParseString(templateStr)
	if err != nil {
		log.Printf("TemplateService: Parse error: %v", err)
		return templateStr, err
	}

	if cacheKey != "" {
		ts.cache.Store(cacheKey, tpl)
	}

	result, err := tpl.RenderString(ctx)
	if err != nil {
		log.Printf("TemplateService: Render error: %v", err)
		return templateStr, err
	}
	return result, nil
}

// ClearCacheKey drops one cached template. Called when a step is edited.
func (ts *TemplateService) ClearCacheKey(key string) {
	ts.cache.Delete(key)
}
