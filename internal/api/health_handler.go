package api

import (
	"net/http"

	"github.com/outrevo/planemail-engine/internal/pkg/httputil"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"service": "planemail-engine",
	}
	if s.gateway != nil {
		depth, err := s.gateway.QueueDepth(r.Context())
		if err != nil {
			resp["queue"] = "unreachable"
		} else {
			resp["queue_depth"] = depth
		}
	}
	httputil.OK(w, resp)
}
