package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/outrevo/planemail-engine/internal/auth"
)

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://app.planemail.in", "http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (no auth required)
	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		if s.keys != nil {
			r.Use(auth.Middleware(s.keys))
		} else {
			r.Use(devOrgMiddleware)
		}

		r.Route("/sequences", func(r chi.Router) {
			r.Get("/", s.handleListSequences)
			r.Post("/", s.handleCreateSequence)

			r.Route("/{sequenceID}", func(r chi.Router) {
				r.Get("/", s.handleGetSequence)
				r.Patch("/", s.handleUpdateSequence)
				r.Post("/status", s.handleSetSequenceStatus)

				r.Get("/steps", s.handleListSteps)
				r.Post("/steps", s.handleSaveStep)

				r.Post("/enrollments", s.handleEnroll)
				r.Get("/enrollments", s.handleListEnrollments)
			})
		})

		r.Delete("/steps/{stepID}", s.handleDeleteStep)

		r.Route("/enrollments/{enrollmentID}", func(r chi.Router) {
			r.Get("/", s.handleGetEnrollment)
			r.Post("/exit", s.handleExitEnrollment)
		})
	})

	return r
}

// devOrgMiddleware stamps a fixed org id when auth is disabled.
func devOrgMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org := r.Header.Get("X-Org-ID")
		if org == "" {
			org = "dev"
		}
		next.ServeHTTP(w, r.WithContext(auth.WithOrg(r.Context(), org)))
	})
}
