package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/outrevo/planemail-engine/internal/auth"
	"github.com/outrevo/planemail-engine/internal/domain"
	"github.com/outrevo/planemail-engine/internal/pkg/httputil"
	"github.com/outrevo/planemail-engine/internal/service/enrollment"
	"github.com/outrevo/planemail-engine/internal/service/sequence"
)

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	orgID := auth.OrgFromContext(r.Context())
	sequenceID := chi.URLParam(r, "sequenceID")

	// The URL owns the sequence id; the body only names the subscriber.
	var body struct {
		SubscriberID   string         `json:"subscriber_id"`
		TriggerContext map[string]any `json:"trigger_context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.BadRequest(w, "invalid json body")
		return
	}
	if body.SubscriberID == "" {
		httputil.BadRequest(w, "subscriber_id is required")
		return
	}

	// Org scope check before the unscoped enroll path
	if _, err := s.sequences.Get(r.Context(), orgID, sequenceID); err != nil {
		if errors.Is(err, sequence.ErrNotFound) {
			httputil.NotFound(w, "sequence not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}

	e, err := s.enrollments.Enroll(r.Context(), domain.EnrollmentTrigger{
		SequenceID:     sequenceID,
		SubscriberID:   body.SubscriberID,
		TriggerContext: body.TriggerContext,
	})
	switch {
	case err == nil:
		httputil.Created(w, e)
	case errors.Is(err, enrollment.ErrDuplicateEnrollment):
		httputil.Conflict(w, "subscriber already has an active enrollment")
	case errors.Is(err, enrollment.ErrReentryDisabled):
		httputil.Conflict(w, "sequence does not allow re-entry")
	case errors.Is(err, enrollment.ErrSequenceNotActive):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, sequence.ErrNoSteps):
		httputil.BadRequest(w, "sequence has no active steps")
	default:
		httputil.InternalError(w, err)
	}
}

func (s *Server) handleListEnrollments(w http.ResponseWriter, r *http.Request) {
	orgID := auth.OrgFromContext(r.Context())
	sequenceID := chi.URLParam(r, "sequenceID")

	if _, err := s.sequences.Get(r.Context(), orgID, sequenceID); err != nil {
		if errors.Is(err, sequence.ErrNotFound) {
			httputil.NotFound(w, "sequence not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	items, total, err := s.enrollments.List(r.Context(), enrollment.ListFilter{
		SequenceID: sequenceID,
		Status:     r.URL.Query().Get("status"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"enrollments": items,
		"total":       total,
	})
}

func (s *Server) handleGetEnrollment(w http.ResponseWriter, r *http.Request) {
	orgID := auth.OrgFromContext(r.Context())
	id := chi.URLParam(r, "enrollmentID")

	e, err := s.enrollments.Get(r.Context(), id)
	if errors.Is(err, enrollment.ErrNotFound) {
		httputil.NotFound(w, "enrollment not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if _, err := s.sequences.Get(r.Context(), orgID, e.SequenceID); err != nil {
		httputil.NotFound(w, "enrollment not found")
		return
	}
	httputil.OK(w, e)
}

func (s *Server) handleExitEnrollment(w http.ResponseWriter, r *http.Request) {
	orgID := auth.OrgFromContext(r.Context())
	id := chi.URLParam(r, "enrollmentID")

	e, err := s.enrollments.Get(r.Context(), id)
	if errors.Is(err, enrollment.ErrNotFound) {
		httputil.NotFound(w, "enrollment not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if _, err := s.sequences.Get(r.Context(), orgID, e.SequenceID); err != nil {
		httputil.NotFound(w, "enrollment not found")
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "manual exit"
	}

	err = s.enrollments.Exit(r.Context(), id, body.Reason)
	switch {
	case err == nil:
		httputil.NoContent(w)
	case errors.Is(err, enrollment.ErrAlreadyTerminal):
		httputil.Conflict(w, "enrollment is already terminal")
	default:
		httputil.InternalError(w, err)
	}
}
