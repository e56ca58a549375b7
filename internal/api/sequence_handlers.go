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
	"github.com/outrevo/planemail-engine/internal/service/sequence"
)

func (s *Server) handleListSequences(w http.ResponseWriter, r *http.Request) {
	orgID := auth.OrgFromContext(r.Context())

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	filter := sequence.ListFilter{
		Status: r.URL.Query().Get("status"),
		Search: r.URL.Query().Get("q"),
		Limit:  limit,
		Offset: offset,
	}

	items, total, err := s.sequences.List(r.Context(), orgID, filter)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"sequences": items,
		"total":     total,
	})
}

func (s *Server) handleCreateSequence(w http.ResponseWriter, r *http.Request) {
	orgID := auth.OrgFromContext(r.Context())

	var input sequence.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		httputil.BadRequest(w, "invalid json body")
		return
	}

	seq, err := s.sequences.Create(r.Context(), orgID, input)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.Created(w, seq)
}

func (s *Server) handleGetSequence(w http.ResponseWriter, r *http.Request) {
	orgID := auth.OrgFromContext(r.Context())
	id := chi.URLParam(r, "sequenceID")

	seq, err := s.sequences.Get(r.Context(), orgID, id)
	if errors.Is(err, sequence.ErrNotFound) {
		httputil.NotFound(w, "sequence not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, seq)
}

func (s *Server) handleUpdateSequence(w http.ResponseWriter, r *http.Request) {
	orgID := auth.OrgFromContext(r.Context())
	id := chi.URLParam(r, "sequenceID")

	var body struct {
		Name        *string                  `json:"name"`
		TriggerType *domain.TriggerType      `json:"trigger_type"`
		Settings    *domain.SequenceSettings `json:"settings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.BadRequest(w, "invalid json body")
		return
	}

	err := s.sequences.Update(r.Context(), orgID, id, sequence.UpdateFields{
		Name:        body.Name,
		TriggerType: body.TriggerType,
		Settings:    body.Settings,
	})
	if errors.Is(err, sequence.ErrNotFound) {
		httputil.NotFound(w, "sequence not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.NoContent(w)
}

func (s *Server) handleSetSequenceStatus(w http.ResponseWriter, r *http.Request) {
	orgID := auth.OrgFromContext(r.Context())
	id := chi.URLParam(r, "sequenceID")

	var body struct {
		Status domain.SequenceStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.BadRequest(w, "invalid json body")
		return
	}

	err := s.sequences.SetStatus(r.Context(), orgID, id, body.Status)
	switch {
	case err == nil:
		httputil.NoContent(w)
	case errors.Is(err, sequence.ErrNotFound):
		httputil.NotFound(w, "sequence not found")
	case errors.Is(err, sequence.ErrInvalidTransition),
		errors.Is(err, sequence.ErrNoSteps):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, sequence.ErrArchiveWithActiveEnrollments):
		httputil.Conflict(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	orgID := auth.OrgFromContext(r.Context())
	id := chi.URLParam(r, "sequenceID")

	steps, err := s.sequences.ListSteps(r.Context(), orgID, id)
	if errors.Is(err, sequence.ErrNotFound) {
		httputil.NotFound(w, "sequence not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"steps": steps})
}

func (s *Server) handleSaveStep(w http.ResponseWriter, r *http.Request) {
	orgID := auth.OrgFromContext(r.Context())
	sequenceID := chi.URLParam(r, "sequenceID")

	var step domain.Step
	if err := json.NewDecoder(r.Body).Decode(&step); err != nil {
		httputil.BadRequest(w, "invalid json body")
		return
	}
	step.SequenceID = sequenceID

	saved, err := s.sequences.SaveStep(r.Context(), orgID, &step)
	switch {
	case err == nil:
		httputil.Created(w, saved)
	case errors.Is(err, sequence.ErrNotFound):
		httputil.NotFound(w, "sequence not found")
	case errors.Is(err, sequence.ErrInvalidStepConfiguration):
		httputil.UnprocessableEntity(w, "invalid step configuration", err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

func (s *Server) handleDeleteStep(w http.ResponseWriter, r *http.Request) {
	orgID := auth.OrgFromContext(r.Context())
	stepID := chi.URLParam(r, "stepID")

	err := s.sequences.DeleteStep(r.Context(), orgID, stepID)
	switch {
	case err == nil:
		httputil.NoContent(w)
	case errors.Is(err, sequence.ErrStepNotFound), errors.Is(err, sequence.ErrNotFound):
		httputil.NotFound(w, "step not found")
	case errors.Is(err, sequence.ErrStepInUse):
		httputil.Conflict(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
