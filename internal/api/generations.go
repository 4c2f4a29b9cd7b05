package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/canvas/internal/model"
)

// submitResponse is the JSON response for POST /v1/generations.
type submitResponse struct {
	ID    string        `json:"id"`
	State stateResponse `json:"state"`
}

// listGenerationsResponse wraps the paginated list response.
type listGenerationsResponse struct {
	Generations []*model.Generation `json:"generations"`
	Total       int                 `json:"total"`
	Limit       int                 `json:"limit"`
	Offset      int                 `json:"offset"`
}

// handleSubmit applies an optional form body and submits the form. The body
// is rejected, and the live form left alone, while a job is in flight.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if _, err := s.editForm(w, r, true); err != nil {
		s.writeAppError(w, "edit form", err)
		return
	}

	id, err := s.orch.Submit(r.Context())
	if err != nil {
		s.writeAppError(w, "submit generation", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, submitResponse{
		ID:    id,
		State: newStateResponse(s.orch.State()),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	if err := s.orch.Cancel(); err != nil {
		s.writeAppError(w, "cancel generation", err)
		return
	}
	s.writeJSON(w, http.StatusOK, newStateResponse(s.orch.State()))
}

func (s *Server) handleDismiss(w http.ResponseWriter, _ *http.Request) {
	s.orch.Dismiss()
	s.writeJSON(w, http.StatusOK, newStateResponse(s.orch.State()))
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, _ *http.Request) {
	if err := s.orch.Acknowledge(); err != nil {
		s.writeAppError(w, "acknowledge generation", err)
		return
	}
	s.writeJSON(w, http.StatusOK, newStateResponse(s.orch.State()))
}

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	gens, total, err := s.store.ListGenerations(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list generations", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list generations")
		return
	}

	if gens == nil {
		gens = []*model.Generation{}
	}

	s.writeJSON(w, http.StatusOK, listGenerationsResponse{
		Generations: gens,
		Total:       total,
		Limit:       limit,
		Offset:      offset,
	})
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.GetGeneration(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeAppError(w, "get generation", err)
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

// handleGetArtifact serves the image bytes of a succeeded generation.
func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !model.ValidID(id) {
		s.writeError(w, http.StatusNotFound, "artifact not found")
		return
	}

	a, err := s.results.Get(r.Context(), id)
	if err != nil {
		s.writeAppError(w, "get artifact", err)
		return
	}

	w.Header().Set("Content-Type", a.MediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Image)))
	if a.Seed != "" {
		w.Header().Set("X-Canvas-Seed", a.Seed)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(a.Image); err != nil {
		s.logger.Debug("write artifact", "job_id", id, "error", err)
	}
}
