package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/canvas/internal/apperrors"
	"github.com/seantiz/canvas/internal/model"
	"github.com/seantiz/canvas/internal/projector"
)

// stateResponse is the UI state plus the values derived from it.
type stateResponse struct {
	projector.State
	GenerateEnabled bool `json:"generate_enabled"`
}

func newStateResponse(st projector.State) stateResponse {
	return stateResponse{State: st, GenerateEnabled: st.GenerateEnabled()}
}

func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, newStateResponse(s.holder.Current()))
}

// handleStreamState sends the current state, then every later fold, as
// "state" events until the client leaves or the broker closes.
func (s *Server) handleStreamState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribe before reading the current state so that no fold in between
	// is lost. Versions let the client drop the duplicate.
	ch, unsub := s.broker.Subscribe()
	defer unsub()
	stateStreamClients.Inc()
	defer stateStreamClients.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	if err := writeStateEvent(w, s.holder.Current()); err != nil {
		return
	}
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case st, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream closed")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeStateEvent(w, st); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeStateEvent(w http.ResponseWriter, st projector.State) error {
	data, err := json.Marshal(newStateResponse(st))
	if err != nil {
		return err
	}
	return writeSSEEvent(w, "state", string(data))
}

// writeSSEEvent writes a named SSE event. Multi-line data is split so that
// each segment gets its own "data:" prefix.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// editForm decodes a partial form over the current one and folds it in.
// Fields absent from the body keep their current value. With idleOnly set the
// edit is refused while a job occupies the slot.
func (s *Server) editForm(w http.ResponseWriter, r *http.Request, idleOnly bool) (projector.State, error) {
	var body json.RawMessage
	if err := decodeJSON(w, r, &body); err != nil {
		return projector.State{}, apperrors.Validation("body", "invalid JSON body")
	}
	if len(body) == 0 {
		return s.holder.Current(), nil
	}

	return s.holder.Update(func(current projector.State) (projector.Event, error) {
		if idleOnly && current.Job.Active() {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrJobInFlight, current.Job.JobID)
		}
		form := current.Form
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&form); err != nil {
			return nil, apperrors.Validation("body", "invalid JSON body")
		}
		if _, ok := model.ParseMode(string(form.Mode)); !ok {
			return nil, apperrors.Validation("mode", fmt.Sprintf("unknown mode %q", form.Mode))
		}
		if form == current.Form {
			return nil, nil
		}
		return projector.FormEdited{Form: form}, nil
	})
}

func (s *Server) handlePutForm(w http.ResponseWriter, r *http.Request) {
	st, err := s.editForm(w, r, false)
	if err != nil {
		s.writeAppError(w, "edit form", err)
		return
	}
	s.writeJSON(w, http.StatusOK, newStateResponse(st))
}

// handleFormFromArtifact loads the request of a stored generation back into
// the form.
func (s *Server) handleFormFromArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !model.ValidID(id) {
		s.writeError(w, http.StatusNotFound, "artifact not found")
		return
	}

	req, err := s.results.Request(r.Context(), id)
	if err != nil {
		s.writeAppError(w, "load artifact request", err)
		return
	}
	st := s.holder.Apply(projector.FormEdited{Form: model.FormFromRequest(req)})
	s.writeJSON(w, http.StatusOK, newStateResponse(st))
}
