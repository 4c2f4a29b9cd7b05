package api

import (
	"net/http"

	"github.com/seantiz/canvas/internal/apperrors"
	"github.com/seantiz/canvas/internal/projector"
	"github.com/seantiz/canvas/internal/settings"
)

type balanceResponse struct {
	Balance int `json:"balance"`
}

// topUpRequest is the JSON body for POST /v1/balance/topup.
type topUpRequest struct {
	Amount int `json:"amount"`
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.ledger.Balance(r.Context())
	if err != nil {
		s.writeAppError(w, "get balance", apperrors.Store("api.balance", err))
		return
	}
	s.writeJSON(w, http.StatusOK, balanceResponse{Balance: bal})
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Amount <= 0 {
		s.writeAppError(w, "top up", apperrors.Validation("amount", "must be positive"))
		return
	}

	bal, err := s.ledger.Credit(r.Context(), req.Amount)
	if err != nil {
		s.writeAppError(w, "top up", apperrors.Store("api.topup", err))
		return
	}
	s.holder.Apply(projector.BalanceChanged{Balance: bal})
	s.logger.Info("balance topped up", "amount", req.Amount, "balance", bal)
	s.writeJSON(w, http.StatusOK, balanceResponse{Balance: bal})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	p, err := s.settings.Get(r.Context())
	if err != nil {
		s.writeAppError(w, "get settings", err)
		return
	}
	s.writeJSON(w, http.StatusOK, p.Masked())
}

// handlePutSettings stores the preferences and makes their mode the form's.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req settings.Preferences
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	p, err := s.settings.Update(r.Context(), req)
	if err != nil {
		s.writeAppError(w, "update settings", err)
		return
	}

	form := s.holder.Current().Form
	if form.Mode != p.Mode {
		form.Mode = p.Mode
		s.holder.Apply(projector.FormEdited{Form: form})
	}
	s.writeJSON(w, http.StatusOK, p.Masked())
}
