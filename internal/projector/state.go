// Package projector folds orchestrator, form and ledger events into the
// immutable UI state value consumed by presentation code.
package projector

import (
	"github.com/seantiz/canvas/internal/model"
	"github.com/seantiz/canvas/internal/validation"
)

// Modal is the dialog the UI shows on top of the form.
type Modal string

// Modal values.
const (
	ModalNone          Modal = "none"
	ModalCommunicating Modal = "communicating"
	ModalGenerating    Modal = "generating"
	ModalImage         Modal = "image"
	ModalError         Modal = "error"
	ModalNoCredits     Modal = "no_credits"
	ModalInvalidInput  Modal = "invalid_input"
)

// State is one UI snapshot. It is replaced on every fold and never mutated
// after it has been published.
type State struct {
	Form         model.Form             `json:"form"`
	WidthError   *validation.FieldError `json:"width_error,omitempty"`
	HeightError  *validation.FieldError `json:"height_error,omitempty"`
	Job          model.JobState         `json:"job"`
	Balance      int                    `json:"balance"`
	Cost         int                    `json:"cost"`
	StoreWarning string                 `json:"store_warning,omitempty"`
	Modal        Modal                  `json:"modal"`
	Version      uint64                 `json:"version"`
}

// Initial returns the projected starting state for a session.
func Initial(form model.Form, balance int) State {
	return Project(State{Job: model.Idle()}, Reset{Form: form, Balance: balance})
}

// Valid reports whether the form currently passes validation.
func (s State) Valid() bool {
	return s.WidthError == nil && s.HeightError == nil
}

// GenerateEnabled reports whether the generate action is available.
func (s State) GenerateEnabled() bool {
	return s.Valid() && s.Balance >= s.Cost && !s.Job.Active()
}

// ValidationErrors returns the current field errors, width first.
func (s State) ValidationErrors() []validation.FieldError {
	var errs []validation.FieldError
	if s.WidthError != nil {
		errs = append(errs, *s.WidthError)
	}
	if s.HeightError != nil {
		errs = append(errs, *s.HeightError)
	}
	return errs
}
