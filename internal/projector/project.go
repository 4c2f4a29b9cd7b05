package projector

import (
	"github.com/seantiz/canvas/internal/model"
	"github.com/seantiz/canvas/internal/validation"
)

// Event is an input to Project.
type Event interface {
	apply(State) State
}

// FormEdited replaces the form.
type FormEdited struct{ Form model.Form }

// BalanceChanged reports a new spendable balance.
type BalanceChanged struct{ Balance int }

// JobChanged reports a new orchestrator job state.
type JobChanged struct{ Job model.JobState }

// StoreWarned attaches a non-fatal persistence warning to the current job.
type StoreWarned struct {
	JobID   string
	Message string
}

// Reset replaces form and balance at once.
type Reset struct {
	Form    model.Form
	Balance int
}

func (e FormEdited) apply(s State) State {
	s.Form = e.Form
	return s
}

func (e BalanceChanged) apply(s State) State {
	s.Balance = e.Balance
	return s
}

func (e JobChanged) apply(s State) State {
	if e.Job.JobID != s.Job.JobID || e.Job.Phase == model.PhaseIdle {
		s.StoreWarning = ""
	}
	s.Job = e.Job
	return s
}

func (e StoreWarned) apply(s State) State {
	if e.JobID == s.Job.JobID {
		s.StoreWarning = e.Message
	}
	return s
}

func (e Reset) apply(s State) State {
	s.Form = e.Form
	s.Balance = e.Balance
	return s
}

// Project folds ev into prev and returns the next state. Field validation
// and derived values are recomputed on every fold, whatever the event.
func Project(prev State, ev Event) State {
	next := ev.apply(prev)

	next.WidthError = validation.Dimension(validation.FieldWidth, next.Form.Geometry.Width)
	next.HeightError = validation.Dimension(validation.FieldHeight, next.Form.Geometry.Height)
	next.Cost = model.Cost(next.Form)
	next.Modal = modalFor(next.Job)
	next.Version = prev.Version + 1
	return next
}

func modalFor(job model.JobState) Modal {
	switch job.Phase {
	case model.PhaseAwaitingAdmission, model.PhaseInFlight:
		if job.Mode == model.ModeLocal {
			return ModalGenerating
		}
		return ModalCommunicating
	case model.PhaseSucceeded:
		return ModalImage
	case model.PhaseFailed:
		return ModalError
	case model.PhaseBlocked:
		if job.BlockReason == model.BlockInvalidInput {
			return ModalInvalidInput
		}
		return ModalNoCredits
	default:
		return ModalNone
	}
}
