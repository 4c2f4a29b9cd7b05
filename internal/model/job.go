package model

import "time"

// Phase is the tag of a JobState.
type Phase string

// Job phases. Blocked is the informational state entered when a submission
// is refused by validation or admission without contacting a backend.
// Cancelled is reserved: cancelling resets the slot straight to Idle and the
// cancellation is kept only on the generation record (StatusCancelled).
const (
	PhaseIdle              Phase = "idle"
	PhaseAwaitingAdmission Phase = "awaiting_admission"
	PhaseInFlight          Phase = "in_flight"
	PhaseSucceeded         Phase = "succeeded"
	PhaseFailed            Phase = "failed"
	PhaseCancelled         Phase = "cancelled"
	PhaseBlocked           Phase = "blocked"
)

// Blocked reasons.
const (
	BlockNoCredits    = "no_credits"
	BlockInvalidInput = "invalid_input"
)

// JobState is the current state of the orchestrator's single job slot.
type JobState struct {
	Phase       Phase           `json:"phase"`
	JobID       string          `json:"job_id,omitempty"`
	Mode        Mode            `json:"mode,omitempty"`
	Progress    *StatusSnapshot `json:"progress,omitempty"`
	Artifact    *Artifact       `json:"artifact,omitempty"`
	Error       string          `json:"error,omitempty"`
	BlockReason string          `json:"block_reason,omitempty"`
}

// Idle returns the empty job state.
func Idle() JobState { return JobState{Phase: PhaseIdle} }

// Active reports whether a job occupies the slot.
func (s JobState) Active() bool {
	return s.Phase == PhaseAwaitingAdmission || s.Phase == PhaseInFlight
}

// Outcome reports whether the state is waiting for the user to acknowledge it.
func (s JobState) Outcome() bool {
	return s.Phase == PhaseSucceeded || s.Phase == PhaseFailed || s.Phase == PhaseBlocked
}

// Generation record status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// validTransitions maps each record status to the statuses it may move to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether a record may move from one status to another.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalStatus reports whether no further transitions are allowed.
func TerminalStatus(status string) bool {
	return status == StatusSucceeded || status == StatusFailed || status == StatusCancelled
}

// Generation is the persisted record of one job.
type Generation struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Mode       Mode       `json:"mode"`
	Prompt     string     `json:"prompt"`
	Width      int        `json:"width"`
	Height     int        `json:"height"`
	Cost       int        `json:"cost"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ArtifactRecord is the persisted index entry of a durably saved artifact.
type ArtifactRecord struct {
	JobID      string            `json:"job_id"`
	StorageKey string            `json:"storage_key"`
	MediaType  string            `json:"media_type"`
	Seed       string            `json:"seed,omitempty"`
	Request    GenerationRequest `json:"request"`
	CreatedAt  time.Time         `json:"created_at"`
}
