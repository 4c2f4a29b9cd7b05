package model

import "time"

// Snapshot stages reported by backends.
const (
	StageSubmitted  = "submitted"
	StageQueued     = "queued"
	StageProcessing = "processing"
	StageGenerating = "generating"
)

// StatusSnapshot is a backend-specific progress value. Remote backends fill
// the queue fields, local backends fill the step fields.
type StatusSnapshot struct {
	Mode          Mode   `json:"mode"`
	Stage         string `json:"stage"`
	QueuePosition int    `json:"queue_position,omitempty"`
	WaitTimeS     int    `json:"wait_time_s,omitempty"`
	Step          int    `json:"step,omitempty"`
	Steps         int    `json:"steps,omitempty"`
}

// Percent reports local step progress in the range 0..100.
func (s StatusSnapshot) Percent() int {
	if s.Steps <= 0 {
		return 0
	}
	p := s.Step * 100 / s.Steps
	if p > 100 {
		return 100
	}
	return p
}

// Artifact is a generated image plus its originating request.
type Artifact struct {
	JobID     string            `json:"job_id"`
	Request   GenerationRequest `json:"request"`
	Image     []byte            `json:"-"`
	MediaType string            `json:"media_type"`
	Seed      string            `json:"seed,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// StatusEvent is one element of a status stream. Exactly one of Snapshot,
// Artifact and Err is set. Artifact and Err mark the terminal event.
type StatusEvent struct {
	JobID    string
	Snapshot *StatusSnapshot
	Artifact *Artifact
	Err      error
}

// Terminal reports whether the event ends the stream.
func (e StatusEvent) Terminal() bool {
	return e.Artifact != nil || e.Err != nil
}

// Progress builds a non-terminal event.
func Progress(jobID string, s StatusSnapshot) StatusEvent {
	return StatusEvent{JobID: jobID, Snapshot: &s}
}

// Success builds a terminal success event.
func Success(jobID string, a Artifact) StatusEvent {
	return StatusEvent{JobID: jobID, Artifact: &a}
}

// Failure builds a terminal failure event.
func Failure(jobID string, err error) StatusEvent {
	return StatusEvent{JobID: jobID, Err: err}
}
