// Package notify delivers one terminal outcome signal per job to external
// notification and analytics sinks.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/canvas/internal/jobset"
	"github.com/seantiz/canvas/internal/model"
)

// Notification titles.
const (
	TitleSuccess = "Generation finished"
	TitleFailure = "Generation failed"
)

// sinkTimeout bounds each sink delivery.
const sinkTimeout = 10 * time.Second

// Sink receives (title, body) pairs. Delivery is fire-and-forget.
type Sink interface {
	Notify(ctx context.Context, title, body string) error
}

// CompletedEvent is the analytics record of a succeeded generation.
type CompletedEvent struct {
	JobID  string
	Mode   model.Mode
	Width  int
	Height int
	Steps  int
	Cost   int
}

// Analytics receives generation completed events. Delivery is best effort.
type Analytics interface {
	GenerationCompleted(ctx context.Context, ev CompletedEvent) error
}

// Notifier fires exactly one of OnSuccess or OnFailure per job id.
type Notifier struct {
	fired *jobset.Set

	sinks     []Sink
	analytics []Analytics
	logger    *slog.Logger
}

// New creates a notifier over the given sinks.
func New(sinks []Sink, analytics []Analytics, logger *slog.Logger) *Notifier {
	return &Notifier{
		fired:     jobset.New(jobset.DefaultSize),
		sinks:     sinks,
		analytics: analytics,
		logger:    logger,
	}
}

// claim reports whether jobID has not fired yet and marks it fired.
func (n *Notifier) claim(jobID string) bool {
	return n.fired.Add(jobID)
}

// OnSuccess signals a succeeded job. It returns false if an outcome was
// already signalled for the job.
func (n *Notifier) OnSuccess(ctx context.Context, a model.Artifact) bool {
	if !n.claim(a.JobID) {
		return false
	}

	body := fmt.Sprintf("%q (%dx%d", truncate(a.Request.Prompt, 120), a.Request.Geometry.Width, a.Request.Geometry.Height)
	if a.Seed != "" {
		body += ", seed " + a.Seed
	}
	body += ")"
	n.broadcast(ctx, a.JobID, TitleSuccess, body)

	ev := CompletedEvent{
		JobID:  a.JobID,
		Mode:   a.Request.Mode,
		Width:  a.Request.Geometry.Width,
		Height: a.Request.Geometry.Height,
		Steps:  a.Request.Steps,
		Cost:   a.Request.Cost,
	}
	for _, an := range n.analytics {
		sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		if err := an.GenerationCompleted(sctx, ev); err != nil {
			n.logger.Warn("analytics sink failed", "job_id", a.JobID, "error", err)
		}
		cancel()
	}
	return true
}

// OnFailure signals a failed job. It returns false if an outcome was already
// signalled for the job.
func (n *Notifier) OnFailure(ctx context.Context, jobID string, cause error) bool {
	if !n.claim(jobID) {
		return false
	}
	n.broadcast(ctx, jobID, TitleFailure, cause.Error())
	return true
}

func (n *Notifier) broadcast(ctx context.Context, jobID, title, body string) {
	for _, s := range n.sinks {
		sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		if err := s.Notify(sctx, title, body); err != nil {
			n.logger.Warn("notification sink failed", "job_id", jobID, "error", err)
		}
		cancel()
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
