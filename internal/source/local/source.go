// Package local implements the status source backed by an on-device engine
// that pushes step progress over a framed unix socket protocol.
package local

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/seantiz/canvas/internal/apperrors"
	"github.com/seantiz/canvas/internal/model"
	"github.com/seantiz/canvas/internal/source"
)

const mediaTypePNG = "image/png"

// DialFunc opens a connection to the engine.
type DialFunc func(ctx context.Context) (*EngineConn, error)

// Source streams progress from the local engine.
type Source struct {
	dial   DialFunc
	logger *slog.Logger
}

// New creates a Source that dials the engine socket at socketPath.
func New(socketPath string, logger *slog.Logger) *Source {
	return NewWithDialer(func(ctx context.Context) (*EngineConn, error) {
		return Dial(ctx, socketPath)
	}, logger)
}

// NewWithDialer creates a Source with a custom dialer.
func NewWithDialer(dial DialFunc, logger *slog.Logger) *Source {
	return &Source{dial: dial, logger: logger}
}

// Capabilities reports the local source metadata.
func (s *Source) Capabilities() source.Capabilities {
	return source.Capabilities{
		Name:      "local-engine",
		Mode:      model.ModeLocal,
		Transport: "unix",
	}
}

// Subscribe starts generation on the engine and streams its progress.
func (s *Source) Subscribe(ctx context.Context, jobID string, req model.GenerationRequest) <-chan model.StatusEvent {
	ch := make(chan model.StatusEvent)
	go func() {
		defer close(ch)
		s.run(ctx, jobID, req, ch)
	}()
	return ch
}

func (s *Source) run(ctx context.Context, jobID string, req model.GenerationRequest, ch chan<- model.StatusEvent) {
	logger := s.logger.With("job_id", jobID, "mode", model.ModeLocal)
	start := time.Now()

	conn, err := s.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		engineRuns.WithLabelValues(outcomeFailed).Inc()
		source.Emit(ctx, ch, model.Failure(jobID, apperrors.Terminal("local.dial", err)))
		return
	}
	defer conn.Close()

	// Closing the connection on cancel unblocks the read loop.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	resp, err := conn.Generate(toEngineRequest(req), func(step, steps int) {
		source.Emit(ctx, ch, model.Progress(jobID, model.StatusSnapshot{
			Mode:  model.ModeLocal,
			Stage: model.StageGenerating,
			Step:  step,
			Steps: steps,
		}))
	})
	if ctx.Err() != nil {
		logger.Debug("local generation abandoned")
		return
	}
	engineDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		engineRuns.WithLabelValues(outcomeFailed).Inc()
		source.Emit(ctx, ch, model.Failure(jobID, apperrors.Terminal("local.generate", err)))
		return
	}
	if resp.Error != "" {
		engineRuns.WithLabelValues(outcomeFailed).Inc()
		source.Emit(ctx, ch, model.Failure(jobID, apperrors.Terminal("local.generate", errors.New(resp.Error))))
		return
	}

	engineRuns.WithLabelValues(outcomeCompleted).Inc()
	logger.Info("local generation finished", "bytes", len(resp.Image))
	source.Emit(ctx, ch, model.Success(jobID, model.Artifact{
		JobID:     jobID,
		Request:   req,
		Image:     resp.Image,
		MediaType: mediaTypePNG,
		Seed:      resp.Seed,
		CreatedAt: time.Now().UTC(),
	}))
}

func toEngineRequest(req model.GenerationRequest) EngineRequest {
	return EngineRequest{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          req.Geometry.Width,
		Height:         req.Geometry.Height,
		Steps:          req.Steps,
		Seed:           req.Seed,
		CFGScale:       req.CFGScale,
	}
}
