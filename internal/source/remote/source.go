// Package remote implements the status source backed by a queue-based
// generation service that is polled over HTTP until the job finishes.
package remote

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/seantiz/canvas/internal/apperrors"
	"github.com/seantiz/canvas/internal/backoff"
	"github.com/seantiz/canvas/internal/model"
	"github.com/seantiz/canvas/internal/source"
)

const (
	// DefaultPollInterval is used when Options.PollInterval is zero.
	DefaultPollInterval = 2 * time.Second

	// submitAttempts bounds transient retries of the initial submission.
	submitAttempts = 3

	mediaTypeWebP = "image/webp"
)

// CredentialSource supplies the server URL and API key at subscribe time.
type CredentialSource interface {
	RemoteCredentials(ctx context.Context) (Credentials, error)
}

// StaticCredentials is a CredentialSource with fixed values.
type StaticCredentials Credentials

// RemoteCredentials returns the fixed credentials.
func (s StaticCredentials) RemoteCredentials(context.Context) (Credentials, error) {
	return Credentials(s), nil
}

// Options configures a Source.
type Options struct {
	PollInterval time.Duration
	Retry        backoff.Policy
}

// Source polls the queue service for one job at a time per subscription.
type Source struct {
	client   *Client
	creds    CredentialSource
	interval time.Duration
	retry    backoff.Policy
	logger   *slog.Logger
}

// New creates a remote Source.
func New(client *Client, creds CredentialSource, opts Options, logger *slog.Logger) *Source {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Source{
		client:   client,
		creds:    creds,
		interval: interval,
		retry:    opts.Retry,
		logger:   logger,
	}
}

// Capabilities reports the remote source metadata.
func (s *Source) Capabilities() source.Capabilities {
	return source.Capabilities{
		Name:      "remote-queue",
		Mode:      model.ModeRemote,
		Transport: "http",
	}
}

// Subscribe submits req and polls until the job finishes, fails, or ctx is
// cancelled.
func (s *Source) Subscribe(ctx context.Context, jobID string, req model.GenerationRequest) <-chan model.StatusEvent {
	ch := make(chan model.StatusEvent)
	go func() {
		defer close(ch)
		s.run(ctx, jobID, req, ch)
	}()
	return ch
}

func (s *Source) run(ctx context.Context, jobID string, req model.GenerationRequest, ch chan<- model.StatusEvent) {
	logger := s.logger.With("job_id", jobID, "mode", model.ModeRemote)
	fail := func(err error) {
		logger.Warn("remote generation failed", "error", err)
		source.Emit(ctx, ch, model.Failure(jobID, err))
	}

	creds, err := s.creds.RemoteCredentials(ctx)
	if err != nil {
		fail(apperrors.Terminal("remote.credentials", err))
		return
	}

	if !source.Emit(ctx, ch, model.Progress(jobID, model.StatusSnapshot{Mode: model.ModeRemote, Stage: model.StageSubmitted})) {
		return
	}

	remoteID, err := s.submit(ctx, creds, req)
	if err != nil {
		if ctx.Err() == nil {
			fail(err)
		}
		return
	}
	logger = logger.With("remote_id", remoteID)
	logger.Info("remote job accepted")

	limiter := rate.NewLimiter(rate.Every(s.interval), 1)
	failures := 0
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		st, err := s.client.Check(ctx, creds, remoteID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !apperrors.IsTransient(err) {
				pollErrors.WithLabelValues(kindTerminal).Inc()
				fail(err)
				return
			}
			pollErrors.WithLabelValues(kindTransient).Inc()
			failures++
			logger.Debug("transient poll error", "error", err, "attempt", failures)
			if s.retry.Wait(ctx, failures) != nil {
				return
			}
			continue
		}
		failures = 0

		switch {
		case st.Faulted:
			fail(apperrors.Terminal("remote.check", errors.New("generation faulted")))
			return
		case !st.IsPossible:
			fail(apperrors.Terminal("remote.check", errors.New("no worker can serve this request")))
			return
		case st.Done:
			res, err := s.fetch(ctx, creds, remoteID)
			if err != nil {
				if ctx.Err() == nil {
					fail(err)
				}
				return
			}
			logger.Info("remote generation finished", "bytes", len(res.Image))
			source.Emit(ctx, ch, model.Success(jobID, model.Artifact{
				JobID:     jobID,
				Request:   req,
				Image:     res.Image,
				MediaType: mediaTypeWebP,
				Seed:      res.Seed,
				CreatedAt: time.Now().UTC(),
			}))
			return
		}

		stage := model.StageProcessing
		if st.Waiting > 0 || st.Processing == 0 {
			stage = model.StageQueued
		}
		if !source.Emit(ctx, ch, model.Progress(jobID, model.StatusSnapshot{
			Mode:          model.ModeRemote,
			Stage:         stage,
			QueuePosition: st.QueuePosition,
			WaitTimeS:     st.WaitTime,
		})) {
			return
		}
	}
}

// submit retries transient failures up to submitAttempts times.
func (s *Source) submit(ctx context.Context, creds Credentials, req model.GenerationRequest) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= submitAttempts; attempt++ {
		id, err := s.client.Submit(ctx, creds, req)
		if err == nil {
			return id, nil
		}
		if !apperrors.IsTransient(err) {
			return "", err
		}
		lastErr = err
		pollErrors.WithLabelValues(kindTransient).Inc()
		if attempt < submitAttempts {
			if err := s.retry.Wait(ctx, attempt); err != nil {
				return "", err
			}
		}
	}
	return "", apperrors.Terminal("remote.submit", lastErr)
}

// fetch retries transient failures until the result arrives or ctx ends.
func (s *Source) fetch(ctx context.Context, creds Credentials, id string) (Result, error) {
	for attempt := 1; ; attempt++ {
		res, err := s.client.Fetch(ctx, creds, id)
		if err == nil || !apperrors.IsTransient(err) {
			return res, err
		}
		pollErrors.WithLabelValues(kindTransient).Inc()
		if werr := s.retry.Wait(ctx, attempt); werr != nil {
			return Result{}, werr
		}
	}
}
