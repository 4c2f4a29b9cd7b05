package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/canvas/internal/admission"
	"github.com/seantiz/canvas/internal/apperrors"
	"github.com/seantiz/canvas/internal/model"
	"github.com/seantiz/canvas/internal/projector"
	"github.com/seantiz/canvas/internal/result"
	"github.com/seantiz/canvas/internal/source"
)

// Ledger is the credit counter as seen by the orchestrator.
type Ledger interface {
	Admit(ctx context.Context, cost int) (admission.Decision, int, error)
	Balance(ctx context.Context) (int, error)
	Hold(jobID string, amount int)
}

// Sources resolves the status source of a mode.
type Sources interface {
	Resolve(mode model.Mode) (source.Source, error)
}

// Results persists succeeded artifacts.
type Results interface {
	Persist(ctx context.Context, a model.Artifact) (result.Outcome, error)
}

// Notifier receives terminal outcomes.
type Notifier interface {
	OnSuccess(ctx context.Context, a model.Artifact) bool
	OnFailure(ctx context.Context, jobID string, cause error) bool
}

// Records keeps the job history.
type Records interface {
	CreateGeneration(ctx context.Context, g *model.Generation) error
	UpdateGenerationStatus(ctx context.Context, id, status, errMsg string) error
}

// Config wires an Orchestrator.
type Config struct {
	Holder   *projector.Holder
	Sources  Sources
	Ledger   Ledger
	Results  Results
	Notifier Notifier
	Records  Records
	Logger   *slog.Logger
}

// Orchestrator runs at most one job at a time. User actions and terminal
// stream events are serialized by mu, and every visible effect is folded
// into the holder while mu is held.
type Orchestrator struct {
	mu      sync.Mutex
	current *job
	closed  bool

	holder   *projector.Holder
	sources  Sources
	ledger   Ledger
	results  Results
	notifier Notifier
	records  Records
	logger   *slog.Logger

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

type job struct {
	id     string
	req    model.GenerationRequest
	ctx    context.Context
	cancel context.CancelFunc
	start  time.Time
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		holder:   cfg.Holder,
		sources:  cfg.Sources,
		ledger:   cfg.Ledger,
		results:  cfg.Results,
		notifier: cfg.Notifier,
		records:  cfg.Records,
		logger:   cfg.Logger,
		base:     base,
		stop:     stop,
	}
}

// State returns the current UI state.
func (o *Orchestrator) State() projector.State {
	return o.holder.Current()
}

// Submit starts a job from the current form. It returns the new job id.
//
// A form that fails validation or a balance below the request cost moves the
// job slot to Blocked without contacting any backend. A submission while a
// job is in flight is rejected and leaves the running job untouched.
func (o *Orchestrator) Submit(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return "", apperrors.Internal("orchestrator.submit", errors.New("orchestrator closed"))
	}
	if o.current != nil {
		return "", fmt.Errorf("%w: %s", apperrors.ErrJobInFlight, o.current.id)
	}

	state := o.holder.Current()
	if errs := state.ValidationErrors(); len(errs) > 0 {
		o.block(state.Form.Mode, model.BlockInvalidInput)
		return "", errs[0].Err()
	}
	req := model.NewGenerationRequest(state.Form)
	if _, ok := model.ParseMode(string(req.Mode)); !ok {
		o.block(req.Mode, model.BlockInvalidInput)
		return "", apperrors.Validation("mode", fmt.Sprintf("unknown mode %q", req.Mode))
	}

	id := model.NewID()
	logger := o.logger.With("job_id", id, "mode", req.Mode)
	o.setJob(model.JobState{Phase: model.PhaseAwaitingAdmission, JobID: id, Mode: req.Mode})

	decision, balance, err := o.ledger.Admit(ctx, req.Cost)
	if err != nil {
		o.setJob(model.Idle())
		return "", apperrors.Store("orchestrator.admit", err)
	}
	o.holder.Apply(projector.BalanceChanged{Balance: balance})
	if !decision.Allowed {
		logger.Info("submission denied", "decision", decision, "balance", balance, "cost", req.Cost)
		o.block(req.Mode, model.BlockNoCredits)
		return "", apperrors.AdmissionDenied(balance, req.Cost)
	}

	rec := &model.Generation{
		ID:        id,
		Status:    model.StatusPending,
		Mode:      req.Mode,
		Prompt:    req.Prompt,
		Width:     req.Geometry.Width,
		Height:    req.Geometry.Height,
		Cost:      req.Cost,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.records.CreateGeneration(ctx, rec); err != nil {
		logger.Error("failed to record generation", "error", err)
	}

	src, err := o.sources.Resolve(req.Mode)
	if err != nil {
		cause := apperrors.Terminal("orchestrator.resolve", err)
		o.setJob(model.JobState{Phase: model.PhaseFailed, JobID: id, Mode: req.Mode, Error: userMessage(cause)})
		o.finishRecord(id, model.StatusFailed, cause.Error())
		jobsTotal.WithLabelValues(string(req.Mode), model.StatusFailed).Inc()
		o.wg.Go(func() { o.notifier.OnFailure(o.base, id, cause) })
		return id, nil
	}

	jobCtx, cancel := context.WithCancel(o.base)
	j := &job{id: id, req: req, ctx: jobCtx, cancel: cancel, start: time.Now()}
	o.current = j
	events := src.Subscribe(jobCtx, id, req)
	o.setJob(model.JobState{Phase: model.PhaseInFlight, JobID: id, Mode: req.Mode})
	o.finishRecord(id, model.StatusRunning, "")
	activeJobs.Inc()

	logger.Info("job submitted", "cost", req.Cost, "source", src.Capabilities().Name)
	o.wg.Go(func() { o.consume(j, events) })
	return id, nil
}

// Cancel aborts the in-flight job and returns to Idle. The source is
// unsubscribed before Cancel returns. Cancelling while idle is a no-op.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current == nil {
		if phase := o.holder.Current().Job.Phase; phase != model.PhaseIdle {
			return apperrors.Transition(string(phase), "cancel")
		}
		return nil
	}
	o.cancelCurrent()
	o.setJob(model.Idle())
	return nil
}

// Dismiss returns to Idle from any state, cancelling an in-flight job.
func (o *Orchestrator) Dismiss() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current != nil {
		o.cancelCurrent()
	}
	o.setJob(model.Idle())
}

// Acknowledge clears a shown outcome (succeeded, failed or blocked).
func (o *Orchestrator) Acknowledge() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	js := o.holder.Current().Job
	switch {
	case js.Outcome():
		o.setJob(model.Idle())
		return nil
	case js.Phase == model.PhaseIdle:
		return nil
	default:
		return apperrors.Transition(string(js.Phase), "acknowledge")
	}
}

// Wait blocks until all job goroutines have returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close cancels any in-flight job and waits for background work to finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	if o.current != nil {
		o.cancelCurrent()
		o.setJob(model.Idle())
	}
	o.mu.Unlock()

	o.stop()
	o.wg.Wait()
}

// cancelCurrent must be called with mu held.
func (o *Orchestrator) cancelCurrent() {
	j := o.current
	o.current = nil
	j.cancel()

	activeJobs.Dec()
	jobsTotal.WithLabelValues(string(j.req.Mode), model.StatusCancelled).Inc()
	o.finishRecord(j.id, model.StatusCancelled, "")
	o.logger.Info("job cancelled", "job_id", j.id, "mode", j.req.Mode)
}

// consume reads the status stream of j until it ends.
func (o *Orchestrator) consume(j *job, events <-chan model.StatusEvent) {
	defer j.cancel()

	for ev := range events {
		if ev.JobID != j.id {
			staleEvents.Inc()
			o.logger.Debug("dropped event for another job", "job_id", j.id, "event_job_id", ev.JobID)
			continue
		}
		switch {
		case ev.Artifact != nil:
			o.succeed(j, *ev.Artifact)
			return
		case ev.Err != nil:
			o.fail(j, ev.Err)
			return
		case ev.Snapshot != nil:
			o.progress(j, *ev.Snapshot)
		}
	}

	// The stream closed without a terminal event. That is expected after a
	// cancel; otherwise the source broke its contract.
	if j.ctx.Err() != nil {
		return
	}
	o.fail(j, apperrors.Terminal("orchestrator.stream", errors.New("status stream ended without a result")))
}

func (o *Orchestrator) progress(j *job, snap model.StatusSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current != j {
		staleEvents.Inc()
		return
	}
	o.setJob(model.JobState{Phase: model.PhaseInFlight, JobID: j.id, Mode: j.req.Mode, Progress: &snap})
}

// release clears the slot if j still owns it. It must be called with mu held.
func (o *Orchestrator) release(j *job, status string) bool {
	if o.current != j {
		return false
	}
	o.current = nil
	activeJobs.Dec()
	jobsTotal.WithLabelValues(string(j.req.Mode), status).Inc()
	jobDuration.WithLabelValues(string(j.req.Mode)).Observe(time.Since(j.start).Seconds())
	return true
}

func (o *Orchestrator) succeed(j *job, a model.Artifact) {
	logger := o.logger.With("job_id", j.id, "mode", j.req.Mode)
	a.JobID = j.id
	a.Request = j.req

	o.mu.Lock()
	if !o.release(j, model.StatusSucceeded) {
		o.mu.Unlock()
		staleEvents.Inc()
		logger.Debug("dropped result of a cancelled job")
		return
	}
	// The hold keeps admission consistent until the result store debits.
	o.ledger.Hold(j.id, j.req.Cost)
	o.setJob(model.JobState{Phase: model.PhaseSucceeded, JobID: j.id, Mode: j.req.Mode, Artifact: &a})
	o.refreshBalance()
	o.finishRecord(j.id, model.StatusSucceeded, "")
	o.mu.Unlock()

	logger.Info("job succeeded", "bytes", len(a.Image))

	if _, err := o.results.Persist(o.base, a); err != nil {
		logger.Warn("artifact persisted with errors", "error", err)
		o.holder.Apply(projector.StoreWarned{JobID: j.id, Message: err.Error()})
	}
	o.refreshBalance()
	o.notifier.OnSuccess(o.base, a)
}

func (o *Orchestrator) fail(j *job, cause error) {
	o.mu.Lock()
	if !o.release(j, model.StatusFailed) {
		o.mu.Unlock()
		staleEvents.Inc()
		return
	}
	o.setJob(model.JobState{Phase: model.PhaseFailed, JobID: j.id, Mode: j.req.Mode, Error: userMessage(cause)})
	o.finishRecord(j.id, model.StatusFailed, cause.Error())
	o.mu.Unlock()

	o.logger.Warn("job failed", "job_id", j.id, "mode", j.req.Mode, "error", cause)
	o.notifier.OnFailure(o.base, j.id, cause)
}

func (o *Orchestrator) block(mode model.Mode, reason string) {
	blockedTotal.WithLabelValues(reason).Inc()
	o.setJob(model.JobState{Phase: model.PhaseBlocked, Mode: mode, BlockReason: reason})
}

func (o *Orchestrator) setJob(s model.JobState) {
	o.holder.Apply(projector.JobChanged{Job: s})
}

func (o *Orchestrator) refreshBalance() {
	bal, err := o.ledger.Balance(o.base)
	if err != nil {
		o.logger.Error("failed to read balance", "error", err)
		return
	}
	o.holder.Apply(projector.BalanceChanged{Balance: bal})
}

func (o *Orchestrator) finishRecord(id, status, errMsg string) {
	if err := o.records.UpdateGenerationStatus(o.base, id, status, errMsg); err != nil {
		o.logger.Error("failed to update generation record", "job_id", id, "status", status, "error", err)
	}
}

// userMessage strips the operation prefix from backend errors.
func userMessage(err error) string {
	var ae *apperrors.Error
	if errors.As(err, &ae) && ae.Cause != nil {
		return ae.Cause.Error()
	}
	return err.Error()
}
