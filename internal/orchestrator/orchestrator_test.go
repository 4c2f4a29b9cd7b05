package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/seantiz/canvas/internal/admission"
	"github.com/seantiz/canvas/internal/apperrors"
	"github.com/seantiz/canvas/internal/model"
	"github.com/seantiz/canvas/internal/notify"
	"github.com/seantiz/canvas/internal/projector"
	"github.com/seantiz/canvas/internal/result"
	"github.com/seantiz/canvas/internal/source"
	"github.com/seantiz/canvas/internal/store"
	"github.com/seantiz/canvas/internal/validation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedSource emits a fixed list of events for every subscription.
type scriptedSource struct {
	mode   model.Mode
	script func(jobID string) []model.StatusEvent
	subs   atomic.Int32
}

func (s *scriptedSource) Subscribe(ctx context.Context, jobID string, _ model.GenerationRequest) <-chan model.StatusEvent {
	s.subs.Add(1)
	ch := make(chan model.StatusEvent)
	go func() {
		defer close(ch)
		for _, ev := range s.script(jobID) {
			if !source.Emit(ctx, ch, ev) {
				return
			}
		}
	}()
	return ch
}

func (s *scriptedSource) Capabilities() source.Capabilities {
	return source.Capabilities{Name: "scripted", Mode: s.mode}
}

// gatedSource hands every subscription to the test, which drives it.
type gatedSource struct {
	mode model.Mode
	subs chan *subscription
	n    atomic.Int32
}

type subscription struct {
	ctx   context.Context
	jobID string
	ch    chan model.StatusEvent
}

func newGatedSource(mode model.Mode) *gatedSource {
	return &gatedSource{mode: mode, subs: make(chan *subscription, 4)}
}

func (s *gatedSource) Subscribe(ctx context.Context, jobID string, _ model.GenerationRequest) <-chan model.StatusEvent {
	s.n.Add(1)
	sub := &subscription{ctx: ctx, jobID: jobID, ch: make(chan model.StatusEvent)}
	s.subs <- sub
	return sub.ch
}

func (s *gatedSource) Capabilities() source.Capabilities {
	return source.Capabilities{Name: "gated", Mode: s.mode}
}

func (s *gatedSource) next(t *testing.T) *subscription {
	t.Helper()
	select {
	case sub := <-s.subs:
		return sub
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription")
		return nil
	}
}

type recordingSink struct {
	mu     sync.Mutex
	titles []string
}

func (r *recordingSink) Notify(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return nil
}

func (r *recordingSink) count(title string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.titles {
		if t == title {
			n++
		}
	}
	return n
}

type fixture struct {
	orch    *Orchestrator
	holder  *projector.Holder
	ledger  *admission.Ledger
	db      *store.SQLiteStore
	files   *result.FileStore
	results *result.Store
	sink    *recordingSink
	reg     *source.Registry
}

func newFixture(t *testing.T, balance int, mode model.Mode, src source.Source) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if _, err := db.EnsureBalance(ctx, balance); err != nil {
		t.Fatalf("EnsureBalance: %v", err)
	}
	files, err := result.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	ledger := admission.NewLedger(db)
	reg := source.NewRegistry()
	if src != nil {
		reg.Register(mode, src)
	}
	sink := &recordingSink{}
	bal, _ := ledger.Balance(ctx)
	holder := projector.NewHolder(projector.Initial(model.DefaultForm(mode), bal), nil)

	results := result.New(result.NewCache(8), files, db, ledger, testLogger())
	o := New(Config{
		Holder:   holder,
		Sources:  reg,
		Ledger:   ledger,
		Results:  results,
		Notifier: notify.New([]notify.Sink{sink}, nil, testLogger()),
		Records:  db,
		Logger:   testLogger(),
	})
	t.Cleanup(func() {
		o.Close()
		db.Close()
	})
	return &fixture{orch: o, holder: holder, ledger: ledger, db: db, files: files, results: results, sink: sink, reg: reg}
}

func (f *fixture) waitPhase(t *testing.T, phase model.Phase) projector.State {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s := f.holder.Current(); s.Job.Phase == phase {
			return s
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("phase = %q, want %q", f.holder.Current().Job.Phase, phase)
	return projector.State{}
}

func (f *fixture) balance(t *testing.T) int {
	t.Helper()
	bal, err := f.ledger.Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	return bal
}

func TestZeroBalanceBlocksWithoutSubscribing(t *testing.T) {
	src := newGatedSource(model.ModeRemote)
	f := newFixture(t, 0, model.ModeRemote, src)

	_, err := f.orch.Submit(context.Background())
	if !errors.Is(err, apperrors.ErrAdmissionDenied) {
		t.Fatalf("err = %v, want admission denied", err)
	}

	s := f.holder.Current()
	if s.Job.Phase != model.PhaseBlocked || s.Job.BlockReason != model.BlockNoCredits {
		t.Errorf("job = %+v, want blocked/no_credits", s.Job)
	}
	if s.Modal != projector.ModalNoCredits {
		t.Errorf("Modal = %q", s.Modal)
	}
	if n := src.n.Load(); n != 0 {
		t.Errorf("subscriptions = %d, want 0", n)
	}
}

func TestRemoteSuccessDebitsAndNotifiesOnce(t *testing.T) {
	src := &scriptedSource{mode: model.ModeRemote, script: func(id string) []model.StatusEvent {
		return []model.StatusEvent{
			model.Progress(id, model.StatusSnapshot{Mode: model.ModeRemote, Stage: model.StageQueued, QueuePosition: 2}),
			model.Progress(id, model.StatusSnapshot{Mode: model.ModeRemote, Stage: model.StageProcessing}),
			model.Success(id, model.Artifact{JobID: id, Image: []byte("img"), MediaType: "image/webp",
				Request: model.NewGenerationRequest(model.DefaultForm(model.ModeRemote))}),
		}
	}}
	f := newFixture(t, 5, model.ModeRemote, src)

	id, err := f.orch.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s := f.waitPhase(t, model.PhaseSucceeded)
	f.orch.Wait()

	if s.Job.JobID != id || s.Job.Artifact == nil {
		t.Errorf("job = %+v", s.Job)
	}
	if s.Modal != projector.ModalImage {
		t.Errorf("Modal = %q, want image", s.Modal)
	}
	if bal := f.balance(t); bal != 4 {
		t.Errorf("balance = %d, want 4", bal)
	}
	if got := f.holder.Current().Balance; got != 4 {
		t.Errorf("UI balance = %d, want 4", got)
	}
	if n := f.sink.count(notify.TitleSuccess); n != 1 {
		t.Errorf("success notifications = %d, want 1", n)
	}
	if n := f.sink.count(notify.TitleFailure); n != 0 {
		t.Errorf("failure notifications = %d, want 0", n)
	}
	if n := src.subs.Load(); n != 1 {
		t.Errorf("subscriptions = %d, want 1", n)
	}

	g, err := f.db.GetGeneration(context.Background(), id)
	if err != nil {
		t.Fatalf("GetGeneration: %v", err)
	}
	if g.Status != model.StatusSucceeded {
		t.Errorf("record status = %q", g.Status)
	}
	if _, err := f.db.GetArtifact(context.Background(), id); err != nil {
		t.Errorf("artifact not indexed: %v", err)
	}
}

func TestDurableSaveFailureStaysSucceeded(t *testing.T) {
	src := &scriptedSource{mode: model.ModeLocal, script: func(id string) []model.StatusEvent {
		return []model.StatusEvent{model.Success(id, model.Artifact{JobID: id, Image: []byte("png"), MediaType: "image/png"})}
	}}
	f := newFixture(t, 5, model.ModeLocal, src)

	// Replace the artifact directory with a regular file so every write fails.
	base := f.files.BasePath()
	if err := os.RemoveAll(base); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if err := os.WriteFile(base, []byte("not a directory"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	id, err := f.orch.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.waitPhase(t, model.PhaseSucceeded)
	f.orch.Wait()

	s := f.holder.Current()
	if s.Job.Phase != model.PhaseSucceeded || s.Job.JobID != id {
		t.Fatalf("job = %+v, want succeeded", s.Job)
	}
	if s.StoreWarning == "" {
		t.Error("StoreWarning empty after failed durable save")
	}
	if s.Modal != projector.ModalImage {
		t.Errorf("Modal = %q, want image", s.Modal)
	}
	if bal := f.balance(t); bal != 4 {
		t.Errorf("balance = %d, want 4", bal)
	}
	if s.Balance != 4 {
		t.Errorf("UI balance = %d, want 4", s.Balance)
	}
	if a, err := f.results.Get(context.Background(), id); err != nil || string(a.Image) != "png" {
		t.Errorf("cached artifact = %q, %v", a.Image, err)
	}
	if _, err := f.db.GetArtifact(context.Background(), id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("artifact indexed despite failed save: %v", err)
	}
	if n := f.sink.count(notify.TitleSuccess); n != 1 {
		t.Errorf("success notifications = %d, want 1", n)
	}
	if n := f.sink.count(notify.TitleFailure); n != 0 {
		t.Errorf("failure notifications = %d, want 0", n)
	}
}

func TestLocalFailureLeavesBalance(t *testing.T) {
	src := &scriptedSource{mode: model.ModeLocal, script: func(id string) []model.StatusEvent {
		return []model.StatusEvent{
			model.Progress(id, model.StatusSnapshot{Mode: model.ModeLocal, Step: 2, Steps: 20}),
			model.Progress(id, model.StatusSnapshot{Mode: model.ModeLocal, Step: 11, Steps: 20}),
			model.Failure(id, apperrors.Terminal("local.generate", errors.New("OOM"))),
		}
	}}
	f := newFixture(t, 5, model.ModeLocal, src)

	id, err := f.orch.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s := f.waitPhase(t, model.PhaseFailed)
	f.orch.Wait()

	if s.Job.Error != "OOM" {
		t.Errorf("Error = %q, want OOM", s.Job.Error)
	}
	if s.Modal != projector.ModalError {
		t.Errorf("Modal = %q, want error", s.Modal)
	}
	if bal := f.balance(t); bal != 5 {
		t.Errorf("balance = %d, want 5", bal)
	}
	if n := f.sink.count(notify.TitleFailure); n != 1 {
		t.Errorf("failure notifications = %d, want 1", n)
	}
	if n := f.sink.count(notify.TitleSuccess); n != 0 {
		t.Errorf("success notifications = %d, want 0", n)
	}
	if _, err := f.db.GetArtifact(context.Background(), id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("artifact persisted for failed job: %v", err)
	}
}

func TestInvalidWidthBlocksRegardlessOfBalance(t *testing.T) {
	src := newGatedSource(model.ModeRemote)
	f := newFixture(t, 5, model.ModeRemote, src)

	form := model.DefaultForm(model.ModeRemote)
	form.Geometry.Width = 0
	f.holder.Apply(projector.FormEdited{Form: form})

	s := f.holder.Current()
	if s.WidthError == nil || s.WidthError.Field != validation.FieldWidth {
		t.Fatalf("WidthError = %+v", s.WidthError)
	}
	if s.GenerateEnabled() {
		t.Error("GenerateEnabled with invalid width")
	}

	_, err := f.orch.Submit(context.Background())
	if !errors.Is(err, apperrors.ErrValidation) || apperrors.FieldOf(err) != validation.FieldWidth {
		t.Fatalf("err = %v, want validation error on width", err)
	}
	s = f.holder.Current()
	if s.Job.Phase != model.PhaseBlocked || s.Job.BlockReason != model.BlockInvalidInput {
		t.Errorf("job = %+v, want blocked/invalid_input", s.Job)
	}
	if n := src.n.Load(); n != 0 {
		t.Errorf("subscriptions = %d, want 0", n)
	}
	if bal := f.balance(t); bal != 5 {
		t.Errorf("balance = %d, want 5", bal)
	}
}

func TestSecondSubmitRejected(t *testing.T) {
	src := newGatedSource(model.ModeRemote)
	f := newFixture(t, 5, model.ModeRemote, src)

	first, err := f.orch.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	sub := src.next(t)

	_, err = f.orch.Submit(context.Background())
	if !errors.Is(err, apperrors.ErrJobInFlight) {
		t.Fatalf("err = %v, want job in flight", err)
	}
	if n := src.n.Load(); n != 1 {
		t.Errorf("subscriptions = %d, want 1", n)
	}
	if s := f.holder.Current(); s.Job.JobID != first || s.Job.Phase != model.PhaseInFlight {
		t.Errorf("running job disturbed: %+v", s.Job)
	}

	close(sub.ch)
}

func TestCancelUnsubscribesAndDropsLateSnapshots(t *testing.T) {
	src := newGatedSource(model.ModeRemote)
	f := newFixture(t, 5, model.ModeRemote, src)
	ctx := context.Background()

	oldID, err := f.orch.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	old := src.next(t)
	old.ch <- model.Progress(oldID, model.StatusSnapshot{Stage: model.StageQueued})

	if err := f.orch.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if old.ctx.Err() == nil {
		t.Fatal("subscription context still live after Cancel returned")
	}
	if s := f.holder.Current(); s.Job.Phase != model.PhaseIdle {
		t.Fatalf("phase after cancel = %q, want idle", s.Job.Phase)
	}

	staleBefore := testutil.ToFloat64(staleEvents)

	// A stray late snapshot on the old stream is ignored.
	old.ch <- model.Progress(oldID, model.StatusSnapshot{Stage: model.StageProcessing})
	close(old.ch)

	// A brand-new job; a late snapshot for the old id on the new stream is
	// filtered by job id.
	newID, err := f.orch.Submit(ctx)
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	fresh := src.next(t)
	fresh.ch <- model.Progress(oldID, model.StatusSnapshot{Stage: model.StageProcessing, QueuePosition: 99})

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(staleEvents)-staleBefore < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if d := testutil.ToFloat64(staleEvents) - staleBefore; d != 2 {
		t.Errorf("stale events dropped = %v, want 2", d)
	}

	s := f.holder.Current()
	if s.Job.JobID != newID || s.Job.Progress != nil {
		t.Errorf("new job affected by stale snapshot: %+v", s.Job)
	}

	fresh.ch <- model.Failure(newID, apperrors.Terminal("x", errors.New("boom")))
	close(fresh.ch)
	f.waitPhase(t, model.PhaseFailed)
	f.orch.Wait()

	if bal := f.balance(t); bal != 5 {
		t.Errorf("balance = %d, want 5 after cancel and failure", bal)
	}
	if n := f.sink.count(notify.TitleFailure); n != 1 {
		t.Errorf("failure notifications = %d, want 1 (none for the cancelled job)", n)
	}
	g, _ := f.db.GetGeneration(ctx, oldID)
	if g.Status != model.StatusCancelled {
		t.Errorf("cancelled record status = %q", g.Status)
	}
}

func TestCancelledSuccessIsNotPersisted(t *testing.T) {
	src := newGatedSource(model.ModeLocal)
	f := newFixture(t, 5, model.ModeLocal, src)

	id, err := f.orch.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	sub := src.next(t)
	f.orch.Cancel()

	sub.ch <- model.Success(id, model.Artifact{JobID: id, Image: []byte("late")})
	close(sub.ch)
	f.orch.Wait()

	if bal := f.balance(t); bal != 5 {
		t.Errorf("balance = %d, want 5", bal)
	}
	if n := f.sink.count(notify.TitleSuccess); n != 0 {
		t.Errorf("success notifications = %d, want 0", n)
	}
}

func TestAcknowledgeAndDismiss(t *testing.T) {
	src := &scriptedSource{mode: model.ModeLocal, script: func(id string) []model.StatusEvent {
		return []model.StatusEvent{model.Failure(id, errors.New("nope"))}
	}}
	f := newFixture(t, 5, model.ModeLocal, src)

	if _, err := f.orch.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.waitPhase(t, model.PhaseFailed)

	// Cancel is not an outcome transition.
	if err := f.orch.Cancel(); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("Cancel from failed err = %v, want invalid transition", err)
	}
	if err := f.orch.Acknowledge(); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if s := f.holder.Current(); s.Job.Phase != model.PhaseIdle || s.Modal != projector.ModalNone {
		t.Errorf("after acknowledge: %+v", s.Job)
	}
	if err := f.orch.Acknowledge(); err != nil {
		t.Errorf("Acknowledge while idle: %v", err)
	}

	f.orch.Dismiss()
	if s := f.holder.Current(); s.Job.Phase != model.PhaseIdle {
		t.Errorf("after dismiss: %+v", s.Job)
	}
}

func TestAcknowledgeInFlightRejected(t *testing.T) {
	src := newGatedSource(model.ModeRemote)
	f := newFixture(t, 5, model.ModeRemote, src)

	if _, err := f.orch.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	sub := src.next(t)

	if err := f.orch.Acknowledge(); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("err = %v, want invalid transition", err)
	}

	f.orch.Dismiss()
	if sub.ctx.Err() == nil {
		t.Error("dismiss did not unsubscribe")
	}
	close(sub.ch)
}

func TestUnregisteredModeFails(t *testing.T) {
	f := newFixture(t, 5, model.ModeLocal, nil)

	if _, err := f.orch.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	s := f.waitPhase(t, model.PhaseFailed)
	f.orch.Wait()

	if s.Job.Error == "" {
		t.Error("expected error message")
	}
	if n := f.sink.count(notify.TitleFailure); n != 1 {
		t.Errorf("failure notifications = %d, want 1", n)
	}
	if bal := f.balance(t); bal != 5 {
		t.Errorf("balance = %d, want 5", bal)
	}
}

func TestStreamClosedWithoutResultFails(t *testing.T) {
	src := &scriptedSource{mode: model.ModeRemote, script: func(id string) []model.StatusEvent {
		return []model.StatusEvent{model.Progress(id, model.StatusSnapshot{Stage: model.StageQueued})}
	}}
	f := newFixture(t, 5, model.ModeRemote, src)

	if _, err := f.orch.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.waitPhase(t, model.PhaseFailed)
}

func TestSecondJobAdmittedAgainstHeldBalance(t *testing.T) {
	src := &scriptedSource{mode: model.ModeLocal, script: func(id string) []model.StatusEvent {
		return []model.StatusEvent{model.Success(id, model.Artifact{JobID: id, Image: []byte("x"), MediaType: "image/png",
			Request: model.NewGenerationRequest(model.DefaultForm(model.ModeLocal))})}
	}}
	f := newFixture(t, 1, model.ModeLocal, src)

	if _, err := f.orch.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.waitPhase(t, model.PhaseSucceeded)

	// Whether or not the debit has landed yet, the one credit is spent.
	_, err := f.orch.Submit(context.Background())
	if !errors.Is(err, apperrors.ErrAdmissionDenied) {
		t.Fatalf("err = %v, want admission denied", err)
	}
	f.orch.Wait()
	if bal := f.balance(t); bal != 0 {
		t.Errorf("balance = %d, want 0", bal)
	}
}

func TestCloseCancelsInFlight(t *testing.T) {
	src := newGatedSource(model.ModeRemote)
	f := newFixture(t, 5, model.ModeRemote, src)

	if _, err := f.orch.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	sub := src.next(t)

	done := make(chan struct{})
	go func() {
		// The source closes its stream once unsubscribed.
		<-sub.ctx.Done()
		close(sub.ch)
		close(done)
	}()
	f.orch.Close()
	<-done

	if _, err := f.orch.Submit(context.Background()); err == nil {
		t.Error("Submit after Close succeeded")
	}
}
