package app

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/canvas/internal/config"
	"github.com/seantiz/canvas/internal/localengine"
	"github.com/seantiz/canvas/internal/model"
	"github.com/seantiz/canvas/internal/source/remote/remotetest"
)

type harness struct {
	t     *testing.T
	app   *App
	api   *httptest.Server
	queue *remotetest.Queue
}

func newHarness(t *testing.T, credits, queueMaxPixels int) *harness {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	queue := remotetest.NewQueue(1, 1)
	queue.MaxPixels = queueMaxPixels
	queueSrv := httptest.NewServer(queue.Handler())
	t.Cleanup(queueSrv.Close)

	// Unix socket paths are limited to ~100 bytes, so avoid t.TempDir.
	dir, err := os.MkdirTemp("", "canvas")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "engine.sock")
	l, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	agent := localengine.New(l, localengine.NewRenderer(0), logger)
	served := make(chan error, 1)
	go func() { served <- agent.Serve() }()
	t.Cleanup(func() {
		l.Close()
		<-served
	})

	cfg := config.Config{
		ListenAddr:        ":0",
		DBPath:            ":memory:",
		LogLevel:          slog.LevelInfo,
		ArtifactDir:       t.TempDir(),
		InitialCredits:    credits,
		RemoteURL:         queueSrv.URL,
		RemoteAPIKey:      "0000000000",
		PollInterval:      5 * time.Millisecond,
		LocalEngineSocket: socket,
		CacheSize:         4,
		DefaultMode:       model.ModeRemote,
	}
	a, err := New(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)

	apiSrv := httptest.NewServer(a.Server.Router())
	t.Cleanup(apiSrv.Close)

	return &harness{t: t, app: a, api: apiSrv, queue: queue}
}

func (h *harness) do(method, path string, body any) (int, []byte) {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, h.api.URL+path, rd)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

type stateView struct {
	Job     model.JobState `json:"job"`
	Balance int            `json:"balance"`
	Modal   string         `json:"modal"`
}

func (h *harness) state() stateView {
	h.t.Helper()
	status, body := h.do(http.MethodGet, "/v1/state", nil)
	if status != http.StatusOK {
		h.t.Fatalf("GET /v1/state = %d", status)
	}
	var st stateView
	if err := json.Unmarshal(body, &st); err != nil {
		h.t.Fatalf("decode state: %v", err)
	}
	return st
}

// submit posts form edits, submits, and waits for an outcome.
func (h *harness) submit(form map[string]any) stateView {
	h.t.Helper()
	status, body := h.do(http.MethodPost, "/v1/generations", form)
	if status != http.StatusAccepted {
		h.t.Fatalf("submit = %d %s", status, body)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st := h.state(); st.Job.Outcome() {
			h.app.Orchestrator.Wait()
			return h.state()
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("no outcome, state = %+v", h.state())
	return stateView{}
}

func (h *harness) artifact(id string) (string, []byte) {
	h.t.Helper()
	resp, err := http.Get(h.api.URL + "/v1/artifacts/" + id)
	if err != nil {
		h.t.Fatalf("GET artifact: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		h.t.Fatalf("artifact status = %d", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	return resp.Header.Get("Content-Type"), data
}

func TestRemoteThenLocalUntilCreditsRunOut(t *testing.T) {
	h := newHarness(t, 2, remotetest.DefaultMaxPixels)

	st := h.submit(map[string]any{"prompt": "a harbour at dusk"})
	if st.Job.Phase != model.PhaseSucceeded || st.Modal != "image" {
		t.Fatalf("remote outcome = %+v", st)
	}
	if st.Balance != 1 {
		t.Errorf("balance = %d, want 1", st.Balance)
	}
	ct, img := h.artifact(st.Job.JobID)
	if ct != "image/webp" || !strings.Contains(string(img), "a harbour at dusk") {
		t.Errorf("remote artifact = %q %q", ct, img)
	}
	if h.queue.Len() != 1 {
		t.Errorf("queue jobs = %d, want 1", h.queue.Len())
	}
	h.do(http.MethodPost, "/v1/generations/current/ack", nil)

	st = h.submit(map[string]any{
		"mode":     "local",
		"geometry": map[string]int{"width": 2048, "height": 2048},
	})
	if st.Job.Phase != model.PhaseFailed || st.Job.Error != "OOM" || st.Modal != "error" {
		t.Fatalf("local OOM outcome = %+v", st)
	}
	if st.Balance != 1 {
		t.Errorf("balance after failure = %d, want 1", st.Balance)
	}
	h.do(http.MethodPost, "/v1/generations/current/ack", nil)

	st = h.submit(map[string]any{
		"geometry": map[string]int{"width": 256, "height": 128},
		"steps":    4,
	})
	if st.Job.Phase != model.PhaseSucceeded || st.Balance != 0 {
		t.Fatalf("local outcome = %+v", st)
	}
	ct, img = h.artifact(st.Job.JobID)
	if ct != "image/png" {
		t.Errorf("local content type = %q", ct)
	}
	decoded, err := png.Decode(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 256 || b.Dy() != 128 {
		t.Errorf("image bounds = %v", b)
	}
	h.do(http.MethodPost, "/v1/generations/current/ack", nil)

	status, _ := h.do(http.MethodPost, "/v1/generations", nil)
	if status != http.StatusPaymentRequired {
		t.Errorf("submit without credits = %d, want 402", status)
	}
	if st := h.state(); st.Modal != "no_credits" {
		t.Errorf("modal = %q, want no_credits", st.Modal)
	}
}

func TestRemoteRejectsImpossibleRequest(t *testing.T) {
	h := newHarness(t, 3, 512*512)

	st := h.submit(map[string]any{
		"prompt":   "a very large mural",
		"geometry": map[string]int{"width": 1024, "height": 1024},
	})
	if st.Job.Phase != model.PhaseFailed {
		t.Fatalf("outcome = %+v, want failed", st)
	}
	if st.Balance != 3 {
		t.Errorf("balance = %d, want 3", st.Balance)
	}

	status, body := h.do(http.MethodGet, "/v1/generations/"+st.Job.JobID, nil)
	if status != http.StatusOK || !strings.Contains(string(body), `"status":"failed"`) {
		t.Errorf("record = %d %s", status, body)
	}
}

func TestBatchCountChargesOnlyDeliveredImages(t *testing.T) {
	h := newHarness(t, 5, remotetest.DefaultMaxPixels)

	tests := []struct {
		mode  string
		batch int
	}{
		{"local", 3},
		{"remote", 2},
	}
	balance := 5
	for _, tt := range tests {
		st := h.submit(map[string]any{
			"prompt":      "a row of " + tt.mode + " lanterns",
			"mode":        tt.mode,
			"batch_count": tt.batch,
			"geometry":    map[string]int{"width": 128, "height": 128},
			"steps":       2,
		})
		if st.Job.Phase != model.PhaseSucceeded {
			t.Fatalf("%s outcome = %+v", tt.mode, st)
		}
		if _, img := h.artifact(st.Job.JobID); len(img) == 0 {
			t.Fatalf("%s: empty artifact", tt.mode)
		}

		// One job, one artifact, one credit.
		balance--
		if st.Balance != balance {
			t.Errorf("%s batch_count=%d: balance = %d, want %d", tt.mode, tt.batch, st.Balance, balance)
		}
		h.do(http.MethodPost, "/v1/generations/current/ack", nil)
	}
}
