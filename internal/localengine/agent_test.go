package localengine

import (
	"bytes"
	"image/png"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/seantiz/canvas/internal/source/local"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// generateOverPipe runs handleConnection against an in-memory connection and
// returns every message the agent sent.
func generateOverPipe(t *testing.T, r *Renderer, req local.EngineRequest) ([]local.EngineMessage, local.EngineResponse) {
	t.Helper()

	server, client := net.Pipe()
	agent := New(nil, r, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		agent.handleConnection(server)
	}()

	if err := local.WriteMessage(client, &req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var msgs []local.EngineMessage
	for {
		var msg local.EngineMessage
		if err := local.ReadMessage(client, &msg); err != nil {
			t.Fatalf("read message: %v", err)
		}
		msgs = append(msgs, msg)
		if msg.Type == local.MsgTypeResult {
			break
		}
	}
	client.Close()
	<-done

	last := msgs[len(msgs)-1]
	if last.Response == nil {
		t.Fatal("result message has nil response")
	}
	return msgs[:len(msgs)-1], *last.Response
}

func TestGenerateStreamsOneProgressFramePerStep(t *testing.T) {
	progress, resp := generateOverPipe(t, NewRenderer(0), local.EngineRequest{
		Prompt: "a red fox",
		Width:  64,
		Height: 64,
		Steps:  5,
		Seed:   "11",
	})

	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	if len(progress) != 5 {
		t.Fatalf("got %d progress frames, want 5", len(progress))
	}
	for i, msg := range progress {
		if msg.Type != local.MsgTypeProgress || msg.Step != i+1 || msg.Steps != 5 {
			t.Errorf("frame %d = %+v", i, msg)
		}
	}
	if resp.Seed != "11" {
		t.Errorf("seed = %q, want 11", resp.Seed)
	}

	img, err := png.Decode(bytes.NewReader(resp.Image))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 64 {
		t.Errorf("image size = %dx%d, want 64x64", b.Dx(), b.Dy())
	}
}

func TestGenerateOutOfMemory(t *testing.T) {
	r := &Renderer{MaxPixels: 64 * 64}
	progress, resp := generateOverPipe(t, r, local.EngineRequest{Width: 128, Height: 128, Steps: 3})

	if resp.Error != "OOM" {
		t.Errorf("error = %q, want OOM", resp.Error)
	}
	if len(progress) != 0 {
		t.Errorf("got %d progress frames before OOM, want 0", len(progress))
	}
}

func TestGenerateInvalidSize(t *testing.T) {
	_, resp := generateOverPipe(t, NewRenderer(0), local.EngineRequest{Width: 0, Height: 64, Steps: 1})
	if resp.Error == "" {
		t.Error("expected error for zero width")
	}
}

func TestRenderDeterministic(t *testing.T) {
	r := NewRenderer(0)
	req := local.EngineRequest{Prompt: "same", Width: 64, Height: 72, Steps: 2, Seed: "99"}

	a, _, err := r.Render(req, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	b, _, err := r.Render(req, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("same prompt and seed produced different images")
	}

	req.Seed = "100"
	c, _, _ := r.Render(req, nil)
	if bytes.Equal(a, c) {
		t.Error("different seeds produced identical images")
	}
}

func TestRenderRandomSeedWhenEmpty(t *testing.T) {
	_, seed, err := NewRenderer(0).Render(local.EngineRequest{Width: 64, Height: 64, Steps: 1}, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if seed == "" {
		t.Error("expected a generated seed")
	}
}

func TestAgentServeOverUnixSocket(t *testing.T) {
	sock := t.TempDir() + "/engine.sock"
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}

	agent := New(ln, NewRenderer(0), testLogger())
	served := make(chan error, 1)
	go func() { served <- agent.Serve() }()

	// Two sequential requests on separate connections.
	for range 2 {
		conn, err := local.Dial(t.Context(), sock)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		steps := 0
		resp, err := conn.Generate(local.EngineRequest{Width: 64, Height: 64, Steps: 4}, func(int, int) { steps++ })
		conn.Close()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if resp.Error != "" || len(resp.Image) == 0 {
			t.Errorf("resp = %+v", resp)
		}
		if steps != 4 {
			t.Errorf("progress callbacks = %d, want 4", steps)
		}
	}

	ln.Close()
	if err := <-served; err != nil {
		t.Errorf("Serve returned %v after close, want nil", err)
	}
}
