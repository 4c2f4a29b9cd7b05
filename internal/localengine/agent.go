// Package localengine implements the on-device engine process that serves
// generation requests over the framed local protocol: it receives a request,
// renders the image step by step, and streams progress and the result back.
package localengine

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/seantiz/canvas/internal/source/local"
)

// Agent accepts engine connections and serves one request per connection.
type Agent struct {
	listener net.Listener
	renderer *Renderer
	logger   *slog.Logger

	// busy serializes rendering; the engine runs one generation at a time.
	busy sync.Mutex
	wg   sync.WaitGroup
}

// New creates a new engine agent on listener.
func New(listener net.Listener, renderer *Renderer, logger *slog.Logger) *Agent {
	return &Agent{
		listener: listener,
		renderer: renderer,
		logger:   logger,
	}
}

// Serve accepts connections and handles requests. It blocks until the
// listener is closed, then waits for in-flight requests to finish.
func (a *Agent) Serve() error {
	defer a.wg.Wait()
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		a.wg.Go(func() { a.handleConnection(conn) })
	}
}

// handleConnection processes a single generation request on conn.
func (a *Agent) handleConnection(conn net.Conn) {
	defer conn.Close()

	var req local.EngineRequest
	if err := local.ReadMessage(conn, &req); err != nil {
		a.logger.Warn("read request", "error", err)
		a.sendResult(conn, local.EngineResponse{Error: fmt.Sprintf("read request: %v", err)})
		return
	}

	a.busy.Lock()
	defer a.busy.Unlock()

	logger := a.logger.With("width", req.Width, "height", req.Height, "steps", req.Steps)
	logger.Info("generation started")

	img, seed, err := a.renderer.Render(req, func(step, steps int) error {
		return local.WriteMessage(conn, &local.EngineMessage{
			Type:  local.MsgTypeProgress,
			Step:  step,
			Steps: steps,
		})
	})
	if err != nil {
		logger.Warn("generation failed", "error", err)
		a.sendResult(conn, local.EngineResponse{Error: err.Error()})
		return
	}

	logger.Info("generation finished", "bytes", len(img), "seed", seed)
	a.sendResult(conn, local.EngineResponse{Image: img, Seed: seed})
}

func (a *Agent) sendResult(conn net.Conn, resp local.EngineResponse) {
	msg := local.EngineMessage{Type: local.MsgTypeResult, Response: &resp}
	if err := local.WriteMessage(conn, &msg); err != nil {
		a.logger.Debug("send result", "error", err)
	}
}
