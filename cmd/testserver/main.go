// testserver starts a canvas API server wired to an in-memory queue service
// and an in-process local engine, for end-to-end testing without network
// access or a GPU.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/seantiz/canvas/internal/app"
	"github.com/seantiz/canvas/internal/config"
	"github.com/seantiz/canvas/internal/localengine"
	"github.com/seantiz/canvas/internal/model"
	"github.com/seantiz/canvas/internal/source/local"
	"github.com/seantiz/canvas/internal/source/remote/remotetest"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	dir, err := os.MkdirTemp("", "canvas-testserver-")
	if err != nil {
		log.Fatalf("create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	renderer := localengine.NewRenderer(100 * time.Millisecond)

	queue := remotetest.NewQueue(2, 2)
	queue.Image = func(prompt string, width, height int, seed string) []byte {
		img, _, err := localengine.NewRenderer(0).Render(local.EngineRequest{
			Prompt: prompt,
			Width:  width,
			Height: height,
			Steps:  1,
			Seed:   seed,
		}, nil)
		if err != nil {
			return []byte(err.Error())
		}
		return img
	}
	queueSrv := httptest.NewServer(queue.Handler())
	defer queueSrv.Close()

	socket := filepath.Join(dir, "engine.sock")
	l, err := net.Listen("unix", socket)
	if err != nil {
		log.Fatalf("listen on %s: %v", socket, err)
	}
	agent := localengine.New(l, renderer, logger.With("component", "engine"))
	go func() {
		if err := agent.Serve(); err != nil {
			logger.Error("engine stopped", "error", err)
		}
	}()
	defer l.Close()

	cfg.DBPath = ":memory:"
	cfg.ArtifactDir = filepath.Join(dir, "artifacts")
	cfg.RemoteURL = queueSrv.URL
	cfg.LocalEngineSocket = socket
	cfg.PollInterval = 250 * time.Millisecond
	cfg.DefaultMode = model.ModeLocal
	cfg.TelegramBotToken = ""

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}

	logger.Info("testserver ready", "queue_url", queueSrv.URL, "engine_socket", socket)
	if err := a.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
