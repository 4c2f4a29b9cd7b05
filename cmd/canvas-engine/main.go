// Command canvas-engine is the on-device image engine. It listens on a unix
// socket for framed generation requests from the canvas service, renders
// them step by step, and streams progress and the result back.
//
// Usage: canvas-engine -socket /tmp/canvas-engine.sock
package main

import (
	"errors"
	"flag"
	"io/fs"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/canvas/internal/config"
	"github.com/seantiz/canvas/internal/localengine"
)

func main() {
	socket := flag.String("socket", "/tmp/canvas-engine.sock", "unix socket path to listen on")
	stepDelay := flag.Duration("step-delay", 50*time.Millisecond, "simulated time per denoising step")
	maxPixels := flag.Int("max-pixels", localengine.DefaultMaxPixels, "largest width*height rendered before reporting OOM")
	flag.Parse()

	logger := config.NewLogger(os.Stdout, config.Load().LogLevel)

	// A stale socket from a previous run would make Listen fail.
	if err := os.Remove(*socket); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("remove stale socket %s: %v", *socket, err)
	}
	l, err := net.Listen("unix", *socket)
	if err != nil {
		log.Fatalf("listen on %s: %v", *socket, err)
	}

	renderer := localengine.NewRenderer(*stepDelay)
	renderer.MaxPixels = *maxPixels
	agent := localengine.New(l, renderer, logger)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		logger.Info("shutting down", "signal", sig.String())
		l.Close()
	}()

	logger.Info("canvas-engine listening", "socket", *socket, "max_pixels", *maxPixels)
	if err := agent.Serve(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
