package main

import (
	"context"
	"log"
	"os"

	"github.com/seantiz/canvas/internal/app"
	"github.com/seantiz/canvas/internal/config"
)

func main() {
	cfg := config.Load()
	out, logFile := config.LogWriter(os.Stdout, cfg.LogFile)
	defer logFile.Close()
	logger := config.NewLogger(out, cfg.LogLevel)

	logger.Info("canvas: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"artifact_dir", cfg.ArtifactDir,
	)

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}

	if err := a.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
