package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/seantiz/canvas/internal/model"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "canvas.db"
	defaultArtifactDir    = "artifacts"
	defaultInitialCredits = 5
	defaultRemoteURL      = "https://aihorde.net/api"
	defaultRemoteAPIKey   = "0000000000"
	defaultPollInterval   = 2 * time.Second
	defaultCacheSize      = 32

	envListenAddr        = "CANVAS_LISTEN_ADDR"
	envDBPath            = "CANVAS_DB_PATH"
	envLogLevel          = "CANVAS_LOG_LEVEL"
	envLogFile           = "CANVAS_LOG_FILE"
	envArtifactDir       = "CANVAS_ARTIFACT_DIR"
	envInitialCredits    = "CANVAS_INITIAL_CREDITS"
	envRemoteURL         = "CANVAS_REMOTE_URL"
	envRemoteAPIKey      = "CANVAS_REMOTE_API_KEY"
	envPollInterval      = "CANVAS_POLL_INTERVAL"
	envLocalEngineSocket = "CANVAS_LOCAL_ENGINE_SOCKET"
	envCacheSize         = "CANVAS_CACHE_SIZE"
	envTelegramBotToken  = "CANVAS_TELEGRAM_BOT_TOKEN"
	envTelegramChatID    = "CANVAS_TELEGRAM_CHAT_ID"
	envDefaultMode       = "CANVAS_DEFAULT_MODE"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr        string
	DBPath            string
	LogLevel          slog.Level
	LogFile           string
	ArtifactDir       string
	InitialCredits    int
	RemoteURL         string
	RemoteAPIKey      string
	PollInterval      time.Duration
	LocalEngineSocket string
	CacheSize         int
	TelegramBotToken  string
	TelegramChatID    int64
	DefaultMode       model.Mode
}

// TelegramEnabled reports whether both bot token and chat id are set.
func (c Config) TelegramEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != 0
}

// Load reads configuration from environment variables with sensible defaults.
// Values from .env and .env.local are applied first; variables already set
// in the environment win.
func Load() Config {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	cfg := Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		ArtifactDir:    defaultArtifactDir,
		InitialCredits: defaultInitialCredits,
		RemoteURL:      defaultRemoteURL,
		RemoteAPIKey:   defaultRemoteAPIKey,
		PollInterval:   defaultPollInterval,
		CacheSize:      defaultCacheSize,
		DefaultMode:    model.ModeRemote,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	cfg.LogFile = os.Getenv(envLogFile)
	if v := os.Getenv(envArtifactDir); v != "" {
		cfg.ArtifactDir = v
	}
	if n, err := strconv.Atoi(os.Getenv(envInitialCredits)); err == nil && n >= 0 {
		cfg.InitialCredits = n
	}
	if v := os.Getenv(envRemoteURL); v != "" {
		cfg.RemoteURL = v
	}
	if v := os.Getenv(envRemoteAPIKey); v != "" {
		cfg.RemoteAPIKey = v
	}
	if d, err := time.ParseDuration(os.Getenv(envPollInterval)); err == nil && d > 0 {
		cfg.PollInterval = d
	}
	cfg.LocalEngineSocket = os.Getenv(envLocalEngineSocket)
	if n, err := strconv.Atoi(os.Getenv(envCacheSize)); err == nil && n > 0 {
		cfg.CacheSize = n
	}
	cfg.TelegramBotToken = os.Getenv(envTelegramBotToken)
	if id, err := strconv.ParseInt(os.Getenv(envTelegramChatID), 10, 64); err == nil {
		cfg.TelegramChatID = id
	}
	if m, ok := model.ParseMode(os.Getenv(envDefaultMode)); ok {
		cfg.DefaultMode = m
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// LogWriter returns w, tee'd to a size-rotated file when path is set. The
// returned closer releases the file and is a no-op otherwise.
func LogWriter(w io.Writer, path string) (io.Writer, io.Closer) {
	if path == "" {
		return w, nopCloser{}
	}
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     30,
		LocalTime:  true,
	}
	return io.MultiWriter(w, file), file
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
