package store

import (
	"context"
	"errors"

	"github.com/seantiz/canvas/internal/model"
)

var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidTransition is returned when a generation status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInsufficientBalance is returned when a debit would make the ledger negative.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// GenerationStats holds aggregate job statistics.
type GenerationStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByMode   map[string]int `json:"count_by_mode"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations of the service.
type Store interface {
	CreateGeneration(ctx context.Context, g *model.Generation) error
	GetGeneration(ctx context.Context, id string) (*model.Generation, error)
	ListGenerations(ctx context.Context, limit, offset int) ([]*model.Generation, int, error)
	UpdateGenerationStatus(ctx context.Context, id, status, errMsg string) error
	GetGenerationStats(ctx context.Context) (*GenerationStats, error)

	SaveArtifact(ctx context.Context, rec *model.ArtifactRecord) error
	GetArtifact(ctx context.Context, jobID string) (*model.ArtifactRecord, error)

	EnsureBalance(ctx context.Context, initial int) (int, error)
	GetBalance(ctx context.Context) (int, error)
	AdjustBalance(ctx context.Context, delta int) (int, error)

	GetSettings(ctx context.Context) (map[string]string, error)
	PutSettings(ctx context.Context, kv map[string]string) error

	Close() error
}
