// Package result persists generated artifacts exactly once per job: a fast
// in-memory cache write, the ledger debit, then a durable file save and
// index record.
package result

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/canvas/internal/apperrors"
	"github.com/seantiz/canvas/internal/jobset"
	"github.com/seantiz/canvas/internal/model"
	"github.com/seantiz/canvas/internal/store"
)

// Ledger charges a succeeded job.
type Ledger interface {
	Debit(ctx context.Context, jobID string, amount int) (int, error)
}

// Index records durably saved artifacts.
type Index interface {
	SaveArtifact(ctx context.Context, rec *model.ArtifactRecord) error
	GetArtifact(ctx context.Context, jobID string) (*model.ArtifactRecord, error)
}

// Outcome describes what a Persist call did.
type Outcome struct {
	Duplicate  bool
	Balance    int
	StorageKey string
}

// Store is the result store.
type Store struct {
	persisted *jobset.Set

	cache  *Cache
	files  *FileStore
	index  Index
	ledger Ledger
	logger *slog.Logger
}

// New creates a result store.
func New(cache *Cache, files *FileStore, index Index, ledger Ledger, logger *slog.Logger) *Store {
	return &Store{
		persisted: jobset.New(jobset.DefaultSize),
		cache:     cache,
		files:     files,
		index:     index,
		ledger:    ledger,
		logger:    logger,
	}
}

// Persist stores the artifact of a succeeded job. A second call for the same
// job id is a no-op that reports Duplicate. A failed durable save returns a
// store error but leaves the cache entry and the debit in place.
func (s *Store) Persist(ctx context.Context, a model.Artifact) (Outcome, error) {
	if !s.persisted.Add(a.JobID) {
		persistTotal.WithLabelValues(persistDuplicate).Inc()
		return Outcome{Duplicate: true}, nil
	}

	logger := s.logger.With("job_id", a.JobID)
	start := time.Now()

	s.cache.Put(a)

	var out Outcome
	var errs []error

	bal, err := s.ledger.Debit(ctx, a.JobID, a.Request.Cost)
	if err != nil {
		logger.Error("debit failed", "cost", a.Request.Cost, "error", err)
		errs = append(errs, apperrors.Store("result.debit", err))
	}
	out.Balance = bal

	key, err := s.save(ctx, a)
	if err != nil {
		logger.Error("durable save failed", "error", err)
		errs = append(errs, apperrors.Store("result.save", err))
	}
	out.StorageKey = key

	persistDuration.Observe(time.Since(start).Seconds())
	if len(errs) > 0 {
		persistTotal.WithLabelValues(persistFailed).Inc()
		return out, errors.Join(errs...)
	}
	persistTotal.WithLabelValues(persistStored).Inc()
	logger.Info("artifact stored", "storage_key", key, "balance", bal)
	return out, nil
}

func (s *Store) save(ctx context.Context, a model.Artifact) (string, error) {
	key, err := s.files.Write(ctx, a.JobID+extension(a.MediaType), a.Image)
	if err != nil {
		return "", err
	}
	rec := &model.ArtifactRecord{
		JobID:      a.JobID,
		StorageKey: key,
		MediaType:  a.MediaType,
		Seed:       a.Seed,
		Request:    a.Request,
		CreatedAt:  a.CreatedAt,
	}
	if err := s.index.SaveArtifact(ctx, rec); err != nil {
		return key, fmt.Errorf("index artifact: %w", err)
	}
	return key, nil
}

// Get returns the artifact of jobID, served from the cache when present and
// from durable storage otherwise.
func (s *Store) Get(ctx context.Context, jobID string) (model.Artifact, error) {
	if a, ok := s.cache.Get(jobID); ok {
		return a, nil
	}

	rec, err := s.index.GetArtifact(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Artifact{}, apperrors.NotFound("artifact", jobID)
	}
	if err != nil {
		return model.Artifact{}, apperrors.Store("result.get", err)
	}
	img, err := s.files.Read(ctx, rec.StorageKey)
	if err != nil {
		return model.Artifact{}, apperrors.Store("result.read", err)
	}

	a := model.Artifact{
		JobID:     rec.JobID,
		Request:   rec.Request,
		Image:     img,
		MediaType: rec.MediaType,
		Seed:      rec.Seed,
		CreatedAt: rec.CreatedAt,
	}
	s.cache.Put(a)
	return a, nil
}

// Request returns the originating request of a stored artifact without
// loading its bytes.
func (s *Store) Request(ctx context.Context, jobID string) (model.GenerationRequest, error) {
	if a, ok := s.cache.Get(jobID); ok {
		return a.Request, nil
	}
	rec, err := s.index.GetArtifact(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return model.GenerationRequest{}, apperrors.NotFound("artifact", jobID)
	}
	if err != nil {
		return model.GenerationRequest{}, apperrors.Store("result.get", err)
	}
	return rec.Request, nil
}

func extension(mediaType string) string {
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/jpeg":
		return ".jpg"
	default:
		return ".bin"
	}
}
