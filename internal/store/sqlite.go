package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/canvas/internal/model"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS generations (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    mode        TEXT NOT NULL,
    prompt      TEXT NOT NULL,
    width       INTEGER NOT NULL,
    height      INTEGER NOT NULL,
    cost        INTEGER NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
    job_id      TEXT PRIMARY KEY,
    storage_key TEXT NOT NULL,
    media_type  TEXT NOT NULL,
    seed        TEXT NOT NULL DEFAULT '',
    request     TEXT NOT NULL,
    created_at  DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS ledger (
    id      INTEGER PRIMARY KEY CHECK (id = 1),
    balance INTEGER NOT NULL CHECK (balance >= 0)
)`,
	`CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`,
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const generationColumns = `id, status, mode, prompt, width, height, cost, error,
			created_at, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanGeneration(row scanner) (*model.Generation, error) {
	g := &model.Generation{}
	var mode string
	err := row.Scan(
		&g.ID, &g.Status, &mode, &g.Prompt, &g.Width, &g.Height, &g.Cost, &g.Error,
		&g.CreatedAt, &g.StartedAt, &g.FinishedAt,
	)
	g.Mode = model.Mode(mode)
	return g, err
}

// CreateGeneration inserts a new generation record.
func (s *SQLiteStore) CreateGeneration(ctx context.Context, g *model.Generation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generations (`+generationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Status, string(g.Mode), g.Prompt, g.Width, g.Height, g.Cost, g.Error,
		g.CreatedAt, g.StartedAt, g.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

// GetGeneration retrieves a generation by ID.
func (s *SQLiteStore) GetGeneration(ctx context.Context, id string) (*model.Generation, error) {
	g, err := scanGeneration(s.db.QueryRowContext(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get generation: %w", err)
	}
	return g, nil
}

// ListGenerations returns a page of generations ordered by created_at DESC,
// along with the total count.
func (s *SQLiteStore) ListGenerations(ctx context.Context, limit, offset int) ([]*model.Generation, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM generations").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count generations: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+generationColumns+` FROM generations ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var gens []*model.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan generation: %w", err)
		}
		gens = append(gens, g)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate generations: %w", err)
	}

	return gens, total, nil
}

// UpdateGenerationStatus moves a generation to status. Running sets
// started_at; terminal statuses set finished_at. Transitions not allowed by
// model.ValidTransition return ErrInvalidTransition.
func (s *SQLiteStore) UpdateGenerationStatus(ctx context.Context, id, status, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM generations WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read generation status: %w", err)
	}
	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE generations SET status = ?, started_at = ? WHERE id = ?",
			status, now, id,
		)
	case model.TerminalStatus(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE generations SET status = ?, error = ?, finished_at = ? WHERE id = ?",
			status, errMsg, now, id,
		)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE generations SET status = ? WHERE id = ?",
			status, id,
		)
	}
	if err != nil {
		return fmt.Errorf("update generation status: %w", err)
	}

	return tx.Commit()
}

// GetGenerationStats aggregates counts by status and mode plus the mean
// duration of finished generations.
func (s *SQLiteStore) GetGenerationStats(ctx context.Context) (*GenerationStats, error) {
	stats := &GenerationStats{
		CountByStatus: make(map[string]int),
		CountByMode:   make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, mode, started_at, finished_at FROM generations")
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var totalMS float64
	var finished int
	for rows.Next() {
		var status, mode string
		var started, done *time.Time
		if err := rows.Scan(&status, &mode, &started, &done); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats.Total++
		stats.CountByStatus[status]++
		stats.CountByMode[mode]++
		if started != nil && done != nil {
			totalMS += float64(done.Sub(*started).Milliseconds())
			finished++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}

	if finished > 0 {
		stats.AvgDurationMS = totalMS / float64(finished)
	}
	return stats, nil
}

// SaveArtifact records a durably stored artifact. Saving the same job twice
// keeps the first record.
func (s *SQLiteStore) SaveArtifact(ctx context.Context, rec *model.ArtifactRecord) error {
	req, err := json.Marshal(rec.Request)
	if err != nil {
		return fmt.Errorf("encode artifact request: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts (job_id, storage_key, media_type, seed, request, created_at)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(job_id) DO NOTHING`,
		rec.JobID, rec.StorageKey, rec.MediaType, rec.Seed, string(req), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// GetArtifact retrieves the artifact record of a job.
func (s *SQLiteStore) GetArtifact(ctx context.Context, jobID string) (*model.ArtifactRecord, error) {
	rec := &model.ArtifactRecord{}
	var req string
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, storage_key, media_type, seed, request, created_at FROM artifacts WHERE job_id = ?`,
		jobID,
	).Scan(&rec.JobID, &rec.StorageKey, &rec.MediaType, &rec.Seed, &req, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	if err := json.Unmarshal([]byte(req), &rec.Request); err != nil {
		return nil, fmt.Errorf("decode artifact request: %w", err)
	}
	return rec, nil
}

// EnsureBalance creates the ledger row with initial credits if it does not
// exist yet, and returns the current balance.
func (s *SQLiteStore) EnsureBalance(ctx context.Context, initial int) (int, error) {
	if initial < 0 {
		initial = 0
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO ledger (id, balance) VALUES (1, ?) ON CONFLICT(id) DO NOTHING", initial,
	); err != nil {
		return 0, fmt.Errorf("init ledger: %w", err)
	}
	return s.GetBalance(ctx)
}

// GetBalance returns the current ledger balance.
func (s *SQLiteStore) GetBalance(ctx context.Context) (int, error) {
	var balance int
	err := s.db.QueryRowContext(ctx, "SELECT balance FROM ledger WHERE id = 1").Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// AdjustBalance adds delta (negative for a debit) to the ledger and returns
// the new balance. A delta that would make the balance negative returns
// ErrInsufficientBalance and leaves the ledger unchanged.
func (s *SQLiteStore) AdjustBalance(ctx context.Context, delta int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var balance int
	err = tx.QueryRowContext(ctx, "SELECT balance FROM ledger WHERE id = 1").Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}

	next := balance + delta
	if next < 0 {
		return balance, ErrInsufficientBalance
	}
	if _, err := tx.ExecContext(ctx, "UPDATE ledger SET balance = ? WHERE id = 1", next); err != nil {
		return 0, fmt.Errorf("update balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit balance: %w", err)
	}
	return next, nil
}

// GetSettings returns all stored preference values.
func (s *SQLiteStore) GetSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	kv := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		kv[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settings: %w", err)
	}
	return kv, nil
}

// PutSettings upserts the given preference values in one transaction.
func (s *SQLiteStore) PutSettings(ctx context.Context, kv map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for k, v := range kv {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			k, v,
		); err != nil {
			return fmt.Errorf("upsert setting %s: %w", k, err)
		}
	}
	return tx.Commit()
}
