// Package transcript records completed assistant turns to SQLite for
// audit and debugging. It is a write-only log, separate from the
// conversation context cache and never read back on the hot path.
package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/valet-ai/valet/internal/domain"
)

// Turn is one completed request/response pair.
type Turn struct {
	ID         string
	UserID     string
	Strategy   string
	Source     domain.Source
	Input      string
	Response   string
	ResultType domain.ResultType
	Duration   time.Duration
}

// Recorder persists turns. The zero value is a disabled recorder whose
// Record is a no-op, so callers never branch on configuration.
type Recorder struct {
	db *sql.DB
}

// Open creates a recorder backed by the SQLite file at dbPath.
func Open(dbPath string) (*Recorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	r := &Recorder{db: db}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize transcript schema: %w", err)
	}
	return r, nil
}

// Disabled returns a recorder that drops every turn.
func Disabled() *Recorder {
	return &Recorder{}
}

func (r *Recorder) initSchema() error {
	_, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		context_id TEXT NOT NULL,
		user_id TEXT,
		strategy TEXT NOT NULL,
		source TEXT NOT NULL,
		input TEXT NOT NULL,
		response TEXT NOT NULL,
		result_type TEXT NOT NULL,
		duration_ns INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`)
	return err
}

// Record writes one turn. Errors are the caller's to log; a failed
// transcript write must never fail the request that produced it.
func (r *Recorder) Record(ctx context.Context, turn Turn) error {
	if r.db == nil {
		return nil
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO turns (id, context_id, user_id, strategy, source, input, response, result_type, duration_ns, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), turn.ID, turn.UserID, turn.Strategy, string(turn.Source),
		turn.Input, turn.Response, string(turn.ResultType), turn.Duration.Nanoseconds(), time.Now())
	if err != nil {
		return fmt.Errorf("failed to record turn: %w", err)
	}
	return nil
}

// Count returns the number of recorded turns for one context id.
func (r *Recorder) Count(ctx context.Context, contextID string) (int, error) {
	if r.db == nil {
		return 0, nil
	}
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM turns WHERE context_id = ?`, contextID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count turns: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (r *Recorder) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// LogFailure logs a failed transcript write with enough context to find
// the lost turn.
func LogFailure(logger *slog.Logger, turn Turn, err error) {
	logger.Error("transcript write failed",
		slog.String("context_id", turn.ID),
		slog.String("strategy", turn.Strategy),
		slog.Any("error", err))
}
