// Package tracestore keeps run traces in SQLite.
//
// A Store is an obs.Sink: every finished run is stored as its exported JSON
// document, redacted or not according to the tracer, plus one row per
// plugin call for querying.
package tracestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/dshills/axon/internal/obs"
)

// ErrRunNotFound is returned when no run has the requested id.
var ErrRunNotFound = errors.New("run not found")

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a SQLite-backed trace store. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for migrations and store events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open opens or creates the database at path and applies pending migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	s := &Store{path: path, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has one writer; serialize all access through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Debug("trace store opened", slog.String("path", path))
	return s, nil
}

// migrate applies the embedded goose migrations.
func (s *Store) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		return err
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys,
		goose.WithDisableGlobalRegistry(true),
		goose.WithSlog(s.logger))
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	for _, r := range results {
		s.logger.Debug("trace store migration", slog.String("result", r.String()))
	}
	return nil
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WriteRun stores one finished run. data is the exported run document;
// the queryable columns are taken from it, so redaction applies to them
// too. Writing a run id again replaces the earlier copy.
func (s *Store) WriteRun(ctx context.Context, data []byte, _ *obs.RunRecord) error {
	var run obs.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return fmt.Errorf("decoding run: %w", err)
	}
	if run.ID == "" {
		return errors.New("run has no id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM plugin_calls WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("replacing calls of run %s: %w", run.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, run.ID); err != nil {
		return fmt.Errorf("replacing run %s: %w", run.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, ended_at, mode, model, error_type, call_count, document)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		formatTime(run.StartedAt),
		formatTimePtr(run.EndedAt),
		run.Mode,
		run.Model,
		errorType(run.Error),
		len(run.PluginCalls),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO plugin_calls (run_id, seq, plugin, attempt, started_at, ended_at, duration_ms,
			truncated_input, truncated_output, success, error_type, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing call insert: %w", err)
	}
	defer stmt.Close()

	for i, call := range run.PluginCalls {
		var errMsg sql.NullString
		if call.Error != nil {
			errMsg = sql.NullString{String: call.Error.Message, Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			run.ID, i, call.Plugin, call.Attempt,
			formatTime(call.StartedAt), formatTime(call.EndedAt), call.DurationMS,
			previewJSON(call.TruncatedInput), previewJSON(call.TruncatedOutput),
			call.Success, errorType(call.Error), errMsg,
		)
		if err != nil {
			return fmt.Errorf("inserting call %d of run %s: %w", i, run.ID, err)
		}
	}

	return tx.Commit()
}

// RunSummary is one row of ListRuns.
type RunSummary struct {
	ID        string
	StartedAt time.Time
	EndedAt   *time.Time
	Mode      string
	Model     string
	ErrorType string
	CallCount int
}

// Duration returns how long the run took, or zero if it never finished.
func (r RunSummary) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// ListOptions filters ListRuns.
type ListOptions struct {
	// Limit caps the number of runs. Zero means 20.
	Limit int

	// Plugin keeps only runs that called this plugin.
	Plugin string

	// FailedOnly keeps only runs that ended with an error.
	FailedOnly bool
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, opts ListOptions) ([]RunSummary, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, started_at, ended_at, mode, model, error_type, call_count FROM runs WHERE 1 = 1`
	var args []any
	if opts.Plugin != "" {
		query += ` AND id IN (SELECT run_id FROM plugin_calls WHERE plugin = ?)`
		args = append(args, opts.Plugin)
	}
	if opts.FailedOnly {
		query += ` AND error_type IS NOT NULL`
	}
	query += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var (
			r         RunSummary
			started   string
			ended     sql.NullString
			errorKind sql.NullString
		)
		if err := rows.Scan(&r.ID, &started, &ended, &r.Mode, &r.Model, &errorKind, &r.CallCount); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if ended.Valid {
			t, err := parseTime(ended.String)
			if err != nil {
				return nil, err
			}
			r.EndedAt = &t
		}
		r.ErrorType = errorKind.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns the stored document of a run.
func (s *Store) GetRun(ctx context.Context, id string) (*obs.RunRecord, error) {
	data, err := s.GetRunDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	var run obs.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decoding run %s: %w", id, err)
	}
	return &run, nil
}

// GetRunDocument returns the stored JSON document of a run as written.
func (s *Store) GetRunDocument(ctx context.Context, id string) ([]byte, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM runs WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", id, err)
	}
	return []byte(doc), nil
}

// PluginStats aggregates the stored calls of one plugin.
type PluginStats struct {
	Plugin        string
	Calls         int
	Failures      int
	AvgDurationMS float64
}

// Stats returns call statistics per plugin, sorted by name.
func (s *Store) Stats(ctx context.Context) ([]PluginStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plugin, COUNT(*), SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), AVG(duration_ms)
		FROM plugin_calls
		GROUP BY plugin
		ORDER BY plugin`)
	if err != nil {
		return nil, fmt.Errorf("loading stats: %w", err)
	}
	defer rows.Close()

	var stats []PluginStats
	for rows.Next() {
		var st PluginStats
		if err := rows.Scan(&st.Plugin, &st.Calls, &st.Failures, &st.AvgDurationMS); err != nil {
			return nil, fmt.Errorf("scanning stats: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored time %q: %w", s, err)
	}
	return t, nil
}

func errorType(rec *obs.ErrorRecord) sql.NullString {
	if rec == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: rec.Type, Valid: true}
}

// previewJSON stores a preview as its JSON text.
func previewJSON(v any) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

var _ obs.Sink = (*Store)(nil)
