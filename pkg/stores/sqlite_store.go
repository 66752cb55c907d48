package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/conveyorci/conveyor/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultListLimit is the page size when a list filter carries no limit.
const DefaultListLimit = 50

// RunStore is the SQLite-backed run history store. It implements
// engine.RunRecorder; the scheduler hands it each run as it reaches a
// terminal status.
type RunStore struct {
	db   *sql.DB
	path string
}

// Config holds run store configuration.
type Config struct {
	// Path is the SQLite database file path.
	Path string
}

// NewRunStore creates a run store. Call Init before use.
func NewRunStore(cfg Config) (*RunStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("run store database path is required")
	}
	return &RunStore{path: cfg.Path}, nil
}

// Init opens the database and runs migrations.
func (s *RunStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open run store database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping run store database: %w", err)
	}

	s.db = db
	return s.migrate()
}

// Close closes the database connection.
func (s *RunStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// migrate applies the embedded schema migrations.
func (s *RunStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run run store migrations: %w", err)
	}
	return nil
}

// SaveRun persists a run snapshot. Saving the same run ID again replaces the
// previous snapshot, so re-recording a run after cancellation is harmless.
func (s *RunStore) SaveRun(ctx context.Context, run *engine.Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run with an ID is required")
	}

	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}
	instances, err := json.Marshal(run.Instances)
	if err != nil {
		return fmt.Errorf("failed to encode run instances: %w", err)
	}

	query := `
		INSERT INTO runs (id, workflow, event_type, ref, actor, status,
			started_at, completed_at, duration_ms, summary, instances, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			summary = excluded.summary,
			instances = excluded.instances
	`

	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		run.WorkflowName,
		run.Event.EventType,
		run.Event.Ref,
		run.Event.Actor,
		string(run.Status),
		run.StartedAt.UTC(),
		nullableTime(run.CompletedAt),
		run.Duration.Milliseconds(),
		string(summary),
		string(instances),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

// GetRun retrieves a run record by ID.
func (s *RunStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `
		SELECT id, workflow, event_type, ref, actor, status,
			   started_at, completed_at, duration_ms, summary, instances, created_at
		FROM runs
		WHERE id = ?
	`

	rec, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return rec, nil
}

// ListRuns lists run records newest first, honoring the filter.
func (s *RunStore) ListRuns(ctx context.Context, filter ListFilter) ([]*RunRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT id, workflow, event_type, ref, actor, status,
			   started_at, completed_at, duration_ms, summary, instances, created_at
		FROM runs
		WHERE (? = '' OR workflow = ?)
		  AND (? = '' OR status = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.Workflow, filter.Workflow,
		string(filter.Status), string(filter.Status),
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	records := []*RunRecord{}
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return records, nil
}

// DeleteRun deletes a run record by ID.
func (s *RunStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	return nil
}

// Prune deletes run records older than the retention window and reports how
// many were removed.
func (s *RunStore) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC()

	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	return result.RowsAffected()
}

// HealthCheck verifies the database connection is healthy.
func (s *RunStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRun decodes one runs row into a RunRecord.
func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		rec        RunRecord
		status     string
		completed  sql.NullTime
		durationMS int64
		summary    string
		instances  string
	)

	err := row.Scan(
		&rec.ID,
		&rec.Workflow,
		&rec.EventType,
		&rec.Ref,
		&rec.Actor,
		&status,
		&rec.StartedAt,
		&completed,
		&durationMS,
		&summary,
		&instances,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = engine.RunStatus(status)
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond

	if err := json.Unmarshal([]byte(summary), &rec.Summary); err != nil {
		return nil, fmt.Errorf("failed to decode run summary: %w", err)
	}
	if err := json.Unmarshal([]byte(instances), &rec.Instances); err != nil {
		return nil, fmt.Errorf("failed to decode run instances: %w", err)
	}

	return &rec, nil
}

// nullableTime converts *time.Time to a driver-friendly value.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
