// Package state records which files have been pushed to Synapse so repeated
// syncs only touch new or changed files.
package state

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // Pure Go driver

	"github.com/bsmn/ndasynapse/internal/manifest"
)

// Run statuses
const (
	RunRunning = "running"
	RunOK      = "ok"
	RunPartial = "partial"
	RunFailed  = "failed"
)

// fixed width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SyncedFile is the last known Synapse state of one NDA file
type SyncedFile struct {
	Path     string
	Name     string
	Parent   string
	EntityID string
	MD5      string
	Size     int64
	RunID    string
	SyncedAt time.Time
}

// Run is one invocation of the sync command
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Records    int
	Failed     int
}

// Store provides SQLite persistence for sync state
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the state database at path and runs
// migrations
func Open(path string, logger *logrus.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	// single writer; concurrent pushes serialize here
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping state database: %w", err)
	}

	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger.WithField("path", path).Debug("Opened state database")
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS synced_files (
		path TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		parent TEXT NOT NULL DEFAULT '',
		entity_id TEXT NOT NULL,
		md5 TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		run_id TEXT NOT NULL,
		synced_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		status TEXT NOT NULL DEFAULT 'running' CHECK(status IN ('running', 'ok', 'partial', 'failed')),
		records INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_synced_files_run ON synced_files(run_id);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Lookup returns the stored state for path, or nil when it was never synced
func (s *Store) Lookup(ctx context.Context, path string) (*SyncedFile, error) {
	query := `
	SELECT path, name, parent, entity_id, md5, size, run_id, synced_at
	FROM synced_files
	WHERE path = ?
	`

	var f SyncedFile
	var syncedAt string
	err := s.db.QueryRowContext(ctx, query, path).Scan(&f.Path, &f.Name, &f.Parent, &f.EntityID, &f.MD5, &f.Size, &f.RunID, &syncedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", path, err)
	}

	f.SyncedAt, err = time.Parse(timeLayout, syncedAt)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: bad synced_at %q: %w", path, syncedAt, err)
	}
	return &f, nil
}

// MarkSynced records that r now lives in Synapse as entityID
func (s *Store) MarkSynced(ctx context.Context, r manifest.Record, entityID, runID string) error {
	query := `
	INSERT INTO synced_files (path, name, parent, entity_id, md5, size, run_id, synced_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		name = excluded.name,
		parent = excluded.parent,
		entity_id = excluded.entity_id,
		md5 = excluded.md5,
		size = excluded.size,
		run_id = excluded.run_id,
		synced_at = excluded.synced_at
	`
	_, err := s.db.ExecContext(ctx, query, r.Path, r.Name, r.Parent, entityID, r.MD5, r.Size, runID, s.now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("mark %s synced: %w", r.Path, err)
	}
	return nil
}

// Unchanged reports whether r was already synced under the same name and
// parent with the same checksum and size
func (s *Store) Unchanged(ctx context.Context, r manifest.Record) (bool, error) {
	f, err := s.Lookup(ctx, r.Path)
	if err != nil || f == nil {
		return false, err
	}
	return f.Name == r.Name && f.Parent == r.Parent && f.MD5 == r.MD5 && f.Size == r.Size, nil
}

// StartRun records the beginning of a sync run
func (s *Store) StartRun(ctx context.Context, runID string, records int) error {
	query := `
	INSERT INTO runs (id, started_at, status, records)
	VALUES (?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, runID, s.now().UTC().Format(timeLayout), RunRunning, records)
	if err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	return nil
}

// FinishRun closes a run with its final status
func (s *Store) FinishRun(ctx context.Context, runID, status string, failed int) error {
	query := `
	UPDATE runs
	SET finished_at = ?, status = ?, failed = ?
	WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query, s.now().UTC().Format(timeLayout), status, failed, runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: no such run", runID)
	}
	return nil
}

// Runs returns the most recent runs, newest first. A limit of zero or less
// returns all runs.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
	SELECT id, started_at, finished_at, status, records, failed
	FROM runs
	ORDER BY started_at DESC, id
	LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var r Run
		var startedAt string
		var finishedAt sql.NullString

		if err := rows.Scan(&r.ID, &startedAt, &finishedAt, &r.Status, &r.Records, &r.Failed); err != nil {
			return nil, err
		}

		if t, err := time.Parse(timeLayout, startedAt); err == nil {
			r.StartedAt = t
		}
		if finishedAt.Valid {
			if t, err := time.Parse(timeLayout, finishedAt.String); err == nil {
				r.FinishedAt = &t
			}
		}

		runs = append(runs, r)
	}

	return runs, rows.Err()
}
