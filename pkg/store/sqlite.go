package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps the registry in a local SQLite file
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens (creating if needed) the SQLite registry at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL and a busy timeout let several CLI invocations share the file
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{sqlStore{db: db}}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tracked_jobs (
		id TEXT PRIMARY KEY,
		job_url TEXT NOT NULL UNIQUE,
		job_id TEXT NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		service TEXT NOT NULL,
		phase TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tracked_jobs_job_id ON tracked_jobs(job_id);
	CREATE INDEX IF NOT EXISTS idx_tracked_jobs_created_at ON tracked_jobs(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}
