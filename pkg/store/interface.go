package store

import (
	"errors"
	"time"

	"github.com/psantana5/uws-client/pkg/models"
)

// ErrRecordNotFound is returned when no tracked job matches
var ErrRecordNotFound = errors.New("tracked job not found")

// Record is a job the CLI submitted or attached to and keeps track of
type Record struct {
	ID        string          `json:"id" yaml:"id"`
	JobURL    string          `json:"job_url" yaml:"job_url"`
	JobID     string          `json:"job_id" yaml:"job_id"`
	RunID     string          `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Service   string          `json:"service" yaml:"service"`
	Phase     models.JobPhase `json:"phase" yaml:"phase"`
	CreatedAt time.Time       `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" yaml:"updated_at"`
}

// Store keeps the local registry of tracked jobs. Records are keyed by job
// URL; the ID is a local handle assigned on first Track.
type Store interface {
	// Track inserts rec or updates the record with the same JobURL
	Track(rec *Record) error
	// Find looks a record up by local ID, job id or job URL
	Find(ref string) (*Record, error)
	// List returns all records, oldest first
	List() ([]*Record, error)
	UpdatePhase(jobURL string, phase models.JobPhase) error
	Remove(jobURL string) error

	Close() error
	HealthCheck() error
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// SQLite specific
	Path string
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "uws-jobs.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}

var (
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)
