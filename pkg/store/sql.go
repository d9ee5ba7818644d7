package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/uws-client/pkg/models"
)

// sqlStore implements Store over database/sql. Queries are written with ?
// placeholders and rebound for drivers that number them.
type sqlStore struct {
	db       *sql.DB
	numbered bool
}

func (s *sqlStore) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const selectRecord = `SELECT id, job_url, job_id, run_id, service, phase, created_at, updated_at FROM tracked_jobs`

func scanRecord(row interface{ Scan(...interface{}) error }) (*Record, error) {
	var rec Record
	var phase string
	if err := row.Scan(&rec.ID, &rec.JobURL, &rec.JobID, &rec.RunID, &rec.Service, &phase, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Phase = models.ParsePhase(phase)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

// Track inserts a record or refreshes the one with the same job URL
func (s *sqlStore) Track(rec *Record) error {
	now := time.Now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.Exec(s.rebind(`
		INSERT INTO tracked_jobs (id, job_url, job_id, run_id, service, phase, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_url) DO UPDATE SET
			job_id = excluded.job_id,
			run_id = excluded.run_id,
			service = excluded.service,
			phase = excluded.phase,
			updated_at = excluded.updated_at`),
		rec.ID, rec.JobURL, rec.JobID, rec.RunID, rec.Service, string(rec.Phase), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to track job: %w", err)
	}

	// An existing row keeps its id and creation time
	stored, err := s.Find(rec.JobURL)
	if err != nil {
		return err
	}
	rec.ID = stored.ID
	rec.CreatedAt = stored.CreatedAt
	return nil
}

// Find retrieves a record by local ID, job id or job URL
func (s *sqlStore) Find(ref string) (*Record, error) {
	row := s.db.QueryRow(s.rebind(selectRecord+`
		WHERE job_url = ? OR id = ? OR job_id = ?
		ORDER BY CASE WHEN job_url = ? THEN 0 WHEN id = ? THEN 1 ELSE 2 END, created_at
		LIMIT 1`), ref, ref, ref, ref, ref)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tracked job: %w", err)
	}
	return rec, nil
}

// List returns all records ordered by creation time
func (s *sqlStore) List() ([]*Record, error) {
	rows, err := s.db.Query(selectRecord + ` ORDER BY created_at, job_url`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracked jobs: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tracked job: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdatePhase records the last observed phase of a job
func (s *sqlStore) UpdatePhase(jobURL string, phase models.JobPhase) error {
	res, err := s.db.Exec(s.rebind(`UPDATE tracked_jobs SET phase = ?, updated_at = ? WHERE job_url = ?`),
		string(phase), time.Now().UTC(), jobURL)
	if err != nil {
		return fmt.Errorf("failed to update phase: %w", err)
	}
	return requireRow(res)
}

// Remove forgets a job
func (s *sqlStore) Remove(jobURL string) error {
	res, err := s.db.Exec(s.rebind(`DELETE FROM tracked_jobs WHERE job_url = ?`), jobURL)
	if err != nil {
		return fmt.Errorf("failed to remove tracked job: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database connection is healthy
func (s *sqlStore) HealthCheck() error {
	return s.db.Ping()
}
