package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/uws-client/pkg/models"
)

func TestMemoryStore(t *testing.T) {
	testRegistry(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.HealthCheck())
	testRegistry(t, s)
}

// TestPostgreSQLStore runs against a real database when DATABASE_DSN is set
func TestPostgreSQLStore(t *testing.T) {
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		t.Skip("Skipping PostgreSQL integration test: DATABASE_DSN not set")
	}

	s, err := NewStore(Config{Type: "postgres", DSN: dsn})
	require.NoError(t, err)
	defer s.Close()

	records, err := s.List()
	require.NoError(t, err)
	for _, rec := range records {
		require.NoError(t, s.Remove(rec.JobURL))
	}
	testRegistry(t, s)
}

func testRegistry(t *testing.T, s Store) {
	first := &Record{JobURL: "https://svc/async/a", JobID: "a", Service: "https://svc/async", Phase: models.PhasePending}
	require.NoError(t, s.Track(first))
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	time.Sleep(5 * time.Millisecond)
	second := &Record{JobURL: "https://svc/async/b", JobID: "b", RunID: "nightly", Service: "https://svc/async", Phase: models.PhaseQueued}
	require.NoError(t, s.Track(second))

	t.Run("find by any handle", func(t *testing.T) {
		for _, ref := range []string{first.ID, "a", "https://svc/async/a"} {
			rec, err := s.Find(ref)
			require.NoError(t, err, ref)
			assert.Equal(t, first.JobURL, rec.JobURL)
			assert.Equal(t, models.PhasePending, rec.Phase)
		}

		_, err := s.Find("nope")
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("track again keeps identity", func(t *testing.T) {
		again := &Record{JobURL: first.JobURL, JobID: "a", Service: first.Service, Phase: models.PhaseExecuting}
		require.NoError(t, s.Track(again))
		assert.Equal(t, first.ID, again.ID)
		assert.True(t, first.CreatedAt.Sub(again.CreatedAt).Abs() < time.Millisecond)

		rec, err := s.Find(first.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PhaseExecuting, rec.Phase)
	})

	t.Run("list oldest first", func(t *testing.T) {
		records, err := s.List()
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "a", records[0].JobID)
		assert.Equal(t, "b", records[1].JobID)
		assert.Equal(t, "nightly", records[1].RunID)
	})

	t.Run("update phase", func(t *testing.T) {
		require.NoError(t, s.UpdatePhase(second.JobURL, models.PhaseCompleted))
		rec, err := s.Find("b")
		require.NoError(t, err)
		assert.Equal(t, models.PhaseCompleted, rec.Phase)

		assert.ErrorIs(t, s.UpdatePhase("https://svc/async/zzz", models.PhaseCompleted), ErrRecordNotFound)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, s.Remove(second.JobURL))
		_, err := s.Find("b")
		assert.ErrorIs(t, err, ErrRecordNotFound)
		assert.ErrorIs(t, s.Remove(second.JobURL), ErrRecordNotFound)
	})
}

func TestSQLiteConcurrentTrack(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "concurrent.db"))
	require.NoError(t, err)
	defer s.Close()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs <- s.Track(&Record{
				JobURL:  fmt.Sprintf("https://svc/async/job-%d", idx),
				JobID:   fmt.Sprintf("job-%d", idx),
				Service: "https://svc/async",
				Phase:   models.PhasePending,
			})
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	records, err := s.List()
	require.NoError(t, err)
	assert.Len(t, records, n)
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(Config{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = NewStore(Config{Type: "sqlite", Path: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	s.Close()

	_, err = NewStore(Config{Type: "mongo"})
	assert.ErrorIs(t, err, ErrUnsupportedDatabase)

	_, err = NewStore(Config{Type: "postgres"})
	assert.Error(t, err)
}
