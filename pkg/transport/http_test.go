package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/uws-client/pkg/metrics"
)

func TestDo_PostFormAndCredential(t *testing.T) {
	var gotAuth, gotType, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	tr := NewHTTPTransport(WithCredential(BearerToken("secret")))
	resp, err := tr.Do(context.Background(), &Request{
		Method: http.MethodPost,
		URL:    server.URL + "/jobs/1/phase",
		Form:   url.Values{"PHASE": {"RUN"}},
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "application/x-www-form-urlencoded", gotType)
	assert.Equal(t, "PHASE=RUN", gotBody)
}

func TestDo_RequestCredentialOverridesDefault(t *testing.T) {
	var user, pass string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ = r.BasicAuth()
	}))
	defer server.Close()

	tr := NewHTTPTransport(WithCredential(BearerToken("default")))
	_, err := tr.Do(context.Background(), &Request{
		Method:     http.MethodGet,
		URL:        server.URL,
		Credential: BasicAuth{Username: "alice", Password: "pw"},
	})

	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "pw", pass)
}

func TestDo_PostRedirectIsReturned(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			http.Redirect(w, r, "/jobs/abc123", http.StatusSeeOther)
			return
		}
		t.Errorf("redirect was followed with %s", r.Method)
	}))
	defer server.Close()

	tr := NewHTTPTransport()
	resp, err := tr.Do(context.Background(), &Request{Method: http.MethodPost, URL: server.URL + "/jobs", Form: url.Values{}})

	require.NoError(t, err)
	assert.True(t, resp.IsRedirect())
	assert.Equal(t, server.URL+"/jobs/abc123", resp.Location())
}

func TestDo_GetRedirectIsFollowed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		w.Write([]byte(r.URL.Path))
	}))
	defer server.Close()

	tr := NewHTTPTransport()
	resp, err := tr.Do(context.Background(), &Request{Method: http.MethodGet, URL: server.URL + "/old"})

	require.NoError(t, err)
	assert.Equal(t, "/new", string(resp.Body))
	assert.Equal(t, server.URL+"/new", resp.URL)
}

func TestDo_QueryIsMerged(t *testing.T) {
	var raw string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw = r.URL.RawQuery
	}))
	defer server.Close()

	tr := NewHTTPTransport()
	_, err := tr.Do(context.Background(), &Request{
		Method: http.MethodGet,
		URL:    server.URL + "/jobs/1?x=1",
		Query:  url.Values{"WAIT": {"30"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "WAIT=30&x=1", raw)
}

func TestDo_HTTPStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("no such job"))
	}))
	defer server.Close()

	tr := NewHTTPTransport()
	_, err := tr.Do(context.Background(), &Request{Method: http.MethodGet, URL: server.URL + "/jobs/x"})

	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, KindHTTPStatus, te.Kind)
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
	assert.True(t, te.IsNotFound())
	assert.False(t, te.Temporary())
	assert.Equal(t, "no such job", string(te.Body))
}

func TestDo_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	tr := NewHTTPTransport()
	_, err := tr.Do(context.Background(), &Request{Method: http.MethodGet, URL: server.URL, Timeout: 20 * time.Millisecond})

	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, KindTimeout, te.Kind)
	assert.True(t, te.Temporary())
}

func TestDo_CallerCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	tr := NewHTTPTransport()
	_, err := tr.Do(ctx, &Request{Method: http.MethodGet, URL: server.URL})

	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, KindCanceled, te.Kind)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDo_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	tr := NewHTTPTransport()
	_, err := tr.Do(context.Background(), &Request{Method: http.MethodGet, URL: addr})

	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, KindUnreachable, te.Kind)
	assert.True(t, te.Temporary())
}

func TestDo_CircuitBreakerOpens(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	tr := NewHTTPTransport(WithCircuitBreaker(BreakerSettings{
		ConsecutiveFailures: 2,
		OpenTimeout:         time.Minute,
		HalfOpenRequests:    1,
	}))

	for i := 0; i < 2; i++ {
		_, err := tr.Do(context.Background(), &Request{Method: http.MethodGet, URL: server.URL})
		require.Error(t, err)
	}

	_, err := tr.Do(context.Background(), &Request{Method: http.MethodGet, URL: server.URL})
	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, KindUnreachable, te.Kind)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestDo_ClientErrorsDoNotTripBreaker(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	tr := NewHTTPTransport(WithCircuitBreaker(BreakerSettings{ConsecutiveFailures: 1, OpenTimeout: time.Minute, HalfOpenRequests: 1}))
	for i := 0; i < 3; i++ {
		_, err := tr.Do(context.Background(), &Request{Method: http.MethodGet, URL: server.URL})
		require.Error(t, err)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestDo_RateLimitHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	tr := NewHTTPTransport(WithRateLimit(0.001, 1))
	_, err := tr.Do(context.Background(), &Request{Method: http.MethodGet, URL: server.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tr.Do(ctx, &Request{Method: http.MethodGet, URL: server.URL})

	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, KindCanceled, te.Kind)
}

func TestDo_RecordsMetrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	rec := metrics.NewRecorder()
	tr := NewHTTPTransport(WithMetrics(rec))
	_, err := tr.Do(context.Background(), &Request{Method: http.MethodDelete, URL: server.URL})
	require.NoError(t, err)

	families, err := rec.Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() == "uws_client_requests_total" {
			found = true
		}
	}
	assert.True(t, found)
}
