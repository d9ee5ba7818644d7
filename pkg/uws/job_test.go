package uws_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/uws-client/pkg/models"
	"github.com/psantana5/uws-client/pkg/uws"
	"github.com/psantana5/uws-client/pkg/uwstest"
)

func fastPolicy() uws.PollPolicy {
	return uws.PollPolicy{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Multiplier:      2,
		LongPollWait:    time.Second,
		LongPollSlack:   time.Second,
	}
}

func newClient(t *testing.T, srv *uwstest.Server, opts ...uws.Option) *uws.Client {
	t.Helper()
	opts = append([]uws.Option{uws.WithPollPolicy(fastPolicy())}, opts...)
	return uws.NewClient(srv.JobsURL(), nil, opts...)
}

func requestsTo(srv *uwstest.Server, method, path string) []uwstest.RecordedRequest {
	var out []uwstest.RecordedRequest
	for _, r := range srv.Requests() {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func TestJobLifecycle(t *testing.T) {
	srv := uwstest.NewServer()
	defer srv.Close()
	srv.NextID = func() string { return "abc123" }
	srv.Script = uwstest.Script{
		Phases:  []models.JobPhase{models.PhaseQueued, models.PhaseExecuting, models.PhaseCompleted},
		Results: []models.Result{{ID: "result", Href: "https://svc/jobs/abc123/results/result"}},
	}

	ctx := context.Background()
	c := newClient(t, srv)

	job, err := c.Create(ctx, url.Values{"QUERY": {"SELECT 1"}, "LANG": {"ADQL"}})
	require.NoError(t, err)
	assert.Equal(t, srv.JobsURL()+"/abc123", job.URL())
	assert.Equal(t, "abc123", job.ID())
	assert.Equal(t, models.PhasePending, job.Phase())
	assert.Equal(t, "SELECT 1", job.Summary().Parameters.Value("QUERY"))

	require.NoError(t, job.Run(ctx))
	assert.Equal(t, models.PhaseQueued, job.Phase())

	runs := requestsTo(srv, http.MethodPost, "/jobs/abc123/phase")
	require.Len(t, runs, 1)
	assert.Equal(t, "RUN", runs[0].Form.Get("PHASE"))

	final, err := job.Wait(ctx, uws.WaitOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.PhaseCompleted, final.Phase)
	assert.NoError(t, job.RaiseIfError())

	href, err := job.FetchResult("")
	require.NoError(t, err)
	assert.Equal(t, "https://svc/jobs/abc123/results/result", href)

	href, err = job.FetchResult("result")
	require.NoError(t, err)
	assert.Equal(t, "https://svc/jobs/abc123/results/result", href)
}

func TestJobFailure(t *testing.T) {
	srv := uwstest.NewServer()
	defer srv.Close()
	srv.Script = uwstest.Script{
		Phases:       []models.JobPhase{models.PhaseExecuting, models.PhaseError},
		ErrorSummary: &models.ErrorSummary{Type: models.ErrorFatal, Message: "syntax error at line 1"},
	}

	ctx := context.Background()
	job, err := newClient(t, srv).Create(ctx, url.Values{"QUERY": {"SELEC 1"}})
	require.NoError(t, err)
	require.NoError(t, job.Run(ctx))

	final, err := job.Wait(ctx, uws.WaitOptions{})
	require.NoError(t, err, "a job failure is not a wait failure")
	assert.Equal(t, models.PhaseError, final.Phase)

	err = job.RaiseIfError()
	require.Error(t, err)
	assert.Equal(t, "syntax error at line 1", err.Error())
	assert.True(t, errors.Is(err, uws.ErrJobFailed))

	var je *uws.JobError
	require.ErrorAs(t, err, &je)
	assert.False(t, je.Transient())

	_, err = job.FetchResult("")
	var qe *uws.QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "syntax error at line 1", qe.Message)
}

func TestFetchResultBeforeCompletion(t *testing.T) {
	srv := uwstest.NewServer()
	defer srv.Close()
	srv.Script = uwstest.Script{Phases: []models.JobPhase{models.PhaseExecuting, models.PhaseExecuting}}

	ctx := context.Background()
	job, err := newClient(t, srv).Create(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, job.Run(ctx))
	require.Equal(t, models.PhaseExecuting, job.Phase())

	before := len(srv.Requests())
	_, err = job.FetchResult("")
	var pe *uws.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, models.PhaseExecuting, pe.Phase)
	assert.Len(t, srv.Requests(), before, "fetching a result never touches the network")
}

func TestFetchResultSelection(t *testing.T) {
	srv := uwstest.NewServer()
	defer srv.Close()
	srv.AddJob(models.JobSummary{
		JobID: "multi",
		Phase: models.PhaseCompleted,
		Results: []models.Result{
			{ID: "table", Href: "https://svc/r/table"},
			{ID: "log", Href: "https://svc/r/log"},
		},
	}, uwstest.Script{})
	srv.AddJob(models.JobSummary{JobID: "gone", Phase: models.PhaseAborted}, uwstest.Script{})

	ctx := context.Background()
	c := newClient(t, srv)

	job, err := c.Open(ctx, srv.JobsURL()+"/multi")
	require.NoError(t, err)

	href, err := job.FetchResult("log")
	require.NoError(t, err)
	assert.Equal(t, "https://svc/r/log", href)

	var pe *uws.ProtocolError
	_, err = job.FetchResult("")
	assert.ErrorAs(t, err, &pe, "ambiguous without a name")
	_, err = job.FetchResult("missing")
	assert.ErrorAs(t, err, &pe)

	aborted, err := c.Open(ctx, srv.JobsURL()+"/gone")
	require.NoError(t, err)
	_, err = aborted.FetchResult("")
	assert.ErrorAs(t, err, &pe)

	unfetched := c.Attach(models.JobRef{JobID: "multi"})
	assert.Equal(t, models.PhaseUnknown, unfetched.Phase())
	_, err = unfetched.FetchResult("")
	assert.ErrorAs(t, err, &pe)
}

func TestRunRejectedByService(t *testing.T) {
	srv := uwstest.NewServer()
	defer srv.Close()
	srv.AddJob(models.JobSummary{JobID: "done", Phase: models.PhaseCompleted}, uwstest.Script{})

	ctx := context.Background()
	job, err := newClient(t, srv).Open(ctx, srv.JobsURL()+"/done")
	require.NoError(t, err)

	err = job.Run(ctx)
	var qe *uws.QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, http.StatusBadRequest, qe.StatusCode)
	assert.Equal(t, "cannot run a job in phase COMPLETED", qe.Message)
}

func TestSetParameters(t *testing.T) {
	srv := uwstest.NewServer()
	defer srv.Close()
	srv.Script = uwstest.Script{Phases: []models.JobPhase{models.PhaseExecuting}}

	ctx := context.Background()
	job, err := newClient(t, srv).Create(ctx, url.Values{"QUERY": {"SELECT 1"}})
	require.NoError(t, err)

	require.NoError(t, job.SetParameter(ctx, "MAXREC", "100"))
	require.NoError(t, job.SetParameters(ctx, url.Values{"QUERY": {"SELECT 2"}}))

	params := job.Summary().Parameters
	assert.Equal(t, "100", params.Value("MAXREC"))
	assert.Equal(t, "SELECT 2", params.Value("QUERY"))

	require.NoError(t, job.Run(ctx))
	require.Equal(t, models.PhaseExecuting, job.Phase())

	before := len(srv.Requests())
	err = job.SetParameter(ctx, "MAXREC", "5")
	var pe *uws.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Len(t, srv.Requests(), before, "refused before any request")
}

func TestExecutionDurationAndDestruction(t *testing.T) {
	srv := uwstest.NewServer()
	defer srv.Close()

	ctx := context.Background()
	job, err := newClient(t, srv).Create(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, job.SetExecutionDuration(ctx, 90*time.Second))
	assert.Equal(t, 90*time.Second, job.Summary().ExecutionDuration)

	when := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, job.SetDestruction(ctx, when))
	require.NotNil(t, job.Summary().Destruction)
	assert.True(t, when.Equal(*job.Summary().Destruction))

	posts := requestsTo(srv, http.MethodPost, "/jobs/"+job.ID()+"/executionduration")
	require.Len(t, posts, 1)
	assert.Equal(t, "90", posts[0].Form.Get("EXECUTIONDURATION"))
}

func TestAbort(t *testing.T) {
	srv := uwstest.NewServer()
	defer srv.Close()
	srv.Script = uwstest.Script{Phases: []models.JobPhase{models.PhaseExecuting, models.PhaseExecuting}}

	ctx := context.Background()
	job, err := newClient(t, srv).Create(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, job.Run(ctx))

	require.NoError(t, job.Abort(ctx))
	assert.Equal(t, models.PhaseAborted, job.Phase())

	err = job.Abort(ctx)
	var qe *uws.QueryError
	assert.ErrorAs(t, err, &qe, "aborting a terminal job is refused by the service")
}

func TestDeleteTwice(t *testing.T) {
	srv := uwstest.NewServer()
	defer srv.Close()

	ctx := context.Background()
	job, err := newClient(t, srv).Create(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, job.Delete(ctx))
	_, ok := srv.Job(job.ID())
	assert.False(t, ok)

	require.NoError(t, job.Delete(ctx), "deleting a deleted job succeeds")

	_, err = job.Refresh(ctx)
	var se *uws.ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
}

func TestDeleteFallsBackToPostAction(t *testing.T) {
	srv := uwstest.NewServer()
	defer srv.Close()
	srv.RejectDeleteVerb = true

	ctx := context.Background()
	job, err := newClient(t, srv).Create(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, job.Delete(ctx))
	_, ok := srv.Job(job.ID())
	assert.False(t, ok)

	posts := requestsTo(srv, http.MethodPost, "/jobs/"+job.ID())
	require.Len(t, posts, 1)
	assert.Equal(t, "DELETE", posts[0].Form.Get("ACTION"))
}

func TestCreateFrom(t *testing.T) {
	srv := uwstest.NewServer()
	defer srv.Close()

	type tapQuery struct {
		Lang   string `url:"LANG"`
		Query  string `url:"QUERY"`
		MaxRec int    `url:"MAXREC,omitempty"`
	}

	job, err := newClient(t, srv).CreateFrom(context.Background(), tapQuery{Lang: "ADQL", Query: "SELECT 1"})
	require.NoError(t, err)
	params := job.Summary().Parameters
	assert.Equal(t, "ADQL", params.Value("LANG"))
	_, ok := params.Lookup("MAXREC")
	assert.False(t, ok)
}

func TestCreateUnreachable(t *testing.T) {
	srv := uwstest.NewServer()
	jobsURL := srv.JobsURL()
	srv.Close()

	_, err := uws.NewClient(jobsURL, nil).Create(context.Background(), nil)
	var se *uws.ServiceError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Temporary())
}

func TestListAndResolve(t *testing.T) {
	srv := uwstest.NewServer()
	defer srv.Close()
	srv.AddJob(models.JobSummary{JobID: "a", Phase: models.PhaseCompleted}, uwstest.Script{})
	srv.AddJob(models.JobSummary{JobID: "b", Phase: models.PhaseExecuting}, uwstest.Script{})
	srv.AddJob(models.JobSummary{JobID: "c", Phase: models.PhaseExecuting}, uwstest.Script{})

	ctx := context.Background()
	c := newClient(t, srv)

	list, err := c.List(ctx, uws.ListOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, list.Len())
	assert.Equal(t, srv.JobsURL()+"/a", list.Jobs[0].Href)

	running, err := c.List(ctx, uws.ListOptions{Phases: []models.JobPhase{models.PhaseExecuting}, Last: 1})
	require.NoError(t, err)
	require.Equal(t, 1, running.Len())
	assert.Equal(t, "c", running.Jobs[0].JobID)

	lists := requestsTo(srv, http.MethodGet, "/jobs")
	require.Len(t, lists, 2)
	assert.Equal(t, "EXECUTING", lists[1].Query.Get("PHASE"))
	assert.Equal(t, "1", lists[1].Query.Get("LAST"))

	summary, err := c.Resolve(ctx, list.Jobs[1])
	require.NoError(t, err)
	assert.Equal(t, "b", summary.JobID)
	assert.Equal(t, models.PhaseExecuting, summary.Phase)
}
