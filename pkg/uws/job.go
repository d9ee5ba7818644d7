package uws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/psantana5/uws-client/pkg/logging"
	"github.com/psantana5/uws-client/pkg/models"
	"github.com/psantana5/uws-client/pkg/transport"
)

const genericJobFailure = "job failed"

// Job drives one remote job. It holds the job URL and the last fetched
// snapshot; every operation that can change the job re-fetches afterwards,
// since only the service knows the true phase. A Job may be used from
// several goroutines.
type Job struct {
	client *Client
	url    string

	mu   sync.RWMutex
	last *models.JobSummary
}

func newJob(c *Client, jobURL string) *Job {
	return &Job{client: c, url: jobURL}
}

// URL returns the job's resource URL
func (j *Job) URL() string {
	return j.url
}

// Summary returns the last fetched snapshot, or nil if none was fetched
func (j *Job) Summary() *models.JobSummary {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.last
}

// ID returns the job id from the last snapshot
func (j *Job) ID() string {
	if s := j.Summary(); s != nil {
		return s.JobID
	}
	return ""
}

// Phase returns the last observed phase, PhaseUnknown before the first fetch
func (j *Job) Phase() models.JobPhase {
	if s := j.Summary(); s != nil {
		return s.Phase
	}
	return models.PhaseUnknown
}

// Results returns the result list of the last snapshot
func (j *Job) Results() []models.Result {
	if s := j.Summary(); s != nil {
		return s.Results
	}
	return nil
}

func (j *Job) setLast(s *models.JobSummary) {
	j.mu.Lock()
	prev := j.last
	j.last = s
	j.mu.Unlock()

	j.client.metrics.ObservePhase(string(s.Phase))
	if prev == nil || prev.Phase != s.Phase {
		fields := map[string]interface{}{"phase": string(s.Phase)}
		if prev != nil {
			fields["previous"] = string(prev.Phase)
		}
		j.log().Info("phase changed", fields)
	}
}

func (j *Job) log() *logging.Logger {
	l := j.client.logger.WithField("job_url", j.url)
	if id := j.ID(); id != "" {
		l = l.WithField("job_id", id)
	}
	return l
}

// Refresh fetches the job document once and records the new snapshot
func (j *Job) Refresh(ctx context.Context) (*models.JobSummary, error) {
	s, err := j.fetch(ctx, nil, 0)
	if err != nil {
		return nil, err
	}
	j.setLast(s)
	return s, nil
}

func (j *Job) fetch(ctx context.Context, q url.Values, timeout time.Duration) (*models.JobSummary, error) {
	resp, err := j.client.do(ctx, &transport.Request{
		Method:  http.MethodGet,
		URL:     j.url,
		Query:   q,
		Timeout: timeout,
	})
	if err != nil {
		return nil, fromTransport("fetch", j.url, err)
	}
	return DecodeJob(resp.Body)
}

// post sends a control request to the job or one of its sub-resources
func (j *Job) post(ctx context.Context, op, sub string, form url.Values) error {
	target := j.url
	if sub != "" {
		target = joinURL(j.url, sub)
	}
	if _, err := j.client.do(ctx, &transport.Request{Method: http.MethodPost, URL: target, Form: form}); err != nil {
		return fromControl(op, target, err)
	}
	return nil
}

// SetParameter sets one job parameter
func (j *Job) SetParameter(ctx context.Context, id, value string) error {
	return j.SetParameters(ctx, url.Values{id: {value}})
}

// SetParameters posts params to the job's parameters resource and re-fetches.
// A job last seen EXECUTING or terminal is refused locally.
func (j *Job) SetParameters(ctx context.Context, params url.Values) error {
	if s := j.Summary(); s != nil && !s.Phase.AcceptsParameters() {
		return &ProtocolError{Op: "set parameters", Phase: s.Phase, Reason: "parameters are fixed once execution starts"}
	}
	if err := j.post(ctx, "set parameters", "parameters", params); err != nil {
		return err
	}
	_, err := j.Refresh(ctx)
	return err
}

// Run asks the service to start the job and re-fetches to learn the phase
// it actually moved to
func (j *Job) Run(ctx context.Context) error {
	if err := j.post(ctx, "run", "phase", encodeForm(phaseRequest{Phase: "RUN"})); err != nil {
		return err
	}
	s, err := j.Refresh(ctx)
	if err != nil {
		return err
	}
	j.log().Info("job started", map[string]interface{}{"phase": string(s.Phase)})
	return nil
}

// Abort asks the service to abort the job. The remote phase is re-fetched;
// it is usually ABORTED but that is not assumed.
func (j *Job) Abort(ctx context.Context) error {
	if err := j.post(ctx, "abort", "phase", encodeForm(phaseRequest{Phase: "ABORT"})); err != nil {
		return err
	}
	s, err := j.Refresh(ctx)
	if err != nil {
		return err
	}
	j.log().Info("job abort requested", map[string]interface{}{"phase": string(s.Phase)})
	return nil
}

// SetExecutionDuration requests a new execution time budget (0 = unbounded).
// The service may grant a different value; the re-fetched snapshot has it.
func (j *Job) SetExecutionDuration(ctx context.Context, d time.Duration) error {
	form := encodeForm(durationRequest{ExecutionDuration: int64(d / time.Second)})
	if err := j.post(ctx, "set execution duration", "executionduration", form); err != nil {
		return err
	}
	_, err := j.Refresh(ctx)
	return err
}

// SetDestruction requests a new destruction time
func (j *Job) SetDestruction(ctx context.Context, t time.Time) error {
	form := encodeForm(destructionRequest{Destruction: formatTime(t)})
	if err := j.post(ctx, "set destruction", "destruction", form); err != nil {
		return err
	}
	_, err := j.Refresh(ctx)
	return err
}

// Delete destroys the job and its results. Deleting a job that no longer
// exists succeeds. Services that refuse the DELETE verb are sent the
// equivalent POST ACTION=DELETE.
func (j *Job) Delete(ctx context.Context) error {
	_, err := j.client.do(ctx, &transport.Request{Method: http.MethodDelete, URL: j.url})
	if err != nil {
		var te *transport.Error
		if errors.As(err, &te) && te.Kind == transport.KindHTTPStatus && te.StatusCode == http.StatusMethodNotAllowed {
			err = j.post(ctx, "delete", "", encodeForm(actionRequest{Action: "DELETE"}))
		} else {
			err = fromControl("delete", j.url, err)
		}
	}

	var te *transport.Error
	if errors.As(err, &te) && te.IsNotFound() {
		return nil
	}
	if err != nil {
		return err
	}
	j.log().Info("job deleted")
	return nil
}

// FetchResult returns the href of the named result, or of the only result
// when id is empty. It reads the last snapshot and never touches the network.
func (j *Job) FetchResult(id string) (string, error) {
	s := j.Summary()
	if s == nil {
		return "", &ProtocolError{Op: "fetch result", Phase: models.PhaseUnknown, Reason: "job has not been fetched"}
	}

	switch s.Phase {
	case models.PhaseCompleted:
	case models.PhaseError:
		return "", &QueryError{Op: "fetch result", URL: j.url, Message: jobFailureMessage(s)}
	default:
		reason := "job has not completed"
		if s.Phase.IsTerminal() {
			reason = "job ended without results"
		}
		return "", &ProtocolError{Op: "fetch result", Phase: s.Phase, Reason: reason}
	}

	if id != "" {
		r, ok := s.Result(id)
		if !ok {
			return "", &ProtocolError{Op: "fetch result", Phase: s.Phase, Reason: fmt.Sprintf("no result named %q", id)}
		}
		return r.Href, nil
	}

	switch len(s.Results) {
	case 0:
		return "", &ProtocolError{Op: "fetch result", Phase: s.Phase, Reason: "job reported no results"}
	case 1:
		return s.Results[0].Href, nil
	default:
		return "", &ProtocolError{Op: "fetch result", Phase: s.Phase,
			Reason: fmt.Sprintf("%d results, name one", len(s.Results))}
	}
}

// RaiseIfError returns a *JobError when the last snapshot is in PhaseError
func (j *Job) RaiseIfError() error {
	return RaiseIfError(j.Summary())
}

// RaiseIfError returns a *JobError when s is in PhaseError, nil otherwise
func RaiseIfError(s *models.JobSummary) error {
	if s == nil || s.Phase != models.PhaseError {
		return nil
	}
	errType := models.ErrorFatal
	if s.ErrorSummary != nil {
		errType = s.ErrorSummary.Type
	}
	return &JobError{JobID: s.JobID, Type: errType, Message: jobFailureMessage(s)}
}

func jobFailureMessage(s *models.JobSummary) string {
	if s.ErrorSummary != nil && s.ErrorSummary.Message != "" {
		return s.ErrorSummary.Message
	}
	return genericJobFailure
}
