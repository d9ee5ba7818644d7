package uws

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/uws-client/pkg/models"
	"github.com/psantana5/uws-client/pkg/retry"
	"github.com/psantana5/uws-client/pkg/tracing"
)

// WaitOptions selects when Wait returns
type WaitOptions struct {
	// Phases ends the wait when any of them is observed. Terminal phases
	// always end it.
	Phases []models.JobPhase
	// Timeout bounds the wait. Reaching it is not an error; the caller
	// inspects the returned snapshot's phase. Zero means no bound other
	// than the context.
	Timeout time.Duration
}

// Wait polls the job until it reaches a terminal phase, one of
// opts.Phases, or opts.Timeout elapses. It always returns the last known
// snapshot. Cancelling ctx aborts the in-flight request and returns a
// *CancelledError; the remote job is not aborted.
//
// When the service declares UWS 1.1 or later (or the client forces it with
// LongPollOn), each fetch carries WAIT so the service can hold the request
// until the phase changes. Any transport failure of such a request switches
// this wait to short polling with bounded exponential backoff.
func (j *Job) Wait(ctx context.Context, opts WaitOptions) (*models.JobSummary, error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "uws.wait", attribute.String("uws.job_url", j.url))
	defer span.End()

	w := &waiter{
		job:     j,
		targets: models.NewPhaseSet(opts.Phases...),
		backoff: j.client.poll.backoff(),
	}
	if opts.Timeout > 0 {
		w.deadline = start.Add(opts.Timeout)
	}

	summary, result, err := w.run(ctx)

	j.client.metrics.ObserveWait(result, time.Since(start).Seconds())
	span.SetAttributes(attribute.String("uws.wait_result", result))
	if summary != nil {
		span.SetAttributes(attribute.String("uws.phase", string(summary.Phase)))
	}
	tracing.SetError(span, err)
	return summary, err
}

type waiter struct {
	job      *Job
	targets  models.PhaseSet
	deadline time.Time
	backoff  *retry.Backoff
	fellBack bool
	failures int
}

// run returns the last snapshot, a short result label for metrics, and the
// error if any
func (w *waiter) run(ctx context.Context) (*models.JobSummary, string, error) {
	j := w.job
	last := j.Summary()

	for {
		if err := ctx.Err(); err != nil {
			return last, "cancelled", &CancelledError{Op: "wait", Err: err}
		}

		blocking := !w.fellBack && j.client.blocking(last)
		fetchStart := time.Now()
		snap, err := w.fetchOnce(ctx, last, blocking)
		if err != nil {
			if IsCancelled(err) || ctx.Err() != nil {
				return last, "cancelled", &CancelledError{Op: "wait", Err: ctxErr(ctx, err)}
			}
			if blocking && isTransportFailure(err) {
				w.fellBack = true
				j.client.metrics.ObserveLongPollFallback()
				j.log().Warn("long-poll request failed, falling back to polling", map[string]interface{}{"error": err.Error()})
				// A refusal of WAIT itself is retried at once without it;
				// transient faults still count towards the failure limit
				if isTransient(err) && !w.tolerate(err) {
					return last, "failed", w.giveUp(err)
				}
				continue
			}
			if !w.tolerate(err) {
				return last, "failed", w.giveUp(err)
			}
			if w.expired() {
				return last, "timeout", nil
			}
			if err := w.sleep(ctx, w.backoff.Next()); err != nil {
				return last, "cancelled", &CancelledError{Op: "wait", Err: err}
			}
			if w.expired() {
				return last, "timeout", nil
			}
			continue
		}

		w.failures = 0
		if last == nil || last.Phase != snap.Phase {
			w.backoff.Reset()
		}
		j.setLast(snap)
		last = snap

		if last.Phase.IsTerminal() || w.targets.Contains(last.Phase) {
			return last, "reached", nil
		}
		if w.expired() {
			return last, "timeout", nil
		}

		delay := w.backoff.Next()
		if blocking {
			// A service that honoured WAIT already spent the delay
			delay -= time.Since(fetchStart)
		}
		j.log().Debug("polling", map[string]interface{}{"phase": string(last.Phase), "delay": delay.String()})
		if err := w.sleep(ctx, delay); err != nil {
			return last, "cancelled", &CancelledError{Op: "wait", Err: err}
		}
		if w.expired() {
			return last, "timeout", nil
		}
	}
}

func (w *waiter) fetchOnce(ctx context.Context, last *models.JobSummary, blocking bool) (*models.JobSummary, error) {
	if !blocking || last == nil {
		return w.job.fetch(ctx, nil, 0)
	}

	budget := w.job.client.poll.LongPollWait
	if !w.deadline.IsZero() {
		if remaining := time.Until(w.deadline); remaining < budget {
			budget = remaining
		}
	}
	seconds := int(math.Ceil(budget.Seconds()))
	if seconds < 1 {
		seconds = 1
	}

	q := url.Values{"WAIT": {strconv.Itoa(seconds)}}
	if last.Phase.CanWaitOn() {
		q.Set("PHASE", string(last.Phase))
	}
	w.job.log().Debug("long-poll fetch", map[string]interface{}{"wait": seconds, "phase": string(last.Phase)})
	return w.job.fetch(ctx, q, time.Duration(seconds)*time.Second+w.job.client.poll.LongPollSlack)
}

// tolerate counts a failed fetch and reports whether polling may go on
func (w *waiter) tolerate(err error) bool {
	if !isTransient(err) {
		w.job.client.metrics.ObserveFetchFailure(false)
		return false
	}

	w.failures++
	tolerated := w.failures <= w.job.client.maxFetchFailures
	w.job.client.metrics.ObserveFetchFailure(tolerated)
	if tolerated {
		w.job.log().Warn("job fetch failed, retrying", map[string]interface{}{
			"attempt": w.failures,
			"error":   err.Error(),
		})
	}
	return tolerated
}

// giveUp shapes the error surfaced once polling stops on a failure
func (w *waiter) giveUp(err error) error {
	var se *ServiceError
	if errors.As(err, &se) {
		if w.failures > 0 {
			return &ServiceError{Op: "wait", URL: w.job.url, StatusCode: se.StatusCode,
				Err: fmt.Errorf("%d consecutive fetch failures: %w", w.failures, err)}
		}
		return err
	}
	return &ServiceError{Op: "wait", URL: w.job.url,
		Err: fmt.Errorf("%d consecutive fetch failures: %w", w.failures, err)}
}

func (w *waiter) expired() bool {
	return !w.deadline.IsZero() && !time.Now().Before(w.deadline)
}

// sleep waits d, cut short by the wait deadline or ctx
func (w *waiter) sleep(ctx context.Context, d time.Duration) error {
	if !w.deadline.IsZero() {
		if remaining := time.Until(w.deadline); remaining < d {
			d = remaining
		}
	}
	if d <= 0 {
		return ctx.Err()
	}
	return retry.Sleep(ctx, d)
}

// isTransient reports whether a failed fetch may succeed if repeated
func isTransient(err error) bool {
	var se *ServiceError
	var pe *ParseError
	switch {
	case errors.As(err, &se):
		return se.Temporary()
	case errors.As(err, &pe):
		return true
	}
	return false
}

func isTransportFailure(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ce *CancelledError
	if errors.As(err, &ce) {
		return ce.Err
	}
	return err
}
