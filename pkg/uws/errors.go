package uws

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/psantana5/uws-client/pkg/models"
	"github.com/psantana5/uws-client/pkg/transport"
)

// ErrJobFailed is matched by errors.Is on every *JobError
var ErrJobFailed = errors.New("job failed")

// ServiceError reports a transport-level failure: the service could not be
// reached or answered with a status that means it cannot serve the request.
type ServiceError struct {
	Op         string
	URL        string
	StatusCode int // 0 when no HTTP status was received
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("uws %s %s: service error (status %d): %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("uws %s %s: service error: %v", e.Op, e.URL, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the underlying failure was transient
func (e *ServiceError) Temporary() bool {
	var te *transport.Error
	if errors.As(e.Err, &te) {
		return te.Temporary()
	}
	return false
}

// ParseError reports a response body that is not a valid UWS document
type ParseError struct {
	Document string // "job" or "job list"
	Reason   string
	Err      error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("uws: invalid %s document: %s", e.Document, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// QueryError reports a request the service understood but refused, such as
// a bad parameter or a phase change not allowed from the current phase.
// Message carries the service's response verbatim.
type QueryError struct {
	Op         string
	URL        string
	StatusCode int
	Message    string
}

func (e *QueryError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("uws %s %s: rejected by service (status %d)", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("uws %s %s: rejected by service: %s", e.Op, e.URL, e.Message)
}

// ProtocolError reports an operation that is invalid in the last known phase.
// It is detected locally; nothing is sent to the service.
type ProtocolError struct {
	Op     string
	Phase  models.JobPhase
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("uws %s: not allowed in phase %s: %s", e.Op, e.Phase, e.Reason)
}

// CancelledError reports that the caller's context ended an operation before
// it finished. The remote job is left as it was.
type CancelledError struct {
	Op  string
	Err error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("uws %s: cancelled: %v", e.Op, e.Err)
}

func (e *CancelledError) Unwrap() error {
	return e.Err
}

// JobError is a failure reported by the job itself through its error
// summary. Its message is the service's message verbatim.
type JobError struct {
	JobID   string
	Type    models.ErrorType
	Message string
}

func (e *JobError) Error() string {
	return e.Message
}

// Is lets errors.Is(err, ErrJobFailed) match
func (e *JobError) Is(target error) bool {
	return target == ErrJobFailed
}

// Transient reports whether resubmitting the job may succeed
func (e *JobError) Transient() bool {
	return e.Type == models.ErrorTransient
}

// IsCancelled reports whether err is, or wraps, a *CancelledError
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}

// fromTransport maps a transport failure for a read or create operation
func fromTransport(op, url string, err error) error {
	var te *transport.Error
	if errors.As(err, &te) {
		if te.Kind == transport.KindCanceled {
			return &CancelledError{Op: op, Err: te.Err}
		}
		return &ServiceError{Op: op, URL: url, StatusCode: te.StatusCode, Err: err}
	}
	return &ServiceError{Op: op, URL: url, Err: err}
}

// fromControl maps a transport failure for a request that asks the service
// to change the job. Client-error statuses become a QueryError carrying the
// service's explanation; a missing job stays a ServiceError.
func fromControl(op, url string, err error) error {
	var te *transport.Error
	if errors.As(err, &te) && te.Kind == transport.KindHTTPStatus &&
		te.StatusCode >= 400 && te.StatusCode < 500 &&
		!te.IsNotFound() && te.StatusCode != http.StatusTooManyRequests {
		return &QueryError{
			Op:         op,
			URL:        url,
			StatusCode: te.StatusCode,
			Message:    strings.TrimSpace(string(te.Body)),
		}
	}
	return fromTransport(op, url, err)
}
