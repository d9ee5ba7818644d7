// Package transport performs the HTTP exchanges a UWS client needs: GET,
// POST with a form body, and DELETE, each optionally carrying a credential.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Transport issues one HTTP exchange. Implementations must be safe for
// concurrent use by many job controllers.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Request describes one exchange
type Request struct {
	Method     string
	URL        string
	Query      url.Values    // merged into URL's query string
	Form       url.Values    // sent as an urlencoded body when non-nil
	Credential Credential    // overrides the transport default when set
	Timeout    time.Duration // overrides the transport default when > 0
}

// Response is a fully read HTTP response with a non-error status
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string // final URL after any followed redirects
}

// Location returns the Location header resolved against the response URL
func (r *Response) Location() string {
	loc := r.Header.Get("Location")
	if loc == "" {
		return ""
	}
	base, err := url.Parse(r.URL)
	if err != nil {
		return loc
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return loc
	}
	return base.ResolveReference(ref).String()
}

// IsRedirect reports whether the response is an unfollowed 3xx
func (r *Response) IsRedirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400
}

// Kind classifies a transport failure
type Kind int

const (
	KindUnreachable Kind = iota // Connection could not be made or was dropped
	KindTimeout                 // Request exceeded its own timeout
	KindHTTPStatus              // Service answered with a 4xx/5xx status
	KindCanceled                // Caller's context ended the request
)

func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindTimeout:
		return "timeout"
	case KindHTTPStatus:
		return "http_status"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error is returned by Do for every failed exchange
type Error struct {
	Kind       Kind
	Method     string
	URL        string
	StatusCode int    // set for KindHTTPStatus
	Body       []byte // response body for KindHTTPStatus
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		msg := fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
		if len(e.Body) > 0 {
			msg += ": " + truncate(string(e.Body), 512)
		}
		return msg
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s %s: %s: %v", e.Method, e.URL, e.Kind, e.Err)
		}
		return fmt.Sprintf("%s %s: %s", e.Method, e.URL, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether repeating the same request may succeed
func (e *Error) Temporary() bool {
	switch e.Kind {
	case KindUnreachable, KindTimeout:
		return true
	case KindHTTPStatus:
		switch e.StatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}

// IsNotFound reports whether the service said the resource does not exist
func (e *Error) IsNotFound() bool {
	return e.Kind == KindHTTPStatus && (e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
