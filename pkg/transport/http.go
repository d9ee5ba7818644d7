package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/psantana5/uws-client/pkg/logging"
	"github.com/psantana5/uws-client/pkg/metrics"
	"github.com/psantana5/uws-client/pkg/tracing"
)

const (
	defaultTimeout = 30 * time.Second
	userAgent      = "uws-client/1.0"
)

// HTTPTransport is a pooled net/http implementation of Transport
type HTTPTransport struct {
	httpClient *http.Client
	credential Credential
	timeout    time.Duration
	limiter    *hostLimiter
	breakers   *hostBreakers
	metrics    *metrics.Recorder
	logger     *logging.Logger
}

// Option configures an HTTPTransport
type Option func(*HTTPTransport)

// WithCredential sets the credential used when a request carries none
func WithCredential(c Credential) Option {
	return func(t *HTTPTransport) { t.credential = c }
}

// WithTimeout sets the default per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(t *HTTPTransport) { t.timeout = d }
}

// WithTLSConfig sets the TLS configuration used for https services
func WithTLSConfig(cfg *tls.Config) Option {
	return func(t *HTTPTransport) {
		if tr, ok := t.httpClient.Transport.(*http.Transport); ok {
			tr.TLSClientConfig = cfg
		}
	}
}

// WithRateLimit limits requests per second to each service host
func WithRateLimit(rps float64, burst int) Option {
	return func(t *HTTPTransport) {
		if rps > 0 {
			t.limiter = newHostLimiter(rps, burst)
		}
	}
}

// WithCircuitBreaker stops sending to a host after repeated server faults
func WithCircuitBreaker(settings BreakerSettings) Option {
	return func(t *HTTPTransport) { t.breakers = newHostBreakers(settings) }
}

// WithMetrics records request counts and latencies
func WithMetrics(r *metrics.Recorder) Option {
	return func(t *HTTPTransport) { t.metrics = r }
}

// WithLogger sets the logger for request tracing at debug level
func WithLogger(l *logging.Logger) Option {
	return func(t *HTTPTransport) { t.logger = l }
}

// WithHTTPClient replaces the underlying client. Its redirect policy is
// overridden so that POST and DELETE redirects are returned, not followed.
func WithHTTPClient(c *http.Client) Option {
	return func(t *HTTPTransport) {
		clone := *c
		clone.CheckRedirect = checkRedirect
		t.httpClient = &clone
	}
}

// NewHTTPTransport creates a transport with a pooled connection set
func NewHTTPTransport(opts ...Option) *HTTPTransport {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.MaxIdleConnsPerHost = 16

	t := &HTTPTransport{
		httpClient: &http.Client{
			Transport:     base,
			CheckRedirect: checkRedirect,
		},
		timeout: defaultTimeout,
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// checkRedirect follows redirects of GET requests only. UWS services answer
// control POSTs with 303 See Other, which the caller wants to see.
func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	if via[0].Method != http.MethodGet {
		return http.ErrUseLastResponse
	}
	return nil
}

// Do implements Transport
func (t *HTTPTransport) Do(ctx context.Context, r *Request) (*Response, error) {
	target, err := url.Parse(r.URL)
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Method: r.Method, URL: r.URL, Err: err}
	}
	if len(r.Query) > 0 {
		q := target.Query()
		for k, vs := range r.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		target.RawQuery = q.Encode()
	}

	ctx, span := tracing.StartSpan(ctx, "uws.http "+r.Method,
		attribute.String("http.method", r.Method),
		attribute.String("http.url", target.String()),
	)
	defer span.End()

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx, target.Host); err != nil {
			return nil, &Error{Kind: KindCanceled, Method: r.Method, URL: target.String(), Err: err}
		}
	}

	start := time.Now()
	exec := func() (*Response, error) { return t.roundTrip(ctx, r, target) }

	var resp *Response
	if t.breakers != nil {
		resp, err = t.breakers.run(target.Host, exec)
	} else {
		resp, err = exec()
	}

	outcome := "ok"
	if err != nil {
		var te *Error
		if errors.As(err, &te) {
			outcome = te.Kind.String()
			if te.Method == "" {
				te.Method = r.Method
				te.URL = target.String()
			}
		}
		tracing.SetError(span, err)
	} else {
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	}
	t.metrics.ObserveRequest(r.Method, outcome, time.Since(start).Seconds())
	t.logger.Debug("uws request", map[string]interface{}{
		"method":   r.Method,
		"url":      target.String(),
		"outcome":  outcome,
		"duration": time.Since(start).String(),
	})

	return resp, err
}

func (t *HTTPTransport) roundTrip(ctx context.Context, r *Request, target *url.URL) (*Response, error) {
	timeout := t.timeout
	if r.Timeout > 0 {
		timeout = r.Timeout
	}
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if r.Form != nil {
		body = strings.NewReader(r.Form.Encode())
	}

	req, err := http.NewRequestWithContext(reqCtx, r.Method, target.String(), body)
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Method: r.Method, URL: target.String(), Err: fmt.Errorf("failed to create request: %w", err)}
	}
	if r.Form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/xml, text/xml;q=0.9, */*;q=0.1")
	req.Header.Set("User-Agent", userAgent)

	cred := r.Credential
	if cred == nil {
		cred = t.credential
	}
	if cred != nil {
		cred.Apply(req)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, t.classify(ctx, r.Method, target.String(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, t.classify(ctx, r.Method, target.String(), fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		return nil, &Error{
			Kind:       KindHTTPStatus,
			Method:     r.Method,
			URL:        target.String(),
			StatusCode: resp.StatusCode,
			Body:       data,
		}
	}

	finalURL := target.String()
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		URL:        finalURL,
	}, nil
}

// classify maps a net/http failure onto a Kind. The caller's context is
// checked first so that its cancellation is never mistaken for a timeout.
func (t *HTTPTransport) classify(ctx context.Context, method, target string, err error) error {
	if ctx.Err() != nil {
		return &Error{Kind: KindCanceled, Method: method, URL: target, Err: ctx.Err()}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindTimeout, Method: method, URL: target, Err: err}
	}
	return &Error{Kind: KindUnreachable, Method: method, URL: target, Err: err}
}
