package uws

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-querystring/query"

	"github.com/psantana5/uws-client/pkg/logging"
	"github.com/psantana5/uws-client/pkg/metrics"
	"github.com/psantana5/uws-client/pkg/models"
	"github.com/psantana5/uws-client/pkg/retry"
	"github.com/psantana5/uws-client/pkg/transport"
)

// PollPolicy controls how Wait spaces its fetches
type PollPolicy struct {
	InitialInterval time.Duration // first short-poll delay
	MaxInterval     time.Duration // ceiling for the delay
	Multiplier      float64       // growth per unchanged poll
	LongPollWait    time.Duration // WAIT budget per blocking request
	LongPollSlack   time.Duration // extra time allowed on top of WAIT for the HTTP call
}

// DefaultPollPolicy returns the polling defaults
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		LongPollWait:    60 * time.Second,
		LongPollSlack:   15 * time.Second,
	}
}

func (p PollPolicy) backoff() *retry.Backoff {
	return retry.NewBackoff(retry.Config{
		InitialBackoff: p.InitialInterval,
		MaxBackoff:     p.MaxInterval,
		Multiplier:     p.Multiplier,
	})
}

// Client talks to one UWS job-list endpoint. It is safe for concurrent use;
// each Job it hands out is independent.
type Client struct {
	jobsURL          string
	transport        transport.Transport
	credential       transport.Credential
	logger           *logging.Logger
	metrics          *metrics.Recorder
	poll             PollPolicy
	longPoll         LongPollMode
	maxFetchFailures int
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records phase observations, fetch failures and wait times
func WithMetrics(r *metrics.Recorder) Option {
	return func(c *Client) { c.metrics = r }
}

// WithPollPolicy replaces the polling policy
func WithPollPolicy(p PollPolicy) Option {
	return func(c *Client) { c.poll = p }
}

// LongPollMode selects whether Wait sends blocking requests (the WAIT
// parameter of UWS 1.1)
type LongPollMode int

const (
	// LongPollAuto long-polls once a fetched job document declares
	// version 1.1 or later
	LongPollAuto LongPollMode = iota
	// LongPollOn always long-polls after the first fetch
	LongPollOn
	// LongPollOff always short-polls
	LongPollOff
)

func (m LongPollMode) String() string {
	switch m {
	case LongPollOn:
		return "on"
	case LongPollOff:
		return "off"
	default:
		return "auto"
	}
}

// ParseLongPollMode parses "auto", "on" or "off"
func ParseLongPollMode(s string) (LongPollMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return LongPollAuto, nil
	case "on", "true", "yes":
		return LongPollOn, nil
	case "off", "false", "no":
		return LongPollOff, nil
	default:
		return LongPollAuto, fmt.Errorf("invalid long-poll mode %q (want auto, on or off)", s)
	}
}

// WithLongPoll overrides how Wait chooses between blocking requests and
// short polling. The default is LongPollAuto.
func WithLongPoll(mode LongPollMode) Option {
	return func(c *Client) { c.longPoll = mode }
}

// WithMaxFetchFailures sets how many consecutive transient fetch failures
// Wait tolerates before giving up
func WithMaxFetchFailures(n int) Option {
	return func(c *Client) { c.maxFetchFailures = n }
}

// WithCredential attaches a credential to every request this client makes
func WithCredential(cred transport.Credential) Option {
	return func(c *Client) { c.credential = cred }
}

// NewClient creates a client for the job list at jobsURL. A nil transport
// selects a default pooled HTTP transport.
func NewClient(jobsURL string, t transport.Transport, opts ...Option) *Client {
	if t == nil {
		t = transport.NewHTTPTransport()
	}
	c := &Client{
		jobsURL:          strings.TrimRight(jobsURL, "/"),
		transport:        t,
		logger:           logging.Discard(),
		poll:             DefaultPollPolicy(),
		maxFetchFailures: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// JobsURL returns the job-list endpoint
func (c *Client) JobsURL() string {
	return c.jobsURL
}

// LongPoll returns the configured long-poll mode
func (c *Client) LongPoll() LongPollMode {
	return c.longPoll
}

// blocking reports whether the next fetch of a job last seen as s may carry
// WAIT. Nothing is known about the service before the first fetch.
func (c *Client) blocking(s *models.JobSummary) bool {
	if s == nil {
		return false
	}
	switch c.longPoll {
	case LongPollOn:
		return true
	case LongPollOff:
		return false
	default:
		return supportsBlocking(s.Version)
	}
}

// supportsBlocking reports whether a UWS version string is 1.1 or later
func supportsBlocking(version string) bool {
	majorStr, minorStr, _ := strings.Cut(strings.TrimSpace(version), ".")
	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return false
	}
	if major != 1 {
		return major > 1
	}
	if minorStr == "" {
		return false
	}
	minorStr, _, _ = strings.Cut(minorStr, ".")
	minor, err := strconv.Atoi(minorStr)
	return err == nil && minor >= 1
}

// Create submits a new job with params as its initial parameter set and
// returns a controller holding the job's first snapshot.
func (c *Client) Create(ctx context.Context, params url.Values) (*Job, error) {
	if params == nil {
		params = url.Values{}
	}

	resp, err := c.do(ctx, &transport.Request{Method: http.MethodPost, URL: c.jobsURL, Form: params})
	if err != nil {
		return nil, fromTransport("create", c.jobsURL, err)
	}

	jobURL, err := c.locateCreatedJob(resp)
	if err != nil {
		return nil, err
	}

	job := newJob(c, jobURL)
	if _, err := job.Refresh(ctx); err != nil {
		return nil, err
	}
	job.log().Info("job created", map[string]interface{}{"phase": string(job.Phase())})
	return job, nil
}

// CreateFrom is Create with parameters taken from a struct with `url` tags,
// e.g. struct{ Query string `url:"QUERY"` }
func (c *Client) CreateFrom(ctx context.Context, v interface{}) (*Job, error) {
	params, err := query.Values(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job parameters: %w", err)
	}
	return c.Create(ctx, params)
}

// locateCreatedJob finds the new job's URL: a redirect, a Location header,
// a job document in the body, or a bare URL in the body.
func (c *Client) locateCreatedJob(resp *transport.Response) (string, error) {
	if loc := resp.Location(); loc != "" {
		return loc, nil
	}
	if resp.IsRedirect() {
		return "", &ServiceError{Op: "create", URL: c.jobsURL, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("redirect without Location header")}
	}

	body := strings.TrimSpace(string(resp.Body))
	if body == "" {
		return "", &ParseError{Document: "job", Reason: "create response has neither Location nor body"}
	}
	if u, err := url.Parse(body); err == nil && u.IsAbs() && !strings.ContainsAny(body, " \n<") {
		return body, nil
	}

	summary, err := DecodeJob(resp.Body)
	if err != nil {
		return "", err
	}
	return joinURL(c.jobsURL, url.PathEscape(summary.JobID)), nil
}

// Open attaches a controller to an existing job and fetches its snapshot
func (c *Client) Open(ctx context.Context, jobURL string) (*Job, error) {
	job := newJob(c, strings.TrimRight(jobURL, "/"))
	if _, err := job.Refresh(ctx); err != nil {
		return nil, err
	}
	return job, nil
}

// Attach builds a controller for a job-list entry without fetching anything.
// Its last known snapshot stays empty until the first fetch.
func (c *Client) Attach(ref models.JobRef) *Job {
	href := ref.Href
	if href == "" {
		href = joinURL(c.jobsURL, url.PathEscape(ref.JobID))
	}
	return newJob(c, strings.TrimRight(href, "/"))
}

// Resolve fetches the full snapshot of a (possibly partial) job-list entry
func (c *Client) Resolve(ctx context.Context, ref models.JobRef) (*models.JobSummary, error) {
	return c.Attach(ref).Refresh(ctx)
}

// ListOptions filters a job listing (UWS 1.1)
type ListOptions struct {
	Phases []models.JobPhase
	After  *time.Time
	Last   int
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	for _, p := range o.Phases {
		q.Add("PHASE", string(p))
	}
	if o.After != nil {
		q.Set("AFTER", formatTime(*o.After))
	}
	if o.Last > 0 {
		q.Set("LAST", strconv.Itoa(o.Last))
	}
	return q
}

// List fetches the job list. Entries are partial; use Resolve for detail.
func (c *Client) List(ctx context.Context, opts ListOptions) (*models.JobList, error) {
	resp, err := c.do(ctx, &transport.Request{Method: http.MethodGet, URL: c.jobsURL, Query: opts.query()})
	if err != nil {
		return nil, fromTransport("list", c.jobsURL, err)
	}
	return DecodeJobList(resp.Body, c.jobsURL)
}

func (c *Client) do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if req.Credential == nil {
		req.Credential = c.credential
	}
	return c.transport.Do(ctx, req)
}

// encodeForm turns a control request struct into a form body
func encodeForm(v interface{}) url.Values {
	values, err := query.Values(v)
	if err != nil {
		// Only fixed request structs are passed here
		panic(fmt.Sprintf("uws: cannot encode control request: %v", err))
	}
	return values
}

type phaseRequest struct {
	Phase string `url:"PHASE"`
}

type actionRequest struct {
	Action string `url:"ACTION"`
}

type durationRequest struct {
	ExecutionDuration int64 `url:"EXECUTIONDURATION"`
}

type destructionRequest struct {
	Destruction string `url:"DESTRUCTION"`
}

func joinURL(base, elem string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(elem, "/")
}
