package metrics

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Recorder holds the client-side collectors. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	registry      *prometheus.Registry
	requests      *prometheus.CounterVec
	requestTime   *prometheus.HistogramVec
	phases        *prometheus.CounterVec
	fetchFailures *prometheus.CounterVec
	waitDuration  *prometheus.HistogramVec
	longPollFalls prometheus.Counter
}

// NewRecorder creates a recorder registered on its own registry
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uws_client_requests_total",
			Help: "HTTP requests issued to UWS services",
		}, []string{"method", "outcome"}),
		requestTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "uws_client_request_duration_seconds",
			Help:    "Latency of HTTP requests to UWS services",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method"}),
		phases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uws_client_phase_observations_total",
			Help: "Job phases observed in fetched job documents",
		}, []string{"phase"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uws_client_fetch_failures_total",
			Help: "Job document fetches that failed during wait",
		}, []string{"tolerated"}),
		waitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "uws_client_wait_duration_seconds",
			Help:    "Time spent in wait calls",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"result"}),
		longPollFalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uws_client_long_poll_fallbacks_total",
			Help: "Waits that fell back from WAIT long-polling to short polling",
		}),
	}

	r.registry.MustRegister(r.requests, r.requestTime, r.phases, r.fetchFailures, r.waitDuration, r.longPollFalls)
	return r
}

// Registry exposes the underlying registry, e.g. for promhttp
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveRequest records one transport request
func (r *Recorder) ObserveRequest(method, outcome string, seconds float64) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(method, outcome).Inc()
	r.requestTime.WithLabelValues(method).Observe(seconds)
}

// ObservePhase records a phase seen in a fetched document
func (r *Recorder) ObservePhase(phase string) {
	if r == nil {
		return
	}
	r.phases.WithLabelValues(phase).Inc()
}

// ObserveFetchFailure records a failed fetch inside wait
func (r *Recorder) ObserveFetchFailure(tolerated bool) {
	if r == nil {
		return
	}
	r.fetchFailures.WithLabelValues(fmt.Sprintf("%t", tolerated)).Inc()
}

// ObserveWait records how a wait call ended
func (r *Recorder) ObserveWait(result string, seconds float64) {
	if r == nil {
		return
	}
	r.waitDuration.WithLabelValues(result).Observe(seconds)
}

// ObserveLongPollFallback records a switch to short polling
func (r *Recorder) ObserveLongPollFallback() {
	if r == nil {
		return
	}
	r.longPollFalls.Inc()
}

// WriteText writes all collected metrics in the Prometheus text format
func (r *Recorder) WriteText(w io.Writer) error {
	if r == nil {
		return nil
	}
	families, err := r.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metric family %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
