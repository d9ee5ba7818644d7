package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings configures the per-host circuit breaker
type BreakerSettings struct {
	ConsecutiveFailures uint32        // trips after this many server faults in a row
	OpenTimeout         time.Duration // how long the breaker stays open
	HalfOpenRequests    uint32        // probes allowed while half-open
}

// DefaultBreakerSettings returns conservative defaults
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    1,
	}
}

type hostBreakers struct {
	settings BreakerSettings
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newHostBreakers(settings BreakerSettings) *hostBreakers {
	return &hostBreakers{settings: settings, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (h *hostBreakers) get(host string) *gobreaker.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()

	cb, ok := h.breakers[host]
	if !ok {
		threshold := h.settings.ConsecutiveFailures
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        host,
			MaxRequests: h.settings.HalfOpenRequests,
			Timeout:     h.settings.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			// Client errors and caller cancellations say nothing about the
			// service's health.
			IsSuccessful: func(err error) bool {
				var te *Error
				if errors.As(err, &te) {
					return te.Kind == KindCanceled || !te.Temporary()
				}
				return err == nil
			},
		})
		h.breakers[host] = cb
	}
	return cb
}

// run executes fn through the host's breaker. An open breaker is reported as
// an unreachable service.
func (h *hostBreakers) run(host string, fn func() (*Response, error)) (*Response, error) {
	out, err := h.get(host).Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &Error{Kind: KindUnreachable, URL: host, Err: err}
	}
	if err != nil {
		return nil, err
	}
	return out.(*Response), nil
}
