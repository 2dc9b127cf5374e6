package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"

	"api-gateway/internal/config"
	"api-gateway/internal/metrics"
	"api-gateway/internal/model"
)

// breakers holds one circuit breaker per upstream origin. The set is bounded;
// the least recently used origin loses its breaker state first.
type breakers struct {
	cache    *lru.Cache[string, *gobreaker.CircuitBreaker]
	settings gobreaker.Settings
}

func newBreakers(cfg *config.BreakerConfig, logger *slog.Logger, m *metrics.Metrics) (*breakers, error) {
	cache, err := lru.New[string, *gobreaker.CircuitBreaker](cfg.MaxHosts)
	if err != nil {
		return nil, err
	}

	threshold := uint32(cfg.FailureThreshold) //nolint:gosec // validated non-negative
	settings := gobreaker.Settings{
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.OpenSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"upstream", name,
				"from", from.String(),
				"to", to.String(),
			)
			if m != nil {
				m.BreakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
			}
		},
	}

	return &breakers{cache: cache, settings: settings}, nil
}

// get returns the breaker for key, creating it on first use.
func (b *breakers) get(key string) *gobreaker.CircuitBreaker {
	if cb, ok := b.cache.Get(key); ok {
		return cb
	}
	st := b.settings
	st.Name = key
	cb := gobreaker.NewCircuitBreaker(st)
	if prev, ok, _ := b.cache.PeekOrAdd(key, cb); ok {
		return prev
	}
	return cb
}

// breakerSuccess decides which outcomes count against an upstream. Only
// transport failures do; caller cancellation and guard refusals do not, and
// any HTTP response (including 5xx) is a working upstream.
func breakerSuccess(err error) bool {
	return err == nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, model.ErrInvalidTarget)
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
