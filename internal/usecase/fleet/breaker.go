package fleet

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"konvo/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the per-provider circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration `yaml:"interval"`
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures == 0 {
		c.MaxFailures = defaultCBMaxFailures
	}
	if c.Timeout == 0 {
		c.Timeout = defaultCBTimeout
	}
	if c.Interval == 0 {
		c.Interval = defaultCBInterval
	}
	return c
}

func newBreaker(provider string, cfg BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[string] {
	cfg = cfg.withDefaults()
	return gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "provider:" + provider,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: breakerSuccess,
	})
}

// breakerSuccess reports whether err leaves the provider healthy. A tool
// that ran and reported an error, or a caller that gave up, says nothing
// about the provider itself.
func breakerSuccess(err error) bool {
	return err == nil ||
		errors.Is(err, domain.ErrToolReported) ||
		errors.Is(err, context.Canceled)
}

func isBreakerRejection(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}
