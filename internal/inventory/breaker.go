package inventory

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/compliance"
	"github.com/lvonguyen/remedyforge/internal/faults"
)

// BreakerConfig configures the inventory circuit breaker.
type BreakerConfig struct {
	Name             string
	ConsecutiveFails uint32
	OpenTimeout      time.Duration
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "inventory",
		ConsecutiveFails: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// BreakerFetcher trips after consecutive transient inventory failures so a
// degraded inventory service is not hammered by retries.
type BreakerFetcher struct {
	next Fetcher
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerFetcher wraps next with a circuit breaker.
func NewBreakerFetcher(next Fetcher, cfg BreakerConfig, logger *zap.Logger) *BreakerFetcher {
	if cfg.ConsecutiveFails == 0 {
		cfg.ConsecutiveFails = DefaultBreakerConfig().ConsecutiveFails
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = DefaultBreakerConfig().OpenTimeout
	}
	log := logger.Named("breaker")

	settings := gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFails
		},
		// Permanent errors describe the resource, not inventory health.
		IsSuccessful: func(err error) bool {
			return err == nil || !faults.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Inventory circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &BreakerFetcher{
		next: next,
		cb:   gobreaker.NewCircuitBreaker(settings),
	}
}

// Fetch implements Fetcher.
func (b *BreakerFetcher) Fetch(ctx context.Context, ref compliance.ResourceRef) (Snapshot, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Fetch(ctx, ref)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return result.(Snapshot), nil
}

// State returns the breaker state for readiness reporting.
func (b *BreakerFetcher) State() gobreaker.State {
	return b.cb.State()
}
