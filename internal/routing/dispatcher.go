package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/observability"
)

// ErrDispatcherClosed is returned by Submit after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Handler delivers a dispatch to one target.
type Handler interface {
	Handle(ctx context.Context, d Dispatch) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d Dispatch) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, d Dispatch) error {
	return f(ctx, d)
}

// DispatcherConfig configures the dispatch worker pool.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	// Timeout bounds each handler invocation.
	Timeout time.Duration
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:   8,
		QueueSize: 256,
		Timeout:   60 * time.Second,
	}
}

// Dispatcher delivers dispatches to their target handlers on a bounded
// worker pool. Targets are independent: one target failing never affects
// delivery to another.
type Dispatcher struct {
	config   DispatcherConfig
	handlers map[string]Handler
	queue    chan Dispatch
	logger   *zap.Logger
	metrics  *observability.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher for the given target handlers.
func NewDispatcher(cfg DispatcherConfig, handlers map[string]Handler, logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Dispatcher{
		config:   cfg,
		handlers: handlers,
		queue:    make(chan Dispatch, cfg.QueueSize),
		logger:   logger.Named("dispatcher"),
		metrics:  metrics,
	}
}

// Start launches the workers. They exit once Close has drained the queue.
func (d *Dispatcher) Start() {
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Submit enqueues a dispatch, blocking while the queue is full.
func (d *Dispatcher) Submit(ctx context.Context, dp Dispatch) error {
	if _, ok := d.handlers[dp.Target]; !ok {
		return fmt.Errorf("no handler for target %q", dp.Target)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- dp:
		d.metrics.SetQueueDepth(len(d.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting dispatches and waits for queued ones to be handled
// or for ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for dp := range d.queue {
		d.metrics.SetQueueDepth(len(d.queue))
		d.deliver(dp)
	}
}

// deliver runs one handler with a bounded timeout. Errors and panics are
// logged and never propagate.
func (d *Dispatcher) deliver(dp Dispatch) {
	log := d.logger.With(
		zap.String("route", dp.Route),
		zap.String("target", dp.Target),
		zap.String("resource", dp.Violation.Resource.String()),
		zap.String("dedupe_key", dp.Violation.DedupeKey),
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Dispatch handler panicked", zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.config.Timeout)
	defer cancel()

	if err := d.handlers[dp.Target].Handle(ctx, dp); err != nil {
		log.Error("Dispatch handler failed", zap.Error(err))
		return
	}
	log.Debug("Dispatch delivered")
}
