// Package notifier publishes best-effort operator alerts for violations and remediation outcomes.
package notifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lvonguyen/remedyforge/internal/compliance"
	"github.com/lvonguyen/remedyforge/internal/observability"
	"github.com/lvonguyen/remedyforge/internal/routing"
)

// Message is one rendered alert.
type Message struct {
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	DedupeKey string `json:"dedupe_key"`
}

// Sender delivers a message to a channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// Options configures the Notifier.
type Options struct {
	SubjectPrefix string
	RatePerMinute int
	DedupeWindow  time.Duration
	QueueSize     int
	Workers       int
	// Timeout bounds one delivery including time spent waiting on the rate limit.
	Timeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		SubjectPrefix: "[remedyforge]",
		RatePerMinute: 60,
		DedupeWindow:  10 * time.Minute,
		QueueSize:     128,
		Workers:       2,
		Timeout:       10 * time.Second,
	}
}

// releaseTimeout bounds dropping a dedupe claim after delivery gave up.
const releaseTimeout = 5 * time.Second

// Notifier queues messages and delivers them in the background. Notify
// never blocks on delivery and never reports delivery failure to callers.
type Notifier struct {
	opts    Options
	senders []Sender
	deduper Deduper
	limiter *rate.Limiter
	queue   chan Message
	logger  *zap.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Notifier. A nil deduper disables duplicate suppression.
func New(opts Options, senders []Sender, deduper Deduper, logger *zap.Logger, metrics *observability.Metrics) *Notifier {
	def := DefaultOptions()
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = def.RatePerMinute
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	return &Notifier{
		opts:    opts,
		senders: senders,
		deduper: deduper,
		limiter: rate.NewLimiter(rate.Limit(float64(opts.RatePerMinute)/60.0), max(1, opts.RatePerMinute/10)),
		queue:   make(chan Message, opts.QueueSize),
		logger:  logger.Named("notifier"),
		metrics: metrics,
	}
}

// Start launches the delivery workers. Non-blocking.
func (n *Notifier) Start() {
	for i := 0; i < n.opts.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	for _, s := range n.senders {
		n.logger.Info("Notification sender enabled", zap.String("sender", s.Name()))
	}
}

// Notify enqueues m. A full queue drops the message.
func (n *Notifier) Notify(_ context.Context, m Message) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.metrics.IncNotification("dropped")
		return
	}
	select {
	case n.queue <- m:
	default:
		n.logger.Warn("Notification queue full, dropping message", zap.String("subject", m.Subject))
		n.metrics.IncNotification("dropped")
	}
}

// NotifyViolation alerts on a detected violation.
func (n *Notifier) NotifyViolation(ctx context.Context, v compliance.Violation) {
	n.Notify(ctx, n.ViolationMessage(v))
}

// NotifyOutcome alerts on a terminal remediation outcome. Intermediate
// retries are not announced.
func (n *Notifier) NotifyOutcome(ctx context.Context, v compliance.Violation, o compliance.Outcome) {
	if !o.Terminal() || o.Result == compliance.ResultSkippedAlreadyCompliant {
		return
	}
	n.Notify(ctx, n.OutcomeMessage(v, o))
}

// ViolationMessage renders a violation alert.
func (n *Notifier) ViolationMessage(v compliance.Violation) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Resource %s is not compliant with %s.\n", v.Resource, v.RuleID)
	fmt.Fprintf(&b, "Severity: %s\n", v.Severity)
	if v.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", v.Reason)
	}
	if v.Resource.Account != "" {
		fmt.Fprintf(&b, "Account: %s\n", v.Resource.Account)
	}
	if v.Resource.Region != "" {
		fmt.Fprintf(&b, "Region: %s\n", v.Resource.Region)
	}
	fmt.Fprintf(&b, "Detected: %s\n", v.DetectedAt.UTC().Format(time.RFC3339))
	return Message{
		Subject:   n.subject(fmt.Sprintf("%s violation on %s", v.RuleID, v.Resource.ResourceID)),
		Body:      b.String(),
		DedupeKey: "violation:" + v.DedupeKey,
	}
}

// OutcomeMessage renders a remediation outcome alert.
func (n *Notifier) OutcomeMessage(v compliance.Violation, o compliance.Outcome) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Remediation %s for %s: %s after %d attempt(s).\n", o.Action, o.Resource, o.Result, o.Attempt)
	if o.Detail != "" {
		fmt.Fprintf(&b, "Detail: %s\n", o.Detail)
	}
	fmt.Fprintf(&b, "Rule: %s\n", o.RuleID)
	return Message{
		Subject:   n.subject(fmt.Sprintf("remediation %s on %s", strings.ToLower(string(o.Result)), o.Resource.ResourceID)),
		Body:      b.String(),
		DedupeKey: "outcome:" + string(o.Result) + ":" + v.DedupeKey,
	}
}

func (n *Notifier) subject(s string) string {
	if n.opts.SubjectPrefix == "" {
		return s
	}
	return n.opts.SubjectPrefix + " " + s
}

// Close stops accepting messages and waits for queued ones or ctx.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for m := range n.queue {
		n.deliver(m)
	}
}

// deliver sends one message to every sender. Errors are logged only.
func (n *Notifier) deliver(m Message) {
	ctx, cancel := context.WithTimeout(context.Background(), n.opts.Timeout)
	defer cancel()

	claimed := false
	if n.deduper != nil && m.DedupeKey != "" && n.opts.DedupeWindow > 0 {
		fresh, err := n.deduper.TryMarkSeen(ctx, m.DedupeKey, n.opts.DedupeWindow)
		switch {
		case err != nil:
			// Prefer a duplicate alert over a lost one.
			n.logger.Warn("Notification dedupe unavailable", zap.Error(err))
		case !fresh:
			n.metrics.IncNotification("suppressed")
			return
		default:
			claimed = true
		}
	}

	if err := n.limiter.Wait(ctx); err != nil {
		n.logger.Warn("Notification rate limited, dropping message",
			zap.String("subject", m.Subject),
			zap.Error(err),
		)
		n.metrics.IncNotification("rate_limited")
		if claimed {
			n.release(ctx, m.DedupeKey)
		}
		return
	}

	delivered := false
	for _, s := range n.senders {
		if err := s.Send(ctx, m); err != nil {
			n.logger.Error("Failed to send notification",
				zap.String("sender", s.Name()),
				zap.String("subject", m.Subject),
				zap.Error(err),
			)
			n.metrics.IncNotification("failed")
			continue
		}
		delivered = true
		n.metrics.IncNotification("sent")
	}
	if claimed && !delivered {
		n.release(ctx, m.DedupeKey)
	}
}

// release drops the dedupe claim of an undelivered message. It runs on a
// detached context because the delivery context may already be done.
func (n *Notifier) release(ctx context.Context, key string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := n.deduper.Release(rctx, key); err != nil {
		n.logger.Warn("Failed to release notification dedupe key",
			zap.String("dedupe_key", key),
			zap.Error(err),
		)
	}
}

// Handler adapts the notifier to a routing target.
type Handler struct {
	notifier *Notifier
}

// NewHandler creates the routing handler.
func NewHandler(n *Notifier) *Handler {
	return &Handler{notifier: n}
}

// Handle implements routing.Handler.
func (h *Handler) Handle(ctx context.Context, d routing.Dispatch) error {
	h.notifier.NotifyViolation(ctx, d.Violation)
	return nil
}
