// Package evaluator applies compliance rules to fresh resource snapshots and records the verdicts
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/compliance"
	"github.com/lvonguyen/remedyforge/internal/faults"
	"github.com/lvonguyen/remedyforge/internal/findings"
	"github.com/lvonguyen/remedyforge/internal/inventory"
	"github.com/lvonguyen/remedyforge/internal/observability"
	"github.com/lvonguyen/remedyforge/internal/policy"
	"github.com/lvonguyen/remedyforge/internal/store"
)

var (
	// ErrStaleSnapshot is returned when a snapshot predates its triggering notification.
	ErrStaleSnapshot = errors.New("STALE_SNAPSHOT")
	// ErrResourceMismatch is returned when a snapshot describes another resource.
	ErrResourceMismatch = errors.New("snapshot does not describe the evaluated resource")
	// ErrUnknownRule is returned for rule ids the evaluator was not built with.
	ErrUnknownRule = errors.New("unknown rule")
)

// Trigger modes of a rule.
const (
	TriggerChange   = "change"
	TriggerPeriodic = "periodic"
	TriggerBoth     = "both"
)

// Rule binds a predicate to a resource type.
type Rule struct {
	ID             string
	ResourceType   string
	Predicate      policy.Predicate
	TriggerMode    string
	ExportFindings bool
	// Resources lists resource ids swept by periodic evaluation.
	Resources []string
}

// OnChange reports whether change notifications trigger the rule.
func (r Rule) OnChange() bool {
	return r.TriggerMode == "" || r.TriggerMode == TriggerChange || r.TriggerMode == TriggerBoth
}

// Periodic reports whether the periodic sweep evaluates the rule.
func (r Rule) Periodic() bool {
	return r.TriggerMode == TriggerPeriodic || r.TriggerMode == TriggerBoth
}

// Config configures the evaluator.
type Config struct {
	SourceSystem   string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ExportFindings gates per-rule verdict export. ERROR verdicts are always reported.
	ExportFindings bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SourceSystem:   "remedyforge",
		MaxAttempts:    4,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		ExportFindings: true,
	}
}

// VerdictRecorder persists verdicts and reports transitions.
type VerdictRecorder interface {
	Record(ctx context.Context, v compliance.Verdict) (store.Transition, error)
}

// Evaluator computes and records compliance verdicts.
type Evaluator struct {
	config    Config
	rules     map[string]Rule
	order     []string
	inventory inventory.Fetcher
	recorder  VerdictRecorder
	findings  findings.Aggregator
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// New creates an Evaluator for a fixed rule set.
func New(cfg Config, rules []Rule, inv inventory.Fetcher, recorder VerdictRecorder, agg findings.Aggregator, logger *zap.Logger, metrics *observability.Metrics) (*Evaluator, error) {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.SourceSystem == "" {
		cfg.SourceSystem = def.SourceSystem
	}

	e := &Evaluator{
		config:    cfg,
		rules:     make(map[string]Rule, len(rules)),
		inventory: inv,
		recorder:  recorder,
		findings:  agg,
		logger:    logger.Named("evaluator"),
		metrics:   metrics,
	}
	for _, r := range rules {
		if r.ID == "" || r.Predicate == nil {
			return nil, fmt.Errorf("rule %q: id and predicate are required", r.ID)
		}
		if _, dup := e.rules[r.ID]; dup {
			return nil, fmt.Errorf("duplicate rule %q", r.ID)
		}
		e.rules[r.ID] = r
		e.order = append(e.order, r.ID)
	}
	return e, nil
}

// Rules returns the configured rules in declaration order.
func (e *Evaluator) Rules() []Rule {
	out := make([]Rule, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.rules[id])
	}
	return out
}

// Rule returns the rule with the given id.
func (e *Evaluator) Rule(id string) (Rule, bool) {
	r, ok := e.rules[id]
	return r, ok
}

// Evaluate applies rule to snap. It fails only when the snapshot predates
// notifiedAt or describes another resource; predicate failures and panics
// become an ERROR verdict.
func (e *Evaluator) Evaluate(ctx context.Context, ref compliance.ResourceRef, snap inventory.Snapshot, rule Rule, notifiedAt time.Time) (compliance.Verdict, error) {
	if snap.Resource.Key() != ref.Key() {
		return compliance.Verdict{}, faults.Permanent("evaluate", fmt.Errorf("%w: %s != %s", ErrResourceMismatch, snap.Resource, ref))
	}
	if !notifiedAt.IsZero() && snap.CapturedAt.Before(notifiedAt) {
		return compliance.Verdict{}, faults.Stale("evaluate", fmt.Errorf("%w: captured %s before notification %s",
			ErrStaleSnapshot, snap.CapturedAt.Format(time.RFC3339Nano), notifiedAt.Format(time.RFC3339Nano)))
	}

	v := compliance.Verdict{
		Resource:    ref,
		RuleID:      rule.ID,
		EvaluatedAt: snap.CapturedAt,
	}

	d, err := applyPredicate(ctx, rule.Predicate, snap)
	if err != nil {
		v.Status = compliance.StatusError
		v.Annotation = "predicate failed: " + err.Error()
		return v, nil
	}
	if !d.Valid() {
		v.Status = compliance.StatusError
		v.Annotation = fmt.Sprintf("predicate returned invalid status %q", d.Status)
		return v, nil
	}

	v.Status = d.Status
	v.Annotation = d.Annotation
	return v, nil
}

// applyPredicate runs p, converting a panic into an error.
func applyPredicate(ctx context.Context, p policy.Predicate, snap inventory.Snapshot) (d policy.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.Evaluate(ctx, snap)
}

// HandleNotification evaluates every change-triggered rule for the notified
// resource and records the verdicts. The returned error is non-nil only when
// a verdict could not be durably recorded; the invocation may then be
// retried with identical input.
func (e *Evaluator) HandleNotification(ctx context.Context, n compliance.ChangeNotification) ([]compliance.Verdict, error) {
	if err := n.Resource.Validate(); err != nil {
		return nil, faults.Permanent("evaluator.notification", err)
	}

	ctx, span := otel.Tracer("remedyforge/evaluator").Start(ctx, "evaluator.HandleNotification")
	defer span.End()
	span.SetAttributes(
		attribute.String("resource.type", n.Resource.ResourceType),
		attribute.String("resource.id", n.Resource.ResourceID),
	)

	var (
		verdicts []compliance.Verdict
		errs     []error
	)
	for _, id := range e.order {
		rule := e.rules[id]
		if rule.ResourceType != n.Resource.ResourceType || !rule.OnChange() {
			continue
		}
		v, err := e.evaluateAndRecord(ctx, rule, n.Resource, n.Timestamp)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		verdicts = append(verdicts, v)
	}

	if err := errors.Join(errs...); err != nil {
		observability.RecordSpanError(ctx, err)
		return verdicts, err
	}
	return verdicts, nil
}

// Result is the per-resource outcome of a batch evaluation.
type Result struct {
	Resource compliance.ResourceRef
	Verdict  compliance.Verdict
	Err      error
}

// EvaluateBatch evaluates one rule over many resources. Each resource is
// isolated: a failure for one never prevents evaluation of the others.
func (e *Evaluator) EvaluateBatch(ctx context.Context, ruleID string, refs []compliance.ResourceRef) ([]Result, error) {
	rule, ok := e.rules[ruleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRule, ruleID)
	}

	results := make([]Result, 0, len(refs))
	for _, ref := range refs {
		if ctx.Err() != nil {
			results = append(results, Result{Resource: ref, Err: faults.Transient("evaluate.batch", ctx.Err())})
			continue
		}
		if ref.ResourceType == "" {
			ref.ResourceType = rule.ResourceType
		}
		v, err := e.evaluateAndRecord(ctx, rule, ref, time.Time{})
		results = append(results, Result{Resource: ref, Verdict: v, Err: err})
	}
	return results, nil
}

// evaluateAndRecord fetches, evaluates, records and exports one verdict.
func (e *Evaluator) evaluateAndRecord(ctx context.Context, rule Rule, ref compliance.ResourceRef, notifiedAt time.Time) (compliance.Verdict, error) {
	start := time.Now()
	v := e.evaluateFresh(ctx, rule, ref, notifiedAt)
	e.metrics.ObserveEvaluation(rule.ID, string(v.Status), time.Since(start))

	log := e.logger.With(
		zap.String("rule", rule.ID),
		zap.String("resource", ref.String()),
		zap.String("status", string(v.Status)),
	)
	if v.Status == compliance.StatusError {
		log.Warn("Evaluation produced ERROR verdict", zap.String("annotation", v.Annotation))
	} else {
		log.Debug("Evaluated resource")
	}

	if _, err := e.recorder.Record(ctx, v); err != nil {
		log.Error("Failed to record verdict", zap.Error(err))
		return v, err
	}

	e.exportFinding(ctx, rule, v)
	return v, nil
}

// evaluateFresh fetches a snapshot no older than notifiedAt, retrying
// transient and stale fetches with exponential backoff, and evaluates it.
func (e *Evaluator) evaluateFresh(ctx context.Context, rule Rule, ref compliance.ResourceRef, notifiedAt time.Time) compliance.Verdict {
	var (
		verdict  compliance.Verdict
		attempts int
	)

	op := func() error {
		attempts++
		snap, err := e.inventory.Fetch(ctx, ref)
		if err != nil {
			if faults.IsTransient(err) || faults.IsStale(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		v, err := e.Evaluate(ctx, ref, snap, rule, notifiedAt)
		if err != nil {
			if faults.IsStale(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		verdict = v
		return nil
	}

	notify := func(err error, wait time.Duration) {
		e.metrics.IncInventoryRetry(ref.ResourceType)
		e.logger.Debug("Retrying inventory fetch",
			zap.String("resource", ref.String()),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, e.newBackOff(ctx), notify); err != nil {
		return compliance.Verdict{
			Resource:    ref,
			RuleID:      rule.ID,
			Status:      compliance.StatusError,
			EvaluatedAt: time.Now().UTC(),
			Annotation:  fmt.Sprintf("inventory fetch failed after %d attempt(s): %v", attempts, err),
		}
	}
	return verdict
}

func (e *Evaluator) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.InitialBackoff
	b.MaxInterval = e.config.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.config.MaxAttempts-1)), ctx)
}

// exportFinding reports the verdict to the findings aggregator. Failures are
// logged; the verdict is already durable.
func (e *Evaluator) exportFinding(ctx context.Context, rule Rule, v compliance.Verdict) {
	if e.findings == nil {
		return
	}
	if v.Status != compliance.StatusError && !(rule.ExportFindings && e.config.ExportFindings) {
		return
	}
	f, ok := compliance.FindingFromVerdict(e.config.SourceSystem, v)
	if !ok {
		return
	}

	res, err := e.findings.Submit(ctx, []compliance.Finding{f})
	if err != nil {
		e.logger.Warn("Failed to submit finding", zap.String("finding", f.ID), zap.Error(err))
		return
	}
	for _, item := range res.Items {
		if !item.Accepted {
			e.logger.Warn("Finding rejected by aggregator",
				zap.String("finding", item.FindingID),
				zap.String("code", item.ErrorCode),
				zap.String("message", item.ErrorMessage),
			)
		}
	}
}
