// Package remediation provides automated corrective actions for non-compliant resources.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/compliance"
	"github.com/lvonguyen/remedyforge/internal/faults"
	"github.com/lvonguyen/remedyforge/internal/inventory"
	"github.com/lvonguyen/remedyforge/internal/observability"
	"github.com/lvonguyen/remedyforge/internal/policy"
)

var (
	// ErrNoAction is returned when no action is bound to a resource type.
	ErrNoAction = errors.New("no remediation action for resource type")
	// ErrOutOfScope is returned when a resource falls outside an action's granted scope.
	ErrOutOfScope = errors.New("resource is outside the action's permission scope")
	// ErrNotYetCompliant is returned when a resource still fails its rule after the action.
	ErrNotYetCompliant = errors.New("resource not compliant after action")
)

// Action is one idempotent corrective call for a resource type.
type Action interface {
	// Name identifies the action in outcomes and logs.
	Name() string
	// ResourceType is the inventory type the action corrects.
	ResourceType() string
	// RequiredActions lists the IAM actions Apply invokes.
	RequiredActions() []string
	// Apply brings the resource into compliance. Applying twice must leave
	// the resource in the same state as applying once.
	Apply(ctx context.Context, ref compliance.ResourceRef) error
}

// Binding attaches an action to the rule used to recheck the resource and
// to the permissions it was granted.
type Binding struct {
	Action    Action
	RuleID    string
	Predicate policy.Predicate
	Scope     Scope
}

// Config configures retry behavior.
type Config struct {
	Partition      string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Partition:      "aws",
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// reportTimeout bounds reporting an outcome after the remediation context ended.
const reportTimeout = 10 * time.Second

// Reporter receives every outcome, including intermediate RETRY_SCHEDULED ones.
type Reporter interface {
	Report(ctx context.Context, v compliance.Violation, o compliance.Outcome)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, v compliance.Violation, o compliance.Outcome)

// Report implements Reporter.
func (f ReporterFunc) Report(ctx context.Context, v compliance.Violation, o compliance.Outcome) {
	f(ctx, v, o)
}

// Remediator applies the bound action for a violation's resource type. The
// binding table is fixed at construction; nothing in a violation can add an
// action or widen its scope.
type Remediator struct {
	config    Config
	bindings  map[string]Binding
	inventory inventory.Fetcher
	reporter  Reporter
	logger    *zap.Logger
	metrics   *observability.Metrics

	locksMu sync.Mutex
	locks   map[string]*resourceLock
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

type resourceLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Remediator. Each binding's scope must grant every IAM
// action its action requires, and each resource type may be bound once.
func New(cfg Config, bindings []Binding, inv inventory.Fetcher, reporter Reporter, logger *zap.Logger, metrics *observability.Metrics) (*Remediator, error) {
	def := DefaultConfig()
	if cfg.Partition == "" {
		cfg.Partition = def.Partition
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	table := make(map[string]Binding, len(bindings))
	for _, b := range bindings {
		if b.Action == nil || b.Predicate == nil {
			return nil, fmt.Errorf("binding for rule %q: action and predicate are required", b.RuleID)
		}
		rt := b.Action.ResourceType()
		if _, dup := table[rt]; dup {
			return nil, fmt.Errorf("resource type %s is bound to more than one action", rt)
		}
		if err := b.Scope.Covers(b.Action.RequiredActions()); err != nil {
			return nil, fmt.Errorf("action %s: %w", b.Action.Name(), err)
		}
		b.Scope = append(Scope(nil), b.Scope...)
		table[rt] = b
	}

	if reporter == nil {
		reporter = ReporterFunc(func(context.Context, compliance.Violation, compliance.Outcome) {})
	}

	return &Remediator{
		config:    cfg,
		bindings:  table,
		inventory: inv,
		reporter:  reporter,
		logger:    logger.Named("remediator"),
		metrics:   metrics,
		locks:     make(map[string]*resourceLock),
		now:       time.Now,
		sleep:     sleepContext,
	}, nil
}

// Actions lists the bound action names by resource type.
func (r *Remediator) Actions() map[string]string {
	out := make(map[string]string, len(r.bindings))
	for rt, b := range r.bindings {
		out[rt] = b.Action.Name()
	}
	return out
}

// Remediate drives the violation to a terminal outcome, retrying transient
// failures with bounded exponential backoff. It never returns an error:
// every failure is expressed as an outcome. If ctx expires between retries
// the violation is still unresolved and nothing will redeliver it, so the
// pending retry is reported as FAILED.
func (r *Remediator) Remediate(ctx context.Context, v compliance.Violation) compliance.Outcome {
	ctx, span := otel.Tracer("remedyforge/remediation").Start(ctx, "remediator.Remediate")
	defer span.End()
	span.SetAttributes(
		attribute.String("resource.type", v.Resource.ResourceType),
		attribute.String("resource.id", v.Resource.ResourceID),
	)

	unlock := r.lock(v.Resource)
	defer unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.InitialBackoff
	b.MaxInterval = r.config.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 1; ; attempt++ {
		o := r.attempt(ctx, v, attempt)
		if o.Result == compliance.ResultRetryScheduled {
			wait := b.NextBackOff()
			o.NextAttemptAt = r.now().Add(wait)
			r.report(ctx, v, o)
			if err := r.sleep(ctx, wait); err != nil {
				r.logger.Warn("Remediation interrupted before retry",
					zap.String("resource", v.Resource.String()),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
				o = r.interrupted(o, err)
				r.report(ctx, v, o)
				span.SetAttributes(attribute.String("remediation.result", string(o.Result)))
				return o
			}
			continue
		}
		r.report(ctx, v, o)
		span.SetAttributes(attribute.String("remediation.result", string(o.Result)))
		return o
	}
}

// report hands o to the reporter. Once ctx is done the reporter runs on a
// detached context so the outcome still reaches findings and notifications.
func (r *Remediator) report(ctx context.Context, v compliance.Violation, o compliance.Outcome) {
	if ctx.Err() == nil {
		r.reporter.Report(ctx, v, o)
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	r.reporter.Report(rctx, v, o)
}

// interrupted turns a pending retry cut off by cause into a FAILED outcome.
func (r *Remediator) interrupted(o compliance.Outcome, cause error) compliance.Outcome {
	o.NextAttemptAt = time.Time{}
	err := fmt.Errorf("interrupted after %d attempt(s): %w", o.Attempt, cause)
	if o.Detail != "" {
		err = fmt.Errorf("%w; last error: %s", err, o.Detail)
	}
	return r.finish(o, r.now(), compliance.ResultFailed, err)
}

// attempt performs one recheck-act-verify cycle.
func (r *Remediator) attempt(ctx context.Context, v compliance.Violation, attempt int) compliance.Outcome {
	start := r.now()
	o := compliance.Outcome{
		Resource: v.Resource,
		RuleID:   v.RuleID,
		Attempt:  attempt,
	}
	log := r.logger.With(
		zap.String("resource", v.Resource.String()),
		zap.String("dedupe_key", v.DedupeKey),
		zap.Int("attempt", attempt),
	)

	b, ok := r.bindings[v.Resource.ResourceType]
	if !ok {
		return r.finish(o, start, compliance.ResultFailed, fmt.Errorf("%w: %s", ErrNoAction, v.Resource.ResourceType))
	}
	o.Action = b.Action.Name()
	o.RuleID = b.RuleID

	arn := v.Resource.ARN(r.config.Partition)
	for _, iamAction := range b.Action.RequiredActions() {
		if !b.Scope.Allows(iamAction, arn) {
			return r.finish(o, start, compliance.ResultFailed, fmt.Errorf("%w: %s on %s", ErrOutOfScope, iamAction, arn))
		}
	}

	status, err := r.check(ctx, b, v.Resource)
	if err != nil {
		return r.failure(o, start, attempt, fmt.Errorf("recheck failed: %w", err))
	}
	switch status {
	case compliance.StatusCompliant:
		log.Info("Resource already compliant, skipping action", zap.String("action", o.Action))
		return r.finish(o, start, compliance.ResultSkippedAlreadyCompliant, nil)
	case compliance.StatusNotApplicable:
		log.Info("Resource no longer applicable, skipping action", zap.String("action", o.Action))
		o.Detail = "resource is not applicable to rule " + b.RuleID
		return r.finish(o, start, compliance.ResultSkippedAlreadyCompliant, nil)
	}

	if err := b.Action.Apply(ctx, v.Resource); err != nil {
		return r.failure(o, start, attempt, fmt.Errorf("%s failed: %w", o.Action, err))
	}

	status, err = r.check(ctx, b, v.Resource)
	if err != nil {
		return r.failure(o, start, attempt, fmt.Errorf("verification failed: %w", err))
	}
	if status != compliance.StatusCompliant {
		return r.failure(o, start, attempt, faults.Transient("verify", fmt.Errorf("%w: status %s", ErrNotYetCompliant, status)))
	}

	log.Info("Remediation applied", zap.String("action", o.Action))
	return r.finish(o, start, compliance.ResultApplied, nil)
}

// check re-reads the resource and applies the rule predicate.
func (r *Remediator) check(ctx context.Context, b Binding, ref compliance.ResourceRef) (compliance.Status, error) {
	snap, err := r.inventory.Fetch(ctx, ref)
	if err != nil {
		return "", err
	}
	d, err := evaluate(ctx, b.Predicate, snap)
	if err != nil {
		return "", faults.Permanent("predicate", err)
	}
	if !d.Valid() {
		return "", faults.Permanent("predicate", fmt.Errorf("%w: %q", policy.ErrInvalidDecision, d.Status))
	}
	return d.Status, nil
}

func evaluate(ctx context.Context, p policy.Predicate, snap inventory.Snapshot) (d policy.Decision, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return p.Evaluate(ctx, snap)
}

// failure classifies err into RETRY_SCHEDULED or FAILED.
func (r *Remediator) failure(o compliance.Outcome, start time.Time, attempt int, err error) compliance.Outcome {
	if faults.IsTransient(err) && attempt < r.config.MaxAttempts {
		return r.finish(o, start, compliance.ResultRetryScheduled, err)
	}
	if faults.IsTransient(err) {
		err = fmt.Errorf("giving up after %d attempts: %w", attempt, err)
	}
	return r.finish(o, start, compliance.ResultFailed, err)
}

func (r *Remediator) finish(o compliance.Outcome, start time.Time, result compliance.Result, err error) compliance.Outcome {
	o.Result = result
	o.AppliedAt = r.now().UTC()
	if err != nil {
		o.Detail = err.Error()
	}

	action := o.Action
	if action == "" {
		action = "none"
	}
	r.metrics.ObserveRemediation(action, string(result), r.now().Sub(start))

	if result == compliance.ResultFailed {
		r.logger.Error("Remediation failed",
			zap.String("resource", o.Resource.String()),
			zap.String("action", action),
			zap.Int("attempt", o.Attempt),
			zap.String("detail", o.Detail),
		)
	}
	return o
}

// lock serializes remediation of one resource within this process so a
// concurrent duplicate observes the first one's result on recheck.
func (r *Remediator) lock(ref compliance.ResourceRef) func() {
	key := ref.Key()
	r.locksMu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &resourceLock{}
		r.locks[key] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, key)
		}
		r.locksMu.Unlock()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
