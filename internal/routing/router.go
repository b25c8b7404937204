package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/bus"
	"github.com/lvonguyen/remedyforge/internal/compliance"
	"github.com/lvonguyen/remedyforge/internal/faults"
	"github.com/lvonguyen/remedyforge/internal/observability"
)

var (
	// ErrUnsupportedEvent is returned when a matched event cannot be normalized.
	ErrUnsupportedEvent = errors.New("event cannot be normalized into a violation")
)

// Dispatch is one (rule, target, violation) hand-off.
type Dispatch struct {
	Route     string               `json:"route"`
	Target    string               `json:"target"`
	EventID   string               `json:"event_id"`
	Violation compliance.Violation `json:"violation"`
}

// Submitter accepts dispatches for asynchronous delivery.
type Submitter interface {
	Submit(ctx context.Context, d Dispatch) error
}

// Router evaluates every routing rule against each event.
type Router struct {
	rules     []Rule
	submitter Submitter
	bucket    time.Duration
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewRouter creates a Router over a fixed rule table. bucket is the
// occurred-at granularity of change-event idempotency keys.
func NewRouter(rules []Rule, submitter Submitter, bucket time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Router {
	return &Router{
		rules:     rules,
		submitter: submitter,
		bucket:    bucket,
		logger:    logger.Named("router"),
		metrics:   metrics,
	}
}

// Rules returns the routing table.
func (r *Router) Rules() []Rule {
	return append([]Rule(nil), r.rules...)
}

// Route matches env against all rules and hands every resulting dispatch to
// the submitter without waiting for delivery. An error means some
// dispatches were not accepted and the event should be redelivered.
func (r *Router) Route(ctx context.Context, env bus.Envelope) ([]Dispatch, error) {
	if err := env.Validate(); err != nil {
		return nil, faults.Permanent("router.route", err)
	}

	ctx, span := otel.Tracer("remedyforge/routing").Start(ctx, "router.Route")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.source", env.Source),
		attribute.String("event.detail_type", env.DetailType),
	)

	dispatches, err := r.Match(env)
	if err != nil {
		return nil, faults.Permanent("router.match", err)
	}

	for i, d := range dispatches {
		if err := r.submitter.Submit(ctx, d); err != nil {
			observability.RecordSpanError(ctx, err)
			return dispatches[:i], faults.Transient("router.submit", fmt.Errorf("failed to hand off dispatch to %s: %w", d.Target, err))
		}
		r.metrics.IncDispatch(d.Route, d.Target)
	}
	return dispatches, nil
}

// Match computes the dispatches for env without submitting them.
func (r *Router) Match(env bus.Envelope) ([]Dispatch, error) {
	parts, err := split(env)
	if err != nil {
		return nil, err
	}

	var dispatches []Dispatch
	for _, part := range parts {
		record, err := Record(part)
		if err != nil {
			return nil, err
		}

		var (
			violation  compliance.Violation
			normalized bool
		)
		for _, rule := range r.rules {
			if !rule.Match(record) {
				continue
			}
			if !normalized {
				violation, err = r.normalize(part)
				if err != nil {
					r.logger.Warn("Matched event could not be normalized",
						zap.String("event", part.ID),
						zap.String("route", rule.Name),
						zap.Error(err),
					)
					break
				}
				normalized = true
			}
			for _, target := range rule.Targets {
				dispatches = append(dispatches, Dispatch{
					Route:     rule.Name,
					Target:    target,
					EventID:   part.ID,
					Violation: violation,
				})
			}
		}
	}
	return dispatches, nil
}

// normalize converts a single-subject event into a violation.
func (r *Router) normalize(env bus.Envelope) (compliance.Violation, error) {
	if env.DetailType == bus.DetailTypeComplianceChange {
		var e compliance.ChangeEvent
		if err := json.Unmarshal(env.Detail, &e); err != nil {
			return compliance.Violation{}, fmt.Errorf("failed to decode change event: %w", err)
		}
		if err := e.Resource.Validate(); err != nil {
			return compliance.Violation{}, fmt.Errorf("%w: %v", ErrUnsupportedEvent, err)
		}
		return compliance.ViolationFromChange(e, r.bucket), nil
	}

	var detail bus.FindingsDetail
	if err := json.Unmarshal(env.Detail, &detail); err == nil && len(detail.Findings) == 1 {
		f, err := detail.Findings[0].ToFinding(env.Source)
		if err != nil {
			return compliance.Violation{}, fmt.Errorf("%w: %v", ErrUnsupportedEvent, err)
		}
		return compliance.ViolationFromFinding(f), nil
	}

	return compliance.Violation{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedEvent, env.Source, env.DetailType)
}

// split fans a multi-finding event out into one event per finding so each
// finding is matched and normalized on its own.
func split(env bus.Envelope) ([]bus.Envelope, error) {
	var detail map[string]json.RawMessage
	if err := json.Unmarshal(env.Detail, &detail); err != nil {
		// Non-object details are matched as-is.
		return []bus.Envelope{env}, nil
	}
	raw, ok := detail["findings"]
	if !ok {
		return []bus.Envelope{env}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || len(items) <= 1 {
		return []bus.Envelope{env}, nil
	}

	parts := make([]bus.Envelope, 0, len(items))
	for i, item := range items {
		body, err := json.Marshal(map[string][]json.RawMessage{"findings": {item}})
		if err != nil {
			return nil, fmt.Errorf("failed to split findings event: %w", err)
		}
		part := env
		part.ID = fmt.Sprintf("%s#%d", env.ID, i)
		part.Detail = body
		parts = append(parts, part)
	}
	return parts, nil
}
