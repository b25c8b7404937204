package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/compliance"
	"github.com/lvonguyen/remedyforge/internal/faults"
	"github.com/lvonguyen/remedyforge/internal/observability"
)

// Emitter publishes compliance-change events onto the message bus.
type Emitter interface {
	Emit(ctx context.Context, e compliance.ChangeEvent) error
}

// Recorder upserts verdicts and emits the change event owed by a transition.
type Recorder struct {
	store   VerdictStore
	emitter Emitter
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewRecorder creates a Recorder.
func NewRecorder(store VerdictStore, emitter Emitter, logger *zap.Logger, metrics *observability.Metrics) *Recorder {
	return &Recorder{
		store:   store,
		emitter: emitter,
		logger:  logger.Named("store"),
		metrics: metrics,
	}
}

// Record writes v and, when this call owns a change event, emits it. An
// emission failure releases the claim and is returned as transient so the
// invocation is redelivered and re-emits.
func (r *Recorder) Record(ctx context.Context, v compliance.Verdict) (Transition, error) {
	t, err := r.store.Record(ctx, v)
	if err != nil {
		if errors.Is(err, ErrInvalidVerdict) {
			return Transition{}, faults.Permanent("store.record", err)
		}
		return Transition{}, faults.Transient("store.record", err)
	}

	if t.Changed() {
		r.metrics.IncTransition(v.RuleID, string(v.Status))
		r.logger.Info("Verdict transitioned",
			zap.String("rule", v.RuleID),
			zap.String("resource", v.Resource.String()),
			zap.String("previous", string(t.Previous)),
			zap.String("status", string(v.Status)),
		)
	}
	if t.Outcome == OutcomeStale {
		r.logger.Debug("Ignored verdict older than stored verdict",
			zap.String("rule", v.RuleID),
			zap.String("resource", v.Resource.String()),
		)
	}
	if t.Event == nil {
		return t, nil
	}

	if err := r.emitter.Emit(ctx, *t.Event); err != nil {
		r.metrics.IncEmission("failed")
		if relErr := r.store.Release(ctx, *t.Event); relErr != nil {
			r.logger.Warn("Failed to release change event claim", zap.Error(relErr))
		}
		return t, faults.Transient("store.emit", fmt.Errorf("failed to emit change event: %w", err))
	}
	r.metrics.IncEmission("emitted")

	if err := r.store.Ack(ctx, *t.Event); err != nil {
		// The event was delivered; a lapsed claim only risks a duplicate.
		r.logger.Warn("Failed to acknowledge change event", zap.Error(err))
	}
	return t, nil
}

// Get returns the stored verdict for a pair.
func (r *Recorder) Get(ctx context.Context, ruleID string, ref compliance.ResourceRef) (compliance.Verdict, error) {
	return r.store.Get(ctx, ruleID, ref)
}
