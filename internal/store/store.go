// Package store provides the verdict store: durable per-(rule, resource) status with atomic transition detection
package store

import (
	"context"
	"errors"
	"time"

	"github.com/lvonguyen/remedyforge/internal/compliance"
)

var (
	// ErrNotFound is returned by Get when no verdict has been recorded.
	ErrNotFound = errors.New("verdict not found")
	// ErrInvalidVerdict is returned for verdicts missing identity or status.
	ErrInvalidVerdict = errors.New("invalid verdict")
)

// Outcome describes what a Record call did to the stored pair.
type Outcome string

const (
	// OutcomeTransition means this write changed the status. The caller owns emission.
	OutcomeTransition Outcome = "transition"
	// OutcomeReclaimed means the status was unchanged but an earlier transition
	// was never acknowledged and its claim lapsed. The caller owns emission.
	OutcomeReclaimed Outcome = "reclaimed"
	// OutcomeUnchanged means the status matched the stored status.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeStale means a newer verdict is already stored; the write was ignored.
	OutcomeStale Outcome = "stale"
)

// Transition is the result of recording a verdict.
type Transition struct {
	Outcome Outcome
	// Previous is the status stored before this write.
	Previous compliance.Status
	// Event is set when the caller must emit a compliance-change event.
	Event *compliance.ChangeEvent
}

// Changed reports whether this write caused a status transition.
func (t Transition) Changed() bool {
	return t.Outcome == OutcomeTransition
}

// VerdictStore durably records verdicts. Record is an atomic
// compare-and-set: of any number of concurrent writers of the same
// transition exactly one observes OutcomeTransition.
type VerdictStore interface {
	Record(ctx context.Context, v compliance.Verdict) (Transition, error)
	// Ack marks a transition's event as delivered.
	Ack(ctx context.Context, e compliance.ChangeEvent) error
	// Release gives up the emission claim so the next write re-emits.
	Release(ctx context.Context, e compliance.ChangeEvent) error
	Get(ctx context.Context, ruleID string, ref compliance.ResourceRef) (compliance.Verdict, error)
	Ping(ctx context.Context) error
}

// Config configures a verdict store.
type Config struct {
	KeyPrefix string
	EmitLease time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "remedyforge:verdict",
		EmitLease: 30 * time.Second,
	}
}

func validate(v compliance.Verdict) error {
	if v.RuleID == "" {
		return errors.Join(ErrInvalidVerdict, errors.New("rule id is required"))
	}
	if err := v.Resource.Validate(); err != nil {
		return errors.Join(ErrInvalidVerdict, err)
	}
	if !v.Status.Valid() {
		return errors.Join(ErrInvalidVerdict, errors.New("unknown status "+string(v.Status)))
	}
	if v.EvaluatedAt.IsZero() {
		return errors.Join(ErrInvalidVerdict, errors.New("evaluated_at is required"))
	}
	return nil
}

func changeEvent(v compliance.Verdict, prev, next compliance.Status, at time.Time, note string) *compliance.ChangeEvent {
	return &compliance.ChangeEvent{
		RuleID:         v.RuleID,
		Resource:       v.Resource,
		PreviousStatus: prev,
		NewStatus:      next,
		OccurredAt:     at,
		Annotation:     note,
	}
}
