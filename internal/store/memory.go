package store

import (
	"context"
	"sync"
	"time"

	"github.com/lvonguyen/remedyforge/internal/compliance"
)

type record struct {
	verdict      compliance.Verdict
	pending      *compliance.ChangeEvent
	claimedUntil time.Time
}

// MemoryStore is an in-process VerdictStore for single-replica deployments
// and tests. It applies the same transition rules as RedisStore.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*record
	config  Config
	now     func() time.Time
}

// NewMemoryStore creates an empty in-process verdict store.
func NewMemoryStore(cfg Config) *MemoryStore {
	if cfg.EmitLease <= 0 {
		cfg.EmitLease = DefaultConfig().EmitLease
	}
	return &MemoryStore{
		records: make(map[string]*record),
		config:  cfg,
		now:     time.Now,
	}
}

// Record implements VerdictStore.
func (s *MemoryStore) Record(_ context.Context, v compliance.Verdict) (Transition, error) {
	if err := validate(v); err != nil {
		return Transition{}, err
	}
	// Millisecond precision matches RedisStore.
	v.EvaluatedAt = time.UnixMilli(v.EvaluatedAt.UnixMilli()).UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.records[v.PairKey()]
	if !ok {
		rec = &record{verdict: compliance.Verdict{Status: compliance.StatusUnknown}}
		s.records[v.PairKey()] = rec
	}
	prev := rec.verdict.Status

	if ok && v.EvaluatedAt.Before(rec.verdict.EvaluatedAt) {
		return Transition{Outcome: OutcomeStale, Previous: prev}, nil
	}

	if ok && prev == v.Status {
		rec.verdict = v
		if rec.pending != nil && !rec.claimedUntil.After(now) {
			rec.claimedUntil = now.Add(s.config.EmitLease)
			event := *rec.pending
			return Transition{Outcome: OutcomeReclaimed, Previous: prev, Event: &event}, nil
		}
		return Transition{Outcome: OutcomeUnchanged, Previous: prev}, nil
	}

	rec.verdict = v
	rec.pending = changeEvent(v, prev, v.Status, v.EvaluatedAt, v.Annotation)
	rec.claimedUntil = now.Add(s.config.EmitLease)
	event := *rec.pending
	return Transition{Outcome: OutcomeTransition, Previous: prev, Event: &event}, nil
}

// Ack implements VerdictStore.
func (s *MemoryStore) Ack(_ context.Context, e compliance.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[compliance.PairKey(e.RuleID, e.Resource)]; ok && samePending(rec.pending, e) {
		rec.pending = nil
		rec.claimedUntil = time.Time{}
	}
	return nil
}

// Release implements VerdictStore.
func (s *MemoryStore) Release(_ context.Context, e compliance.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[compliance.PairKey(e.RuleID, e.Resource)]; ok && samePending(rec.pending, e) {
		rec.claimedUntil = time.Time{}
	}
	return nil
}

// Get implements VerdictStore.
func (s *MemoryStore) Get(_ context.Context, ruleID string, ref compliance.ResourceRef) (compliance.Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[compliance.PairKey(ruleID, ref)]
	if !ok {
		return compliance.Verdict{}, ErrNotFound
	}
	return rec.verdict, nil
}

// Ping implements VerdictStore.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func samePending(p *compliance.ChangeEvent, e compliance.ChangeEvent) bool {
	return p != nil && p.NewStatus == e.NewStatus && p.OccurredAt.UnixMilli() == e.OccurredAt.UnixMilli()
}
