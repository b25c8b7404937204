package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/compliance"
	"github.com/lvonguyen/remedyforge/internal/faults"
)

var (
	t0     = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	bucket = compliance.ResourceRef{ResourceType: compliance.ResourceTypeS3Bucket, ResourceID: "logs", Account: "1", Region: "us-east-1"}
)

func verdict(status compliance.Status, at time.Time) compliance.Verdict {
	return compliance.Verdict{
		Resource:    bucket,
		RuleID:      "s3-bucket-cmk-encryption-check",
		Status:      status,
		EvaluatedAt: at,
	}
}

// clock is a settable time source shared with a store under test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeFactory func(t *testing.T, c *clock) VerdictStore

func newTestRedisStore(t *testing.T, c *clock) VerdictStore {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := NewRedisStore(client, Config{KeyPrefix: "test", EmitLease: time.Minute})
	s.now = c.Now
	return s
}

func newTestMemoryStore(t *testing.T, c *clock) VerdictStore {
	s := NewMemoryStore(Config{EmitLease: time.Minute})
	s.now = c.Now
	return s
}

// forEachStore runs fn against every VerdictStore implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s VerdictStore, c *clock)) {
	backends := map[string]storeFactory{
		"redis":  newTestRedisStore,
		"memory": newTestMemoryStore,
	}
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			c := &clock{now: t0}
			fn(t, factory(t, c), c)
		})
	}
}

// =============================================================================
// Transition Detection Tests
// =============================================================================

// TestRecord_FirstVerdictTransitionsFromUnknown verifies a never-seen pair
// transitions from UNKNOWN and carries the event to emit.
func TestRecord_FirstVerdictTransitionsFromUnknown(t *testing.T) {
	forEachStore(t, func(t *testing.T, s VerdictStore, c *clock) {
		ctx := context.Background()
		tr, err := s.Record(ctx, verdict(compliance.StatusNonCompliant, t0))
		require.NoError(t, err)

		assert.Equal(t, OutcomeTransition, tr.Outcome)
		assert.True(t, tr.Changed())
		assert.Equal(t, compliance.StatusUnknown, tr.Previous)
		require.NotNil(t, tr.Event)
		assert.Equal(t, compliance.StatusUnknown, tr.Event.PreviousStatus)
		assert.Equal(t, compliance.StatusNonCompliant, tr.Event.NewStatus)
		assert.True(t, tr.Event.OccurredAt.Equal(t0))
	})
}

// TestRecord_UnchangedAfterAck verifies a repeated status emits nothing once
// the transition was acknowledged.
func TestRecord_UnchangedAfterAck(t *testing.T) {
	forEachStore(t, func(t *testing.T, s VerdictStore, c *clock) {
		ctx := context.Background()
		tr, err := s.Record(ctx, verdict(compliance.StatusNonCompliant, t0))
		require.NoError(t, err)
		require.NoError(t, s.Ack(ctx, *tr.Event))

		c.Advance(time.Hour)
		tr, err = s.Record(ctx, verdict(compliance.StatusNonCompliant, t0.Add(time.Second)))
		require.NoError(t, err)
		assert.Equal(t, OutcomeUnchanged, tr.Outcome)
		assert.Nil(t, tr.Event)

		got, err := s.Get(ctx, "s3-bucket-cmk-encryption-check", bucket)
		require.NoError(t, err)
		assert.True(t, got.EvaluatedAt.Equal(t0.Add(time.Second)), "evaluated_at should advance")
	})
}

// TestRecord_SecondTransition verifies a status change records the stored
// status as previous.
func TestRecord_SecondTransition(t *testing.T) {
	forEachStore(t, func(t *testing.T, s VerdictStore, c *clock) {
		ctx := context.Background()
		tr, err := s.Record(ctx, verdict(compliance.StatusNonCompliant, t0))
		require.NoError(t, err)
		require.NoError(t, s.Ack(ctx, *tr.Event))

		tr, err = s.Record(ctx, verdict(compliance.StatusCompliant, t0.Add(time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, OutcomeTransition, tr.Outcome)
		require.NotNil(t, tr.Event)
		assert.Equal(t, compliance.StatusNonCompliant, tr.Event.PreviousStatus)
		assert.Equal(t, compliance.StatusCompliant, tr.Event.NewStatus)
	})
}

// TestRecord_StaleVerdictIgnored verifies an older verdict never overwrites
// a newer one.
func TestRecord_StaleVerdictIgnored(t *testing.T) {
	forEachStore(t, func(t *testing.T, s VerdictStore, c *clock) {
		ctx := context.Background()
		_, err := s.Record(ctx, verdict(compliance.StatusCompliant, t0))
		require.NoError(t, err)

		tr, err := s.Record(ctx, verdict(compliance.StatusNonCompliant, t0.Add(-time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, OutcomeStale, tr.Outcome)
		assert.Nil(t, tr.Event)

		got, err := s.Get(ctx, "s3-bucket-cmk-encryption-check", bucket)
		require.NoError(t, err)
		assert.Equal(t, compliance.StatusCompliant, got.Status)
	})
}

// =============================================================================
// Emission Claim Tests
// =============================================================================

// TestRecord_ReclaimAfterLease verifies an unacknowledged transition is
// handed to a later writer only once the claim lapses.
func TestRecord_ReclaimAfterLease(t *testing.T) {
	forEachStore(t, func(t *testing.T, s VerdictStore, c *clock) {
		ctx := context.Background()
		first, err := s.Record(ctx, verdict(compliance.StatusNonCompliant, t0))
		require.NoError(t, err)

		tr, err := s.Record(ctx, verdict(compliance.StatusNonCompliant, t0.Add(time.Second)))
		require.NoError(t, err)
		assert.Equal(t, OutcomeUnchanged, tr.Outcome, "claim is still held")

		c.Advance(2 * time.Minute)
		tr, err = s.Record(ctx, verdict(compliance.StatusNonCompliant, t0.Add(2*time.Second)))
		require.NoError(t, err)
		assert.Equal(t, OutcomeReclaimed, tr.Outcome)
		require.NotNil(t, tr.Event)
		assert.Equal(t, first.Event.NewStatus, tr.Event.NewStatus)
		assert.True(t, first.Event.OccurredAt.Equal(tr.Event.OccurredAt), "reclaimed event keeps its identity")
		assert.Equal(t, first.Event.IdempotencyKey(time.Minute), tr.Event.IdempotencyKey(time.Minute))
	})
}

// TestRelease_AllowsImmediateReclaim verifies a released claim is handed to
// the next writer without waiting for the lease.
func TestRelease_AllowsImmediateReclaim(t *testing.T) {
	forEachStore(t, func(t *testing.T, s VerdictStore, c *clock) {
		ctx := context.Background()
		first, err := s.Record(ctx, verdict(compliance.StatusNonCompliant, t0))
		require.NoError(t, err)
		require.NoError(t, s.Release(ctx, *first.Event))

		tr, err := s.Record(ctx, verdict(compliance.StatusNonCompliant, t0.Add(time.Second)))
		require.NoError(t, err)
		assert.Equal(t, OutcomeReclaimed, tr.Outcome)
	})
}

// TestAck_IgnoresSupersededEvent verifies acknowledging an old transition
// does not clear a newer pending one.
func TestAck_IgnoresSupersededEvent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s VerdictStore, c *clock) {
		ctx := context.Background()
		old, err := s.Record(ctx, verdict(compliance.StatusNonCompliant, t0))
		require.NoError(t, err)
		_, err = s.Record(ctx, verdict(compliance.StatusCompliant, t0.Add(time.Second)))
		require.NoError(t, err)

		require.NoError(t, s.Ack(ctx, *old.Event))

		c.Advance(2 * time.Minute)
		tr, err := s.Record(ctx, verdict(compliance.StatusCompliant, t0.Add(2*time.Second)))
		require.NoError(t, err)
		assert.Equal(t, OutcomeReclaimed, tr.Outcome, "newer transition must still be pending")
	})
}

// TestRecord_ConcurrentWritersSingleTransition verifies that of many
// concurrent writers of the same transition exactly one owns emission.
func TestRecord_ConcurrentWritersSingleTransition(t *testing.T) {
	forEachStore(t, func(t *testing.T, s VerdictStore, c *clock) {
		ctx := context.Background()
		const writers = 16

		var (
			wg          sync.WaitGroup
			mu          sync.Mutex
			transitions int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tr, err := s.Record(ctx, verdict(compliance.StatusNonCompliant, t0))
				if err != nil {
					t.Errorf("Record() error = %v", err)
					return
				}
				if tr.Event != nil {
					mu.Lock()
					transitions++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, transitions)
	})
}

// =============================================================================
// Read and Validation Tests
// =============================================================================

// TestGet_NotFound verifies unknown pairs report ErrNotFound.
func TestGet_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s VerdictStore, c *clock) {
		_, err := s.Get(context.Background(), "missing", bucket)
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.NoError(t, s.Ping(context.Background()))
	})
}

// TestRecord_RejectsInvalidVerdicts verifies identity and status are required.
func TestRecord_RejectsInvalidVerdicts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s VerdictStore, c *clock) {
		ctx := context.Background()
		bad := []compliance.Verdict{
			{Resource: bucket, Status: compliance.StatusCompliant, EvaluatedAt: t0},
			{RuleID: "r", Status: compliance.StatusCompliant, EvaluatedAt: t0},
			{RuleID: "r", Resource: bucket, Status: compliance.StatusUnknown, EvaluatedAt: t0},
			{RuleID: "r", Resource: bucket, Status: compliance.StatusCompliant},
		}
		for i, v := range bad {
			_, err := s.Record(ctx, v)
			assert.True(t, errors.Is(err, ErrInvalidVerdict), "case %d: %v", i, err)
		}
	})
}

// =============================================================================
// Recorder Tests
// =============================================================================

type fakeEmitter struct {
	mu     sync.Mutex
	err    error
	events []compliance.ChangeEvent
}

func (f *fakeEmitter) Emit(ctx context.Context, e compliance.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

// TestRecorder_EmitsOncePerTransition verifies acknowledged transitions are
// not emitted again.
func TestRecorder_EmitsOncePerTransition(t *testing.T) {
	em := &fakeEmitter{}
	r := NewRecorder(NewMemoryStore(DefaultConfig()), em, zap.NewNop(), nil)
	ctx := context.Background()

	_, err := r.Record(ctx, verdict(compliance.StatusNonCompliant, t0))
	require.NoError(t, err)
	_, err = r.Record(ctx, verdict(compliance.StatusNonCompliant, t0.Add(time.Second)))
	require.NoError(t, err)

	assert.Len(t, em.events, 1)
}

// TestRecorder_EmitFailureIsRetryable verifies a failed emission surfaces as
// transient and the redelivered write re-emits the same event.
func TestRecorder_EmitFailureIsRetryable(t *testing.T) {
	em := &fakeEmitter{err: errors.New("bus down")}
	r := NewRecorder(NewMemoryStore(DefaultConfig()), em, zap.NewNop(), nil)
	ctx := context.Background()

	_, err := r.Record(ctx, verdict(compliance.StatusNonCompliant, t0))
	require.Error(t, err)
	assert.True(t, faults.IsTransient(err))

	em.err = nil
	tr, err := r.Record(ctx, verdict(compliance.StatusNonCompliant, t0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReclaimed, tr.Outcome)
	require.Len(t, em.events, 1)
	assert.True(t, em.events[0].OccurredAt.Equal(t0))
}

// TestRecorder_InvalidVerdictIsPermanent verifies bad input is not retried.
func TestRecorder_InvalidVerdictIsPermanent(t *testing.T) {
	r := NewRecorder(NewMemoryStore(DefaultConfig()), &fakeEmitter{}, zap.NewNop(), nil)
	_, err := r.Record(context.Background(), compliance.Verdict{})
	assert.Equal(t, faults.KindPermanent, faults.Classify(err))
}
