package evaluator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/compliance"
	"github.com/lvonguyen/remedyforge/internal/faults"
	"github.com/lvonguyen/remedyforge/internal/findings"
	"github.com/lvonguyen/remedyforge/internal/inventory"
	"github.com/lvonguyen/remedyforge/internal/policy"
	"github.com/lvonguyen/remedyforge/internal/store"
)

var (
	notified = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	bucket   = compliance.ResourceRef{ResourceType: compliance.ResourceTypeS3Bucket, ResourceID: "logs", Account: "1", Region: "us-east-1"}
)

// scriptedFetcher returns queued responses in order, repeating the last one.
type scriptedFetcher struct {
	mu        sync.Mutex
	responses []func(ref compliance.ResourceRef) (inventory.Snapshot, error)
	calls     int
}

func (s *scriptedFetcher) Fetch(ctx context.Context, ref compliance.ResourceRef) (inventory.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.calls, len(s.responses)-1)
	s.calls++
	return s.responses[i](ref)
}

func snapshotAt(at time.Time, enc map[string]any) func(compliance.ResourceRef) (inventory.Snapshot, error) {
	return func(ref compliance.ResourceRef) (inventory.Snapshot, error) {
		return inventory.Snapshot{
			Resource:   ref,
			CapturedAt: at,
			Exists:     true,
			Attributes: map[string]any{inventory.AttrEncryption: enc},
		}, nil
	}
}

func failing(err error) func(compliance.ResourceRef) (inventory.Snapshot, error) {
	return func(compliance.ResourceRef) (inventory.Snapshot, error) {
		return inventory.Snapshot{}, err
	}
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, compliance.ChangeEvent) error { return nil }

// failingRecorder fails for one resource id and records everything else.
type failingRecorder struct {
	next   VerdictRecorder
	failID string
}

func (f failingRecorder) Record(ctx context.Context, v compliance.Verdict) (store.Transition, error) {
	if v.Resource.ResourceID == f.failID {
		return store.Transition{}, faults.Transient("store.record", errors.New("redis unavailable"))
	}
	return f.next.Record(ctx, v)
}

func s3Rule(export bool) Rule {
	return Rule{
		ID:             "s3-bucket-cmk-encryption-check",
		ResourceType:   compliance.ResourceTypeS3Bucket,
		Predicate:      policy.S3CMKEncryption(),
		ExportFindings: export,
	}
}

type harness struct {
	eval     *Evaluator
	store    *store.MemoryStore
	findings *findings.LogAggregator
}

func newHarness(t *testing.T, cfg Config, rules []Rule, inv inventory.Fetcher) harness {
	t.Helper()
	st := store.NewMemoryStore(store.DefaultConfig())
	agg := findings.NewLogAggregator(0, zap.NewNop(), nil)
	rec := store.NewRecorder(st, nopEmitter{}, zap.NewNop(), nil)
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Millisecond
		cfg.MaxBackoff = 2 * time.Millisecond
	}
	e, err := New(cfg, rules, inv, rec, agg, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return harness{eval: e, store: st, findings: agg}
}

// =============================================================================
// Evaluate Tests
// =============================================================================

// TestEvaluate_Deterministic verifies the same snapshot always yields the same verdict.
func TestEvaluate_Deterministic(t *testing.T) {
	h := newHarness(t, DefaultConfig(), []Rule{s3Rule(false)}, &scriptedFetcher{})
	snap, _ := snapshotAt(notified, map[string]any{})(bucket)

	first, err := h.eval.Evaluate(context.Background(), bucket, snap, s3Rule(false), notified)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		v, _ := h.eval.Evaluate(context.Background(), bucket, snap, s3Rule(false), notified)
		if v != first {
			t.Fatalf("verdict changed: %+v != %+v", v, first)
		}
	}
	if first.Status != compliance.StatusNonCompliant {
		t.Errorf("Status = %s", first.Status)
	}
}

// TestEvaluate_StaleSnapshotRejected verifies snapshots older than the
// notification are never evaluated.
func TestEvaluate_StaleSnapshotRejected(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil, &scriptedFetcher{})
	snap, _ := snapshotAt(notified.Add(-time.Second), map[string]any{})(bucket)

	_, err := h.eval.Evaluate(context.Background(), bucket, snap, s3Rule(false), notified)
	if !errors.Is(err, ErrStaleSnapshot) || !faults.IsStale(err) {
		t.Errorf("expected stale error, got %v", err)
	}
}

// TestEvaluate_ResourceMismatch verifies a snapshot of another resource is rejected.
func TestEvaluate_ResourceMismatch(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil, &scriptedFetcher{})
	other := bucket
	other.ResourceID = "other"
	snap, _ := snapshotAt(notified, map[string]any{})(other)

	if _, err := h.eval.Evaluate(context.Background(), bucket, snap, s3Rule(false), time.Time{}); !errors.Is(err, ErrResourceMismatch) {
		t.Errorf("expected ErrResourceMismatch, got %v", err)
	}
}

// TestEvaluate_PredicatePanicBecomesError verifies a panicking predicate
// yields an ERROR verdict instead of crashing the invocation.
func TestEvaluate_PredicatePanicBecomesError(t *testing.T) {
	rule := Rule{
		ID:           "panics",
		ResourceType: compliance.ResourceTypeS3Bucket,
		Predicate: policy.PredicateFunc(func(inventory.Snapshot) (policy.Decision, error) {
			panic("nil map")
		}),
	}
	h := newHarness(t, DefaultConfig(), []Rule{rule}, &scriptedFetcher{})
	snap, _ := snapshotAt(notified, nil)(bucket)

	v, err := h.eval.Evaluate(context.Background(), bucket, snap, rule, notified)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if v.Status != compliance.StatusError || !strings.Contains(v.Annotation, "panic") {
		t.Errorf("got %s %q", v.Status, v.Annotation)
	}
}

// TestEvaluate_InvalidDecisionBecomesError verifies predicates cannot emit ERROR themselves.
func TestEvaluate_InvalidDecisionBecomesError(t *testing.T) {
	rule := Rule{
		ID:           "bogus",
		ResourceType: compliance.ResourceTypeS3Bucket,
		Predicate: policy.PredicateFunc(func(inventory.Snapshot) (policy.Decision, error) {
			return policy.Decision{Status: compliance.StatusError}, nil
		}),
	}
	h := newHarness(t, DefaultConfig(), []Rule{rule}, &scriptedFetcher{})
	snap, _ := snapshotAt(notified, nil)(bucket)

	v, _ := h.eval.Evaluate(context.Background(), bucket, snap, rule, notified)
	if v.Status != compliance.StatusError || !strings.Contains(v.Annotation, "invalid status") {
		t.Errorf("got %s %q", v.Status, v.Annotation)
	}
}

// =============================================================================
// Notification Handling Tests
// =============================================================================

// TestHandleNotification_RetriesStaleFetch verifies a lagging inventory is
// re-read until it catches up with the notification.
func TestHandleNotification_RetriesStaleFetch(t *testing.T) {
	inv := &scriptedFetcher{responses: []func(compliance.ResourceRef) (inventory.Snapshot, error){
		snapshotAt(notified.Add(-time.Minute), map[string]any{}),
		snapshotAt(notified.Add(time.Second), map[string]any{
			inventory.AttrAlgorithm:  "aws:kms",
			inventory.AttrKeyManager: inventory.KeyManagerOwned,
		}),
	}}
	h := newHarness(t, DefaultConfig(), []Rule{s3Rule(false)}, inv)

	verdicts, err := h.eval.HandleNotification(context.Background(), compliance.ChangeNotification{
		Resource:  bucket,
		Timestamp: notified,
	})
	if err != nil {
		t.Fatalf("HandleNotification() error = %v", err)
	}
	if len(verdicts) != 1 || verdicts[0].Status != compliance.StatusCompliant {
		t.Fatalf("verdicts = %+v", verdicts)
	}
	if inv.calls != 2 {
		t.Errorf("fetch calls = %d, want 2", inv.calls)
	}
}

// TestHandleNotification_TransientExhaustionIsError verifies a persistently
// failing inventory yields an ERROR verdict after the configured attempts.
func TestHandleNotification_TransientExhaustionIsError(t *testing.T) {
	inv := &scriptedFetcher{responses: []func(compliance.ResourceRef) (inventory.Snapshot, error){
		failing(faults.Transient("inventory.fetch", errors.New("throttled"))),
	}}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	h := newHarness(t, cfg, []Rule{s3Rule(false)}, inv)

	verdicts, err := h.eval.HandleNotification(context.Background(), compliance.ChangeNotification{Resource: bucket, Timestamp: notified})
	if err != nil {
		t.Fatalf("HandleNotification() error = %v", err)
	}
	if len(verdicts) != 1 || verdicts[0].Status != compliance.StatusError {
		t.Fatalf("verdicts = %+v", verdicts)
	}
	if inv.calls != 3 {
		t.Errorf("fetch calls = %d, want 3", inv.calls)
	}

	stored, err := h.store.Get(context.Background(), "s3-bucket-cmk-encryption-check", bucket)
	if err != nil || stored.Status != compliance.StatusError {
		t.Errorf("stored = %+v, %v", stored, err)
	}
}

// TestHandleNotification_PermanentFetchNotRetried verifies access and
// validation failures produce an ERROR verdict on the first attempt.
func TestHandleNotification_PermanentFetchNotRetried(t *testing.T) {
	inv := &scriptedFetcher{responses: []func(compliance.ResourceRef) (inventory.Snapshot, error){
		failing(faults.Permanent("s3.GetBucketEncryption", errors.New("AccessDenied"))),
	}}
	h := newHarness(t, DefaultConfig(), []Rule{s3Rule(false)}, inv)

	verdicts, _ := h.eval.HandleNotification(context.Background(), compliance.ChangeNotification{Resource: bucket, Timestamp: notified})
	if len(verdicts) != 1 || verdicts[0].Status != compliance.StatusError {
		t.Fatalf("verdicts = %+v", verdicts)
	}
	if inv.calls != 1 {
		t.Errorf("fetch calls = %d, want 1", inv.calls)
	}
}

// TestHandleNotification_SkipsOtherTypesAndPeriodicRules verifies only
// change-triggered rules for the notified type run.
func TestHandleNotification_SkipsOtherTypesAndPeriodicRules(t *testing.T) {
	periodic := s3Rule(false)
	periodic.ID = "periodic-only"
	periodic.TriggerMode = TriggerPeriodic
	tagRule := Rule{ID: "tag", ResourceType: compliance.ResourceTypeEC2Instance, Predicate: policy.RequiredTag("Environment")}

	inv := &scriptedFetcher{responses: []func(compliance.ResourceRef) (inventory.Snapshot, error){
		snapshotAt(notified, map[string]any{}),
	}}
	h := newHarness(t, DefaultConfig(), []Rule{s3Rule(false), periodic, tagRule}, inv)

	verdicts, err := h.eval.HandleNotification(context.Background(), compliance.ChangeNotification{Resource: bucket, Timestamp: notified})
	if err != nil {
		t.Fatalf("HandleNotification() error = %v", err)
	}
	if len(verdicts) != 1 || verdicts[0].RuleID != "s3-bucket-cmk-encryption-check" {
		t.Errorf("verdicts = %+v", verdicts)
	}
}

// TestHandleNotification_InvalidResource verifies malformed notifications are permanent.
func TestHandleNotification_InvalidResource(t *testing.T) {
	h := newHarness(t, DefaultConfig(), []Rule{s3Rule(false)}, &scriptedFetcher{})
	_, err := h.eval.HandleNotification(context.Background(), compliance.ChangeNotification{})
	if faults.Classify(err) != faults.KindPermanent {
		t.Errorf("expected permanent error, got %v", err)
	}
}

// =============================================================================
// Findings Export Tests
// =============================================================================

// TestExport_GatedPerRule verifies only exporting rules submit findings,
// while ERROR verdicts are always reported.
func TestExport_GatedPerRule(t *testing.T) {
	quiet := s3Rule(false)
	loud := s3Rule(true)
	loud.ID = "loud"
	inv := &scriptedFetcher{responses: []func(compliance.ResourceRef) (inventory.Snapshot, error){
		snapshotAt(notified, map[string]any{}),
	}}
	h := newHarness(t, DefaultConfig(), []Rule{quiet, loud}, inv)

	if _, err := h.eval.HandleNotification(context.Background(), compliance.ChangeNotification{Resource: bucket, Timestamp: notified}); err != nil {
		t.Fatalf("HandleNotification() error = %v", err)
	}
	recent := h.findings.Recent()
	if len(recent) != 1 || recent[0].RuleID != "loud" || recent[0].Status != compliance.FindingFailed {
		t.Errorf("findings = %+v", recent)
	}
}

// TestExport_ErrorVerdictAlwaysReported verifies ERROR verdicts surface as
// NOT_AVAILABLE findings even when export is off.
func TestExport_ErrorVerdictAlwaysReported(t *testing.T) {
	inv := &scriptedFetcher{responses: []func(compliance.ResourceRef) (inventory.Snapshot, error){
		failing(faults.Permanent("fetch", errors.New("denied"))),
	}}
	cfg := DefaultConfig()
	cfg.ExportFindings = false
	h := newHarness(t, cfg, []Rule{s3Rule(false)}, inv)

	h.eval.HandleNotification(context.Background(), compliance.ChangeNotification{Resource: bucket, Timestamp: notified})
	recent := h.findings.Recent()
	if len(recent) != 1 || recent[0].Status != compliance.FindingNotAvailable || recent[0].Severity != compliance.SeverityError {
		t.Errorf("findings = %+v", recent)
	}
}

// =============================================================================
// Batch Evaluation Tests
// =============================================================================

// TestEvaluateBatch_IsolatesFailures verifies one resource failing to record
// never prevents the others from being evaluated.
func TestEvaluateBatch_IsolatesFailures(t *testing.T) {
	inv := &scriptedFetcher{responses: []func(compliance.ResourceRef) (inventory.Snapshot, error){
		snapshotAt(notified, map[string]any{}),
	}}
	st := store.NewMemoryStore(store.DefaultConfig())
	rec := failingRecorder{next: store.NewRecorder(st, nopEmitter{}, zap.NewNop(), nil), failID: "b2"}
	e, err := New(DefaultConfig(), []Rule{s3Rule(false)}, inv, rec, nil, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	refs := []compliance.ResourceRef{
		{ResourceID: "b1", Account: "1", Region: "us-east-1"},
		{ResourceID: "b2", Account: "1", Region: "us-east-1"},
		{ResourceID: "b3", Account: "1", Region: "us-east-1"},
	}
	results, err := e.EvaluateBatch(context.Background(), "s3-bucket-cmk-encryption-check", refs)
	if err != nil {
		t.Fatalf("EvaluateBatch() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	for _, r := range results {
		if r.Resource.ResourceType != compliance.ResourceTypeS3Bucket {
			t.Errorf("resource type not defaulted: %+v", r.Resource)
		}
		if r.Resource.ResourceID == "b2" {
			if !faults.IsTransient(r.Err) {
				t.Errorf("b2 error = %v", r.Err)
			}
			continue
		}
		if r.Err != nil || r.Verdict.Status != compliance.StatusNonCompliant {
			t.Errorf("%s: %+v, %v", r.Resource.ResourceID, r.Verdict, r.Err)
		}
	}

	if _, err := e.EvaluateBatch(context.Background(), "missing", refs); !errors.Is(err, ErrUnknownRule) {
		t.Errorf("expected ErrUnknownRule, got %v", err)
	}
}

// TestNew_RejectsDuplicateRules verifies rule ids are unique.
func TestNew_RejectsDuplicateRules(t *testing.T) {
	_, err := New(DefaultConfig(), []Rule{s3Rule(false), s3Rule(true)}, &scriptedFetcher{}, nil, nil, zap.NewNop(), nil)
	if err == nil {
		t.Error("expected duplicate rule error")
	}
}
