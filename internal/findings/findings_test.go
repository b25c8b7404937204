package findings

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/securityhub"
	"github.com/aws/aws-sdk-go-v2/service/securityhub/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/bus"
	"github.com/lvonguyen/remedyforge/internal/compliance"
)

func testFinding(id, bucket string, status compliance.FindingStatus) compliance.Finding {
	return compliance.Finding{
		ID:           id,
		SourceSystem: "remedyforge",
		Resource:     compliance.ResourceRef{ResourceType: compliance.ResourceTypeS3Bucket, ResourceID: bucket, Account: "111122223333", Region: "us-east-1"},
		RuleID:       "s3-bucket-cmk-encryption-check",
		Severity:     compliance.SeverityHigh,
		Status:       status,
		DetectedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Title:        "Bucket is not encrypted with a customer managed key",
	}
}

// =============================================================================
// Log Aggregator Tests
// =============================================================================

// TestLogAggregator_RejectsInvalid verifies findings without id or resource are rejected per item.
func TestLogAggregator_RejectsInvalid(t *testing.T) {
	a := NewLogAggregator(10, zap.NewNop(), nil)

	bad := testFinding("", "logs", compliance.FindingFailed)
	res, err := a.Submit(context.Background(), []compliance.Finding{testFinding("f-1", "logs", compliance.FindingFailed), bad})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Accepted != 1 || res.Rejected != 1 {
		t.Errorf("accepted/rejected = %d/%d, want 1/1", res.Accepted, res.Rejected)
	}
	if !res.Partial() {
		t.Error("expected partial result")
	}
	if res.Items[1].ErrorCode != "InvalidInput" {
		t.Errorf("ErrorCode = %q, want InvalidInput", res.Items[1].ErrorCode)
	}
}

// TestLogAggregator_RetainsMostRecent verifies the retention limit keeps the newest findings.
func TestLogAggregator_RetainsMostRecent(t *testing.T) {
	a := NewLogAggregator(2, zap.NewNop(), nil)
	ctx := context.Background()

	for _, id := range []string{"f-1", "f-2", "f-3"} {
		if _, err := a.Submit(ctx, []compliance.Finding{testFinding(id, "logs", compliance.FindingFailed)}); err != nil {
			t.Fatalf("Submit(%s) error = %v", id, err)
		}
	}

	recent := a.Recent()
	if len(recent) != 2 {
		t.Fatalf("len(Recent()) = %d, want 2", len(recent))
	}
	if recent[0].ID != "f-2" || recent[1].ID != "f-3" {
		t.Errorf("Recent() = [%s %s], want [f-2 f-3]", recent[0].ID, recent[1].ID)
	}
}

// =============================================================================
// Security Hub Tests
// =============================================================================

type fakeHub struct {
	calls     [][]types.AwsSecurityFinding
	failIDs   map[string]string
	importErr error
	enableErr error
	enables   int
}

func (f *fakeHub) BatchImportFindings(_ context.Context, in *securityhub.BatchImportFindingsInput, _ ...func(*securityhub.Options)) (*securityhub.BatchImportFindingsOutput, error) {
	f.calls = append(f.calls, in.Findings)
	if f.importErr != nil {
		return nil, f.importErr
	}
	out := &securityhub.BatchImportFindingsOutput{}
	for _, finding := range in.Findings {
		code, ok := f.failIDs[aws.ToString(finding.Id)]
		if !ok {
			continue
		}
		out.FailedFindings = append(out.FailedFindings, types.ImportFindingsError{
			Id:           finding.Id,
			ErrorCode:    aws.String(code),
			ErrorMessage: aws.String("rejected"),
		})
	}
	out.FailedCount = aws.Int32(int32(len(out.FailedFindings)))
	out.SuccessCount = aws.Int32(int32(len(in.Findings) - len(out.FailedFindings)))
	return out, nil
}

func (f *fakeHub) EnableSecurityHub(context.Context, *securityhub.EnableSecurityHubInput, ...func(*securityhub.Options)) (*securityhub.EnableSecurityHubOutput, error) {
	f.enables++
	if f.enableErr != nil {
		return nil, f.enableErr
	}
	return &securityhub.EnableSecurityHubOutput{}, nil
}

func newHub(t *testing.T, client SecurityHubAPI, batchSize int) *SecurityHub {
	t.Helper()
	hub, err := NewSecurityHub(client, SecurityHubConfig{
		AccountID: "111122223333",
		Region:    "us-east-1",
		BatchSize: batchSize,
	}, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewSecurityHub() error = %v", err)
	}
	return hub
}

// TestNewSecurityHub_RequiresAccount verifies construction fails without an account.
func TestNewSecurityHub_RequiresAccount(t *testing.T) {
	if _, err := NewSecurityHub(&fakeHub{}, SecurityHubConfig{Region: "us-east-1"}, zap.NewNop(), nil); err == nil {
		t.Error("expected error without account id")
	}
}

// TestSecurityHub_PartialBatch verifies per-item rejection is reported without failing the batch.
func TestSecurityHub_PartialBatch(t *testing.T) {
	client := &fakeHub{failIDs: map[string]string{"f-2": "InvalidInput"}}
	hub := newHub(t, client, 2)

	batch := []compliance.Finding{
		testFinding("f-1", "a", compliance.FindingFailed),
		testFinding("f-2", "b", compliance.FindingFailed),
		testFinding("f-3", "c", compliance.FindingPassed),
	}
	res, err := hub.Submit(context.Background(), batch)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if len(client.calls) != 2 {
		t.Errorf("BatchImportFindings calls = %d, want 2", len(client.calls))
	}
	if res.Accepted != 2 || res.Rejected != 1 {
		t.Errorf("accepted/rejected = %d/%d, want 2/1", res.Accepted, res.Rejected)
	}
	if res.Items[1].FindingID != "f-2" || res.Items[1].ErrorCode != "InvalidInput" {
		t.Errorf("Items[1] = %+v, want rejected f-2", res.Items[1])
	}
}

// TestSecurityHub_ChunkFailure verifies a failed call rejects every item of its chunk.
func TestSecurityHub_ChunkFailure(t *testing.T) {
	client := &fakeHub{importErr: &smithy.GenericAPIError{Code: "InvalidAccessException", Message: "not subscribed"}}
	hub := newHub(t, client, 100)

	res, err := hub.Submit(context.Background(), []compliance.Finding{
		testFinding("f-1", "a", compliance.FindingFailed),
		testFinding("f-2", "b", compliance.FindingFailed),
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Rejected != 2 {
		t.Errorf("Rejected = %d, want 2", res.Rejected)
	}
	if len(client.calls) != 1 {
		t.Errorf("permanent error retried: calls = %d", len(client.calls))
	}
	if res.Items[0].ErrorCode != "InvalidAccessException" {
		t.Errorf("ErrorCode = %q", res.Items[0].ErrorCode)
	}
}

// TestSecurityHub_FindingFormat verifies the imported record fields.
func TestSecurityHub_FindingFormat(t *testing.T) {
	client := &fakeHub{}
	hub := newHub(t, client, 100)

	f := testFinding("f-err", "logs", compliance.FindingNotAvailable)
	f.Severity = compliance.SeverityError
	if _, err := hub.Submit(context.Background(), []compliance.Finding{f}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	got := client.calls[0][0]
	if got.Severity.Label != types.SeverityLabelHigh {
		t.Errorf("Severity = %s, want HIGH", got.Severity.Label)
	}
	if got.Compliance.Status != types.ComplianceStatusNotAvailable {
		t.Errorf("Compliance = %s, want NOT_AVAILABLE", got.Compliance.Status)
	}
	if id := aws.ToString(got.Resources[0].Id); id != "arn:aws:s3:::logs" {
		t.Errorf("resource id = %s", id)
	}
	if arn := aws.ToString(got.ProductArn); arn != "arn:aws:securityhub:us-east-1:111122223333:product/111122223333/default" {
		t.Errorf("ProductArn = %s", arn)
	}
	if got.ProductFields["remedyforge/Severity"] != "ERROR" {
		t.Errorf("ProductFields = %v", got.ProductFields)
	}
}

// TestSecurityHub_EnsureEnabled verifies an already-enabled hub counts as success.
func TestSecurityHub_EnsureEnabled(t *testing.T) {
	client := &fakeHub{enableErr: &smithy.GenericAPIError{Code: "ResourceConflictException"}}
	hub := newHub(t, client, 100)
	ctx := context.Background()

	if err := hub.EnsureEnabled(ctx); err != nil {
		t.Fatalf("EnsureEnabled() error = %v", err)
	}
	if err := hub.EnsureEnabled(ctx); err != nil {
		t.Fatalf("second EnsureEnabled() error = %v", err)
	}
	if client.enables != 1 {
		t.Errorf("EnableSecurityHub calls = %d, want 1", client.enables)
	}

	denied := newHub(t, &fakeHub{enableErr: &smithy.GenericAPIError{Code: "AccessDeniedException"}}, 100)
	if err := denied.EnsureEnabled(ctx); err == nil {
		t.Error("expected access denied to fail")
	}
}

// =============================================================================
// Forwarder Tests
// =============================================================================

type capturePublisher struct {
	envs []bus.Envelope
	err  error
}

func (c *capturePublisher) Publish(_ context.Context, envs ...bus.Envelope) error {
	c.envs = append(c.envs, envs...)
	return c.err
}

type failingAggregator struct{}

func (failingAggregator) Submit(context.Context, []compliance.Finding) (Result, error) {
	return Result{}, errors.New("unreachable")
}

func (failingAggregator) EnsureEnabled(context.Context) error { return nil }

// TestForwarder_PublishesAccepted verifies only accepted findings re-enter the bus.
func TestForwarder_PublishesAccepted(t *testing.T) {
	pub := &capturePublisher{}
	fw := NewForwarder(NewLogAggregator(10, zap.NewNop(), nil), pub, "aws", zap.NewNop())

	res, err := fw.Submit(context.Background(), []compliance.Finding{
		testFinding("f-1", "logs", compliance.FindingFailed),
		testFinding("", "bad", compliance.FindingFailed),
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Accepted != 1 {
		t.Fatalf("Accepted = %d, want 1", res.Accepted)
	}
	if len(pub.envs) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.envs))
	}

	env := pub.envs[0]
	if env.Source != bus.SourceSecurityFindings || env.DetailType != bus.DetailTypeFindingsImported {
		t.Errorf("envelope = %s/%s", env.Source, env.DetailType)
	}
	var detail bus.FindingsDetail
	if err := json.Unmarshal(env.Detail, &detail); err != nil {
		t.Fatalf("detail: %v", err)
	}
	if len(detail.Findings) != 1 || detail.Findings[0].ID != "f-1" {
		t.Errorf("detail findings = %+v", detail.Findings)
	}
}

// TestForwarder_PublishFailureIgnored verifies the submission result survives a bus outage.
func TestForwarder_PublishFailureIgnored(t *testing.T) {
	pub := &capturePublisher{err: errors.New("bus down")}
	fw := NewForwarder(NewLogAggregator(10, zap.NewNop(), nil), pub, "aws", zap.NewNop())

	res, err := fw.Submit(context.Background(), []compliance.Finding{testFinding("f-1", "logs", compliance.FindingFailed)})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Accepted != 1 {
		t.Errorf("Accepted = %d, want 1", res.Accepted)
	}
}

// TestForwarder_SubmitError verifies nothing is published when the backend call fails.
func TestForwarder_SubmitError(t *testing.T) {
	pub := &capturePublisher{}
	fw := NewForwarder(failingAggregator{}, pub, "aws", zap.NewNop())

	if _, err := fw.Submit(context.Background(), []compliance.Finding{testFinding("f-1", "logs", compliance.FindingFailed)}); err == nil {
		t.Fatal("expected error")
	}
	if len(pub.envs) != 0 {
		t.Errorf("published = %d, want 0", len(pub.envs))
	}
}
