package compliance

import (
	"testing"
	"time"
)

// =============================================================================
// Resource Reference Tests
// =============================================================================

// TestResourceRef_KeyDistinguishesAccountAndRegion verifies that two
// resources with the same id in different accounts never share a key.
func TestResourceRef_KeyDistinguishesAccountAndRegion(t *testing.T) {
	a := ResourceRef{ResourceType: ResourceTypeEC2Instance, ResourceID: "i-1", Account: "111", Region: "us-east-1"}
	b := a
	b.Account = "222"
	c := a
	c.Region = "eu-west-1"

	if a.Key() == b.Key() {
		t.Error("keys must differ across accounts")
	}
	if a.Key() == c.Key() {
		t.Error("keys must differ across regions")
	}
	if a.Key() != (ResourceRef{ResourceType: ResourceTypeEC2Instance, ResourceID: "i-1", Account: "111", Region: "us-east-1"}).Key() {
		t.Error("key must be stable for equal references")
	}
}

// TestResourceRef_Validate verifies type and id are required.
func TestResourceRef_Validate(t *testing.T) {
	if err := (ResourceRef{ResourceID: "b"}).Validate(); err == nil {
		t.Error("expected error for missing type")
	}
	if err := (ResourceRef{ResourceType: ResourceTypeS3Bucket}).Validate(); err == nil {
		t.Error("expected error for missing id")
	}
	if err := (ResourceRef{ResourceType: ResourceTypeS3Bucket, ResourceID: "b"}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// TestResourceRef_ARN verifies ARN rendering per resource type and partition.
func TestResourceRef_ARN(t *testing.T) {
	tests := []struct {
		name      string
		ref       ResourceRef
		partition string
		want      string
	}{
		{
			name: "bucket default partition",
			ref:  ResourceRef{ResourceType: ResourceTypeS3Bucket, ResourceID: "logs", Account: "1", Region: "us-east-1"},
			want: "arn:aws:s3:::logs",
		},
		{
			name:      "instance govcloud",
			ref:       ResourceRef{ResourceType: ResourceTypeEC2Instance, ResourceID: "i-0abc", Account: "123", Region: "us-gov-west-1"},
			partition: "aws-us-gov",
			want:      "arn:aws-us-gov:ec2:us-gov-west-1:123:instance/i-0abc",
		},
		{
			name: "generic type",
			ref:  ResourceRef{ResourceType: "AWS::RDS::DBInstance", ResourceID: "db1", Account: "1", Region: "us-east-1"},
			want: "arn:aws:rds:us-east-1:1:dbinstance/db1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ref.ARN(tt.partition); got != tt.want {
				t.Errorf("ARN() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestResourceIDFromARN verifies the trailing identifier is extracted.
func TestResourceIDFromARN(t *testing.T) {
	tests := map[string]string{
		"arn:aws:ec2:us-east-1:1:instance/i-0abc": "i-0abc",
		"arn:aws:s3:::my-bucket":                  "my-bucket",
		"plain-id":                                "plain-id",
	}
	for in, want := range tests {
		if got := ResourceIDFromARN(in); got != want {
			t.Errorf("ResourceIDFromARN(%q) = %q, want %q", in, got, want)
		}
	}
}

// TestFindingResourceTypeRoundTrip verifies the finding type mapping in both
// directions and the pass-through for unknown types.
func TestFindingResourceTypeRoundTrip(t *testing.T) {
	if got := ResourceTypeFromFinding("AwsS3Bucket"); got != ResourceTypeS3Bucket {
		t.Errorf("got %q", got)
	}
	if got := FindingResourceType(ResourceTypeEC2Instance); got != "AwsEc2Instance" {
		t.Errorf("got %q", got)
	}
	if got := ResourceTypeFromFinding("AwsLambdaFunction"); got != "AwsLambdaFunction" {
		t.Errorf("unknown types should pass through, got %q", got)
	}
	if got := FindingResourceType("AWS::Lambda::Function"); got != "Other" {
		t.Errorf("got %q", got)
	}
}

// =============================================================================
// Change Event Tests
// =============================================================================

// TestIdempotencyKey_CollapsesWithinBucket verifies redeliveries of the same
// transition inside one bucket share a key, and a different transition does not.
func TestIdempotencyKey_CollapsesWithinBucket(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 10, 0, time.UTC)
	e := ChangeEvent{
		RuleID:         "rule",
		Resource:       ResourceRef{ResourceType: ResourceTypeS3Bucket, ResourceID: "b"},
		PreviousStatus: StatusCompliant,
		NewStatus:      StatusNonCompliant,
		OccurredAt:     base,
	}
	later := e
	later.OccurredAt = base.Add(3 * time.Minute)

	if e.IdempotencyKey(5*time.Minute) != later.IdempotencyKey(5*time.Minute) {
		t.Error("events in the same bucket should share an idempotency key")
	}
	if e.IdempotencyKey(0) == later.IdempotencyKey(0) {
		t.Error("without bucketing, distinct times should yield distinct keys")
	}

	other := e
	other.NewStatus = StatusCompliant
	if e.IdempotencyKey(5*time.Minute) == other.IdempotencyKey(5*time.Minute) {
		t.Error("different transitions must not share a key")
	}
}

// TestStatus_Valid verifies UNKNOWN is never a verdict status.
func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{StatusCompliant, StatusNonCompliant, StatusNotApplicable, StatusError} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if StatusUnknown.Valid() {
		t.Error("UNKNOWN should not be a valid verdict status")
	}
}

// =============================================================================
// Finding and Violation Tests
// =============================================================================

// TestFindingFromVerdict verifies the status and severity mapping, including
// ERROR verdicts surfacing as NOT_AVAILABLE findings.
func TestFindingFromVerdict(t *testing.T) {
	ref := ResourceRef{ResourceType: ResourceTypeS3Bucket, ResourceID: "b", Account: "1", Region: "us-east-1"}
	tests := []struct {
		status   Status
		want     FindingStatus
		severity Severity
		ok       bool
	}{
		{StatusNonCompliant, FindingFailed, SeverityHigh, true},
		{StatusCompliant, FindingPassed, SeverityInformational, true},
		{StatusError, FindingNotAvailable, SeverityError, true},
		{StatusNotApplicable, "", "", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			f, ok := FindingFromVerdict("src", Verdict{Resource: ref, RuleID: "r", Status: tt.status})
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if f.Status != tt.want || f.Severity != tt.severity {
				t.Errorf("got %s/%s, want %s/%s", f.Status, f.Severity, tt.want, tt.severity)
			}
			if f.ID != "b/r" {
				t.Errorf("ID = %q", f.ID)
			}
		})
	}
}

// TestGenerateDeduplicationKey verifies the key is stable and sensitive to status.
func TestGenerateDeduplicationKey(t *testing.T) {
	f := Finding{SourceSystem: "s", RuleID: "r", Status: FindingFailed,
		Resource: ResourceRef{ResourceType: ResourceTypeS3Bucket, ResourceID: "b"}}
	g := f
	if f.GenerateDeduplicationKey() != g.GenerateDeduplicationKey() {
		t.Error("equal findings should share a key")
	}
	g.Status = FindingPassed
	if f.GenerateDeduplicationKey() == g.GenerateDeduplicationKey() {
		t.Error("status change should change the key")
	}
}

// TestViolationFromChange verifies the dedupe key is the event idempotency key.
func TestViolationFromChange(t *testing.T) {
	e := ChangeEvent{
		RuleID:         "r",
		Resource:       ResourceRef{ResourceType: ResourceTypeS3Bucket, ResourceID: "b"},
		PreviousStatus: StatusUnknown,
		NewStatus:      StatusNonCompliant,
		OccurredAt:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Annotation:     "default encryption is not configured",
	}
	v := ViolationFromChange(e, time.Minute)
	if v.DedupeKey != e.IdempotencyKey(time.Minute) {
		t.Error("dedupe key should match the idempotency key")
	}
	if v.Origin != OriginChangeEvent || v.RuleID != "r" {
		t.Errorf("unexpected violation: %+v", v)
	}
	if v.Reason != "rule r transitioned UNKNOWN -> NON_COMPLIANT: default encryption is not configured" {
		t.Errorf("Reason = %q", v.Reason)
	}
}

// TestFindingFromOutcome verifies failed remediations are reported as
// WARNING so they do not match the failed-findings route again.
func TestFindingFromOutcome(t *testing.T) {
	o := Outcome{
		Resource: ResourceRef{ResourceType: ResourceTypeEC2Instance, ResourceID: "i-1"},
		RuleID:   "r",
		Action:   "tag",
		Result:   ResultFailed,
		Detail:   "giving up",
	}
	f := FindingFromOutcome("src", o)
	if f.Status != FindingWarning {
		t.Errorf("Status = %s, want WARNING", f.Status)
	}
	if f.ID != "i-1/r/remediation" {
		t.Errorf("ID = %q", f.ID)
	}
	if !o.Terminal() {
		t.Error("FAILED should be terminal")
	}
	if (Outcome{Result: ResultRetryScheduled}).Terminal() {
		t.Error("RETRY_SCHEDULED should not be terminal")
	}
}
