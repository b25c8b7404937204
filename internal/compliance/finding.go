package compliance

import (
	"time"
)

// FindingStatus is the pass/fail vocabulary of externally sourced findings
type FindingStatus string

const (
	FindingPassed       FindingStatus = "PASSED"
	FindingFailed       FindingStatus = "FAILED"
	FindingWarning      FindingStatus = "WARNING"
	FindingNotAvailable FindingStatus = "NOT_AVAILABLE"
)

// Severity ranks findings and violations
type Severity string

const (
	SeverityInformational Severity = "INFORMATIONAL"
	SeverityLow           Severity = "LOW"
	SeverityMedium        Severity = "MEDIUM"
	SeverityHigh          Severity = "HIGH"
	SeverityCritical      Severity = "CRITICAL"
	// SeverityError marks findings raised because an evaluation could not complete.
	SeverityError Severity = "ERROR"
)

// ParseSeverity maps a label onto a Severity, defaulting to MEDIUM.
func ParseSeverity(label string) Severity {
	switch Severity(label) {
	case SeverityInformational, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical, SeverityError:
		return Severity(label)
	}
	return SeverityMedium
}

// Finding is a structured pass/fail assessment recorded in the findings aggregator
type Finding struct {
	ID           string        `json:"id"`
	SourceSystem string        `json:"source_system"`
	Resource     ResourceRef   `json:"resource"`
	RuleID       string        `json:"rule_id,omitempty"`
	Severity     Severity      `json:"severity"`
	Status       FindingStatus `json:"status"`
	DetectedAt   time.Time     `json:"detected_at"`
	Title        string        `json:"title,omitempty"`
	Description  string        `json:"description,omitempty"`
}

// GenerateDeduplicationKey generates a stable key for the finding's subject
func (f *Finding) GenerateDeduplicationKey() string {
	return hashKey([]string{
		f.SourceSystem,
		f.RuleID,
		f.Resource.Key(),
		string(f.Status),
	})
}

// DefaultFindingID builds the finding id used when the source supplies none.
func DefaultFindingID(ruleID string, ref ResourceRef) string {
	return ref.ResourceID + "/" + ruleID
}

// FindingFromVerdict builds the aggregator record for an evaluator verdict.
// Returns false for statuses that are not reported.
func FindingFromVerdict(source string, v Verdict) (Finding, bool) {
	f := Finding{
		ID:           DefaultFindingID(v.RuleID, v.Resource),
		SourceSystem: source,
		Resource:     v.Resource,
		RuleID:       v.RuleID,
		DetectedAt:   v.EvaluatedAt,
		Description:  v.Annotation,
	}

	switch v.Status {
	case StatusNonCompliant:
		f.Status = FindingFailed
		f.Severity = SeverityHigh
		f.Title = v.RuleID + ": resource is not compliant"
	case StatusCompliant:
		f.Status = FindingPassed
		f.Severity = SeverityInformational
		f.Title = v.RuleID + ": resource is compliant"
	case StatusError:
		f.Status = FindingNotAvailable
		f.Severity = SeverityError
		f.Title = v.RuleID + ": evaluation failed"
	default:
		return Finding{}, false
	}
	return f, true
}
