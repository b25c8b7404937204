package compliance

import (
	"time"
)

// Origin names the signal a violation was normalized from
type Origin string

const (
	OriginChangeEvent Origin = "change_event"
	OriginFinding     Origin = "finding"
)

// Violation is the router-normalized signal dispatched to the remediator and notifier
type Violation struct {
	Resource   ResourceRef `json:"resource"`
	RuleID     string      `json:"rule_id,omitempty"`
	Reason     string      `json:"reason"`
	Severity   Severity    `json:"severity"`
	DedupeKey  string      `json:"dedupe_key"`
	Origin     Origin      `json:"origin"`
	DetectedAt time.Time   `json:"detected_at"`
}

// ViolationFromChange normalizes a compliance-change event.
func ViolationFromChange(e ChangeEvent, bucket time.Duration) Violation {
	reason := "rule " + e.RuleID + " transitioned " + string(e.PreviousStatus) + " -> " + string(e.NewStatus)
	if e.Annotation != "" {
		reason += ": " + e.Annotation
	}
	return Violation{
		Resource:   e.Resource,
		RuleID:     e.RuleID,
		Reason:     reason,
		Severity:   SeverityHigh,
		DedupeKey:  e.IdempotencyKey(bucket),
		Origin:     OriginChangeEvent,
		DetectedAt: e.OccurredAt,
	}
}

// ViolationFromFinding normalizes an externally sourced finding.
func ViolationFromFinding(f Finding) Violation {
	reason := f.Title
	if reason == "" {
		reason = "finding " + f.ID + " reported " + string(f.Status)
	}
	return Violation{
		Resource:   f.Resource,
		RuleID:     f.RuleID,
		Reason:     reason,
		Severity:   f.Severity,
		DedupeKey:  f.GenerateDeduplicationKey(),
		Origin:     OriginFinding,
		DetectedAt: f.DetectedAt,
	}
}

// Result is the remediation outcome vocabulary
type Result string

const (
	ResultApplied                 Result = "APPLIED"
	ResultSkippedAlreadyCompliant Result = "SKIPPED_ALREADY_COMPLIANT"
	ResultFailed                  Result = "FAILED"
	ResultRetryScheduled          Result = "RETRY_SCHEDULED"
)

// Outcome reports what the remediator did for one violation
type Outcome struct {
	Resource      ResourceRef `json:"resource"`
	RuleID        string      `json:"rule_id,omitempty"`
	Action        string      `json:"action"`
	Result        Result      `json:"result"`
	AppliedAt     time.Time   `json:"applied_at"`
	Detail        string      `json:"detail,omitempty"`
	Attempt       int         `json:"attempt"`
	NextAttemptAt time.Time   `json:"next_attempt_at,omitempty"`
}

// Terminal reports whether no further attempt will follow this outcome.
func (o Outcome) Terminal() bool {
	return o.Result != ResultRetryScheduled
}

// FindingFromOutcome builds the aggregator record for a failed remediation.
func FindingFromOutcome(source string, o Outcome) Finding {
	return Finding{
		ID:           DefaultFindingID(o.RuleID+"/remediation", o.Resource),
		SourceSystem: source,
		Resource:     o.Resource,
		RuleID:       o.RuleID,
		Severity:     SeverityHigh,
		Status:       FindingWarning,
		DetectedAt:   o.AppliedAt,
		Title:        "Remediation " + o.Action + " failed",
		Description:  o.Detail,
	}
}
