package compliance

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Status is the compliance status of one resource under one rule
type Status string

const (
	StatusCompliant     Status = "COMPLIANT"
	StatusNonCompliant  Status = "NON_COMPLIANT"
	StatusNotApplicable Status = "NOT_APPLICABLE"
	StatusError         Status = "ERROR"
	// StatusUnknown is the previous status of a pair that has never been evaluated.
	StatusUnknown Status = "UNKNOWN"
)

// Valid reports whether s is a status a verdict may carry.
func (s Status) Valid() bool {
	switch s {
	case StatusCompliant, StatusNonCompliant, StatusNotApplicable, StatusError:
		return true
	}
	return false
}

// Verdict is the evaluation result for one resource under one rule
type Verdict struct {
	Resource    ResourceRef `json:"resource"`
	RuleID      string      `json:"rule_id"`
	Status      Status      `json:"status"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
	Annotation  string      `json:"annotation,omitempty"`
}

// PairKey identifies the (rule, resource) pair a verdict supersedes.
func (v Verdict) PairKey() string {
	return PairKey(v.RuleID, v.Resource)
}

// PairKey identifies a (rule, resource) pair.
func PairKey(ruleID string, ref ResourceRef) string {
	return ruleID + "|" + ref.Key()
}

// ChangeEvent is emitted once per status transition of a (rule, resource) pair
type ChangeEvent struct {
	RuleID         string      `json:"rule_id"`
	Resource       ResourceRef `json:"resource"`
	PreviousStatus Status      `json:"previous_status"`
	NewStatus      Status      `json:"new_status"`
	OccurredAt     time.Time   `json:"occurred_at"`
	Annotation     string      `json:"annotation,omitempty"`
}

// IdempotencyKey returns the key identifying this transition, with
// OccurredAt truncated to bucket so redeliveries collapse onto one key.
func (e ChangeEvent) IdempotencyKey(bucket time.Duration) string {
	at := e.OccurredAt.UTC()
	if bucket > 0 {
		at = at.Truncate(bucket)
	}
	components := []string{
		e.RuleID,
		e.Resource.Key(),
		string(e.NewStatus),
		strconv.FormatInt(at.Unix(), 10),
	}
	return hashKey(components)
}

// ChangeNotification is the inbound trigger from the resource change feed
type ChangeNotification struct {
	Resource   ResourceRef `json:"resource"`
	ChangeType string      `json:"change_type"`
	Timestamp  time.Time   `json:"timestamp"`
}

func hashKey(components []string) string {
	data := strings.Join(components, "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:16])
}
