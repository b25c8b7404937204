// Package bus defines the message envelopes exchanged over the event bus and their publishers
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lvonguyen/remedyforge/internal/compliance"
)

// Sources and detail types of the events the pipeline produces and consumes.
const (
	SourceConfigEngine     = "config-engine"
	SourceSecurityFindings = "security-findings"
	SourceInventory        = "inventory"

	DetailTypeComplianceChange = "ComplianceChange"
	DetailTypeFindingsImported = "FindingsImported"
	DetailTypeResourceChange   = "ResourceChange"
)

// Envelope is an event on the bus, shaped like an EventBridge event.
type Envelope struct {
	Version    string          `json:"version,omitempty"`
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	DetailType string          `json:"detail-type"`
	Time       time.Time       `json:"time"`
	Account    string          `json:"account,omitempty"`
	Region     string          `json:"region,omitempty"`
	Resources  []string        `json:"resources,omitempty"`
	Detail     json.RawMessage `json:"detail"`
}

// Validate checks the fields routing depends on.
func (e Envelope) Validate() error {
	if e.Source == "" {
		return fmt.Errorf("envelope source is required")
	}
	if e.DetailType == "" {
		return fmt.Errorf("envelope detail-type is required")
	}
	if len(e.Detail) == 0 {
		return fmt.Errorf("envelope detail is required")
	}
	return nil
}

// NewEnvelope wraps detail in an envelope with a fresh id.
func NewEnvelope(source, detailType string, at time.Time, detail any) (Envelope, error) {
	raw, err := json.Marshal(detail)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s detail: %w", detailType, err)
	}
	return Envelope{
		Version:    "0",
		ID:         uuid.NewString(),
		Source:     source,
		DetailType: detailType,
		Time:       at.UTC(),
		Detail:     raw,
	}, nil
}

// ChangeEnvelope wraps a compliance-change event.
func ChangeEnvelope(source string, e compliance.ChangeEvent) (Envelope, error) {
	if source == "" {
		source = SourceConfigEngine
	}
	env, err := NewEnvelope(source, DetailTypeComplianceChange, e.OccurredAt, e)
	if err != nil {
		return Envelope{}, err
	}
	env.Account = e.Resource.Account
	env.Region = e.Resource.Region
	env.Resources = []string{e.Resource.ARN("")}
	return env, nil
}

// Publisher puts envelopes on the bus.
type Publisher interface {
	Publish(ctx context.Context, envs ...Envelope) error
}

// ChangeEmitter adapts a Publisher to emit compliance-change events.
type ChangeEmitter struct {
	Publisher Publisher
	Source    string
}

// Emit wraps e in an envelope and publishes it.
func (c ChangeEmitter) Emit(ctx context.Context, e compliance.ChangeEvent) error {
	env, err := ChangeEnvelope(c.Source, e)
	if err != nil {
		return err
	}
	return c.Publisher.Publish(ctx, env)
}
