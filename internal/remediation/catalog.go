package remediation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/compliance"
	"github.com/lvonguyen/remedyforge/internal/routing"
)

// Clients holds the cloud APIs available to actions.
type Clients struct {
	S3  S3EncryptionAPI
	KMS KMSKeyAPI
	EC2 EC2TagAPI
}

// BuildAction constructs a named action from its parameters.
func BuildAction(name string, params map[string]string, clients Clients, logger *zap.Logger) (Action, error) {
	switch name {
	case ActionS3EnableCMKEncryption:
		if clients.S3 == nil || (clients.KMS == nil && params["key_id"] == "") {
			return nil, fmt.Errorf("action %s needs S3 and KMS clients", name)
		}
		return NewS3CMKEncryption(clients.S3, clients.KMS, S3CMKConfig{
			KeyID:          params["key_id"],
			KeyAlias:       params["key_alias"],
			KeyDescription: params["key_description"],
		}, logger), nil
	case ActionEC2ApplyTag:
		if clients.EC2 == nil {
			return nil, fmt.Errorf("action %s needs an EC2 client", name)
		}
		return NewEC2ApplyTag(clients.EC2, EC2TagConfig{
			Key:   params["key"],
			Value: params["value"],
		}, logger), nil
	}
	return nil, fmt.Errorf("unknown remediation action %q", name)
}

// Handler adapts the remediator to a routing target.
type Handler struct {
	remediator *Remediator
}

// NewHandler creates the routing handler.
func NewHandler(r *Remediator) *Handler {
	return &Handler{remediator: r}
}

// Handle implements routing.Handler. A FAILED outcome is returned as an
// error after it has been reported.
func (h *Handler) Handle(ctx context.Context, d routing.Dispatch) error {
	o := h.remediator.Remediate(ctx, d.Violation)
	if o.Result == compliance.ResultFailed {
		return fmt.Errorf("remediation of %s failed: %w", d.Violation.Resource, errors.New(o.Detail))
	}
	return nil
}
