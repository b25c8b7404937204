package remediation

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/compliance"
)

// ActionEC2ApplyTag is the name of the EC2 tagging action.
const ActionEC2ApplyTag = "ec2-apply-environment-tag"

// EC2TagAPI is the subset of the EC2 client used to tag instances.
type EC2TagAPI interface {
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
}

// EC2TagConfig configures the tag written to non-compliant instances.
type EC2TagConfig struct {
	Key   string
	Value string
}

// EC2ApplyTag writes a fixed tag onto an instance. CreateTags overwrites,
// so repeating it is harmless.
type EC2ApplyTag struct {
	ec2    EC2TagAPI
	config EC2TagConfig
	logger *zap.Logger
}

// NewEC2ApplyTag creates the action.
func NewEC2ApplyTag(client EC2TagAPI, cfg EC2TagConfig, logger *zap.Logger) *EC2ApplyTag {
	if cfg.Key == "" {
		cfg.Key = "Environment"
	}
	if cfg.Value == "" {
		cfg.Value = "Unknown"
	}
	return &EC2ApplyTag{ec2: client, config: cfg, logger: logger.Named("ec2-tag")}
}

func (a *EC2ApplyTag) Name() string              { return ActionEC2ApplyTag }
func (a *EC2ApplyTag) ResourceType() string      { return compliance.ResourceTypeEC2Instance }
func (a *EC2ApplyTag) RequiredActions() []string { return []string{"ec2:CreateTags"} }

// Apply implements Action.
func (a *EC2ApplyTag) Apply(ctx context.Context, ref compliance.ResourceRef) error {
	_, err := a.ec2.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{ref.ResourceID},
		Tags: []ec2types.Tag{{
			Key:   aws.String(a.config.Key),
			Value: aws.String(a.config.Value),
		}},
	})
	if err != nil {
		return classifyAPI("ec2.CreateTags", err)
	}
	a.logger.Info("Instance tagged",
		zap.String("instance", ref.ResourceID),
		zap.String("key", a.config.Key),
		zap.String("value", a.config.Value),
	)
	return nil
}
