package findings

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/securityhub"
	"github.com/aws/aws-sdk-go-v2/service/securityhub/types"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/compliance"
	"github.com/lvonguyen/remedyforge/internal/faults"
	"github.com/lvonguyen/remedyforge/internal/observability"
)

// SecurityHubAPI is the subset of the Security Hub client used by the aggregator.
type SecurityHubAPI interface {
	BatchImportFindings(ctx context.Context, params *securityhub.BatchImportFindingsInput, optFns ...func(*securityhub.Options)) (*securityhub.BatchImportFindingsOutput, error)
	EnableSecurityHub(ctx context.Context, params *securityhub.EnableSecurityHubInput, optFns ...func(*securityhub.Options)) (*securityhub.EnableSecurityHubOutput, error)
}

// SecurityHubConfig configures the Security Hub aggregator.
type SecurityHubConfig struct {
	AccountID  string
	Region     string
	Partition  string
	ProductARN string
	BatchSize  int
	RetryCount int
	Timeout    time.Duration
}

// DefaultSecurityHubConfig returns sensible defaults.
func DefaultSecurityHubConfig() SecurityHubConfig {
	return SecurityHubConfig{
		Partition:  "aws",
		BatchSize:  100,
		RetryCount: 3,
		Timeout:    30 * time.Second,
	}
}

const (
	schemaVersion      = "2018-10-08"
	findingType        = "Software and Configuration Checks/AWS Security Best Practices"
	productFieldPrefix = "remedyforge/"
)

// SecurityHub imports findings into AWS Security Hub.
type SecurityHub struct {
	client  SecurityHubAPI
	config  SecurityHubConfig
	logger  *zap.Logger
	metrics *observability.Metrics
	enabled atomic.Bool
}

// NewSecurityHub creates a Security Hub aggregator.
func NewSecurityHub(client SecurityHubAPI, cfg SecurityHubConfig, logger *zap.Logger, metrics *observability.Metrics) (*SecurityHub, error) {
	def := DefaultSecurityHubConfig()
	if cfg.AccountID == "" || cfg.Region == "" {
		return nil, fmt.Errorf("security hub account id and region are required")
	}
	if cfg.Partition == "" {
		cfg.Partition = def.Partition
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > def.BatchSize {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ProductARN == "" {
		cfg.ProductARN = fmt.Sprintf("arn:%s:securityhub:%s:%s:product/%s/default",
			cfg.Partition, cfg.Region, cfg.AccountID, cfg.AccountID)
	}
	return &SecurityHub{
		client:  client,
		config:  cfg,
		logger:  logger.Named("securityhub"),
		metrics: metrics,
	}, nil
}

// EnsureEnabled implements Aggregator. An already-enabled hub is success.
func (s *SecurityHub) EnsureEnabled(ctx context.Context) error {
	if s.enabled.Load() {
		return nil
	}
	_, err := s.client.EnableSecurityHub(ctx, &securityhub.EnableSecurityHubInput{
		EnableDefaultStandards: aws.Bool(false),
	})
	if err != nil && faults.ErrorCode(err) != "ResourceConflictException" {
		return fmt.Errorf("failed to enable security hub: %w", err)
	}
	s.enabled.Store(true)
	s.logger.Info("Security Hub enabled", zap.String("account", s.config.AccountID))
	return nil
}

// Submit implements Aggregator. Batches larger than the API limit are split;
// a chunk whose call fails after retries marks each of its items rejected.
func (s *SecurityHub) Submit(ctx context.Context, batch []compliance.Finding) (Result, error) {
	var res Result
	for start := 0; start < len(batch); start += s.config.BatchSize {
		end := min(start+s.config.BatchSize, len(batch))
		chunk := batch[start:end]

		items, err := s.importChunk(ctx, chunk)
		if err != nil {
			if ctx.Err() != nil {
				return res, err
			}
			s.logger.Error("Failed to import findings chunk", zap.Int("size", len(chunk)), zap.Error(err))
			for _, f := range chunk {
				res.add(ItemResult{FindingID: f.ID, ErrorCode: faults.ErrorCode(err), ErrorMessage: err.Error()})
			}
			continue
		}
		for _, item := range items {
			res.add(item)
		}
	}

	s.metrics.AddFindings("accepted", res.Accepted)
	s.metrics.AddFindings("rejected", res.Rejected)
	return res, nil
}

func (s *SecurityHub) importChunk(ctx context.Context, chunk []compliance.Finding) ([]ItemResult, error) {
	input := &securityhub.BatchImportFindingsInput{
		Findings: make([]types.AwsSecurityFinding, 0, len(chunk)),
	}
	for _, f := range chunk {
		input.Findings = append(input.Findings, s.toASFF(f))
	}

	var out *securityhub.BatchImportFindingsOutput
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
		var err error
		out, err = s.client.BatchImportFindings(callCtx, input)
		if err != nil && !faults.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.config.RetryCount)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("BatchImportFindings failed: %w", err)
	}

	failed := make(map[string]types.ImportFindingsError, len(out.FailedFindings))
	for _, ff := range out.FailedFindings {
		failed[aws.ToString(ff.Id)] = ff
	}

	items := make([]ItemResult, 0, len(chunk))
	for _, f := range chunk {
		if ff, ok := failed[f.ID]; ok {
			items = append(items, ItemResult{
				FindingID:    f.ID,
				ErrorCode:    aws.ToString(ff.ErrorCode),
				ErrorMessage: aws.ToString(ff.ErrorMessage),
			})
			continue
		}
		items = append(items, ItemResult{FindingID: f.ID, Accepted: true})
	}
	return items, nil
}

// toASFF converts a finding into the Security Hub finding format.
func (s *SecurityHub) toASFF(f compliance.Finding) types.AwsSecurityFinding {
	detected := f.DetectedAt
	if detected.IsZero() {
		detected = time.Now()
	}
	ts := detected.UTC().Format(time.RFC3339)

	account := f.Resource.Account
	if account == "" {
		account = s.config.AccountID
	}
	region := f.Resource.Region
	if region == "" {
		region = s.config.Region
	}
	title := f.Title
	if title == "" {
		title = f.RuleID
	}
	description := f.Description
	if description == "" {
		description = title
	}

	return types.AwsSecurityFinding{
		SchemaVersion: aws.String(schemaVersion),
		Id:            aws.String(f.ID),
		ProductArn:    aws.String(s.config.ProductARN),
		GeneratorId:   aws.String(f.RuleID),
		AwsAccountId:  aws.String(account),
		Types:         []string{findingType},
		CreatedAt:     aws.String(ts),
		UpdatedAt:     aws.String(ts),
		Title:         aws.String(title),
		Description:   aws.String(description),
		Severity:      &types.Severity{Label: severityLabel(f.Severity)},
		Compliance:    &types.Compliance{Status: types.ComplianceStatus(f.Status)},
		Resources: []types.Resource{{
			Type:      aws.String(compliance.FindingResourceType(f.Resource.ResourceType)),
			Id:        aws.String(f.Resource.ARN(s.config.Partition)),
			Region:    aws.String(region),
			Partition: types.Partition(s.config.Partition),
		}},
		ProductFields: map[string]string{
			productFieldPrefix + "Severity":     string(f.Severity),
			productFieldPrefix + "SourceSystem": f.SourceSystem,
			productFieldPrefix + "ResourceType": f.Resource.ResourceType,
		},
	}
}

func severityLabel(s compliance.Severity) types.SeverityLabel {
	switch s {
	case compliance.SeverityInformational:
		return types.SeverityLabelInformational
	case compliance.SeverityLow:
		return types.SeverityLabelLow
	case compliance.SeverityMedium:
		return types.SeverityLabelMedium
	case compliance.SeverityCritical:
		return types.SeverityLabelCritical
	default:
		// HIGH, and ERROR which has no native label.
		return types.SeverityLabelHigh
	}
}
