package remediation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/compliance"
	"github.com/lvonguyen/remedyforge/internal/faults"
)

// ActionS3EnableCMKEncryption is the name of the S3 default-encryption action.
const ActionS3EnableCMKEncryption = "s3-enable-cmk-encryption"

// S3EncryptionAPI is the subset of the S3 client used to set default encryption.
type S3EncryptionAPI interface {
	PutBucketEncryption(ctx context.Context, params *s3.PutBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.PutBucketEncryptionOutput, error)
}

// KMSKeyAPI is the subset of the KMS client used to find or create the
// remediation key.
type KMSKeyAPI interface {
	ListAliases(ctx context.Context, params *kms.ListAliasesInput, optFns ...func(*kms.Options)) (*kms.ListAliasesOutput, error)
	CreateKey(ctx context.Context, params *kms.CreateKeyInput, optFns ...func(*kms.Options)) (*kms.CreateKeyOutput, error)
	CreateAlias(ctx context.Context, params *kms.CreateAliasInput, optFns ...func(*kms.Options)) (*kms.CreateAliasOutput, error)
}

// S3CMKConfig configures the S3 encryption action.
type S3CMKConfig struct {
	// KeyID pins an existing key and skips alias lookup.
	KeyID          string
	KeyAlias       string
	KeyDescription string
}

// S3CMKEncryption sets bucket default encryption to SSE-KMS under a
// customer-managed key, creating the key on first use.
type S3CMKEncryption struct {
	s3     S3EncryptionAPI
	kms    KMSKeyAPI
	config S3CMKConfig
	logger *zap.Logger

	mu    sync.Mutex
	keyID string
}

// NewS3CMKEncryption creates the action.
func NewS3CMKEncryption(s3Client S3EncryptionAPI, kmsClient KMSKeyAPI, cfg S3CMKConfig, logger *zap.Logger) *S3CMKEncryption {
	if cfg.KeyAlias == "" {
		cfg.KeyAlias = "alias/remediate"
	}
	if cfg.KeyDescription == "" {
		cfg.KeyDescription = "Key for encrypting S3 bucket"
	}
	return &S3CMKEncryption{
		s3:     s3Client,
		kms:    kmsClient,
		config: cfg,
		logger: logger.Named("s3-cmk"),
		keyID:  cfg.KeyID,
	}
}

// Name implements Action.
func (a *S3CMKEncryption) Name() string { return ActionS3EnableCMKEncryption }

// ResourceType implements Action.
func (a *S3CMKEncryption) ResourceType() string { return compliance.ResourceTypeS3Bucket }

// RequiredActions implements Action.
func (a *S3CMKEncryption) RequiredActions() []string {
	actions := []string{"s3:PutEncryptionConfiguration"}
	if a.config.KeyID == "" {
		actions = append(actions, "kms:ListAliases", "kms:CreateKey", "kms:CreateAlias")
	}
	return actions
}

// Apply implements Action.
func (a *S3CMKEncryption) Apply(ctx context.Context, ref compliance.ResourceRef) error {
	keyID, err := a.resolveKey(ctx)
	if err != nil {
		return err
	}

	_, err = a.s3.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
		Bucket: aws.String(ref.ResourceID),
		ServerSideEncryptionConfiguration: &s3types.ServerSideEncryptionConfiguration{
			Rules: []s3types.ServerSideEncryptionRule{{
				ApplyServerSideEncryptionByDefault: &s3types.ServerSideEncryptionByDefault{
					SSEAlgorithm:   s3types.ServerSideEncryptionAwsKms,
					KMSMasterKeyID: aws.String(keyID),
				},
				BucketKeyEnabled: aws.Bool(true),
			}},
		},
	})
	if err != nil {
		return classifyAPI("s3.PutBucketEncryption", err)
	}

	a.logger.Info("Bucket default encryption set",
		zap.String("bucket", ref.ResourceID),
		zap.String("key_id", keyID),
	)
	return nil
}

// resolveKey returns the configured key, the key behind the alias, or a
// newly created key bound to the alias.
func (a *S3CMKEncryption) resolveKey(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.keyID != "" {
		return a.keyID, nil
	}

	keyID, err := a.lookupAlias(ctx)
	if err != nil {
		return "", err
	}
	if keyID != "" {
		a.keyID = keyID
		return keyID, nil
	}

	created, err := a.kms.CreateKey(ctx, &kms.CreateKeyInput{
		Description: aws.String(a.config.KeyDescription),
		KeyUsage:    kmstypes.KeyUsageTypeEncryptDecrypt,
		Tags: []kmstypes.Tag{{
			TagKey:   aws.String("ManagedBy"),
			TagValue: aws.String("remedyforge"),
		}},
	})
	if err != nil {
		return "", classifyAPI("kms.CreateKey", err)
	}
	if created.KeyMetadata == nil {
		return "", faults.Permanent("kms.CreateKey", errors.New("response carried no key metadata"))
	}
	keyID = aws.ToString(created.KeyMetadata.KeyId)

	_, err = a.kms.CreateAlias(ctx, &kms.CreateAliasInput{
		AliasName:   aws.String(a.config.KeyAlias),
		TargetKeyId: aws.String(keyID),
	})
	var exists *kmstypes.AlreadyExistsException
	switch {
	case errors.As(err, &exists):
		// Another replica won the race; converge on its key.
		winner, lerr := a.lookupAlias(ctx)
		if lerr != nil {
			return "", lerr
		}
		if winner == "" {
			return "", faults.Transient("kms.CreateAlias", fmt.Errorf("alias %s exists but is not listed yet", a.config.KeyAlias))
		}
		a.logger.Warn("Remediation key alias already existed, orphaned key left for cleanup",
			zap.String("alias", a.config.KeyAlias),
			zap.String("orphaned_key_id", keyID),
		)
		keyID = winner
	case err != nil:
		return "", classifyAPI("kms.CreateAlias", err)
	default:
		a.logger.Info("Created remediation key",
			zap.String("alias", a.config.KeyAlias),
			zap.String("key_id", keyID),
		)
	}

	a.keyID = keyID
	return keyID, nil
}

func (a *S3CMKEncryption) lookupAlias(ctx context.Context) (string, error) {
	pages := kms.NewListAliasesPaginator(a.kms, &kms.ListAliasesInput{})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return "", classifyAPI("kms.ListAliases", err)
		}
		for _, alias := range page.Aliases {
			if aws.ToString(alias.AliasName) == a.config.KeyAlias && alias.TargetKeyId != nil {
				return aws.ToString(alias.TargetKeyId), nil
			}
		}
	}
	return "", nil
}

// classifyAPI wraps an AWS error with its fault kind.
func classifyAPI(op string, err error) error {
	if faults.IsTransient(err) {
		return faults.Transient(op, err)
	}
	return faults.Permanent(op, err)
}
