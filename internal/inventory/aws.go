package inventory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/compliance"
	"github.com/lvonguyen/remedyforge/internal/faults"
)

// S3API is the subset of the S3 client used to read bucket configuration.
type S3API interface {
	GetBucketEncryption(ctx context.Context, params *s3.GetBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.GetBucketEncryptionOutput, error)
}

// KMSAPI is the subset of the KMS client used to classify encryption keys.
type KMSAPI interface {
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

// EC2API is the subset of the EC2 client used to read instance configuration.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// Attribute keys written by AWSFetcher.
const (
	AttrEncryption  = "encryption"
	AttrAlgorithm   = "algorithm"
	AttrKMSKeyID    = "kms_key_id"
	AttrKeyManager  = "key_manager"
	AttrBucketKey   = "bucket_key_enabled"
	AttrTags        = "tags"
	AttrState       = "state"
	KeyManagerAWS   = "AWS"
	KeyManagerOwned = "CUSTOMER"
)

const awsManagedAliasPrefix = "alias/aws/"

// AWSFetcher reads live resource configuration from AWS APIs.
type AWSFetcher struct {
	s3     S3API
	kms    KMSAPI
	ec2    EC2API
	logger *zap.Logger
	now    func() time.Time
}

// NewAWSFetcher creates a fetcher backed by the given service clients.
func NewAWSFetcher(s3Client S3API, kmsClient KMSAPI, ec2Client EC2API, logger *zap.Logger) *AWSFetcher {
	return &AWSFetcher{
		s3:     s3Client,
		kms:    kmsClient,
		ec2:    ec2Client,
		logger: logger.Named("inventory"),
		now:    time.Now,
	}
}

// Fetch implements Fetcher.
func (f *AWSFetcher) Fetch(ctx context.Context, ref compliance.ResourceRef) (Snapshot, error) {
	switch ref.ResourceType {
	case compliance.ResourceTypeS3Bucket:
		return f.fetchBucket(ctx, ref)
	case compliance.ResourceTypeEC2Instance:
		return f.fetchInstance(ctx, ref)
	default:
		return Snapshot{}, faults.Permanent("inventory.fetch", fmt.Errorf("%w: %s", ErrUnsupportedType, ref.ResourceType))
	}
}

func (f *AWSFetcher) fetchBucket(ctx context.Context, ref compliance.ResourceRef) (Snapshot, error) {
	snap := Snapshot{
		Resource:   ref,
		CapturedAt: f.now(),
		Exists:     true,
		Attributes: map[string]any{},
	}

	out, err := f.s3.GetBucketEncryption(ctx, &s3.GetBucketEncryptionInput{
		Bucket: aws.String(ref.ResourceID),
	})
	if err != nil {
		switch faults.ErrorCode(err) {
		case "NoSuchBucket":
			snap.Exists = false
			return snap, nil
		case "ServerSideEncryptionConfigurationNotFoundError":
			snap.Attributes[AttrEncryption] = map[string]any{}
			return snap, nil
		}
		return Snapshot{}, classify("s3.GetBucketEncryption", err)
	}

	enc := map[string]any{}
	if out.ServerSideEncryptionConfiguration != nil {
		for _, rule := range out.ServerSideEncryptionConfiguration.Rules {
			def := rule.ApplyServerSideEncryptionByDefault
			if def == nil {
				continue
			}
			enc[AttrAlgorithm] = string(def.SSEAlgorithm)
			enc[AttrBucketKey] = aws.ToBool(rule.BucketKeyEnabled)
			keyID := aws.ToString(def.KMSMasterKeyID)
			if keyID != "" {
				enc[AttrKMSKeyID] = keyID
				manager, err := f.keyManager(ctx, keyID)
				if err != nil {
					return Snapshot{}, err
				}
				enc[AttrKeyManager] = manager
			}
			break
		}
	}
	snap.Attributes[AttrEncryption] = enc
	return snap, nil
}

// keyManager reports whether a key is AWS-managed or customer-managed.
func (f *AWSFetcher) keyManager(ctx context.Context, keyID string) (string, error) {
	if strings.Contains(keyID, awsManagedAliasPrefix) {
		return KeyManagerAWS, nil
	}

	out, err := f.kms.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		if faults.ErrorCode(err) == "NotFoundException" {
			f.logger.Warn("Bucket encryption key not found", zap.String("key_id", keyID))
			return "", nil
		}
		return "", classify("kms.DescribeKey", err)
	}
	if out.KeyMetadata == nil {
		return "", nil
	}
	return string(out.KeyMetadata.KeyManager), nil
}

func (f *AWSFetcher) fetchInstance(ctx context.Context, ref compliance.ResourceRef) (Snapshot, error) {
	snap := Snapshot{
		Resource:   ref,
		CapturedAt: f.now(),
		Exists:     true,
		Attributes: map[string]any{},
	}

	out, err := f.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{ref.ResourceID},
	})
	if err != nil {
		switch faults.ErrorCode(err) {
		case "InvalidInstanceID.NotFound":
			snap.Exists = false
			return snap, nil
		case "InvalidInstanceID.Malformed":
			return Snapshot{}, faults.Permanent("ec2.DescribeInstances", err)
		}
		return Snapshot{}, classify("ec2.DescribeInstances", err)
	}

	instance, ok := findInstance(out.Reservations, ref.ResourceID)
	if !ok {
		snap.Exists = false
		return snap, nil
	}

	tags := make(map[string]any, len(instance.Tags))
	for _, t := range instance.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	snap.Attributes[AttrTags] = tags
	if instance.State != nil {
		snap.Attributes[AttrState] = string(instance.State.Name)
	}
	return snap, nil
}

func findInstance(reservations []ec2types.Reservation, id string) (ec2types.Instance, bool) {
	for _, r := range reservations {
		for _, i := range r.Instances {
			if aws.ToString(i.InstanceId) == id {
				return i, true
			}
		}
	}
	return ec2types.Instance{}, false
}

func classify(op string, err error) error {
	if faults.IsTransient(err) {
		return faults.Transient(op, err)
	}
	return faults.Permanent(op, err)
}
