// Package compliance provides the domain model shared by the detection and remediation pipeline
package compliance

import (
	"fmt"
	"strings"
)

// Resource types understood by the built-in rules and actions
const (
	ResourceTypeS3Bucket    = "AWS::S3::Bucket"
	ResourceTypeEC2Instance = "AWS::EC2::Instance"
)

// findingResourceTypes maps finding-format resource types onto inventory resource types
var findingResourceTypes = map[string]string{
	"AwsS3Bucket":    ResourceTypeS3Bucket,
	"AwsEc2Instance": ResourceTypeEC2Instance,
}

// ResourceRef is the immutable identity of an evaluated resource
type ResourceRef struct {
	ResourceType string `json:"resource_type" yaml:"resource_type"`
	ResourceID   string `json:"resource_id" yaml:"resource_id"`
	Account      string `json:"account,omitempty" yaml:"account"`
	Region       string `json:"region,omitempty" yaml:"region"`
}

// Key returns a canonical string form usable as a storage or dedupe key component.
func (r ResourceRef) Key() string {
	return strings.Join([]string{r.ResourceType, r.Account, r.Region, r.ResourceID}, "|")
}

// String implements fmt.Stringer.
func (r ResourceRef) String() string {
	return r.ResourceType + "/" + r.ResourceID
}

// Validate checks the reference carries a type and an id.
func (r ResourceRef) Validate() error {
	if r.ResourceType == "" {
		return fmt.Errorf("resource type is required")
	}
	if r.ResourceID == "" {
		return fmt.Errorf("resource id is required")
	}
	return nil
}

// ARN renders the resource ARN in the given partition. Least-privilege
// scopes are expressed as patterns over this value.
func (r ResourceRef) ARN(partition string) string {
	if partition == "" {
		partition = "aws"
	}
	switch r.ResourceType {
	case ResourceTypeS3Bucket:
		return fmt.Sprintf("arn:%s:s3:::%s", partition, r.ResourceID)
	case ResourceTypeEC2Instance:
		return fmt.Sprintf("arn:%s:ec2:%s:%s:instance/%s", partition, r.Region, r.Account, r.ResourceID)
	}

	parts := strings.Split(r.ResourceType, "::")
	service, kind := "unknown", "resource"
	if len(parts) == 3 {
		service = strings.ToLower(parts[1])
		kind = strings.ToLower(parts[2])
	}
	return fmt.Sprintf("arn:%s:%s:%s:%s:%s/%s", partition, service, r.Region, r.Account, kind, r.ResourceID)
}

// ResourceIDFromARN extracts the trailing identifier from an ARN or
// finding resource id, e.g. "arn:aws:ec2:us-east-1:1:instance/i-0abc" -> "i-0abc".
func ResourceIDFromARN(arn string) string {
	parts := strings.Split(arn, ":")
	last := parts[len(parts)-1]
	segments := strings.Split(last, "/")
	return segments[len(segments)-1]
}

// ResourceTypeFromFinding maps a finding resource type such as "AwsS3Bucket"
// to an inventory resource type. Unknown types are returned unchanged.
func ResourceTypeFromFinding(findingType string) string {
	if t, ok := findingResourceTypes[findingType]; ok {
		return t
	}
	return findingType
}

// FindingResourceType is the inverse of ResourceTypeFromFinding.
func FindingResourceType(resourceType string) string {
	for k, v := range findingResourceTypes {
		if v == resourceType {
			return k
		}
	}
	return "Other"
}
