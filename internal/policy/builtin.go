package policy

import (
	"github.com/lvonguyen/remedyforge/internal/compliance"
	"github.com/lvonguyen/remedyforge/internal/inventory"
)

// S3CMKEncryption requires default bucket encryption with a customer-managed KMS key.
func S3CMKEncryption() Predicate {
	return PredicateFunc(func(snap inventory.Snapshot) (Decision, error) {
		if !snap.Exists {
			return Decision{Status: compliance.StatusNotApplicable, Annotation: "bucket does not exist"}, nil
		}

		raw, ok := snap.Attributes[inventory.AttrEncryption]
		if !ok {
			return Decision{}, malformed("missing %q attribute", inventory.AttrEncryption)
		}
		enc, ok := raw.(map[string]any)
		if !ok {
			return Decision{}, malformed("%q attribute has type %T", inventory.AttrEncryption, raw)
		}
		if len(enc) == 0 {
			return Decision{Status: compliance.StatusNonCompliant, Annotation: "default encryption is not configured"}, nil
		}

		algorithm, _ := enc[inventory.AttrAlgorithm].(string)
		if algorithm != "aws:kms" && algorithm != "aws:kms:dsse" {
			return Decision{
				Status:     compliance.StatusNonCompliant,
				Annotation: "bucket is encrypted with " + algorithm + " instead of a KMS key",
			}, nil
		}

		manager, _ := enc[inventory.AttrKeyManager].(string)
		switch manager {
		case inventory.KeyManagerOwned:
			return Decision{Status: compliance.StatusCompliant}, nil
		case inventory.KeyManagerAWS:
			return Decision{Status: compliance.StatusNonCompliant, Annotation: "bucket uses an AWS-managed KMS key"}, nil
		default:
			return Decision{Status: compliance.StatusNonCompliant, Annotation: "bucket KMS key could not be resolved"}, nil
		}
	})
}

// RequiredTag requires the resource to carry the given tag key.
func RequiredTag(key string) Predicate {
	return PredicateFunc(func(snap inventory.Snapshot) (Decision, error) {
		if !snap.Exists {
			return Decision{Status: compliance.StatusNotApplicable, Annotation: "resource does not exist"}, nil
		}
		if state, _ := snap.Attributes[inventory.AttrState].(string); state == "terminated" || state == "shutting-down" {
			return Decision{Status: compliance.StatusNotApplicable, Annotation: "instance is " + state}, nil
		}

		raw, ok := snap.Attributes[inventory.AttrTags]
		if !ok {
			return Decision{Status: compliance.StatusNonCompliant, Annotation: "required tag " + key + " is missing"}, nil
		}
		tags, ok := raw.(map[string]any)
		if !ok {
			return Decision{}, malformed("%q attribute has type %T", inventory.AttrTags, raw)
		}
		if _, ok := tags[key]; !ok {
			return Decision{Status: compliance.StatusNonCompliant, Annotation: "required tag " + key + " is missing"}, nil
		}
		return Decision{Status: compliance.StatusCompliant}, nil
	})
}
