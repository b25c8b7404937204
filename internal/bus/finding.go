package bus

import (
	"fmt"
	"time"

	"github.com/lvonguyen/remedyforge/internal/compliance"
)

// FindingsDetail is the detail of a findings-imported event.
type FindingsDetail struct {
	Findings []FindingRecord `json:"findings"`
}

// FindingRecord is the subset of the security finding format the pipeline reads.
type FindingRecord struct {
	SchemaVersion string            `json:"SchemaVersion,omitempty"`
	ID            string            `json:"Id"`
	ProductArn    string            `json:"ProductArn,omitempty"`
	GeneratorID   string            `json:"GeneratorId,omitempty"`
	AwsAccountID  string            `json:"AwsAccountId,omitempty"`
	Title         string            `json:"Title,omitempty"`
	Description   string            `json:"Description,omitempty"`
	CreatedAt     string            `json:"CreatedAt,omitempty"`
	UpdatedAt     string            `json:"UpdatedAt,omitempty"`
	Severity      FindingSeverity   `json:"Severity"`
	Compliance    FindingCompliance `json:"Compliance"`
	Resources     []FindingResource `json:"Resources"`
	ProductFields map[string]string `json:"ProductFields,omitempty"`
}

// FindingSeverity holds the severity label.
type FindingSeverity struct {
	Label string `json:"Label"`
}

// FindingCompliance holds the compliance status.
type FindingCompliance struct {
	Status string `json:"Status"`
}

// FindingResource identifies an affected resource.
type FindingResource struct {
	Type   string `json:"Type"`
	ID     string `json:"Id"`
	Region string `json:"Region,omitempty"`
}

// ToFinding converts the record into the domain finding. The resource id
// is the trailing segment of the resource ARN.
func (r FindingRecord) ToFinding(source string) (compliance.Finding, error) {
	if len(r.Resources) == 0 {
		return compliance.Finding{}, fmt.Errorf("finding %s has no resources", r.ID)
	}
	res := r.Resources[0]
	if res.ID == "" {
		return compliance.Finding{}, fmt.Errorf("finding %s resource has no id", r.ID)
	}

	detected := time.Time{}
	for _, ts := range []string{r.UpdatedAt, r.CreatedAt} {
		if ts == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			detected = t
			break
		}
	}

	return compliance.Finding{
		ID:           r.ID,
		SourceSystem: source,
		Resource: compliance.ResourceRef{
			ResourceType: compliance.ResourceTypeFromFinding(res.Type),
			ResourceID:   compliance.ResourceIDFromARN(res.ID),
			Account:      r.AwsAccountID,
			Region:       res.Region,
		},
		RuleID:      r.GeneratorID,
		Severity:    compliance.ParseSeverity(r.Severity.Label),
		Status:      compliance.FindingStatus(r.Compliance.Status),
		DetectedAt:  detected,
		Title:       r.Title,
		Description: r.Description,
	}, nil
}

// FindingRecordFrom renders a domain finding in the bus format.
func FindingRecordFrom(f compliance.Finding, partition string) FindingRecord {
	ts := f.DetectedAt.UTC().Format(time.RFC3339)
	return FindingRecord{
		SchemaVersion: "2018-10-08",
		ID:            f.ID,
		GeneratorID:   f.RuleID,
		AwsAccountID:  f.Resource.Account,
		Title:         f.Title,
		Description:   f.Description,
		CreatedAt:     ts,
		UpdatedAt:     ts,
		Severity:      FindingSeverity{Label: string(f.Severity)},
		Compliance:    FindingCompliance{Status: string(f.Status)},
		Resources: []FindingResource{{
			Type:   compliance.FindingResourceType(f.Resource.ResourceType),
			ID:     f.Resource.ARN(partition),
			Region: f.Resource.Region,
		}},
	}
}
