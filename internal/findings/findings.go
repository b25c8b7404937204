// Package findings submits structured findings to the central security findings aggregator
package findings

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/compliance"
	"github.com/lvonguyen/remedyforge/internal/observability"
)

// ItemResult is the per-finding status of a batch submission.
type ItemResult struct {
	FindingID    string `json:"finding_id"`
	Accepted     bool   `json:"accepted"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Result summarizes a batch submission. A batch where some items were
// rejected is not an error; callers inspect Items.
type Result struct {
	Items    []ItemResult `json:"items"`
	Accepted int          `json:"accepted"`
	Rejected int          `json:"rejected"`
}

// Partial reports whether some but not all items were accepted.
func (r Result) Partial() bool {
	return r.Accepted > 0 && r.Rejected > 0
}

func (r *Result) add(item ItemResult) {
	r.Items = append(r.Items, item)
	if item.Accepted {
		r.Accepted++
	} else {
		r.Rejected++
	}
}

// Aggregator ingests findings.
type Aggregator interface {
	// Submit imports a batch, returning per-item status. The error is
	// non-nil only when the call as a whole could not be made.
	Submit(ctx context.Context, batch []compliance.Finding) (Result, error)
	// EnsureEnabled turns the aggregator on. Safe to call repeatedly.
	EnsureEnabled(ctx context.Context) error
}

// LogAggregator records findings in the structured log and keeps the most
// recent ones in memory. It backs local deployments without a dashboard.
type LogAggregator struct {
	logger  *zap.Logger
	metrics *observability.Metrics
	limit   int

	mu     sync.RWMutex
	recent []compliance.Finding
}

// NewLogAggregator creates a LogAggregator that retains up to limit findings.
func NewLogAggregator(limit int, logger *zap.Logger, metrics *observability.Metrics) *LogAggregator {
	if limit <= 0 {
		limit = 500
	}
	return &LogAggregator{
		logger:  logger.Named("findings"),
		metrics: metrics,
		limit:   limit,
	}
}

// Submit implements Aggregator.
func (a *LogAggregator) Submit(_ context.Context, batch []compliance.Finding) (Result, error) {
	var res Result
	a.mu.Lock()
	for _, f := range batch {
		if f.ID == "" || f.Resource.ResourceID == "" {
			res.add(ItemResult{FindingID: f.ID, ErrorCode: "InvalidInput", ErrorMessage: "finding id and resource are required"})
			continue
		}
		a.recent = append(a.recent, f)
		res.add(ItemResult{FindingID: f.ID, Accepted: true})
		a.logger.Info("Finding recorded",
			zap.String("finding", f.ID),
			zap.String("resource", f.Resource.String()),
			zap.String("status", string(f.Status)),
			zap.String("severity", string(f.Severity)),
		)
	}
	if over := len(a.recent) - a.limit; over > 0 {
		a.recent = append([]compliance.Finding(nil), a.recent[over:]...)
	}
	a.mu.Unlock()

	a.metrics.AddFindings("accepted", res.Accepted)
	a.metrics.AddFindings("rejected", res.Rejected)
	return res, nil
}

// EnsureEnabled implements Aggregator.
func (a *LogAggregator) EnsureEnabled(context.Context) error {
	return nil
}

// Recent returns the retained findings, oldest first.
func (a *LogAggregator) Recent() []compliance.Finding {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]compliance.Finding(nil), a.recent...)
}
