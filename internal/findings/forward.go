package findings

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/bus"
	"github.com/lvonguyen/remedyforge/internal/compliance"
)

// Forwarder announces accepted findings on the bus as FindingsImported
// events, the way a managed dashboard does after import. It lets the
// findings route re-enter the router when the backend cannot.
type Forwarder struct {
	next      Aggregator
	publisher bus.Publisher
	partition string
	logger    *zap.Logger
}

// NewForwarder wraps next.
func NewForwarder(next Aggregator, publisher bus.Publisher, partition string, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		next:      next,
		publisher: publisher,
		partition: partition,
		logger:    logger.Named("findings-forwarder"),
	}
}

// Submit implements Aggregator. Publish failures are logged only.
func (f *Forwarder) Submit(ctx context.Context, batch []compliance.Finding) (Result, error) {
	res, err := f.next.Submit(ctx, batch)
	if err != nil {
		return res, err
	}

	accepted := make(map[string]bool, res.Accepted)
	for _, item := range res.Items {
		if item.Accepted {
			accepted[item.FindingID] = true
		}
	}
	detail := bus.FindingsDetail{}
	for _, finding := range batch {
		if accepted[finding.ID] {
			detail.Findings = append(detail.Findings, bus.FindingRecordFrom(finding, f.partition))
		}
	}
	if len(detail.Findings) == 0 {
		return res, nil
	}

	env, err := bus.NewEnvelope(bus.SourceSecurityFindings, bus.DetailTypeFindingsImported, time.Now(), detail)
	if err != nil {
		f.logger.Warn("Failed to build findings event", zap.Error(err))
		return res, nil
	}
	if err := f.publisher.Publish(ctx, env); err != nil {
		f.logger.Warn("Failed to publish findings event",
			zap.Int("findings", len(detail.Findings)),
			zap.Error(err),
		)
	}
	return res, nil
}

// EnsureEnabled implements Aggregator.
func (f *Forwarder) EnsureEnabled(ctx context.Context) error {
	return f.next.EnsureEnabled(ctx)
}
