package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/faults"
)

// maxPutEntries is the PutEvents batch limit.
const maxPutEntries = 10

// EventBridgeAPI is the subset of the EventBridge client used to publish.
type EventBridgeAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgePublisher puts envelopes on an EventBridge bus.
type EventBridgePublisher struct {
	client  EventBridgeAPI
	busName string
	logger  *zap.Logger
}

// NewEventBridgePublisher creates a publisher for busName ("default" when empty).
func NewEventBridgePublisher(client EventBridgeAPI, busName string, logger *zap.Logger) *EventBridgePublisher {
	if busName == "" {
		busName = "default"
	}
	return &EventBridgePublisher{client: client, busName: busName, logger: logger.Named("eventbridge")}
}

// Publish implements Publisher. Any rejected entry fails the call as
// transient so the caller re-emits; duplicates are absorbed downstream.
func (p *EventBridgePublisher) Publish(ctx context.Context, envs ...Envelope) error {
	for start := 0; start < len(envs); start += maxPutEntries {
		end := min(start+maxPutEntries, len(envs))
		if err := p.put(ctx, envs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *EventBridgePublisher) put(ctx context.Context, envs []Envelope) error {
	entries := make([]ebtypes.PutEventsRequestEntry, 0, len(envs))
	for _, env := range envs {
		if err := env.Validate(); err != nil {
			return faults.Permanent("eventbridge.PutEvents", err)
		}
		entries = append(entries, ebtypes.PutEventsRequestEntry{
			EventBusName: aws.String(p.busName),
			Source:       aws.String(env.Source),
			DetailType:   aws.String(env.DetailType),
			Detail:       aws.String(string(env.Detail)),
			Resources:    env.Resources,
			Time:         aws.Time(env.Time),
		})
	}

	out, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{Entries: entries})
	if err != nil {
		if faults.IsTransient(err) {
			return faults.Transient("eventbridge.PutEvents", err)
		}
		return faults.Permanent("eventbridge.PutEvents", err)
	}
	if out.FailedEntryCount == 0 {
		return nil
	}

	var codes []string
	for i, e := range out.Entries {
		if e.ErrorCode == nil {
			continue
		}
		codes = append(codes, fmt.Sprintf("%s(%s)", aws.ToString(e.ErrorCode), envs[i].ID))
	}
	p.logger.Warn("EventBridge rejected entries",
		zap.Int32("failed", out.FailedEntryCount),
		zap.Strings("errors", codes),
	)
	return faults.Transient("eventbridge.PutEvents",
		fmt.Errorf("%d of %d entries rejected: %s", out.FailedEntryCount, len(envs), strings.Join(codes, ", ")))
}

// HandlerFunc consumes an envelope from the local bus.
type HandlerFunc func(ctx context.Context, env Envelope) error

// LocalBus delivers envelopes in-process to subscribed handlers.
type LocalBus struct {
	mu       sync.RWMutex
	handlers []HandlerFunc
}

// NewLocalBus creates an empty local bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

// Subscribe registers h for every published envelope.
func (b *LocalBus) Subscribe(h HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish implements Publisher by calling every handler synchronously.
func (b *LocalBus) Publish(ctx context.Context, envs ...Envelope) error {
	b.mu.RLock()
	handlers := append([]HandlerFunc(nil), b.handlers...)
	b.mu.RUnlock()

	var errs []error
	for _, env := range envs {
		if err := env.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		for _, h := range handlers {
			if err := h(ctx, env); err != nil {
				errs = append(errs, fmt.Errorf("event %s: %w", env.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}
