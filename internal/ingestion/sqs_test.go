package ingestion

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/bus"
	"github.com/lvonguyen/remedyforge/internal/faults"
)

const envelopeBody = `{"id":"evt-1","source":"security-findings","detail-type":"FindingsImported","time":"2026-03-01T12:00:00Z","detail":{"findings":[]}}`

type fakeSQS struct {
	mu       sync.Mutex
	batches  [][]sqstypes.Message
	deleted  []string
	received chan struct{}
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	if len(f.batches) > 0 {
		batch := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return &sqs.ReceiveMessageOutput{Messages: batch}, nil
	}
	f.mu.Unlock()
	if f.received != nil {
		select {
		case f.received <- struct{}{}:
		default:
		}
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func message(handle, body string) sqstypes.Message {
	return sqstypes.Message{
		MessageId:     aws.String("m-" + handle),
		ReceiptHandle: aws.String(handle),
		Body:          aws.String(body),
	}
}

// =============================================================================
// Decode Tests
// =============================================================================

// TestDecode verifies raw and SNS-wrapped bodies decode to envelopes.
func TestDecode(t *testing.T) {
	wrapped := `{"Type":"Notification","MessageId":"x","Message":` + strconv.Quote(envelopeBody) + `}`

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"raw envelope", envelopeBody, false},
		{"sns notification", wrapped, false},
		{"not json", "hello", true},
		{"missing detail", `{"source":"s","detail-type":"d"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "evt-1", env.ID)
			assert.Equal(t, bus.DetailTypeFindingsImported, env.DetailType)
		})
	}
}

// =============================================================================
// Consumer Tests
// =============================================================================

// TestNewConsumer_RequiresQueue verifies a queue url is mandatory.
func TestNewConsumer_RequiresQueue(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{}, &fakeSQS{}, nil, zap.NewNop(), nil)
	assert.Error(t, err)
}

// TestConsumer_DeleteSemantics verifies which handler results remove the message.
func TestConsumer_DeleteSemantics(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		handler     Handler
		wantDeleted bool
	}{
		{
			name:        "handled",
			body:        envelopeBody,
			handler:     func(context.Context, bus.Envelope) error { return nil },
			wantDeleted: true,
		},
		{
			name: "permanent failure",
			body: envelopeBody,
			handler: func(context.Context, bus.Envelope) error {
				return faults.Permanent("route", errors.New("bad detail"))
			},
			wantDeleted: true,
		},
		{
			name: "transient failure",
			body: envelopeBody,
			handler: func(context.Context, bus.Envelope) error {
				return faults.Transient("store", errors.New("redis down"))
			},
			wantDeleted: false,
		},
		{
			name: "stale",
			body: envelopeBody,
			handler: func(context.Context, bus.Envelope) error {
				return faults.Stale("fetch", errors.New("snapshot behind"))
			},
			wantDeleted: false,
		},
		{
			name:        "panic",
			body:        envelopeBody,
			handler:     func(context.Context, bus.Envelope) error { panic("boom") },
			wantDeleted: false,
		},
		{
			name:        "malformed",
			body:        "{",
			handler:     func(context.Context, bus.Envelope) error { t.Error("handler called for malformed body"); return nil },
			wantDeleted: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeSQS{}
			c, err := NewConsumer(ConsumerConfig{QueueURL: "https://sqs.local/q"}, client, tt.handler, zap.NewNop(), nil)
			require.NoError(t, err)

			c.process(context.Background(), message("h1", tt.body))

			if tt.wantDeleted {
				assert.Equal(t, []string{"h1"}, client.deletedHandles())
			} else {
				assert.Empty(t, client.deletedHandles())
			}
		})
	}
}

// TestConsumer_Run verifies the poll loop processes a batch and stops on cancel.
func TestConsumer_Run(t *testing.T) {
	client := &fakeSQS{
		batches:  [][]sqstypes.Message{{message("h1", envelopeBody), message("h2", envelopeBody)}},
		received: make(chan struct{}, 1),
	}
	var mu sync.Mutex
	var handled []string
	handler := func(_ context.Context, env bus.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, env.ID)
		return nil
	}
	c, err := NewConsumer(ConsumerConfig{QueueURL: "https://sqs.local/q", Workers: 2}, client, handler, zap.NewNop(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-client.received:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not poll again")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Len(t, handled, 2)
	assert.ElementsMatch(t, []string{"h1", "h2"}, client.deletedHandles())
	stats := c.Stats()
	assert.Equal(t, int64(2), stats.MessagesReceived)
	assert.Equal(t, int64(2), stats.MessagesDeleted)
}
