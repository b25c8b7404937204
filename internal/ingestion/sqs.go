// Package ingestion consumes bus events from an SQS queue and hands them to the pipeline.
package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/bus"
	"github.com/lvonguyen/remedyforge/internal/faults"
	"github.com/lvonguyen/remedyforge/internal/observability"
)

// SQSAPI is the subset of the SQS client used by the consumer.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// ConsumerConfig holds queue consumer configuration.
type ConsumerConfig struct {
	QueueURL          string        `yaml:"queue_url"`
	WaitTime          time.Duration `yaml:"wait_time"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	MaxMessages       int           `yaml:"max_messages"`
	Workers           int           `yaml:"workers"`
	// HandleTimeout bounds the processing of one message.
	HandleTimeout time.Duration `yaml:"handle_timeout"`
}

// DefaultConsumerConfig returns sensible defaults.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		WaitTime:          20 * time.Second,
		VisibilityTimeout: 5 * time.Minute,
		MaxMessages:       10,
		Workers:           4,
		HandleTimeout:     2 * time.Minute,
	}
}

// ConsumerStats tracks consumer counters.
type ConsumerStats struct {
	MessagesReceived  int64
	MessagesDeleted   int64
	MessagesFailed    int64
	MessagesMalformed int64
	LastMessageAt     time.Time
}

// Handler processes one decoded envelope. A transient error leaves the
// message on the queue for redelivery.
type Handler func(ctx context.Context, env bus.Envelope) error

// Consumer long-polls an SQS queue. A message is deleted only once its
// handler succeeded or failed permanently.
type Consumer struct {
	config  ConsumerConfig
	client  SQSAPI
	handler Handler
	logger  *zap.Logger
	metrics *observability.Metrics

	mu    sync.RWMutex
	stats ConsumerStats
}

// NewConsumer creates a queue consumer.
func NewConsumer(cfg ConsumerConfig, client SQSAPI, handler Handler, logger *zap.Logger, metrics *observability.Metrics) (*Consumer, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New("queue url is required")
	}
	def := DefaultConsumerConfig()
	if cfg.WaitTime <= 0 || cfg.WaitTime > 20*time.Second {
		cfg.WaitTime = def.WaitTime
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = def.VisibilityTimeout
	}
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = def.MaxMessages
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = def.HandleTimeout
	}
	return &Consumer{
		config:  cfg,
		client:  client,
		handler: handler,
		logger:  logger.Named("sqs-consumer"),
		metrics: metrics,
	}, nil
}

// Stats returns current consumer statistics.
func (c *Consumer) Stats() ConsumerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Run polls until ctx is cancelled. Receive failures back off and retry.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Starting queue consumer",
		zap.String("queue_url", c.config.QueueURL),
		zap.Int("workers", c.config.Workers),
	)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = 30 * time.Second

	sem := make(chan struct{}, c.config.Workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			return nil
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.config.QueueURL),
			MaxNumberOfMessages: int32(c.config.MaxMessages),
			WaitTimeSeconds:     int32(c.config.WaitTime / time.Second),
			VisibilityTimeout:   int32(c.config.VisibilityTimeout / time.Second),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := b.NextBackOff()
			c.logger.Warn("Failed to receive messages", zap.Duration("retry_in", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		if len(out.Messages) > 0 {
			c.mu.Lock()
			c.stats.MessagesReceived += int64(len(out.Messages))
			c.stats.LastMessageAt = time.Now()
			c.mu.Unlock()
		}

		for _, msg := range out.Messages {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			wg.Add(1)
			go func(msg sqstypes.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				c.process(ctx, msg)
			}(msg)
		}
	}
}

// process handles one message and deletes it when it must not be redelivered.
func (c *Consumer) process(ctx context.Context, msg sqstypes.Message) {
	log := c.logger.With(zap.String("message_id", aws.ToString(msg.MessageId)))

	env, err := Decode([]byte(aws.ToString(msg.Body)))
	if err != nil {
		log.Warn("Discarding malformed message", zap.Error(err))
		c.mu.Lock()
		c.stats.MessagesMalformed++
		c.mu.Unlock()
		c.metrics.IncBusMessage("malformed")
		c.delete(ctx, msg, log)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, c.config.HandleTimeout)
	err = c.safeHandle(hctx, env)
	cancel()

	if err != nil {
		c.mu.Lock()
		c.stats.MessagesFailed++
		c.mu.Unlock()
		if faults.Classify(err) != faults.KindPermanent {
			log.Warn("Message handling failed, leaving for redelivery",
				zap.String("event", env.ID),
				zap.Error(err),
			)
			c.metrics.IncBusMessage("retry")
			return
		}
		log.Error("Message handling failed permanently, discarding",
			zap.String("event", env.ID),
			zap.Error(err),
		)
		c.metrics.IncBusMessage("discarded")
		c.delete(ctx, msg, log)
		return
	}

	c.metrics.IncBusMessage("handled")
	c.delete(ctx, msg, log)
}

func (c *Consumer) safeHandle(ctx context.Context, env bus.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = faults.Transient("handle", fmt.Errorf("handler panic: %v", r))
		}
	}()
	return c.handler(ctx, env)
}

func (c *Consumer) delete(ctx context.Context, msg sqstypes.Message, log *zap.Logger) {
	// Deletion must outlive a cancelled poll loop.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_, err := c.client.DeleteMessage(dctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.config.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		log.Warn("Failed to delete message, it will be redelivered", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.stats.MessagesDeleted++
	c.mu.Unlock()
}

// Decode parses a message body into an envelope. Bodies delivered through
// an SNS subscription are unwrapped first.
func Decode(body []byte) (bus.Envelope, error) {
	var probe struct {
		Type    string `json:"Type"`
		Message string `json:"Message"`
	}
	if err := json.Unmarshal(body, &probe); err == nil && probe.Type == "Notification" && probe.Message != "" {
		body = []byte(probe.Message)
	}

	var env bus.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return bus.Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return bus.Envelope{}, err
	}
	return env, nil
}
