package notifier

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/faults"
)

// SNSAPI is the subset of the SNS client used by the notifier.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	Subscribe(ctx context.Context, params *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error)
	ListSubscriptionsByTopic(ctx context.Context, params *sns.ListSubscriptionsByTopicInput, optFns ...func(*sns.Options)) (*sns.ListSubscriptionsByTopicOutput, error)
}

// SNSSender publishes messages to an SNS topic.
type SNSSender struct {
	client   SNSAPI
	topicARN string
	logger   *zap.Logger
}

// NewSNSSender creates a sender for topicARN.
func NewSNSSender(client SNSAPI, topicARN string, logger *zap.Logger) *SNSSender {
	return &SNSSender{client: client, topicARN: topicARN, logger: logger.Named("sns")}
}

// Name implements Sender.
func (s *SNSSender) Name() string { return "sns" }

// Send implements Sender.
func (s *SNSSender) Send(ctx context.Context, m Message) error {
	subject := m.Subject
	// SNS rejects subjects of 100 characters or more.
	if len(subject) > 99 {
		subject = subject[:99]
	}
	out, err := s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(m.Body),
	})
	if err != nil {
		if faults.IsTransient(err) {
			return faults.Transient("sns.Publish", err)
		}
		return faults.Permanent("sns.Publish", err)
	}
	s.logger.Debug("Published notification", zap.String("message_id", aws.ToString(out.MessageId)))
	return nil
}

// EnsureSubscriptions subscribes each email recipient not already
// subscribed to the topic. New subscriptions stay pending until confirmed.
func (s *SNSSender) EnsureSubscriptions(ctx context.Context, recipients []string) error {
	existing := make(map[string]bool)
	pages := sns.NewListSubscriptionsByTopicPaginator(s.client, &sns.ListSubscriptionsByTopicInput{
		TopicArn: aws.String(s.topicARN),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list topic subscriptions: %w", err)
		}
		for _, sub := range page.Subscriptions {
			existing[aws.ToString(sub.Endpoint)] = true
		}
	}

	for _, r := range recipients {
		if existing[r] {
			continue
		}
		if _, err := s.client.Subscribe(ctx, &sns.SubscribeInput{
			TopicArn: aws.String(s.topicARN),
			Protocol: aws.String("email"),
			Endpoint: aws.String(r),
		}); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", r, err)
		}
		s.logger.Info("Subscribed recipient", zap.String("endpoint", r))
	}
	return nil
}

// LogSender writes messages to the log. Used when no topic is configured.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a log-only sender.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger.Named("log-sender")}
}

// Name implements Sender.
func (s *LogSender) Name() string { return "log" }

// Send implements Sender.
func (s *LogSender) Send(_ context.Context, m Message) error {
	s.logger.Info(m.Subject, zap.String("body", m.Body), zap.String("dedupe_key", m.DedupeKey))
	return nil
}
