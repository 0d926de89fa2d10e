package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// PubSubProvider implements Provider over Google Cloud Pub/Sub.
type PubSubProvider struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	log    *zap.Logger
}

// NewPubSubProvider creates a Pub/Sub client and verifies the topic
// exists. subscriptionID may be empty for publish-only use. The client
// authenticates with Application Default Credentials.
func NewPubSubProvider(ctx context.Context, projectID, topicID, subscriptionID string, log *zap.Logger) (*PubSubProvider, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p, err := NewPubSubProviderWithClient(ctx, client, topicID, subscriptionID, log)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil && log != nil {
			log.Warn("close pubsub client after setup failure", zap.Error(closeErr))
		}
		return nil, err
	}
	return p, nil
}

// NewPubSubProviderWithClient wraps an existing client. The caller
// keeps ownership of the client only until this returns nil error;
// afterwards Close releases it.
func NewPubSubProviderWithClient(ctx context.Context, client *pubsub.Client, topicID, subscriptionID string, log *zap.Logger) (*PubSubProvider, error) {
	if log == nil {
		log = zap.NewNop()
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %q does not exist", topicID)
	}

	var sub *pubsub.Subscription
	if subscriptionID != "" {
		sub = client.Subscription(subscriptionID)
		exists, err := sub.Exists(ctx)
		if err != nil {
			return nil, fmt.Errorf("check pubsub subscription %q: %w", subscriptionID, err)
		}
		if !exists {
			return nil, fmt.Errorf("pubsub subscription %q does not exist", subscriptionID)
		}
	}

	return &PubSubProvider{
		client: client,
		topic:  topic,
		sub:    sub,
		log:    log.Named("queue.pubsub"),
	}, nil
}

// Publish sends the message to the topic and waits for the server
// acknowledgement, so a lost notification surfaces as an error at the
// enqueue site rather than as a silently stalled job.
func (p *PubSubProvider) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode queue message: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"job_id": msg.JobID,
			"type":   msg.Type,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish queue message: %w", err)
	}
	return nil
}

// Receive delivers subscription messages to handler until the context
// is done. Messages are always acked: delivery is only a nudge, and
// the job lease already dedupes double deliveries. An undecodable
// message is acked and dropped so it cannot poison the subscription.
func (p *PubSubProvider) Receive(ctx context.Context, handler Handler) error {
	if p.sub == nil {
		return fmt.Errorf("pubsub provider has no subscription configured")
	}
	err := p.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		defer m.Ack()
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			p.log.Warn("dropping undecodable queue message", zap.Error(err))
			return
		}
		handler(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return nil
}

// Close stops the topic's publisher and closes the underlying client
// connection.
func (p *PubSubProvider) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
