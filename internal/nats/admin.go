package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
)

// Admin implements pubsub.AdminClient over JetStream streams and consumers.
type Admin struct {
	js        jetstream.JetStream
	projectID string
}

// NewAdmin wraps a JetStream context.
func NewAdmin(js jetstream.JetStream, projectID string) *Admin {
	return &Admin{js: js, projectID: projectID}
}

func (a *Admin) GetTopic(ctx context.Context, name pubsub.TopicName) (*pubsub.Topic, error) {
	stream, err := a.js.Stream(ctx, StreamName(name.TopicID))
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, fmt.Errorf("topic %s: %w", name, pubsub.ErrNotFound)
		}
		return nil, fmt.Errorf("looking up stream for topic %s: %w", name, err)
	}
	return &pubsub.Topic{Name: name, MessageRetention: stream.CachedInfo().Config.MaxAge}, nil
}

func (a *Admin) CreateTopic(ctx context.Context, topic pubsub.Topic) (*pubsub.Topic, error) {
	if !validSubject(topic.Name.TopicID) {
		return nil, core.NewConfigurationError("topic id "+topic.Name.TopicID+" is not a valid NATS subject", map[string]any{
			"topic": topic.Name.TopicID,
		})
	}
	if _, err := a.js.CreateStream(ctx, topicStreamConfig(topic)); err != nil {
		if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("topic %s: %w", topic.Name, pubsub.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("creating stream for topic %s: %w", topic.Name, err)
	}
	return &topic, nil
}

// GetSubscription finds the consumer by name across streams.
func (a *Admin) GetSubscription(ctx context.Context, name pubsub.SubscriptionName) (*pubsub.Subscription, error) {
	consumer, err := a.findConsumer(ctx, name)
	if err != nil {
		return nil, err
	}
	return subscriptionFromConsumer(a.projectID, consumer.CachedInfo()), nil
}

func (a *Admin) CreateSubscription(ctx context.Context, sub pubsub.Subscription) (*pubsub.Subscription, error) {
	stream := StreamName(sub.Topic.TopicID)
	if _, err := a.js.CreateConsumer(ctx, stream, subscriptionConsumerConfig(sub)); err != nil {
		switch {
		case errors.Is(err, jetstream.ErrConsumerExists):
			return nil, fmt.Errorf("subscription %s: %w", sub.Name, pubsub.ErrAlreadyExists)
		case errors.Is(err, jetstream.ErrStreamNotFound):
			return nil, fmt.Errorf("topic %s: %w", sub.Topic, pubsub.ErrNotFound)
		}
		return nil, fmt.Errorf("creating consumer for subscription %s: %w", sub.Name, err)
	}
	return &sub, nil
}

// findConsumer returns the consumer for a subscription, searching every stream.
func (a *Admin) findConsumer(ctx context.Context, name pubsub.SubscriptionName) (jetstream.Consumer, error) {
	consumerName := ConsumerName(name.SubscriptionID)
	lister := a.js.StreamNames(ctx)
	for stream := range lister.Name() {
		consumer, err := a.js.Consumer(ctx, stream, consumerName)
		if err == nil {
			return consumer, nil
		}
		if !errors.Is(err, jetstream.ErrConsumerNotFound) {
			return nil, fmt.Errorf("looking up consumer %s on stream %s: %w", consumerName, stream, err)
		}
	}
	if err := lister.Err(); err != nil {
		return nil, fmt.Errorf("listing streams: %w", err)
	}
	return nil, fmt.Errorf("subscription %s: %w", name, pubsub.ErrNotFound)
}
