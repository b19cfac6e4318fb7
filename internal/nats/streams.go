package nats

import (
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
)

// topicStreamConfig maps a topic onto a work-queue stream bound to a single subject.
func topicStreamConfig(t pubsub.Topic) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        StreamName(t.Name.TopicID),
		Description: t.Name.String(),
		Subjects:    []string{TopicSubject(t.Name.TopicID)},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      t.MessageRetention,
		Discard:     jetstream.DiscardOld,
		Duplicates:  2 * time.Minute,
		Metadata: map[string]string{
			MetaTopic: t.Name.TopicID,
		},
	}
}

// subscriptionConsumerConfig maps a subscription onto a durable pull consumer.
// Without a dead-letter policy delivery attempts are unbounded.
func subscriptionConsumerConfig(s pubsub.Subscription) jetstream.ConsumerConfig {
	cfg := jetstream.ConsumerConfig{
		Durable:       ConsumerName(s.Name.SubscriptionID),
		Description:   s.Name.String(),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       s.AckDeadline,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    -1,
		Metadata: map[string]string{
			MetaTopic:        s.Topic.TopicID,
			MetaSubscription: s.Name.SubscriptionID,
		},
	}
	if s.MessageRetention > 0 {
		cfg.Metadata[MetaRetention] = s.MessageRetention.String()
	}
	if p := s.DeadLetterPolicy; p != nil && p.MaxDeliveryAttempts > 0 {
		cfg.MaxDeliver = p.MaxDeliveryAttempts
		cfg.Metadata[MetaDeadLetterTopic] = p.DeadLetterTopic.TopicID
	}
	return cfg
}

// subscriptionFromConsumer rebuilds the subscription a consumer was created from.
func subscriptionFromConsumer(projectID string, info *jetstream.ConsumerInfo) *pubsub.Subscription {
	meta := info.Config.Metadata
	sub := &pubsub.Subscription{
		Name:        pubsub.SubscriptionName{ProjectID: projectID, SubscriptionID: meta[MetaSubscription]},
		Topic:       pubsub.TopicName{ProjectID: projectID, TopicID: meta[MetaTopic]},
		AckDeadline: info.Config.AckWait,
	}
	if sub.Name.SubscriptionID == "" {
		sub.Name.SubscriptionID = info.Name
	}
	if r, err := time.ParseDuration(meta[MetaRetention]); err == nil {
		sub.MessageRetention = r
	}
	if dl := meta[MetaDeadLetterTopic]; dl != "" && info.Config.MaxDeliver > 0 {
		sub.DeadLetterPolicy = &pubsub.DeadLetterPolicy{
			DeadLetterTopic:     pubsub.TopicName{ProjectID: projectID, TopicID: dl},
			MaxDeliveryAttempts: info.Config.MaxDeliver,
		}
	}
	return sub
}

func sequenceID(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}
