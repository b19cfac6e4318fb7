package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/kv"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
)

const forwardTimeout = 10 * time.Second

// deadLetterForwarder moves messages that exhausted MaxDeliver on a consumer
// to the subscription's dead-letter stream. JetStream announces them with a
// max-deliveries advisory but leaves them in the source stream.
type deadLetterForwarder struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	index  *kv.DeadLetterIndex
	logger *slog.Logger

	stream       string
	consumer     string
	topic        string
	subscription string
	deadTopic    string

	sub *nats.Subscription
}

func (f *deadLetterForwarder) start() error {
	subject := MaxDeliveriesAdvisorySubject(f.stream, f.consumer)
	sub, err := f.nc.QueueSubscribe(subject, deadLetterQueueGroup, f.onAdvisory)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	f.sub = sub
	return nil
}

func (f *deadLetterForwarder) stop() {
	if f.sub != nil {
		_ = f.sub.Unsubscribe()
	}
}

func (f *deadLetterForwarder) onAdvisory(msg *nats.Msg) {
	var adv maxDeliveriesAdvisory
	if err := json.Unmarshal(msg.Data, &adv); err != nil {
		f.logger.Error("failed to unmarshal max deliveries advisory", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
	defer cancel()
	if err := f.forward(ctx, adv.StreamSeq, adv.Deliveries); err != nil {
		f.logger.Error("failed to dead-letter message",
			"stream", f.stream,
			"stream_seq", adv.StreamSeq,
			"dead_letter_topic", f.deadTopic,
			"error", err,
		)
	}
}

// forward republishes one stream sequence to the dead-letter stream, removes
// it from the source and records it in the index. Each step is idempotent so
// a redelivered advisory is harmless.
func (f *deadLetterForwarder) forward(ctx context.Context, seq uint64, deliveries int) error {
	stream, err := f.js.Stream(ctx, f.stream)
	if err != nil {
		return fmt.Errorf("looking up stream: %w", err)
	}

	raw, err := stream.GetMsg(ctx, seq)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil
		}
		return fmt.Errorf("get message %d: %w", seq, err)
	}

	out := nats.NewMsg(TopicSubject(f.deadTopic))
	out.Data = raw.Data
	out.Header = forwardHeader(raw.Header)
	if _, err := f.js.PublishMsg(ctx, out,
		jetstream.WithMsgID(DeadLetterMsgID(f.stream, seq)),
		jetstream.WithExpectStream(StreamName(f.deadTopic)),
	); err != nil {
		return fmt.Errorf("publish to %s: %w", f.deadTopic, err)
	}

	if err := stream.DeleteMsg(ctx, seq); err != nil && !errors.Is(err, jetstream.ErrMsgNotFound) {
		return fmt.Errorf("delete message %d: %w", seq, err)
	}

	attrs := headerToAttributes(raw.Header)
	entry := pubsub.DeadLetter{
		Key:             DeadLetterKey(f.stream, seq),
		Topic:           f.topic,
		DeadLetterTopic: f.deadTopic,
		Subscription:    f.subscription,
		MessageID:       attrs["MessageId"],
		JobArgsType:     attrs["JobArgsType"],
		Deliveries:      deliveries,
		DeadLetteredAt:  time.Now().UTC(),
	}
	if err := f.index.Record(ctx, entry); err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}

	f.logger.Info("message dead-lettered",
		"topic", f.topic,
		"dead_letter_topic", f.deadTopic,
		"message_id", entry.MessageID,
		"deliveries", deliveries,
	)
	return nil
}
