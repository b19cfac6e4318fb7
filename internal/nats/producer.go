package nats

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
)

const defaultFlushTimeout = 10 * time.Second

// publisher publishes to one topic over a shared connection.
type publisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	topic  pubsub.TopicName
	closed atomic.Bool
}

// Publish sends msg and returns the stream sequence as the message id. A
// MessageId attribute doubles as the JetStream dedupe id.
func (p *publisher) Publish(ctx context.Context, msg *pubsub.Message) (string, error) {
	if p.closed.Load() {
		return "", errors.New("nats: publisher shut down")
	}

	out := nats.NewMsg(TopicSubject(p.topic.TopicID))
	out.Data = msg.Data
	out.Header = attributesToHeader(msg.Attributes)

	opts := []jetstream.PublishOpt{jetstream.WithExpectStream(StreamName(p.topic.TopicID))}
	if id := msg.Attribute("MessageId"); id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}

	ack, err := p.js.PublishMsg(ctx, out, opts...)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	return sequenceID(ack.Sequence), nil
}

// Shutdown flushes the shared connection. The connection itself belongs to the pool.
func (p *publisher) Shutdown(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultFlushTimeout)
		defer cancel()
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush publisher for %s: %w", p.topic, err)
	}
	return nil
}
