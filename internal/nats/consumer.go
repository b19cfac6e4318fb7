package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/semaphore"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
)

// fetchWait bounds one pull request. It also bounds how long Stop waits for
// the fetch loop to notice cancellation.
const fetchWait = 2 * time.Second

// subscriber consumes one durable consumer. The fetch loop pulls only as many
// messages as it holds free semaphore slots, so at most limit messages are
// received and not yet settled.
type subscriber struct {
	name         pubsub.SubscriptionName
	consumer     jetstream.Consumer
	limit        int
	sem          *semaphore.Weighted
	nackDelay    time.Duration
	drainTimeout time.Duration
	logger       *slog.Logger

	// startForwarder is nil when the subscription has no dead-letter policy.
	startForwarder func() (*deadLetterForwarder, error)

	started   atomic.Bool
	cancel    context.CancelFunc
	loopDone  chan struct{}
	forwarder *deadLetterForwarder
	wg        sync.WaitGroup
}

func (s *subscriber) Start(ctx context.Context, h pubsub.Handler) error {
	if !s.started.CompareAndSwap(false, true) {
		return pubsub.ErrStopped
	}

	if s.startForwarder != nil {
		f, err := s.startForwarder()
		if err != nil {
			return fmt.Errorf("starting dead-letter forwarder for %s: %w", s.name, err)
		}
		s.forwarder = f
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	go s.fetchLoop(loopCtx, h)
	return nil
}

func (s *subscriber) fetchLoop(ctx context.Context, h pubsub.Handler) {
	defer close(s.loopDone)
	handlerCtx := context.WithoutCancel(ctx)
	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		slots := 1
		for slots < s.limit && s.sem.TryAcquire(1) {
			slots++
		}

		batch, err := s.consumer.Fetch(slots, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			s.sem.Release(int64(slots))
			s.logger.Warn("fetch failed", "subscription", s.name.SubscriptionID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchWait):
			}
			continue
		}

		received := 0
		for msg := range batch.Messages() {
			received++
			s.wg.Add(1)
			go func(msg jetstream.Msg) {
				defer s.wg.Done()
				defer s.sem.Release(1)
				s.settle(msg, s.handle(handlerCtx, h, msg))
			}(msg)
		}
		if free := slots - received; free > 0 {
			s.sem.Release(int64(free))
		}
		if err := batch.Error(); err != nil {
			s.logger.Warn("fetch ended with error", "subscription", s.name.SubscriptionID, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *subscriber) handle(ctx context.Context, h pubsub.Handler, msg jetstream.Msg) (reply pubsub.Reply) {
	m := &pubsub.Message{
		Data:       msg.Data(),
		Attributes: headerToAttributes(msg.Headers()),
	}
	if meta, err := msg.Metadata(); err == nil {
		m.ID = sequenceID(meta.Sequence.Stream)
		m.DeliveryAttempt = int(meta.NumDelivered)
		m.PublishTime = meta.Timestamp
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("message handler panicked", "subscription", s.name.SubscriptionID, "message_id", m.ID, "panic", r)
			reply = pubsub.Nack
		}
	}()
	return h(ctx, m)
}

func (s *subscriber) settle(msg jetstream.Msg, reply pubsub.Reply) {
	var err error
	if reply == pubsub.Ack {
		err = msg.Ack()
	} else {
		err = msg.NakWithDelay(s.nackDelay)
	}
	if err != nil {
		s.logger.Warn("failed to settle message", "subscription", s.name.SubscriptionID, "reply", reply.String(), "error", err)
	}
}

// Stop ends the fetch loop and waits for in-flight handlers, bounded by the
// drain timeout and ctx. Messages already fetched are still handled.
func (s *subscriber) Stop(ctx context.Context) error {
	if !s.started.Load() || s.cancel == nil {
		return nil
	}
	defer func() {
		if s.forwarder != nil {
			s.forwarder.stop()
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	s.cancel()
	select {
	case <-s.loopDone:
	case <-ctx.Done():
		return fmt.Errorf("stopping fetch loop for %s: %w", s.name, ctx.Err())
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight handlers on %s: %w", s.name, ctx.Err())
	}
}
