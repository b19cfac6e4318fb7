package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
)

type publisher struct {
	b      *Broker
	topic  pubsub.TopicName
	closed atomic.Bool
}

func (p *publisher) Publish(_ context.Context, msg *pubsub.Message) (string, error) {
	if p.closed.Load() {
		return "", errors.New("memory: publisher shut down")
	}
	return p.b.publish(p.topic, msg)
}

func (p *publisher) Shutdown(context.Context) error {
	p.closed.Store(true)
	return nil
}

type subscriber struct {
	b        *Broker
	name     pubsub.SubscriptionName
	sub      *subscription
	sem      *semaphore.Weighted
	logger   *slog.Logger
	started  atomic.Bool
	attached atomic.Bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	wg       sync.WaitGroup
}

func newSubscriber(b *Broker, name pubsub.SubscriptionName, sub *subscription, settings pubsub.SubscriberSettings, logger *slog.Logger) *subscriber {
	limit := int64(settings.FlowControl.MaxOutstandingMessages)
	if limit <= 0 {
		limit = 1
	}
	return &subscriber{
		b:        b,
		name:     name,
		sub:      sub,
		sem:      semaphore.NewWeighted(limit),
		logger:   logger,
		loopDone: make(chan struct{}),
	}
}

func (s *subscriber) Start(ctx context.Context, h pubsub.Handler) error {
	if !s.started.CompareAndSwap(false, true) {
		return pubsub.ErrStopped
	}

	s.sub.mu.Lock()
	if s.sub.attached {
		s.sub.mu.Unlock()
		return fmt.Errorf("subscription %s already has an active subscriber", s.name)
	}
	s.sub.attached = true
	s.sub.mu.Unlock()
	s.attached.Store(true)

	// Handlers outlive the caller's context and are drained on Stop.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go s.loop(runCtx, h)
	return nil
}

func (s *subscriber) loop(ctx context.Context, h pubsub.Handler) {
	defer close(s.loopDone)
	handlerCtx := context.WithoutCancel(ctx)
	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		e := s.sub.pop()
		for e == nil {
			select {
			case <-ctx.Done():
				s.sem.Release(1)
				return
			case <-s.sub.signal:
				e = s.sub.pop()
			}
		}

		s.wg.Add(1)
		s.sub.inflight.Add(1)
		go func(e *envelope) {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer s.sub.inflight.Add(-1)
			e.attempts++
			s.b.settle(s.sub, e, s.handle(handlerCtx, h, e))
		}(e)
	}
}

func (s *subscriber) handle(ctx context.Context, h pubsub.Handler, e *envelope) (reply pubsub.Reply) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("message handler panicked", "subscription", s.name.SubscriptionID, "message_id", e.id, "panic", r)
			reply = pubsub.Nack
		}
	}()
	return h(ctx, e.message())
}

// Stop ends the delivery loop and waits for in-flight handlers, bounded by ctx.
// The subscription is released for a new subscriber even when draining times out.
func (s *subscriber) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	defer s.detach()
	if s.cancel != nil {
		s.cancel()
		<-s.loopDone
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("draining subscription %s: %w", s.name, ctx.Err())
	}
	return s.b.stopErr(s.name)
}

func (s *subscriber) detach() {
	if !s.attached.CompareAndSwap(true, false) {
		return
	}
	s.sub.mu.Lock()
	s.sub.attached = false
	s.sub.mu.Unlock()
}
