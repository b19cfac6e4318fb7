// Package memory is an in-process pub/sub transport with durable
// subscriptions, delivery counting, delayed nack redelivery and dead-letter
// policies. It backs local development and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
)

// DefaultNackDelay is used when the connection sets no nack delay.
const DefaultNackDelay = 50 * time.Millisecond

type envelope struct {
	id          string
	data        []byte
	attrs       map[string]string
	publishTime time.Time
	attempts    int
}

func (e *envelope) clone() *envelope {
	c := *e
	c.attrs = maps.Clone(e.attrs)
	c.attempts = 0
	return &c
}

func (e *envelope) message() *pubsub.Message {
	return &pubsub.Message{
		ID:              e.id,
		Data:            e.data,
		Attributes:      maps.Clone(e.attrs),
		DeliveryAttempt: e.attempts,
		PublishTime:     e.publishTime,
	}
}

type topic struct {
	cfg     pubsub.Topic
	subs    []*subscription
	backlog []*envelope
}

type subscription struct {
	cfg    pubsub.Subscription
	signal chan struct{}

	mu       sync.Mutex
	pending  []*envelope
	attached bool

	inflight atomic.Int64
	acked    atomic.Int64
	nacked   atomic.Int64
	dead     atomic.Int64
}

func (s *subscription) push(e *envelope) {
	s.mu.Lock()
	s.pending = append(s.pending, e)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) pop() *envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	e := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return e
}

// SubscriptionStats is a point-in-time view of one subscription.
type SubscriptionStats struct {
	Pending  int
	InFlight int
	Acked    int
	Nacked   int
	// DeadLettered counts messages moved to the dead-letter topic.
	DeadLettered int
}

// Broker holds the topics and subscriptions of one connection.
type Broker struct {
	nackDelay time.Duration
	seq       atomic.Uint64

	mu          sync.Mutex
	topics      map[string]*topic
	subs        map[string]*subscription
	publishErrs map[string]error
	stopErrs    map[string]error
	deadLetters []pubsub.DeadLetter
}

// NewBroker returns an empty broker. A zero nackDelay uses DefaultNackDelay.
func NewBroker(nackDelay time.Duration) *Broker {
	if nackDelay <= 0 {
		nackDelay = DefaultNackDelay
	}
	return &Broker{
		nackDelay:   nackDelay,
		topics:      make(map[string]*topic),
		subs:        make(map[string]*subscription),
		publishErrs: make(map[string]error),
		stopErrs:    make(map[string]error),
	}
}

func (b *Broker) GetTopic(_ context.Context, name pubsub.TopicName) (*pubsub.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name.String()]
	if !ok {
		return nil, fmt.Errorf("topic %s: %w", name, pubsub.ErrNotFound)
	}
	cfg := t.cfg
	return &cfg, nil
}

func (b *Broker) CreateTopic(_ context.Context, cfg pubsub.Topic) (*pubsub.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := cfg.Name.String()
	if _, ok := b.topics[key]; ok {
		return nil, fmt.Errorf("topic %s: %w", cfg.Name, pubsub.ErrAlreadyExists)
	}
	b.topics[key] = &topic{cfg: cfg}
	return &cfg, nil
}

func (b *Broker) GetSubscription(_ context.Context, name pubsub.SubscriptionName) (*pubsub.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[name.String()]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", name, pubsub.ErrNotFound)
	}
	cfg := s.cfg
	return &cfg, nil
}

// CreateSubscription attaches a new subscription to an existing topic. The
// first subscription on a topic takes over its backlog.
func (b *Broker) CreateSubscription(_ context.Context, cfg pubsub.Subscription) (*pubsub.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := cfg.Name.String()
	if _, ok := b.subs[key]; ok {
		return nil, fmt.Errorf("subscription %s: %w", cfg.Name, pubsub.ErrAlreadyExists)
	}
	t, ok := b.topics[cfg.Topic.String()]
	if !ok {
		return nil, fmt.Errorf("topic %s: %w", cfg.Topic, pubsub.ErrNotFound)
	}
	if cfg.DeadLetterPolicy != nil {
		if _, ok := b.topics[cfg.DeadLetterPolicy.DeadLetterTopic.String()]; !ok {
			return nil, fmt.Errorf("dead-letter topic %s: %w", cfg.DeadLetterPolicy.DeadLetterTopic, pubsub.ErrNotFound)
		}
	}

	s := &subscription{cfg: cfg, signal: make(chan struct{}, 1)}
	if len(t.subs) == 0 {
		s.pending = t.backlog
		t.backlog = nil
	}
	t.subs = append(t.subs, s)
	b.subs[key] = s
	return &cfg, nil
}

// FailPublish makes every publish to topic fail with err until cleared with nil.
func (b *Broker) FailPublish(name pubsub.TopicName, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.publishErrs, name.String())
		return
	}
	b.publishErrs[name.String()] = err
}

// FailStop makes subscribers of sub return err from Stop.
func (b *Broker) FailStop(name pubsub.SubscriptionName, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.stopErrs, name.String())
		return
	}
	b.stopErrs[name.String()] = err
}

// Backlog returns the messages held by a topic that has no subscription yet.
func (b *Broker) Backlog(name pubsub.TopicName) []*pubsub.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name.String()]
	if !ok {
		return nil
	}
	out := make([]*pubsub.Message, 0, len(t.backlog))
	for _, e := range t.backlog {
		out = append(out, e.message())
	}
	return out
}

// Stats returns counters for a subscription.
func (b *Broker) Stats(name pubsub.SubscriptionName) (SubscriptionStats, bool) {
	b.mu.Lock()
	s, ok := b.subs[name.String()]
	b.mu.Unlock()
	if !ok {
		return SubscriptionStats{}, false
	}
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	return SubscriptionStats{
		Pending:      pending,
		InFlight:     int(s.inflight.Load()),
		Acked:        int(s.acked.Load()),
		Nacked:       int(s.nacked.Load()),
		DeadLettered: int(s.dead.Load()),
	}, true
}

func (b *Broker) publish(name pubsub.TopicName, msg *pubsub.Message) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := name.String()
	if err := b.publishErrs[key]; err != nil {
		return "", err
	}
	t, ok := b.topics[key]
	if !ok {
		return "", fmt.Errorf("topic %s: %w", name, pubsub.ErrNotFound)
	}

	e := &envelope{
		id:          strconv.FormatUint(b.seq.Add(1), 10),
		data:        append([]byte(nil), msg.Data...),
		attrs:       maps.Clone(msg.Attributes),
		publishTime: time.Now(),
	}
	if len(t.subs) == 0 {
		t.backlog = append(t.backlog, e)
		return e.id, nil
	}
	for _, s := range t.subs {
		s.push(e.clone())
	}
	return e.id, nil
}

func (b *Broker) subscription(name pubsub.SubscriptionName) (*subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[name.String()]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", name, pubsub.ErrNotFound)
	}
	return s, nil
}

func (b *Broker) stopErr(name pubsub.SubscriptionName) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopErrs[name.String()]
}

// settle applies a handler reply to a delivered envelope.
func (b *Broker) settle(s *subscription, e *envelope, reply pubsub.Reply) {
	if reply == pubsub.Ack {
		s.acked.Add(1)
		return
	}
	s.nacked.Add(1)

	if p := s.cfg.DeadLetterPolicy; p != nil && p.MaxDeliveryAttempts > 0 && e.attempts >= p.MaxDeliveryAttempts {
		msg := e.message()
		if _, err := b.publish(p.DeadLetterTopic, msg); err == nil {
			s.dead.Add(1)
			b.recordDeadLetter(s, p, e)
			return
		}
	}
	time.AfterFunc(b.nackDelay, func() { s.push(e) })
}

func (b *Broker) recordDeadLetter(s *subscription, p *pubsub.DeadLetterPolicy, e *envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetters = append(b.deadLetters, pubsub.DeadLetter{
		Key:             s.cfg.Name.SubscriptionID + "." + e.id,
		Topic:           s.cfg.Topic.TopicID,
		DeadLetterTopic: p.DeadLetterTopic.TopicID,
		Subscription:    s.cfg.Name.SubscriptionID,
		MessageID:       e.attrs["MessageId"],
		JobArgsType:     e.attrs["JobArgsType"],
		Deliveries:      e.attempts,
		DeadLetteredAt:  time.Now().UTC(),
	})
}

// DeadLetters returns every dead-letter record, oldest first.
func (b *Broker) DeadLetters() []pubsub.DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.deadLetters)
}

func (b *Broker) deleteDeadLetter(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.IndexFunc(b.deadLetters, func(d pubsub.DeadLetter) bool { return d.Key == key })
	if i < 0 {
		return false
	}
	b.deadLetters = slices.Delete(b.deadLetters, i, i+1)
	return true
}
