package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
)

var (
	_ pubsub.ConnectionPool   = (*Pool)(nil)
	_ pubsub.DeadLetterLister = (*Pool)(nil)
	_ pubsub.Pinger           = (*Pool)(nil)
	_ pubsub.AdminClient      = (*Broker)(nil)
)

// Pool is a pubsub.ConnectionPool with one Broker per connection name.
type Pool struct {
	conns  *pubsub.Connections
	logger *slog.Logger

	mu      sync.Mutex
	brokers map[string]*Broker
}

// NewPool returns a pool over conns. A nil logger uses slog.Default().
func NewPool(conns *pubsub.Connections, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		conns:   conns,
		logger:  logger,
		brokers: make(map[string]*Broker),
	}
}

func (p *Pool) Connection(name string) (*pubsub.ConnectionConfig, error) {
	return p.conns.Get(name)
}

// Broker returns the broker behind a connection name.
func (p *Pool) Broker(name string) (*Broker, error) {
	cfg, err := p.conns.Get(name)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.brokers[cfg.Name]
	if !ok {
		b = NewBroker(cfg.NackDelay)
		p.brokers[cfg.Name] = b
	}
	return b, nil
}

func (p *Pool) Admin(_ context.Context, name string) (pubsub.AdminClient, error) {
	return p.Broker(name)
}

func (p *Pool) NewPublisher(_ context.Context, name string, topic pubsub.TopicName) (pubsub.PublisherClient, error) {
	b, err := p.Broker(name)
	if err != nil {
		return nil, err
	}
	return &publisher{b: b, topic: topic}, nil
}

func (p *Pool) NewSubscriber(_ context.Context, name string, sub pubsub.SubscriptionName, settings pubsub.SubscriberSettings) (pubsub.SubscriberClient, error) {
	b, err := p.Broker(name)
	if err != nil {
		return nil, err
	}
	s, err := b.subscription(sub)
	if err != nil {
		return nil, err
	}
	return newSubscriber(b, sub, s, settings, p.logger), nil
}

// ListDeadLetters pages through dead-letter records of every broker.
func (p *Pool) ListDeadLetters(_ context.Context, limit, offset int) ([]pubsub.DeadLetter, int, error) {
	var all []pubsub.DeadLetter
	for _, b := range p.snapshot() {
		all = append(all, b.DeadLetters()...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })

	total := len(all)
	if offset >= total {
		return []pubsub.DeadLetter{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (p *Pool) DeleteDeadLetter(_ context.Context, key string) error {
	for _, b := range p.snapshot() {
		if b.deleteDeadLetter(key) {
			return nil
		}
	}
	return core.NewNotFoundError("Dead letter", key)
}

func (p *Pool) snapshot() []*Broker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Broker, 0, len(p.brokers))
	for _, b := range p.brokers {
		out = append(out, b)
	}
	return out
}

func (p *Pool) Ping(context.Context) error {
	return nil
}

func (p *Pool) Close() error {
	return nil
}
