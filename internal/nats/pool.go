// Package nats implements the pub/sub transport on NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/semaphore"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/kv"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
)

var (
	_ pubsub.ConnectionPool   = (*Pool)(nil)
	_ pubsub.DeadLetterLister = (*Pool)(nil)
	_ pubsub.Pinger           = (*Pool)(nil)
)

// client is one dialed connection, shared by every client handed out for it.
type client struct {
	cfg *pubsub.ConnectionConfig
	nc  *nats.Conn
	js  jetstream.JetStream

	indexMu sync.Mutex
	index   *kv.DeadLetterIndex
}

func (c *client) deadLetterIndex(ctx context.Context) (*kv.DeadLetterIndex, error) {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()
	if c.index != nil {
		return c.index, nil
	}
	idx, err := kv.OpenDeadLetterIndex(ctx, c.js)
	if err != nil {
		return nil, err
	}
	c.index = idx
	return idx, nil
}

// Pool dials NATS lazily, once per connection name.
type Pool struct {
	conns  *pubsub.Connections
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*client
}

// NewPool returns a pool over conns. A nil logger uses slog.Default().
func NewPool(conns *pubsub.Connections, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		conns:   conns,
		logger:  logger,
		clients: make(map[string]*client),
	}
}

func (p *Pool) Connection(name string) (*pubsub.ConnectionConfig, error) {
	return p.conns.Get(name)
}

func (p *Pool) client(name string) (*client, error) {
	cfg, err := p.conns.Get(name)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[cfg.Name]; ok {
		return c, nil
	}

	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	nc, err := nats.Connect(opts.URL, opts.NATSOptions()...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", opts.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	p.logger.Info("connected to NATS", "connection", cfg.Name, "url", nc.ConnectedUrlRedacted())
	c := &client{cfg: cfg, nc: nc, js: js}
	p.clients[cfg.Name] = c
	return c, nil
}

func (p *Pool) Admin(_ context.Context, name string) (pubsub.AdminClient, error) {
	c, err := p.client(name)
	if err != nil {
		return nil, err
	}
	return NewAdmin(c.js, c.cfg.ProjectID), nil
}

func (p *Pool) NewPublisher(_ context.Context, name string, topic pubsub.TopicName) (pubsub.PublisherClient, error) {
	c, err := p.client(name)
	if err != nil {
		return nil, err
	}
	return &publisher{nc: c.nc, js: c.js, topic: topic}, nil
}

func (p *Pool) NewSubscriber(ctx context.Context, name string, sub pubsub.SubscriptionName, settings pubsub.SubscriberSettings) (pubsub.SubscriberClient, error) {
	c, err := p.client(name)
	if err != nil {
		return nil, err
	}

	consumer, err := NewAdmin(c.js, c.cfg.ProjectID).findConsumer(ctx, sub)
	if err != nil {
		return nil, err
	}
	info := consumer.CachedInfo()

	limit := settings.FlowControl.MaxOutstandingMessages
	if limit <= 0 {
		limit = 1
	}
	s := &subscriber{
		name:         sub,
		consumer:     consumer,
		limit:        limit,
		sem:          semaphore.NewWeighted(int64(limit)),
		nackDelay:    c.cfg.EffectiveNackDelay(),
		drainTimeout: c.cfg.EffectiveDrainTimeout(),
		logger:       p.logger,
	}

	if deadTopic := info.Config.Metadata[MetaDeadLetterTopic]; deadTopic != "" {
		s.startForwarder = func() (*deadLetterForwarder, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			idx, err := c.deadLetterIndex(ctx)
			if err != nil {
				return nil, err
			}
			f := &deadLetterForwarder{
				nc:           c.nc,
				js:           c.js,
				index:        idx,
				logger:       p.logger,
				stream:       info.Stream,
				consumer:     info.Name,
				topic:        info.Config.Metadata[MetaTopic],
				subscription: sub.SubscriptionID,
				deadTopic:    deadTopic,
			}
			if err := f.start(); err != nil {
				return nil, err
			}
			return f, nil
		}
	}
	return s, nil
}

// ListDeadLetters reads the dead-letter index on the default connection.
func (p *Pool) ListDeadLetters(ctx context.Context, limit, offset int) ([]pubsub.DeadLetter, int, error) {
	c, err := p.client(pubsub.DefaultConnectionName)
	if err != nil {
		return nil, 0, err
	}
	idx, err := c.deadLetterIndex(ctx)
	if err != nil {
		return nil, 0, err
	}
	return idx.List(ctx, limit, offset)
}

func (p *Pool) DeleteDeadLetter(ctx context.Context, key string) error {
	c, err := p.client(pubsub.DefaultConnectionName)
	if err != nil {
		return err
	}
	idx, err := c.deadLetterIndex(ctx)
	if err != nil {
		return err
	}
	return idx.Delete(ctx, key)
}

// Ping round-trips to the server on the default connection, dialing it if needed.
func (p *Pool) Ping(ctx context.Context) error {
	c, err := p.client(pubsub.DefaultConnectionName)
	if err != nil {
		return err
	}
	if status := c.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("NATS connection is %s", status)
	}
	return c.nc.FlushWithContext(ctx)
}

// Close closes every dialed connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, c := range p.clients {
		c.nc.Close()
		delete(p.clients, name)
	}
	return nil
}
