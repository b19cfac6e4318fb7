package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/queue"
)

type cacheKey struct {
	jobType queue.JobType
	delayed bool
}

// Provisioner makes sure the topics and subscriptions a job type needs exist.
// Resolved names are cached per job type for the provisioner's lifetime.
type Provisioner struct {
	pool   pubsub.ConnectionPool
	opts   queue.Options
	logger *slog.Logger

	topics sync.Map // cacheKey -> pubsub.TopicName
	subs   sync.Map // cacheKey -> pubsub.SubscriptionName
}

// NewProvisioner returns a provisioner over pool.
func NewProvisioner(pool pubsub.ConnectionPool, opts queue.Options, logger *slog.Logger) *Provisioner {
	return &Provisioner{pool: pool, opts: opts, logger: logger}
}

// EnsureTopic returns the immediate topic for jt, creating it if allowed.
func (p *Provisioner) EnsureTopic(ctx context.Context, jt queue.JobType, cfg *queue.Configuration) (pubsub.TopicName, error) {
	key := cacheKey{jobType: jt}
	if v, ok := p.topics.Load(key); ok {
		return v.(pubsub.TopicName), nil
	}

	conn, admin, err := p.admin(ctx, cfg)
	if err != nil {
		return pubsub.TopicName{}, err
	}
	name := pubsub.TopicName{ProjectID: conn.ProjectID, TopicID: cfg.TopicName}
	if err := p.ensureTopic(ctx, admin, name, cfg); err != nil {
		return pubsub.TopicName{}, err
	}
	v, _ := p.topics.LoadOrStore(key, name)
	return v.(pubsub.TopicName), nil
}

// EnsureDelayedTopic returns the delayed topic for jt. A configuration
// without one is a configuration error.
func (p *Provisioner) EnsureDelayedTopic(ctx context.Context, jt queue.JobType, cfg *queue.Configuration) (pubsub.TopicName, error) {
	if !cfg.HasDelayed() {
		return pubsub.TopicName{}, core.NewConfigurationError("no delayed topic configured for "+cfg.JobName, map[string]any{
			"job_type": cfg.JobName,
		})
	}
	key := cacheKey{jobType: jt, delayed: true}
	if v, ok := p.topics.Load(key); ok {
		return v.(pubsub.TopicName), nil
	}

	conn, admin, err := p.admin(ctx, cfg)
	if err != nil {
		return pubsub.TopicName{}, err
	}
	name := pubsub.TopicName{ProjectID: conn.ProjectID, TopicID: cfg.DelayedTopicName}
	if err := p.ensureTopic(ctx, admin, name, cfg); err != nil {
		return pubsub.TopicName{}, err
	}
	v, _ := p.topics.LoadOrStore(key, name)
	return v.(pubsub.TopicName), nil
}

// EnsureSubscription returns the immediate subscription for jt on topic. When
// a dead-letter suffix and max delivery attempts are configured, the
// dead-letter topic is created first and attached as the subscription's policy.
func (p *Provisioner) EnsureSubscription(ctx context.Context, jt queue.JobType, cfg *queue.Configuration, topic pubsub.TopicName) (pubsub.SubscriptionName, error) {
	key := cacheKey{jobType: jt}
	if v, ok := p.subs.Load(key); ok {
		return v.(pubsub.SubscriptionName), nil
	}

	conn, admin, err := p.admin(ctx, cfg)
	if err != nil {
		return pubsub.SubscriptionName{}, err
	}
	name := pubsub.SubscriptionName{ProjectID: conn.ProjectID, SubscriptionID: cfg.SubscriptionName}

	build := func() (pubsub.Subscription, error) {
		sub := pubsub.Subscription{
			Name:             name,
			Topic:            topic,
			AckDeadline:      cfg.AckDeadline(),
			MessageRetention: cfg.MessageRetention(),
		}
		attempts := p.maxDeliveryAttempts(cfg)
		if p.opts.DeadLetterTopicSuffix == "" || attempts <= 0 {
			return sub, nil
		}
		dead := pubsub.TopicName{ProjectID: conn.ProjectID, TopicID: cfg.TopicName + "." + p.opts.DeadLetterTopicSuffix}
		if err := p.ensureTopic(ctx, admin, dead, cfg); err != nil {
			return pubsub.Subscription{}, err
		}
		sub.DeadLetterPolicy = &pubsub.DeadLetterPolicy{DeadLetterTopic: dead, MaxDeliveryAttempts: attempts}
		return sub, nil
	}

	if err := p.ensureSubscription(ctx, admin, name, build); err != nil {
		return pubsub.SubscriptionName{}, err
	}
	v, _ := p.subs.LoadOrStore(key, name)
	return v.(pubsub.SubscriptionName), nil
}

// EnsureDelayedSubscription returns the delayed subscription for jt. Delayed
// subscriptions never dead-letter: every early delivery is a nack.
func (p *Provisioner) EnsureDelayedSubscription(ctx context.Context, jt queue.JobType, cfg *queue.Configuration, topic pubsub.TopicName) (pubsub.SubscriptionName, error) {
	if cfg.DelayedSubscriptionName == "" {
		return pubsub.SubscriptionName{}, core.NewConfigurationError("no delayed subscription configured for "+cfg.JobName, map[string]any{
			"job_type": cfg.JobName,
		})
	}
	key := cacheKey{jobType: jt, delayed: true}
	if v, ok := p.subs.Load(key); ok {
		return v.(pubsub.SubscriptionName), nil
	}

	conn, admin, err := p.admin(ctx, cfg)
	if err != nil {
		return pubsub.SubscriptionName{}, err
	}
	name := pubsub.SubscriptionName{ProjectID: conn.ProjectID, SubscriptionID: cfg.DelayedSubscriptionName}
	build := func() (pubsub.Subscription, error) {
		return pubsub.Subscription{
			Name:             name,
			Topic:            topic,
			AckDeadline:      cfg.AckDeadline(),
			MessageRetention: cfg.MessageRetention(),
		}, nil
	}
	if err := p.ensureSubscription(ctx, admin, name, build); err != nil {
		return pubsub.SubscriptionName{}, err
	}
	v, _ := p.subs.LoadOrStore(key, name)
	return v.(pubsub.SubscriptionName), nil
}

func (p *Provisioner) maxDeliveryAttempts(cfg *queue.Configuration) int {
	if cfg.MaxDeliveryAttempts != nil {
		return *cfg.MaxDeliveryAttempts
	}
	return p.opts.MaxDeliveryAttempts
}

func (p *Provisioner) admin(ctx context.Context, cfg *queue.Configuration) (*pubsub.ConnectionConfig, pubsub.AdminClient, error) {
	conn, err := p.pool.Connection(cfg.ConnectionName)
	if err != nil {
		return nil, nil, err
	}
	admin, err := p.pool.Admin(ctx, cfg.ConnectionName)
	if err != nil {
		return nil, nil, core.NewProvisioningError("opening admin client for connection "+conn.Name, err)
	}
	return conn, admin, nil
}

func (p *Provisioner) ensureTopic(ctx context.Context, admin pubsub.AdminClient, name pubsub.TopicName, cfg *queue.Configuration) error {
	_, err := admin.GetTopic(ctx, name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pubsub.ErrNotFound) {
		return core.NewProvisioningError("looking up topic "+name.TopicID, err)
	}
	if !p.opts.AutoCreateTopics {
		return core.NewConfigurationError("topic "+name.TopicID+" does not exist and auto-create is disabled", map[string]any{
			"topic": name.String(),
		})
	}

	_, err = admin.CreateTopic(ctx, pubsub.Topic{Name: name, MessageRetention: cfg.MessageRetention()})
	switch {
	case err == nil:
		p.logger.Info("topic created", "topic", name.TopicID, "job_type", cfg.JobName)
	case errors.Is(err, pubsub.ErrAlreadyExists):
	case errors.Is(err, core.ErrConfiguration):
		return err
	default:
		return core.NewProvisioningError("creating topic "+name.TopicID, err)
	}
	return nil
}

func (p *Provisioner) ensureSubscription(ctx context.Context, admin pubsub.AdminClient, name pubsub.SubscriptionName, build func() (pubsub.Subscription, error)) error {
	_, err := admin.GetSubscription(ctx, name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pubsub.ErrNotFound) {
		return core.NewProvisioningError("looking up subscription "+name.SubscriptionID, err)
	}
	if !p.opts.AutoCreateSubscriptions {
		return core.NewConfigurationError("subscription "+name.SubscriptionID+" does not exist and auto-create is disabled", map[string]any{
			"subscription": name.String(),
		})
	}

	sub, err := build()
	if err != nil {
		return err
	}
	_, err = admin.CreateSubscription(ctx, sub)
	switch {
	case err == nil:
		p.logger.Info("subscription created", "subscription", name.SubscriptionID, "topic", sub.Topic.TopicID, "dead_letter", sub.DeadLetterPolicy != nil)
	case errors.Is(err, pubsub.ErrAlreadyExists):
	default:
		return core.NewProvisioningError("creating subscription "+name.SubscriptionID, err)
	}
	return nil
}
