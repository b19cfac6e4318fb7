package manager

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/queue"
)

// racingAdmin reports every resource missing and every create as lost to a
// concurrent creator.
type racingAdmin struct {
	gets    atomic.Int64
	creates atomic.Int64
	getErr  error
}

func (a *racingAdmin) GetTopic(context.Context, pubsub.TopicName) (*pubsub.Topic, error) {
	a.gets.Add(1)
	return nil, a.getErr
}

func (a *racingAdmin) CreateTopic(context.Context, pubsub.Topic) (*pubsub.Topic, error) {
	a.creates.Add(1)
	return nil, pubsub.ErrAlreadyExists
}

func (a *racingAdmin) GetSubscription(context.Context, pubsub.SubscriptionName) (*pubsub.Subscription, error) {
	a.gets.Add(1)
	return nil, a.getErr
}

func (a *racingAdmin) CreateSubscription(context.Context, pubsub.Subscription) (*pubsub.Subscription, error) {
	a.creates.Add(1)
	return nil, pubsub.ErrAlreadyExists
}

type adminPool struct {
	conns *pubsub.Connections
	admin pubsub.AdminClient
}

func (p *adminPool) Connection(name string) (*pubsub.ConnectionConfig, error) {
	return p.conns.Get(name)
}

func (p *adminPool) Admin(context.Context, string) (pubsub.AdminClient, error) {
	return p.admin, nil
}

func (p *adminPool) NewPublisher(context.Context, string, pubsub.TopicName) (pubsub.PublisherClient, error) {
	return nil, errors.New("not supported")
}

func (p *adminPool) NewSubscriber(context.Context, string, pubsub.SubscriptionName, pubsub.SubscriberSettings) (pubsub.SubscriberClient, error) {
	return nil, errors.New("not supported")
}

func (p *adminPool) Close() error { return nil }

func newAdminProvisioner(admin pubsub.AdminClient, opts queue.Options) *Provisioner {
	pool := &adminPool{conns: pubsub.NewConnections(pubsub.ConnectionConfig{ProjectID: "proj"}, nil), admin: admin}
	return NewProvisioner(pool, opts, discardLogger)
}

func TestProvisioner_ToleratesConcurrentCreate(t *testing.T) {
	admin := &racingAdmin{getErr: pubsub.ErrNotFound}
	p := newAdminProvisioner(admin, queue.DefaultOptions())
	jt := queue.TypeOf[testArgs]()
	cfg := queue.NewRegistry(queue.DefaultOptions()).Resolve(jt)
	ctx := context.Background()

	topic, err := p.EnsureTopic(ctx, jt, cfg)
	if err != nil {
		t.Fatalf("EnsureTopic() error = %v", err)
	}
	if topic.ProjectID != "proj" || topic.TopicID != cfg.TopicName {
		t.Errorf("EnsureTopic() = %v", topic)
	}
	if _, err := p.EnsureSubscription(ctx, jt, cfg, topic); err != nil {
		t.Fatalf("EnsureSubscription() error = %v", err)
	}
}

func TestProvisioner_CachesPerJobType(t *testing.T) {
	admin := &racingAdmin{getErr: pubsub.ErrNotFound}
	p := newAdminProvisioner(admin, queue.DefaultOptions())
	jt := queue.TypeOf[testArgs]()
	cfg := queue.NewRegistry(queue.DefaultOptions()).Resolve(jt)
	ctx := context.Background()

	first, _ := p.EnsureTopic(ctx, jt, cfg)
	gets := admin.gets.Load()
	second, err := p.EnsureTopic(ctx, jt, cfg)
	if err != nil {
		t.Fatalf("EnsureTopic() error = %v", err)
	}
	if first != second {
		t.Errorf("EnsureTopic() = %v then %v", first, second)
	}
	if admin.gets.Load() != gets {
		t.Error("cached EnsureTopic() reached the admin client")
	}

	// The delayed topic is cached separately.
	delayed, err := p.EnsureDelayedTopic(ctx, jt, cfg)
	if err != nil {
		t.Fatalf("EnsureDelayedTopic() error = %v", err)
	}
	if delayed.TopicID != cfg.DelayedTopicName {
		t.Errorf("EnsureDelayedTopic() = %v", delayed)
	}
}

func TestProvisioner_AutoCreateDisabled(t *testing.T) {
	admin := &racingAdmin{getErr: pubsub.ErrNotFound}
	opts := queue.DefaultOptions()
	opts.AutoCreateSubscriptions = false
	p := newAdminProvisioner(admin, opts)
	jt := queue.TypeOf[testArgs]()
	cfg := queue.NewRegistry(opts).Resolve(jt)
	ctx := context.Background()

	topic, err := p.EnsureTopic(ctx, jt, cfg)
	if err != nil {
		t.Fatalf("EnsureTopic() error = %v", err)
	}
	_, err = p.EnsureSubscription(ctx, jt, cfg, topic)
	if !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("EnsureSubscription() error = %v, want configuration error", err)
	}
	var cerr *core.Error
	if errors.As(err, &cerr) && cerr.Retryable {
		t.Error("configuration errors must not be retryable")
	}
}

func TestProvisioner_TransportFailureIsProvisioningError(t *testing.T) {
	admin := &racingAdmin{getErr: errors.New("connection refused")}
	p := newAdminProvisioner(admin, queue.DefaultOptions())
	jt := queue.TypeOf[testArgs]()
	cfg := queue.NewRegistry(queue.DefaultOptions()).Resolve(jt)

	_, err := p.EnsureTopic(context.Background(), jt, cfg)
	if !errors.Is(err, core.ErrProvisioning) {
		t.Fatalf("EnsureTopic() error = %v, want provisioning error", err)
	}
	if admin.creates.Load() != 0 {
		t.Error("EnsureTopic() attempted a create after a failed lookup")
	}
}

func TestProvisioner_NoDeadLetterWithoutSuffix(t *testing.T) {
	m, broker := newTestManager(t, func(o *queue.Options) { o.DeadLetterTopicSuffix = "" })
	jt := queue.TypeOf[testArgs]()
	cfg := m.Registry().Resolve(jt)
	ctx := context.Background()

	topic, err := m.provisioner.EnsureTopic(ctx, jt, cfg)
	if err != nil {
		t.Fatalf("EnsureTopic() error = %v", err)
	}
	if _, err := m.provisioner.EnsureSubscription(ctx, jt, cfg, topic); err != nil {
		t.Fatalf("EnsureSubscription() error = %v", err)
	}
	sub, _ := broker.GetSubscription(ctx, subOf(cfg.SubscriptionName))
	if sub.DeadLetterPolicy != nil {
		t.Errorf("DeadLetterPolicy = %+v, want nil", sub.DeadLetterPolicy)
	}
	if _, err := broker.GetTopic(ctx, topicOf(cfg.TopicName+".DeadLetter")); !errors.Is(err, pubsub.ErrNotFound) {
		t.Errorf("dead-letter topic exists without a suffix: %v", err)
	}
}

func TestProvisioner_PerJobTypeMaxAttempts(t *testing.T) {
	m, broker := newTestManager(t, nil)
	jt := queue.TypeOf[testArgs]()
	attempts := 2
	if err := m.Registry().ConfigureOverride(jt, queue.Override{MaxDeliveryAttempts: &attempts}); err != nil {
		t.Fatalf("ConfigureOverride() error = %v", err)
	}
	cfg := m.Registry().Resolve(jt)
	ctx := context.Background()

	topic, _ := m.provisioner.EnsureTopic(ctx, jt, cfg)
	if _, err := m.provisioner.EnsureSubscription(ctx, jt, cfg, topic); err != nil {
		t.Fatalf("EnsureSubscription() error = %v", err)
	}
	sub, _ := broker.GetSubscription(ctx, subOf(cfg.SubscriptionName))
	if sub.DeadLetterPolicy == nil || sub.DeadLetterPolicy.MaxDeliveryAttempts != 2 {
		t.Errorf("DeadLetterPolicy = %+v, want 2 attempts", sub.DeadLetterPolicy)
	}
}
