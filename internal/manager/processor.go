package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/metrics"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/queue"
)

// State is a processor's lifecycle stage.
type State int32

const (
	StateNotStarted State = iota
	StateProvisioning
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateProvisioning:
		return "provisioning"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Processor consumes the subscriptions of one job type and dispatches
// deliveries to its executor.
type Processor struct {
	jobType queue.JobType
	cfg     *queue.Configuration
	binding *binding
	m       *Manager
	logger  *slog.Logger

	state       atomic.Int32
	mu          sync.Mutex
	subscribers []pubsub.SubscriberClient
}

func newProcessor(m *Manager, b *binding, cfg *queue.Configuration) *Processor {
	return &Processor{
		jobType: b.jobType,
		cfg:     cfg,
		binding: b,
		m:       m,
		logger:  m.logger.With("job_type", cfg.JobName),
	}
}

// State returns the current lifecycle stage.
func (p *Processor) State() State {
	return State(p.state.Load())
}

// errStopped is returned by open once the processor is stopping.
var errStopped = errors.New("processor stopped")

// start provisions and opens the immediate subscriber, plus a delayed
// subscriber that moves due jobs onto the immediate topic.
func (p *Processor) start(ctx context.Context) error {
	p.state.Store(int32(StateProvisioning))

	topic, err := p.startImmediate(ctx)
	if err != nil {
		return p.fail(ctx, err)
	}
	if p.cfg.HasDelayed() {
		if err := p.startDelayed(ctx); err != nil {
			return p.fail(ctx, err)
		}
	}

	if !p.state.CompareAndSwap(int32(StateProvisioning), int32(StateRunning)) {
		return p.stoppedWhileStarting()
	}
	p.logger.Info("processing started", "topic", topic.TopicID, "subscription", p.cfg.SubscriptionName, "delayed_subscription", p.cfg.DelayedSubscriptionName, "prefetch", p.prefetch())
	return nil
}

func (p *Processor) fail(ctx context.Context, err error) error {
	if errors.Is(err, errStopped) {
		return p.stoppedWhileStarting()
	}
	p.abort(ctx)
	return err
}

func (p *Processor) stoppedWhileStarting() error {
	return core.NewConflictError("processing for "+p.cfg.JobName+" was stopped while starting", map[string]any{
		"job_type": p.cfg.JobName,
	})
}

func (p *Processor) startImmediate(ctx context.Context) (pubsub.TopicName, error) {
	topic, err := p.m.provisioner.EnsureTopic(ctx, p.jobType, p.cfg)
	if err != nil {
		return pubsub.TopicName{}, err
	}
	sub, err := p.m.provisioner.EnsureSubscription(ctx, p.jobType, p.cfg, topic)
	if err != nil {
		return pubsub.TopicName{}, err
	}
	return topic, p.open(ctx, sub, p.handle)
}

func (p *Processor) startDelayed(ctx context.Context) error {
	topic, err := p.m.provisioner.EnsureDelayedTopic(ctx, p.jobType, p.cfg)
	if err != nil {
		return err
	}
	sub, err := p.m.provisioner.EnsureDelayedSubscription(ctx, p.jobType, p.cfg, topic)
	if err != nil {
		return err
	}
	return p.open(ctx, sub, p.promote)
}

func (p *Processor) prefetch() int {
	return p.m.prefetch(p.cfg)
}

// open starts a subscriber for name unless the processor is already
// stopping. Starting under mu keeps stop from missing a subscriber.
func (p *Processor) open(ctx context.Context, name pubsub.SubscriptionName, h pubsub.Handler) error {
	settings := pubsub.SubscriberSettings{
		FlowControl: pubsub.FlowControl{MaxOutstandingMessages: p.prefetch()},
	}
	client, err := p.m.pool.NewSubscriber(ctx, p.cfg.ConnectionName, name, settings)
	if err != nil {
		return core.NewProvisioningError("opening subscriber for "+name.SubscriptionID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.State(); s == StateStopping || s == StateStopped {
		return errStopped
	}
	if err := client.Start(ctx, h); err != nil {
		return core.NewProvisioningError("starting subscriber for "+name.SubscriptionID, err)
	}
	p.subscribers = append(p.subscribers, client)
	metrics.ActiveSubscriptions.Inc()
	return nil
}

func (p *Processor) abort(ctx context.Context) {
	if err := p.stop(ctx); err != nil {
		p.logger.Warn("failed to stop partially started processor", "error", err)
	}
}

// stop stops every subscriber and reports their failures joined. Only the
// first call does any work.
func (p *Processor) stop(ctx context.Context) error {
	p.mu.Lock()
	if s := p.State(); s == StateStopping || s == StateStopped {
		p.mu.Unlock()
		return nil
	}
	p.state.Store(int32(StateStopping))
	subs := p.subscribers
	p.subscribers = nil
	p.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		metrics.ActiveSubscriptions.Dec()
	}

	p.state.Store(int32(StateStopped))
	return errors.Join(errs...)
}

// handle decides the reply for one delivery.
func (p *Processor) handle(ctx context.Context, msg *pubsub.Message) pubsub.Reply {
	name := p.cfg.JobName
	logger := p.logger.With("message_id", msg.Attribute(AttrMessageID), "delivery_attempt", msg.DeliveryAttempt)

	if due, at := p.m.gate.Due(msg); !due {
		metrics.JobsProcessed.WithLabelValues(name, metrics.OutcomeDeferred).Inc()
		logger.Debug("job not due yet", "scheduled_time", at)
		return pubsub.Nack
	}

	reply, outcome := p.execute(ctx, msg, logger)
	metrics.JobsProcessed.WithLabelValues(name, outcome).Inc()
	return reply
}

// promote handles a delivery from the delayed subscription. A due job is
// republished on the immediate topic, where execution failures count
// towards the dead-letter policy, and then acked.
func (p *Processor) promote(ctx context.Context, msg *pubsub.Message) pubsub.Reply {
	name := p.cfg.JobName
	logger := p.logger.With("message_id", msg.Attribute(AttrMessageID), "delivery_attempt", msg.DeliveryAttempt)

	if due, at := p.m.gate.Due(msg); !due {
		metrics.JobsProcessed.WithLabelValues(name, metrics.OutcomeDeferred).Inc()
		logger.Debug("job not due yet", "scheduled_time", at)
		return pubsub.Nack
	}

	if err := p.m.publisher.Promote(ctx, p.jobType, p.cfg, msg); err != nil {
		logger.Error("failed to move due job to its topic", "error", err)
		return pubsub.Nack
	}
	metrics.JobsProcessed.WithLabelValues(name, metrics.OutcomePromoted).Inc()
	return pubsub.Ack
}

func (p *Processor) execute(ctx context.Context, msg *pubsub.Message, logger *slog.Logger) (reply pubsub.Reply, outcome string) {
	args, ok, err := p.binding.decode(msg.Data)
	if !ok {
		logger.Warn("dropping job with unreadable payload", "error", err)
		return pubsub.Ack, metrics.OutcomeDropped
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("job executor panicked", "panic", r)
			reply, outcome = pubsub.Nack, metrics.OutcomeNack
		}
	}()

	scope, err := p.m.scopes(ctx, p.jobType)
	if err != nil {
		logger.Error("failed to create execution scope", "error", err)
		return pubsub.Nack, metrics.OutcomeNack
	}
	defer func() {
		if err := scope.Close(); err != nil {
			logger.Warn("failed to close execution scope", "error", err)
		}
	}()

	priority, _ := core.ParsePriority(msg.Attribute(AttrPriority))
	ec := &ExecutionContext{
		JobType:         p.jobType,
		JobName:         p.cfg.JobName,
		MessageID:       msg.Attribute(AttrMessageID),
		Attributes:      msg.Attributes,
		DeliveryAttempt: msg.DeliveryAttempt,
		Priority:        priority,
		Scope:           scope,
		Logger:          logger,
	}

	start := time.Now()
	err = p.binding.execute(ctx, ec, args)
	metrics.ExecutionDuration.WithLabelValues(p.cfg.JobName).Observe(time.Since(start).Seconds())

	if err != nil {
		logger.Error("job execution failed", "error", err)
		return pubsub.Nack, metrics.OutcomeNack
	}
	return pubsub.Ack, metrics.OutcomeAck
}
