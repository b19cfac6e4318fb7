package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/codec"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/metrics"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/queue"
)

// Message attribute keys.
const (
	AttrJobArgsType   = "JobArgsType"
	AttrMessageID     = "MessageId"
	AttrPriority      = "Priority"
	AttrEnqueuedAt    = "EnqueuedAt"
	AttrScheduledTime = "ScheduledTime"
)

const publisherShutdownTimeout = 10 * time.Second

// Publisher serializes jobs and publishes them with delivery metadata.
type Publisher struct {
	pool        pubsub.ConnectionPool
	provisioner *Provisioner
	serializer  codec.Serializer
	gate        DelayGate
	logger      *slog.Logger
	now         func() time.Time
}

// NewPublisher returns a publisher that provisions topics through provisioner.
func NewPublisher(pool pubsub.ConnectionPool, provisioner *Provisioner, serializer codec.Serializer, logger *slog.Logger) *Publisher {
	return &Publisher{
		pool:        pool,
		provisioner: provisioner,
		serializer:  serializer,
		gate:        NewDelayGate(),
		logger:      logger,
		now:         time.Now,
	}
}

// Publish sends args to the immediate topic of jt and returns the job handle.
func (p *Publisher) Publish(ctx context.Context, jt queue.JobType, cfg *queue.Configuration, args any, priority core.Priority) (string, error) {
	data, err := p.serializer.Serialize(args)
	if err != nil {
		return "", err
	}
	return p.PublishData(ctx, jt, cfg, data, priority)
}

// PublishData is Publish for an already serialized payload.
func (p *Publisher) PublishData(ctx context.Context, jt queue.JobType, cfg *queue.Configuration, data []byte, priority core.Priority) (string, error) {
	topic, err := p.provisioner.EnsureTopic(ctx, jt, cfg)
	if err != nil {
		return "", err
	}

	messageID := core.NewUUIDv7()
	attrs := map[string]string{
		AttrJobArgsType: jt.QualifiedName(),
		AttrMessageID:   messageID,
		AttrPriority:    priority.String(),
		AttrEnqueuedAt:  core.FormatTimestamp(p.now()),
	}
	if err := p.send(ctx, cfg, topic, data, attrs); err != nil {
		return "", err
	}

	metrics.JobsEnqueued.WithLabelValues(cfg.JobName, metrics.KindImmediate).Inc()
	p.logger.Debug("job enqueued", "job_type", cfg.JobName, "message_id", messageID, "priority", priority.String())
	return messageID, nil
}

// PublishDelayed sends args to the delayed topic of jt, stamped with a
// ScheduledTime of now + delay. Delayed messages always carry Normal priority.
func (p *Publisher) PublishDelayed(ctx context.Context, jt queue.JobType, cfg *queue.Configuration, args any, delay time.Duration) (string, error) {
	data, err := p.serializer.Serialize(args)
	if err != nil {
		return "", err
	}
	return p.PublishDelayedData(ctx, jt, cfg, data, delay)
}

// PublishDelayedData is PublishDelayed for an already serialized payload.
func (p *Publisher) PublishDelayedData(ctx context.Context, jt queue.JobType, cfg *queue.Configuration, data []byte, delay time.Duration) (string, error) {
	topic, err := p.provisioner.EnsureDelayedTopic(ctx, jt, cfg)
	if err != nil {
		return "", err
	}

	messageID := core.NewUUIDv7()
	scheduled := p.gate.ScheduledTime(delay)
	attrs := map[string]string{
		AttrJobArgsType:   jt.QualifiedName(),
		AttrMessageID:     messageID,
		AttrPriority:      core.PriorityNormal.String(),
		AttrScheduledTime: core.FormatTimestamp(scheduled),
	}
	if err := p.send(ctx, cfg, topic, data, attrs); err != nil {
		return "", err
	}

	metrics.JobsEnqueued.WithLabelValues(cfg.JobName, metrics.KindDelayed).Inc()
	p.logger.Debug("delayed job enqueued", "job_type", cfg.JobName, "message_id", messageID, "scheduled_time", attrs[AttrScheduledTime])
	return messageID, nil
}

// Promote republishes a due delayed message on the immediate topic of jt.
// MessageId, JobArgsType and Priority carry over; EnqueuedAt is the
// promotion time and ScheduledTime is dropped.
func (p *Publisher) Promote(ctx context.Context, jt queue.JobType, cfg *queue.Configuration, msg *pubsub.Message) error {
	topic, err := p.provisioner.EnsureTopic(ctx, jt, cfg)
	if err != nil {
		return err
	}

	attrs := map[string]string{
		AttrJobArgsType: msg.Attribute(AttrJobArgsType),
		AttrMessageID:   msg.Attribute(AttrMessageID),
		AttrPriority:    msg.Attribute(AttrPriority),
		AttrEnqueuedAt:  core.FormatTimestamp(p.now()),
	}
	if attrs[AttrJobArgsType] == "" {
		attrs[AttrJobArgsType] = jt.QualifiedName()
	}
	if attrs[AttrMessageID] == "" {
		attrs[AttrMessageID] = core.NewUUIDv7()
	}
	if attrs[AttrPriority] == "" {
		attrs[AttrPriority] = core.PriorityNormal.String()
	}
	if err := p.send(ctx, cfg, topic, msg.Data, attrs); err != nil {
		return err
	}

	metrics.JobsEnqueued.WithLabelValues(cfg.JobName, metrics.KindPromoted).Inc()
	p.logger.Debug("delayed job due", "job_type", cfg.JobName, "message_id", attrs[AttrMessageID])
	return nil
}

// send opens a publish client for one call and always shuts it down.
func (p *Publisher) send(ctx context.Context, cfg *queue.Configuration, topic pubsub.TopicName, data []byte, attrs map[string]string) error {
	client, err := p.pool.NewPublisher(ctx, cfg.ConnectionName, topic)
	if err != nil {
		metrics.PublishFailures.WithLabelValues(cfg.JobName).Inc()
		return core.NewPublishError("opening publisher for "+topic.TopicID, err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publisherShutdownTimeout)
		defer cancel()
		if serr := client.Shutdown(shutdownCtx); serr != nil {
			p.logger.Warn("publisher shutdown failed", "topic", topic.TopicID, "error", serr)
		}
	}()

	if _, err := client.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}); err != nil {
		metrics.PublishFailures.WithLabelValues(cfg.JobName).Inc()
		return core.NewPublishError(fmt.Sprintf("publishing %s to %s", cfg.JobName, topic.TopicID), err)
	}
	return nil
}
