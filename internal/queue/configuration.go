package queue

import (
	"time"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
)

// Configuration is the per job type queue layout.
type Configuration struct {
	JobType JobType `json:"-"`
	JobName string  `json:"job_name"`

	TopicName        string `json:"topic_name"`
	SubscriptionName string `json:"subscription_name"`

	DelayedTopicName        string `json:"delayed_topic_name,omitempty"`
	DelayedSubscriptionName string `json:"delayed_subscription_name,omitempty"`

	ConnectionName string `json:"connection_name"`

	AckDeadlineSeconds   int  `json:"ack_deadline_seconds"`
	MessageRetentionDays int  `json:"message_retention_days"`
	MaxDeliveryAttempts  *int `json:"max_delivery_attempts,omitempty"`
	PrefetchCount        *int `json:"prefetch_count,omitempty"`
}

// HasDelayed reports whether a delayed topic is configured.
func (c *Configuration) HasDelayed() bool {
	return c.DelayedTopicName != ""
}

func (c *Configuration) AckDeadline() time.Duration {
	return time.Duration(c.AckDeadlineSeconds) * time.Second
}

func (c *Configuration) MessageRetention() time.Duration {
	return time.Duration(c.MessageRetentionDays) * 24 * time.Hour
}

// Override is a partial Configuration, typically loaded from a config file.
// Zero fields keep the synthesized value.
type Override struct {
	TopicName               string `json:"topic_name,omitempty"`
	SubscriptionName        string `json:"subscription_name,omitempty"`
	DelayedTopicName        string `json:"delayed_topic_name,omitempty"`
	DelayedSubscriptionName string `json:"delayed_subscription_name,omitempty"`
	ConnectionName          string `json:"connection_name,omitempty"`
	AckDeadlineSeconds      int    `json:"ack_deadline_seconds,omitempty"`
	MessageRetentionDays    int    `json:"message_retention_days,omitempty"`
	MaxDeliveryAttempts     *int   `json:"max_delivery_attempts,omitempty"`
	PrefetchCount           *int   `json:"prefetch_count,omitempty"`
}

// Apply copies the non-zero fields of o onto a copy of c.
func (o Override) Apply(c Configuration) Configuration {
	if o.TopicName != "" {
		c.TopicName = o.TopicName
	}
	if o.SubscriptionName != "" {
		c.SubscriptionName = o.SubscriptionName
	}
	if o.DelayedTopicName != "" {
		c.DelayedTopicName = o.DelayedTopicName
	}
	if o.DelayedSubscriptionName != "" {
		c.DelayedSubscriptionName = o.DelayedSubscriptionName
	}
	if o.ConnectionName != "" {
		c.ConnectionName = o.ConnectionName
	}
	if o.AckDeadlineSeconds > 0 {
		c.AckDeadlineSeconds = o.AckDeadlineSeconds
	}
	if o.MessageRetentionDays > 0 {
		c.MessageRetentionDays = o.MessageRetentionDays
	}
	if o.MaxDeliveryAttempts != nil {
		c.MaxDeliveryAttempts = o.MaxDeliveryAttempts
	}
	if o.PrefetchCount != nil {
		c.PrefetchCount = o.PrefetchCount
	}
	return c
}

// Options are the global defaults configurations are synthesized from.
type Options struct {
	TopicPrefix               string `json:"topic_prefix"`
	SubscriptionPrefix        string `json:"subscription_prefix"`
	DelayedTopicPrefix        string `json:"delayed_topic_prefix"`
	DelayedSubscriptionPrefix string `json:"delayed_subscription_prefix"`

	PrefetchCount        int `json:"prefetch_count"`
	AckDeadlineSeconds   int `json:"ack_deadline_seconds"`
	MessageRetentionDays int `json:"message_retention_days"`
	MaxDeliveryAttempts  int `json:"max_delivery_attempts"`

	AutoCreateTopics        bool `json:"auto_create_topics"`
	AutoCreateSubscriptions bool `json:"auto_create_subscriptions"`

	// DeadLetterTopicSuffix names the dead-letter topic as {topic}.{suffix}.
	// Empty disables dead-lettering.
	DeadLetterTopicSuffix string `json:"dead_letter_topic_suffix"`
	ConnectionName        string `json:"connection_name"`
}

// DefaultOptions returns the stock global options.
func DefaultOptions() Options {
	return Options{
		TopicPrefix:               "ojs.jobs",
		SubscriptionPrefix:        "ojs.jobs",
		DelayedTopicPrefix:        "ojs.jobs.delayed",
		DelayedSubscriptionPrefix: "ojs.jobs.delayed",
		PrefetchCount:             1,
		AckDeadlineSeconds:        60,
		MessageRetentionDays:      7,
		MaxDeliveryAttempts:       5,
		AutoCreateTopics:          true,
		AutoCreateSubscriptions:   true,
		DeadLetterTopicSuffix:     "DeadLetter",
		ConnectionName:            pubsub.DefaultConnectionName,
	}
}

// Connection returns ConnectionName, or the default connection when empty.
func (o Options) Connection() string {
	if o.ConnectionName == "" {
		return pubsub.DefaultConnectionName
	}
	return o.ConnectionName
}

// Synthesize builds the default configuration for jt from o.
func (o Options) Synthesize(jt JobType) Configuration {
	name := jt.Name()
	cfg := Configuration{
		JobType:              jt,
		JobName:              name,
		TopicName:            join(o.TopicPrefix, name),
		SubscriptionName:     join(o.SubscriptionPrefix, name),
		ConnectionName:       o.Connection(),
		AckDeadlineSeconds:   o.AckDeadlineSeconds,
		MessageRetentionDays: o.MessageRetentionDays,
	}
	if o.DelayedTopicPrefix != "" {
		cfg.DelayedTopicName = join(o.DelayedTopicPrefix, name)
		cfg.DelayedSubscriptionName = join(o.DelayedSubscriptionPrefix, name)
	}
	return cfg
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
