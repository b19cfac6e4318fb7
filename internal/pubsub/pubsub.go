// Package pubsub defines the publish/subscribe transport the job manager is
// layered on: topics, subscriptions, admin/publisher/subscriber clients and the
// connection pool that hands them out by connection name.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by admin lookups for a missing topic or subscription.
	ErrNotFound = errors.New("pubsub: resource not found")
	// ErrAlreadyExists is returned when a create races with another creator.
	ErrAlreadyExists = errors.New("pubsub: resource already exists")
	// ErrStopped is returned when a subscriber is started twice or after Stop.
	ErrStopped = errors.New("pubsub: subscriber stopped")
)

// TopicName is a fully qualified topic reference.
type TopicName struct {
	ProjectID string
	TopicID   string
}

func (n TopicName) String() string {
	return fmt.Sprintf("projects/%s/topics/%s", n.ProjectID, n.TopicID)
}

// SubscriptionName is a fully qualified subscription reference.
type SubscriptionName struct {
	ProjectID      string
	SubscriptionID string
}

func (n SubscriptionName) String() string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", n.ProjectID, n.SubscriptionID)
}

// Topic describes a topic to create.
type Topic struct {
	Name             TopicName
	MessageRetention time.Duration
}

// DeadLetterPolicy moves a message to DeadLetterTopic once it has been
// delivered MaxDeliveryAttempts times without an ack.
type DeadLetterPolicy struct {
	DeadLetterTopic     TopicName
	MaxDeliveryAttempts int
}

// Subscription describes a subscription to create.
type Subscription struct {
	Name             SubscriptionName
	Topic            TopicName
	AckDeadline      time.Duration
	MessageRetention time.Duration
	DeadLetterPolicy *DeadLetterPolicy
}

// Message is a single envelope on the wire. ID, DeliveryAttempt and
// PublishTime are filled in by the transport on delivery.
type Message struct {
	ID              string
	Data            []byte
	Attributes      map[string]string
	DeliveryAttempt int
	PublishTime     time.Time
}

// Attribute returns the named attribute, or "" if absent.
func (m *Message) Attribute(key string) string {
	if m.Attributes == nil {
		return ""
	}
	return m.Attributes[key]
}

// Reply is a handler's verdict on a delivered message.
type Reply int

const (
	// Ack removes the message from the subscription.
	Ack Reply = iota
	// Nack asks the transport to redeliver the message later.
	Nack
)

func (r Reply) String() string {
	if r == Ack {
		return "ack"
	}
	return "nack"
}

// Handler processes one delivered message.
type Handler func(ctx context.Context, msg *Message) Reply

// FlowControl bounds concurrently outstanding messages per subscriber.
type FlowControl struct {
	MaxOutstandingMessages int
}

// SubscriberSettings configures a subscriber client.
type SubscriberSettings struct {
	FlowControl FlowControl
}

// AdminClient manages topics and subscriptions.
type AdminClient interface {
	GetTopic(ctx context.Context, name TopicName) (*Topic, error)
	CreateTopic(ctx context.Context, topic Topic) (*Topic, error)
	GetSubscription(ctx context.Context, name SubscriptionName) (*Subscription, error)
	CreateSubscription(ctx context.Context, sub Subscription) (*Subscription, error)
}

// PublisherClient publishes to a single topic.
type PublisherClient interface {
	// Publish returns the transport-assigned message id.
	Publish(ctx context.Context, msg *Message) (string, error)
	// Shutdown flushes pending publishes and releases the client.
	Shutdown(ctx context.Context) error
}

// SubscriberClient consumes a single subscription.
type SubscriberClient interface {
	// Start begins delivering messages to h. It returns once consumption is running.
	Start(ctx context.Context, h Handler) error
	// Stop drains in-flight handlers and ends consumption.
	Stop(ctx context.Context) error
}

// ConnectionPool hands out transport clients by connection name.
type ConnectionPool interface {
	Connection(name string) (*ConnectionConfig, error)
	Admin(ctx context.Context, name string) (AdminClient, error)
	NewPublisher(ctx context.Context, name string, topic TopicName) (PublisherClient, error)
	NewSubscriber(ctx context.Context, name string, sub SubscriptionName, settings SubscriberSettings) (SubscriberClient, error)
	Close() error
}

// Pinger is implemented by pools that can check transport reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
