package pubsub

import (
	"context"
	"time"
)

// DeadLetter records a message moved to a dead-letter topic.
type DeadLetter struct {
	Key             string    `json:"key"`
	Topic           string    `json:"topic"`
	DeadLetterTopic string    `json:"dead_letter_topic"`
	Subscription    string    `json:"subscription"`
	MessageID       string    `json:"message_id,omitempty"`
	JobArgsType     string    `json:"job_args_type,omitempty"`
	Deliveries      int       `json:"deliveries"`
	DeadLetteredAt  time.Time `json:"dead_lettered_at"`
}

// DeadLetterLister is implemented by pools that index dead-lettered messages.
type DeadLetterLister interface {
	// ListDeadLetters returns a page of entries and the total count.
	ListDeadLetters(ctx context.Context, limit, offset int) ([]DeadLetter, int, error)
	DeleteDeadLetter(ctx context.Context, key string) error
}
