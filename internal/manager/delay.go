package manager

import (
	"time"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
)

// DelayGate holds back delayed messages until their ScheduledTime. Early
// deliveries are nacked, so delay precision is bounded below by the
// transport's nack redelivery interval.
type DelayGate struct {
	now func() time.Time
}

// NewDelayGate returns a gate on the wall clock.
func NewDelayGate() DelayGate {
	return DelayGate{now: time.Now}
}

// Due reports whether msg may run now. Messages without a ScheduledTime, or
// with one that does not parse, are due.
func (g DelayGate) Due(msg *pubsub.Message) (bool, time.Time) {
	raw := msg.Attribute(AttrScheduledTime)
	if raw == "" {
		return true, time.Time{}
	}
	at, err := core.ParseTimestamp(raw)
	if err != nil {
		return true, time.Time{}
	}
	return !at.After(g.now()), at
}

// ScheduledTime returns now + delay.
func (g DelayGate) ScheduledTime(delay time.Duration) time.Time {
	return g.now().Add(delay)
}
