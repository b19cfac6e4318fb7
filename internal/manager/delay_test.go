package manager

import (
	"testing"
	"time"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
)

func TestDelayGate_Due(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g := DelayGate{now: func() time.Time { return now }}

	tests := []struct {
		name  string
		attrs map[string]string
		want  bool
	}{
		{"no attributes", nil, true},
		{"immediate", map[string]string{AttrEnqueuedAt: core.FormatTimestamp(now)}, true},
		{"future", map[string]string{AttrScheduledTime: core.FormatTimestamp(now.Add(time.Nanosecond))}, false},
		{"exactly now", map[string]string{AttrScheduledTime: core.FormatTimestamp(now)}, true},
		{"past", map[string]string{AttrScheduledTime: core.FormatTimestamp(now.Add(-time.Minute))}, true},
		{"unparseable", map[string]string{AttrScheduledTime: "next tuesday"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			due, _ := g.Due(&pubsub.Message{Attributes: tt.attrs})
			if due != tt.want {
				t.Errorf("Due() = %v, want %v", due, tt.want)
			}
		})
	}
}

func TestDelayGate_ScheduledTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g := DelayGate{now: func() time.Time { return now }}
	if got := g.ScheduledTime(90 * time.Second); !got.Equal(now.Add(90 * time.Second)) {
		t.Errorf("ScheduledTime() = %v", got)
	}
}
