package builtin

import (
	"context"
	"log/slog"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/manager"
)

// LogMessage writes Message to the worker log.
type LogMessage struct {
	Message string         `json:"message"`
	Level   string         `json:"level,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func (LogMessage) JobName() string { return "log.message" }

type LogExecutor struct{}

func (LogExecutor) Execute(ctx context.Context, ec *manager.ExecutionContext, args LogMessage) error {
	attrs := make([]any, 0, 2*len(args.Fields)+4)
	attrs = append(attrs, "message_id", ec.MessageID)

	// Unknown levels log at info rather than failing the job.
	level := slog.LevelInfo
	if args.Level != "" {
		if err := level.UnmarshalText([]byte(args.Level)); err != nil {
			level = slog.LevelInfo
			attrs = append(attrs, "requested_level", args.Level)
		}
	}
	for k, v := range args.Fields {
		attrs = append(attrs, k, v)
	}
	ec.Logger.Log(ctx, level, args.Message, attrs...)
	return nil
}
