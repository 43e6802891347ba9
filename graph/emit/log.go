package emit

import (
	"context"
	"log/slog"
)

// LogEmitter writes events to a structured logger.
//
// Failure events (node_error, failed, abandoned) are logged at error level,
// retries and undeclared output writes at warn, node_start at debug and
// everything else at info.
//
// Example:
//
//	logger := logging.New(logging.Options{Level: "info"})
//	emitter := emit.NewLogEmitter(logger)
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a LogEmitter. A nil logger uses slog.Default().
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(event Event) {
	attrs := make([]slog.Attr, 0, 3+len(event.Meta))
	attrs = append(attrs, slog.String("instance_id", event.InstanceID))
	if event.Step > 0 {
		attrs = append(attrs, slog.Int("step", event.Step))
	}
	if event.NodeID != "" {
		attrs = append(attrs, slog.String("node_id", event.NodeID))
	}
	for k, v := range event.Meta {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.LogAttrs(context.Background(), levelFor(event.Msg), event.Msg, attrs...)
}

func levelFor(msg string) slog.Level {
	switch msg {
	case MsgNodeError, MsgFailed, MsgAbandoned:
		return slog.LevelError
	case MsgNodeRetry, MsgUndeclaredOutput, MsgDuplicateResume:
		return slog.LevelWarn
	case MsgNodeStart:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
