package sink

import (
	"context"
	"log/slog"

	"github.com/LizzarTV/Twitch-Bot/chat"
	"github.com/LizzarTV/Twitch-Bot/telemetry"
)

var labels = map[chat.Kind]string{
	chat.KindJoin:    "Join",
	chat.KindPart:    "Part",
	chat.KindMessage: "Chat",
	chat.KindHost:    "Host",
	chat.KindHosted:  "Hosted",
}

// LogSink writes one info line per event with the payload as top-level attributes.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink logs through l, or slog.Default when l is nil.
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = slog.Default()
	}
	return &LogSink{logger: l}
}

func (s *LogSink) Deliver(ctx context.Context, ev chat.Event) error {
	label, ok := labels[ev.Kind()]
	if !ok {
		label = string(ev.Kind())
	}
	attrs := ev.LogValue().Group()
	if corr := telemetry.GetCorrelation(ctx); corr != "" {
		attrs = append(attrs, slog.String("corr", corr))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, label, attrs...)
	return nil
}
