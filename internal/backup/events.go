package backup

import (
	"context"
	"time"

	"github.com/MacJediWizard/keldris-orchestrator/internal/pipeline"
	"github.com/rs/zerolog"
)

// EventType identifies a backup lifecycle event.
type EventType string

const (
	EventStarted   EventType = "backup.started"
	EventCompleted EventType = "backup.completed"
)

// Event is an observability record of a run starting or finishing.
// Outcome, ErrorCode and Duration are set on completion only.
type Event struct {
	Type      EventType
	AssetKey  string
	Variant   string
	Forced    bool
	Outcome   pipeline.Outcome
	ErrorCode string
	Started   time.Time
	Duration  time.Duration
}

// EventDispatcher receives lifecycle events. Dispatch must not block.
type EventDispatcher interface {
	Dispatch(ctx context.Context, e Event)
}

// LogDispatcher writes events to the log.
type LogDispatcher struct {
	logger zerolog.Logger
}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher(logger zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger.With().Str("component", "backup_events").Logger()}
}

func (d *LogDispatcher) Dispatch(_ context.Context, e Event) {
	ev := d.logger.Info().
		Str("event", string(e.Type)).
		Str("asset", e.AssetKey).
		Str("variant", e.Variant).
		Bool("forced", e.Forced)
	if e.Type == EventCompleted {
		ev = ev.Str("outcome", string(e.Outcome)).Dur("duration", e.Duration)
		if e.ErrorCode != "" {
			ev = ev.Str("error_code", e.ErrorCode)
		}
	}
	ev.Msg("backup event")
}

// MultiDispatcher fans an event out to several dispatchers in order.
type MultiDispatcher []EventDispatcher

func (m MultiDispatcher) Dispatch(ctx context.Context, e Event) {
	for _, d := range m {
		if d != nil {
			d.Dispatch(ctx, e)
		}
	}
}
