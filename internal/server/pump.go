package server

import (
	"context"

	"go.uber.org/zap"

	"github.com/lectern-app/lectern/backend/internal/fswatch"
	"github.com/lectern-app/lectern/backend/internal/session"
)

// PumpFileEvents forwards watcher notifications to the UI stream, dropping
// the ones the session engine identifies as echoes of its own saves. Runs
// until ctx ends or the watcher closes its stream.
func PumpFileEvents(ctx context.Context, watcher *fswatch.Watcher, engine *session.Engine, dispatcher *EventDispatcher, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events():
			if !ok {
				return
			}
			if !engine.FilterEvent(event) {
				logger.Debug("suppressed self-save notification", zap.String("path", event.Path))
				continue
			}
			dispatcher.Publish(Event{
				Type:      EventFileChanged,
				Path:      event.Path,
				Timestamp: event.Timestamp,
			})
		}
	}
}
