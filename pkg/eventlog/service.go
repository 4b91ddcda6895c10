// Package eventlog records device-scoped events for caregiver context
// and session log summaries.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pulsera-health/pulsera/pkg/database"
)

// Service wraps the store with best-effort logging semantics: a failed
// write is logged, never propagated into the hot path.
type Service struct {
	store database.Store
}

// NewService builds an event log over the given store.
func NewService(store database.Store) *Service {
	return &Service{store: store}
}

// Record logs one device event. Errors are swallowed after logging so
// ingestion and session paths never stall on persistence.
func (s *Service) Record(ctx context.Context, deviceID, eventType string, payload map[string]any) {
	if err := s.store.RecordEvent(ctx, deviceID, eventType, payload); err != nil {
		slog.Warn("Failed to record device event",
			"device_id", deviceID, "event_type", eventType, "error", err)
	}
}

// Recent returns the newest events for a device, newest first.
func (s *Service) Recent(ctx context.Context, deviceID string, limit int) []database.DeviceEvent {
	events, err := s.store.RecentEvents(ctx, deviceID, limit)
	if err != nil {
		slog.Warn("Failed to load device events", "device_id", deviceID, "error", err)
		return nil
	}
	return events
}

// Summary renders recent events as a compact text block for the
// conversational agent's dynamic variables.
func (s *Service) Summary(ctx context.Context, deviceID string, limit int) string {
	events := s.Recent(ctx, deviceID, limit)
	if len(events) == 0 {
		return "No recent events."
	}
	var b strings.Builder
	// oldest first reads naturally in a transcript
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		fmt.Fprintf(&b, "[%s] %s\n", ev.CreatedAt.Format(time.TimeOnly), ev.EventType)
	}
	return strings.TrimRight(b.String(), "\n")
}
