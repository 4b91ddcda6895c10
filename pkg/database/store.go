// Package database persists the device event log and agent session
// records. Persistence is optional: with no DATABASE_URL the service
// runs on the in-memory store.
package database

import (
	"context"
	"sync"
	"time"
)

// DeviceEvent is one logged device-scoped occurrence.
type DeviceEvent struct {
	ID        int64          `json:"id"`
	DeviceID  string         `json:"device_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// AgentSession is a persisted conversational session record.
type AgentSession struct {
	ID          string     `json:"id"`
	DeviceID    string     `json:"device_id"`
	Mode        string     `json:"mode"`
	StartReason string     `json:"start_reason"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Store is the persistence surface the rest of the service depends on.
type Store interface {
	RecordEvent(ctx context.Context, deviceID, eventType string, payload map[string]any) error
	RecentEvents(ctx context.Context, deviceID string, limit int) ([]DeviceEvent, error)
	StartSession(ctx context.Context, s AgentSession) error
	EndSession(ctx context.Context, sessionID string) error
	Close() error
}

// MemoryStore keeps everything in process. Events are bounded per
// device so long-running demos do not grow without limit.
type MemoryStore struct {
	mu       sync.RWMutex
	events   map[string][]DeviceEvent
	sessions map[string]AgentSession
	nextID   int64
}

const memoryEventsCap = 1000

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:   make(map[string][]DeviceEvent),
		sessions: make(map[string]AgentSession),
	}
}

func (m *MemoryStore) RecordEvent(_ context.Context, deviceID, eventType string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	evs := append(m.events[deviceID], DeviceEvent{
		ID:        m.nextID,
		DeviceID:  deviceID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	if len(evs) > memoryEventsCap {
		evs = evs[len(evs)-memoryEventsCap:]
	}
	m.events[deviceID] = evs
	return nil
}

func (m *MemoryStore) RecentEvents(_ context.Context, deviceID string, limit int) ([]DeviceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	evs := m.events[deviceID]
	if limit <= 0 || limit > len(evs) {
		limit = len(evs)
	}
	// newest first
	out := make([]DeviceEvent, 0, limit)
	for i := len(evs) - 1; i >= len(evs)-limit; i-- {
		out = append(out, evs[i])
	}
	return out, nil
}

func (m *MemoryStore) StartSession(_ context.Context, s AgentSession) error {
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) EndSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.EndedAt != nil {
		return nil
	}
	now := time.Now().UTC()
	s.EndedAt = &now
	m.sessions[sessionID] = s
	return nil
}

// Session returns a stored session record, for tests and queries.
func (m *MemoryStore) Session(sessionID string) (AgentSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

func (m *MemoryStore) Close() error { return nil }
