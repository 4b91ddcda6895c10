package eventlog

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsera-health/pulsera/pkg/database"
)

func TestRecordAndRecent(t *testing.T) {
	s := NewService(database.NewMemoryStore())
	ctx := context.Background()

	s.Record(ctx, "w-1", "connected", nil)
	s.Record(ctx, "w-1", "health_anomaly", map[string]any{"score": 0.7})

	events := s.Recent(ctx, "w-1", 5)
	require.Len(t, events, 2)
	assert.Equal(t, "health_anomaly", events[0].EventType)
}

func TestSummary(t *testing.T) {
	s := NewService(database.NewMemoryStore())
	ctx := context.Background()

	assert.Equal(t, "No recent events.", s.Summary(ctx, "w-1", 5))

	s.Record(ctx, "w-1", "connected", nil)
	s.Record(ctx, "w-1", "episode_started", nil)

	sum := s.Summary(ctx, "w-1", 5)
	lines := strings.Split(sum, "\n")
	require.Len(t, lines, 2)
	// oldest first
	assert.Contains(t, lines[0], "connected")
	assert.Contains(t, lines[1], "episode_started")
}
