package agent

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsera-health/pulsera/pkg/config"
	"github.com/pulsera-health/pulsera/pkg/database"
	"github.com/pulsera-health/pulsera/pkg/eventlog"
	"github.com/pulsera-health/pulsera/pkg/models"
)

func newTestSession(t *testing.T, sender *fakeSender) *Session {
	t.Helper()
	store := database.NewMemoryStore()
	s := newSession("watch-1", "Ada", "Maria", config.AgentConfig{}, config.VADConfig{},
		sender, store, eventlog.NewService(store))
	t.Cleanup(s.vad.Stop)
	return s
}

func TestToolRegistryEvictsOldestHalfAtCap(t *testing.T) {
	r := newToolRegistry()
	for i := 0; i < maxToolCalls; i++ {
		r.record(toolCall{ID: fmt.Sprintf("call-%03d", i)})
	}
	assert.Equal(t, maxToolCalls/2, r.len())

	// the survivors are the newest half
	r.mu.Lock()
	_, oldestGone := r.calls["call-000"]
	_, newestKept := r.calls[fmt.Sprintf("call-%03d", maxToolCalls-1)]
	r.mu.Unlock()
	assert.False(t, oldestGone)
	assert.True(t, newestKept)
}

func TestToolRegistryDuplicateIDDoesNotGrowOrder(t *testing.T) {
	r := newToolRegistry()
	r.record(toolCall{ID: "a", Name: "play_music"})
	r.record(toolCall{ID: "a", Name: "stop_media"})
	assert.Equal(t, 1, r.len())

	r.clear()
	assert.Zero(t, r.len())
}

func TestDispatchUnknownTool(t *testing.T) {
	s := newTestSession(t, &fakeSender{})
	result, isErr := s.tools.dispatch("tc-1", "open_pod_bay_doors", nil)
	assert.True(t, isErr)
	assert.Contains(t, result, "open_pod_bay_doors")
}

func TestDispatchPlayMusicArmsCountdown(t *testing.T) {
	sender := &fakeSender{}
	s := newTestSession(t, sender)

	result, isErr := s.tools.dispatch("tc-1", "play_music", map[string]any{"playlist": "jazz"})
	require.False(t, isErr)
	assert.Equal(t, "music started", result)

	action, _, pending := s.deadman.Pending()
	require.True(t, pending)
	assert.Equal(t, "media-start", action)

	msg, ok := sender.deviceMsg("deadman-pending")
	require.True(t, ok)
	assert.Equal(t, "music", msg["media"])
	assert.NotEmpty(t, msg["pendingId"])
}

func TestDispatchStopMediaCancelsCountdown(t *testing.T) {
	s := newTestSession(t, &fakeSender{})
	_, isErr := s.tools.dispatch("tc-1", "play_music", map[string]any{"playlist": "jazz"})
	require.False(t, isErr)

	result, isErr := s.tools.dispatch("tc-2", "stop_media", nil)
	require.False(t, isErr)
	assert.Equal(t, "media stopped", result)

	_, _, pending := s.deadman.Pending()
	assert.False(t, pending)
}

func TestDispatchPatientStatus(t *testing.T) {
	s := newTestSession(t, &fakeSender{})
	result, isErr := s.tools.dispatch("tc-1", "get_patient_status", nil)
	require.False(t, isErr)

	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(result), &status))
	assert.Equal(t, "watch-1", status["device_id"])
	assert.Equal(t, false, status["music_playing"])
}

func TestDispatchNotifyCaregiver(t *testing.T) {
	sender := &fakeSender{}
	s := newTestSession(t, sender)

	result, isErr := s.tools.dispatch("tc-1", "notify_caregiver", map[string]any{"message": "needs water"})
	require.False(t, isErr)
	assert.Equal(t, "caregiver notified", result)

	msg, ok := sender.caregiverMsg("ring-agent-note")
	require.True(t, ok)
	assert.Equal(t, "needs water", msg["message"])
}

func TestDispatchNotifyCaregiverNobodyConnected(t *testing.T) {
	s := newTestSession(t, &fakeSender{noCaregiver: true})
	result, isErr := s.tools.dispatch("tc-1", "notify_caregiver", map[string]any{"message": "hi"})
	assert.True(t, isErr)
	assert.Equal(t, "no caregiver connected", result)
}

func TestDispatchCaregiverTransferArmsCountdown(t *testing.T) {
	sender := &fakeSender{}
	s := newTestSession(t, sender)

	result, isErr := s.tools.dispatch("tc-1", "transfer_to_caregiver", nil)
	require.False(t, isErr)
	assert.Equal(t, "caregiver transfer pending", result)

	action, pendingID, pending := s.deadman.Pending()
	require.True(t, pending)
	assert.Equal(t, "start_call", action)

	msg, ok := sender.deviceMsg("deadman-pending")
	require.True(t, ok)
	assert.Equal(t, "start_call", msg["action"])
	assert.Equal(t, deadmanDelay.Seconds(), msg["countdown"])

	// cancel before the countdown fires notifies the watch
	require.True(t, s.deadman.Cancel(pendingID))
	require.Eventually(t, func() bool {
		_, ok := sender.deviceMsg("call-cancelled")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestDispatchCaregiverTransferBlockedByPendingMedia(t *testing.T) {
	s := newTestSession(t, &fakeSender{})
	_, isErr := s.tools.dispatch("tc-1", "play_music", map[string]any{"playlist": "jazz"})
	require.False(t, isErr)

	result, isErr := s.tools.dispatch("tc-2", "transfer_to_caregiver", nil)
	assert.True(t, isErr)
	assert.Contains(t, result, "conflicting action pending")
}

func TestDispatchModeTransferTools(t *testing.T) {
	s := newTestSession(t, &fakeSender{})
	require.Equal(t, models.ModeNormal, s.Mode())

	result, isErr := s.tools.dispatch("tc-1", "transfer_to_distress", nil)
	require.False(t, isErr)
	assert.Equal(t, "transferring to distress agent", result)
	require.Eventually(t, func() bool {
		return s.Mode() == models.ModeDistress
	}, time.Second, 10*time.Millisecond)

	_, isErr = s.tools.dispatch("tc-2", "transfer_to_regular", nil)
	require.False(t, isErr)
	require.Eventually(t, func() bool {
		return s.Mode() == models.ModeNormal
	}, time.Second, 10*time.Millisecond)
}
