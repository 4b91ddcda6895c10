// Package agent runs the per-device session engine: VAD-gated audio to
// an external conversational agent, dead-man-switch automation, media
// playback, and caregiver event ingress.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pulsera-health/pulsera/pkg/config"
	"github.com/pulsera-health/pulsera/pkg/database"
	"github.com/pulsera-health/pulsera/pkg/eventlog"
	"github.com/pulsera-health/pulsera/pkg/models"
)

// Manager owns one Session per connected device and implements the
// connection plane's session engine surface.
type Manager struct {
	cfg    *config.Config
	sender Sender
	store  database.Store
	events *eventlog.Service
	tts    *TTSClient

	mu         sync.Mutex
	sessions   map[string]*Session
	monitoring map[string]bool
	identities map[string][2]string // device -> {patient, caregiver}
}

// NewManager builds the session engine.
func NewManager(cfg *config.Config, sender Sender, store database.Store, events *eventlog.Service) *Manager {
	return &Manager{
		cfg:        cfg,
		sender:     sender,
		store:      store,
		events:     events,
		tts:        NewTTSClient(cfg.TTS, sender),
		sessions:   make(map[string]*Session),
		monitoring: make(map[string]bool),
		identities: make(map[string][2]string),
	}
}

// SetIdentity records the wearer and caregiver names used in agent
// dynamic variables.
func (m *Manager) SetIdentity(deviceID, patientName, caregiverName string) {
	m.mu.Lock()
	m.identities[deviceID] = [2]string{patientName, caregiverName}
	m.mu.Unlock()
}

// session returns the device's session, creating it on first use.
func (m *Manager) session(deviceID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[deviceID]; ok {
		return s
	}
	names := m.identities[deviceID]
	patient, caregiver := names[0], names[1]
	if patient == "" {
		patient = "the wearer"
	}
	if caregiver == "" {
		caregiver = "their caregiver"
	}
	s := newSession(deviceID, patient, caregiver, m.cfg.Agent, m.cfg.VAD, m.sender, m.store, m.events)
	s.onEnded = func(id string) { m.dropSession(id) }
	m.sessions[deviceID] = s
	return s
}

func (m *Manager) dropSession(deviceID string) {
	m.mu.Lock()
	s, ok := m.sessions[deviceID]
	if ok {
		delete(m.sessions, deviceID)
	}
	m.mu.Unlock()
	if ok {
		s.vad.Stop()
	}
}

// HandleCommand processes watch-originated commands.
func (m *Manager) HandleCommand(deviceID, command string, payload map[string]any) {
	m.applyIdentity(deviceID, payload)

	switch command {
	case "start_call":
		// caregiver hears the ring before the agent says a word
		m.sender.SendToPairedCaregiver(deviceID, map[string]any{
			"type":      "ring-episode-alert",
			"device_id": deviceID,
			"source":    "watch_command",
		})

		s := m.session(deviceID)
		s.EnsureSessionStarted(models.ModeDistress, "watch_command")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.EnsureConversationActive(ctx, ConversationOptions{
			Mode:          models.ModeDistress,
			StartReason:   "watch_command",
			SilenceOnInit: true,
		}); err != nil {
			slog.Warn("Failed to start watch-triggered conversation", "device_id", deviceID, "error", err)
		}

	case "end_call", "end_session":
		if s, ok := m.peek(deviceID); ok {
			s.EndSession("watch_command")
		}

	case "play_music":
		playlist, _ := payload["playlist"].(string)
		if err := m.session(deviceID).Media().StartMusic(playlist); err != nil {
			slog.Warn("Music start rejected", "device_id", deviceID, "error", err)
		}

	case "stop_media":
		if s, ok := m.peek(deviceID); ok {
			s.Media().StopAll()
		}

	default:
		slog.Debug("Unknown watch command", "device_id", deviceID, "command", command)
	}
}

// HandleCaregiverEvent ingests caregiver app events. An active
// conversation receives a contextual update; otherwise a fresh session
// opens in the mode the event calls for.
func (m *Manager) HandleCaregiverEvent(deviceID, event string, payload map[string]any) {
	m.applyIdentity(deviceID, payload)

	if event == "active_monitoring" {
		m.handleMonitoring(deviceID, payload)
		return
	}

	text, mode := BuildEventContext(event, payload)
	s := m.session(deviceID)

	if s.SessionActive() && s.State() == models.AgentActive {
		if mode == models.ModeDistress && s.Mode() != models.ModeDistress {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := s.TransferMode(ctx, models.ModeDistress, StartReason(event, mode)); err != nil {
				slog.Warn("Mode transfer failed", "device_id", deviceID, "error", err)
				return
			}
		}
		s.ContextualUpdate(text)
		return
	}

	s.EnsureSessionStarted(mode, StartReason(event, mode))
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.EnsureConversationActive(ctx, ConversationOptions{
		Mode:        mode,
		StartReason: StartReason(event, mode),
		ContextText: text,
	}); err != nil {
		slog.Warn("Failed to start caregiver-triggered conversation", "device_id", deviceID, "error", err)
	}
}

func (m *Manager) handleMonitoring(deviceID string, payload map[string]any) {
	enabled := boolField(payload, "enabled")
	m.mu.Lock()
	m.monitoring[deviceID] = enabled
	m.mu.Unlock()
	slog.Info("Active monitoring toggled", "device_id", deviceID, "enabled", enabled)

	if !enabled {
		if s, ok := m.peek(deviceID); ok && s.SessionActive() {
			s.EndSession("monitoring_stopped")
		}
	}
}

// Monitoring reports whether closer monitoring is enabled for a device.
func (m *Manager) Monitoring(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitoring[deviceID]
}

// HandleCaregiverCallStart pauses the agent so the human call owns the
// audio channel.
func (m *Manager) HandleCaregiverCallStart(deviceID string) {
	if s, ok := m.peek(deviceID); ok {
		s.PauseConversation(false)
	}
}

// HandleCaregiverCallEnd resumes the conversation if a session is
// still open.
func (m *Manager) HandleCaregiverCallEnd(deviceID string) {
	s, ok := m.peek(deviceID)
	if !ok || !s.SessionActive() {
		return
	}
	s.mu.Lock()
	s.suppressEnd = false
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.EnsureConversationActive(ctx, ConversationOptions{
		Mode:        s.Mode(),
		StartReason: "caregiver_call_ended",
	}); err != nil {
		slog.Warn("Failed to resume conversation after call", "device_id", deviceID, "error", err)
	}
}

// HandleMediaEvent routes playback reports from the watch.
func (m *Manager) HandleMediaEvent(deviceID, event string, payload map[string]any) {
	if s, ok := m.peek(deviceID); ok {
		s.Media().HandleEvent(event, payload)
	}
}

// HandleDeadmanCancel cancels a pending automated action from the
// watch's cancel button.
func (m *Manager) HandleDeadmanCancel(deviceID, pendingID string) {
	s, ok := m.peek(deviceID)
	if !ok {
		return
	}
	if s.Deadman().Cancel(pendingID) {
		m.sender.SendToDevice(deviceID, map[string]any{
			"type":      "deadman-cancelled",
			"pendingId": pendingID,
		})
	}
}

// HandleTTSPlaybackComplete signals a finished announcement.
func (m *Manager) HandleTTSPlaybackComplete(deviceID string) {
	m.tts.PlaybackComplete(deviceID)
}

// HandleUpstreamAudio feeds watch microphone audio into the device's
// session. Audio with no session is dropped.
func (m *Manager) HandleUpstreamAudio(deviceID string, pcm []byte) {
	if s, ok := m.peek(deviceID); ok {
		s.HandleUpstreamAudio(pcm)
	}
}

// HandleWatchDisconnect tears down everything tied to a vanished
// watch: pending automation first, then the session.
func (m *Manager) HandleWatchDisconnect(deviceID string) {
	s, ok := m.peek(deviceID)
	if !ok {
		return
	}
	s.Deadman().CancelAny()
	s.EndSession("watch_disconnected")
	m.dropSession(deviceID)

	m.mu.Lock()
	delete(m.monitoring, deviceID)
	m.mu.Unlock()
}

// Announce speaks one-off text on the watch outside any conversation.
func (m *Manager) Announce(ctx context.Context, deviceID, text string) error {
	return m.tts.Speak(ctx, deviceID, text)
}

// Shutdown stops every session's workers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Shutdown()
	}
}

func (m *Manager) peek(deviceID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[deviceID]
	return s, ok
}

func (m *Manager) applyIdentity(deviceID string, payload map[string]any) {
	patient := stringField(payload, "patient_name", "")
	caregiver := stringField(payload, "caregiver_name", "")
	if patient == "" && caregiver == "" {
		return
	}
	m.mu.Lock()
	names := m.identities[deviceID]
	if patient != "" {
		names[0] = patient
	}
	if caregiver != "" {
		names[1] = caregiver
	}
	m.identities[deviceID] = names
	m.mu.Unlock()
}
