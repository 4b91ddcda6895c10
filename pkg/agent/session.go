package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsera-health/pulsera/pkg/config"
	"github.com/pulsera-health/pulsera/pkg/database"
	"github.com/pulsera-health/pulsera/pkg/eventlog"
	"github.com/pulsera-health/pulsera/pkg/models"
)

// ConversationOptions parameterize how a conversation starts.
type ConversationOptions struct {
	Mode          models.SessionMode
	StartReason   string
	ContextText   string // seeds the agent's opener
	FirstMessage  string // explicit opener override
	SilenceOnInit bool   // agent waits for the wearer to speak first
}

// Session is the per-device engine tying together the audio gate, VAD,
// dead-man switch, media automation, and the external agent stream.
// State transitions are serialized under one mutex.
type Session struct {
	deviceID      string
	patientName   string
	caregiverName string

	cfg    config.AgentConfig
	sender Sender
	store  database.Store
	events *eventlog.Service

	gate    *AudioGate
	vad     *VADProcessor
	deadman *DeadmanSwitch
	media   *MediaAutomation
	tools   *toolHandler

	mu            sync.Mutex
	sessionID     string
	mode          models.SessionMode
	state         models.AgentState
	stream        *agentStream
	suppressEnd   bool // soft close: stream teardown must not end the session
	activeWaiters []chan error
	onEnded       func(deviceID string)
}

func newSession(deviceID, patientName, caregiverName string, cfg config.AgentConfig, vadCfg config.VADConfig, sender Sender, store database.Store, events *eventlog.Service) *Session {
	s := &Session{
		deviceID:      deviceID,
		patientName:   patientName,
		caregiverName: caregiverName,
		cfg:           cfg,
		sender:        sender,
		store:         store,
		events:        events,
		mode:          models.ModeNormal,
		state:         models.AgentInactive,
	}
	s.deadman = NewDeadmanSwitch()
	s.media = newMediaAutomation(deviceID, sender, s.deadman)
	s.media.setOnExhausted(s.onMediaExhausted)
	s.tools = newToolHandler(s)
	s.gate = NewAudioGate(func(frame []byte) {
		s.mu.Lock()
		stream := s.stream
		s.mu.Unlock()
		if stream != nil {
			stream.SendAudio(frame)
		}
	})
	s.vad = NewVADProcessor(vadCfg.StartFrames, vadCfg.StopFrames, vadCfg.IdleTimeout,
		s.gate.OpenWithPreRoll, s.gate.CloseWithTail)
	return s
}

// EnsureSessionStarted opens the persisted session record. Calling it
// while a session exists is a no-op; callers never need to check first.
func (s *Session) EnsureSessionStarted(mode models.SessionMode, reason string) {
	s.mu.Lock()
	if s.sessionID != "" {
		s.mu.Unlock()
		return
	}
	s.sessionID = uuid.New().String()
	s.mode = mode
	sessionID := s.sessionID
	s.mu.Unlock()

	s.store.StartSession(context.Background(), database.AgentSession{
		ID:          sessionID,
		DeviceID:    s.deviceID,
		Mode:        string(mode),
		StartReason: reason,
	})
	s.events.Record(context.Background(), s.deviceID, "session_started",
		map[string]any{"session_id": sessionID, "mode": mode, "reason": reason})
	slog.Info("Session started", "device_id", s.deviceID, "session_id", sessionID, "mode", mode, "reason", reason)
}

// EnsureConversationActive brings the agent stream up. Idempotent:
// an active stream returns immediately and concurrent callers during
// connect all wait on the same attempt. Connect failure leaves the
// session inactive and signals every waiter; there is no auto-retry.
func (s *Session) EnsureConversationActive(ctx context.Context, opts ConversationOptions) error {
	if s.cfg.APIKey == "" || s.cfg.AgentID == "" {
		slog.Debug("Agent credentials missing, conversation is a no-op", "device_id", s.deviceID)
		return nil
	}

	s.mu.Lock()
	switch s.state {
	case models.AgentActive:
		s.mu.Unlock()
		return nil
	case models.AgentConnecting:
		waiter := make(chan error, 1)
		s.activeWaiters = append(s.activeWaiters, waiter)
		s.mu.Unlock()
		select {
		case err := <-waiter:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.state = models.AgentConnecting
	if opts.Mode != "" {
		s.mode = opts.Mode
	}
	agentID := s.agentIDForLocked()
	s.mu.Unlock()

	// init data is computed before dialing so the opener sees fresh state
	initData := s.buildInitData(opts)

	stream, err := dialAgent(ctx, s.cfg.BaseURL, agentID, s.cfg.APIKey, s.deviceID, initData,
		s.onAgentAudio, s.tools.dispatch, s.onStreamClosed)

	s.mu.Lock()
	if err != nil {
		s.state = models.AgentInactive
		s.notifyWaitersLocked(err)
		s.mu.Unlock()
		return fmt.Errorf("failed to start conversation: %w", err)
	}
	s.stream = stream
	s.state = models.AgentActive
	s.notifyWaitersLocked(nil)
	s.mu.Unlock()

	s.gate.Activate()
	slog.Info("Conversation active", "device_id", s.deviceID, "agent_id", agentID, "mode", s.Mode())
	return nil
}

// PauseConversation closes the agent stream without ending the
// session. preservePending keeps gated audio for a mode transfer.
func (s *Session) PauseConversation(preservePending bool) {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.suppressEnd = true
	s.state = models.AgentInactive
	s.mu.Unlock()

	if preservePending {
		s.gate.DeactivatePreservePending()
	} else {
		s.gate.Deactivate()
	}
	if stream != nil {
		stream.Close()
	}
}

// TransferMode reconnects the conversation under a different agent
// persona, preserving pending audio so no words are lost in the
// handover.
func (s *Session) TransferMode(ctx context.Context, mode models.SessionMode, reason string) error {
	if s.Mode() == mode {
		return nil
	}
	slog.Info("Transferring session mode", "device_id", s.deviceID, "mode", mode, "reason", reason)
	s.PauseConversation(true)

	s.mu.Lock()
	s.mode = mode
	s.suppressEnd = false
	s.mu.Unlock()

	return s.EnsureConversationActive(ctx, ConversationOptions{
		Mode:        mode,
		StartReason: reason,
	})
}

// StartCaregiverCall arms the countdown that rings the caregiver and
// hands the conversation to the distress persona unless the wearer
// cancels. Conflicts with pending media automation.
func (s *Session) StartCaregiverCall() error {
	pendingID, err := s.deadman.Arm("start_call", deadmanDelay, func() {
		s.sender.SendToPairedCaregiver(s.deviceID, map[string]any{
			"type":      "ring-episode-alert",
			"device_id": s.deviceID,
			"source":    "agent_tool",
		})
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.TransferMode(ctx, models.ModeDistress, "caregiver_transfer"); err != nil {
			slog.Warn("Caregiver transfer failed", "device_id", s.deviceID, "error", err)
		}
	}, func(reason string) {
		s.sender.SendToDevice(s.deviceID, map[string]any{
			"type":   "call-cancelled",
			"reason": reason,
		})
	})
	if err != nil {
		return err
	}

	s.sender.SendToDevice(s.deviceID, map[string]any{
		"type":      "deadman-pending",
		"action":    "start_call",
		"pendingId": pendingID,
		"countdown": deadmanDelay.Seconds(),
	})
	return nil
}

// ContextualUpdate injects text into the live conversation. Returns
// false when no stream is active.
func (s *Session) ContextualUpdate(text string) bool {
	s.mu.Lock()
	stream := s.stream
	active := s.state == models.AgentActive
	s.mu.Unlock()
	if !active || stream == nil {
		return false
	}
	stream.SendContextualUpdate(text)
	return true
}

// HandleUpstreamAudio feeds watch microphone data through VAD and the
// gate, one frame at a time.
func (s *Session) HandleUpstreamAudio(pcm []byte) {
	for off := 0; off < len(pcm); off += FrameBytes {
		end := off + FrameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		frame := pcm[off:end]
		s.vad.PushPCM(frame)
		s.gate.Push(frame)
	}
}

// EndSession tears the whole session down: caregiver gets the resolved
// ring first, pending automation is cancelled, the stream soft-closes,
// and all per-session state is cleared.
func (s *Session) EndSession(reason string) {
	s.mu.Lock()
	sessionID := s.sessionID
	if sessionID == "" {
		s.mu.Unlock()
		return
	}
	s.sessionID = ""
	s.mu.Unlock()

	// caregiver notification precedes any teardown
	s.sender.SendToPairedCaregiver(s.deviceID, map[string]any{
		"type":      "ring-episode-resolved",
		"device_id": s.deviceID,
		"reason":    reason,
	})

	s.deadman.CancelAny()
	s.media.StopAll()
	s.PauseConversation(false)
	s.tools.registry.clear()

	s.mu.Lock()
	s.mode = models.ModeNormal
	s.suppressEnd = false
	onEnded := s.onEnded
	s.mu.Unlock()

	s.store.EndSession(context.Background(), sessionID)
	s.events.Record(context.Background(), s.deviceID, "session_ended",
		map[string]any{"session_id": sessionID, "reason": reason})
	slog.Info("Session ended", "device_id", s.deviceID, "session_id", sessionID, "reason", reason)

	if onEnded != nil {
		onEnded(s.deviceID)
	}
}

// Shutdown releases the VAD worker; the session is unusable after.
func (s *Session) Shutdown() {
	s.vad.Stop()
	s.PauseConversation(false)
}

// Mode returns the current session mode.
func (s *Session) Mode() models.SessionMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// State returns the agent stream state.
func (s *Session) State() models.AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionActive reports whether a session record is open.
func (s *Session) SessionActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID != ""
}

// Deadman exposes the per-device switch for cancel routing.
func (s *Session) Deadman() *DeadmanSwitch { return s.deadman }

// Media exposes the media automation for event routing.
func (s *Session) Media() *MediaAutomation { return s.media }

func (s *Session) agentIDForLocked() string {
	if s.mode == models.ModeDistress && s.cfg.DistressID != "" {
		return s.cfg.DistressID
	}
	return s.cfg.AgentID
}

// buildInitData assembles conversation_initiation_client_data.
func (s *Session) buildInitData(opts ConversationOptions) map[string]any {
	dynamic := map[string]any{
		"patient_name":              s.patientName,
		"caregiver_name":            s.caregiverName,
		"music_playing":             s.media.MusicPlaying(),
		"images_displaying":         s.media.ImagesShowing(),
		"conversation_start_reason": opts.StartReason,
		"session_logs":              s.events.Summary(context.Background(), s.deviceID, 20),
	}
	if opts.ContextText != "" {
		dynamic["event_context"] = opts.ContextText
	}

	init := map[string]any{
		"type": "conversation_initiation_client_data",
		"conversation_initiation_client_data": map[string]any{
			"user_input_audio_format": "pcm_s16le_16000",
		},
		"dynamic_variables": dynamic,
	}

	if opts.SilenceOnInit {
		init["conversation_config_override"] = map[string]any{
			"agent": map[string]any{"first_message": ""},
		}
	} else if opts.FirstMessage != "" {
		init["conversation_config_override"] = map[string]any{
			"agent": map[string]any{"first_message": opts.FirstMessage},
		}
	}
	return init
}

func (s *Session) onAgentAudio(pcm []byte) {
	s.sender.SendBinaryToDevice(s.deviceID, pcm)
	s.media.OnAgentAudioChunk()
}

// onStreamClosed handles the agent side dropping the socket. A soft
// close (pause, transfer, teardown) is suppressed; anything else ends
// the session.
func (s *Session) onStreamClosed() {
	s.mu.Lock()
	suppressed := s.suppressEnd
	s.suppressEnd = false
	s.stream = nil
	s.state = models.AgentInactive
	s.mu.Unlock()

	s.gate.Deactivate()
	if suppressed {
		return
	}
	slog.Info("Agent stream dropped, ending session", "device_id", s.deviceID)
	s.EndSession("agent_disconnected")
}

// onMediaExhausted keeps the wearer engaged when a playlist or album
// runs out: a live conversation gets a contextual note, otherwise a
// fresh conversation opens to ask what they would like next.
func (s *Session) onMediaExhausted(kind string) {
	text := fmt.Sprintf("The %s the wearer was enjoying just finished. Ask if they would like more.", kind)
	if s.ContextualUpdate(text) {
		return
	}
	if !s.SessionActive() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.EnsureConversationActive(ctx, ConversationOptions{
		Mode:        s.Mode(),
		StartReason: "media_exhausted",
		ContextText: text,
	})
}

func (s *Session) notifyWaitersLocked(err error) {
	for _, w := range s.activeWaiters {
		w <- err
	}
	s.activeWaiters = nil
}

// statusSnapshot backs the get_patient_status client tool.
func (s *Session) statusSnapshot() map[string]any {
	s.mu.Lock()
	mode := s.mode
	state := s.state
	s.mu.Unlock()
	return map[string]any{
		"device_id":         s.deviceID,
		"mode":              mode,
		"agent_state":       state,
		"music_playing":     s.media.MusicPlaying(),
		"images_displaying": s.media.ImagesShowing(),
		"recent_events":     s.events.Summary(context.Background(), s.deviceID, 10),
	}
}
