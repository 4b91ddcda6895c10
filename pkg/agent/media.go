package agent

import (
	"log/slog"
	"sync"
	"time"
)

// duckRelease is how long after the agent stops speaking media volume
// returns to normal.
const duckRelease = 1500 * time.Millisecond

// Sender is the slice of the connection plane the session engine needs.
// Satisfied by *ws.Manager.
type Sender interface {
	SendToDevice(deviceID string, msg any) error
	SendBinaryToDevice(deviceID string, data []byte) error
	SendToPairedCaregiver(deviceID string, msg any) bool
}

// MediaAutomation drives music and photo playback on the watch. Starts
// run through the dead-man switch so the wearer always gets a visible
// countdown and a cancel button before media interrupts them.
type MediaAutomation struct {
	deviceID string
	sender   Sender
	deadman  *DeadmanSwitch

	mu           sync.Mutex
	musicPlaying bool
	imagesShown  bool
	ducked       bool
	duckTimer    *time.Timer
	onExhausted  func(kind string)
}

func newMediaAutomation(deviceID string, sender Sender, deadman *DeadmanSwitch) *MediaAutomation {
	return &MediaAutomation{deviceID: deviceID, sender: sender, deadman: deadman}
}

// setOnExhausted registers the callback fired when the watch reports a
// playlist or album ran out.
func (m *MediaAutomation) setOnExhausted(fn func(kind string)) {
	m.mu.Lock()
	m.onExhausted = fn
	m.mu.Unlock()
}

// StartMusic arms a countdown that starts playlist playback unless the
// wearer cancels. Conflicts with a pending call.
func (m *MediaAutomation) StartMusic(playlist string) error {
	return m.startMedia("music", map[string]any{"playlist": playlist}, func() {
		m.mu.Lock()
		m.musicPlaying = true
		m.mu.Unlock()
	})
}

// StartImages arms a countdown that starts a photo slideshow unless
// the wearer cancels.
func (m *MediaAutomation) StartImages(album string) error {
	return m.startMedia("images", map[string]any{"album": album}, func() {
		m.mu.Lock()
		m.imagesShown = true
		m.mu.Unlock()
	})
}

func (m *MediaAutomation) startMedia(kind string, detail map[string]any, mark func()) error {
	pendingID, err := m.deadman.Arm("media-start", deadmanDelay, func() {
		mark()
		msg := map[string]any{
			"type":  "media-start",
			"media": kind,
		}
		for k, v := range detail {
			msg[k] = v
		}
		m.sender.SendToDevice(m.deviceID, msg)
		slog.Info("Media started", "device_id", m.deviceID, "media", kind)
	}, func(reason string) {
		m.sender.SendToDevice(m.deviceID, map[string]any{
			"type":   "media-cancelled",
			"media":  kind,
			"reason": reason,
		})
	})
	if err != nil {
		return err
	}

	m.sender.SendToDevice(m.deviceID, map[string]any{
		"type":      "deadman-pending",
		"action":    "media-start",
		"media":     kind,
		"pendingId": pendingID,
		"countdown": deadmanDelay.Seconds(),
	})
	return nil
}

// StopAll cancels any pending media countdown and stops playback.
func (m *MediaAutomation) StopAll() {
	m.deadman.CancelIfAction("media-start")

	m.mu.Lock()
	wasActive := m.musicPlaying || m.imagesShown
	m.musicPlaying = false
	m.imagesShown = false
	m.ducked = false
	if m.duckTimer != nil {
		m.duckTimer.Stop()
		m.duckTimer = nil
	}
	m.mu.Unlock()

	if wasActive {
		m.sender.SendToDevice(m.deviceID, map[string]any{"type": "media-stop"})
	}
}

// OnAgentAudioChunk ducks media volume while the agent speaks and
// schedules the release.
func (m *MediaAutomation) OnAgentAudioChunk() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.musicPlaying {
		return
	}
	if !m.ducked {
		m.ducked = true
		m.sender.SendToDevice(m.deviceID, map[string]any{"type": "media-duck", "ducked": true})
	}
	if m.duckTimer != nil {
		m.duckTimer.Stop()
	}
	m.duckTimer = time.AfterFunc(duckRelease, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.ducked {
			return
		}
		m.ducked = false
		m.sender.SendToDevice(m.deviceID, map[string]any{"type": "media-duck", "ducked": false})
	})
}

// HandleEvent processes media lifecycle reports from the watch.
func (m *MediaAutomation) HandleEvent(event string, _ map[string]any) {
	switch event {
	case "music-exhausted":
		m.mu.Lock()
		m.musicPlaying = false
		fn := m.onExhausted
		m.mu.Unlock()
		if fn != nil {
			fn("music")
		}
	case "images-exhausted":
		m.mu.Lock()
		m.imagesShown = false
		fn := m.onExhausted
		m.mu.Unlock()
		if fn != nil {
			fn("images")
		}
	case "music-stopped":
		m.mu.Lock()
		m.musicPlaying = false
		m.mu.Unlock()
	case "images-stopped":
		m.mu.Lock()
		m.imagesShown = false
		m.mu.Unlock()
	default:
		slog.Debug("Unknown media event", "device_id", m.deviceID, "event", event)
	}
}

// MusicPlaying reports whether music playback is active.
func (m *MediaAutomation) MusicPlaying() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.musicPlaying
}

// ImagesShowing reports whether a slideshow is active.
func (m *MediaAutomation) ImagesShowing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.imagesShown
}
