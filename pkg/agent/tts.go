package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pulsera-health/pulsera/pkg/config"
)

// TTSClient streams synthesized speech straight to the watch for
// one-off announcements outside a conversation. Disabled (no-op) when
// credentials are missing.
type TTSClient struct {
	cfg    config.TTSConfig
	sender Sender
	http   *http.Client

	mu      sync.Mutex
	waiting map[string]chan struct{}
}

// NewTTSClient builds the TTS client.
func NewTTSClient(cfg config.TTSConfig, sender Sender) *TTSClient {
	return &TTSClient{
		cfg:     cfg,
		sender:  sender,
		http:    &http.Client{Timeout: 30 * time.Second},
		waiting: make(map[string]chan struct{}),
	}
}

// Enabled reports whether TTS credentials are configured.
func (t *TTSClient) Enabled() bool {
	return t.cfg.APIKey != "" && t.cfg.VoiceID != ""
}

// Speak synthesizes text and streams the PCM to the watch, then sends
// the end marker and waits briefly for the watch to confirm playback
// so back-to-back announcements do not overlap.
func (t *TTSClient) Speak(ctx context.Context, deviceID, text string) error {
	if !t.Enabled() {
		slog.Debug("TTS disabled, skipping announcement", "device_id", deviceID)
		return nil
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=%s",
		t.cfg.BaseURL, t.cfg.VoiceID, t.cfg.Format)
	body := fmt.Sprintf(`{"text":%q,"model_id":%q}`, text, t.cfg.ModelID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", t.cfg.APIKey)

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("tts service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("tts service returned status %d: %s", resp.StatusCode, string(payload))
	}

	done := t.armWait(deviceID)
	defer t.clearWait(deviceID)

	buf := make([]byte, 8192)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if sendErr := t.sender.SendBinaryToDevice(deviceID, buf[:n]); sendErr != nil {
				return fmt.Errorf("failed to stream tts audio: %w", sendErr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tts stream read failed: %w", err)
		}
	}

	t.sender.SendToDevice(deviceID, map[string]any{"type": "tts-end-marker"})

	select {
	case <-done:
	case <-time.After(ttsCompleteWait):
		slog.Debug("TTS playback confirmation timed out", "device_id", deviceID)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// PlaybackComplete signals that the watch finished playing the stream.
func (t *TTSClient) PlaybackComplete(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.waiting[deviceID]; ok {
		close(ch)
		delete(t.waiting, deviceID)
	}
}

func (t *TTSClient) armWait(deviceID string) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan struct{})
	t.waiting[deviceID] = ch
	return ch
}

func (t *TTSClient) clearWait(deviceID string) {
	t.mu.Lock()
	delete(t.waiting, deviceID)
	t.mu.Unlock()
}
