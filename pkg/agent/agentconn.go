package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// agentStream is one live WebSocket conversation with the external
// agent platform. It owns the read loop; all writes are serialized.
type agentStream struct {
	deviceID string
	conn     *websocket.Conn

	writeMu sync.Mutex

	onAudio    func(pcm []byte)
	onToolCall func(toolCallID, name string, params map[string]any) (string, bool)
	onClosed   func()

	closeOnce sync.Once
}

// dialAgent opens the conversation stream and sends the precomputed
// conversation_initiation_client_data as the first frame. The init
// payload must be computed BEFORE dialing so the agent's opener can
// use fresh dynamic variables.
func dialAgent(ctx context.Context, baseURL, agentID, apiKey, deviceID string, initData map[string]any,
	onAudio func([]byte),
	onToolCall func(string, string, map[string]any) (string, bool),
	onClosed func(),
) (*agentStream, error) {
	url := fmt.Sprintf("%s?agent_id=%s", baseURL, agentID)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"xi-api-key": []string{apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial agent: %w", err)
	}
	conn.SetReadLimit(1 << 22)

	s := &agentStream{
		deviceID:   deviceID,
		conn:       conn,
		onAudio:    onAudio,
		onToolCall: onToolCall,
		onClosed:   onClosed,
	}
	if err := s.sendJSON(initData); err != nil {
		conn.Close(websocket.StatusInternalError, "init failed")
		return nil, fmt.Errorf("failed to send conversation init: %w", err)
	}

	go s.readLoop()
	return s, nil
}

// inboundAgentMessage covers the agent platform's event grammar.
type inboundAgentMessage struct {
	Type      string `json:"type"`
	PingEvent *struct {
		EventID int     `json:"event_id"`
		PingMS  float64 `json:"ping_ms"`
	} `json:"ping_event"`
	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int    `json:"event_id"`
	} `json:"audio_event"`
	ToolCall *struct {
		ToolCallID string         `json:"tool_call_id"`
		ToolName   string         `json:"tool_name"`
		Parameters map[string]any `json:"parameters"`
	} `json:"client_tool_call"`
}

func (s *agentStream) readLoop() {
	defer s.closed()
	ctx := context.Background()

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			slog.Debug("Agent stream closed", "device_id", s.deviceID, "error", err)
			return
		}

		var msg inboundAgentMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("Undecodable agent message", "device_id", s.deviceID, "error", err)
			continue
		}

		switch msg.Type {
		case "ping":
			if msg.PingEvent == nil {
				continue
			}
			eventID := msg.PingEvent.EventID
			delay := time.Duration(msg.PingEvent.PingMS) * time.Millisecond
			// the platform measures latency from the delayed pong
			time.AfterFunc(delay, func() {
				s.sendJSON(map[string]any{"type": "pong", "event_id": eventID})
			})

		case "audio":
			if msg.AudioEvent == nil || s.onAudio == nil {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(msg.AudioEvent.AudioBase64)
			if err != nil {
				slog.Debug("Bad agent audio chunk", "device_id", s.deviceID, "error", err)
				continue
			}
			s.onAudio(pcm)

		case "client_tool_call":
			if msg.ToolCall == nil || s.onToolCall == nil {
				continue
			}
			result, isErr := s.onToolCall(msg.ToolCall.ToolCallID, msg.ToolCall.ToolName, msg.ToolCall.Parameters)
			s.sendJSON(map[string]any{
				"type":         "client_tool_result",
				"tool_call_id": msg.ToolCall.ToolCallID,
				"result":       result,
				"is_error":     isErr,
			})

		default:
			// transcripts and agent responses are informational
			slog.Debug("Agent event", "device_id", s.deviceID, "type", msg.Type)
		}
	}
}

// SendAudio forwards one PCM frame as a base64 user audio chunk.
func (s *agentStream) SendAudio(frame []byte) error {
	return s.sendJSON(map[string]any{
		"user_audio_chunk": base64.StdEncoding.EncodeToString(frame),
	})
}

// SendContextualUpdate injects situational text without interrupting
// the conversation.
func (s *agentStream) SendContextualUpdate(text string) error {
	return s.sendJSON(map[string]any{
		"type": "contextual_update",
		"text": text,
	})
}

func (s *agentStream) sendJSON(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode agent message: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// Close ends the stream. The read loop's closed callback still fires
// exactly once.
func (s *agentStream) Close() {
	s.conn.Close(websocket.StatusNormalClosure, "session ended")
}

func (s *agentStream) closed() {
	s.closeOnce.Do(func() {
		if s.onClosed != nil {
			s.onClosed()
		}
	})
}
