package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pulsera-health/pulsera/pkg/models"
)

// toolCall records one client tool invocation from the agent.
type toolCall struct {
	ID     string
	Name   string
	Params map[string]any
	At     time.Time
}

// toolRegistry tracks recent tool calls with a hard cap: at the cap
// the oldest half is evicted so the map can never grow unbounded over
// a long conversation.
type toolRegistry struct {
	mu    sync.Mutex
	calls map[string]toolCall
	order []string
}

func newToolRegistry() *toolRegistry {
	return &toolRegistry{calls: make(map[string]toolCall)}
}

func (r *toolRegistry) record(c toolCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[c.ID]; !ok {
		r.order = append(r.order, c.ID)
	}
	r.calls[c.ID] = c

	if len(r.order) >= maxToolCalls {
		evict := r.order[:len(r.order)/2]
		r.order = append([]string(nil), r.order[len(r.order)/2:]...)
		for _, id := range evict {
			delete(r.calls, id)
		}
	}
}

func (r *toolRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *toolRegistry) clear() {
	r.mu.Lock()
	r.calls = make(map[string]toolCall)
	r.order = nil
	r.mu.Unlock()
}

// toolHandler dispatches client tool calls from the conversational
// agent onto the session's automation surface.
type toolHandler struct {
	session  *Session
	registry *toolRegistry
}

func newToolHandler(s *Session) *toolHandler {
	return &toolHandler{session: s, registry: newToolRegistry()}
}

// dispatch runs one tool call and returns the result string plus an
// error flag, already shaped for client_tool_result.
func (h *toolHandler) dispatch(toolCallID, name string, params map[string]any) (string, bool) {
	h.registry.record(toolCall{ID: toolCallID, Name: name, Params: params, At: time.Now().UTC()})

	switch name {
	case "play_music":
		playlist, _ := params["playlist"].(string)
		if err := h.session.media.StartMusic(playlist); err != nil {
			return err.Error(), true
		}
		return "music started", false

	case "show_images":
		album, _ := params["album"].(string)
		if err := h.session.media.StartImages(album); err != nil {
			return err.Error(), true
		}
		return "images displayed", false

	case "stop_media":
		h.session.media.StopAll()
		return "media stopped", false

	case "get_patient_status":
		status := h.session.statusSnapshot()
		data, err := json.Marshal(status)
		if err != nil {
			return "failed to read status", true
		}
		return string(data), false

	case "notify_caregiver":
		message, _ := params["message"].(string)
		delivered := h.session.sender.SendToPairedCaregiver(h.session.deviceID, map[string]any{
			"type":      "ring-agent-note",
			"device_id": h.session.deviceID,
			"message":   message,
		})
		if !delivered {
			return "no caregiver connected", true
		}
		return "caregiver notified", false

	case "transfer_to_caregiver":
		if err := h.session.StartCaregiverCall(); err != nil {
			return err.Error(), true
		}
		return "caregiver transfer pending", false

	case "transfer_to_distress":
		go h.transferMode(models.ModeDistress)
		return "transferring to distress agent", false

	case "transfer_to_regular":
		go h.transferMode(models.ModeNormal)
		return "transferring to regular agent", false

	case "end_conversation":
		go h.session.EndSession("agent_tool")
		return "conversation ending", false

	default:
		return fmt.Sprintf("unknown tool %q", name), true
	}
}

// transferMode runs a persona handover off the dispatch goroutine so
// the tool result reaches the agent before its stream is replaced.
func (h *toolHandler) transferMode(mode models.SessionMode) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := h.session.TransferMode(ctx, mode, "agent_tool"); err != nil {
		slog.Warn("Mode transfer failed", "device_id", h.session.deviceID, "error", err)
	}
}
