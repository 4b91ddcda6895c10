package ws

import (
	"encoding/json"
	"fmt"

	"github.com/pulsera-health/pulsera/pkg/models"
)

// Envelope is the tagged wire form of every inbound message. The
// payload stays raw until the router knows the type.
type Envelope struct {
	Type string `json:"type"`
	raw  json.RawMessage
}

// decodeEnvelope pulls the type tag out of an inbound frame.
func decodeEnvelope(data []byte) (Envelope, error) {
	var e struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("malformed message: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("message missing type")
	}
	return Envelope{Type: e.Type, raw: data}, nil
}

// decode parses the full payload into a typed struct.
func (e Envelope) decode(target any) error {
	if err := json.Unmarshal(e.raw, target); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}

// authenticatePayload covers both `authenticate` and the legacy
// `register` shim. Snake and camel aliases accepted.
type authenticatePayload struct {
	Role           string `json:"role"`
	DeviceID       string `json:"device_id"`
	DeviceIDCC     string `json:"deviceId"`
	UserID         string `json:"user_id"`
	UserIDCC       string `json:"userId"`
	Zone           string `json:"zone"`
	PairedDeviceID string `json:"paired_device_id"`
	PairedDeviceCC string `json:"pairedDeviceId"`
}

func (p authenticatePayload) deviceID() string { return firstOf(p.DeviceID, p.DeviceIDCC) }
func (p authenticatePayload) userID() string   { return firstOf(p.UserID, p.UserIDCC) }
func (p authenticatePayload) pairedDeviceID() string {
	return firstOf(p.PairedDeviceID, p.PairedDeviceCC)
}

type subscribeGroupPayload struct {
	GroupID   string `json:"groupId"`
	GroupIDSC string `json:"group_id"`
	GroupType string `json:"group_type"`
}

func (p subscribeGroupPayload) groupID() string { return firstOf(p.GroupID, p.GroupIDSC) }

type healthBatchPayload struct {
	DeviceID string           `json:"device_id"`
	Readings []models.Reading `json:"readings"`
}

type commandPayload struct {
	DeviceID string         `json:"device_id"`
	Command  string         `json:"command"`
	Payload  map[string]any `json:"payload"`
}

type caregiverEventPayload struct {
	DeviceID   string         `json:"device_id"`
	DeviceIDCC string         `json:"deviceId"`
	Event      string         `json:"event"`
	Payload    map[string]any `json:"payload"`
}

func (p caregiverEventPayload) deviceID() string { return firstOf(p.DeviceID, p.DeviceIDCC) }

type devicePayload struct {
	DeviceID   string `json:"device_id"`
	DeviceIDCC string `json:"deviceId"`
}

func (p devicePayload) deviceID() string { return firstOf(p.DeviceID, p.DeviceIDCC) }

type cancelPairingPayload struct {
	PairingCode string `json:"pairingCode"`
	DeviceID    string `json:"deviceId"`
}

type deadmanCancelPayload struct {
	PendingID   string `json:"pendingId"`
	PendingIDSC string `json:"pending_id"`
}

func (p deadmanCancelPayload) pendingID() string { return firstOf(p.PendingID, p.PendingIDSC) }

type mediaEventPayload struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

type episodeStartPayload struct {
	AnomalyScore float64       `json:"anomaly_score"`
	Vitals       models.Vitals `json:"vitals"`
}

type episodeResolvePayload struct {
	Resolution     string `json:"resolution"`
	AcknowledgedBy string `json:"acknowledged_by"`
}

// errorMsg is the uniform error reply.
func errorMsg(message string) map[string]any {
	return map[string]any{"type": "error", "message": message}
}

// anomalyStatus maps a score to the wire status the watch displays.
func anomalyStatus(score float64) string {
	switch {
	case score > 0.8:
		return "critical"
	case score > 0.5:
		return "elevated"
	default:
		return "normal"
	}
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
