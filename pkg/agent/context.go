package agent

import (
	"fmt"
	"strings"

	"github.com/pulsera-health/pulsera/pkg/models"
)

// BuildEventContext translates a caregiver event into the context text
// handed to the conversational agent plus the session mode it calls
// for. Pure function: the session engine decides whether the text
// becomes a contextual update or seeds a fresh conversation.
func BuildEventContext(event string, payload map[string]any) (string, models.SessionMode) {
	caregiver := stringField(payload, "caregiver_name", "the caregiver")
	message := stringField(payload, "message", "")

	switch event {
	case "check_in":
		text := fmt.Sprintf("%s is checking in on the wearer.", caregiver)
		if message != "" {
			text += fmt.Sprintf(" They said: %q.", message)
		}
		return text, models.ModeNormal

	case "noise":
		if boolField(payload, "distress") {
			return fmt.Sprintf("%s heard concerning sounds near the wearer and flagged possible distress. Check on them gently and assess how they are doing.", caregiver),
				models.ModeDistress
		}
		return fmt.Sprintf("%s noticed unusual noise near the wearer. Casually check whether everything is alright.", caregiver),
			models.ModeNormal

	case "health":
		if boolField(payload, "distress") {
			detail := stringField(payload, "concern", "a health concern")
			return fmt.Sprintf("%s reported %s and believes the wearer may be in distress. Check on their wellbeing now.", caregiver, strings.TrimSpace(detail)),
				models.ModeDistress
		}
		detail := stringField(payload, "concern", "a minor health question")
		return fmt.Sprintf("%s mentioned %s. Work it naturally into conversation.", caregiver, strings.TrimSpace(detail)),
			models.ModeNormal

	case "active_monitoring":
		return fmt.Sprintf("%s enabled closer monitoring for a while. Stay attentive and conversational.", caregiver),
			models.ModeNormal

	default:
		text := fmt.Sprintf("%s sent an update.", caregiver)
		if message != "" {
			text = fmt.Sprintf("%s sent an update: %q.", caregiver, message)
		}
		return text, models.ModeNormal
	}
}

// StartReason names why a session began, recorded on the session row
// and surfaced to the agent as a dynamic variable.
func StartReason(event string, mode models.SessionMode) string {
	if mode == models.ModeDistress {
		return "caregiver_distress_" + event
	}
	return "caregiver_" + event
}

func stringField(payload map[string]any, key, fallback string) string {
	if payload == nil {
		return fallback
	}
	if v, ok := payload[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func boolField(payload map[string]any, key string) bool {
	if payload == nil {
		return false
	}
	v, _ := payload[key].(bool)
	return v
}
