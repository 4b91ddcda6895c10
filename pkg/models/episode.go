package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimelineEntry is one recorded step in an episode's history.
type TimelineEntry struct {
	Phase     EpisodePhase   `json:"phase"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// FusionResult is the outcome of combining watch biometrics with the
// visual check-in, produced either by the generative collaborator or by
// the threshold formula.
type FusionResult struct {
	Decision        FusionDecision `json:"decision"`
	SeverityScore   float64        `json:"severity_score"`
	Confidence      float64        `json:"confidence"`
	Reasoning       string         `json:"reasoning"`
	CaregiverReport string         `json:"caregiver_report"`
	LikelyCause     string         `json:"likely_cause"`
	Source          string         `json:"source"` // "ai" or "threshold"
}

// Episode tracks one anomaly through detection, calming, re-evaluation,
// visual check, fusion, and resolution or escalation.
type Episode struct {
	ID              string          `json:"episode_id"`
	DeviceID        string          `json:"device_id"`
	UserID          string          `json:"user_id,omitempty"`
	GroupID         string          `json:"group_id,omitempty"`
	Phase           EpisodePhase    `json:"phase"`
	Severity        float64         `json:"severity"`
	TriggerScore    float64         `json:"trigger_score"`
	TriggerVitals   Vitals          `json:"trigger_vitals"`
	PostCalming     *Vitals         `json:"post_calming_vitals,omitempty"`
	Presage         *Presage        `json:"presage_result,omitempty"`
	Fusion          *FusionResult   `json:"fusion_result,omitempty"`
	EscalationLevel int             `json:"escalation_level"`
	Resolution      string          `json:"resolution,omitempty"`
	Timeline        []TimelineEntry `json:"timeline"`
	StartedAt       time.Time       `json:"started_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

// NewEpisodeID returns a short episode identifier.
func NewEpisodeID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// Resolved reports whether the episode has reached a terminal phase.
func (e *Episode) Resolved() bool {
	return e.Phase == PhaseResolved
}

// Record appends a timeline entry for the given phase.
func (e *Episode) Record(phase EpisodePhase, detail map[string]any) {
	e.Timeline = append(e.Timeline, TimelineEntry{
		Phase:     phase,
		Timestamp: time.Now().UTC(),
		Detail:    detail,
	})
}
