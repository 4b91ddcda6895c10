// Package episode drives the anomaly episode lifecycle: detection,
// guided calming, re-evaluation, visual check, fusion, and resolution
// or escalation.
package episode

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pulsera-health/pulsera/pkg/fusionai"
	"github.com/pulsera-health/pulsera/pkg/models"
)

// History bounds: once the resolved list hits historyCap it is trimmed
// to the newest historyKeep entries.
const (
	historyCap  = 200
	historyKeep = 100
)

// Notifier is the slice of the connection plane the episode engine
// needs to reach devices, caregivers, and dashboards.
type Notifier interface {
	SendToDevice(deviceID string, msg any) error
	SendToPairedCaregiver(deviceID string, msg any) bool
	BroadcastToGroup(groupID string, msg any)
	BroadcastToDashboards(msg any)
}

// Escalator owns the timed promotion ladder for escalating episodes.
type Escalator interface {
	Start(episodeID string)
	Cancel(episodeID string)
}

// Fuser produces an escalation decision from episode signals.
// *fusionai.Client satisfies this, including its disabled nil form.
type Fuser interface {
	Fuse(ctx context.Context, req fusionai.Request) (models.FusionResult, error)
}

// Engine holds at most one active episode per device plus a bounded
// resolved history.
type Engine struct {
	notifier  Notifier
	fuser     Fuser
	escalator Escalator

	mu      sync.Mutex
	active  map[string]*models.Episode // device_id -> episode
	byID    map[string]string          // episode_id -> device_id
	history []models.Episode
}

// NewEngine builds an episode engine. The escalator is attached after
// construction because the ladder needs the engine as its promoter.
func NewEngine(notifier Notifier, fuser Fuser) *Engine {
	return &Engine{
		notifier: notifier,
		fuser:    fuser,
		active:   make(map[string]*models.Episode),
		byID:     make(map[string]string),
	}
}

// AttachEscalator wires the promotion ladder. Must be called before
// any episode can escalate.
func (e *Engine) AttachEscalator(esc Escalator) {
	e.escalator = esc
}

// Start opens an episode for a device and moves it straight into the
// calming phase. While an episode is active, Start is idempotent and
// returns the existing one.
func (e *Engine) Start(deviceID, userID, groupID string, anomalyScore float64, vitals models.Vitals) models.Episode {
	e.mu.Lock()
	if ep, ok := e.active[deviceID]; ok {
		out := *ep
		e.mu.Unlock()
		return out
	}

	if anomalyScore <= 0 {
		anomalyScore = 0.5
	}
	ep := &models.Episode{
		ID:            models.NewEpisodeID(),
		DeviceID:      deviceID,
		UserID:        userID,
		GroupID:       groupID,
		Phase:         models.PhaseCalming,
		Severity:      anomalyScore,
		TriggerScore:  anomalyScore,
		TriggerVitals: vitals,
		StartedAt:     time.Now().UTC(),
	}
	ep.Record(models.PhaseAnomalyDetected, map[string]any{
		"anomaly_score": anomalyScore,
		"heart_rate":    vitals.HeartRate,
		"hrv":           vitals.HRV,
	})
	ep.Record(models.PhaseCalming, nil)
	e.active[deviceID] = ep
	e.byID[ep.ID] = deviceID
	out := *ep
	e.mu.Unlock()

	slog.Info("Episode started", "episode_id", out.ID, "device_id", deviceID, "score", anomalyScore)
	e.notifier.SendToDevice(deviceID, map[string]any{
		"type":        "episode-started",
		"episode_id":  out.ID,
		"phase":       out.Phase,
		"instruction": "start_breathing",
	})
	e.notifier.BroadcastToDashboards(map[string]any{
		"type":    "episode-update",
		"episode": out,
	})
	return out
}

// CalmingDone records post-calming vitals. Recovered vitals resolve the
// episode; otherwise it advances through re-evaluation to the visual
// check, asking the paired phone for a camera check-in.
func (e *Engine) CalmingDone(deviceID string, vitals models.Vitals) (models.Episode, bool) {
	e.mu.Lock()
	ep, ok := e.active[deviceID]
	if !ok {
		e.mu.Unlock()
		return models.Episode{}, false
	}
	v := vitals
	ep.PostCalming = &v
	ep.Record(models.PhaseReEvaluating, map[string]any{
		"heart_rate": vitals.HeartRate,
		"hrv":        vitals.HRV,
	})

	if calmedDown(vitals) {
		e.mu.Unlock()
		return e.resolve(deviceID, models.ResolutionCalmingResolved, "")
	}

	ep.Phase = models.PhaseVisualCheck
	ep.Record(models.PhaseVisualCheck, nil)
	out := *ep
	e.mu.Unlock()

	e.notifier.SendToDevice(deviceID, map[string]any{
		"type":        "episode-phase-update",
		"episode_id":  out.ID,
		"phase":       out.Phase,
		"instruction": "request_phone_check",
	})
	e.notifier.BroadcastToDashboards(map[string]any{
		"type":    "episode-update",
		"episode": out,
	})
	return out, true
}

// Fuse combines signals into a decision and acts on it. A nil presage
// means the visual check never arrived; the watch signal decides alone.
// The generative collaborator is consulted first, falling back to
// threshold fusion on any failure.
func (e *Engine) Fuse(ctx context.Context, deviceID string, presage *models.Presage) (models.Episode, bool) {
	e.mu.Lock()
	ep, ok := e.active[deviceID]
	if !ok {
		e.mu.Unlock()
		return models.Episode{}, false
	}
	ep.Phase = models.PhaseFusing
	if presage != nil {
		p := *presage
		ep.Presage = &p
	}
	ep.Record(models.PhaseFusing, nil)
	req := fusionai.Request{
		DeviceID:     deviceID,
		TriggerScore: ep.TriggerScore,
		Trigger:      ep.TriggerVitals,
		PostCalming:  ep.PostCalming,
		Presage:      ep.Presage,
	}
	vitals := ep.TriggerVitals
	if ep.PostCalming != nil {
		vitals = *ep.PostCalming
	}
	e.mu.Unlock()

	result, err := e.fuser.Fuse(ctx, req)
	if err != nil {
		slog.Debug("Falling back to threshold fusion", "device_id", deviceID, "error", err)
		result = thresholdFusion(vitals, presage)
	}

	e.mu.Lock()
	ep, ok = e.active[deviceID]
	if !ok {
		// resolved while fusing, decision is moot
		e.mu.Unlock()
		return models.Episode{}, false
	}
	r := result
	ep.Fusion = &r
	ep.Severity = result.SeverityScore
	e.mu.Unlock()

	slog.Info("Episode fusion complete",
		"episode_id", ep.ID, "decision", result.Decision,
		"severity", result.SeverityScore, "source", result.Source)

	e.notifier.SendToDevice(deviceID, map[string]any{
		"type":        "episode-phase-update",
		"episode_id":  ep.ID,
		"phase":       models.PhaseFusing,
		"instruction": "fusion_complete",
		"decision":    result.Decision,
	})

	switch result.Decision {
	case models.DecisionFalsePositive:
		return e.resolve(deviceID, models.ResolutionFalsePositive, "")
	case models.DecisionEscalate:
		return e.escalate(deviceID, "fusion_escalate")
	default:
		return e.escalate(deviceID, "ambiguous_escalation")
	}
}

// Resolve ends an episode with an explicit resolution, typically a
// caregiver acknowledgement.
func (e *Engine) Resolve(deviceID, resolution, acknowledgedBy string) (models.Episode, bool) {
	return e.resolve(deviceID, resolution, acknowledgedBy)
}

// Promote raises the escalation level of an episode by ID. Returns the
// new level, or false when the episode is already resolved; firing a
// stale timer is a no-op.
func (e *Engine) Promote(episodeID string) (int, bool) {
	e.mu.Lock()
	deviceID, ok := e.byID[episodeID]
	if !ok {
		e.mu.Unlock()
		return 0, false
	}
	ep, ok := e.active[deviceID]
	if !ok || ep.ID != episodeID {
		e.mu.Unlock()
		return 0, false
	}
	ep.EscalationLevel++
	level := ep.EscalationLevel
	ep.Record(models.PhaseEscalating, map[string]any{"level": level})
	out := *ep
	e.mu.Unlock()

	slog.Warn("Episode escalation promoted",
		"episode_id", episodeID, "device_id", deviceID,
		"level", level, "target", EscalationTarget(level))
	e.notifyEscalation(out)
	return level, true
}

// Active returns the active episode for a device.
func (e *Engine) Active(deviceID string) (models.Episode, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ep, ok := e.active[deviceID]
	if !ok {
		return models.Episode{}, false
	}
	return *ep, true
}

// History returns resolved episodes, oldest first.
func (e *Engine) History() []models.Episode {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Episode, len(e.history))
	copy(out, e.history)
	return out
}

// escalate moves an episode to the escalating phase at level 1 and
// arms the promotion ladder. Returns false when the episode resolved
// between the caller's check and this lock acquisition.
func (e *Engine) escalate(deviceID, reason string) (models.Episode, bool) {
	e.mu.Lock()
	ep, ok := e.active[deviceID]
	if !ok {
		e.mu.Unlock()
		return models.Episode{}, false
	}
	ep.Phase = models.PhaseEscalating
	ep.EscalationLevel = 1
	ep.Record(models.PhaseEscalating, map[string]any{"level": 1, "reason": reason})
	out := *ep
	e.mu.Unlock()

	slog.Warn("Episode escalating", "episode_id", out.ID, "device_id", deviceID, "reason", reason)
	if e.escalator != nil {
		e.escalator.Start(out.ID)
	}
	e.notifyEscalation(out)
	return out, true
}

func (e *Engine) notifyEscalation(ep models.Episode) {
	report := ""
	if ep.Fusion != nil {
		report = ep.Fusion.CaregiverReport
	}
	msg := map[string]any{
		"type":       "caregiver-alert",
		"episode_id": ep.ID,
		"device_id":  ep.DeviceID,
		"level":      ep.EscalationLevel,
		"target":     EscalationTarget(ep.EscalationLevel),
		"severity":   ep.Severity,
		"report":     report,
	}
	e.notifier.SendToPairedCaregiver(ep.DeviceID, msg)
	if ep.GroupID != "" {
		e.notifier.BroadcastToGroup(ep.GroupID, msg)
	}
	e.notifier.BroadcastToDashboards(msg)
}

// resolve finalizes an episode and moves it into history. Returns
// false when the episode resolved between the caller's check and this
// lock acquisition.
func (e *Engine) resolve(deviceID, resolution, acknowledgedBy string) (models.Episode, bool) {
	now := time.Now().UTC()

	e.mu.Lock()
	ep, ok := e.active[deviceID]
	if !ok {
		e.mu.Unlock()
		return models.Episode{}, false
	}
	ep.Phase = models.PhaseResolved
	ep.Resolution = resolution
	ep.ResolvedAt = &now
	if resolution == models.ResolutionCalmingResolved {
		ep.Severity = 0.1
	}
	detail := map[string]any{"resolution": resolution}
	if acknowledgedBy != "" {
		detail["acknowledged_by"] = acknowledgedBy
	}
	ep.Record(models.PhaseResolved, detail)

	delete(e.active, deviceID)
	delete(e.byID, ep.ID)
	e.history = append(e.history, *ep)
	if len(e.history) >= historyCap {
		e.history = append([]models.Episode(nil), e.history[len(e.history)-historyKeep:]...)
	}
	out := *ep
	e.mu.Unlock()

	slog.Info("Episode resolved",
		"episode_id", out.ID, "device_id", deviceID, "resolution", resolution)

	if e.escalator != nil {
		e.escalator.Cancel(out.ID)
	}

	instruction := "episode_resolved"
	if resolution == models.ResolutionCalmingResolved {
		instruction = "calming_resolved"
	}
	e.notifier.SendToDevice(deviceID, map[string]any{
		"type":        "episode-phase-update",
		"episode_id":  out.ID,
		"phase":       models.PhaseResolved,
		"instruction": instruction,
		"resolution":  resolution,
	})
	resolved := map[string]any{
		"type":    "episode-resolved",
		"episode": out,
	}
	if out.GroupID != "" {
		e.notifier.BroadcastToGroup(out.GroupID, resolved)
	}
	e.notifier.BroadcastToDashboards(resolved)
	return out, true
}

// EscalationTarget names who gets contacted at each ladder level.
func EscalationTarget(level int) string {
	switch level {
	case 1:
		return "Primary Contact"
	case 2:
		return "Secondary Contacts"
	case 3:
		return "Emergency Services"
	default:
		return "Emergency Services"
	}
}
