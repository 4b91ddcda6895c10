package ws

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/pulsera-health/pulsera/pkg/aggregate"
	"github.com/pulsera-health/pulsera/pkg/alerts"
	"github.com/pulsera-health/pulsera/pkg/config"
	"github.com/pulsera-health/pulsera/pkg/episode"
	"github.com/pulsera-health/pulsera/pkg/eventlog"
	"github.com/pulsera-health/pulsera/pkg/health"
	"github.com/pulsera-health/pulsera/pkg/inference"
	"github.com/pulsera-health/pulsera/pkg/models"
)

// SessionEngine is the slice of the per-device session engine the
// router dispatches into. Nil disables session features.
type SessionEngine interface {
	HandleCommand(deviceID, command string, payload map[string]any)
	HandleCaregiverEvent(deviceID, event string, payload map[string]any)
	HandleCaregiverCallStart(deviceID string)
	HandleCaregiverCallEnd(deviceID string)
	HandleMediaEvent(deviceID, event string, payload map[string]any)
	HandleDeadmanCancel(deviceID, pendingID string)
	HandleTTSPlaybackComplete(deviceID string)
	HandleUpstreamAudio(deviceID string, pcm []byte)
	HandleWatchDisconnect(deviceID string)
}

// Router dispatches inbound frames to the owning engine.
type Router struct {
	manager   *Manager
	buffer    *health.Buffer
	registry  *health.Registry
	inference *inference.Client
	aggregate *aggregate.Engine
	alerts    *alerts.Service
	episodes  *episode.Engine
	sessions  SessionEngine
	events    *eventlog.Service
	cfg       *config.Config
}

// NewRouter wires the message router. sessions may be nil.
func NewRouter(
	manager *Manager,
	buffer *health.Buffer,
	registry *health.Registry,
	inf *inference.Client,
	agg *aggregate.Engine,
	alertSvc *alerts.Service,
	episodes *episode.Engine,
	sessions SessionEngine,
	events *eventlog.Service,
	cfg *config.Config,
) *Router {
	return &Router{
		manager:   manager,
		buffer:    buffer,
		registry:  registry,
		inference: inf,
		aggregate: agg,
		alerts:    alertSvc,
		episodes:  episodes,
		sessions:  sessions,
		events:    events,
		cfg:       cfg,
	}
}

// Route handles one inbound frame from a tracked connection.
func (r *Router) Route(ctx context.Context, c *Conn, msgType websocket.MessageType, data []byte) {
	if msgType == websocket.MessageBinary {
		// upstream watch audio for the conversational session
		if c.Authenticated() && r.sessions != nil {
			r.sessions.HandleUpstreamAudio(c.DeviceID(), data)
		}
		return
	}

	env, err := decodeEnvelope(data)
	if err != nil {
		c.Send(errorMsg(err.Error()))
		return
	}

	// only authentication is allowed before authentication
	switch env.Type {
	case "authenticate", "register", "ping":
	default:
		if !c.Authenticated() {
			c.Send(errorMsg("not authenticated"))
			return
		}
	}

	switch env.Type {
	case "authenticate", "register":
		r.handleAuthenticate(c, env)
	case "ping":
		c.Send(map[string]any{"type": "pong"})
	case "subscribe-group":
		r.handleSubscribeGroup(c, env)
	case "health_data", "health-update":
		r.handleHealthData(ctx, c, env)
	case "health_batch":
		r.handleHealthBatch(ctx, c, env)
	case "command":
		r.handleCommand(c, env)
	case "caregiver-event":
		r.handleCaregiverEvent(c, env)
	case "caregiver-call-start":
		r.handleCaregiverCall(c, env, true)
	case "caregiver-call-end":
		r.handleCaregiverCall(c, env, false)
	case "cancel-pairing":
		r.handleCancelPairing(c, env)
	case "reconnect-request":
		r.handleReconnectRequest(c)
	case "reconnect-approve":
		r.handleReconnectDecision(c, env, true)
	case "reconnect-reject":
		r.handleReconnectDecision(c, env, false)
	case "deadman-cancel":
		r.handleDeadmanCancel(c, env)
	case "media-event":
		r.handleMediaEvent(c, env)
	case "tts-playback-complete":
		if r.sessions != nil {
			r.sessions.HandleTTSPlaybackComplete(c.DeviceID())
		}
	case "pulse-checkin":
		r.handlePulseCheckin(c)
	case "episode-start":
		r.handleEpisodeStart(c, env)
	case "episode-calming-done":
		r.handleEpisodeCalmingDone(c, env)
	case "episode-presage-result":
		r.handleEpisodePresage(ctx, c, env)
	case "episode-resolve":
		r.handleEpisodeResolve(c, env)
	case "dashboard_subscribe":
		c.Send(map[string]any{
			"type":   "dashboard_subscribed",
			"status": r.manager.Status(),
		})
	default:
		slog.Debug("Unknown message type", "type", env.Type, "conn_id", c.ID)
	}
}

// HandleDisconnect runs the teardown for a closed connection.
func (r *Router) HandleDisconnect(c *Conn) {
	deviceID := c.DeviceID()
	role := c.Role()
	r.manager.Disconnect(c)

	if deviceID == "" {
		return
	}
	switch role {
	case models.RoleDevice, models.RoleWatch:
		if r.sessions != nil {
			r.sessions.HandleWatchDisconnect(deviceID)
		}
		r.registry.Remove(deviceID)
		r.buffer.Drop(deviceID)
		r.aggregate.RemoveDevice(deviceID)
		r.events.Record(context.Background(), deviceID, "disconnected", nil)
	}
}

func (r *Router) handleAuthenticate(c *Conn, env Envelope) {
	var p authenticatePayload
	if err := env.decode(&p); err != nil {
		c.Send(map[string]any{"type": "auth_error", "message": err.Error()})
		return
	}

	role := models.Role(p.Role)
	switch role {
	case models.RoleDevice, models.RoleWatch:
		if p.deviceID() == "" {
			c.Send(map[string]any{"type": "auth_error", "message": "device_id required"})
			return
		}
		r.manager.AuthenticateDevice(c, role, p.deviceID(), p.userID(), p.Zone)
		r.aggregate.RegisterDevice(p.deviceID(), p.Zone)
		r.events.Record(context.Background(), p.deviceID(), "connected", map[string]any{"zone": p.Zone})
	case models.RoleCaregiver:
		r.manager.AuthenticateCaregiver(c, p.userID(), p.pairedDeviceID())
	case models.RoleDashboard:
		r.manager.AuthenticateDashboard(c, p.userID())
	case models.RoleMobile, models.RoleRelay:
		r.manager.AuthenticateObserver(c, role, p.userID())
	default:
		c.Send(map[string]any{"type": "auth_error", "message": "unknown role"})
		return
	}

	c.Send(map[string]any{
		"type": "authenticated",
		"role": role,
	})
}

func (r *Router) handleSubscribeGroup(c *Conn, env Envelope) {
	var p subscribeGroupPayload
	if err := env.decode(&p); err != nil || p.groupID() == "" {
		c.Send(errorMsg("groupId required"))
		return
	}
	r.manager.SubscribeGroup(c, p.groupID())

	gt := models.GroupType(p.GroupType)
	if gt == "" {
		gt = models.GroupTypeFamily
	}
	if deviceID := c.DeviceID(); deviceID != "" && c.Role() != models.RoleCaregiver {
		r.aggregate.AddToGroup(p.groupID(), deviceID, gt)
	}
	c.Send(map[string]any{"type": "group-subscribed", "groupId": p.groupID()})
}

func (r *Router) handleHealthData(ctx context.Context, c *Conn, env Envelope) {
	var reading models.Reading
	if err := env.decode(&reading); err != nil {
		c.Send(errorMsg(err.Error()))
		return
	}
	if reading.DeviceID == "" {
		reading.DeviceID = c.DeviceID()
	}
	r.ingest(ctx, c, reading)
}

func (r *Router) handleHealthBatch(ctx context.Context, c *Conn, env Envelope) {
	var p healthBatchPayload
	if err := env.decode(&p); err != nil {
		c.Send(errorMsg(err.Error()))
		return
	}
	for i, reading := range p.Readings {
		if reading.DeviceID == "" {
			reading.DeviceID = firstOf(p.DeviceID, c.DeviceID())
		}
		// only the final sample triggers inference
		if i == len(p.Readings)-1 {
			r.ingest(ctx, c, reading)
		} else {
			r.buffer.Add(reading)
		}
	}
}

// ingest buffers one reading and scores the device asynchronously.
func (r *Router) ingest(ctx context.Context, c *Conn, reading models.Reading) {
	r.buffer.Add(reading)

	window, ok := r.buffer.PartialWindow(reading.DeviceID)
	if !ok {
		return
	}

	go func() {
		inferCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		score, err := r.inference.Infer(inferCtx, reading.DeviceID, window)
		if err != nil {
			slog.Debug("Inference tick skipped", "device_id", reading.DeviceID, "error", err)
			return
		}
		r.registry.Put(score)
		r.afterScore(c, reading, score)
	}()
}

// afterScore pushes the result to the watch, refreshes aggregates, and
// raises individual alerts on anomalies.
func (r *Router) afterScore(c *Conn, reading models.Reading, score models.Score) {
	status := anomalyStatus(score.MaxScore)
	r.manager.SendToDevice(reading.DeviceID, map[string]any{
		"type":       "anomaly_result",
		"device_id":  reading.DeviceID,
		"score":      score.OverallScore,
		"status":     status,
		"is_anomaly": score.IsAnomaly,
	})

	zone := c.Zone()
	if zone != "" {
		snap := r.aggregate.AggregateZone(zone)
		r.manager.BroadcastToDashboards(map[string]any{
			"type":     "health_update",
			"zone":     zone,
			"snapshot": snap,
		})
		if snap.IsPattern {
			r.alerts.Raise(models.AlertKindCommunity, zone, models.SeverityCritical,
				"anomaly pattern across zone "+zone, snap.Avg,
				anomalousDevices(snap, r.cfg.Detection.AnomalyThreshold))
		}
	}

	c.mu.Lock()
	groups := make([]string, 0, len(c.groups))
	for g := range c.groups {
		groups = append(groups, g)
	}
	userID := c.userID
	c.mu.Unlock()
	for _, g := range groups {
		r.manager.BroadcastToGroup(g, map[string]any{
			"type":         "group-health-update",
			"groupId":      g,
			"userId":       userID,
			"heartRate":    reading.HeartRate,
			"hrv":          reading.HRV,
			"status":       status,
			"anomalyScore": score.MaxScore,
		})
	}

	if score.IsAnomaly {
		r.events.Record(context.Background(), reading.DeviceID, "health_anomaly",
			map[string]any{"score": score.MaxScore})
		r.alerts.Raise(models.AlertKindIndividual, reading.DeviceID,
			severityFor(score.MaxScore), "biometric anomaly detected", score.MaxScore, nil)
	}
}

func (r *Router) handleCommand(c *Conn, env Envelope) {
	var p commandPayload
	if err := env.decode(&p); err != nil {
		c.Send(errorMsg(err.Error()))
		return
	}
	if r.sessions == nil {
		return
	}
	deviceID := firstOf(p.DeviceID, c.DeviceID())
	r.sessions.HandleCommand(deviceID, p.Command, p.Payload)
}

func (r *Router) handleCaregiverEvent(c *Conn, env Envelope) {
	var p caregiverEventPayload
	if err := env.decode(&p); err != nil {
		c.Send(errorMsg(err.Error()))
		return
	}
	if r.sessions == nil {
		return
	}
	deviceID := firstOf(p.deviceID(), c.DeviceID())
	r.sessions.HandleCaregiverEvent(deviceID, p.Event, p.Payload)
}

func (r *Router) handleCaregiverCall(c *Conn, env Envelope, start bool) {
	var p devicePayload
	if err := env.decode(&p); err != nil {
		c.Send(errorMsg(err.Error()))
		return
	}
	if r.sessions == nil {
		return
	}
	deviceID := firstOf(p.deviceID(), c.DeviceID())
	if start {
		r.sessions.HandleCaregiverCallStart(deviceID)
	} else {
		r.sessions.HandleCaregiverCallEnd(deviceID)
	}
}

func (r *Router) handleCancelPairing(c *Conn, env Envelope) {
	var p cancelPairingPayload
	if err := env.decode(&p); err != nil {
		c.Send(errorMsg(err.Error()))
		return
	}
	deviceID := firstOf(p.DeviceID, c.DeviceID())
	slog.Info("Pairing cancelled", "device_id", deviceID, "code", p.PairingCode)
	r.manager.SendToDevice(deviceID, map[string]any{"type": "pairing-cancelled"})
	r.manager.CloseDevice(deviceID, models.ClosePairingCancelled, "pairing cancelled")
}

// handleReconnectRequest lets a watch that lost its socket resume the
// existing pairing without a fresh pairing-code flow.
func (r *Router) handleReconnectRequest(c *Conn) {
	role := c.Role()
	if (role != models.RoleWatch && role != models.RoleDevice) || c.DeviceID() == "" {
		c.Send(errorMsg("only watches can request reconnection"))
		return
	}
	c.Send(map[string]any{"type": "reconnect-approved"})
}

func (r *Router) handleReconnectDecision(c *Conn, env Envelope, approved bool) {
	role := c.Role()
	if role != models.RoleCaregiver && role != models.RoleMobile {
		c.Send(errorMsg("only caregivers can decide reconnection"))
		return
	}
	var p devicePayload
	if err := env.decode(&p); err != nil || p.deviceID() == "" {
		c.Send(errorMsg("deviceId required"))
		return
	}
	reply := "reconnect-rejected"
	if approved {
		reply = "reconnect-approved"
	}
	r.manager.SendToDevice(p.deviceID(), map[string]any{"type": reply})
}

func (r *Router) handleDeadmanCancel(c *Conn, env Envelope) {
	var p deadmanCancelPayload
	if err := env.decode(&p); err != nil {
		c.Send(errorMsg(err.Error()))
		return
	}
	if r.sessions != nil {
		r.sessions.HandleDeadmanCancel(c.DeviceID(), p.pendingID())
	}
}

func (r *Router) handleMediaEvent(c *Conn, env Envelope) {
	var p mediaEventPayload
	if err := env.decode(&p); err != nil {
		c.Send(errorMsg(err.Error()))
		return
	}
	if r.sessions != nil {
		r.sessions.HandleMediaEvent(c.DeviceID(), p.Event, p.Payload)
	}
}

func (r *Router) handlePulseCheckin(c *Conn) {
	deviceID := c.DeviceID()
	delivered := r.manager.SendToPairedCaregiver(deviceID, map[string]any{
		"type":      "ring-pulse-checkin",
		"device_id": deviceID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if !delivered {
		slog.Debug("Pulse check-in with no paired caregiver", "device_id", deviceID)
	}
	r.events.Record(context.Background(), deviceID, "pulse_checkin", nil)
}

func (r *Router) handleEpisodeStart(c *Conn, env Envelope) {
	var p episodeStartPayload
	if err := env.decode(&p); err != nil {
		c.Send(errorMsg(err.Error()))
		return
	}
	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()
	ep := r.episodes.Start(c.DeviceID(), userID, c.Group(), p.AnomalyScore, p.Vitals)
	r.events.Record(context.Background(), c.DeviceID(), "episode_started",
		map[string]any{"episode_id": ep.ID, "score": ep.TriggerScore})
}

func (r *Router) handleEpisodeCalmingDone(c *Conn, env Envelope) {
	var p struct {
		Vitals models.Vitals `json:"vitals"`
	}
	if err := env.decode(&p); err != nil {
		c.Send(errorMsg(err.Error()))
		return
	}
	if _, ok := r.episodes.CalmingDone(c.DeviceID(), p.Vitals); !ok {
		c.Send(errorMsg("no active episode"))
	}
}

func (r *Router) handleEpisodePresage(ctx context.Context, c *Conn, env Envelope) {
	var p struct {
		Result *models.Presage `json:"result"`
	}
	if err := env.decode(&p); err != nil {
		c.Send(errorMsg(err.Error()))
		return
	}
	if _, ok := r.episodes.Fuse(ctx, c.DeviceID(), p.Result); !ok {
		c.Send(errorMsg("no active episode"))
	}
}

func (r *Router) handleEpisodeResolve(c *Conn, env Envelope) {
	var p episodeResolvePayload
	if err := env.decode(&p); err != nil {
		c.Send(errorMsg(err.Error()))
		return
	}
	resolution := p.Resolution
	if resolution == "" {
		resolution = models.ResolutionCaregiverAcknowledged
	}
	if ep, ok := r.episodes.Resolve(c.DeviceID(), resolution, p.AcknowledgedBy); ok {
		r.events.Record(context.Background(), c.DeviceID(), "episode_resolved",
			map[string]any{"episode_id": ep.ID, "resolution": resolution})
		r.alerts.Resolve(models.AlertKindIndividual, c.DeviceID(), p.AcknowledgedBy)
	} else {
		c.Send(errorMsg("no active episode"))
	}
}

func severityFor(score float64) models.AlertSeverity {
	if score > 0.8 {
		return models.SeverityCritical
	}
	return models.SeverityWarning
}

func anomalousDevices(snap models.Snapshot, threshold float64) []string {
	var out []string
	for id, s := range snap.DeviceScores {
		if s > threshold {
			out = append(out, id)
		}
	}
	return out
}
