// Package aggregate rolls per-device anomaly scores up into zone, group,
// and community status snapshots.
package aggregate

import (
	"sync"
	"time"

	"github.com/pulsera-health/pulsera/pkg/config"
	"github.com/pulsera-health/pulsera/pkg/health"
	"github.com/pulsera-health/pulsera/pkg/models"
)

// historyCap bounds the retained snapshots per scope.
const historyCap = 300

// Engine computes aggregation snapshots from the score registry and
// tracked scope membership.
type Engine struct {
	registry *health.Registry
	cfg      config.DetectionConfig

	mu         sync.RWMutex
	deviceZone map[string]string
	groups     map[string]map[string]struct{}
	groupTypes map[string]models.GroupType
	latest     map[string]models.Snapshot
	history    map[string][]models.Snapshot
}

// NewEngine builds an aggregation engine over the given registry.
func NewEngine(registry *health.Registry, cfg config.DetectionConfig) *Engine {
	return &Engine{
		registry:   registry,
		cfg:        cfg,
		deviceZone: make(map[string]string),
		groups:     make(map[string]map[string]struct{}),
		groupTypes: make(map[string]models.GroupType),
		latest:     make(map[string]models.Snapshot),
		history:    make(map[string][]models.Snapshot),
	}
}

// RegisterDevice assigns a device to a zone for community aggregation.
func (e *Engine) RegisterDevice(deviceID, zone string) {
	e.mu.Lock()
	e.deviceZone[deviceID] = zone
	e.mu.Unlock()
}

// RemoveDevice drops a device from zone and group membership.
func (e *Engine) RemoveDevice(deviceID string) {
	e.mu.Lock()
	delete(e.deviceZone, deviceID)
	for _, members := range e.groups {
		delete(members, deviceID)
	}
	e.mu.Unlock()
}

// AddToGroup adds a device to a named group. Adding the same device
// twice is a no-op. The group type is set on first add.
func (e *Engine) AddToGroup(groupID, deviceID string, gt models.GroupType) {
	e.mu.Lock()
	defer e.mu.Unlock()
	members, ok := e.groups[groupID]
	if !ok {
		members = make(map[string]struct{})
		e.groups[groupID] = members
		e.groupTypes[groupID] = gt
	}
	members[deviceID] = struct{}{}
}

// ZoneDevices returns the members of a zone.
func (e *Engine) ZoneDevices(zone string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for id, z := range e.deviceZone {
		if z == zone {
			out = append(out, id)
		}
	}
	return out
}

// Zones returns every zone with at least one registered device.
func (e *Engine) Zones() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, z := range e.deviceZone {
		if _, ok := seen[z]; !ok {
			seen[z] = struct{}{}
			out = append(out, z)
		}
	}
	return out
}

// AggregateZone computes and records a snapshot for one zone.
func (e *Engine) AggregateZone(zone string) models.Snapshot {
	members := e.ZoneDevices(zone)
	snap := e.compute(zone, models.GroupTypeZone, members)
	e.record(snap)
	return snap
}

// AggregateGroup computes and records a snapshot for one group. Family
// groups use a looser escalation rule than zones.
func (e *Engine) AggregateGroup(groupID string) models.Snapshot {
	e.mu.RLock()
	gt, ok := e.groupTypes[groupID]
	var members []string
	for id := range e.groups[groupID] {
		members = append(members, id)
	}
	e.mu.RUnlock()
	if !ok {
		gt = models.GroupTypeFamily
	}

	snap := e.compute(groupID, gt, members)
	if gt == models.GroupTypeFamily {
		snap.Status = familyStatus(snap)
	}
	e.record(snap)
	return snap
}

// Latest returns the most recent snapshot for a scope.
func (e *Engine) Latest(scopeID string) (models.Snapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.latest[scopeID]
	return s, ok
}

// History returns the retained snapshots for a scope, oldest first.
func (e *Engine) History(scopeID string) []models.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	src := e.history[scopeID]
	out := make([]models.Snapshot, len(src))
	copy(out, src)
	return out
}

// Community aggregates every zone and rolls them up into one summary.
func (e *Engine) Community() models.CommunitySummary {
	zones := e.Zones()
	summary := models.CommunitySummary{
		OverallStatus: models.StatusSafe,
		ComputedAt:    time.Now().UTC(),
	}
	for _, zone := range zones {
		snap := e.AggregateZone(zone)
		summary.Zones = append(summary.Zones, snap)
		summary.TotalDevices += snap.Active
		summary.TotalAnomalous += snap.Anomalous
		if snap.IsPattern {
			summary.PatternCount++
		}
		if statusRank(snap.Status) > statusRank(summary.OverallStatus) {
			summary.OverallStatus = snap.Status
		}
	}
	return summary
}

// compute builds a snapshot without touching history.
func (e *Engine) compute(scopeID string, gt models.GroupType, members []string) models.Snapshot {
	snap := models.Snapshot{
		ScopeID:      scopeID,
		ScopeType:    gt,
		Status:       models.StatusSafe,
		DeviceScores: make(map[string]float64),
		ComputedAt:   time.Now().UTC(),
	}

	var sum float64
	for _, id := range members {
		// unscored members count at zero
		var overall float64
		if score, ok := e.registry.Score(id); ok {
			overall = score.OverallScore
		}
		snap.Active++
		snap.DeviceScores[id] = overall
		sum += overall
		if overall > snap.Max {
			snap.Max = overall
		}
		if overall > e.cfg.AnomalyThreshold {
			snap.Anomalous++
		}
	}
	if snap.Active > 0 {
		snap.Avg = sum / float64(snap.Active)
	}

	snap.IsPattern = snap.Anomalous >= e.cfg.CommunityMinAffected &&
		snap.Avg > e.cfg.CommunityAnomalyThreshold
	switch {
	case snap.IsPattern:
		snap.Status = models.StatusCritical
	case snap.Anomalous >= 2 || snap.Max > 0.7:
		snap.Status = models.StatusWarning
	case snap.Anomalous >= 1 || snap.Avg > 0.3:
		snap.Status = models.StatusElevated
	}
	return snap
}

// familyStatus tightens the tier for family groups: any anomalous member
// is at least a warning, and a very high max is critical.
func familyStatus(snap models.Snapshot) models.ScopeStatus {
	if snap.Max > 0.8 {
		return models.StatusCritical
	}
	if snap.Anomalous >= 1 && statusRank(snap.Status) < statusRank(models.StatusWarning) {
		return models.StatusWarning
	}
	return snap.Status
}

func (e *Engine) record(snap models.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latest[snap.ScopeID] = snap
	h := append(e.history[snap.ScopeID], snap)
	if len(h) > historyCap {
		h = h[len(h)-historyCap:]
	}
	e.history[snap.ScopeID] = h
}

func statusRank(s models.ScopeStatus) int {
	switch s {
	case models.StatusCritical:
		return 3
	case models.StatusWarning:
		return 2
	case models.StatusElevated:
		return 1
	default:
		return 0
	}
}
