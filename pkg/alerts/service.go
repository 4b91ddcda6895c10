// Package alerts manages deduplicated alerts scoped to devices, groups,
// and community zones, and fans out alert notifications.
package alerts

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsera-health/pulsera/pkg/models"
)

// maxAlerts bounds the total retained alert list; oldest resolved
// alerts are pruned first.
const maxAlerts = 500

// Broadcaster is the slice of the connection plane the alert service
// needs for fan-out.
type Broadcaster interface {
	BroadcastToZone(zone string, msg any)
	BroadcastToGroup(groupID string, msg any)
	BroadcastToDashboards(msg any)
}

// Service holds active and recently resolved alerts keyed by scope.
type Service struct {
	broadcaster Broadcaster

	mu     sync.RWMutex
	byKey  map[string]*models.Alert
	order  []string
}

// NewService builds an alert service. The broadcaster may be nil in
// tests that only exercise bookkeeping.
func NewService(b Broadcaster) *Service {
	return &Service{
		broadcaster: b,
		byKey:       make(map[string]*models.Alert),
	}
}

// Raise creates or refreshes the alert for (kind, scope). A repeat
// raise updates score, severity, message, and affected devices in place
// without creating a duplicate.
func (s *Service) Raise(kind models.AlertKind, scopeID string, severity models.AlertSeverity, message string, score float64, affected []string) models.Alert {
	now := time.Now().UTC()
	key := models.AlertKey(kind, scopeID)

	s.mu.Lock()
	a, ok := s.byKey[key]
	if ok && a.Active {
		a.Severity = severity
		a.Message = message
		a.Score = score
		a.Affected = affected
		a.UpdatedAt = now
	} else {
		a = &models.Alert{
			ID:        uuid.New().String(),
			Kind:      kind,
			Severity:  severity,
			ScopeID:   scopeID,
			Message:   message,
			Score:     score,
			Affected:  affected,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.byKey[key] = a
		s.order = append(s.order, key)
		s.pruneLocked()
	}
	out := *a
	s.mu.Unlock()

	slog.Info("Alert raised", "key", key, "severity", severity, "score", score)
	s.broadcast(out)
	return out
}

// Resolve marks the alert for (kind, scope) inactive and broadcasts the
// resolution. Resolving an unknown or inactive alert is a no-op.
func (s *Service) Resolve(kind models.AlertKind, scopeID, acknowledgedBy string) (models.Alert, bool) {
	key := models.AlertKey(kind, scopeID)
	now := time.Now().UTC()

	s.mu.Lock()
	a, ok := s.byKey[key]
	if !ok || !a.Active {
		s.mu.Unlock()
		return models.Alert{}, false
	}
	a.Active = false
	a.ResolvedAt = &now
	a.UpdatedAt = now
	a.AcknowledgedBy = acknowledgedBy
	out := *a
	s.mu.Unlock()

	slog.Info("Alert resolved", "key", key, "acknowledged_by", acknowledgedBy)
	if s.broadcaster != nil {
		s.broadcaster.BroadcastToDashboards(map[string]any{
			"type":  "alert_resolved",
			"alert": out,
		})
		if out.Kind == models.AlertKindGroup {
			s.broadcaster.BroadcastToGroup(out.ScopeID, map[string]any{
				"type":  "alert_resolved",
				"alert": out,
			})
		}
	}
	return out, true
}

// Get returns the alert for (kind, scope) if one exists.
func (s *Service) Get(kind models.AlertKind, scopeID string) (models.Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byKey[models.AlertKey(kind, scopeID)]
	if !ok {
		return models.Alert{}, false
	}
	return *a, true
}

// Active returns every active alert.
func (s *Service) Active() []models.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Alert
	for _, key := range s.order {
		if a := s.byKey[key]; a != nil && a.Active {
			out = append(out, *a)
		}
	}
	return out
}

// broadcast routes a raised alert to its audience: dashboards always,
// plus the zone or group it concerns.
func (s *Service) broadcast(a models.Alert) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.BroadcastToDashboards(map[string]any{
		"type":  "alert",
		"alert": a,
	})
	switch a.Kind {
	case models.AlertKindCommunity:
		s.broadcaster.BroadcastToZone(a.ScopeID, map[string]any{
			"type":  "zone_alert",
			"alert": a,
		})
	case models.AlertKindGroup:
		s.broadcaster.BroadcastToGroup(a.ScopeID, map[string]any{
			"type":  "group-alert",
			"alert": a,
		})
	}
}

// pruneLocked drops the oldest resolved alerts once the list exceeds
// maxAlerts. Active alerts are never pruned.
func (s *Service) pruneLocked() {
	if len(s.order) <= maxAlerts {
		return
	}
	kept := s.order[:0]
	excess := len(s.order) - maxAlerts
	for _, key := range s.order {
		a := s.byKey[key]
		if excess > 0 && a != nil && !a.Active {
			delete(s.byKey, key)
			excess--
			continue
		}
		kept = append(kept, key)
	}
	s.order = kept
}
