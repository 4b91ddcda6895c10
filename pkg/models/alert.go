package models

import (
	"fmt"
	"time"
)

// Alert is an active or resolved notification scoped to an individual
// device, a group, or a community zone. Alerts are deduplicated by key:
// raising again for the same scope updates the existing alert in place.
type Alert struct {
	ID             string        `json:"id"`
	Kind           AlertKind     `json:"type"`
	Severity       AlertSeverity `json:"severity"`
	ScopeID        string        `json:"scope_id"`
	Message        string        `json:"message"`
	Score          float64       `json:"score"`
	Affected       []string      `json:"affected_devices,omitempty"`
	Active         bool          `json:"active"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
	AcknowledgedBy string        `json:"acknowledged_by,omitempty"`
}

// Key returns the dedupe key for an alert scope.
func AlertKey(kind AlertKind, scopeID string) string {
	return fmt.Sprintf("%s_%s", kind, scopeID)
}

func (a *Alert) Key() string {
	return AlertKey(a.Kind, a.ScopeID)
}
