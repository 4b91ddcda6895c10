package models

import "time"

// Score is the latest inference result for one device. Overwritten on each
// inference pass; the registry keeps only the newest per device.
type Score struct {
	DeviceID       string    `json:"device_id"`
	OverallScore   float64   `json:"overall_score"`
	MaxScore       float64   `json:"max_score"`
	IsAnomaly      bool      `json:"is_anomaly"`
	PerTimestep    []float64 `json:"per_timestep_scores,omitempty"`
	Reconstruction [][]float64 `json:"reconstruction,omitempty"`
	AttentionHint  []float64 `json:"attention_heatmap,omitempty"`
	ComputedAt     time.Time `json:"computed_at"`
}

// Snapshot is one aggregation pass over a zone or group scope.
type Snapshot struct {
	ScopeID      string             `json:"scope_id"`
	ScopeType    GroupType          `json:"scope_type"`
	Avg          float64            `json:"score"`
	Max          float64            `json:"max_score"`
	Active       int                `json:"active_devices"`
	Anomalous    int                `json:"anomalous_devices"`
	Status       ScopeStatus        `json:"status"`
	IsPattern    bool               `json:"is_pattern"`
	DeviceScores map[string]float64 `json:"device_scores"`
	ComputedAt   time.Time          `json:"timestamp"`
}

// CommunitySummary rolls all zones up into one status line for dashboards.
type CommunitySummary struct {
	OverallStatus  ScopeStatus `json:"overall_status"`
	TotalDevices   int         `json:"total_devices"`
	TotalAnomalous int         `json:"total_anomalous"`
	PatternCount   int         `json:"community_anomalies"`
	Zones          []Snapshot  `json:"zones"`
	ComputedAt     time.Time   `json:"timestamp"`
}
