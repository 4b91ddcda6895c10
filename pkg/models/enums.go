package models

// Role identifies what kind of client a socket connection represents.
type Role string

const (
	RoleDevice    Role = "device"
	RoleCaregiver Role = "caregiver"
	RoleDashboard Role = "dashboard"
	RoleWatch     Role = "watch"
	RoleMobile    Role = "mobile"
	RoleRelay     Role = "relay"
)

// GroupType distinguishes aggregation scopes. Family groups use a looser
// alerting rule than community groups.
type GroupType string

const (
	GroupTypeZone      GroupType = "zone"
	GroupTypeFamily    GroupType = "family"
	GroupTypeCommunity GroupType = "community"
)

// ScopeStatus is the aggregated status tier of a zone or group.
type ScopeStatus string

const (
	StatusSafe     ScopeStatus = "safe"
	StatusElevated ScopeStatus = "elevated"
	StatusWarning  ScopeStatus = "warning"
	StatusCritical ScopeStatus = "critical"
)

// AlertKind categorizes alerts by their scope.
type AlertKind string

const (
	AlertKindIndividual AlertKind = "individual"
	AlertKindGroup      AlertKind = "group"
	AlertKindCommunity  AlertKind = "community"
)

// AlertSeverity is the urgency tier of an alert.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// EpisodePhase is a step in the episode lifecycle state machine.
type EpisodePhase string

const (
	PhaseMonitoring      EpisodePhase = "monitoring"
	PhaseAnomalyDetected EpisodePhase = "anomaly_detected"
	PhaseCalming         EpisodePhase = "calming"
	PhaseReEvaluating    EpisodePhase = "re_evaluating"
	PhaseVisualCheck     EpisodePhase = "visual_check"
	PhaseFusing          EpisodePhase = "fusing"
	PhaseEscalating      EpisodePhase = "escalating"
	PhaseResolved        EpisodePhase = "resolved"
)

// FusionDecision is the outcome of combining biometric and visual signals.
type FusionDecision string

const (
	DecisionEscalate      FusionDecision = "escalate"
	DecisionFalsePositive FusionDecision = "false_positive"
	DecisionAmbiguous     FusionDecision = "ambiguous"
)

// Episode resolutions.
const (
	ResolutionCalmingResolved       = "calming_resolved"
	ResolutionFalsePositive         = "false_positive"
	ResolutionCaregiverAcknowledged = "caregiver_acknowledged"
	ResolutionEmergencyDispatched   = "emergency_dispatched"
)

// SessionMode selects which conversational agent persona handles a wearer.
type SessionMode string

const (
	ModeNormal   SessionMode = "normal"
	ModeDistress SessionMode = "distress"
)

// AgentState tracks the lifecycle of the external agent stream.
// Transitions are linear: inactive → connecting → active → inactive.
type AgentState string

const (
	AgentInactive   AgentState = "inactive"
	AgentConnecting AgentState = "connecting"
	AgentActive     AgentState = "active"
)

// WebSocket close codes.
const (
	CloseAuthTimeout      = 4001
	ClosePairingCancelled = 4003
)
