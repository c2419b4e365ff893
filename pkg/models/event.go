package models

import "time"

// EventType enumerates the anomaly and security event categories
type EventType string

const (
	EventCostSpike         EventType = "cost_spike"
	EventAuthFailures      EventType = "auth_failures"
	EventBudgetViolation   EventType = "budget_violation"
	EventSuspiciousInput   EventType = "suspicious_input"
	EventSandboxViolation  EventType = "sandbox_violation"
	EventRateLimitExceeded EventType = "rate_limit_exceeded"
	EventUnusualPattern    EventType = "unusual_pattern"
	EventDataExfiltration  EventType = "data_exfiltration"
	EventUnitCrash         EventType = "unit_crash"
	EventSystemOverload    EventType = "system_overload"
)

// AlertLevel is the severity attached to events and alerts
type AlertLevel string

const (
	LevelInfo      AlertLevel = "info"
	LevelWarning   AlertLevel = "warning"
	LevelCritical  AlertLevel = "critical"
	LevelEmergency AlertLevel = "emergency"
)

// SecurityEvent is an immutable record of something the monitor observed
type SecurityEvent struct {
	Timestamp    time.Time      `json:"timestamp"`
	Type         EventType      `json:"type"`
	Level        AlertLevel     `json:"level"`
	Description  string         `json:"description"`
	Source       string         `json:"source"` // unit id, ip, or component
	Metadata     map[string]any `json:"metadata,omitempty"`
	Acknowledged bool           `json:"acknowledged"`
}

// Alert is raised for every critical or emergency event. Append-only.
type Alert struct {
	ID                string          `json:"id"`
	Timestamp         time.Time       `json:"timestamp"`
	Level             AlertLevel      `json:"level"`
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	Events            []SecurityEvent `json:"events"`
	RecommendedAction string          `json:"recommended_action"`
}

// HealthStatus is the monitor's overall classification
type HealthStatus string

const (
	HealthCritical       HealthStatus = "CRITICAL"
	HealthWarning        HealthStatus = "WARNING"
	HealthNeedsAttention HealthStatus = "NEEDS_ATTENTION"
	HealthHealthy        HealthStatus = "HEALTHY"
)

// HealthSummary is a point-in-time read of system security health
type HealthSummary struct {
	Status           HealthStatus `json:"status"`
	LastHourEvents   int          `json:"last_hour_events"`
	CriticalEvents   int          `json:"critical_events"`
	ActiveAlerts     int          `json:"active_alerts"`
	MostCommonThreat EventType    `json:"most_common_threat,omitempty"`
	Timestamp        time.Time    `json:"timestamp"`
}
