package models

import "time"

// AuditEventType identifies the audited operation class
type AuditEventType string

const (
	// Authentication
	AuditAuthSuccess    AuditEventType = "auth.success"
	AuditAuthFailure    AuditEventType = "auth.failure"
	AuditAuthKeyCreated AuditEventType = "auth.key_created"
	AuditAuthKeyRevoked AuditEventType = "auth.key_revoked"
	AuditAuthKeyRotated AuditEventType = "auth.key_rotated"

	// Authorization
	AuditAuthzGranted AuditEventType = "authz.granted"
	AuditAuthzDenied  AuditEventType = "authz.denied"

	// Budget
	AuditBudgetCheck    AuditEventType = "budget.check"
	AuditBudgetExceeded AuditEventType = "budget.exceeded"
	AuditBudgetSettled  AuditEventType = "budget.settled"
	AuditEmergencyStop  AuditEventType = "budget.emergency_stop"
	AuditEmergencyClear AuditEventType = "budget.emergency_clear"

	// Security
	AuditInputValidated   AuditEventType = "security.input_validated"
	AuditInputBlocked     AuditEventType = "security.input_blocked"
	AuditConfigBlocked    AuditEventType = "security.config_blocked"
	AuditRateLimited      AuditEventType = "security.rate_limited"
	AuditSandboxExecuted  AuditEventType = "security.sandbox_executed"
	AuditSandboxViolation AuditEventType = "security.sandbox_violation"

	// System
	AuditSystemStart AuditEventType = "system.start"
	AuditSystemStop  AuditEventType = "system.stop"
)

// AuditResult is the outcome recorded with an audit event
type AuditResult string

const (
	ResultSuccess AuditResult = "success"
	ResultFailure AuditResult = "failure"
	ResultBlocked AuditResult = "blocked"
)

// AuditEvent is an immutable audit trail entry
type AuditEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      AuditEventType `json:"type"`
	Actor     string         `json:"actor"` // unit id, key id, or "system"
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Result    AuditResult    `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
	PeerIP    string         `json:"peer_ip,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

// AuditQuery filters the in-memory audit ring buffer. Zero values match all.
type AuditQuery struct {
	Type      AuditEventType `json:"type,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Result    AuditResult    `json:"result,omitempty"`
	StartTime time.Time      `json:"start_time,omitempty"`
	EndTime   time.Time      `json:"end_time,omitempty"`
	Limit     int            `json:"limit,omitempty"`
}

// AuditSummary aggregates security-relevant audit counts over a period
type AuditSummary struct {
	PeriodHours       int      `json:"period_hours"`
	TotalEvents       int      `json:"total_events"`
	AuthFailures      int      `json:"auth_failures"`
	AuthzDenials      int      `json:"authz_denials"`
	InputsBlocked     int      `json:"inputs_blocked"`
	SandboxViolations int      `json:"sandbox_violations"`
	BudgetDenials     int      `json:"budget_denials"`
	UniqueActors      int      `json:"unique_actors"`
	Actors            []string `json:"actors,omitempty"`
}
