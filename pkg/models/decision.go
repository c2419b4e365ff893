package models

import "time"

// Decision is the gateway's answer to an authorization request. Callers
// branch on Allowed; denial reasons are human-readable and displayable as-is.
type Decision struct {
	Allowed          bool        `json:"allowed"`
	Reason           string      `json:"reason,omitempty"`
	ChecksPassed     []string    `json:"checks_passed"`
	ChecksFailed     []string    `json:"checks_failed,omitempty"`
	ThreatLevel      ThreatLevel `json:"threat_level"`
	CostReserved     float64     `json:"cost_reserved"`
	ReservationID    string      `json:"reservation_id,omitempty"`
	RequiresApproval bool        `json:"requires_approval"`
	SanitizedInput   string      `json:"sanitized_input,omitempty"`
}

// BudgetSnapshot is the read-only view of one limit for status reporting
type BudgetSnapshot struct {
	Name        string       `json:"name"`
	Ceiling     float64      `json:"ceiling"`
	Spent       float64      `json:"spent"`
	Remaining   float64      `json:"remaining"`
	PercentUsed float64      `json:"percent_used"`
	Status      BudgetStatus `json:"status"`
}

// LedgerStatus aggregates the budget ledger's observable state
type LedgerStatus struct {
	EmergencyStopActive bool             `json:"emergency_stop_active"`
	EmergencyStopReason string           `json:"emergency_stop_reason,omitempty"`
	GlobalBudgets       []BudgetSnapshot `json:"global_budgets"`
	TotalOperations     int64            `json:"total_operations"`
	TotalCost           float64          `json:"total_cost"`
	BlockedOperations   int64            `json:"blocked_operations"`
	BlockedCostSaved    float64          `json:"blocked_cost_saved"`
	PendingApprovals    int              `json:"pending_approvals"`
}

// SandboxStatus aggregates sandbox counters
type SandboxStatus struct {
	Mode            SandboxMode `json:"mode"`
	Executions      int64       `json:"executions"`
	Violations      int64       `json:"violations"`
	BlockedCommands int64       `json:"blocked_commands"`
	TimeoutKills    int64       `json:"timeout_kills"`
}

// RegistryStatus aggregates access-registry counts
type RegistryStatus struct {
	TotalKeys      int   `json:"total_keys"`
	ActiveKeys     int   `json:"active_keys"`
	TotalSessions  int   `json:"total_sessions"`
	ActiveSessions int   `json:"active_sessions"`
	AccessAttempts int64 `json:"access_attempts"`
	AccessGranted  int64 `json:"access_granted"`
	AccessDenied   int64 `json:"access_denied"`
}

// StatusSnapshot is the gateway's read-only aggregate, safe to poll
type StatusSnapshot struct {
	Timestamp time.Time      `json:"timestamp"`
	Budget    LedgerStatus   `json:"budget"`
	Sandbox   SandboxStatus  `json:"sandbox"`
	Access    RegistryStatus `json:"access"`
	Health    HealthSummary  `json:"health"`
}
