package models

import "time"

// BudgetPeriod is the reset cadence for a budget limit
type BudgetPeriod string

const (
	PeriodHourly    BudgetPeriod = "hourly"
	PeriodDaily     BudgetPeriod = "daily"
	PeriodWeekly    BudgetPeriod = "weekly"
	PeriodMonthly   BudgetPeriod = "monthly"
	PeriodOperation BudgetPeriod = "operation" // evaluated per call, never accumulates
)

// Duration returns the wall-clock length of the period. Operation periods
// have no length and return 0.
func (p BudgetPeriod) Duration() time.Duration {
	switch p {
	case PeriodHourly:
		return time.Hour
	case PeriodDaily:
		return 24 * time.Hour
	case PeriodWeekly:
		return 7 * 24 * time.Hour
	case PeriodMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// BudgetStatus classifies how much of a limit has been consumed
type BudgetStatus string

const (
	BudgetHealthy  BudgetStatus = "healthy"
	BudgetWarning  BudgetStatus = "warning"  // >= 75% used
	BudgetCritical BudgetStatus = "critical" // >= 90% used
	BudgetExceeded BudgetStatus = "exceeded" // >= 100% used
)

// BudgetLimit is a single spend ceiling with period-scoped accumulation.
// Mutated only by the ledger under its lock.
type BudgetLimit struct {
	Name         string       `json:"name"`
	Ceiling      float64      `json:"ceiling"` // USD
	Period       BudgetPeriod `json:"period"`
	CurrentSpend float64      `json:"current_spend"`
	PeriodStart  time.Time    `json:"period_start"`
	HardEnforced bool         `json:"hard_enforced"`
}

// Remaining returns the unspent headroom, floored at zero
func (b *BudgetLimit) Remaining() float64 {
	if r := b.Ceiling - b.CurrentSpend; r > 0 {
		return r
	}
	return 0
}

// PercentUsed returns consumption as a percentage of the ceiling
func (b *BudgetLimit) PercentUsed() float64 {
	if b.Ceiling == 0 {
		return 100.0
	}
	return (b.CurrentSpend / b.Ceiling) * 100
}

// Status classifies the limit's consumption
func (b *BudgetLimit) Status() BudgetStatus {
	pct := b.PercentUsed()
	switch {
	case pct >= 100:
		return BudgetExceeded
	case pct >= 90:
		return BudgetCritical
	case pct >= 75:
		return BudgetWarning
	default:
		return BudgetHealthy
	}
}

// CostPrediction is a derived estimate for an operation. Never persisted.
type CostPrediction struct {
	EstimatedCost float64 `json:"estimated_cost"`
	Confidence    float64 `json:"confidence"` // 0.0 - 1.0
	TokenEstimate int     `json:"token_estimate"`
	Model         string  `json:"model"`
	InputCost     float64 `json:"input_cost"`
	OutputCost    float64 `json:"output_cost"`
}

// ModelRate holds per-million-token pricing for one model
type ModelRate struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// ApprovalRequest is a pending human sign-off for a high-cost operation
type ApprovalRequest struct {
	ID            string    `json:"id"`
	UnitID        string    `json:"unit_id"`
	Operation     string    `json:"operation"`
	EstimatedCost float64   `json:"estimated_cost"`
	RequestedAt   time.Time `json:"requested_at"`
	Status        string    `json:"status"` // pending, approved, rejected
}
