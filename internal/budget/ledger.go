// Package budget enforces spend ceilings with two-phase reserve/settle
// accounting and a global emergency-stop latch.
package budget

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-warden/agent-warden/internal/config"
	"github.com/agent-warden/agent-warden/internal/metrics"
	"github.com/agent-warden/agent-warden/pkg/models"
)

// Per-million-token pricing. Unknown models fall back to the default.
var modelRates = map[string]models.ModelRate{
	"claude-opus-4-5":   {Input: 15.00, Output: 75.00},
	"claude-sonnet-4-5": {Input: 3.00, Output: 15.00},
	"claude-3-5-haiku":  {Input: 0.80, Output: 4.00},
}

// costBuffer pads predictions for estimation uncertainty
const costBuffer = 1.10

// Ledger tracks spend against global and per-unit limits. All mutation
// happens under a single mutex; periods reset lazily on access.
type Ledger struct {
	mu sync.Mutex

	globalLimits map[string]*models.BudgetLimit
	unitLimits   map[string]*models.BudgetLimit

	perOperationLimit float64
	perUnitDailyLimit float64
	emergencyStopAt   float64
	approvalThreshold float64
	defaultModel      string

	emergencyStopActive bool
	emergencyStopReason string

	pendingApprovals []models.ApprovalRequest

	totalOperations   int64
	totalCost         float64
	blockedOperations int64
	blockedCostSaved  float64

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithTimeFunc sets a custom time function for testing
func WithTimeFunc(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// NewLedger creates a ledger from the configured ceilings
func NewLedger(cfg config.BudgetConfig, opts ...Option) *Ledger {
	l := &Ledger{
		globalLimits:      make(map[string]*models.BudgetLimit),
		unitLimits:        make(map[string]*models.BudgetLimit),
		perOperationLimit: cfg.PerOperationLimit,
		perUnitDailyLimit: cfg.PerUnitDailyLimit,
		emergencyStopAt:   cfg.EmergencyStopThreshold,
		approvalThreshold: cfg.ApprovalThreshold,
		defaultModel:      cfg.DefaultModel,
		logger:            slog.Default(),
		now:               time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	start := l.now()
	l.globalLimits["global_daily"] = &models.BudgetLimit{
		Name:         "global_daily",
		Ceiling:      cfg.GlobalDailyLimit,
		Period:       models.PeriodDaily,
		PeriodStart:  start,
		HardEnforced: true,
	}
	l.globalLimits["global_hourly"] = &models.BudgetLimit{
		Name:         "global_hourly",
		Ceiling:      cfg.GlobalHourlyLimit,
		Period:       models.PeriodHourly,
		PeriodStart:  start,
		HardEnforced: true,
	}

	l.logger.Info("budget ledger initialized",
		"global_daily", cfg.GlobalDailyLimit,
		"global_hourly", cfg.GlobalHourlyLimit,
		"emergency_stop_threshold", cfg.EmergencyStopThreshold)

	return l
}

// resetIfElapsed starts a fresh period when the current one has run out.
// Caller must hold the lock.
func (l *Ledger) resetIfElapsed(limit *models.BudgetLimit) {
	d := limit.Period.Duration()
	if d == 0 {
		return
	}
	if l.now().Sub(limit.PeriodStart) >= d {
		limit.CurrentSpend = 0
		limit.PeriodStart = l.now()
	}
}

// unitLimit returns the unit's daily limit, creating it on first use.
// Caller must hold the lock.
func (l *Ledger) unitLimit(unitID string) *models.BudgetLimit {
	limit, ok := l.unitLimits[unitID]
	if !ok {
		limit = &models.BudgetLimit{
			Name:         unitID + "_daily",
			Ceiling:      l.perUnitDailyLimit,
			Period:       models.PeriodDaily,
			PeriodStart:  l.now(),
			HardEnforced: true,
		}
		l.unitLimits[unitID] = limit
	}
	return limit
}

// CheckAndReserve checks every applicable ceiling and, when all pass,
// atomically adds estimatedCost to each. Returns (false, reason) on denial.
// Crossing the emergency threshold latches the emergency stop before denying.
func (l *Ledger) CheckAndReserve(unitID string, estimatedCost float64, operation string) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.emergencyStopActive {
		l.recordBlocked(estimatedCost)
		return false, fmt.Sprintf("EMERGENCY STOP ACTIVE: %s", l.emergencyStopReason)
	}

	for _, limit := range l.globalLimits {
		l.resetIfElapsed(limit)
	}
	unitLimit := l.unitLimit(unitID)
	l.resetIfElapsed(unitLimit)

	if estimatedCost > l.perOperationLimit {
		l.logger.Warn("operation cost exceeds per-operation limit",
			"unit_id", unitID, "cost", estimatedCost, "limit", l.perOperationLimit)
		l.recordBlocked(estimatedCost)
		return false, fmt.Sprintf("Exceeds per-operation limit ($%.2f)", l.perOperationLimit)
	}

	for name, limit := range l.globalLimits {
		if limit.HardEnforced && limit.CurrentSpend+estimatedCost > limit.Ceiling {
			l.logger.Warn("operation would exceed budget limit",
				"limit", name, "spent", limit.CurrentSpend, "cost", estimatedCost, "ceiling", limit.Ceiling)
			l.recordBlocked(estimatedCost)
			return false, fmt.Sprintf("Exceeds %s budget limit", name)
		}
	}

	if unitLimit.HardEnforced && unitLimit.CurrentSpend+estimatedCost > unitLimit.Ceiling {
		l.logger.Warn("unit would exceed daily budget limit",
			"unit_id", unitID, "spent", unitLimit.CurrentSpend, "cost", estimatedCost)
		l.recordBlocked(estimatedCost)
		return false, "Unit exceeds daily budget limit"
	}

	newDailyTotal := l.globalLimits["global_daily"].CurrentSpend + estimatedCost
	if newDailyTotal >= l.emergencyStopAt {
		reason := fmt.Sprintf("Daily spend $%.2f reached emergency threshold $%.2f",
			newDailyTotal, l.emergencyStopAt)
		l.latchEmergencyStop(reason)
		l.recordBlocked(estimatedCost)
		return false, "EMERGENCY STOP: Budget threshold exceeded"
	}

	for _, limit := range l.globalLimits {
		limit.CurrentSpend += estimatedCost
		metrics.UpdateBudgetSpend(limit.Name, limit.CurrentSpend)
	}
	unitLimit.CurrentSpend += estimatedCost

	l.totalOperations++
	l.totalCost += estimatedCost
	metrics.RecordCostReserved(estimatedCost)

	for name, limit := range l.globalLimits {
		if s := limit.Status(); s == models.BudgetWarning || s == models.BudgetCritical {
			l.logger.Warn("budget approaching ceiling",
				"limit", name, "percent_used", limit.PercentUsed(), "status", string(s))
		}
	}

	return true, ""
}

// ReleaseUnused refunds the over-reservation once the real cost is known.
// No-op when actual >= reserved.
func (l *Ledger) ReleaseUnused(unitID string, reserved, actual float64) {
	if actual >= reserved {
		return
	}
	refund := reserved - actual

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, limit := range l.globalLimits {
		limit.CurrentSpend -= refund
		if limit.CurrentSpend < 0 {
			limit.CurrentSpend = 0
		}
		metrics.UpdateBudgetSpend(limit.Name, limit.CurrentSpend)
	}
	if limit, ok := l.unitLimits[unitID]; ok {
		limit.CurrentSpend -= refund
		if limit.CurrentSpend < 0 {
			limit.CurrentSpend = 0
		}
	}
	l.totalCost -= refund
	metrics.RecordCostReleased(refund)

	l.logger.Debug("released unused budget", "unit_id", unitID, "refund", refund)
}

// PredictCost estimates the cost of a model call from token counts. Pure
// function, does not touch ledger state. The estimate carries a 10%
// uncertainty buffer.
func (l *Ledger) PredictCost(inputTokens, outputTokens int, model string) models.CostPrediction {
	rate, ok := modelRates[model]
	if !ok {
		model = l.defaultModel
		rate, ok = modelRates[model]
		if !ok {
			rate = modelRates["claude-sonnet-4-5"]
			model = "claude-sonnet-4-5"
		}
	}

	inputCost := float64(inputTokens) / 1_000_000 * rate.Input
	outputCost := float64(outputTokens) / 1_000_000 * rate.Output

	return models.CostPrediction{
		EstimatedCost: (inputCost + outputCost) * costBuffer,
		Confidence:    0.9,
		TokenEstimate: inputTokens + outputTokens,
		Model:         model,
		InputCost:     inputCost,
		OutputCost:    outputCost,
	}
}

// RequiresApproval reports whether the cost is above the human sign-off threshold
func (l *Ledger) RequiresApproval(estimatedCost float64) bool {
	return estimatedCost > l.approvalThreshold
}

// RequestApproval queues a pending approval and returns its ID
func (l *Ledger) RequestApproval(unitID, operation string, estimatedCost float64) string {
	req := models.ApprovalRequest{
		ID:            uuid.New().String(),
		UnitID:        unitID,
		Operation:     operation,
		EstimatedCost: estimatedCost,
		RequestedAt:   l.now(),
		Status:        "pending",
	}

	l.mu.Lock()
	l.pendingApprovals = append(l.pendingApprovals, req)
	l.mu.Unlock()

	l.logger.Info("approval requested",
		"unit_id", unitID, "operation", operation, "estimated_cost", estimatedCost)

	return req.ID
}

// PendingApprovals returns a copy of the approval queue
func (l *Ledger) PendingApprovals() []models.ApprovalRequest {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.ApprovalRequest, len(l.pendingApprovals))
	copy(out, l.pendingApprovals)
	return out
}

// TriggerEmergencyStop latches the stop. Every subsequent CheckAndReserve
// fails until ClearEmergencyStop is called.
func (l *Ledger) TriggerEmergencyStop(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latchEmergencyStop(reason)
}

// latchEmergencyStop sets the latch. Caller must hold the lock.
func (l *Ledger) latchEmergencyStop(reason string) {
	if l.emergencyStopActive {
		return
	}
	l.emergencyStopActive = true
	l.emergencyStopReason = reason
	metrics.SetEmergencyStop(true)
	l.logger.Error("EMERGENCY STOP ACTIVATED", "reason", reason)
}

// ClearEmergencyStop releases the latch. Never called automatically.
func (l *Ledger) ClearEmergencyStop(clearedBy string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.emergencyStopActive {
		return
	}
	l.emergencyStopActive = false
	l.emergencyStopReason = ""
	metrics.SetEmergencyStop(false)
	l.logger.Info("emergency stop cleared", "cleared_by", clearedBy)
}

// EmergencyStopActive reports the latch state
func (l *Ledger) EmergencyStopActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.emergencyStopActive
}

// Status returns a read-only snapshot of the ledger
func (l *Ledger) Status() models.LedgerStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := models.LedgerStatus{
		EmergencyStopActive: l.emergencyStopActive,
		EmergencyStopReason: l.emergencyStopReason,
		TotalOperations:     l.totalOperations,
		TotalCost:           l.totalCost,
		BlockedOperations:   l.blockedOperations,
		BlockedCostSaved:    l.blockedCostSaved,
		PendingApprovals:    len(l.pendingApprovals),
	}

	for _, name := range []string{"global_hourly", "global_daily"} {
		limit := l.globalLimits[name]
		st.GlobalBudgets = append(st.GlobalBudgets, models.BudgetSnapshot{
			Name:        limit.Name,
			Ceiling:     limit.Ceiling,
			Spent:       limit.CurrentSpend,
			Remaining:   limit.Remaining(),
			PercentUsed: limit.PercentUsed(),
			Status:      limit.Status(),
		})
	}

	return st
}

// UnitSpend returns the unit's current daily spend, zero if unknown
func (l *Ledger) UnitSpend(unitID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit, ok := l.unitLimits[unitID]; ok {
		return limit.CurrentSpend
	}
	return 0
}

// recordBlocked counts a denied operation. Caller must hold the lock.
func (l *Ledger) recordBlocked(cost float64) {
	l.blockedOperations++
	l.blockedCostSaved += cost
}
