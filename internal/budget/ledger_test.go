package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-warden/agent-warden/internal/config"
)

func testBudgetConfig() config.BudgetConfig {
	return config.BudgetConfig{
		GlobalDailyLimit:       100.0,
		GlobalHourlyLimit:      20.0,
		PerUnitDailyLimit:      10.0,
		PerOperationLimit:      30.0,
		ApprovalThreshold:      5.0,
		EmergencyStopThreshold: 150.0,
		DefaultModel:           "claude-sonnet-4-5",
	}
}

func TestCheckAndReserveHappyPath(t *testing.T) {
	l := NewLedger(testBudgetConfig())

	allowed, reason := l.CheckAndReserve("unit-1", 0.50, "api_call")
	assert.True(t, allowed)
	assert.Empty(t, reason)

	st := l.Status()
	assert.Equal(t, int64(1), st.TotalOperations)
	assert.InDelta(t, 0.50, st.TotalCost, 0.0001)
	assert.InDelta(t, 0.50, l.UnitSpend("unit-1"), 0.0001)
}

func TestCheckAndReservePerOperationDenial(t *testing.T) {
	l := NewLedger(testBudgetConfig())

	allowed, reason := l.CheckAndReserve("unit-1", 31.0, "api_call")
	assert.False(t, allowed)
	assert.Contains(t, reason, "per-operation limit")

	// Nothing reserved on denial
	st := l.Status()
	assert.Equal(t, int64(0), st.TotalOperations)
	assert.Equal(t, int64(1), st.BlockedOperations)
	assert.InDelta(t, 31.0, st.BlockedCostSaved, 0.0001)
}

func TestCheckAndReserveHourlyCeiling(t *testing.T) {
	l := NewLedger(testBudgetConfig())

	// Hourly ceiling is 20; unit limit would not block because each unit
	// stays below 10.
	allowed, _ := l.CheckAndReserve("unit-1", 9.0, "api_call")
	require.True(t, allowed)
	allowed, _ = l.CheckAndReserve("unit-2", 9.0, "api_call")
	require.True(t, allowed)

	allowed, reason := l.CheckAndReserve("unit-3", 3.0, "api_call")
	assert.False(t, allowed)
	assert.Contains(t, reason, "global_hourly")
}

func TestCheckAndReserveUnitCeiling(t *testing.T) {
	l := NewLedger(testBudgetConfig())

	allowed, _ := l.CheckAndReserve("unit-1", 8.0, "api_call")
	require.True(t, allowed)

	allowed, reason := l.CheckAndReserve("unit-1", 3.0, "api_call")
	assert.False(t, allowed)
	assert.Contains(t, reason, "daily budget limit")
}

func TestPeriodReset(t *testing.T) {
	current := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	l := NewLedger(testBudgetConfig(), WithTimeFunc(func() time.Time { return current }))

	allowed, _ := l.CheckAndReserve("unit-1", 15.0, "api_call")
	require.True(t, allowed)

	// Hourly ceiling is exhausted within the hour
	allowed, _ = l.CheckAndReserve("unit-2", 8.0, "api_call")
	assert.False(t, allowed)

	// One hour later the hourly window resets; daily keeps accumulating
	current = current.Add(time.Hour)
	allowed, _ = l.CheckAndReserve("unit-2", 8.0, "api_call")
	assert.True(t, allowed)

	st := l.Status()
	for _, b := range st.GlobalBudgets {
		switch b.Name {
		case "global_hourly":
			assert.InDelta(t, 8.0, b.Spent, 0.0001)
		case "global_daily":
			assert.InDelta(t, 23.0, b.Spent, 0.0001)
		}
	}
}

func TestReserveSettle(t *testing.T) {
	l := NewLedger(testBudgetConfig())

	allowed, _ := l.CheckAndReserve("u1", 0.50, "call")
	require.True(t, allowed)

	l.ReleaseUnused("u1", 0.50, 0.30)

	assert.InDelta(t, 0.30, l.UnitSpend("u1"), 0.0001)
	st := l.Status()
	assert.InDelta(t, 0.30, st.TotalCost, 0.0001)
}

func TestReleaseUnusedNoOpWhenOverspent(t *testing.T) {
	l := NewLedger(testBudgetConfig())

	allowed, _ := l.CheckAndReserve("u1", 0.50, "call")
	require.True(t, allowed)

	l.ReleaseUnused("u1", 0.50, 0.75)
	assert.InDelta(t, 0.50, l.UnitSpend("u1"), 0.0001)
}

func TestEmergencyStopLatch(t *testing.T) {
	cfg := testBudgetConfig()
	cfg.GlobalHourlyLimit = 200.0
	cfg.PerUnitDailyLimit = 200.0
	cfg.PerOperationLimit = 200.0
	cfg.GlobalDailyLimit = 200.0
	cfg.EmergencyStopThreshold = 10.0
	l := NewLedger(cfg)

	allowed, reason := l.CheckAndReserve("unit-1", 12.0, "api_call")
	assert.False(t, allowed)
	assert.Contains(t, reason, "EMERGENCY STOP")
	assert.True(t, l.EmergencyStopActive())

	// Latched: even a trivial cost is denied now
	allowed, reason = l.CheckAndReserve("unit-2", 0.01, "api_call")
	assert.False(t, allowed)
	assert.Contains(t, reason, "EMERGENCY STOP ACTIVE")

	l.ClearEmergencyStop("ops-admin")
	assert.False(t, l.EmergencyStopActive())

	allowed, _ = l.CheckAndReserve("unit-2", 0.01, "api_call")
	assert.True(t, allowed)
}

func TestTriggerEmergencyStopManually(t *testing.T) {
	l := NewLedger(testBudgetConfig())

	l.TriggerEmergencyStop("anomaly detected")
	allowed, reason := l.CheckAndReserve("unit-1", 0.01, "api_call")
	assert.False(t, allowed)
	assert.Contains(t, reason, "anomaly detected")
}

func TestPredictCost(t *testing.T) {
	l := NewLedger(testBudgetConfig())

	p := l.PredictCost(1_000_000, 1_000_000, "claude-sonnet-4-5")
	// (3.00 + 15.00) * 1.1
	assert.InDelta(t, 19.8, p.EstimatedCost, 0.0001)
	assert.Equal(t, 2_000_000, p.TokenEstimate)
	assert.InDelta(t, 0.9, p.Confidence, 0.0001)
	assert.InDelta(t, 3.00, p.InputCost, 0.0001)
	assert.InDelta(t, 15.00, p.OutputCost, 0.0001)
}

func TestPredictCostUnknownModelFallsBack(t *testing.T) {
	l := NewLedger(testBudgetConfig())

	p := l.PredictCost(500_000, 100_000, "gpt-oss-unknown")
	assert.Equal(t, "claude-sonnet-4-5", p.Model)
	assert.Greater(t, p.EstimatedCost, 0.0)
}

func TestPredictCostIncludesBuffer(t *testing.T) {
	l := NewLedger(testBudgetConfig())

	p := l.PredictCost(100_000, 50_000, "claude-3-5-haiku")
	raw := p.InputCost + p.OutputCost
	assert.InDelta(t, raw*1.1, p.EstimatedCost, 0.000001)
}

func TestApprovalQueue(t *testing.T) {
	l := NewLedger(testBudgetConfig())

	assert.False(t, l.RequiresApproval(4.99))
	assert.True(t, l.RequiresApproval(5.01))

	id := l.RequestApproval("unit-1", "bulk_generation", 12.5)
	assert.NotEmpty(t, id)

	pending := l.PendingApprovals()
	require.Len(t, pending, 1)
	assert.Equal(t, "unit-1", pending[0].UnitID)
	assert.Equal(t, "pending", pending[0].Status)

	st := l.Status()
	assert.Equal(t, 1, st.PendingApprovals)
}

func TestBudgetMonotonicity(t *testing.T) {
	l := NewLedger(testBudgetConfig())

	var reserved float64
	for i := 0; i < 5; i++ {
		allowed, _ := l.CheckAndReserve("unit-1", 1.5, "api_call")
		require.True(t, allowed)
		reserved += 1.5
	}
	l.ReleaseUnused("unit-1", 1.5, 1.0)
	reserved -= 0.5

	st := l.Status()
	assert.InDelta(t, reserved, st.TotalCost, 0.0001)
	for _, b := range st.GlobalBudgets {
		assert.LessOrEqual(t, b.Spent, b.Ceiling)
	}
}
