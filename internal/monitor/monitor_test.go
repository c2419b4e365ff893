package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-warden/agent-warden/internal/config"
	"github.com/agent-warden/agent-warden/pkg/models"
)

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		CostSpikeMultiplier:  2.0,
		AuthFailureThreshold: 5,
		Window:               15 * time.Minute,
	}
}

func TestCostSpikeDetection(t *testing.T) {
	m := NewMonitor(testMonitorConfig())

	var alerts []models.Alert
	m.AddAlertCallback(func(a models.Alert) { alerts = append(alerts, a) })

	for i := 0; i < 10; i++ {
		m.RecordCost("unit-1", 0.01)
	}
	m.RecordCost("unit-1", 1.00)

	events := m.RecentEvents(10, "", models.EventCostSpike)
	require.Len(t, events, 1)
	assert.Equal(t, models.LevelWarning, events[0].Level)
	assert.Equal(t, "unit-1", events[0].Source)

	// Warning-level events do not raise alerts
	assert.Empty(t, alerts)
}

func TestNoSpikeBeforeBaseline(t *testing.T) {
	m := NewMonitor(testMonitorConfig())

	m.RecordCost("unit-1", 0.01)
	m.RecordCost("unit-1", 5.00)

	assert.Empty(t, m.RecentEvents(10, "", models.EventCostSpike))
}

func TestAuthFailureThreshold(t *testing.T) {
	m := NewMonitor(testMonitorConfig())

	for i := 0; i < 4; i++ {
		m.RecordAuthFailure("10.0.0.9", "bad key")
	}
	assert.Empty(t, m.RecentEvents(10, "", models.EventAuthFailures))

	m.RecordAuthFailure("10.0.0.9", "bad key")

	events := m.RecentEvents(10, "", models.EventAuthFailures)
	require.Len(t, events, 1)
	assert.Equal(t, models.LevelCritical, events[0].Level)

	// Critical events raise exactly one alert
	alerts := m.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].RecommendedAction, "brute force")
}

func TestAuthFailuresOutsideWindowPruned(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewMonitor(testMonitorConfig(), WithTimeFunc(func() time.Time { return current }))

	for i := 0; i < 4; i++ {
		m.RecordAuthFailure("10.0.0.9", "bad key")
	}

	// A fifth failure after the window holds the count below threshold
	current = current.Add(20 * time.Minute)
	m.RecordAuthFailure("10.0.0.9", "bad key")

	assert.Empty(t, m.RecentEvents(10, "", models.EventAuthFailures))
}

func TestRepeatedSandboxViolationsEscalate(t *testing.T) {
	m := NewMonitor(testMonitorConfig())

	for i := 0; i < 4; i++ {
		m.RecordSandboxViolation("unit-7", "blocked_command: rm", "rm -rf /")
	}
	assert.Empty(t, m.RecentEvents(10, "", models.EventUnusualPattern))

	m.RecordSandboxViolation("unit-7", "blocked_command: rm", "rm -rf /")

	events := m.RecentEvents(10, "", models.EventUnusualPattern)
	require.Len(t, events, 1)
	assert.Equal(t, models.LevelCritical, events[0].Level)
	assert.Contains(t, events[0].Description, "unit-7")
}

func TestViolationsFromDifferentUnitsDoNotEscalate(t *testing.T) {
	m := NewMonitor(testMonitorConfig())

	for i := 0; i < 5; i++ {
		m.RecordSandboxViolation("unit-"+string(rune('a'+i)), "unauthorized_path", "")
	}
	assert.Empty(t, m.RecentEvents(10, "", models.EventUnusualPattern))
}

func TestDataExfiltrationAlert(t *testing.T) {
	m := NewMonitor(testMonitorConfig())

	m.DetectDataExfiltration("unit-3", "https://evil.example", 4096)

	alerts := m.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.LevelCritical, alerts[0].Level)
	assert.Contains(t, alerts[0].RecommendedAction, "IMMEDIATE ACTION")
}

func TestEmergencyCallbackFires(t *testing.T) {
	m := NewMonitor(testMonitorConfig())

	var reason string
	m.OnEmergency(func(r string) { reason = r })

	m.RecordEvent(models.SecurityEvent{
		Timestamp:   time.Now(),
		Type:        models.EventSystemOverload,
		Level:       models.LevelEmergency,
		Description: "spend runaway",
		Source:      "ledger",
	})

	assert.Equal(t, "spend runaway", reason)
}

func TestEveryAlertCallbackFires(t *testing.T) {
	m := NewMonitor(testMonitorConfig())

	var first, second []models.Alert
	m.AddAlertCallback(func(a models.Alert) { first = append(first, a) })
	m.AddAlertCallback(func(a models.Alert) { second = append(second, a) })

	m.RecordEvent(models.SecurityEvent{
		Timestamp:   time.Now(),
		Type:        models.EventDataExfiltration,
		Level:       models.LevelCritical,
		Description: "outbound transfer",
		Source:      "unit-9",
	})

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)

	// Callbacks may re-enter the monitor without deadlocking
	m.AddAlertCallback(func(models.Alert) { m.ActiveAlerts() })
	m.DetectDataExfiltration("unit-9", "https://evil.example", 1)
	assert.Len(t, first, 2)
}

func TestEmergencyCallbackNotFiredForCritical(t *testing.T) {
	m := NewMonitor(testMonitorConfig())

	fired := false
	m.OnEmergency(func(string) { fired = true })

	m.DetectDataExfiltration("unit-1", "https://evil.example", 10)
	assert.False(t, fired)
}

func TestAcknowledgeAlert(t *testing.T) {
	m := NewMonitor(testMonitorConfig())

	m.DetectDataExfiltration("unit-1", "https://evil.example", 10)
	alerts := m.ActiveAlerts()
	require.Len(t, alerts, 1)

	assert.True(t, m.AcknowledgeAlert(alerts[0].ID))
	assert.Empty(t, m.ActiveAlerts())

	assert.False(t, m.AcknowledgeAlert("alert_unknown"))
}

func TestRecentEventsFiltering(t *testing.T) {
	m := NewMonitor(testMonitorConfig())

	m.RecordEvent(models.SecurityEvent{Timestamp: time.Now(), Type: models.EventBudgetViolation, Level: models.LevelWarning})
	m.RecordEvent(models.SecurityEvent{Timestamp: time.Now(), Type: models.EventSuspiciousInput, Level: models.LevelCritical})
	m.RecordEvent(models.SecurityEvent{Timestamp: time.Now(), Type: models.EventBudgetViolation, Level: models.LevelCritical})

	assert.Len(t, m.RecentEvents(10, models.LevelCritical, ""), 2)
	assert.Len(t, m.RecentEvents(10, "", models.EventBudgetViolation), 2)
	assert.Len(t, m.RecentEvents(10, models.LevelCritical, models.EventBudgetViolation), 1)
	assert.Len(t, m.RecentEvents(1, "", ""), 1)

	// Newest first
	events := m.RecentEvents(10, "", "")
	assert.Equal(t, models.EventBudgetViolation, events[0].Type)
	assert.Equal(t, models.EventSuspiciousInput, events[1].Type)
}

func TestHealthSummary(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewMonitor(testMonitorConfig(), WithTimeFunc(func() time.Time { return current }))

	h := m.HealthSummary()
	assert.Equal(t, models.HealthHealthy, h.Status)

	m.DetectDataExfiltration("unit-1", "https://evil.example", 1)
	h = m.HealthSummary()
	assert.Equal(t, models.HealthNeedsAttention, h.Status)
	assert.Equal(t, 1, h.CriticalEvents)
	assert.Equal(t, models.EventDataExfiltration, h.MostCommonThreat)

	for i := 0; i < 6; i++ {
		m.DetectDataExfiltration("unit-1", "https://evil.example", 1)
	}
	h = m.HealthSummary()
	assert.Equal(t, models.HealthWarning, h.Status)

	m.RecordEvent(models.SecurityEvent{
		Timestamp: current, Type: models.EventSystemOverload, Level: models.LevelEmergency,
	})
	h = m.HealthSummary()
	assert.Equal(t, models.HealthCritical, h.Status)

	// Events age out of the one-hour health window
	current = current.Add(2 * time.Hour)
	h = m.HealthSummary()
	assert.Equal(t, models.HealthHealthy, h.Status)
	assert.Equal(t, 0, h.LastHourEvents)
}

func TestTitleFor(t *testing.T) {
	assert.Equal(t, "Cost Spike", titleFor(models.EventCostSpike))
	assert.Equal(t, "Data Exfiltration", titleFor(models.EventDataExfiltration))
}
