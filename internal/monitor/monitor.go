// Package monitor detects anomalies over rolling windows of security
// signals and raises alerts for critical activity.
package monitor

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

const (
	maxEvents      = 1000
	maxCostSamples = 100
	spikeBaseline  = 10 // samples needed before spike detection kicks in

	repeatViolationLimit = 5
)

var recommendedActions = map[models.EventType]string{
	models.EventCostSpike:        "Review unit activity and consider pausing",
	models.EventAuthFailures:     "Check for brute force attack, consider IP blocking",
	models.EventBudgetViolation:  "Review budget limits and unit spending",
	models.EventSuspiciousInput:  "Review input validation rules",
	models.EventSandboxViolation: "Review unit behavior and sandbox config",
	models.EventDataExfiltration: "IMMEDIATE ACTION: Kill unit and review logs",
	models.EventUnusualPattern:   "Investigate unit behavior",
}

// Monitor keeps bounded windows of recent signals. Cross-component
// effects (the emergency latch) go through registered callbacks only.
type Monitor struct {
	mu sync.Mutex

	spikeMultiplier      float64
	authFailureThreshold int
	window               time.Duration

	events       []models.SecurityEvent
	alerts       []models.Alert
	costHistory  []costSample
	authFailures []time.Time

	totalEvents int64
	totalAlerts int64

	alertCallbacks    []func(models.Alert)
	emergencyCallback func(reason string)

	logger *slog.Logger
	now    func() time.Time
}

type costSample struct {
	at   time.Time
	cost float64
}

// Option configures a Monitor
type Option func(*Monitor)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithTimeFunc sets a custom time function for testing
func WithTimeFunc(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// NewMonitor creates a monitor from the configured thresholds
func NewMonitor(cfg config.MonitorConfig, opts ...Option) *Monitor {
	m := &Monitor{
		spikeMultiplier:      cfg.CostSpikeMultiplier,
		authFailureThreshold: cfg.AuthFailureThreshold,
		window:               cfg.Window,
		logger:               slog.Default(),
		now:                  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.spikeMultiplier <= 1 {
		m.spikeMultiplier = 2.0
	}
	if m.authFailureThreshold <= 0 {
		m.authFailureThreshold = 5
	}
	if m.window <= 0 {
		m.window = 15 * time.Minute
	}
	return m
}

// AddAlertCallback registers a function invoked synchronously for every alert
func (m *Monitor) AddAlertCallback(fn func(models.Alert)) {
	m.mu.Lock()
	m.alertCallbacks = append(m.alertCallbacks, fn)
	m.mu.Unlock()
}

// OnEmergency registers the callback fired for emergency-level events
func (m *Monitor) OnEmergency(fn func(reason string)) {
	m.mu.Lock()
	m.emergencyCallback = fn
	m.mu.Unlock()
}

// RecordEvent stores an event; critical and emergency events each raise
// exactly one alert.
func (m *Monitor) RecordEvent(event models.SecurityEvent) {
	m.mu.Lock()
	alert, emergency := m.appendEvent(event)
	callbacks := append(make([]func(models.Alert), 0, len(m.alertCallbacks)), m.alertCallbacks...)
	emergencyCb := m.emergencyCallback
	m.mu.Unlock()

	metrics.RecordSecurityEvent(string(event.Type), string(event.Level))
	m.logger.Info("security event",
		"type", string(event.Type), "level", string(event.Level), "source", event.Source)

	// Callbacks run outside the lock so they can safely call back in
	if alert != nil {
		for _, fn := range callbacks {
			fn(*alert)
		}
		if emergency && emergencyCb != nil {
			emergencyCb(alert.Description)
		}
	}
}

// appendEvent stores the event and builds an alert if warranted.
// Caller must hold the lock.
func (m *Monitor) appendEvent(event models.SecurityEvent) (*models.Alert, bool) {
	m.events = append(m.events, event)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
	m.totalEvents++

	if event.Level != models.LevelCritical && event.Level != models.LevelEmergency {
		return nil, false
	}

	alert := models.Alert{
		ID:                "alert_" + uuid.New().String(),
		Timestamp:         event.Timestamp,
		Level:             event.Level,
		Title:             titleFor(event.Type),
		Description:       event.Description,
		Events:            []models.SecurityEvent{event},
		RecommendedAction: recommendedAction(event.Type),
	}
	m.alerts = append(m.alerts, alert)
	m.totalAlerts++

	metrics.RecordAlert(string(event.Level))
	m.logger.Warn("alert created",
		"alert_id", alert.ID, "title", alert.Title, "level", string(alert.Level))

	return &alert, event.Level == models.LevelEmergency
}

// RecordCost adds a cost sample and emits a cost_spike event when the
// sample exceeds the mean of the last 10 by the spike multiplier.
func (m *Monitor) RecordCost(unitID string, cost float64) {
	now := m.now()

	m.mu.Lock()
	m.costHistory = append(m.costHistory, costSample{at: now, cost: cost})
	if len(m.costHistory) > maxCostSamples {
		m.costHistory = m.costHistory[len(m.costHistory)-maxCostSamples:]
	}

	spike := false
	var avg float64
	if len(m.costHistory) >= spikeBaseline {
		recent := m.costHistory[len(m.costHistory)-spikeBaseline:]
		var sum float64
		for _, s := range recent {
			sum += s.cost
		}
		avg = sum / float64(len(recent))
		spike = cost > avg*m.spikeMultiplier
	}
	m.mu.Unlock()

	if spike {
		m.RecordEvent(models.SecurityEvent{
			Timestamp:   now,
			Type:        models.EventCostSpike,
			Level:       models.LevelWarning,
			Description: fmt.Sprintf("Cost spike detected: $%.2f (avg: $%.2f)", cost, avg),
			Source:      unitID,
			Metadata:    map[string]any{"cost": cost, "average": avg},
		})
	}
}

// RecordAuthFailure adds a failure timestamp and escalates to a critical
// auth_failures event once the count within the window hits the threshold.
func (m *Monitor) RecordAuthFailure(ip, reason string) {
	now := m.now()

	m.mu.Lock()
	m.authFailures = append(m.authFailures, now)
	cutoff := now.Add(-m.window)
	for len(m.authFailures) > 0 && m.authFailures[0].Before(cutoff) {
		m.authFailures = m.authFailures[1:]
	}
	count := len(m.authFailures)
	window := m.window
	m.mu.Unlock()

	if count >= m.authFailureThreshold {
		source := ip
		if source == "" {
			source = "unknown"
		}
		m.RecordEvent(models.SecurityEvent{
			Timestamp: now,
			Type:      models.EventAuthFailures,
			Level:     models.LevelCritical,
			Description: fmt.Sprintf("High auth failure rate: %d failures in %s",
				count, window),
			Source:   source,
			Metadata: map[string]any{"count": count, "reason": reason},
		})
	}
}

// RecordSandboxViolation emits a warning event and escalates to a
// critical unusual_pattern event after repeated violations from one unit.
func (m *Monitor) RecordSandboxViolation(unitID, violation, command string) {
	now := m.now()

	m.RecordEvent(models.SecurityEvent{
		Timestamp:   now,
		Type:        models.EventSandboxViolation,
		Level:       models.LevelWarning,
		Description: "Sandbox violation: " + violation,
		Source:      unitID,
		Metadata:    map[string]any{"violation": violation, "command": command},
	})

	m.mu.Lock()
	cutoff := now.Add(-m.window)
	recent := 0
	for _, e := range m.events {
		if e.Type == models.EventSandboxViolation && e.Source == unitID && e.Timestamp.After(cutoff) {
			recent++
		}
	}
	m.mu.Unlock()

	if recent >= repeatViolationLimit {
		m.RecordEvent(models.SecurityEvent{
			Timestamp:   now,
			Type:        models.EventUnusualPattern,
			Level:       models.LevelCritical,
			Description: "Repeated sandbox violations from " + unitID,
			Source:      unitID,
			Metadata:    map[string]any{"violation_count": recent},
		})
	}
}

// DetectDataExfiltration records a critical exfiltration event
func (m *Monitor) DetectDataExfiltration(unitID, destination string, dataSize int) {
	m.RecordEvent(models.SecurityEvent{
		Timestamp:   m.now(),
		Type:        models.EventDataExfiltration,
		Level:       models.LevelCritical,
		Description: "Potential data exfiltration to " + destination,
		Source:      unitID,
		Metadata:    map[string]any{"destination": destination, "data_size": dataSize},
	})
}

// RecentEvents returns up to count events, newest first, optionally
// filtered by level and type (empty string matches everything).
func (m *Monitor) RecentEvents(count int, level models.AlertLevel, eventType models.EventType) []models.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.SecurityEvent, 0, count)
	for i := len(m.events) - 1; i >= 0 && len(out) < count; i-- {
		e := m.events[i]
		if level != "" && e.Level != level {
			continue
		}
		if eventType != "" && e.Type != eventType {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ActiveAlerts returns alerts not yet acknowledged
func (m *Monitor) ActiveAlerts() []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeAlertsLocked()
}

func (m *Monitor) activeAlertsLocked() []models.Alert {
	var out []models.Alert
	for _, a := range m.alerts {
		acked := false
		for _, e := range a.Events {
			if e.Acknowledged {
				acked = true
				break
			}
		}
		if !acked {
			out = append(out, a)
		}
	}
	return out
}

// AcknowledgeAlert marks an alert handled. Returns false for unknown IDs.
func (m *Monitor) AcknowledgeAlert(alertID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.alerts {
		if m.alerts[i].ID == alertID {
			for j := range m.alerts[i].Events {
				m.alerts[i].Events[j].Acknowledged = true
			}
			m.logger.Info("alert acknowledged", "alert_id", alertID)
			return true
		}
	}
	return false
}

// HealthSummary classifies overall status from the last hour's events
func (m *Monitor) HealthSummary() models.HealthSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	hourAgo := now.Add(-time.Hour)

	var recent []models.SecurityEvent
	for _, e := range m.events {
		if e.Timestamp.After(hourAgo) {
			recent = append(recent, e)
		}
	}

	critical := 0
	emergency := false
	counts := make(map[models.EventType]int)
	for _, e := range recent {
		counts[e.Type]++
		if e.Level == models.LevelCritical || e.Level == models.LevelEmergency {
			critical++
		}
		if e.Level == models.LevelEmergency {
			emergency = true
		}
	}

	status := models.HealthHealthy
	switch {
	case emergency:
		status = models.HealthCritical
	case critical > 5:
		status = models.HealthWarning
	case critical > 0:
		status = models.HealthNeedsAttention
	}

	var common models.EventType
	best := 0
	for t, n := range counts {
		if n > best {
			best = n
			common = t
		}
	}

	return models.HealthSummary{
		Status:           status,
		LastHourEvents:   len(recent),
		CriticalEvents:   critical,
		ActiveAlerts:     len(m.activeAlertsLocked()),
		MostCommonThreat: common,
		Timestamp:        now,
	}
}

func recommendedAction(t models.EventType) string {
	if action, ok := recommendedActions[t]; ok {
		return action
	}
	return "Investigate and take appropriate action"
}

// titleFor turns an event type into a display title, e.g. "Cost Spike"
func titleFor(t models.EventType) string {
	s := string(t)
	out := make([]byte, 0, len(s))
	upper := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' {
			out = append(out, ' ')
			upper = true
			continue
		}
		if upper && c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
		upper = false
	}
	return string(out)
}
