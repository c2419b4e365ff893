package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for API server
var (
	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts the total number of HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Governance decision metrics
var (
	// AuthorizationsTotal counts authorization decisions by outcome
	AuthorizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_authorizations_total",
			Help: "Total authorization decisions by outcome (granted, denied)",
		},
		[]string{"outcome"},
	)

	// CheckFailures counts failed gateway checks by stage
	CheckFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_check_failures_total",
			Help: "Total failed authorization checks by stage (permission, input, config, rate_limit, budget)",
		},
		[]string{"stage"},
	)

	// CostReserved tracks total cost reserved in USD
	CostReserved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_cost_reserved_usd_total",
			Help: "Total cost reserved against budgets in USD",
		},
	)

	// CostReleased tracks refunds from reserve/settle in USD
	CostReleased = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_cost_released_usd_total",
			Help: "Total over-reservation refunded at settlement in USD",
		},
	)

	// BudgetSpend tracks current spend per budget limit
	BudgetSpend = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_budget_spend_usd",
			Help: "Current spend per budget limit in USD",
		},
		[]string{"limit"},
	)

	// EmergencyStopActive is 1 while the emergency-stop latch is set
	EmergencyStopActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_emergency_stop_active",
			Help: "Whether the emergency-stop latch is currently set (0 or 1)",
		},
	)

	// RateLimitRejections counts rate-limiter denials
	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_rate_limit_rejections_total",
			Help: "Total operations denied by the rate limiter",
		},
	)
)

// Sandbox metrics
var (
	// SandboxExecutions counts sandbox executions by result
	SandboxExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_sandbox_executions_total",
			Help: "Total sandboxed executions by result (success, failure, blocked, killed)",
		},
		[]string{"result"},
	)

	// SandboxViolations counts sandbox violations by kind
	SandboxViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_sandbox_violations_total",
			Help: "Total sandbox violations by kind (blocked_command, unauthorized_path, network_access_attempt, timeout, output_overflow)",
		},
		[]string{"kind"},
	)

	// SandboxDuration tracks sandboxed command wall-clock duration
	SandboxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warden_sandbox_duration_seconds",
			Help:    "Wall-clock duration of sandboxed executions",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~82s
		},
	)
)

// Access-control and monitoring metrics
var (
	// AuthAttempts counts authentication attempts by result
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_auth_attempts_total",
			Help: "Total authentication attempts by result (success, failure)",
		},
		[]string{"result"},
	)

	// ActiveSessions tracks the number of live sessions
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_active_sessions",
			Help: "Number of unexpired sessions in the access registry",
		},
	)

	// ThreatsDetected counts validator detections by threat level
	ThreatsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_threats_detected_total",
			Help: "Total input-validation detections by threat level",
		},
		[]string{"level"},
	)

	// SecurityEvents counts monitor events by type and level
	SecurityEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_security_events_total",
			Help: "Total security events recorded by type and level",
		},
		[]string{"type", "level"},
	)

	// AlertsRaised counts alerts by level
	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_alerts_total",
			Help: "Total alerts raised by level",
		},
		[]string{"level"},
	)
)

// RecordHTTPRequest records the duration and increments the counter for an HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordAuthorization increments the decision counter
func RecordAuthorization(granted bool) {
	if granted {
		AuthorizationsTotal.WithLabelValues("granted").Inc()
	} else {
		AuthorizationsTotal.WithLabelValues("denied").Inc()
	}
}

// RecordCheckFailure increments the per-stage failure counter
func RecordCheckFailure(stage string) {
	CheckFailures.WithLabelValues(stage).Inc()
}

// RecordCostReserved adds to the reserved-cost counter
func RecordCostReserved(amount float64) {
	CostReserved.Add(amount)
}

// RecordCostReleased adds to the released-cost counter
func RecordCostReleased(amount float64) {
	CostReleased.Add(amount)
}

// UpdateBudgetSpend sets the spend gauge for a limit
func UpdateBudgetSpend(limit string, spend float64) {
	BudgetSpend.WithLabelValues(limit).Set(spend)
}

// SetEmergencyStop updates the emergency-stop gauge
func SetEmergencyStop(active bool) {
	if active {
		EmergencyStopActive.Set(1)
	} else {
		EmergencyStopActive.Set(0)
	}
}

// RecordRateLimitRejection increments the rate-limit rejection counter
func RecordRateLimitRejection() {
	RateLimitRejections.Inc()
}

// RecordSandboxExecution records one execution with its result and duration
func RecordSandboxExecution(result string, duration time.Duration) {
	SandboxExecutions.WithLabelValues(result).Inc()
	SandboxDuration.Observe(duration.Seconds())
}

// RecordSandboxViolation increments the violation counter for a kind
func RecordSandboxViolation(kind string) {
	SandboxViolations.WithLabelValues(kind).Inc()
}

// RecordAuthAttempt increments the authentication counter
func RecordAuthAttempt(success bool) {
	if success {
		AuthAttempts.WithLabelValues("success").Inc()
	} else {
		AuthAttempts.WithLabelValues("failure").Inc()
	}
}

// UpdateActiveSessions sets the active-session gauge
func UpdateActiveSessions(count int) {
	ActiveSessions.Set(float64(count))
}

// RecordThreat increments the detection counter for a threat level
func RecordThreat(level string) {
	ThreatsDetected.WithLabelValues(level).Inc()
}

// RecordSecurityEvent increments the event counter
func RecordSecurityEvent(eventType, level string) {
	SecurityEvents.WithLabelValues(eventType, level).Inc()
}

// RecordAlert increments the alert counter
func RecordAlert(level string) {
	AlertsRaised.WithLabelValues(level).Inc()
}
