package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/agent-warden/agent-warden/internal/access"
	"github.com/agent-warden/agent-warden/internal/audit"
	"github.com/agent-warden/agent-warden/internal/budget"
	"github.com/agent-warden/agent-warden/internal/metrics"
	"github.com/agent-warden/agent-warden/internal/monitor"
	"github.com/agent-warden/agent-warden/internal/ratelimit"
	"github.com/agent-warden/agent-warden/internal/sandbox"
	"github.com/agent-warden/agent-warden/internal/threat"
	"github.com/agent-warden/agent-warden/pkg/models"
)

var (
	// ErrPermissionDenied is returned when a session lacks the permission a call requires
	ErrPermissionDenied = errors.New("permission denied")
	// ErrUnknownReservation is returned when settling a reservation the gateway did not issue
	ErrUnknownReservation = errors.New("unknown reservation")
)

// operationPermissions maps operation names to the permission they require.
// Unknown operations fall back to the generic API-call permission.
var operationPermissions = map[string]models.Permission{
	"deploy":        models.PermUnitDeploy,
	"kill":          models.PermUnitKill,
	"pause":         models.PermUnitPause,
	"resume":        models.PermUnitResume,
	"view":          models.PermUnitView,
	"api_call":      models.PermAPICall,
	"data_read":     models.PermDataRead,
	"data_write":    models.PermDataWrite,
	"budget_modify": models.PermBudgetModify,
}

// Request carries everything the gateway needs to evaluate one operation.
// Optional fields are skipped: an empty SessionID skips the permission
// check, empty Input skips validation, zero tokens skip the budget stage.
type Request struct {
	UnitID       string
	Operation    string
	Input        string
	Config       map[string]any
	SessionID    string
	InputTokens  int
	OutputTokens int
	Model        string
	PeerIP       string
}

// reservation tracks a granted budget hold until the caller settles it
type reservation struct {
	unitID    string
	operation string
	amount    float64
	createdAt time.Time
}

// Components are the governance subsystems the gateway composes
type Components struct {
	Limiter  *ratelimit.Limiter
	Ledger   *budget.Ledger
	Scanner  *threat.Scanner
	Registry *access.Registry
	Sandbox  *sandbox.Sandbox
	Monitor  *monitor.Monitor
	Audit    *audit.Log
}

// Option configures the gateway
type Option func(*Gateway)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithTimeFunc overrides the clock, for tests
func WithTimeFunc(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// Gateway is the single authorization entry point. Each check stage holds
// only its own component's lock; the gateway never nests locks across
// components.
type Gateway struct {
	limiter        *ratelimit.Limiter
	ledger         *budget.Ledger
	scanner        *threat.Scanner
	registry       *access.Registry
	sandbox        *sandbox.Sandbox
	monitor        *monitor.Monitor
	audit          *audit.Log
	acquireTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time

	mu           sync.Mutex
	reservations map[string]reservation
}

// New wires the governance components together. Emergency-level alerts
// from the monitor latch the ledger's emergency stop.
func New(c Components, acquireTimeout time.Duration, opts ...Option) *Gateway {
	g := &Gateway{
		limiter:        c.Limiter,
		ledger:         c.Ledger,
		scanner:        c.Scanner,
		registry:       c.Registry,
		sandbox:        c.Sandbox,
		monitor:        c.Monitor,
		audit:          c.Audit,
		acquireTimeout: acquireTimeout,
		logger:         slog.Default(),
		now:            time.Now,
		reservations:   make(map[string]reservation),
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.acquireTimeout <= 0 {
		g.acquireTimeout = ratelimit.DefaultAcquireTimeout
	}

	g.monitor.AddAlertCallback(func(alert models.Alert) {
		g.logger.Warn("security alert",
			"title", alert.Title,
			"level", alert.Level,
			"description", alert.Description)
	})
	g.monitor.OnEmergency(func(reason string) {
		g.ledger.TriggerEmergencyStop(reason)
	})

	return g
}

// Authorize runs the fixed check sequence: permission, input validation,
// config validation, rate limit, budget reservation. The first failing
// stage denies; cheap local checks always run before the shared budget
// reservation is attempted.
func (g *Gateway) Authorize(ctx context.Context, req Request) models.Decision {
	var (
		checksPassed []string
		threatLevel  = models.ThreatSafe
		sanitized    string
	)

	// 1. Permission
	if req.SessionID != "" {
		perm := requiredPermission(req.Operation)
		ok, err := g.registry.CheckPermission(req.SessionID, perm)
		if !ok {
			reason := "session invalid"
			if err != nil {
				reason = err.Error()
			}
			g.auditDenied(ctx, models.AuditAuthzDenied, req, "access_control", reason)
			metrics.RecordCheckFailure("permission")
			metrics.RecordAuthorization(false)
			return models.Decision{
				Allowed:      false,
				Reason:       fmt.Sprintf("Access denied: %s", reason),
				ChecksPassed: checksPassed,
				ChecksFailed: []string{fmt.Sprintf("access_control: %s", reason)},
				ThreatLevel:  models.ThreatCritical,
			}
		}
		checksPassed = append(checksPassed, "access_control")
		g.audit.Record(ctx, models.AuditEvent{
			Type:      models.AuditAuthzGranted,
			Actor:     req.UnitID,
			Action:    req.Operation,
			SessionID: req.SessionID,
			PeerIP:    req.PeerIP,
			Details:   map[string]any{"stage": "access_control", "permission": string(perm)},
		})
	}

	// 2. Input validation
	if req.Input != "" {
		result := g.scanner.Validate(req.Input, req.UnitID+":"+req.Operation)
		if !result.IsValid {
			level := models.LevelCritical
			if result.Level == models.ThreatSuspicious {
				level = models.LevelWarning
			}
			g.monitor.RecordEvent(models.SecurityEvent{
				Timestamp:   g.now(),
				Type:        models.EventSuspiciousInput,
				Level:       level,
				Description: fmt.Sprintf("input validation failed: %s", strings.Join(result.Threats, ", ")),
				Source:      req.UnitID,
				Metadata:    map[string]any{"threats": result.Threats},
			})
			g.audit.Record(ctx, models.AuditEvent{
				Type:      models.AuditInputBlocked,
				Actor:     req.UnitID,
				Action:    req.Operation,
				Result:    models.ResultBlocked,
				SessionID: req.SessionID,
				PeerIP:    req.PeerIP,
				Details: map[string]any{
					"threats":       result.Threats,
					"input_snippet": snippet(req.Input),
				},
			})
			metrics.RecordCheckFailure("input_validation")
			metrics.RecordAuthorization(false)
			return models.Decision{
				Allowed:      false,
				Reason:       fmt.Sprintf("Input validation failed: %s", strings.Join(result.Threats, ", ")),
				ChecksPassed: checksPassed,
				ChecksFailed: []string{fmt.Sprintf("input_validation: %s", strings.Join(result.Threats, ", "))},
				ThreatLevel:  maxThreat(threatLevel, result.Level),
			}
		}
		checksPassed = append(checksPassed, "input_validation")
		threatLevel = maxThreat(threatLevel, result.Level)
		sanitized = result.Sanitized
		g.audit.Record(ctx, models.AuditEvent{
			Type:      models.AuditInputValidated,
			Actor:     req.UnitID,
			Action:    req.Operation,
			SessionID: req.SessionID,
			Details:   map[string]any{"threat_level": result.Level.String()},
		})
	}

	// 3. Config validation
	if len(req.Config) > 0 {
		valid, issues := g.scanner.ValidateConfig(req.Config)
		if !valid {
			g.audit.Record(ctx, models.AuditEvent{
				Type:      models.AuditConfigBlocked,
				Actor:     req.UnitID,
				Action:    req.Operation,
				Result:    models.ResultBlocked,
				SessionID: req.SessionID,
				Details:   map[string]any{"issues": issues},
			})
			metrics.RecordCheckFailure("config_validation")
			metrics.RecordAuthorization(false)
			return models.Decision{
				Allowed:      false,
				Reason:       fmt.Sprintf("Config validation failed: %s", strings.Join(issues, ", ")),
				ChecksPassed: checksPassed,
				ChecksFailed: []string{fmt.Sprintf("config_validation: %s", strings.Join(issues, ", "))},
				ThreatLevel:  maxThreat(threatLevel, models.ThreatDangerous),
			}
		}
		checksPassed = append(checksPassed, "config_validation")
	}

	// 4. Rate limit
	if !g.limiter.Acquire(ctx, g.acquireTimeout) {
		g.monitor.RecordEvent(models.SecurityEvent{
			Timestamp:   g.now(),
			Type:        models.EventRateLimitExceeded,
			Level:       models.LevelWarning,
			Description: "rate limit exceeded",
			Source:      req.UnitID,
		})
		g.audit.Record(ctx, models.AuditEvent{
			Type:      models.AuditRateLimited,
			Actor:     req.UnitID,
			Action:    req.Operation,
			Result:    models.ResultBlocked,
			SessionID: req.SessionID,
		})
		metrics.RecordCheckFailure("rate_limit")
		metrics.RecordRateLimitRejection()
		metrics.RecordAuthorization(false)
		return models.Decision{
			Allowed:      false,
			Reason:       "Rate limit exceeded",
			ChecksPassed: checksPassed,
			ChecksFailed: []string{"rate_limit_exceeded"},
			ThreatLevel:  threatLevel,
		}
	}
	checksPassed = append(checksPassed, "rate_limit")

	// 5. Budget prediction and reservation
	var (
		costReserved     float64
		reservationID    string
		requiresApproval bool
	)
	if req.InputTokens > 0 || req.OutputTokens > 0 {
		pred := g.ledger.PredictCost(req.InputTokens, req.OutputTokens, req.Model)

		allowed, reason := g.ledger.CheckAndReserve(req.UnitID, pred.EstimatedCost, req.Operation)
		if !allowed {
			level := models.LevelWarning
			if strings.Contains(reason, "EMERGENCY") {
				level = models.LevelCritical
			}
			g.monitor.RecordEvent(models.SecurityEvent{
				Timestamp:   g.now(),
				Type:        models.EventBudgetViolation,
				Level:       level,
				Description: reason,
				Source:      req.UnitID,
				Metadata:    map[string]any{"estimated_cost": pred.EstimatedCost},
			})
			g.audit.Record(ctx, models.AuditEvent{
				Type:      models.AuditBudgetExceeded,
				Actor:     req.UnitID,
				Action:    req.Operation,
				Result:    models.ResultBlocked,
				SessionID: req.SessionID,
				Details:   map[string]any{"reason": reason, "estimated_cost": pred.EstimatedCost},
			})
			metrics.RecordCheckFailure("budget")
			metrics.RecordAuthorization(false)
			return models.Decision{
				Allowed:      false,
				Reason:       fmt.Sprintf("Budget check failed: %s", reason),
				ChecksPassed: checksPassed,
				ChecksFailed: []string{fmt.Sprintf("budget: %s", reason)},
				ThreatLevel:  threatLevel,
			}
		}

		checksPassed = append(checksPassed, "budget_check")
		costReserved = pred.EstimatedCost
		requiresApproval = g.ledger.RequiresApproval(pred.EstimatedCost)
		reservationID = "rsv_" + uuid.NewString()

		g.mu.Lock()
		g.reservations[reservationID] = reservation{
			unitID:    req.UnitID,
			operation: req.Operation,
			amount:    pred.EstimatedCost,
			createdAt: g.now(),
		}
		g.mu.Unlock()

		g.monitor.RecordCost(req.UnitID, pred.EstimatedCost)
		g.audit.Record(ctx, models.AuditEvent{
			Type:      models.AuditBudgetCheck,
			Actor:     req.UnitID,
			Action:    req.Operation,
			SessionID: req.SessionID,
			Details: map[string]any{
				"estimated_cost": pred.EstimatedCost,
				"reservation_id": reservationID,
				"model":          pred.Model,
			},
		})
	}

	g.audit.Record(ctx, models.AuditEvent{
		Type:      models.AuditAuthzGranted,
		Actor:     req.UnitID,
		Action:    req.Operation,
		SessionID: req.SessionID,
		PeerIP:    req.PeerIP,
		Details: map[string]any{
			"checks_passed": checksPassed,
			"threat_level":  threatLevel.String(),
		},
	})
	metrics.RecordAuthorization(true)

	return models.Decision{
		Allowed:          true,
		ChecksPassed:     checksPassed,
		ThreatLevel:      threatLevel,
		CostReserved:     costReserved,
		ReservationID:    reservationID,
		RequiresApproval: requiresApproval,
		SanitizedInput:   sanitized,
	}
}

// Settle reports the actual billed cost for a granted reservation and
// refunds any over-reservation to the ledger. Unsettled reservations
// stay reserved.
func (g *Gateway) Settle(ctx context.Context, reservationID string, actualCost float64) error {
	g.mu.Lock()
	res, ok := g.reservations[reservationID]
	if ok {
		delete(g.reservations, reservationID)
	}
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, reservationID)
	}

	g.ledger.ReleaseUnused(res.unitID, res.amount, actualCost)

	g.audit.Record(ctx, models.AuditEvent{
		Type:   models.AuditBudgetSettled,
		Actor:  res.unitID,
		Action: res.operation,
		Details: map[string]any{
			"reservation_id": reservationID,
			"reserved":       res.amount,
			"actual":         actualCost,
		},
	})

	return nil
}

// PendingReservations reports how many grants have not been settled yet
func (g *Gateway) PendingReservations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.reservations)
}

// ExecuteSandboxed runs a command in the sandbox, gated on the execution
// permission when a session is supplied. Sandbox violations feed the
// anomaly monitor.
func (g *Gateway) ExecuteSandboxed(ctx context.Context, unitID string, command []string, sessionID string) (models.ExecutionResult, error) {
	if sessionID != "" {
		ok, err := g.registry.CheckPermission(sessionID, models.PermExecute)
		if !ok {
			reason := "session invalid"
			if err != nil {
				reason = err.Error()
			}
			g.audit.Record(ctx, models.AuditEvent{
				Type:      models.AuditAuthzDenied,
				Actor:     unitID,
				Action:    "sandbox_execute",
				Result:    models.ResultBlocked,
				SessionID: sessionID,
				Details:   map[string]any{"command": strings.Join(command, " "), "reason": reason},
			})
			return models.ExecutionResult{}, fmt.Errorf("%w: %s", ErrPermissionDenied, reason)
		}
	}

	result := g.sandbox.Execute(ctx, command, "", nil)

	for _, violation := range result.Violations {
		g.monitor.RecordSandboxViolation(unitID, violation, strings.Join(command, " "))
	}

	eventType := models.AuditSandboxExecuted
	if len(result.Violations) > 0 {
		eventType = models.AuditSandboxViolation
	}
	auditResult := models.ResultSuccess
	if !result.Success {
		auditResult = models.ResultFailure
	}
	g.audit.Record(ctx, models.AuditEvent{
		Type:      eventType,
		Actor:     unitID,
		Action:    "sandbox_execute",
		Result:    auditResult,
		SessionID: sessionID,
		Details: map[string]any{
			"command":    strings.Join(command, " "),
			"violations": result.Violations,
			"exit_code":  result.ExitCode,
		},
	})

	return result, nil
}

// TriggerEmergencyStop latches the ledger's emergency stop and audits it
func (g *Gateway) TriggerEmergencyStop(ctx context.Context, reason, actor string) {
	g.ledger.TriggerEmergencyStop(reason)
	g.audit.Record(ctx, models.AuditEvent{
		Type:    models.AuditEmergencyStop,
		Actor:   actor,
		Action:  "emergency_stop",
		Details: map[string]any{"reason": reason},
	})
}

// ClearEmergencyStop clears the latch and audits who cleared it
func (g *Gateway) ClearEmergencyStop(ctx context.Context, actor string) {
	g.ledger.ClearEmergencyStop(actor)
	g.audit.Record(ctx, models.AuditEvent{
		Type:   models.AuditEmergencyClear,
		Actor:  actor,
		Action: "emergency_clear",
	})
}

// Status returns the read-only aggregate across all components. Safe to
// poll; mutates nothing.
func (g *Gateway) Status() models.StatusSnapshot {
	return models.StatusSnapshot{
		Timestamp: g.now(),
		Budget:    g.ledger.Status(),
		Sandbox:   g.sandbox.Status(),
		Access:    g.registry.Status(),
		Health:    g.monitor.HealthSummary(),
	}
}

func (g *Gateway) auditDenied(ctx context.Context, t models.AuditEventType, req Request, stage, reason string) {
	g.audit.Record(ctx, models.AuditEvent{
		Type:      t,
		Actor:     req.UnitID,
		Action:    req.Operation,
		Result:    models.ResultBlocked,
		SessionID: req.SessionID,
		PeerIP:    req.PeerIP,
		Details:   map[string]any{"stage": stage, "reason": reason},
	})
}

func requiredPermission(operation string) models.Permission {
	if perm, ok := operationPermissions[operation]; ok {
		return perm
	}
	return models.PermAPICall
}

func maxThreat(a, b models.ThreatLevel) models.ThreatLevel {
	if b > a {
		return b
	}
	return a
}

func snippet(s string) string {
	if len(s) <= 100 {
		return s
	}
	cut := 100
	// Back up to a rune boundary so the snippet stays valid UTF-8
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
