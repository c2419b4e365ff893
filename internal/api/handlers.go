package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/agent-warden/agent-warden/internal/gateway"
	"github.com/agent-warden/agent-warden/pkg/models"
)

// Request/Response types

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status        string              `json:"status"`
	Timestamp     time.Time           `json:"timestamp"`
	Health        models.HealthStatus `json:"health"`
	EmergencyStop bool                `json:"emergency_stop"`
}

// AuthorizeRequest asks the gateway to clear one operation
type AuthorizeRequest struct {
	UnitID       string         `json:"unit_id" binding:"required"`
	Operation    string         `json:"operation" binding:"required"`
	Input        string         `json:"input,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	InputTokens  int            `json:"input_tokens,omitempty" binding:"min=0"`
	OutputTokens int            `json:"output_tokens,omitempty" binding:"min=0"`
	Model        string         `json:"model,omitempty"`
}

// SettleRequest reports the actual billed cost for a reservation
type SettleRequest struct {
	ReservationID string  `json:"reservation_id" binding:"required"`
	ActualCost    float64 `json:"actual_cost" binding:"min=0"`
}

// ExecuteRequest runs a command in the sandbox
type ExecuteRequest struct {
	UnitID    string   `json:"unit_id" binding:"required"`
	Command   []string `json:"command" binding:"required,min=1"`
	SessionID string   `json:"session_id,omitempty"`
}

// AuthRequest exchanges an API key secret for a session
type AuthRequest struct {
	APIKey string `json:"api_key" binding:"required"`
}

// AuthResponse carries the minted session
type AuthResponse struct {
	SessionID string `json:"session_id"`
}

// CreateKeyRequest creates a new API key
type CreateKeyRequest struct {
	Name        string   `json:"name" binding:"required"`
	Role        string   `json:"role" binding:"required"`
	TTLDays     int      `json:"ttl_days,omitempty" binding:"min=0,max=365"`
	IPAllowlist []string `json:"ip_allowlist,omitempty"`
}

// CreateKeyResponse returns the key ID and the plaintext secret.
// The secret is surfaced exactly once and never stored.
type CreateKeyResponse struct {
	KeyID  string `json:"key_id"`
	Secret string `json:"secret"`
}

// AuditQueryParams defines query parameters for the audit endpoint
type AuditQueryParams struct {
	Type       string `form:"type"`
	Actor      string `form:"actor"`
	Resource   string `form:"resource"`
	Result     string `form:"result"`
	Limit      int    `form:"limit"`
	SinceHours int    `form:"since_hours"`
}

// EmergencyStopRequest latches the emergency stop
type EmergencyStopRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// sessionHeader carries the caller's session for administrative routes
const sessionHeader = "X-Session-ID"

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	health := s.monitor.HealthSummary()
	st := "ok"
	if health.Status == models.HealthCritical {
		st = "degraded"
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:        st,
		Timestamp:     time.Now(),
		Health:        health.Status,
		EmergencyStop: s.ledger.EmergencyStopActive(),
	})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.IsReady() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (s *Server) handleAuthorize(c *gin.Context) {
	ctx := c.Request.Context()

	var req AuthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	decision := s.gateway.Authorize(ctx, gateway.Request{
		UnitID:       req.UnitID,
		Operation:    req.Operation,
		Input:        req.Input,
		Config:       req.Config,
		SessionID:    req.SessionID,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		Model:        req.Model,
		PeerIP:       c.ClientIP(),
	})

	// Denials are part of the contract, not transport errors
	c.JSON(http.StatusOK, decision)
}

func (s *Server) handleSettle(c *gin.Context) {
	ctx := c.Request.Context()

	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	if err := s.gateway.Settle(ctx, req.ReservationID, req.ActualCost); err != nil {
		if errors.Is(err, gateway.ErrUnknownReservation) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:     "reservation not found: " + req.ReservationID,
				RequestID: c.GetString("request_id"),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"settled": true})
}

func (s *Server) handleExecute(c *gin.Context) {
	ctx := c.Request.Context()

	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	result, err := s.gateway.ExecuteSandboxed(ctx, req.UnitID, req.Command, req.SessionID)
	if err != nil {
		if errors.Is(err, gateway.ErrPermissionDenied) {
			c.JSON(http.StatusForbidden, ErrorResponse{
				Error:     err.Error(),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) handleAuthenticate(c *gin.Context) {
	ctx := c.Request.Context()

	var req AuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	sessionID, err := s.registry.Authenticate(ctx, req.APIKey, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		s.monitor.RecordAuthFailure(c.ClientIP(), err.Error())
		s.audit.Record(ctx, models.AuditEvent{
			Type:    models.AuditAuthFailure,
			Actor:   c.ClientIP(),
			Action:  "authenticate",
			Result:  models.ResultFailure,
			PeerIP:  c.ClientIP(),
			Details: map[string]any{"reason": err.Error()},
		})
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:     "authentication failed",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	session := s.registry.Session(sessionID)
	actor := "unknown"
	if session != nil {
		actor = session.KeyID
	}
	s.audit.Record(ctx, models.AuditEvent{
		Type:      models.AuditAuthSuccess,
		Actor:     actor,
		Action:    "authenticate",
		PeerIP:    c.ClientIP(),
		SessionID: sessionID,
	})

	c.JSON(http.StatusOK, AuthResponse{SessionID: sessionID})
}

func (s *Server) handleCreateKey(c *gin.Context) {
	ctx := c.Request.Context()

	actor, ok := s.requireSession(c, models.PermAPIAdmin)
	if !ok {
		return
	}

	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	role := models.Role(req.Role)
	if !role.Valid() {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "unknown role: " + req.Role,
			RequestID: c.GetString("request_id"),
		})
		return
	}

	keyID, plaintext, err := s.registry.CreateKey(ctx, req.Name, role, req.TTLDays, req.IPAllowlist)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	s.audit.Record(ctx, models.AuditEvent{
		Type:     models.AuditAuthKeyCreated,
		Actor:    actor,
		Action:   "create_key",
		Resource: keyID,
		Details:  map[string]any{"name": req.Name, "role": req.Role, "ttl_days": req.TTLDays},
	})

	c.JSON(http.StatusCreated, CreateKeyResponse{KeyID: keyID, Secret: plaintext})
}

func (s *Server) handleListKeys(c *gin.Context) {
	if _, ok := s.requireSession(c, models.PermAPIAdmin); !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": s.registry.Keys()})
}

func (s *Server) handleRevokeKey(c *gin.Context) {
	ctx := c.Request.Context()

	actor, ok := s.requireSession(c, models.PermAPIAdmin)
	if !ok {
		return
	}

	keyID := c.Param("id")
	if err := s.registry.RevokeKey(ctx, keyID); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	s.audit.Record(ctx, models.AuditEvent{
		Type:     models.AuditAuthKeyRevoked,
		Actor:    actor,
		Action:   "revoke_key",
		Resource: keyID,
	})

	c.JSON(http.StatusOK, gin.H{"revoked": keyID})
}

func (s *Server) handleRotateKey(c *gin.Context) {
	ctx := c.Request.Context()

	actor, ok := s.requireSession(c, models.PermAPIAdmin)
	if !ok {
		return
	}

	keyID := c.Param("id")
	newID, plaintext, err := s.registry.RotateKey(ctx, keyID)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	s.audit.Record(ctx, models.AuditEvent{
		Type:     models.AuditAuthKeyRotated,
		Actor:    actor,
		Action:   "rotate_key",
		Resource: keyID,
		Details:  map[string]any{"new_key_id": newID},
	})

	c.JSON(http.StatusOK, CreateKeyResponse{KeyID: newID, Secret: plaintext})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.gateway.Status())
}

func (s *Server) handleQueryAudit(c *gin.Context) {
	var params AuditQueryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	query := models.AuditQuery{
		Type:     models.AuditEventType(params.Type),
		Actor:    params.Actor,
		Resource: params.Resource,
		Result:   models.AuditResult(params.Result),
		Limit:    params.Limit,
	}
	if params.SinceHours > 0 {
		query.StartTime = time.Now().Add(-time.Duration(params.SinceHours) * time.Hour)
	}

	events := s.audit.Query(query)
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (s *Server) handleAuditSummary(c *gin.Context) {
	hours := 24
	if raw := c.Query("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     "hours must be a positive integer",
				RequestID: c.GetString("request_id"),
			})
			return
		}
		hours = parsed
	}
	c.JSON(http.StatusOK, s.audit.Summary(hours))
}

func (s *Server) handleListAlerts(c *gin.Context) {
	alerts := s.monitor.ActiveAlerts()
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleAcknowledgeAlert(c *gin.Context) {
	alertID := c.Param("id")
	if !s.monitor.AcknowledgeAlert(alertID) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     "alert not found: " + alertID,
			RequestID: c.GetString("request_id"),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": alertID})
}

func (s *Server) handleListApprovals(c *gin.Context) {
	approvals := s.ledger.PendingApprovals()
	c.JSON(http.StatusOK, gin.H{"approvals": approvals, "count": len(approvals)})
}

func (s *Server) handleTriggerEmergencyStop(c *gin.Context) {
	ctx := c.Request.Context()

	actor, ok := s.requireSession(c, models.PermEmergencyStop)
	if !ok {
		return
	}

	var req EmergencyStopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	s.gateway.TriggerEmergencyStop(ctx, req.Reason, actor)
	c.JSON(http.StatusOK, gin.H{"emergency_stop": true})
}

func (s *Server) handleClearEmergencyStop(c *gin.Context) {
	ctx := c.Request.Context()

	actor, ok := s.requireSession(c, models.PermEmergencyStop)
	if !ok {
		return
	}

	s.gateway.ClearEmergencyStop(ctx, actor)
	c.JSON(http.StatusOK, gin.H{"emergency_stop": false})
}

// requireSession validates the session header against a permission and
// returns the acting key ID. Writes the error response itself on failure.
func (s *Server) requireSession(c *gin.Context, perm models.Permission) (string, bool) {
	sessionID := c.GetHeader(sessionHeader)
	if sessionID == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:     "missing " + sessionHeader + " header",
			RequestID: c.GetString("request_id"),
		})
		return "", false
	}

	ok, err := s.registry.CheckPermission(sessionID, perm)
	if !ok {
		reason := "permission denied"
		if err != nil {
			reason = err.Error()
		}
		c.JSON(http.StatusForbidden, ErrorResponse{
			Error:     reason,
			RequestID: c.GetString("request_id"),
		})
		return "", false
	}

	actor := "unknown"
	if session := s.registry.Session(sessionID); session != nil {
		actor = session.KeyID
	}
	return actor, true
}

// sanitizeValidationError converts binding errors into messages that use
// the JSON field names rather than Go struct field names
func sanitizeValidationError(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err.Error()
	}

	var messages []string
	for _, fe := range validationErrs {
		jsonFieldName := toSnakeCase(fe.Field())
		switch fe.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", jsonFieldName))
		case "min":
			messages = append(messages, fmt.Sprintf("%s must be at least %s", jsonFieldName, fe.Param()))
		case "max":
			messages = append(messages, fmt.Sprintf("%s must be at most %s", jsonFieldName, fe.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation (%s)", jsonFieldName, fe.Tag()))
		}
	}
	return strings.Join(messages, "; ")
}

// toSnakeCase converts a PascalCase or camelCase string to snake_case
func toSnakeCase(s string) string {
	fieldMappings := map[string]string{
		"UnitID":        "unit_id",
		"Operation":     "operation",
		"SessionID":     "session_id",
		"InputTokens":   "input_tokens",
		"OutputTokens":  "output_tokens",
		"ReservationID": "reservation_id",
		"ActualCost":    "actual_cost",
		"APIKey":        "api_key",
		"TTLDays":       "ttl_days",
		"IPAllowlist":   "ip_allowlist",
		"Command":       "command",
		"Name":          "name",
		"Role":          "role",
		"Reason":        "reason",
	}
	if mapped, ok := fieldMappings[s]; ok {
		return mapped
	}

	var out []rune
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				out = append(out, '_')
			}
			r += 'a' - 'A'
		}
		out = append(out, r)
	}
	return string(out)
}
