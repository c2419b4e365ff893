// Package access implements RBAC key issuance and session lifecycle.
package access

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/agent-warden/agent-warden/internal/config"
	"github.com/agent-warden/agent-warden/internal/metrics"
	"github.com/agent-warden/agent-warden/pkg/models"
)

// keyIDPrefix marks identifiers issued by this registry
const keyIDPrefix = "awk_"

var (
	ErrInvalidKey       = errors.New("invalid API key")
	ErrKeyDisabled      = errors.New("API key is expired or disabled")
	ErrIPNotAuthorized  = errors.New("IP address not authorized")
	ErrTooManySessions  = errors.New("too many active sessions")
	ErrKeyNotFound      = errors.New("API key not found")
	ErrInvalidSession   = errors.New("invalid session")
	ErrSessionExpired   = errors.New("session expired")
	ErrPermissionDenied = errors.New("permission denied")
)

// KeyStore persists API keys across restarts. Sessions are always
// in-memory and die with the process.
type KeyStore interface {
	SaveKey(ctx context.Context, key *models.APIKey) error
	SetKeyEnabled(ctx context.Context, keyID string, enabled bool) error
	UpdateKeyUsage(ctx context.Context, keyID string, lastUsed time.Time, useCount int64) error
	ListKeys(ctx context.Context) ([]*models.APIKey, error)
}

// Registry holds API keys and live sessions. All map access goes through
// the mutex; expired sessions are evicted lazily on permission checks.
type Registry struct {
	mu sync.Mutex

	keys     map[string]*models.APIKey
	sessions map[string]*models.Session

	sessionTTL        time.Duration
	maxSessionsPerKey int
	enforceIPList     bool

	accessAttempts int64
	accessGranted  int64
	accessDenied   int64

	store  KeyStore
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithTimeFunc sets a custom time function for testing
func WithTimeFunc(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithKeyStore attaches durable key storage. Call LoadKeys afterward to
// pick up previously issued keys.
func WithKeyStore(store KeyStore) Option {
	return func(r *Registry) {
		r.store = store
	}
}

// NewRegistry creates a registry from the configured session policy
func NewRegistry(cfg config.AccessConfig, opts ...Option) *Registry {
	r := &Registry{
		keys:              make(map[string]*models.APIKey),
		sessions:          make(map[string]*models.Session),
		sessionTTL:        cfg.SessionTTL,
		maxSessionsPerKey: cfg.MaxSessionsPerKey,
		enforceIPList:     cfg.EnforceIPList,
		logger:            slog.Default(),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sessionTTL <= 0 {
		r.sessionTTL = time.Hour
	}
	if r.maxSessionsPerKey <= 0 {
		r.maxSessionsPerKey = 5
	}

	return r
}

// LoadKeys pulls previously issued keys from the attached store
func (r *Registry) LoadKeys(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	stored, err := r.store.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to load stored keys: %w", err)
	}

	r.mu.Lock()
	for _, key := range stored {
		r.keys[key.ID] = key
	}
	r.mu.Unlock()

	r.logger.Info("loaded API keys from store", "count", len(stored))
	return nil
}

// CreateKey mints a new API key for a role. The plaintext secret is
// returned exactly once and never stored; only its bcrypt hash is kept.
func (r *Registry) CreateKey(ctx context.Context, name string, role models.Role, ttlDays int, ipAllowlist []string) (string, string, error) {
	if !role.Valid() {
		return "", "", fmt.Errorf("unknown role: %s", role)
	}

	plaintext, err := randomToken(32)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate secret: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash secret: %w", err)
	}

	suffix, err := randomToken(8)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate key id: %w", err)
	}
	keyID := keyIDPrefix + suffix

	key := &models.APIKey{
		ID:          keyID,
		Name:        name,
		SecretHash:  hash,
		Role:        role,
		CreatedAt:   r.now(),
		Enabled:     true,
		IPAllowlist: append([]string(nil), ipAllowlist...),
		Scopes:      models.NewPermissionSet(models.RolePermissions[role]),
	}
	if ttlDays > 0 {
		key.ExpiresAt = r.now().Add(time.Duration(ttlDays) * 24 * time.Hour)
	}

	r.mu.Lock()
	r.keys[keyID] = key
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveKey(ctx, key); err != nil {
			r.logger.Error("failed to persist API key", "key_id", keyID, "error", err)
		}
	}

	r.logger.Info("created API key",
		"name", name, "key_id", keyID, "role", string(role),
		"expires", key.ExpiresAt, "permissions", len(key.Scopes))

	return keyID, plaintext, nil
}

// RotateKey disables the old key, invalidates its sessions, and issues a
// replacement with the same name, role, and allowlist.
func (r *Registry) RotateKey(ctx context.Context, keyID string) (string, string, error) {
	r.mu.Lock()
	old, ok := r.keys[keyID]
	r.mu.Unlock()
	if !ok {
		return "", "", ErrKeyNotFound
	}

	newID, plaintext, err := r.CreateKey(ctx, old.Name, old.Role, 0, old.IPAllowlist)
	if err != nil {
		return "", "", err
	}

	if err := r.RevokeKey(ctx, keyID); err != nil {
		return "", "", err
	}

	r.logger.Info("rotated API key", "old_key_id", keyID, "new_key_id", newID)
	return newID, plaintext, nil
}

// RevokeKey disables a key and deletes all sessions issued from it
func (r *Registry) RevokeKey(ctx context.Context, keyID string) error {
	r.mu.Lock()
	key, ok := r.keys[keyID]
	if !ok {
		r.mu.Unlock()
		return ErrKeyNotFound
	}
	key.Enabled = false

	removed := 0
	for sid, session := range r.sessions {
		if session.KeyID == keyID {
			delete(r.sessions, sid)
			removed++
		}
	}
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SetKeyEnabled(ctx, keyID, false); err != nil {
			r.logger.Error("failed to persist key revocation", "key_id", keyID, "error", err)
		}
	}

	metrics.UpdateActiveSessions(r.activeSessionCount())
	r.logger.Info("revoked API key", "key_id", keyID, "sessions_removed", removed)
	return nil
}

// Authenticate exchanges a plaintext secret for a session ID. This is the
// only entry point that accepts the plaintext.
func (r *Registry) Authenticate(ctx context.Context, plaintext, peerIP, userAgent string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.accessAttempts++

	var key *models.APIKey
	for _, k := range r.keys {
		if bcrypt.CompareHashAndPassword(k.SecretHash, []byte(plaintext)) == nil {
			key = k
			break
		}
	}

	if key == nil {
		r.accessDenied++
		metrics.RecordAuthAttempt(false)
		r.logger.Warn("authentication failed: invalid API key", "peer_ip", peerIP)
		return "", ErrInvalidKey
	}

	if !key.ValidAt(r.now()) {
		r.accessDenied++
		metrics.RecordAuthAttempt(false)
		r.logger.Warn("authentication failed: expired or disabled key", "key_id", key.ID)
		return "", ErrKeyDisabled
	}

	if r.enforceIPList && len(key.IPAllowlist) > 0 && !contains(key.IPAllowlist, peerIP) {
		r.accessDenied++
		metrics.RecordAuthAttempt(false)
		r.logger.Warn("authentication failed: IP not in allowlist",
			"key_id", key.ID, "peer_ip", peerIP)
		return "", ErrIPNotAuthorized
	}

	active := 0
	for _, s := range r.sessions {
		if s.KeyID == key.ID && s.ValidAt(r.now()) {
			active++
		}
	}
	if active >= r.maxSessionsPerKey {
		r.accessDenied++
		metrics.RecordAuthAttempt(false)
		r.logger.Warn("authentication failed: too many sessions", "key_id", key.ID)
		return "", ErrTooManySessions
	}

	suffix, err := randomToken(16)
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	sessionID := "sess_" + suffix

	r.sessions[sessionID] = &models.Session{
		ID:           sessionID,
		KeyID:        key.ID,
		Role:         key.Role,
		Permissions:  key.Scopes,
		CreatedAt:    r.now(),
		ExpiresAt:    r.now().Add(r.sessionTTL),
		LastActivity: r.now(),
		PeerIP:       peerIP,
		UserAgent:    userAgent,
	}

	key.LastUsed = r.now()
	key.UseCount++
	r.accessGranted++

	if r.store != nil {
		if err := r.store.UpdateKeyUsage(ctx, key.ID, key.LastUsed, key.UseCount); err != nil {
			r.logger.Error("failed to persist key usage", "key_id", key.ID, "error", err)
		}
	}

	metrics.RecordAuthAttempt(true)
	metrics.UpdateActiveSessions(len(r.sessions))
	r.logger.Info("authentication successful",
		"key_id", key.ID, "session_id", sessionID, "role", string(key.Role))

	return sessionID, nil
}

// CheckPermission validates the session and requires the given permission.
// Expired sessions are evicted on the spot; valid checks refresh activity.
func (r *Registry) CheckPermission(sessionID string, perm models.Permission) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return false, ErrInvalidSession
	}

	if !session.ValidAt(r.now()) {
		delete(r.sessions, sessionID)
		return false, ErrSessionExpired
	}

	// Revocation cascade already removes sessions, but a disabled key must
	// never continue to authorize even if a session slipped through.
	if key, ok := r.keys[session.KeyID]; !ok || !key.Enabled {
		delete(r.sessions, sessionID)
		return false, ErrSessionExpired
	}

	session.LastActivity = r.now()

	if !session.Permissions.Has(perm) {
		r.logger.Warn("authorization failed: missing permission",
			"session_id", sessionID, "permission", string(perm))
		return false, fmt.Errorf("%w: %s", ErrPermissionDenied, perm)
	}

	return true, nil
}

// Session returns a copy of the session, or nil if unknown
func (r *Registry) Session(sessionID string) *models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	cp := *session
	return &cp
}

// Keys returns copies of all keys, hashes omitted
func (r *Registry) Keys() []models.APIKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.APIKey, 0, len(r.keys))
	for _, k := range r.keys {
		cp := *k
		cp.SecretHash = nil
		out = append(out, cp)
	}
	return out
}

// CleanupExpiredSessions removes every expired session
func (r *Registry) CleanupExpiredSessions() int {
	r.mu.Lock()
	removed := 0
	for sid, session := range r.sessions {
		if !session.ValidAt(r.now()) {
			delete(r.sessions, sid)
			removed++
		}
	}
	total := len(r.sessions)
	r.mu.Unlock()

	metrics.UpdateActiveSessions(total)
	if removed > 0 {
		r.logger.Info("cleaned up expired sessions", "removed", removed)
	}
	return removed
}

// Status returns a read-only snapshot of registry counters
func (r *Registry) Status() models.RegistryStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := models.RegistryStatus{
		TotalKeys:      len(r.keys),
		TotalSessions:  len(r.sessions),
		AccessAttempts: r.accessAttempts,
		AccessGranted:  r.accessGranted,
		AccessDenied:   r.accessDenied,
	}
	for _, k := range r.keys {
		if k.ValidAt(r.now()) {
			st.ActiveKeys++
		}
	}
	for _, s := range r.sessions {
		if s.ValidAt(r.now()) {
			st.ActiveSessions++
		}
	}
	return st
}

func (r *Registry) activeSessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// randomToken returns n random bytes base64url-encoded without padding
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
