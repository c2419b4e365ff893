package access

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-warden/agent-warden/internal/config"
	"github.com/agent-warden/agent-warden/pkg/models"
)

type mockKeyStore struct {
	mu      sync.Mutex
	keys    map[string]*models.APIKey
	saveErr error
}

func newMockKeyStore() *mockKeyStore {
	return &mockKeyStore{keys: make(map[string]*models.APIKey)}
}

func (m *mockKeyStore) SaveKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	cp := *key
	m.keys[key.ID] = &cp
	return nil
}

func (m *mockKeyStore) SetKeyEnabled(_ context.Context, keyID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[keyID]; ok {
		k.Enabled = enabled
	}
	return nil
}

func (m *mockKeyStore) UpdateKeyUsage(_ context.Context, keyID string, lastUsed time.Time, useCount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[keyID]; ok {
		k.LastUsed = lastUsed
		k.UseCount = useCount
	}
	return nil
}

func (m *mockKeyStore) ListKeys(_ context.Context) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.APIKey, 0, len(m.keys))
	for _, k := range m.keys {
		cp := *k
		out = append(out, &cp)
	}
	return out, nil
}

func testAccessConfig() config.AccessConfig {
	return config.AccessConfig{
		SessionTTL:        time.Hour,
		MaxSessionsPerKey: 5,
		EnforceIPList:     false,
	}
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	return NewRegistry(testAccessConfig(), opts...)
}

func TestCreateKeyReturnsPlaintextOnce(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	keyID, plaintext, err := r.CreateKey(ctx, "agent-runner", models.RoleAgent, 0, nil)
	require.NoError(t, err)
	assert.Contains(t, keyID, "awk_")
	assert.NotEmpty(t, plaintext)

	// Hash is never exposed, plaintext is never stored
	for _, k := range r.Keys() {
		assert.Nil(t, k.SecretHash)
	}
}

func TestCreateKeyUnknownRole(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, _, err := r.CreateKey(ctx, "bad", models.Role("superuser"), 0, nil)
	assert.Error(t, err)
}

func TestAuthenticateHappyPath(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	keyID, plaintext, err := r.CreateKey(ctx, "ops", models.RoleOperator, 0, nil)
	require.NoError(t, err)

	sessionID, err := r.Authenticate(ctx, plaintext, "10.0.0.1", "test-agent")
	require.NoError(t, err)
	assert.Contains(t, sessionID, "sess_")

	session := r.Session(sessionID)
	require.NotNil(t, session)
	assert.Equal(t, keyID, session.KeyID)
	assert.Equal(t, models.RoleOperator, session.Role)
	assert.Equal(t, "10.0.0.1", session.PeerIP)

	// Key usage is tracked
	for _, k := range r.Keys() {
		if k.ID == keyID {
			assert.Equal(t, int64(1), k.UseCount)
		}
	}
}

func TestAuthenticateInvalidSecret(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, _, err := r.CreateKey(ctx, "ops", models.RoleOperator, 0, nil)
	require.NoError(t, err)

	_, err = r.Authenticate(ctx, "not-the-secret", "10.0.0.1", "")
	assert.ErrorIs(t, err, ErrInvalidKey)

	st := r.Status()
	assert.Equal(t, int64(1), st.AccessDenied)
}

func TestAuthenticateExpiredKey(t *testing.T) {
	ctx := context.Background()
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := newTestRegistry(t, WithTimeFunc(func() time.Time { return current }))

	_, plaintext, err := r.CreateKey(ctx, "short-lived", models.RoleAgent, 1, nil)
	require.NoError(t, err)

	current = current.Add(48 * time.Hour)
	_, err = r.Authenticate(ctx, plaintext, "", "")
	assert.ErrorIs(t, err, ErrKeyDisabled)
}

func TestAuthenticateIPAllowlist(t *testing.T) {
	ctx := context.Background()
	cfg := testAccessConfig()
	cfg.EnforceIPList = true
	r := NewRegistry(cfg)

	_, plaintext, err := r.CreateKey(ctx, "restricted", models.RoleAgent, 0, []string{"10.0.0.5"})
	require.NoError(t, err)

	_, err = r.Authenticate(ctx, plaintext, "10.0.0.99", "")
	assert.ErrorIs(t, err, ErrIPNotAuthorized)

	_, err = r.Authenticate(ctx, plaintext, "10.0.0.5", "")
	assert.NoError(t, err)
}

func TestAuthenticateSessionLimit(t *testing.T) {
	ctx := context.Background()
	cfg := testAccessConfig()
	cfg.MaxSessionsPerKey = 2
	r := NewRegistry(cfg)

	_, plaintext, err := r.CreateKey(ctx, "busy", models.RoleAgent, 0, nil)
	require.NoError(t, err)

	_, err = r.Authenticate(ctx, plaintext, "", "")
	require.NoError(t, err)
	_, err = r.Authenticate(ctx, plaintext, "", "")
	require.NoError(t, err)

	_, err = r.Authenticate(ctx, plaintext, "", "")
	assert.ErrorIs(t, err, ErrTooManySessions)
}

func TestCheckPermissionByRole(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, plaintext, err := r.CreateKey(ctx, "worker", models.RoleAgent, 0, nil)
	require.NoError(t, err)
	sessionID, err := r.Authenticate(ctx, plaintext, "", "")
	require.NoError(t, err)

	ok, err := r.CheckPermission(sessionID, models.PermExecute)
	assert.True(t, ok)
	assert.NoError(t, err)

	// Agents cannot administer budgets
	ok, err = r.CheckPermission(sessionID, models.PermBudgetModify)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestCheckPermissionInvalidSession(t *testing.T) {
	r := newTestRegistry(t)

	ok, err := r.CheckPermission("sess_nonexistent", models.PermUnitView)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestCheckPermissionExpiredSessionEvicted(t *testing.T) {
	ctx := context.Background()
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := newTestRegistry(t, WithTimeFunc(func() time.Time { return current }))

	_, plaintext, err := r.CreateKey(ctx, "worker", models.RoleAgent, 0, nil)
	require.NoError(t, err)
	sessionID, err := r.Authenticate(ctx, plaintext, "", "")
	require.NoError(t, err)

	current = current.Add(2 * time.Hour)

	ok, err := r.CheckPermission(sessionID, models.PermUnitView)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Nil(t, r.Session(sessionID), "expired session should be evicted")
}

func TestRevokeKeyCascades(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	keyID, plaintext, err := r.CreateKey(ctx, "doomed", models.RoleOperator, 0, nil)
	require.NoError(t, err)
	sessionID, err := r.Authenticate(ctx, plaintext, "", "")
	require.NoError(t, err)

	require.NoError(t, r.RevokeKey(ctx, keyID))

	// Sessions die immediately
	ok, err := r.CheckPermission(sessionID, models.PermUnitView)
	assert.False(t, ok)
	assert.Error(t, err)

	// The plaintext no longer authenticates
	_, err = r.Authenticate(ctx, plaintext, "", "")
	assert.ErrorIs(t, err, ErrKeyDisabled)
}

func TestRotateKey(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	keyID, oldPlaintext, err := r.CreateKey(ctx, "rotating", models.RoleOperator, 0, nil)
	require.NoError(t, err)
	sessionID, err := r.Authenticate(ctx, oldPlaintext, "", "")
	require.NoError(t, err)

	newID, newPlaintext, err := r.RotateKey(ctx, keyID)
	require.NoError(t, err)
	assert.NotEqual(t, keyID, newID)

	// Old secret and old sessions are dead
	_, err = r.Authenticate(ctx, oldPlaintext, "", "")
	assert.Error(t, err)
	ok, _ := r.CheckPermission(sessionID, models.PermUnitView)
	assert.False(t, ok)

	// New secret works with the same role
	newSession, err := r.Authenticate(ctx, newPlaintext, "", "")
	require.NoError(t, err)
	ok, err = r.CheckPermission(newSession, models.PermUnitDeploy)
	assert.True(t, ok)
	assert.NoError(t, err)
}

func TestRotateUnknownKey(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, _, err := r.RotateKey(ctx, "awk_missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestCleanupExpiredSessions(t *testing.T) {
	ctx := context.Background()
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := newTestRegistry(t, WithTimeFunc(func() time.Time { return current }))

	_, plaintext, err := r.CreateKey(ctx, "worker", models.RoleAgent, 0, nil)
	require.NoError(t, err)
	_, err = r.Authenticate(ctx, plaintext, "", "")
	require.NoError(t, err)

	current = current.Add(2 * time.Hour)
	removed := r.CleanupExpiredSessions()
	assert.Equal(t, 1, removed)

	st := r.Status()
	assert.Equal(t, 0, st.TotalSessions)
}

func TestKeyStorePersistence(t *testing.T) {
	ctx := context.Background()
	store := newMockKeyStore()

	r1 := NewRegistry(testAccessConfig(), WithKeyStore(store))
	keyID, plaintext, err := r1.CreateKey(ctx, "durable", models.RoleReadonly, 0, nil)
	require.NoError(t, err)

	// A fresh registry backed by the same store sees the key
	r2 := NewRegistry(testAccessConfig(), WithKeyStore(store))
	require.NoError(t, r2.LoadKeys(ctx))

	sessionID, err := r2.Authenticate(ctx, plaintext, "", "")
	require.NoError(t, err)
	session := r2.Session(sessionID)
	require.NotNil(t, session)
	assert.Equal(t, keyID, session.KeyID)
}

func TestStatusCounts(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, plaintext, err := r.CreateKey(ctx, "a", models.RoleAdmin, 0, nil)
	require.NoError(t, err)
	_, _, err = r.CreateKey(ctx, "b", models.RoleGuest, 0, nil)
	require.NoError(t, err)

	_, err = r.Authenticate(ctx, plaintext, "", "")
	require.NoError(t, err)
	_, err = r.Authenticate(ctx, "wrong", "", "")
	assert.Error(t, err)

	st := r.Status()
	assert.Equal(t, 2, st.TotalKeys)
	assert.Equal(t, 2, st.ActiveKeys)
	assert.Equal(t, 1, st.ActiveSessions)
	assert.Equal(t, int64(2), st.AccessAttempts)
	assert.Equal(t, int64(1), st.AccessGranted)
	assert.Equal(t, int64(1), st.AccessDenied)
}
