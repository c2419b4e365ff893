package models

import "time"

// Permission identifies a single gated capability
type Permission string

const (
	// Unit management
	PermUnitDeploy Permission = "unit:deploy"
	PermUnitKill   Permission = "unit:kill"
	PermUnitPause  Permission = "unit:pause"
	PermUnitResume Permission = "unit:resume"
	PermUnitView   Permission = "unit:view"

	// Budget management
	PermBudgetView     Permission = "budget:view"
	PermBudgetModify   Permission = "budget:modify"
	PermBudgetOverride Permission = "budget:override"

	// System administration
	PermSystemAdmin   Permission = "system:admin"
	PermSystemConfig  Permission = "system:config"
	PermEmergencyStop Permission = "system:emergency_stop"

	// Data access
	PermDataRead   Permission = "data:read"
	PermDataWrite  Permission = "data:write"
	PermDataDelete Permission = "data:delete"

	// API / execution
	PermAPICall  Permission = "api:call"
	PermAPIAdmin Permission = "api:admin"
	PermExecute  Permission = "exec:sandbox"
)

// Role is one of the built-in role names
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleAgent    Role = "agent"
	RoleReadonly Role = "readonly"
	RoleGuest    Role = "guest"
)

// Valid reports whether r is a known built-in role
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleOperator, RoleAgent, RoleReadonly, RoleGuest:
		return true
	}
	return false
}

// RolePermissions maps each built-in role to its explicit permission set.
// Roles are not strictly nested; each set is spelled out in full.
var RolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermUnitDeploy, PermUnitKill, PermUnitPause, PermUnitResume, PermUnitView,
		PermBudgetView, PermBudgetModify, PermBudgetOverride,
		PermSystemAdmin, PermSystemConfig, PermEmergencyStop,
		PermDataRead, PermDataWrite, PermDataDelete,
		PermAPICall, PermAPIAdmin, PermExecute,
	},
	RoleOperator: {
		PermUnitDeploy, PermUnitPause, PermUnitResume, PermUnitView,
		PermBudgetView,
		PermDataRead, PermDataWrite,
		PermAPICall, PermExecute,
	},
	RoleAgent: {
		PermUnitView,
		PermDataRead, PermDataWrite,
		PermAPICall, PermExecute,
	},
	RoleReadonly: {
		PermUnitView,
		PermBudgetView,
		PermDataRead,
	},
	RoleGuest: {
		PermUnitView,
	},
}

// PermissionSet is a set of permissions keyed for O(1) lookup
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from a slice
func NewPermissionSet(perms []Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// Has reports set membership
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// List returns the permissions as a slice (order unspecified)
func (s PermissionSet) List() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	return out
}

// APIKey holds key metadata. The secret is never stored; only its hash is.
type APIKey struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	SecretHash  []byte        `json:"-"`
	Role        Role          `json:"role"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at,omitempty"` // zero = never
	LastUsed    time.Time     `json:"last_used,omitempty"`
	UseCount    int64         `json:"use_count"`
	Enabled     bool          `json:"enabled"`
	IPAllowlist []string      `json:"ip_allowlist,omitempty"`
	Scopes      PermissionSet `json:"-"`
}

// ValidAt reports whether the key is usable at the given time
func (k *APIKey) ValidAt(now time.Time) bool {
	if !k.Enabled {
		return false
	}
	if !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt) {
		return false
	}
	return true
}

// Session is an authenticated session minted from an API key.
// Its permission set is a snapshot of the key's scopes at creation time.
type Session struct {
	ID           string        `json:"id"`
	KeyID        string        `json:"key_id"`
	Role         Role          `json:"role"`
	Permissions  PermissionSet `json:"-"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	LastActivity time.Time     `json:"last_activity"`
	PeerIP       string        `json:"peer_ip,omitempty"`
	UserAgent    string        `json:"user_agent,omitempty"`
}

// ValidAt reports whether the session has not yet expired
func (s *Session) ValidAt(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}
