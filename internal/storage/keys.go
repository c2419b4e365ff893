package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agent-warden/agent-warden/pkg/models"
)

// KeyStore handles API key persistence
type KeyStore struct {
	db *DB
}

// NewKeyStore creates a new key store
func NewKeyStore(db *DB) *KeyStore {
	return &KeyStore{db: db}
}

// SaveKey inserts a new API key
func (s *KeyStore) SaveKey(ctx context.Context, key *models.APIKey) error {
	allowlist, err := json.Marshal(key.IPAllowlist)
	if err != nil {
		return fmt.Errorf("failed to marshal ip allowlist: %w", err)
	}
	scopes, err := json.Marshal(key.Scopes.List())
	if err != nil {
		return fmt.Errorf("failed to marshal scopes: %w", err)
	}

	query := `
		INSERT INTO api_keys (
			id, name, secret_hash, role, created_at, expires_at,
			last_used, use_count, enabled, ip_allowlist, scopes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		key.ID, key.Name, key.SecretHash, key.Role, key.CreatedAt,
		nullTime(key.ExpiresAt), nullTime(key.LastUsed), key.UseCount,
		key.Enabled, string(allowlist), string(scopes),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to save key: %w", err)
	}

	return nil
}

// SetKeyEnabled flips a key's enabled flag
func (s *KeyStore) SetKeyEnabled(ctx context.Context, keyID string, enabled bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE api_keys SET enabled = ? WHERE id = ?`, enabled, keyID)
	if err != nil {
		return fmt.Errorf("failed to update key: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateKeyUsage records the latest successful authentication
func (s *KeyStore) UpdateKeyUsage(ctx context.Context, keyID string, lastUsed time.Time, useCount int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used = ?, use_count = ? WHERE id = ?`,
		lastUsed, useCount, keyID,
	)
	if err != nil {
		return fmt.Errorf("failed to update key usage: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ListKeys returns all keys, including disabled ones
func (s *KeyStore) ListKeys(ctx context.Context) ([]*models.APIKey, error) {
	query := `
		SELECT id, name, secret_hash, role, created_at, expires_at,
			last_used, use_count, enabled, ip_allowlist, scopes
		FROM api_keys
		ORDER BY created_at
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		key := &models.APIKey{}
		var expiresAt, lastUsed sql.NullTime
		var allowlist, scopes sql.NullString

		err := rows.Scan(
			&key.ID, &key.Name, &key.SecretHash, &key.Role, &key.CreatedAt,
			&expiresAt, &lastUsed, &key.UseCount, &key.Enabled,
			&allowlist, &scopes,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}

		key.ExpiresAt = expiresAt.Time
		key.LastUsed = lastUsed.Time
		if allowlist.Valid && allowlist.String != "" {
			if err := json.Unmarshal([]byte(allowlist.String), &key.IPAllowlist); err != nil {
				return nil, fmt.Errorf("failed to unmarshal ip allowlist: %w", err)
			}
		}
		if scopes.Valid && scopes.String != "" {
			var perms []models.Permission
			if err := json.Unmarshal([]byte(scopes.String), &perms); err != nil {
				return nil, fmt.Errorf("failed to unmarshal scopes: %w", err)
			}
			key.Scopes = models.NewPermissionSet(perms)
		}

		keys = append(keys, key)
	}

	return keys, rows.Err()
}
