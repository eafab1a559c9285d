package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/autogram-ai/autogram/internal"
	"github.com/autogram-ai/autogram/internal/storage"
)

// keyLifetime is the fixed validity window of an issued API key.
const keyLifetime = 90 * 24 * time.Hour

// CreatedKey pairs a stored key record with its cleartext secret. The
// secret exists only in this value; it is never persisted or logged.
type CreatedKey struct {
	Key    *gateway.APIKey
	Secret string
}

// KeyManager issues, lists, and revokes API keys.
type KeyManager struct {
	store  storage.APIKeyStore
	hasher *Hasher
	auth   *APIKeyAuth // nil-safe; used only for cache invalidation
	logger *slog.Logger
	now    func() time.Time
}

// NewKeyManager returns a KeyManager over the given store.
func NewKeyManager(store storage.APIKeyStore, hasher *Hasher, auth *APIKeyAuth, logger *slog.Logger) *KeyManager {
	return &KeyManager{store: store, hasher: hasher, auth: auth, logger: logger, now: time.Now}
}

// CreateKey mints a new API key for the principal. The returned cleartext
// secret is shown to the caller exactly once.
func (m *KeyManager) CreateKey(ctx context.Context, principalID, name string, tier gateway.TierName, permissions []string) (*CreatedKey, error) {
	secret, err := GenerateSecret(tier)
	if err != nil {
		return nil, err
	}
	hash, err := m.hasher.Hash(secret)
	if err != nil {
		return nil, fmt.Errorf("hash key secret: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate key id: %w", err)
	}

	now := m.now().UTC()
	expires := now.Add(keyLifetime)
	key := &gateway.APIKey{
		ID:           id.String(),
		PrincipalID:  principalID,
		Name:         name,
		SecretHash:   hash,
		SecretDigest: gateway.DigestSecret(secret),
		KeySuffix:    secret[len(secret)-4:],
		Tier:         tier,
		Permissions:  permissions,
		CreatedAt:    now,
		ExpiresAt:    &expires,
		Active:       true,
	}
	if err := m.store.CreateKey(ctx, key); err != nil {
		return nil, fmt.Errorf("persist key: %w", err)
	}

	m.logger.LogAttrs(ctx, slog.LevelInfo, "api key created",
		slog.String("key_id", key.ID),
		slog.String("principal_id", principalID),
		slog.String("tier", string(tier)))
	return &CreatedKey{Key: key, Secret: secret}, nil
}

// ListKeys returns the principal's keys, newest first. Records carry only
// the display mask of the secret.
func (m *KeyManager) ListKeys(ctx context.Context, principalID string) ([]*gateway.APIKey, error) {
	return m.store.ListKeys(ctx, principalID)
}

// RevokeKey deactivates a key and drops it from the auth cache so the
// revocation takes effect on the next request.
func (m *KeyManager) RevokeKey(ctx context.Context, principalID, keyID string) error {
	if err := m.store.RevokeKey(ctx, principalID, keyID); err != nil {
		return err
	}
	if m.auth != nil {
		m.auth.InvalidateByKeyID(keyID)
	}
	m.logger.LogAttrs(ctx, slog.LevelInfo, "api key revoked",
		slog.String("key_id", keyID),
		slog.String("principal_id", principalID))
	return nil
}
