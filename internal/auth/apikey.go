package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/autogram-ai/autogram/internal"
	"github.com/autogram-ai/autogram/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// APIKeyAuth authenticates requests carrying an Autogram API key secret.
// Resolved keys are cached in an otter W-TinyLFU cache keyed by the
// secret's SHA-256 digest; the cleartext secret is never a map key and
// never retained past the request.
type APIKeyAuth struct {
	store         storage.Store
	hasher        *Hasher
	logger        *slog.Logger
	cache         *otter.Cache[string, *gateway.APIKey]
	keyIDToDigest sync.Map // keyID -> digest for cache invalidation by key ID
}

// NewAPIKeyAuth returns a new APIKeyAuth backed by store.
func NewAPIKeyAuth(store storage.Store, hasher *Hasher, logger *slog.Logger) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *gateway.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{store: store, hasher: hasher, logger: logger, cache: c}, nil
}

// Authenticate resolves a cleartext secret into a Principal.
//
// The digest lookup finds the candidate record; the argon2id hash is then
// verified before the match is trusted. Revoked, expired, and
// suspended-owner keys are all rejected with distinct errors.
func (a *APIKeyAuth) Authenticate(ctx context.Context, secret string) (*gateway.Principal, error) {
	if secret == "" {
		return nil, gateway.ErrCredentialsMissing
	}
	if !strings.HasPrefix(secret, gateway.KeySecretPrefix) {
		return nil, gateway.ErrCredentialsInvalid
	}

	digest := gateway.DigestSecret(secret)

	key, cached := a.cache.GetIfPresent(digest)
	if !cached {
		var err error
		key, err = a.store.GetKeyByDigest(ctx, digest)
		if err != nil {
			if errors.Is(err, gateway.ErrNotFound) {
				return nil, gateway.ErrCredentialsInvalid
			}
			return nil, err
		}
		// The digest already matched, but the argon2id hash is the verifier.
		if !a.hasher.Verify(secret, key.SecretHash) {
			return nil, gateway.ErrCredentialsInvalid
		}
	}

	if !key.Active {
		a.cache.Invalidate(digest)
		return nil, gateway.ErrCredentialsInvalid
	}
	if key.Expired(time.Now()) {
		a.cache.Invalidate(digest)
		return nil, gateway.ErrCredentialsExpired
	}

	user, err := a.store.GetUser(ctx, key.PrincipalID)
	if err != nil && !errors.Is(err, gateway.ErrNotFound) {
		return nil, err
	}
	if user != nil && user.Suspended {
		return nil, gateway.ErrPrincipalSuspended
	}

	if !cached {
		a.cache.Set(digest, key)
		a.keyIDToDigest.Store(key.ID, digest)
	}

	// Count the request asynchronously; token tallies follow once the
	// upstream reports usage.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.store.BumpUsage(ctx, key.ID, 1, 0, 0, 0); err != nil {
			a.logger.LogAttrs(ctx, slog.LevelWarn, "bump key usage failed",
				slog.String("key_id", key.ID),
				slog.String("error", err.Error()))
		}
	}()

	p := &gateway.Principal{
		ID:          key.PrincipalID,
		Tier:        key.Tier,
		APIKeyID:    key.ID,
		Permissions: key.Permissions,
	}
	if user != nil {
		p.Email = user.Email
	}
	return p, nil
}

// InvalidateByKeyID removes a cached API key by its key ID.
// Used when a revocation or update modifies a key.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if digest, ok := a.keyIDToDigest.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(digest.(string))
	}
}
