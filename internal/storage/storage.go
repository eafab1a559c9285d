// Package storage defines persistence interfaces for the identity store.
package storage

import (
	"context"

	gateway "github.com/autogram-ai/autogram/internal"
)

// APIKeyStore manages API key persistence.
//
// Secrets never round-trip through this interface: records carry only the
// argon2id hash and the SHA-256 lookup digest. Usage tallies are monotonic;
// RevokeKey marks keys inactive and never deletes history.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	// GetKeyByDigest looks a key up by the SHA-256 digest of its cleartext.
	// The caller still verifies the argon2id hash before trusting the match.
	GetKeyByDigest(ctx context.Context, digest string) (*gateway.APIKey, error)
	GetKey(ctx context.Context, id string) (*gateway.APIKey, error)
	ListKeys(ctx context.Context, principalID string) ([]*gateway.APIKey, error)
	// RevokeKey marks the key inactive. Idempotent; revoking an already
	// inactive or unknown key belonging to the principal is not an error.
	RevokeKey(ctx context.Context, principalID, keyID string) error
	// BumpUsage adds to the key's monotonic usage tally and refreshes last_used.
	BumpUsage(ctx context.Context, keyID string, requests, inputTokens, outputTokens int64, costUSD float64) error
	// SumUsage aggregates the usage tallies of all keys owned by the principal.
	SumUsage(ctx context.Context, principalID string) (gateway.UsageTally, error)
}

// UserStore manages user persistence.
type UserStore interface {
	UpsertUserByEmail(ctx context.Context, email, name string) (*gateway.User, error)
	GetUser(ctx context.Context, id string) (*gateway.User, error)
}

// Store combines all identity store interfaces.
type Store interface {
	APIKeyStore
	UserStore
	Ping(ctx context.Context) error
	Close() error
}
