package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	gateway "github.com/autogram-ai/autogram/internal"
)

const keyColumns = `id, principal_id, name, secret_hash, secret_digest, key_suffix,
	 tier, permissions, created_at, expires_at, last_used_at,
	 usage_requests, usage_input_tokens, usage_output_tokens, usage_cost_usd, active`

// CreateKey inserts a new API key record.
func (s *Store) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	perms, err := marshalJSON(key.Permissions)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, principal_id, name, secret_hash, secret_digest, key_suffix,
		 tier, permissions, created_at, expires_at, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.PrincipalID, key.Name, key.SecretHash, key.SecretDigest, key.KeySuffix,
		string(key.Tier), perms, key.CreatedAt.UTC().Format(time.RFC3339),
		timeToStr(key.ExpiresAt), boolToInt(key.Active),
	)
	if err != nil {
		return err
	}
	logMutation(ctx, "api key created", key.PrincipalID, slog.String("key_id", key.ID))
	return nil
}

// GetKeyByDigest retrieves an API key by the SHA-256 digest of its cleartext secret.
func (s *Store) GetKeyByDigest(ctx context.Context, digest string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE secret_digest = ?`, digest)
	return scanKey(row)
}

// GetKey retrieves an API key by its ID.
func (s *Store) GetKey(ctx context.Context, id string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE id = ?`, id)
	return scanKey(row)
}

// ListKeys returns all API keys owned by a principal, newest first.
func (s *Store) ListKeys(ctx context.Context, principalID string) ([]*gateway.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE principal_id = ? ORDER BY created_at DESC`,
		principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeKey marks the key inactive. Idempotent: revoking an already inactive
// or unknown key owned by the principal succeeds without effect. History is
// never deleted.
func (s *Store) RevokeKey(ctx context.Context, principalID, keyID string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET active = 0 WHERE id = ? AND principal_id = ?`,
		keyID, principalID)
	if err != nil {
		return err
	}
	logMutation(ctx, "api key revoked", principalID, slog.String("key_id", keyID))
	return nil
}

// BumpUsage adds to the key's monotonic usage tally and refreshes last_used_at.
// Deltas are additive only; callers never pass negative values.
func (s *Store) BumpUsage(ctx context.Context, keyID string, requests, inputTokens, outputTokens int64, costUSD float64) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET
		 usage_requests = usage_requests + ?,
		 usage_input_tokens = usage_input_tokens + ?,
		 usage_output_tokens = usage_output_tokens + ?,
		 usage_cost_usd = usage_cost_usd + ?,
		 last_used_at = ?
		 WHERE id = ?`,
		requests, inputTokens, outputTokens, costUSD,
		time.Now().UTC().Format(time.RFC3339), keyID)
	return err
}

// SumUsage aggregates the usage tallies of every key owned by the principal,
// active and revoked alike.
func (s *Store) SumUsage(ctx context.Context, principalID string) (gateway.UsageTally, error) {
	var t gateway.UsageTally
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(usage_requests), 0), COALESCE(SUM(usage_input_tokens), 0),
		 COALESCE(SUM(usage_output_tokens), 0), COALESCE(SUM(usage_cost_usd), 0)
		 FROM api_keys WHERE principal_id = ?`, principalID,
	).Scan(&t.Requests, &t.InputTokens, &t.OutputTokens, &t.CostUSD)
	return t, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

func scanKey(s scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var tier string
	var permsJSON sql.NullString
	var createdAt string
	var expiresAt, lastUsedAt sql.NullString
	var active int

	err := s.Scan(
		&k.ID, &k.PrincipalID, &k.Name, &k.SecretHash, &k.SecretDigest, &k.KeySuffix,
		&tier, &permsJSON, &createdAt, &expiresAt, &lastUsedAt,
		&k.Usage.Requests, &k.Usage.InputTokens, &k.Usage.OutputTokens, &k.Usage.CostUSD,
		&active,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Tier = gateway.TierName(tier)
	k.Active = active != 0
	perms, err := unmarshalStringSlice(permsJSON)
	if err != nil {
		return nil, err
	}
	k.Permissions = perms
	k.ExpiresAt = parseTime(expiresAt)
	k.LastUsedAt = parseTime(lastUsedAt)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		k.CreatedAt = t
	}
	return &k, nil
}

// logMutation records an identity store mutation with principal and request IDs.
// Secrets never appear in these lines.
func logMutation(ctx context.Context, msg, principalID string, attrs ...slog.Attr) {
	attrs = append(attrs,
		slog.String("principal_id", principalID),
		slog.String("request_id", gateway.RequestIDFromContext(ctx)),
	)
	slog.LogAttrs(ctx, slog.LevelInfo, msg, attrs...)
}

// helpers

func marshalJSON(v []string) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{String: "[]", Valid: true}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStringSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid || ns.String == "" || ns.String == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
