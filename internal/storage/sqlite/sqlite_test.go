package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	gateway "github.com/autogram-ai/autogram/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testKey(principalID string) *gateway.APIKey {
	exp := time.Now().Add(90 * 24 * time.Hour)
	return &gateway.APIKey{
		ID:           uuid.Must(uuid.NewV7()).String(),
		PrincipalID:  principalID,
		Name:         "test key",
		SecretHash:   "$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		SecretDigest: gateway.DigestSecret("autogram_sk_test_" + uuid.NewString()),
		KeySuffix:    "cdef",
		Tier:         gateway.TierFree,
		Permissions:  []string{"completions"},
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    &exp,
		Active:       true,
	}
}

func TestCreateAndGetKeyByDigest(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	k := testKey("p-1")
	if err := s.CreateKey(ctx, k); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	got, err := s.GetKeyByDigest(ctx, k.SecretDigest)
	if err != nil {
		t.Fatalf("GetKeyByDigest: %v", err)
	}
	if got.ID != k.ID {
		t.Errorf("ID = %q, want %q", got.ID, k.ID)
	}
	if got.SecretHash != k.SecretHash {
		t.Errorf("SecretHash not round-tripped")
	}
	if got.Tier != gateway.TierFree {
		t.Errorf("Tier = %q, want free", got.Tier)
	}
	if !got.Active {
		t.Error("key not active")
	}
	if got.ExpiresAt == nil {
		t.Error("ExpiresAt missing")
	}
}

func TestGetKeyByDigestNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.GetKeyByDigest(context.Background(), "no-such-digest")
	if !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRevokeKeyIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	k := testKey("p-1")
	if err := s.CreateKey(ctx, k); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	for range 2 {
		if err := s.RevokeKey(ctx, "p-1", k.ID); err != nil {
			t.Fatalf("RevokeKey: %v", err)
		}
	}

	got, err := s.GetKey(ctx, k.ID)
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if got.Active {
		t.Error("key still active after revoke")
	}

	// Revoking with the wrong principal must not resurrect or error.
	if err := s.RevokeKey(ctx, "p-other", k.ID); err != nil {
		t.Fatalf("RevokeKey other principal: %v", err)
	}
}

func TestBumpUsageMonotonic(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	k := testKey("p-1")
	if err := s.CreateKey(ctx, k); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	var prev int64
	for i := range 3 {
		if err := s.BumpUsage(ctx, k.ID, 1, 10, 20, 0.5); err != nil {
			t.Fatalf("BumpUsage: %v", err)
		}
		got, err := s.GetKey(ctx, k.ID)
		if err != nil {
			t.Fatalf("GetKey: %v", err)
		}
		if got.Usage.Requests <= prev {
			t.Errorf("iteration %d: requests = %d, want > %d", i, got.Usage.Requests, prev)
		}
		prev = got.Usage.Requests
		if got.LastUsedAt == nil {
			t.Error("LastUsedAt not updated")
		}
	}
}

func TestSumUsageAcrossKeys(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	k1, k2 := testKey("p-1"), testKey("p-1")
	other := testKey("p-2")
	for _, k := range []*gateway.APIKey{k1, k2, other} {
		if err := s.CreateKey(ctx, k); err != nil {
			t.Fatalf("CreateKey: %v", err)
		}
	}
	if err := s.BumpUsage(ctx, k1.ID, 2, 100, 200, 1.0); err != nil {
		t.Fatal(err)
	}
	if err := s.BumpUsage(ctx, k2.ID, 3, 50, 50, 0.25); err != nil {
		t.Fatal(err)
	}
	if err := s.BumpUsage(ctx, other.ID, 100, 1, 1, 9.99); err != nil {
		t.Fatal(err)
	}

	tally, err := s.SumUsage(ctx, "p-1")
	if err != nil {
		t.Fatalf("SumUsage: %v", err)
	}
	if tally.Requests != 5 {
		t.Errorf("Requests = %d, want 5", tally.Requests)
	}
	if tally.InputTokens != 150 || tally.OutputTokens != 250 {
		t.Errorf("tokens = %d/%d, want 150/250", tally.InputTokens, tally.OutputTokens)
	}
	if tally.CostUSD != 1.25 {
		t.Errorf("CostUSD = %v, want 1.25", tally.CostUSD)
	}
}

func TestUpsertUserByEmail(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	u1, err := s.UpsertUserByEmail(ctx, "dev@example.com", "Dev One")
	if err != nil {
		t.Fatalf("UpsertUserByEmail: %v", err)
	}

	u2, err := s.UpsertUserByEmail(ctx, "dev@example.com", "Dev Renamed")
	if err != nil {
		t.Fatalf("UpsertUserByEmail again: %v", err)
	}
	if u2.ID != u1.ID {
		t.Errorf("upsert created a second user: %q vs %q", u2.ID, u1.ID)
	}
	if u2.Name != "Dev Renamed" {
		t.Errorf("Name = %q, want updated name", u2.Name)
	}

	got, err := s.GetUser(ctx, u1.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.Email != "dev@example.com" {
		t.Errorf("Email = %q", got.Email)
	}
}

func TestListKeysReturnsOwnKeysOnly(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	mine, theirs := testKey("p-1"), testKey("p-2")
	for _, k := range []*gateway.APIKey{mine, theirs} {
		if err := s.CreateKey(ctx, k); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := s.ListKeys(ctx, "p-1")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 1 || keys[0].ID != mine.ID {
		t.Errorf("ListKeys returned %d keys", len(keys))
	}
}
