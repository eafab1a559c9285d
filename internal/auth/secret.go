// Package auth implements principal authentication for the Autogram gateway:
// API key issuance and verification, JWT bearer tokens, and the cached
// request-time authenticator.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	gateway "github.com/autogram-ai/autogram/internal"
	"github.com/autogram-ai/autogram/internal/config"
)

const argonVersion = argon2.Version

// Hasher derives and verifies argon2id hashes of API key secrets.
type Hasher struct {
	time    uint32
	memory  uint32
	threads uint8
	keyLen  uint32
}

// NewHasher builds a hasher from config, falling back to the recommended
// interactive parameters for any zero field.
func NewHasher(cfg config.Argon2Config) *Hasher {
	h := &Hasher{time: cfg.Time, memory: cfg.Memory, threads: cfg.Threads, keyLen: cfg.KeyLen}
	if h.time == 0 {
		h.time = 1
	}
	if h.memory == 0 {
		h.memory = 64 * 1024
	}
	if h.threads == 0 {
		h.threads = 4
	}
	if h.keyLen == 0 {
		h.keyLen = 32
	}
	return h
}

// Hash returns the encoded argon2id hash of a secret, parameters and salt
// included, in the standard $argon2id$ format.
func (h *Hasher) Hash(secret string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	sum := argon2.IDKey([]byte(secret), salt, h.time, h.memory, h.threads, h.keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argonVersion, h.memory, h.time, h.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum)), nil
}

// Verify reports whether secret matches the encoded hash. The parameters
// embedded in the hash win over the hasher's own, so old keys stay valid
// after a parameter change. Comparison is constant time.
func (h *Hasher) Verify(secret, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argonVersion {
		return false
	}
	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(secret), salt, time, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// tierMarkers map each tier to the single-character marker embedded in
// generated secrets. The marker is cosmetic; authorization always reads
// the stored record.
var tierMarkers = map[gateway.TierName]string{
	gateway.TierFree:         "f",
	gateway.TierProfessional: "p",
	gateway.TierEnterprise:   "e",
	gateway.TierInternal:     "i",
}

// GenerateSecret returns a fresh cleartext key secret for the tier:
// prefix, tier marker, then 32 random bytes base64url encoded.
func GenerateSecret(tier gateway.TierName) (string, error) {
	marker, ok := tierMarkers[tier]
	if !ok {
		return "", fmt.Errorf("%w: %q", gateway.ErrUnknownTier, tier)
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return gateway.KeySecretPrefix + marker + "_" + base64.RawURLEncoding.EncodeToString(raw), nil
}
