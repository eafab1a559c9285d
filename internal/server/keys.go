package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/autogram-ai/autogram/internal"
)

// permManageKeys gates key lifecycle calls made with an API key. OAuth
// sessions manage their own keys without an explicit grant.
const permManageKeys = "keys:manage"

type createKeyRequest struct {
	Name        string   `json:"name"`
	Tier        string   `json:"tier,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type createKeyResponse struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Key       string     `json:"key"` // cleartext, shown exactly once
	Tier      string     `json:"tier"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type listedKey struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Key        string             `json:"key"` // masked
	Tier       string             `json:"tier"`
	CreatedAt  time.Time          `json:"created_at"`
	ExpiresAt  *time.Time         `json:"expires_at,omitempty"`
	LastUsedAt *time.Time         `json:"last_used_at,omitempty"`
	Usage      gateway.UsageTally `json:"usage"`
	Active     bool               `json:"active"`
}

func canManageKeys(p *gateway.Principal) bool {
	if p.APIKeyID == "" {
		return true
	}
	return p.Can(permManageKeys)
}

// handleCreateKey mints a new API key for the caller. The cleartext secret
// appears only in this response.
func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	p := gateway.PrincipalFromContext(r.Context())
	if !canManageKeys(p) {
		s.writeError(w, r, fmt.Errorf("%w: %s", gateway.ErrInsufficientPermissions, permManageKeys))
		return
	}

	var req createKeyRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, r, fmt.Errorf("%w: name is required", gateway.ErrInvalidArgument))
		return
	}

	tier := p.Tier
	if req.Tier != "" {
		t, err := gateway.ParseTier(req.Tier)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %q", gateway.ErrUnknownTier, req.Tier))
			return
		}
		// Only internal operators mint keys outside their own tier.
		if t != p.Tier && p.Tier != gateway.TierInternal {
			s.writeError(w, r, fmt.Errorf("%w: cannot create %s key from %s tier", gateway.ErrInsufficientPermissions, t, p.Tier))
			return
		}
		tier = t
	}

	created, err := s.deps.Keys.CreateKey(r.Context(), p.ID, req.Name, tier, req.Permissions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createKeyResponse{
		ID:        created.Key.ID,
		Name:      created.Key.Name,
		Key:       created.Secret,
		Tier:      string(created.Key.Tier),
		CreatedAt: created.Key.CreatedAt,
		ExpiresAt: created.Key.ExpiresAt,
	})
}

// handleListKeys returns the caller's keys with masked secrets.
func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	p := gateway.PrincipalFromContext(r.Context())
	if !canManageKeys(p) {
		s.writeError(w, r, fmt.Errorf("%w: %s", gateway.ErrInsufficientPermissions, permManageKeys))
		return
	}

	keys, err := s.deps.Keys.ListKeys(r.Context(), p.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data := make([]listedKey, 0, len(keys))
	for _, k := range keys {
		data = append(data, listedKey{
			ID:         k.ID,
			Name:       k.Name,
			Key:        k.Masked(),
			Tier:       string(k.Tier),
			CreatedAt:  k.CreatedAt,
			ExpiresAt:  k.ExpiresAt,
			LastUsedAt: k.LastUsedAt,
			Usage:      k.Usage,
			Active:     k.Active,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

// handleRevokeKey deactivates a key. Revoking an already-revoked key
// succeeds; revoking another principal's key reports not-found.
func (s *server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	p := gateway.PrincipalFromContext(r.Context())
	if !canManageKeys(p) {
		s.writeError(w, r, fmt.Errorf("%w: %s", gateway.ErrInsufficientPermissions, permManageKeys))
		return
	}

	if err := s.deps.Keys.RevokeKey(r.Context(), p.ID, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
