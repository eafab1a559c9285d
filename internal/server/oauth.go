package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	gateway "github.com/autogram-ai/autogram/internal"
	"github.com/autogram-ai/autogram/internal/config"
)

const (
	stateTTL     = 10 * time.Minute
	statePrefix  = "oauth:state:"
	userInfoSize = 64 << 10 // userinfo responses are small; cap reads defensively
)

func (s *server) oauthProvider(name string) (*config.OAuthProvider, *oauth2.Config) {
	for i := range s.deps.Config.Auth.OAuth {
		p := &s.deps.Config.Auth.OAuth[i]
		if p.Name != name {
			continue
		}
		return p, &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  p.RedirectURL,
			Scopes:       p.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  p.AuthURL,
				TokenURL: p.TokenURL,
			},
		}
	}
	return nil, nil
}

// handleOAuthStart redirects the browser to the provider's consent page.
// The state nonce is stored server side and consumed exactly once.
func (s *server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	_, oc := s.oauthProvider(name)
	if oc == nil {
		s.writeError(w, r, fmt.Errorf("%w: oauth provider %q", gateway.ErrNotFound, name))
		return
	}

	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		s.writeError(w, r, fmt.Errorf("generate oauth state: %w", err))
		return
	}
	state := hex.EncodeToString(raw[:])

	ok, err := s.deps.KV.SetNX(r.Context(), statePrefix+state, name, stateTTL)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", gateway.ErrAdmissionUnavailable, err))
		return
	}
	if !ok {
		s.writeError(w, r, fmt.Errorf("oauth state collision"))
		return
	}

	http.Redirect(w, r, oc.AuthCodeURL(state), http.StatusFound)
}

// handleOAuthCallback exchanges the authorization code, resolves the
// provider identity, and mints a gateway token pair.
func (s *server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	provider, oc := s.oauthProvider(name)
	if oc == nil {
		s.writeError(w, r, fmt.Errorf("%w: oauth provider %q", gateway.ErrNotFound, name))
		return
	}

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		s.writeError(w, r, fmt.Errorf("%w: missing state or code", gateway.ErrInvalidArgument))
		return
	}

	// Single use: consume the nonce before trusting anything else.
	stored, err := s.deps.KV.Get(r.Context(), statePrefix+state)
	if err != nil || stored != name {
		s.writeError(w, r, fmt.Errorf("%w: oauth state", gateway.ErrCredentialsInvalid))
		return
	}
	if err := s.deps.KV.Del(r.Context(), statePrefix+state); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", gateway.ErrAdmissionUnavailable, err))
		return
	}

	token, err := oc.Exchange(r.Context(), code)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: code exchange failed", gateway.ErrCredentialsInvalid))
		return
	}

	email, displayName, err := fetchUserInfo(r.Context(), oc, token, provider.UserInfoURL)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", gateway.ErrCredentialsInvalid, err))
		return
	}

	user, err := s.deps.Store.UpsertUserByEmail(r.Context(), email, displayName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if user.Suspended {
		s.writeError(w, r, gateway.ErrPrincipalSuspended)
		return
	}

	pair, err := s.deps.JWT.Mint(&gateway.Principal{
		ID:    user.ID,
		Email: user.Email,
		Tier:  gateway.TierFree,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// fetchUserInfo pulls the provider's userinfo document. Providers disagree
// on field names, so probe the common spellings.
func fetchUserInfo(ctx context.Context, oc *oauth2.Config, token *oauth2.Token, url string) (email, name string, err error) {
	resp, err := oc.Client(ctx, token).Get(url)
	if err != nil {
		return "", "", fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("userinfo status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, userInfoSize))
	if err != nil {
		return "", "", fmt.Errorf("read userinfo: %w", err)
	}

	doc := string(body)
	email = gjson.Get(doc, "email").String()
	if email == "" {
		return "", "", fmt.Errorf("userinfo carries no email")
	}
	for _, field := range []string{"name", "login", "preferred_username"} {
		if name = gjson.Get(doc, field).String(); name != "" {
			break
		}
	}
	return email, name, nil
}
