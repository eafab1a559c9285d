package auth

import (
	"crypto/rsa"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	gateway "github.com/autogram-ai/autogram/internal"
	"github.com/autogram-ai/autogram/internal/config"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Claims is the JWT claim set minted for browser and OAuth sessions.
type Claims struct {
	jwt.RegisteredClaims
	Email       string   `json:"email,omitempty"`
	Tier        string   `json:"tier"`
	Permissions []string `json:"perms,omitempty"`
	TokenUse    string   `json:"token_use"` // "access" or "refresh"
}

// TokenPair is the result of minting a session.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"` // access token lifetime in seconds
}

// JWTAuth mints and verifies bearer tokens. Production deployments use
// RS256 with key files; HS256 with a dev secret is for local development
// and is rejected by config validation in production.
type JWTAuth struct {
	issuer     string
	audience   string
	method     jwt.SigningMethod
	signKey    any
	verifyKey  any
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewJWTAuth builds a JWTAuth from config, loading RSA keys when the
// algorithm is RS256.
func NewJWTAuth(cfg config.JWTConfig) (*JWTAuth, error) {
	a := &JWTAuth{
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}
	if a.accessTTL == 0 {
		a.accessTTL = defaultAccessTTL
	}
	if a.refreshTTL == 0 {
		a.refreshTTL = defaultRefreshTTL
	}

	switch cfg.Algorithm {
	case "RS256", "":
		priv, pub, err := loadRSAKeys(cfg.PrivateKeyFile, cfg.PublicKeyFile)
		if err != nil {
			return nil, err
		}
		a.method = jwt.SigningMethodRS256
		a.signKey = priv
		a.verifyKey = pub
	case "HS256":
		if cfg.DevSecret == "" {
			return nil, fmt.Errorf("jwt: HS256 requires dev_secret")
		}
		a.method = jwt.SigningMethodHS256
		a.signKey = []byte(cfg.DevSecret)
		a.verifyKey = []byte(cfg.DevSecret)
	default:
		return nil, fmt.Errorf("jwt: unsupported algorithm %q", cfg.Algorithm)
	}
	return a, nil
}

func loadRSAKeys(privFile, pubFile string) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	if pubFile == "" {
		return nil, nil, fmt.Errorf("jwt: RS256 requires public_key_file")
	}
	pubPEM, err := os.ReadFile(pubFile)
	if err != nil {
		return nil, nil, fmt.Errorf("jwt: read public key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("jwt: parse public key: %w", err)
	}

	// The private key is optional: verify-only deployments never mint.
	var priv *rsa.PrivateKey
	if privFile != "" {
		privPEM, err := os.ReadFile(privFile)
		if err != nil {
			return nil, nil, fmt.Errorf("jwt: read private key: %w", err)
		}
		priv, err = jwt.ParseRSAPrivateKeyFromPEM(privPEM)
		if err != nil {
			return nil, nil, fmt.Errorf("jwt: parse private key: %w", err)
		}
	}
	return priv, pub, nil
}

// Mint issues an access/refresh token pair for the principal.
func (a *JWTAuth) Mint(p *gateway.Principal) (*TokenPair, error) {
	if a.signKey == nil {
		return nil, fmt.Errorf("jwt: no signing key configured")
	}
	access, err := a.sign(p, "access", a.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := a.sign(p, "refresh", a.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(a.accessTTL.Seconds()),
	}, nil
}

func (a *JWTAuth) sign(p *gateway.Principal, use string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Audience:  jwt.ClaimStrings{a.audience},
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Email:       p.Email,
		Tier:        string(p.Tier),
		Permissions: p.Permissions,
		TokenUse:    use,
	}
	tok, err := jwt.NewWithClaims(a.method, claims).SignedString(a.signKey)
	if err != nil {
		return "", fmt.Errorf("jwt: sign: %w", err)
	}
	return tok, nil
}

// Verify validates an access token and returns the embedded principal.
// Unknown tiers fail closed rather than defaulting to any tier.
func (a *JWTAuth) Verify(tokenString string) (*gateway.Principal, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != a.method.Alg() {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return a.verifyKey, nil
		},
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if claims.ExpiresAt != nil && claims.ExpiresAt.Before(a.now()) {
			return nil, gateway.ErrCredentialsExpired
		}
		return nil, gateway.ErrCredentialsInvalid
	}
	if claims.TokenUse != "access" {
		return nil, gateway.ErrCredentialsInvalid
	}

	tier, err := gateway.ParseTier(claims.Tier)
	if err != nil {
		return nil, gateway.ErrCredentialsInvalid
	}
	return &gateway.Principal{
		ID:          claims.Subject,
		Email:       claims.Email,
		Tier:        tier,
		Permissions: claims.Permissions,
	}, nil
}

// Refresh validates a refresh token and mints a new pair.
func (a *JWTAuth) Refresh(refreshToken string) (*TokenPair, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(refreshToken, &claims,
		func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != a.method.Alg() {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return a.verifyKey, nil
		},
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || claims.TokenUse != "refresh" {
		return nil, gateway.ErrCredentialsInvalid
	}
	tier, err := gateway.ParseTier(claims.Tier)
	if err != nil {
		return nil, gateway.ErrCredentialsInvalid
	}
	return a.Mint(&gateway.Principal{
		ID:          claims.Subject,
		Email:       claims.Email,
		Tier:        tier,
		Permissions: claims.Permissions,
	})
}
