// Package auth verifies bearer tokens and carries the caller identity
// through request contexts. Production deployments point at a JWKS
// endpoint; dev setups may use an HS256 shared secret instead.
package auth

import (
	"context"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/castellan-ai/castellan/pkg/config"
	"github.com/castellan-ai/castellan/pkg/fault"
)

// Claims is the verified caller identity.
type Claims struct {
	Subject string   `json:"sub"`
	Email   string   `json:"email,omitempty"`
	Roles   []string `json:"roles,omitempty"`
}

// HasRole reports whether the caller carries the given role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type claimsKey struct{}

// WithClaims attaches verified claims to ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFrom returns the verified claims, or nil when the request was
// admitted without authentication.
func ClaimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// Verifier validates a bearer token and extracts the caller identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// New builds the verifier matching the configuration. A JWKS URL wins
// over a shared secret when both are set.
func New(cfg config.AuthConfig) (Verifier, error) {
	switch {
	case cfg.JWKSURL != "":
		return newJWKSVerifier(cfg)
	case cfg.SharedSecret != "":
		return &secretVerifier{cfg: cfg, secret: []byte(cfg.SharedSecret)}, nil
	default:
		return nil, fault.New(fault.ConfigError, "auth enabled but neither jwks_url nor shared_secret is set")
	}
}

// jwksVerifier validates signatures against a cached, auto-refreshed
// key set fetched from the provider.
type jwksVerifier struct {
	cfg   config.AuthConfig
	url   string
	cache *jwk.Cache
}

func newJWKSVerifier(cfg config.AuthConfig) (*jwksVerifier, error) {
	ctx := context.Background()
	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fault.Wrap(fault.ConfigError, err, "registering JWKS url")
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		return nil, fault.Wrap(fault.ConfigError, err, "fetching JWKS from %s", cfg.JWKSURL)
	}
	return &jwksVerifier{cfg: cfg, url: cfg.JWKSURL, cache: cache}, nil
}

func (v *jwksVerifier) Verify(ctx context.Context, token string) (*Claims, error) {
	keyset, err := v.cache.Get(ctx, v.url)
	if err != nil {
		return nil, fault.Wrap(fault.AdmissionError, err, "loading JWKS")
	}
	tok, err := jwt.Parse([]byte(token), append(parseOptions(v.cfg), jwt.WithKeySet(keyset))...)
	if err != nil {
		return nil, fault.Wrap(fault.AdmissionError, err, "invalid token")
	}
	return extract(tok), nil
}

// secretVerifier validates HS256 tokens signed with a shared secret.
type secretVerifier struct {
	cfg    config.AuthConfig
	secret []byte
}

func (v *secretVerifier) Verify(_ context.Context, token string) (*Claims, error) {
	tok, err := jwt.Parse([]byte(token), append(parseOptions(v.cfg), jwt.WithKey(jwa.HS256, v.secret))...)
	if err != nil {
		return nil, fault.Wrap(fault.AdmissionError, err, "invalid token")
	}
	return extract(tok), nil
}

func parseOptions(cfg config.AuthConfig) []jwt.ParseOption {
	opts := []jwt.ParseOption{jwt.WithValidate(true)}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return opts
}

func extract(tok jwt.Token) *Claims {
	c := &Claims{Subject: tok.Subject()}
	if email, ok := tok.Get("email"); ok {
		if s, ok := email.(string); ok {
			c.Email = s
		}
	}
	if role, ok := tok.Get("role"); ok {
		if s, ok := role.(string); ok && s != "" {
			c.Roles = append(c.Roles, s)
		}
	}
	if roles, ok := tok.Get("roles"); ok {
		if list, ok := roles.([]any); ok {
			for _, r := range list {
				if s, ok := r.(string); ok {
					c.Roles = append(c.Roles, s)
				}
			}
		}
	}
	return c
}
