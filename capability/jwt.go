package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken indicates the token in the context failed verification.
var ErrInvalidToken = errors.New("capability: invalid token")

type tokenKey struct{}

// WithToken attaches a bearer token to ctx for JWTChecker.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFrom returns the token attached with WithToken.
func TokenFrom(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(tokenKey{}).(string)
	return tok, ok && tok != ""
}

// JWTConfig controls token validation.
type JWTConfig struct {
	Issuer      string
	Audience    string
	AllowedAlgs []string
	Leeway      time.Duration
	// Claim holds the granted patterns, either as a JSON array or a
	// space-separated string. Defaults to "caps".
	Claim string
}

func (c JWTConfig) withDefaults(algs ...string) JWTConfig {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = algs
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
	if c.Claim == "" {
		c.Claim = "caps"
	}
	return c
}

// JWTChecker grants the capabilities listed in a verified token's claim.
// Calls without a token, or with an invalid one, are denied.
type JWTChecker struct {
	cfg     JWTConfig
	parser  *jwt.Parser
	keyfunc jwt.Keyfunc
	log     *slog.Logger
}

var _ Checker = (*JWTChecker)(nil)

func newJWTChecker(cfg JWTConfig, kf jwt.Keyfunc) *JWTChecker {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &JWTChecker{
		cfg:    cfg,
		parser: jwt.NewParser(opts...),
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(cfg.AllowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf(t)
		},
		log: slog.Default(),
	}
}

// NewHMACChecker validates tokens signed with a shared secret (HS256 by
// default).
func NewHMACChecker(secret []byte, cfg JWTConfig) (*JWTChecker, error) {
	if len(secret) == 0 {
		return nil, errors.New("capability: hmac secret is required")
	}
	cfg = cfg.withDefaults("HS256")
	return newJWTChecker(cfg, func(*jwt.Token) (any, error) { return secret, nil }), nil
}

// NewJWKSChecker validates tokens against an auto-refreshing JWKS endpoint
// (RS256 by default).
func NewJWKSChecker(ctx context.Context, jwksURI string, cfg JWTConfig) (*JWTChecker, error) {
	if jwksURI == "" {
		return nil, errors.New("capability: jwks uri is required")
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	cfg = cfg.withDefaults("RS256")
	return newJWTChecker(cfg, kf.Keyfunc), nil
}

// NewDiscoveryChecker learns the JWKS endpoint from the issuer's OpenID
// discovery document.
func NewDiscoveryChecker(ctx context.Context, cfg JWTConfig) (*JWTChecker, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("capability: issuer is required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return NewJWKSChecker(ctx, meta.JwksURI, cfg)
}

// Grants verifies token and returns the patterns it grants.
func (c *JWTChecker) Grants(token string) (*StaticSet, error) {
	parsed, err := c.parser.Parse(token, c.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}
	var patterns []string
	switch v := claims[c.cfg.Claim].(type) {
	case string:
		patterns = strings.Fields(v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				patterns = append(patterns, s)
			}
		}
	}
	return NewStaticSet(patterns...), nil
}

func (c *JWTChecker) HasCapability(ctx context.Context, name string) bool {
	tok, ok := TokenFrom(ctx)
	if !ok {
		return false
	}
	set, err := c.Grants(tok)
	if err != nil {
		c.log.WarnContext(ctx, "capability.token.invalid", slog.String("err", err.Error()))
		return false
	}
	return set.HasCapability(ctx, name)
}
