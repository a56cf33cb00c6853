package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const defaultJWKSRefresh = 15 * time.Minute

// JWTVerifier verifies signed JWTs and their registered claims.
type JWTVerifier struct {
	options []jwt.ParseOption
}

type verifierConfig struct {
	issuer    string
	audience  string
	clockSkew time.Duration
	clock     func() time.Time
}

// VerifierOption configures claim validation.
type VerifierOption func(*verifierConfig)

func WithIssuer(issuer string) VerifierOption {
	return func(c *verifierConfig) {
		c.issuer = issuer
	}
}

func WithAudience(audience string) VerifierOption {
	return func(c *verifierConfig) {
		c.audience = audience
	}
}

func WithClockSkew(skew time.Duration) VerifierOption {
	return func(c *verifierConfig) {
		c.clockSkew = skew
	}
}

func WithClock(now func() time.Time) VerifierOption {
	return func(c *verifierConfig) {
		c.clock = now
	}
}

// NewHMACVerifier accepts tokens signed with HS256 and the shared secret.
func NewHMACVerifier(secret []byte, opts ...VerifierOption) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("hmac secret is empty")
	}

	return newJWTVerifier(jwt.WithKey(jwa.HS256, secret), opts), nil
}

// NewJWKSVerifier accepts tokens signed by any key published at jwksURL. The
// key set is fetched once before returning and refreshed in the background
// until ctx is cancelled.
func NewJWKSVerifier(ctx context.Context, jwksURL string, refresh time.Duration, opts ...VerifierOption) (*JWTVerifier, error) {
	if refresh <= 0 {
		refresh = defaultJWKSRefresh
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(refresh)); err != nil {
		return nil, fmt.Errorf("register jwks %s: %w", jwksURL, err)
	}

	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("fetch jwks %s: %w", jwksURL, err)
	}

	keySet := jwk.NewCachedSet(cache, jwksURL)
	return newJWTVerifier(jwt.WithKeySet(keySet, jws.WithInferAlgorithmFromKey(true)), opts), nil
}

// NewKeySetVerifier accepts tokens signed by any key in keySet.
func NewKeySetVerifier(keySet jwk.Set, opts ...VerifierOption) (*JWTVerifier, error) {
	if keySet == nil || keySet.Len() == 0 {
		return nil, errors.New("key set is empty")
	}

	return newJWTVerifier(jwt.WithKeySet(keySet, jws.WithInferAlgorithmFromKey(true)), opts), nil
}

func newJWTVerifier(key jwt.ParseOption, opts []VerifierOption) *JWTVerifier {
	cfg := &verifierConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	options := []jwt.ParseOption{
		key,
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(cfg.clockSkew),
	}
	if cfg.issuer != "" {
		options = append(options, jwt.WithIssuer(cfg.issuer))
	}
	if cfg.audience != "" {
		options = append(options, jwt.WithAudience(cfg.audience))
	}
	if cfg.clock != nil {
		options = append(options, jwt.WithClock(jwt.ClockFunc(cfg.clock)))
	}

	return &JWTVerifier{options: options}
}

// Verify checks the signature, expiry and configured claims of token.
func (v *JWTVerifier) Verify(_ context.Context, token string) (*Principal, error) {
	parsed, err := jwt.ParseString(token, v.options...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return &Principal{
		Subject:   parsed.Subject(),
		Issuer:    parsed.Issuer(),
		Audience:  parsed.Audience(),
		ExpiresAt: parsed.Expiration(),
		Claims:    parsed.PrivateClaims(),
	}, nil
}
