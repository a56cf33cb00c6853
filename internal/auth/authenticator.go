package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrMissingToken   = errors.New("missing bearer token")
	ErrMalformedToken = errors.New("malformed bearer token")
	ErrInvalidToken   = errors.New("invalid bearer token")
)

// bearerPattern is the RFC 6750 credentials syntax, scheme matched case-insensitively.
var bearerPattern = regexp.MustCompile(`(?i)^bearer (?P<token>[a-z0-9\-._~+/]+=*)$`)

// Principal is the verified identity behind a request.
type Principal struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	Claims    map[string]any
}

// Verifier is the external credential check the gateway delegates to.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}

// Authenticator resolves the bearer credential of a request and verifies it.
// The credential is read from the Authorization header only; tokens passed as
// query parameters are never considered.
type Authenticator struct {
	verifier Verifier
}

func NewAuthenticator(verifier Verifier) *Authenticator {
	return &Authenticator{verifier: verifier}
}

// Authenticate checks the raw Authorization header value.
func (a *Authenticator) Authenticate(ctx context.Context, authorization string) (*Principal, error) {
	token, err := ResolveBearer(authorization)
	if err != nil {
		return nil, err
	}

	principal, err := a.verifier.Verify(ctx, token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return principal, nil
}

// ResolveBearer extracts the token from an Authorization header value. A
// header using another scheme counts as no bearer token at all.
func ResolveBearer(authorization string) (string, error) {
	if authorization == "" {
		return "", ErrMissingToken
	}

	if len(authorization) < len("bearer") || !strings.EqualFold(authorization[:len("bearer")], "bearer") {
		return "", ErrMissingToken
	}

	match := bearerPattern.FindStringSubmatch(authorization)
	if match == nil {
		return "", ErrMalformedToken
	}

	return match[bearerPattern.SubexpIndex("token")], nil
}

// Challenge returns the WWW-Authenticate value for an authentication error.
func Challenge(err error) string {
	switch {
	case errors.Is(err, ErrMalformedToken):
		return `Bearer error="invalid_request", error_description="Bearer token is malformed"`
	case errors.Is(err, ErrInvalidToken):
		return `Bearer error="invalid_token", error_description="The access token is invalid or expired"`
	default:
		return "Bearer"
	}
}

// Reason classifies an authentication error for logs and metrics.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "missing"
	case errors.Is(err, ErrMalformedToken):
		return "malformed"
	case errors.Is(err, ErrInvalidToken):
		return "invalid"
	default:
		return "unknown"
	}
}
