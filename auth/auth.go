// Package auth defines the pre-flight authorization hook consumed by the
// HTTP transports. Policy decisions live behind the Authenticator interface;
// the transports only care whether a request may proceed.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized signals that the request presented missing or invalid
// credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator is the pre-flight hook run before any session or protocol
// work happens for an HTTP request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) error
}

// AllowAll returns an authenticator that admits every request. It is the
// default for deployments that terminate auth upstream or bind to localhost.
func AllowAll() Authenticator { return allowAll{} }

type allowAll struct{}

func (allowAll) Authenticate(ctx context.Context, r *http.Request) error { return nil }

// BearerConfig controls validation of HS256-signed bearer tokens.
type BearerConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
}

type bearerAuthenticator struct {
	cfg BearerConfig
}

// NewBearer builds an authenticator that validates an HS256 JWT from the
// Authorization header against a shared secret.
func NewBearer(cfg BearerConfig) (Authenticator, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("bearer secret is required")
	}
	return &bearerAuthenticator{cfg: cfg}, nil
}

func (a *bearerAuthenticator) Authenticate(ctx context.Context, r *http.Request) error {
	header := r.Header.Get("Authorization")
	if header == "" {
		return fmt.Errorf("%w: missing authorization header", ErrUnauthorized)
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) || len(header) <= len(prefix) {
		return fmt.Errorf("%w: malformed bearer header", ErrUnauthorized)
	}
	raw := strings.TrimSpace(header[len(prefix):])

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}

	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return a.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !tok.Valid {
		return fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	return nil
}
