// Package auth verifies the bearer tokens relay clients present to the
// edge gateway. Tokens are HMAC-signed JWTs carrying a subject, an expiry,
// and a space-separated scope claim.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeSessionRead authorizes session reads and subscriptions.
const ScopeSessionRead = "session:read"

// UnauthorizedError reports a token that failed verification: bad
// signature, malformed, missing subject, or expired.
type UnauthorizedError struct {
	Reason string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Reason)
}

// ForbiddenError reports a verified token lacking a required scope.
type ForbiddenError struct {
	Subject string
	Scope   string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: subject %s lacks scope %s", e.Subject, e.Scope)
}

// Claims is the accepted token payload.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Principal is the verified caller identity handed to gateway operations.
type Principal struct {
	Subject string
	Scopes  []string
}

// HasScope reports whether the principal carries the given scope.
func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Verifier validates bearer tokens against a shared HMAC key.
type Verifier struct {
	key []byte
	now func() time.Time
}

// NewVerifier constructs a verifier. now may be nil for wall-clock time.
func NewVerifier(key []byte, now func() time.Time) (*Verifier, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("hmac key is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{key: key, now: now}, nil
}

// Verify parses and validates a bearer token and returns its principal.
func (v *Verifier) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Principal{}, UnauthorizedError{Reason: "missing token"}
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return Principal{}, UnauthorizedError{Reason: "invalid token"}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Principal{}, UnauthorizedError{Reason: "missing subject"}
	}

	return Principal{
		Subject: claims.Subject,
		Scopes:  strings.Fields(claims.Scope),
	}, nil
}

// Authorize verifies a token and requires one scope on the result.
func (v *Verifier) Authorize(token, scope string) (Principal, error) {
	principal, err := v.Verify(token)
	if err != nil {
		return Principal{}, err
	}
	if !principal.HasScope(scope) {
		return Principal{}, ForbiddenError{Subject: principal.Subject, Scope: scope}
	}
	return principal, nil
}

// Mint issues a signed token. Intended for tests and the local runner.
func Mint(key []byte, subject, scope string, expiresAt time.Time) (string, error) {
	claims := Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
