package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func fixedNow() time.Time {
	return time.Unix(1_700_000_000, 0)
}

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(testKey, fixedNow)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func mint(t *testing.T, key []byte, subject, scope string, expiresAt time.Time) string {
	t.Helper()
	token, err := Mint(key, subject, scope, expiresAt)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return token
}

func TestVerifyValidToken(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t)
	token := mint(t, testKey, "player-1", "session:read session:write", fixedNow().Add(time.Hour))

	principal, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if principal.Subject != "player-1" {
		t.Fatalf("subject = %q, want player-1", principal.Subject)
	}
	if !principal.HasScope(ScopeSessionRead) || !principal.HasScope("session:write") {
		t.Fatalf("scopes = %v, want both read and write", principal.Scopes)
	}
}

func TestVerifyStripsBearerPrefix(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t)
	token := mint(t, testKey, "player-1", ScopeSessionRead, fixedNow().Add(time.Hour))

	if _, err := v.Verify("Bearer " + token); err != nil {
		t.Fatalf("Verify with prefix: %v", err)
	}
}

func TestVerifyRejections(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t)
	otherKey := []byte("ffffffffffffffffffffffffffffffff")

	cases := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not.a.jwt"},
		{name: "wrong key", token: mint(t, otherKey, "player-1", ScopeSessionRead, fixedNow().Add(time.Hour))},
		{name: "expired", token: mint(t, testKey, "player-1", ScopeSessionRead, fixedNow().Add(-time.Minute))},
		{name: "missing subject", token: mint(t, testKey, "", ScopeSessionRead, fixedNow().Add(time.Hour))},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := v.Verify(tc.token)
			var unauthorized UnauthorizedError
			if !errors.As(err, &unauthorized) {
				t.Fatalf("err = %v, want UnauthorizedError", err)
			}
		})
	}
}

func TestVerifyRejectsUnsignedAlgorithm(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t)
	claims := Claims{
		Scope: ScopeSessionRead,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "player-1",
			ExpiresAt: jwt.NewNumericDate(fixedNow().Add(time.Hour)),
		},
	}
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	_, err = v.Verify(token)
	var unauthorized UnauthorizedError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("err = %v, want UnauthorizedError", err)
	}
}

func TestVerifyRequiresExpiry(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t)
	claims := Claims{
		Scope:            ScopeSessionRead,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "player-1"},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	_, err = v.Verify(token)
	var unauthorized UnauthorizedError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("err = %v, want UnauthorizedError", err)
	}
}

func TestAuthorizeScopeMismatch(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t)
	token := mint(t, testKey, "player-1", "session:write", fixedNow().Add(time.Hour))

	_, err := v.Authorize(token, ScopeSessionRead)
	var forbidden ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("err = %v, want ForbiddenError", err)
	}
	if forbidden.Subject != "player-1" || forbidden.Scope != ScopeSessionRead {
		t.Fatalf("forbidden = %+v", forbidden)
	}
}

func TestAuthorizeSuccess(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t)
	token := mint(t, testKey, "player-1", ScopeSessionRead, fixedNow().Add(time.Hour))

	principal, err := v.Authorize(token, ScopeSessionRead)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if principal.Subject != "player-1" {
		t.Fatalf("subject = %q, want player-1", principal.Subject)
	}
}
