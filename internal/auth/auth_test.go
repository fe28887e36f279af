package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eldtechnologies/relay/internal/errs"
)

const testSecret = "test-secret-key"

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestVerifyValidToken(t *testing.T) {
	v := NewVerifier(testSecret)

	token := signToken(t, testSecret, Claims{
		UserID:   "user-123",
		Email:    "alice@example.com",
		Username: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	identity, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if identity.ID != "user-123" {
		t.Errorf("identity.ID = %q, want %q", identity.ID, "user-123")
	}
	if identity.Email != "alice@example.com" {
		t.Errorf("identity.Email = %q, want %q", identity.Email, "alice@example.com")
	}
	if identity.Username != "alice" {
		t.Errorf("identity.Username = %q, want %q", identity.Username, "alice")
	}
}

func TestVerifySubjectFallback(t *testing.T) {
	v := NewVerifier(testSecret)

	token := signToken(t, testSecret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-456",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	identity, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if identity.ID != "user-456" {
		t.Errorf("identity.ID = %q, want subject fallback %q", identity.ID, "user-456")
	}
}

func TestVerifyMissingToken(t *testing.T) {
	v := NewVerifier(testSecret)

	if _, err := v.Verify(""); !errors.Is(err, errs.ErrUnauthenticated) {
		t.Errorf("Verify(\"\") error = %v, want ErrUnauthenticated", err)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	v := NewVerifier(testSecret)

	token := signToken(t, testSecret, Claims{
		UserID: "user-123",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})

	if _, err := v.Verify(token); !errors.Is(err, errs.ErrUnauthenticated) {
		t.Errorf("Verify(expired) error = %v, want ErrUnauthenticated", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	v := NewVerifier(testSecret)

	token := signToken(t, "some-other-secret", Claims{
		UserID: "user-123",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	if _, err := v.Verify(token); !errors.Is(err, errs.ErrUnauthenticated) {
		t.Errorf("Verify(wrong secret) error = %v, want ErrUnauthenticated", err)
	}
}

func TestVerifyNoUserID(t *testing.T) {
	v := NewVerifier(testSecret)

	token := signToken(t, testSecret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	if _, err := v.Verify(token); !errors.Is(err, errs.ErrUnauthenticated) {
		t.Errorf("Verify(no user id) error = %v, want ErrUnauthenticated", err)
	}
}

func TestTokenFromRequestQueryPriority(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=from-query", nil)
	r.Header.Set("Authorization", "Bearer from-header")

	if got := TokenFromRequest(r); got != "from-query" {
		t.Errorf("TokenFromRequest() = %q, want query param to win", got)
	}
}

func TestTokenFromRequestHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer from-header")

	if got := TokenFromRequest(r); got != "from-header" {
		t.Errorf("TokenFromRequest() = %q, want %q", got, "from-header")
	}
}

func TestTokenFromRequestAbsent(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)

	if got := TokenFromRequest(r); got != "" {
		t.Errorf("TokenFromRequest() = %q, want empty", got)
	}
}
