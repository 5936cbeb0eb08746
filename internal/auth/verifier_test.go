package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-signing-secret"

func newTestVerifier(t *testing.T, clock func() time.Time) *Verifier {
	t.Helper()
	v, err := NewVerifier(VerifierConfig{
		SigningSecret: []byte(testSecret),
		Issuer:        "eventchat-platform",
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

func mintToken(t *testing.T, secret, issuer, subject, username string, expiresAt time.Time) string {
	t.Helper()
	claims := SessionClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestVerifyTokenRoundTrip(t *testing.T) {
	v := newTestVerifier(t, nil)
	token := mintToken(t, testSecret, "eventchat-platform", "42", "alice", time.Now().Add(time.Hour))

	identity, err := v.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify err: %v", err)
	}
	if identity.UserID != 42 || identity.Username != "alice" {
		t.Fatalf("identity = %+v", identity)
	}
}

func TestVerifyTokenMissing(t *testing.T) {
	v := newTestVerifier(t, nil)
	if _, err := v.VerifyToken("  "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("err = %v, want ErrMissingToken", err)
	}
}

func TestVerifyTokenExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, func() time.Time { return now })
	token := mintToken(t, testSecret, "eventchat-platform", "42", "alice", now.Add(-time.Minute))

	if _, err := v.VerifyToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("err = %v, want ErrExpiredToken", err)
	}
}

func TestVerifyTokenWrongIssuer(t *testing.T) {
	v := newTestVerifier(t, nil)
	token := mintToken(t, testSecret, "someone-else", "42", "alice", time.Now().Add(time.Hour))

	if _, err := v.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyTokenWrongSecret(t *testing.T) {
	v := newTestVerifier(t, nil)
	token := mintToken(t, "other-secret", "eventchat-platform", "42", "alice", time.Now().Add(time.Hour))

	if _, err := v.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyTokenRejectsNonNumericSubject(t *testing.T) {
	v := newTestVerifier(t, nil)

	for _, subject := range []string{"alice", "-3", "0"} {
		token := mintToken(t, testSecret, "eventchat-platform", subject, "alice", time.Now().Add(time.Hour))
		if _, err := v.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("subject %q: err = %v, want ErrInvalidToken", subject, err)
		}
	}
}

func TestVerifyTokenRejectsMissingSubject(t *testing.T) {
	v := newTestVerifier(t, nil)
	token := mintToken(t, testSecret, "eventchat-platform", "", "alice", time.Now().Add(time.Hour))

	if _, err := v.VerifyToken(token); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("err = %v, want ErrMissingSubject", err)
	}
}

func TestVerifyTokenRejectsUnexpectedAlgorithm(t *testing.T) {
	v := newTestVerifier(t, nil)
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, SessionClaims{
		Username: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "42",
			Issuer:  "eventchat-platform",
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}

	if _, err := v.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticateReadsTokenQueryParam(t *testing.T) {
	v := newTestVerifier(t, nil)
	token := mintToken(t, testSecret, "eventchat-platform", "7", "gina", time.Now().Add(time.Hour))

	r := httptest.NewRequest("GET", "/ws/event/conv-1?token="+token, nil)
	identity, err := v.Authenticate(r)
	if err != nil {
		t.Fatalf("authenticate err: %v", err)
	}
	if identity.UserID != 7 || identity.Username != "gina" {
		t.Fatalf("identity = %+v", identity)
	}
}

func TestNewVerifierValidation(t *testing.T) {
	if _, err := NewVerifier(VerifierConfig{Issuer: "x"}); !errors.Is(err, ErrMissingSigningKey) {
		t.Fatalf("err = %v, want ErrMissingSigningKey", err)
	}
	if _, err := NewVerifier(VerifierConfig{SigningSecret: []byte("k"), Issuer: " "}); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("err = %v, want ErrMissingIssuer", err)
	}
}
