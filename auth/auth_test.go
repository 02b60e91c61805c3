package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims(sub string) Claims {
	return Claims{
		Username: "Alice",
		Role:     "editor",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

type denyAll struct{}

func (denyAll) Check(ctx context.Context, userID, documentID, action string) (bool, error) {
	return false, nil
}

func TestAuthenticate_Valid(t *testing.T) {
	a := New(testSecret, nil)
	token := signToken(t, validClaims("u1"))

	sess, err := a.Authenticate(context.Background(), token, "doc-1")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if sess.UserID != "u1" {
		t.Errorf("userID = %q, want u1", sess.UserID)
	}
	if sess.Username != "Alice" {
		t.Errorf("username = %q, want Alice", sess.Username)
	}
	if sess.Role != "editor" {
		t.Errorf("role = %q, want editor", sess.Role)
	}
}

func TestAuthenticate_MissingToken(t *testing.T) {
	a := New(testSecret, nil)
	_, err := a.Authenticate(context.Background(), "", "doc-1")
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestAuthenticate_BadSignature(t *testing.T) {
	other := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims("u1"))
	token, _ := other.SignedString([]byte("wrong-secret"))

	a := New(testSecret, nil)
	_, err := a.Authenticate(context.Background(), token, "doc-1")
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestAuthenticate_Expired(t *testing.T) {
	claims := validClaims("u1")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	token := signToken(t, claims)

	a := New(testSecret, nil)
	_, err := a.Authenticate(context.Background(), token, "doc-1")
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestAuthenticate_MissingSubject(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := signToken(t, claims)

	a := New(testSecret, nil)
	_, err := a.Authenticate(context.Background(), token, "doc-1")
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestAuthenticate_PermissionDenied(t *testing.T) {
	a := New(testSecret, denyAll{})
	token := signToken(t, validClaims("u1"))

	_, err := a.Authenticate(context.Background(), token, "doc-1")
	if !errors.Is(err, ErrAuthorizationDenied) {
		t.Fatalf("expected ErrAuthorizationDenied, got %v", err)
	}
}

func TestAuthenticate_UsernameFallsBackToSubject(t *testing.T) {
	claims := validClaims("u2")
	claims.Username = ""
	token := signToken(t, claims)

	a := New(testSecret, nil)
	sess, err := a.Authenticate(context.Background(), token, "doc-1")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if sess.Username != "u2" {
		t.Errorf("username = %q, want u2", sess.Username)
	}
}
