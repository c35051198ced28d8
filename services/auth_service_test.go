package services

import (
	"testing"

	"cityflow/forecaster/config"

	"golang.org/x/crypto/bcrypt"
)

func newTestAuthService(t *testing.T) *AuthService {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt failed: %v", err)
	}
	return NewAuthService(config.AuthConfig{
		JWTSecret:    "test-secret-key",
		ExpiryHours:  24,
		OperatorUser: "operator",
		OperatorHash: string(hash),
	})
}

func TestHashAndCheckPassword(t *testing.T) {
	svc := newTestAuthService(t)

	hash, err := svc.HashPassword("mypassword123")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if hash == "" || hash == "mypassword123" {
		t.Fatal("hash should be non-empty and differ from plaintext")
	}
	if !svc.CheckPassword(hash, "mypassword123") {
		t.Error("CheckPassword should return true for correct password")
	}
	if svc.CheckPassword(hash, "wrongpassword") {
		t.Error("CheckPassword should return false for wrong password")
	}
}

func TestLogin(t *testing.T) {
	svc := newTestAuthService(t)

	token, err := svc.Login("operator", "s3cret")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.User != "operator" || claims.Role != "operator" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		t.Error("ExpiresAt and IssuedAt should be set")
	}
}

func TestLoginRejected(t *testing.T) {
	svc := newTestAuthService(t)

	cases := []struct{ user, password string }{
		{"operator", "wrong"},
		{"admin", "s3cret"},
		{"", ""},
	}
	for _, c := range cases {
		if _, err := svc.Login(c.user, c.password); err != ErrInvalidCredentials {
			t.Errorf("Login(%q, %q) err = %v, want ErrInvalidCredentials", c.user, c.password, err)
		}
	}
}

func TestLoginWithoutHashConfigured(t *testing.T) {
	svc := NewAuthService(config.AuthConfig{JWTSecret: "x", ExpiryHours: 1, OperatorUser: "operator"})
	if _, err := svc.Login("operator", ""); err != ErrInvalidCredentials {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestValidateTokenInvalid(t *testing.T) {
	svc := newTestAuthService(t)

	if _, err := svc.ValidateToken("invalid.token.string"); err == nil {
		t.Error("expected error for invalid token")
	}
}

func TestValidateTokenWrongSecret(t *testing.T) {
	svc1 := NewAuthService(config.AuthConfig{JWTSecret: "secret-1", ExpiryHours: 24})
	svc2 := NewAuthService(config.AuthConfig{JWTSecret: "secret-2", ExpiryHours: 24})

	token, _ := svc1.GenerateToken("operator", "operator")
	if _, err := svc2.ValidateToken(token); err == nil {
		t.Error("expected error when validating with wrong secret")
	}
}

func TestEnabled(t *testing.T) {
	if NewAuthService(config.AuthConfig{}).Enabled() {
		t.Error("service without secret should be disabled")
	}
	if !newTestAuthService(t).Enabled() {
		t.Error("service with secret should be enabled")
	}
}
