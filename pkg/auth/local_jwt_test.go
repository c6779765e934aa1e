package auth

import (
	"testing"
	"time"
)

func TestExtractToken(t *testing.T) {
	token, err := ExtractToken("Bearer abc123")
	if err != nil || token != "abc123" {
		t.Errorf("Expected abc123, got %q (%v)", token, err)
	}

	if _, err := ExtractToken(""); err == nil {
		t.Error("Empty header should fail")
	}
	if _, err := ExtractToken("Basic abc"); err == nil {
		t.Error("Non-bearer header should fail")
	}
	if _, err := ExtractToken("Bearer "); err == nil {
		t.Error("Empty token should fail")
	}
}

func TestLocalJWTAuth_TokenRoundtrip(t *testing.T) {
	a, err := NewLocalJWTAuth("test-secret-key", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("NewLocalJWTAuth failed: %v", err)
	}

	access, refresh, err := a.GenerateTokens("admin", "admin")
	if err != nil {
		t.Fatalf("GenerateTokens failed: %v", err)
	}

	user, err := a.VerifyAccessToken(access)
	if err != nil {
		t.Fatalf("VerifyAccessToken failed: %v", err)
	}
	if user.ID != "admin" || user.Role != "admin" {
		t.Errorf("Unexpected user: %+v", user)
	}

	claims, err := a.VerifyRefreshToken(refresh)
	if err != nil {
		t.Fatalf("VerifyRefreshToken failed: %v", err)
	}
	if claims.UserID != "admin" || claims.TokenID == "" {
		t.Errorf("Unexpected refresh claims: %+v", claims)
	}
}

func TestLocalJWTAuth_WrongSecretRejected(t *testing.T) {
	a1, _ := NewLocalJWTAuth("secret-one", time.Minute, time.Hour)
	a2, _ := NewLocalJWTAuth("secret-two", time.Minute, time.Hour)

	access, _, err := a1.GenerateTokens("admin", "admin")
	if err != nil {
		t.Fatalf("GenerateTokens failed: %v", err)
	}

	if _, err := a2.VerifyAccessToken(access); err == nil {
		t.Error("Token signed with a different secret should be rejected")
	}
}

func TestLocalJWTAuth_EmptySecretRejected(t *testing.T) {
	if _, err := NewLocalJWTAuth("", 0, 0); err == nil {
		t.Error("Empty secret should be rejected")
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}

	ok, err := VerifyPassword(hash, "correct horse battery staple")
	if err != nil || !ok {
		t.Errorf("Expected password to verify, got ok=%v err=%v", ok, err)
	}

	ok, err = VerifyPassword(hash, "wrong password")
	if err != nil || ok {
		t.Errorf("Wrong password must not verify, got ok=%v err=%v", ok, err)
	}

	if _, err := VerifyPassword("not-a-hash", "x"); err == nil {
		t.Error("Malformed hash should error")
	}
}
