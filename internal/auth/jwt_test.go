package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/filevault/filevault/internal/db/models"
)

const testSecret = "test-jwt-secret-that-is-32-chars-!"

func testIssuer(t *testing.T) *Issuer {
	t.Helper()
	i, err := NewIssuer(testSecret, time.Hour, false)
	if err != nil {
		t.Fatalf("NewIssuer() error: %v", err)
	}
	return i
}

func TestNewIssuer(t *testing.T) {
	t.Run("production mode requires secret", func(t *testing.T) {
		if _, err := NewIssuer("", 0, false); !errors.Is(err, ErrMissingSecret) {
			t.Errorf("NewIssuer() error = %v, want ErrMissingSecret", err)
		}
	})

	t.Run("dev mode generates random secret", func(t *testing.T) {
		i, err := NewIssuer("", 0, true)
		if err != nil {
			t.Fatalf("NewIssuer() unexpected error in dev mode: %v", err)
		}
		if len(i.secret) == 0 {
			t.Error("secret is empty after dev mode init")
		}
		if i.ttl != defaultTokenTTL {
			t.Errorf("ttl = %v, want %v", i.ttl, defaultTokenTTL)
		}
	})

	t.Run("short secret is accepted", func(t *testing.T) {
		if _, err := NewIssuer("short", time.Minute, false); err != nil {
			t.Errorf("NewIssuer() error = %v", err)
		}
	})
}

func TestGenerateAndValidateJWT(t *testing.T) {
	i := testIssuer(t)
	user := &models.User{ID: "user-123", Email: "test@example.com", Role: models.RoleAdmin}

	token, err := i.GenerateJWT(user, 0)
	if err != nil {
		t.Fatalf("GenerateJWT() error: %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Errorf("token %q is not a three-part JWT", token)
	}

	claims, err := i.ValidateJWT(token)
	if err != nil {
		t.Fatalf("ValidateJWT() error: %v", err)
	}
	if claims.UserID != "user-123" || claims.Email != "test@example.com" {
		t.Errorf("claims = %+v", claims)
	}
	if !claims.IsAdmin() {
		t.Error("IsAdmin() = false, want true")
	}
	if claims.Subject != "user-123" || claims.Issuer != issuer {
		t.Errorf("registered claims = %+v", claims.RegisteredClaims)
	}
}

func TestValidateJWT_Rejections(t *testing.T) {
	i := testIssuer(t)
	user := &models.User{ID: "user-1", Role: models.RoleUser}

	t.Run("expired", func(t *testing.T) {
		token, err := i.GenerateJWT(user, -time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := i.ValidateJWT(token); err == nil {
			t.Error("ValidateJWT() accepted an expired token")
		}
	})

	t.Run("other secret", func(t *testing.T) {
		other, _ := NewIssuer("another-secret-that-is-also-32-chars", time.Hour, false)
		token, _ := other.GenerateJWT(user, 0)
		if _, err := i.ValidateJWT(token); err == nil {
			t.Error("ValidateJWT() accepted a token signed with another secret")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := i.ValidateJWT("not.a.token"); err == nil {
			t.Error("ValidateJWT() accepted garbage")
		}
	})

	t.Run("none algorithm", func(t *testing.T) {
		claims := &Claims{UserID: "user-1", RegisteredClaims: jwt.RegisteredClaims{
			Issuer: issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		token, _ := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		if _, err := i.ValidateJWT(token); err == nil {
			t.Error("ValidateJWT() accepted an unsigned token")
		}
	})

	t.Run("missing user id", func(t *testing.T) {
		token, _ := i.GenerateJWT(&models.User{}, 0)
		if _, err := i.ValidateJWT(token); err == nil {
			t.Error("ValidateJWT() accepted a token without a user id")
		}
	})

	t.Run("wrong issuer", func(t *testing.T) {
		claims := &Claims{UserID: "user-1", RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "someone-else", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		if _, err := i.ValidateJWT(token); err == nil {
			t.Error("ValidateJWT() accepted a token from another issuer")
		}
	})
}
