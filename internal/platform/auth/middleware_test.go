package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only-0123")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		OrgID: "org-1",
		Name:  "Dr. Rao",
		Roles: []string{RoleClinician},
	}
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, header string) (echo.Context, bool, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	var seen echo.Context
	err := mw(func(c echo.Context) error {
		called = true
		seen = c
		return c.String(http.StatusOK, "ok")
	})(c)
	if seen == nil {
		seen = c
	}
	return seen, called, err
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, called, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "")
	expectStatus(t, err, http.StatusUnauthorized)
	if called {
		t.Error("handler must not run")
	}
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), tt.header)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	token := createTestToken(t, validClaims(), testSigningKey)
	c, called, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected handler to run")
	}
	ctx := c.Request().Context()
	if OrgIDFromContext(ctx) != "org-1" {
		t.Errorf("expected org-1, got %q", OrgIDFromContext(ctx))
	}
	if UserIDFromContext(ctx) != "user-1" {
		t.Errorf("expected user-1, got %q", UserIDFromContext(ctx))
	}
	if UserNameFromContext(ctx) != "Dr. Rao" {
		t.Errorf("unexpected name %q", UserNameFromContext(ctx))
	}
	if PrimaryRole(ctx) != RoleClinician {
		t.Errorf("expected clinician, got %q", PrimaryRole(ctx))
	}
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	token := createTestToken(t, validClaims(), []byte("another-key-another-key-another-key"))
	_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_Expired(t *testing.T) {
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	token := createTestToken(t, claims, testSigningKey)
	_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_MissingOrg(t *testing.T) {
	claims := validClaims()
	claims.OrgID = ""
	token := createTestToken(t, claims, testSigningKey)
	_, _, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_IssuerMismatch(t *testing.T) {
	claims := validClaims()
	claims.Issuer = "https://other.example"
	token := createTestToken(t, claims, testSigningKey)
	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp.example"}
	_, _, err := runMiddleware(t, JWTMiddleware(cfg), "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_JWKS(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "k1",
				"n":   base64.RawURLEncoding.EncodeToString(priv.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(priv.E)).Bytes()),
			}},
		})
	}))
	defer srv.Close()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims())
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	c, called, err := runMiddleware(t, JWTMiddleware(JWTConfig{JWKSURL: srv.URL}), "Bearer "+signed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called || OrgIDFromContext(c.Request().Context()) != "org-1" {
		t.Error("expected authenticated request scoped to org-1")
	}
}

func TestDevAuthMiddleware_DefaultsWithoutHeader(t *testing.T) {
	mw := DevAuthMiddleware(JWTMiddleware(JWTConfig{SigningKey: testSigningKey}))
	c, called, err := runMiddleware(t, mw, "")
	if err != nil || !called {
		t.Fatalf("expected pass-through, err=%v", err)
	}
	ctx := c.Request().Context()
	if OrgIDFromContext(ctx) != "default" {
		t.Errorf("expected default org, got %q", OrgIDFromContext(ctx))
	}
	if !HasRole(RolesFromContext(ctx), RoleStaff) {
		t.Error("dev identity should be admin")
	}
}

func TestDevAuthMiddleware_ValidatesProvidedToken(t *testing.T) {
	mw := DevAuthMiddleware(JWTMiddleware(JWTConfig{SigningKey: testSigningKey}))
	_, called, err := runMiddleware(t, mw, "Bearer not-a-jwt")
	expectStatus(t, err, http.StatusUnauthorized)
	if called {
		t.Error("handler must not run for an invalid token")
	}
}
