package wsapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"driftpursuit/broker/internal/delivery"
)

func TestAllowAllAuthenticatorResolvesIdentity(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws?user=pilot-7&guid=abc123", nil)
	auth := AllowAllAuthenticator{}

	id, err := auth.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	want := delivery.Identity{User: "pilot-7", GUID: "abc123"}
	if id != want {
		t.Fatalf("got %+v want %+v", id, want)
	}
}

func TestAllowAllAuthenticatorRejectsMissingGUID(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws?user=pilot-7", nil)
	auth := AllowAllAuthenticator{}

	if _, err := auth.Authenticate(req); err != ErrMissingGUID {
		t.Fatalf("expected ErrMissingGUID, got %v", err)
	}
}

func TestAllowAllAuthenticatorRejectsMissingUser(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws?guid=abc123", nil)
	auth := AllowAllAuthenticator{}

	if _, err := auth.Authenticate(req); err != ErrMissingUser {
		t.Fatalf("expected ErrMissingUser, got %v", err)
	}
}

func TestHMACAuthenticatorResolvesIdentityFromToken(t *testing.T) {
	authenticator, err := NewHMACAuthenticator("top-secret")
	if err != nil {
		t.Fatalf("NewHMACAuthenticator: %v", err)
	}
	token := makeTestToken(t, "top-secret", "pilot-7", time.Now().Add(time.Minute))

	req := httptest.NewRequest("GET", "/ws?guid=abc123&auth_token="+token, nil)
	id, err := authenticator.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	want := delivery.Identity{User: "pilot-7", GUID: "abc123"}
	if id != want {
		t.Fatalf("got %+v want %+v", id, want)
	}
}

func TestHMACAuthenticatorRejectsMissingGUID(t *testing.T) {
	authenticator, err := NewHMACAuthenticator("top-secret")
	if err != nil {
		t.Fatalf("NewHMACAuthenticator: %v", err)
	}
	token := makeTestToken(t, "top-secret", "pilot-7", time.Now().Add(time.Minute))

	req := httptest.NewRequest("GET", "/ws?auth_token="+token, nil)
	if _, err := authenticator.Authenticate(req); err != ErrMissingGUID {
		t.Fatalf("expected ErrMissingGUID, got %v", err)
	}
}

func TestHMACAuthenticatorRejectsBadSignature(t *testing.T) {
	authenticator, err := NewHMACAuthenticator("top-secret")
	if err != nil {
		t.Fatalf("NewHMACAuthenticator: %v", err)
	}
	token := makeTestToken(t, "wrong-secret", "pilot-7", time.Now().Add(time.Minute))

	req := httptest.NewRequest("GET", "/ws?guid=abc123&auth_token="+token, nil)
	if _, err := authenticator.Authenticate(req); err == nil {
		t.Fatal("expected authentication to fail for a mis-signed token")
	}
}

func makeTestToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := fmt.Sprintf(`{"sub":"%s","exp":%d,"iat":%d}`, subject, expires.Unix(), expires.Add(-time.Minute).Unix())
	encodedPayload := base64.RawURLEncoding.EncodeToString([]byte(payload))
	signingInput := header + "." + encodedPayload
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(signingInput)); err != nil {
		t.Fatalf("mac write: %v", err)
	}
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signingInput + "." + signature
}
