package wsapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"driftpursuit/broker/internal/auth"
	"driftpursuit/broker/internal/delivery"
)

// ErrMissingGUID is returned when a request omits the guid the panel
// client is responsible for minting and retaining across reconnects.
var ErrMissingGUID = errors.New("wsapi: missing guid")

// ErrMissingUser is returned when no authenticator resolved a user and
// the request also failed to supply one directly.
var ErrMissingUser = errors.New("wsapi: missing user")

// Authenticator resolves the (user, guid) identity a connecting client
// claims before its Session is looked up. Session-GUID minting is an
// external concern per the core spec's Non-goals; the guid always
// arrives as a request parameter. What differs between implementations
// is how the user half is established.
type Authenticator interface {
	Authenticate(r *http.Request) (delivery.Identity, error)
}

func guidFromRequest(r *http.Request) (string, error) {
	guid := strings.TrimSpace(r.URL.Query().Get("guid"))
	if guid == "" {
		return "", ErrMissingGUID
	}
	return guid, nil
}

// AllowAllAuthenticator trusts the user query parameter outright. It
// exists for local development and integration tests where no shared
// secret has been configured.
type AllowAllAuthenticator struct{}

// Authenticate implements Authenticator.
func (AllowAllAuthenticator) Authenticate(r *http.Request) (delivery.Identity, error) {
	guid, err := guidFromRequest(r)
	if err != nil {
		return delivery.Identity{}, err
	}
	user := strings.TrimSpace(r.URL.Query().Get("user"))
	if user == "" {
		return delivery.Identity{}, ErrMissingUser
	}
	return delivery.Identity{User: user, GUID: guid}, nil
}

// HMACAuthenticator verifies a compact HS256 token naming the user and
// pairs the verified user with the client-supplied guid.
type HMACAuthenticator struct {
	verifier *auth.HMACTokenVerifier
}

// NewHMACAuthenticator constructs an HMACAuthenticator for the given
// shared secret.
func NewHMACAuthenticator(secret string) (*HMACAuthenticator, error) {
	verifier, err := auth.NewHMACTokenVerifier(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &HMACAuthenticator{verifier: verifier}, nil
}

// Authenticate implements Authenticator.
func (a *HMACAuthenticator) Authenticate(r *http.Request) (delivery.Identity, error) {
	if a == nil || a.verifier == nil {
		return delivery.Identity{}, errors.New("wsapi: verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return delivery.Identity{}, errors.New("wsapi: missing auth token")
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return delivery.Identity{}, err
	}
	guid, err := guidFromRequest(r)
	if err != nil {
		return delivery.Identity{}, err
	}
	id := claims.Identity()
	id.GUID = guid
	return id, nil
}
