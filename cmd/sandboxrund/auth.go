package main

import (
	"net/http"
	"strings"
)

// bearerAuthenticator is the minimal Authenticator this daemon ships
// with. The real identity system — WebAuthn registration and login,
// session cookies, whatever a deployment's front door uses — is an
// external collaborator out of scope here; this type exists only to
// give signaling.Endpoint something real to authenticate a WebSocket
// upgrade against. It treats the bearer token itself as the user id, so
// any reverse proxy terminating real auth in front of this daemon can
// swap in a verified-subject header without this package changing.
type bearerAuthenticator struct{}

func (bearerAuthenticator) Authenticate(r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		return "", false
	}
	return token, true
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}
