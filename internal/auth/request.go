// ABOUTME: Extracts the bearer token from a WebSocket upgrade request
// ABOUTME: Browsers cannot set headers on WebSocket handshakes, so ?token= is accepted too

package auth

import (
	"errors"
	"net/http"
	"strings"
)

// ErrMissingToken is returned when a request carries no token at all.
var ErrMissingToken = errors.New("missing token")

// TokenFromRequest returns the token from the "token" query parameter or,
// failing that, from an "Authorization: Bearer" header.
func TokenFromRequest(r *http.Request) (string, error) {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

// extractBearerToken extracts a bearer token from the Authorization header.
func extractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrMissingToken
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
