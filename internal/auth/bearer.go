package auth

import (
	"net/http"
	"strings"
)

const bearerPrefix = "bearer "

// ValidateRequest extracts the bearer token from the Authorization header and validates it.
func (i *TokenIssuer) ValidateRequest(r *http.Request) (Claims, error) {
	if r == nil {
		return Claims{}, ErrMissingToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return Claims{}, ErrMissingToken
	}
	return i.ValidateToken(header[len(bearerPrefix):])
}
