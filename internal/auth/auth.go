// Package auth provides source authentication for Cycast
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"
)

// Authenticator verifies the shared source secret.
// Only the password portion of the credentials is checked; the username is
// ignored for Icecast compatibility (sources commonly send "source" or
// nothing at all).
type Authenticator struct {
	sourcePassword string
}

// NewAuthenticator creates an authenticator for the configured secret
func NewAuthenticator(sourcePassword string) *Authenticator {
	return &Authenticator{sourcePassword: sourcePassword}
}

// CheckPassword compares a candidate password in constant time
func (a *Authenticator) CheckPassword(password string) bool {
	return subtle.ConstantTimeCompare([]byte(password), []byte(a.sourcePassword)) == 1
}

// CheckBasic validates an Authorization header value of the form
// "Basic base64(user:pass)". Returns false for anything malformed.
func (a *Authenticator) CheckBasic(header string) bool {
	password, ok := ParseBasic(header)
	if !ok {
		return false
	}
	return a.CheckPassword(password)
}

// ParseBasic extracts the password from a Basic auth header value
func ParseBasic(header string) (password string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return "", false
	}

	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", false
	}
	return parts[1], true
}
