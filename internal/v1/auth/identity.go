package auth

import (
	"strings"

	"github.com/google/uuid"
)

// AnonymousUserID builds the identity assigned when auth is disabled or
// anonymous connections are allowed: the configured prefix plus eight hex
// characters.
func AnonymousUserID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// TokenUserID derives the identity for the token admission method from
// the raw token. The token itself is not validated anywhere; this method
// is a placeholder until a real verifier exists behind it.
func TokenUserID(token string) string {
	if len(token) > 8 {
		token = token[:8]
	}
	return "user_" + token
}
