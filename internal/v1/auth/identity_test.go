package auth

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnonymousUserID_Format(t *testing.T) {
	id := AnonymousUserID("anon_")
	assert.Regexp(t, regexp.MustCompile(`^anon_[0-9a-f]{8}$`), id)
}

func TestAnonymousUserID_CustomPrefix(t *testing.T) {
	id := AnonymousUserID("guest-")
	assert.Regexp(t, regexp.MustCompile(`^guest-[0-9a-f]{8}$`), id)
}

func TestAnonymousUserID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := AnonymousUserID("anon_")
		assert.False(t, seen[id], "duplicate anonymous id %s", id)
		seen[id] = true
	}
}

func TestTokenUserID(t *testing.T) {
	assert.Equal(t, "user_abcdefgh", TokenUserID("abcdefgh12345"))
	assert.Equal(t, "user_short", TokenUserID("short"))
	assert.Equal(t, "user_12345678", TokenUserID("12345678"))
}
