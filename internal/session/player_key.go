package session

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// NormalizePlayerKey canonicalizes a display identifier so that two strings
// naming the same player always produce the same key: surrounding whitespace
// is trimmed, letters are case-folded, and anything outside the safe charset
// (letters, digits, '#', '-', '_', '.', inner spaces) is dropped.
func NormalizePlayerKey(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case r == '#' || r == '-' || r == '_' || r == '.' || r == ' ':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// StableSessionID derives the reconnect-stable identifier for a player. It is
// a pure function of the normalized player key, so every reconnect of the
// same player lands on the same id while connection ids keep changing.
func StableSessionID(playerKey string) string {
	sum := sha256.Sum256([]byte("stable:" + playerKey))
	return "ssn-" + hex.EncodeToString(sum[:16])
}
