package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// Truncate shortens s to at most max runes, appending an ellipsis when cut.
// Used for denormalized previews (chat last-message summaries).
func Truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max])) + "…"
}
