// Package chatid derives the canonical chat identifier for a neighborhood.
// The id is a pure function of the neighborhood name, so two onboardings
// into the same neighborhood always land in the same chat and no registry
// of issued ids is needed.
package chatid

import "strings"

// Prefix namespaces every chat id so they cannot collide with user ids or
// legacy identifiers in shared key spaces.
const Prefix = "chat_"

// legacyIDLength is the length of ids from the previous scheme, which handed
// out random fixed-length hex tokens instead of name-derived slugs.
const legacyIDLength = 24

// Resolve returns the chat id for a neighborhood name. Deterministic and
// total: Resolve(n) == Resolve(n) for any n, and names differing only in
// case or punctuation resolve to the same id.
func Resolve(neighborhood string) string {
	return Prefix + Normalize(neighborhood)
}

// Normalize lower-cases the name, collapses every run of non-alphanumeric
// characters into a single underscore, and strips leading and trailing
// underscores.
func Normalize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	pendingSep := false
	for _, r := range strings.ToLower(name) {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !alnum {
			pendingSep = b.Len() > 0
			continue
		}
		if pendingSep {
			b.WriteByte('_')
			pendingSep = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsLegacyID reports whether id matches the previous identity scheme: a
// fixed-length hexadecimal token with no namespace prefix. Reconciliation
// uses this to find memberships that still point at pre-migration chats.
func IsLegacyID(id string) bool {
	if len(id) != legacyIDLength {
		return false
	}
	for _, r := range id {
		hexDigit := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
		if !hexDigit {
			return false
		}
	}
	return true
}
