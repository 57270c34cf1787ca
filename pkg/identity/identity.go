package identity

import (
	"errors"
	"strings"
)

// ErrNotResolvable is returned for addresses that cannot be reduced to
// a stable conversation key. Callers drop the event and log.
var ErrNotResolvable = errors.New("identity: address not resolvable")

const (
	userPrefix  = "user:"
	groupPrefix = "group:"
)

// Identity is the canonical form of a channel address. Normalized is
// the only value used for equality comparisons and storage keys.
type Identity struct {
	Raw        string
	Normalized string
	IsGroup    bool
}

// Normalize canonicalizes a raw channel address. It is pure and
// idempotent: feeding a normalized key back in returns the same key.
// Group and individual addresses land in disjoint namespaces
// ("group:" vs "user:") so they can never be conflated.
func Normalize(raw string) (Identity, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Identity{}, ErrNotResolvable
	}

	// Already canonical.
	if strings.HasPrefix(trimmed, userPrefix) {
		key := sanitizeUser(strings.TrimPrefix(trimmed, userPrefix))
		if key == "" {
			return Identity{}, ErrNotResolvable
		}
		return Identity{Raw: raw, Normalized: userPrefix + key, IsGroup: false}, nil
	}
	if strings.HasPrefix(trimmed, groupPrefix) {
		key := sanitizeGroup(strings.TrimPrefix(trimmed, groupPrefix))
		if key == "" {
			return Identity{}, ErrNotResolvable
		}
		return Identity{Raw: raw, Normalized: groupPrefix + key, IsGroup: true}, nil
	}

	lower := strings.ToLower(trimmed)

	// Channel-specific suffixes ("237691234567@s.whatsapp.net",
	// "1234-5678@g.us") carry the group marker; the local part is the
	// address proper.
	local := lower
	suffix := ""
	if at := strings.Index(lower, "@"); at >= 0 {
		local = lower[:at]
		suffix = lower[at+1:]
	}

	// A dash in the local part marks a group only on suffixed
	// addresses; bare dashed numbers are just formatting noise.
	group := strings.Contains(suffix, "g.us") ||
		(suffix != "" && strings.Contains(local, "-"))

	if group {
		key := sanitizeGroup(local)
		if key == "" {
			return Identity{}, ErrNotResolvable
		}
		return Identity{Raw: raw, Normalized: groupPrefix + key, IsGroup: true}, nil
	}

	key := sanitizeUser(local)
	if key == "" {
		return Identity{}, ErrNotResolvable
	}
	return Identity{Raw: raw, Normalized: userPrefix + key, IsGroup: false}, nil
}

// MustNormalize is a test helper for addresses known to be valid.
func MustNormalize(raw string) Identity {
	id, err := Normalize(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// IsGroupKey reports whether a normalized key is in the group namespace.
func IsGroupKey(normalized string) bool {
	return strings.HasPrefix(normalized, groupPrefix)
}

// sanitizeUser keeps digits, letters, '.' and '_', dropping formatting
// noise ("+", spaces, dashes, parentheses) and any leading "00"
// international prefixes on all-digit addresses. The prefix strip runs
// to a fixed point so re-normalizing a key cannot change it.
func sanitizeUser(s string) string {
	out := keepRunes(s, false)
	if isAllDigits(out) {
		for strings.HasPrefix(out, "00") {
			out = out[2:]
		}
	}
	return out
}

// sanitizeGroup additionally keeps '-', which is significant inside
// group identifiers.
func sanitizeGroup(s string) string {
	return keepRunes(s, true)
}

func keepRunes(s string, keepDash bool) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r == '_', r == '.':
			b.WriteRune(r)
		case r == '-' && keepDash:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
