// Package phone canonicalizes raw contact identifiers into comparable phone keys.
package phone

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// messengerSuffixes are JID/handle suffixes appended by messaging gateways.
var messengerSuffixes = []string{
	"@s.whatsapp.net",
	"@whatsapp.net",
	"@c.us",
	"@g.us",
	"@lid",
	"@telegram",
}

// Normalize converts a raw identifier into a digits-only phone key.
// Messenger suffixes are stripped, every non-digit is removed, and an
// 11-digit national number starting with 8 is rewritten to start with 7.
// It returns false when nothing usable remains.
func Normalize(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	lower := strings.ToLower(s)
	for _, suffix := range messengerSuffixes {
		if strings.HasSuffix(lower, suffix) {
			s = s[:len(s)-len(suffix)]
			break
		}
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return "", false
	}

	if len(digits) == 11 && digits[0] == '8' {
		digits = "7" + digits[1:]
	}

	if _, err := phonenumbers.Parse("+"+digits, ""); err != nil {
		return "", false
	}
	return digits, true
}

// E164 formats a normalized key for display. Keys that do not parse are
// returned with a bare "+" prefix.
func E164(key string) string {
	if key == "" {
		return ""
	}
	num, err := phonenumbers.Parse("+"+key, "")
	if err != nil {
		return "+" + key
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

// Mask hides all but the last four digits of a key, for logs.
func Mask(key string) string {
	if len(key) <= 4 {
		return key
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}
