package harvest

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"slices"
	"strings"
	"unicode"
)

var priceNumber = regexp.MustCompile(`\d[\d\s\x{00A0}.,]*`)

// NormalizeText collapses runs of whitespace and trims the result.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizePrice reduces a price to its numeric value so that "1,500.00",
// "1500" and "1 500 kr" compare equal. A price without any digits is
// compared as lowercased text.
func NormalizePrice(s string) string {
	m := priceNumber.FindString(s)
	if m == "" {
		return strings.ToLower(NormalizeText(s))
	}
	m = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, m)
	m = strings.TrimRight(m, ".,")

	intPart, fracPart := m, ""
	if i := strings.LastIndexAny(m, ".,"); i >= 0 && len(m)-i-1 <= 2 {
		intPart, fracPart = m[:i], m[i+1:]
	}
	intPart = strings.Map(func(r rune) rune {
		if r == '.' || r == ',' {
			return -1
		}
		return r
	}, intPart)
	intPart = strings.TrimLeft(intPart, "0")
	if intPart == "" {
		intPart = "0"
	}
	fracPart = strings.TrimRight(fracPart, "0")
	if fracPart == "" {
		return intPart
	}
	return intPart + "." + fracPart
}

func normalizedField(r *DetailRecord, name string) string {
	if name == FieldPrice {
		return NormalizePrice(r.Field(name))
	}
	return NormalizeText(r.Field(name))
}

func normalizedMedia(r *DetailRecord) []string {
	out := make([]string, 0, len(r.MediaURLs))
	for _, u := range r.MediaURLs {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// Fingerprint returns the hex SHA-256 of the record's normalized
// comparison fields and media list.
func Fingerprint(r *DetailRecord) string {
	h := sha256.New()
	for _, name := range ComparisonFields {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(normalizedField(r, name)))
		h.Write([]byte{0})
	}
	h.Write([]byte("media"))
	for _, u := range normalizedMedia(r) {
		h.Write([]byte{0})
		h.Write([]byte(u))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SameContent reports whether a and b agree on every comparison field and
// on the ordered media list.
func SameContent(a, b *DetailRecord) bool {
	for _, name := range ComparisonFields {
		if normalizedField(a, name) != normalizedField(b, name) {
			return false
		}
	}
	return slices.Equal(normalizedMedia(a), normalizedMedia(b))
}
