// Package domain contains the label codec shared by the filter index and the
// extractors: normalization, the reversed-label form, and blocklist pattern
// parsing.
package domain

import (
	"fmt"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
)

// MaxLen is the longest domain name accepted anywhere in tunfilter, in bytes.
// Longer names are rejected, never truncated.
const MaxLen = 255

const (
	// ErrEmpty is returned for empty names and empty wildcard patterns.
	ErrEmpty errors.Error = "empty domain"

	// ErrTooLong is returned for names longer than [MaxLen].
	ErrTooLong errors.Error = "domain too long"

	// ErrEmptyLabel is returned for names with consecutive or leading dots.
	ErrEmptyLabel errors.Error = "empty label"

	// ErrInvalidByte is returned for names containing control bytes or
	// whitespace.
	ErrInvalidByte errors.Error = "invalid byte"
)

// Pattern is a parsed blocklist entry.
type Pattern struct {
	Raw      string // original string as provided
	Domain   string // normalized, network order: "ads.example.com"
	Reversed string // labels in reverse order: "com.example.ads"
	Wildcard bool   // pattern was "*.<domain>"
}

// String returns the pattern in its blocklist form.
func (p Pattern) String() string {
	if p.Wildcard {
		return "*." + p.Domain
	}

	return p.Domain
}

// Parse classifies and normalizes a single blocklist pattern.  A leading "*."
// marks the pattern as a wildcard covering strict subdomains only.
func Parse(raw string) (p Pattern, err error) {
	s := strings.TrimSpace(raw)

	wildcard := strings.HasPrefix(s, "*.")
	if wildcard {
		s = s[2:]
	}

	d, err := Normalize(s)
	if err != nil {
		return Pattern{}, fmt.Errorf("pattern %q: %w", raw, err)
	}

	return Pattern{
		Raw:      raw,
		Domain:   d,
		Reversed: Reverse(d),
		Wildcard: wildcard,
	}, nil
}

// Normalize strips a single trailing dot, lower-cases ASCII letters, and
// validates the result.  Bytes above 0x7f are kept as is so that non-ASCII
// labels survive.
func Normalize(s string) (d string, err error) {
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return "", ErrEmpty
	} else if len(s) > MaxLen {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLong, len(s))
	}

	var lowered []byte
	labelStart := true
	for i := range len(s) {
		c := s[i]
		switch {
		case c == '.':
			if labelStart {
				return "", fmt.Errorf("%w at offset %d", ErrEmptyLabel, i)
			}

			labelStart = true

			continue
		case c <= ' ' || c == 0x7f:
			return "", fmt.Errorf("%w %#02x at offset %d", ErrInvalidByte, c, i)
		case 'A' <= c && c <= 'Z':
			if lowered == nil {
				lowered = []byte(s)
			}

			lowered[i] = c + ('a' - 'A')
		}

		labelStart = false
	}

	if labelStart {
		return "", fmt.Errorf("%w at offset %d", ErrEmptyLabel, len(s))
	}

	if lowered != nil {
		return string(lowered), nil
	}

	return s, nil
}

// Reverse returns d with its labels in reverse order, so that "a.b.c" becomes
// "c.b.a".  Label bytes are not touched.
func Reverse(d string) (rev string) {
	if d == "" {
		return ""
	}

	var sb strings.Builder
	sb.Grow(len(d))

	end := len(d)
	for i := len(d) - 1; i >= 0; i-- {
		if d[i] == '.' {
			sb.WriteString(d[i+1 : end])
			sb.WriteByte('.')
			end = i
		}
	}
	sb.WriteString(d[:end])

	return sb.String()
}
