package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"plain", "example.com", "example.com", nil},
		{"trailing dot", "example.com.", "example.com", nil},
		{"uppercase", "Ads.Example.COM", "ads.example.com", nil},
		{"single label", "localhost", "localhost", nil},
		{"non-ascii kept", "пример.рф", "пример.рф", nil},
		{"empty", "", "", ErrEmpty},
		{"only dot", ".", "", ErrEmpty},
		{"leading dot", ".example.com", "", ErrEmptyLabel},
		{"double dot", "a..b", "", ErrEmptyLabel},
		{"two trailing dots", "example.com..", "", ErrEmptyLabel},
		{"only two dots", "..", "", ErrEmptyLabel},
		{"space", "exam ple.com", "", ErrInvalidByte},
		{"nul", "a\x00b", "", ErrInvalidByte},
		{"max length", strings.Repeat("a", MaxLen), strings.Repeat("a", MaxLen), nil},
		{"too long", strings.Repeat("a", MaxLen+1), "", ErrTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReverse(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"com", "com"},
		{"example.com", "com.example"},
		{"a.b.c", "c.b.a"},
		{"ads.tracker.example.co.uk", "uk.co.example.tracker.ads"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, Reverse(tt.input))
			assert.Equal(t, tt.input, Reverse(Reverse(tt.input)))
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantDomain   string
		wantReversed string
		wantWildcard bool
		wantErr      bool
	}{
		{"exact", "ads.example.com", "ads.example.com", "com.example.ads", false, false},
		{"wildcard", "*.example.com", "example.com", "com.example", true, false},
		{"wildcard uppercase", "*.Example.COM.", "example.com", "com.example", true, false},
		{"padded", "  tracker.net\t", "tracker.net", "net.tracker", false, false},
		{"empty wildcard", "*.", "", "", false, true},
		{"bare star", "*", "*", "*", false, false},
		{"empty", "", "", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.input)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantDomain, p.Domain)
			assert.Equal(t, tt.wantReversed, p.Reversed)
			assert.Equal(t, tt.wantWildcard, p.Wildcard)
			assert.Equal(t, tt.input, p.Raw)
		})
	}
}

func TestPatternString(t *testing.T) {
	p, err := Parse("*.example.com")
	require.NoError(t, err)
	assert.Equal(t, "*.example.com", p.String())

	p, err = Parse("example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com", p.String())
}
