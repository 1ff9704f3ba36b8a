package research

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewhq/crewd/pkg/fault"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases host", "https://Example.COM/Path", "https://example.com/Path"},
		{"drops fragment", "https://example.com/a#section", "https://example.com/a"},
		{"drops default https port", "https://example.com:443/a", "https://example.com/a"},
		{"drops default http port", "http://example.com:80/a", "http://example.com/a"},
		{"strips tracking params", "https://example.com/a?utm_source=x&id=7&fbclid=y", "https://example.com/a?id=7"},
		{"sorts query", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"trims trailing slash", "https://example.com/a/b/", "https://example.com/a/b"},
		{"keeps root slash", "https://example.com/", "https://example.com/"},
		{"trims whitespace", "  https://example.com/a  ", "https://example.com/a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeURLRejects(t *testing.T) {
	for _, in := range []string{"ftp://example.com/a", "not a url at all://", "/relative/path", ""} {
		_, err := NormalizeURL(in)
		assert.Equal(t, fault.BadRequest, fault.KindOf(err), "input %q", in)
	}
}

func TestDomain(t *testing.T) {
	assert.Equal(t, "example.com", Domain("https://example.com/a"))
}
