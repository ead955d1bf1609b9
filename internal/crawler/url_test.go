package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "http://a.com/x", "http://a.com/x"},
		{"www and fragment", "http://www.a.com/x#frag", "http://a.com/x"},
		{"case and default http port", "HTTP://Example.COM:80/Path/", "http://example.com/Path"},
		{"default https port, empty path", "https://example.com:443", "https://example.com/"},
		{"non-default port kept", "https://example.com:8443/a", "https://example.com:8443/a"},
		{"https port on http kept", "http://example.com:443/a", "http://example.com:443/a"},
		{"query sorted", "https://e.com/p?b=2&a=1", "https://e.com/p?a=1&b=2"},
		{"root slash kept", "https://e.com/", "https://e.com/"},
		{"userinfo dropped", "https://user:pw@e.com/a", "https://e.com/a"},
		{"empty query dropped", "https://e.com/a?", "https://e.com/a"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Canonicalize(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCanonicalizeFragmentAndPortEquivalence(t *testing.T) {
	t.Parallel()

	variants := []string{
		"https://example.com/docs",
		"https://example.com/docs#intro",
		"https://example.com:443/docs",
		"https://example.com:443/docs#x",
		"https://www.example.com/docs/",
	}
	want, err := Canonicalize(variants[0])
	require.NoError(t, err)
	for _, v := range variants[1:] {
		got, err := Canonicalize(v)
		require.NoError(t, err)
		require.Equal(t, want, got, "variant %q", v)
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"HTTP://WWW.Example.com:80/a/b/?z=1&y=2#f",
		"https://example.com",
		"https://example.com/a%20b",
	} {
		once, err := Canonicalize(raw)
		require.NoError(t, err)
		twice, err := Canonicalize(once)
		require.NoError(t, err)
		require.Equal(t, once, twice)
	}
}

func TestCanonicalizeRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "not a url", "/relative/path", "mailto:someone@example.com", "http://[::1"} {
		_, err := Canonicalize(raw)
		require.ErrorIs(t, err, ErrMalformedURL, "input %q", raw)
	}
}

func TestHostname(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", Hostname("https://Example.com:8080/x"))
	require.Equal(t, "", Hostname("http://[::1"))
}
