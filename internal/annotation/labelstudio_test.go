package annotation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSidecarJSONLayout(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		html string
		want string
	}{
		{"plain", "<html>hi</html>", `[{"html_content": "<html>hi</html>"}]`},
		{"empty", "", `[{"html_content": ""}]`},
		{"quotes and backslash", `a "b" \c`, `[{"html_content": "a \"b\" \\c"}]`},
		{"whitespace escapes", "a\nb\tc\rd", `[{"html_content": "a\nb\tc\rd"}]`},
		{"control chars", "\x00\x1f\x7f\b\f", `[{"html_content": "\u0000\u001f\u007f\b\f"}]`},
		{"latin and cjk", "café 日本", `[{"html_content": "caf\u00e9 \u65e5\u672c"}]`},
		{"astral plane", "😀", `[{"html_content": "\ud83d\ude00"}]`},
		{"html specials untouched", "<a href='/x?a=1&b=2'>", `[{"html_content": "<a href='/x?a=1&b=2'>"}]`},
		{"invalid utf8", "a\xffb", `[{"html_content": "a\ufffdb"}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, string(SidecarJSON(tc.html)))
		})
	}
}

func TestSidecarJSONRoundTrips(t *testing.T) {
	t.Parallel()

	html := "<!DOCTYPE html><html><head><title>Ünïcode 🚀</title></head>\n<body>\"q\" \\ </body></html>"
	var decoded []map[string]string
	require.NoError(t, json.Unmarshal(SidecarJSON(html), &decoded))
	require.Len(t, decoded, 1)
	require.Equal(t, html, decoded[0]["html_content"])

	for _, c := range string(SidecarJSON(html)) {
		require.Less(t, c, rune(0x80), "sidecar must be pure ASCII")
	}
}

func TestLabelConfigXML(t *testing.T) {
	t.Parallel()

	got := string(LabelConfigXML(`https://example.com/?a=1&b="2"`, `Tom's <Page>`))
	want := `<?xml version="1.0" encoding="UTF-8"?>
<View>
  <HyperText name="text" value="$html_content" valueType="text" />
  <Labels name="labels" toName="text">
    <Label value="Important" />
    <Label value="Review" />
  </Labels>
  <Meta>
    <Info name="url" value="https://example.com/?a=1&amp;b=&quot;2&quot;"/>
    <Info name="title" value="Tom&#x27;s &lt;Page&gt;"/>
  </Meta>
</View>
`
	require.Equal(t, want, got)
	require.True(t, strings.HasSuffix(got, "</View>\n"))
}

func TestEscapeAttrAmpersandFirst(t *testing.T) {
	t.Parallel()

	require.Equal(t, "&amp;lt;", EscapeAttr("&lt;"))
	require.Equal(t, "plain", EscapeAttr("plain"))
}
