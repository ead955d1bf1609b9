// Package annotation renders the artifacts consumed by the Label Studio
// annotation workflow: the JSON task sidecar and the labeling config XML.
package annotation

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const hexDigits = "0123456789abcdef"

// SidecarJSON returns the task file for html: a one-element array holding an
// object with the "html_content" key. The byte layout (", "/": " separators,
// \uXXXX escapes for everything outside printable ASCII, surrogate pairs
// above U+FFFF) is fixed so existing importers see identical files.
func SidecarJSON(html string) []byte {
	var b strings.Builder
	b.Grow(len(html) + len(html)/8 + 24)
	b.WriteString(`[{"html_content": "`)
	writeASCIIString(&b, html)
	b.WriteString(`"}]`)
	return []byte(b.String())
}

func writeASCIIString(b *strings.Builder, s string) {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			switch {
			case r >= 0x20 && r <= 0x7e:
				b.WriteByte(byte(r))
			case r > 0xffff:
				r -= 0x10000
				writeUnicodeEscape(b, 0xd800|((r>>10)&0x3ff))
				writeUnicodeEscape(b, 0xdc00|(r&0x3ff))
			default:
				// Invalid UTF-8 decodes to U+FFFD and is escaped as such.
				writeUnicodeEscape(b, r)
			}
		}
	}
}

func writeUnicodeEscape(b *strings.Builder, r rune) {
	b.WriteString(`\u`)
	b.WriteByte(hexDigits[(r>>12)&0xf])
	b.WriteByte(hexDigits[(r>>8)&0xf])
	b.WriteByte(hexDigits[(r>>4)&0xf])
	b.WriteByte(hexDigits[r&0xf])
}

var attrEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
)

// EscapeAttr escapes s for a double-quoted XML attribute. Single quotes
// become &#x27; so existing exports stay byte-identical.
func EscapeAttr(s string) string {
	return attrEscaper.Replace(s)
}

const labelConfigTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<View>
  <HyperText name="text" value="$html_content" valueType="text" />
  <Labels name="labels" toName="text">
    <Label value="Important" />
    <Label value="Review" />
  </Labels>
  <Meta>
    <Info name="url" value="%s"/>
    <Info name="title" value="%s"/>
  </Meta>
</View>
`

// LabelConfigXML renders the labeling config for one page. The HTML itself is
// referenced through the $html_content task field, never embedded.
func LabelConfigXML(pageURL, title string) []byte {
	return []byte(fmt.Sprintf(labelConfigTemplate, EscapeAttr(pageURL), EscapeAttr(title)))
}
