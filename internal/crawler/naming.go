package crawler

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
)

// DefaultNameLength is the truncation length used by the compat naming policy.
const DefaultNameLength = 10

// NamingPolicy selects how artifact basenames are derived from URLs.
type NamingPolicy string

// Supported naming policies. NamingCompat reproduces the historical 10-char
// names and can collide; NamingHashed appends a URL digest.
const (
	NamingCompat NamingPolicy = "compat"
	NamingHashed NamingPolicy = "hashed"
)

// Letters and digits from any script are kept.
var invalidFilenameChars = regexp.MustCompile(`[^\p{L}\p{N}_.-]`)

// SanitizeFilename derives the artifact basename for rawURL: the network
// location without a leading "www." followed by the path with "/" replaced by
// "_", every character other than a letter, digit, "_", "-" or "." replaced
// by "_", truncated to maxLen characters (maxLen <= 0 disables truncation).
// Query and fragment are not part of the name.
func SanitizeFilename(rawURL string, maxLen int) string {
	netloc, path := splitNetlocPath(rawURL)
	name := strings.TrimPrefix(netloc, "www.") + strings.ReplaceAll(path, "/", "_")
	name = invalidFilenameChars.ReplaceAllString(name, "_")
	return truncate(name, maxLen)
}

// splitNetlocPath splits rawURL without re-encoding it, so the name reflects
// the URL exactly as it was seeded.
func splitNetlocPath(rawURL string) (string, string) {
	rest := strings.TrimSpace(rawURL)
	if i := strings.Index(rest, ":"); i > 0 && isScheme(rest[:i]) {
		rest = rest[i+1:]
	}
	var netloc string
	if strings.HasPrefix(rest, "//") {
		rest = rest[2:]
		end := strings.IndexAny(rest, "/?#")
		if end < 0 {
			end = len(rest)
		}
		netloc, rest = rest[:end], rest[end:]
	}
	if end := strings.IndexAny(rest, "?#"); end >= 0 {
		rest = rest[:end]
	}
	// Matrix parameters on the last segment are not part of the path.
	last := strings.LastIndex(rest, "/") + 1
	if semi := strings.Index(rest[last:], ";"); semi >= 0 {
		rest = rest[:last+semi]
	}
	return netloc, rest
}

func isScheme(s string) bool {
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return s != ""
}

// ArtifactName applies policy on top of SanitizeFilename. canonical feeds the
// digest used by the hashed policy.
func ArtifactName(rawURL, canonical string, policy NamingPolicy, maxLen int) string {
	base := SanitizeFilename(rawURL, maxLen)
	if policy != NamingHashed {
		return base
	}
	if canonical == "" {
		canonical = rawURL
	}
	return base + "_" + hashURL(canonical)[:12]
}

// QueryDirName turns a query into the output root name: spaces become "_" and
// the result is cut to DefaultNameLength characters.
func QueryDirName(query string) string {
	name := strings.ReplaceAll(query, " ", "_")
	name = strings.ReplaceAll(name, "/", "_")
	name = truncate(name, DefaultNameLength)
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}

func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func hashURL(raw string) string {
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}
