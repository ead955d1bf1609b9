package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultAllowedSchemes are the schemes a renderer is asked to load.
var DefaultAllowedSchemes = []string{"http", "https"}

// AdmissionPolicy rejects URLs before they reach the politeness limiter.
type AdmissionPolicy struct {
	schemes map[string]struct{}
	domains *domainPatternBlocklist
}

// NewAdmissionPolicy builds a policy from a scheme allowlist and a domain
// blocklist. Domain patterns are exact hosts or "*.suffix"/".suffix" wildcards.
func NewAdmissionPolicy(allowedSchemes, blockedDomains []string) *AdmissionPolicy {
	if len(allowedSchemes) == 0 {
		allowedSchemes = DefaultAllowedSchemes
	}
	schemes := make(map[string]struct{}, len(allowedSchemes))
	for _, s := range allowedSchemes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			schemes[s] = struct{}{}
		}
	}
	return &AdmissionPolicy{
		schemes: schemes,
		domains: newDomainPatternBlocklist(blockedDomains),
	}
}

// Check returns a permanent-class error when rawURL must not be fetched.
func (p *AdmissionPolicy) Check(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedURL, err)
	}
	if p == nil {
		return nil
	}
	scheme := strings.ToLower(u.Scheme)
	if _, ok := p.schemes[scheme]; !ok {
		return fmt.Errorf("%w: %q", ErrDisallowedScheme, scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: missing host", ErrMalformedURL)
	}
	if p.domains.IsBlocked(u.Hostname()) {
		return fmt.Errorf("%w: %s", ErrBlockedHost, u.Hostname())
	}
	return nil
}

// domainPatternBlocklist stores exact hosts and suffix wildcards derived from configuration.
type domainPatternBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

func newDomainPatternBlocklist(patterns []string) *domainPatternBlocklist {
	matcher := &domainPatternBlocklist{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		if suffix, ok := wildcardSuffix(value); ok {
			matcher.addSuffix(suffix)
			continue
		}
		matcher.exact[strings.TrimPrefix(value, "www.")] = struct{}{}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func wildcardSuffix(value string) (string, bool) {
	for _, prefix := range []string{"*.", "."} {
		if strings.HasPrefix(value, prefix) {
			suffix := strings.TrimPrefix(value, prefix)
			return suffix, suffix != ""
		}
	}
	return "", false
}

func (b *domainPatternBlocklist) addSuffix(suffix string) {
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

// IsBlocked reports whether host matches an exact entry (ignoring "www.") or a suffix.
func (b *domainPatternBlocklist) IsBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := b.exact[strings.TrimPrefix(host, "www.")]; exact {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
