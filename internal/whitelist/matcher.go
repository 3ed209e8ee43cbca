// Package whitelist decides whether a URL points at a trusted domain.
package whitelist

import (
	"net/url"
	"strings"
)

// Matcher checks URL hosts against a whitelist of registrable domains. It is
// pure and safe for concurrent use once built.
type Matcher struct {
	exact           map[string]struct{}
	ordered         []string
	matchSubdomains bool
}

// NewMatcher builds a Matcher from the whitelist entries. Entries are
// normalized to lowercase with any "www." prefix removed, deduplicated, and
// kept in insertion order: when a host matches several entries, the first
// listed entry wins.
func NewMatcher(domains []string, matchSubdomains bool) *Matcher {
	m := &Matcher{
		exact:           make(map[string]struct{}, len(domains)),
		matchSubdomains: matchSubdomains,
	}
	for _, d := range domains {
		d = normalizeHost(d)
		if _, dup := m.exact[d]; dup {
			continue
		}
		m.exact[d] = struct{}{}
		m.ordered = append(m.ordered, d)
	}
	return m
}

// Match reports whether rawURL points at a whitelisted domain and, if so,
// which whitelist entry it matched. Malformed URLs are rejected, not errors.
func (m *Matcher) Match(rawURL string) (domain string, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "", false
	}
	return m.MatchHost(u.Hostname())
}

// MatchHost is Match for an already-extracted host name.
func (m *Matcher) MatchHost(host string) (domain string, ok bool) {
	host = normalizeHost(host)
	if host == "" {
		return "", false
	}

	if _, ok := m.exact[host]; ok {
		return host, true
	}

	if m.matchSubdomains {
		for _, d := range m.ordered {
			if strings.HasSuffix(host, "."+d) {
				return d, true
			}
		}
	}

	return "", false
}

// Len returns the number of whitelisted domains.
func (m *Matcher) Len() int {
	return len(m.ordered)
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimPrefix(host, "www.")
	// Strip a port if one survived parsing (e.g. bare host input).
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}
