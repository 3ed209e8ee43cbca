package whitelist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name            string
		domains         []string
		matchSubdomains bool
		url             string
		wantDomain      string
		wantOK          bool
	}{
		{
			name:            "exact match",
			domains:         []string{"nytimes.com"},
			matchSubdomains: true,
			url:             "https://nytimes.com/2024/article",
			wantDomain:      "nytimes.com",
			wantOK:          true,
		},
		{
			name:            "subdomain match enabled",
			domains:         []string{"nytimes.com"},
			matchSubdomains: true,
			url:             "https://news.nytimes.com/a",
			wantDomain:      "nytimes.com",
			wantOK:          true,
		},
		{
			name:            "subdomain match disabled",
			domains:         []string{"nytimes.com"},
			matchSubdomains: false,
			url:             "https://news.nytimes.com/a",
			wantOK:          false,
		},
		{
			name:            "www prefix stripped",
			domains:         []string{"bbc.com"},
			matchSubdomains: false,
			url:             "https://www.bbc.com/news",
			wantDomain:      "bbc.com",
			wantOK:          true,
		},
		{
			name:            "case insensitive host",
			domains:         []string{"bbc.com"},
			matchSubdomains: false,
			url:             "https://WWW.BBC.COM/news",
			wantDomain:      "bbc.com",
			wantOK:          true,
		},
		{
			name:            "unlisted domain",
			domains:         []string{"nytimes.com"},
			matchSubdomains: true,
			url:             "https://example.com/a",
			wantOK:          false,
		},
		{
			name:            "suffix is not a subdomain",
			domains:         []string{"nytimes.com"},
			matchSubdomains: true,
			url:             "https://notnytimes.com/a",
			wantOK:          false,
		},
		{
			name:            "malformed url rejected",
			domains:         []string{"nytimes.com"},
			matchSubdomains: true,
			url:             "://not a url",
			wantOK:          false,
		},
		{
			name:            "relative url has no host",
			domains:         []string{"nytimes.com"},
			matchSubdomains: true,
			url:             "/just/a/path",
			wantOK:          false,
		},
		{
			name:            "port ignored",
			domains:         []string{"example.org"},
			matchSubdomains: false,
			url:             "https://example.org:8443/x",
			wantDomain:      "example.org",
			wantOK:          true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMatcher(tt.domains, tt.matchSubdomains)
			domain, ok := m.Match(tt.url)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantDomain, domain)
			}
		})
	}
}

func TestMatchOverlappingEntriesDeterministic(t *testing.T) {
	// A host matching several entries always resolves to the first listed one.
	m := NewMatcher([]string{"example.com", "sub.example.com"}, true)
	for i := 0; i < 100; i++ {
		domain, ok := m.Match("https://x.sub.example.com/a")
		assert.True(t, ok)
		assert.Equal(t, "example.com", domain)
	}

	reversed := NewMatcher([]string{"sub.example.com", "example.com"}, true)
	for i := 0; i < 100; i++ {
		domain, ok := reversed.Match("https://x.sub.example.com/a")
		assert.True(t, ok)
		assert.Equal(t, "sub.example.com", domain)
	}
}

func TestNewMatcherDeduplicatesEntries(t *testing.T) {
	m := NewMatcher([]string{"bbc.com", "www.bbc.com", "BBC.com"}, false)
	assert.Equal(t, 1, m.Len())
}

func TestMatchHost(t *testing.T) {
	m := NewMatcher([]string{"Nytimes.com", "www.bbc.com"}, true)

	domain, ok := m.MatchHost("mobile.nytimes.com")
	assert.True(t, ok)
	assert.Equal(t, "nytimes.com", domain)

	// Whitelist entries are normalized too.
	domain, ok = m.MatchHost("bbc.com")
	assert.True(t, ok)
	assert.Equal(t, "bbc.com", domain)

	_, ok = m.MatchHost("")
	assert.False(t, ok)
}
