// Package extractor pulls candidate URLs out of post records and normalizes
// them into canonical form for aggregation.
package extractor

import (
	"net/url"
	"sort"
	"strings"
)

// trackingParams are query parameters stripped during normalization so the
// same article shared through different campaigns aggregates under one key.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"fbclid":       {},
	"gclid":        {},
	"msclkid":      {},
	"mc_cid":       {},
	"mc_eid":       {},
	"_ga":          {},
	"_gl":          {},
	"ref":          {},
	"source":       {},
	"campaign":     {},
	"link_source":  {},
	"taid":         {},
	"user_email":   {},
}

// Source is the extraction input: the places a Bluesky post can carry URLs,
// already lifted out of the wire record.
type Source struct {
	// Text is the post body (unused by the default extractor, present for
	// alternative implementations).
	Text string

	// Embed is the external link-card URI, if the post has one.
	Embed string

	// Facets are link-feature URIs from richtext annotations, in byte-offset
	// order.
	Facets []string

	// Entities are link URIs from the deprecated entities field.
	Entities []string
}

// Extractor produces ordered, normalized, deduplicated candidate URLs from a
// post record.
type Extractor struct {
	removeTrackingParams bool
}

// New creates an Extractor. When removeTrackingParams is set, known tracking
// query parameters are stripped during normalization.
func New(removeTrackingParams bool) *Extractor {
	return &Extractor{removeTrackingParams: removeTrackingParams}
}

// Candidates returns the post's candidate URLs in canonical form: the embed
// link card first, then facet links, then deprecated entities. Unparsable
// candidates are dropped. Each canonical URL appears once.
func (e *Extractor) Candidates(src Source) []string {
	var out []string
	seen := make(map[string]struct{})

	add := func(raw string) {
		canonical, ok := e.Normalize(raw)
		if !ok {
			return
		}
		if _, dup := seen[canonical]; dup {
			return
		}
		seen[canonical] = struct{}{}
		out = append(out, canonical)
	}

	if src.Embed != "" {
		add(src.Embed)
	}
	for _, f := range src.Facets {
		add(f)
	}
	for _, en := range src.Entities {
		add(en)
	}

	return out
}

// Normalize canonicalizes a raw URL: https scheme, lowercase host without
// "www.", tracking parameters removed, fragment dropped, empty path replaced
// with "/", trailing slash on non-root paths stripped. Returns false for
// anything without a usable scheme and host.
func (e *Extractor) Normalize(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}

	scheme := u.Scheme
	if scheme == "http" {
		scheme = "https"
	}

	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")

	path := u.Path
	if path == "" {
		path = "/"
	}
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}

	query := u.RawQuery
	if e.removeTrackingParams && query != "" {
		query = stripTracking(query)
	}

	canonical := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     path,
		RawQuery: query,
	}
	return canonical.String(), true
}

func stripTracking(rawQuery string) string {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}

	for key := range values {
		if _, tracked := trackingParams[strings.ToLower(key)]; tracked {
			delete(values, key)
		}
	}
	if len(values) == 0 {
		return ""
	}

	// Sort keys so equivalent query strings normalize identically.
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range values[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			if v != "" {
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
	}
	return b.String()
}
