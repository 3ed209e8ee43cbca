package firehose

import (
	"fmt"

	"github.com/goccy/go-json"
)

// AT Proto collection NSIDs this subscriber consumes.
const (
	collectionPost   = "app.bsky.feed.post"
	collectionRepost = "app.bsky.feed.repost"
)

// jetstreamEvent is the raw JSON envelope from Jetstream.
type jetstreamEvent struct {
	DID    string           `json:"did"`
	TimeUS int64            `json:"time_us"`
	Kind   string           `json:"kind"`
	Commit *jetstreamCommit `json:"commit,omitempty"`
}

// jetstreamCommit is the raw commit data from Jetstream. Record stays raw
// until the collection is known.
type jetstreamCommit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid"`
}

// recordURI builds the AT-URI of the record this commit touches.
func (e *jetstreamEvent) recordURI() string {
	return fmt.Sprintf("at://%s/%s/%s", e.DID, e.Commit.Collection, e.Commit.RKey)
}

// postRecord is the parsed content of an app.bsky.feed.post record, limited
// to the fields URL extraction needs.
type postRecord struct {
	Type      string   `json:"$type"`
	Text      string   `json:"text"`
	CreatedAt string   `json:"createdAt"`
	Langs     []string `json:"langs,omitempty"`
	Facets    []facet  `json:"facets,omitempty"`
	Embed     *embed   `json:"embed,omitempty"`
	Entities  []entity `json:"entities,omitempty"`
}

// facet is a richtext annotation; link features carry URIs.
type facet struct {
	Features []facetFeature `json:"features"`
}

type facetFeature struct {
	Type string `json:"$type"`
	URI  string `json:"uri,omitempty"`
}

// embed covers app.bsky.embed.external directly and nested inside
// app.bsky.embed.recordWithMedia.
type embed struct {
	Type     string    `json:"$type"`
	External *external `json:"external,omitempty"`
	Media    *embed    `json:"media,omitempty"`
}

type external struct {
	URI string `json:"uri"`
}

// entity is the deprecated predecessor of facets; old posts still carry it.
type entity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// externalURI returns the link-card URI, if the post embeds one.
func (r *postRecord) externalURI() string {
	e := r.Embed
	if e == nil {
		return ""
	}
	if e.Type == "app.bsky.embed.recordWithMedia" && e.Media != nil {
		e = e.Media
	}
	if e.Type == "app.bsky.embed.external" && e.External != nil {
		return e.External.URI
	}
	return ""
}

// facetLinks returns link-feature URIs in annotation order.
func (r *postRecord) facetLinks() []string {
	var links []string
	for _, f := range r.Facets {
		for _, feat := range f.Features {
			if feat.Type == "app.bsky.richtext.facet#link" && feat.URI != "" {
				links = append(links, feat.URI)
			}
		}
	}
	return links
}

// entityLinks returns link URIs from the deprecated entities field.
func (r *postRecord) entityLinks() []string {
	var links []string
	for _, en := range r.Entities {
		if en.Type == "link" && en.Value != "" {
			links = append(links, en.Value)
		}
	}
	return links
}

// repostRecord is the parsed content of an app.bsky.feed.repost record.
type repostRecord struct {
	Type      string    `json:"$type"`
	CreatedAt string    `json:"createdAt"`
	Subject   strongRef `json:"subject"`
}

// strongRef is a reference to a specific version of a record.
type strongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

func parseEvent(data []byte) (*jetstreamEvent, error) {
	var event jetstreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if event.Kind == "commit" && event.Commit == nil {
		return nil, fmt.Errorf("commit event without commit body")
	}
	return &event, nil
}
