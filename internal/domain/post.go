package domain

import "time"

// Post represents an indexed Bluesky post that references at least one
// trusted URL.
type Post struct {
	// URI is the AT-URI of the post (e.g. at://did:plc:abc/app.bsky.feed.post/3l3qo2vuowo2b).
	URI string

	// CID is the content identifier of the record.
	CID string

	// AuthorDID is the DID of the post's author.
	AuthorDID string

	// Text is the post body text.
	Text string

	// CreatedAt is the author-supplied creation timestamp.
	CreatedAt time.Time

	// IndexedAt is when we indexed this post.
	IndexedAt time.Time

	// RepostCount is the number of live reposts of this post.
	RepostCount int64
}

// TrustedURL is a normalized URL that passed the domain whitelist, together
// with the whitelist domain it matched.
type TrustedURL struct {
	URL    string
	Domain string
}

// URLAggregate holds the accumulated counters for one canonical URL.
type URLAggregate struct {
	URL        string
	Domain     string
	FirstSeen  time.Time
	LastSeen   time.Time
	ShareCount int64
}

// PostCreate is a post-creation event accepted by the domain filter, ready to
// be applied to the store.
type PostCreate struct {
	// Seq is the upstream sequence position (Jetstream time_us).
	Seq       int64
	URI       string
	CID       string
	AuthorDID string
	Text      string
	CreatedAt time.Time
	URLs      []TrustedURL
}

// RepostDelta is a repost-creation (+1) or repost-deletion (-1) event. The
// repost record's own URI is the idempotency key: applying the same creation
// twice is a no-op, and a deletion only counts if the creation was seen.
type RepostDelta struct {
	Seq int64

	// RepostURI is the AT-URI of the repost record itself.
	RepostURI string

	// SubjectURI is the AT-URI of the post being reposted. Empty on
	// deletions; the store resolves it from the recorded creation.
	SubjectURI string

	// Delta is +1 for a repost creation, -1 for a repost deletion.
	Delta int
}

// PostDelete is a post-deletion event.
type PostDelete struct {
	Seq int64
	URI string
}
