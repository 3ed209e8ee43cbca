package firehose

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfeeds/domainfeed/internal/config"
	"github.com/openfeeds/domainfeed/internal/domain"
	"github.com/openfeeds/domainfeed/internal/extractor"
	"github.com/openfeeds/domainfeed/internal/whitelist"
)

// fakeStore records applied events for assertions. A non-nil failWith makes
// every Apply call fail.
type fakeStore struct {
	created   []*domain.PostCreate
	reposts   []*domain.RepostDelta
	deleted   []*domain.PostDelete
	cursor    int64
	gap       bool
	seenPosts map[string]struct{}
	failWith  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{seenPosts: make(map[string]struct{})}
}

func (f *fakeStore) ApplyPostCreate(_ context.Context, ev *domain.PostCreate) (bool, error) {
	if f.failWith != nil {
		return false, f.failWith
	}
	if _, dup := f.seenPosts[ev.URI]; dup {
		return false, nil
	}
	f.seenPosts[ev.URI] = struct{}{}
	f.created = append(f.created, ev)
	return true, nil
}

func (f *fakeStore) ApplyRepostDelta(_ context.Context, ev *domain.RepostDelta) (bool, error) {
	if f.failWith != nil {
		return false, f.failWith
	}
	f.reposts = append(f.reposts, ev)
	return true, nil
}

func (f *fakeStore) ApplyPostDelete(_ context.Context, ev *domain.PostDelete) (bool, error) {
	if f.failWith != nil {
		return false, f.failWith
	}
	if _, ok := f.seenPosts[ev.URI]; !ok {
		return false, nil
	}
	delete(f.seenPosts, ev.URI)
	f.deleted = append(f.deleted, ev)
	return true, nil
}

func (f *fakeStore) Cursor(context.Context) (int64, bool, error) {
	return f.cursor, f.gap, nil
}

func (f *fakeStore) SaveCursor(_ context.Context, seq int64) error {
	if seq > f.cursor {
		f.cursor = seq
	}
	return nil
}

func (f *fakeStore) SetGap(_ context.Context, gap bool) error {
	f.gap = gap
	return nil
}

func (f *fakeStore) Snapshot(context.Context, time.Duration) ([]domain.SnapshotRow, error) {
	return nil, nil
}

func (f *fakeStore) Stats(context.Context) (*domain.StoreStats, error) {
	return &domain.StoreStats{}, nil
}

func (f *fakeStore) DeleteOldPosts(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func testSubscriber(store domain.EventStore) *Subscriber {
	cfg := config.FirehoseConfig{
		URL:                "wss://jetstream.example.test/subscribe",
		CursorSaveInterval: 5 * time.Second,
		RetentionHorizon:   72 * time.Hour,
		BackoffFloor:       time.Second,
		BackoffCeiling:     time.Minute,
		BackoffResetAfter:  30 * time.Second,
	}
	matcher := whitelist.NewMatcher([]string{"example.com", "news.site"}, true)
	return NewSubscriber(cfg, store, matcher, extractor.New(true), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestParseEvent(t *testing.T) {
	raw := []byte(`{
		"did": "did:plc:abc",
		"time_us": 1725911162329308,
		"kind": "commit",
		"commit": {
			"rev": "3l3qo2vuowo2b",
			"operation": "create",
			"collection": "app.bsky.feed.post",
			"rkey": "3l3qo2vuowo2b",
			"record": {"$type": "app.bsky.feed.post", "text": "hello", "createdAt": "2024-09-09T19:46:02.102Z"},
			"cid": "bafyreidc6sydkk"
		}
	}`)

	event, err := parseEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, "did:plc:abc", event.DID)
	assert.Equal(t, int64(1725911162329308), event.TimeUS)
	assert.Equal(t, "commit", event.Kind)
	assert.Equal(t, "create", event.Commit.Operation)
	assert.Equal(t, "at://did:plc:abc/app.bsky.feed.post/3l3qo2vuowo2b", event.recordURI())
}

func TestParseEventRejectsCommitWithoutBody(t *testing.T) {
	_, err := parseEvent([]byte(`{"did":"did:plc:abc","time_us":1,"kind":"commit"}`))
	assert.Error(t, err)

	_, err = parseEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseEventIdentity(t *testing.T) {
	event, err := parseEvent([]byte(`{"did":"did:plc:abc","time_us":2,"kind":"identity"}`))
	require.NoError(t, err)
	assert.Equal(t, "identity", event.Kind)
	assert.Nil(t, event.Commit)
}

func commitEvent(t *testing.T, seq int64, collection, op, record string) *jetstreamEvent {
	t.Helper()
	n := strconv.FormatInt(seq, 10)
	raw := `{
		"did": "did:plc:author",
		"time_us": ` + n + `,
		"kind": "commit",
		"commit": {
			"operation": "` + op + `",
			"collection": "` + collection + `",
			"rkey": "rkey` + n + `",
			"cid": "cid` + n + `"`
	if record != "" {
		raw += `, "record": ` + record
	}
	raw += `}}`

	event, err := parseEvent([]byte(raw))
	require.NoError(t, err)
	return event
}

var errStoreDown = errors.New("store down")

// mustHandle applies a commit event and fails the test on a store error.
func mustHandle(t *testing.T, s *Subscriber, event *jetstreamEvent) bool {
	t.Helper()
	applied, err := s.handleCommit(context.Background(), event)
	require.NoError(t, err)
	return applied
}

func TestHandleCommitPostWithWhitelistedEmbed(t *testing.T) {
	store := newFakeStore()
	s := testSubscriber(store)

	event := commitEvent(t, 100, collectionPost, "create", `{
		"$type": "app.bsky.feed.post",
		"text": "worth reading",
		"createdAt": "2025-06-01T12:00:00Z",
		"embed": {
			"$type": "app.bsky.embed.external",
			"external": {"uri": "https://www.example.com/article?utm_source=x"}
		}
	}`)

	assert.True(t, mustHandle(t, s, event))
	require.Len(t, store.created, 1)

	ev := store.created[0]
	assert.Equal(t, int64(100), ev.Seq)
	assert.Equal(t, "at://did:plc:author/app.bsky.feed.post/rkey100", ev.URI)
	assert.Equal(t, "did:plc:author", ev.AuthorDID)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), ev.CreatedAt)
	require.Len(t, ev.URLs, 1)
	assert.Equal(t, "https://example.com/article", ev.URLs[0].URL)
	assert.Equal(t, "example.com", ev.URLs[0].Domain)
}

func TestHandleCommitPostWithoutTrustedURLIsDiscarded(t *testing.T) {
	store := newFakeStore()
	s := testSubscriber(store)

	// A link to an unlisted domain.
	event := commitEvent(t, 101, collectionPost, "create", `{
		"$type": "app.bsky.feed.post",
		"text": "spam",
		"createdAt": "2025-06-01T12:00:00Z",
		"facets": [{"features": [{"$type": "app.bsky.richtext.facet#link", "uri": "https://evil.test/x"}]}]
	}`)
	assert.False(t, mustHandle(t, s, event))

	// No links at all.
	event = commitEvent(t, 102, collectionPost, "create", `{
		"$type": "app.bsky.feed.post",
		"text": "just text",
		"createdAt": "2025-06-01T12:00:00Z"
	}`)
	assert.False(t, mustHandle(t, s, event))

	assert.Empty(t, store.created)
}

func TestHandleCommitPostFacetAndEntityLinks(t *testing.T) {
	store := newFakeStore()
	s := testSubscriber(store)

	event := commitEvent(t, 103, collectionPost, "create", `{
		"$type": "app.bsky.feed.post",
		"text": "two sources",
		"createdAt": "2025-06-01T12:00:00Z",
		"facets": [{"features": [{"$type": "app.bsky.richtext.facet#link", "uri": "http://news.site/story/"}]}],
		"entities": [{"type": "link", "value": "https://sub.example.com/old-style"}]
	}`)

	require.True(t, mustHandle(t, s, event))
	require.Len(t, store.created, 1)

	urls := store.created[0].URLs
	require.Len(t, urls, 2)
	assert.Equal(t, "https://news.site/story", urls[0].URL)
	assert.Equal(t, "news.site", urls[0].Domain)
	assert.Equal(t, "https://sub.example.com/old-style", urls[1].URL)
	assert.Equal(t, "example.com", urls[1].Domain)
}

func TestHandleCommitPostDelete(t *testing.T) {
	store := newFakeStore()
	s := testSubscriber(store)

	create := commitEvent(t, 104, collectionPost, "create", `{
		"$type": "app.bsky.feed.post",
		"text": "to be deleted",
		"createdAt": "2025-06-01T12:00:00Z",
		"embed": {"$type": "app.bsky.embed.external", "external": {"uri": "https://example.com/gone"}}
	}`)
	require.True(t, mustHandle(t, s, create))

	del := commitEvent(t, 104, collectionPost, "delete", "")
	require.True(t, mustHandle(t, s, del))
	require.Len(t, store.deleted, 1)
	assert.Equal(t, "at://did:plc:author/app.bsky.feed.post/rkey104", store.deleted[0].URI)
}

func TestHandleCommitDeleteOfUnindexedPostNotApplied(t *testing.T) {
	store := newFakeStore()
	s := testSubscriber(store)

	// The overwhelming majority of deletions are for posts never indexed;
	// those must not count as applied events.
	event := commitEvent(t, 110, collectionPost, "delete", "")
	assert.False(t, mustHandle(t, s, event))
	assert.Empty(t, store.deleted)
}

func TestHandleCommitRepostCreateAndDelete(t *testing.T) {
	store := newFakeStore()
	s := testSubscriber(store)

	create := commitEvent(t, 105, collectionRepost, "create", `{
		"$type": "app.bsky.feed.repost",
		"createdAt": "2025-06-01T12:00:00Z",
		"subject": {"uri": "at://did:plc:op/app.bsky.feed.post/xyz", "cid": "bafy"}
	}`)
	require.True(t, mustHandle(t, s, create))

	del := commitEvent(t, 106, collectionRepost, "delete", "")
	require.True(t, mustHandle(t, s, del))

	require.Len(t, store.reposts, 2)
	assert.Equal(t, 1, store.reposts[0].Delta)
	assert.Equal(t, "at://did:plc:op/app.bsky.feed.post/xyz", store.reposts[0].SubjectURI)
	assert.Equal(t, -1, store.reposts[1].Delta)
	assert.Equal(t, "at://did:plc:author/app.bsky.feed.repost/rkey106", store.reposts[1].RepostURI)
}

func TestHandleCommitRepostWithoutSubjectIgnored(t *testing.T) {
	store := newFakeStore()
	s := testSubscriber(store)

	event := commitEvent(t, 107, collectionRepost, "create", `{
		"$type": "app.bsky.feed.repost",
		"createdAt": "2025-06-01T12:00:00Z",
		"subject": {"uri": "", "cid": ""}
	}`)
	assert.False(t, mustHandle(t, s, event))
	assert.Empty(t, store.reposts)
}

func TestHandleCommitIgnoresOtherCollections(t *testing.T) {
	store := newFakeStore()
	s := testSubscriber(store)

	event := commitEvent(t, 108, "app.bsky.feed.like", "create", `{"$type": "app.bsky.feed.like"}`)
	assert.False(t, mustHandle(t, s, event))
	assert.Empty(t, store.created)
	assert.Empty(t, store.reposts)
}

func TestCheckRetentionGap(t *testing.T) {
	store := newFakeStore()
	s := testSubscriber(store)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).UnixMicro()

	// Within the horizon: no gap.
	s.checkRetentionGap(ctx, base, base+time.Hour.Microseconds(), false)
	assert.False(t, store.gap)

	// Beyond the horizon: gap persisted.
	s.checkRetentionGap(ctx, base, base+(73*time.Hour).Microseconds(), false)
	assert.True(t, store.gap)

	// No saved cursor means a fresh start, never a gap.
	fresh := newFakeStore()
	s2 := testSubscriber(fresh)
	s2.checkRetentionGap(ctx, 0, base, false)
	assert.False(t, fresh.gap)
}

func TestCheckRetentionGapClearedOnCleanResume(t *testing.T) {
	store := newFakeStore()
	store.gap = true
	s := testSubscriber(store)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).UnixMicro()

	// A clean in-horizon resume clears a previously recorded gap.
	s.checkRetentionGap(ctx, base, base+time.Hour.Microseconds(), true)
	assert.False(t, store.gap)

	// A fresh start without a cursor leaves the indicator untouched.
	store.gap = true
	s.checkRetentionGap(ctx, 0, base, true)
	assert.True(t, store.gap)
}

func TestHandleCommitPropagatesStoreError(t *testing.T) {
	store := newFakeStore()
	store.failWith = errStoreDown
	s := testSubscriber(store)

	event := commitEvent(t, 111, collectionPost, "create", `{
		"$type": "app.bsky.feed.post",
		"text": "worth reading",
		"createdAt": "2025-06-01T12:00:00Z",
		"embed": {"$type": "app.bsky.embed.external", "external": {"uri": "https://example.com/a"}}
	}`)

	// A store failure must surface so the session can replay the event,
	// instead of streaming past it.
	applied, err := s.handleCommit(context.Background(), event)
	assert.False(t, applied)
	require.ErrorIs(t, err, errStoreDown)

	del := commitEvent(t, 112, collectionPost, "delete", "")
	_, err = s.handleCommit(context.Background(), del)
	require.ErrorIs(t, err, errStoreDown)
}

func TestBuildURL(t *testing.T) {
	s := testSubscriber(newFakeStore())

	u, err := s.buildURL(0)
	require.NoError(t, err)
	assert.Contains(t, u, "wantedCollections=app.bsky.feed.post")
	assert.Contains(t, u, "wantedCollections=app.bsky.feed.repost")
	assert.NotContains(t, u, "cursor=")

	u, err = s.buildURL(1725911162329308)
	require.NoError(t, err)
	assert.Contains(t, u, "cursor=1725911162329308")
}

func TestParseCreatedAtFallsBackToSequenceTime(t *testing.T) {
	seq := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixMicro()

	got := parseCreatedAt("2025-06-01T09:30:00.500Z", seq)
	assert.Equal(t, time.Date(2025, 6, 1, 9, 30, 0, 500000000, time.UTC), got)

	assert.Equal(t, time.UnixMicro(seq).UTC(), parseCreatedAt("", seq))
	assert.Equal(t, time.UnixMicro(seq).UTC(), parseCreatedAt("garbage", seq))
}

func TestDuplicatePostCreateNotCountedTwice(t *testing.T) {
	store := newFakeStore()
	s := testSubscriber(store)

	event := commitEvent(t, 109, collectionPost, "create", `{
		"$type": "app.bsky.feed.post",
		"text": "once",
		"createdAt": "2025-06-01T12:00:00Z",
		"embed": {"$type": "app.bsky.embed.external", "external": {"uri": "https://example.com/a"}}
	}`)

	assert.True(t, mustHandle(t, s, event))
	assert.False(t, mustHandle(t, s, event))
	assert.Len(t, store.created, 1)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "streaming", StateStreaming.String())

	s := testSubscriber(newFakeStore())
	assert.Equal(t, StateDisconnected, s.State())
}
