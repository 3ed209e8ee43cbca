// Package firehose consumes the Jetstream firehose and applies post, repost
// and delete events to the event store.
package firehose

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/openfeeds/domainfeed/internal/config"
	"github.com/openfeeds/domainfeed/internal/domain"
	"github.com/openfeeds/domainfeed/internal/extractor"
	"github.com/openfeeds/domainfeed/internal/metrics"
	"github.com/openfeeds/domainfeed/internal/whitelist"
)

// State is the subscriber's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

const statsLogInterval = 30 * time.Second

// Subscriber maintains the firehose connection and drives events through the
// whitelist filter into the store. It is the store's single writer.
type Subscriber struct {
	cfg       config.FirehoseConfig
	store     domain.EventStore
	matcher   *whitelist.Matcher
	extractor *extractor.Extractor
	logger    *slog.Logger

	state atomic.Int32
}

// NewSubscriber creates a firehose subscriber.
func NewSubscriber(
	cfg config.FirehoseConfig,
	store domain.EventStore,
	matcher *whitelist.Matcher,
	ext *extractor.Extractor,
	logger *slog.Logger,
) *Subscriber {
	return &Subscriber{
		cfg:       cfg,
		store:     store,
		matcher:   matcher,
		extractor: ext,
		logger:    logger,
	}
}

// State returns the current connection state.
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

func (s *Subscriber) setState(st State) {
	s.state.Store(int32(st))
	metrics.StreamState.Set(float64(st))
}

// Run connects to the firehose and processes events until the context is
// cancelled, reconnecting with bounded exponential backoff on any transport
// error. The backoff resets to its floor after a sustained streaming
// interval.
func (s *Subscriber) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffFloor
	bo.MaxInterval = s.cfg.BackoffCeiling
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		started := time.Now()
		err := s.stream(ctx)

		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(started) >= s.cfg.BackoffResetAfter {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		s.logger.Error("firehose connection error, reconnecting",
			"error", err,
			"backoff", wait,
		)
		metrics.Reconnects.Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *Subscriber) buildURL(cursor int64) (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse firehose url: %w", err)
	}
	q := u.Query()
	q.Add("wantedCollections", collectionPost)
	q.Add("wantedCollections", collectionRepost)
	if cursor > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// stream runs one connection: Connecting, then Streaming until the transport
// fails or the context is cancelled.
func (s *Subscriber) stream(ctx context.Context) error {
	s.setState(StateConnecting)

	cursor, gapped, err := s.store.Cursor(ctx)
	if err != nil {
		s.logger.Warn("failed to load cursor, starting from live tip", "error", err)
		cursor = 0
	}

	wsURL, err := s.buildURL(cursor)
	if err != nil {
		return err
	}

	s.logger.Info("connecting to firehose", "url", s.cfg.URL, "cursor", cursor)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	// Unblock the read loop on shutdown.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	s.setState(StateStreaming)
	s.logger.Info("connected to firehose")

	var (
		latestCursor   = cursor
		firstEvent     = true
		lastCursorSave = time.Now()
		lastStatsLog   = time.Now()

		eventsReceived, eventsApplied, decodeErrors int64
	)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		metrics.EventsReceived.Inc()
		eventsReceived++

		event, err := parseEvent(message)
		if err != nil {
			// One bad frame never terminates the connection.
			metrics.DecodeErrors.Inc()
			decodeErrors++
			s.logger.Error("failed to decode event", "error", err)
			continue
		}

		if firstEvent {
			firstEvent = false
			s.checkRetentionGap(ctx, cursor, event.TimeUS, gapped)
		}

		if event.Kind == "commit" {
			applied, err := s.handleCommit(ctx, event)
			if err != nil {
				// Reconnect and replay from the persisted cursor rather
				// than stream past a lost event. Application is
				// idempotent, so the replay is safe.
				return fmt.Errorf("apply event at %d: %w", event.TimeUS, err)
			}
			if applied {
				eventsApplied++
			}
		}

		latestCursor = event.TimeUS

		if time.Since(lastStatsLog) >= statsLogInterval {
			s.logger.Info("firehose stats",
				"events_received", eventsReceived,
				"events_applied", eventsApplied,
				"decode_errors", decodeErrors,
				"cursor", latestCursor,
			)
			lastStatsLog = time.Now()
		}

		if time.Since(lastCursorSave) >= s.cfg.CursorSaveInterval {
			if err := s.store.SaveCursor(ctx, latestCursor); err != nil {
				s.logger.Error("failed to save cursor", "error", err)
				metrics.StoreErrors.WithLabelValues("save_cursor").Inc()
			} else {
				metrics.CursorSeq.Set(float64(latestCursor))
				lastCursorSave = time.Now()
			}
		}
	}
}

// checkRetentionGap compares the resumed cursor with the first received
// event. A first event further ahead than the retention horizon means the
// upstream no longer held our position: recent history is incomplete. This
// is a reported, non-fatal condition. A clean in-horizon resume clears a
// previously recorded gap.
func (s *Subscriber) checkRetentionGap(ctx context.Context, cursor, firstSeq int64, gapped bool) {
	if cursor <= 0 {
		return
	}

	horizon := s.cfg.RetentionHorizon.Microseconds()
	if firstSeq-cursor <= horizon {
		if gapped {
			s.logger.Info("resumed within the retention horizon, clearing gap indicator")
			metrics.GapDetected.Set(0)
			if err := s.store.SetGap(ctx, false); err != nil {
				s.logger.Error("failed to clear gap indicator", "error", err)
			}
		}
		return
	}

	s.logger.Warn("cursor is beyond the upstream retention horizon, resuming from tip",
		"cursor", cursor,
		"first_event", firstSeq,
		"behind", time.Duration(firstSeq-cursor)*time.Microsecond,
	)
	metrics.GapDetected.Set(1)
	if err := s.store.SetGap(ctx, true); err != nil {
		s.logger.Error("failed to persist gap indicator", "error", err)
	}
}

// handleCommit classifies and applies one commit event. Returns whether the
// event mutated the store; a non-nil error means the store rejected the
// application and the event must not be skipped past.
func (s *Subscriber) handleCommit(ctx context.Context, event *jetstreamEvent) (bool, error) {
	commit := event.Commit

	switch commit.Collection {
	case collectionPost:
		switch commit.Operation {
		case "create":
			return s.handlePostCreate(ctx, event)
		case "delete":
			return s.handlePostDelete(ctx, event)
		}
	case collectionRepost:
		switch commit.Operation {
		case "create":
			return s.handleRepostCreate(ctx, event)
		case "delete":
			return s.handleRepostDelete(ctx, event)
		}
	}
	return false, nil
}

func (s *Subscriber) handlePostCreate(ctx context.Context, event *jetstreamEvent) (bool, error) {
	commit := event.Commit
	if len(commit.Record) == 0 {
		return false, nil
	}

	var record postRecord
	if err := json.Unmarshal(commit.Record, &record); err != nil {
		metrics.DecodeErrors.Inc()
		s.logger.Error("failed to decode post record", "error", err)
		return false, nil
	}

	trusted := s.trustedURLs(&record)
	if len(trusted) == 0 {
		metrics.PostsDiscarded.Inc()
		return false, nil
	}

	ev := &domain.PostCreate{
		Seq:       event.TimeUS,
		URI:       event.recordURI(),
		CID:       commit.CID,
		AuthorDID: event.DID,
		Text:      record.Text,
		CreatedAt: parseCreatedAt(record.CreatedAt, event.TimeUS),
		URLs:      trusted,
	}

	applied, err := s.store.ApplyPostCreate(ctx, ev)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("post_create").Inc()
		return false, fmt.Errorf("apply post creation %s: %w", ev.URI, err)
	}
	if applied {
		metrics.EventsApplied.WithLabelValues("post_create").Inc()
		s.logger.Info("indexed post",
			"uri", ev.URI,
			"domain", trusted[0].Domain,
			"url", trusted[0].URL,
		)
	}
	return applied, nil
}

func (s *Subscriber) handlePostDelete(ctx context.Context, event *jetstreamEvent) (bool, error) {
	ev := &domain.PostDelete{Seq: event.TimeUS, URI: event.recordURI()}
	applied, err := s.store.ApplyPostDelete(ctx, ev)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("post_delete").Inc()
		return false, fmt.Errorf("apply post deletion %s: %w", ev.URI, err)
	}
	// Most deletions are for posts that were never indexed.
	if applied {
		metrics.EventsApplied.WithLabelValues("post_delete").Inc()
	}
	return applied, nil
}

func (s *Subscriber) handleRepostCreate(ctx context.Context, event *jetstreamEvent) (bool, error) {
	commit := event.Commit
	if len(commit.Record) == 0 {
		return false, nil
	}

	var record repostRecord
	if err := json.Unmarshal(commit.Record, &record); err != nil {
		metrics.DecodeErrors.Inc()
		s.logger.Error("failed to decode repost record", "error", err)
		return false, nil
	}
	if record.Subject.URI == "" {
		return false, nil
	}

	ev := &domain.RepostDelta{
		Seq:        event.TimeUS,
		RepostURI:  event.recordURI(),
		SubjectURI: record.Subject.URI,
		Delta:      1,
	}
	applied, err := s.store.ApplyRepostDelta(ctx, ev)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("repost").Inc()
		return false, fmt.Errorf("apply repost of %s: %w", ev.SubjectURI, err)
	}
	if applied {
		metrics.EventsApplied.WithLabelValues("repost").Inc()
	}
	return applied, nil
}

func (s *Subscriber) handleRepostDelete(ctx context.Context, event *jetstreamEvent) (bool, error) {
	ev := &domain.RepostDelta{
		Seq:       event.TimeUS,
		RepostURI: event.recordURI(),
		Delta:     -1,
	}
	applied, err := s.store.ApplyRepostDelta(ctx, ev)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("unrepost").Inc()
		return false, fmt.Errorf("apply repost deletion %s: %w", ev.RepostURI, err)
	}
	if applied {
		metrics.EventsApplied.WithLabelValues("unrepost").Inc()
	}
	return applied, nil
}

// trustedURLs extracts candidate URLs from the record and keeps those whose
// domain passes the whitelist.
func (s *Subscriber) trustedURLs(record *postRecord) []domain.TrustedURL {
	src := extractor.Source{
		Text:     record.Text,
		Embed:    record.externalURI(),
		Facets:   record.facetLinks(),
		Entities: record.entityLinks(),
	}

	var trusted []domain.TrustedURL
	for _, candidate := range s.extractor.Candidates(src) {
		if d, ok := s.matcher.Match(candidate); ok {
			trusted = append(trusted, domain.TrustedURL{URL: candidate, Domain: d})
		}
	}
	return trusted
}

// parseCreatedAt parses the author-supplied creation timestamp, falling back
// to the event's sequence time when it is missing or malformed.
func parseCreatedAt(raw string, timeUS int64) time.Time {
	if raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t.UTC()
		}
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t.UTC()
		}
	}
	return time.UnixMicro(timeUS).UTC()
}
