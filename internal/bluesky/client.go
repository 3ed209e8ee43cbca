// Package bluesky is a minimal AT Protocol client, sufficient for managing
// the feed generator record that points consumers at this service.
package bluesky

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

const (
	defaultPDS          = "https://bsky.social"
	generatorCollection = "app.bsky.feed.generator"
)

// Client talks XRPC to a PDS. Zero value is not usable; construct with
// NewClient and authenticate with Login before publishing.
type Client struct {
	pds  string
	http *http.Client

	session *session
}

type session struct {
	AccessJwt string `json:"accessJwt"`
	DID       string `json:"did"`
	Handle    string `json:"handle"`
}

// NewClient creates a client against the given PDS base URL. An empty pds
// selects bsky.social.
func NewClient(pds string) *Client {
	if pds == "" {
		pds = defaultPDS
	}
	return &Client{
		pds:  pds,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Login authenticates with an app password and keeps the session for
// subsequent calls.
func (c *Client) Login(ctx context.Context, identifier, appPassword string) error {
	var sess session
	err := c.call(ctx, "com.atproto.server.createSession", map[string]string{
		"identifier": identifier,
		"password":   appPassword,
	}, &sess)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	c.session = &sess
	return nil
}

// DID returns the authenticated account's DID, or empty before Login.
func (c *Client) DID() string {
	if c.session == nil {
		return ""
	}
	return c.session.DID
}

// GeneratorRecord is the app.bsky.feed.generator record body.
type GeneratorRecord struct {
	DID         string `json:"did"`
	DisplayName string `json:"displayName"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// PublishFeed creates or replaces the feed generator record under rkey in the
// authenticated account's repo.
func (c *Client) PublishFeed(ctx context.Context, rkey string, record GeneratorRecord) error {
	if c.session == nil {
		return fmt.Errorf("not authenticated: call Login first")
	}

	err := c.call(ctx, "com.atproto.repo.putRecord", map[string]any{
		"repo":       c.session.DID,
		"collection": generatorCollection,
		"rkey":       rkey,
		"record":     record,
	}, nil)
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// UnpublishFeed deletes the feed generator record under rkey.
func (c *Client) UnpublishFeed(ctx context.Context, rkey string) error {
	if c.session == nil {
		return fmt.Errorf("not authenticated: call Login first")
	}

	err := c.call(ctx, "com.atproto.repo.deleteRecord", map[string]any{
		"repo":       c.session.DID,
		"collection": generatorCollection,
		"rkey":       rkey,
	}, nil)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// APIError is a non-2xx XRPC response.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("xrpc error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("xrpc error %d", e.StatusCode)
}

// call POSTs an XRPC procedure and decodes the response into out when out is
// non-nil.
func (c *Client) call(ctx context.Context, nsid string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.pds+"/xrpc/"+nsid, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.session != nil {
		req.Header.Set("Authorization", "Bearer "+c.session.AccessJwt)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		// Error bodies that fail to decode still surface the status.
		_ = json.Unmarshal(respBody, apiErr)
		return apiErr
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
