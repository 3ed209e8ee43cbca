// Command publish manages the app.bsky.feed.generator record that points
// Bluesky clients at this feed generator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/openfeeds/domainfeed/internal/bluesky"
)

type options struct {
	handle      string
	password    string
	pds         string
	serviceDID  string
	rkey        string
	displayName string
	description string
	unpublish   bool
}

func parseOptions() *options {
	opts := &options{}
	flag.StringVar(&opts.handle, "handle", os.Getenv("BLUESKY_HANDLE"), "Bluesky handle (e.g. user.bsky.social)")
	flag.StringVar(&opts.password, "password", os.Getenv("BLUESKY_APP_PASSWORD"), "Bluesky app password")
	flag.StringVar(&opts.pds, "pds", os.Getenv("BLUESKY_PDS"), "PDS service URL (default https://bsky.social)")
	flag.StringVar(&opts.serviceDID, "service-did", os.Getenv("FEEDGEN_SERVICE_DID"), "Feed generator service DID (e.g. did:web:feeds.example.com)")
	flag.StringVar(&opts.rkey, "rkey", "domain-news", "Record key / short name for the feed")
	flag.StringVar(&opts.displayName, "name", "", "Feed display name (max 24 graphemes)")
	flag.StringVar(&opts.description, "description", "", "Feed description (max 300 graphemes)")
	flag.BoolVar(&opts.unpublish, "unpublish", false, "Delete the feed generator record instead of publishing")
	flag.Parse()
	return opts
}

func (o *options) validate() error {
	if o.handle == "" || o.password == "" {
		return errors.New("--handle and --password are required (or set BLUESKY_HANDLE and BLUESKY_APP_PASSWORD)")
	}
	if o.rkey == "" {
		return errors.New("--rkey is required")
	}
	if o.unpublish {
		return nil
	}
	if o.serviceDID == "" {
		return errors.New("--service-did is required for publishing (or set FEEDGEN_SERVICE_DID)")
	}
	if o.displayName == "" {
		return errors.New("--name is required for publishing")
	}
	return nil
}

func main() {
	opts := parseOptions()
	if err := opts.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	ctx := context.Background()
	client := bluesky.NewClient(opts.pds)

	if err := client.Login(ctx, opts.handle, opts.password); err != nil {
		fmt.Fprintf(os.Stderr, "error: login as %s: %v\n", opts.handle, err)
		os.Exit(1)
	}

	var err error
	if opts.unpublish {
		err = unpublish(ctx, client, opts)
	} else {
		err = publish(ctx, client, opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func publish(ctx context.Context, client *bluesky.Client, opts *options) error {
	record := bluesky.GeneratorRecord{
		DID:         opts.serviceDID,
		DisplayName: opts.displayName,
		Description: opts.description,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	if err := client.PublishFeed(ctx, opts.rkey, record); err != nil {
		return fmt.Errorf("publish feed %q: %w", opts.rkey, err)
	}

	fmt.Printf("published %s\n", feedURI(client.DID(), opts.rkey))
	fmt.Printf("serve it from the host behind %s\n", opts.serviceDID)
	return nil
}

func unpublish(ctx context.Context, client *bluesky.Client, opts *options) error {
	if err := client.UnpublishFeed(ctx, opts.rkey); err != nil {
		return fmt.Errorf("unpublish feed %q: %w", opts.rkey, err)
	}
	fmt.Printf("unpublished %s\n", feedURI(client.DID(), opts.rkey))
	return nil
}

func feedURI(did, rkey string) string {
	return fmt.Sprintf("at://%s/app.bsky.feed.generator/%s", did, rkey)
}
