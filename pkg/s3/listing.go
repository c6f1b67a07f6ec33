package s3

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// xmlNamespace is the namespace of all listing response documents.
const xmlNamespace = "http://s3.amazonaws.com/doc/2006-03-01/"

// ListEntry is one object in a bucket listing. When enumeration fails
// mid-stream, List delivers a final entry whose Err field is set.
type ListEntry struct {
	Key          string
	LastModified time.Time
	ETag         string
	Size         int64
	Err          error
}

// ListingPage is one pageful of listing data. Entries are in lexicographic
// key order. When Truncated is set, NextMarker is the marker to pass for
// the following page (the last entry's key).
type ListingPage struct {
	Entries    []ListEntry
	Truncated  bool
	NextMarker string
}

// ListOptions narrow a listing.
type ListOptions struct {
	// Prefix restricts the listing to keys starting with it.
	Prefix string
	// Marker restricts the listing to keys lexicographically greater
	// than it.
	Marker string
	// MaxKeys bounds the page size requested of the service, not the
	// total number of entries enumerated.
	MaxKeys int
	// Delimiter groups keys by a common prefix up to it.
	Delimiter string
}

// listBucketResult mirrors the ListBucketResult wire document.
type listBucketResult struct {
	XMLName     xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListBucketResult"`
	IsTruncated bool     `xml:"IsTruncated"`
	Contents    []struct {
		Key          string `xml:"Key"`
		LastModified string `xml:"LastModified"`
		ETag         string `xml:"ETag"`
		Size         int64  `xml:"Size"`
	} `xml:"Contents"`
}

// ListPage fetches a single listing page.
func (b *Bucket) ListPage(ctx context.Context, opts ListOptions) (*ListingPage, error) {
	args := url.Values{}
	if opts.Prefix != "" {
		args.Set("prefix", opts.Prefix)
	}
	if opts.Marker != "" {
		args.Set("marker", opts.Marker)
	}
	if opts.MaxKeys > 0 {
		args.Set("max-keys", strconv.Itoa(opts.MaxKeys))
	}
	if opts.Delimiter != "" {
		args.Set("delimiter", opts.Delimiter)
	}

	resp, err := b.do(ctx, &request{method: http.MethodGet, args: args})
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp.Body)

	var doc listBucketResult
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("s3: decode listing: %w", err)
	}

	page := &ListingPage{Truncated: doc.IsTruncated}
	for _, c := range doc.Contents {
		entry := ListEntry{
			Key:  c.Key,
			ETag: c.ETag,
			Size: c.Size,
		}
		if c.LastModified != "" {
			t, err := time.Parse(time.RFC3339, c.LastModified)
			if err != nil {
				return nil, fmt.Errorf("s3: listing entry %q: bad LastModified: %w", c.Key, err)
			}
			entry.LastModified = t
		}
		page.Entries = append(page.Entries, entry)
	}
	if page.Truncated && len(page.Entries) > 0 {
		page.NextMarker = page.Entries[len(page.Entries)-1].Key
	}
	return page, nil
}

// List lazily enumerates every object under opts.Prefix, fetching further
// pages as consumption proceeds. The channel is closed once the listing is
// complete; on failure a final entry with Err set is delivered first. The
// sequence is forward-only and non-restartable.
//
// MaxKeys bounds individual pages only; the total number of entries may
// exceed it.
func (b *Bucket) List(ctx context.Context, opts ListOptions) <-chan ListEntry {
	ch := make(chan ListEntry)
	go func() {
		defer close(ch)
		marker := opts.Marker
		for {
			page, err := b.ListPage(ctx, ListOptions{
				Prefix:    opts.Prefix,
				Marker:    marker,
				MaxKeys:   opts.MaxKeys,
				Delimiter: opts.Delimiter,
			})
			if err != nil {
				select {
				case ch <- ListEntry{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			for _, entry := range page.Entries {
				select {
				case ch <- entry:
				case <-ctx.Done():
					return
				}
			}
			// A truncated page with no entries has no marker to
			// continue from; stop rather than loop.
			if !page.Truncated || page.NextMarker == "" {
				return
			}
			marker = page.NextMarker
		}
	}()
	return ch
}
