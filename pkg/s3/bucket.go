// Package s3 is a client for S3-compatible object storage services. It
// signs requests with AWS signature V2, retries transient failures, walks
// marker-paginated listings and produces time-limited pre-signed URLs.
package s3

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultEndpoint = "https://s3.amazonaws.com"

// Config holds everything a Bucket needs. It is treated as read-only after
// New, with the exception of the timeout, which DisableTimeout may override
// for the duration of a scope.
type Config struct {
	// Name is the bucket name.
	Name string
	// BaseURL is scheme://host[/prefix]/bucket. When empty it is derived
	// from the default endpoint and the bucket name.
	BaseURL string
	// AccessKey identifies the signing credentials.
	AccessKey string
	// SecretKey is the symmetric signing material.
	SecretKey string
	// Timeout bounds each individual HTTP call. Zero means no bound
	// beyond the caller's context.
	Timeout time.Duration
	// HTTPClient sends the requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Bucket is the client for a single bucket. It is safe for concurrent use
// as long as the underlying HTTP client is, with the sole exception of
// DisableTimeout, which mutates the per-call timeout and must not race
// with other calls on the same instance.
type Bucket struct {
	name      string
	baseURL   string
	accessKey string
	secretKey []byte
	client    *http.Client

	// timeout is the only mutable field; see DisableTimeout.
	timeout time.Duration
}

// New validates cfg and returns a Bucket for it.
func New(cfg Config) (*Bucket, error) {
	if cfg.Name == "" {
		return nil, errors.New("s3: bucket name must not be empty")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultEndpoint + "/" + pathEscape(cfg.Name)
	}
	baseURL = strings.TrimRight(baseURL, "/")

	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	return &Bucket{
		name:      cfg.Name,
		baseURL:   baseURL,
		accessKey: cfg.AccessKey,
		secretKey: []byte(cfg.SecretKey),
		client:    client,
		timeout:   cfg.Timeout,
	}, nil
}

// Name returns the bucket name.
func (b *Bucket) Name() string { return b.name }

// DisableTimeout suspends the per-call timeout and returns a function that
// restores the previous value. Restores must nest strictly:
//
//	restore := b.DisableTimeout()
//	defer restore()
//
// It is not safe to call concurrently with other operations on the same
// Bucket.
func (b *Bucket) DisableTimeout() (restore func()) {
	prev := b.timeout
	b.timeout = 0
	return func() { b.timeout = prev }
}

// Get retrieves an object. The caller owns the returned body and must close
// it. Returns *NotFoundError when the key does not exist.
func (b *Bucket) Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	resp, err := b.do(ctx, &request{method: http.MethodGet, key: key})
	if err != nil {
		return nil, nil, err
	}
	return resp.Body, objectInfoFromResponse(key, resp), nil
}

// Info retrieves an object's metadata via HEAD. The underlying response is
// released before returning.
func (b *Bucket) Info(ctx context.Context, key string) (*ObjectInfo, error) {
	resp, err := b.do(ctx, &request{method: http.MethodHead, key: key})
	if err != nil {
		return nil, err
	}
	info := objectInfoFromResponse(key, resp)
	drainAndClose(resp.Body)
	return info, nil
}

// Exists reports whether an object with the given key exists.
func (b *Bucket) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.Info(ctx, key)
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Put uploads data under key. The Content-Type is taken from opts when set,
// otherwise detected from the key's extension, then from the data itself,
// falling back to application/octet-stream. Metadata entries become
// x-amz-meta-* headers.
func (b *Bucket) Put(ctx context.Context, key string, data []byte, opts *PutOptions) error {
	if opts == nil {
		opts = &PutOptions{}
	}

	h := cloneHeader(opts.Headers)
	switch {
	case opts.ContentType != "":
		h.Set("Content-Type", opts.ContentType)
	case h.Get("Content-Type") == "":
		h.Set("Content-Type", detectContentType(key, data))
	}
	setMetadataHeaders(h, opts.Metadata)
	if opts.ACL != "" {
		h.Set("x-amz-acl", opts.ACL)
	}

	resp, err := b.do(ctx, &request{method: http.MethodPut, key: key, body: data, header: h})
	if err != nil {
		return err
	}
	drainAndClose(resp.Body)
	return nil
}

// Delete removes an object. Deleting a nonexistent key is not an error: it
// returns false. Any 2xx outcome returns true.
func (b *Bucket) Delete(ctx context.Context, key string) (bool, error) {
	resp, err := b.do(ctx, &request{method: http.MethodDelete, key: key})
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	code := resp.StatusCode
	drainAndClose(resp.Body)
	return code >= 200 && code < 300, nil
}

// Copy copies a source object, given as "<bucket>/<key>", to key in this
// bucket. When opts.Metadata is non-nil the metadata is replaced with it,
// otherwise the source object's metadata is preserved. The ACL is never
// copied; the service applies its default unless opts.ACL is set.
func (b *Bucket) Copy(ctx context.Context, source, key string, opts *CopyOptions) error {
	if opts == nil {
		opts = &CopyOptions{}
	}

	h := cloneHeader(opts.Headers)
	ct := opts.ContentType
	if ct == "" {
		ct = detectContentType(key, nil)
	}
	h.Set("Content-Type", ct)
	h.Set("x-amz-copy-source", "/"+pathEscape(strings.TrimPrefix(source, "/")))
	if opts.ACL != "" {
		h.Set("x-amz-acl", opts.ACL)
	}
	if opts.Metadata != nil {
		h.Set("x-amz-metadata-directive", "REPLACE")
		setMetadataHeaders(h, opts.Metadata)
	} else {
		h.Set("x-amz-metadata-directive", "COPY")
	}

	resp, err := b.do(ctx, &request{method: http.MethodPut, key: key, header: h})
	if err != nil {
		return err
	}
	drainAndClose(resp.Body)
	return nil
}

// CreateBucket creates the bucket itself. A nil opts requests the service
// defaults.
func (b *Bucket) CreateBucket(ctx context.Context, opts *CreateBucketOptions) error {
	if opts == nil {
		opts = &CreateBucketOptions{}
	}
	h := http.Header{}
	if opts.ACL != "" {
		h.Set("x-amz-acl", opts.ACL)
	}
	resp, err := b.do(ctx, &request{method: http.MethodPut, body: opts.Config, header: h})
	if err != nil {
		return err
	}
	drainAndClose(resp.Body)
	return nil
}

// DeleteBucket removes the bucket. Like Delete, a missing bucket returns
// false rather than an error.
func (b *Bucket) DeleteBucket(ctx context.Context) (bool, error) {
	return b.Delete(ctx, "")
}

// PutOptions control a single Put call.
type PutOptions struct {
	// ContentType overrides content-type detection when non-empty.
	ContentType string
	// ACL sets the x-amz-acl header when non-empty.
	ACL string
	// Metadata entries are sent as x-amz-meta-* headers.
	Metadata map[string]string
	// Headers are extra request headers. They are copied per call and
	// never mutated.
	Headers http.Header
}

// CreateBucketOptions control a CreateBucket call.
type CreateBucketOptions struct {
	// ACL sets the x-amz-acl header when non-empty.
	ACL string
	// Config is an optional bucket-configuration XML document sent as the
	// request body, e.g. a CreateBucketConfiguration location constraint.
	Config []byte
}

// CopyOptions control a single Copy call.
type CopyOptions struct {
	ContentType string
	ACL         string
	// Metadata replaces the source metadata when non-nil; when nil the
	// source metadata is carried over unchanged.
	Metadata map[string]string
	Headers  http.Header
}

// File bundles a body with its upload options so a value can be handed
// around and applied to a bucket later.
type File struct {
	Data    []byte
	Options PutOptions
}

// PutInto uploads the file into b under key.
func (f *File) PutInto(ctx context.Context, b *Bucket, key string) error {
	return b.Put(ctx, key, f.Data, &f.Options)
}

// setMetadataHeaders adds each metadata entry under the service's metadata
// header prefix.
func setMetadataHeaders(h http.Header, metadata map[string]string) {
	for k, v := range metadata {
		h.Set(metadataPrefix+k, v)
	}
}

// cloneHeader returns a fresh copy of h, never sharing the caller's maps.
func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

// drainAndClose releases a response body so the transport can reuse the
// connection.
func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	_ = body.Close()
}

// callContext applies the per-call timeout, if one is configured.
func (b *Bucket) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout > 0 {
		return context.WithTimeout(ctx, b.timeout)
	}
	return context.WithCancel(ctx)
}
