package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// nowFunc returns the current time; tests substitute a fixed clock.
var nowFunc = time.Now

// request describes one outbound call before signing: everything except the
// computed Date and Authorization headers.
type request struct {
	method string
	key    string
	args   url.Values
	body   []byte
	header http.Header
}

// build assembles a signed *http.Request. Default headers are applied only
// when the caller has not supplied them already:
//
//   - Content-MD5: base64 MD5 of a non-empty body
//   - Date: the current time in HTTP-date format
//   - Authorization: "AWS <accessKey>:<signature>"
//
// The descriptor's header map is copied, never mutated, so a descriptor can
// be rebuilt (and re-signed with a fresh Date) for every retry attempt.
func (b *Bucket) build(ctx context.Context, r *request) (*http.Request, error) {
	h := cloneHeader(r.header)

	if len(r.body) > 0 && h.Get("Content-MD5") == "" {
		sum := md5.Sum(r.body)
		h.Set("Content-MD5", base64.StdEncoding.EncodeToString(sum[:]))
	}
	if h.Get("Date") == "" {
		h.Set("Date", nowFunc().UTC().Format(http.TimeFormat))
	}
	if h.Get("Authorization") == "" {
		sig := signV2(b.secretKey, r.method, h, canonicalResource(b.name, r.key))
		h.Set("Authorization", "AWS "+b.accessKey+":"+sig)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, b.url(r.key, r.args, ";"), bytes.NewReader(r.body))
	if err != nil {
		return nil, err
	}
	req.Header = h
	req.ContentLength = int64(len(r.body))
	return req, nil
}

// url builds the request URL: baseURL + "/" + escaped key, plus the query
// arguments joined with sep. Ordinary requests join with ";"; pre-signed
// URLs join with "&". The key escaping matches canonicalResource exactly,
// which the listing paginator depends on for marker round-trips.
func (b *Bucket) url(key string, args url.Values, sep string) string {
	var sb strings.Builder
	sb.WriteString(b.baseURL)
	sb.WriteString("/")
	if key != "" {
		sb.WriteString(pathEscape(key))
	}
	if len(args) > 0 {
		names := make([]string, 0, len(args))
		for name := range args {
			names = append(names, name)
		}
		sort.Strings(names)

		sb.WriteString("?")
		first := true
		for _, name := range names {
			for _, v := range args[name] {
				if !first {
					sb.WriteString(sep)
				}
				first = false
				sb.WriteString(url.QueryEscape(name))
				sb.WriteString("=")
				sb.WriteString(url.QueryEscape(v))
			}
		}
	}
	return sb.String()
}

// URL returns the unauthenticated URL for a key.
func (b *Bucket) URL(key string) string {
	return b.url(key, nil, "")
}
