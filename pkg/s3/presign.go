package s3

import (
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// PresignGet produces a standalone URL granting GET access to key until
// expireAt, without performing any HTTP call. The signature is computed
// over a synthetic request whose Date field carries the expiry timestamp
// rather than the current time; that substitution is what makes the
// signature itself expiry-bound.
func (b *Bucket) PresignGet(key string, expireAt time.Time) string {
	expires := strconv.FormatInt(expireAt.Unix(), 10)

	h := http.Header{}
	h.Set("Date", expires)
	sig := signV2(b.secretKey, http.MethodGet, h, canonicalResource(b.name, key))

	args := url.Values{}
	args.Set("AWSAccessKeyId", b.accessKey)
	args.Set("Expires", expires)
	args.Set("Signature", sig)
	return b.url(key, args, "&")
}

// PresignGetIn is PresignGet with a relative expiry.
func (b *Bucket) PresignGetIn(key string, ttl time.Duration) string {
	return b.PresignGet(key, nowFunc().Add(ttl))
}
