package s3

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"
)

const (
	// amzHeaderPrefix marks service headers that participate in the
	// signature (ACLs, copy directives, user metadata and so on).
	amzHeaderPrefix = "x-amz-"

	// metadataPrefix marks caller-supplied per-object metadata. It is
	// added on write and stripped again when reading response headers.
	metadataPrefix = "x-amz-meta-"
)

// signV2 computes the AWS signature V2 for a request: an HMAC-SHA1 over the
// canonical string-to-sign, encoded in standard base64. Identical inputs
// always produce identical signatures.
func signV2(secretKey []byte, method string, headers http.Header, resource string) string {
	mac := hmac.New(sha1.New, secretKey)
	mac.Write([]byte(stringToSign(method, headers, resource)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// stringToSign builds the canonical signable string:
//
//	METHOD \n Content-MD5 \n Content-Type \n Date \n
//	<canonicalized x-amz-* headers, one per line>
//	<canonicalized resource>
//
// Missing header values render as empty fields.
func stringToSign(method string, headers http.Header, resource string) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteString("\n")
	b.WriteString(headers.Get("Content-MD5"))
	b.WriteString("\n")
	b.WriteString(headers.Get("Content-Type"))
	b.WriteString("\n")
	b.WriteString(headers.Get("Date"))
	b.WriteString("\n")
	b.WriteString(canonicalAmzHeaders(headers))
	b.WriteString(resource)
	return b.String()
}

// canonicalAmzHeaders renders every x-amz-* header as "name:value\n" with
// names lowercased and sorted, and values of repeated headers joined by
// commas. Header name casing and supply order therefore never affect the
// signature.
func canonicalAmzHeaders(headers http.Header) string {
	byName := make(map[string][]string)
	for name, values := range headers {
		lower := strings.ToLower(strings.TrimSpace(name))
		if !strings.HasPrefix(lower, amzHeaderPrefix) {
			continue
		}
		byName[lower] = append(byName[lower], values...)
	}
	if len(byName) == 0 {
		return ""
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(strings.Join(byName[name], ","))
		b.WriteString("\n")
	}
	return b.String()
}

// canonicalResource maps (bucket, key) to the canonicalized resource path
// used identically in the signature and in request URLs. The key part is
// omitted entirely when key is empty.
func canonicalResource(bucket, key string) string {
	res := "/" + pathEscape(bucket) + "/"
	if key != "" {
		res += pathEscape(key)
	}
	return res
}

// pathEscape percent-encodes a bucket name or object key for use in a URL
// path. The path separator and '~' stay literal; everything outside the
// unreserved set is encoded. The same escaping feeds the signature and the
// URL, so the two can never diverge.
func pathEscape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '-' || c == '_' || c == '.' || c == '~' || c == '/':
			b.WriteByte(c)
		default:
			b.WriteString("%")
			b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
		}
	}
	return b.String()
}
