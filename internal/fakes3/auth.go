// Package fakes3 is an in-memory S3-compatible server used as a test double
// and by the example program. It verifies AWS signature V2 credentials,
// stores objects in memory and speaks the listing XML dialect.
package fakes3

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const signV2Prefix = "AWS "

// subresources are the query parameters that participate in the V2
// canonicalized resource, per the signature V2 specification.
var subresources = []string{
	"acl", "delete", "lifecycle", "location", "logging", "notification",
	"partNumber", "policy", "requestPayment",
	"response-cache-control", "response-content-disposition",
	"response-content-encoding", "response-content-language",
	"response-content-type", "response-expires",
	"torrent", "uploadId", "uploads", "versionId", "versioning",
	"versions", "website",
}

// authError carries the S3 error code and status to answer a failed
// authorization with.
type authError struct {
	code    string
	message string
	status  int
}

func (e *authError) Error() string { return e.message }

// authorize validates either the Authorization header (ordinary requests)
// or the AWSAccessKeyId/Expires/Signature query triple (pre-signed URLs) by
// recomputing the V2 signature from the request.
func (s *Server) authorize(r *http.Request, query url.Values) error {
	if query.Get("Signature") != "" {
		return s.authorizePresigned(r, query)
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, signV2Prefix) {
		return &authError{"AccessDenied", "Access Denied", http.StatusForbidden}
	}
	idAndSig := strings.SplitN(strings.TrimPrefix(auth, signV2Prefix), ":", 2)
	if len(idAndSig) != 2 || idAndSig[0] != s.accessKey {
		return &authError{"InvalidAccessKeyId", "The AWS access key ID you provided does not exist in our records.", http.StatusForbidden}
	}

	want := s.signature(r.Method, r.Header.Get("Content-MD5"), r.Header.Get("Content-Type"), r.Header.Get("Date"), r, query)
	if !hmac.Equal([]byte(want), []byte(idAndSig[1])) {
		return &authError{"SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided.", http.StatusForbidden}
	}
	return nil
}

func (s *Server) authorizePresigned(r *http.Request, query url.Values) error {
	if query.Get("AWSAccessKeyId") != s.accessKey {
		return &authError{"InvalidAccessKeyId", "The AWS access key ID you provided does not exist in our records.", http.StatusForbidden}
	}

	expires := query.Get("Expires")
	deadline, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return &authError{"AccessDenied", "Invalid Expires parameter", http.StatusForbidden}
	}
	if time.Now().Unix() > deadline {
		return &authError{"AccessDenied", "Request has expired", http.StatusForbidden}
	}

	// A pre-signed request is signed with the expiry timestamp standing in
	// for the Date field.
	want := s.signature(r.Method, "", "", expires, r, query)
	if !hmac.Equal([]byte(want), []byte(query.Get("Signature"))) {
		return &authError{"SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided.", http.StatusForbidden}
	}
	return nil
}

// signature recomputes the V2 signature for an inbound request.
func (s *Server) signature(method, contentMD5, contentType, date string, r *http.Request, query url.Values) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteString("\n")
	b.WriteString(contentMD5)
	b.WriteString("\n")
	b.WriteString(contentType)
	b.WriteString("\n")
	b.WriteString(date)
	b.WriteString("\n")
	b.WriteString(canonicalAmzHeaders(r.Header))
	b.WriteString(canonicalResource(r.URL.EscapedPath(), query))

	mac := hmac.New(sha1.New, []byte(s.secretKey))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// canonicalAmzHeaders renders the x-amz-* headers the same way signing
// clients do: lowercased names, sorted, values of repeated headers joined
// by commas, one "name:value\n" line each.
func canonicalAmzHeaders(headers http.Header) string {
	byName := make(map[string][]string)
	for name, values := range headers {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, "x-amz-") {
			continue
		}
		byName[lower] = append(byName[lower], values...)
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s:%s\n", name, strings.Join(byName[name], ","))
	}
	return b.String()
}

// canonicalResource is the escaped request path plus any signature-relevant
// subresources, sorted, appended query-style.
func canonicalResource(escapedPath string, query url.Values) string {
	var parts []string
	for _, name := range subresources {
		if vs, ok := query[name]; ok {
			if len(vs) > 0 && vs[0] != "" {
				parts = append(parts, name+"="+vs[0])
			} else {
				parts = append(parts, name)
			}
		}
	}
	if len(parts) == 0 {
		return escapedPath
	}
	sort.Strings(parts)
	return escapedPath + "?" + strings.Join(parts, "&")
}
