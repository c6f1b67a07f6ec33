package s3

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDetectContentType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		key  string
		data []byte
		want string
	}{
		{"by extension", "report.json", nil, "application/json"},
		{"extension beats content", "data.json", []byte("plain text"), "application/json"},
		{"sniffed png", "blob", []byte("\x89PNG\r\n\x1a\n0000"), "image/png"},
		{"no clue at all", "blob", nil, "application/octet-stream"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := detectContentType(tc.key, tc.data)
			require.True(t, strings.HasPrefix(got, tc.want), "got %q, want prefix %q", got, tc.want)
		})
	}
}

func TestObjectInfoFromResponse(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	h.Set("ETag", `"abc123"`)
	h.Set("Last-Modified", "Fri, 02 Jan 2026 03:04:05 GMT")
	h.Set("X-Amz-Meta-Owner", "eve")
	h.Set("x-amz-meta-origin", "unit")
	h.Set("X-Amz-Request-Id", "ignored") // not metadata

	resp := &http.Response{Header: h, ContentLength: 11}
	info := objectInfoFromResponse("k", resp)

	require.Equal(t, "k", info.Key)
	require.Equal(t, "text/plain", info.ContentType)
	require.EqualValues(t, 11, info.ContentLength)
	require.Equal(t, "abc123", info.ETag, "surrounding quotes stripped")
	require.Equal(t, time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC), info.LastModified.UTC())
	require.Equal(t, map[string]string{"owner": "eve", "origin": "unit"}, info.Metadata)
}

func TestObjectInfoFreshMetadataMap(t *testing.T) {
	t.Parallel()

	resp := &http.Response{Header: http.Header{}}
	a := objectInfoFromResponse("k", resp)
	b := objectInfoFromResponse("k", resp)

	a.Metadata["x"] = "y"
	require.Empty(t, b.Metadata, "metadata maps must not be shared between calls")
}
