package s3

import (
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

const defaultContentType = "application/octet-stream"

// ObjectInfo is the metadata of a stored object, extracted uniformly from
// either a HEAD or a GET response.
type ObjectInfo struct {
	Key           string
	ContentType   string
	ContentLength int64
	ETag          string
	LastModified  time.Time
	// Metadata holds the caller-supplied per-object metadata with the
	// x-amz-meta- prefix stripped. The map is fresh per call.
	Metadata map[string]string
}

// objectInfoFromResponse normalizes the interesting response headers into an
// ObjectInfo.
func objectInfoFromResponse(key string, resp *http.Response) *ObjectInfo {
	info := &ObjectInfo{
		Key:           key,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		ETag:          strings.Trim(resp.Header.Get("ETag"), `"`),
		Metadata:      map[string]string{},
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := time.Parse(http.TimeFormat, lm); err == nil {
			info.LastModified = t
		}
	}
	for name, values := range resp.Header {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, metadataPrefix) {
			continue
		}
		info.Metadata[lower[len(metadataPrefix):]] = strings.Join(values, ",")
	}
	return info
}

// detectContentType resolves the Content-Type for an upload: the key's
// extension wins, then sniffing the payload, then the default type.
func detectContentType(key string, data []byte) string {
	if ext := path.Ext(key); ext != "" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			return byExt
		}
	}
	if len(data) > 0 {
		const sniffLen = 512
		head := data
		if len(head) > sniffLen {
			head = head[:sniffLen]
		}
		if mt := mimetype.Detect(head); mt != nil {
			return mt.String()
		}
	}
	return defaultContentType
}
