package s3

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRetriesExhausted reports that the executor hit its retry ceiling
// without a definitive outcome. It signals infrastructure misbehavior
// rather than a caller error and should not be retried further.
var ErrRetriesExhausted = errors.New("s3: ran out of retries")

// Error is the general service error: an HTTP error status or a transport
// failure, with the best-effort service-reported message when one could be
// extracted from the response body.
type Error struct {
	// StatusCode is the HTTP status, or 0 for transport-level failures.
	StatusCode int
	// Message is the service-reported <Message> text when present,
	// otherwise a generic description.
	Message string
	// Body is the raw response body, when it could be read.
	Body []byte
	// ReadErr records a failure to read the response body. It is
	// auxiliary context only and never changes classification.
	ReadErr error
	// Err is the underlying transport error, if any.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("s3: ")
	b.WriteString(e.Message)
	var extra []string
	if e.StatusCode != 0 {
		extra = append(extra, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Err != nil {
		extra = append(extra, fmt.Sprintf("cause=%v", e.Err))
	}
	if e.ReadErr != nil {
		extra = append(extra, fmt.Sprintf("read_error=%v", e.ReadErr))
	}
	if len(extra) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(extra, ", "))
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NotFoundError reports an HTTP 404 for the requested key. Callers may
// treat it as recoverable, e.g. as a cache miss or a no-op delete.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("s3: key not found: %q", e.Key)
}

// serviceMessage extracts the human-readable <Message> element from a raw
// error response body. It deliberately works on the raw bytes so that a
// malformed or truncated XML document still yields the message when the
// element itself is intact.
func serviceMessage(body []byte) (string, bool) {
	const openTag, closeTag = "<Message>", "</Message>"
	s := string(body)
	begin := strings.Index(s, openTag)
	end := strings.Index(s, closeTag)
	if begin < 0 || end < 0 || begin+len(openTag) > end {
		return "", false
	}
	return s[begin+len(openTag) : end], true
}
