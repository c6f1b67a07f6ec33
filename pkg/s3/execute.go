package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// maxAttempts bounds the retry loop. The service occasionally answers
	// 500 for requests that succeed on re-submission; anything else is
	// definitive.
	maxAttempts = 10

	// maxErrorBody caps how much of an error response is read for message
	// extraction.
	maxErrorBody = 1 << 20
)

// retryInterval paces re-attempts after a 500. Tests shorten it.
var retryInterval = 250 * time.Millisecond

// errServerRetry marks an attempt that ended in HTTP 500 and may be retried.
var errServerRetry = errors.New("server returned 500")

// do executes a request descriptor: it rebuilds, re-signs and re-sends the
// request for up to maxAttempts attempts as long as the service answers 500
// (signatures are time-bound, so each attempt gets a fresh Date). Any other
// failure terminates immediately and is classified into the error taxonomy.
// The configured timeout bounds each attempt separately, including reading
// the returned body; pauses between attempts are not charged against it.
//
// On success the caller owns the response body. On failure the executor has
// already released any partially-read body.
func (b *Bucket) do(ctx context.Context, r *request) (*http.Response, error) {
	attempt := 0
	var resp *http.Response
	var bodyCancel context.CancelFunc

	operation := func() error {
		attempt++
		attemptCtx, cancel := b.callContext(ctx)

		req, err := b.build(attemptCtx, r)
		if err != nil {
			cancel()
			return backoff.Permanent(err)
		}

		res, err := b.client.Do(req)
		if err != nil {
			cancel()
			// Connection refused, DNS failure, timeout: definitive.
			return backoff.Permanent(&Error{Message: "HTTP error", Err: err})
		}

		if res.StatusCode == http.StatusInternalServerError {
			drainAndClose(res.Body)
			cancel()
			slog.Debug("retrying after server error", "method", r.method, "key", r.key, "attempt", attempt)
			return errServerRetry
		}
		if res.StatusCode >= 400 {
			err := b.classify(res, r.key)
			cancel()
			return backoff.Permanent(err)
		}

		resp = res
		bodyCancel = cancel
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(retryInterval), maxAttempts-1),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		if errors.Is(err, errServerRetry) {
			return nil, fmt.Errorf("%w: status 500 persisted across %d attempts", ErrRetriesExhausted, attempt)
		}
		var se *Error
		var nf *NotFoundError
		if errors.As(err, &se) || errors.As(err, &nf) {
			return nil, err
		}
		// Caller cancellation during a retry pause surfaces as a bare
		// context error; classify it like any other transport failure.
		return nil, &Error{Message: "HTTP error", Err: err}
	}

	// Tie the attempt's context to the body's lifetime: cancel when the
	// caller closes it.
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: bodyCancel}
	return resp, nil
}

// classify turns a non-retryable HTTP error response into the error
// taxonomy, extracting the service-reported <Message> text when the body
// contains one. The response body is always released here.
func (b *Bucket) classify(res *http.Response, key string) error {
	body, readErr := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	drainAndClose(res.Body)

	if res.StatusCode == http.StatusNotFound {
		return &NotFoundError{Key: key}
	}

	e := &Error{
		StatusCode: res.StatusCode,
		Message:    "HTTP error",
		Body:       body,
	}
	if readErr != nil {
		// Best effort: record the read failure as context, keep the
		// generic message.
		e.ReadErr = readErr
		return e
	}
	if msg, ok := serviceMessage(body); ok {
		e.Message = msg
	}
	return e
}

// cancelReadCloser releases the per-call context when the response body is
// closed.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
