// Package transport wraps outbound HTTP calls with timeout, bounded retries,
// and error-class-aware retry suppression.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrAttemptTimeout marks a single attempt that exceeded the per-attempt
	// timeout. Distinct from a normal failure; both consume retry budget.
	ErrAttemptTimeout = errors.New("attempt timed out")
)

// RetryError is the last observed error after the retry budget is exhausted,
// tagged with the attempt count for diagnostics.
type RetryError struct {
	Attempts int
	Err      error
}

// Error implements the error interface
func (e *RetryError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *RetryError) Unwrap() error {
	return e.Err
}

// StatusError represents a retryable HTTP status that survived all retries
type StatusError struct {
	StatusCode int
}

// Error implements the error interface
func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d", e.StatusCode)
}

// Options configures the retry policy
type Options struct {
	MaxRetries  int           // retries after the first attempt
	BaseDelay   time.Duration // backoff unit
	Timeout     time.Duration // per-attempt timeout; zero disables
	Exponential bool          // delay = BaseDelay * 2^attempt when true
	Jitter      bool          // adds up to BaseDelay/2 of random skew
}

// Client wraps an HTTP client with the retry policy. It satisfies the same
// Do interface as http.Client, so components take it by injection.
type Client struct {
	inner  *http.Client
	opts   Options
	logger *zap.Logger
}

// NewClient creates a retrying HTTP client
func NewClient(inner *http.Client, opts Options, logger *zap.Logger) *Client {
	if inner == nil {
		inner = &http.Client{}
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	return &Client{
		inner:  inner,
		opts:   opts,
		logger: logger,
	}
}

// Do executes the request, retrying on 5xx, 429, timeouts, and network-layer
// failures. Other 4xx responses are returned as-is on the first attempt:
// retrying a client error cannot help. Caller-side cancellation aborts
// pending retries without consuming further budget.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to buffer request body: %w", err)
		}
	}

	parentCtx := req.Context()
	attempts := c.opts.MaxRetries + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.backoffDelay(attempt - 1)
			select {
			case <-time.After(delay):
			case <-parentCtx.Done():
				return nil, parentCtx.Err()
			}
		}

		resp, err := c.doOnce(parentCtx, req, body)
		if err != nil {
			if parentCtx.Err() != nil {
				// Caller cancelled; not a backend failure
				return nil, parentCtx.Err()
			}
			lastErr = err
			c.logger.Debug("outbound attempt failed",
				zap.String("url", req.URL.String()),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}

		lastErr = &StatusError{StatusCode: resp.StatusCode}
		drainBody(resp)
		c.logger.Debug("outbound attempt returned retryable status",
			zap.String("url", req.URL.String()),
			zap.Int("attempt", attempt+1),
			zap.Int("status", resp.StatusCode))
	}

	return nil, &RetryError{Attempts: attempts, Err: lastErr}
}

// doOnce runs a single attempt under the per-attempt timeout
func (c *Client) doOnce(parentCtx context.Context, req *http.Request, body []byte) (*http.Response, error) {
	ctx := parentCtx
	cancel := context.CancelFunc(func() {})
	if c.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parentCtx, c.opts.Timeout)
	}

	attemptReq := req.Clone(ctx)
	if body != nil {
		attemptReq.Body = io.NopCloser(bytes.NewReader(body))
		attemptReq.ContentLength = int64(len(body))
	}

	resp, err := c.inner.Do(attemptReq)
	if err != nil {
		cancel()
		if ctx.Err() == context.DeadlineExceeded && parentCtx.Err() == nil {
			return nil, fmt.Errorf("%w: %v", ErrAttemptTimeout, err)
		}
		return nil, err
	}

	// The attempt context must outlive the body: cancelling now would kill
	// reads mid-stream. Closing the body releases it instead.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose ties an attempt context's lifetime to the response body
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

// Close closes the body, then releases the attempt context
func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// backoffDelay computes the wait before retry number attempt+1
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.opts.BaseDelay
	if c.opts.Exponential {
		delay = c.opts.BaseDelay * (1 << attempt)
	}
	if c.opts.Jitter {
		delay += time.Duration(rand.Int63n(int64(c.opts.BaseDelay)/2 + 1))
	}
	return delay
}

// retryableStatus reports whether a status code is worth retrying.
// 429 is the one 4xx the backend asks us to come back for.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// drainBody releases the connection for reuse before a retry
func drainBody(resp *http.Response) {
	if resp.Body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}
}

// IsTimeout reports whether an error chain contains an attempt timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrAttemptTimeout)
}
