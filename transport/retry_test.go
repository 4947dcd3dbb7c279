package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(opts Options) *Client {
	return NewClient(nil, opts, zap.NewNop())
}

func TestDo_SucceedsAfterServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := newTestClient(Options{MaxRetries: 3, BaseDelay: time.Millisecond})

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDo_SuppressesClientErrors(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden} {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(status)
		}))

		client := newTestClient(Options{MaxRetries: 3, BaseDelay: time.Millisecond})

		req, err := http.NewRequest(http.MethodGet, server.URL, nil)
		require.NoError(t, err)

		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, status, resp.StatusCode)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx must not be retried")
		server.Close()
	}
}

func TestDo_RetriesTooManyRequests(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(Options{MaxRetries: 2, BaseDelay: time.Millisecond})

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDo_ExhaustionReturnsTaggedError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(Options{MaxRetries: 2, BaseDelay: time.Millisecond})

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = client.Do(req)
	require.Error(t, err)

	var retryErr *RetryError
	require.True(t, errors.As(err, &retryErr))
	assert.Equal(t, 3, retryErr.Attempts)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDo_TimeoutCountsTowardBudget(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := newTestClient(Options{
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		Timeout:    20 * time.Millisecond,
	})

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = client.Do(req)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	var retryErr *RetryError
	require.True(t, errors.As(err, &retryErr))
	assert.Equal(t, 2, retryErr.Attempts)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDo_CallerCancellationAbortsRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := newTestClient(Options{MaxRetries: 10, BaseDelay: 50 * time.Millisecond})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = client.Do(req)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, atomic.LoadInt32(&calls), int32(5), "cancellation must stop the retry loop")
}

func TestDo_ReplaysRequestBody(t *testing.T) {
	var calls int32
	var lastBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		lastBody = string(body)
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(Options{MaxRetries: 1, BaseDelay: time.Millisecond})

	req, err := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(`{"probe":true}`))
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, `{"probe":true}`, lastBody, "body must be replayed on retry")
}

func TestDo_LargeBodySurvivesAttemptTimeout(t *testing.T) {
	payload := bytes.Repeat([]byte("jwks-key-material."), 256*1024) // ~4.5 MB
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	client := newTestClient(Options{Timeout: 5 * time.Second})

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// The per-attempt context stays alive until the body is closed, so a
	// response larger than the transport buffer reads to completion.
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, len(payload), len(got))
}

func TestBackoffDelay(t *testing.T) {
	t.Run("constant", func(t *testing.T) {
		client := newTestClient(Options{BaseDelay: 100 * time.Millisecond})
		assert.Equal(t, 100*time.Millisecond, client.backoffDelay(0))
		assert.Equal(t, 100*time.Millisecond, client.backoffDelay(3))
	})

	t.Run("exponential", func(t *testing.T) {
		client := newTestClient(Options{BaseDelay: 100 * time.Millisecond, Exponential: true})
		assert.Equal(t, 100*time.Millisecond, client.backoffDelay(0))
		assert.Equal(t, 200*time.Millisecond, client.backoffDelay(1))
		assert.Equal(t, 400*time.Millisecond, client.backoffDelay(2))
	})

	t.Run("jitter stays bounded", func(t *testing.T) {
		client := newTestClient(Options{BaseDelay: 100 * time.Millisecond, Jitter: true})
		for i := 0; i < 20; i++ {
			delay := client.backoffDelay(0)
			assert.GreaterOrEqual(t, delay, 100*time.Millisecond)
			assert.LessOrEqual(t, delay, 150*time.Millisecond)
		}
	})
}
