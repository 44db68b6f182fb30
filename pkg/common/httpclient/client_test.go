package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoJSONRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out struct {
		OK bool `json:"ok"`
	}
	err := DoJSON(context.Background(), New(time.Second), 3, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	}, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.EqualValues(t, 3, calls.Load())
}

func TestDoJSONDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	err := DoJSON(context.Background(), New(time.Second), 3, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	}, nil)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusNotFound))
	assert.EqualValues(t, 1, calls.Load())
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, IsRetriable(&StatusError{StatusCode: 503}))
	assert.True(t, IsRetriable(&StatusError{StatusCode: 429}))
	assert.False(t, IsRetriable(&StatusError{StatusCode: 401}))
	assert.True(t, IsRetriable(context.DeadlineExceeded))
	assert.False(t, IsRetriable(errors.New("boom")))
}
