package ai

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/internal/httpclient"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code      int
		kind      ErrorKind
		retriable bool
	}{
		{401, KindAuth, false},
		{403, KindAuth, false},
		{400, KindInvalidRequest, false},
		{404, KindInvalidRequest, false},
		{408, KindTimeout, true},
		{429, KindRateLimited, true},
		{500, KindUnavailable, true},
		{503, KindUnavailable, true},
		{529, KindUnavailable, true},
		{302, KindUnknown, false},
	}
	for _, tt := range tests {
		kind, retriable := ClassifyStatus(tt.code)
		assert.Equal(t, tt.kind, kind, "status %d", tt.code)
		assert.Equal(t, tt.retriable, retriable, "status %d", tt.code)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyTransport(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      ErrorKind
		retriable bool
	}{
		{"deadline", errors.Wrap(context.DeadlineExceeded, "send"), KindTimeout, true},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, KindTimeout, true},
		{"refused errno", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, KindUnavailable, true},
		{"reset string", errors.New("read: connection reset by peer"), KindUnavailable, true},
		{"blocked", errors.Mark(errors.New("localhost access blocked"), httpclient.ErrBlocked), KindInvalidRequest, false},
		{"other", errors.New("invalid json"), KindUnknown, false},
		{"nil", nil, KindUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, retriable := ClassifyTransport(tt.err)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.retriable, retriable)
		})
	}
}

func TestBackendError(t *testing.T) {
	err := NewBackendError("openrouter", KindRateLimited, errors.New("slow down"))
	assert.True(t, err.Retriable)
	assert.Contains(t, err.Error(), "openrouter")
	assert.Contains(t, err.Error(), "rate_limited")
	assert.Contains(t, err.Error(), "slow down")

	wrapped := errors.Wrap(err, "step 2")
	assert.True(t, errors.Is(wrapped, errors.ErrServiceUnavailable))
	assert.False(t, errors.Is(wrapped, errors.ErrInvalidRequest))
	assert.True(t, IsRetriable(wrapped))

	be, ok := AsBackendError(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindRateLimited, be.Kind)

	auth := NewBackendError("x", KindAuth, nil)
	assert.False(t, auth.Retriable)
	assert.True(t, errors.Is(auth, errors.ErrInvalidRequest))
	assert.True(t, errors.Is(NewBackendError("x", KindTimeout, nil), errors.ErrTimeout))
	assert.False(t, IsRetriable(errors.New("plain")))
}

func TestPostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "v", r.Header.Get("X-Test"))
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte(`{"answer": 42}`))
		case "/limited":
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("bad"))
		}
	}))
	defer server.Close()
	client := httpclient.Wrap(server.Client())
	headers := map[string]string{"X-Test": "v"}

	var out struct {
		Answer int `json:"answer"`
	}
	require.NoError(t, PostJSON(context.Background(), client, "p", server.URL+"/ok", headers, map[string]string{"q": "?"}, &out))
	assert.Equal(t, 42, out.Answer)

	err := PostJSON(context.Background(), client, "p", server.URL+"/limited", headers, nil, &out)
	be, ok := AsBackendError(err)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, be.RetryAfter)
	assert.Equal(t, http.StatusTooManyRequests, be.StatusCode)

	err = PostJSON(context.Background(), client, "p", server.URL+"/bad", headers, nil, &out)
	be, ok = AsBackendError(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidRequest, be.Kind)
	assert.Contains(t, be.Error(), "bad")

	blocked := httpclient.New(time.Second)
	err = PostJSON(context.Background(), blocked, "p", server.URL+"/ok", headers, nil, &out)
	be, ok = AsBackendError(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidRequest, be.Kind, "loopback refused by SSRF protection")
}

func TestChainNameContext(t *testing.T) {
	assert.Empty(t, ChainNameFromContext(context.Background()))
	assert.Equal(t, "summarize", ChainNameFromContext(WithChainName(context.Background(), "summarize")))
}
