package mediawiki

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientInvokeRetriesOn5xxThenSucceeds(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"query":{"ok":true}}`))
	}))
	defer srv.Close()

	c := NewClient(WithRetryDelay(time.Millisecond), WithMaxRetries(5))
	msg := NewFormMessage(Values{"action": "query"}, "")
	value, err := c.Invoke(context.Background(), srv.URL, msg, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	root := value.(map[string]any)
	assert.NotNil(t, root["query"])
}

func TestClientInvokeGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(WithRetryDelay(time.Millisecond), WithMaxRetries(2))
	msg := NewFormMessage(Values{"action": "query"}, "")
	_, err := c.Invoke(context.Background(), srv.URL, msg, nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls)) // 1 initial + 2 retries
}

func TestClientInvokeDoesNotRetry4xx(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(WithRetryDelay(time.Millisecond), WithMaxRetries(5))
	msg := NewFormMessage(Values{"action": "query"}, "")
	_, err := c.Invoke(context.Background(), srv.URL, msg, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClientInvokeCancellation(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewClient(WithTimeout(time.Minute))
	ctx, cancel := context.WithCancel(context.Background())
	msg := NewFormMessage(Values{"action": "query"}, "")

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Invoke(ctx, srv.URL, msg, nil)
	require.Error(t, err)
	var cancelled *CancelledError
	assert.ErrorAs(t, err, &cancelled)
}

func TestClientInvokeNonRetriableMessageStopsAfterOneAttempt(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(WithRetryDelay(time.Millisecond), WithMaxRetries(5))
	msg := &fixedRetriabilityMessage{FormMessage: NewFormMessage(Values{"action": "query"}, ""), retriable: false}
	_, err := c.Invoke(context.Background(), srv.URL, msg, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

type fixedRetriabilityMessage struct {
	*FormMessage
	retriable bool
}

func (m *fixedRetriabilityMessage) Retriable() bool { return m.retriable }

func TestRateLimiterSetReusesLimiterPerEndpoint(t *testing.T) {
	t.Parallel()
	set := newRateLimiterSet(1000, 1000)
	ctx := context.Background()
	require.NoError(t, set.wait(ctx, "https://a.example/w/api.php"))
	require.NoError(t, set.wait(ctx, "https://a.example/w/api.php"))
	set.mu.RLock()
	n := len(set.limiters)
	set.mu.RUnlock()
	assert.Equal(t, 1, n)
}
