package mediawiki

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBootstrappedSite(handler http.HandlerFunc) (*Site, *httptest.Server) {
	srv := httptest.NewServer(handler)
	site := NewSiteWithClient(srv.URL, NewClient())
	site.info = newSiteInfo()
	site.bootstrapped = true
	return site, srv
}

func tokensHandler(calls *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := r.FormValue("type")
		atomic.AddInt32(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"query":{"tokens":{%q:%q}}}`, kind+"token", kind+"-token-value")
	}
}

func TestTokenManagerGetCachesToken(t *testing.T) {
	t.Parallel()
	var calls int32
	site, srv := newBootstrappedSite(tokensHandler(&calls))
	defer srv.Close()

	tok, err := site.tokens.Get(context.Background(), "csrf")
	require.NoError(t, err)
	assert.Equal(t, "csrf-token-value", tok)

	tok2, err := site.tokens.Get(context.Background(), "csrf")
	require.NoError(t, err)
	assert.Equal(t, "csrf-token-value", tok2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTokenManagerFoldsLegacyKindsIntoCSRF(t *testing.T) {
	t.Parallel()
	var calls int32
	site, srv := newBootstrappedSite(tokensHandler(&calls))
	defer srv.Close()

	tok, err := site.tokens.Get(context.Background(), "edit")
	require.NoError(t, err)
	assert.Equal(t, "csrf-token-value", tok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	tok2, err := site.tokens.Get(context.Background(), "move")
	require.NoError(t, err)
	assert.Equal(t, "csrf-token-value", tok2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "edit and move should fold into the same cached csrf entry")
}

func TestTokenManagerLoginKindNeverFolds(t *testing.T) {
	t.Parallel()
	var calls int32
	site, srv := newBootstrappedSite(tokensHandler(&calls))
	defer srv.Close()

	tok, err := site.tokens.Get(context.Background(), "login")
	require.NoError(t, err)
	assert.Equal(t, "login-token-value", tok)
}

func TestTokenManagerInvalidateForcesRefetch(t *testing.T) {
	t.Parallel()
	var calls int32
	site, srv := newBootstrappedSite(tokensHandler(&calls))
	defer srv.Close()

	_, err := site.tokens.Get(context.Background(), "csrf")
	require.NoError(t, err)
	site.tokens.Invalidate("csrf")
	_, err = site.tokens.Get(context.Background(), "csrf")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestTokenManagerConcurrentGetSingleFlights(t *testing.T) {
	t.Parallel()
	var calls int32
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"query":{"tokens":{"csrftoken":"shared-value"}}}`))
	}))
	defer srv.Close()

	site := NewSiteWithClient(srv.URL, NewClient())
	site.info = newSiteInfo()
	site.bootstrapped = true

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			tok, err := site.tokens.Get(context.Background(), "csrf")
			require.NoError(t, err)
			results[idx] = tok
		}(i)
	}
	close(block)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, "shared-value", r)
	}
}

func TestWithCSRFRetryRetriesOnceOnBadToken(t *testing.T) {
	t.Parallel()
	var tokenFetches int32
	var opAttempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("meta") == "tokens" {
			n := atomic.AddInt32(&tokenFetches, 1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"query":{"tokens":{"csrftoken":"tok-%d"}}}`, n)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	site := NewSiteWithClient(srv.URL, NewClient())
	site.info = newSiteInfo()
	site.bootstrapped = true

	err := site.tokens.withCSRFRetry(context.Background(), func(csrf string) error {
		n := atomic.AddInt32(&opAttempts, 1)
		if n == 1 {
			assert.Equal(t, "tok-1", csrf)
			return &BadTokenError{TokenType: "csrf"}
		}
		assert.Equal(t, "tok-2", csrf)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&opAttempts))
	assert.Equal(t, int32(2), atomic.LoadInt32(&tokenFetches))
}

func TestWithCSRFRetryGivesUpAfterTwoBadTokens(t *testing.T) {
	t.Parallel()
	var tokenFetches int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&tokenFetches, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"query":{"tokens":{"csrftoken":"tok-%d"}}}`, n)
	}))
	defer srv.Close()

	site := NewSiteWithClient(srv.URL, NewClient())
	site.info = newSiteInfo()
	site.bootstrapped = true

	err := site.tokens.withCSRFRetry(context.Background(), func(csrf string) error {
		return &BadTokenError{TokenType: "csrf"}
	})
	require.Error(t, err)
	var badToken *BadTokenError
	assert.ErrorAs(t, err, &badToken)
	assert.Equal(t, int32(2), atomic.LoadInt32(&tokenFetches))
}
