package mediawiki

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// tokenManager is the C6 Token Manager: it caches type->value tokens,
// folds legacy per-action token names into "csrf" on servers >= 1.24,
// de-duplicates concurrent fetches of the same kind via singleflight
// (spec §4.6 "concurrent callers ... share a single in-flight
// future"), and supports invalidation on badtoken.
type tokenManager struct {
	site *Site

	mu    sync.RWMutex
	cache map[string]string

	group singleflight.Group
}

func newTokenManager(site *Site) *tokenManager {
	return &tokenManager{site: site, cache: make(map[string]string)}
}

// foldableTokenKinds fold into "csrf" on servers >= 1.24, per spec
// §4.6. "login" is never folded: it has its own action=login flow
// regardless of server version.
var foldableTokenKinds = map[string]bool{
	"csrf": true, "edit": true, "move": true, "delete": true,
	"upload": true, "protect": true, "block": true, "unblock": true,
	"rollback": true, "patrol": true, "watch": true, "import": true,
	"options": true,
}

func (tm *tokenManager) normalize(kind string) string {
	if kind == "login" {
		return kind
	}
	if foldableTokenKinds[kind] && tm.site.infoOrNil() != nil && tm.site.infoOrNil().foldsLegacyTokens() {
		return "csrf"
	}
	return kind
}

// Get returns the cached token of the given kind, fetching and
// caching it on a miss. Concurrent callers requesting the same kind
// share one fetch.
func (tm *tokenManager) Get(ctx context.Context, kind string) (string, error) {
	normalized := tm.normalize(kind)

	tm.mu.RLock()
	if v, ok := tm.cache[normalized]; ok {
		tm.mu.RUnlock()
		return v, nil
	}
	tm.mu.RUnlock()

	v, err, _ := tm.group.Do(normalized, func() (any, error) {
		tm.mu.RLock()
		if v, ok := tm.cache[normalized]; ok {
			tm.mu.RUnlock()
			return v, nil
		}
		tm.mu.RUnlock()

		result, err := tm.site.invokeParams(ctx, Values{
			"action": "query",
			"meta":   "tokens",
			"type":   normalized,
		})
		if err != nil {
			return "", fmt.Errorf("fetch %s token: %w", normalized, err)
		}
		root, _ := result.(map[string]any)
		query, _ := root["query"].(map[string]any)
		tokens, _ := query["tokens"].(map[string]any)
		tokenKey := normalized + "token"
		token, ok := tokens[tokenKey].(string)
		if !ok {
			return "", &InvalidResponseError{Reason: "missing " + tokenKey + " in tokens response"}
		}

		tm.mu.Lock()
		tm.cache[normalized] = token
		tm.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token for kind (normalized the same way
// as Get), so the next Get re-fetches it.
func (tm *tokenManager) Invalidate(kind string) {
	normalized := tm.normalize(kind)
	tm.mu.Lock()
	delete(tm.cache, normalized)
	tm.mu.Unlock()
}

// Reset drops every cached token, e.g. after login/logout.
func (tm *tokenManager) Reset() {
	tm.mu.Lock()
	tm.cache = make(map[string]string)
	tm.mu.Unlock()
}

// withCSRFRetry runs op with a fresh (possibly cached) csrf token; if
// op reports a BadTokenError, the token is invalidated and op is
// retried exactly once more, independent of the transport's own retry
// budget, per spec §9's Open Question resolution.
func (tm *tokenManager) withCSRFRetry(ctx context.Context, op func(csrf string) error) error {
	const maxAttempts = 2
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		csrf, err := tm.Get(ctx, "csrf")
		if err != nil {
			return fmt.Errorf("get csrf token: %w", err)
		}
		lastErr = op(csrf)
		if lastErr == nil {
			return nil
		}
		var badToken *BadTokenError
		if !asBadToken(lastErr, &badToken) {
			return lastErr
		}
		tm.Invalidate("csrf")
	}
	return lastErr
}

func asBadToken(err error, target **BadTokenError) bool {
	for err != nil {
		if bt, ok := err.(*BadTokenError); ok {
			*target = bt
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
