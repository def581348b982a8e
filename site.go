package mediawiki

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

// AccountAssertion controls whether `assert=` is injected on mutating
// calls, per spec §6.
type AccountAssertion int

const (
	AssertNone AccountAssertion = iota
	AssertUser
	AssertBot
	AssertAll
)

// LoginPolicy resolves the Open Question of clientlogin vs legacy
// login (spec §9).
type LoginPolicy int

const (
	// LoginAuto picks clientlogin on servers >= 1.27, else legacy
	// login. This is the default.
	LoginAuto LoginPolicy = iota
	LoginLegacyOnly
	LoginModernOnly
)

// Site is the C5 Site Controller: it owns one endpoint URL, bootstraps
// site metadata, holds account state and the token cache, and
// exposes Invoke for the rest of the library to dispatch through.
type Site struct {
	endpoint  string
	transport *Client
	logger    *slog.Logger

	explicitInfoRefresh bool
	loginPolicy         LoginPolicy
	assertion           AccountAssertion
	reauth              func(ctx context.Context) error
	throttle            time.Duration

	mu           sync.RWMutex
	info         *SiteInfo
	account      *AccountInfo
	bootstrapped bool

	tokens *tokenManager

	mutationMu   sync.Mutex
	lastMutation time.Time
}

// SiteOption configures a Site.
type SiteOption func(*Site)

// WithExplicitInfoRefresh skips site-info bootstrap until the caller
// explicitly calls Bootstrap; any operation requiring site info before
// that raises SiteNotInitializedError.
func WithExplicitInfoRefresh() SiteOption { return func(s *Site) { s.explicitInfoRefresh = true } }

// WithLoginPolicy overrides the clientlogin/login decision.
func WithLoginPolicy(p LoginPolicy) SiteOption { return func(s *Site) { s.loginPolicy = p } }

// WithAccountAssertion injects `assert=` on mutating calls.
func WithAccountAssertion(a AccountAssertion) SiteOption { return func(s *Site) { s.assertion = a } }

// WithReauthCallback installs a callback invoked (and whose success
// gates exactly one retry) when a mutating call fails with
// AccountAssertionError.
func WithReauthCallback(f func(ctx context.Context) error) SiteOption {
	return func(s *Site) { s.reauth = f }
}

// WithThrottle sets the minimum gap between mutating calls on this
// site (spec §6 throttle_time).
func WithThrottle(d time.Duration) SiteOption { return func(s *Site) { s.throttle = d } }

// WithSiteLogger overrides the logger used for site-level events
// (login, bootstrap, token invalidation).
func WithSiteLogger(l *slog.Logger) SiteOption { return func(s *Site) { s.logger = l } }

// NewSite builds a Site backed by a fresh default Client.
func NewSite(endpoint string, opts ...SiteOption) *Site {
	return newSite(endpoint, NewClient(), opts...)
}

// NewSiteWithClient builds a Site sharing an existing Client (Transport
// Client), so multiple sites can share one connection pool and cookie
// jar.
func NewSiteWithClient(endpoint string, transport *Client, opts ...SiteOption) *Site {
	return newSite(endpoint, transport, opts...)
}

func newSite(endpoint string, transport *Client, opts ...SiteOption) *Site {
	s := &Site{
		endpoint:  endpoint,
		transport: transport,
		logger:    transport.logger,
	}
	s.tokens = newTokenManager(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Site) infoOrNil() *SiteInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// Info returns the bootstrapped site info, or nil if not yet
// bootstrapped.
func (s *Site) Info() *SiteInfo { return s.infoOrNil() }

// Account returns the current account info, or nil if not yet
// bootstrapped.
func (s *Site) Account() *AccountInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

// Endpoint returns the site's api.php URL.
func (s *Site) Endpoint() string { return s.endpoint }

// Page returns a handle to the page identified by title. Multiple
// handles to the same title are permitted and do not coordinate
// mutation (spec §3).
func (s *Site) Page(title string) *Page {
	return &Page{site: s, stub: WikiPageStub{Title: &title}}
}

// PageByID returns a handle to the page identified by id.
func (s *Site) PageByID(id int) *Page {
	return &Page{site: s, stub: WikiPageStub{ID: &id}}
}

// Bootstrap issues the combined
// action=query&meta=siteinfo|userinfo request and populates site info
// and account info (spec §4.5).
func (s *Site) Bootstrap(ctx context.Context) error {
	result, err := s.rawInvoke(ctx, Values{
		"action": "query",
		"meta":   "siteinfo|userinfo",
		"siprop": "general|namespaces|namespacealiases|interwikimap|extensions|magicwords",
		"uiprop": "groups|rights",
	}, false)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	root, _ := result.(map[string]any)
	query, ok := root["query"].(map[string]any)
	if !ok {
		return &InvalidResponseError{Reason: "bootstrap response missing query"}
	}

	info := parseSiteInfo(query)
	account := parseAccountInfo(query)

	s.mu.Lock()
	s.info = info
	s.account = account
	s.bootstrapped = true
	s.mu.Unlock()
	return nil
}

// RefreshSiteInfo re-fetches only the site-info portion.
func (s *Site) RefreshSiteInfo(ctx context.Context) error {
	result, err := s.rawInvoke(ctx, Values{
		"action": "query",
		"meta":   "siteinfo",
		"siprop": "general|namespaces|namespacealiases|interwikimap|extensions|magicwords",
	}, false)
	if err != nil {
		return fmt.Errorf("refresh site info: %w", err)
	}
	root, _ := result.(map[string]any)
	query, _ := root["query"].(map[string]any)
	info := parseSiteInfo(query)

	s.mu.Lock()
	s.info = info
	s.bootstrapped = true
	s.mu.Unlock()
	return nil
}

// RefreshAccountInfo re-fetches only the account-info portion.
func (s *Site) RefreshAccountInfo(ctx context.Context) error {
	result, err := s.rawInvoke(ctx, Values{
		"action": "query",
		"meta":   "userinfo",
		"uiprop": "groups|rights",
	}, false)
	if err != nil {
		return fmt.Errorf("refresh account info: %w", err)
	}
	root, _ := result.(map[string]any)
	query, _ := root["query"].(map[string]any)
	account := parseAccountInfo(query)

	s.mu.Lock()
	s.account = account
	s.mu.Unlock()
	return nil
}

func parseSiteInfo(query map[string]any) *SiteInfo {
	info := newSiteInfo()
	if general, ok := query["general"].(map[string]any); ok {
		info.Generator, _ = general["generator"].(string)
		info.SiteName, _ = general["sitename"].(string)
		info.MainPage, _ = general["mainpage"].(string)
		info.ContentLanguage, _ = general["lang"].(string)
		if c, ok := general["case"].(string); ok {
			info.CaseSensitive = c == "case-sensitive"
		} else {
			// Unreported "case": MediaWiki's overwhelming default is
			// "first-letter", i.e. not genuinely case-sensitive.
			info.CaseSensitive = false
		}
		if v, ok := general["generator"].(string); ok {
			info.ServerVersion = parseGeneratorVersion(v)
		}
		if v, ok := general["minuploadchunksize"].(float64); ok {
			info.MinUploadChunkSize = int(v)
			info.HasUploadLimits = true
		}
		if v, ok := general["maxuploadsize"].(float64); ok {
			info.MaxUploadChunkSize = int(v)
			info.HasUploadLimits = true
		}
	}
	if nss, ok := query["namespaces"].(map[string]any); ok {
		for _, raw := range nss {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			ns := &Namespace{}
			if id, ok := m["id"].(float64); ok {
				ns.ID = int(id)
			}
			ns.CanonicalName, _ = m["canonical"].(string)
			ns.LocalizedName, _ = m["*"].(string)
			if ns.LocalizedName == "" {
				ns.LocalizedName, _ = m["name"].(string)
			}
			if ns.CanonicalName == "" {
				ns.CanonicalName = ns.LocalizedName
			}
			_, hasContent := m["content"]
			ns.IsContent = hasContent
			ns.IsSubject = ns.ID >= 0 && ns.ID%2 == 0
			ns.IsTalk = ns.ID > 0 && ns.ID%2 == 1
			info.addNamespace(ns)
		}
	}
	if aliases, ok := query["namespacealiases"].([]any); ok {
		for _, raw := range aliases {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			id, _ := m["id"].(float64)
			alias, _ := m["*"].(string)
			if ns, ok := info.namespaceByID(int(id)); ok && alias != "" {
				ns.Aliases = append(ns.Aliases, alias)
				info.namespacesByAlias[strings.ToLower(alias)] = ns
			}
		}
	}
	if iwmap, ok := query["interwikimap"].([]any); ok {
		for _, raw := range iwmap {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			iw := InterwikiEntry{}
			iw.Prefix, _ = m["prefix"].(string)
			iw.URL, _ = m["url"].(string)
			_, iw.IsLocal = m["local"]
			_, iw.IsLanguageLink = m["language"]
			_, iw.IsExtraLanguageLink = m["extralanglink"]
			info.addInterwiki(iw)
		}
	}
	if exts, ok := query["extensions"].([]any); ok {
		for _, raw := range exts {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if name, ok := m["name"].(string); ok {
				info.Extensions = append(info.Extensions, name)
			}
		}
	}
	if len(info.namespaces) == 0 {
		// Minimal built-in fallback so title parsing keeps working
		// even against a stripped-down bootstrap response.
		for _, ns := range defaultNamespaces() {
			info.addNamespace(ns)
		}
	}
	return info
}

func defaultNamespaces() []*Namespace {
	return []*Namespace{
		{ID: NamespaceMedia, CanonicalName: "Media", LocalizedName: "Media"},
		{ID: NamespaceSpecial, CanonicalName: "Special", LocalizedName: "Special"},
		{ID: NamespaceMain, CanonicalName: "", LocalizedName: "", IsContent: true, IsSubject: true},
		{ID: NamespaceTalk, CanonicalName: "Talk", LocalizedName: "Talk", IsTalk: true},
		{ID: NamespaceUser, CanonicalName: "User", LocalizedName: "User", IsSubject: true},
		{ID: NamespaceUser + 1, CanonicalName: "User talk", LocalizedName: "User talk", IsTalk: true},
		{ID: NamespaceProject, CanonicalName: "Project", LocalizedName: "Project", IsSubject: true},
		{ID: NamespaceFile, CanonicalName: "File", LocalizedName: "File", Aliases: []string{"Image"}, IsSubject: true},
		{ID: NamespaceTemplate, CanonicalName: "Template", LocalizedName: "Template", IsSubject: true},
		{ID: NamespaceCategory, CanonicalName: "Category", LocalizedName: "Category", IsSubject: true},
	}
}

var generatorVersionRE = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`)

func parseGeneratorVersion(generator string) *semver.Version {
	m := generatorVersionRE.FindStringSubmatch(generator)
	if m == nil {
		return nil
	}
	patch := "0"
	if m[3] != "" {
		patch = m[3]
	}
	v, err := semver.NewVersion(m[1] + "." + m[2] + "." + patch)
	if err != nil {
		return nil
	}
	return v
}

func parseAccountInfo(query map[string]any) *AccountInfo {
	u, ok := query["userinfo"].(map[string]any)
	if !ok {
		return &AccountInfo{IsAnonymous: true}
	}
	a := &AccountInfo{}
	a.Name, _ = u["name"].(string)
	if id, ok := u["id"].(float64); ok {
		a.ID = int(id)
	}
	a.IsAnonymous = a.ID == 0
	if groups, ok := u["groups"].([]any); ok {
		for _, g := range groups {
			if s, ok := g.(string); ok {
				a.Groups = append(a.Groups, s)
			}
		}
	}
	if rights, ok := u["rights"].([]any); ok {
		for _, r := range rights {
			if s, ok := r.(string); ok {
				a.Rights = append(a.Rights, s)
			}
		}
	}
	return a
}

// ensureReady enforces the explicit_info_refresh contract: if set and
// Bootstrap was never called, every operation needing site info fails
// with SiteNotInitializedError instead of silently bootstrapping.
func (s *Site) ensureReady(ctx context.Context) error {
	s.mu.RLock()
	ready := s.bootstrapped
	explicit := s.explicitInfoRefresh
	s.mu.RUnlock()
	if ready {
		return nil
	}
	if explicit {
		return &SiteNotInitializedError{}
	}
	return s.Bootstrap(ctx)
}

// invokeParams is the core dispatch used by read-only collaborators
// (tokens, generators, page refresh): it ensures site info, merges
// format parameters, and runs the transport's retry loop.
func (s *Site) invokeParams(ctx context.Context, params Values) (any, error) {
	return s.rawInvoke(ctx, params, false)
}

// invokeMutating is used by write operations (edit/move/delete/upload/
// watch/patrol): it applies the account-assertion and per-site
// throttle gate described in spec §4.5/§4.8/§5, and retries once on
// AccountAssertionError via the reauth callback if one was installed.
func (s *Site) invokeMutating(ctx context.Context, params Values) (any, error) {
	s.throttleGate()
	result, err := s.rawInvoke(ctx, params, true)
	var assertErr *AccountAssertionError
	if asAssertionError(err, &assertErr) && s.reauth != nil {
		if reauthErr := s.reauth(ctx); reauthErr == nil {
			s.throttleGate()
			return s.rawInvoke(ctx, params, true)
		}
	}
	return result, err
}

func asAssertionError(err error, target **AccountAssertionError) bool {
	for err != nil {
		if ae, ok := err.(*AccountAssertionError); ok {
			*target = ae
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

func (s *Site) throttleGate() {
	if s.throttle <= 0 {
		return
	}
	s.mutationMu.Lock()
	defer s.mutationMu.Unlock()
	elapsed := time.Since(s.lastMutation)
	if elapsed < s.throttle {
		time.Sleep(s.throttle - elapsed)
	}
	s.lastMutation = time.Now()
}

func (s *Site) rawInvoke(ctx context.Context, params Values, mutating bool) (any, error) {
	if _, ok := params["action"]; !ok {
		return nil, fmt.Errorf("invoke: params must set action")
	}
	// Avoid recursive bootstrap-before-bootstrap for the bootstrap
	// call itself.
	if params["meta"] != "siteinfo|userinfo" && params["action"] != "login" && params["action"] != "clientlogin" {
		if err := s.ensureReady(ctx); err != nil {
			return nil, err
		}
	}

	merged := Values{"format": "json"}
	for k, v := range params {
		merged[k] = v
	}
	if info := s.infoOrNil(); info != nil && info.supportsFormatVersion2() {
		merged["formatversion"] = "2"
	}
	if lag := s.transport.MaxLag(); lag > 0 {
		merged["maxlag"] = lag
	}
	if mutating && s.assertion != AssertNone {
		switch s.assertion {
		case AssertUser:
			merged["assert"] = "user"
		case AssertBot:
			merged["assert"] = "bot"
		case AssertAll:
			merged["assert"] = "user"
		}
	}

	msg := NewFormMessage(merged, "")
	value, err := s.transport.Invoke(ctx, s.endpoint, msg, nil)
	if err != nil {
		var bt *BadTokenError
		if asBadToken(err, &bt) {
			if t, _ := params["token"].(string); t != "" {
				s.logger.Debug("mediawiki badtoken response", "endpoint", s.endpoint)
			}
		}
		return nil, err
	}
	return value, nil
}

// Invoke is the public core dispatch (C5 invoke(action, params)): it
// runs a read-only query through the site's transport and token/
// bootstrap machinery.
func (s *Site) Invoke(ctx context.Context, params Values) (any, error) {
	return s.invokeParams(ctx, params)
}

// GetToken fetches (or returns the cached) token of the given kind.
func (s *Site) GetToken(ctx context.Context, kind string) (string, error) {
	return s.tokens.Get(ctx, kind)
}

// InvalidateToken drops the cached token of the given kind.
func (s *Site) InvalidateToken(kind string) { s.tokens.Invalidate(kind) }

// Login performs the two-step MediaWiki login, choosing between
// legacy action=login and modern action=clientlogin per the site's
// LoginPolicy and (if LoginAuto) bootstrapped server version.
func (s *Site) Login(ctx context.Context, username, password string) error {
	if err := s.ensureReady(ctx); err != nil && s.loginPolicy != LoginLegacyOnly {
		// Bootstrap failure shouldn't block a legacy login attempt
		// against a very old server, but modern/auto do need site
		// info to pick the right flow; surface the error only when
		// we can't decide without it.
		if s.loginPolicy == LoginModernOnly {
			return err
		}
	}
	useModern := s.loginPolicy == LoginModernOnly
	if s.loginPolicy == LoginAuto {
		info := s.infoOrNil()
		useModern = info != nil && info.supportsModernLogin()
	}
	var err error
	if useModern {
		err = s.clientLogin(ctx, username, password)
	} else {
		err = s.legacyLogin(ctx, username, password)
	}
	if err != nil {
		return err
	}
	s.tokens.Reset()
	return s.RefreshAccountInfo(ctx)
}

func (s *Site) legacyLogin(ctx context.Context, username, password string) error {
	token, err := s.GetToken(ctx, "login")
	if err != nil {
		return fmt.Errorf("get login token: %w", err)
	}
	result, err := s.rawInvoke(ctx, Values{
		"action":     "login",
		"lgname":     username,
		"lgpassword": password,
		"lgtoken":    token,
	}, false)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	root, _ := result.(map[string]any)
	login, ok := root["login"].(map[string]any)
	if !ok {
		return &InvalidResponseError{Reason: "missing login in response"}
	}
	if r, _ := login["result"].(string); r != "Success" {
		reason, _ := login["reason"].(string)
		return &UnauthorizedError{Code: "login_failed", Info: reason}
	}
	return nil
}

func (s *Site) clientLogin(ctx context.Context, username, password string) error {
	token, err := s.GetToken(ctx, "login")
	if err != nil {
		return fmt.Errorf("get login token: %w", err)
	}
	result, err := s.rawInvoke(ctx, Values{
		"action":          "clientlogin",
		"username":        username,
		"password":        password,
		"logintoken":      token,
		"loginreturnurl":  "https://example.invalid/",
	}, false)
	if err != nil {
		return fmt.Errorf("clientlogin: %w", err)
	}
	root, _ := result.(map[string]any)
	cl, ok := root["clientlogin"].(map[string]any)
	if !ok {
		return &InvalidResponseError{Reason: "missing clientlogin in response"}
	}
	if st, _ := cl["status"].(string); st != "PASS" {
		reason := ""
		if msg, ok := cl["message"].(string); ok {
			reason = msg
		}
		return &UnauthorizedError{Code: "clientlogin_failed", Info: reason}
	}
	return nil
}

// Logout issues action=logout with a CSRF token and resets account
// info to anonymous.
func (s *Site) Logout(ctx context.Context) error {
	err := s.tokens.withCSRFRetry(ctx, func(csrf string) error {
		_, err := s.rawInvoke(ctx, Values{"action": "logout", "token": csrf}, true)
		return err
	})
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	s.mu.Lock()
	s.account = &AccountInfo{IsAnonymous: true}
	s.mu.Unlock()
	s.tokens.Reset()
	return nil
}

// OpenSearch runs action=opensearch and returns the ordered title
// suggestions.
func (s *Site) OpenSearch(ctx context.Context, query string) ([]string, error) {
	result, err := s.invokeParams(ctx, Values{
		"action": "opensearch",
		"search": query,
	})
	if err != nil {
		return nil, fmt.Errorf("opensearch: %w", err)
	}
	arr, ok := result.([]any)
	if !ok {
		return nil, &InvalidResponseError{Reason: "opensearch response was not a JSON array"}
	}
	if len(arr) < 2 {
		return nil, nil
	}
	titles, ok := arr[1].([]any)
	if !ok {
		return nil, &InvalidResponseError{Reason: "opensearch response missing titles array"}
	}
	out := make([]string, 0, len(titles))
	for _, t := range titles {
		if s, ok := t.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// SearchAPIEndpoint is the static helper from spec §4.5: given a
// host or URL hint, it tries the conventional api.php locations and
// HTML <link rel="EditURI"> discovery until one responds with a valid
// site-info, returning the canonical endpoint.
func SearchAPIEndpoint(ctx context.Context, client *http.Client, hint string) (string, bool) {
	hint = strings.TrimRight(hint, "/")
	if !strings.Contains(hint, "://") {
		hint = "https://" + hint
	}
	candidates := []string{hint + "/w/api.php", hint + "/api.php"}
	for _, c := range candidates {
		if probeAPIEndpoint(ctx, client, c) {
			return c, true
		}
	}
	if discovered, ok := discoverEditURI(ctx, client, hint); ok {
		if probeAPIEndpoint(ctx, client, discovered) {
			return discovered, true
		}
	}
	return "", false
}

func probeAPIEndpoint(ctx context.Context, client *http.Client, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?action=query&meta=siteinfo&format=json", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return strings.Contains(string(body), `"query"`)
}

var editURIRE = regexp.MustCompile(`<link rel="EditURI" href="([^"]+)"`)

func discoverEditURI(ctx context.Context, client *http.Client, hint string) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hint+"/", nil)
	if err != nil {
		return "", false
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	m := editURIRE.FindStringSubmatch(string(body))
	if m == nil {
		return "", false
	}
	action := m[1]
	if idx := strings.Index(action, "?"); idx >= 0 {
		action = action[:idx]
	}
	return strings.ReplaceAll(action, "&amp;", "&"), true
}
