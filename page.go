package mediawiki

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
)

// RefreshOptions selects which fields Page.Refresh populates, per
// spec §4.8.
type RefreshOptions struct {
	FetchContent        bool
	FetchExtract        bool
	FetchGeoCoordinate  bool
	ResolveRedirects    bool
}

// MoveOptions controls Page.Move, per spec §4.8.
type MoveOptions struct {
	LeaveTalk     bool
	MoveSubpages  bool
	NoRedirect    bool
	IgnoreWarnings bool
}

// PurgeOptions controls Page.Purge / PurgePages, per spec §4.8.
type PurgeOptions struct {
	ForceLinkUpdate          bool
	ForceRecursiveLinkUpdate bool
}

// PurgeFailure records one page that failed to purge (spec §4.8).
type PurgeFailure struct {
	Page    WikiPageStub
	Missing bool
	Invalid bool
	Reason  string
}

// Page is the C8 Page Handle: an in-memory handle to a page identified
// by title or id. It is not safe to share across goroutines; cloned
// handles accept last-writer-wins semantics (spec §5).
type Page struct {
	site *Site
	stub WikiPageStub

	Exists           bool
	Content          string
	ContentModel     string
	PageLanguage     string
	LastRevisionID   int
	LastTouched      time.Time
	ContentLength    int
	Protections      []Protection
	RestrictionTypes []string
	IsRedirect       bool
	RedirectPath     []string
	PageProperties   map[string]any
	IsSpecialPage    bool
}

// Stub returns the page's current identity.
func (p *Page) Stub() WikiPageStub { return p.stub }

// Title returns the page's title, if known.
func (p *Page) Title() string {
	if p.stub.Title != nil {
		return *p.stub.Title
	}
	return ""
}

// Site returns the Site Controller this handle is bound to.
func (p *Page) Site() *Site { return p.site }

func (p *Page) identityParams() Values {
	v := Values{}
	if p.stub.ID != nil {
		v["pageids"] = strconv.Itoa(*p.stub.ID)
	} else if p.stub.Title != nil {
		v["titles"] = *p.stub.Title
	}
	return v
}

// Refresh reads action=query&prop=info|revisions|... with fields
// selected by opts, per spec §4.8.
func (p *Page) Refresh(ctx context.Context, opts RefreshOptions) error {
	params := p.identityParams()
	params["action"] = "query"
	props := []string{"info"}
	rvprops := []string{"ids", "timestamp", "flags", "comment", "user", "size", "sha1", "contentmodel", "tags"}
	if opts.FetchContent {
		props = append(props, "revisions")
		rvprops = append(rvprops, "content")
		params["rvslots"] = "main"
	} else {
		props = append(props, "revisions")
	}
	if opts.FetchExtract {
		props = append(props, "extracts")
		params["exintro"] = true
		params["explaintext"] = true
	}
	if opts.FetchGeoCoordinate {
		props = append(props, "coordinates")
	}
	params["prop"] = strings.Join(props, "|")
	params["rvprop"] = strings.Join(rvprops, "|")
	params["rvlimit"] = "1"
	params["inprop"] = "protection|displaytitle"
	if opts.ResolveRedirects {
		params["redirects"] = true
	}

	result, err := p.site.invokeParams(ctx, params)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", p.describeForError(), err)
	}
	root, _ := result.(map[string]any)
	query, ok := root["query"].(map[string]any)
	if !ok {
		return &InvalidResponseError{Reason: "refresh response missing query"}
	}

	if err := p.applyRedirects(query, opts); err != nil {
		return err
	}
	return p.applyPageMap(query)
}

func (p *Page) describeForError() string {
	if p.stub.Title != nil {
		return *p.stub.Title
	}
	if p.stub.ID != nil {
		return fmt.Sprintf("#%d", *p.stub.ID)
	}
	return "<unknown>"
}

// applyRedirects walks the `redirects` chain the server reports and
// rewrites the handle's title to the final target, recording the
// intermediate titles in RedirectPath (spec §4.8). Circular chains
// surface as CircularRedirectError.
func (p *Page) applyRedirects(query map[string]any, opts RefreshOptions) error {
	if !opts.ResolveRedirects {
		return nil
	}
	redirects, ok := query["redirects"].([]any)
	if !ok || len(redirects) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var path []string
	var finalTitle string
	for _, raw := range redirects {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		from, _ := m["from"].(string)
		to, _ := m["to"].(string)
		if seen[from] {
			path = append(path, from)
			return &CircularRedirectError{Path: path}
		}
		seen[from] = true
		path = append(path, from)
		finalTitle = to
	}
	if finalTitle != "" {
		p.stub.Title = &finalTitle
	}
	p.RedirectPath = path
	p.IsRedirect = false
	return nil
}

func (p *Page) applyPageMap(query map[string]any) error {
	pages, ok := query["pages"]
	if !ok {
		return &InvalidResponseError{Reason: "refresh response missing pages"}
	}
	var m map[string]any
	switch v := pages.(type) {
	case map[string]any:
		for _, raw := range v {
			if mm, ok := raw.(map[string]any); ok {
				m = mm
				break
			}
		}
	case []any:
		if len(v) > 0 {
			m, _ = v[0].(map[string]any)
		}
	}
	if m == nil {
		return &InvalidResponseError{Reason: "refresh response has no page entry"}
	}

	stub := parseStubFromPageMap(m)
	p.stub = stub

	if stub.Special {
		p.IsSpecialPage = true
		p.ContentLength = 0
		p.Exists = false
		return nil
	}
	if stub.Missing {
		p.Exists = false
		p.Content = ""
		p.ContentModel = ""
		p.LastRevisionID = 0
		p.LastTouched = time.Time{}
		p.ContentLength = 0
		p.Protections = nil
		p.RestrictionTypes = nil
		p.IsRedirect = false
		p.PageProperties = nil
		return nil
	}

	p.Exists = true
	p.ContentModel, _ = m["contentmodel"].(string)
	p.PageLanguage, _ = m["pagelanguage"].(string)
	p.LastTouched = parseTimestamp(m["touched"])
	if l, ok := m["length"].(float64); ok {
		p.ContentLength = int(l)
	}
	if id, ok := m["lastrevid"].(float64); ok {
		p.LastRevisionID = int(id)
	}
	_, p.IsRedirect = m["redirect"]

	if props, ok := m["pageprops"].(map[string]any); ok {
		p.PageProperties = props
	}

	if prot, ok := m["protection"].([]any); ok {
		p.Protections = nil
		for _, raw := range prot {
			pm, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			pr := Protection{}
			pr.Type, _ = pm["type"].(string)
			pr.Level, _ = pm["level"].(string)
			pr.Expiry, _ = pm["expiry"].(string)
			p.Protections = append(p.Protections, pr)
		}
	}
	if rts, ok := m["restrictiontypes"].([]any); ok {
		p.RestrictionTypes = nil
		for _, raw := range rts {
			if s, ok := raw.(string); ok {
				p.RestrictionTypes = append(p.RestrictionTypes, s)
			}
		}
	}

	if revs, ok := m["revisions"].([]any); ok && len(revs) > 0 {
		if rm, ok := revs[0].(map[string]any); ok {
			rev := parseRevision(stub, rm)
			if rev.ID != 0 {
				p.LastRevisionID = rev.ID
			}
			if rev.Content != nil {
				p.Content = *rev.Content
			}
		}
	}
	return nil
}

// IsDisambiguation reports whether the page is a disambiguation page,
// using the Disambiguator extension's page property when the site
// reports it installed, and falling back to template-transclusion
// detection otherwise (spec §4.8, SPEC_FULL §12).
func (p *Page) IsDisambiguation(ctx context.Context) (bool, error) {
	info := p.site.infoOrNil()
	if info != nil {
		for _, ext := range info.Extensions {
			if ext == "Disambiguator" {
				if p.PageProperties == nil {
					return false, nil
				}
				_, ok := p.PageProperties["disambiguation"]
				return ok, nil
			}
		}
	}
	if p.stub.Title == nil {
		return false, nil
	}
	result, err := p.site.invokeParams(ctx, Values{
		"action":      "query",
		"titles":      "MediaWiki:Disambiguationspage",
		"prop":        "links",
		"pllimit":     "max",
		"plnamespace": strconv.Itoa(NamespaceTemplate),
	})
	if err != nil {
		return false, fmt.Errorf("list disambiguation templates: %w", err)
	}
	templates := extractLinkTitles(result)
	if len(templates) == 0 {
		return false, nil
	}
	result, err = p.site.invokeParams(ctx, Values{
		"action":      "query",
		"titles":      *p.stub.Title,
		"prop":        "templates",
		"tllimit":     "max",
		"tlnamespace": strconv.Itoa(NamespaceTemplate),
		"tltemplates": strings.Join(templates, "|"),
	})
	if err != nil {
		return false, fmt.Errorf("check disambiguation templates: %w", err)
	}
	return pageHasAnyTemplate(result), nil
}

func extractLinkTitles(result any) []string {
	root, _ := result.(map[string]any)
	query, _ := root["query"].(map[string]any)
	pages := firstPageMap(query)
	if pages == nil {
		return nil
	}
	links, _ := pages["links"].([]any)
	var out []string
	for _, raw := range links {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if t, ok := m["title"].(string); ok {
			out = append(out, t)
		}
	}
	return out
}

func pageHasAnyTemplate(result any) bool {
	root, _ := result.(map[string]any)
	query, _ := root["query"].(map[string]any)
	pages := firstPageMap(query)
	if pages == nil {
		return false
	}
	templates, ok := pages["templates"].([]any)
	return ok && len(templates) > 0
}

func firstPageMap(query map[string]any) map[string]any {
	if query == nil {
		return nil
	}
	switch v := query["pages"].(type) {
	case map[string]any:
		for _, raw := range v {
			if m, ok := raw.(map[string]any); ok {
				return m
			}
		}
	case []any:
		if len(v) > 0 {
			m, _ := v[0].(map[string]any)
			return m
		}
	}
	return nil
}

// autoSummary builds a diff-based summary when the caller supplies
// none, replacing the teacher's string-truncation approach with a
// real unified diff (SPEC_FULL §11).
func autoSummary(oldText, newText string) string {
	if strings.TrimSpace(oldText) == "" {
		return "Created page"
	}
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(oldText),
		B:        difflib.SplitLines(newText),
		FromFile: "before",
		ToFile:   "after",
		Context:  0,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil || strings.TrimSpace(text) == "" {
		return "Update page"
	}
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	var changed []string
	for _, l := range lines {
		if strings.HasPrefix(l, "+") && !strings.HasPrefix(l, "+++") {
			changed = append(changed, strings.TrimPrefix(l, "+"))
		}
	}
	summary := strings.Join(changed, " ")
	summary = strings.TrimSpace(summary)
	const maxLen = 200
	if len(summary) > maxLen {
		summary = summary[:maxLen] + "..."
	}
	if summary == "" {
		return "Update page"
	}
	return summary
}

// UpdateContent performs action=edit with basetimestamp set from the
// last known revision, and returns true iff the server reports a real
// change (spec §4.8). If summary is empty, a diff-based summary is
// generated from the handle's current Content.
func (p *Page) UpdateContent(ctx context.Context, text, summary string, minor, bot bool, watch AutoWatch) (bool, error) {
	if summary == "" {
		summary = autoSummary(p.Content, text)
	}
	var changed bool
	err := p.site.tokens.withCSRFRetry(ctx, func(csrf string) error {
		params := p.identityParams()
		params["action"] = "edit"
		params["text"] = text
		params["summary"] = summary
		params["token"] = csrf
		if !p.LastTouched.IsZero() {
			params["basetimestamp"] = p.LastTouched
		}
		if minor {
			params["minor"] = true
		}
		if bot {
			params["bot"] = true
		}
		if watch != "" {
			params["watchlist"] = watch
		}
		result, err := p.site.invokeMutating(ctx, params)
		if err != nil {
			return mapEditError(err)
		}
		root, _ := result.(map[string]any)
		edit, ok := root["edit"].(map[string]any)
		if !ok {
			return &InvalidResponseError{Reason: "edit response missing edit"}
		}
		if r, _ := edit["result"].(string); r != "Success" {
			return &OperationFailedError{Code: "edit_failed", Info: r}
		}
		_, noChange := edit["nochange"]
		changed = !noChange
		if id, ok := edit["newrevid"].(float64); ok {
			p.LastRevisionID = int(id)
		}
		p.Content = text
		p.Exists = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("update content for %s: %w", p.describeForError(), err)
	}
	return changed, nil
}

func mapEditError(err error) error {
	var of *OperationFailedError
	if ok := asOperationFailed(err, &of); ok {
		switch of.Code {
		case "protectedpage":
			return &UnauthorizedError{Code: of.Code, Info: of.Info}
		case "pagecannotexist":
			return &BadTitleError{Reason: of.Info}
		case "editconflict":
			return &OperationConflictError{Code: of.Code, Info: of.Info}
		}
	}
	return err
}

func asOperationFailed(err error, target **OperationFailedError) bool {
	for err != nil {
		if of, ok := err.(*OperationFailedError); ok {
			*target = of
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

// Move performs action=move with a CSRF token; on success the
// handle's title is updated (spec §4.8).
func (p *Page) Move(ctx context.Context, newTitle, reason string, opts MoveOptions, watch AutoWatch) error {
	err := p.site.tokens.withCSRFRetry(ctx, func(csrf string) error {
		params := p.identityParams()
		params["action"] = "move"
		params["to"] = newTitle
		params["reason"] = reason
		params["token"] = csrf
		if !opts.LeaveTalk {
			params["movetalk"] = true
		}
		if opts.MoveSubpages {
			params["movesubpages"] = true
		}
		if opts.NoRedirect {
			params["noredirect"] = true
		}
		if opts.IgnoreWarnings {
			params["ignorewarnings"] = true
		}
		if watch != "" {
			params["watchlist"] = watch
		}
		_, err := p.site.invokeMutating(ctx, params)
		return err
	})
	if err != nil {
		return fmt.Errorf("move %s: %w", p.describeForError(), err)
	}
	p.stub.Title = &newTitle
	return nil
}

// Delete performs action=delete. Returns false if the page was
// already gone, true on actual deletion (spec §4.8).
func (p *Page) Delete(ctx context.Context, reason string, watch AutoWatch) (bool, error) {
	deleted := false
	err := p.site.tokens.withCSRFRetry(ctx, func(csrf string) error {
		params := p.identityParams()
		params["action"] = "delete"
		params["token"] = csrf
		if reason != "" {
			params["reason"] = reason
		}
		if watch != "" {
			params["watchlist"] = watch
		}
		result, err := p.site.invokeMutating(ctx, params)
		if err != nil {
			var of *OperationFailedError
			if asOperationFailed(err, &of) && (of.Code == "missingtitle" || of.Code == "cantdelete") {
				deleted = false
				return nil
			}
			return err
		}
		_, ok := result.(map[string]any)["delete"].(map[string]any)
		if !ok {
			return &InvalidResponseError{Reason: "delete response missing delete"}
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", p.describeForError(), err)
	}
	if deleted {
		p.Exists = false
	}
	return deleted, nil
}

// Purge requests cache invalidation for this page.
func (p *Page) Purge(ctx context.Context, opts PurgeOptions) error {
	failures, err := PurgePages(ctx, p.site, []*Page{p}, opts)
	if err != nil {
		return err
	}
	if len(failures) > 0 {
		return &OperationFailedError{Code: "purge_failed", Info: failures[0].Reason}
	}
	return nil
}

// PurgePages purges a batch of handles and returns the subset that
// failed, with structured failure records (spec §4.8).
func PurgePages(ctx context.Context, site *Site, pages []*Page, opts PurgeOptions) ([]PurgeFailure, error) {
	if len(pages) == 0 {
		return nil, nil
	}
	var titles []string
	for _, p := range pages {
		if p.stub.Title != nil {
			titles = append(titles, *p.stub.Title)
		}
	}
	params := Values{
		"action": "purge",
		"titles": StringList(titles...),
	}
	if opts.ForceLinkUpdate {
		params["forcelinkupdate"] = true
	}
	if opts.ForceRecursiveLinkUpdate {
		params["forcerecursivelinkupdate"] = true
	}
	result, err := site.invokeMutating(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("purge: %w", err)
	}
	root, _ := result.(map[string]any)
	purgeList, ok := root["purge"].([]any)
	if !ok {
		return nil, &InvalidResponseError{Reason: "purge response missing purge"}
	}
	var failures []PurgeFailure
	for _, raw := range purgeList {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		stub := parseStubFromPageMap(m)
		if stub.Missing || stub.Invalid {
			reason := "missing"
			if stub.Invalid {
				reason = "invalid"
			}
			failures = append(failures, PurgeFailure{Page: stub, Missing: stub.Missing, Invalid: stub.Invalid, Reason: reason})
		}
	}
	return failures, nil
}

// GetRedirectTarget returns a fresh handle for the page this handle
// redirects to, or nil if it is not a redirect (spec §4.8).
func (p *Page) GetRedirectTarget(ctx context.Context) (*Page, error) {
	if !p.IsRedirect || p.stub.Title == nil {
		return nil, nil
	}
	target := p.site.Page(*p.stub.Title)
	if err := target.Refresh(ctx, RefreshOptions{ResolveRedirects: true}); err != nil {
		return nil, err
	}
	return target, nil
}

// Watch adds the page to the account's watchlist.
func (p *Page) Watch(ctx context.Context) error {
	return p.watchAction(ctx, false)
}

// Unwatch removes the page from the account's watchlist.
func (p *Page) Unwatch(ctx context.Context) error {
	return p.watchAction(ctx, true)
}

func (p *Page) watchAction(ctx context.Context, unwatch bool) error {
	return p.site.tokens.withCSRFRetry(ctx, func(csrf string) error {
		params := p.identityParams()
		params["action"] = "watch"
		params["token"] = csrf
		if unwatch {
			params["unwatch"] = true
		}
		_, err := p.site.invokeMutating(ctx, params)
		return err
	})
}

// Patrol marks revisionID as patrolled using the patrol token (folded
// into csrf on modern servers).
func (p *Page) Patrol(ctx context.Context, revisionID int) error {
	return p.site.tokens.withCSRFRetry(ctx, func(csrf string) error {
		_, err := p.site.invokeMutating(ctx, Values{
			"action": "patrol",
			"revid":  strconv.Itoa(revisionID),
			"token":  csrf,
		})
		return err
	})
}

// RefreshPages bulk-refreshes handles, partitioning the batch by the
// server's apihighlimits right (50 or 500 per call) and matching
// identities back by normalized title first, then by id (spec §4.8).
func RefreshPages(ctx context.Context, site *Site, pages []*Page, opts RefreshOptions) error {
	if len(pages) == 0 {
		return nil
	}
	limit := 50
	if account := site.Account(); account != nil {
		for _, r := range account.Rights {
			if r == "apihighlimits" {
				limit = 500
				break
			}
		}
	}
	byTitle := make(map[string]*Page)
	byID := make(map[int]*Page)
	for _, p := range pages {
		if p.stub.Title != nil {
			byTitle[*p.stub.Title] = p
		}
		if p.stub.ID != nil {
			byID[*p.stub.ID] = p
		}
	}

	for start := 0; start < len(pages); start += limit {
		end := start + limit
		if end > len(pages) {
			end = len(pages)
		}
		batch := pages[start:end]
		var titles []string
		for _, p := range batch {
			if p.stub.Title != nil {
				titles = append(titles, *p.stub.Title)
			}
		}
		if len(titles) == 0 {
			continue
		}
		params := Values{
			"action": "query",
			"titles": StringList(titles...),
			"prop":   "info|revisions",
			"rvprop": "ids|timestamp|flags|comment|user|size|sha1|contentmodel",
			"rvlimit": "1",
		}
		if opts.FetchContent {
			params["rvprop"] = params["rvprop"].(string) + "|content"
			params["rvslots"] = "main"
		}
		if opts.ResolveRedirects {
			params["redirects"] = true
		}
		result, err := site.invokeParams(ctx, params)
		if err != nil {
			return fmt.Errorf("bulk refresh: %w", err)
		}
		root, _ := result.(map[string]any)
		query, ok := root["query"].(map[string]any)
		if !ok {
			return &InvalidResponseError{Reason: "bulk refresh response missing query"}
		}
		redirectTo := make(map[string]string)
		if redirects, ok := query["redirects"].([]any); ok {
			for _, raw := range redirects {
				m, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				from, _ := m["from"].(string)
				to, _ := m["to"].(string)
				redirectTo[from] = to
			}
		}
		var pageMaps []map[string]any
		switch v := query["pages"].(type) {
		case map[string]any:
			for _, raw := range v {
				if m, ok := raw.(map[string]any); ok {
					pageMaps = append(pageMaps, m)
				}
			}
		case []any:
			for _, raw := range v {
				if m, ok := raw.(map[string]any); ok {
					pageMaps = append(pageMaps, m)
				}
			}
		}
		for _, m := range pageMaps {
			stub := parseStubFromPageMap(m)
			var target *Page
			if stub.Title != nil {
				lookupTitle := *stub.Title
				if orig, ok := reverseLookup(redirectTo, lookupTitle); ok {
					lookupTitle = orig
				}
				target = byTitle[lookupTitle]
				if target == nil {
					target = byTitle[*stub.Title]
				}
			}
			if target == nil && stub.ID != nil {
				target = byID[*stub.ID]
			}
			if target == nil {
				continue
			}
			fakeQuery := map[string]any{"pages": map[string]any{"0": m}}
			if _, ok := query["redirects"]; ok {
				fakeQuery["redirects"] = query["redirects"]
			}
			if err := target.applyRedirects(fakeQuery, opts); err != nil {
				return err
			}
			if err := target.applyPageMap(fakeQuery); err != nil {
				return err
			}
		}
	}
	return nil
}

func reverseLookup(m map[string]string, value string) (string, bool) {
	for k, v := range m {
		if v == value {
			return k, true
		}
	}
	return "", false
}
