package mediawiki

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type generatorState int

const (
	generatorInitial generatorState = iota
	generatorPaging
	generatorEnd
	generatorFaulted
)

// Generator is the C7 Continuation Generator engine: it wraps one
// MediaWiki list/generator query shape into a lazy, pageable sequence
// with a server-side cursor, per spec §4.7's state machine (Initial ->
// Paging -> End, with a Faulted sink on cancellation).
//
// A zero-value cursor means "first page"; restarting a generator
// (Reset) simply drops the cursor and returns to Initial, so a fresh
// iteration never leaks stale continuation state.
type Generator struct {
	site   *Site
	params Values

	// itemsKey names the key under query.<itemsKey> holding this
	// generator's results. In list mode it's the module name (e.g.
	// "allpages") and the value is an array. In combinator ("page
	// stream") mode it's always "pages" and the value is a page map,
	// sorted by the "index" hint when the server provides one.
	itemsKey  string
	pagesMode bool

	mu       sync.Mutex
	state    generatorState
	cursor   map[string]any
	faultErr error
}

// newGenerator builds a list-mode generator: action=query&<params...>,
// reading its page of results from query.<itemsKey>.
func newGenerator(site *Site, itemsKey string, params Values) *Generator {
	return &Generator{site: site, itemsKey: itemsKey, params: params}
}

// newPageStreamGenerator builds a combinator-mode generator: reads its
// page of results from query.pages, merging generator-selected items
// with whatever prop data the same response carried for them.
func newPageStreamGenerator(site *Site, params Values) *Generator {
	return &Generator{site: site, itemsKey: "pages", pagesMode: true, params: params}
}

// Reset returns the generator to Initial, discarding any cursor, so
// the next NextPage re-issues the first query.
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = generatorInitial
	g.cursor = nil
	g.faultErr = nil
}

// Done reports whether the generator has reached End or Faulted.
func (g *Generator) Done() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == generatorEnd || g.state == generatorFaulted
}

// NextPage issues the next page of the query (or the first, from
// Initial) and returns its items. A nil, nil result (empty slice, nil
// error) with the generator now Done means end-of-stream. Cancelling
// ctx while a page is in flight leaves the generator Faulted; every
// subsequent NextPage call re-raises the same error, per spec §4.7's
// cancellation contract.
func (g *Generator) NextPage(ctx context.Context) ([]map[string]any, error) {
	g.mu.Lock()
	if g.state == generatorFaulted {
		err := g.faultErr
		g.mu.Unlock()
		return nil, err
	}
	if g.state == generatorEnd {
		g.mu.Unlock()
		return nil, nil
	}
	cursor := g.cursor
	g.mu.Unlock()

	params := Values{}
	for k, v := range g.params {
		params[k] = v
	}
	for k, v := range cursor {
		params[k] = v
	}

	result, err := g.site.invokeParams(ctx, params)
	if err != nil {
		g.mu.Lock()
		if _, ok := err.(*CancelledError); ok {
			g.state = generatorFaulted
			g.faultErr = err
		}
		g.mu.Unlock()
		return nil, fmt.Errorf("generator next page: %w", err)
	}

	root, _ := result.(map[string]any)
	query, _ := root["query"].(map[string]any)

	items, err := g.extractItems(query)
	if err != nil {
		return nil, err
	}

	next, hasMore := extractContinuation(root, query, g.moduleName())

	g.mu.Lock()
	if hasMore {
		g.cursor = next
		g.state = generatorPaging
	} else {
		g.state = generatorEnd
	}
	g.mu.Unlock()

	return items, nil
}

func (g *Generator) moduleName() string {
	if v, ok := g.params["list"].(string); ok {
		return v
	}
	if v, ok := g.params["generator"].(string); ok {
		return v
	}
	return g.itemsKey
}

func (g *Generator) extractItems(query map[string]any) ([]map[string]any, error) {
	if query == nil {
		return nil, nil
	}
	raw, ok := query[g.itemsKey]
	if !ok {
		return nil, nil
	}
	if !g.pagesMode {
		arr, ok := raw.([]any)
		if !ok {
			return nil, &InvalidResponseError{Reason: "generator response field " + g.itemsKey + " was not an array"}
		}
		out := make([]map[string]any, 0, len(arr))
		for _, v := range arr {
			if m, ok := v.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out, nil
	}

	var pages []map[string]any
	switch v := raw.(type) {
	case map[string]any:
		for _, p := range v {
			if m, ok := p.(map[string]any); ok {
				pages = append(pages, m)
			}
		}
	case []any:
		for _, p := range v {
			if m, ok := p.(map[string]any); ok {
				pages = append(pages, m)
			}
		}
	}
	sort.SliceStable(pages, func(i, j int) bool {
		return pageIndex(pages[i]) < pageIndex(pages[j])
	})
	return pages, nil
}

func pageIndex(m map[string]any) int {
	if v, ok := m["index"].(float64); ok {
		return int(v)
	}
	return 1 << 30
}

// extractContinuation looks first for the modern `continue` object,
// falling back to the legacy `query-continue.<module>` shape for MW
// 1.19-era targets (spec §4.11's compatibility path).
func extractContinuation(root, query map[string]any, module string) (map[string]any, bool) {
	if cont, ok := root["continue"].(map[string]any); ok && len(cont) > 0 {
		return cont, true
	}
	if qc, ok := root["query-continue"].(map[string]any); ok {
		if modCont, ok := qc[module].(map[string]any); ok && len(modCont) > 0 {
			return modCont, true
		}
	}
	_ = query
	return nil, false
}

// ItemIterator is a simple pull-based cursor over a Generator's items,
// buffering one page at a time (spec §4.7 "Backpressure": no prefetch
// beyond the page currently being consumed).
type ItemIterator struct {
	gen    *Generator
	buffer []map[string]any
	idx    int
	done   bool
}

// Iterator returns a fresh, page-buffering cursor over g. Multiple
// iterators over the same Generator are not supported; call Reset and
// take a new Iterator to restart.
func (g *Generator) Iterator() *ItemIterator {
	return &ItemIterator{gen: g}
}

// Next returns the next item, or ok=false at end-of-stream.
func (it *ItemIterator) Next(ctx context.Context) (map[string]any, bool, error) {
	for it.idx >= len(it.buffer) {
		if it.done {
			return nil, false, nil
		}
		items, err := it.gen.NextPage(ctx)
		if err != nil {
			return nil, false, err
		}
		it.buffer = items
		it.idx = 0
		if it.gen.Done() {
			it.done = true
		}
		if len(items) == 0 {
			if it.done {
				return nil, false, nil
			}
			continue
		}
	}
	item := it.buffer[it.idx]
	it.idx++
	return item, true, nil
}
