package mediawiki

import (
	"context"
	"sync"
)

// Family is the C10 Wiki Family: a name-keyed registry of sibling
// sites (e.g. the Wikipedia language family) consulted by the title
// parser when a link's interwiki prefix is a language link. Sites are
// constructed lazily and cached.
type Family struct {
	transport *Client
	endpoints map[string]string // prefix -> api.php endpoint

	mu    sync.Mutex
	sites map[string]*Site
}

// NewFamily builds a Family backed by transport, with the given
// prefix -> endpoint map (e.g. {"en": "https://en.wikipedia.org/w/api.php"}).
func NewFamily(transport *Client, endpoints map[string]string) *Family {
	return &Family{transport: transport, endpoints: endpoints}
}

// sibling returns the lazily constructed, cached Site for prefix, if
// the family knows it. A newly constructed sibling is bootstrapped
// synchronously before being handed back, so its namespace and
// interwiki tables are populated for the title parser's remaining
// hops (spec §4.4 step 3: "only the last site's namespace table is
// authoritative"). A bootstrap failure is logged and the (unbootstrapped)
// site is still returned; callers fall back to siteTitleInfo's empty
// table rather than failing the whole parse.
func (f *Family) sibling(prefix string) (*Site, bool) {
	endpoint, ok := f.endpoints[prefix]
	if !ok {
		return nil, false
	}
	f.mu.Lock()
	if f.sites == nil {
		f.sites = make(map[string]*Site)
	}
	if s, ok := f.sites[prefix]; ok {
		f.mu.Unlock()
		return s, true
	}
	s := NewSiteWithClient(endpoint, f.transport)
	f.sites[prefix] = s
	f.mu.Unlock()

	if err := s.Bootstrap(context.Background()); err != nil && f.transport != nil {
		f.transport.logger.Warn("mediawiki family sibling bootstrap failed", "prefix", prefix, "endpoint", endpoint, "err", err)
	}
	return s, true
}

// Site returns the bootstrapped Site for prefix, bootstrapping it on
// first use.
func (f *Family) Site(prefixOrEndpoint string) (*Site, bool) {
	return f.sibling(prefixOrEndpoint)
}
