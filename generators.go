package mediawiki

import (
	"strconv"
	"strings"
	"time"
)

// Direction is the common sort-direction selector used across list
// modules (spec §4.7).
type Direction string

const (
	DirectionAscending  Direction = "newer"
	DirectionDescending Direction = "older"
)

func limitValue(pageSize int) string {
	if pageSize <= 0 {
		return "max"
	}
	return strconv.Itoa(pageSize)
}

// AllPagesOptions configures the All-pages generator.
type AllPagesOptions struct {
	Namespace       *int
	StartTitle      string
	Prefix          string
	RedirectsFilter string // "all", "redirects", "nonredirects"
	MinSize         *int
	MaxSize         *int
	ProtectedType   string
	Direction       Direction
	PageSize        int
}

// AllPages lists every page in a namespace, optionally filtered and
// ordered, per spec §4.7.
func AllPages(site *Site, opts AllPagesOptions) *Generator {
	params := Values{
		"action":  "query",
		"list":    "allpages",
		"aplimit": limitValue(opts.PageSize),
	}
	if opts.Namespace != nil {
		params["apnamespace"] = strconv.Itoa(*opts.Namespace)
	}
	if opts.StartTitle != "" {
		params["apfrom"] = opts.StartTitle
	}
	if opts.Prefix != "" {
		params["apprefix"] = opts.Prefix
	}
	if opts.RedirectsFilter != "" {
		params["apfilterredir"] = opts.RedirectsFilter
	}
	if opts.MinSize != nil {
		params["apminsize"] = strconv.Itoa(*opts.MinSize)
	}
	if opts.MaxSize != nil {
		params["apmaxsize"] = strconv.Itoa(*opts.MaxSize)
	}
	if opts.ProtectedType != "" {
		params["apprtype"] = opts.ProtectedType
	}
	if opts.Direction != "" {
		params["apdir"] = string(opts.Direction)
	}
	return newGenerator(site, "allpages", params)
}

// CategoryMembersOptions configures the Categorymembers generator.
type CategoryMembersOptions struct {
	Category    string
	MemberTypes []string // subset of "page", "subcat", "file"
	Sort        string    // "sortkey" or "timestamp"
	PageSize    int
}

// CategoryMembers lists the members of a category, per spec §4.7.
func CategoryMembers(site *Site, opts CategoryMembersOptions) *Generator {
	params := Values{
		"action":   "query",
		"list":     "categorymembers",
		"cmtitle":  normalizeCategoryTitle(opts.Category),
		"cmlimit":  limitValue(opts.PageSize),
	}
	if len(opts.MemberTypes) > 0 {
		params["cmtype"] = StringList(opts.MemberTypes...)
	}
	if opts.Sort != "" {
		params["cmsort"] = opts.Sort
	}
	return newGenerator(site, "categorymembers", params)
}

func normalizeCategoryTitle(category string) string {
	if strings.Contains(category, ":") {
		return category
	}
	return "Category:" + category
}

// RecentChangesOptions configures the Recent-changes generator.
type RecentChangesOptions struct {
	StartTime         time.Time
	EndTime           time.Time
	Direction         Direction
	Types             []string // subset of "edit", "new", "log", "categorize", "external"
	MinorFilter       string   // "", "minor", "!minor"
	BotFilter         string
	AnonFilter        string
	PatrolledFilter   string
	Namespace         *int
	LastRevisionsOnly bool
	PageSize          int
}

// RecentChanges streams the wiki's recent-changes feed, per spec
// §4.7.
func RecentChanges(site *Site, opts RecentChangesOptions) *Generator {
	params := Values{
		"action":  "query",
		"list":    "recentchanges",
		"rclimit": limitValue(opts.PageSize),
	}
	if !opts.StartTime.IsZero() {
		params["rcstart"] = opts.StartTime
	}
	if !opts.EndTime.IsZero() {
		params["rcend"] = opts.EndTime
	}
	if opts.Direction != "" {
		params["rcdir"] = string(opts.Direction)
	}
	if len(opts.Types) > 0 {
		params["rctype"] = StringList(opts.Types...)
	}
	var show []string
	if opts.MinorFilter != "" {
		show = append(show, opts.MinorFilter)
	}
	if opts.BotFilter != "" {
		show = append(show, opts.BotFilter)
	}
	if opts.AnonFilter != "" {
		show = append(show, opts.AnonFilter)
	}
	if opts.PatrolledFilter != "" {
		show = append(show, opts.PatrolledFilter)
	}
	if len(show) > 0 {
		params["rcshow"] = StringList(show...)
	}
	if opts.Namespace != nil {
		params["rcnamespace"] = strconv.Itoa(*opts.Namespace)
	}
	if opts.LastRevisionsOnly {
		params["rctoponly"] = true
	}
	return newGenerator(site, "recentchanges", params)
}

// RevisionsOptions configures the single-page Revisions history
// generator.
type RevisionsOptions struct {
	PageTitle string
	PageID    int
	StartTime time.Time
	EndTime   time.Time
	StartID   int
	EndID     int
	Direction Direction
	PageSize  int
}

// Revisions lists the revision history of a single page, per spec
// §4.7.
func Revisions(site *Site, opts RevisionsOptions) *Generator {
	params := Values{
		"action":  "query",
		"prop":    "revisions",
		"rvlimit": limitValue(opts.PageSize),
		"rvprop":  "ids|timestamp|flags|comment|user|size|sha1|contentmodel|tags",
	}
	if opts.PageTitle != "" {
		params["titles"] = opts.PageTitle
	} else if opts.PageID != 0 {
		params["pageids"] = strconv.Itoa(opts.PageID)
	}
	if !opts.StartTime.IsZero() {
		params["rvstart"] = opts.StartTime
	}
	if !opts.EndTime.IsZero() {
		params["rvend"] = opts.EndTime
	}
	if opts.StartID != 0 {
		params["rvstartid"] = strconv.Itoa(opts.StartID)
	}
	if opts.EndID != 0 {
		params["rvendid"] = strconv.Itoa(opts.EndID)
	}
	if opts.Direction != "" {
		params["rvdir"] = string(opts.Direction)
	}
	// Revisions is a prop list nested under query.pages rather than a
	// top-level query.<module> array; route it through page-stream
	// extraction so a single page's revisions page correctly.
	return newPageStreamGenerator(site, params)
}

// SearchOptions configures the Search generator.
type SearchOptions struct {
	Query     string
	Namespace *int
	What      string // "text", "title", "nearmatch"
	PageSize  int
}

// Search runs a full-text search, per spec §4.7.
func Search(site *Site, opts SearchOptions) *Generator {
	params := Values{
		"action":   "query",
		"list":     "search",
		"srsearch": opts.Query,
		"srlimit":  limitValue(opts.PageSize),
	}
	if opts.Namespace != nil {
		params["srnamespace"] = strconv.Itoa(*opts.Namespace)
	}
	if opts.What != "" {
		params["srwhat"] = opts.What
	}
	return newGenerator(site, "search", params)
}

// BackLinksOptions configures the Back-links generator (what-links-
// here).
type BackLinksOptions struct {
	Title     string
	Namespace *int
	Filter    string // "all", "redirects", "nonredirects"
	PageSize  int
}

// BackLinks lists pages linking to Title, per spec §4.7.
func BackLinks(site *Site, opts BackLinksOptions) *Generator {
	params := Values{
		"action":  "query",
		"list":    "backlinks",
		"bltitle": opts.Title,
		"bllimit": limitValue(opts.PageSize),
	}
	if opts.Namespace != nil {
		params["blnamespace"] = strconv.Itoa(*opts.Namespace)
	}
	if opts.Filter != "" {
		params["blfilterredir"] = opts.Filter
	}
	return newGenerator(site, "backlinks", params)
}

// EmbeddedInOptions configures the Embedded-in generator (what
// transcludes a given template).
type EmbeddedInOptions struct {
	Title     string
	Namespace *int
	Filter    string
	PageSize  int
}

// EmbeddedIn lists pages transcluding Title, per spec §4.7.
func EmbeddedIn(site *Site, opts EmbeddedInOptions) *Generator {
	params := Values{
		"action":  "query",
		"list":    "embeddedin",
		"eititle": opts.Title,
		"eilimit": limitValue(opts.PageSize),
	}
	if opts.Namespace != nil {
		params["einamespace"] = strconv.Itoa(*opts.Namespace)
	}
	if opts.Filter != "" {
		params["eifilterredir"] = opts.Filter
	}
	return newGenerator(site, "embeddedin", params)
}

// LinksHereOptions configures the Links-here generator (prop=linkshere,
// the combinator-friendly counterpart to BackLinks).
type LinksHereOptions struct {
	Title     string
	Namespace *int
	PageSize  int
}

// LinksHere lists pages linking to Title via prop=linkshere, per spec
// §4.7.
func LinksHere(site *Site, opts LinksHereOptions) *Generator {
	params := Values{
		"action":   "query",
		"titles":   opts.Title,
		"prop":     "linkshere",
		"lhlimit":  limitValue(opts.PageSize),
	}
	if opts.Namespace != nil {
		params["lhnamespace"] = strconv.Itoa(*opts.Namespace)
	}
	return newGenerator(site, "linkshere", params)
}

// FileUsageOptions configures the File-usage generator (prop=fileusage).
type FileUsageOptions struct {
	Title     string
	Namespace *int
	PageSize  int
}

// FileUsage lists pages using a given file, per spec §4.7.
func FileUsage(site *Site, opts FileUsageOptions) *Generator {
	params := Values{
		"action":  "query",
		"titles":  opts.Title,
		"prop":    "fileusage",
		"fulimit": limitValue(opts.PageSize),
	}
	if opts.Namespace != nil {
		params["funamespace"] = strconv.Itoa(*opts.Namespace)
	}
	return newGenerator(site, "fileusage", params)
}

// TransclusionsOptions configures the Transclusions generator
// (prop=transcludedin).
type TransclusionsOptions struct {
	Title     string
	Namespace *int
	PageSize  int
}

// Transclusions lists pages transcluding Title via prop=transcludedin,
// per spec §4.7.
func Transclusions(site *Site, opts TransclusionsOptions) *Generator {
	params := Values{
		"action":  "query",
		"titles":  opts.Title,
		"prop":    "transcludedin",
		"tilimit": limitValue(opts.PageSize),
	}
	if opts.Namespace != nil {
		params["tinamespace"] = strconv.Itoa(*opts.Namespace)
	}
	return newGenerator(site, "transcludedin", params)
}

// LanguageLinksOptions configures the Language-links generator
// (prop=langlinks).
type LanguageLinksOptions struct {
	Title    string
	Language string
	PageSize int
}

// LanguageLinks lists a page's interlanguage links, per spec §4.7.
func LanguageLinks(site *Site, opts LanguageLinksOptions) *Generator {
	params := Values{
		"action":  "query",
		"titles":  opts.Title,
		"prop":    "langlinks",
		"lllimit": limitValue(opts.PageSize),
	}
	if opts.Language != "" {
		params["lllang"] = opts.Language
	}
	return newGenerator(site, "langlinks", params)
}

// PrefixIndexOptions configures the Prefix-index generator (an
// allpages alias conventionally scoped to a title prefix).
type PrefixIndexOptions struct {
	Namespace *int
	Prefix    string
	PageSize  int
}

// PrefixIndex lists all pages whose title starts with Prefix, per
// spec §4.7.
func PrefixIndex(site *Site, opts PrefixIndexOptions) *Generator {
	return AllPages(site, AllPagesOptions{
		Namespace: opts.Namespace,
		Prefix:    opts.Prefix,
		PageSize:  opts.PageSize,
	})
}

// WatchlistOptions configures the supplemental Watchlist generator
// (SPEC_FULL §12): the authenticated account's watched-page changes.
type WatchlistOptions struct {
	StartTime time.Time
	EndTime   time.Time
	Direction Direction
	Types     []string
	OwnerOnly bool
	PageSize  int
}

// Watchlist streams the authenticated account's watchlist changes.
func Watchlist(site *Site, opts WatchlistOptions) *Generator {
	params := Values{
		"action":  "query",
		"list":    "watchlist",
		"wllimit": limitValue(opts.PageSize),
		"wlprop":  "ids|title|timestamp|user|comment|sizes|flags",
	}
	if !opts.StartTime.IsZero() {
		params["wlstart"] = opts.StartTime
	}
	if !opts.EndTime.IsZero() {
		params["wlend"] = opts.EndTime
	}
	if opts.Direction != "" {
		params["wldir"] = string(opts.Direction)
	}
	if len(opts.Types) > 0 {
		params["wltype"] = StringList(opts.Types...)
	}
	if opts.OwnerOnly {
		if acct := site.Account(); acct != nil {
			params["wlowner"] = acct.Name
		}
	}
	return newGenerator(site, "watchlist", params)
}

// UpgradeToPageStream reconfigures gen as a generator=<name> combinator
// (spec §4.7): the same list-shaped parameters are reused, but results
// are read from query.pages (merged with prop data) instead of
// query.<module>, and additional properties named by prop are
// requested in the same call.
func UpgradeToPageStream(gen *Generator, prop string) *Generator {
	params := Values{}
	for k, v := range gen.params {
		params[k] = v
	}
	module := gen.moduleName()
	delete(params, "list")
	params["generator"] = module
	params["prop"] = prop
	if limitKey, ok := regeneratePagedLimitKey(module); ok {
		if v, present := gen.params[limitKey]; present {
			params["g"+limitKey] = v
			delete(params, limitKey)
		}
	}
	return newPageStreamGenerator(gen.site, params)
}

// regeneratePagedLimitKey maps a list module name to the limit
// parameter name it uses, so UpgradeToPageStream can rename it to the
// "g"-prefixed generator form MediaWiki expects (e.g. aplimit ->
// gaplimit).
func regeneratePagedLimitKey(module string) (string, bool) {
	switch module {
	case "allpages":
		return "aplimit", true
	case "categorymembers":
		return "cmlimit", true
	case "recentchanges":
		return "rclimit", true
	case "search":
		return "srlimit", true
	case "backlinks":
		return "bllimit", true
	case "embeddedin":
		return "eilimit", true
	case "watchlist":
		return "wllimit", true
	}
	return "", false
}
