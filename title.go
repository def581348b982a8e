package mediawiki

import (
	"strings"
	"unicode"
)

// WikiLink is a parsed title: the decomposition of a free-form title
// string into interwiki prefix, namespace, local title, section, and
// anchor, per spec §3/§4.4.
type WikiLink struct {
	OriginalText     string
	InterwikiPrefix  string
	Namespace        *Namespace
	Title            string
	Section          string
	Anchor           string
	FullTitle        string
}

// titleSite is the subset of Site state the title parser needs:
// its namespace table and interwiki map. SiteInfo implements it
// directly; tests can supply a bare struct literal.
type titleSite interface {
	namespaceByID(id int) (*Namespace, bool)
	namespaceByPrefix(prefix string) (*Namespace, bool)
	interwikiByPrefix(prefix string) (InterwikiEntry, bool)
	caseSensitiveFirstLetter() bool
}

// ParseTitle parses title against site (and, if family is non-nil,
// resolves language-link interwiki prefixes to sibling sites within
// the family), per the algorithm in spec §4.4. defaultNamespace is
// used unless a leading ':' or a recognised namespace prefix
// overrides it.
func ParseTitle(site *Site, family *Family, title string, defaultNamespace int) (*WikiLink, error) {
	original := title
	normalized := normalizeWhitespace(title)

	if strings.HasPrefix(normalized, ":") {
		normalized = strings.TrimPrefix(normalized, ":")
		defaultNamespace = NamespaceMain
	}

	currentSite := site
	currentInfo := siteTitleInfo(site)
	var interwikiPath []string
	remainder := normalized

	for {
		idx := strings.Index(remainder, ":")
		if idx < 0 {
			break
		}
		prefix := normalizeWhitespace(remainder[:idx])
		rest := strings.TrimPrefix(remainder[idx+1:], "")
		rest = trimLeadingSpace(rest)
		if prefix == "" {
			break
		}

		if iw, ok := currentInfo.interwikiByPrefix(prefix); ok {
			interwikiPath = append(interwikiPath, iw.Prefix)
			remainder = rest
			if iw.IsLanguageLink && family != nil {
				if sibling, ok := family.sibling(iw.Prefix); ok {
					currentSite = sibling
					currentInfo = siteTitleInfo(sibling)
				}
			}
			continue
		}
		if ns, ok := currentInfo.namespaceByPrefix(prefix); ok {
			defaultNamespaceResolved := ns
			local, section, anchor := splitSectionAnchor(rest)
			t, err := finalizeTitle(currentInfo, local)
			if err != nil {
				return nil, err
			}
			return &WikiLink{
				OriginalText:    original,
				InterwikiPrefix: strings.Join(interwikiPath, ":"),
				Namespace:       defaultNamespaceResolved,
				Title:           t,
				Section:         section,
				Anchor:          anchor,
				FullTitle:       formatFullTitle(interwikiPath, defaultNamespaceResolved, t),
			}, nil
		}
		break
	}

	ns, _ := currentInfo.namespaceByID(defaultNamespace)
	local, section, anchor := splitSectionAnchor(remainder)
	t, err := finalizeTitle(currentInfo, local)
	if err != nil {
		return nil, err
	}
	return &WikiLink{
		OriginalText:    original,
		InterwikiPrefix: strings.Join(interwikiPath, ":"),
		Namespace:       ns,
		Title:           t,
		Section:         section,
		Anchor:          anchor,
		FullTitle:       formatFullTitle(interwikiPath, ns, t),
	}, nil
}

// siteTitleInfo returns site's bootstrapped info as a titleSite,
// falling back to an empty-but-valid table so title parsing degrades
// gracefully (first-letter case, no known namespaces/interwikis)
// against a site that hasn't been bootstrapped yet.
func siteTitleInfo(site *Site) titleSite {
	if site == nil {
		return newSiteInfo()
	}
	if info := site.infoOrNil(); info != nil {
		return info
	}
	return newSiteInfo()
}

func normalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "_", " ")
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

func trimLeadingSpace(s string) string {
	return strings.TrimLeft(s, " ")
}

func splitSectionAnchor(s string) (title, section, anchor string) {
	hashIdx := strings.Index(s, "#")
	if hashIdx < 0 {
		return strings.TrimSpace(s), "", ""
	}
	title = strings.TrimSpace(s[:hashIdx])
	rest := s[hashIdx+1:]
	pipeIdx := strings.Index(rest, "|")
	if pipeIdx < 0 {
		return title, rest, ""
	}
	return title, rest[:pipeIdx], rest[pipeIdx+1:]
}

const invalidTitleChars = "[]{}<>"

func finalizeTitle(info titleSite, title string) (string, error) {
	title = normalizeWhitespace(title)
	for _, r := range title {
		if r < 0x20 || strings.ContainsRune(invalidTitleChars, r) {
			return "", &BadTitleError{Title: title, Reason: "contains invalid character"}
		}
	}
	if title == "" {
		return "", &BadTitleError{Title: title, Reason: "empty title"}
	}
	if info == nil || info.caseSensitiveFirstLetter() {
		return upperFirstRune(title), nil
	}
	return title, nil
}

func upperFirstRune(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func formatFullTitle(interwikiPath []string, ns *Namespace, title string) string {
	var parts []string
	if len(interwikiPath) > 0 {
		parts = append(parts, strings.Join(interwikiPath, ":"))
	}
	if ns != nil && ns.ID != NamespaceMain {
		parts = append(parts, ns.CanonicalName)
	}
	parts = append(parts, title)
	return strings.Join(parts, ":")
}
