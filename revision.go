package mediawiki

import "time"

// WikiPageStub is the identity of a page: any of id/title/namespaceId
// may be unknown. Bitmask sentinels mark "missing", "invalid", and
// "special" pages so a stub can round-trip without ambiguity, per
// spec §3.
type WikiPageStub struct {
	ID          *int
	Title       *string
	NamespaceID *int

	Missing bool
	Invalid bool
	Special bool
}

// RevisionFlags captures the per-revision boolean tags MediaWiki
// reports (rvprop=flags).
type RevisionFlags struct {
	Minor     bool
	Bot       bool
	New       bool
	Anonymous bool
}

// HiddenFields records which revision fields were suppressed
// (RevisionDelete) from the current caller's view.
type HiddenFields struct {
	User    bool
	Comment bool
	Content bool
}

// Revision is one page revision, per spec §3.
type Revision struct {
	ID            int
	ParentID      int
	Page          WikiPageStub
	Timestamp     time.Time
	UserName      string
	UserID        int
	Comment       string
	ContentModel  string
	SHA1          string
	ContentLength int
	Tags          []string
	Flags         RevisionFlags
	Hidden        HiddenFields
	Content       *string
}

// FileRevision is one revision of a file page (imageinfo entry), per
// spec §3.
type FileRevision struct {
	Timestamp      time.Time
	UserName       string
	Comment        string
	URL            string
	DescriptionURL string
	Size           int64
	Width          *int
	Height         *int
	SHA1           string
	MIME           string
	BitDepth       int
	IsAnonymous    bool
	Page           WikiPageStub
}

// Protection describes one entry of a page's protections array.
type Protection struct {
	Type   string
	Level  string
	Expiry string
}

func parseTimestamp(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseStubFromPageMap(m map[string]any) WikiPageStub {
	stub := WikiPageStub{}
	if id, ok := m["pageid"].(float64); ok {
		iid := int(id)
		stub.ID = &iid
	}
	if title, ok := m["title"].(string); ok {
		stub.Title = &title
	}
	if ns, ok := m["ns"].(float64); ok {
		ins := int(ns)
		stub.NamespaceID = &ins
	}
	if _, ok := m["missing"]; ok {
		stub.Missing = true
	}
	if _, ok := m["invalid"]; ok {
		stub.Invalid = true
	}
	if _, ok := m["special"]; ok {
		stub.Special = true
	}
	return stub
}

func parseRevision(stub WikiPageStub, m map[string]any) Revision {
	r := Revision{Page: stub}
	if id, ok := m["revid"].(float64); ok {
		r.ID = int(id)
	}
	if id, ok := m["parentid"].(float64); ok {
		r.ParentID = int(id)
	}
	r.Timestamp = parseTimestamp(m["timestamp"])
	r.UserName, _ = m["user"].(string)
	if id, ok := m["userid"].(float64); ok {
		r.UserID = int(id)
	}
	r.Comment, _ = m["comment"].(string)
	r.ContentModel, _ = m["contentmodel"].(string)
	r.SHA1, _ = m["sha1"].(string)
	if l, ok := m["size"].(float64); ok {
		r.ContentLength = int(l)
	}
	if tags, ok := m["tags"].([]any); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				r.Tags = append(r.Tags, s)
			}
		}
	}
	_, r.Flags.Minor = m["minor"]
	_, r.Flags.Bot = m["bot"]
	_, r.Flags.New = m["new"]
	_, r.Flags.Anonymous = m["anon"]
	_, r.Hidden.User = m["userhidden"]
	_, r.Hidden.Comment = m["commenthidden"]
	_, r.Hidden.Content = m["texthidden"]

	if slots, ok := m["slots"].(map[string]any); ok {
		if main, ok := slots["main"].(map[string]any); ok {
			if c, ok := main["content"].(string); ok {
				r.Content = &c
			} else if c, ok := main["*"].(string); ok {
				r.Content = &c
			}
		}
	} else if c, ok := m["*"].(string); ok {
		r.Content = &c
	} else if c, ok := m["content"].(string); ok {
		r.Content = &c
	}
	return r
}
