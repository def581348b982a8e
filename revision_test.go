package mediawiki

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStubFromPageMap(t *testing.T) {
	t.Parallel()
	m := map[string]any{"pageid": float64(7), "title": "Main Page", "ns": float64(0)}
	stub := parseStubFromPageMap(m)
	require.NotNil(t, stub.ID)
	assert.Equal(t, 7, *stub.ID)
	require.NotNil(t, stub.Title)
	assert.Equal(t, "Main Page", *stub.Title)
	require.NotNil(t, stub.NamespaceID)
	assert.Equal(t, 0, *stub.NamespaceID)
	assert.False(t, stub.Missing)
}

func TestParseStubFromPageMapMissingPage(t *testing.T) {
	t.Parallel()
	m := map[string]any{"title": "Does Not Exist", "missing": nil}
	stub := parseStubFromPageMap(m)
	assert.True(t, stub.Missing)
}

func TestParseRevisionSlotsShape(t *testing.T) {
	t.Parallel()
	stub := WikiPageStub{}
	m := map[string]any{
		"revid":        float64(100),
		"parentid":     float64(99),
		"timestamp":    "2026-01-02T03:04:05Z",
		"user":         "Alice",
		"userid":       float64(5),
		"comment":      "fix typo",
		"contentmodel": "wikitext",
		"sha1":         "abc123",
		"size":         float64(42),
		"tags":         []any{"mobile edit"},
		"minor":        "",
		"slots": map[string]any{
			"main": map[string]any{"content": "'''Hello'''"},
		},
	}
	r := parseRevision(stub, m)
	assert.Equal(t, 100, r.ID)
	assert.Equal(t, 99, r.ParentID)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), r.Timestamp)
	assert.Equal(t, "Alice", r.UserName)
	assert.Equal(t, 5, r.UserID)
	assert.Equal(t, "fix typo", r.Comment)
	assert.Equal(t, "wikitext", r.ContentModel)
	assert.Equal(t, 42, r.ContentLength)
	assert.Equal(t, []string{"mobile edit"}, r.Tags)
	assert.True(t, r.Flags.Minor)
	assert.False(t, r.Flags.Bot)
	require.NotNil(t, r.Content)
	assert.Equal(t, "'''Hello'''", *r.Content)
}

func TestParseRevisionLegacyContentShape(t *testing.T) {
	t.Parallel()
	m := map[string]any{"revid": float64(1), "*": "legacy body"}
	r := parseRevision(WikiPageStub{}, m)
	require.NotNil(t, r.Content)
	assert.Equal(t, "legacy body", *r.Content)
}

func TestParseRevisionHiddenFields(t *testing.T) {
	t.Parallel()
	m := map[string]any{"revid": float64(1), "userhidden": "", "texthidden": ""}
	r := parseRevision(WikiPageStub{}, m)
	assert.True(t, r.Hidden.User)
	assert.True(t, r.Hidden.Content)
	assert.False(t, r.Hidden.Comment)
}

func TestParseTimestampInvalidReturnsZero(t *testing.T) {
	t.Parallel()
	assert.True(t, parseTimestamp("not-a-time").IsZero())
	assert.True(t, parseTimestamp(float64(1)).IsZero())
}
