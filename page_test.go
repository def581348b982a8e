package mediawiki

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoSummaryCreatedPage(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Created page", autoSummary("", "new content"))
}

func TestAutoSummaryUnchangedYieldsUpdatePage(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Update page", autoSummary("same", "same"))
}

func TestAutoSummaryDescribesAddedLines(t *testing.T) {
	t.Parallel()
	got := autoSummary("line one\n", "line one\nline two\n")
	assert.Contains(t, got, "line two")
}

func TestPageRefreshPopulatesFields(t *testing.T) {
	t.Parallel()
	site := testSite(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"query":{"pages":{"1":{
			"pageid":1,"title":"Main Page","ns":0,
			"contentmodel":"wikitext","pagelanguage":"en",
			"touched":"2026-01-01T00:00:00Z","length":123,"lastrevid":55,
			"revisions":[{"revid":55,"slots":{"main":{"content":"Hello world"}}}]
		}}}}`))
	})

	page := site.Page("Main Page")
	err := page.Refresh(context.Background(), RefreshOptions{FetchContent: true})
	require.NoError(t, err)
	assert.True(t, page.Exists)
	assert.Equal(t, "wikitext", page.ContentModel)
	assert.Equal(t, 55, page.LastRevisionID)
	assert.Equal(t, "Hello world", page.Content)
	assert.Equal(t, 123, page.ContentLength)
}

func TestPageRefreshMissingPage(t *testing.T) {
	t.Parallel()
	site := testSite(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"query":{"pages":{"-1":{"title":"Nowhere","ns":0,"missing":true}}}}`))
	})
	page := site.Page("Nowhere")
	require.NoError(t, page.Refresh(context.Background(), RefreshOptions{}))
	assert.False(t, page.Exists)
}

func TestPageRefreshResolvesRedirects(t *testing.T) {
	t.Parallel()
	site := testSite(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"query":{
			"redirects":[{"from":"Old Title","to":"New Title"}],
			"pages":{"1":{"pageid":1,"title":"New Title","ns":0}}
		}}`))
	})
	page := site.Page("Old Title")
	require.NoError(t, page.Refresh(context.Background(), RefreshOptions{ResolveRedirects: true}))
	assert.Equal(t, "New Title", page.Title())
	assert.Equal(t, []string{"Old Title"}, page.RedirectPath)
}

func TestPageRefreshCircularRedirectErrors(t *testing.T) {
	t.Parallel()
	site := testSite(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"query":{
			"redirects":[{"from":"A","to":"B"},{"from":"B","to":"A"},{"from":"A","to":"B"}],
			"pages":{"1":{"pageid":1,"title":"A","ns":0}}
		}}`))
	})
	page := site.Page("A")
	err := page.Refresh(context.Background(), RefreshOptions{ResolveRedirects: true})
	require.Error(t, err)
	var circular *CircularRedirectError
	assert.ErrorAs(t, err, &circular)
}

func TestPageUpdateContentSuccess(t *testing.T) {
	t.Parallel()
	site := testSite(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.FormValue("action") {
		case "query":
			w.Write([]byte(`{"query":{"tokens":{"csrftoken":"tok"}}}`))
		case "edit":
			assert.Equal(t, "tok", r.FormValue("token"))
			w.Write([]byte(`{"edit":{"result":"Success","newrevid":99}}`))
		}
	})
	page := site.Page("Main Page")
	changed, err := page.UpdateContent(context.Background(), "new text", "", false, false, "")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 99, page.LastRevisionID)
	assert.Equal(t, "new text", page.Content)
}

func TestPageUpdateContentNoChange(t *testing.T) {
	t.Parallel()
	site := testSite(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.FormValue("action") {
		case "query":
			w.Write([]byte(`{"query":{"tokens":{"csrftoken":"tok"}}}`))
		case "edit":
			w.Write([]byte(`{"edit":{"result":"Success","nochange":""}}`))
		}
	})
	page := site.Page("Main Page")
	changed, err := page.UpdateContent(context.Background(), "same text", "no-op", false, false, "")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestPageUpdateContentRetriesOnceOnBadToken(t *testing.T) {
	t.Parallel()
	var editAttempts int
	site := testSite(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.FormValue("action") {
		case "query":
			w.Write([]byte(`{"query":{"tokens":{"csrftoken":"tok"}}}`))
		case "edit":
			editAttempts++
			if editAttempts == 1 {
				w.Write([]byte(`{"error":{"code":"badtoken","info":"Invalid token"}}`))
				return
			}
			w.Write([]byte(`{"edit":{"result":"Success","newrevid":2}}`))
		}
	})
	page := site.Page("Main Page")
	changed, err := page.UpdateContent(context.Background(), "text", "sum", false, false, "")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2, editAttempts)
}

func TestPageUpdateContentMapsProtectedPageError(t *testing.T) {
	t.Parallel()
	site := testSite(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.FormValue("action") {
		case "query":
			w.Write([]byte(`{"query":{"tokens":{"csrftoken":"tok"}}}`))
		case "edit":
			w.Write([]byte(`{"error":{"code":"protectedpage","info":"page is protected"}}`))
		}
	})
	page := site.Page("Main Page")
	_, err := page.UpdateContent(context.Background(), "text", "sum", false, false, "")
	require.Error(t, err)
	var unauthorized *UnauthorizedError
	assert.ErrorAs(t, err, &unauthorized)
}

func TestPageMoveUpdatesTitleOnSuccess(t *testing.T) {
	t.Parallel()
	site := testSite(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.FormValue("action") {
		case "query":
			w.Write([]byte(`{"query":{"tokens":{"csrftoken":"tok"}}}`))
		case "move":
			w.Write([]byte(`{"move":{"from":"Old","to":"New"}}`))
		}
	})
	page := site.Page("Old")
	require.NoError(t, page.Move(context.Background(), "New", "rename", MoveOptions{}, ""))
	assert.Equal(t, "New", page.Title())
}

func TestPageDeleteReportsAlreadyGone(t *testing.T) {
	t.Parallel()
	site := testSite(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.FormValue("action") {
		case "query":
			w.Write([]byte(`{"query":{"tokens":{"csrftoken":"tok"}}}`))
		case "delete":
			w.Write([]byte(`{"error":{"code":"missingtitle","info":"page does not exist"}}`))
		}
	})
	page := site.Page("Gone")
	deleted, err := page.Delete(context.Background(), "cleanup", "")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestPageDeleteSuccess(t *testing.T) {
	t.Parallel()
	site := testSite(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.FormValue("action") {
		case "query":
			w.Write([]byte(`{"query":{"tokens":{"csrftoken":"tok"}}}`))
		case "delete":
			w.Write([]byte(`{"delete":{"title":"Gone","reason":"cleanup"}}`))
		}
	})
	page := site.Page("Gone")
	page.Exists = true
	deleted, err := page.Delete(context.Background(), "cleanup", "")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, page.Exists)
}

func TestPageWatchAndUnwatch(t *testing.T) {
	t.Parallel()
	var sawUnwatch bool
	site := testSite(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.FormValue("action") {
		case "query":
			w.Write([]byte(`{"query":{"tokens":{"csrftoken":"tok"}}}`))
		case "watch":
			sawUnwatch = r.FormValue("unwatch") != ""
			w.Write([]byte(`{"watch":[{"title":"Main Page","watched":true}]}`))
		}
	})
	page := site.Page("Main Page")
	require.NoError(t, page.Watch(context.Background()))
	assert.False(t, sawUnwatch)
	require.NoError(t, page.Unwatch(context.Background()))
	assert.True(t, sawUnwatch)
}

func TestPagePatrol(t *testing.T) {
	t.Parallel()
	site := testSite(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.FormValue("action") {
		case "query":
			w.Write([]byte(`{"query":{"tokens":{"csrftoken":"tok"}}}`))
		case "patrol":
			assert.Equal(t, "42", r.FormValue("revid"))
			w.Write([]byte(`{"patrol":{"rcid":1}}`))
		}
	})
	page := site.Page("Main Page")
	require.NoError(t, page.Patrol(context.Background(), 42))
}

func TestPageGetRedirectTargetFollowsRedirect(t *testing.T) {
	t.Parallel()
	site := testSite(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"query":{"pages":{"1":{"pageid":1,"title":"Target","ns":0}}}}`))
	})
	page := site.Page("Source")
	page.IsRedirect = true
	target, err := page.GetRedirectTarget(context.Background())
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, "Target", target.Title())
}

func TestPageGetRedirectTargetNilWhenNotRedirect(t *testing.T) {
	t.Parallel()
	site := testSite(t, func(w http.ResponseWriter, r *http.Request) {})
	page := site.Page("Source")
	target, err := page.GetRedirectTarget(context.Background())
	require.NoError(t, err)
	assert.Nil(t, target)
}

func TestPurgePagesReportsFailures(t *testing.T) {
	t.Parallel()
	site := testSite(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"purge":[{"title":"Good","ns":0},{"title":"Bad","ns":0,"missing":true}]}`))
	})
	pages := []*Page{site.Page("Good"), site.Page("Bad")}
	failures, err := PurgePages(context.Background(), site, pages, PurgeOptions{})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "Bad", *failures[0].Page.Title)
	assert.True(t, failures[0].Missing)
}

func TestRefreshPagesMatchesByTitleAndID(t *testing.T) {
	t.Parallel()
	site := testSite(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"query":{"pages":{
			"1":{"pageid":1,"title":"Alpha","ns":0,"lastrevid":10},
			"2":{"pageid":2,"title":"Beta","ns":0,"lastrevid":20}
		}}}`))
	})
	alpha := site.Page("Alpha")
	beta := site.PageByID(2)
	require.NoError(t, RefreshPages(context.Background(), site, []*Page{alpha, beta}, RefreshOptions{}))
	assert.Equal(t, 10, alpha.LastRevisionID)
	assert.Equal(t, 20, beta.LastRevisionID)
	assert.True(t, alpha.Exists)
	assert.True(t, beta.Exists)
}
