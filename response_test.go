package mediawiki

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResponse(t *testing.T, status int, body string, headers map[string]string) *http.Response {
	t.Helper()
	rec := httptest.NewRecorder()
	for k, v := range headers {
		rec.Header().Set(k, v)
	}
	rec.WriteHeader(status)
	rec.Write([]byte(body))
	return rec.Result()
}

func TestJSONParserSuccess(t *testing.T) {
	t.Parallel()
	p := &JSONParser{}
	resp := newResponse(t, 200, `{"query":{"pages":{"1":{"title":"Main Page"}}}}`, nil)
	pc := &ParsingContext{Context: context.Background()}

	value, err := p.Parse(pc, resp)
	require.NoError(t, err)
	root, ok := value.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, root, "query")
	assert.False(t, pc.NeedsRetry)
}

func TestJSONParserArrayRoot(t *testing.T) {
	t.Parallel()
	p := &JSONParser{}
	resp := newResponse(t, 200, `["search term",["A","B"]]`, nil)
	pc := &ParsingContext{Context: context.Background()}

	value, err := p.Parse(pc, resp)
	require.NoError(t, err)
	arr, ok := value.([]any)
	require.True(t, ok)
	assert.Len(t, arr, 2)
}

func TestJSONParserServerErrorRetries(t *testing.T) {
	t.Parallel()
	p := &JSONParser{}
	resp := newResponse(t, 503, "service unavailable", map[string]string{"Retry-After": "2"})
	pc := &ParsingContext{Context: context.Background()}

	_, err := p.Parse(pc, resp)
	require.Error(t, err)
	var httpErr *HTTPStatusError
	require.ErrorAs(t, err, &httpErr)
	assert.True(t, pc.NeedsRetry)
	assert.Equal(t, 2, int(pc.RetryAfter.Seconds()))
}

func TestJSONParserClientErrorDoesNotRetry(t *testing.T) {
	t.Parallel()
	p := &JSONParser{}
	resp := newResponse(t, 404, "not found", nil)
	pc := &ParsingContext{Context: context.Background()}

	_, err := p.Parse(pc, resp)
	require.Error(t, err)
	assert.False(t, pc.NeedsRetry)
}

func TestJSONParserAPIErrorEnvelope(t *testing.T) {
	t.Parallel()
	p := &JSONParser{}
	resp := newResponse(t, 200, `{"error":{"code":"badtoken","info":"Invalid token"}}`, nil)
	pc := &ParsingContext{Context: context.Background()}

	_, err := p.Parse(pc, resp)
	require.Error(t, err)
	var badToken *BadTokenError
	assert.ErrorAs(t, err, &badToken)
}

func TestJSONParserMalformedJSONRetries(t *testing.T) {
	t.Parallel()
	p := &JSONParser{}
	resp := newResponse(t, 200, `{not json`, nil)
	pc := &ParsingContext{Context: context.Background()}

	_, err := p.Parse(pc, resp)
	require.Error(t, err)
	assert.True(t, pc.NeedsRetry)
}

func TestJSONParserGzipBody(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(`{"query":{"ok":true}}`))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Encoding", "gzip")
	rec.WriteHeader(200)
	rec.Write(buf.Bytes())
	resp := rec.Result()

	p := &JSONParser{}
	pc := &ParsingContext{Context: context.Background()}
	value, err := p.Parse(pc, resp)
	require.NoError(t, err)
	root := value.(map[string]any)
	query := root["query"].(map[string]any)
	assert.Equal(t, true, query["ok"])
}

func TestJSONParserMaxLagRetries(t *testing.T) {
	t.Parallel()
	p := &JSONParser{}
	resp := newResponse(t, 200, `{"error":{"code":"maxlag","info":"Waiting for a database server: 7 seconds lagged","host":"db1","lag":7}}`, nil)
	pc := &ParsingContext{Context: context.Background()}

	_, err := p.Parse(pc, resp)
	require.Error(t, err)
	var maxLag *MaxLagError
	require.ErrorAs(t, err, &maxLag)
	assert.Equal(t, "db1", maxLag.Host)
	assert.Equal(t, 7, int(maxLag.Lag.Seconds()))
	assert.True(t, pc.NeedsRetry)
	assert.Equal(t, 7, int(pc.RetryAfter.Seconds()))
}

func TestFoldMessages(t *testing.T) {
	t.Parallel()
	msgs := []any{
		map[string]any{"name": "protectedpagetext", "html": map[string]any{"*": "This page has been protected."}},
	}
	got := foldMessages("base info", msgs)
	assert.True(t, strings.Contains(got, "base info"))
	assert.True(t, strings.Contains(got, "protected"))
}
