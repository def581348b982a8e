package mediawiki

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// ParsingContext carries the state a Parser needs and can mutate
// during one invoke() attempt.
type ParsingContext struct {
	Context    context.Context
	Logger     *slog.Logger
	NeedsRetry bool
	RetryAfter time.Duration
}

// Parser is the C2 Response Parser contract: a pluggable strategy
// that turns an HTTP response into a domain value or a typed error,
// and may request a retry by setting pc.NeedsRetry.
type Parser interface {
	Parse(pc *ParsingContext, resp *http.Response) (any, error)
}

// JSONParser is the default MediaWiki-JSON response parser described
// in spec §4.2.
type JSONParser struct {
	// MaxRetryDelay clamps any server-suggested Retry-After.
	MaxRetryDelay time.Duration
}

func (p *JSONParser) Parse(pc *ParsingContext, resp *http.Response) (any, error) {
	if resp.StatusCode >= 400 {
		if resp.StatusCode >= 500 && resp.StatusCode <= 599 {
			pc.NeedsRetry = true
			pc.RetryAfter = p.retryAfter(resp)
		}
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	reader, err := decodedBody(resp)
	if err != nil {
		pc.NeedsRetry = true
		return nil, &InvalidResponseError{Reason: "decompress body", Err: err}
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		pc.NeedsRetry = true
		return nil, &InvalidResponseError{Reason: "read body", Err: err}
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		pc.NeedsRetry = true
		return nil, &InvalidResponseError{Reason: "parse json", Err: err}
	}

	// Most modules (query, edit, move, ...) root their response in a
	// JSON object; a handful (opensearch) root it in a JSON array.
	// Callers that expect an array handle the type assertion
	// themselves; everything else below only applies to object roots.
	root, ok := decoded.(map[string]any)
	if !ok {
		return decoded, nil
	}

	if warnings, ok := root["warnings"].(map[string]any); ok && pc.Logger != nil {
		for module, w := range warnings {
			text := extractWarningText(w)
			pc.Logger.Warn("mediawiki api warning", "module", module, "text", text)
		}
	}

	if errObj, ok := root["error"].(map[string]any); ok {
		code, _ := errObj["code"].(string)
		info, _ := errObj["info"].(string)
		if msgs, ok := errObj["messages"].([]any); ok && len(msgs) > 0 {
			info = foldMessages(info, msgs)
		}
		if code == "stashfailed" {
			if off, ok := errObj["offset"].(float64); ok {
				info = fmt.Sprintf("%s offset=%d", info, int64(off))
			}
		}
		if code == "maxlag" {
			pc.NeedsRetry = true
			pc.RetryAfter = p.maxLagDelay(errObj)
			host, _ := errObj["host"].(string)
			lagSecs, _ := errObj["lag"].(float64)
			return nil, &MaxLagError{Host: host, Lag: time.Duration(lagSecs * float64(time.Second))}
		}
		return nil, classifyAPIError(code, info)
	}

	return root, nil
}

func (p *JSONParser) retryAfter(resp *http.Response) time.Duration {
	max := p.MaxRetryDelay
	if max <= 0 {
		max = 5 * time.Minute
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			d := time.Duration(secs) * time.Second
			if d > max {
				d = max
			}
			return d
		}
	}
	return 0
}

// maxLagDelay turns the server-reported lag (error.lag, seconds) into
// a back-off duration, clamped the same way as an HTTP Retry-After
// header.
func (p *JSONParser) maxLagDelay(errObj map[string]any) time.Duration {
	max := p.MaxRetryDelay
	if max <= 0 {
		max = 5 * time.Minute
	}
	lagSecs, ok := errObj["lag"].(float64)
	if !ok {
		return 0
	}
	d := time.Duration(lagSecs * float64(time.Second))
	if d > max {
		d = max
	}
	return d
}

func decodedBody(resp *http.Response) (io.Reader, error) {
	if resp.Header.Get("Content-Encoding") == "gzip" {
		return gzip.NewReader(resp.Body)
	}
	return resp.Body, nil
}

func extractWarningText(w any) string {
	m, ok := w.(map[string]any)
	if !ok {
		return fmt.Sprintf("%v", w)
	}
	if s, ok := m["*"].(string); ok {
		return s
	}
	if s, ok := m["html"].(map[string]any); ok {
		if s2, ok := s["*"].(string); ok {
			return s2
		}
	}
	return fmt.Sprintf("%v", m)
}

func foldMessages(info string, msgs []any) string {
	for _, m := range msgs {
		mm, ok := m.(map[string]any)
		if !ok {
			continue
		}
		if html, ok := mm["html"].(map[string]any); ok {
			if s, ok := html["*"].(string); ok && s != "" {
				return info + ": " + s
			}
		}
	}
	return info
}
