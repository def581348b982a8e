package mediawiki

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// AutoWatch is the enumerated `watchlist` parameter value MediaWiki
// accepts on edit/move/delete-style actions.
type AutoWatch string

const (
	AutoWatchPreferences AutoWatch = "preferences"
	AutoWatchNoChange    AutoWatch = "nochange"
	AutoWatchWatch       AutoWatch = "watch"
	AutoWatchUnwatch     AutoWatch = "unwatch"
)

// Stream is a field value backed by a byte stream (file content). If
// the underlying reader also implements io.Seeker, the message
// produced from it is retriable; otherwise the message is marked
// non-retriable the first time its body is built.
type Stream struct {
	Filename string
	Reader   io.Reader
}

// stringList is a sequence-of-strings field value. Pipe-joined unless
// an element contains a pipe, in which case the \x1f-prefixed form is
// used, per spec §4.1.
type stringList []string

// StringList builds a sequence-of-strings field value.
func StringList(values ...string) stringList { return stringList(values) }

func encodeStringList(values []string) string {
	for _, v := range values {
		if strings.Contains(v, "|") {
			return "\x1f" + strings.Join(values, "\x1f")
		}
	}
	return strings.Join(values, "|")
}

// Values is a heterogeneous parameter collection, the "extra
// parameters" escape hatch referenced by spec §9.
type Values map[string]any

// Wire is the C1 Wire Request Message contract: a message exposes its
// HTTP method, query string, and body, plus a stable trace id.
type Wire interface {
	HTTPMethod() string
	// HTTPQuery returns the string to append after "?", or "" if none.
	HTTPQuery() string
	// HTTPBody returns the content-type header value and a reader for
	// the request body. It may be called more than once if the
	// request is retried; implementations must restore any seekable
	// stream positions between calls.
	HTTPBody() (contentType string, body io.Reader, err error)
	TraceID() string
	// Retriable reports whether this message's body can be rebuilt
	// faithfully on retry (false if it carries a non-seekable
	// stream).
	Retriable() bool
}

// FormMessage is a POST message carrying a heterogeneous field
// collection, encoded as application/x-www-form-urlencoded or
// multipart/form-data per the marshalling rules in spec §4.1.
type FormMessage struct {
	Fields         Values
	ForceMultipart bool
	traceID        string

	seekOffsets map[string]int64
	retriable   bool
	checked     bool
}

// NewFormMessage builds a form message. If traceID is empty, a fresh
// one is generated.
func NewFormMessage(fields Values, traceID string) *FormMessage {
	if traceID == "" {
		traceID = newTraceID()
	}
	return &FormMessage{Fields: fields, traceID: traceID, retriable: true}
}

func (m *FormMessage) TraceID() string   { return m.traceID }
func (m *FormMessage) HTTPMethod() string { return http.MethodPost }
func (m *FormMessage) HTTPQuery() string  { return "" }

func (m *FormMessage) Retriable() bool {
	if !m.checked {
		// Retriable is only meaningful after a first HTTPBody() call
		// has inspected the streams; before that, assume retriable.
		return true
	}
	return m.retriable
}

func (m *FormMessage) isMultipart() bool {
	if m.ForceMultipart {
		return true
	}
	for _, v := range m.Fields {
		if _, ok := v.(Stream); ok {
			return true
		}
	}
	return false
}

// encodeScalar renders a non-stream field value per the marshalling
// table in spec §4.1. ok is false when the field should be omitted
// entirely.
func encodeScalar(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case bool:
		if t {
			return "", true
		}
		return "", false
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case time.Time:
		return t.UTC().Format(time.RFC3339), true
	case AutoWatch:
		return string(t), true
	case stringList:
		if len(t) == 0 {
			return "", false
		}
		return encodeStringList(t), true
	case []string:
		if len(t) == 0 {
			return "", false
		}
		return encodeStringList(t), true
	default:
		return fmt.Sprintf("%v", t), true
	}
}

func (m *FormMessage) HTTPBody() (string, io.Reader, error) {
	if m.isMultipart() {
		return m.multipartBody()
	}
	return m.formBody()
}

func (m *FormMessage) formBody() (string, io.Reader, error) {
	form := url.Values{}
	for k, v := range m.Fields {
		s, ok := encodeScalar(v)
		if !ok {
			continue
		}
		form.Set(k, s)
	}
	m.checked = true
	m.retriable = true
	return "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), nil
}

func (m *FormMessage) multipartBody() (string, io.Reader, error) {
	if m.seekOffsets == nil {
		m.seekOffsets = make(map[string]int64)
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	retriable := true
	for k, v := range m.Fields {
		if stream, ok := v.(Stream); ok {
			if seeker, ok := stream.Reader.(io.Seeker); ok {
				if off, recorded := m.seekOffsets[k]; recorded {
					if _, err := seeker.Seek(off, io.SeekStart); err != nil {
						return "", nil, fmt.Errorf("rewind stream field %s: %w", k, err)
					}
				} else {
					off, err := seeker.Seek(0, io.SeekCurrent)
					if err != nil {
						return "", nil, fmt.Errorf("probe stream field %s: %w", k, err)
					}
					m.seekOffsets[k] = off
				}
			} else {
				retriable = false
			}
			filename := stream.Filename
			if filename == "" {
				filename = "upload.bin"
			}
			part, err := w.CreateFormFile(k, filename)
			if err != nil {
				return "", nil, fmt.Errorf("create multipart field %s: %w", k, err)
			}
			if _, err := io.Copy(part, stream.Reader); err != nil {
				return "", nil, fmt.Errorf("write multipart field %s: %w", k, err)
			}
			continue
		}
		s, ok := encodeScalar(v)
		if !ok {
			continue
		}
		if err := w.WriteField(k, s); err != nil {
			return "", nil, fmt.Errorf("write multipart field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return "", nil, fmt.Errorf("close multipart writer: %w", err)
	}
	m.checked = true
	m.retriable = retriable
	return w.FormDataContentType(), &buf, nil
}
