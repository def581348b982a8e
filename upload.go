package mediawiki

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
)

// UploadState is the C9 Chunked Upload Source state machine described
// in spec §4.9: ChunkImpending -> ChunkStashing -> ChunkImpending ->
// ... -> AllStashed, with Failed as a terminal sink.
type UploadState int

const (
	UploadChunkImpending UploadState = iota
	UploadChunkStashing
	UploadAllStashed
	UploadFailed
)

const defaultChunkSize = 1 << 20 // 1 MiB, per spec §4.9

// ChunkedUploadSource drives a resumable action=upload&stash=1
// sequence over a seekable source, grounded on cs3org-reva's tus.go
// offset-tracking WriteChunk idiom (DESIGN.md).
type ChunkedUploadSource struct {
	site      *Site
	filename  string
	source    io.ReadSeeker
	totalSize int64
	chunkSize int64

	mu           sync.Mutex
	state        UploadState
	uploadedSize int64
	fileKey      string
	lastErr      error
}

// NewChunkedUploadSource builds a chunked upload for filename from
// source (which must support Seek, so offsets can be rewound on
// stashfailed). The chunk size defaults to 1 MiB, clamped to the
// site's reported upload bounds once known.
func NewChunkedUploadSource(site *Site, filename string, source io.ReadSeeker, totalSize int64) *ChunkedUploadSource {
	return &ChunkedUploadSource{
		site:      site,
		filename:  filename,
		source:    source,
		totalSize: totalSize,
		chunkSize: clampChunkSize(defaultChunkSize, site),
	}
}

func clampChunkSize(want int64, site *Site) int64 {
	info := site.infoOrNil()
	if info == nil || !info.HasUploadLimits {
		return want
	}
	size := want
	if info.MinUploadChunkSize > 0 && size < int64(info.MinUploadChunkSize) {
		size = int64(info.MinUploadChunkSize)
	}
	if info.MaxUploadChunkSize > 0 && size > int64(info.MaxUploadChunkSize) {
		size = int64(info.MaxUploadChunkSize)
	}
	return size
}

// State returns the source's current state.
func (u *ChunkedUploadSource) State() UploadState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// FileKey returns the stashed filekey once AllStashed, or "" before
// then.
func (u *ChunkedUploadSource) FileKey() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.fileKey
}

// UploadedSize returns the number of bytes the server has
// acknowledged so far.
func (u *ChunkedUploadSource) UploadedSize() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.uploadedSize
}

// StashNextChunk reads and stashes the next chunk. A concurrent call
// while one is already in flight raises ConcurrentStashError, per
// spec §4.9. Calling it again after AllStashed is a no-op.
func (u *ChunkedUploadSource) StashNextChunk(ctx context.Context) error {
	u.mu.Lock()
	switch u.state {
	case UploadChunkStashing:
		u.mu.Unlock()
		return &ConcurrentStashError{}
	case UploadAllStashed:
		u.mu.Unlock()
		return nil
	case UploadFailed:
		err := u.lastErr
		u.mu.Unlock()
		return err
	}
	u.state = UploadChunkStashing
	offset := u.uploadedSize
	fileKey := u.fileKey
	u.mu.Unlock()

	chunk, readErr := u.readChunkAt(offset)
	if readErr != nil {
		return u.fail(readErr)
	}

	result, err := u.stash(ctx, offset, fileKey, chunk)
	if err != nil {
		var of *OperationFailedError
		if asOperationFailed(err, &of) && of.Code == "stashfailed" {
			// Server-authoritative offset recovery, per spec §4.9 step
			// 3 and the Open Question decision in DESIGN.md: whatever
			// offset the server reports, success or failure, wins.
			if serverOffset, ok := of.serverOffset(); ok {
				u.mu.Lock()
				u.uploadedSize = serverOffset
				u.state = UploadChunkImpending
				u.mu.Unlock()
				u.site.logger.Warn("mediawiki chunk stash rejected, resuming at server offset", "offset", serverOffset)
				return nil
			}
		}
		return u.fail(err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if result.nextOffset >= 0 && result.nextOffset != offset+int64(len(chunk)) {
		u.uploadedSize = result.nextOffset
	} else {
		u.uploadedSize = offset + int64(len(chunk))
	}
	u.fileKey = result.fileKey
	if result.done {
		u.state = UploadAllStashed
	} else {
		u.state = UploadChunkImpending
	}
	return nil
}

func (u *ChunkedUploadSource) fail(err error) error {
	u.mu.Lock()
	u.state = UploadFailed
	u.lastErr = err
	u.mu.Unlock()
	return err
}

func (u *ChunkedUploadSource) readChunkAt(offset int64) ([]byte, error) {
	if _, err := u.source.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek upload source to %d: %w", offset, err)
	}
	buf := make([]byte, u.chunkSize)
	n, err := io.ReadFull(u.source, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("read upload chunk: %w", err)
	}
	return buf[:n], nil
}

type stashResult struct {
	fileKey    string
	nextOffset int64
	done       bool
}

func (u *ChunkedUploadSource) stash(ctx context.Context, offset int64, fileKey string, chunk []byte) (*stashResult, error) {
	var out *stashResult
	err := u.site.tokens.withCSRFRetry(ctx, func(csrf string) error {
		fields := Values{
			"action":         "upload",
			"filename":       u.filename,
			"offset":         strconv.FormatInt(offset, 10),
			"filesize":       strconv.FormatInt(u.totalSize, 10),
			"stash":          true,
			"ignorewarnings": true,
			"token":          csrf,
			"chunk":          Stream{Filename: u.filename, Reader: bytes.NewReader(chunk)},
		}
		if fileKey != "" {
			fields["filekey"] = fileKey
		}
		result, err := u.site.invokeMutating(ctx, fields)
		if err != nil {
			return err
		}
		root, _ := result.(map[string]any)
		up, ok := root["upload"].(map[string]any)
		if !ok {
			return &InvalidResponseError{Reason: "upload response missing upload"}
		}
		r := &stashResult{nextOffset: -1}
		r.fileKey, _ = up["filekey"].(string)
		if r.fileKey == "" {
			r.fileKey, _ = up["sessionkey"].(string)
		}
		if v, ok := up["offset"].(float64); ok {
			r.nextOffset = int64(v)
		}
		code, _ := up["result"].(string)
		r.done = code == "Success"
		if code == "Warning" {
			return &UploadWarningError{Warnings: up, FileKey: r.fileKey}
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// serverOffset extracts a recovery offset a stashfailed response may
// carry in Info, formatted as "...offset=<n>..." by classifyAPIError's
// caller. Real deployments surface it as a top-level `offset` field on
// the error object; callers of classifyAPIError fold it into Info
// since the typed error has no dedicated field.
func (e *OperationFailedError) serverOffset() (int64, bool) {
	const marker = "offset="
	idx := indexOf(e.Info, marker)
	if idx < 0 {
		return 0, false
	}
	rest := e.Info[idx+len(marker):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(rest[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// GetUploadParameters returns the field the caller should pass back to
// finalize a stashed upload: "filekey" on servers >= 1.18, "sessionkey"
// below, per spec §4.9 get_upload_parameters.
func GetUploadParameters(info *SiteInfo, stashedKey string) Values {
	if info != nil && info.supportsFilekeyUpload() {
		return Values{"filekey": stashedKey}
	}
	return Values{"sessionkey": stashedKey}
}

// DirectUploadSource uploads a file's full content in a single
// multipart POST (no stashing), the trivial case of spec §4.9's
// "other upload sources".
type DirectUploadSource struct {
	Filename string
	Reader   io.Reader
	Comment  string
	Text     string // initial page text for the file description page
}

// Upload performs the direct single-part upload.
func (s DirectUploadSource) Upload(ctx context.Context, site *Site) (string, error) {
	var fileKey string
	err := site.tokens.withCSRFRetry(ctx, func(csrf string) error {
		fields := Values{
			"action":         "upload",
			"filename":       s.Filename,
			"ignorewarnings": true,
			"token":          csrf,
			"file":           Stream{Filename: s.Filename, Reader: s.Reader},
		}
		if s.Comment != "" {
			fields["comment"] = s.Comment
		}
		if s.Text != "" {
			fields["text"] = s.Text
		}
		result, err := site.invokeMutating(ctx, fields)
		if err != nil {
			return err
		}
		root, _ := result.(map[string]any)
		up, ok := root["upload"].(map[string]any)
		if !ok {
			return &InvalidResponseError{Reason: "upload response missing upload"}
		}
		code, _ := up["result"].(string)
		if code == "Warning" {
			key, _ := up["filekey"].(string)
			return &UploadWarningError{Warnings: up, FileKey: key}
		}
		if code != "Success" {
			return &OperationFailedError{Code: "upload_failed", Info: code}
		}
		fileKey, _ = up["filekey"].(string)
		return nil
	})
	return fileKey, err
}

// URLUploadSource has the server fetch the file content from an
// external URL ($wgAllowCopyUploads).
type URLUploadSource struct {
	Filename string
	URL      string
	Comment  string
}

// Upload performs the URL-sourced upload.
func (s URLUploadSource) Upload(ctx context.Context, site *Site) error {
	return site.tokens.withCSRFRetry(ctx, func(csrf string) error {
		fields := Values{
			"action":         "upload",
			"filename":       s.Filename,
			"url":            s.URL,
			"ignorewarnings": true,
			"token":          csrf,
		}
		if s.Comment != "" {
			fields["comment"] = s.Comment
		}
		result, err := site.invokeMutating(ctx, fields)
		if err != nil {
			return err
		}
		root, _ := result.(map[string]any)
		up, ok := root["upload"].(map[string]any)
		if !ok {
			return &InvalidResponseError{Reason: "upload response missing upload"}
		}
		if code, _ := up["result"].(string); code != "Success" && code != "Warning" {
			return &OperationFailedError{Code: "upload_failed", Info: code}
		}
		return nil
	})
}

// FileKeyUploadSource finalizes a previously stashed upload (either
// from ChunkedUploadSource or an earlier interrupted session) by
// filekey.
type FileKeyUploadSource struct {
	Filename string
	FileKey  string
	Comment  string
}

// Upload finalizes the stashed file under Filename.
func (s FileKeyUploadSource) Upload(ctx context.Context, site *Site) error {
	return site.tokens.withCSRFRetry(ctx, func(csrf string) error {
		fields := Values{
			"action":         "upload",
			"filename":       s.Filename,
			"filekey":        s.FileKey,
			"ignorewarnings": true,
			"token":          csrf,
		}
		if s.Comment != "" {
			fields["comment"] = s.Comment
		}
		result, err := site.invokeMutating(ctx, fields)
		if err != nil {
			return err
		}
		root, _ := result.(map[string]any)
		up, ok := root["upload"].(map[string]any)
		if !ok {
			return &InvalidResponseError{Reason: "upload response missing upload"}
		}
		if code, _ := up["result"].(string); code != "Success" {
			return &OperationFailedError{Code: "upload_failed", Info: code}
		}
		return nil
	})
}
