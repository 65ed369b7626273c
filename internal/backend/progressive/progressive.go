// Package progressive drives single-file HTTP transfers: one continuous byte
// stream into a session-scoped temp file, with ranged pause/resume.
package progressive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"mdm/internal/backend"
	"mdm/internal/logger"
	"mdm/pkg/httpclient"
)

const (
	tempSuffix = ".part"
	metaSuffix = ".meta"

	readBufferSize = 64 * 1024

	// metaInterval is how many bytes may pass between sidecar refreshes.
	metaInterval = 1 << 20
)

var (
	ErrUnexpectedStatus = errors.New("unexpected response status")
	ErrFileWriteFailed  = errors.New("file write failed")
)

// token is both the opaque resume token handed to the orchestrator and the
// on-disk sidecar that makes interrupted transfers recoverable.
type token struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	TempPath string `json:"tempPath"`
	Offset   int64  `json:"offset"`
	ETag     string `json:"etag,omitempty"`
}

type transfer struct {
	handle   backend.Handle
	url      string
	title    string
	tempPath string

	cancel context.CancelFunc
	done   chan struct{}

	written        atomic.Int64
	expected       atomic.Int64
	supportsRanges atomic.Bool
	pausing        atomic.Bool
	completed      atomic.Bool

	etagMu sync.Mutex
	etag   string
}

func (t *transfer) setETag(etag string) {
	t.etagMu.Lock()
	defer t.etagMu.Unlock()

	t.etag = etag
}

func (t *transfer) getETag() string {
	t.etagMu.Lock()
	defer t.etagMu.Unlock()

	return t.etag
}

// Backend runs progressive transfers for one session directory.
type Backend struct {
	client  *httpclient.Client
	tempDir string
	events  backend.Events

	mu        sync.Mutex
	transfers map[backend.Handle]*transfer
}

var _ backend.Backend = (*Backend)(nil)

// New creates a progressive backend storing in-flight data under tempDir.
func New(tempDir string, client *httpclient.Client) (*Backend, error) {
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	return &Backend{
		client:    client,
		tempDir:   tempDir,
		transfers: make(map[backend.Handle]*transfer),
	}, nil
}

// SetEvents installs the callback sink. Must be called before Start.
func (b *Backend) SetEvents(e backend.Events) {
	b.events = e
}

func (b *Backend) Start(ctx context.Context, req backend.StartRequest) (backend.Handle, error) {
	h := backend.NewHandle()

	t := &transfer{
		handle:   h,
		url:      req.URL,
		title:    req.Title,
		tempPath: filepath.Join(b.tempDir, string(h)+tempSuffix),
		done:     make(chan struct{}),
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	b.register(t)
	b.writeMeta(t)

	go b.run(runCtx, t, 0)

	return h, nil
}

func (b *Backend) Pause(h backend.Handle) ([]byte, error) {
	t := b.lookup(h)
	if t == nil {
		return nil, backend.ErrUnknownHandle
	}

	if !t.supportsRanges.Load() {
		// No resume data possible; leave the transfer running.
		return nil, backend.ErrNoResumeData
	}

	t.pausing.Store(true)
	t.cancel()
	<-t.done

	if t.completed.Load() {
		// Completion won the race against the pause request.
		return nil, backend.ErrUnknownHandle
	}

	tok := token{
		URL:      t.url,
		Title:    t.title,
		TempPath: t.tempPath,
		Offset:   t.written.Load(),
		ETag:     t.getETag(),
	}

	data, err := json.Marshal(tok)
	if err != nil {
		return nil, err
	}

	// Keep the sidecar current so a killed process can still recover.
	if err := os.WriteFile(t.tempPath+metaSuffix, data, 0o644); err != nil {
		logger.Warnf("Failed to refresh sidecar for %s: %v", t.tempPath, err)
	}

	return data, nil
}

func (b *Backend) Resume(ctx context.Context, tokenBytes []byte) (backend.Handle, error) {
	var tok token
	if err := json.Unmarshal(tokenBytes, &tok); err != nil || tok.URL == "" || tok.TempPath == "" {
		return "", backend.ErrInvalidToken
	}

	var offset int64
	if fi, err := os.Stat(tok.TempPath); err == nil {
		offset = fi.Size()
	}

	h := backend.NewHandle()

	t := &transfer{
		handle:   h,
		url:      tok.URL,
		title:    tok.Title,
		tempPath: tok.TempPath,
		done:     make(chan struct{}),
	}
	t.setETag(tok.ETag)

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	b.register(t)

	go b.run(runCtx, t, offset)

	return h, nil
}

func (b *Backend) Cancel(h backend.Handle) error {
	t := b.lookup(h)
	if t == nil {
		return backend.ErrUnknownHandle
	}

	t.cancel()

	return nil
}

// Recover scans the session directory for sidecars of transfers that were
// interrupted by a process kill. Best effort: a sidecar without its data
// file still yields a token restarting from offset zero.
func (b *Backend) Recover() []backend.Recovered {
	matches, err := filepath.Glob(filepath.Join(b.tempDir, "*"+tempSuffix+metaSuffix))
	if err != nil {
		return nil
	}

	var recovered []backend.Recovered

	for _, metaPath := range matches {
		data, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}

		var tok token
		if err := json.Unmarshal(data, &tok); err != nil || tok.URL == "" {
			logger.Warnf("Removing unreadable sidecar %s", metaPath)
			os.Remove(metaPath)

			continue
		}

		recovered = append(recovered, backend.Recovered{
			URL:   tok.URL,
			Title: tok.Title,
			Token: data,
		})
	}

	return recovered
}

// Discard removes the temp file and sidecar behind an abandoned resume
// token.
func (b *Backend) Discard(tokenBytes []byte) error {
	var tok token
	if err := json.Unmarshal(tokenBytes, &tok); err != nil || tok.TempPath == "" {
		return backend.ErrInvalidToken
	}

	if !strings.HasPrefix(filepath.Clean(tok.TempPath), filepath.Clean(b.tempDir)) {
		return backend.ErrInvalidToken
	}

	os.Remove(tok.TempPath)
	os.Remove(tok.TempPath + metaSuffix)

	return nil
}

func (b *Backend) register(t *transfer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transfers[t.handle] = t
}

func (b *Backend) unregister(h backend.Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.transfers, h)
}

func (b *Backend) lookup(h backend.Handle) *transfer {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.transfers[h]
}

func (b *Backend) writeMeta(t *transfer) {
	tok := token{
		URL:      t.url,
		Title:    t.title,
		TempPath: t.tempPath,
		Offset:   t.written.Load(),
		ETag:     t.getETag(),
	}

	data, err := json.Marshal(tok)
	if err != nil {
		return
	}

	if err := os.WriteFile(t.tempPath+metaSuffix, data, 0o644); err != nil {
		logger.Warnf("Failed to write sidecar for %s: %v", t.tempPath, err)
	}
}

func (b *Backend) removeArtifacts(t *transfer) {
	os.Remove(t.tempPath)
	os.Remove(t.tempPath + metaSuffix)
}

// run drives one transfer goroutine and translates its outcome into the
// callback contract.
func (b *Backend) run(ctx context.Context, t *transfer, offset int64) {
	err := b.fetch(ctx, t, offset)

	b.unregister(t.handle)

	switch {
	case err == nil:
		t.completed.Store(true)
		close(t.done)

		b.events.EmitComplete(t.handle, backend.Result{TempPath: t.tempPath})

		// The temp location is dead once the callback returns.
		b.removeArtifacts(t)

	case t.pausing.Load() && errors.Is(err, context.Canceled):
		// Pause owns the artifacts and produces the resume token.
		close(t.done)

	case errors.Is(err, context.Canceled):
		close(t.done)
		b.removeArtifacts(t)
		b.events.EmitFailed(t.handle, fmt.Errorf("%w: %s", backend.ErrCancelled, t.url))

	default:
		close(t.done)
		b.removeArtifacts(t)
		logger.Errorf("Transfer %s failed: %v", t.handle, err)
		b.events.EmitFailed(t.handle, err)
	}
}

func (b *Backend) fetch(ctx context.Context, t *transfer, offset int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return fmt.Errorf("invalid request for %s: %w", t.url, err)
	}

	req.Header.Set("User-Agent", httpclient.DefaultUserAgent)

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		if etag := t.getETag(); etag != "" {
			req.Header.Set("If-Range", etag)
		}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}

		return fmt.Errorf("request failed: %w", err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Warnf("Failed to close response body for %s: %v", t.url, err)
		}
	}()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// Server ignored the range request; restart from zero.
		offset = 0
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}

	t.supportsRanges.Store(resp.StatusCode == http.StatusPartialContent ||
		strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"))
	t.setETag(resp.Header.Get("ETag"))
	t.expected.Store(expectedTotal(resp, offset))
	t.written.Store(offset)

	f, err := os.OpenFile(t.tempPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrFileWriteFailed, err)
	}

	if offset > 0 {
		_, err = f.Seek(offset, io.SeekStart)
	} else {
		err = f.Truncate(0)
	}

	if err != nil {
		f.Close()

		return fmt.Errorf("%w: %s", ErrFileWriteFailed, err)
	}

	buf := make([]byte, readBufferSize)
	lastMeta := offset

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				f.Close()

				return fmt.Errorf("%w: %s", ErrFileWriteFailed, writeErr)
			}

			written := t.written.Add(int64(n))

			b.events.EmitProgress(t.handle, backend.Progress{
				BytesWritten:  written,
				BytesExpected: t.expected.Load(),
			})

			if written-lastMeta >= metaInterval {
				b.writeMeta(t)
				lastMeta = written
			}
		}

		if readErr == io.EOF {
			if err := f.Close(); err != nil {
				return fmt.Errorf("%w: %s", ErrFileWriteFailed, err)
			}

			return nil
		}

		if readErr != nil {
			f.Close()

			if ctx.Err() != nil || errors.Is(readErr, context.Canceled) {
				return context.Canceled
			}

			return fmt.Errorf("read failed: %w", readErr)
		}
	}
}

// expectedTotal works out the full resource size from the response headers,
// returning 0 when the server does not report one.
func expectedTotal(resp *http.Response, offset int64) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		if _, total, ok := strings.Cut(resp.Header.Get("Content-Range"), "/"); ok {
			if n, err := strconv.ParseInt(total, 10, 64); err == nil && n > 0 {
				return n
			}
		}
	}

	if resp.ContentLength >= 0 {
		return offset + resp.ContentLength
	}

	return 0
}
