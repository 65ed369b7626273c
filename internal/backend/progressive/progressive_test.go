package progressive_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"mdm/internal/backend"
	"mdm/internal/backend/progressive"
	"mdm/pkg/httpclient"
)

const waitTimeout = 5 * time.Second

// sink collects backend callbacks. Complete snapshots the temp file contents
// inside the callback, since the path is dead once the callback returns.
type sink struct {
	progress chan backend.Progress
	complete chan []byte
	failed   chan error
}

func newSink() *sink {
	return &sink{
		progress: make(chan backend.Progress, 1024),
		complete: make(chan []byte, 1),
		failed:   make(chan error, 1),
	}
}

func (s *sink) events() backend.Events {
	return backend.Events{
		Progress: func(_ backend.Handle, p backend.Progress) {
			select {
			case s.progress <- p:
			default:
			}
		},
		Complete: func(_ backend.Handle, r backend.Result) {
			data, err := os.ReadFile(r.TempPath)
			if err != nil {
				s.failed <- fmt.Errorf("temp file unreadable in callback: %w", err)
				return
			}
			s.complete <- data
		},
		Failed: func(_ backend.Handle, err error) {
			s.failed <- err
		},
	}
}

func (s *sink) waitComplete(t *testing.T) []byte {
	t.Helper()

	select {
	case data := <-s.complete:
		return data
	case err := <-s.failed:
		t.Fatalf("transfer failed: %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for completion")
	}

	return nil
}

func (s *sink) waitFailed(t *testing.T) error {
	t.Helper()

	select {
	case err := <-s.failed:
		return err
	case <-s.complete:
		t.Fatal("transfer completed, expected failure")
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for failure")
	}

	return nil
}

func (s *sink) waitProgress(t *testing.T) backend.Progress {
	t.Helper()

	select {
	case p := <-s.progress:
		return p
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for progress")
	}

	return backend.Progress{}
}

func newBackend(t *testing.T) (*progressive.Backend, *sink, string) {
	t.Helper()

	dir := t.TempDir()

	b, err := progressive.New(dir, httpclient.NewClient())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	s := newSink()
	b.SetEvents(s.events())

	return b, s, dir
}

func payload(n int) []byte {
	return bytes.Repeat([]byte("abcdefgh"), n/8)
}

func TestStart_DownloadsToCompletion(t *testing.T) {
	content := payload(128 * 1024)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer srv.Close()

	b, s, dir := newBackend(t)

	if _, err := b.Start(context.Background(), backend.StartRequest{URL: srv.URL, Title: "Ep 1"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	got := s.waitComplete(t)
	if !bytes.Equal(got, content) {
		t.Fatalf("downloaded %d bytes, want %d", len(got), len(content))
	}

	p := s.waitProgress(t)
	if p.BytesExpected != int64(len(content)) {
		t.Fatalf("progress expected total %d, want %d", p.BytesExpected, len(content))
	}

	// Temp file and sidecar are cleaned up after the callback.
	waitForCleanDir(t, dir)
}

func TestStart_FailsOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	b, s, dir := newBackend(t)

	if _, err := b.Start(context.Background(), backend.StartRequest{URL: srv.URL, Title: "Ep 1"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err := s.waitFailed(t)
	if !errors.Is(err, progressive.ErrUnexpectedStatus) {
		t.Fatalf("failure = %v, want ErrUnexpectedStatus", err)
	}

	waitForCleanDir(t, dir)
}

// rangeServer serves content with range support. The first full-file request
// stalls after the first chunk until the request is aborted, leaving room to
// pause deterministically.
func rangeServer(content []byte, firstChunk int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rangeHdr := r.Header.Get("Range"); rangeHdr != "" {
			var off int
			fmt.Sscanf(rangeHdr, "bytes=%d-", &off)

			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", off, len(content)-1, len(content)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(content[off:])

			return
		}

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content[:firstChunk])
		w.(http.Flusher).Flush()

		<-r.Context().Done()
	}))
}

func TestPauseResume_RoundTrip(t *testing.T) {
	content := payload(256 * 1024)
	srv := rangeServer(content, 96*1024)
	defer srv.Close()

	b, s, _ := newBackend(t)

	h, err := b.Start(context.Background(), backend.StartRequest{URL: srv.URL, Title: "Ep 1"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	s.waitProgress(t)

	token, err := b.Pause(h)
	if err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	var tok struct {
		Offset int64 `json:"offset"`
	}
	if err := json.Unmarshal(token, &tok); err != nil {
		t.Fatalf("token does not parse: %v", err)
	}

	if tok.Offset <= 0 {
		t.Fatalf("token offset = %d, want > 0", tok.Offset)
	}

	// The old handle is dead after pausing.
	if err := b.Cancel(h); !errors.Is(err, backend.ErrUnknownHandle) {
		t.Fatalf("Cancel on paused handle = %v, want ErrUnknownHandle", err)
	}

	h2, err := b.Resume(context.Background(), token)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	if h2 == h {
		t.Fatal("Resume reused the old handle")
	}

	got := s.waitComplete(t)
	if !bytes.Equal(got, content) {
		t.Fatalf("resumed download corrupt: %d bytes, want %d", len(got), len(content))
	}
}

func TestPause_NoRangeSupport(t *testing.T) {
	content := payload(128 * 1024)
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content[:64*1024])
		w.(http.Flusher).Flush()

		select {
		case <-release:
			w.Write(content[64*1024:])
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	b, s, _ := newBackend(t)

	h, err := b.Start(context.Background(), backend.StartRequest{URL: srv.URL, Title: "Ep 1"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	s.waitProgress(t)

	if _, err := b.Pause(h); !errors.Is(err, backend.ErrNoResumeData) {
		t.Fatalf("Pause = %v, want ErrNoResumeData", err)
	}

	// The transfer kept running and still completes.
	close(release)

	got := s.waitComplete(t)
	if !bytes.Equal(got, content) {
		t.Fatalf("download corrupt after refused pause: %d bytes, want %d", len(got), len(content))
	}
}

func TestCancel_RemovesArtifacts(t *testing.T) {
	content := payload(128 * 1024)
	srv := rangeServer(content, 64*1024)
	defer srv.Close()

	b, s, dir := newBackend(t)

	h, err := b.Start(context.Background(), backend.StartRequest{URL: srv.URL, Title: "Ep 1"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	s.waitProgress(t)

	if err := b.Cancel(h); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	err = s.waitFailed(t)
	if !errors.Is(err, backend.ErrCancelled) {
		t.Fatalf("failure = %v, want ErrCancelled", err)
	}

	waitForCleanDir(t, dir)
}

func TestRecover_FindsSidecars(t *testing.T) {
	dir := t.TempDir()

	tempPath := filepath.Join(dir, "orphan.part")
	meta := fmt.Sprintf(`{"url":"https://cdn.example.com/v/ep1.mp4","title":"Ep 1","tempPath":%q,"offset":1024}`, tempPath)

	if err := os.WriteFile(tempPath, payload(1024), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(tempPath+".meta", []byte(meta), 0o644); err != nil {
		t.Fatal(err)
	}

	// A sidecar that does not parse is discarded, not recovered.
	badPath := filepath.Join(dir, "bad.part")
	if err := os.WriteFile(badPath+".meta", []byte("{garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	b, err := progressive.New(dir, httpclient.NewClient())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	recovered := b.Recover()
	if len(recovered) != 1 {
		t.Fatalf("Recover found %d transfers, want 1", len(recovered))
	}

	if recovered[0].URL != "https://cdn.example.com/v/ep1.mp4" || recovered[0].Title != "Ep 1" {
		t.Fatalf("recovered wrong transfer: %+v", recovered[0])
	}

	if _, err := os.Stat(badPath + ".meta"); !os.IsNotExist(err) {
		t.Fatal("unreadable sidecar was not removed")
	}
}

func TestDiscard(t *testing.T) {
	b, _, dir := newBackend(t)

	tempPath := filepath.Join(dir, "paused.part")
	if err := os.WriteFile(tempPath, payload(1024), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(tempPath+".meta", []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	token := fmt.Sprintf(`{"url":"https://example.com/a.mp4","tempPath":%q}`, tempPath)

	if err := b.Discard([]byte(token)); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}

	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Fatal("temp file survived discard")
	}

	if _, err := os.Stat(tempPath + ".meta"); !os.IsNotExist(err) {
		t.Fatal("sidecar survived discard")
	}

	outside := `{"url":"https://example.com/a.mp4","tempPath":"/etc/passwd"}`
	if err := b.Discard([]byte(outside)); !errors.Is(err, backend.ErrInvalidToken) {
		t.Fatalf("Discard outside temp dir = %v, want ErrInvalidToken", err)
	}
}

func TestResume_InvalidToken(t *testing.T) {
	b, _, _ := newBackend(t)

	for _, token := range [][]byte{[]byte("{garbage"), []byte("{}"), nil} {
		if _, err := b.Resume(context.Background(), token); !errors.Is(err, backend.ErrInvalidToken) {
			t.Fatalf("Resume(%q) = %v, want ErrInvalidToken", token, err)
		}
	}
}

// waitForCleanDir polls for artifact cleanup, which happens just after the
// terminal callback returns.
func waitForCleanDir(t *testing.T, dir string) {
	t.Helper()

	deadline := time.Now().Add(waitTimeout)

	for {
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("failed to read temp dir: %v", err)
		}

		if len(entries) == 0 {
			return
		}

		if time.Now().After(deadline) {
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				names = append(names, e.Name())
			}

			t.Fatalf("temp dir not cleaned, leftover: %v", names)
		}

		time.Sleep(10 * time.Millisecond)
	}
}
