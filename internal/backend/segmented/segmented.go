// Package segmented drives manifest-based streaming downloads: the segments
// of an HLS playlist are fetched and stored as one logical asset, addressed
// afterwards only through its asset reference.
package segmented

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/grafov/m3u8"
	"golang.org/x/sync/errgroup"

	"mdm/internal/backend"
	"mdm/internal/logger"
	"mdm/pkg/httpclient"
)

const localPlaylistName = "index.m3u8"

var (
	ErrManifestFetch   = errors.New("manifest fetch failed")
	ErrManifestDecode  = errors.New("manifest decode failed")
	ErrEmptyPlaylist   = errors.New("playlist has no segments")
	ErrSegmentDownload = errors.New("segment download failed")
)

type segment struct {
	url      string
	filename string
	duration float64
}

type transfer struct {
	handle   backend.Handle
	url      string
	assetDir string
	plan     []segment
	playlist *m3u8.MediaPlaylist

	totalDuration float64

	cancel context.CancelFunc

	loadedDuration atomicFloat64
	bytes          atomic.Int64
}

// atomicFloat64 accumulates summed segment durations across fetch goroutines.
type atomicFloat64 struct {
	bits atomic.Uint64
}

func (f *atomicFloat64) Add(delta float64) float64 {
	for {
		old := f.bits.Load()
		next := math.Float64frombits(old) + delta

		if f.bits.CompareAndSwap(old, math.Float64bits(next)) {
			return next
		}
	}
}

func (f *atomicFloat64) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}

// Backend runs segmented transfers for one session asset root. Transfers are
// cancel-only; the backend handles connectivity hiccups via plain retries on
// the next start, not via pause/resume.
type Backend struct {
	client      *httpclient.Client
	assetRoot   string
	connections int
	events      backend.Events

	mu        sync.Mutex
	transfers map[backend.Handle]*transfer
}

var _ backend.Backend = (*Backend)(nil)

// New creates a segmented backend storing assets under assetRoot.
func New(assetRoot string, client *httpclient.Client, connections int) (*Backend, error) {
	if err := os.MkdirAll(assetRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create asset root: %w", err)
	}

	if connections <= 0 {
		connections = 4
	}

	return &Backend{
		client:      client,
		assetRoot:   assetRoot,
		connections: connections,
		transfers:   make(map[backend.Handle]*transfer),
	}, nil
}

// SetEvents installs the callback sink. Must be called before Start.
func (b *Backend) SetEvents(e backend.Events) {
	b.events = e
}

// Start resolves the manifest synchronously, so a malformed playlist fails
// the call itself rather than arriving as a failure callback.
func (b *Backend) Start(ctx context.Context, req backend.StartRequest) (backend.Handle, error) {
	playlist, base, err := b.resolvePlaylist(ctx, req.URL)
	if err != nil {
		return "", err
	}

	h := backend.NewHandle()

	t := &transfer{
		handle:   h,
		url:      req.URL,
		assetDir: filepath.Join(b.assetRoot, string(h)),
		playlist: playlist,
	}

	for i, seg := range playlist.Segments {
		if seg == nil || seg.URI == "" {
			continue
		}

		segURL := resolveURL(base, seg.URI)

		ext := ".ts"
		if u, err := url.Parse(segURL); err == nil {
			if e := filepath.Ext(u.Path); e != "" {
				ext = e
			}
		}

		t.plan = append(t.plan, segment{
			url:      segURL,
			filename: fmt.Sprintf("%05d%s", i+1, ext),
			duration: seg.Duration,
		})
		t.totalDuration += seg.Duration
	}

	if len(t.plan) == 0 {
		return "", ErrEmptyPlaylist
	}

	if err := os.MkdirAll(t.assetDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create asset directory: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	b.register(t)

	go b.run(runCtx, t)

	return h, nil
}

// Pause is not supported: segmented transfers are cancel-only.
func (b *Backend) Pause(backend.Handle) ([]byte, error) {
	return nil, backend.ErrUnsupported
}

// Resume is not supported: segmented transfers are cancel-only.
func (b *Backend) Resume(context.Context, []byte) (backend.Handle, error) {
	return "", backend.ErrUnsupported
}

func (b *Backend) Cancel(h backend.Handle) error {
	t := b.lookup(h)
	if t == nil {
		return backend.ErrUnknownHandle
	}

	t.cancel()

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

func (b *Backend) run(ctx context.Context, t *transfer) {
	err := b.fetchSegments(ctx, t)

	b.unregister(t.handle)

	switch {
	case err == nil:
		if err := b.writeLocalPlaylist(t); err != nil {
			os.RemoveAll(t.assetDir)
			b.events.EmitFailed(t.handle, err)

			return
		}

		b.events.EmitComplete(t.handle, backend.Result{AssetRef: t.assetDir})

	case errors.Is(err, context.Canceled):
		os.RemoveAll(t.assetDir)
		b.events.EmitFailed(t.handle, fmt.Errorf("%w: %s", backend.ErrCancelled, t.url))

	default:
		os.RemoveAll(t.assetDir)
		logger.Errorf("Segmented transfer %s failed: %v", t.handle, err)
		b.events.EmitFailed(t.handle, err)
	}
}

func (b *Backend) fetchSegments(ctx context.Context, t *transfer) error {
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(b.connections)

	for _, seg := range t.plan {
		seg := seg
		g.Go(func() error {
			if err := b.fetchSegment(groupCtx, t, seg); err != nil {
				return err
			}

			loaded := t.loadedDuration.Add(seg.duration)
			b.emitProgress(t, loaded)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}

		return err
	}

	return nil
}

func (b *Backend) fetchSegment(ctx context.Context, t *transfer, seg segment) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seg.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSegmentDownload, err)
	}

	req.Header.Set("User-Agent", httpclient.DefaultUserAgent)

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}

		return fmt.Errorf("%w: %s", ErrSegmentDownload, err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Warnf("Failed to close segment body for %s: %v", seg.url, err)
		}
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("%w: %s returned %s", ErrSegmentDownload, seg.url, resp.Status)
	}

	dst := filepath.Join(t.assetDir, seg.filename)

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSegmentDownload, err)
	}

	n, err := io.Copy(f, resp.Body)
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	if err != nil {
		os.Remove(dst)

		if ctx.Err() != nil {
			return context.Canceled
		}

		return fmt.Errorf("%w: %s", ErrSegmentDownload, err)
	}

	t.bytes.Add(n)

	return nil
}

// emitProgress reports the duration-ratio fraction. While the total duration
// is unknown or non-finite the fraction is withheld so the observer keeps
// its last value instead of snapping to zero; byte counts for segmented
// transfers stay a display-only approximation either way.
func (b *Backend) emitProgress(t *transfer, loaded float64) {
	p := backend.Progress{
		BytesWritten: t.bytes.Load(),
	}

	total := t.totalDuration
	if total > 0 && !math.IsInf(total, 0) && !math.IsNaN(total) {
		frac := loaded / total
		if frac > 1 {
			frac = 1
		}

		p.Fraction = frac
		p.FractionKnown = true

		if frac > 0 {
			p.BytesExpected = int64(float64(p.BytesWritten) / frac)
		}
	}

	b.events.EmitProgress(t.handle, p)
}

// writeLocalPlaylist rewrites the media playlist against the fetched segment
// files and stores it inside the asset, making the directory self-contained.
func (b *Backend) writeLocalPlaylist(t *transfer) error {
	i := 0

	for _, seg := range t.playlist.Segments {
		if seg == nil || seg.URI == "" {
			continue
		}

		seg.URI = t.plan[i].filename
		i++
	}

	path := filepath.Join(t.assetDir, localPlaylistName)
	if err := os.WriteFile(path, []byte(t.playlist.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write local playlist: %w", err)
	}

	return nil
}

// resolvePlaylist fetches the manifest, descending one level into a master
// playlist to its first variant.
func (b *Backend) resolvePlaylist(ctx context.Context, rawURL string) (*m3u8.MediaPlaylist, *url.URL, error) {
	playlist, listType, base, err := b.fetchManifest(ctx, rawURL)
	if err != nil {
		return nil, nil, err
	}

	if listType == m3u8.MEDIA {
		media, ok := playlist.(*m3u8.MediaPlaylist)
		if !ok {
			return nil, nil, ErrManifestDecode
		}

		return media, base, nil
	}

	master, ok := playlist.(*m3u8.MasterPlaylist)
	if !ok || len(master.Variants) == 0 {
		return nil, nil, fmt.Errorf("%w: master playlist has no variants", ErrManifestDecode)
	}

	variantURL := resolveURL(base, master.Variants[0].URI)

	playlist, listType, base, err = b.fetchManifest(ctx, variantURL)
	if err != nil {
		return nil, nil, err
	}

	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok || listType != m3u8.MEDIA {
		return nil, nil, fmt.Errorf("%w: variant did not resolve to a media playlist", ErrManifestDecode)
	}

	return media, base, nil
}

func (b *Backend) fetchManifest(ctx context.Context, rawURL string) (m3u8.Playlist, m3u8.ListType, *url.URL, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: %s", ErrManifestFetch, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: %s", ErrManifestFetch, err)
	}

	req.Header.Set("User-Agent", httpclient.DefaultUserAgent)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: %s", ErrManifestFetch, err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Warnf("Failed to close manifest body for %s: %v", rawURL, err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, nil, fmt.Errorf("%w: %s returned %s", ErrManifestFetch, rawURL, resp.Status)
	}

	playlist, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: %s", ErrManifestDecode, err)
	}

	return playlist, listType, base, nil
}

func resolveURL(base *url.URL, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}

	return base.ResolveReference(refURL).String()
}

