// Package orchestrator owns the canonical task map, reconciles backend
// callbacks into task-state transitions, and publishes lifecycle events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"sort"
	"sync"

	"github.com/google/uuid"

	"mdm/internal/backend"
	"mdm/internal/event"
	"mdm/internal/fsutil"
	"mdm/internal/logger"
	"mdm/internal/status"
	"mdm/internal/store"
	"mdm/internal/task"
)

const defaultExtension = ".mp4"

// ErrTaskNotFound is returned when a command names a task that does not
// exist in the relevant collection.
var ErrTaskNotFound = errors.New("task not found")

// Notifier receives human-readable completion and failure notices.
type Notifier interface {
	Notify(title, body string)
}

// Config wires an Orchestrator. Store and Notifier may be nil; Publisher is
// created when absent.
type Config struct {
	DownloadDir string
	Progressive backend.Backend
	Segmented   backend.Backend
	Store       *store.Store
	Publisher   *event.Publisher
	Notifier    Notifier
}

// Orchestrator is the engine façade. All mutation of the active map, the
// completed list, and the handle index is serialized through mu; backend
// callbacks and user commands alike go through it. Persistence and artifact
// I/O happen off that lock.
type Orchestrator struct {
	mu        sync.Mutex
	active    map[uuid.UUID]*task.Task
	completed map[uuid.UUID]*task.Task
	handles   map[backend.Handle]uuid.UUID

	progressive backend.Backend
	segmented   backend.Backend
	store       *store.Store
	publisher   *event.Publisher
	notifier    Notifier
	downloadDir string

	// placeMu serializes destination probing and moves so two completions
	// cannot claim the same filename.
	placeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	bgMu   sync.Mutex
	bgDone func()
}

// New creates an orchestrator and installs its callback sink on both
// backends.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Progressive == nil || cfg.Segmented == nil {
		return nil, errors.New("both backends are required")
	}

	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	publisher := cfg.Publisher
	if publisher == nil {
		publisher = event.NewPublisher()
	}

	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		active:      make(map[uuid.UUID]*task.Task),
		completed:   make(map[uuid.UUID]*task.Task),
		handles:     make(map[backend.Handle]uuid.UUID),
		progressive: cfg.Progressive,
		segmented:   cfg.Segmented,
		store:       cfg.Store,
		publisher:   publisher,
		notifier:    cfg.Notifier,
		downloadDir: cfg.DownloadDir,
		ctx:         ctx,
		cancel:      cancel,
	}

	sink := o.events()
	o.progressive.SetEvents(sink)
	o.segmented.SetEvents(sink)

	return o, nil
}

// Publisher returns the event publisher observers subscribe to.
func (o *Orchestrator) Publisher() *event.Publisher {
	return o.publisher
}

// Start queues a download for url. The returned ID is stable for the URL;
// if a live task already exists for it the call is a no-op. A prior Failed
// task for the same URL is replaced by a fresh record. The outcome of the
// dispatch is observed through the task list and events, never through a
// return value.
func (o *Orchestrator) Start(sourceURL, title string) uuid.UUID {
	if sourceURL == "" {
		logger.Warnf("Ignoring start request with empty URL")
		return uuid.Nil
	}

	id := task.DeriveID(sourceURL)

	o.mu.Lock()

	if existing, ok := o.active[id]; ok && !existing.Status.Terminal() {
		o.mu.Unlock()
		logger.Debugf("Task %s already active for %s, ignoring start", id, sourceURL)

		return id
	}

	t := task.New(sourceURL, title)
	if t.Format == task.FormatUnknown {
		logger.Warnf("Unrecognized media extension in %s, treating as progressive", sourceURL)
	}

	o.active[id] = t
	snap := t.Snapshot()
	o.mu.Unlock()

	o.publishTask(snap)
	o.publishList()

	go o.dispatch(id)

	return id
}

// dispatch hands a Pending task to its backend. Creation failures surface
// as status=Failed on the record.
func (o *Orchestrator) dispatch(id uuid.UUID) {
	o.mu.Lock()

	t := o.active[id]
	if t == nil || t.Status != status.Pending {
		o.mu.Unlock()
		return
	}

	req := backend.StartRequest{
		TaskID: id,
		URL:    t.SourceURL,
		Title:  t.Title,
	}
	b := o.backendFor(t.Format)

	o.mu.Unlock()

	h, err := b.Start(o.ctx, req)

	o.mu.Lock()

	t = o.active[id]
	if t == nil || t.Status != status.Pending {
		// Cancelled while the backend was still creating the transfer.
		o.mu.Unlock()

		if err == nil {
			if cancelErr := b.Cancel(h); cancelErr != nil {
				logger.Debugf("Cancel of orphaned transfer %s: %v", h, cancelErr)
			}
		}

		return
	}

	if err != nil {
		t.Status = status.Failed
		t.ErrorMessage = err.Error()
		snap := t.Snapshot()
		o.mu.Unlock()

		logger.Errorf("Failed to start transfer for %s: %v", req.URL, err)
		o.publishTask(snap)
		o.notifyFailed(snap)

		return
	}

	t.Status = status.Downloading
	t.Handle = h
	o.handles[h] = id
	snap := t.Snapshot()
	o.mu.Unlock()

	o.publishTask(snap)
}

// Pause suspends a Downloading task. Segmented tasks report
// backend.ErrUnsupported; a transfer whose server cannot produce resume data
// keeps running and reports backend.ErrNoResumeData.
func (o *Orchestrator) Pause(id uuid.UUID) error {
	o.mu.Lock()

	t := o.active[id]
	if t == nil {
		o.mu.Unlock()
		return ErrTaskNotFound
	}

	if t.Status != status.Downloading || t.Handle == "" {
		o.mu.Unlock()
		return nil
	}

	h := t.Handle
	b := o.backendFor(t.Format)

	// Pause blocks until the transfer stops; never hold the state lock
	// across it or progress callbacks would back up behind us.
	o.mu.Unlock()

	token, err := b.Pause(h)
	if err != nil {
		if errors.Is(err, backend.ErrNoResumeData) {
			logger.Warnf("Task %s cannot be paused without resume data, transfer continues", id)
		}

		return err
	}

	o.mu.Lock()

	t = o.active[id]
	if t == nil || t.Status != status.Downloading || t.Handle != h {
		// A terminal event won the race; the token is obsolete.
		o.mu.Unlock()
		return nil
	}

	t.Status = status.Paused
	t.ResumeToken = token
	snap := t.Snapshot()
	o.mu.Unlock()

	o.publishTask(snap)

	return nil
}

// Resume restarts a Paused task from its resume token under a fresh handle.
func (o *Orchestrator) Resume(id uuid.UUID) error {
	o.mu.Lock()

	t := o.active[id]
	if t == nil {
		o.mu.Unlock()
		return ErrTaskNotFound
	}

	if t.Status != status.Paused || len(t.ResumeToken) == 0 {
		o.mu.Unlock()
		return nil
	}

	oldHandle := t.Handle
	token := t.ResumeToken
	b := o.backendFor(t.Format)

	o.mu.Unlock()

	h, err := b.Resume(o.ctx, token)

	o.mu.Lock()

	t = o.active[id]
	if t == nil || t.Status != status.Paused {
		o.mu.Unlock()

		if err == nil {
			if cancelErr := b.Cancel(h); cancelErr != nil {
				logger.Debugf("Cancel of orphaned resume %s: %v", h, cancelErr)
			}
		}

		return nil
	}

	delete(o.handles, oldHandle)

	if err != nil {
		t.Status = status.Failed
		t.ErrorMessage = err.Error()
		t.Handle = ""
		t.ResumeToken = nil
		snap := t.Snapshot()
		o.mu.Unlock()

		logger.Errorf("Failed to resume task %s: %v", id, err)
		o.publishTask(snap)
		o.notifyFailed(snap)

		return nil
	}

	t.Status = status.Downloading
	t.Handle = h
	t.ResumeToken = nil
	o.handles[h] = id
	snap := t.Snapshot()
	o.mu.Unlock()

	o.publishTask(snap)

	return nil
}

// Cancel removes the task synchronously and requests backend cancellation.
// Any late callback for the old handle is discarded as stale; the caller can
// rely on the task being gone from ListActive when the call returns.
func (o *Orchestrator) Cancel(id uuid.UUID) error {
	o.mu.Lock()

	t := o.active[id]
	if t == nil {
		o.mu.Unlock()
		return ErrTaskNotFound
	}

	h := t.Handle
	wasPaused := t.Status == status.Paused
	token := t.ResumeToken
	b := o.backendFor(t.Format)

	delete(o.active, id)

	if h != "" {
		delete(o.handles, h)
	}

	t.Status = status.Cancelled
	t.Handle = ""
	t.ResumeToken = nil
	snap := t.Snapshot()
	o.mu.Unlock()

	if h != "" && !wasPaused {
		if err := b.Cancel(h); err != nil && !errors.Is(err, backend.ErrUnknownHandle) {
			logger.Warnf("Backend cancel for task %s: %v", id, err)
		}
	}

	if wasPaused && len(token) > 0 {
		if discarder, ok := b.(backend.TokenDiscarder); ok {
			if err := discarder.Discard(token); err != nil {
				logger.Warnf("Failed to discard resume state for task %s: %v", id, err)
			}
		}
	}

	o.publishTask(snap)
	o.publishList()

	return nil
}

// ListActive returns an immutable snapshot of tasks that are not yet in the
// completed list, sorted by title then creation time.
func (o *Orchestrator) ListActive() []task.Task {
	o.mu.Lock()

	out := make([]task.Task, 0, len(o.active))
	for _, t := range o.active {
		out = append(out, t.Snapshot())
	}

	o.mu.Unlock()

	sortTasks(out)

	return out
}

// ListCompleted returns an immutable snapshot of the completed list, sorted
// by title then creation time.
func (o *Orchestrator) ListCompleted() []task.Task {
	o.mu.Lock()

	out := make([]task.Task, 0, len(o.completed))
	for _, t := range o.completed {
		out = append(out, t.Snapshot())
	}

	o.mu.Unlock()

	sortTasks(out)

	return out
}

// DeleteCompleted removes a finished download: the artifact on disk, the
// in-memory record, and the persisted entry. Segmented asset removal is
// best effort since the asset is backend-managed storage.
func (o *Orchestrator) DeleteCompleted(id uuid.UUID) error {
	o.mu.Lock()

	t := o.completed[id]
	if t == nil {
		o.mu.Unlock()
		return ErrTaskNotFound
	}

	delete(o.completed, id)
	location := t.CompletedLocation
	format := t.Format
	o.mu.Unlock()

	if location != "" {
		var err error
		if format == task.FormatSegmented {
			err = os.RemoveAll(location)
		} else {
			err = os.Remove(location)
		}

		if err != nil && !os.IsNotExist(err) {
			logger.Warnf("Failed to remove artifact %s: %v", location, err)
		}
	}

	if o.store != nil {
		if err := o.store.Delete(id); err != nil && !errors.Is(err, store.ErrTaskNotFound) {
			logger.Errorf("Failed to delete task %s from store: %v", id, err)
		}
	}

	o.publishList()

	return nil
}

func (o *Orchestrator) backendFor(f task.Format) backend.Backend {
	if f == task.FormatSegmented {
		return o.segmented
	}

	// Unknown formats are downloaded progressively.
	return o.progressive
}

// placeArtifact moves a completed temp file to a durable destination named
// after the task title, uniquified on collision.
func (o *Orchestrator) placeArtifact(title, sourceURL, tempPath string) (string, error) {
	base := fsutil.SanitizeName(title)

	ext := defaultExtension
	if u, err := url.Parse(sourceURL); err == nil {
		if e := path.Ext(u.Path); e != "" {
			ext = e
		}
	}

	o.placeMu.Lock()
	defer o.placeMu.Unlock()

	dest, err := fsutil.UniquePath(o.downloadDir, base, ext)
	if err != nil {
		return "", err
	}

	if err := fsutil.MoveFile(tempPath, dest); err != nil {
		return "", fmt.Errorf("failed to move completed file: %w", err)
	}

	return dest, nil
}

func (o *Orchestrator) persistCompleted(t *task.Task) {
	if o.store == nil {
		return
	}

	if err := o.store.SaveCompleted(t); err != nil {
		// In-memory state runs ahead of disk until the next successful
		// write; callers are unaffected.
		logger.Errorf("Failed to persist completed task %s: %v", t.ID, err)
	}
}

func (o *Orchestrator) publishTask(snap task.Task) {
	o.publisher.Publish(event.Event{Kind: event.TaskUpdated, Task: &snap})
}

func (o *Orchestrator) publishList() {
	o.publisher.Publish(event.Event{Kind: event.ListChanged})
}

func (o *Orchestrator) notifyComplete(t task.Task) {
	if o.notifier == nil {
		return
	}

	o.notifier.Notify("Download complete", fmt.Sprintf("%s finished downloading", t.Title))
}

func (o *Orchestrator) notifyFailed(t task.Task) {
	if o.notifier == nil {
		return
	}

	body := fmt.Sprintf("%s could not be downloaded", t.Title)
	if t.ErrorMessage != "" {
		body = fmt.Sprintf("%s: %s", body, t.ErrorMessage)
	}

	o.notifier.Notify("Download failed", body)
}

func sortTasks(tasks []task.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Title != tasks[j].Title {
			return tasks[i].Title < tasks[j].Title
		}

		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
