package task

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"mdm/internal/backend"
	"mdm/internal/status"
)

// Task is the record for one media download. It is pure data; all mutation
// happens inside the orchestrator under its lock.
type Task struct {
	ID        uuid.UUID     `json:"id"`
	Title     string        `json:"title"`
	SourceURL string        `json:"sourceUrl"`
	Format    Format        `json:"format"`
	Status    status.Status `json:"status"`

	// Progress is a fraction in [0, 1], monotonically non-decreasing while
	// the task is Downloading.
	Progress float64 `json:"progress"`

	// Byte counts are only populated once the backend reports a known total.
	BytesWritten  int64 `json:"bytesWritten,omitempty"`
	BytesExpected int64 `json:"bytesExpected,omitempty"`

	// CompletedLocation is set exactly when Status is Completed: a file path
	// for Progressive tasks, an opaque asset reference for Segmented ones.
	CompletedLocation string `json:"completedLocation,omitempty"`

	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`

	// Runtime-only correlation state, never serialized. Handle is set
	// exactly while Status is Downloading or Paused.
	Handle      backend.Handle `json:"-"`
	ResumeToken []byte         `json:"-"`
}

// DeriveID maps a source URL to a stable task ID, so that starting the same
// URL twice resolves to the same record.
func DeriveID(sourceURL string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(sourceURL))
}

// New creates a Pending task for the given source.
func New(sourceURL, title string) *Task {
	return &Task{
		ID:        DeriveID(sourceURL),
		Title:     title,
		SourceURL: sourceURL,
		Format:    ClassifyURL(sourceURL),
		Status:    status.Pending,
		CreatedAt: time.Now(),
	}
}

// Snapshot returns an immutable copy safe to hand to observers. The backend
// handle and resume token are process-private and stripped.
func (t *Task) Snapshot() Task {
	c := *t
	c.Handle = ""
	c.ResumeToken = nil

	return c
}

// Percent returns the progress as a percentage in [0, 100].
func (t *Task) Percent() float64 {
	p := t.Progress * 100
	if p > 100 {
		p = 100
	}

	return p
}

// SizeString formats the byte counters for display, e.g. "12 MB / 100 MB".
// It returns an empty string while no total is known.
func (t *Task) SizeString() string {
	if t.BytesExpected <= 0 {
		return ""
	}

	return fmt.Sprintf("%s / %s",
		humanize.Bytes(uint64(t.BytesWritten)),
		humanize.Bytes(uint64(t.BytesExpected)))
}
