package backend

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrUnsupported is returned for operations a backend does not implement.
	ErrUnsupported = errors.New("operation not supported by backend")

	// ErrCancelled classifies a failure callback caused by a cancel request.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrNoResumeData is returned by Pause when the backend cannot produce a
	// resume token; the transfer keeps running.
	ErrNoResumeData = errors.New("no resume data available")

	// ErrInvalidToken is returned by Resume for tokens that cannot be decoded
	// or no longer match anything on disk.
	ErrInvalidToken = errors.New("invalid resume token")

	// ErrUnknownHandle is returned when a handle has no live transfer.
	ErrUnknownHandle = errors.New("unknown transfer handle")
)

// Handle identifies one live transfer inside a backend. Handles are only
// valid for the process lifetime that created them.
type Handle string

// NewHandle returns a fresh opaque transfer handle.
func NewHandle() Handle {
	return Handle(uuid.NewString())
}

// StartRequest describes a new transfer to a backend.
type StartRequest struct {
	TaskID uuid.UUID
	URL    string
	Title  string
}

// Progress is one progress callback payload. Byte counts are reported when
// the backend knows a total; Fraction carries a duration-ratio estimate and
// is only meaningful when FractionKnown is set.
type Progress struct {
	BytesWritten  int64
	BytesExpected int64
	Fraction      float64
	FractionKnown bool
}

// Result is one completion callback payload. Exactly one field is set:
// TempPath points at a short-lived temporary file that must be moved to a
// durable location before the callback returns; AssetRef is an opaque
// backend-managed asset reference stored as-is.
type Result struct {
	TempPath string
	AssetRef string
}

// Events is the callback sink a backend delivers into. Callbacks fire on
// backend-owned goroutines and may fire concurrently for different handles.
type Events struct {
	Progress func(h Handle, p Progress)
	Complete func(h Handle, r Result)
	Failed   func(h Handle, err error)
}

// EmitProgress delivers a progress callback, tolerating a nil sink.
func (e Events) EmitProgress(h Handle, p Progress) {
	if e.Progress != nil {
		e.Progress(h, p)
	}
}

// EmitComplete delivers the completion callback, tolerating a nil sink.
func (e Events) EmitComplete(h Handle, r Result) {
	if e.Complete != nil {
		e.Complete(h, r)
	}
}

// EmitFailed delivers a failure callback, tolerating a nil sink.
func (e Events) EmitFailed(h Handle, err error) {
	if e.Failed != nil {
		e.Failed(h, err)
	}
}

// Backend is the capability surface shared by all transfer backends.
// Backends that cannot pause return ErrUnsupported from Pause and Resume.
type Backend interface {
	// Start begins a transfer and returns its handle. A synchronous error
	// means the transfer could never be created; no callbacks follow.
	Start(ctx context.Context, req StartRequest) (Handle, error)

	// Pause stops the transfer and returns an opaque resume token. The
	// handle is dead afterwards; Resume issues a new one.
	Pause(h Handle) ([]byte, error)

	// Resume reconstructs a transfer from a resume token.
	Resume(ctx context.Context, token []byte) (Handle, error)

	// Cancel terminates the transfer. Confirmation arrives asynchronously
	// as a Failed callback wrapping ErrCancelled.
	Cancel(h Handle) error

	// SetEvents installs the callback sink. Must be called before Start.
	SetEvents(e Events)
}

// Recovered describes an interrupted transfer found on disk from a previous
// process lifetime. Token feeds straight into Resume.
type Recovered struct {
	URL   string
	Title string
	Token []byte
}

// Recoverer is implemented by backends whose sessions leave enough state
// behind to reattach transfers after a relaunch. Recovery is best effort.
type Recoverer interface {
	Recover() []Recovered
}

// TokenDiscarder is implemented by backends whose resume tokens reference
// on-disk state that must be cleaned up when a paused transfer is abandoned.
type TokenDiscarder interface {
	Discard(token []byte) error
}
