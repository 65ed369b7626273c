package orchestrator

import (
	"errors"
	"os"

	"mdm/internal/backend"
	"mdm/internal/logger"
	"mdm/internal/status"
	"mdm/internal/task"
)

// events builds the callback sink installed on the backends. Every callback
// revalidates handle, task, and status under the lock before applying
// anything; callbacks for handles the orchestrator no longer tracks are
// stale and dropped.
func (o *Orchestrator) events() backend.Events {
	return backend.Events{
		Progress: o.onProgress,
		Complete: o.onComplete,
		Failed:   o.onFailed,
	}
}

func (o *Orchestrator) onProgress(h backend.Handle, p backend.Progress) {
	o.mu.Lock()

	t := o.taskForHandle(h)
	if t == nil || t.Status != status.Downloading {
		o.mu.Unlock()
		return
	}

	frac, known := progressFraction(p)

	updated := false

	// Progress never moves backwards even if callbacks arrive reordered.
	if known && frac > t.Progress {
		t.Progress = frac
		updated = true
	}

	if p.BytesExpected > 0 {
		if p.BytesWritten > t.BytesWritten {
			t.BytesWritten = p.BytesWritten
			updated = true
		}

		if p.BytesExpected != t.BytesExpected {
			t.BytesExpected = p.BytesExpected
			updated = true
		}
	}

	if !updated {
		o.mu.Unlock()
		return
	}

	snap := t.Snapshot()
	o.mu.Unlock()

	o.publishTask(snap)
}

// progressFraction turns a callback payload into a display fraction, or
// reports that no meaningful fraction exists (unknown-length transfers stay
// at their last value rather than jumping around).
func progressFraction(p backend.Progress) (float64, bool) {
	if p.FractionKnown {
		return clampFraction(p.Fraction), true
	}

	if p.BytesExpected > 0 {
		return clampFraction(float64(p.BytesWritten) / float64(p.BytesExpected)), true
	}

	return 0, false
}

func clampFraction(f float64) float64 {
	if f < 0 {
		return 0
	}

	if f > 1 {
		return 1
	}

	return f
}

func (o *Orchestrator) onComplete(h backend.Handle, r backend.Result) {
	o.mu.Lock()

	t := o.taskForHandle(h)
	if t == nil || t.Status != status.Downloading {
		o.mu.Unlock()
		logger.Debugf("Dropping stale completion for handle %s", h)

		return
	}

	id := t.ID
	title := t.Title
	sourceURL := t.SourceURL
	o.mu.Unlock()

	// The temp location is only valid for the duration of this callback, so
	// the move happens now, off the state lock.
	location := r.AssetRef

	var moveErr error

	if r.TempPath != "" {
		location, moveErr = o.placeArtifact(title, sourceURL, r.TempPath)
	}

	o.mu.Lock()

	t = o.active[id]
	if t == nil || t.Handle != h || t.Status != status.Downloading {
		o.mu.Unlock()

		// A cancel raced the completion; the moved file is an orphan.
		if moveErr == nil && r.TempPath != "" && location != "" {
			os.Remove(location)
		}

		return
	}

	delete(o.handles, h)
	t.Handle = ""

	if moveErr != nil {
		t.Status = status.Failed
		t.ErrorMessage = moveErr.Error()
		snap := t.Snapshot()
		o.mu.Unlock()

		logger.Errorf("Failed to place artifact for task %s: %v", id, moveErr)
		o.publishTask(snap)
		o.notifyFailed(snap)

		return
	}

	t.Status = status.Completed
	t.Progress = 1

	if t.BytesExpected > 0 {
		t.BytesWritten = t.BytesExpected
	}

	t.CompletedLocation = location
	delete(o.active, id)
	o.completed[id] = t
	snap := t.Snapshot()
	o.mu.Unlock()

	logger.Infof("Task %s completed: %s", id, location)

	o.persistCompleted(t)
	o.publishTask(snap)
	o.publishList()
	o.notifyComplete(snap)
}

func (o *Orchestrator) onFailed(h backend.Handle, err error) {
	o.mu.Lock()

	t := o.taskForHandle(h)
	if t == nil || t.Status.Terminal() {
		o.mu.Unlock()
		return
	}

	delete(o.handles, h)
	t.Handle = ""

	if errors.Is(err, backend.ErrCancelled) {
		// Cancel confirmations usually arrive after the synchronous removal
		// already dropped the handle; this path only fires when the backend
		// cancelled on its own (context shutdown).
		delete(o.active, t.ID)
		t.Status = status.Cancelled
		snap := t.Snapshot()
		o.mu.Unlock()

		o.publishTask(snap)
		o.publishList()

		return
	}

	t.Status = status.Failed
	t.ErrorMessage = err.Error()
	snap := t.Snapshot()
	o.mu.Unlock()

	logger.Errorf("Task %s failed: %v", snap.ID, err)
	o.publishTask(snap)
	o.notifyFailed(snap)
}

// taskForHandle resolves a callback handle to its live task. Caller holds
// the lock.
func (o *Orchestrator) taskForHandle(h backend.Handle) *task.Task {
	id, ok := o.handles[h]
	if !ok {
		return nil
	}

	t := o.active[id]
	if t == nil || t.Handle != h {
		return nil
	}

	return t
}
