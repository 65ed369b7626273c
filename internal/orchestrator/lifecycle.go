package orchestrator

import (
	"mdm/internal/backend"
	"mdm/internal/logger"
	"mdm/internal/status"
	"mdm/internal/task"
)

// Init loads the persisted completed list and reattaches interrupted
// transfers left behind by a previous process lifetime. Persistence problems
// degrade to an empty history rather than failing startup.
func (o *Orchestrator) Init() {
	if o.store != nil {
		tasks, err := o.store.LoadCompleted()
		if err != nil {
			logger.Errorf("Failed to load completed tasks, starting empty: %v", err)
		} else {
			o.mu.Lock()
			for _, t := range tasks {
				o.completed[t.ID] = t
			}
			o.mu.Unlock()

			if len(tasks) > 0 {
				logger.Infof("Loaded %d completed tasks", len(tasks))
			}
		}
	}

	o.reattach()
	o.fireBackgroundDone()
}

// reattach surfaces recoverable transfers as Paused tasks so the user can
// resume or cancel them. Reattachment is best effort and only covers
// backends that leave resume state on disk.
func (o *Orchestrator) reattach() {
	recovered := 0

	for _, b := range []backend.Backend{o.progressive, o.segmented} {
		recoverer, ok := b.(backend.Recoverer)
		if !ok {
			continue
		}

		for _, rec := range recoverer.Recover() {
			id := task.DeriveID(rec.URL)

			o.mu.Lock()

			if _, exists := o.active[id]; exists {
				o.mu.Unlock()
				continue
			}

			t := task.New(rec.URL, rec.Title)
			t.Status = status.Paused
			t.ResumeToken = rec.Token
			// No live transfer exists yet; the placeholder handle keeps the
			// paused record shaped like any other and matches nothing.
			t.Handle = backend.NewHandle()
			o.active[id] = t
			recovered++

			o.mu.Unlock()
		}
	}

	if recovered > 0 {
		logger.Infof("Reattached %d interrupted downloads as paused", recovered)
		o.publishList()
	}
}

// SetBackgroundCompletionHandler registers a hook fired once after Init has
// finished reconciling recovered transfers. Platform shells use it to signal
// that background activity wake-up handling is complete. Must be set before
// Init.
func (o *Orchestrator) SetBackgroundCompletionHandler(fn func()) {
	o.bgMu.Lock()
	defer o.bgMu.Unlock()

	o.bgDone = fn
}

func (o *Orchestrator) fireBackgroundDone() {
	o.bgMu.Lock()
	fn := o.bgDone
	o.bgDone = nil
	o.bgMu.Unlock()

	if fn != nil {
		fn()
	}
}

// Shutdown cancels all in-flight transfers, drops subscribers, and closes
// the store.
func (o *Orchestrator) Shutdown() {
	o.cancel()
	o.publisher.Close()

	if o.store != nil {
		if err := o.store.Close(); err != nil {
			logger.Errorf("Failed to close store: %v", err)
		}
	}
}
