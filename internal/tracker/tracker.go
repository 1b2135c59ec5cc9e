// Package tracker observes a document and reports every local mutation as
// a forward/inverse change, while changes applied on behalf of the server
// are kept out of the stream.
package tracker

import (
	"errors"
	"sync"

	"github.com/serroba/patchsync/internal/document"
	"github.com/serroba/patchsync/internal/patch"
)

// ErrStopped is returned by ApplyRemote after Stop.
var ErrStopped = errors.New("tracker stopped")

// Tracker forwards local mutations of one document to a callback.
type Tracker struct {
	doc     *document.Document
	onLocal func(patch.Change)

	mu      sync.Mutex
	stopped bool
}

// Start begins observing doc. onLocal is called synchronously, in commit
// order, for each local mutation. It must not call Stop.
func Start(doc *document.Document, onLocal func(patch.Change)) *Tracker {
	t := &Tracker{doc: doc, onLocal: onLocal}
	doc.SetHook(t.observe)

	return t
}

func (t *Tracker) observe(change patch.Change, origin document.Origin) {
	if origin != document.OriginLocal {
		return
	}

	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()

	if stopped || t.onLocal == nil {
		return
	}

	t.onLocal(change)
}

// Document returns the observed document.
func (t *Tracker) Document() *document.Document {
	return t.doc
}

// ApplyRemote applies changes received from the server without reporting
// them. It fails with patch.ErrConflict, leaving the document untouched,
// when the replica no longer holds the state the changes were computed on.
func (t *Tracker) ApplyRemote(changes ...patch.Change) error {
	if t.Stopped() {
		return ErrStopped
	}

	return t.doc.ApplyIfMatches(document.OriginRemote, changes...)
}

// Transact runs fn with the document locked against every other commit.
// Like ApplyRemote, nothing applied through tx is reported.
func (t *Tracker) Transact(fn func(tx *document.Tx) error) error {
	if t.Stopped() {
		return ErrStopped
	}

	return t.doc.Transact(document.OriginRemote, fn)
}

// Stop detaches from the document. When Stop returns no further callback
// is delivered.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()

		return
	}

	t.stopped = true
	t.mu.Unlock()

	t.doc.SetHook(nil)
}

// Stopped reports whether Stop has been called.
func (t *Tracker) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.stopped
}
