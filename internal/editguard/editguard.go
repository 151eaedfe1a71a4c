// Package editguard protects operator-editable fields from being
// clobbered by the poll-driven refresh cycle. A field that the operator
// is editing stays dirty until a write-back is confirmed by the server;
// refreshes merge around it, never through it.
package editguard

import (
	"context"
	"sync"
	"time"
)

// CommitFunc performs the write-back for a field and returns the
// server-confirmed value.
type CommitFunc func(ctx context.Context, value string) (string, error)

// Field is one guarded editable value.
type Field struct {
	mu          sync.Mutex
	local       string
	confirmed   string
	dirty       bool
	lastInputAt time.Time
}

// Set records operator input. The field becomes dirty and stays dirty
// until Commit succeeds; no refresh may clear it.
func (f *Field) Set(value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = value
	f.dirty = true
	f.lastInputAt = time.Now()
}

// Merge folds a freshly fetched remote value into the field and returns
// the value the view should show. Dirty wins unconditionally: the remote
// value is discarded even when the fetch was dispatched before the edit
// began.
func (f *Field) Merge(remote string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dirty {
		return f.local
	}
	f.confirmed = remote
	f.local = remote
	return remote
}

// Commit writes the local value back through fn. Success clears the dirty
// flag and adopts the server-confirmed value; failure leaves the field
// dirty so the edit is preserved for a retry.
func (f *Field) Commit(ctx context.Context, fn CommitFunc) error {
	f.mu.Lock()
	value := f.local
	f.mu.Unlock()

	confirmed, err := fn(ctx, value)
	if err != nil {
		return err
	}

	f.mu.Lock()
	// Input that arrived while the write-back was in flight keeps the
	// field dirty; only an undisturbed commit settles it.
	if f.local == value {
		f.confirmed = confirmed
		f.local = confirmed
		f.dirty = false
	}
	f.mu.Unlock()
	return nil
}

// Value returns what the view should currently display.
func (f *Field) Value() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dirty {
		return f.local
	}
	return f.confirmed
}

// Dirty reports whether unsaved operator input is pending.
func (f *Field) Dirty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirty
}

// LastInputAt returns when the operator last touched the field.
func (f *Field) LastInputAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastInputAt
}
