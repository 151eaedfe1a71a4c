package sink

import (
	"errors"
	"sync"
	"time"

	"github.com/you/streamsync/internal/core"
)

// Archiver is the write side of the archive.
type Archiver interface {
	WriteMessage(core.ChatMessage) error
	WriteAlert(core.Alert) error
}

// BufferedArchiver batches archive writes. Entries flush when the batch
// fills or when the flush timer fires, whichever comes first. A flush
// error is held and returned from the next call so it is never lost.
type BufferedArchiver struct {
	base          Archiver
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	buffer  []entry
	timer   *time.Timer
	closed  bool
	lastErr error
}

type entry struct {
	msg   *core.ChatMessage
	alert *core.Alert
}

type BufferedOptions struct {
	BatchSize     int
	FlushInterval time.Duration
}

func NewBufferedArchiver(base Archiver, opts BufferedOptions) *BufferedArchiver {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 1
	}
	return &BufferedArchiver{
		base:          base,
		batchSize:     batch,
		flushInterval: opts.FlushInterval,
	}
}

func (b *BufferedArchiver) WriteMessage(msg core.ChatMessage) error {
	return b.push(entry{msg: &msg})
}

func (b *BufferedArchiver) WriteAlert(alert core.Alert) error {
	return b.push(entry{alert: &alert})
}

func (b *BufferedArchiver) push(e entry) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("buffered archiver closed")
	}

	pendingErr := b.lastErr
	b.lastErr = nil

	b.buffer = append(b.buffer, e)
	if len(b.buffer) == 1 && b.flushInterval > 0 {
		b.startTimerLocked()
	}

	if len(b.buffer) < b.batchSize {
		b.mu.Unlock()
		return pendingErr
	}

	entries := append([]entry(nil), b.buffer...)
	b.buffer = b.buffer[:0]
	b.stopTimerLocked()
	b.mu.Unlock()

	if err := b.writeAll(entries); err != nil {
		return err
	}
	return pendingErr
}

func (b *BufferedArchiver) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.stopTimerLocked()
	entries := append([]entry(nil), b.buffer...)
	b.buffer = nil
	pendingErr := b.lastErr
	b.lastErr = nil
	b.mu.Unlock()

	if len(entries) > 0 {
		if err := b.writeAll(entries); err != nil {
			return err
		}
	}
	return pendingErr
}

func (b *BufferedArchiver) onTimer() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.buffer) == 0 {
		b.timer = nil
		b.mu.Unlock()
		return
	}
	entries := append([]entry(nil), b.buffer...)
	b.buffer = b.buffer[:0]
	b.timer = nil
	b.mu.Unlock()

	if err := b.writeAll(entries); err != nil {
		b.mu.Lock()
		b.lastErr = err
		b.mu.Unlock()
	}
}

func (b *BufferedArchiver) startTimerLocked() {
	if b.flushInterval <= 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.flushInterval, b.onTimer)
}

func (b *BufferedArchiver) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *BufferedArchiver) writeAll(entries []entry) error {
	for _, e := range entries {
		var err error
		switch {
		case e.msg != nil:
			err = b.base.WriteMessage(*e.msg)
		case e.alert != nil:
			err = b.base.WriteAlert(*e.alert)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
