// Package chatlog merges freshly fetched chat windows into the retained
// history. Reconciliation is a pure function of (retained, incoming) so
// overlapping fetch windows can resolve in any order without duplicating
// or reordering messages.
package chatlog

import (
	"sort"
	"sync"

	"github.com/you/streamsync/internal/core"
)

// Reconcile returns the retained sequence with the not-yet-seen messages
// of incoming prepended newest-first, truncated to max entries (oldest
// evicted from the tail). The incoming window carries no reliable order,
// so fresh messages are ordered by ReceivedAt; ties keep their batch
// order. Dedup is a set-membership pass, O(len(retained)+len(incoming)).
func Reconcile(retained, incoming []core.ChatMessage, max int) []core.ChatMessage {
	if max <= 0 {
		return nil
	}

	fresh := filterFresh(retained, incoming)
	if len(fresh) == 0 && len(retained) <= max {
		return retained
	}

	out := make([]core.ChatMessage, 0, len(fresh)+len(retained))
	out = append(out, fresh...)
	out = append(out, retained...)
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// filterFresh returns the incoming messages whose ids are not yet
// retained, de-duplicated within the batch itself, in batch order.
func filterFresh(retained, incoming []core.ChatMessage) []core.ChatMessage {
	seen := make(map[string]struct{}, len(retained))
	for _, msg := range retained {
		seen[msg.ID] = struct{}{}
	}
	var fresh []core.ChatMessage
	for _, msg := range incoming {
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		seen[msg.ID] = struct{}{}
		fresh = append(fresh, msg)
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].ReceivedAt.After(fresh[j].ReceivedAt)
	})
	return fresh
}

// Log is the retained chat window. Apply is the only mutator; readers get
// snapshot copies.
type Log struct {
	mu   sync.Mutex
	max  int
	msgs []core.ChatMessage
}

func NewLog(max int) *Log {
	if max <= 0 {
		max = 1
	}
	return &Log{max: max}
}

// Apply reconciles a fetched batch into the log and returns the messages
// admitted for the first time, newest first. Re-applying a batch admits
// nothing and changes nothing.
func (l *Log) Apply(batch []core.ChatMessage) []core.ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	fresh := filterFresh(l.msgs, batch)
	if len(fresh) == 0 {
		return nil
	}

	merged := make([]core.ChatMessage, 0, len(fresh)+len(l.msgs))
	merged = append(merged, fresh...)
	merged = append(merged, l.msgs...)
	if len(merged) > l.max {
		merged = merged[:l.max]
	}
	l.msgs = merged
	return fresh
}

// Messages returns a copy of the retained sequence, newest first.
func (l *Log) Messages() []core.ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]core.ChatMessage, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Len reports the retained message count.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}
