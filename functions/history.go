package functions

import (
	"sync"

	"github.com/room4-2/voicetasks/tasks"
)

// HistoryLimit is how many mutations undo can reach back
const HistoryLimit = 10

// EntryKind tags a HistoryEntry
type EntryKind int

const (
	// EntryCreate holds the created record; undo deletes it
	EntryCreate EntryKind = iota + 1
	// EntryDelete holds the removed record; undo recreates it
	EntryDelete
)

func (k EntryKind) String() string {
	switch k {
	case EntryCreate:
		return "create"
	case EntryDelete:
		return "delete"
	}
	return "unknown"
}

// HistoryEntry is one invertible mutation
type HistoryEntry struct {
	Kind EntryKind
	Task tasks.Task
}

// History is a bounded undo stack; the oldest entry is evicted first
type History struct {
	mu      sync.Mutex
	entries []HistoryEntry
	limit   int
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = HistoryLimit
	}
	return &History{limit: limit}
}

func (h *History) Push(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	if over := len(h.entries) - h.limit; over > 0 {
		h.entries = append(h.entries[:0:0], h.entries[over:]...)
	}
}

// Pop removes and returns the most recent entry
func (h *History) Pop() (HistoryEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.entries)
	if n == 0 {
		return HistoryEntry{}, false
	}
	e := h.entries[n-1]
	h.entries = h.entries[:n-1]
	return e, true
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Entries returns the stack oldest first
func (h *History) Entries() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}
