package transcript

import (
	"strings"
	"sync"
	"time"
)

// Role identifies who spoke a turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one finalized utterance
type Turn struct {
	Role Role
	Text string
	At   time.Time
}

// Assembler builds conversation turns from streamed transcript fragments.
// The assistant's turn is accumulated from deltas until the response
// completes; a barge-in discards it. User turns arrive whole.
type Assembler struct {
	mu      sync.Mutex
	pending strings.Builder
	turns   []Turn
	onTurn  func(Turn)
	now     func() time.Time
}

// NewAssembler creates an assembler. onTurn, if set, is called for every
// finalized turn after the assembler's lock is released.
func NewAssembler(onTurn func(Turn)) *Assembler {
	return &Assembler{onTurn: onTurn, now: time.Now}
}

// AppendDelta adds partial assistant text
func (a *Assembler) AppendDelta(delta string) {
	a.mu.Lock()
	a.pending.WriteString(delta)
	a.mu.Unlock()
}

// FinalizeUser records a finished user transcription. Blank text is dropped.
func (a *Assembler) FinalizeUser(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	a.finalize(Turn{Role: RoleUser, Text: text})
}

// Complete finalizes the pending assistant text, if any
func (a *Assembler) Complete() {
	a.mu.Lock()
	text := a.pending.String()
	a.pending.Reset()
	a.mu.Unlock()
	if strings.TrimSpace(text) == "" {
		return
	}
	a.finalize(Turn{Role: RoleAssistant, Text: text})
}

// Discard drops the pending assistant text without producing a turn
func (a *Assembler) Discard() {
	a.mu.Lock()
	a.pending.Reset()
	a.mu.Unlock()
}

// Pending returns the assistant text accumulated so far
func (a *Assembler) Pending() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending.String()
}

// Turns returns a copy of the finalized turns in order
func (a *Assembler) Turns() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Turn, len(a.turns))
	copy(out, a.turns)
	return out
}

func (a *Assembler) finalize(t Turn) {
	t.At = a.now()
	a.mu.Lock()
	a.turns = append(a.turns, t)
	a.mu.Unlock()
	if a.onTurn != nil {
		a.onTurn(t)
	}
}
