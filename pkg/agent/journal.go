package agent

import (
	"sync"
	"time"
)

// journalSize bounds the per-agent activity ring buffer.
const journalSize = 64

// JournalEntry is one line of an agent's local activity journal.
type JournalEntry struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
}

// journal is a fixed-size ring buffer of recent activity. Writers never
// block; old entries are overwritten once the buffer is full.
type journal struct {
	mu      sync.Mutex
	entries [journalSize]JournalEntry
	next    int
	count   int
}

func (j *journal) add(kind, detail string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[j.next] = JournalEntry{At: time.Now(), Kind: kind, Detail: detail}
	j.next = (j.next + 1) % journalSize
	if j.count < journalSize {
		j.count++
	}
}

// snapshot returns the journal oldest first.
func (j *journal) snapshot() []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]JournalEntry, 0, j.count)
	start := j.next - j.count
	if start < 0 {
		start += journalSize
	}
	for i := 0; i < j.count; i++ {
		out = append(out, j.entries[(start+i)%journalSize])
	}
	return out
}
