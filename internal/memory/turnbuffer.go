// Package memory composes the three memory layers of a session: the hot
// TurnBuffer, the warm StateTable, and the cold knowledge graph, all
// behind a single Facade that serializes access and owns persistence.
package memory

import (
	"strings"
	"time"
)

// DefaultBufferSize is the hot buffer capacity when none is configured.
const DefaultBufferSize = 10

// BufferedTurn is one stored exchange.
type BufferedTurn struct {
	UserInput         string    `json:"user_input"`
	AssistantResponse string    `json:"assistant_response"`
	Timestamp         time.Time `json:"timestamp"`
}

// TurnBuffer is a fixed-size ring of the most recent committed turns.
// It overwrites the oldest entry when full. Not safe for concurrent
// use; the Facade holds the lock.
type TurnBuffer struct {
	turns    []BufferedTurn
	head     int
	size     int
	capacity int
}

// NewTurnBuffer returns a ring buffer of the given capacity. Zero or
// negative capacities fall back to the default.
func NewTurnBuffer(capacity int) *TurnBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &TurnBuffer{
		turns:    make([]BufferedTurn, capacity),
		capacity: capacity,
	}
}

// Append stores a turn, evicting the oldest when full.
func (b *TurnBuffer) Append(user, assistant string) {
	b.turns[b.head] = BufferedTurn{
		UserInput:         user,
		AssistantResponse: assistant,
		Timestamp:         time.Now().UTC(),
	}
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Len returns the number of stored turns.
func (b *TurnBuffer) Len() int { return b.size }

// Capacity returns the ring size.
func (b *TurnBuffer) Capacity() int { return b.capacity }

// All returns the stored turns oldest first.
func (b *TurnBuffer) All() []BufferedTurn {
	out := make([]BufferedTurn, b.size)
	for i := 0; i < b.size; i++ {
		idx := (b.head - b.size + i + b.capacity) % b.capacity
		out[i] = b.turns[idx]
	}
	return out
}

// RecentText formats the last k turns, oldest first, as
// "user: ..." / "assistant: ..." lines.
func (b *TurnBuffer) RecentText(k int) string {
	turns := b.All()
	if k > 0 && len(turns) > k {
		turns = turns[len(turns)-k:]
	}
	var sb strings.Builder
	for i, t := range turns {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("user: ")
		sb.WriteString(t.UserInput)
		sb.WriteString("\nassistant: ")
		sb.WriteString(t.AssistantResponse)
	}
	return sb.String()
}

// Snapshot returns the buffer contents for persistence, oldest first.
func (b *TurnBuffer) Snapshot() []BufferedTurn { return b.All() }

// Restore replaces the contents with a persisted snapshot, keeping at
// most the newest capacity entries.
func (b *TurnBuffer) Restore(turns []BufferedTurn) {
	b.head = 0
	b.size = 0
	start := 0
	if len(turns) > b.capacity {
		start = len(turns) - b.capacity
	}
	for _, t := range turns[start:] {
		b.turns[b.head] = t
		b.head = (b.head + 1) % b.capacity
		if b.size < b.capacity {
			b.size++
		}
	}
}

// Clear drops everything.
func (b *TurnBuffer) Clear() {
	b.head = 0
	b.size = 0
}
