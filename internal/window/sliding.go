// Package window implements the mutable edge of the conversation: the
// bounded sliding window with its processing delay, the delayed update
// manager that commits lagging turns to the graph, and the conflict
// resolver that reconciles the window against the chat host's history.
package window

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Defaults for the window shape.
const (
	DefaultCapacity = 4
	DefaultDelay    = 1
)

// Turn is one exchange inside the window.
type Turn struct {
	ID                string     `json:"turn_id"`
	Sequence          int        `json:"sequence"`
	UserInput         string     `json:"user_input"`
	AssistantResponse string     `json:"assistant_response"`
	Timestamp         time.Time  `json:"timestamp"`
	Processed         bool       `json:"processed"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
	Version           int        `json:"version"`
}

// SlidingWindow is a bounded deque of the most recent turns. Turns
// within delay+1 positions of the tail stay mutable and uncommitted;
// everything older is eligible for processing. Not safe for concurrent
// use; the Manager holds the lock.
type SlidingWindow struct {
	turns    []*Turn
	capacity int
	delay    int
	nextSeq  int
	logger   *zap.Logger
}

// NewSlidingWindow builds a window of the given capacity and processing
// delay. Non-positive capacity and negative delay fall back to the
// defaults.
func NewSlidingWindow(capacity, delay int, logger *zap.Logger) *SlidingWindow {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if delay < 0 {
		delay = DefaultDelay
	}
	return &SlidingWindow{
		capacity: capacity,
		delay:    delay,
		nextSeq:  1,
		logger:   logger.Named("window"),
	}
}

// Delay returns the processing delay D.
func (w *SlidingWindow) Delay() int { return w.delay }

// Capacity returns the window capacity W.
func (w *SlidingWindow) Capacity() int { return w.capacity }

// Len returns the number of turns currently held.
func (w *SlidingWindow) Len() int { return len(w.turns) }

// Append assigns the next sequence and a fresh ID to the exchange,
// evicting the oldest turn when over capacity. Evicted turns leave the
// window permanently.
func (w *SlidingWindow) Append(user, assistant string) *Turn {
	t := &Turn{
		ID:                uuid.NewString(),
		Sequence:          w.nextSeq,
		UserInput:         user,
		AssistantResponse: assistant,
		Timestamp:         time.Now().UTC(),
		Version:           1,
	}
	w.nextSeq++
	w.turns = append(w.turns, t)
	if len(w.turns) > w.capacity {
		evicted := w.turns[0]
		w.turns = w.turns[1:]
		w.logger.Debug("turn evicted",
			zap.Int("sequence", evicted.Sequence),
			zap.Bool("processed", evicted.Processed))
	}
	return t
}

// PickProcessingTarget returns the oldest unprocessed turn that has at
// least delay+1 newer turns behind it, or nil. Edited turns that were
// reopened become eligible again through the same rule.
func (w *SlidingWindow) PickProcessingTarget() *Turn {
	last := len(w.turns) - 2 - w.delay
	for i := 0; i <= last; i++ {
		if !w.turns[i].Processed {
			return w.turns[i]
		}
	}
	return nil
}

// MarkProcessed records the processing outcome for a turn. A false ok
// leaves the turn eligible for retry on the next trigger.
func (w *SlidingWindow) MarkProcessed(turnID string, ok bool) bool {
	t := w.GetByID(turnID)
	if t == nil {
		return false
	}
	t.Processed = ok
	now := time.Now().UTC()
	t.ProcessedAt = &now
	return true
}

// Update overwrites the provided fields of a turn, bumps its version
// and clears the processed flag, making it eligible again. nil fields
// are left untouched.
func (w *SlidingWindow) Update(turnID string, user, assistant *string) bool {
	t := w.GetByID(turnID)
	if t == nil {
		return false
	}
	if user != nil {
		t.UserInput = *user
	}
	if assistant != nil {
		t.AssistantResponse = *assistant
	}
	t.Version++
	t.Processed = false
	t.ProcessedAt = nil
	t.Timestamp = time.Now().UTC()
	w.logger.Debug("turn updated", zap.Int("sequence", t.Sequence), zap.Int("version", t.Version))
	return true
}

// GetByID returns the turn or nil.
func (w *SlidingWindow) GetByID(turnID string) *Turn {
	for _, t := range w.turns {
		if t.ID == turnID {
			return t
		}
	}
	return nil
}

// Contains reports whether the turn is still inside the window.
func (w *SlidingWindow) Contains(turnID string) bool {
	return w.GetByID(turnID) != nil
}

// Recent returns the newest k turns, oldest first.
func (w *SlidingWindow) Recent(k int) []*Turn {
	if k <= 0 || len(w.turns) == 0 {
		return nil
	}
	if k > len(w.turns) {
		k = len(w.turns)
	}
	return w.turns[len(w.turns)-k:]
}

// AllTurns returns every held turn, oldest first.
func (w *SlidingWindow) AllTurns() []*Turn { return w.turns }

// SequenceBounds returns the lowest and highest sequence currently in
// the window; ok is false when empty.
func (w *SlidingWindow) SequenceBounds() (lo, hi int, ok bool) {
	if len(w.turns) == 0 {
		return 0, 0, false
	}
	return w.turns[0].Sequence, w.turns[len(w.turns)-1].Sequence, true
}

// Info summarizes the window for stats endpoints.
type Info struct {
	CurrentSize     int `json:"current_size"`
	Capacity        int `json:"capacity"`
	ProcessingDelay int `json:"processing_delay"`
	Processed       int `json:"processed"`
	Unprocessed     int `json:"unprocessed"`
	LatestSequence  int `json:"latest_sequence"`
}

// Info returns the current window shape.
func (w *SlidingWindow) Info() Info {
	info := Info{
		CurrentSize:     len(w.turns),
		Capacity:        w.capacity,
		ProcessingDelay: w.delay,
	}
	for _, t := range w.turns {
		if t.Processed {
			info.Processed++
		} else {
			info.Unprocessed++
		}
		if t.Sequence > info.LatestSequence {
			info.LatestSequence = t.Sequence
		}
	}
	return info
}
