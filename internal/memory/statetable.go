package memory

import "time"

// StateEntry is one warm-state value with its write time.
type StateEntry struct {
	Value     interface{} `json:"value"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// StateTable is the warm layer: a last-write-wins key/value map with
// timestamps and no TTL. Not safe for concurrent use; the Facade holds
// the lock.
type StateTable struct {
	entries map[string]StateEntry
}

// NewStateTable returns an empty table.
func NewStateTable() *StateTable {
	return &StateTable{entries: make(map[string]StateEntry)}
}

// Put stores the value under key, stamping the write time.
func (s *StateTable) Put(key string, value interface{}) {
	s.entries[key] = StateEntry{Value: value, UpdatedAt: time.Now().UTC()}
}

// Get returns the value and whether it exists.
func (s *StateTable) Get(key string) (interface{}, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// GetString returns the value as a string, or fallback when absent or
// not a string.
func (s *StateTable) GetString(key, fallback string) string {
	if v, ok := s.Get(key); ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return fallback
}

// Len returns the number of entries.
func (s *StateTable) Len() int { return len(s.entries) }

// Snapshot returns a copy of the table for persistence.
func (s *StateTable) Snapshot() map[string]StateEntry {
	out := make(map[string]StateEntry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Restore replaces the table with a persisted snapshot.
func (s *StateTable) Restore(entries map[string]StateEntry) {
	s.entries = make(map[string]StateEntry, len(entries))
	for k, v := range entries {
		s.entries[k] = v
	}
}

// Clear drops every entry.
func (s *StateTable) Clear() {
	s.entries = make(map[string]StateEntry)
}
