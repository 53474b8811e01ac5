// Package storage owns the on-disk session layout:
//
//	<root>/sessions/<session_id>/graph.json
//	                             entities.json
//	                             conversation_buffer.json
//	                             state.json
//
// All writes go through a temp file and rename so a crash never leaves
// a half-written file behind.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// File names within a session directory.
const (
	GraphFile  = "graph.json"
	MirrorFile = "entities.json"
	BufferFile = "conversation_buffer.json"
	StateFile  = "state.json"
)

// ErrNotFound is returned when a requested file does not exist yet.
var ErrNotFound = errors.New("storage: file not found")

// Store is the process-wide root of persisted sessions.
type Store struct {
	root   string
	logger *zap.Logger
}

// NewStore opens (and creates if needed) the data root. A nil logger
// defaults to a nop logger.
func NewStore(root string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(root, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}
	return &Store{root: dir, logger: logger.Named("storage")}, nil
}

// Session returns the per-session store, creating its directory.
func (s *Store) Session(id string) (*SessionStore, error) {
	if !validSessionID(id) {
		return nil, fmt.Errorf("invalid session id %q", id)
	}
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &SessionStore{dir: dir, logger: s.logger}, nil
}

// ListSessions returns the IDs of sessions with a directory on disk,
// sorted.
func (s *Store) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// RemoveSession deletes the session directory and everything in it.
func (s *Store) RemoveSession(id string) error {
	if !validSessionID(id) {
		return fmt.Errorf("invalid session id %q", id)
	}
	return os.RemoveAll(filepath.Join(s.root, id))
}

// session IDs become directory names, so path separators and dot
// traversal are rejected outright.
func validSessionID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}

// SessionStore reads and writes one session's files.
type SessionStore struct {
	dir    string
	logger *zap.Logger
}

// Dir returns the session directory path.
func (ss *SessionStore) Dir() string { return ss.dir }

// Write atomically replaces the named file.
func (ss *SessionStore) Write(name string, data []byte) error {
	final := filepath.Join(ss.dir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

// Read returns the named file's contents, ErrNotFound when absent.
func (ss *SessionStore) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(ss.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}
