package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/narrative-memory-engine/internal/cache"
	"github.com/narrative-memory-engine/internal/config"
	"github.com/narrative-memory-engine/internal/extract"
	"github.com/narrative-memory-engine/internal/llm"
	"github.com/narrative-memory-engine/internal/storage"
)

// Registry creates sessions on first touch and owns their lifecycle.
// With lru eviction, the least recently used session is persisted and
// closed when the resident limit is hit; its state reloads from disk on
// the next touch. Lock order is registry, then session.
type Registry struct {
	mu       sync.Mutex
	cfg      config.Config
	store    *storage.Store
	ctxCache *cache.ContextCache
	llm      *llm.Client
	logger   *zap.Logger

	// exactly one of these backs the resident set
	sessions map[string]*Session
	resident *lru.Cache[string, *Session]
}

// NewRegistry builds the session registry. store may be nil for purely
// in-memory operation.
func NewRegistry(cfg config.Config, store *storage.Store, ctxCache *cache.ContextCache, llmClient *llm.Client, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		cfg:      cfg,
		store:    store,
		ctxCache: ctxCache,
		llm:      llmClient,
		logger:   logger.Named("registry"),
	}

	if cfg.SessionEviction == "lru" {
		resident, err := lru.NewWithEvict(cfg.MaxSessions, func(id string, s *Session) {
			if err := s.Close(); err != nil {
				r.logger.Warn("evicted session close failed",
					zap.String("session_id", id), zap.Error(err))
				return
			}
			r.logger.Info("session evicted", zap.String("session_id", id))
		})
		if err != nil {
			return nil, fmt.Errorf("create session cache: %w", err)
		}
		r.resident = resident
	} else {
		r.sessions = make(map[string]*Session)
	}
	return r, nil
}

// newExtractor builds the analysis backend per configuration: the model
// extractor with rule fallback when enabled and configured, plain rules
// otherwise.
func (r *Registry) newExtractor() extract.Extractor {
	rules := extract.NewRuleExtractor(r.logger)
	if r.cfg.EnableLLMExtractor && r.llm.Configured() {
		return extract.NewLLMExtractor(r.llm, rules, r.cfg.LLMTimeout(), r.logger)
	}
	return rules
}

// Get returns the resident session, if any. A hit refreshes LRU
// recency.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(id)
}

func (r *Registry) lookup(id string) (*Session, bool) {
	if r.resident != nil {
		return r.resident.Get(id)
	}
	s, ok := r.sessions[id]
	return s, ok
}

// GetOrCreate returns the session, creating it (and reloading any
// persisted state) on first touch. An empty id gets a generated one.
func (r *Registry) GetOrCreate(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	if s, ok := r.lookup(id); ok {
		return s, nil
	}

	var ss *storage.SessionStore
	if r.store != nil {
		var err error
		if ss, err = r.store.Session(id); err != nil {
			return nil, err
		}
	}

	s, err := New(id, r.cfg, ss, r.newExtractor(), r.ctxCache, r.logger)
	if err != nil {
		return nil, err
	}

	if r.resident != nil {
		r.resident.Add(id, s)
	} else {
		r.sessions[id] = s
	}
	r.logger.Info("session created", zap.String("session_id", id))
	return s, nil
}

// List returns all known session IDs: resident ones plus any persisted
// on disk, sorted and deduplicated.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	if r.resident != nil {
		for _, id := range r.resident.Keys() {
			seen[id] = struct{}{}
		}
	} else {
		for id := range r.sessions {
			seen[id] = struct{}{}
		}
	}
	if r.store != nil {
		if ids, err := r.store.ListSessions(); err == nil {
			for _, id := range ids {
				seen[id] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Remove closes the session and deletes its persisted state.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resident != nil {
		// the evict callback closes the session
		r.resident.Remove(id)
	} else if s, ok := r.sessions[id]; ok {
		_ = s.Close()
		delete(r.sessions, id)
	}
	if r.store != nil {
		return r.store.RemoveSession(id)
	}
	return nil
}

// PersistAll flushes every resident session.
func (r *Registry) PersistAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, s := range r.residentSessions() {
		if err := s.Persist(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close persists and releases every resident session.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resident != nil {
		// the evict callback closes each session
		r.resident.Purge()
		return nil
	}
	var firstErr error
	for id, s := range r.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.sessions, id)
	}
	return firstErr
}

func (r *Registry) residentSessions() []*Session {
	if r.resident != nil {
		out := make([]*Session, 0, r.resident.Len())
		for _, id := range r.resident.Keys() {
			if s, ok := r.resident.Peek(id); ok {
				out = append(out, s)
			}
		}
		return out
	}
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
