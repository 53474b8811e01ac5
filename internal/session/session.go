// Package session ties one conversation's memory stack together: the
// facade over the three memory layers, the sliding window manager, the
// node search index and the shared context cache. The registry above it
// creates sessions on first touch and owns their lifecycle.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/narrative-memory-engine/internal/cache"
	"github.com/narrative-memory-engine/internal/config"
	"github.com/narrative-memory-engine/internal/extract"
	"github.com/narrative-memory-engine/internal/graph"
	"github.com/narrative-memory-engine/internal/jsonx"
	"github.com/narrative-memory-engine/internal/memory"
	"github.com/narrative-memory-engine/internal/search"
	"github.com/narrative-memory-engine/internal/storage"
	"github.com/narrative-memory-engine/internal/window"
)

// Session is one conversation's memory stack. All mutating paths go
// through the window manager or the facade, which hold their own locks;
// the session itself only guards its lastActive timestamp.
type Session struct {
	ID string

	facade    *memory.Facade
	manager   *window.Manager
	extractor extract.Extractor
	validator *extract.Validator
	index     *search.Index
	ctxCache  *cache.ContextCache

	cfg    config.Config
	logger *zap.Logger

	mu         sync.Mutex
	createdAt  time.Time
	lastActive time.Time
}

// New builds a session. store may be nil for in-memory sessions,
// ctxCache may be nil to disable context caching, and extractor decides
// how turns are analyzed.
func New(id string, cfg config.Config, store *storage.SessionStore, extractor extract.Extractor, ctxCache *cache.ContextCache, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("session").With(zap.String("session_id", id))

	facade := memory.NewFacade(cfg.HotBufferSize, store, logger)
	if err := facade.Load(); err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}

	idx, err := search.NewIndex(search.DefaultConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}

	validator := extract.NewValidator(logger)
	w := window.NewSlidingWindow(cfg.WindowSize, cfg.ProcessingDelay, logger)
	manager := window.NewManager(w, extractor, validator, facade, logger)

	now := time.Now().UTC()
	return &Session{
		ID:         id,
		facade:     facade,
		manager:    manager,
		extractor:  extractor,
		validator:  validator,
		index:      idx,
		ctxCache:   ctxCache,
		cfg:        cfg,
		logger:     logger,
		createdAt:  now,
		lastActive: now,
	}, nil
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now().UTC()
	s.mu.Unlock()
}

// LastActive returns when the session last served a request.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Initialize seeds the graph from character and world descriptions.
// The seed text goes through the same extraction pipeline as turns but
// commits immediately and records nothing in the conversation buffer.
func (s *Session) Initialize(ctx context.Context, characterInfo, worldInfo string) (memory.Counts, []string, error) {
	s.touch()
	return s.applyImmediate(ctx, characterInfo, worldInfo, false)
}

// UpdateImmediate extracts and commits one exchange without the window
// delay. Used by hosts that do their own turn management.
func (s *Session) UpdateImmediate(ctx context.Context, user, assistant string) (memory.Counts, []string, error) {
	s.touch()
	return s.applyImmediate(ctx, user, assistant, true)
}

func (s *Session) applyImmediate(ctx context.Context, user, assistant string, recordTurn bool) (memory.Counts, []string, error) {
	in := extract.Input{
		UserText:      user,
		AssistantText: assistant,
		Graph:         s.facade.GraphClone(),
	}
	plan, err := s.extractor.Analyze(ctx, in)
	if err != nil {
		return memory.Counts{}, nil, fmt.Errorf("analyze: %w", err)
	}
	validated, warnings := s.validator.Validate(plan, in.Graph)
	counts, applyWarnings := s.facade.Apply(validated)
	warnings = append(warnings, applyWarnings...)
	if recordTurn {
		s.facade.RecordTurn(user, assistant)
	}
	return counts, warnings, nil
}

// ProcessTurn feeds one exchange through the delayed window cycle.
func (s *Session) ProcessTurn(ctx context.Context, user, assistant string) window.TurnResult {
	s.touch()
	return s.manager.OnNewTurn(ctx, user, assistant)
}

// EditTurn rewrites an in-window turn. Out-of-window edits are ignored.
func (s *Session) EditTurn(turnID string, user, assistant *string) window.EditResult {
	s.touch()
	return s.manager.OnTurnEdited(turnID, user, assistant)
}

// SyncConversation reconciles the window against host records.
func (s *Session) SyncConversation(records []window.ExternalTurn) window.SyncResult {
	s.touch()
	return s.manager.Sync(records)
}

// EnhancePrompt composes the context block for an utterance. Results
// are cached per graph generation; any graph mutation strands the
// cached entries.
func (s *Session) EnhancePrompt(utterance string, depth, maxLength int) (memory.ContextResult, bool) {
	s.touch()
	if depth <= 0 {
		depth = s.cfg.ContextDepth
	}
	if maxLength <= 0 {
		maxLength = s.cfg.MaxContextLength
	}

	var key string
	if s.ctxCache != nil {
		key = cache.Key(s.ID, s.facade.GraphGeneration(),
			fmt.Sprintf("%d:%d:%s", depth, maxLength, utterance))
		if cached, ok := s.ctxCache.Get(key); ok {
			var res memory.ContextResult
			if err := jsonx.UnmarshalFromString(cached, &res); err == nil {
				return res, true
			}
		}
	}

	res := s.facade.RetrieveContext(memory.ContextRequest{
		Utterance:   utterance,
		RecentTurns: s.cfg.HotBufferSize,
		Depth:       depth,
		MaxLength:   maxLength,
	})

	if s.ctxCache != nil {
		if encoded, err := jsonx.MarshalToString(res); err == nil {
			s.ctxCache.Set(key, encoded)
		}
	}
	return res, false
}

// Search runs the fuzzy node index over the graph, rebuilding the index
// first if the graph moved. Index failures degrade to the graph's
// substring search.
func (s *Session) Search(query string, limit int) []search.Result {
	s.touch()

	gen := s.facade.GraphGeneration()
	if s.index.Generation() != gen {
		clone := s.facade.GraphClone()
		nodes := make([]graph.Node, 0, clone.NodeCount())
		for _, n := range clone.Nodes() {
			nodes = append(nodes, *n)
		}
		if err := s.index.Rebuild(nodes, gen); err != nil {
			s.logger.Warn("index rebuild failed, falling back to substring search", zap.Error(err))
			return s.substringSearch(query, limit)
		}
	}

	hits, err := s.index.Search(query, limit)
	if err != nil {
		s.logger.Warn("index search failed, falling back to substring search", zap.Error(err))
		return s.substringSearch(query, limit)
	}
	if len(hits) == 0 {
		return s.substringSearch(query, limit)
	}
	return hits
}

func (s *Session) substringSearch(query string, limit int) []search.Result {
	nodes := s.facade.SearchNodes(query)
	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}
	out := make([]search.Result, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, search.Result{ID: n.ID, Name: n.Name, Type: string(n.Type)})
	}
	return out
}

// Stats is the combined session view for the stats endpoint.
type Stats struct {
	SessionID  string             `json:"session_id"`
	CreatedAt  time.Time          `json:"created_at"`
	LastActive time.Time          `json:"last_active"`
	Memory     memory.Stats       `json:"memory"`
	Window     window.Info        `json:"window"`
	Updates    window.UpdateStats `json:"updates"`
	Syncs      window.SyncTotals  `json:"syncs"`
	Search     search.Stats       `json:"search"`
}

// Stats returns the combined layer statistics.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	created, active := s.createdAt, s.lastActive
	s.mu.Unlock()
	return Stats{
		SessionID:  s.ID,
		CreatedAt:  created,
		LastActive: active,
		Memory:     s.facade.Stats(),
		Window:     s.manager.WindowInfo(),
		Updates:    s.manager.Stats(),
		Syncs:      s.manager.SyncStats(),
		Search:     s.index.Stats(),
	}
}

// Reset clears session memory, optionally keeping character nodes.
// Kept data is compacted: soft-deleted survivors are removed for good.
func (s *Session) Reset(keepCharacterData bool) {
	s.touch()
	s.facade.Reset(keepCharacterData)
	if keepCharacterData {
		s.facade.CleanupDeleted(0)
	}
}

// ExportGraph returns the lossless graph serialization.
func (s *Session) ExportGraph() ([]byte, error) {
	s.touch()
	return s.facade.ExportGraph()
}

// Persist flushes dirty memory layers to disk.
func (s *Session) Persist() error {
	return s.facade.Persist()
}

// Close persists the session and releases the search index.
func (s *Session) Close() error {
	err := s.Persist()
	if cerr := s.index.Close(); err == nil {
		err = cerr
	}
	return err
}
