package memory

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/narrative-memory-engine/internal/extract"
	"github.com/narrative-memory-engine/internal/graph"
	"github.com/narrative-memory-engine/internal/jsonx"
	"github.com/narrative-memory-engine/internal/storage"
)

// Counts summarizes one applied plan.
type Counts struct {
	NodesUpserted int `json:"nodes_updated"`
	EdgesAdded    int `json:"edges_added"`
	NodesDeleted  int `json:"nodes_deleted"`
	EdgesDeleted  int `json:"edges_deleted"`
}

// Total returns the sum of all applied operations.
func (c Counts) Total() int {
	return c.NodesUpserted + c.EdgesAdded + c.NodesDeleted + c.EdgesDeleted
}

// Facade owns all three memory layers of one session and serializes
// access to them under a single lock. Everything above it (window
// manager, context building, HTTP handlers) goes through this type.
type Facade struct {
	mu     sync.RWMutex
	graph  *graph.Graph
	buffer *TurnBuffer
	state  *StateTable
	store  *storage.SessionStore
	dirty  bool
	logger *zap.Logger
}

// NewFacade builds a facade with an empty graph. store may be nil for
// purely in-memory sessions (tests, is_test sessions).
func NewFacade(bufferSize int, store *storage.SessionStore, logger *zap.Logger) *Facade {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("memory")
	return &Facade{
		graph:  graph.New(logger),
		buffer: NewTurnBuffer(bufferSize),
		state:  NewStateTable(),
		store:  store,
		logger: logger,
	}
}

// Apply commits a validated plan in the order deletes, upserts, edges.
// Application is best-effort per entry; a failing entry becomes a
// warning, not an abort.
func (f *Facade) Apply(plan *extract.Plan) (Counts, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var counts Counts
	var warnings []string
	if plan.Empty() {
		return counts, nil
	}

	for _, d := range plan.NodesToDelete {
		var err error
		if d.Mode == extract.DeleteHard {
			err = f.graph.DeleteNode(d.ID)
		} else {
			err = f.graph.MarkDeleted(d.ID, d.Reason)
		}
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("delete %s: %v", d.ID, err))
			continue
		}
		counts.NodesDeleted++
	}

	for _, d := range plan.EdgesToDelete {
		n, err := f.graph.DeleteEdgesMatching(graph.EdgePattern{
			Source: d.Source, Target: d.Target, Label: d.Label,
		})
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("delete edges: %v", err))
			continue
		}
		counts.EdgesDeleted += n
	}

	for _, n := range plan.NodesToUpsert {
		f.graph.UpsertNode(n.ID, graph.ParseNodeType(n.Type), n.Attrs)
		counts.NodesUpserted++
	}

	for _, e := range plan.EdgesToAdd {
		if err := f.graph.AddEdge(e.Source, e.Target, e.Label, e.Attrs); err != nil {
			warnings = append(warnings, fmt.Sprintf("edge %s -> %s: %v", e.Source, e.Target, err))
			continue
		}
		counts.EdgesAdded++
	}

	if counts.Total() > 0 {
		f.dirty = true
	}
	f.logger.Debug("plan applied",
		zap.Int("nodes_upserted", counts.NodesUpserted),
		zap.Int("edges_added", counts.EdgesAdded),
		zap.Int("nodes_deleted", counts.NodesDeleted),
		zap.Int("edges_deleted", counts.EdgesDeleted),
		zap.Int("warnings", len(warnings)))
	return counts, warnings
}

// RecordTurn appends the exchange to the hot buffer.
func (f *Facade) RecordTurn(user, assistant string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffer.Append(user, assistant)
	f.dirty = true
}

// RetrieveContext composes the prompt context block for an utterance.
func (f *Facade) RetrieveContext(req ContextRequest) ContextResult {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return buildContext(f.graph, f.buffer, f.state, req)
}

// GraphClone returns an independent copy of the graph for lock-free
// reads, such as extractor prompt building.
func (f *Facade) GraphClone() *graph.Graph {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.graph.Clone()
}

// GraphGeneration returns the graph's mutation counter.
func (f *Facade) GraphGeneration() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.graph.Generation()
}

// GetNode returns a copy of the node, if present.
func (f *Facade) GetNode(id string) (graph.Node, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n, ok := f.graph.GetNode(id)
	if !ok {
		return graph.Node{}, false
	}
	return *n, true
}

// SearchNodes runs the substring search over live nodes and returns
// copies.
func (f *Facade) SearchNodes(query string) []graph.Node {
	f.mu.RLock()
	defer f.mu.RUnlock()
	hits := f.graph.SearchNodes(query)
	out := make([]graph.Node, 0, len(hits))
	for _, n := range hits {
		out = append(out, *n)
	}
	return out
}

// PutState writes a warm-state value.
func (f *Facade) PutState(key string, value interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Put(key, value)
	f.dirty = true
}

// GetState reads a warm-state value.
func (f *Facade) GetState(key string) (interface{}, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.Get(key)
}

// ExportGraph returns the lossless graph serialization.
func (f *Facade) ExportGraph() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.graph.Serialize()
}

// Stats describes the memory layers for the stats endpoint.
type Stats struct {
	GraphNodes   int `json:"graph_nodes"`
	GraphActive  int `json:"graph_active_nodes"`
	GraphEdges   int `json:"graph_edges"`
	BufferedTurn int `json:"buffered_turns"`
	StateEntries int `json:"state_entries"`
}

// Stats returns current layer sizes.
func (f *Facade) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Stats{
		GraphNodes:   f.graph.NodeCount(),
		GraphActive:  f.graph.ActiveNodeCount(),
		GraphEdges:   f.graph.EdgeCount(),
		BufferedTurn: f.buffer.Len(),
		StateEntries: f.state.Len(),
	}
}

// CleanupDeleted compacts soft-deleted nodes older than the threshold
// and returns how many were removed.
func (f *Facade) CleanupDeleted(olderThan time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := f.graph.CleanupDeleted(olderThan)
	if removed > 0 {
		f.dirty = true
	}
	return removed
}

// Reset clears the session memory. With keepCharacterData, character
// nodes and the edges between them survive; everything else goes.
func (f *Facade) Reset(keepCharacterData bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buffer.Clear()
	f.state.Clear()

	if !keepCharacterData {
		f.graph.Clear()
	} else {
		keep := make(map[string]struct{})
		for _, n := range f.graph.Nodes() {
			if n.Type != graph.TypeCharacter {
				continue
			}
			keep[n.ID] = struct{}{}
		}
		for _, n := range f.graph.Nodes() {
			if _, ok := keep[n.ID]; !ok {
				_ = f.graph.DeleteNode(n.ID)
			}
		}
	}
	f.dirty = true
	f.logger.Info("session memory reset", zap.Bool("keep_character_data", keepCharacterData))
}

type bufferSnapshot struct {
	Turns []BufferedTurn `json:"turns"`
}

type stateSnapshot struct {
	Entries map[string]StateEntry `json:"entries"`
}

// Persist writes graph, mirror, buffer and state when dirty. Safe to
// call concurrently and idempotent; without a backing store it only
// clears the dirty flag.
func (f *Facade) Persist() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.dirty {
		return nil
	}
	if f.store == nil {
		f.dirty = false
		return nil
	}

	graphData, err := f.graph.Serialize()
	if err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	mirrorData, err := jsonx.MarshalIndent(BuildMirror(f.graph), "", "  ")
	if err != nil {
		return fmt.Errorf("persist mirror: %w", err)
	}
	bufferData, err := jsonx.Marshal(bufferSnapshot{Turns: f.buffer.Snapshot()})
	if err != nil {
		return fmt.Errorf("persist buffer: %w", err)
	}
	stateData, err := jsonx.Marshal(stateSnapshot{Entries: f.state.Snapshot()})
	if err != nil {
		return fmt.Errorf("persist state: %w", err)
	}

	for name, data := range map[string][]byte{
		storage.GraphFile:  graphData,
		storage.MirrorFile: mirrorData,
		storage.BufferFile: bufferData,
		storage.StateFile:  stateData,
	} {
		if err := f.store.Write(name, data); err != nil {
			return fmt.Errorf("persist: %w", err)
		}
	}
	f.dirty = false
	f.logger.Debug("session persisted")
	return nil
}

// Load restores the session from disk. Missing files are fine; corrupt
// files leave that layer empty with a warning. When graph.json is
// unreadable the entities.json mirror is tried as a fallback.
func (f *Facade) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.store == nil {
		return nil
	}

	if data, err := f.store.Read(storage.GraphFile); err == nil {
		if perr := f.graph.Parse(data); perr != nil {
			f.logger.Warn("corrupt graph file, trying mirror", zap.Error(perr))
			f.loadFromMirror()
		}
	} else if errors.Is(err, storage.ErrNotFound) {
		f.loadFromMirror()
	} else {
		return fmt.Errorf("load graph: %w", err)
	}

	if data, err := f.store.Read(storage.BufferFile); err == nil {
		var snap bufferSnapshot
		if uerr := jsonx.Unmarshal(data, &snap); uerr == nil {
			f.buffer.Restore(snap.Turns)
		} else {
			f.logger.Warn("corrupt buffer file, starting empty", zap.Error(uerr))
		}
	}

	if data, err := f.store.Read(storage.StateFile); err == nil {
		var snap stateSnapshot
		if uerr := jsonx.Unmarshal(data, &snap); uerr == nil {
			f.state.Restore(snap.Entries)
		} else {
			f.logger.Warn("corrupt state file, starting empty", zap.Error(uerr))
		}
	}

	f.dirty = false
	return nil
}

func (f *Facade) loadFromMirror() {
	data, err := f.store.Read(storage.MirrorFile)
	if err != nil {
		return
	}
	var m Mirror
	if err := jsonx.Unmarshal(data, &m); err != nil {
		f.logger.Warn("corrupt mirror file, starting empty", zap.Error(err))
		return
	}
	f.graph = RestoreFromMirror(&m, f.logger)
}
