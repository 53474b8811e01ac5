// Package search provides fuzzy lookup over graph nodes using an
// in-memory Bleve index. Each session carries its own index, rebuilt
// lazily whenever the graph generation moves past the indexed one.
package search

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"

	"github.com/narrative-memory-engine/internal/graph"
)

// Config holds index tuning knobs.
type Config struct {
	// Fuzziness is the Levenshtein distance for fuzzy matching.
	Fuzziness int
	// MaxResults caps a single query's hit list.
	MaxResults int
}

// DefaultConfig returns the standard index settings.
func DefaultConfig() Config {
	return Config{
		Fuzziness:  1,
		MaxResults: 10,
	}
}

// Result is one node hit.
type Result struct {
	ID    string  `json:"node_id"`
	Name  string  `json:"name"`
	Type  string  `json:"type"`
	Score float64 `json:"score"`
}

// Stats describes the index for the stats endpoint.
type Stats struct {
	IndexedNodes  int       `json:"indexed_nodes"`
	Generation    uint64    `json:"generation"`
	TotalSearches int64     `json:"total_searches"`
	LastRebuilt   time.Time `json:"last_rebuilt"`
}

// Index is a per-session node index. All operations are safe for
// concurrent use.
type Index struct {
	mu       sync.Mutex
	idx      bleve.Index
	config   Config
	count    int
	gen      uint64
	searches int64
	rebuilt  time.Time
	logger   *zap.Logger
}

// NewIndex creates an empty in-memory node index.
func NewIndex(cfg Config, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Fuzziness <= 0 {
		cfg.Fuzziness = DefaultConfig().Fuzziness
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultConfig().MaxResults
	}

	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("create node index: %w", err)
	}
	return &Index{
		idx:    idx,
		config: cfg,
		logger: logger.Named("search"),
	}, nil
}

func buildMapping() mapping.IndexMapping {
	nodeMapping := bleve.NewDocumentMapping()

	nameField := bleve.NewTextFieldMapping()
	nameField.Store = true
	nameField.IncludeInAll = true
	nodeMapping.AddFieldMappingsAt("name", nameField)

	textField := bleve.NewTextFieldMapping()
	textField.Store = false
	textField.IncludeInAll = true
	nodeMapping.AddFieldMappingsAt("text", textField)

	typeField := bleve.NewTextFieldMapping()
	typeField.Store = true
	typeField.IncludeInAll = false
	nodeMapping.AddFieldMappingsAt("type", typeField)

	m := bleve.NewIndexMapping()
	m.AddDocumentMapping("node", nodeMapping)
	m.DefaultAnalyzer = "standard"
	return m
}

// document is the indexed shape of one node.
type document struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Text string `json:"text"`
}

// Generation returns the graph generation the index was last built
// against.
func (ix *Index) Generation() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.gen
}

// Rebuild replaces the index contents with the given live nodes. Called
// when the session's graph generation has moved.
func (ix *Index) Rebuild(nodes []graph.Node, generation uint64) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	start := time.Now()
	fresh, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return fmt.Errorf("rebuild node index: %w", err)
	}

	batch := fresh.NewBatch()
	indexed := 0
	for _, n := range nodes {
		if n.Deleted {
			continue
		}
		doc := document{
			Name: n.Name,
			Type: string(n.Type),
			Text: attrText(n),
		}
		if err := batch.Index(n.ID, doc); err != nil {
			ix.logger.Warn("node skipped during index rebuild",
				zap.String("node_id", n.ID), zap.Error(err))
			continue
		}
		indexed++
	}
	if err := fresh.Batch(batch); err != nil {
		_ = fresh.Close()
		return fmt.Errorf("rebuild node index: %w", err)
	}

	old := ix.idx
	ix.idx = fresh
	ix.count = indexed
	ix.gen = generation
	ix.rebuilt = time.Now().UTC()
	if old != nil {
		_ = old.Close()
	}

	ix.logger.Debug("node index rebuilt",
		zap.Int("nodes", indexed),
		zap.Uint64("generation", generation),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// attrText flattens a node's searchable text: ID tokens, description
// and attribute values.
func attrText(n graph.Node) string {
	parts := []string{strings.ReplaceAll(n.ID, "_", " ")}
	if n.Description != "" {
		parts = append(parts, n.Description)
	}
	for _, v := range n.Attrs {
		switch t := v.(type) {
		case string:
			parts = append(parts, t)
		case []interface{}:
			for _, item := range t {
				if s, ok := item.(string); ok {
					parts = append(parts, s)
				}
			}
		}
	}
	return strings.Join(parts, " ")
}

// Search runs a match query with a fuzzy fallback over names and node
// text.
func (ix *Index) Search(term string, limit int) ([]Result, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.searches++

	term = strings.TrimSpace(term)
	if term == "" || ix.idx == nil {
		return nil, nil
	}
	if limit <= 0 || limit > ix.config.MaxResults {
		limit = ix.config.MaxResults
	}

	matchQuery := bleve.NewMatchQuery(term)
	fuzzyQuery := query.NewFuzzyQuery(strings.ToLower(term))
	fuzzyQuery.SetFuzziness(ix.config.Fuzziness)
	q := bleve.NewDisjunctionQuery(matchQuery, fuzzyQuery)

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.Fields = []string{"name", "type"}

	res, err := ix.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("node search: %w", err)
	}

	out := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		r := Result{ID: hit.ID, Score: hit.Score}
		if hit.Fields != nil {
			if s, ok := hit.Fields["name"].(string); ok {
				r.Name = s
			}
			if s, ok := hit.Fields["type"].(string); ok {
				r.Type = s
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// Stats returns current index statistics.
func (ix *Index) Stats() Stats {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return Stats{
		IndexedNodes:  ix.count,
		Generation:    ix.gen,
		TotalSearches: ix.searches,
		LastRebuilt:   ix.rebuilt,
	}
}

// Close releases the index.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.idx == nil {
		return nil
	}
	err := ix.idx.Close()
	ix.idx = nil
	return err
}
