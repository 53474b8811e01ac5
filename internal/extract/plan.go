// Package extract turns conversation text into graph update plans. Two
// extractors implement the same capability: a closed-taxonomy rule
// extractor and an LLM-backed one that falls back to the rules on any
// failure.
package extract

import (
	"context"

	"github.com/narrative-memory-engine/internal/graph"
)

// DeleteMode distinguishes soft deletes (markers only) from hard
// deletes (node and incident edges removed).
type DeleteMode string

const (
	DeleteSoft DeleteMode = "soft"
	DeleteHard DeleteMode = "hard"
)

// NodeUpsert creates or merges one node.
type NodeUpsert struct {
	ID    string                 `json:"node_id"`
	Type  string                 `json:"type"`
	Attrs map[string]interface{} `json:"attributes,omitempty"`
}

// EdgeAdd creates one labeled edge.
type EdgeAdd struct {
	Source string                 `json:"source"`
	Target string                 `json:"target"`
	Label  string                 `json:"relationship"`
	Attrs  map[string]interface{} `json:"attributes,omitempty"`
}

// NodeDelete removes one node, softly or hard.
type NodeDelete struct {
	ID     string     `json:"node_id"`
	Mode   DeleteMode `json:"mode"`
	Reason string     `json:"reason,omitempty"`
}

// EdgeDelete removes edges matching the pattern. "*" means match-any;
// at least one field must stay concrete.
type EdgeDelete struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"relationship"`
	Reason string `json:"reason,omitempty"`
}

// Plan is the unit of graph change produced by extraction and consumed
// by the memory facade. Apply order is deletes, then upserts, then
// edges.
type Plan struct {
	NodesToUpsert []NodeUpsert `json:"nodes_to_upsert"`
	EdgesToAdd    []EdgeAdd    `json:"edges_to_add"`
	NodesToDelete []NodeDelete `json:"nodes_to_delete"`
	EdgesToDelete []EdgeDelete `json:"edges_to_delete"`
}

// Empty reports whether the plan carries no operations.
func (p *Plan) Empty() bool {
	return p == nil ||
		(len(p.NodesToUpsert) == 0 && len(p.EdgesToAdd) == 0 &&
			len(p.NodesToDelete) == 0 && len(p.EdgesToDelete) == 0)
}

// Size returns the total operation count.
func (p *Plan) Size() int {
	if p == nil {
		return 0
	}
	return len(p.NodesToUpsert) + len(p.EdgesToAdd) + len(p.NodesToDelete) + len(p.EdgesToDelete)
}

// Input carries everything an extractor may look at for one turn.
type Input struct {
	UserText      string
	AssistantText string
	// Graph is a read view of the session graph at analysis time.
	Graph *graph.Graph
	// RecentContext is the formatted tail of the sliding window.
	RecentContext string
}

// Extractor is the analysis capability. Implementations must be safe to
// call sequentially per session; they are never mixed within one turn.
type Extractor interface {
	Analyze(ctx context.Context, in Input) (*Plan, error)
}
