package memory

import (
	"strings"

	"github.com/narrative-memory-engine/internal/graph"
	"github.com/narrative-memory-engine/internal/perception"
)

// TruncationMarker is appended when the graph section is cut to fit the
// caller's length budget.
const TruncationMarker = "\n... [knowledge graph truncated]"

// ContextRequest asks for a prompt context block.
type ContextRequest struct {
	Utterance   string
	RecentTurns int
	Depth       int
	MaxLength   int
}

// ContextStats describes what went into a context block.
type ContextStats struct {
	EntitiesCount int    `json:"entities_count"`
	ContextLength int    `json:"context_length"`
	GraphNodes    int    `json:"graph_nodes"`
	GraphEdges    int    `json:"graph_edges"`
	Intent        string `json:"intent"`
	Truncated     bool   `json:"truncated,omitempty"`
}

// ContextResult is the composed block plus what was matched.
type ContextResult struct {
	Context  string       `json:"context"`
	Entities []string     `json:"entities"`
	Stats    ContextStats `json:"stats"`
}

// buildContext composes the three-section context block. The graph
// section is truncated last when the budget is exceeded; recent history
// and world state always survive intact.
func buildContext(g *graph.Graph, buffer *TurnBuffer, state *StateTable, req ContextRequest) ContextResult {
	if req.Depth <= 0 {
		req.Depth = 1
	}

	candidates := make([]perception.Candidate, 0, g.NodeCount())
	for _, node := range g.Nodes() {
		if node.Deleted {
			continue
		}
		candidates = append(candidates, perception.Candidate{ID: node.ID, Name: node.Name})
	}
	entityIDs := perception.MatchEntities(req.Utterance, candidates)

	sub := g.Subgraph(entityIDs, req.Depth)
	graphText := strings.TrimRight(sub.Text(), "\n")

	worldTime := state.GetString("world_time", "Not set")

	var sb strings.Builder
	sb.WriteString("## Recent Conversation History\n")
	sb.WriteString(buffer.RecentText(req.RecentTurns))
	sb.WriteString("\n\n## Current World State\n- World Time: ")
	sb.WriteString(worldTime)
	sb.WriteString("\n\n## Relevant Knowledge Graph\n")
	head := sb.String()

	context := head + graphText
	truncated := false
	if req.MaxLength > 0 && len(context) > req.MaxLength {
		budget := req.MaxLength - len(head) - len(TruncationMarker)
		if budget < 0 {
			budget = 0
		}
		if budget > len(graphText) {
			budget = len(graphText)
		}
		cut := graphText[:budget]
		// cut on a line boundary so no node renders half-written
		if idx := strings.LastIndexByte(cut, '\n'); idx > 0 {
			cut = cut[:idx]
		}
		context = head + cut + TruncationMarker
		truncated = true
	}

	return ContextResult{
		Context:  context,
		Entities: entityIDs,
		Stats: ContextStats{
			EntitiesCount: len(entityIDs),
			ContextLength: len(context),
			GraphNodes:    sub.NodeCount(),
			GraphEdges:    sub.EdgeCount(),
			Intent:        perception.DetectIntent(req.Utterance),
			Truncated:     truncated,
		},
	}
}
