package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	return New(zaptest.NewLogger(t))
}

func TestUpsertNodeCreatesAndMerges(t *testing.T) {
	g := newTestGraph(t)

	n := g.UpsertNode("kael", TypeCharacter, map[string]interface{}{
		"name":  "Kael",
		"level": 1,
	})
	require.Equal(t, "kael", n.ID)
	assert.Equal(t, TypeCharacter, n.Type)
	assert.Equal(t, "Kael", n.Name)
	assert.Equal(t, 1, n.Attrs["level"])
	assert.False(t, n.CreatedAt.IsZero())

	created := n.CreatedAt
	g.UpsertNode("kael", TypeCharacter, map[string]interface{}{"level": 3})
	n, ok := g.GetNode("kael")
	require.True(t, ok)
	assert.Equal(t, 3, n.Attrs["level"])
	assert.Equal(t, created, n.CreatedAt)
	assert.Equal(t, 1, g.NodeCount())
}

func TestConflictResolutionRules(t *testing.T) {
	g := newTestGraph(t)

	g.UpsertNode("kael", TypeCharacter, map[string]interface{}{
		"max_health": 100,
		"health":     80,
		"level":      5,
		"skills":     []string{"slash", "parry"},
		"location":   "harbor",
	})

	g.UpsertNode("kael", TypeCharacter, map[string]interface{}{
		"health":   150, // clamps to max_health
		"level":    3,   // lower, keeps old
		"skills":   []string{"parry", "riposte"},
		"location": "keep",
	})

	n, _ := g.GetNode("kael")
	assert.Equal(t, 100, n.Attrs["health"])
	assert.Equal(t, 5, n.Attrs["level"])
	assert.Equal(t, []string{"slash", "parry", "riposte"}, n.Attrs["skills"])
	assert.Equal(t, "keep", n.Attrs["location"])

	g.UpsertNode("kael", TypeCharacter, map[string]interface{}{"health": -10})
	n, _ = g.GetNode("kael")
	assert.Equal(t, 0, n.Attrs["health"])

	g.UpsertNode("kael", TypeCharacter, map[string]interface{}{"max_health": 60})
	n, _ = g.GetNode("kael")
	assert.Equal(t, 100, n.Attrs["max_health"], "max_health only grows")
}

func TestAddEdgeRequiresEndpoints(t *testing.T) {
	g := newTestGraph(t)
	g.UpsertNode("a", TypeCharacter, nil)

	err := g.AddEdge("a", "ghost", "knows", nil)
	assert.ErrorIs(t, err, ErrMissingEndpoint)
	assert.Equal(t, 0, g.EdgeCount())

	g.UpsertNode("b", TypeCharacter, nil)
	require.NoError(t, g.AddEdge("a", "b", "knows", nil))
	require.NoError(t, g.AddEdge("a", "b", "allied_with", nil))
	assert.Equal(t, 2, g.EdgeCount(), "parallel edges with distinct labels")

	// duplicate label is idempotent, last write wins on attributes
	require.NoError(t, g.AddEdge("a", "b", "knows", map[string]interface{}{"since": "turn 3"}))
	assert.Equal(t, 2, g.EdgeCount())
	edges := g.OutEdges("a")
	require.Len(t, edges, 2)
	var knows *Edge
	for _, e := range edges {
		if e.Label == "knows" {
			knows = e
		}
	}
	require.NotNil(t, knows)
	assert.Equal(t, "turn 3", knows.Attrs["since"])
}

func TestDeleteNodeRemovesIncidentEdges(t *testing.T) {
	g := newTestGraph(t)
	g.UpsertNode("a", TypeCharacter, nil)
	g.UpsertNode("b", TypeCharacter, nil)
	g.UpsertNode("c", TypeLocation, nil)
	require.NoError(t, g.AddEdge("a", "b", "knows", nil))
	require.NoError(t, g.AddEdge("b", "c", "located_in", nil))
	require.NoError(t, g.AddEdge("c", "a", "guards", nil))

	require.NoError(t, g.DeleteNode("b"))
	assert.False(t, g.HasNode("b"))
	assert.Equal(t, 1, g.EdgeCount())
	remaining := g.Edges()
	require.Len(t, remaining, 1)
	assert.Equal(t, "c", remaining[0].Source)
	assert.Equal(t, "a", remaining[0].Target)

	assert.ErrorIs(t, g.DeleteNode("b"), ErrNotFound)
}

func TestMarkDeletedIsSoft(t *testing.T) {
	g := newTestGraph(t)
	g.UpsertNode("a", TypeCharacter, nil)
	g.UpsertNode("b", TypeCharacter, nil)
	require.NoError(t, g.AddEdge("a", "b", "knows", nil))

	require.NoError(t, g.MarkDeleted("a", "died in battle"))
	n, ok := g.GetNode("a")
	require.True(t, ok, "soft-deleted node is retained")
	assert.True(t, n.Deleted)
	assert.Equal(t, "died in battle", n.DeletedReason)
	require.NotNil(t, n.DeletedAt)
	assert.Equal(t, 1, g.EdgeCount(), "edges stay on soft delete")
	assert.Equal(t, 1, g.ActiveNodeCount())

	// revival clears the markers
	g.UpsertNode("a", TypeCharacter, nil)
	n, _ = g.GetNode("a")
	assert.False(t, n.Deleted)
	assert.Nil(t, n.DeletedAt)
}

func TestDeleteEdgesMatching(t *testing.T) {
	g := newTestGraph(t)
	for _, id := range []string{"a", "b", "c"} {
		g.UpsertNode(id, TypeCharacter, nil)
	}
	require.NoError(t, g.AddEdge("a", "b", "knows", nil))
	require.NoError(t, g.AddEdge("a", "c", "knows", nil))
	require.NoError(t, g.AddEdge("b", "c", "hostile_to", nil))

	_, err := g.DeleteEdgesMatching(EdgePattern{Source: Wildcard, Target: "*", Label: ""})
	assert.ErrorIs(t, err, ErrAllWildcard)
	assert.Equal(t, 3, g.EdgeCount())

	n, err := g.DeleteEdgesMatching(EdgePattern{Source: "a", Target: Wildcard, Label: "knows"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, g.EdgeCount())
}

func TestDeleteEdgeParallels(t *testing.T) {
	g := newTestGraph(t)
	g.UpsertNode("a", TypeCharacter, nil)
	g.UpsertNode("b", TypeCharacter, nil)
	require.NoError(t, g.AddEdge("a", "b", "knows", nil))
	require.NoError(t, g.AddEdge("a", "b", "allied_with", nil))

	assert.Equal(t, 1, g.DeleteEdge("a", "b", "knows"))
	assert.Equal(t, 1, g.EdgeCount())
	assert.Equal(t, 0, g.DeleteEdge("a", "b", "knows"))

	require.NoError(t, g.AddEdge("a", "b", "knows", nil))
	assert.Equal(t, 2, g.DeleteEdge("a", "b", ""), "empty label removes all parallels")
	assert.Equal(t, 0, g.EdgeCount())
}

func TestSubgraphDepthAndDeletedExclusion(t *testing.T) {
	g := newTestGraph(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		g.UpsertNode(id, TypeCharacter, nil)
	}
	// a -> b -> c -> d
	require.NoError(t, g.AddEdge("a", "b", "knows", nil))
	require.NoError(t, g.AddEdge("b", "c", "knows", nil))
	require.NoError(t, g.AddEdge("c", "d", "knows", nil))

	sub := g.Subgraph([]string{"a"}, 1)
	assert.True(t, sub.HasNode("a"))
	assert.True(t, sub.HasNode("b"))
	assert.False(t, sub.HasNode("c"))
	assert.Equal(t, 1, sub.EdgeCount())

	// depth follows incoming edges too
	sub = g.Subgraph([]string{"d"}, 2)
	assert.True(t, sub.HasNode("b"))
	assert.False(t, sub.HasNode("a"))

	require.NoError(t, g.MarkDeleted("b", "gone"))
	sub = g.Subgraph([]string{"a"}, 3)
	assert.False(t, sub.HasNode("b"), "deleted nodes are excluded")
	assert.False(t, sub.HasNode("c"), "and not traversed through")
}

func TestSerializeParseRoundTrip(t *testing.T) {
	g := newTestGraph(t)
	g.UpsertNode("kael", TypeCharacter, map[string]interface{}{
		"name":   "Kael",
		"level":  7,
		"skills": []string{"slash"},
	})
	g.UpsertNode("harbor", TypeLocation, nil)
	require.NoError(t, g.AddEdge("kael", "harbor", "located_in", nil))
	require.NoError(t, g.MarkDeleted("harbor", "destroyed"))

	data, err := g.Serialize()
	require.NoError(t, err)

	g2 := newTestGraph(t)
	require.NoError(t, g2.Parse(data))

	orig, _ := g.GetNode("kael")
	loaded, ok := g2.GetNode("kael")
	require.True(t, ok)
	assert.Equal(t, orig.Name, loaded.Name)
	assert.True(t, orig.CreatedAt.Equal(loaded.CreatedAt))
	assert.EqualValues(t, 7, loaded.Attrs["level"])

	harbor, ok := g2.GetNode("harbor")
	require.True(t, ok)
	assert.True(t, harbor.Deleted)
	assert.Equal(t, "destroyed", harbor.DeletedReason)
	assert.Equal(t, 1, g2.EdgeCount())
}

func TestParseMalformedLeavesGraphEmpty(t *testing.T) {
	g := newTestGraph(t)
	g.UpsertNode("a", TypeCharacter, nil)

	err := g.Parse([]byte("{not json"))
	assert.Error(t, err)
	assert.Equal(t, 0, g.NodeCount())
	assert.Equal(t, 0, g.EdgeCount())
}

func TestCleanupDeleted(t *testing.T) {
	g := newTestGraph(t)
	g.UpsertNode("old", TypeCharacter, nil)
	g.UpsertNode("fresh", TypeCharacter, nil)
	require.NoError(t, g.MarkDeleted("old", "died"))
	require.NoError(t, g.MarkDeleted("fresh", "died"))

	past := time.Now().UTC().Add(-48 * time.Hour)
	n, _ := g.GetNode("old")
	n.DeletedAt = &past

	removed := g.CleanupDeleted(24 * time.Hour)
	assert.Equal(t, 1, removed)
	assert.False(t, g.HasNode("old"))
	assert.True(t, g.HasNode("fresh"))
}

func TestTextRendering(t *testing.T) {
	g := newTestGraph(t)
	g.UpsertNode("kael", TypeCharacter, map[string]interface{}{"name": "Kael", "level": 2})
	g.UpsertNode("harbor", TypeLocation, nil)
	g.UpsertNode("ghost", TypeCharacter, nil)
	require.NoError(t, g.AddEdge("kael", "harbor", "located_in", nil))
	require.NoError(t, g.AddEdge("ghost", "kael", "hostile_to", nil))
	require.NoError(t, g.MarkDeleted("ghost", "banished"))

	text := g.Text()
	assert.Contains(t, text, "[Nodes]")
	assert.Contains(t, text, "[Relationships]")
	assert.Contains(t, text, "- kael (type: character): { name: Kael, level: 2 }")
	assert.Contains(t, text, "- harbor (type: location)")
	assert.Contains(t, text, "- kael -> harbor (located_in)")
	assert.NotContains(t, text, "ghost")
}

func TestSearchNodes(t *testing.T) {
	g := newTestGraph(t)
	g.UpsertNode("iron_sword", TypeItem, map[string]interface{}{"rarity": "rare"})
	g.UpsertNode("kael", TypeCharacter, map[string]interface{}{"description": "a wandering swordsman"})
	g.UpsertNode("gone", TypeCharacter, map[string]interface{}{"description": "sword collector"})
	require.NoError(t, g.MarkDeleted("gone", "dead"))

	hits := g.SearchNodes("sword")
	require.Len(t, hits, 2)
	assert.Equal(t, "iron_sword", hits[0].ID)
	assert.Equal(t, "kael", hits[1].ID)

	hits = g.SearchNodes("rare")
	require.Len(t, hits, 1)
	assert.Equal(t, "iron_sword", hits[0].ID)
}

func TestCloneKeepsLoggerName(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	g := New(zap.New(core))
	g.UpsertNode("ghost", TypeCharacter, nil)
	require.NoError(t, g.MarkDeleted("ghost", "gone"))

	clone := g.Clone()
	require.Equal(t, 1, clone.CleanupDeleted(0))

	entries := logs.FilterMessage("compacted soft-deleted nodes").All()
	require.NotEmpty(t, entries)
	assert.Equal(t, "graph", entries[0].LoggerName)
}
