package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/narrative-memory-engine/internal/graph"
)

func TestValidateDropsDanglingEdges(t *testing.T) {
	g := graph.New(zaptest.NewLogger(t))
	g.UpsertNode("kael", graph.TypeCharacter, nil)

	v := NewValidator(zaptest.NewLogger(t))
	plan := &Plan{
		NodesToUpsert: []NodeUpsert{{ID: "item_iron_sword", Type: "item"}},
		EdgesToAdd: []EdgeAdd{
			{Source: "kael", Target: "item_iron_sword", Label: "equipped_with"}, // graph + plan
			{Source: "kael", Target: "nowhere", Label: "located_in"},           // dangling target
			{Source: "ghost", Target: "kael", Label: "knows"},                  // dangling source
		},
	}

	out, warnings := v.Validate(plan, g)
	require.Len(t, out.EdgesToAdd, 1)
	assert.Equal(t, "item_iron_sword", out.EdgesToAdd[0].Target)
	assert.Len(t, warnings, 2)
}

func TestValidateMergesDuplicateUpserts(t *testing.T) {
	v := NewValidator(zaptest.NewLogger(t))
	plan := &Plan{
		NodesToUpsert: []NodeUpsert{
			{ID: "player", Type: "character", Attrs: map[string]interface{}{"health": 30}},
			{ID: " player ", Type: "character", Attrs: map[string]interface{}{"level": 4}},
			{ID: "Player", Type: "character", Attrs: map[string]interface{}{"mana": 10}},
		},
	}
	out, _ := v.Validate(plan, nil)
	require.Len(t, out.NodesToUpsert, 1, "case-insensitive duplicate IDs merge")
	n := out.NodesToUpsert[0]
	assert.Equal(t, "player", n.ID)
	assert.Equal(t, 30, n.Attrs["health"])
	assert.Equal(t, 4, n.Attrs["level"])
	assert.Equal(t, 10, n.Attrs["mana"])
}

func TestValidateDropsAllWildcardEdgeDeletes(t *testing.T) {
	v := NewValidator(zaptest.NewLogger(t))
	plan := &Plan{
		EdgesToDelete: []EdgeDelete{
			{Source: "*", Target: "*", Label: "*"},
			{Source: "", Target: "", Label: ""},
			{Source: "*", Target: "item_ring", Label: "equipped_with"},
		},
	}
	out, warnings := v.Validate(plan, nil)
	require.Len(t, out.EdgesToDelete, 1)
	assert.Equal(t, "item_ring", out.EdgesToDelete[0].Target)
	assert.Len(t, warnings, 2)
}

func TestValidateDeduplicates(t *testing.T) {
	g := graph.New(zaptest.NewLogger(t))
	g.UpsertNode("a", graph.TypeCharacter, nil)
	g.UpsertNode("b", graph.TypeCharacter, nil)

	v := NewValidator(zaptest.NewLogger(t))
	plan := &Plan{
		EdgesToAdd: []EdgeAdd{
			{Source: "a", Target: "b", Label: "knows"},
			{Source: "a", Target: "b", Label: "knows"},
		},
		NodesToDelete: []NodeDelete{
			{ID: "a", Mode: DeleteSoft},
			{ID: "a", Mode: DeleteSoft},
		},
		EdgesToDelete: []EdgeDelete{
			{Source: "a", Target: "b", Label: "knows"},
			{Source: "a", Target: "b", Label: "knows"},
		},
	}
	out, _ := v.Validate(plan, g)
	assert.Len(t, out.EdgesToAdd, 1)
	assert.Len(t, out.NodesToDelete, 1)
	assert.Len(t, out.EdgesToDelete, 1)
}

func TestValidateDefaultsDeleteMode(t *testing.T) {
	v := NewValidator(zaptest.NewLogger(t))
	out, _ := v.Validate(&Plan{
		NodesToDelete: []NodeDelete{
			{ID: "a", Mode: "banish"},
			{ID: "b", Mode: DeleteHard},
		},
	}, nil)
	require.Len(t, out.NodesToDelete, 2)
	assert.Equal(t, DeleteSoft, out.NodesToDelete[0].Mode, "unknown modes degrade to soft")
	assert.Equal(t, DeleteHard, out.NodesToDelete[1].Mode)
}

func TestValidateNilPlan(t *testing.T) {
	v := NewValidator(zaptest.NewLogger(t))
	out, warnings := v.Validate(nil, nil)
	require.NotNil(t, out)
	assert.True(t, out.Empty())
	assert.Empty(t, warnings)
}
