package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/narrative-memory-engine/internal/graph"
)

func findUpsert(p *Plan, id string) *NodeUpsert {
	for i := range p.NodesToUpsert {
		if p.NodesToUpsert[i].ID == id {
			return &p.NodesToUpsert[i]
		}
	}
	return nil
}

func TestSlugAndEntityID(t *testing.T) {
	assert.Equal(t, "iron_sword", Slug("the Iron Sword"))
	assert.Equal(t, "player", Slug("You"))
	assert.Equal(t, "item_iron_sword", EntityID("Iron Sword", graph.TypeItem))
	assert.Equal(t, "silver_guild", Slug("The Silver Guild"))
	assert.Equal(t, "player", EntityID("you", graph.TypeCharacter), "self aliases never get a prefix")
}

func TestRuleExtractorCharactersAndItems(t *testing.T) {
	r := NewRuleExtractor(zaptest.NewLogger(t))
	plan, err := r.Analyze(context.Background(), Input{
		UserText:      "Kael is a level 3 elf warrior.",
		AssistantText: "Kael equips the +2 iron sword and drinks a healing potion.",
	})
	require.NoError(t, err)

	kael := findUpsert(plan, "kael")
	require.NotNil(t, kael)
	assert.Equal(t, "character", kael.Type)
	assert.Equal(t, "Kael", kael.Attrs["name"])
	assert.Equal(t, 3, kael.Attrs["level"])
	assert.Equal(t, "elf", kael.Attrs["race"])
	assert.Equal(t, "warrior", kael.Attrs["class"])

	sword := findUpsert(plan, "item_iron_sword")
	require.NotNil(t, sword)
	assert.Equal(t, 2, sword.Attrs["enhancement_level"])

	potion := findUpsert(plan, "item_healing_potion")
	require.NotNil(t, potion)

	var equipped bool
	for _, e := range plan.EdgesToAdd {
		if e.Source == "kael" && e.Target == "item_iron_sword" && e.Label == "equipped_with" {
			equipped = true
		}
	}
	assert.True(t, equipped, "equip phrasing yields an equipped_with edge")
}

func TestRuleExtractorDeltasAttachToPlayer(t *testing.T) {
	r := NewRuleExtractor(zaptest.NewLogger(t))
	plan, err := r.Analyze(context.Background(), Input{
		UserText:      "I drink the tonic.",
		AssistantText: "You recover 30 health and gain 50 experience. You reach level 4.",
	})
	require.NoError(t, err)

	var health, experience, level bool
	for _, n := range plan.NodesToUpsert {
		if n.ID != PlayerNodeID {
			continue
		}
		if v, ok := n.Attrs["health"]; ok && v == 30 {
			health = true
		}
		if v, ok := n.Attrs["experience"]; ok && v == 50 {
			experience = true
		}
		if v, ok := n.Attrs["level"]; ok && v == 4 {
			level = true
		}
	}
	assert.True(t, health)
	assert.True(t, experience)
	assert.True(t, level)
}

func TestRuleExtractorRelationsAndLocations(t *testing.T) {
	r := NewRuleExtractor(zaptest.NewLogger(t))
	plan, err := r.Analyze(context.Background(), Input{
		UserText:      "We head for the harbor town.",
		AssistantText: "Mira joined the Silver Guild. Varn guards the old temple. Mira attacked Varn.",
	})
	require.NoError(t, err)

	require.NotNil(t, findUpsert(plan, "location_harbor_town"))
	require.NotNil(t, findUpsert(plan, "organization_silver_guild"))

	want := map[string]bool{
		"mira|organization_silver_guild|member_of": false,
		"varn|location_old_temple|guards":          false,
		"mira|varn|hostile_to":                     false,
	}
	for _, e := range plan.EdgesToAdd {
		key := e.Source + "|" + e.Target + "|" + e.Label
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for key, seen := range want {
		assert.True(t, seen, key)
	}
}

func TestRuleExtractorDeletionEvents(t *testing.T) {
	r := NewRuleExtractor(zaptest.NewLogger(t))
	plan, err := r.Analyze(context.Background(), Input{
		UserText:      "What happened after the fight?",
		AssistantText: "Varn died in the ambush. You lost the iron sword. Mira left the Silver Guild.",
	})
	require.NoError(t, err)

	var softVarn, hardSword bool
	for _, d := range plan.NodesToDelete {
		if d.ID == "varn" && d.Mode == DeleteSoft {
			softVarn = true
		}
		if d.ID == "item_iron_sword" && d.Mode == DeleteHard {
			hardSword = true
		}
	}
	assert.True(t, softVarn, "character death soft-deletes")
	assert.True(t, hardSword, "item loss hard-deletes")

	var membership bool
	for _, d := range plan.EdgesToDelete {
		if d.Source == "mira" && d.Target == "organization_silver_guild" && d.Label == "member_of" {
			membership = true
		}
	}
	assert.True(t, membership)
}

func TestRuleExtractorStolenItemRemovesOwnership(t *testing.T) {
	r := NewRuleExtractor(zaptest.NewLogger(t))
	plan, err := r.Analyze(context.Background(), Input{
		AssistantText: "The silver amulet was stolen during the night.",
	})
	require.NoError(t, err)

	require.Len(t, plan.EdgesToDelete, 1)
	d := plan.EdgesToDelete[0]
	assert.Equal(t, graph.Wildcard, d.Source)
	assert.Equal(t, "item_silver_amulet", d.Target)
	assert.Equal(t, "equipped_with", d.Label)
	assert.Empty(t, plan.NodesToDelete, "stolen items keep their node")
}

func TestRuleExtractorChitchat(t *testing.T) {
	r := NewRuleExtractor(zaptest.NewLogger(t))
	plan, err := r.Analyze(context.Background(), Input{
		UserText:      "hello!",
		AssistantText: "Good evening.",
	})
	require.NoError(t, err)
	assert.True(t, plan.Empty())
}
