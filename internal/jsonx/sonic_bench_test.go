// Benchmarks comparing Sonic to encoding/json on the payload shapes
// this service actually moves: plan-like operation lists and persisted
// node snapshots.
package jsonx

import (
	"encoding/json"
	"fmt"
	"testing"
)

type benchNode struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Name       string                 `json:"name"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

type benchEdge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	Relationship string `json:"relationship"`
}

type benchSnapshot struct {
	Nodes []benchNode `json:"nodes"`
	Edges []benchEdge `json:"edges"`
}

func buildSnapshot(n int) benchSnapshot {
	var snap benchSnapshot
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("npc_%03d", i)
		snap.Nodes = append(snap.Nodes, benchNode{
			ID:   id,
			Type: "character",
			Name: fmt.Sprintf("NPC %03d", i),
			Attributes: map[string]interface{}{
				"level":  i % 20,
				"health": 100,
				"skills": []string{"parry", "riposte"},
			},
		})
		if i > 0 {
			snap.Edges = append(snap.Edges, benchEdge{
				Source: "npc_000", Target: id, Relationship: "knows",
			})
		}
	}
	return snap
}

func BenchmarkMarshalSnapshot(b *testing.B) {
	snap := buildSnapshot(200)
	b.Run("sonic", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			if _, err := Marshal(snap); err != nil {
				b.Fatal(err)
			}
		}
	})
	b.Run("stdlib", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			if _, err := json.Marshal(snap); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func BenchmarkUnmarshalSnapshot(b *testing.B) {
	data, err := Marshal(buildSnapshot(200))
	if err != nil {
		b.Fatal(err)
	}
	b.Run("sonic", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			var snap benchSnapshot
			if err := Unmarshal(data, &snap); err != nil {
				b.Fatal(err)
			}
		}
	})
	b.Run("stdlib", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			var snap benchSnapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				b.Fatal(err)
			}
		}
	})
}
