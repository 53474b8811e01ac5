package graph

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/narrative-memory-engine/internal/jsonx"
)

type serializedGraph struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

// Serialize returns a lossless JSON form of the graph: nodes, edges,
// attributes, timestamps and soft-delete markers.
func (g *Graph) Serialize() ([]byte, error) {
	doc := serializedGraph{Nodes: g.Nodes(), Edges: g.Edges()}
	data, err := jsonx.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serialize graph: %w", err)
	}
	return data, nil
}

// Parse replaces the graph contents with the serialized form. On a
// malformed document the graph is left empty and the error is returned;
// callers treat that as "start fresh" with a warning. Edges whose
// endpoints did not load are dropped individually.
func (g *Graph) Parse(data []byte) error {
	g.Clear()
	var doc serializedGraph
	if err := jsonx.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse graph: %w", err)
	}
	for _, node := range doc.Nodes {
		if node == nil || node.ID == "" {
			continue
		}
		if node.Attrs == nil {
			node.Attrs = make(map[string]interface{})
		}
		if node.Name == "" {
			node.Name = node.ID
		}
		if node.Type == "" {
			node.Type = TypeUnknown
		}
		g.nodes[node.ID] = node
	}
	for _, e := range doc.Edges {
		if e == nil {
			continue
		}
		if err := g.AddEdge(e.Source, e.Target, e.Label, e.Attrs); err != nil {
			g.logger.Warn("dropping edge with missing endpoint",
				zap.String("source", e.Source),
				zap.String("target", e.Target),
				zap.String("label", e.Label))
		}
	}
	g.touch()
	return nil
}
