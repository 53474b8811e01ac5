package memory

import (
	"time"

	"go.uber.org/zap"

	"github.com/narrative-memory-engine/internal/graph"
)

// Mirror is the flat durable projection of the graph, kept readable by
// external tooling. The Facade is its sole writer, which keeps it from
// drifting away from the in-memory graph.
type Mirror struct {
	Entities      []MirrorEntity       `json:"entities"`
	Relationships []MirrorRelationship `json:"relationships"`
	LastModified  time.Time            `json:"last_modified"`
}

// MirrorEntity is one flattened node.
type MirrorEntity struct {
	Name         string                 `json:"name"`
	Type         string                 `json:"type"`
	Description  string                 `json:"description,omitempty"`
	CreatedTime  time.Time              `json:"created_time"`
	LastModified time.Time              `json:"last_modified"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
}

// MirrorRelationship is one flattened edge.
type MirrorRelationship struct {
	Source       string                 `json:"source"`
	Target       string                 `json:"target"`
	Relationship string                 `json:"relationship"`
	Description  string                 `json:"description,omitempty"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
}

// BuildMirror projects the graph into its flat form. The entity Name
// field carries the node ID; the display name stays in attributes. Soft
// delete markers travel inside attributes so the projection stays
// lossless enough to reboot from.
func BuildMirror(g *graph.Graph) *Mirror {
	m := &Mirror{LastModified: time.Now().UTC()}
	for _, node := range g.Nodes() {
		attrs := make(map[string]interface{}, len(node.Attrs)+4)
		for k, v := range node.Attrs {
			attrs[k] = v
		}
		if node.Name != "" && node.Name != node.ID {
			attrs["name"] = node.Name
		}
		if node.Deleted {
			attrs["_deleted"] = true
			attrs["_deleted_reason"] = node.DeletedReason
			if node.DeletedAt != nil {
				attrs["_deleted_at"] = node.DeletedAt.Format(time.RFC3339Nano)
			}
		}
		m.Entities = append(m.Entities, MirrorEntity{
			Name:         node.ID,
			Type:         string(node.Type),
			Description:  node.Description,
			CreatedTime:  node.CreatedAt,
			LastModified: node.LastModified,
			Attributes:   attrs,
		})
	}
	for _, e := range g.Edges() {
		m.Relationships = append(m.Relationships, MirrorRelationship{
			Source:       e.Source,
			Target:       e.Target,
			Relationship: e.Label,
			Attributes:   e.Attrs,
		})
	}
	return m
}

// RestoreFromMirror rebuilds a graph from the flat projection. Unknown
// attribute keys are preserved; a relationship with a missing endpoint
// is dropped with a warning, everything else loads.
func RestoreFromMirror(m *Mirror, logger *zap.Logger) *graph.Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := graph.New(logger)
	for _, ent := range m.Entities {
		if ent.Name == "" {
			continue
		}
		attrs := make(map[string]interface{}, len(ent.Attributes))
		var deleted bool
		var deletedReason string
		for k, v := range ent.Attributes {
			switch k {
			case "_deleted":
				deleted, _ = v.(bool)
			case "_deleted_reason":
				deletedReason, _ = v.(string)
			case "_deleted_at":
				// recomputed below from the marker pair
			default:
				attrs[k] = v
			}
		}
		attrs["description"] = ent.Description
		node := g.UpsertNode(ent.Name, graph.ParseNodeType(ent.Type), attrs)
		node.CreatedAt = ent.CreatedTime
		node.LastModified = ent.LastModified
		if deleted {
			_ = g.MarkDeleted(ent.Name, deletedReason)
			if raw, ok := ent.Attributes["_deleted_at"].(string); ok {
				if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
					if n, ok := g.GetNode(ent.Name); ok {
						n.DeletedAt = &ts
					}
				}
			}
		}
	}
	for _, rel := range m.Relationships {
		if err := g.AddEdge(rel.Source, rel.Target, rel.Relationship, rel.Attributes); err != nil {
			logger.Warn("dropping mirrored relationship with missing endpoint",
				zap.String("source", rel.Source),
				zap.String("target", rel.Target),
				zap.String("relationship", rel.Relationship))
		}
	}
	return g
}
