package graph

import "sort"

// Subgraph returns the ego-graph union around the seed IDs: BFS up to
// depth hops following edges in either direction. Soft-deleted nodes are
// excluded and never traversed through. Edges are included when both
// endpoints made it into the subgraph.
func (g *Graph) Subgraph(seedIDs []string, depth int) *Graph {
	sub := New(g.logger)
	if depth < 0 {
		depth = 0
	}

	included := make(map[string]struct{})
	frontier := make([]string, 0, len(seedIDs))
	for _, id := range seedIDs {
		node, ok := g.nodes[id]
		if !ok || node.Deleted {
			continue
		}
		if _, seen := included[id]; seen {
			continue
		}
		included[id] = struct{}{}
		frontier = append(frontier, id)
	}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			for _, nb := range g.neighbors(id) {
				if _, seen := included[nb]; seen {
					continue
				}
				included[nb] = struct{}{}
				next = append(next, nb)
			}
		}
		frontier = next
	}

	for id := range included {
		src := g.nodes[id]
		cp := *src
		cp.Attrs = cloneAttrs(src.Attrs)
		sub.nodes[cp.ID] = &cp
	}
	for _, e := range g.Edges() {
		if _, ok := included[e.Source]; !ok {
			continue
		}
		if _, ok := included[e.Target]; !ok {
			continue
		}
		_ = sub.AddEdge(e.Source, e.Target, e.Label, e.Attrs)
	}
	return sub
}

// neighbors returns non-deleted nodes one hop from id in either
// direction, sorted.
func (g *Graph) neighbors(id string) []string {
	set := make(map[string]struct{})
	for dst := range g.out[id] {
		set[dst] = struct{}{}
	}
	for src := range g.in[id] {
		set[src] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for nb := range set {
		if node, ok := g.nodes[nb]; ok && !node.Deleted {
			out = append(out, nb)
		}
	}
	sort.Strings(out)
	return out
}
