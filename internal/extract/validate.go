package extract

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/narrative-memory-engine/internal/graph"
)

// Validator filters a plan down to operations that will commit cleanly:
// trimmed IDs, no dangling edges, no all-wildcard deletes, no
// duplicates. It never errors; a bad plan degrades to a smaller plan
// plus warnings.
type Validator struct {
	logger *zap.Logger
}

// NewValidator returns a plan validator. A nil logger defaults to a nop
// logger.
func NewValidator(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{logger: logger.Named("extract.validate")}
}

// Validate returns a filtered copy of the plan and the warnings for
// everything dropped. g is a read view of the current graph; it is not
// mutated.
func (v *Validator) Validate(plan *Plan, g *graph.Graph) (*Plan, []string) {
	if plan == nil {
		return &Plan{}, nil
	}
	var warnings []string
	out := &Plan{}

	// node IDs visible to edges: current graph plus this plan's upserts
	known := make(map[string]string) // lowercase -> canonical ID
	if g != nil {
		for _, id := range g.NodeIDs() {
			known[strings.ToLower(id)] = id
		}
	}

	seenUpsert := make(map[string]int)
	for _, n := range plan.NodesToUpsert {
		id := strings.TrimSpace(n.ID)
		if id == "" {
			warnings = append(warnings, "dropped node upsert with empty id")
			continue
		}
		n.ID = id
		key := strings.ToLower(id)
		if idx, dup := seenUpsert[key]; dup {
			// merge attributes into the earlier upsert
			prior := &out.NodesToUpsert[idx]
			if prior.Attrs == nil && n.Attrs != nil {
				prior.Attrs = make(map[string]interface{})
			}
			for k, val := range n.Attrs {
				prior.Attrs[k] = val
			}
			continue
		}
		seenUpsert[key] = len(out.NodesToUpsert)
		known[key] = id
		out.NodesToUpsert = append(out.NodesToUpsert, n)
	}

	seenDelete := make(map[string]struct{})
	for _, d := range plan.NodesToDelete {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			warnings = append(warnings, "dropped node delete with empty id")
			continue
		}
		d.ID = id
		key := strings.ToLower(id)
		if _, dup := seenDelete[key]; dup {
			continue
		}
		if d.Mode != DeleteHard {
			d.Mode = DeleteSoft
		}
		seenDelete[key] = struct{}{}
		out.NodesToDelete = append(out.NodesToDelete, d)
	}

	seenEdge := make(map[string]struct{})
	for _, e := range plan.EdgesToAdd {
		e.Source = strings.TrimSpace(e.Source)
		e.Target = strings.TrimSpace(e.Target)
		e.Label = strings.TrimSpace(e.Label)
		if e.Source == "" || e.Target == "" || e.Label == "" {
			warnings = append(warnings, "dropped edge with empty field")
			continue
		}
		if _, ok := known[strings.ToLower(e.Source)]; !ok {
			warnings = append(warnings, fmt.Sprintf("dropped edge %s -> %s (%s): unknown source", e.Source, e.Target, e.Label))
			continue
		}
		if _, ok := known[strings.ToLower(e.Target)]; !ok {
			warnings = append(warnings, fmt.Sprintf("dropped edge %s -> %s (%s): unknown target", e.Source, e.Target, e.Label))
			continue
		}
		key := strings.ToLower(e.Source + "\x00" + e.Target + "\x00" + e.Label)
		if _, dup := seenEdge[key]; dup {
			continue
		}
		seenEdge[key] = struct{}{}
		out.EdgesToAdd = append(out.EdgesToAdd, e)
	}

	seenEdgeDel := make(map[string]struct{})
	for _, d := range plan.EdgesToDelete {
		d.Source = strings.TrimSpace(d.Source)
		d.Target = strings.TrimSpace(d.Target)
		d.Label = strings.TrimSpace(d.Label)
		if isWildcard(d.Source) && isWildcard(d.Target) && isWildcard(d.Label) {
			warnings = append(warnings, "dropped all-wildcard edge delete")
			continue
		}
		key := strings.ToLower(d.Source + "\x00" + d.Target + "\x00" + d.Label)
		if _, dup := seenEdgeDel[key]; dup {
			continue
		}
		seenEdgeDel[key] = struct{}{}
		out.EdgesToDelete = append(out.EdgesToDelete, d)
	}

	if len(warnings) > 0 {
		v.logger.Debug("plan filtered", zap.Strings("warnings", warnings))
	}
	return out, warnings
}

func isWildcard(s string) bool { return s == "" || s == graph.Wildcard }
