// Package graph implements the session knowledge graph: a typed directed
// multigraph with attributed nodes and labeled edges. The graph is the
// sole owner of node and edge state; callers above it (the memory facade)
// serialize access per session.
package graph

import (
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a node referenced by ID does not exist.
	ErrNotFound = errors.New("graph: node not found")
	// ErrMissingEndpoint is returned by AddEdge when either endpoint is absent.
	ErrMissingEndpoint = errors.New("graph: edge endpoint not found")
	// ErrAllWildcard rejects edge deletions that match everything.
	ErrAllWildcard = errors.New("graph: edge deletion requires at least one concrete field")
)

// NodeType is the closed entity tag set. Unknown strings normalize to
// TypeUnknown rather than failing.
type NodeType string

const (
	TypeCharacter    NodeType = "character"
	TypeLocation     NodeType = "location"
	TypeItem         NodeType = "item"
	TypeEvent        NodeType = "event"
	TypeConcept      NodeType = "concept"
	TypeSkill        NodeType = "skill"
	TypeOrganization NodeType = "organization"
	TypeUnknown      NodeType = "unknown"
)

// ParseNodeType maps an arbitrary string onto the closed tag set.
func ParseNodeType(s string) NodeType {
	switch t := NodeType(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeCharacter, TypeLocation, TypeItem, TypeEvent, TypeConcept, TypeSkill, TypeOrganization:
		return t
	default:
		return TypeUnknown
	}
}

// Node is an attributed entity. Attrs holds open domain attributes
// (scalars, strings, numbers, string lists); Name and Description are
// lifted out of Attrs because every consumer needs them.
type Node struct {
	ID           string                 `json:"id"`
	Type         NodeType               `json:"type"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	LastModified time.Time              `json:"last_modified"`
	Attrs        map[string]interface{} `json:"attributes,omitempty"`

	Deleted       bool       `json:"deleted,omitempty"`
	DeletedReason string     `json:"deleted_reason,omitempty"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// Edge is a directed labeled relationship. Parallel edges between the
// same ordered pair are allowed when their Label differs.
type Edge struct {
	Source string                 `json:"source"`
	Target string                 `json:"target"`
	Label  string                 `json:"relationship"`
	Attrs  map[string]interface{} `json:"attributes,omitempty"`
}

// Graph is not safe for concurrent use; the owning session's facade
// holds the lock.
type Graph struct {
	nodes map[string]*Node
	// out[src][dst][label], in[dst][src][label]
	out map[string]map[string]map[string]*Edge
	in  map[string]map[string]map[string]*Edge

	edgeCount int
	// generation increments on every mutation, used as a cache key
	// component by the context cache.
	generation uint64

	logger *zap.Logger
}

// New returns an empty graph. A nil logger defaults to a nop logger.
func New(logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		nodes:  make(map[string]*Node),
		out:    make(map[string]map[string]map[string]*Edge),
		in:     make(map[string]map[string]map[string]*Edge),
		logger: logger.Named("graph"),
	}
}

// Generation returns a counter that changes on every mutation.
func (g *Graph) Generation() uint64 { return g.generation }

func (g *Graph) touch() { g.generation++ }

// NodeCount includes soft-deleted nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// ActiveNodeCount excludes soft-deleted nodes.
func (g *Graph) ActiveNodeCount() int {
	n := 0
	for _, node := range g.nodes {
		if !node.Deleted {
			n++
		}
	}
	return n
}

// EdgeCount returns the number of edges, counting parallels.
func (g *Graph) EdgeCount() int { return g.edgeCount }

// GetNode returns the node and whether it exists. Soft-deleted nodes are
// returned; callers filter where it matters.
func (g *Graph) GetNode(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// HasNode reports whether id exists, deleted or not.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// NodeIDs returns all node IDs in sorted order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Nodes returns all nodes ordered by ID.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, id := range g.NodeIDs() {
		out = append(out, g.nodes[id])
	}
	return out
}

// Edges returns all edges ordered by (source, target, label).
func (g *Graph) Edges() []*Edge {
	out := make([]*Edge, 0, g.edgeCount)
	for _, src := range sortedKeys(g.out) {
		byDst := g.out[src]
		for _, dst := range sortedKeys(byDst) {
			byLabel := byDst[dst]
			for _, label := range sortedKeys(byLabel) {
				out = append(out, byLabel[label])
			}
		}
	}
	return out
}

// UpsertNode inserts id with created_at=now, or merges attrs into the
// existing node through conflict resolution and bumps last_modified.
// Upserting a soft-deleted node revives it.
func (g *Graph) UpsertNode(id string, typ NodeType, attrs map[string]interface{}) *Node {
	now := time.Now().UTC()
	node, ok := g.nodes[id]
	if !ok {
		node = &Node{
			ID:           id,
			Type:         typ,
			Name:         id,
			CreatedAt:    now,
			LastModified: now,
			Attrs:        make(map[string]interface{}),
		}
		g.nodes[id] = node
		g.logger.Debug("node created", zap.String("id", id), zap.String("type", string(typ)))
	} else {
		node.LastModified = now
		if node.Deleted {
			node.Deleted = false
			node.DeletedReason = ""
			node.DeletedAt = nil
			g.logger.Info("soft-deleted node revived", zap.String("id", id))
		}
		if typ != TypeUnknown && node.Type == TypeUnknown {
			node.Type = typ
		}
	}
	g.mergeAttrs(node, attrs)
	g.touch()
	return node
}

func (g *Graph) mergeAttrs(node *Node, attrs map[string]interface{}) {
	for _, key := range sortedAttrKeys(attrs) {
		val := attrs[key]
		switch key {
		case "name":
			if s, ok := val.(string); ok && s != "" {
				node.Name = s
			}
		case "description":
			if s, ok := val.(string); ok && s != "" {
				node.Description = s
			}
		case "type":
			// type travels in its own field
		default:
			old, had := node.Attrs[key]
			resolved := resolveAttribute(key, old, val, node.Attrs)
			if had && key != "" {
				if isEpisodicKey(key) && !equalValues(old, resolved) {
					g.logger.Info("attribute overwritten",
						zap.String("node", node.ID),
						zap.String("key", key),
						zap.Any("old", old),
						zap.Any("new", resolved))
				}
			}
			node.Attrs[key] = resolved
		}
	}
}

// AddEdge requires both endpoints to exist. Duplicate (src, dst, label)
// is idempotent with last-write-wins on attributes.
func (g *Graph) AddEdge(src, dst, label string, attrs map[string]interface{}) error {
	if !g.HasNode(src) || !g.HasNode(dst) {
		return ErrMissingEndpoint
	}
	if existing := g.lookupEdge(src, dst, label); existing != nil {
		existing.Attrs = cloneAttrs(attrs)
		g.touch()
		return nil
	}
	e := &Edge{Source: src, Target: dst, Label: label, Attrs: cloneAttrs(attrs)}
	insertEdge(g.out, src, dst, label, e)
	insertEdge(g.in, dst, src, label, e)
	g.edgeCount++
	g.touch()
	return nil
}

func (g *Graph) lookupEdge(src, dst, label string) *Edge {
	if byDst, ok := g.out[src]; ok {
		if byLabel, ok := byDst[dst]; ok {
			return byLabel[label]
		}
	}
	return nil
}

func insertEdge(m map[string]map[string]map[string]*Edge, a, b, label string, e *Edge) {
	byB, ok := m[a]
	if !ok {
		byB = make(map[string]map[string]*Edge)
		m[a] = byB
	}
	byLabel, ok := byB[b]
	if !ok {
		byLabel = make(map[string]*Edge)
		byB[b] = byLabel
	}
	byLabel[label] = e
}

// DeleteNode hard-deletes the node and all incident edges.
func (g *Graph) DeleteNode(id string) error {
	if !g.HasNode(id) {
		return ErrNotFound
	}
	g.removeIncidentEdges(id)
	delete(g.nodes, id)
	g.touch()
	g.logger.Info("node hard-deleted", zap.String("id", id))
	return nil
}

func (g *Graph) removeIncidentEdges(id string) {
	for dst, byLabel := range g.out[id] {
		n := len(byLabel)
		g.edgeCount -= n
		if byDst, ok := g.in[dst]; ok {
			delete(byDst, id)
			if len(byDst) == 0 {
				delete(g.in, dst)
			}
		}
	}
	delete(g.out, id)
	for src, byLabel := range g.in[id] {
		n := len(byLabel)
		g.edgeCount -= n
		if byDst, ok := g.out[src]; ok {
			delete(byDst, id)
			if len(byDst) == 0 {
				delete(g.out, src)
			}
		}
	}
	delete(g.in, id)
}

// MarkDeleted soft-deletes: sets markers only, edges stay.
func (g *Graph) MarkDeleted(id, reason string) error {
	node, ok := g.nodes[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	node.Deleted = true
	node.DeletedReason = reason
	node.DeletedAt = &now
	node.LastModified = now
	g.touch()
	g.logger.Info("node soft-deleted", zap.String("id", id), zap.String("reason", reason))
	return nil
}

// DeleteEdge removes edges from src to dst. Empty label removes all
// parallels for the pair. Returns the number removed.
func (g *Graph) DeleteEdge(src, dst, label string) int {
	byDst, ok := g.out[src]
	if !ok {
		return 0
	}
	byLabel, ok := byDst[dst]
	if !ok {
		return 0
	}
	removed := 0
	if label == "" {
		removed = len(byLabel)
		delete(byDst, dst)
	} else {
		if _, ok := byLabel[label]; !ok {
			return 0
		}
		delete(byLabel, label)
		removed = 1
		if len(byLabel) == 0 {
			delete(byDst, dst)
		}
	}
	if len(byDst) == 0 {
		delete(g.out, src)
	}
	g.pruneIn(dst, src, label)
	g.edgeCount -= removed
	g.touch()
	return removed
}

func (g *Graph) pruneIn(dst, src, label string) {
	bySrc, ok := g.in[dst]
	if !ok {
		return
	}
	byLabel, ok := bySrc[src]
	if !ok {
		return
	}
	if label == "" {
		delete(bySrc, src)
	} else {
		delete(byLabel, label)
		if len(byLabel) == 0 {
			delete(bySrc, src)
		}
	}
	if len(bySrc) == 0 {
		delete(g.in, dst)
	}
}

// Wildcard is the match-any marker in edge deletion patterns.
const Wildcard = "*"

// EdgePattern selects edges for DeleteEdgesMatching. Empty string and
// Wildcard both mean match-any.
type EdgePattern struct {
	Source string
	Target string
	Label  string
}

func (p EdgePattern) allWild() bool {
	return isWild(p.Source) && isWild(p.Target) && isWild(p.Label)
}

func isWild(s string) bool { return s == "" || s == Wildcard }

func matchField(pattern, value string) bool {
	return isWild(pattern) || pattern == value
}

// DeleteEdgesMatching removes every edge matching the pattern. At least
// one field must be concrete.
func (g *Graph) DeleteEdgesMatching(p EdgePattern) (int, error) {
	if p.allWild() {
		return 0, ErrAllWildcard
	}
	type key struct{ src, dst, label string }
	var hits []key
	for src, byDst := range g.out {
		if !matchField(p.Source, src) {
			continue
		}
		for dst, byLabel := range byDst {
			if !matchField(p.Target, dst) {
				continue
			}
			for label := range byLabel {
				if matchField(p.Label, label) {
					hits = append(hits, key{src, dst, label})
				}
			}
		}
	}
	for _, h := range hits {
		g.DeleteEdge(h.src, h.dst, h.label)
	}
	return len(hits), nil
}

// OutEdges returns edges leaving id ordered by (target, label).
func (g *Graph) OutEdges(id string) []*Edge {
	var out []*Edge
	byDst := g.out[id]
	for _, dst := range sortedKeys(byDst) {
		byLabel := byDst[dst]
		for _, label := range sortedKeys(byLabel) {
			out = append(out, byLabel[label])
		}
	}
	return out
}

// InEdges returns edges arriving at id ordered by (source, label).
func (g *Graph) InEdges(id string) []*Edge {
	var out []*Edge
	bySrc := g.in[id]
	for _, src := range sortedKeys(bySrc) {
		byLabel := bySrc[src]
		for _, label := range sortedKeys(byLabel) {
			out = append(out, byLabel[label])
		}
	}
	return out
}

// CleanupDeleted hard-removes soft-deleted nodes whose deletion is older
// than the threshold. Returns the number removed.
func (g *Graph) CleanupDeleted(olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan)
	var victims []string
	for id, node := range g.nodes {
		if node.Deleted && node.DeletedAt != nil && node.DeletedAt.Before(cutoff) {
			victims = append(victims, id)
		}
	}
	sort.Strings(victims)
	for _, id := range victims {
		_ = g.DeleteNode(id)
	}
	if len(victims) > 0 {
		g.logger.Info("compacted soft-deleted nodes", zap.Int("removed", len(victims)))
	}
	return len(victims)
}

// Clone returns an independent deep copy, used for lock-free read
// views. The generation counter carries over.
func (g *Graph) Clone() *Graph {
	ng := New(nil)
	ng.logger = g.logger
	for id, node := range g.nodes {
		cp := *node
		cp.Attrs = cloneAttrs(node.Attrs)
		if cp.Attrs == nil {
			cp.Attrs = make(map[string]interface{})
		}
		ng.nodes[id] = &cp
	}
	for _, e := range g.Edges() {
		_ = ng.AddEdge(e.Source, e.Target, e.Label, e.Attrs)
	}
	ng.generation = g.generation
	return ng
}

// Clear drops every node and edge.
func (g *Graph) Clear() {
	g.nodes = make(map[string]*Node)
	g.out = make(map[string]map[string]map[string]*Edge)
	g.in = make(map[string]map[string]map[string]*Edge)
	g.edgeCount = 0
	g.touch()
}

// SearchNodes returns non-deleted nodes whose ID, name, description or
// string attribute values contain the query, case-insensitive, ordered
// by ID. Used as the fallback behind the bleve index.
func (g *Graph) SearchNodes(query string) []*Node {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	var out []*Node
	for _, node := range g.Nodes() {
		if node.Deleted {
			continue
		}
		if nodeMatches(node, q) {
			out = append(out, node)
		}
	}
	return out
}

func nodeMatches(node *Node, q string) bool {
	if strings.Contains(strings.ToLower(node.ID), q) ||
		strings.Contains(strings.ToLower(node.Name), q) ||
		strings.Contains(strings.ToLower(node.Description), q) {
		return true
	}
	for _, v := range node.Attrs {
		switch t := v.(type) {
		case string:
			if strings.Contains(strings.ToLower(t), q) {
				return true
			}
		case []string:
			for _, s := range t {
				if strings.Contains(strings.ToLower(s), q) {
					return true
				}
			}
		case []interface{}:
			for _, item := range t {
				if s, ok := item.(string); ok && strings.Contains(strings.ToLower(s), q) {
					return true
				}
			}
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedAttrKeys(m map[string]interface{}) []string {
	return sortedKeys(m)
}

func cloneAttrs(attrs map[string]interface{}) map[string]interface{} {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
