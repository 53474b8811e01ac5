package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"
)

// Text renders the graph in the prompt-facing form:
//
//	[Nodes]
//	- id (type: character): { name: Kael, level: 3 }
//	[Relationships]
//	- kael -> iron_sword (equipped_with)
//
// Soft-deleted nodes and their edges are skipped. Output order is
// deterministic.
func (g *Graph) Text() string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	_, _ = buf.WriteString("[Nodes]\n")
	for _, node := range g.Nodes() {
		if node.Deleted {
			continue
		}
		writeNodeLine(buf, node)
	}
	_, _ = buf.WriteString("[Relationships]\n")
	for _, e := range g.Edges() {
		if g.endpointDeleted(e) {
			continue
		}
		_, _ = buf.WriteString("- ")
		_, _ = buf.WriteString(e.Source)
		_, _ = buf.WriteString(" -> ")
		_, _ = buf.WriteString(e.Target)
		_, _ = buf.WriteString(" (")
		_, _ = buf.WriteString(e.Label)
		_, _ = buf.WriteString(")\n")
	}
	return buf.String()
}

func (g *Graph) endpointDeleted(e *Edge) bool {
	if n, ok := g.nodes[e.Source]; ok && n.Deleted {
		return true
	}
	if n, ok := g.nodes[e.Target]; ok && n.Deleted {
		return true
	}
	return false
}

func writeNodeLine(buf *bytebufferpool.ByteBuffer, node *Node) {
	_, _ = buf.WriteString("- ")
	_, _ = buf.WriteString(node.ID)
	_, _ = buf.WriteString(" (type: ")
	_, _ = buf.WriteString(string(node.Type))
	_, _ = buf.WriteString(")")

	pairs := nodeAttrPairs(node)
	if len(pairs) > 0 {
		_, _ = buf.WriteString(": { ")
		_, _ = buf.WriteString(strings.Join(pairs, ", "))
		_, _ = buf.WriteString(" }")
	}
	_, _ = buf.WriteString("\n")
}

func nodeAttrPairs(node *Node) []string {
	var pairs []string
	if node.Name != "" && node.Name != node.ID {
		pairs = append(pairs, "name: "+node.Name)
	}
	if node.Description != "" {
		pairs = append(pairs, "description: "+node.Description)
	}
	for _, key := range sortedAttrKeys(node.Attrs) {
		pairs = append(pairs, key+": "+formatValue(node.Attrs[key]))
	}
	return pairs
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case []string:
		return "[" + strings.Join(t, ", ") + "]"
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, formatValue(item))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("%v", v)
	}
}
