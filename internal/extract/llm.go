package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/narrative-memory-engine/internal/graph"
	"github.com/narrative-memory-engine/internal/jsonx"
)

// Completer is the single LLM capability the extractor needs.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// LLMExtractor asks a model for an update plan and falls back to the
// rule extractor on any failure: timeout, transport error, or a reply
// that does not parse into a plan.
type LLMExtractor struct {
	client   Completer
	fallback Extractor
	timeout  time.Duration
	logger   *zap.Logger
}

// NewLLMExtractor wires the model client over the rule fallback. A zero
// timeout disables the per-call deadline.
func NewLLMExtractor(client Completer, fallback Extractor, timeout time.Duration, logger *zap.Logger) *LLMExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMExtractor{
		client:   client,
		fallback: fallback,
		timeout:  timeout,
		logger:   logger.Named("extract.llm"),
	}
}

// Analyze implements Extractor.
func (e *LLMExtractor) Analyze(ctx context.Context, in Input) (*Plan, error) {
	if IsChitchat(in.UserText, in.AssistantText) {
		return &Plan{}, nil
	}
	plan, err := e.analyzeWithModel(ctx, in)
	if err != nil {
		e.logger.Warn("model analysis failed, falling back to rules", zap.Error(err))
		if e.fallback != nil {
			return e.fallback.Analyze(ctx, in)
		}
		return &Plan{}, nil
	}
	e.augment(plan, in.Graph)
	return plan, nil
}

func (e *LLMExtractor) analyzeWithModel(ctx context.Context, in Input) (*Plan, error) {
	if e.client == nil {
		return nil, fmt.Errorf("no completion client")
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	prompt := buildAnalysisPrompt(in)
	raw, err := e.client.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("completion: %w", err)
	}
	plan, err := ParsePlanText(raw)
	if err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return plan, nil
}

func buildAnalysisPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("You maintain the long-term memory of an interactive story as a knowledge graph.\n")
	b.WriteString("Analyze the conversation turn below and produce the graph updates it implies.\n\n")
	b.WriteString("Answer with a single JSON object in exactly this schema (empty arrays are fine):\n")
	b.WriteString(`{"nodes_to_upsert":[{"node_id":"","type":"character|location|item|event|concept|skill|organization|unknown","attributes":{}}],` + "\n")
	b.WriteString(`"edges_to_add":[{"source":"","target":"","relationship":""}],` + "\n")
	b.WriteString(`"nodes_to_delete":[{"node_id":"","mode":"soft|hard","reason":""}],` + "\n")
	b.WriteString(`"edges_to_delete":[{"source":"","target":"","relationship":"","reason":""}]}` + "\n\n")
	b.WriteString("Use lowercase snake_case node IDs. Soft-delete characters that die; hard-delete destroyed items.\n\n")

	if view := relevantGraphView(in); view != "" {
		b.WriteString("Current relevant graph state:\n")
		b.WriteString(view)
		b.WriteString("\n")
	}
	if in.RecentContext != "" {
		b.WriteString("Recent conversation context:\n")
		b.WriteString(in.RecentContext)
		b.WriteString("\n\n")
	}
	b.WriteString("Turn to analyze:\n")
	b.WriteString("user: " + in.UserText + "\n")
	b.WriteString("assistant: " + in.AssistantText + "\n\n")
	b.WriteString("JSON only, no commentary.")
	return b.String()
}

// relevantGraphView renders the subgraph around nodes whose ID or name
// tokens appear in the turn text, keeping the prompt compact.
func relevantGraphView(in Input) string {
	if in.Graph == nil || in.Graph.NodeCount() == 0 {
		return ""
	}
	text := strings.ToLower(in.UserText + " " + in.AssistantText)
	var seeds []string
	for _, node := range in.Graph.Nodes() {
		if node.Deleted {
			continue
		}
		if containsToken(text, node.Name) || containsToken(text, strings.ReplaceAll(node.ID, "_", " ")) {
			seeds = append(seeds, node.ID)
		}
	}
	if len(seeds) == 0 {
		return ""
	}
	return in.Graph.Subgraph(seeds, 1).Text()
}

func containsToken(text, token string) bool {
	token = strings.ToLower(strings.TrimSpace(token))
	if len(token) < 3 {
		return false
	}
	return strings.Contains(text, token)
}

// ParsePlanText parses a model reply into a plan, tolerating code
// fences and surrounding prose.
func ParsePlanText(raw string) (*Plan, error) {
	payload := extractJSONObject(raw)
	if payload == "" {
		return nil, fmt.Errorf("no JSON object in reply")
	}
	var plan Plan
	if err := jsonx.UnmarshalFromString(payload, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// extractJSONObject returns the outermost {...} span of the text, after
// stripping markdown fences.
func extractJSONObject(raw string) string {
	s := strings.TrimSpace(raw)
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// worldDefaults carries species-typical and category-typical attributes
// the model reply usually omits.
var (
	raceDefaults = map[string]map[string]interface{}{
		"elf":      {"lifespan": "long", "affinity": "magic"},
		"dwarf":    {"lifespan": "long", "affinity": "crafting"},
		"human":    {"lifespan": "normal", "affinity": "versatile"},
		"orc":      {"lifespan": "normal", "affinity": "strength"},
		"halfling": {"lifespan": "normal", "affinity": "stealth"},
		"undead":   {"lifespan": "unnatural", "affinity": "necromancy"},
	}

	itemCategoryBySuffix = []struct {
		suffix   string
		category string
	}{
		{"sword", "weapon"}, {"blade", "weapon"}, {"axe", "weapon"},
		{"hammer", "weapon"}, {"bow", "weapon"}, {"staff", "weapon"},
		{"wand", "weapon"}, {"dagger", "weapon"}, {"spear", "weapon"},
		{"armor", "armor"}, {"armour", "armor"}, {"helmet", "armor"},
		{"shield", "armor"}, {"boots", "armor"}, {"cloak", "armor"},
		{"ring", "accessory"}, {"amulet", "accessory"},
		{"potion", "consumable"}, {"elixir", "consumable"},
		{"scroll", "consumable"}, {"tonic", "consumable"},
	}
)

// augment fills world-aware defaults and creates placeholder nodes for
// edge endpoints that exist neither in the graph nor in the plan, so
// validation keeps valid-but-new relations.
func (e *LLMExtractor) augment(plan *Plan, g *graph.Graph) {
	for i := range plan.NodesToUpsert {
		n := &plan.NodesToUpsert[i]
		if n.Attrs == nil {
			n.Attrs = make(map[string]interface{})
		}
		switch graph.ParseNodeType(n.Type) {
		case graph.TypeCharacter:
			race, _ := n.Attrs["race"].(string)
			if defaults, ok := raceDefaults[strings.ToLower(race)]; ok {
				for k, v := range defaults {
					if _, present := n.Attrs[k]; !present {
						n.Attrs[k] = v
					}
				}
			}
		case graph.TypeItem:
			if _, present := n.Attrs["category"]; !present {
				if cat := inferItemCategory(n.ID); cat != "" {
					n.Attrs["category"] = cat
				}
			}
		}
	}

	planned := make(map[string]struct{}, len(plan.NodesToUpsert))
	for _, n := range plan.NodesToUpsert {
		planned[strings.ToLower(n.ID)] = struct{}{}
	}
	for _, edge := range plan.EdgesToAdd {
		for _, id := range []string{edge.Source, edge.Target} {
			key := strings.ToLower(strings.TrimSpace(id))
			if key == "" {
				continue
			}
			if _, ok := planned[key]; ok {
				continue
			}
			if g != nil && g.HasNode(id) {
				continue
			}
			planned[key] = struct{}{}
			plan.NodesToUpsert = append(plan.NodesToUpsert, NodeUpsert{
				ID:    id,
				Type:  string(inferNodeType(id)),
				Attrs: map[string]interface{}{"placeholder": true},
			})
			e.logger.Debug("created placeholder node", zap.String("id", id))
		}
	}
}

func inferItemCategory(id string) string {
	lower := strings.ToLower(id)
	for _, entry := range itemCategoryBySuffix {
		if strings.Contains(lower, entry.suffix) {
			return entry.category
		}
	}
	return ""
}

// inferNodeType guesses a type for a placeholder from ID keywords, the
// same heuristics the rule extractor bakes into its ID prefixes.
func inferNodeType(id string) graph.NodeType {
	lower := strings.ToLower(id)
	for _, typ := range []graph.NodeType{
		graph.TypeCharacter, graph.TypeLocation, graph.TypeItem,
		graph.TypeEvent, graph.TypeConcept, graph.TypeSkill, graph.TypeOrganization,
	} {
		if strings.HasPrefix(lower, string(typ)+"_") {
			return typ
		}
	}
	if inferItemCategory(lower) != "" {
		return graph.TypeItem
	}
	for _, kw := range []string{"town", "city", "village", "forest", "castle", "tavern", "dungeon", "temple", "harbor"} {
		if strings.Contains(lower, kw) {
			return graph.TypeLocation
		}
	}
	for _, kw := range []string{"guild", "order", "clan", "alliance", "church", "legion"} {
		if strings.Contains(lower, kw) {
			return graph.TypeOrganization
		}
	}
	return graph.TypeUnknown
}
