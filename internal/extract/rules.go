package extract

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/narrative-memory-engine/internal/graph"
)

// PlayerNodeID is the fixed self-node numeric deltas and skill edges
// attach to. Subject resolution is deliberately out of scope; chat-host
// transcripts rarely name the speaking character explicitly.
const PlayerNodeID = "player"

const (
	weaponSuffix     = `(?:sword|blade|axe|hammer|mace|bow|crossbow|staff|wand|dagger|spear|lance)`
	armorSuffix      = `(?:armor|armour|helmet|shield|breastplate|boots|gauntlets|ring|amulet|cloak)`
	consumableSuffix = `(?:potion|elixir|scroll|tonic|antidote|poison)`
	itemSuffix       = `(?:sword|blade|axe|hammer|mace|bow|crossbow|staff|wand|dagger|spear|lance|armor|armour|helmet|shield|breastplate|boots|gauntlets|ring|amulet|cloak|potion|elixir|scroll|tonic|antidote|poison)`
	locationSuffix   = `(?:town|village|city|dungeon|labyrinth|forest|woods|mountains?|desert|cave|cavern|temple|ruins|fortress|castle|tavern|inn|shop|smithy|tower|keep|harbor|harbour)`
	orgSuffix        = `(?:guild|order|legion|alliance|church|company|brotherhood|sisterhood|clan|faction|cult)`

	namePattern = `([A-Z][\w']*)`
	article     = `(?:an? |the |his |her |their )?`
)

type entityPattern struct {
	re  *regexp.Regexp
	typ graph.NodeType
}

var (
	characterRe = regexp.MustCompile(`(?i)\b([a-z][\w']*) is (?:an? )?(?:level (\d+) )?(?:(elf|elven|dwarf|dwarven|human|orc|orcish|goblin|halfling|gnome|undead) )?(warrior|mage|wizard|sorcerer|thief|rogue|priest|cleric|knight|paladin|archer|ranger|assassin|druid|bard|monk)\b`)

	itemPatterns = []entityPattern{
		{regexp.MustCompile(`(?i)\b(?:equips?|equipped|wields?|wielded|wielding|draws|drew|carries|carrying) ` + article + `(?:(\+\d+) )?([\w']+(?: [\w']+)? ?` + weaponSuffix + `)\b`), graph.TypeItem},
		{regexp.MustCompile(`(?i)\b(?:wears?|wearing|wore|dons?|donned|puts? on) ` + article + `(?:(\+\d+) )?([\w']+(?: [\w']+)? ?` + armorSuffix + `)\b`), graph.TypeItem},
		{regexp.MustCompile(`(?i)\b(?:drinks?|drank|uses?|used|consumes?|consumed|eats?|ate) ` + article + `((?:[\w']+ )?[\w']* ?` + consumableSuffix + `)\b`), graph.TypeItem},
		{regexp.MustCompile(`(?i)\b(legendary|epic|rare|magic) ([\w']+(?: [\w']+)? ?` + itemSuffix + `)\b`), graph.TypeItem},
	}

	locationRe = regexp.MustCompile(`(?i)\b(?:arrives? (?:at|in)|arrived (?:at|in)|enters?|entered|travels? to|traveled to|reach(?:es|ed)?|heads? (?:to|for)|inside) (?:the )?([\w']+(?: [\w']+)? ?` + locationSuffix + `)\b`)

	organizationRe = regexp.MustCompile(`(?i)\b(?:joins?|joined|founds?|founded|creates?|created|serves?|served|member of|leader of) (?:the )?([\w']+(?: [\w']+)? ?` + orgSuffix + `)\b`)

	skillRe = regexp.MustCompile(`(?i)\b(?:learns?|learned|learnt|masters?|mastered|unlocks?|unlocked) (?:the )?([\w']+(?: [\w']+)?) (?:skill|spell|technique|ability)\b`)

	equipmentAttackRe  = regexp.MustCompile(`(?i)(\d+) attack`)
	equipmentDefenseRe = regexp.MustCompile(`(?i)(\d+) defense`)
	enhancementRe      = regexp.MustCompile(`\+(\d+)`)
	rarityRe           = regexp.MustCompile(`(?i)\b(legendary|epic|rare|magic|common)\b`)
	restoreEffectRe    = regexp.MustCompile(`(?i)\b([\w' ]+?` + consumableSuffix + `) (?:restores?|recovers?|heals?) (\d+) (?:points? of )?(hp|health|mp|mana)\b`)
)

// deltaPattern attaches a numeric value to one player attribute.
type deltaPattern struct {
	re   *regexp.Regexp
	attr string
}

var deltaPatterns = []deltaPattern{
	{regexp.MustCompile(`(?i)\b(?:gains?|gained|earns?|earned) \+?(\d+) (?:points? of )?attack\b`), "attack"},
	{regexp.MustCompile(`(?i)\b(?:gains?|gained|earns?|earned) \+?(\d+) (?:points? of )?defense\b`), "defense"},
	{regexp.MustCompile(`(?i)\b(?:restores?|restored|recovers?|recovered|heals?|healed) (\d+) (?:points? of )?(?:hp|health)\b`), "health"},
	{regexp.MustCompile(`(?i)\b(?:loses?|lost|spends?|spent) (\d+) (?:points? of )?(?:mp|mana)\b`), "mana"},
	{regexp.MustCompile(`(?i)\breach(?:es|ed)? level (\d+)\b`), "level"},
	{regexp.MustCompile(`(?i)\bis now level (\d+)\b`), "level"},
	{regexp.MustCompile(`(?i)\b(?:gains?|gained|earns?|earned) (\d+) (?:points? of )?(?:exp|experience)\b`), "experience"},
	{regexp.MustCompile(`(?i)\battack[:=] ?(\d+)\b`), "attack"},
	{regexp.MustCompile(`(?i)\bdefense[:=] ?(\d+)\b`), "defense"},
	{regexp.MustCompile(`(?i)\b(?:hp|health)[:=] ?(\d+)\b`), "health"},
	{regexp.MustCompile(`(?i)\b(?:mp|mana)[:=] ?(\d+)\b`), "mana"},
	{regexp.MustCompile(`(?i)\blevel[:=] ?(\d+)\b`), "level"},
	{regexp.MustCompile(`(?i)\b(?:exp|experience)[:=] ?(\d+)\b`), "experience"},
}

// relationPattern extracts (source, target, label) with typed endpoints
// so placeholder upserts keep the edge valid.
type relationPattern struct {
	re        *regexp.Regexp
	label     string
	targetTyp graph.NodeType
}

var relationPatterns = []relationPattern{
	{regexp.MustCompile(`\b` + namePattern + ` (?:joins|joined|is a member of|became a member of) (?:the )?([\w']+(?: [\w']+)? ?` + orgSuffix + `)\b`), "member_of", graph.TypeOrganization},
	{regexp.MustCompile(`\b` + namePattern + ` (?:leads|led|commands|is the leader of|became the leader of) (?:the )?([\w']+(?: [\w']+)? ?` + orgSuffix + `)\b`), "leader_of", graph.TypeOrganization},
	{regexp.MustCompile(`\b` + namePattern + ` (?:is hostile to|attacks|attacked|fights|fought|battles) ` + namePattern + `\b`), "hostile_to", graph.TypeCharacter},
	{regexp.MustCompile(`\b` + namePattern + ` (?:allies with|allied with|is allied with|cooperates with) ` + namePattern + `\b`), "allied_with", graph.TypeCharacter},
	{regexp.MustCompile(`\b` + namePattern + ` (?:trusts|respects|admires) ` + namePattern + `\b`), "respects", graph.TypeCharacter},
	{regexp.MustCompile(`\b` + namePattern + ` (?:equips|equipped|wields|wielded|wears|wore) ` + article + `(?:\+\d+ )?([\w']+(?: [\w']+)? ?` + itemSuffix + `)\b`), "equipped_with", graph.TypeItem},
	{regexp.MustCompile(`\b` + namePattern + ` (?:is in|is at|stays in|remains in|arrives at|arrived at|enters|entered) (?:the )?([\w']+(?: [\w']+)? ?` + locationSuffix + `)\b`), "located_in", graph.TypeLocation},
	{regexp.MustCompile(`\b` + namePattern + ` (?:guards|guarded|protects|defends) (?:the )?([\w']+(?: [\w']+)? ?` + locationSuffix + `)\b`), "guards", graph.TypeLocation},
}

type deletionKind int

const (
	delDeath deletionKind = iota
	delItemLost
	delItemStolen
	delLeftOrganization
	delLeftLocation
	delRelationshipBroken
)

type deletionPattern struct {
	re   *regexp.Regexp
	kind deletionKind
}

var deletionPatterns = []deletionPattern{
	{regexp.MustCompile(`(?i)\b([a-z][\w']*) (?:died|dies|is dead|was slain|was killed|fell in battle)\b`), delDeath},
	{regexp.MustCompile(`(?i)\b(?:loses|lost|dropped|destroyed|shattered) ` + article + `([\w']+(?: [\w']+)? ?` + itemSuffix + `)\b`), delItemLost},
	{regexp.MustCompile(`(?i)\bthe ([\w']+(?: [\w']+)? ?` + itemSuffix + `) (?:was|is) (?:lost|destroyed|shattered|broken)\b`), delItemLost},
	{regexp.MustCompile(`(?i)\b(?:the )?([\w']+(?: [\w']+)? ?` + itemSuffix + `) (?:was|is|got) stolen\b`), delItemStolen},
	{regexp.MustCompile(`\b` + namePattern + ` (?:left|leaves|quit|quits) (?:the )?([\w']+(?: [\w']+)? ?` + orgSuffix + `)\b`), delLeftOrganization},
	{regexp.MustCompile(`\b` + namePattern + ` (?:left|leaves|departs? from|departed from|fled|flees) (?:the )?([\w']+(?: [\w']+)? ?` + locationSuffix + `)\b`), delLeftLocation},
	{regexp.MustCompile(`\b` + namePattern + ` and ` + namePattern + ` (?:broke up|severed (?:their )?ties|cut ties|turned on each other|are no longer allies)\b`), delRelationshipBroken},
}

var chitchatRe = regexp.MustCompile(`(?i)^(?:hi|hey|hello|yo|sup|good (?:morning|afternoon|evening|night)|thanks?|thank you|ok(?:ay)?|sure|yes|no|yeah|nope|lol|haha|hmm+|bye|goodbye|see you|got it)[.!?, ]*$`)

// selfAliases map second-person and generic subjects onto the player
// node.
var selfAliases = map[string]string{
	"i": PlayerNodeID, "me": PlayerNodeID, "you": PlayerNodeID,
	"player": PlayerNodeID, "the_player": PlayerNodeID,
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slug normalizes a matched phrase into a stable node ID fragment.
func Slug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	for _, prefix := range []string{"the ", "a ", "an "} {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.Trim(slugRe.ReplaceAllString(s, "_"), "_")
	if alias, ok := selfAliases[s]; ok {
		return alias
	}
	return s
}

// EntityID derives the deterministic node ID for a matched phrase. A
// known non-character type becomes a prefix so cross-turn identity is
// stable even when phrasing varies; character names stand on their own
// because relation patterns reference them bare.
func EntityID(name string, typ graph.NodeType) string {
	s := Slug(name)
	if s == "" || s == PlayerNodeID || typ == graph.TypeUnknown || typ == graph.TypeCharacter {
		return s
	}
	return string(typ) + "_" + s
}

// IsChitchat reports whether both sides of the turn are pure greeting or
// acknowledgement noise with nothing to extract.
func IsChitchat(userText, asstText string) bool {
	u := strings.TrimSpace(userText)
	a := strings.TrimSpace(asstText)
	if len(u) > 60 || len(a) > 60 {
		return false
	}
	return (u == "" || chitchatRe.MatchString(u)) && (a == "" || chitchatRe.MatchString(a))
}

// RuleExtractor runs the closed pattern taxonomy over the turn text. It
// is deterministic, never calls out, and never fails.
type RuleExtractor struct {
	logger *zap.Logger
}

// NewRuleExtractor returns the pattern-based extractor. A nil logger
// defaults to a nop logger.
func NewRuleExtractor(logger *zap.Logger) *RuleExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleExtractor{logger: logger.Named("extract.rules")}
}

// Analyze implements Extractor. The context is accepted for interface
// symmetry; rule matching does not block.
func (r *RuleExtractor) Analyze(_ context.Context, in Input) (*Plan, error) {
	if IsChitchat(in.UserText, in.AssistantText) {
		r.logger.Debug("chitchat turn, empty plan")
		return &Plan{}, nil
	}
	text := in.UserText + "\n" + in.AssistantText
	plan := &Plan{}

	r.extractCharacters(text, plan)
	r.extractItems(text, plan)
	r.extractSimple(text, locationRe, graph.TypeLocation, plan)
	r.extractSimple(text, organizationRe, graph.TypeOrganization, plan)
	r.extractSkills(text, plan)
	r.extractDeltas(text, plan)
	r.extractRelations(text, plan)
	r.extractDeletions(text, plan)

	r.logger.Debug("rule extraction finished",
		zap.Int("upserts", len(plan.NodesToUpsert)),
		zap.Int("edges", len(plan.EdgesToAdd)),
		zap.Int("node_deletes", len(plan.NodesToDelete)),
		zap.Int("edge_deletes", len(plan.EdgesToDelete)))
	return plan, nil
}

func (r *RuleExtractor) extractCharacters(text string, plan *Plan) {
	for _, m := range characterRe.FindAllStringSubmatch(text, -1) {
		name := strings.TrimSpace(m[1])
		if len(name) < 2 {
			continue
		}
		attrs := map[string]interface{}{"name": name, "source": "rule_extraction"}
		if m[2] != "" {
			if lvl, err := strconv.Atoi(m[2]); err == nil {
				attrs["level"] = lvl
			}
		}
		if m[3] != "" {
			attrs["race"] = strings.ToLower(m[3])
		}
		if m[4] != "" {
			attrs["class"] = strings.ToLower(m[4])
		}
		plan.NodesToUpsert = append(plan.NodesToUpsert, NodeUpsert{
			ID:    EntityID(name, graph.TypeCharacter),
			Type:  string(graph.TypeCharacter),
			Attrs: attrs,
		})
	}
}

func (r *RuleExtractor) extractItems(text string, plan *Plan) {
	for _, p := range itemPatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			name := strings.TrimSpace(m[len(m)-1])
			if len(name) < 2 {
				continue
			}
			attrs := map[string]interface{}{"name": name, "source": "rule_extraction"}
			for k, v := range equipmentStats(m[0]) {
				attrs[k] = v
			}
			plan.NodesToUpsert = append(plan.NodesToUpsert, NodeUpsert{
				ID:    EntityID(name, p.typ),
				Type:  string(p.typ),
				Attrs: attrs,
			})
		}
	}
	for _, m := range restoreEffectRe.FindAllStringSubmatch(text, -1) {
		name := strings.TrimSpace(m[1])
		amount, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		attr := "restores_health"
		switch strings.ToLower(m[3]) {
		case "mp", "mana":
			attr = "restores_mana"
		}
		plan.NodesToUpsert = append(plan.NodesToUpsert, NodeUpsert{
			ID:    EntityID(name, graph.TypeItem),
			Type:  string(graph.TypeItem),
			Attrs: map[string]interface{}{"name": name, attr: amount, "source": "rule_extraction"},
		})
	}
}

func (r *RuleExtractor) extractSimple(text string, re *regexp.Regexp, typ graph.NodeType, plan *Plan) {
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		name := strings.TrimSpace(m[1])
		if len(name) < 2 {
			continue
		}
		plan.NodesToUpsert = append(plan.NodesToUpsert, NodeUpsert{
			ID:    EntityID(name, typ),
			Type:  string(typ),
			Attrs: map[string]interface{}{"name": name, "source": "rule_extraction"},
		})
	}
}

func (r *RuleExtractor) extractSkills(text string, plan *Plan) {
	for _, m := range skillRe.FindAllStringSubmatch(text, -1) {
		name := strings.TrimSpace(m[1])
		if len(name) < 2 {
			continue
		}
		id := EntityID(name, graph.TypeSkill)
		plan.NodesToUpsert = append(plan.NodesToUpsert, NodeUpsert{
			ID:    id,
			Type:  string(graph.TypeSkill),
			Attrs: map[string]interface{}{"name": name, "source": "rule_extraction"},
		})
		plan.EdgesToAdd = append(plan.EdgesToAdd, EdgeAdd{
			Source: PlayerNodeID, Target: id, Label: "has_skill",
		})
		r.ensurePlayer(plan)
	}
}

func (r *RuleExtractor) extractDeltas(text string, plan *Plan) {
	for _, p := range deltaPatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			value, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			plan.NodesToUpsert = append(plan.NodesToUpsert, NodeUpsert{
				ID:    PlayerNodeID,
				Type:  string(graph.TypeCharacter),
				Attrs: map[string]interface{}{p.attr: value},
			})
		}
	}
}

func (r *RuleExtractor) ensurePlayer(plan *Plan) {
	for _, n := range plan.NodesToUpsert {
		if n.ID == PlayerNodeID {
			return
		}
	}
	plan.NodesToUpsert = append(plan.NodesToUpsert, NodeUpsert{
		ID:   PlayerNodeID,
		Type: string(graph.TypeCharacter),
	})
}

func (r *RuleExtractor) extractRelations(text string, plan *Plan) {
	for _, p := range relationPatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			src := Slug(m[1])
			dst := EntityID(m[2], p.targetTyp)
			if src == "" || dst == "" || src == dst {
				continue
			}
			plan.EdgesToAdd = append(plan.EdgesToAdd, EdgeAdd{Source: src, Target: dst, Label: p.label})
			// placeholder endpoints keep the edge past validation
			r.ensureEndpoint(plan, src, graph.TypeCharacter, m[1])
			r.ensureEndpoint(plan, dst, p.targetTyp, m[2])
		}
	}
}

func (r *RuleExtractor) ensureEndpoint(plan *Plan, id string, typ graph.NodeType, name string) {
	for _, n := range plan.NodesToUpsert {
		if n.ID == id {
			return
		}
	}
	attrs := map[string]interface{}{"source": "rule_extraction"}
	if id != PlayerNodeID {
		attrs["name"] = strings.TrimSpace(name)
	}
	plan.NodesToUpsert = append(plan.NodesToUpsert, NodeUpsert{
		ID:    id,
		Type:  string(typ),
		Attrs: attrs,
	})
}

func (r *RuleExtractor) extractDeletions(text string, plan *Plan) {
	for _, p := range deletionPatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			switch p.kind {
			case delDeath:
				name := strings.TrimSpace(m[1])
				plan.NodesToDelete = append(plan.NodesToDelete, NodeDelete{
					ID:     EntityID(name, graph.TypeCharacter),
					Mode:   DeleteSoft,
					Reason: name + " died",
				})
			case delItemLost:
				name := strings.TrimSpace(m[1])
				plan.NodesToDelete = append(plan.NodesToDelete, NodeDelete{
					ID:     EntityID(name, graph.TypeItem),
					Mode:   DeleteHard,
					Reason: name + " was lost",
				})
			case delItemStolen:
				name := strings.TrimSpace(m[1])
				plan.EdgesToDelete = append(plan.EdgesToDelete, EdgeDelete{
					Source: graph.Wildcard,
					Target: EntityID(name, graph.TypeItem),
					Label:  "equipped_with",
					Reason: name + " was stolen",
				})
			case delLeftOrganization:
				plan.EdgesToDelete = append(plan.EdgesToDelete, EdgeDelete{
					Source: Slug(m[1]),
					Target: EntityID(m[2], graph.TypeOrganization),
					Label:  "member_of",
					Reason: strings.TrimSpace(m[1]) + " left " + strings.TrimSpace(m[2]),
				})
			case delLeftLocation:
				plan.EdgesToDelete = append(plan.EdgesToDelete, EdgeDelete{
					Source: Slug(m[1]),
					Target: EntityID(m[2], graph.TypeLocation),
					Label:  "located_in",
					Reason: strings.TrimSpace(m[1]) + " left " + strings.TrimSpace(m[2]),
				})
			case delRelationshipBroken:
				a, b := Slug(m[1]), Slug(m[2])
				reason := strings.TrimSpace(m[1]) + " and " + strings.TrimSpace(m[2]) + " broke their relationship"
				plan.EdgesToDelete = append(plan.EdgesToDelete,
					EdgeDelete{Source: a, Target: b, Label: graph.Wildcard, Reason: reason},
					EdgeDelete{Source: b, Target: a, Label: graph.Wildcard, Reason: reason},
				)
			}
		}
	}
}

// equipmentStats pulls numeric attributes out of the matched equipment
// phrase.
func equipmentStats(matched string) map[string]interface{} {
	stats := make(map[string]interface{})
	if m := equipmentAttackRe.FindStringSubmatch(matched); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			stats["attack"] = v
		}
	}
	if m := equipmentDefenseRe.FindStringSubmatch(matched); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			stats["defense"] = v
		}
	}
	if m := enhancementRe.FindStringSubmatch(matched); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			stats["enhancement_level"] = v
		}
	}
	if m := rarityRe.FindStringSubmatch(matched); m != nil {
		stats["rarity"] = strings.ToLower(m[1])
	}
	return stats
}
