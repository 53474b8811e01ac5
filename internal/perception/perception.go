// Package perception maps a raw utterance onto the graph: which known
// entities it mentions, and what the speaker is trying to do.
package perception

import (
	"sort"
	"strings"
)

// Intent classes for an utterance. Dialogue is the fallback.
const (
	IntentQuestion = "question"
	IntentAction   = "action"
	IntentDescribe = "describe"
	IntentDialogue = "dialogue"
)

// Candidate is one matchable entity: the node ID plus the strings that
// may appear in text for it.
type Candidate struct {
	ID      string
	Name    string
	Aliases []string
}

// MatchEntities scans the utterance for candidate names, aliases and
// IDs, longest match first. A matched span is blanked out so shorter
// candidates cannot re-match inside it. Returns matched IDs in
// first-match order.
func MatchEntities(utterance string, candidates []Candidate) []string {
	text := strings.ToLower(utterance)
	if text == "" || len(candidates) == 0 {
		return nil
	}

	type needle struct {
		text string
		id   string
	}
	var needles []needle
	for _, c := range candidates {
		for _, s := range candidateStrings(c) {
			if len(s) >= 2 {
				needles = append(needles, needle{text: s, id: c.ID})
			}
		}
	}
	sort.SliceStable(needles, func(i, j int) bool {
		return len(needles[i].text) > len(needles[j].text)
	})

	type hit struct {
		pos int
		id  string
	}
	var hits []hit
	seen := make(map[string]struct{})
	for _, n := range needles {
		idx := strings.Index(text, n.text)
		if idx < 0 {
			continue
		}
		// blank the span so overlapping shorter matches are suppressed
		text = text[:idx] + strings.Repeat("\x00", len(n.text)) + text[idx+len(n.text):]
		if _, dup := seen[n.id]; dup {
			continue
		}
		seen[n.id] = struct{}{}
		hits = append(hits, hit{pos: idx, id: n.id})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.id)
	}
	return ids
}

func candidateStrings(c Candidate) []string {
	var out []string
	if c.Name != "" {
		out = append(out, strings.ToLower(c.Name))
	}
	if c.ID != "" {
		id := strings.ToLower(c.ID)
		out = append(out, id)
		if spaced := strings.ReplaceAll(id, "_", " "); spaced != id {
			out = append(out, spaced)
		}
	}
	for _, a := range c.Aliases {
		if a != "" {
			out = append(out, strings.ToLower(a))
		}
	}
	return out
}

var (
	questionStarters = []string{"who", "what", "where", "when", "why", "how", "is ", "are ", "do ", "does ", "can ", "could ", "did "}
	describeStarters = []string{"describe", "tell me about", "look at", "look around", "examine", "inspect"}
	actionStarters   = []string{"go ", "walk", "run", "attack", "fight", "use ", "take ", "grab", "open", "close", "talk to", "speak to", "equip", "drink", "eat ", "cast", "buy ", "sell ", "give ", "drop "}
)

// DetectIntent classifies the utterance into one of the intent classes.
func DetectIntent(utterance string) string {
	text := strings.ToLower(strings.TrimSpace(utterance))
	if text == "" {
		return IntentDialogue
	}
	if strings.Contains(text, "?") {
		return IntentQuestion
	}
	for _, s := range describeStarters {
		if strings.HasPrefix(text, s) {
			return IntentDescribe
		}
	}
	for _, s := range questionStarters {
		if strings.HasPrefix(text, s) {
			return IntentQuestion
		}
	}
	for _, s := range actionStarters {
		if strings.HasPrefix(text, s) || strings.HasPrefix(text, "i "+s) {
			return IntentAction
		}
	}
	return IntentDialogue
}
