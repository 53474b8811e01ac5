package graph

import "strings"

// resolveAttribute merges an incoming attribute value into a node. The
// rules are deterministic and pure: stat-like numbers grow monotonically,
// health clamps to [0, max_health], lists union preserving order, and
// everything else is last-write-wins.
//
// existing is the node's full attribute map, consulted for max_health
// when clamping. old may be nil when the key is new.
func resolveAttribute(key string, old, incoming interface{}, existing map[string]interface{}) interface{} {
	switch {
	case isHealthKey(key):
		v, ok := toNumber(incoming)
		if !ok {
			return incoming
		}
		if v < 0 {
			v = 0
		}
		if maxHP, ok := toNumber(existing["max_health"]); ok && v > maxHP {
			v = maxHP
		}
		return restoreNumber(v, incoming)

	case isMonotonicKey(key):
		newV, okNew := toNumber(incoming)
		oldV, okOld := toNumber(old)
		if !okNew {
			return incoming
		}
		if okOld && oldV > newV {
			return old
		}
		return incoming

	default:
		if newList, ok := toStringList(incoming); ok {
			if oldList, ok := toStringList(old); ok {
				return unionLists(oldList, newList)
			}
			return newList
		}
		return incoming
	}
}

func isHealthKey(key string) bool {
	switch strings.ToLower(key) {
	case "health", "hp", "current_health":
		return true
	}
	return false
}

func isMonotonicKey(key string) bool {
	switch strings.ToLower(key) {
	case "max_health", "level", "experience", "exp":
		return true
	}
	return false
}

// isEpisodicKey marks attributes whose overwrite is worth a log line.
func isEpisodicKey(key string) bool {
	switch strings.ToLower(key) {
	case "location", "status":
		return true
	}
	return false
}

func toNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

// restoreNumber keeps the incoming value's kind after clamping so a node
// seeded with ints does not flip to floats.
func restoreNumber(v float64, like interface{}) interface{} {
	switch like.(type) {
	case int:
		return int(v)
	case int32:
		return int32(v)
	case int64:
		return int64(v)
	case float32:
		return float32(v)
	default:
		return v
	}
}

func toStringList(v interface{}) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// unionLists appends items of b not already in a, preserving first-seen
// order and dropping duplicates within each input.
func unionLists(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, s := range b {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func equalValues(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == b
	}
	if na, ok := toNumber(a); ok {
		if nb, ok := toNumber(b); ok {
			return na == nb
		}
	}
	sa, aOK := a.(string)
	sb, bOK := b.(string)
	if aOK && bOK {
		return sa == sb
	}
	return false
}
