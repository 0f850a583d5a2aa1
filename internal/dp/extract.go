package dp

import (
	"encoding/json"
	"math"
	"net/url"
	"strconv"
	"strings"
)

// ExtractEntityIDs walks an inbound callback of unknown shape and collects every id
// that plausibly references an entity of entityType ("leads"). It recognises:
//   - "id" keys nested anywhere under a key naming the entity type (plural or singular)
//   - "<singular>_id" keys anywhere, e.g. "lead_id"
//   - "entity_id" keys whose sibling "entity_type" names the entity type
//
// Flat form keys such as "leads[status][0][id]" are expanded into their path first.
func ExtractEntityIDs(payload any, entityType string) map[int64]struct{} {
	v := &visitor{
		plural:   strings.ToLower(entityType),
		singular: strings.TrimSuffix(strings.ToLower(entityType), "s"),
		ids:      make(map[int64]struct{}),
	}
	v.walk(payload, false)
	return v.ids
}

type visitor struct {
	plural   string
	singular string
	ids      map[int64]struct{}
}

func (v *visitor) names(key string) bool {
	k := strings.ToLower(key)
	return k == v.plural || k == v.singular
}

func (v *visitor) walk(node any, inScope bool) {
	switch n := node.(type) {
	case map[string]any:
		if et, ok := n["entity_type"].(string); ok && v.names(et) {
			v.add(n["entity_id"])
		}
		for key, child := range n {
			v.walkKey(splitKey(key), child, inScope)
		}
	case map[string][]string:
		for key, vals := range n {
			for _, s := range vals {
				v.walkKey(splitKey(key), s, inScope)
			}
		}
	case url.Values:
		v.walk(map[string][]string(n), inScope)
	case map[string]string:
		for key, s := range n {
			v.walkKey(splitKey(key), s, inScope)
		}
	case []any:
		for _, child := range n {
			v.walk(child, inScope)
		}
	}
}

// walkKey handles one (possibly bracketed) key path and its value.
func (v *visitor) walkKey(path []string, value any, inScope bool) {
	scope := inScope
	for _, seg := range path[:len(path)-1] {
		if v.names(seg) {
			scope = true
		}
	}

	leaf := strings.ToLower(path[len(path)-1])
	if v.names(leaf) {
		scope = true
	}

	switch value.(type) {
	case map[string]any, []any, map[string][]string, url.Values, map[string]string:
		v.walk(value, scope)
		return
	}

	if (leaf == "id" && scope) || leaf == v.singular+"_id" {
		v.add(value)
	}
}

func (v *visitor) add(value any) {
	if id, ok := toID(value); ok {
		v.ids[id] = struct{}{}
	}
}

func toID(value any) (int64, bool) {
	switch x := value.(type) {
	case int:
		return int64(x), x > 0
	case int64:
		return x, x > 0
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) || x != math.Trunc(x) || x <= 0 {
			return 0, false
		}
		return int64(x), true
	case json.Number:
		id, err := x.Int64()
		return id, err == nil && id > 0
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return id, err == nil && id > 0
	case []string:
		if len(x) == 1 {
			return toID(x[0])
		}
	}
	return 0, false
}

// splitKey turns "leads[status][0][id]" into ["leads","status","0","id"].
func splitKey(key string) []string {
	if !strings.Contains(key, "[") {
		return []string{key}
	}
	parts := strings.FieldsFunc(key, func(r rune) bool { return r == '[' || r == ']' })
	if len(parts) == 0 {
		return []string{key}
	}
	return parts
}
