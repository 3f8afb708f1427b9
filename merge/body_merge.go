package merge

import (
	"sort"

	"github.com/Netsend/PerspectiveDB-sub005/canon"
)

// Merge3 implements the per-key three-way body merge of spec.md §4.3.2.
// A key absent from a body (including one deleted relative to base) is
// compared as a distinguished "absent" value, which folds the spec's
// separate delete-handling bullet into the same three equality rules used
// for ordinary value conflicts: a key mutated on one side and deleted on
// the other is a conflict unless the mutating side actually left it
// unchanged from base.
func Merge3(base, x, y canon.Body) (merged canon.Body, conflictKeys []string) {
	baseMap, baseIsMap := asMap(base)
	xMap, xIsMap := asMap(x)
	yMap, yIsMap := asMap(y)
	if !baseIsMap || !xIsMap || !yIsMap {
		return wholeValueMerge(base, x, y)
	}

	keys := unionKeys(baseMap, xMap, yMap)
	result := make(map[string]interface{})
	for _, k := range keys {
		xv, xHas := xMap[k]
		yv, yHas := yMap[k]
		bv, bHas := baseMap[k]

		switch {
		case presentEqual(xv, xHas, yv, yHas):
			if xHas {
				result[k] = xv
			}
		case presentEqual(xv, xHas, bv, bHas):
			if yHas {
				result[k] = yv
			}
		case presentEqual(yv, yHas, bv, bHas):
			if xHas {
				result[k] = xv
			}
		default:
			conflictKeys = append(conflictKeys, k)
		}
	}
	sort.Strings(conflictKeys)
	if len(conflictKeys) > 0 {
		return nil, conflictKeys
	}
	return result, nil
}

// presentEqual treats two (value, present) pairs as equal either when both
// are absent, or when both are present and canonically equal.
func presentEqual(a interface{}, aHas bool, b interface{}, bHas bool) bool {
	if aHas != bHas {
		return false
	}
	if !aHas {
		return true
	}
	return canon.Equal(a, b)
}

// wholeValueMerge handles the degenerate case where a body isn't a
// key-addressable map: it is merged as a single opaque value under the
// same three-way rule.
func wholeValueMerge(base, x, y canon.Body) (canon.Body, []string) {
	switch {
	case canon.Equal(x, y):
		return x, nil
	case base != nil && canon.Equal(x, base):
		return y, nil
	case base != nil && canon.Equal(y, base):
		return x, nil
	default:
		return nil, []string{""}
	}
}

func asMap(v canon.Body) (map[string]interface{}, bool) {
	if v == nil {
		return map[string]interface{}{}, true
	}
	m, ok := v.(map[string]interface{})
	return m, ok
}

func unionKeys(maps ...map[string]interface{}) []string {
	seen := make(map[string]struct{})
	for _, m := range maps {
		for k := range m {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
