package content

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Query is a structural predicate: equality on dotted paths, $in/$nin/$ne,
// comparison operators, $exists and $and/$or composition.
type Query map[string]any

func (q Query) Matches(rec Record) bool {
	return Match(q, rec)
}

func Match(pred map[string]any, rec Record) bool {
	for key, cond := range pred {
		switch key {
		case "$and":
			for _, sub := range asQueryList(cond) {
				if !Match(sub, rec) {
					return false
				}
			}
		case "$or":
			list := asQueryList(cond)
			if len(list) == 0 {
				continue
			}
			matched := false
			for _, sub := range list {
				if Match(sub, rec) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		default:
			values, found := lookupRecord(rec, key)
			if !matchCondition(values, found, cond) {
				return false
			}
		}
	}
	return true
}

func MatchData(pred map[string]any, data map[string]any) bool {
	return Match(pred, Record{Data: data})
}

func asQueryList(v any) []map[string]any {
	switch t := v.(type) {
	case []map[string]any:
		return t
	case []Query:
		out := make([]map[string]any, 0, len(t))
		for _, q := range t {
			out = append(out, q)
		}
		return out
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			switch m := item.(type) {
			case map[string]any:
				out = append(out, m)
			case Query:
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func lookupRecord(rec Record, key string) ([]any, bool) {
	switch key {
	case "_uid":
		return []any{rec.UID}, true
	case "_content_type_uid":
		return []any{rec.ContentType}, true
	case "locale":
		if rec.Locale != "" {
			return []any{rec.Locale}, true
		}
	}
	key = strings.TrimPrefix(key, "_data.")
	return lookupPath(rec.Data, strings.Split(key, "."))
}

// lookupPath collects every value reachable through path; arrays met on the way fan
// out, and a terminal array contributes both itself and its elements.
func lookupPath(node any, path []string) ([]any, bool) {
	if len(path) == 0 {
		if arr, ok := node.([]any); ok {
			out := make([]any, 0, len(arr)+1)
			out = append(out, node)
			out = append(out, arr...)
			return out, true
		}
		return []any{node}, true
	}
	switch t := node.(type) {
	case map[string]any:
		child, ok := t[path[0]]
		if !ok {
			return nil, false
		}
		return lookupPath(child, path[1:])
	case []any:
		var out []any
		found := false
		for _, item := range t {
			vals, ok := lookupPath(item, path)
			if ok {
				found = true
				out = append(out, vals...)
			}
		}
		return out, found
	}
	return nil, false
}

func matchCondition(values []any, found bool, cond any) bool {
	ops, isOps := operatorMap(cond)
	if !isOps {
		if !found {
			return cond == nil
		}
		return anyEqual(values, cond)
	}
	for op, arg := range ops {
		switch op {
		case "$eq":
			if !found || !anyEqual(values, arg) {
				return false
			}
		case "$ne":
			if found && anyEqual(values, arg) {
				return false
			}
		case "$in":
			if !found || !anyIn(values, arg) {
				return false
			}
		case "$nin":
			if found && anyIn(values, arg) {
				return false
			}
		case "$exists":
			want, _ := arg.(bool)
			if want != found {
				return false
			}
		case "$gt", "$gte", "$lt", "$lte":
			if !found || !anyCompare(values, arg, op) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func operatorMap(cond any) (map[string]any, bool) {
	var m map[string]any
	switch t := cond.(type) {
	case map[string]any:
		m = t
	case Query:
		m = t
	default:
		return nil, false
	}
	if len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func anyEqual(values []any, want any) bool {
	for _, v := range values {
		if valuesEqual(v, want) {
			return true
		}
	}
	return false
}

func anyIn(values []any, list any) bool {
	for _, want := range toList(list) {
		if anyEqual(values, want) {
			return true
		}
	}
	return false
}

func anyCompare(values []any, arg any, op string) bool {
	for _, v := range values {
		c, ok := compareValues(v, arg)
		if !ok {
			continue
		}
		switch op {
		case "$gt":
			if c > 0 {
				return true
			}
		case "$gte":
			if c >= 0 {
				return true
			}
		case "$lt":
			if c < 0 {
				return true
			}
		case "$lte":
			if c <= 0 {
				return true
			}
		}
	}
	return false
}

func toList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out
	case nil:
		return nil
	default:
		return []any{v}
	}
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(normalizeValue(a), normalizeValue(b))
}

func compareValues(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case []string:
		return Clone(t)
	case []map[string]any:
		return Clone(t)
	}
	return v
}

// Lookup returns the first value at the dotted path of data.
func Lookup(data map[string]any, path string) (any, bool) {
	values, ok := lookupPath(data, strings.Split(path, "."))
	if !ok || len(values) == 0 {
		return nil, false
	}
	return values[0], true
}

// Compare orders two numbers or two strings; ok is false for any other pairing.
func Compare(a, b any) (int, bool) {
	return compareValues(a, b)
}
