package content

import (
	"strings"
	"time"
)

// Path is an immutable field path; extend always allocates.
type Path []string

func (p Path) extend(segments ...string) Path {
	out := make(Path, 0, len(p)+len(segments))
	out = append(out, p...)
	return append(out, segments...)
}

func (p Path) String() string {
	return strings.Join(p, ".")
}

// WalkSchema calls fn for every leaf field of schema with its dotted path. Groups add
// their uid to the path; blocks add the block field uid followed by the variant uid.
func WalkSchema(schema []Field, fn func(path Path, field Field)) {
	walkSchema(schema, nil, fn)
}

func walkSchema(schema []Field, prefix Path, fn func(path Path, field Field)) {
	for _, field := range schema {
		path := prefix.extend(field.UID)
		switch field.DataType {
		case DataTypeGroup:
			walkSchema(field.Schema, path, fn)
		case DataTypeBlocks:
			for _, block := range field.Blocks {
				walkSchema(block.Schema, path.extend(block.UID), fn)
			}
		default:
			fn(path, field)
		}
	}
}

// visitField invokes fn with the map holding the last path segment, for every such map
// reachable from node. Arrays crossed on the way are walked element-wise.
func visitField(node any, path Path, fn func(parent map[string]any, key string)) {
	if len(path) == 0 {
		return
	}
	switch t := node.(type) {
	case []any:
		for _, item := range t {
			visitField(item, path, fn)
		}
	case map[string]any:
		if len(path) == 1 {
			if v, ok := t[path[0]]; ok && !isEmptyValue(v) {
				fn(t, path[0])
			}
			return
		}
		child, ok := t[path[0]]
		if !ok {
			return
		}
		visitField(child, path[1:], fn)
	}
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	}
	return false
}

// FindReferences returns the dotted paths of every file field in schema.
func FindReferences(schema []Field) []string {
	var paths []string
	WalkSchema(schema, func(path Path, field Field) {
		if field.DataType == DataTypeFile {
			paths = append(paths, path.String())
		}
	})
	return paths
}

// FindReferencePaths returns the dotted paths of every entry reference field in schema.
func FindReferencePaths(schema []Field) []string {
	var paths []string
	WalkSchema(schema, func(path Path, field Field) {
		if field.DataType == DataTypeReference {
			paths = append(paths, path.String())
		}
	})
	return paths
}

// NormalizeReferences rewrites reference fields (and file fields when asset binaries are
// not downloaded) into {values, _content_type_id} markers. entry is modified in place and
// returned for convenience.
func NormalizeReferences(schema []Field, entry map[string]any, downloadAssets bool) map[string]any {
	if entry == nil {
		return nil
	}
	WalkSchema(schema, func(path Path, field Field) {
		switch field.DataType {
		case DataTypeReference:
			if target, ok := field.ReferenceTarget(); ok {
				visitField(entry, path, func(parent map[string]any, key string) {
					parent[key] = referenceMarker(parent[key], target)
				})
				return
			}
			visitField(entry, path, func(parent map[string]any, key string) {
				parent[key] = multiTargetMarkers(parent[key])
			})
		case DataTypeFile:
			if downloadAssets {
				return
			}
			visitField(entry, path, func(parent map[string]any, key string) {
				parent[key] = referenceMarker(parent[key], AssetsUID)
			})
		}
	})
	return entry
}

func referenceMarker(value any, target string) any {
	if _, ok := AsMarker(value); ok {
		return value
	}
	switch t := value.(type) {
	case string:
		return map[string]any{ReferenceValuesKey: t, ReferenceTargetKey: target}
	case map[string]any:
		uid := StringValue(t["uid"])
		if uid == "" {
			return value
		}
		return map[string]any{ReferenceValuesKey: uid, ReferenceTargetKey: target}
	case []any:
		uids := make([]any, 0, len(t))
		for _, item := range t {
			switch v := item.(type) {
			case string:
				uids = append(uids, v)
			case map[string]any:
				if uid := StringValue(v["uid"]); uid != "" {
					uids = append(uids, uid)
				}
			}
		}
		return map[string]any{ReferenceValuesKey: uids, ReferenceTargetKey: target}
	}
	return value
}

// multiTargetMarkers converts {uid, _content_type_uid} items of a multi content type
// reference into individual markers.
func multiTargetMarkers(value any) any {
	convert := func(item any) any {
		m, ok := item.(map[string]any)
		if !ok {
			return item
		}
		if _, isMarker := AsMarker(m); isMarker {
			return m
		}
		uid := StringValue(m["uid"])
		ct := StringValue(m["_content_type_uid"])
		if uid == "" || ct == "" {
			return item
		}
		return map[string]any{ReferenceValuesKey: uid, ReferenceTargetKey: ct}
	}
	switch t := value.(type) {
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = convert(t[i])
		}
		return out
	default:
		return convert(value)
	}
}

// DeleteKeys strips origin-only metadata from a fetched entry and stamps published_at.
func DeleteKeys(entry map[string]any, now time.Time) map[string]any {
	out := CloneMap(entry)
	if out == nil {
		out = map[string]any{}
	}
	if inner, ok := out["object"].(map[string]any); ok {
		out = inner
	}
	if meta, ok := out["_metadata"].(map[string]any); ok {
		if uid := StringValue(meta["uid"]); uid != "" {
			out["uid"] = uid
		}
	}
	out["published_at"] = now.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	delete(out, "ACL")
	delete(out, "publish_details")
	return out
}

// Marker is a not-yet-expanded reference: the values it points at and the collection
// they live in.
type Marker struct {
	Target string
	Values []string
	Single bool
}

func AsMarker(v any) (Marker, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return Marker{}, false
	}
	target, ok := m[ReferenceTargetKey].(string)
	if !ok || target == "" {
		return Marker{}, false
	}
	raw, ok := m[ReferenceValuesKey]
	if !ok {
		return Marker{}, false
	}
	switch t := raw.(type) {
	case string:
		return Marker{Target: target, Values: []string{t}, Single: true}, true
	case []any:
		values := make([]string, 0, len(t))
		for _, item := range t {
			if s := StringValue(item); s != "" {
				values = append(values, s)
			}
		}
		return Marker{Target: target, Values: values}, true
	case []string:
		return Marker{Target: target, Values: append([]string(nil), t...)}, true
	}
	return Marker{}, false
}
