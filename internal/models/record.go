package models

import "strings"

// Record is one raw entity instance as decoded from a source API response.
// Values are strings, int64/float64 numbers, booleans, nested maps, slices or nil.
type Record map[string]any

// Properties is the flattened property set written onto a single node.
// It always carries a "guid" key; foreign-key fields follow the
// "{relatedType}Guid" naming convention.
type Properties map[string]any

// GUIDKey is the property that uniquely identifies a node within its label.
const GUIDKey = "guid"

// SyncedAtKey is stamped on every node written by an entity upsert.
const SyncedAtKey = "syncedAt"

// LastMetricsUpdateKey is stamped on every node touched by the metrics calculator.
const LastMetricsUpdateKey = "lastMetricsUpdate"

// GUID returns the identifier of the property set, or "" if absent.
func (p Properties) GUID() string {
	s, _ := p[GUIDKey].(string)
	return s
}

// Clone returns a shallow copy of the property set.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Node is a stored graph node as read back from the store.
type Node struct {
	Label      string     `json:"label"`
	Properties Properties `json:"properties"`
}

// Lookup walks a dotted path ("company.id") through nested maps and returns
// the value found. Missing keys and non-map intermediates yield (nil, false).
func Lookup(v any, path string) (any, bool) {
	if path == "" {
		return v, v != nil
	}
	cur := v
	for _, key := range strings.Split(path, ".") {
		var m map[string]any
		switch t := cur.(type) {
		case map[string]any:
			m = t
		case Record:
			m = t
		case Properties:
			m = t
		default:
			return nil, false
		}
		next, ok := m[key]
		if !ok || next == nil {
			return nil, false
		}
		cur = next
	}
	return cur, true
}
