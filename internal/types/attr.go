package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// AttrKind discriminates the recursive attribute value.
type AttrKind int

const (
	AttrNull AttrKind = iota
	AttrScalar
	AttrList
	AttrMap
)

// Attr is a single recursive sum type (scalar | list | map) for the opaque
// nested attribute bags carried by memories (metadata, access_pattern extras,
// pattern_data). Values are parsed at ingest and validated at each structured
// read. Unknown fields from future versions round-trip unchanged.
type Attr struct {
	Kind   AttrKind
	Scalar any             // string, float64, bool when Kind == AttrScalar
	List   []Attr          // when Kind == AttrList
	Map    map[string]Attr // when Kind == AttrMap
}

// NullAttr is the zero attribute value.
func NullAttr() Attr { return Attr{Kind: AttrNull} }

// String returns a scalar string attribute.
func String(s string) Attr { return Attr{Kind: AttrScalar, Scalar: s} }

// Number returns a scalar numeric attribute.
func Number(f float64) Attr { return Attr{Kind: AttrScalar, Scalar: f} }

// Bool returns a scalar boolean attribute.
func Bool(b bool) Attr { return Attr{Kind: AttrScalar, Scalar: b} }

// MapAttr returns a map attribute over the given entries.
func MapAttr(m map[string]Attr) Attr { return Attr{Kind: AttrMap, Map: m} }

// ListAttr returns a list attribute over the given elements.
func ListAttr(items ...Attr) Attr { return Attr{Kind: AttrList, List: items} }

// ParseAttr converts a decoded JSON value (the output of json.Unmarshal into
// any) into an Attr, rejecting value types JSON cannot carry.
func ParseAttr(v any) (Attr, error) {
	switch val := v.(type) {
	case nil:
		return NullAttr(), nil
	case string:
		return String(val), nil
	case float64:
		return Number(val), nil
	case bool:
		return Bool(val), nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return Attr{}, fmt.Errorf("invalid number %q: %w", val.String(), err)
		}
		return Number(f), nil
	case []any:
		list := make([]Attr, 0, len(val))
		for i, item := range val {
			a, err := ParseAttr(item)
			if err != nil {
				return Attr{}, fmt.Errorf("list element %d: %w", i, err)
			}
			list = append(list, a)
		}
		return Attr{Kind: AttrList, List: list}, nil
	case map[string]any:
		m := make(map[string]Attr, len(val))
		for k, item := range val {
			a, err := ParseAttr(item)
			if err != nil {
				return Attr{}, fmt.Errorf("key %q: %w", k, err)
			}
			m[k] = a
		}
		return Attr{Kind: AttrMap, Map: m}, nil
	default:
		return Attr{}, fmt.Errorf("unsupported attribute value type %T", v)
	}
}

// ToAny converts an Attr back into plain JSON-shaped values.
func (a Attr) ToAny() any {
	switch a.Kind {
	case AttrScalar:
		return a.Scalar
	case AttrList:
		out := make([]any, len(a.List))
		for i, item := range a.List {
			out[i] = item.ToAny()
		}
		return out
	case AttrMap:
		out := make(map[string]any, len(a.Map))
		for k, item := range a.Map {
			out[k] = item.ToAny()
		}
		return out
	default:
		return nil
	}
}

// IsNull reports whether the attribute carries no value.
func (a Attr) IsNull() bool { return a.Kind == AttrNull }

// Get returns the entry for key when the attribute is a map.
func (a Attr) Get(key string) (Attr, bool) {
	if a.Kind != AttrMap {
		return Attr{}, false
	}
	v, ok := a.Map[key]
	return v, ok
}

// MarshalJSON encodes the attribute as its plain JSON shape.
func (a Attr) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.ToAny())
}

// UnmarshalJSON decodes any JSON value into the attribute.
func (a *Attr) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseAttr(v)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Canonical returns a deterministic string form of the attribute: map keys
// sorted, lists in order, scalars JSON-encoded. Used as the canonicalized
// pattern_data component of a temporal pattern's identity key.
func (a Attr) Canonical() string {
	var sb strings.Builder
	a.canonicalTo(&sb)
	return sb.String()
}

func (a Attr) canonicalTo(sb *strings.Builder) {
	switch a.Kind {
	case AttrScalar:
		b, _ := json.Marshal(a.Scalar)
		sb.Write(b)
	case AttrList:
		sb.WriteByte('[')
		for i, item := range a.List {
			if i > 0 {
				sb.WriteByte(',')
			}
			item.canonicalTo(sb)
		}
		sb.WriteByte(']')
	case AttrMap:
		keys := make([]string, 0, len(a.Map))
		for k := range a.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			a.Map[k].canonicalTo(sb)
		}
		sb.WriteByte('}')
	default:
		sb.WriteString("null")
	}
}

// ContextCounts validates and extracts a string-to-nonnegative-int mapping
// from the attribute, the required shape of access_pattern.contexts.
func ContextCounts(a Attr) (map[string]int64, error) {
	if a.IsNull() {
		return map[string]int64{}, nil
	}
	if a.Kind != AttrMap {
		return nil, fmt.Errorf("contexts: expected map, got kind %d", a.Kind)
	}
	out := make(map[string]int64, len(a.Map))
	for k, v := range a.Map {
		f, ok := v.Scalar.(float64)
		if v.Kind != AttrScalar || !ok {
			return nil, fmt.Errorf("contexts[%q]: expected number", k)
		}
		n := int64(f)
		if n < 0 || float64(n) != f {
			return nil, fmt.Errorf("contexts[%q]: expected nonnegative integer, got %v", k, f)
		}
		out[k] = n
	}
	return out, nil
}
