// Package fragment implements jetstream's sync fragments: the wire-level
// records for "add", "change", and "root" operations, and the algorithms
// that build one from a ModelObject's state.
package fragment

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/uber/jetstream-go/codec"
	"github.com/uber/jetstream-go/model"
)

// Type is the fragment kind. The set is closed.
type Type string

const (
	TypeAdd    Type = "add"
	TypeChange Type = "change"
	TypeRoot   Type = "root"
)

// Fragment is the wire-level delta record: "add" and "root" carry a
// class name; "change" carries only changed properties.
type Fragment struct {
	Type       Type                       `json:"type"`
	ObjectUUID uuid.UUID                  `json:"uuid"`
	ClassName  string                     `json:"cls,omitempty"`
	Properties map[string]json.RawMessage `json:"properties,omitempty"`
}

// BuildAdd produces a full-snapshot "add" fragment: every stored
// property, scalars inline and references as UUIDs.
func BuildAdd(obj *model.ModelObject) (Fragment, error) {
	frag := Fragment{Type: TypeAdd, ObjectUUID: obj.UUID(), ClassName: obj.ClassName()}
	props, err := encodeProperties(obj, obj.Schema().StoredProperties())
	if err != nil {
		return Fragment{}, err
	}
	frag.Properties = props
	return frag, nil
}

// BuildChange produces a "change" fragment carrying only changedProps
// and their newly-encoded values.
func BuildChange(obj *model.ModelObject, changedProps []string) (Fragment, error) {
	sorted := append([]string{}, changedProps...)
	sort.Strings(sorted)
	props, err := encodeProperties(obj, sorted)
	if err != nil {
		return Fragment{}, err
	}
	return Fragment{Type: TypeChange, ObjectUUID: obj.UUID(), Properties: props}, nil
}

// BuildRoot produces a "root" fragment naming the new root's identity
// and class. The root fragment never carries its own property snapshot;
// accompanying "add"/"change" fragments carry its properties like any
// other object's.
func BuildRoot(obj *model.ModelObject) Fragment {
	return Fragment{Type: TypeRoot, ObjectUUID: obj.UUID(), ClassName: obj.ClassName()}
}

func encodeProperties(obj *model.ModelObject, names []string) (map[string]json.RawMessage, error) {
	schema := obj.Schema()
	out := make(map[string]json.RawMessage, len(names))
	for _, name := range names {
		field, ok := schema.Field(name)
		if !ok || field.Derived() {
			continue
		}
		val, err := obj.Get(name)
		if err != nil {
			return nil, err
		}
		raw, err := encodeFieldValue(field.Tag, val)
		if err != nil {
			return nil, fmt.Errorf("fragment: encoding %s.%s: %w", obj.ClassName(), name, err)
		}
		out[name] = raw
	}
	return out, nil
}

func encodeFieldValue(tag codec.Tag, val any) (json.RawMessage, error) {
	switch tag {
	case codec.TagRef:
		child, _ := val.(*model.ModelObject)
		if child == nil {
			return json.Marshal(nil)
		}
		return codec.Encode(codec.TagRef, child.UUID())
	case codec.TagArrayRefs:
		list, _ := val.([]*model.ModelObject)
		ids := make([]uuid.UUID, len(list))
		for i, c := range list {
			ids[i] = c.UUID()
		}
		return codec.Encode(codec.TagArrayRefs, ids)
	default:
		if val == nil {
			return json.Marshal(nil)
		}
		return codec.Encode(tag, val)
	}
}

// DecodedValue is what a property decodes to before reference resolution:
// a plain scalar, a single UUID (for a modelObjectRef), or a slice of
// UUIDs (for arrayOfRefs). The scope layer resolves UUIDs against its
// object index, since only it knows every live object.
type DecodedValue struct {
	Tag     codec.Tag
	Scalar  any
	Ref     uuid.UUID
	HasRef  bool
	RefList []uuid.UUID
}

// DecodeProperties decodes every entry in raw against schema, skipping
// (with the name reported in skipped) any property name the schema does
// not know and any value whose JSON shape does not match its declared
// tag. A skipped field never blocks the rest of its fragment.
func DecodeProperties(schema *model.Schema, raw map[string]json.RawMessage) (decoded map[string]DecodedValue, skipped []string) {
	decoded = make(map[string]DecodedValue, len(raw))
	for name, r := range raw {
		field, ok := schema.Field(name)
		if !ok || field.Derived() {
			skipped = append(skipped, name)
			continue
		}
		if !field.Tag.Known() {
			skipped = append(skipped, name)
			continue
		}
		var isNull bool
		if string(r) == "null" {
			isNull = true
		}
		if isNull {
			decoded[name] = DecodedValue{Tag: field.Tag}
			continue
		}
		switch field.Tag {
		case codec.TagRef:
			v, err := codec.Decode(field.Tag, r)
			if err != nil {
				skipped = append(skipped, name)
				continue
			}
			decoded[name] = DecodedValue{Tag: field.Tag, Ref: v.(uuid.UUID), HasRef: true}
		case codec.TagArrayRefs:
			v, err := codec.Decode(field.Tag, r)
			if err != nil {
				skipped = append(skipped, name)
				continue
			}
			decoded[name] = DecodedValue{Tag: field.Tag, RefList: v.([]uuid.UUID)}
		default:
			v, err := codec.Decode(field.Tag, r)
			if err != nil {
				skipped = append(skipped, name)
				continue
			}
			decoded[name] = DecodedValue{Tag: field.Tag, Scalar: v}
		}
	}
	return decoded, skipped
}
