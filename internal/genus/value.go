// Package genus implements the schema system (spec §3 Genus, §4.3): entity,
// feature, relationship, action, and process definitions, attribute type
// validation, state-machine transitions, and evolution.
package genus

import (
	"fmt"
)

// AttrType is the semantic type of an attribute value (spec §3, §9 design
// notes: "represent attribute values as a tagged sum").
type AttrType string

const (
	AttrText      AttrType = "text"
	AttrNumber    AttrType = "number"
	AttrInteger   AttrType = "integer"
	AttrBoolean   AttrType = "boolean"
	AttrEnum      AttrType = "enum"
	AttrTimestamp AttrType = "timestamp"
	AttrRef       AttrType = "reference"
)

// Value is a tagged-sum attribute value: Type is the tag, and Raw holds
// the payload whose Go type Validate and the typed accessors check
// against that tag.
type Value struct {
	Type AttrType    `json:"type"`
	Raw  interface{} `json:"value"`
}

// Text returns v's string payload.
func (v Value) Text() (string, bool) {
	s, ok := v.Raw.(string)
	return s, ok
}

// Number returns v's numeric payload.
func (v Value) Number() (float64, bool) {
	switch n := v.Raw.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Bool returns v's boolean payload.
func (v Value) Bool() (bool, bool) {
	b, ok := v.Raw.(bool)
	return b, ok
}

// Validate checks v against an attribute definition's declared type
// (spec §4.3: "Attribute type: numeric rejects non-numeric; enum rejects
// values outside declared choices; reference rejects ids of the wrong
// genus" — the reference-genus check is performed by the caller, which
// has access to the registry and the referenced res's genus).
func (v Value) Validate(attr AttributeDef) error {
	if v.Type != attr.Type {
		return fmt.Errorf("attribute %q expects type %s, got %s", attr.Name, attr.Type, v.Type)
	}
	switch attr.Type {
	case AttrText, AttrRef:
		if _, ok := v.Text(); !ok {
			return fmt.Errorf("attribute %q: value is not a string", attr.Name)
		}
	case AttrNumber, AttrInteger:
		n, ok := v.Number()
		if !ok {
			return fmt.Errorf("attribute %q: value is not numeric", attr.Name)
		}
		if attr.Type == AttrInteger && n != float64(int64(n)) {
			return fmt.Errorf("attribute %q: value %v is not an integer", attr.Name, n)
		}
	case AttrBoolean:
		if _, ok := v.Bool(); !ok {
			return fmt.Errorf("attribute %q: value is not a boolean", attr.Name)
		}
	case AttrTimestamp:
		if _, ok := v.Text(); !ok {
			return fmt.Errorf("attribute %q: timestamp value must be an RFC3339 string", attr.Name)
		}
	case AttrEnum:
		s, ok := v.Text()
		if !ok {
			return fmt.Errorf("attribute %q: enum value must be a string", attr.Name)
		}
		found := false
		for _, choice := range attr.EnumChoices {
			if choice == s {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("attribute %q: value %q is not one of %v", attr.Name, s, attr.EnumChoices)
		}
	default:
		return fmt.Errorf("attribute %q: unknown attribute type %s", attr.Name, attr.Type)
	}
	return nil
}
