package store

import (
	"encoding/json"
	"fmt"
)

// Kind tags the variant held by a Value
type Kind int

const (
	// KindNull is an absent or null attribute
	KindNull Kind = iota
	// KindText is a scalar rendered as text
	KindText
	// KindStructured is a nested object or array kept as JSON
	KindStructured
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindText:
		return "text"
	case KindStructured:
		return "structured"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Value is a storage-ready attribute value
type Value struct {
	Kind Kind
	Text string
	JSON []byte
}

// Null returns the null value
func Null() Value {
	return Value{Kind: KindNull}
}

// Text returns a text value
func Text(s string) Value {
	return Value{Kind: KindText, Text: s}
}

// Structured returns a structured value holding serialized JSON
func Structured(raw []byte) Value {
	return Value{Kind: KindStructured, JSON: raw}
}

// IsNull reports whether the value is null
func (v Value) IsNull() bool {
	return v.Kind == KindNull
}

// SQLText returns the value as it is written to a text column: nil for null,
// the JSON document for structured values.
func (v Value) SQLText() *string {
	switch v.Kind {
	case KindText:
		s := v.Text
		return &s
	case KindStructured:
		s := string(v.JSON)
		return &s
	default:
		return nil
	}
}

// MarshalJSON renders the value as it appears inside extra_fields
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindText:
		return json.Marshal(v.Text)
	case KindStructured:
		if !json.Valid(v.JSON) {
			return nil, fmt.Errorf("structured value holds invalid JSON")
		}
		return v.JSON, nil
	default:
		return []byte("null"), nil
	}
}

// Record is one normalized row keyed by its natural identifier
type Record struct {
	ID     string
	Fields map[string]Value
}

// Field returns the named attribute, null when absent
func (r Record) Field(name string) Value {
	if v, ok := r.Fields[name]; ok {
		return v
	}
	return Null()
}
