package domain

import (
	"encoding/json"
	"math"
)

// Kind identifies which arm of Value is populated.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
)

// Value is the heterogeneous scalar union that crosses the wire for tag
// reads and telemetry frames: null, bool, int64, float64 or string. Only one
// arm is meaningful at a time, selected by Kind.
type Value struct {
	Kind Kind
	B    bool
	I    int64
	F    float64
	S    string
}

// Null is the zero Value.
var Null = Value{Kind: KindNull}

func NewBool(b bool) Value    { return Value{Kind: KindBool, B: b} }
func NewInt(i int64) Value    { return Value{Kind: KindInt, I: i} }
func NewFloat(f float64) Value { return Value{Kind: KindFloat, F: f} }
func NewString(s string) Value { return Value{Kind: KindString, S: s} }

// IsNull reports whether v carries no value.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// IsNumeric reports whether v is an int or float arm.
func (v Value) IsNumeric() bool { return v.Kind == KindInt || v.Kind == KindFloat }

// Float64 returns v's numeric magnitude for deadband math. ok is false for
// non-numeric arms.
func (v Value) Float64() (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.I), true
	case KindFloat:
		return v.F, true
	default:
		return 0, false
	}
}

// Equal reports whether two values are the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.B == o.B
	case KindInt:
		return v.I == o.I
	case KindFloat:
		return v.F == o.F
	case KindString:
		return v.S == o.S
	}
	return false
}

// MarshalJSON renders the active arm, or null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.B)
	case KindInt:
		return json.Marshal(v.I)
	case KindFloat:
		return json.Marshal(v.F)
	case KindString:
		return json.Marshal(v.S)
	}
	return []byte("null"), nil
}

// Interface returns v as a plain Go value suitable for json.Marshal'ing as
// part of a larger struct (e.g. read_tag's {value: ...} result field).
func (v Value) Interface() any {
	switch v.Kind {
	case KindBool:
		return v.B
	case KindInt:
		return v.I
	case KindFloat:
		return v.F
	case KindString:
		return v.S
	default:
		return nil
	}
}

// Sanitize replaces a non-finite float with the null sentinel; every other
// value (including finite floats) passes through unchanged.
func Sanitize(v Value) Value {
	if v.Kind == KindFloat && (math.IsNaN(v.F) || math.IsInf(v.F, 0)) {
		return Null
	}
	return v
}
