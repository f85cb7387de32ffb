// Package state holds the control state cache: the bridge's bounded,
// TTL-limited memory of last-known control values. The cache is the single
// owner of ControlState entries; every other component refers to controls by
// name only.
package state

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ValueKind tags a control value.
type ValueKind int

const (
	KindNumber ValueKind = iota
	KindString
	KindBool
)

// Value is a tagged control primitive: number, string, or boolean.
// Absence of a value is represented by the control not being cached,
// never by a zero Value.
type Value struct {
	Kind ValueKind
	Num  float64
	Str  string
	Bool bool
}

func Number(v float64) Value { return Value{Kind: KindNumber, Num: v} }
func String(s string) Value  { return Value{Kind: KindString, Str: s} }
func Bool(b bool) Value      { return Value{Kind: KindBool, Bool: b} }

// FromRaw normalizes a decoded JSON value into a Value. Q-SYS reports
// booleans both as JSON bools and as 0/1 position values; callers that know
// the control type coerce afterwards.
func FromRaw(raw interface{}) (Value, error) {
	switch v := raw.(type) {
	case float64:
		return Number(v), nil
	case int:
		return Number(float64(v)), nil
	case int64:
		return Number(float64(v)), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("non-finite number %q", v.String())
		}
		return Number(f), nil
	case string:
		return String(v), nil
	case bool:
		return Bool(v), nil
	case nil:
		return Value{}, fmt.Errorf("null is not a valid control value")
	default:
		return Value{}, fmt.Errorf("unsupported control value type %T", raw)
	}
}

// Equal compares by strict value equality. Kind mismatches are unequal even
// when a coercion would match.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.Num == o.Num
	case KindString:
		return v.Str == o.Str
	case KindBool:
		return v.Bool == o.Bool
	}
	return false
}

// IsNumeric reports whether numeric predicates apply to this value.
func (v Value) IsNumeric() bool { return v.Kind == KindNumber }

// Float returns the numeric value; ok is false for non-numeric kinds.
func (v Value) Float() (float64, bool) {
	if v.Kind != KindNumber {
		return 0, false
	}
	return v.Num, true
}

// Raw returns the plain JSON-encodable representation.
func (v Value) Raw() interface{} {
	switch v.Kind {
	case KindNumber:
		return v.Num
	case KindString:
		return v.Str
	case KindBool:
		return v.Bool
	}
	return nil
}

// String renders the value for event records and logs.
func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindString:
		return v.Str
	case KindBool:
		return strconv.FormatBool(v.Bool)
	}
	return ""
}

// ApproxBytes estimates in-memory footprint for buffer accounting.
func (v Value) ApproxBytes() int {
	if v.Kind == KindString {
		return 16 + len(v.Str)
	}
	return 16
}
