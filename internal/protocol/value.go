package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

var ErrUnsupportedGoValue = errors.New("protocol: unsupported go value")

// Value is the tagged union that crosses the wire. The zero Value is Null.
// Numeric tags never convert into each other implicitly; the As* accessors
// only succeed for their own tag, and Int64/Float64 widen at the boundary.
type Value struct {
	typ ValueType
	num uint64
	str string
	ref ObjectRef
}

func Null() Value { return Value{} }

func Undefined() Value { return Value{typ: TypeUndefined} }

func Bool(v bool) Value {
	if v {
		return Value{typ: TypeBoolean, num: 1}
	}
	return Value{typ: TypeBoolean}
}

func Byte(v int8) Value { return Value{typ: TypeByte, num: uint64(uint8(v))} }

func Char(v uint16) Value { return Value{typ: TypeChar, num: uint64(v)} }

func Short(v int16) Value { return Value{typ: TypeShort, num: uint64(uint16(v))} }

func Int(v int32) Value { return Value{typ: TypeInt, num: uint64(uint32(v))} }

func Double(v float64) Value { return Value{typ: TypeDouble, num: math.Float64bits(v)} }

func String(v string) Value { return Value{typ: TypeString, str: v} }

func ServerObject(ref ObjectRef) Value { return Value{typ: TypeServerObject, ref: ref} }

func ScriptObject(ref ObjectRef) Value { return Value{typ: TypeScriptObject, ref: ref} }

func (v Value) Type() ValueType { return v.typ }

func (v Value) IsNull() bool { return v.typ == TypeNull }

func (v Value) IsUndefined() bool { return v.typ == TypeUndefined }

// IsNullish reports Null or Undefined.
func (v Value) IsNullish() bool { return v.typ == TypeNull || v.typ == TypeUndefined }

func (v Value) AsBool() (bool, bool) { return v.num != 0, v.typ == TypeBoolean }

func (v Value) AsByte() (int8, bool) { return int8(uint8(v.num)), v.typ == TypeByte }

func (v Value) AsChar() (uint16, bool) { return uint16(v.num), v.typ == TypeChar }

func (v Value) AsShort() (int16, bool) { return int16(uint16(v.num)), v.typ == TypeShort }

func (v Value) AsInt() (int32, bool) { return int32(uint32(v.num)), v.typ == TypeInt }

func (v Value) AsDouble() (float64, bool) {
	return math.Float64frombits(v.num), v.typ == TypeDouble
}

func (v Value) AsString() (string, bool) { return v.str, v.typ == TypeString }

// AsRef returns the object reference of a ServerObject or ScriptObject value.
func (v Value) AsRef() (ObjectRef, bool) {
	if v.typ == TypeServerObject || v.typ == TypeScriptObject {
		return v.ref, v.ref != nil
	}
	return nil, false
}

// Int64 widens any integral tag.
func (v Value) Int64() (int64, bool) {
	switch v.typ {
	case TypeByte:
		return int64(int8(uint8(v.num))), true
	case TypeChar:
		return int64(uint16(v.num)), true
	case TypeShort:
		return int64(int16(uint16(v.num))), true
	case TypeInt:
		return int64(int32(uint32(v.num))), true
	}
	return 0, false
}

// Float64 widens any numeric tag.
func (v Value) Float64() (float64, bool) {
	if v.typ == TypeDouble {
		return math.Float64frombits(v.num), true
	}
	if n, ok := v.Int64(); ok {
		return float64(n), true
	}
	return 0, false
}

// Equal compares tags and payloads; doubles compare bit for bit and refs by
// side, index and exception bit.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeString:
		return v.str == o.str
	case TypeServerObject, TypeScriptObject:
		if v.ref == nil || o.ref == nil {
			return v.ref == nil && o.ref == nil
		}
		return v.ref.ID() == o.ref.ID() && v.ref.Exception() == o.ref.Exception()
	}
	return v.num == o.num
}

func (v Value) String() string {
	switch v.typ {
	case TypeNull:
		return "null"
	case TypeUndefined:
		return "undefined"
	case TypeBoolean:
		return strconv.FormatBool(v.num != 0)
	case TypeString:
		return strconv.Quote(v.str)
	case TypeDouble:
		return strconv.FormatFloat(math.Float64frombits(v.num), 'g', -1, 64)
	case TypeServerObject, TypeScriptObject:
		if v.ref == nil {
			return v.typ.String() + "(nil)"
		}
		if v.ref.Exception() {
			return fmt.Sprintf("%s(!%d)", v.typ, v.ref.ID())
		}
		return fmt.Sprintf("%s(%d)", v.typ, v.ref.ID())
	}
	n, _ := v.Int64()
	return fmt.Sprintf("%s(%d)", v.typ, n)
}

// FromGo converts a native primitive into its Value. Integers pick the
// narrowest lossless tag between Int and Double; object references must be
// built explicitly with ServerObject or ScriptObject.
func FromGo(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int8:
		return Byte(t), nil
	case uint16:
		return Char(t), nil
	case int16:
		return Short(t), nil
	case int32:
		return Int(t), nil
	case int:
		return fromInt64(int64(t)), nil
	case int64:
		return fromInt64(t), nil
	case float32:
		return Double(float64(t)), nil
	case float64:
		return Double(t), nil
	case string:
		return String(t), nil
	}
	return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedGoValue, x)
}

func fromInt64(n int64) Value {
	if n >= math.MinInt32 && n <= math.MaxInt32 {
		return Int(int32(n))
	}
	return Double(float64(n))
}
