package vm

import (
	"fmt"

	"thidy/internal/bytecode"
)

// ValueKind tags a Value's active variant (spec §3).
type ValueKind uint8

const (
	ValNil ValueKind = iota
	ValUnknown
	ValInt
	ValFloat
	ValBool
	ValString
	ValBlob
	ValBlobInstance
	ValFunction
	ValExternFunction
)

// Value is the tagged runtime value. Go strings already share their
// backing bytes on copy, so Str needs no extra indirection to satisfy
// spec §3's "shared-ownership immutable byte sequence." BlobInstance and
// Function hold pointers so every holder shares the same mutable cells.
type Value struct {
	Kind     ValueKind
	Int      int64
	Float    float64
	Bool     bool
	Str      string
	BlobID   int
	Instance *BlobInstance
	Closure  *Closure
	Extern   int
}

// BlobInstance is the shared, mutable field vector backing a blob value.
// Every Value that holds a pointer to the same BlobInstance observes the
// same field writes (spec §3 "BlobInstances share their field vector").
type BlobInstance struct {
	BlobID int
	Fields []Value
}

// Closure pairs a Block with the bound upvalue cells its capture
// descriptor calls for, one per entry (spec §3 Function variant).
type Closure struct {
	Block *bytecode.Block
	Ups   []*UpValue
}

func Nil() Value                  { return Value{Kind: ValNil} }
func UnknownValue() Value         { return Value{Kind: ValUnknown} }
func IntValue(i int64) Value      { return Value{Kind: ValInt, Int: i} }
func FloatValue(f float64) Value  { return Value{Kind: ValFloat, Float: f} }
func BoolValue(b bool) Value      { return Value{Kind: ValBool, Bool: b} }
func StringValue(s string) Value  { return Value{Kind: ValString, Str: s} }
func BlobValue(id int) Value      { return Value{Kind: ValBlob, BlobID: id} }
func ExternValue(slot int) Value  { return Value{Kind: ValExternFunction, Extern: slot} }
func FunctionValue(c *Closure) Value {
	return Value{Kind: ValFunction, Closure: c}
}

// Identity collapses a value to the canonical representative of its type
// (spec §4.4 rule 1): Int->Int(1), Float->Float(1.0), Bool->Bool(true),
// everything else unchanged. This is what lets the typechecker compare
// "types" while only ever holding ordinary Values.
func (v Value) Identity() Value {
	switch v.Kind {
	case ValInt:
		return IntValue(1)
	case ValFloat:
		return FloatValue(1.0)
	case ValBool:
		return BoolValue(true)
	default:
		return v
	}
}

// AsType maps a value to its static type (used both at runtime for error
// messages and, more importantly, throughout the typechecker).
func (v Value) AsType() Type {
	switch v.Kind {
	case ValBlobInstance:
		return BlobInstanceType(v.Instance.BlobID)
	case ValBlob:
		return BlobType(v.BlobID)
	case ValInt:
		return Int
	case ValFloat:
		return Float
	case ValBool:
		return Bool
	case ValString:
		return String
	case ValFunction:
		if t, ok := v.Closure.Block.Ty.(Type); ok {
			return t
		}
		return Void
	case ValExternFunction:
		// spec §9 open question (ii): modeled as Void, weaker checking
		// than a user function gets.
		return Void
	case ValUnknown:
		return Unknown
	default:
		return Void
	}
}

func (v Value) String() string {
	switch v.Kind {
	case ValNil:
		return "nil"
	case ValUnknown:
		return "unknown"
	case ValInt:
		return fmt.Sprintf("%d", v.Int)
	case ValFloat:
		return fmt.Sprintf("%g", v.Float)
	case ValBool:
		return fmt.Sprintf("%t", v.Bool)
	case ValString:
		return fmt.Sprintf("%q", v.Str)
	case ValBlob:
		return fmt.Sprintf("<blob %d>", v.BlobID)
	case ValBlobInstance:
		return fmt.Sprintf("<instance %d %v>", v.Instance.BlobID, v.Instance.Fields)
	case ValFunction:
		return fmt.Sprintf("<fn %s>", v.Closure.Block.Name)
	case ValExternFunction:
		return fmt.Sprintf("<extern fn %d>", v.Extern)
	default:
		return "?"
	}
}

// blockFromType builds an empty stand-in block used only so a function
// value's AsType() has somewhere to read its signature back from — this
// mirrors Block::from_type in the reference implementation, needed
// because Type.AsValue() must be able to produce a Function value purely
// from a Type, with no real compiled body behind it.
func blockFromType(t Type) *bytecode.Block {
	b := bytecode.NewBlock("/default/", "", 0)
	b.Ty = t
	return b
}
