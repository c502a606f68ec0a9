package vm

import "fmt"

// Kind tags a Type the way Value is tagged — a small closed set matching
// spec §3's Type taxonomy.
type Kind uint8

const (
	KindVoid Kind = iota
	KindUnknown
	KindInt
	KindFloat
	KindBool
	KindString
	KindBlob
	KindBlobInstance
	KindFunction
)

// Type is the static counterpart of Value. Blob/BlobInstance carry a blob
// table id; Function carries argument types and a return type.
type Type struct {
	Kind   Kind
	BlobID int
	Args   []Type
	Ret    *Type
}

var (
	Void    = Type{Kind: KindVoid}
	Unknown = Type{Kind: KindUnknown}
	Int     = Type{Kind: KindInt}
	Float   = Type{Kind: KindFloat}
	Bool    = Type{Kind: KindBool}
	String  = Type{Kind: KindString}
)

func BlobType(id int) Type         { return Type{Kind: KindBlob, BlobID: id} }
func BlobInstanceType(id int) Type { return Type{Kind: KindBlobInstance, BlobID: id} }

func FuncType(args []Type, ret Type) Type {
	r := ret
	return Type{Kind: KindFunction, Args: args, Ret: &r}
}

// Equals implements spec §3's structural equality: Function types equal
// iff their argument lists are pairwise equal and their return types
// equal; Blob/BlobInstance equal iff their ids match; Unknown never
// equals anything, including another Unknown — it's a sentinel for "not
// yet inferred," not a wildcard.
func (t Type) Equals(o Type) bool {
	if t.Kind == KindUnknown || o.Kind == KindUnknown {
		return false
	}
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case KindBlob, KindBlobInstance:
		return t.BlobID == o.BlobID
	case KindFunction:
		if len(t.Args) != len(o.Args) {
			return false
		}
		for i := range t.Args {
			if !t.Args[i].Equals(o.Args[i]) {
				return false
			}
		}
		return t.Ret.Equals(*o.Ret)
	default:
		return true
	}
}

func (t Type) IsUnknown() bool { return t.Kind == KindUnknown }

func (t Type) String() string {
	switch t.Kind {
	case KindVoid:
		return "void"
	case KindUnknown:
		return "unknown"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindBlob:
		return fmt.Sprintf("blob#%d", t.BlobID)
	case KindBlobInstance:
		return fmt.Sprintf("instance#%d", t.BlobID)
	case KindFunction:
		return fmt.Sprintf("fn%v -> %v", t.Args, *t.Ret)
	default:
		return "?"
	}
}

// AsValue produces the default/identity value of t — used both to seed
// the typechecker's synthetic stack (spec §4.4) and to default-initialize
// blob instance fields during typecheck-time Call(n) (spec §4.4 rule 6).
func (t Type) AsValue() Value {
	switch t.Kind {
	case KindVoid:
		return Nil()
	case KindUnknown:
		return UnknownValue()
	case KindInt:
		return IntValue(1)
	case KindFloat:
		return FloatValue(1.0)
	case KindBool:
		return BoolValue(true)
	case KindString:
		return StringValue("")
	case KindBlob:
		return BlobValue(t.BlobID)
	case KindBlobInstance:
		return Value{Kind: ValBlobInstance, Instance: &BlobInstance{BlobID: t.BlobID}}
	case KindFunction:
		return Value{Kind: ValFunction, Closure: &Closure{Block: blockFromType(t)}}
	default:
		return Nil()
	}
}
