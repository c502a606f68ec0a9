package vm

import (
	"testing"

	"thidy/internal/bytecode"
)

// runBlock wraps block as block 0 of a one-block program and drives it to
// completion, returning the final OpResult/error.
func runBlock(t *testing.T, block *bytecode.Block) (*VM, OpResult, *Error) {
	t.Helper()
	block.Ty = FuncType(nil, Void)
	prog := &Program{Blocks: []*bytecode.Block{block}}
	v := New()
	v.Init(prog)
	res, err := v.Run()
	return v, res, err
}

func TestArithmeticAdd(t *testing.T) {
	b := bytecode.NewBlock("main", "t.tdy", 1)
	b.Add(bytecode.Op{Code: bytecode.Constant, Const: IntValue(2)}, 1)
	b.Add(bytecode.Op{Code: bytecode.Constant, Const: IntValue(3)}, 1)
	b.Add(bytecode.Op{Code: bytecode.Add}, 1)
	b.Add(bytecode.Op{Code: bytecode.Constant, Const: IntValue(5)}, 1)
	b.Add(bytecode.Op{Code: bytecode.Equal}, 1)
	b.Add(bytecode.Op{Code: bytecode.Assert}, 1)
	b.Add(bytecode.Op{Code: bytecode.Pop}, 1)
	b.Add(bytecode.Op{Code: bytecode.Constant, Const: Nil()}, 1)
	b.Add(bytecode.Op{Code: bytecode.Return}, 1)

	_, res, err := runBlock(t, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != Done {
		t.Fatalf("result = %v, want Done", res)
	}
}

func TestIntegerDivisionByZero(t *testing.T) {
	b := bytecode.NewBlock("main", "t.tdy", 1)
	b.Add(bytecode.Op{Code: bytecode.Constant, Const: IntValue(1)}, 1)
	b.Add(bytecode.Op{Code: bytecode.Constant, Const: IntValue(0)}, 1)
	b.Add(bytecode.Op{Code: bytecode.Div}, 1)
	b.Add(bytecode.Op{Code: bytecode.Return}, 1)

	_, _, err := runBlock(t, b)
	if err == nil {
		t.Fatal("expected a runtime type error for integer division by zero")
	}
	if err.Kind != KindRuntimeTypeError {
		t.Fatalf("err.Kind = %v, want KindRuntimeTypeError", err.Kind)
	}
}

func TestComparisonLess(t *testing.T) {
	b := bytecode.NewBlock("main", "t.tdy", 1)
	b.Add(bytecode.Op{Code: bytecode.Constant, Const: IntValue(1)}, 1)
	b.Add(bytecode.Op{Code: bytecode.Constant, Const: IntValue(2)}, 1)
	b.Add(bytecode.Op{Code: bytecode.Less}, 1)
	b.Add(bytecode.Op{Code: bytecode.Assert}, 1)
	b.Add(bytecode.Op{Code: bytecode.Pop}, 1)
	b.Add(bytecode.Op{Code: bytecode.Constant, Const: Nil()}, 1)
	b.Add(bytecode.Op{Code: bytecode.Return}, 1)

	_, res, err := runBlock(t, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != Done {
		t.Fatalf("result = %v, want Done", res)
	}
}

func TestAssertFailureRaises(t *testing.T) {
	b := bytecode.NewBlock("main", "t.tdy", 1)
	b.Add(bytecode.Op{Code: bytecode.Constant, Const: BoolValue(false)}, 1)
	b.Add(bytecode.Op{Code: bytecode.Assert}, 1)
	b.Add(bytecode.Op{Code: bytecode.Return}, 1)

	_, _, err := runBlock(t, b)
	if err == nil {
		t.Fatal("expected an Assert error")
	}
	if err.Kind != KindAssert {
		t.Fatalf("err.Kind = %v, want KindAssert", err.Kind)
	}
}

func TestUnreachableRaises(t *testing.T) {
	b := bytecode.NewBlock("main", "t.tdy", 1)
	b.Add(bytecode.Op{Code: bytecode.Unreachable}, 1)

	_, _, err := runBlock(t, b)
	if err == nil {
		t.Fatal("expected an Unreachable error")
	}
	if err.Kind != KindUnreachable {
		t.Fatalf("err.Kind = %v, want KindUnreachable", err.Kind)
	}
}

func TestBlobGetSet(t *testing.T) {
	blob := NewBlobLayout("Point")
	blob.AddField("x", Int)
	blob.AddField("y", Int)

	b := bytecode.NewBlock("main", "t.tdy", 1)
	b.Ty = FuncType(nil, Void)
	b.Add(bytecode.Op{Code: bytecode.Constant, Const: BlobValue(0)}, 1)
	b.Add(bytecode.Op{Code: bytecode.Call, Int: 0}, 1)
	// stack: [closure, instance] — instance occupies local slot 1.
	b.Add(bytecode.Op{Code: bytecode.ReadLocal, Int: 1}, 1)
	b.Add(bytecode.Op{Code: bytecode.Constant, Const: IntValue(7)}, 1)
	b.Add(bytecode.Op{Code: bytecode.Set, Str: "x"}, 1)
	b.Add(bytecode.Op{Code: bytecode.ReadLocal, Int: 1}, 1)
	b.Add(bytecode.Op{Code: bytecode.Get, Str: "x"}, 1)
	b.Add(bytecode.Op{Code: bytecode.Constant, Const: IntValue(7)}, 1)
	b.Add(bytecode.Op{Code: bytecode.Equal}, 1)
	b.Add(bytecode.Op{Code: bytecode.Assert}, 1)
	b.Add(bytecode.Op{Code: bytecode.Pop}, 1)
	b.Add(bytecode.Op{Code: bytecode.Constant, Const: Nil()}, 1)
	b.Add(bytecode.Op{Code: bytecode.Return}, 1)

	prog := &Program{Blocks: []*bytecode.Block{b}, Blobs: []*BlobLayout{blob}}
	v := New()
	v.Init(prog)
	res, err := v.Run()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != Done {
		t.Fatalf("result = %v, want Done", res)
	}
}

func TestClosureUpvalueCounter(t *testing.T) {
	// Build: inner block captures local slot 1 of outer (the counter),
	// reads it, adds 1, writes it back, returns the new value.
	inner := bytecode.NewBlock("counter", "t.tdy", 1)
	inner.Ty = FuncType(nil, Int)
	inner.Ups = []*bytecode.Capture{{Slot: 1, IsUp: false, Type: Int}}
	inner.Add(bytecode.Op{Code: bytecode.ReadUpvalue, Int: 0}, 1)
	inner.Add(bytecode.Op{Code: bytecode.Constant, Const: IntValue(1)}, 1)
	inner.Add(bytecode.Op{Code: bytecode.Add}, 1)
	// sum now occupies local slot 1 by stack position; dup it so one copy
	// feeds AssignUpvalue and the other is left for Return.
	inner.Add(bytecode.Op{Code: bytecode.ReadLocal, Int: 1}, 1)
	inner.Add(bytecode.Op{Code: bytecode.AssignUpvalue, Int: 0}, 1)
	inner.Add(bytecode.Op{Code: bytecode.Return}, 1)

	outer := bytecode.NewBlock("main", "t.tdy", 1)
	outer.Ty = FuncType(nil, Void)
	// slot 0: outer's own closure (implicit). slot 1: counter local = 0.
	outer.Add(bytecode.Op{Code: bytecode.Constant, Const: IntValue(0)}, 1)
	// push closure over inner, capturing slot 1
	outer.Add(bytecode.Op{Code: bytecode.Constant, Const: FunctionValue(&Closure{Block: inner})}, 1)
	outer.Add(bytecode.Op{Code: bytecode.Call, Int: 0}, 1)
	outer.Add(bytecode.Op{Code: bytecode.Constant, Const: IntValue(1)}, 1)
	outer.Add(bytecode.Op{Code: bytecode.Equal}, 1)
	outer.Add(bytecode.Op{Code: bytecode.Assert}, 1)
	outer.Add(bytecode.Op{Code: bytecode.Pop}, 1)
	outer.Add(bytecode.Op{Code: bytecode.Constant, Const: Nil()}, 1)
	outer.Add(bytecode.Op{Code: bytecode.Return}, 1)

	prog := &Program{Blocks: []*bytecode.Block{outer}}
	v := New()
	v.Init(prog)
	res, err := v.Run()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != Done {
		t.Fatalf("result = %v, want Done", res)
	}
}

func TestCallAndReturn(t *testing.T) {
	callee := bytecode.NewBlock("add1", "t.tdy", 1)
	callee.Ty = FuncType([]Type{Int}, Int)
	callee.Add(bytecode.Op{Code: bytecode.ReadLocal, Int: 1}, 1)
	callee.Add(bytecode.Op{Code: bytecode.Constant, Const: IntValue(1)}, 1)
	callee.Add(bytecode.Op{Code: bytecode.Add}, 1)
	callee.Add(bytecode.Op{Code: bytecode.Return}, 1)

	main := bytecode.NewBlock("main", "t.tdy", 1)
	main.Ty = FuncType(nil, Void)
	main.Add(bytecode.Op{Code: bytecode.Constant, Const: FunctionValue(&Closure{Block: callee})}, 1)
	main.Add(bytecode.Op{Code: bytecode.Constant, Const: IntValue(41)}, 1)
	main.Add(bytecode.Op{Code: bytecode.Call, Int: 1}, 1)
	main.Add(bytecode.Op{Code: bytecode.Constant, Const: IntValue(42)}, 1)
	main.Add(bytecode.Op{Code: bytecode.Equal}, 1)
	main.Add(bytecode.Op{Code: bytecode.Assert}, 1)
	main.Add(bytecode.Op{Code: bytecode.Pop}, 1)
	main.Add(bytecode.Op{Code: bytecode.Constant, Const: Nil()}, 1)
	main.Add(bytecode.Op{Code: bytecode.Return}, 1)

	prog := &Program{Blocks: []*bytecode.Block{main}}
	v := New()
	v.Init(prog)
	res, err := v.Run()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != Done {
		t.Fatalf("result = %v, want Done", res)
	}
}

func TestYieldSuspendsAndResumes(t *testing.T) {
	b := bytecode.NewBlock("main", "t.tdy", 1)
	b.Ty = FuncType(nil, Void)
	b.Add(bytecode.Op{Code: bytecode.Yield}, 1)
	b.Add(bytecode.Op{Code: bytecode.Constant, Const: Nil()}, 1)
	b.Add(bytecode.Op{Code: bytecode.Return}, 1)

	prog := &Program{Blocks: []*bytecode.Block{b}}
	v := New()
	v.Init(prog)

	res, err := v.Run()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != Yield {
		t.Fatalf("first Run() = %v, want Yield", res)
	}

	res, err = v.Run()
	if err != nil {
		t.Fatalf("unexpected error on resume: %v", err)
	}
	if res != Done {
		t.Fatalf("second Run() = %v, want Done", res)
	}
}

func TestExternFunctionCall(t *testing.T) {
	called := false
	echo := func(args []Value, isTypecheck bool) (Value, error) {
		called = true
		return args[0], nil
	}

	b := bytecode.NewBlock("main", "t.tdy", 1)
	b.Ty = FuncType(nil, Void)
	b.Add(bytecode.Op{Code: bytecode.Constant, Const: ExternValue(0)}, 1)
	b.Add(bytecode.Op{Code: bytecode.Constant, Const: IntValue(9)}, 1)
	b.Add(bytecode.Op{Code: bytecode.Call, Int: 1}, 1)
	b.Add(bytecode.Op{Code: bytecode.Constant, Const: IntValue(9)}, 1)
	b.Add(bytecode.Op{Code: bytecode.Equal}, 1)
	b.Add(bytecode.Op{Code: bytecode.Assert}, 1)
	b.Add(bytecode.Op{Code: bytecode.Pop}, 1)
	b.Add(bytecode.Op{Code: bytecode.Constant, Const: Nil()}, 1)
	b.Add(bytecode.Op{Code: bytecode.Return}, 1)

	prog := &Program{Blocks: []*bytecode.Block{b}, Externs: []ExternFunc{echo}}
	v := New()
	v.Init(prog)
	res, err := v.Run()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != Done {
		t.Fatalf("result = %v, want Done", res)
	}
	if !called {
		t.Fatal("extern function was never invoked")
	}
}
