package compiler

import (
	"testing"

	"thidy/internal/vm"
)

// compileTypecheckRun compiles source, typechecks the result, then drives
// it to completion, failing the test on any compile error, typecheck
// error, or runtime error. Returns the VM for callers that want to poke
// at state afterward (none currently do).
func compileTypecheckRun(t *testing.T, source string) *vm.VM {
	t.Helper()
	prog, errs := Compile(source, Options{File: "<test>"})
	if len(errs) > 0 {
		t.Fatalf("compile errors: %v", errs)
	}
	v := vm.New()
	if tcErrs := v.Typecheck(prog); len(tcErrs) > 0 {
		t.Fatalf("typecheck errors: %v", tcErrs)
	}
	v.Init(prog)
	for {
		res, err := v.Run()
		if err != nil {
			t.Fatalf("runtime error: %v", err)
		}
		if res == vm.Done {
			return v
		}
	}
}

func TestArithmeticPrecedence(t *testing.T) {
	compileTypecheckRun(t, "1 + 1 * 2 <=> 3")
}

func TestFunctionCall(t *testing.T) {
	compileTypecheckRun(t, `
f := fn a: int, b: int -> int { ret a + b }
f(10, 20) <=> 30
`)
}

func TestRecursiveFactorial(t *testing.T) {
	compileTypecheckRun(t, `
factorial : fn int -> int = fn n: int -> int {
	if n <= 1 {
		ret 1
	}
	ret n * factorial(n - 1)
}
factorial(5) <=> 120
`)
}

func TestClosureCounterIndependence(t *testing.T) {
	compileTypecheckRun(t, `
makeCounter := fn -> fn -> int {
	n := 1
	ret fn -> int {
		n = n + 1
		ret n
	}
}
a := makeCounter()
b := makeCounter()
a() <=> 2
a() <=> 3
b() <=> 2
b() <=> 3
a() <=> 4
`)
}

func TestBlobFieldRoundTrip(t *testing.T) {
	compileTypecheckRun(t, `
blob Point {
	x: int,
	y: int
}
p := Point()
p.x = 7
p.y = 9
p.x <=> 7
p.y <=> 9
`)
}

func TestTopLevelUnreachable(t *testing.T) {
	prog, errs := Compile("<!>", Options{File: "<test>"})
	if len(errs) > 0 {
		t.Fatalf("compile errors: %v", errs)
	}
	v := vm.New()
	if tcErrs := v.Typecheck(prog); len(tcErrs) > 0 {
		t.Fatalf("typecheck errors: %v", tcErrs)
	}
	v.Init(prog)
	_, err := v.Run()
	if err == nil {
		t.Fatal("expected an Unreachable runtime error")
	}
	if err.Kind != vm.KindUnreachable {
		t.Fatalf("err.Kind = %v, want KindUnreachable", err.Kind)
	}
}

func TestPrintStatementCompilesAndRuns(t *testing.T) {
	compileTypecheckRun(t, `print 1 + 1`)
}

func TestMissingReturnIsTypeError(t *testing.T) {
	prog, errs := Compile("f : fn -> int = fn { }", Options{File: "<test>"})
	if len(errs) > 0 {
		t.Fatalf("compile errors: %v", errs)
	}
	v := vm.New()
	tcErrs := v.Typecheck(prog)
	if len(tcErrs) == 0 {
		t.Fatal("expected a TypeError for a function declared to return int with no return")
	}
	foundTypeError := false
	for _, e := range tcErrs {
		if e.Kind == vm.KindTypeError {
			foundTypeError = true
		}
	}
	if !foundTypeError {
		t.Fatalf("expected a KindTypeError among: %v", tcErrs)
	}
}

func TestCallingNonFunctionIsTypeError(t *testing.T) {
	prog, errs := Compile("f := fn i: int { i() }", Options{File: "<test>"})
	if len(errs) > 0 {
		t.Fatalf("compile errors: %v", errs)
	}
	v := vm.New()
	tcErrs := v.Typecheck(prog)
	if len(tcErrs) == 0 {
		t.Fatal("expected a TypeError for calling a non-function value")
	}
	foundTypeError := false
	for _, e := range tcErrs {
		if e.Kind == vm.KindTypeError {
			foundTypeError = true
		}
	}
	if !foundTypeError {
		t.Fatalf("expected a KindTypeError among: %v", tcErrs)
	}
}
