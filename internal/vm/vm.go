package vm

import (
	"fmt"

	"thidy/internal/bytecode"
)

// OpResult is the outcome of one evaluation step, or of a whole Run call
// (spec §2, §5, Glossary).
type OpResult int

const (
	Continue OpResult = iota
	Yield
	Done
)

// Printer renders diagnostic output (spec §6 "Diagnostic output"). Its
// format is explicitly not part of any contract — VM only needs somewhere
// to send a block dump and a per-opcode stack snapshot when the
// PrintBlocks/PrintOps flags are set. The default VM uses a no-op
// Printer; internal/diagnostic supplies the real (colored) one.
type Printer interface {
	PrintBlock(b *bytecode.Block)
	PrintStep(stack []Value, frame Frame)
}

type noopPrinter struct{}

func (noopPrinter) PrintBlock(*bytecode.Block) {}
func (noopPrinter) PrintStep([]Value, Frame)   {}

// VM is the stack machine of spec §2/§4: one operand stack, one frame
// stack, an open-upvalue registry keyed by absolute stack slot, and the
// immutable Program state (blobs, externs) it was initialized with.
type VM struct {
	stack   []Value
	frames  []Frame
	upvalue map[int]*UpValue

	blobs   []*BlobLayout
	externs []ExternFunc

	printBlocks bool
	printOps    bool
	printer     Printer

	maxCallDepth int
}

// New returns a VM with no program loaded yet — call Typecheck then Init
// before Run.
func New() *VM {
	return &VM{
		upvalue:      make(map[int]*UpValue),
		printer:      noopPrinter{},
		maxCallDepth: 4096,
	}
}

// PrintBlocks toggles whether Typecheck and Run dump block disassembly
// through the configured Printer: Typecheck dumps every block before
// checking it, Run dumps the active block when it starts and each
// callee's block when it is called (spec §6).
func (v *VM) PrintBlocks(b bool) *VM {
	v.printBlocks = b
	return v
}

// PrintOps toggles per-opcode stack snapshots through the Printer
// (spec §6).
func (v *VM) PrintOps(b bool) *VM {
	v.printOps = b
	return v
}

// WithPrinter installs the Printer used when PrintBlocks/PrintOps are on.
func (v *VM) WithPrinter(p Printer) *VM {
	v.printer = p
	return v
}

func (v *VM) frame() *Frame {
	return &v.frames[len(v.frames)-1]
}

// CurrentFrame exposes the active frame to hosts outside the package
// (the debug server's breakpoint check) without handing out the frame
// slice itself. Returns nil if nothing is running.
func (v *VM) CurrentFrame() *Frame {
	if len(v.frames) == 0 {
		return nil
	}
	return v.frame()
}

// Frames returns the live call stack, outermost frame first, copied so
// callers can't mutate VM state through it.
func (v *VM) Frames() []Frame {
	out := make([]Frame, len(v.frames))
	copy(out, v.frames)
	return out
}

// StackStrings renders the current operand stack (from the active
// frame's own base) the way Printer.PrintStep does, for hosts that want
// a snapshot without implementing Printer themselves.
func (v *VM) StackStrings() []string {
	if len(v.frames) == 0 {
		return nil
	}
	base := v.frame().StackOffset
	out := make([]string, 0, len(v.stack)-base)
	for _, val := range v.stack[base:] {
		out = append(out, val.String())
	}
	return out
}

func (v *VM) currentOp() bytecode.Op {
	f := v.frame()
	return f.Block.Ops[f.IP]
}

func (v *VM) raise(kind ErrorKind, message string) *Error {
	f := v.frame()
	return &Error{
		Kind:    kind,
		File:    f.Block.File,
		Line:    f.Block.Line(f.IP),
		Message: message,
	}
}

func (v *VM) raiseTypeOp(kind ErrorKind, op bytecode.Op, values []Value, message string) *Error {
	e := v.raise(kind, message)
	e.Op = op
	e.Values = values
	return e
}

func (v *VM) pop() Value {
	n := len(v.stack) - 1
	val := v.stack[n]
	v.stack = v.stack[:n]
	return val
}

// popTwice pops the top two values and returns them in the order they
// were pushed (first-pushed, second-pushed) — spec's binary opcodes are
// all "a op b" where a was pushed before b.
func (v *VM) popTwice() (Value, Value) {
	b := v.pop()
	a := v.pop()
	return a, b
}

func (v *VM) push(val Value) {
	v.stack = append(v.stack, val)
}

// findUpvalue returns the single open upvalue cell registered for an
// absolute stack slot, creating it on first request (spec §4.3, §5: "at
// most one open cell per slot").
func (v *VM) findUpvalue(slot int) *UpValue {
	if up, ok := v.upvalue[slot]; ok {
		return up
	}
	up := NewOpenUpValue(slot)
	v.upvalue[slot] = up
	return up
}

// dropUpvalue closes the open cell at slot with value and removes it
// from the registry — the registry never contains closed cells
// (spec §5).
func (v *VM) dropUpvalue(slot int, value Value) {
	up, ok := v.upvalue[slot]
	if !ok {
		panic("thidy/vm: dropUpvalue on slot with no open upvalue")
	}
	up.Close(value)
	delete(v.upvalue, slot)
}

// Init resets the VM and seeds the root frame from block 0, with a
// synthetic closure value (no captures — block 0 can't capture anything)
// occupying absolute slot 0, per spec §3 ("a slot value of zero is
// reserved to mean closed... the root function occupies it").
func (v *VM) Init(prog *Program) {
	v.blobs = prog.Blobs
	v.externs = prog.Externs
	v.stack = v.stack[:0]
	v.frames = v.frames[:0]
	v.upvalue = make(map[int]*UpValue)

	block := prog.Blocks[0]
	v.push(FunctionValue(&Closure{Block: block}))
	v.frames = append(v.frames, Frame{Block: block, StackOffset: 0, IP: 0})
}

// Run drives the evaluation loop until Return pops the last frame (Done)
// or a Yield opcode suspends cooperatively (spec §2, §5). Calling Run
// again after a Yield resumes at the next opcode, since ip has already
// advanced past the Yield.
func (v *VM) Run() (OpResult, *Error) {
	if v.printBlocks {
		v.printer.PrintBlock(v.frame().Block)
	}
	for {
		if v.printOps {
			v.printer.PrintStep(v.stack, *v.frame())
		}
		result, err := v.step(v.currentOp())
		if err != nil {
			return Continue, err
		}
		if result == Done || result == Yield {
			return result, nil
		}
	}
}

// step executes exactly one opcode, advancing ip for everything except
// Jmp/JmpFalse-taken (which set ip directly) and Return/Call (which
// manage the frame stack themselves). This is spec §4.1's opcode table.
func (v *VM) step(op bytecode.Op) (OpResult, *Error) {
	switch op.Code {
	case bytecode.Illegal:
		return Continue, v.raise(KindInvalidProgram, "illegal opcode")

	case bytecode.Unreachable:
		return Continue, v.raise(KindUnreachable, "")

	case bytecode.Pop:
		v.pop()

	case bytecode.PopUpvalue:
		value := v.pop()
		slot := len(v.stack)
		v.dropUpvalue(slot, value)

	case bytecode.Constant:
		v.push(v.materializeConstant(op))

	case bytecode.Get:
		inst := v.pop()
		if inst.Kind != ValBlobInstance {
			return Continue, v.raiseTypeOp(KindRuntimeTypeError, op, []Value{inst}, "Get on non-instance")
		}
		slot := v.blobs[inst.Instance.BlobID].Fields[op.Str].Slot
		v.push(inst.Instance.Fields[slot])

	case bytecode.Set:
		value := v.pop()
		inst := v.pop()
		if inst.Kind != ValBlobInstance {
			return Continue, v.raiseTypeOp(KindRuntimeTypeError, op, []Value{inst}, "Set on non-instance")
		}
		slot := v.blobs[inst.Instance.BlobID].Fields[op.Str].Slot
		inst.Instance.Fields[slot] = value

	case bytecode.Neg:
		a := v.pop()
		switch a.Kind {
		case ValFloat:
			v.push(FloatValue(-a.Float))
		case ValInt:
			v.push(IntValue(-a.Int))
		default:
			return Continue, v.raiseTypeOp(KindRuntimeTypeError, op, []Value{a}, "")
		}

	case bytecode.Add:
		a, b := v.popTwice()
		switch {
		case a.Kind == ValFloat && b.Kind == ValFloat:
			v.push(FloatValue(a.Float + b.Float))
		case a.Kind == ValInt && b.Kind == ValInt:
			v.push(IntValue(a.Int + b.Int))
		case a.Kind == ValString && b.Kind == ValString:
			v.push(StringValue(a.Str + b.Str))
		default:
			return Continue, v.raiseTypeOp(KindRuntimeTypeError, op, []Value{a, b}, "")
		}

	case bytecode.Sub:
		a, b := v.popTwice()
		switch {
		case a.Kind == ValFloat && b.Kind == ValFloat:
			v.push(FloatValue(a.Float - b.Float))
		case a.Kind == ValInt && b.Kind == ValInt:
			v.push(IntValue(a.Int - b.Int))
		default:
			return Continue, v.raiseTypeOp(KindRuntimeTypeError, op, []Value{a, b}, "")
		}

	case bytecode.Mul:
		a, b := v.popTwice()
		switch {
		case a.Kind == ValFloat && b.Kind == ValFloat:
			v.push(FloatValue(a.Float * b.Float))
		case a.Kind == ValInt && b.Kind == ValInt:
			v.push(IntValue(a.Int * b.Int))
		default:
			return Continue, v.raiseTypeOp(KindRuntimeTypeError, op, []Value{a, b}, "")
		}

	case bytecode.Div:
		a, b := v.popTwice()
		switch {
		case a.Kind == ValFloat && b.Kind == ValFloat:
			v.push(FloatValue(a.Float / b.Float))
		case a.Kind == ValInt && b.Kind == ValInt:
			if b.Int == 0 {
				return Continue, v.raiseTypeOp(KindRuntimeTypeError, op, []Value{a, b}, "integer division by zero")
			}
			v.push(IntValue(a.Int / b.Int))
		default:
			return Continue, v.raiseTypeOp(KindRuntimeTypeError, op, []Value{a, b}, "")
		}

	case bytecode.And:
		a, b := v.popTwice()
		if a.Kind != ValBool || b.Kind != ValBool {
			return Continue, v.raiseTypeOp(KindRuntimeTypeError, op, []Value{a, b}, "")
		}
		v.push(BoolValue(a.Bool && b.Bool))

	case bytecode.Or:
		a, b := v.popTwice()
		if a.Kind != ValBool || b.Kind != ValBool {
			return Continue, v.raiseTypeOp(KindRuntimeTypeError, op, []Value{a, b}, "")
		}
		v.push(BoolValue(a.Bool || b.Bool))

	case bytecode.Not:
		a := v.pop()
		if a.Kind != ValBool {
			return Continue, v.raiseTypeOp(KindRuntimeTypeError, op, []Value{a}, "")
		}
		v.push(BoolValue(!a.Bool))

	case bytecode.Equal:
		a, b := v.popTwice()
		eq, err := valuesEqual(a, b)
		if err != nil {
			return Continue, v.raiseTypeOp(KindRuntimeTypeError, op, []Value{a, b}, "")
		}
		v.push(BoolValue(eq))

	case bytecode.Less:
		a, b := v.popTwice()
		res, err := compareValues(a, b)
		if err != nil {
			return Continue, v.raiseTypeOp(KindRuntimeTypeError, op, []Value{a, b}, "")
		}
		v.push(BoolValue(res < 0))

	case bytecode.Greater:
		a, b := v.popTwice()
		res, err := compareValues(a, b)
		if err != nil {
			return Continue, v.raiseTypeOp(KindRuntimeTypeError, op, []Value{a, b}, "")
		}
		v.push(BoolValue(res > 0))

	case bytecode.Jmp:
		v.frame().IP = op.Int
		return Continue, nil

	case bytecode.JmpFalse:
		top := v.pop()
		if top.Kind == ValBool && !top.Bool {
			v.frame().IP = op.Int
			return Continue, nil
		}

	case bytecode.Assert:
		top := v.pop()
		if top.Kind == ValBool && !top.Bool {
			return Continue, v.raise(KindAssert, "")
		}
		v.push(BoolValue(true))

	case bytecode.ReadLocal:
		v.push(v.stack[v.frame().StackOffset+op.Int])

	case bytecode.AssignLocal:
		val := v.pop()
		v.stack[v.frame().StackOffset+op.Int] = val

	case bytecode.ReadUpvalue:
		closure := v.stack[v.frame().StackOffset].Closure
		v.push(closure.Ups[op.Int].Get(v.stack))

	case bytecode.AssignUpvalue:
		val := v.pop()
		closure := v.stack[v.frame().StackOffset].Closure
		closure.Ups[op.Int].Set(v.stack, val)

	case bytecode.Define:
		// typecheck-only, no runtime effect (spec §4.1).

	case bytecode.Call:
		return v.call(op)

	case bytecode.Print:
		fmt.Printf("PRINT: %s\n", v.pop().String())

	case bytecode.Return:
		return v.doReturn()

	case bytecode.Yield:
		v.frame().IP++
		return Yield, nil

	default:
		return Continue, v.raise(KindInvalidProgram, "unknown opcode")
	}

	v.frame().IP++
	return Continue, nil
}

// materializeConstant implements spec §4.3: pushing a Function literal
// whose block captures anything builds a fresh closure whose Ups are
// clones of the currently-executing closure's own cells (IsUp entries)
// or freshly-registered/looked-up open cells over the enclosing frame's
// locals (non-IsUp entries). Every closure capturing the same absolute
// slot therefore shares one open cell.
func (v *VM) materializeConstant(op bytecode.Op) Value {
	val, ok := op.Const.(Value)
	if !ok {
		return Nil()
	}
	if val.Kind != ValFunction || len(val.Closure.Block.Ups) == 0 {
		return val
	}
	offset := v.frame().StackOffset
	enclosing := v.stack[offset].Closure
	ups := make([]*UpValue, len(val.Closure.Block.Ups))
	for i, c := range val.Closure.Block.Ups {
		if c.IsUp {
			ups[i] = enclosing.Ups[c.Slot]
		} else {
			ups[i] = v.findUpvalue(offset + c.Slot)
		}
	}
	return FunctionValue(&Closure{Block: val.Closure.Block, Ups: ups})
}

// call implements spec §4.2's three callee cases.
func (v *VM) call(op bytecode.Op) (OpResult, *Error) {
	n := op.Int
	base := len(v.stack) - 1 - n
	callee := v.stack[base]

	switch callee.Kind {
	case ValBlob:
		layout := v.blobs[callee.BlobID]
		fields := make([]Value, len(layout.Fields))
		for i := range fields {
			fields[i] = Nil()
		}
		v.stack = v.stack[:base]
		v.push(Value{Kind: ValBlobInstance, Instance: &BlobInstance{BlobID: callee.BlobID, Fields: fields}})

	case ValFunction:
		arity := len(callee.Closure.Block.Ty.(Type).Args)
		if arity != n {
			return Continue, v.raise(KindInvalidProgram, "wrong number of arguments to function call")
		}
		if len(v.frames) >= v.maxCallDepth {
			return Continue, v.raise(KindInvalidProgram, "call stack exhausted")
		}
		if v.printBlocks {
			v.printer.PrintBlock(callee.Closure.Block)
		}
		v.frames = append(v.frames, Frame{Block: callee.Closure.Block, StackOffset: base, IP: 0})
		return Continue, nil

	case ValExternFunction:
		fn := v.externs[callee.Extern]
		result, err := fn(v.stack[base+1:], false)
		if err != nil {
			return Continue, v.raise(KindExternError, err.Error())
		}
		v.stack = v.stack[:base]
		v.push(result)

	default:
		return Continue, v.raise(KindInvalidProgram, "call of non-callable value")
	}

	v.frame().IP++
	return Continue, nil
}

// doReturn implements spec §4.2's Return: the only place frame-scoped
// upvalues are closed en masse — every live slot above the returning
// frame's own base that still has an open upvalue gets closed with its
// final value before the stack is truncated back to the caller's frame.
func (v *VM) doReturn() (OpResult, *Error) {
	r := v.pop()
	last := v.frames[len(v.frames)-1]
	v.frames = v.frames[:len(v.frames)-1]

	if len(v.frames) == 0 {
		return Done, nil
	}

	v.stack[last.StackOffset] = r
	for slot := last.StackOffset + 1; slot < len(v.stack); slot++ {
		if _, open := v.upvalue[slot]; open {
			v.dropUpvalue(slot, v.stack[slot])
		}
	}
	v.stack = v.stack[:last.StackOffset+1]

	v.frame().IP++
	return Continue, nil
}

func valuesEqual(a, b Value) (bool, error) {
	switch {
	case a.Kind == ValFloat && b.Kind == ValFloat:
		return a.Float == b.Float, nil
	case a.Kind == ValInt && b.Kind == ValInt:
		return a.Int == b.Int, nil
	case a.Kind == ValString && b.Kind == ValString:
		return a.Str == b.Str, nil
	case a.Kind == ValBool && b.Kind == ValBool:
		return a.Bool == b.Bool, nil
	default:
		return false, errUnsupportedCompare
	}
}

// compareValues returns <0, 0, >0 for a<b, a==b, a>b. Bool ordering
// treats false < true, matching the reference implementation's blanket
// Ord derive across all four comparable kinds.
func compareValues(a, b Value) (int, error) {
	switch {
	case a.Kind == ValFloat && b.Kind == ValFloat:
		return cmpFloat(a.Float, b.Float), nil
	case a.Kind == ValInt && b.Kind == ValInt:
		return cmpInt(a.Int, b.Int), nil
	case a.Kind == ValString && b.Kind == ValString:
		return cmpString(a.Str, b.Str), nil
	case a.Kind == ValBool && b.Kind == ValBool:
		return cmpBool(a.Bool, b.Bool), nil
	default:
		return 0, errUnsupportedCompare
	}
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a && b {
		return -1
	}
	return 1
}

var errUnsupportedCompare = unsupportedCompareError{}

type unsupportedCompareError struct{}

func (unsupportedCompareError) Error() string { return "unsupported comparison" }
