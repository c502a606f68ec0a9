package vm

import "thidy/internal/bytecode"

// Typecheck walks every block of prog with the same opcode stream the VM
// executes, but over Identity-canonicalized values standing in for
// types, collecting every TypeError/RuntimeTypeError/InvalidProgram it
// finds instead of stopping at the first one (spec §4.4). A block with
// no errors is well-typed; Typecheck only returns nil once every block
// passes.
//
// Typecheck does not branch: Jmp and JmpFalse are no-ops here, so every
// block is walked top to bottom exactly once regardless of control
// flow. This is why spec §4.4 calls the analysis a symbolic single pass
// rather than a full abstract interpretation — a block whose two arms
// of an if/else both type-check independently passes, even though no
// single concrete run takes both arms.
//
// Typecheck genuinely calls extern functions registered on the VM, with
// real arguments and real side effects (spec §9 open question (iii));
// callers that will typecheck a VM must register externs that are safe
// to invoke during analysis.
func (v *VM) Typecheck(prog *Program) []*Error {
	v.blobs = prog.Blobs
	v.externs = prog.Externs

	var errors []*Error
	for _, block := range prog.Blocks {
		errors = append(errors, v.typecheckBlock(block)...)
	}
	return errors
}

func (v *VM) typecheckBlock(block *bytecode.Block) []*Error {
	v.stack = v.stack[:0]
	v.frames = v.frames[:0]

	v.push(FunctionValue(&Closure{Block: block}))
	ty := block.Ty.(Type)
	for _, argTy := range ty.Args {
		v.push(argTy.AsValue())
	}
	v.frames = append(v.frames, Frame{Block: block, StackOffset: 0, IP: 0})

	if v.printBlocks {
		v.printer.PrintBlock(block)
	}

	var errors []*Error
	for v.frame().IP < len(block.Ops) {
		if v.printOps {
			v.printer.PrintStep(v.stack, *v.frame())
		}
		if err := v.checkOp(v.currentOp()); err != nil {
			errors = append(errors, err)
		}
		if len(v.stack) > 0 {
			top := v.pop()
			v.push(top.Identity())
		}
	}
	return errors
}

// checkOp evaluates one opcode against the symbolic stack and always
// advances ip by exactly one, whether or not it found an error — spec
// §4.4's linear traversal. Arithmetic/comparison/Pop/local-slot opcodes
// have no type-specific check of their own: they're delegated straight
// to the runtime step, which — run over Identity values — is already
// the type check (spec §4.4 rule: "operators are checked by executing
// them on canonical values").
func (v *VM) checkOp(op bytecode.Op) *Error {
	switch op.Code {
	case bytecode.Unreachable, bytecode.Jmp, bytecode.Yield:
		v.frame().IP++
		return nil

	case bytecode.Constant:
		err := v.checkConstant(op)
		v.frame().IP++
		return err

	case bytecode.Get:
		inst := v.pop()
		var err *Error
		if inst.Kind == ValBlobInstance {
			field := v.blobs[inst.Instance.BlobID].Fields[op.Str]
			v.push(field.Type.AsValue())
		} else {
			v.push(Nil())
			err = v.raiseTypeOp(KindRuntimeTypeError, op, []Value{inst}, "Get on non-instance")
		}
		v.frame().IP++
		return err

	case bytecode.Set:
		value := v.pop()
		inst := v.pop()
		var err *Error
		if inst.Kind == ValBlobInstance {
			field := v.blobs[inst.Instance.BlobID].Fields[op.Str]
			if !field.Type.Equals(value.AsType()) {
				err = v.raiseTypeOp(KindRuntimeTypeError, op, []Value{inst}, "")
			}
		} else {
			err = v.raiseTypeOp(KindRuntimeTypeError, op, []Value{inst}, "")
		}
		v.frame().IP++
		return err

	case bytecode.PopUpvalue:
		v.pop()
		v.frame().IP++
		return nil

	case bytecode.ReadUpvalue:
		v.push(v.frame().Block.Ups[op.Int].Type.(Type).AsValue())
		v.frame().IP++
		return nil

	case bytecode.AssignUpvalue:
		declared := v.frame().Block.Ups[op.Int].Type.(Type)
		got := v.pop().AsType()
		var err *Error
		if !declared.Equals(got) {
			err = v.raiseTypeOp(KindTypeError, op, nil, "incorrect type for upvalue")
			err.Types = []Type{declared, got}
		}
		v.frame().IP++
		return err

	case bytecode.Return:
		a := v.pop()
		ret := *v.frame().Block.Ty.(Type).Ret
		var err *Error
		if !a.AsType().Equals(ret) {
			err = v.raiseTypeOp(KindTypeError, op, nil, "return type mismatch")
			err.Types = []Type{a.AsType(), ret}
		}
		v.frame().IP++
		return err

	case bytecode.Print:
		v.pop()
		v.frame().IP++
		return nil

	case bytecode.Define:
		declared := op.Type.(Type)
		top := v.stack[len(v.stack)-1].AsType()
		var err *Error
		if declared.IsUnknown() {
			// any concrete top type satisfies an unannotated binding
		} else if !declared.Equals(top) {
			err = v.raiseTypeOp(KindTypeError, op, nil, "assigned type does not match declared type")
			err.Types = []Type{declared, top}
		}
		v.frame().IP++
		return err

	case bytecode.Call:
		err := v.checkCall(op)
		v.frame().IP++
		return err

	case bytecode.JmpFalse:
		top := v.pop()
		var err *Error
		if top.Kind != ValBool {
			err = v.raiseTypeOp(KindTypeError, op, nil, "")
			err.Types = []Type{top.AsType()}
		}
		v.frame().IP++
		return err

	default:
		_, err := v.step(op)
		if err != nil {
			v.frame().IP++
		}
		return err
	}
}

// checkConstant mirrors materializeConstant but never touches the real
// stack layout: a captured Function value pushes a closure over the
// same block with no live cells, and each of the block's declared
// captures gets its type either read off (IsUp) or inferred from the
// current symbolic stack slot and written back into the capture in
// place — the only place typechecking mutates the program it's
// checking (spec §4.4, §9: this is how an untyped capture var a = 0 ...
// fn { a } ends up typed).
func (v *VM) checkConstant(op bytecode.Op) *Error {
	val, ok := op.Const.(Value)
	if !ok {
		v.push(Nil())
		return nil
	}
	if val.Kind != ValFunction {
		v.push(val)
		return nil
	}

	block := val.Closure.Block
	v.push(FunctionValue(&Closure{Block: block}))

	suggestions := make([]Type, len(block.Ups))
	for i, c := range block.Ups {
		if c.IsUp {
			suggestions[i] = c.Type.(Type)
		} else {
			suggestions[i] = v.stack[c.Slot].AsType()
		}
	}

	var err *Error
	for i, c := range block.Ups {
		if c.IsUp {
			continue
		}
		declared := c.Type.(Type)
		if declared.IsUnknown() {
			c.Type = suggestions[i]
			continue
		}
		if !declared.Equals(suggestions[i]) {
			e := v.raiseTypeOp(KindTypeError, op, nil, "failed to infer type")
			e.Types = []Type{declared, suggestions[i]}
			err = e
		}
	}
	return err
}

// checkCall mirrors call but substitutes canonical identity values for
// real invocation: a Blob produces an instance whose fields hold each
// declared field type's identity value, a Function call verifies arity
// and argument types against the stack and leaves the block's declared
// return type's identity value in its place, and an ExternFunction is
// genuinely invoked (see Typecheck's doc comment).
func (v *VM) checkCall(op bytecode.Op) *Error {
	n := op.Int
	base := len(v.stack) - 1 - n
	callee := v.stack[base]

	switch callee.Kind {
	case ValBlob:
		layout := v.blobs[callee.BlobID]
		fields := make([]Value, len(layout.Fields))
		for _, name := range layout.FieldOrder {
			slot := layout.Fields[name]
			fields[slot.Slot] = slot.Type.AsValue()
		}
		v.stack = v.stack[:base]
		v.push(Value{Kind: ValBlobInstance, Instance: &BlobInstance{BlobID: callee.BlobID, Fields: fields}})
		return nil

	case ValFunction:
		ty := callee.Closure.Block.Ty.(Type)
		if len(ty.Args) != n {
			return v.raise(KindInvalidProgram, "wrong number of arguments to function call")
		}
		argStart := len(v.stack) - len(ty.Args)
		for i, want := range ty.Args {
			got := v.stack[argStart+i].AsType()
			if !want.Equals(got) {
				e := v.raiseTypeOp(KindTypeError, op, nil, "argument type mismatch")
				e.Types = append(append([]Type{}, ty.Args...), got)
				return e
			}
		}
		v.stack[base] = ty.Ret.AsValue()
		v.stack = v.stack[:base+1]
		return nil

	case ValExternFunction:
		fn := v.externs[callee.Extern]
		result, err := fn(v.stack[base+1:], false)
		v.stack = v.stack[:base]
		if err != nil {
			v.push(Nil())
			return v.raise(KindExternError, err.Error())
		}
		v.push(result)
		return nil

	default:
		e := v.raiseTypeOp(KindTypeError, op, nil, "tried to call a non-function value")
		e.Types = []Type{callee.AsType()}
		return e
	}
}
