package vm

import "thidy/internal/bytecode"

// Frame is one activation record. StackOffset is the absolute index of
// this frame's own callee-function value on the stack; argument 0 sits
// at StackOffset+1 (spec §3).
type Frame struct {
	Block       *bytecode.Block
	StackOffset int
	IP          int
}
