// Package diagnostic renders VM block disassembly and live stack
// snapshots (spec.md §6 "diagnostic output... not part of any
// contract"). Color is enabled only when stdout is a real terminal,
// detected with github.com/mattn/go-isatty the same way any CLI in the
// teacher's stack decides whether to emit ANSI escapes.
package diagnostic

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"thidy/internal/bytecode"
	"thidy/internal/vm"
)

const (
	colorReset  = "\x1b[0m"
	colorRed    = "\x1b[31m"
	colorGreen  = "\x1b[32m"
	colorBlue   = "\x1b[34m"
	colorPurple = "\x1b[35m"
)

// Printer implements vm.Printer, writing to w. NewForStdout decides
// color with isatty; New(w, false) forces it off (e.g. when writing to a
// log file or a test buffer).
type Printer struct {
	w     io.Writer
	color bool
}

// NewForStdout builds a Printer writing to os.Stdout with color decided
// by isatty.
func NewForStdout() *Printer {
	return &Printer{w: os.Stdout, color: isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())}
}

// New builds a Printer writing to w with color forced to the given
// value.
func New(w io.Writer, color bool) *Printer {
	return &Printer{w: w, color: color}
}

func (p *Printer) paint(code, s string) string {
	if !p.color {
		return s
	}
	return code + s + colorReset
}

// PrintBlock dumps one block's signature, capture descriptor, and
// linear opcode stream.
func (p *Printer) PrintBlock(b *bytecode.Block) {
	fmt.Fprintf(p.w, "\n[[%s]] %s (%s:%d)\n", p.paint(colorPurple, "BLOCK"), b.Name, b.File, b.DefLine)
	for i, up := range b.Ups {
		fmt.Fprintf(p.w, "  up[%d] slot=%d is_up=%t\n", i, up.Slot, up.IsUp)
	}
	for ip, op := range b.Ops {
		fmt.Fprintf(p.w, "  %04d %5d %s\n", ip, b.Line(ip), formatOp(op))
	}
}

// PrintStep prints the live operand stack (from the current frame's own
// base) followed by the instruction about to execute — the single-step
// trace spec.md §6 describes.
func (p *Printer) PrintStep(stack []vm.Value, frame vm.Frame) {
	fmt.Fprintf(p.w, "    %3d [", frame.StackOffset)
	for i, v := range stack[frame.StackOffset:] {
		if i != 0 {
			fmt.Fprint(p.w, " ")
		}
		fmt.Fprint(p.w, p.paint(colorGreen, v.String()))
	}
	fmt.Fprintln(p.w, "]")

	op := frame.Block.Ops[frame.IP]
	fmt.Fprintf(p.w, "%s %s %s\n",
		p.paint(colorRed, fmt.Sprintf("%5d", frame.Block.Line(frame.IP))),
		p.paint(colorBlue, fmt.Sprintf("%05d", frame.IP)),
		formatOp(op))
}

func formatOp(op bytecode.Op) string {
	switch op.Code {
	case bytecode.Get, bytecode.Set:
		return fmt.Sprintf("%s %q", op.Code, op.Str)
	case bytecode.Constant:
		return fmt.Sprintf("%s %v", op.Code, op.Const)
	case bytecode.Define:
		return fmt.Sprintf("%s %v", op.Code, op.Type)
	case bytecode.Jmp, bytecode.JmpFalse, bytecode.ReadLocal, bytecode.AssignLocal,
		bytecode.ReadUpvalue, bytecode.AssignUpvalue, bytecode.Call:
		return fmt.Sprintf("%s %d", op.Code, op.Int)
	default:
		return op.Code.String()
	}
}
