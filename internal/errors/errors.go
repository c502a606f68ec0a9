// Package errors formats a vm.Error against the source text that
// produced it — the caret-pointing, call-stack-annotated presentation
// the teacher repo's SentraError gave every diagnostic, adapted here to
// decorate the language's single shared vm.Error envelope (spec.md §7)
// instead of owning a second error taxonomy.
package errors

import (
	"fmt"
	"strings"

	"thidy/internal/vm"
)

// StackFrame is one call-site entry a host can attach to a Formatted
// report — the VM itself doesn't keep a symbolic call stack once a
// frame pops, so callers that want one (the CLI, the debug server) are
// expected to have captured it themselves before the error propagated.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Formatted pairs a vm.Error with presentation context: the source line
// it happened on and, optionally, a call stack trace.
type Formatted struct {
	Err       *vm.Error
	Source    string
	CallStack []StackFrame
}

// WithSource finds line Err.Line in fullSource and attaches it.
func (f *Formatted) WithSource(fullSource string) *Formatted {
	lines := strings.Split(fullSource, "\n")
	if f.Err.Line >= 1 && f.Err.Line <= len(lines) {
		f.Source = lines[f.Err.Line-1]
	}
	return f
}

func (f *Formatted) WithStack(stack []StackFrame) *Formatted {
	f.CallStack = stack
	return f
}

// New wraps a raw vm.Error for formatting.
func New(err *vm.Error) *Formatted {
	return &Formatted{Err: err}
}

func (f *Formatted) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", f.Err.Kind, f.Err.Message)
	fmt.Fprintf(&b, "  at %s:%d\n", f.Err.File, f.Err.Line)

	if f.Source != "" {
		fmt.Fprintf(&b, "\n  %d | %s\n", f.Err.Line, f.Source)
	}

	if len(f.Err.Values) > 0 {
		fmt.Fprintf(&b, "  values: %v\n", f.Err.Values)
	}
	if len(f.Err.Types) > 0 {
		fmt.Fprintf(&b, "  types: %v\n", f.Err.Types)
	}

	if len(f.CallStack) > 0 {
		b.WriteString("\ncall stack:\n")
		for _, frame := range f.CallStack {
			if frame.Function != "" {
				fmt.Fprintf(&b, "  at %s (%s:%d)\n", frame.Function, frame.File, frame.Line)
			} else {
				fmt.Fprintf(&b, "  at %s:%d\n", frame.File, frame.Line)
			}
		}
	}

	return b.String()
}
