// internal/repl/repl.go
package repl

import (
	"bufio"
	"fmt"
	"os"

	"thidy/internal/compiler"
	"thidy/internal/errors"
	"thidy/internal/vm"
)

// Start runs a line-at-a-time REPL. Each line compiles as its own
// complete program (block 0 of a fresh *vm.Program), the same unit the
// compiler ever produces for top-level code — there's no cross-line
// persistent binding table, so `x := 1` on one line and `x` on the next
// are two independent compiles. That mirrors the teacher's REPL, which
// also threw away and rebuilt its chunk every line (ResetWithChunk); the
// difference here is only that recompiling means re-running
// compiler.Compile instead of swapping a VM's chunk in place, since this
// core's VM is built around one Program for its whole lifetime (spec §3).
func Start(externBindings []compiler.ExternBinding) {
	fmt.Println("thidy REPL | type 'exit' to quit")
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print(">>> ")
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		if line == "exit" || line == "quit" {
			break
		}
		if line == "" {
			continue
		}

		runLine(line, externBindings)
	}
}

func runLine(line string, externBindings []compiler.ExternBinding) {
	prog, cerrs := compiler.Compile(line, compiler.Options{File: "<repl>", Externs: externBindings})
	if len(cerrs) > 0 {
		for _, e := range cerrs {
			fmt.Fprintln(os.Stderr, errors.New(e).WithSource(line).String())
		}
		return
	}

	v := vm.New()
	if verrs := v.Typecheck(prog); len(verrs) > 0 {
		for _, e := range verrs {
			fmt.Fprintln(os.Stderr, errors.New(e).WithSource(line).String())
		}
		return
	}

	v.Init(prog)
	for {
		result, rerr := v.Run()
		if rerr != nil {
			fmt.Fprintln(os.Stderr, errors.New(rerr).WithSource(line).String())
			return
		}
		if result == vm.Done {
			return
		}
	}
}
