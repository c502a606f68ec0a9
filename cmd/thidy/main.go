// cmd/thidy/main.go
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"thidy/internal/compiler"
	"thidy/internal/debugserver"
	"thidy/internal/diagnostic"
	"thidy/internal/errors"
	"thidy/internal/externs"
	"thidy/internal/repl"
	"thidy/internal/vm"
)

const version = "0.1.0"

// commandAliases mirrors the teacher's single-letter shortcuts.
var commandAliases = map[string]string{
	"r": "run",
	"c": "check",
	"i": "repl",
	"t": "test",
	"d": "debug-serve",
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		showUsage()
		return
	}

	cmd := args[0]
	if alias, ok := commandAliases[cmd]; ok {
		cmd = alias
	}

	switch cmd {
	case "--help", "-h", "help":
		showUsage()
	case "--version", "-v", "version":
		fmt.Printf("thidy %s\n", version)
	case "run":
		runCommand(args[1:])
	case "check":
		checkCommand(args[1:])
	case "repl":
		replCommand()
	case "debug-serve":
		debugServeCommand(args[1:])
	case "test":
		testCommand(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println("thidy - a small statically-typed scripting language")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  thidy run <file.tdy>         Compile, typecheck, and run a script     (alias: r)")
	fmt.Println("  thidy check <file.tdy>       Typecheck without running                (alias: c)")
	fmt.Println("  thidy repl                   Start an interactive REPL                (alias: i)")
	fmt.Println("  thidy test <dir>             Run every *_test.tdy script under dir    (alias: t)")
	fmt.Println("  thidy debug-serve [-port N]  Serve a WebSocket debug session          (alias: d)")
	fmt.Println()
	fmt.Println("Flags for run:")
	fmt.Println("  -print-blocks   Dump each compiled block's disassembly before running")
	fmt.Println("  -print-ops      Print a stack snapshot before every opcode")
	fmt.Println()
	fmt.Println("  thidy --version, thidy help")
}

// dbExterns builds the one concrete extern table this repo ships,
// shared by run/check/repl/debug-serve/test so a script sees the same
// db_*/str_*/now_unix bindings no matter which subcommand compiled it.
func dbExterns() []compiler.ExternBinding {
	return externs.NewDB().Bindings()
}

func runCommand(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	printBlocks := fs.Bool("print-blocks", false, "dump block disassembly before running")
	printOps := fs.Bool("print-ops", false, "print a stack snapshot before every opcode")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "usage: thidy run [flags] <file.tdy>")
		os.Exit(1)
	}
	filename := rest[0]

	source, err := os.ReadFile(filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not read %s: %v\n", filename, err)
		os.Exit(1)
	}

	prog, cerrs := compiler.Compile(string(source), compiler.Options{File: filename, Externs: dbExterns()})
	if len(cerrs) > 0 {
		reportErrors(cerrs, string(source))
		os.Exit(1)
	}

	v := vm.New().PrintBlocks(*printBlocks).PrintOps(*printOps)
	if *printBlocks || *printOps {
		v.WithPrinter(diagnostic.NewForStdout())
	}

	if verrs := v.Typecheck(prog); len(verrs) > 0 {
		reportErrors(verrs, string(source))
		os.Exit(1)
	}

	v.Init(prog)
	for {
		result, rerr := v.Run()
		if rerr != nil {
			reportErrors([]*vm.Error{rerr}, string(source))
			os.Exit(1)
		}
		if result == vm.Done {
			break
		}
		// result == vm.Yield: cooperative suspension with no debug
		// driver attached just means "resume immediately."
	}
}

func checkCommand(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: thidy check <file.tdy>")
		os.Exit(1)
	}
	filename := args[0]

	source, err := os.ReadFile(filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not read %s: %v\n", filename, err)
		os.Exit(1)
	}

	prog, cerrs := compiler.Compile(string(source), compiler.Options{File: filename, Externs: dbExterns()})
	if len(cerrs) > 0 {
		reportErrors(cerrs, string(source))
		os.Exit(1)
	}

	v := vm.New()
	if verrs := v.Typecheck(prog); len(verrs) > 0 {
		reportErrors(verrs, string(source))
		os.Exit(1)
	}

	fmt.Printf("%s: ok\n", filename)
}

func replCommand() {
	repl.Start(dbExterns())
}

func debugServeCommand(args []string) {
	fs := flag.NewFlagSet("debug-serve", flag.ExitOnError)
	port := fs.Int("port", 8765, "port to listen on")
	fs.Parse(args)

	srv := debugserver.NewServer(fmt.Sprintf(":%d", *port), dbExterns())
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "debug server: %v\n", err)
		os.Exit(1)
	}
}

// testResult is one *_test.tdy script's outcome.
type testResult struct {
	file     string
	err      error
	duration time.Duration
}

// testCommand runs every *_test.tdy file under dir concurrently — a
// test script's contract is that it runs to completion with no runtime
// or type error, relying on `<=>` to fail loudly (KindAssert) the
// moment an assertion doesn't hold.
func testCommand(args []string) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}

	var files []string
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, "_test.tdy") {
			files = append(files, path)
		}
		return nil
	})

	if len(files) == 0 {
		fmt.Printf("no *_test.tdy files found under %s\n", dir)
		return
	}

	results := make([]testResult, len(files))
	var g errgroup.Group
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			results[i] = runTestFile(file)
			return nil
		})
	}
	g.Wait()

	var passed, failed int
	for _, r := range results {
		if r.err == nil {
			passed++
			fmt.Printf("  ok    %s (%s)\n", r.file, humanize.RelTime(time.Now().Add(-r.duration), time.Now(), "", ""))
		} else {
			failed++
			fmt.Printf("  FAIL  %s: %v\n", r.file, r.err)
		}
	}
	fmt.Printf("\n%s passed, %s failed (%s files)\n",
		humanize.Comma(int64(passed)), humanize.Comma(int64(failed)), humanize.Comma(int64(len(files))))

	if failed > 0 {
		os.Exit(1)
	}
}

func runTestFile(file string) testResult {
	start := time.Now()
	source, err := os.ReadFile(file)
	if err != nil {
		return testResult{file: file, err: err, duration: time.Since(start)}
	}

	prog, cerrs := compiler.Compile(string(source), compiler.Options{File: file, Externs: dbExterns()})
	if len(cerrs) > 0 {
		return testResult{file: file, err: cerrs[0], duration: time.Since(start)}
	}

	v := vm.New()
	if verrs := v.Typecheck(prog); len(verrs) > 0 {
		return testResult{file: file, err: verrs[0], duration: time.Since(start)}
	}

	v.Init(prog)
	for {
		result, rerr := v.Run()
		if rerr != nil {
			return testResult{file: file, err: rerr, duration: time.Since(start)}
		}
		if result == vm.Done {
			break
		}
	}
	return testResult{file: file, duration: time.Since(start)}
}

func reportErrors(errs []*vm.Error, source string) {
	for _, e := range errs {
		fmt.Fprintln(os.Stderr, errors.New(e).WithSource(source).String())
	}
}
