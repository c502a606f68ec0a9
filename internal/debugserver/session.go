// Package debugserver exposes the core's Yield-based cooperative
// suspension (spec.md §5, vm.VM.Run) over a WebSocket, grounded on the
// teacher's internal/debugger (breakpoint bookkeeping, call-stack
// display) and internal/network's websocket_server.go (one goroutine per
// connection, gorilla/websocket upgrade). Where the teacher's Debugger
// drives a bufio.Reader REPL, this one drives the same state machine
// from JSON commands read off a socket.
//
// The granularity a session can single-step at is bounded by the
// language's own `yield` statement: vm.VM.Run returns control exactly
// at a Yield opcode or at program completion, never mid-block, so "step"
// here means "run to the next yield point or breakpoint line," not
// "execute one opcode." That's a property of the core, not a limitation
// this package works around.
package debugserver

import (
	"fmt"
	"sync"

	"thidy/internal/compiler"
	"thidy/internal/vm"
)

// Breakpoint is a file:line stop, checked against the active frame's
// resolved source line each time a session pauses at a yield point —
// the same (file, line) identity the teacher's Debugger.CheckBreakpoint
// matches on.
type Breakpoint struct {
	ID      int
	File    string
	Line    int
	Enabled bool
}

// SessionState mirrors the teacher's DebugState enum, trimmed to the
// transitions a remote client actually drives.
type SessionState int

const (
	Paused SessionState = iota
	Running
	Done
	Failed
)

// StackFrame is the wire-format projection of a vm.Frame: enough to
// render a call-stack entry without exposing the VM's internal types to
// clients.
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	IP       int    `json:"ip"`
}

// Snapshot is what a session sends a client every time it pauses.
type Snapshot struct {
	State  string       `json:"state"`
	Stack  []string     `json:"stack,omitempty"`
	Frames []StackFrame `json:"frames,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Session owns one compiled program and one VM instance. A client talks
// to exactly one session for the lifetime of its WebSocket connection.
type Session struct {
	ID string

	mu          sync.Mutex
	vm          *vm.VM
	prog        *vm.Program
	state       SessionState
	breakpoints map[int]*Breakpoint
	nextBpID    int
}

// NewSession compiles source under opts and builds a fresh VM for it.
// The returned session is Paused, with execution not yet started.
func NewSession(id, source string, opts compiler.Options) (*Session, []*vm.Error) {
	prog, errs := compiler.Compile(source, opts)
	if len(errs) > 0 {
		return nil, errs
	}

	s := &Session{
		ID:          id,
		vm:          vm.New(),
		prog:        prog,
		state:       Paused,
		breakpoints: make(map[int]*Breakpoint),
	}
	s.vm.Init(prog)
	return s, nil
}

// AddBreakpoint registers a file:line stop and returns its ID.
func (s *Session) AddBreakpoint(file string, line int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextBpID++
	s.breakpoints[s.nextBpID] = &Breakpoint{ID: s.nextBpID, File: file, Line: line, Enabled: true}
	return s.nextBpID
}

// RemoveBreakpoint deletes a breakpoint by ID.
func (s *Session) RemoveBreakpoint(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.breakpoints[id]; !ok {
		return false
	}
	delete(s.breakpoints, id)
	return true
}

func (s *Session) hitBreakpoint() bool {
	f := s.vm.CurrentFrame()
	if f == nil {
		return false
	}
	line := f.Block.Line(f.IP)
	for _, bp := range s.breakpoints {
		if bp.Enabled && bp.File == f.Block.File && bp.Line == line {
			return true
		}
	}
	return false
}

// Resume runs the VM forward to the next yield point, the next
// breakpoint hit, completion, or a runtime error — whichever comes
// first — and returns the snapshot a client should see.
func (s *Session) Resume() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Done || s.state == Failed {
		return s.snapshotLocked()
	}

	for {
		result, err := s.vm.Run()
		if err != nil {
			s.state = Failed
			return Snapshot{State: "failed", Error: err.Error()}
		}
		if result == vm.Done {
			s.state = Done
			return Snapshot{State: "done"}
		}
		// result == vm.Yield
		if s.hitBreakpoint() {
			s.state = Paused
			return s.snapshotLocked()
		}
		// Not a breakpoint line: a bare `yield` with no matching
		// breakpoint still counts as a client-visible pause, since
		// that's the whole reason the language exposes the opcode.
		s.state = Paused
		return s.snapshotLocked()
	}
}

func (s *Session) snapshotLocked() Snapshot {
	stack := s.vm.StackStrings()
	frames := s.vm.Frames()
	out := make([]StackFrame, len(frames))
	for i, f := range frames {
		out[i] = StackFrame{Function: f.Block.Name, File: f.Block.File, Line: f.Block.Line(f.IP), IP: f.IP}
	}

	state := "paused"
	switch s.state {
	case Done:
		state = "done"
	case Failed:
		state = "failed"
	}
	return Snapshot{State: state, Stack: stack, Frames: out}
}

// Where renders the call stack the way the teacher's ShowCallStack does,
// for a client that wants a formatted string instead of the structured
// Frames list.
func (s *Session) Where() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.vm.Frames()
	out := ""
	for i, f := range frames {
		marker := "   "
		if i == len(frames)-1 {
			marker = "-> "
		}
		out += fmt.Sprintf("%s%d: %s (%s:%d)\n", marker, i, f.Block.Name, f.Block.File, f.Block.Line(f.IP))
	}
	return out
}
