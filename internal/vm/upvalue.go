package vm

// UpValue is the mutable cell shared between a closure and the scope it
// captured a variable from. spec §9 flags the reference implementation's
// "slot==0 means closed" sentinel as a conflation of a valid stack index
// with a tag, and recommends the tagged-variant fix; this is that fix: an
// explicit closed flag instead of overloading slot 0. Behavior is
// unchanged — one-way open->closed transition, shared cell, never opened
// over absolute slot 0 (spec §3).
type UpValue struct {
	closed bool
	slot   int
	value  Value
}

// NewOpenUpValue creates a cell transparently reading/writing absolute
// stack slot. Callers must never pass 0 — slot 0 is the root function's
// own stack position and is never captured.
func NewOpenUpValue(slot int) *UpValue {
	return &UpValue{slot: slot}
}

func (u *UpValue) IsClosed() bool { return u.closed }

// Get reads through the cell: the live stack slot while open, the frozen
// copy once closed.
func (u *UpValue) Get(stack []Value) Value {
	if u.closed {
		return u.value
	}
	return stack[u.slot]
}

// Set writes through the cell the same way Get reads through it.
func (u *UpValue) Set(stack []Value, v Value) {
	if u.closed {
		u.value = v
	} else {
		stack[u.slot] = v
	}
}

// Close freezes the cell at v. One-way: once closed, a cell never
// reopens (spec §5 invariant).
func (u *UpValue) Close(v Value) {
	u.closed = true
	u.value = v
}
