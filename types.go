/* SPDX-License-Identifier: BSD-2-Clause */

package forksafe

import "fmt"

// Range is the half-open address interval [Start, End).
type Range struct {
	Start uintptr
	End   uintptr
}

// Length returns the number of bytes in r.
func (r Range) Length() uintptr {
	return r.End - r.Start
}

// Contains reports whether addr lies within r.
func (r Range) Contains(addr uintptr) bool {
	return r.Start <= addr && addr < r.End
}

// Overlaps reports whether r and o share at least one byte.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}

// ProtectedRange is a tracked interval and the number of live
// registrations covering it.
type ProtectedRange struct {
	Range
	Refs int
}

// TransitionKind says what a sub-interval's protection did during a
// Fold or Unfold.
type TransitionKind int

const (
	// Refcount went 0 -> 1; the range needs MADV_DONTFORK.
	Protected TransitionKind = iota
	// Refcount stayed >= 1; no kernel call needed.
	StillProtected
	// Refcount went 1 -> 0; the range needs MADV_DOFORK.
	Unprotected
)

func (k TransitionKind) String() string {
	switch k {
	case Protected:
		return "protected"
	case StillProtected:
		return "still-protected"
	case Unprotected:
		return "unprotected"
	}
	return fmt.Sprintf("TransitionKind(%d)", int(k))
}

// Transition is a sub-interval produced by Fold or Unfold.
type Transition struct {
	Range
	Kind TransitionKind
}

// Mapping is one entry of the process memory-map description.
type Mapping struct {
	Range
	// PageSize in bytes, 0 if the entry carries no page size field.
	PageSize uintptr
}

// State is the lifecycle state of a Controller.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
