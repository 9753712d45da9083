/* SPDX-License-Identifier: BSD-2-Clause */

// Package forksafe keeps memory handed to hardware out of fork(2) children.
// It wraps madvise(2) MADV_DONTFORK/MADV_DOFORK and reference-counts the
// ranges it has excluded so that overlapping registrations never undo each
// other.
package forksafe

import (
	"os"

	"golang.org/x/sys/unix"
)

func madvise(start uintptr, length int, advice int) error {
	_, _, errno := unix.Syscall(unix.SYS_MADVISE, start, uintptr(length), uintptr(advice))
	if errno != 0 {
		return os.NewSyscallError("madvise", errno)
	}
	return nil
}

// DontFork excludes the range from the address space duplicated on fork.
// start and length must be multiples of the page size backing the range.
func DontFork(start uintptr, length int) error {
	return madvise(start, length, MADV_DONTFORK)
}

// DoFork undoes DontFork for the range.
func DoFork(start uintptr, length int) error {
	return madvise(start, length, MADV_DOFORK)
}

// Advisor applies fork advice to page-aligned ranges.
type Advisor interface {
	DontFork(start uintptr, length int) error
	DoFork(start uintptr, length int) error
}

// Madvisor is the Advisor backed by madvise(2).
type Madvisor struct{}

// DontFork implements Advisor.DontFork.
func (Madvisor) DontFork(start uintptr, length int) error {
	return DontFork(start, length)
}

// DoFork implements Advisor.DoFork.
func (Madvisor) DoFork(start uintptr, length int) error {
	return DoFork(start, length)
}
