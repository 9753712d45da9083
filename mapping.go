/* SPDX-License-Identifier: BSD-2-Clause */

package forksafe

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ProtectMapping creates an anonymous private mapping of at least size
// bytes and protects it with c. It returns the mapping truncated to size
// and a function that unprotects and unmaps it.
func ProtectMapping(c *Controller, size int) ([]byte, func() error, error) {
	if size <= 0 {
		return nil, nil, ErrInvalidRange
	}
	mapLen, ok := roundUp(uintptr(size), SystemPageSize())
	if !ok {
		return nil, nil, ErrInvalidRange
	}

	full, err := unix.Mmap(-1, 0, int(mapLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, err
	}

	base := uintptr(unsafe.Pointer(&full[0]))
	if err := c.Protect(base, len(full)); err != nil {
		_ = unix.Munmap(full)
		return nil, nil, err
	}

	// The mapping stays if Unprotect fails so the caller may retry.
	cleanup := func() error {
		if err := c.Unprotect(base, len(full)); err != nil {
			return err
		}
		return unix.Munmap(full)
	}

	return full[:size], cleanup, nil
}
