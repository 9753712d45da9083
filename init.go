/* SPDX-License-Identifier: BSD-2-Clause */

package forksafe

import "golang.org/x/sys/unix"

// Page size reported by the kernel, fixed for the life of the process.
var systemPageSize uintptr

func init() {
	systemPageSize = uintptr(unix.Getpagesize())
}

// SystemPageSize returns the OS page size.
func SystemPageSize() uintptr {
	return systemPageSize
}
