/* SPDX-License-Identifier: BSD-2-Clause */

package forksafe

import "golang.org/x/sys/unix"

// madvise(2) advice
const (
	MADV_DONTFORK = unix.MADV_DONTFORK
	MADV_DOFORK   = unix.MADV_DOFORK
)

const (
	// EnvHugePagesSafe enables per-call page size resolution when set.
	EnvHugePagesSafe = "RDMAV_HUGEPAGES_SAFE"

	// SmapsPath describes the calling process' mappings.
	SmapsPath = "/proc/self/smaps"

	// Field of an smaps entry holding the page size in kB.
	kernelPageSizeField = "KernelPageSize:"
)
