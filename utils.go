/* SPDX-License-Identifier: BSD-2-Clause */

package forksafe

import (
	"strconv"
	"strings"
)

func isPowerOfTwo(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}

// roundDown assumes size is a power of two.
func roundDown(v, size uintptr) uintptr {
	return v &^ (size - 1)
}

// roundUp assumes size is a power of two. ok is false on overflow.
func roundUp(v, size uintptr) (uintptr, bool) {
	r := (v + size - 1) &^ (size - 1)
	if r < v {
		return 0, false
	}
	return r, true
}

// envEnabled reports whether a toggle variable turns its feature on.
// Unset means off; any other value means on unless it parses as false.
func envEnabled(value string, ok bool) bool {
	if !ok {
		return false
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
		return v
	}
	return true
}
