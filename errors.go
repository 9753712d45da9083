/* SPDX-License-Identifier: BSD-2-Clause */

package forksafe

import (
	"errors"
	"fmt"
)

var (
	ErrNoMemory       = errors.New("forksafe: cannot allocate self-test probe")
	ErrUnsupported    = errors.New("forksafe: madvise fork advice not supported")
	ErrNotInitialized = errors.New("forksafe: not initialized")
	ErrTooLate        = errors.New("forksafe: memory was registered before initialization")
	ErrInvalidRange   = errors.New("forksafe: invalid range")
	ErrNotProtected   = errors.New("forksafe: range is not protected")
	ErrRollback       = errors.New("forksafe: rollback failed")

	ErrMappingNotFound = errors.New("no mapping contains address")
	ErrPageSizeMissing = errors.New("mapping has no page size field")
	ErrPageSizeInvalid = errors.New("invalid page size field")
)

// AdviceError reports a madvise call that failed for a sub-interval.
type AdviceError struct {
	Advice int
	Range  Range
	Err    error
}

// AdviceString names a madvise advice value.
func AdviceString(advice int) string {
	switch advice {
	case MADV_DONTFORK:
		return "MADV_DONTFORK"
	case MADV_DOFORK:
		return "MADV_DOFORK"
	}
	return fmt.Sprintf("advice(%d)", advice)
}

func (e *AdviceError) Error() string {
	return fmt.Sprintf("%s %v: %v", AdviceString(e.Advice), e.Range, e.Err)
}

func (e *AdviceError) Unwrap() error {
	return e.Err
}

func (e *AdviceError) Is(target error) bool {
	_, ok := target.(*AdviceError)
	return ok
}
