/* SPDX-License-Identifier: BSD-2-Clause */

package forksafe

import (
	"fmt"
	"io"
	"os"
)

// Source says where a resolved page size came from.
type Source int

const (
	// Safe mode is off; the system page size is used without probing.
	SourceSystem Source = iota
	// The page size of the mapping containing the address.
	SourceMapping
	// Safe mode is on but the mapping could not be resolved.
	SourceFallback
)

func (s Source) String() string {
	switch s {
	case SourceSystem:
		return "system"
	case SourceMapping:
		return "mapping"
	case SourceFallback:
		return "fallback"
	}
	return fmt.Sprintf("Source(%d)", int(s))
}

// Resolution is the outcome of PageSizeResolver.Resolve.
type Resolution struct {
	PageSize uintptr
	Source   Source
	// Err is the reason for a SourceFallback resolution.
	Err error
}

// MapsOpener opens an smaps-formatted description of the process mappings.
type MapsOpener func() (io.ReadCloser, error)

// OpenSmaps opens /proc/self/smaps.
func OpenSmaps() (io.ReadCloser, error) {
	return os.Open(SmapsPath)
}

// PageSizeResolver determines the page size governing an address.
type PageSizeResolver struct {
	safeMode       bool
	systemPageSize uintptr
	openMaps       MapsOpener
}

// NewPageSizeResolver returns a resolver. With safeMode off every address
// resolves to systemPageSize. A zero systemPageSize means SystemPageSize()
// and a nil openMaps means OpenSmaps.
func NewPageSizeResolver(safeMode bool, systemPageSize uintptr, openMaps MapsOpener) *PageSizeResolver {
	if systemPageSize == 0 {
		systemPageSize = SystemPageSize()
	}
	if openMaps == nil {
		openMaps = OpenSmaps
	}
	return &PageSizeResolver{
		safeMode:       safeMode,
		systemPageSize: systemPageSize,
		openMaps:       openMaps,
	}
}

// SafeMode reports whether the resolver inspects process mappings.
func (p *PageSizeResolver) SafeMode() bool {
	return p.safeMode
}

// SystemPageSize returns the page size used when nothing better is known.
func (p *PageSizeResolver) SystemPageSize() uintptr {
	return p.systemPageSize
}

// Resolve returns the page size for addr. It never fails: any problem
// reading the mappings yields the system page size with SourceFallback.
func (p *PageSizeResolver) Resolve(addr uintptr) Resolution {
	if !p.safeMode {
		return Resolution{PageSize: p.systemPageSize, Source: SourceSystem}
	}
	size, err := p.lookup(addr)
	if err != nil {
		return Resolution{PageSize: p.systemPageSize, Source: SourceFallback, Err: err}
	}
	return Resolution{PageSize: size, Source: SourceMapping}
}

// PageSize is Resolve without the provenance.
func (p *PageSizeResolver) PageSize(addr uintptr) uintptr {
	return p.Resolve(addr).PageSize
}

// lookup reads the mappings fresh on every call; they change as the
// process maps and unmaps memory.
func (p *PageSizeResolver) lookup(addr uintptr) (uintptr, error) {
	f, err := p.openMaps()
	if err != nil {
		return 0, err
	}
	defer f.Close()

	size, err := FindPageSize(f, addr)
	if err != nil {
		return 0, err
	}
	if size < p.systemPageSize {
		return 0, fmt.Errorf("%w: %d below system page size %d", ErrPageSizeInvalid, size, p.systemPageSize)
	}
	return size, nil
}
