/* SPDX-License-Identifier: BSD-2-Clause */

package forksafe

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// parseMappingHeader parses the "start-end perms offset dev inode path"
// line that introduces each mapping.
func parseMappingHeader(line string) (Range, bool) {
	field, _, _ := strings.Cut(line, " ")
	lo, hi, ok := strings.Cut(field, "-")
	if !ok {
		return Range{}, false
	}
	start, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return Range{}, false
	}
	end, err := strconv.ParseUint(hi, 16, 64)
	if err != nil || end < start {
		return Range{}, false
	}
	return Range{Start: uintptr(start), End: uintptr(end)}, true
}

// parsePageSize parses a "KernelPageSize:  2048 kB" line into bytes.
// ok is false if the line is some other field.
func parsePageSize(line string) (size uintptr, ok bool, err error) {
	rest, ok := strings.CutPrefix(line, kernelPageSizeField)
	if !ok {
		return 0, false, nil
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 || len(fields) > 2 || (len(fields) == 2 && fields[1] != "kB") {
		return 0, true, fmt.Errorf("%w: %q", ErrPageSizeInvalid, line)
	}
	kb, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil || kb == 0 || kb > uint64(^uintptr(0)>>10) {
		return 0, true, fmt.Errorf("%w: %q", ErrPageSizeInvalid, line)
	}
	size = uintptr(kb) * 1024
	if !isPowerOfTwo(size) {
		return 0, true, fmt.Errorf("%w: %q", ErrPageSizeInvalid, line)
	}
	return size, true, nil
}

// FindPageSize scans an smaps-formatted stream for the mapping containing
// addr and returns its kernel page size in bytes.
func FindPageSize(r io.Reader, addr uintptr) (uintptr, error) {
	s := bufio.NewScanner(r)
	inMapping := false
	for s.Scan() {
		line := s.Text()
		if rng, ok := parseMappingHeader(line); ok {
			if inMapping {
				return 0, ErrPageSizeMissing
			}
			inMapping = rng.Contains(addr)
			continue
		}
		if !inMapping {
			continue
		}
		if size, ok, err := parsePageSize(line); ok {
			return size, err
		}
	}
	if err := s.Err(); err != nil {
		return 0, err
	}
	if inMapping {
		return 0, ErrPageSizeMissing
	}
	return 0, ErrMappingNotFound
}

// ParseMappings returns every mapping in an smaps-formatted stream in the
// order listed.
func ParseMappings(r io.Reader) ([]Mapping, error) {
	var mappings []Mapping
	s := bufio.NewScanner(r)
	for n := 1; s.Scan(); n++ {
		line := s.Text()
		if rng, ok := parseMappingHeader(line); ok {
			mappings = append(mappings, Mapping{Range: rng})
			continue
		}
		if len(mappings) == 0 {
			continue
		}
		size, ok, err := parsePageSize(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		if ok {
			mappings[len(mappings)-1].PageSize = size
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return mappings, nil
}
