/* SPDX-License-Identifier: BSD-2-Clause */

package forksafe

import (
	"fmt"

	"github.com/google/btree"
)

// Align widens [addr, addr+length) to pageSize boundaries. pageSize must be
// a power of two. ok is false when there is nothing to align: length is
// not positive or the range wraps the address space.
func Align(addr uintptr, length int, pageSize uintptr) (Range, bool) {
	if length <= 0 {
		return Range{}, false
	}
	end := addr + uintptr(length)
	if end < addr {
		return Range{}, false
	}
	alignedEnd, ok := roundUp(end, pageSize)
	if !ok {
		return Range{}, false
	}
	return Range{Start: roundDown(addr, pageSize), End: alignedEnd}, true
}

type span struct {
	start uintptr
	end   uintptr
	refs  int
}

func spanLess(a, b span) bool {
	return a.start < b.start
}

// Tracker is an ordered set of non-overlapping, reference-counted address
// ranges. Overlapping registrations raise the count of the shared bytes
// rather than adding duplicate entries. Touching entries with equal counts
// are always merged, so the set has one representation per coverage.
//
// A Tracker is not safe for concurrent use.
type Tracker struct {
	spans *btree.BTreeG[span]
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{spans: btree.NewG[span](16, spanLess)}
}

// Fold adds one reference to every byte of r. The result lists the
// sub-intervals of r in ascending order: Protected where the count went
// from 0 to 1, StillProtected where it was already covered.
func (t *Tracker) Fold(r Range) []Transition {
	if r.Start >= r.End {
		return nil
	}
	return t.apply(r, t.overlapping(r), 1)
}

// Unfold drops one reference from every byte of r. Sub-intervals whose
// count reached 0 are reported Unprotected and removed. If any byte of r
// is untracked, Unfold returns ErrNotProtected and leaves t unchanged.
func (t *Tracker) Unfold(r Range) ([]Transition, error) {
	if r.Start >= r.End {
		return nil, nil
	}
	old := t.overlapping(r)
	cursor := r.Start
	for _, s := range old {
		if s.start > cursor {
			break
		}
		cursor = s.end
	}
	if cursor < r.End {
		return nil, fmt.Errorf("%w: %v", ErrNotProtected, r)
	}
	return t.apply(r, old, -1), nil
}

// overlapping returns the spans sharing bytes with r in ascending order.
func (t *Tracker) overlapping(r Range) []span {
	var out []span
	t.spans.DescendLessOrEqual(span{start: r.Start}, func(s span) bool {
		if s.start < r.Start {
			if s.end > r.Start {
				out = append(out, s)
			}
			return false
		}
		return true
	})
	t.spans.AscendRange(span{start: r.Start}, span{start: r.End}, func(s span) bool {
		out = append(out, s)
		return true
	})
	return out
}

// apply adds delta to every byte of r. old must be the spans overlapping
// r; for negative deltas they must cover r completely.
func (t *Tracker) apply(r Range, old []span, delta int) []Transition {
	var (
		pieces []span
		trans  []Transition
	)
	cursor := r.Start
	for _, s := range old {
		t.spans.Delete(s)
		if s.start < r.Start {
			pieces = append(pieces, span{start: s.start, end: r.Start, refs: s.refs})
		}
		if cursor < s.start {
			pieces = append(pieces, span{start: cursor, end: s.start, refs: delta})
			trans = append(trans, Transition{Range: Range{Start: cursor, End: s.start}, Kind: Protected})
		}
		lo, hi := max(s.start, r.Start), min(s.end, r.End)
		refs := s.refs + delta
		kind := StillProtected
		if refs > 0 {
			pieces = append(pieces, span{start: lo, end: hi, refs: refs})
		} else {
			kind = Unprotected
		}
		trans = append(trans, Transition{Range: Range{Start: lo, End: hi}, Kind: kind})
		if s.end > r.End {
			pieces = append(pieces, span{start: r.End, end: s.end, refs: s.refs})
		}
		cursor = hi
	}
	if cursor < r.End {
		pieces = append(pieces, span{start: cursor, end: r.End, refs: delta})
		trans = append(trans, Transition{Range: Range{Start: cursor, End: r.End}, Kind: Protected})
	}
	for _, p := range pieces {
		t.spans.ReplaceOrInsert(p)
	}
	t.coalesce(r)
	return mergeTransitions(trans)
}

// coalesce merges touching equal-count spans around r. Spans outside r
// and its immediate neighbours are untouched by apply, so they are
// already merged.
func (t *Tracker) coalesce(r Range) {
	var window []span
	t.spans.DescendLessOrEqual(span{start: r.Start}, func(s span) bool {
		if s.start < r.Start {
			window = append(window, s)
			return false
		}
		return true
	})
	t.spans.AscendGreaterOrEqual(span{start: r.Start}, func(s span) bool {
		if s.start > r.End {
			return false
		}
		window = append(window, s)
		return true
	})
	for i := 1; i < len(window); i++ {
		prev, cur := window[i-1], window[i]
		if prev.end != cur.start || prev.refs != cur.refs {
			continue
		}
		t.spans.Delete(cur)
		prev.end = cur.end
		t.spans.ReplaceOrInsert(prev)
		window[i] = prev
	}
}

func mergeTransitions(trans []Transition) []Transition {
	if len(trans) < 2 {
		return trans
	}
	out := trans[:1]
	for _, tr := range trans[1:] {
		last := &out[len(out)-1]
		if last.Kind == tr.Kind && last.End == tr.Start {
			last.End = tr.End
			continue
		}
		out = append(out, tr)
	}
	return out
}

// Ranges returns the tracked ranges in ascending order.
func (t *Tracker) Ranges() []ProtectedRange {
	out := make([]ProtectedRange, 0, t.spans.Len())
	t.spans.Ascend(func(s span) bool {
		out = append(out, ProtectedRange{Range: Range{Start: s.start, End: s.end}, Refs: s.refs})
		return true
	})
	return out
}

// Len returns the number of tracked ranges.
func (t *Tracker) Len() int {
	return t.spans.Len()
}

// Refs returns the number of references held on the byte at addr.
func (t *Tracker) Refs(addr uintptr) int {
	refs := 0
	t.spans.DescendLessOrEqual(span{start: addr}, func(s span) bool {
		if addr < s.end {
			refs = s.refs
		}
		return false
	})
	return refs
}
