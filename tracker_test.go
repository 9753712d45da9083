/* SPDX-License-Identifier: BSD-2-Clause */

package forksafe

import (
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rng(start, end uintptr) Range {
	return Range{Start: start, End: end}
}

func TestAlign(t *testing.T) {
	tests := []struct {
		addr     uintptr
		length   int
		pageSize uintptr
		want     Range
	}{
		{0x1000, 4096, 4096, rng(0x1000, 0x2000)},
		{0x1001, 4096, 4096, rng(0x1000, 0x3000)},
		{0x1fff, 1, 4096, rng(0x1000, 0x2000)},
		{0x1fff, 2, 4096, rng(0x1000, 0x3000)},
		{0x7f0001234567, 100, 16 << 20, rng(0x7f0001000000, 0x7f0002000000)},
		{0, 1, 2 << 20, rng(0, 2<<20)},
	}

	for _, tt := range tests {
		got, ok := Align(tt.addr, tt.length, tt.pageSize)
		require.True(t, ok)
		assert.Equal(t, tt.want, got, "Align(%#x, %d, %#x)", tt.addr, tt.length, tt.pageSize)
	}
}

func TestAlignNothing(t *testing.T) {
	for _, tt := range []struct {
		addr   uintptr
		length int
	}{
		{0x1000, 0},
		{0x1000, -1},
		{^uintptr(0) - 10, 100},
		{^uintptr(0) - 10, 5},
	} {
		_, ok := Align(tt.addr, tt.length, 4096)
		assert.False(t, ok, "Align(%#x, %d)", tt.addr, tt.length)
	}
}

func TestAlignProperties(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for range 10000 {
		pageSize := uintptr(1) << (12 + r.IntN(13))
		addr := uintptr(r.Uint64N(1 << 47))
		length := 1 + r.IntN(1<<24)

		got, ok := Align(addr, length, pageSize)
		require.True(t, ok)
		require.LessOrEqual(t, got.Start, addr)
		require.GreaterOrEqual(t, got.End-1, addr+uintptr(length)-1)
		require.Zero(t, got.Start%pageSize)
		require.Zero(t, got.End%pageSize)
		require.Less(t, addr-got.Start, pageSize)
		require.Less(t, got.End-(addr+uintptr(length)), pageSize)
	}
}

func TestFoldDisjoint(t *testing.T) {
	tr := NewTracker()

	got := tr.Fold(rng(0x1000, 0x3000))
	assert.Equal(t, []Transition{{Range: rng(0x1000, 0x3000), Kind: Protected}}, got)

	got = tr.Fold(rng(0x5000, 0x6000))
	assert.Equal(t, []Transition{{Range: rng(0x5000, 0x6000), Kind: Protected}}, got)

	want := []ProtectedRange{
		{Range: rng(0x1000, 0x3000), Refs: 1},
		{Range: rng(0x5000, 0x6000), Refs: 1},
	}
	if diff := cmp.Diff(want, tr.Ranges()); diff != "" {
		t.Errorf("Ranges() mismatch (-want +got):\n%s", diff)
	}
}

func TestFoldOverlap(t *testing.T) {
	tr := NewTracker()
	tr.Fold(rng(0x2000, 0x4000))
	tr.Fold(rng(0x6000, 0x7000))

	got := tr.Fold(rng(0x1000, 0x8000))
	want := []Transition{
		{Range: rng(0x1000, 0x2000), Kind: Protected},
		{Range: rng(0x2000, 0x4000), Kind: StillProtected},
		{Range: rng(0x4000, 0x6000), Kind: Protected},
		{Range: rng(0x6000, 0x7000), Kind: StillProtected},
		{Range: rng(0x7000, 0x8000), Kind: Protected},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Fold() mismatch (-want +got):\n%s", diff)
	}

	wantRanges := []ProtectedRange{
		{Range: rng(0x1000, 0x2000), Refs: 1},
		{Range: rng(0x2000, 0x4000), Refs: 2},
		{Range: rng(0x4000, 0x6000), Refs: 1},
		{Range: rng(0x6000, 0x7000), Refs: 2},
		{Range: rng(0x7000, 0x8000), Refs: 1},
	}
	if diff := cmp.Diff(wantRanges, tr.Ranges()); diff != "" {
		t.Errorf("Ranges() mismatch (-want +got):\n%s", diff)
	}
}

func TestFoldSplitsAndMerges(t *testing.T) {
	tr := NewTracker()
	tr.Fold(rng(0x1000, 0x5000))

	// Inside an existing range: split into three.
	got := tr.Fold(rng(0x2000, 0x3000))
	assert.Equal(t, []Transition{{Range: rng(0x2000, 0x3000), Kind: StillProtected}}, got)
	assert.Equal(t, 3, tr.Len())
	assert.Equal(t, 2, tr.Refs(0x2000))
	assert.Equal(t, 1, tr.Refs(0x1fff))
	assert.Equal(t, 1, tr.Refs(0x3000))

	// Touching on the right: merged with the same count.
	got = tr.Fold(rng(0x5000, 0x6000))
	assert.Equal(t, []Transition{{Range: rng(0x5000, 0x6000), Kind: Protected}}, got)
	assert.Equal(t, 3, tr.Len())

	// Releasing the inner range restores one entry.
	got, err := tr.Unfold(rng(0x2000, 0x3000))
	require.NoError(t, err)
	assert.Equal(t, []Transition{{Range: rng(0x2000, 0x3000), Kind: StillProtected}}, got)
	assert.Equal(t, []ProtectedRange{{Range: rng(0x1000, 0x6000), Refs: 1}}, tr.Ranges())
}

func TestUnfold(t *testing.T) {
	tr := NewTracker()
	tr.Fold(rng(0x0000, 0x2000))
	tr.Fold(rng(0x1000, 0x3000))

	got, err := tr.Unfold(rng(0x0000, 0x2000))
	require.NoError(t, err)
	want := []Transition{
		{Range: rng(0x0000, 0x1000), Kind: Unprotected},
		{Range: rng(0x1000, 0x2000), Kind: StillProtected},
	}
	assert.Equal(t, want, got)
	assert.Equal(t, []ProtectedRange{{Range: rng(0x1000, 0x3000), Refs: 1}}, tr.Ranges())

	got, err = tr.Unfold(rng(0x1000, 0x3000))
	require.NoError(t, err)
	assert.Equal(t, []Transition{{Range: rng(0x1000, 0x3000), Kind: Unprotected}}, got)
	assert.Zero(t, tr.Len())
}

func TestUnfoldNotProtected(t *testing.T) {
	tr := NewTracker()
	tr.Fold(rng(0x1000, 0x2000))
	tr.Fold(rng(0x3000, 0x4000))
	before := tr.Ranges()

	for _, r := range []Range{
		rng(0x0000, 0x1000),
		rng(0x0000, 0x2000),
		rng(0x1000, 0x4000),
		rng(0x3000, 0x5000),
		rng(0x8000, 0x9000),
	} {
		_, err := tr.Unfold(r)
		require.ErrorIs(t, err, ErrNotProtected, "%v", r)
		require.Equal(t, before, tr.Ranges(), "%v must not change the set", r)
	}
}

func TestFoldEmpty(t *testing.T) {
	tr := NewTracker()
	assert.Nil(t, tr.Fold(rng(0x1000, 0x1000)))
	got, err := tr.Unfold(rng(0x1000, 0x1000))
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, tr.Len())
}

// FoldUnfoldReversal checks that Unfold exactly reverses Fold, which the
// controller relies on for rollback.
func TestFoldUnfoldReversal(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	tr := NewTracker()
	for range 50 {
		start := uintptr(r.IntN(64)) * testPage
		tr.Fold(rng(start, start+uintptr(1+r.IntN(8))*testPage))
	}

	for range 500 {
		start := uintptr(r.IntN(64)) * testPage
		x := rng(start, start+uintptr(1+r.IntN(16))*testPage)
		before := tr.Ranges()

		tr.Fold(x)
		_, err := tr.Unfold(x)
		require.NoError(t, err)
		require.Equal(t, before, tr.Ranges())

		if _, err := tr.Unfold(x); err == nil {
			tr.Fold(x)
			require.Equal(t, before, tr.Ranges())
		}
	}
}

// TestTrackerModel compares the tracker against per-page counters.
func TestTrackerModel(t *testing.T) {
	const pages = 64
	r := rand.New(rand.NewPCG(5, 6))
	tr := NewTracker()
	var counts [pages]int
	var live []Range

	for i := range 2000 {
		if len(live) > 0 && r.IntN(2) == 0 {
			j := r.IntN(len(live))
			x := live[j]
			live = append(live[:j], live[j+1:]...)

			trans, err := tr.Unfold(x)
			require.NoError(t, err)
			for _, tn := range trans {
				for p := tn.Start / testPage; p < tn.End/testPage; p++ {
					if tn.Kind == Unprotected {
						require.Equal(t, 1, counts[p], "step %d page %d", i, p)
					} else {
						require.Greater(t, counts[p], 1, "step %d page %d", i, p)
					}
				}
			}
			for p := x.Start / testPage; p < x.End/testPage; p++ {
				counts[p]--
			}
		} else {
			start := uintptr(r.IntN(pages - 1))
			end := start + 1 + uintptr(r.IntN(pages-int(start)))
			x := rng(start*testPage, end*testPage)
			live = append(live, x)

			trans := tr.Fold(x)
			for _, tn := range trans {
				for p := tn.Start / testPage; p < tn.End/testPage; p++ {
					if tn.Kind == Protected {
						require.Zero(t, counts[p], "step %d page %d", i, p)
					} else {
						require.Positive(t, counts[p], "step %d page %d", i, p)
					}
				}
			}
			for p := start; p < end; p++ {
				counts[p]++
			}
		}

		checkModel(t, tr, counts[:])
	}
}

func checkModel(t *testing.T, tr *Tracker, counts []int) {
	t.Helper()
	var got [64]int
	var prev *ProtectedRange
	for _, pr := range tr.Ranges() {
		require.Positive(t, pr.Refs)
		require.Less(t, pr.Start, pr.End)
		if prev != nil {
			require.LessOrEqual(t, prev.End, pr.Start, "ranges overlap")
			if prev.End == pr.Start {
				require.NotEqual(t, prev.Refs, pr.Refs, "touching ranges not merged")
			}
		}
		for p := pr.Start / testPage; p < pr.End/testPage; p++ {
			got[p] = pr.Refs
		}
		prev = &pr
	}
	require.Equal(t, counts, got[:len(counts)])
}
