// Copyright 2025 go-stencil Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stencil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVar(t *testing.T, stepAlloc int64) (*Var, *Dims) {
	t.Helper()
	d := NewDims("t", "x")
	v := NewVar("u", d, "t", "x")
	v.SetDomainSize("x", 8)
	v.SetHalos("x", 1, 1)
	v.SetRankOffset("x", 0)
	v.SetStepAlloc(stepAlloc)
	v.finalizeLayout()
	buf := make([]Real, v.NumStorageElems())
	v.SetStorage(buf, 0)
	return v, d
}

func pt2(t, x int64) Tuple {
	return NewTupleVals([]string{"t", "x"}, []int64{t, x})
}

func TestVarGetSetElem(t *testing.T) {
	v, _ := newTestVar(t, 2)

	require.NoError(t, v.SetElem(3.5, pt2(0, 4), true))
	got, err := v.GetElem(pt2(0, 4))
	require.NoError(t, err)
	assert.Equal(t, Real(3.5), got)

	// Halo cells are inside the allocation.
	require.NoError(t, v.SetElem(1.0, pt2(0, -1), true))
	require.NoError(t, v.SetElem(1.0, pt2(0, 8), true))

	// Beyond the pads is out of range.
	err = v.SetElem(1.0, pt2(0, 99), true)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	// Non-strict writes ignore bad indices silently.
	assert.NoError(t, v.SetElem(1.0, pt2(0, 99), false))

	_, err = v.GetElem(pt2(0, 99))
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestVarRingWrapAndStaleness(t *testing.T) {
	v, _ := newTestVar(t, 2)

	// Slots initially hold steps 0 and 1.
	require.NoError(t, v.SetElem(1.0, pt2(0, 0), true))
	require.NoError(t, v.SetElem(2.0, pt2(1, 0), true))

	// Writing step 2 retargets slot 0 and evicts step 0.
	require.NoError(t, v.SetElem(3.0, pt2(2, 0), true))
	got, err := v.GetElem(pt2(2, 0))
	require.NoError(t, err)
	assert.Equal(t, Real(3.0), got)

	_, err = v.GetElem(pt2(0, 0))
	assert.ErrorIs(t, err, ErrStaleStep)

	// AddToElem needs the step resident.
	err = v.AddToElem(1.0, pt2(0, 0), true)
	assert.ErrorIs(t, err, ErrStaleStep)
	require.NoError(t, v.AddToElem(1.0, pt2(2, 0), true))
	got, _ = v.GetElem(pt2(2, 0))
	assert.Equal(t, Real(4.0), got)
}

func TestVarNegativeStepWrapIsSymmetric(t *testing.T) {
	v, _ := newTestVar(t, 3)
	assert.Equal(t, int64(2), v.WrapStep(-1))
	assert.Equal(t, int64(1), v.WrapStep(-2))
	assert.Equal(t, int64(0), v.WrapStep(-3))
	assert.Equal(t, int64(2), v.WrapStep(5))
}

// P3: first/last local indices derive from offset, domain, and pads.
func TestVarLocalIndexRange(t *testing.T) {
	d := NewDims("t", "x")
	d.SetFold("x", 4)
	v := NewVar("u", d, "t", "x")
	v.SetDomainSize("x", 10)
	v.SetHalos("x", 3, 2)
	v.SetRankOffset("x", 20)
	v.finalizeLayout()

	// Pads round up to the fold: left 3 -> 4, right 2 -> 4.
	assert.Equal(t, int64(4), v.ActualLeftPad("x"))
	assert.Equal(t, int64(4), v.ActualRightPad("x"))
	assert.Equal(t, v.RankOffset("x")-v.ActualLeftPad("x"), v.FirstLocalIndex("x"))
	assert.Equal(t, v.RankOffset("x")+v.DomainSize("x")+v.ActualRightPad("x")-1,
		v.LastLocalIndex("x"))
}

// P9: slice write then read round-trips.
func TestVarSliceRoundTrip(t *testing.T) {
	v, _ := newTestVar(t, 2)

	buf := []Real{1, 2, 3, 4, 5, 6}
	first := pt2(0, 1)
	last := pt2(1, 3) // 2 steps x 3 points
	n, err := v.SetElemsInSlice(buf, first, last)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	// Both covered steps are now dirty.
	assert.True(t, v.IsDirty(0))
	assert.True(t, v.IsDirty(1))

	out := make([]Real, 6)
	n, err = v.GetElemsInSlice(out, first, last)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
	assert.Equal(t, buf, out)

	// Individual elements agree with the slice layout (step outer, x inner).
	got, err := v.GetElem(pt2(1, 2))
	require.NoError(t, err)
	assert.Equal(t, Real(5), got)

	_, err = v.GetElemsInSlice(out, pt2(0, -99), last)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestVarFuse(t *testing.T) {
	v, d := newTestVar(t, 2)

	w := NewVar("w", d, "t", "x")
	w.SetDomainSize("x", 8)
	w.SetHalos("x", 1, 1)
	w.SetRankOffset("x", 0)
	w.SetStepAlloc(2)

	require.NoError(t, w.Fuse(v))
	require.NoError(t, v.SetElem(7.0, pt2(0, 3), true))
	got, err := w.GetElem(pt2(0, 3))
	require.NoError(t, err)
	assert.Equal(t, Real(7.0), got)

	// Dim-set mismatch is rejected.
	bad := NewVar("bad", d, "x")
	assert.ErrorIs(t, bad.Fuse(v), ErrConfig)
}

func TestVarMiscDims(t *testing.T) {
	d := NewDims("t", "x")
	d.AddMisc("c")
	v := NewVar("coef", d, "x", "c")
	v.SetDomainSize("x", 4)
	v.SetRankOffset("x", 0)
	v.SetMiscRange("c", 1, 3)
	v.finalizeLayout()
	buf := make([]Real, v.NumStorageElems())
	v.SetStorage(buf, 0)

	assert.Equal(t, int64(3), v.AllocSize("c"))

	ptc := func(x, c int64) Tuple {
		return NewTupleVals([]string{"x", "c"}, []int64{x, c})
	}
	require.NoError(t, v.SetElem(2.5, ptc(2, 3), true))
	got, err := v.GetElem(ptc(2, 3))
	require.NoError(t, err)
	assert.Equal(t, Real(2.5), got)

	// Outside the declared misc range.
	_, err = v.GetElem(ptc(2, 0))
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = v.GetElem(ptc(2, 4))
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestVarDirtyFlags(t *testing.T) {
	v, _ := newTestVar(t, 2)
	assert.False(t, v.IsDirty(0))
	require.NoError(t, v.SetElem(1.0, pt2(0, 0), true))
	assert.True(t, v.IsDirty(0))
	assert.False(t, v.IsDirty(1))
	v.SetDirty(false, 0)
	assert.False(t, v.IsDirty(0))

	// Marking dirty establishes the step in the ring.
	v.SetDirty(true, 4)
	assert.True(t, v.IsDirty(4))
	assert.Equal(t, int64(4), v.SlotStep(4))
}
