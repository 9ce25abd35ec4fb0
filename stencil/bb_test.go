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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkDecomposition verifies P4 for one bundle: the sub-boxes are pairwise
// disjoint, their union is exactly the predicate's valid set within the
// extended rank box, and their sizes sum to the counted points.
func checkDecomposition(c *Context, b *BundleDef) error {
	rects := b.BBList()

	var sum int64
	for i := range rects {
		if !rects[i].IsFull {
			return fmt.Errorf("sub-box %d is not full", i)
		}
		sum += rects[i].Size
		for j := i + 1; j < len(rects); j++ {
			overlap := true
			for _, dn := range c.Dims.DomainNames {
				if rects[i].End.ValOf(dn) <= rects[j].Begin.ValOf(dn) ||
					rects[j].End.ValOf(dn) <= rects[i].Begin.ValOf(dn) {
					overlap = false
					break
				}
			}
			if overlap {
				return fmt.Errorf("sub-boxes %d and %d overlap", i, j)
			}
		}
	}
	if sum != b.BB().NumPoints {
		return fmt.Errorf("sub-box sizes sum to %d, want %d points", sum, b.BB().NumPoints)
	}

	// Every point of the extended box is covered iff the predicate holds.
	var bad error
	ext := c.ExtBB()
	lens := ext.End.SubElements(ext.Begin)
	pt := c.Dims.StencilTuple()
	lens.VisitAllPoints(func(ofs Tuple, _ int64) bool {
		dpt := c.Dims.DomainTuple()
		for _, dn := range c.Dims.DomainNames {
			v := ext.Begin.ValOf(dn) + ofs.ValOf(dn)
			dpt.SetValOf(dn, v)
			pt.SetValOf(dn, v)
		}
		covered := 0
		for i := range rects {
			if rects[i].ContainsPoint(dpt) {
				covered++
			}
		}
		valid := b.IsInValidDomain(pt)
		switch {
		case valid && covered != 1:
			bad = fmt.Errorf("valid point %s covered %d times", dpt, covered)
			return false
		case !valid && covered != 0:
			bad = fmt.Errorf("invalid point %s covered %d times", dpt, covered)
			return false
		}
		return true
	})
	return bad
}

// buildPredicate2D returns a prepared one-rank 2-D solution whose single
// bundle is restricted to the given predicate.
func buildPredicate2D(t *testing.T, pred func(pt Tuple) bool) (*Context, *BundleDef) {
	t.Helper()
	ctx, _ := build2D5pt(nil, nil, nil)
	b := ctx.Packs[0].Bundles[0]
	b.Domain = pred
	require.NoError(t, ctx.PrepareSolution())
	return ctx, b
}

// P5: a bundle with no predicate has a single sub-box equal to the box.
func TestFullBundleHasSingleSubBox(t *testing.T) {
	ctx, _ := build2D5pt(nil, nil, nil)
	require.NoError(t, ctx.PrepareSolution())
	b := ctx.Packs[0].Bundles[0]

	assert.True(t, b.BB().IsFull)
	require.Len(t, b.BBList(), 1)
	assert.Equal(t, b.BB().Begin.String(), b.BBList()[0].Begin.String())
	assert.Equal(t, b.BB().End.String(), b.BBList()[0].End.String())
	assert.Equal(t, b.BB().Size, b.BB().NumPoints)
}

func TestDiscDecomposition(t *testing.T) {
	ctx, b := buildPredicate2D(t, func(pt Tuple) bool {
		dx := pt.ValOf("x") - 4
		dy := pt.ValOf("y") - 4
		return dx*dx+dy*dy <= 9
	})
	assert.False(t, b.BB().IsFull)
	assert.Greater(t, len(b.BBList()), 1)
	require.NoError(t, checkDecomposition(ctx, b))
}

// The checkerboard is the worst case: every valid point is its own
// rectangle.
func TestCheckerboardDecomposition(t *testing.T) {
	ctx, b := buildPredicate2D(t, func(pt Tuple) bool {
		return (pt.ValOf("x")+pt.ValOf("y"))%2 == 0
	})
	assert.False(t, b.BB().IsFull)
	assert.Equal(t, int64(32), b.BB().NumPoints)
	require.NoError(t, checkDecomposition(ctx, b))
}

// Stripes merge back into full-height rectangles across slice boundaries.
func TestStripeDecompositionMerges(t *testing.T) {
	ctx, b := buildPredicate2D(t, func(pt Tuple) bool {
		return pt.ValOf("y") < 2 || pt.ValOf("y") >= 6
	})
	assert.False(t, b.BB().IsFull)
	require.NoError(t, checkDecomposition(ctx, b))
	// All slices produce the same two aligned stripes, so they merge into
	// two rectangles spanning the whole x range.
	assert.Len(t, b.BBList(), 2)
}

func TestEmptyPredicateYieldsNoBoxes(t *testing.T) {
	_, b := buildPredicate2D(t, func(pt Tuple) bool { return false })
	assert.Zero(t, b.BB().NumPoints)
	assert.Empty(t, b.BBList())
}

func TestBoundingBoxContains(t *testing.T) {
	bb := BoundingBox{
		Begin: NewTupleVals([]string{"x", "y"}, []int64{2, 3}),
		End:   NewTupleVals([]string{"x", "y"}, []int64{5, 6}),
	}
	assert.True(t, bb.ContainsPoint(NewTupleVals([]string{"x", "y"}, []int64{2, 3})))
	assert.True(t, bb.ContainsPoint(NewTupleVals([]string{"x", "y"}, []int64{4, 5})))
	assert.False(t, bb.ContainsPoint(NewTupleVals([]string{"x", "y"}, []int64{5, 3})))
	assert.False(t, bb.ContainsPoint(NewTupleVals([]string{"x", "y"}, []int64{2, 6})))
}
