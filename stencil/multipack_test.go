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

	"github.com/ajroetker/go-stencil/stencil/comms"
)

// buildChain2D wires three chained packs over an 8x8 rank domain (16x16
// globally when the caller's mod sets up 2x2 ranks, as runChain2D does):
//
//	p0: a[t+1] = avg5(a[t])
//	p1: b[t+1] = avg5(a[t+1])
//	p2: c[t+1] = avg5(b[t+1])   only inside a disc around (8, 8)
//
// Pack order carries the dependency; the wave-front shifts keep each
// pack's reads inside what earlier (pack, step) evaluations produced.
func buildChain2D(conn comms.Conn, mod func(*Settings)) (*Context, [3]*Var) {
	d := NewDims("t", "x", "y")
	s := NewSettings(d)
	s.RankSizes.SetValsSame(8)
	if mod != nil {
		mod(s)
	}
	ctx := NewContext("chain2d", d, s, conn, testLogger())

	newv := func(name string) *Var {
		v := NewVar(name, d, "t", "x", "y")
		v.SetHalos("x", 1, 1)
		v.SetHalos("y", 1, 1)
		ctx.AddVar(v, true)
		return v
	}
	a, b, cv := newv("a"), newv("b"), newv("c")

	avg := func(src *Var, t, x, y int64) Real {
		get := func(dx, dy int64) Real {
			v, err := src.GetElem(pt3(t, x+dx, y+dy))
			if err != nil {
				panic(err)
			}
			return v
		}
		return (get(0, 0) + get(-1, 0) + get(1, 0) + get(0, -1) + get(0, 1)) / 5
	}
	put := func(dst *Var, val Real, t, x, y int64) {
		if err := dst.SetElem(val, pt3(t, x, y), true); err != nil {
			panic(err)
		}
	}

	advA := &BundleDef{
		BundleName: "adv_a",
		InputVars:  []*Var{a},
		OutputVars: []*Var{a},
		WriteOfs:   1,
		Halos: map[*Var]map[HaloKey]Tuple{a: {
			{Pack: "p0", Left: true, StepOfs: 0}:  haloTuple(d, 1),
			{Pack: "p0", Left: false, StepOfs: 0}: haloTuple(d, 1),
			{Pack: "p0", Left: true, StepOfs: 1}:  haloTuple(d, 0),
		}},
		Point: func(c *Context, thread int, pt Tuple) {
			t, x, y := pt.ValOf("t"), pt.ValOf("x"), pt.ValOf("y")
			put(a, avg(a, t, x, y), t+1, x, y)
		},
	}
	advB := &BundleDef{
		BundleName: "adv_b",
		InputVars:  []*Var{a},
		OutputVars: []*Var{b},
		WriteOfs:   1,
		Halos: map[*Var]map[HaloKey]Tuple{
			a: {
				{Pack: "p1", Left: true, StepOfs: 1}:  haloTuple(d, 1),
				{Pack: "p1", Left: false, StepOfs: 1}: haloTuple(d, 1),
			},
			b: {
				{Pack: "p1", Left: true, StepOfs: 1}: haloTuple(d, 0),
			},
		},
		Point: func(c *Context, thread int, pt Tuple) {
			t, x, y := pt.ValOf("t"), pt.ValOf("x"), pt.ValOf("y")
			put(b, avg(a, t+1, x, y), t+1, x, y)
		},
	}
	disc := func(pt Tuple) bool {
		dx := pt.ValOf("x") - 8
		dy := pt.ValOf("y") - 8
		return dx*dx+dy*dy < 25
	}
	advC := &BundleDef{
		BundleName: "adv_c",
		InputVars:  []*Var{b},
		OutputVars: []*Var{cv},
		WriteOfs:   1,
		Domain:     disc,
		Halos: map[*Var]map[HaloKey]Tuple{
			b: {
				{Pack: "p2", Left: true, StepOfs: 1}:  haloTuple(d, 1),
				{Pack: "p2", Left: false, StepOfs: 1}: haloTuple(d, 1),
			},
			cv: {
				{Pack: "p2", Left: true, StepOfs: 1}: haloTuple(d, 0),
			},
		},
		Point: func(c *Context, thread int, pt Tuple) {
			t, x, y := pt.ValOf("t"), pt.ValOf("x"), pt.ValOf("y")
			put(cv, avg(b, t+1, x, y), t+1, x, y)
		},
	}
	ctx.AddPack(&Pack{PackName: "p0", Bundles: []*BundleDef{advA}})
	ctx.AddPack(&Pack{PackName: "p1", Bundles: []*BundleDef{advB}})
	ctx.AddPack(&Pack{PackName: "p2", Bundles: []*BundleDef{advC}})
	return ctx, [3]*Var{a, b, cv}
}

// runChain2D executes the chained solution on 2x2 ranks and returns the
// per-rank domain snapshots of a, b, and c at the final step.
func runChain2D(t *testing.T, steps int64, useRef bool, mod func(*Settings)) [4][3][]Real {
	t.Helper()
	var out [4][3][]Real
	runRanks(t, 4, func(rank int, conn comms.Conn) error {
		ctx, vars := buildChain2D(conn, func(s *Settings) {
			s.NumRanks.SetValOf("x", 2)
			s.NumRanks.SetValOf("y", 2)
			if mod != nil {
				mod(s)
			}
		})
		if err := ctx.PrepareSolution(); err != nil {
			return err
		}
		seed2D(t, ctx, vars[0])
		var err error
		if useRef {
			err = ctx.RunRef(0, steps-1)
		} else {
			err = ctx.RunSolution(0, steps-1)
		}
		if err != nil {
			return err
		}
		for i, v := range vars {
			out[rank][i] = gatherRank2D(t, ctx, v, steps)
		}
		return nil
	})
	return out
}

// Scenario: overlap stress on 2x2 ranks with three packs, two wave-front
// steps, and a non-rectangular (disc) sub-domain. Results must match both
// the unified (non-overlap) mode and the scalar reference.
func TestMultiPackDiscOverlap(t *testing.T) {
	const steps = 4
	wf2 := func(s *Settings) { s.RegionSizes.SetVal(StepPosn, 2) }

	ref := runChain2D(t, steps, true, nil)
	unified := runChain2D(t, steps, false, wf2)
	overlapped := runChain2D(t, steps, false, func(s *Settings) {
		wf2(s)
		s.OverlapComms = true
	})

	for rank := 0; rank < 4; rank++ {
		for vi, vname := range []string{"a", "b", "c"} {
			require.Equal(t, ref[rank][vi], unified[rank][vi],
				"rank %d var %s: unified vs ref", rank, vname)
			require.Equal(t, unified[rank][vi], overlapped[rank][vi],
				"rank %d var %s: overlap vs unified", rank, vname)
		}
	}
}

// The disc predicate produces a non-full box that decomposes into exact
// sub-rectangles (P4) on each rank.
func TestMultiPackDiscDecomposition(t *testing.T) {
	runRanks(t, 4, func(rank int, conn comms.Conn) error {
		ctx, _ := buildChain2D(conn, func(s *Settings) {
			s.NumRanks.SetValOf("x", 2)
			s.NumRanks.SetValOf("y", 2)
		})
		if err := ctx.PrepareSolution(); err != nil {
			return err
		}
		b := ctx.Packs[2].Bundles[0]
		return checkDecomposition(ctx, b)
	})
}

// Overlap with no wave-front engages the two-pass traversal; results still
// match the unified mode (scenario continued).
func TestMultiPackOverlapTwoPass(t *testing.T) {
	const steps = 3
	blocks := func(s *Settings) {
		s.BlockSizes.SetValOf("x", 4)
		s.BlockSizes.SetValOf("y", 4)
	}
	unified := runChain2D(t, steps, false, blocks)
	overlapped := runChain2D(t, steps, false, func(s *Settings) {
		blocks(s)
		s.OverlapComms = true
	})
	for rank := 0; rank < 4; rank++ {
		for vi := 0; vi < 3; vi++ {
			assert.Equal(t, unified[rank][vi], overlapped[rank][vi],
				"rank %d var %d", rank, vi)
		}
	}
}
