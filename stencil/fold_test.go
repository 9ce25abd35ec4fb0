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
)

func TestDefaultFold(t *testing.T) {
	n := DefaultFoldLen()
	assert.GreaterOrEqual(t, n, int64(1))
	assert.LessOrEqual(t, n, int64(8))

	d := NewDims("t", "x", "y")
	fold := DefaultFold(d)
	assert.Equal(t, int64(1), fold.ValOf("x"))
	assert.Equal(t, n, fold.ValOf("y")) // innermost dim gets the lanes
}

// A fold larger than 1 rounds pads and angles; the engine still matches
// the scalar reference.
func TestFoldedRunMatchesRef(t *testing.T) {
	withFold := func() (*Context, *Var) {
		d := NewDims("t", "x")
		d.SetFold("x", 4)
		s := NewSettings(d)
		s.RankSizes.SetValOf("x", 16)
		s.RegionSizes.SetVal(StepPosn, 2)
		s.RegionSizes.SetValOf("x", 8)
		ctx := NewContext("folded", d, s, nil, testLogger())

		u := NewVar("u", d, "t", "x")
		u.SetHalos("x", 1, 1)
		ctx.AddVar(u, true)
		b := &BundleDef{
			BundleName: "diffuse",
			InputVars:  []*Var{u},
			OutputVars: []*Var{u},
			WriteOfs:   1,
			Halos: map[*Var]map[HaloKey]Tuple{u: {
				{Pack: "p0", Left: true, StepOfs: 0}:  haloTuple(d, 1),
				{Pack: "p0", Left: false, StepOfs: 0}: haloTuple(d, 1),
				{Pack: "p0", Left: true, StepOfs: 1}:  haloTuple(d, 0),
			}},
			Point: func(c *Context, thread int, pt Tuple) {
				tt, x := pt.ValOf("t"), pt.ValOf("x")
				get := func(dx int64) Real {
					v, err := u.GetElem(pt2(tt, x+dx))
					if err != nil {
						panic(err)
					}
					return v
				}
				val := 0.25*get(-1) + 0.5*get(0) + 0.25*get(1)
				if err := u.SetElem(val, pt2(tt+1, x), true); err != nil {
					panic(err)
				}
			},
		}
		ctx.AddPack(&Pack{PackName: "p0", Bundles: []*BundleDef{b}})
		return ctx, u
	}

	tiled, u := withFold()
	if err := tiled.PrepareSolution(); err != nil {
		t.Fatal(err)
	}
	// Angle rounds the halo of 1 up to the fold of 4.
	assert.Equal(t, int64(4), tiled.wfAngles.ValOf("x"))
	if err := u.SetElem(1.0, pt2(0, 8), true); err != nil {
		t.Fatal(err)
	}
	if err := tiled.RunSolution(0, 3); err != nil {
		t.Fatal(err)
	}

	ref, ru := withFold()
	if err := ref.PrepareSolution(); err != nil {
		t.Fatal(err)
	}
	if err := ru.SetElem(1.0, pt2(0, 8), true); err != nil {
		t.Fatal(err)
	}
	if err := ref.RunRef(0, 3); err != nil {
		t.Fatal(err)
	}

	x0 := tiled.rankDomainOfs.ValOf("x")
	a := make([]Real, 16)
	b := make([]Real, 16)
	if _, err := u.GetElemsInSlice(a, pt2(4, x0), pt2(4, x0+15)); err != nil {
		t.Fatal(err)
	}
	if _, err := ru.GetElemsInSlice(b, pt2(4, x0), pt2(4, x0+15)); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, b, a)
}
