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

// Shared builders for the engine tests: small 1-D and 2-D diffusion
// solutions with known arithmetic, runnable on in-process rank worlds.

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ajroetker/go-stencil/stencil/comms"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runRanks drives fn once per rank, each on its own goroutine over a shared
// in-process world, and fails the test on any rank error or panic.
func runRanks(t *testing.T, nranks int, fn func(rank int, conn comms.Conn) error) {
	t.Helper()
	conns := comms.NewWorld(nranks)
	errs := make([]error, nranks)
	var wg sync.WaitGroup
	for r := 0; r < nranks; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					errs[r] = fmt.Errorf("rank %d panicked: %v", r, p)
				}
			}()
			errs[r] = fn(r, conns[r])
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}
}

func haloTuple(d *Dims, w int64) Tuple {
	h := d.DomainTuple()
	h.SetValsSame(w)
	return h
}

// build1D constructs the 1-D three-point diffusion
// u[t+1,x] = 0.25*u[t,x-1] + 0.5*u[t,x] + 0.25*u[t,x+1].
func build1D(conn comms.Conn, mod func(*Settings)) (*Context, *Var) {
	d := NewDims("t", "x")
	s := NewSettings(d)
	s.RankSizes.SetValOf("x", 8)
	if mod != nil {
		mod(s)
	}
	ctx := NewContext("diff1d", d, s, conn, testLogger())

	u := NewVar("u", d, "t", "x")
	u.SetHalos("x", 1, 1)
	ctx.AddVar(u, true)

	b := &BundleDef{
		BundleName: "diffuse",
		InputVars:  []*Var{u},
		OutputVars: []*Var{u},
		WriteOfs:   1,
		EstFpOps:   5,
		Halos: map[*Var]map[HaloKey]Tuple{u: {
			{Pack: "p0", Left: true, StepOfs: 0}:  haloTuple(d, 1),
			{Pack: "p0", Left: false, StepOfs: 0}: haloTuple(d, 1),
			{Pack: "p0", Left: true, StepOfs: 1}:  haloTuple(d, 0),
		}},
		Point: func(c *Context, thread int, pt Tuple) {
			t := pt.ValOf("t")
			x := pt.ValOf("x")
			get := func(dx int64) Real {
				v, err := u.GetElem(pt2(t, x+dx))
				if err != nil {
					panic(err)
				}
				return v
			}
			val := 0.25*get(-1) + 0.5*get(0) + 0.25*get(1)
			if err := u.SetElem(val, pt2(t+1, x), true); err != nil {
				panic(err)
			}
		},
	}
	ctx.AddPack(&Pack{PackName: "p0", Bundles: []*BundleDef{b}})
	return ctx, u
}

func pt3(t, x, y int64) Tuple {
	return NewTupleVals([]string{"t", "x", "y"}, []int64{t, x, y})
}

// build2D5pt constructs u[t+1] = (c + l + r + d + u)/5 over (x, y), the
// five-point average. writes, when non-nil, counts every point written.
func build2D5pt(conn comms.Conn, writes *atomic.Int64, mod func(*Settings)) (*Context, *Var) {
	d := NewDims("t", "x", "y")
	s := NewSettings(d)
	s.RankSizes.SetValsSame(8)
	if mod != nil {
		mod(s)
	}
	ctx := NewContext("avg5", d, s, conn, testLogger())

	u := NewVar("u", d, "t", "x", "y")
	u.SetHalos("x", 1, 1)
	u.SetHalos("y", 1, 1)
	ctx.AddVar(u, true)

	b := &BundleDef{
		BundleName: "avg",
		InputVars:  []*Var{u},
		OutputVars: []*Var{u},
		WriteOfs:   1,
		EstFpOps:   5,
		Halos: map[*Var]map[HaloKey]Tuple{u: {
			{Pack: "p0", Left: true, StepOfs: 0}:  haloTuple(d, 1),
			{Pack: "p0", Left: false, StepOfs: 0}: haloTuple(d, 1),
			{Pack: "p0", Left: true, StepOfs: 1}:  haloTuple(d, 0),
		}},
		Point: func(c *Context, thread int, pt Tuple) {
			t, x, y := pt.ValOf("t"), pt.ValOf("x"), pt.ValOf("y")
			get := func(dx, dy int64) Real {
				v, err := u.GetElem(pt3(t, x+dx, y+dy))
				if err != nil {
					panic(err)
				}
				return v
			}
			val := (get(0, 0) + get(-1, 0) + get(1, 0) + get(0, -1) + get(0, 1)) / 5
			if err := u.SetElem(val, pt3(t+1, x, y), true); err != nil {
				panic(err)
			}
			if writes != nil {
				writes.Add(1)
			}
		},
	}
	ctx.AddPack(&Pack{PackName: "p0", Bundles: []*BundleDef{b}})
	return ctx, u
}

// build2D9pt constructs the nine-point binomial smoother
// u[t+1] = sum(w(i,j)*u[t,x+i,y+j]) / 16 with weights [1 2 1; 2 4 2; 1 2 1].
func build2D9pt(conn comms.Conn, mod func(*Settings)) (*Context, *Var) {
	d := NewDims("t", "x", "y")
	s := NewSettings(d)
	s.RankSizes.SetValsSame(8)
	if mod != nil {
		mod(s)
	}
	ctx := NewContext("smooth9", d, s, conn, testLogger())

	u := NewVar("u", d, "t", "x", "y")
	u.SetHalos("x", 1, 1)
	u.SetHalos("y", 1, 1)
	ctx.AddVar(u, true)

	b := &BundleDef{
		BundleName: "smooth",
		InputVars:  []*Var{u},
		OutputVars: []*Var{u},
		WriteOfs:   1,
		EstFpOps:   17,
		Halos: map[*Var]map[HaloKey]Tuple{u: {
			{Pack: "p0", Left: true, StepOfs: 0}:  haloTuple(d, 1),
			{Pack: "p0", Left: false, StepOfs: 0}: haloTuple(d, 1),
			{Pack: "p0", Left: true, StepOfs: 1}:  haloTuple(d, 0),
		}},
		Point: func(c *Context, thread int, pt Tuple) {
			t, x, y := pt.ValOf("t"), pt.ValOf("x"), pt.ValOf("y")
			get := func(dx, dy int64) Real {
				v, err := u.GetElem(pt3(t, x+dx, y+dy))
				if err != nil {
					panic(err)
				}
				return v
			}
			val := (get(-1, -1) + 2*get(0, -1) + get(1, -1) +
				2*get(-1, 0) + 4*get(0, 0) + 2*get(1, 0) +
				get(-1, 1) + 2*get(0, 1) + get(1, 1)) / 16
			if err := u.SetElem(val, pt3(t+1, x, y), true); err != nil {
				panic(err)
			}
		},
	}
	ctx.AddPack(&Pack{PackName: "p0", Bundles: []*BundleDef{b}})
	return ctx, u
}

// seed2D writes a deterministic integer pattern over the rank's own domain
// at step 0, in global coordinates. Panics on error so rank goroutines
// surface failures through runRanks.
func seed2D(t *testing.T, ctx *Context, u *Var) {
	t.Helper()
	x0 := ctx.rankDomainOfs.ValOf("x")
	y0 := ctx.rankDomainOfs.ValOf("y")
	for x := x0; x < x0+ctx.Opts.RankSizes.ValOf("x"); x++ {
		for y := y0; y < y0+ctx.Opts.RankSizes.ValOf("y"); y++ {
			if err := u.SetElem(seedVal(x, y), pt3(0, x, y), true); err != nil {
				panic(err)
			}
		}
	}
}

func seedVal(x, y int64) Real {
	return Real(x*37 + y*11)
}

// gatherRank2D reads the rank's own domain at step t into a dense buffer.
func gatherRank2D(t *testing.T, ctx *Context, u *Var, step int64) []Real {
	t.Helper()
	x0 := ctx.rankDomainOfs.ValOf("x")
	y0 := ctx.rankDomainOfs.ValOf("y")
	nx := ctx.Opts.RankSizes.ValOf("x")
	ny := ctx.Opts.RankSizes.ValOf("y")
	buf := make([]Real, nx*ny)
	if _, err := u.GetElemsInSlice(buf,
		pt3(step, x0, y0), pt3(step, x0+nx-1, y0+ny-1)); err != nil {
		panic(err)
	}
	return buf
}

func gatherRank1D(t *testing.T, ctx *Context, u *Var, step int64) []Real {
	t.Helper()
	x0 := ctx.rankDomainOfs.ValOf("x")
	nx := ctx.Opts.RankSizes.ValOf("x")
	buf := make([]Real, nx)
	if _, err := u.GetElemsInSlice(buf, pt2(step, x0), pt2(step, x0+nx-1)); err != nil {
		panic(err)
	}
	return buf
}
