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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajroetker/go-stencil/stencil/comms"
)

func TestRankOffsetsAndNeighbors2x2(t *testing.T) {
	type geom struct {
		coords    string
		offsets   string
		neighbors int
	}
	var mu sync.Mutex
	got := map[int]geom{}

	runRanks(t, 4, func(rank int, conn comms.Conn) error {
		ctx, _ := build2D5pt(conn, nil, func(s *Settings) {
			s.NumRanks.SetValOf("x", 2)
			s.NumRanks.SetValOf("y", 2)
		})
		if err := ctx.PrepareSolution(); err != nil {
			return err
		}
		n := 0
		ctx.neighbors.visitNeighbors(func(_ Tuple, _ int64, r int) {
			if r >= 0 && r != rank {
				n++
			}
		})
		mu.Lock()
		got[rank] = geom{
			coords:    ctx.Opts.RankIndices.String(),
			offsets:   ctx.rankDomainOfs.String(),
			neighbors: n,
		}
		mu.Unlock()
		return nil
	})

	// Row-major rank layout over (x, y).
	assert.Equal(t, "x=0, y=0", got[0].coords)
	assert.Equal(t, "x=0, y=1", got[1].coords)
	assert.Equal(t, "x=1, y=0", got[2].coords)
	assert.Equal(t, "x=1, y=1", got[3].coords)

	assert.Equal(t, "x=0, y=0", got[0].offsets)
	assert.Equal(t, "x=0, y=8", got[1].offsets)
	assert.Equal(t, "x=8, y=0", got[2].offsets)
	assert.Equal(t, "x=8, y=8", got[3].offsets)

	// In a 2x2 layout every rank touches every other.
	for rank, g := range got {
		assert.Equal(t, 3, g.neighbors, "rank %d", rank)
	}
}

func TestNeighborDenseIndexing(t *testing.T) {
	d := NewDims("t", "x", "y")
	mi := newMPIInfo(d)
	assert.Equal(t, int64(9), mi.neighborhoodSize)

	// Offsets -1..+1 shifted to 0..2 and linearized row-major.
	center := NewTupleVals([]string{"x", "y"}, []int64{1, 1})
	assert.Equal(t, int64(4), mi.neighborIndex(center))
	assert.Equal(t, mi.myNeighborIndex, mi.neighborIndex(center))

	corner := NewTupleVals([]string{"x", "y"}, []int64{0, 0})
	assert.Equal(t, int64(0), mi.neighborIndex(corner))
	right := NewTupleVals([]string{"x", "y"}, []int64{2, 1})
	assert.Equal(t, int64(7), mi.neighborIndex(right))
}

// P10 boundary: with multiple ranks, setup succeeds when the rank size
// equals halo + wave-front shift and fails when it is smaller.
func TestDomainTooSmall(t *testing.T) {
	build := func(rankSize int64) func(rank int, conn comms.Conn) error {
		return func(rank int, conn comms.Conn) error {
			ctx, _ := build1D(conn, func(s *Settings) {
				s.NumRanks.SetValOf("x", 2)
				s.RankSizes.SetValOf("x", rankSize)
				s.RegionSizes.SetVal(StepPosn, 2) // one shift of angle 1
			})
			return ctx.PrepareSolution()
		}
	}

	t.Run("exactly minimum", func(t *testing.T) {
		// halo(1) + shift(1) == 2.
		runRanks(t, 2, build(2))
	})

	t.Run("below minimum", func(t *testing.T) {
		conns := comms.NewWorld(2)
		errs := make([]error, 2)
		var wg sync.WaitGroup
		for r := 0; r < 2; r++ {
			wg.Add(1)
			go func(r int) {
				defer wg.Done()
				errs[r] = build(1)(r, conns[r])
			}(r)
		}
		wg.Wait()
		for r := 0; r < 2; r++ {
			require.ErrorIs(t, errs[r], ErrConfig, "rank %d", r)
		}
	})
}

// In-line ranks must agree on the domain sizes of all other dims.
func TestInlineSizeMismatchRejected(t *testing.T) {
	conns := comms.NewWorld(2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			ctx, _ := build2D5pt(conns[r], nil, func(s *Settings) {
				s.NumRanks.SetValOf("x", 2)
				if r == 1 {
					s.RankSizes.SetValOf("y", 6)
				}
			})
			errs[r] = ctx.PrepareSolution()
		}(r)
	}
	wg.Wait()
	for r := 0; r < 2; r++ {
		require.ErrorIs(t, errs[r], ErrConfig, "rank %d", r)
	}
}

func TestRankCountMismatchRejected(t *testing.T) {
	ctx, _ := build1D(nil, func(s *Settings) {
		s.NumRanks.SetValOf("x", 2)
	})
	assert.ErrorIs(t, ctx.PrepareSolution(), ErrConfig)
}

// The wave-front geometry: angles round halos up to the fold, and
// extensions appear only on sides with neighbors.
func TestWaveFrontGeometry(t *testing.T) {
	var mu sync.Mutex
	exts := map[int][2]int64{}
	runRanks(t, 2, func(rank int, conn comms.Conn) error {
		ctx, _ := build1D(conn, func(s *Settings) {
			s.NumRanks.SetValOf("x", 2)
			s.RegionSizes.SetVal(StepPosn, 2)
		})
		if err := ctx.PrepareSolution(); err != nil {
			return err
		}
		mu.Lock()
		exts[rank] = [2]int64{
			ctx.leftWfExts.ValOf("x"),
			ctx.rightWfExts.ValOf("x"),
		}
		mu.Unlock()
		return nil
	})
	// One pack, two WF steps: one shift of angle 1.
	assert.Equal(t, [2]int64{0, 1}, exts[0])
	assert.Equal(t, [2]int64{1, 0}, exts[1])
}

func TestMPIInteriorBox(t *testing.T) {
	runRanks(t, 2, func(rank int, conn comms.Conn) error {
		ctx, _ := build1D(conn, func(s *Settings) {
			s.NumRanks.SetValOf("x", 2)
			s.OverlapComms = true
		})
		if err := ctx.PrepareSolution(); err != nil {
			return err
		}
		in := ctx.MPIInterior()
		if !in.Valid {
			t.Error("interior box not finalized")
		}
		// The send slab (width 1) is shaved off the side facing the
		// neighbor.
		if rank == 0 {
			assert.Equal(t, int64(0), in.Begin.ValOf("x"))
			assert.Equal(t, int64(7), in.End.ValOf("x"))
		} else {
			assert.Equal(t, int64(9), in.Begin.ValOf("x"))
			assert.Equal(t, int64(16), in.End.ValOf("x"))
		}
		return nil
	})
}
