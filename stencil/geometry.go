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

import "fmt"

// mpiInfo records this rank's immediate neighborhood: ranks at Chebyshev
// distance <= 1, addressed by a dense index formed by adding 1 to each
// per-dim offset in {-1, 0, +1} and linearizing.
type mpiInfo struct {
	neighborhoodSizes Tuple // 3 per domain dim
	neighborhoodSize  int64

	myNeighbors     []int // dense index -> rank, or -1
	manDists        []int
	hasAllVlenMults []bool
	myNeighborIndex int64 // dense index of the all-zero offset
}

func newMPIInfo(d *Dims) *mpiInfo {
	sizes := d.DomainTuple()
	sizes.SetValsSame(3)
	n := sizes.Product()
	mi := &mpiInfo{
		neighborhoodSizes: sizes,
		neighborhoodSize:  n,
		myNeighbors:       make([]int, n),
		manDists:          make([]int, n),
		hasAllVlenMults:   make([]bool, n),
	}
	for i := range mi.myNeighbors {
		mi.myNeighbors[i] = -1
	}
	center := sizes.Clone()
	center.SetValsSame(1)
	mi.myNeighborIndex = sizes.Layout(center)
	return mi
}

// neighborIndex converts per-dim offsets in 0..2 to the dense index.
func (mi *mpiInfo) neighborIndex(offsets Tuple) int64 {
	return mi.neighborhoodSizes.Layout(offsets)
}

// visitNeighbors calls fn for every possible neighbor position (including
// vacant ones and self), with the raw -1..+1 offsets, the dense index, and
// the neighbor rank (-1 if none).
func (mi *mpiInfo) visitNeighbors(fn func(offsets Tuple, idx int64, rank int)) {
	mi.neighborhoodSizes.VisitAllPoints(func(pt Tuple, idx int64) bool {
		fn(pt.AddConst(-1), idx, mi.myNeighbors[idx])
		return true
	})
}

// setupRank learns this rank's place in the global problem: its
// coordinates, its global offsets, its immediate neighbors, and the derived
// wave-front geometry and bounding boxes.
func (c *Context) setupRank() error {
	opts := c.Opts
	me := c.conn.Rank()
	ddims := c.Dims.DomainNames
	nddims := len(ddims)

	reqRanks := opts.NumRanks.Product()
	if reqRanks != int64(c.conn.Size()) {
		return fmt.Errorf("%w: %d rank(s) requested (%s), but %d active",
			ErrConfig, reqRanks, opts.NumRanks.ValStr(" * "), c.conn.Size())
	}

	// Determine my coordinates if not provided already.
	if opts.FindLoc {
		opts.RankIndices = opts.NumRanks.Unlayout(int64(me))
	}
	c.log.Info("rank location",
		"rank", me, "coords", opts.RankIndices.String())

	// Share coordinates and domain sizes with everyone.
	mine := make([]int64, 0, 2*nddims)
	for _, dn := range ddims {
		mine = append(mine, opts.RankIndices.ValOf(dn))
	}
	for _, dn := range ddims {
		mine = append(mine, opts.RankSizes.ValOf(dn))
	}
	all, err := c.conn.AllgatherInt64(mine)
	if err != nil {
		return fmt.Errorf("%w: gathering rank geometry: %v", ErrMessaging, err)
	}

	c.neighbors = newMPIInfo(c.Dims)
	c.rankDomainOfs = c.Dims.DomainTuple()
	c.overallDomain = c.Dims.DomainTuple()
	numNeighbors := 0

	for rn := 0; rn < c.conn.Size(); rn++ {
		rcoords := NewTupleVals(ddims, all[rn][:nddims])
		rsizes := NewTupleVals(ddims, all[rn][nddims:2*nddims])
		rdeltas := rcoords.SubElements(opts.RankIndices)

		// Manhattan and Chebyshev distances from rn.
		manDist, maxDist := int64(0), int64(0)
		for i := 0; i < nddims; i++ {
			manDist += absI(rdeltas.Val(i))
			maxDist = max(maxDist, absI(rdeltas.Val(i)))
		}

		if rn == me {
			if manDist != 0 {
				return fmt.Errorf("%w: distance to own rank == %d", ErrInternal, manDist)
			}
		} else if manDist == 0 {
			return fmt.Errorf("%w: ranks %d and %d at same coordinates (%s)",
				ErrConfig, me, rn, rcoords.String())
		}

		for di, dn := range ddims {
			// Is rank rn in-line with my rank in dn (deltas in every
			// other dim zero)?
			inline := true
			for dj := range ddims {
				if di != dj && rdeltas.Val(dj) != 0 {
					inline = false
					break
				}
			}
			if !inline {
				continue
			}

			// Total problem size per dim accumulates over in-line ranks;
			// my global offset accumulates the sizes of prior ranks.
			c.overallDomain.SetValOf(dn, c.overallDomain.ValOf(dn)+rsizes.ValOf(dn))
			if rdeltas.Val(di) < 0 {
				c.rankDomainOfs.SetValOf(dn, c.rankDomainOfs.ValOf(dn)+rsizes.ValOf(dn))
			}

			// Domains must line up along edges and corners: every other
			// dim's size must match mine.
			for dj, dnj := range ddims {
				if di == dj {
					continue
				}
				if rsizes.ValOf(dnj) != opts.RankSizes.ValOf(dnj) {
					return fmt.Errorf("%w: ranks %d and %d are in-line in %q but their domain sizes differ in %q (%d vs %d)",
						ErrConfig, rn, me, dn, dnj,
						rsizes.ValOf(dnj), opts.RankSizes.ValOf(dnj))
				}
			}
		}

		// Immediate neighbor (or self) if Chebyshev distance <= 1.
		if maxDist <= 1 {
			roffsets := rdeltas.AddConst(1)
			idx := c.neighbors.neighborIndex(roffsets)
			c.neighbors.myNeighbors[idx] = rn
			c.neighbors.manDists[idx] = int(manDist)
			if rn != me {
				numNeighbors++
				c.log.Info("neighbor found",
					"neighbor", numNeighbors, "rank", rn,
					"coords", rcoords.String(), "offsets", rdeltas.String())
			}

			// Vectorized exchange requires every in-play domain size to
			// be a fold multiple on both sides.
			vlenMults := true
			for _, dn := range ddims {
				if rsizes.ValOf(dn)%c.Dims.FoldPts.ValOf(dn) != 0 {
					vlenMults = false
				}
			}
			c.neighbors.hasAllVlenMults[idx] = vlenMults
		}
	}

	// Push sizes/offsets into vars and derive the temporal-tiling
	// geometry, then the bounding boxes (which need the WF extensions).
	if err := c.updateVarInfo(); err != nil {
		return err
	}
	c.findBoundingBoxes()
	return nil
}

// updateVarInfo sets non-scratch var sizes and offsets from the settings
// and computes all wave-front and temporal-block geometry. Called from
// setup and again whenever a tile-size setting changes.
func (c *Context) updateVarInfo() error {
	opts := c.Opts
	ddims := c.Dims.DomainNames

	// Max halo per dim across vars; basis for the skew angles.
	c.maxHalos = c.Dims.DomainTuple()
	for _, v := range c.Vars {
		if v.IsFixedSize() {
			continue
		}
		for _, dn := range ddims {
			if !v.IsDimUsed(dn) {
				continue
			}
			v.SetDomainSize(dn, opts.RankSizes.ValOf(dn))
			v.SetMinPad(dn, opts.MinPadSizes.ValOf(dn))
			v.SetExtraPad(dn, opts.ExtraPadSizes.ValOf(dn))
			v.SetRankOffset(dn, c.rankDomainOfs.ValOf(dn))
			c.maxHalos.SetValOf(dn, max(c.maxHalos.ValOf(dn), v.LeftHalo(dn), v.RightHalo(dn)))
		}
	}

	// Wave-front steps: the region's temporal depth, at least as deep as
	// the requested temporal-block depth.
	tbReq := opts.TBSteps()
	c.wfSteps = max(opts.WFSteps(), tbReq)
	c.numWfShifts = 0
	if c.wfSteps > 0 {
		c.numWfShifts = max(int64(len(c.Packs))*c.wfSteps-1, 0)
	}

	c.usePackTuners = tbReq == 0 && len(c.Packs) > 1

	c.wfAngles = c.Dims.DomainTuple()
	c.wfShiftPts = c.Dims.DomainTuple()
	c.leftWfExts = c.Dims.DomainTuple()
	c.rightWfExts = c.Dims.DomainTuple()

	for _, dn := range ddims {
		rnsize := opts.RegionSizes.ValOf(dn)
		rksize := opts.RankSizes.ValOf(dn)
		nranks := opts.NumRanks.ValOf(dn)

		// Angle: required shift per (pack, step), rounded to the fold.
		angle := RoundUp(c.maxHalos.ValOf(dn), c.Dims.FoldPts.ValOf(dn))

		// No wave-front skew needed when one region covers the whole
		// global domain in this dim.
		wfAngle := int64(0)
		if rnsize < rksize || nranks > 1 {
			wfAngle = angle
		}
		c.wfAngles.SetValOf(dn, wfAngle)

		shifts := wfAngle * c.numWfShifts
		c.wfShiftPts.SetValOf(dn, shifts)

		// With neighbors, the domain must fit the halo plus the total
		// shift or the halo slabs would overlap.
		minSize := c.maxHalos.ValOf(dn) + shifts
		if nranks > 1 && rksize < minSize {
			return fmt.Errorf("%w: rank-domain size %d in %q is less than minimum %d (halo plus wave-front shift)",
				ErrConfig, rksize, dn, minSize)
		}

		if opts.IsFirstRank(dn) {
			c.leftWfExts.SetValOf(dn, 0)
		} else {
			c.leftWfExts.SetValOf(dn, shifts)
		}
		if opts.IsLastRank(dn) {
			c.rightWfExts.SetValOf(dn, 0)
		} else {
			c.rightWfExts.SetValOf(dn, shifts)
		}
	}

	// Push the extensions into the vars (indexed by var dims there).
	for _, v := range c.Vars {
		if v.IsFixedSize() {
			continue
		}
		for _, dn := range ddims {
			if v.IsDimUsed(dn) {
				v.SetWfExts(dn, c.leftWfExts.ValOf(dn), c.rightWfExts.ValOf(dn))
			}
		}
	}

	c.updateTBInfo()
	return nil
}

// updateTBInfo computes the temporal-block depth, angles, and trapezoid
// bases. Called whenever a block size changes; requires updateVarInfo to
// have set the wave-front angles first.
func (c *Context) updateTBInfo() {
	opts := c.Opts
	ddims := c.Dims.DomainNames

	c.tbSteps = opts.TBSteps()
	c.numTbShifts = 0
	c.tbAngles = c.Dims.DomainTuple()
	c.tbWidths = c.Dims.DomainTuple()
	c.tbTops = c.Dims.DomainTuple()
	c.mbAngles = c.Dims.DomainTuple()

	if c.tbSteps > 0 {
		// TB nests inside WF, so it can't be deeper.
		maxSteps := min(c.tbSteps, c.wfSteps)

		for _, dn := range ddims {
			rnsize := opts.RegionSizes.ValOf(dn)
			blksize := opts.BlockSizes.ValOf(dn)
			mblksize := opts.MiniBlockSizes.ValOf(dn)
			fpts := c.Dims.FoldPts.ValOf(dn)
			angle := RoundUp(c.maxHalos.ValOf(dn), fpts)

			// Mini-blocks wave-front inside the block only when they
			// don't cover it.
			if mblksize < blksize {
				c.mbAngles.SetValOf(dn, angle)
			}

			// Blocks skew inside the region only when they don't cover it.
			tbAngle := int64(0)
			if blksize < rnsize {
				tbAngle = angle
			}
			c.tbAngles.SetValOf(dn, tbAngle)

			if tbAngle > 0 {
				// Deepest trapezoid whose top row is still >= one fold:
				// block = top + 2*angle*(packs*steps - 1).
				topSz := fpts
				shPts := tbAngle * 2 * int64(len(c.Packs))
				nsteps := (blksize - topSz + tbAngle*2) / shPts
				maxSteps = min(maxSteps, nsteps)
			}
		}
		c.tbSteps = min(c.tbSteps, maxSteps)
	}
	if c.tbSteps < 0 {
		c.tbSteps = 0
	}

	if c.tbSteps > 0 {
		c.numTbShifts = max(int64(len(c.Packs))*c.tbSteps-1, 0)
	}

	// Base ("width") and top of the phase-0 trapezoid per dim. The first
	// shape takes half the block plus one total shift so the up and down
	// shapes come out about even.
	for _, dn := range ddims {
		blkSz := opts.BlockSizes.ValOf(dn)
		tbAngle := c.tbAngles.ValOf(dn)
		c.tbWidths.SetValOf(dn, blkSz)
		c.tbTops.SetValOf(dn, blkSz)
		if c.numTbShifts > 0 && tbAngle > 0 {
			fpts := c.Dims.FoldPts.ValOf(dn)
			sa := c.numTbShifts * tbAngle
			minBlkWidth := fpts + 2*sa
			blkWidth := max(RoundUp(CeilDiv(blkSz, 2)+sa, fpts), minBlkWidth)
			c.tbWidths.SetValOf(dn, blkWidth)
			c.tbTops.SetValOf(dn, max(blkWidth-2*sa, 0))
		}
	}
}

// findBoundingBoxes computes the rank box, the wave-front-extended box, and
// the per-pack and per-bundle boxes (with sub-box decomposition).
func (c *Context) findBoundingBoxes() {
	c.rankBB.Begin = c.rankDomainOfs.Clone()
	c.rankBB.End = c.rankDomainOfs.AddElements(c.Opts.RankSizes)
	c.rankBB.Update("rank", c, true)

	c.extBB.Begin = c.rankBB.Begin.SubElements(c.leftWfExts)
	c.extBB.End = c.rankBB.End.AddElements(c.rightWfExts)
	c.extBB.Update("extended-rank", c, true)

	for _, p := range c.Packs {
		first := true
		for _, b := range p.Bundles {
			c.findBundleBB(b)
			for _, sb := range b.Scratches {
				c.findBundleBB(sb)
			}
			if first {
				p.bb.Begin = b.bb.Begin.Clone()
				p.bb.End = b.bb.End.Clone()
				first = false
			} else {
				p.bb.Begin = p.bb.Begin.MinElements(b.bb.Begin)
				p.bb.End = p.bb.End.MaxElements(b.bb.End)
			}
		}
		p.bb.Update(p.PackName, c, true)
	}

	// The interior box starts as the whole extended box; halo-buffer
	// construction shrinks it by the send slabs.
	c.mpiInterior = BoundingBox{
		Begin: c.extBB.Begin.Clone(),
		End:   c.extBB.End.Clone(),
	}
}
