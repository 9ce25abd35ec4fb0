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

// The tile traversal is four levels deep: region -> block -> mini-block ->
// sub-block. Regions carry the wave-front (WF) temporal depth, blocks the
// temporal-block (TB) depth; mini- and sub-blocks always advance one step.
// Regions are walked serially with their blocks in parallel across the
// outer workers; sub-blocks within a mini-block run on the inner workers.

// calcRegion evaluates one region: the spatial tile in rankIdxs.Start/Stop
// across the time range rankIdxs.Start/Stop in the step dim. With selPack
// set (no wave-front), only that pack is evaluated; with selPack nil, all
// packs are evaluated across all WF steps.
func (c *Context) calcRegion(selPack *Pack, rankIdxs ScanIndices) {
	// Track exterior vs interior time separately; they never both run in
	// one call when overlapping.
	if c.doMpiExterior {
		c.extTime.Start()
		defer c.extTime.Stop()
	} else if c.doMpiInterior {
		c.intTime.Start()
		defer c.intTime.Stop()
	}

	regionIdxs := NewScanIndices(c.Dims)
	regionIdxs.InitFromOuter(rankIdxs)

	beginT := regionIdxs.Begin.Val(StepPosn)
	endT := regionIdxs.End.Val(StepPosn)
	stepDir := int64(1)
	if endT < beginT {
		stepDir = -1
	}
	stepT := max(c.tbSteps, 1) * stepDir
	numT := CeilDiv(absI(endT-beginT), absI(stepT))

	shiftNum := int64(0)
	for indexT := int64(0); indexT < numT; indexT++ {
		startT := beginT + indexT*stepT
		stopT := startT + stepT
		if stepT > 0 {
			stopT = min(stopT, endT)
		} else {
			stopT = max(stopT, endT)
		}
		regionIdxs.Index.SetVal(StepPosn, indexT)
		regionIdxs.Start.SetVal(StepPosn, startT)
		regionIdxs.Stop.SetVal(StepPosn, stopT)

		if c.tbSteps == 0 {
			// No temporal blocking: walk packs here, one pack per
			// block traversal.
			for _, bp := range c.Packs {
				if selPack != nil && selPack != bp {
					continue
				}
				if !bp.IsInValidStep(startT) {
					continue
				}

				settings := bp.ActiveSettings()
				regionIdxs.Stride = settings.BlockSizes.Clone()
				regionIdxs.Stride.SetVal(StepPosn, stepT)
				regionIdxs.GroupSize = settings.BlockGroupSizes.Clone()

				ok := c.shiftRegion(rankIdxs.Start, rankIdxs.Stop, shiftNum, bp, &regionIdxs)

				for _, dn := range c.Dims.DomainNames {
					// One block covering the whole region fills it
					// exactly, even after shifting.
					if settings.BlockSizes.ValOf(dn) >= settings.RegionSizes.ValOf(dn) {
						regionIdxs.Stride.SetValOf(dn,
							regionIdxs.End.ValOf(dn)-regionIdxs.Begin.ValOf(dn))
					}
				}

				if ok {
					c.forBlocks(regionIdxs, func(tile ScanIndices, thread int) {
						c.calcBlock(bp, 1, 0, tile, thread)
					})
				}

				// Neighbors can't know which ranks actually wrote, so
				// every rank marks uniformly. Only the exterior pass
				// marks: interior blocks feed no outgoing halo.
				if c.doMpiExterior {
					c.markVarsDirty(bp, startT, stopT)
				}
				shiftNum++
			}
			continue
		}

		// Temporal blocking: all packs are evaluated inside the block
		// traversal, and the n-D space is tessellated in nddims+1 phases
		// with a worker barrier between them.
		settings := c.Opts
		regionIdxs.Stride = settings.BlockSizes.Clone()
		regionIdxs.Stride.SetVal(StepPosn, stepT)
		regionIdxs.GroupSize = settings.BlockGroupSizes.Clone()

		ok := c.shiftRegion(rankIdxs.Start, rankIdxs.Stop, shiftNum, nil, &regionIdxs)

		for _, dn := range c.Dims.DomainNames {
			if settings.BlockSizes.ValOf(dn) >= settings.RegionSizes.ValOf(dn) {
				regionIdxs.Stride.SetValOf(dn,
					regionIdxs.End.ValOf(dn)-regionIdxs.Begin.ValOf(dn))
			}
		}

		if ok {
			nphases := int64(c.Dims.NumDomainDims()) + 1
			for phase := int64(0); phase < nphases; phase++ {
				// ParallelFor is a barrier, so all workers finish each
				// phase before any starts the next.
				c.forBlocks(regionIdxs, func(tile ScanIndices, thread int) {
					c.calcBlock(nil, nphases, phase, tile, thread)
				})
			}
		}

		// Account one shift per (pack, step) evaluated in this TB chunk
		// and mark written vars dirty.
		for t := startT; t != stopT; t += stepDir {
			for _, bp := range c.Packs {
				if !bp.IsInValidStep(t) {
					continue
				}
				shiftNum++
				if c.doMpiExterior {
					c.markVarsDirty(bp, t, t+stepDir)
				}
			}
		}
	}
}

// forBlocks runs body over every block tile of regionIdxs in parallel on
// the outer workers, and blocks until all complete.
func (c *Context) forBlocks(regionIdxs ScanIndices, body func(tile ScanIndices, thread int)) {
	tiles := tileStarts(regionIdxs, c.Dims)
	c.pool.ParallelFor(0, int64(len(tiles)), 1, func(start, stop int64, thread int) {
		for i := start; i < stop; i++ {
			body(tiles[i], thread)
		}
	})
}

// calcBlock evaluates one block tile on one outer worker. blockIdxs carries
// the (shifted) region bounds in Begin/End and this block's range in
// Start/Stop. With TB, only the shapes of the given tessellation phase are
// computed; the block's range is widened to the right so skewed shapes can
// reach into the next block's base, and each mini-block trims itself back
// to its active shape.
func (c *Context) calcBlock(selPack *Pack, nphases, phase int64,
	blockIdxs ScanIndices, thread int) {

	// With overlapped comms, skip blocks not selected by the current
	// pass. A block even partially outside the interior box counts as
	// exterior.
	if !c.doMpiInterior || !c.doMpiExterior {
		inside := c.mpiInterior.Valid
		for _, dn := range c.Dims.DomainNames {
			if blockIdxs.Start.ValOf(dn) < c.mpiInterior.Begin.ValOf(dn) ||
				blockIdxs.Stop.ValOf(dn) > c.mpiInterior.End.ValOf(dn) {
				inside = false
				break
			}
		}
		if c.doMpiInterior && !inside {
			return
		}
		if c.doMpiExterior && inside {
			return
		}
	}

	if c.tbSteps == 0 {
		// One pack, one step; bounds were already checked by the region.
		settings := selPack.ActiveSettings()
		blk := NewScanIndices(c.Dims)
		blk.InitFromOuter(blockIdxs)
		blk.Stride = settings.MiniBlockSizes.Clone()
		blk.Stride.SetVal(StepPosn, signI(blockIdxs.Stop.Val(StepPosn)-blockIdxs.Start.Val(StepPosn)))
		blk.GroupSize = settings.MiniBlockGroupSizes.Clone()

		visitTiles(blk, c.Dims, func(mbTile ScanIndices) {
			c.calcMiniBlock(thread, selPack, 1, 0, 1, 0, nil,
				blockIdxs, mbTile)
		})
		return
	}

	// TB: widen the block to the right by its own width so shapes can
	// bridge into the next block, then walk each shape of this phase.
	settings := c.Opts
	adjBlockIdxs := NewScanIndices(c.Dims)
	adjBlockIdxs.InitFromOuter(blockIdxs)
	adjBlockIdxs.Stride = settings.MiniBlockSizes.Clone()
	adjBlockIdxs.Stride.SetVal(StepPosn, signI(blockIdxs.Stop.Val(StepPosn)-blockIdxs.Start.Val(StepPosn)))
	adjBlockIdxs.GroupSize = settings.MiniBlockGroupSizes.Clone()

	for _, dn := range c.Dims.DomainNames {
		width := blockIdxs.Stop.ValOf(dn) - blockIdxs.Start.ValOf(dn)
		adjBlockIdxs.End.SetValOf(dn, adjBlockIdxs.End.ValOf(dn)+width)
		if settings.MiniBlockSizes.ValOf(dn) >= settings.BlockSizes.ValOf(dn) {
			adjBlockIdxs.Stride.SetValOf(dn,
				adjBlockIdxs.End.ValOf(dn)-adjBlockIdxs.Begin.ValOf(dn))
		}
	}

	nshapes := Choose(int64(c.Dims.NumDomainDims()), phase)
	dimsToBridge := make([]int, phase)
	for shape := int64(0); shape < nshapes; shape++ {
		Combination(dimsToBridge, int64(c.Dims.NumDomainDims()), phase, shape+1)
		visitTiles(adjBlockIdxs, c.Dims, func(mbTile ScanIndices) {
			c.calcMiniBlock(thread, nil, nphases, phase, nshapes, shape,
				dimsToBridge, blockIdxs, mbTile)
		})
	}
}

// calcMiniBlock evaluates one mini-block: it loops the time range one step
// at a time, walks the packs, computes the active shifted shape, and runs
// each bundle of the pack over it. blockIdxs carries the region bounds in
// Begin/End and the base block range in Start/Stop; adjTile carries the
// adjusted block bounds in Begin/End and this mini-block's range in
// Start/Stop.
func (c *Context) calcMiniBlock(thread int, selPack *Pack,
	nphases, phase, nshapes, shape int64, dimsToBridge []int,
	blockIdxs, adjTile ScanIndices) {

	// Keep the substrate making progress while only interior work runs.
	if c.doMpiInterior && !c.doMpiExterior && thread == 0 {
		_ = c.exchangeHalos(true)
	}

	mbIdxs := NewScanIndices(c.Dims)
	mbIdxs.InitFromOuter(adjTile)

	beginT := mbIdxs.Begin.Val(StepPosn)
	endT := mbIdxs.End.Val(StepPosn)
	stepDir := int64(1)
	if endT < beginT {
		stepDir = -1
	}
	numT := absI(endT - beginT)

	shiftNum := int64(0)
	for indexT := int64(0); indexT < numT; indexT++ {
		startT := beginT + indexT*stepDir
		stopT := startT + stepDir

		mbIdxs.Index.SetVal(StepPosn, indexT)
		mbIdxs.Begin.SetVal(StepPosn, startT)
		mbIdxs.End.SetVal(StepPosn, stopT)
		mbIdxs.Start.SetVal(StepPosn, startT)
		mbIdxs.Stop.SetVal(StepPosn, stopT)

		for _, bp := range c.Packs {
			if selPack != nil && selPack != bp {
				continue
			}
			if !bp.IsInValidStep(startT) {
				continue
			}

			if thread == 0 {
				bp.timer.Start()
			}

			settings := bp.ActiveSettings()
			mbIdxs.Stride = settings.SubBlockSizes.Clone()
			mbIdxs.Stride.SetVal(StepPosn, stepDir)
			mbIdxs.GroupSize = settings.SubBlockGroupSizes.Clone()

			ok := c.shiftMiniBlock(adjTile.Start, adjTile.Stop, shiftNum,
				adjTile.Begin, adjTile.End,
				blockIdxs.Start, blockIdxs.Stop, shiftNum,
				nphases, phase, nshapes, shape, dimsToBridge,
				blockIdxs.Begin, blockIdxs.End, shiftNum,
				bp, &mbIdxs)

			if ok {
				c.calcMiniBlockBundles(thread, bp, mbIdxs)
			}
			shiftNum++

			if thread == 0 {
				bp.timer.Stop()
			}
		}
	}
}

// calcMiniBlockBundles runs every bundle of the pack over the active
// mini-block range: prerequisite scratch bundles first (over a span widened
// by their halos), then the bundle itself over its sub-box decomposition.
func (c *Context) calcMiniBlockBundles(thread int, bp *Pack, mbIdxs ScanIndices) {
	for _, b := range bp.Bundles {
		for _, rb := range b.ReqdBundles() {
			if rb.Scratch {
				c.updateScratchVarInfo(thread, mbIdxs.Start)
				span := c.adjustScratchSpan(rb, mbIdxs)
				c.runBundleSpan(thread, rb, span, rb.Domain != nil)
				continue
			}
			if rb.bb.NumPoints == 0 {
				continue
			}
			// Trim the active range to each full sub-rectangle; points
			// inside a sub-rect need no predicate re-check.
			for _, rect := range rb.bbList {
				span := mbIdxs.Clone()
				empty := false
				for _, dn := range c.Dims.DomainNames {
					s := max(span.Start.ValOf(dn), rect.Begin.ValOf(dn))
					e := min(span.Stop.ValOf(dn), rect.End.ValOf(dn))
					if e <= s {
						empty = true
						break
					}
					span.Start.SetValOf(dn, s)
					span.Stop.SetValOf(dn, e)
					span.Begin.SetValOf(dn, s)
					span.End.SetValOf(dn, e)
				}
				if !empty {
					c.runBundleSpan(thread, rb, span, false)
				}
			}
		}
	}
}

// runBundleSpan evaluates bundle b over [span.Start, span.Stop): sub-block
// tiles run in parallel on the inner workers; each point is evaluated with
// the bundle's point function. With checkDomain, points are filtered by the
// bundle's sub-domain predicate.
func (c *Context) runBundleSpan(thread int, b *BundleDef, span ScanIndices, checkDomain bool) {
	t := span.Start.Val(StepPosn)
	if !b.IsInValidStep(t) {
		return
	}
	tiles := tileStarts(span, c.Dims)
	if len(tiles) == 0 {
		return
	}
	c.pool.InnerFor(0, int64(len(tiles)), 1, thread, func(start, stop int64, flatThread int) {
		pt := c.Dims.StencilTuple()
		pt.SetVal(StepPosn, t)
		for i := start; i < stop; i++ {
			tile := tiles[i]
			lens := c.Dims.DomainTuple()
			for _, dn := range c.Dims.DomainNames {
				lens.SetValOf(dn, tile.Stop.ValOf(dn)-tile.Start.ValOf(dn))
			}
			lens.VisitAllPoints(func(ofs Tuple, _ int64) bool {
				for _, dn := range c.Dims.DomainNames {
					pt.SetValOf(dn, tile.Start.ValOf(dn)+ofs.ValOf(dn))
				}
				if !checkDomain || b.IsInValidDomain(pt) {
					b.Point(c, thread, pt)
				}
				return true
			})
		}
	})
}

// shiftRegion computes the active region range for a given cumulative
// shift: the base range shifted left by angle*shiftNum, trimmed to the
// pack's box, and clamped to the wave-front extension wedges outside the
// rank. Results land in idxs.Begin/End; the return value is false when the
// range is empty in any dim.
func (c *Context) shiftRegion(baseStart, baseStop Tuple, shiftNum int64,
	bp *Pack, idxs *ScanIndices) bool {

	ok := true
	for _, dn := range c.Dims.DomainNames {
		angle := c.wfAngles.ValOf(dn)

		// Between WF steps the footprint only moves left, so region
		// walks may proceed in any order.
		rstart := baseStart.ValOf(dn) - angle*shiftNum
		rstop := baseStop.ValOf(dn) - angle*shiftNum

		if bp != nil {
			rstart = max(rstart, bp.bb.Begin.ValOf(dn))
			rstop = min(rstop, bp.bb.End.ValOf(dn))
		}

		dbegin := c.rankBB.Begin.ValOf(dn)
		dend := c.rankBB.End.ValOf(dn)

		// Inside the left extension wedge, the usable span grows by one
		// angle per shift; inside the right wedge it shrinks.
		if rstart < dbegin && c.leftWfExts.ValOf(dn) > 0 {
			rstart = max(rstart, dbegin-c.leftWfExts.ValOf(dn)+shiftNum*angle)
		}
		if rstop > dend && c.rightWfExts.ValOf(dn) > 0 {
			rstop = min(rstop, dend+c.rightWfExts.ValOf(dn)-shiftNum*angle)
		}

		idxs.Begin.SetValOf(dn, rstart)
		idxs.End.SetValOf(dn, rstop)
		if rstop <= rstart {
			ok = false
		}
	}
	return ok
}

// shiftMiniBlock computes the active mini-block range for the given phase,
// shape, and shifts: the region trim is re-applied, the base block is
// narrowed into its phase-0 trapezoid, bridged dims extend from the block's
// shifted stop to the next block's shifted start, and the mini-block's own
// wave-front shift and clamps are applied last.
func (c *Context) shiftMiniBlock(mbBaseStart, mbBaseStop Tuple, mbShiftNum int64,
	adjBlockBaseStart, adjBlockBaseStop Tuple,
	blockBaseStart, blockBaseStop Tuple, blockShiftNum int64,
	nphases, phase, nshapes, shape int64, dimsToBridge []int,
	regionBaseStart, regionBaseStop Tuple, regionShiftNum int64,
	bp *Pack, idxs *ScanIndices) bool {

	ok := c.shiftRegion(regionBaseStart, regionBaseStop, regionShiftNum, bp, idxs)

	for j, dn := range c.Dims.DomainNames {
		isFirstBlk := blockBaseStart.ValOf(dn) <= regionBaseStart.ValOf(dn)
		isLastBlk := blockBaseStop.ValOf(dn) >= regionBaseStop.ValOf(dn)
		isOneBlk := isFirstBlk && isLastBlk

		blkStart := blockBaseStart.ValOf(dn)
		blkStop := blockBaseStop.ValOf(dn)

		// With more than one phase, the phase-0 base takes half the
		// block plus one total shift so up and down shapes come out
		// about even.
		tbAngle := c.tbAngles.ValOf(dn)
		if nphases > 1 && !isOneBlk {
			sa := (c.numTbShifts + 1) * tbAngle
			fpts := c.Dims.FoldPts.ValOf(dn)
			blkWidth := max(RoundUp(CeilDiv(blkStop-blkStart, 2)+sa, fpts), 2*sa+fpts)
			blkStop = min(blkStart+blkWidth, blockBaseStop.ValOf(dn))
		}

		// The next block's base start; bridges span from this block's
		// shifted stop to there.
		nextBlkStart := blockBaseStop.ValOf(dn)

		// Shift in one TB step: start moves right, stop moves left,
		// first/last blocks clamp to the region.
		blkStart += tbAngle * blockShiftNum
		if isFirstBlk {
			blkStart = idxs.Begin.ValOf(dn)
		}
		blkStop -= tbAngle * blockShiftNum
		if (nphases == 1 || isOneBlk) && isLastBlk {
			blkStop = idxs.End.ValOf(dn)
		}
		nextBlkStart += tbAngle * blockShiftNum
		if isLastBlk {
			nextBlkStart = idxs.End.ValOf(dn)
		}

		shapeStart := blkStart
		shapeStop := blkStop
		if phase > 0 {
			for i := int64(0); i < phase; i++ {
				if dimsToBridge[i]-1 == j {
					// Bridge this dim: from the base block's right side
					// to the next block's left side.
					shapeStart = max(blkStop, blkStart)
					shapeStop = nextBlkStart
				}
			}
		}
		if shapeStop <= shapeStart {
			ok = false
		}
		if !ok {
			continue
		}

		isFirstMB := mbBaseStart.ValOf(dn) <= adjBlockBaseStart.ValOf(dn)
		isLastMB := mbBaseStop.ValOf(dn) >= adjBlockBaseStop.ValOf(dn)
		isOneMB := isFirstMB && isLastMB

		mbStart := mbBaseStart.ValOf(dn)
		mbStop := mbBaseStop.ValOf(dn)

		// The mini-block is its own little wave-front: it only shifts
		// left, one step at a time.
		if !isOneMB {
			mbAngle := c.mbAngles.ValOf(dn)
			mbStart -= mbAngle * mbShiftNum
			mbStop -= mbAngle * mbShiftNum
		}
		if isFirstMB {
			mbStart = shapeStart
		}
		if isLastMB {
			mbStop = shapeStop
		}

		mbStart = max(mbStart, idxs.Begin.ValOf(dn))
		mbStop = min(mbStop, idxs.End.ValOf(dn))
		mbStart = max(mbStart, shapeStart)
		mbStop = min(mbStop, shapeStop)

		idxs.Begin.SetValOf(dn, mbStart)
		idxs.End.SetValOf(dn, mbStop)
		if mbStop <= mbStart {
			ok = false
		}
	}

	if ok {
		// The computed range is both the bounds and the active tile for
		// the sub-block loops.
		for _, dn := range c.Dims.DomainNames {
			idxs.Start.SetValOf(dn, idxs.Begin.ValOf(dn))
			idxs.Stop.SetValOf(dn, idxs.End.ValOf(dn))
		}
	}
	return ok
}

// markVarsDirty marks the output vars of the selected pack (or all packs)
// dirty at the steps written for input steps [start, stop). Scratch vars
// are never marked: they are not exchanged.
func (c *Context) markVarsDirty(selPack *Pack, start, stop int64) {
	step := int64(1)
	if start > stop {
		step = -1
	}
	type done struct {
		v *Var
		t int64
	}
	marked := map[done]bool{}

	for _, bp := range c.Packs {
		if selPack != nil && selPack != bp {
			continue
		}
		for t := start; t != stop; t += step {
			for _, b := range bp.Bundles {
				tOut, ok := b.GetOutputStep(t)
				if !ok {
					continue
				}
				for _, v := range b.OutputVars {
					if v.IsScratch() {
						continue
					}
					key := done{v: v, t: tOut}
					if !marked[key] {
						v.SetDirty(true, tOut)
						marked[key] = true
					}
				}
			}
		}
	}
}
