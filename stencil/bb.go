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

	"golang.org/x/sync/errgroup"
)

// BoundingBox is a half-open rectangular region [Begin, End) in domain-dim
// space with derived attributes. Boxes are computed in the transition from
// setup to run and are read-only during the run.
type BoundingBox struct {
	Begin, End Tuple
	Len        Tuple
	Size       int64 // product of Len
	NumPoints  int64 // valid points inside; == Size when full

	IsFull        bool // every point in the box is valid
	IsAligned     bool // begin on a vec-len boundary (relative to rank offset)
	IsClusterMult bool // lengths are cluster multiples
	Valid         bool
}

// Update computes the derived attributes. With forceFull, NumPoints is set
// to Size (used for boxes known rectangular by construction).
func (bb *BoundingBox) Update(name string, c *Context, forceFull bool) {
	bb.Len = bb.End.SubElements(bb.Begin)
	bb.Size = bb.Len.Product()
	if forceFull {
		bb.NumPoints = bb.Size
	}

	bb.IsFull = bb.NumPoints == bb.Size
	if !bb.IsFull {
		c.log.Info("domain is not a solid rectangle; multiple sub-boxes will be used",
			"name", name, "valid_points", bb.NumPoints, "box_points", bb.Size)
	}

	bb.IsAligned = true
	for _, dn := range c.Dims.DomainNames {
		if IModFlr(bb.Begin.ValOf(dn)-c.rankDomainOfs.ValOf(dn),
			c.Dims.FoldPts.ValOf(dn)) != 0 {
			c.log.Debug("domain has starting edges off vector boundaries; scalar peel will be used",
				"name", name, "dim", dn)
			bb.IsAligned = false
			break
		}
	}

	bb.IsClusterMult = true
	for _, dn := range c.Dims.DomainNames {
		if bb.Len.ValOf(dn)%c.Dims.ClusterPts.ValOf(dn) != 0 {
			if bb.IsFull && bb.IsAligned {
				c.log.Info("domain sizes are not vector-cluster multiples; remainder handling will be used",
					"name", name, "dim", dn)
			}
			bb.IsClusterMult = false
			break
		}
	}

	bb.Valid = true
}

// ContainsPoint reports whether the domain point pt is inside the box.
func (bb *BoundingBox) ContainsPoint(pt Tuple) bool {
	for i := 0; i < bb.Begin.Len(); i++ {
		n := bb.Begin.Name(i)
		v := pt.ValOf(n)
		if v < bb.Begin.Val(i) || v >= bb.End.ValOf(n) {
			return false
		}
	}
	return true
}

// IsEmpty reports whether the box covers no points.
func (bb *BoundingBox) IsEmpty() bool {
	for i := 0; i < bb.Begin.Len(); i++ {
		if bb.End.Val(i) <= bb.Begin.Val(i) {
			return true
		}
	}
	return false
}

// findBundleBB computes the bounding box and the sub-box decomposition of
// one bundle within this rank's extended domain.
//
// With no sub-domain predicate the box is the whole extended rank box. With
// a predicate, an overall box is found by a parallel min/max/count scan;
// when the count fills the box it is marked full and used directly, and
// otherwise the box is partitioned into maximal axis-aligned rectangles of
// valid points: the outermost dim is split into one slice per worker, each
// slice greedily grows rectangles with a shrinking re-scan, and adjacent
// aligned rectangles from neighboring slices are merged afterward.
func (c *Context) findBundleBB(b *BundleDef) {
	if b.bbValid {
		return
	}
	domainDims := c.Dims.DomainNames

	if b.Domain == nil {
		b.bb = BoundingBox{
			Begin: c.extBB.Begin.Clone(),
			End:   c.extBB.End.Clone(),
		}
		b.bb.Update(b.BundleName, c, true)
		b.bbList = []BoundingBox{b.bb}
		b.bbValid = true
		return
	}

	// Overall box: parallel scan of the extended rank domain.
	scanBB := c.extBB
	nthreads := int64(c.pool.OuterThreads())
	outer := domainDims[0]
	outerLen := scanBB.End.ValOf(outer) - scanBB.Begin.ValOf(outer)
	nslices := min(nthreads, max(outerLen, 1))

	type sliceResult struct {
		minPt, maxPt Tuple
		npts         int64
	}
	results := make([]sliceResult, nslices)
	var g errgroup.Group
	for n := int64(0); n < nslices; n++ {
		n := n
		g.Go(func() error {
			begin := scanBB.Begin.Clone()
			end := scanBB.End.Clone()
			begin.SetValOf(outer, scanBB.Begin.ValOf(outer)+DivEquallyCumu(outerLen, nslices, n-1))
			end.SetValOf(outer, scanBB.Begin.ValOf(outer)+DivEquallyCumu(outerLen, nslices, n))
			r := &results[n]
			r.minPt = end.Clone() // impossible extremes to start
			r.maxPt = begin.AddConst(-1)
			pt := c.Dims.StencilTuple() // step entry stays 0
			end.SubElements(begin).VisitAllPoints(func(ofs Tuple, _ int64) bool {
				for _, dn := range domainDims {
					pt.SetValOf(dn, begin.ValOf(dn)+ofs.ValOf(dn))
				}
				if b.Domain(pt) {
					for _, dn := range domainDims {
						v := pt.ValOf(dn)
						if v < r.minPt.ValOf(dn) {
							r.minPt.SetValOf(dn, v)
						}
						if v > r.maxPt.ValOf(dn) {
							r.maxPt.SetValOf(dn, v)
						}
					}
					r.npts++
				}
				return true
			})
			return nil
		})
	}
	_ = g.Wait() // scan goroutines return no errors

	var npts int64
	minPt := scanBB.End.Clone()
	maxPt := scanBB.Begin.AddConst(-1)
	for i := range results {
		if results[i].npts == 0 {
			continue
		}
		npts += results[i].npts
		minPt = minPt.MinElements(results[i].minPt)
		maxPt = maxPt.MaxElements(results[i].maxPt)
	}

	b.bb.Begin = NewTuple(domainDims...)
	b.bb.End = NewTuple(domainDims...)
	if npts > 0 {
		b.bb.Begin.SetVals(minPt, true)
		b.bb.End.SetVals(maxPt.AddConst(1), true)
	}
	b.bb.NumPoints = npts
	b.bb.Update(b.BundleName, c, false)

	switch {
	case npts == 0:
		b.bbList = nil
	case b.bb.IsFull:
		b.bbList = []BoundingBox{b.bb}
	default:
		b.bbList = c.findSubBBs(b)
	}
	b.bbValid = true
}

// findSubBBs partitions a non-full bundle box into non-overlapping full
// rectangles whose union is exactly the valid point set.
func (c *Context) findSubBBs(b *BundleDef) []BoundingBox {
	domainDims := c.Dims.DomainNames
	odim := domainDims[0]
	outerLen := b.bb.Len.ValOf(odim)
	nthreads := int64(c.pool.OuterThreads())
	nslices := min(nthreads, max(outerLen, 1))

	valid := func(pt Tuple) bool {
		spt := c.Dims.StencilTuple()
		for _, dn := range domainDims {
			spt.SetValOf(dn, pt.ValOf(dn))
		}
		return b.Domain(spt)
	}

	sliceLists := make([][]BoundingBox, nslices)
	var wg sync.WaitGroup
	for n := int64(0); n < nslices; n++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			sliceBegin := b.bb.Begin.Clone()
			sliceEnd := b.bb.End.Clone()
			sliceBegin.SetValOf(odim, b.bb.Begin.ValOf(odim)+DivEquallyCumu(outerLen, nslices, n-1))
			sliceEnd.SetValOf(odim, b.bb.Begin.ValOf(odim)+DivEquallyCumu(outerLen, nslices, n))
			if sliceEnd.ValOf(odim) <= sliceBegin.ValOf(odim) {
				return
			}
			sliceLists[n] = findRectsInSlice(domainDims, sliceBegin, sliceEnd, valid)
		}(n)
	}
	wg.Wait()

	// Merge rectangles from adjacent slices that line up along the split
	// dim and match exactly in every other dim.
	var final []BoundingBox
	for n := int64(0); n < nslices; n++ {
		for _, bbn := range sliceLists[n] {
			if bbn.Size == 0 {
				continue
			}
			merged := false
			for i := range final {
				bb := &final[i]
				ok := true
				for _, dn := range domainDims {
					if dn == odim {
						if bb.End.ValOf(dn) != bbn.Begin.ValOf(dn) {
							ok = false
						}
					} else if bb.Begin.ValOf(dn) != bbn.Begin.ValOf(dn) ||
						bb.End.ValOf(dn) != bbn.End.ValOf(dn) {
						ok = false
					}
					if !ok {
						break
					}
				}
				if ok {
					bb.End.SetValOf(odim, bbn.End.ValOf(odim))
					bb.Update("sub-bb", c, true)
					merged = true
					break
				}
			}
			if !merged {
				bbn.Update("sub-bb", c, true)
				final = append(final, bbn)
			}
		}
	}
	return final
}

// findRectsInSlice sweeps one slice for maximal rectangles of valid,
// not-yet-covered points. At each seed point it grows a candidate extent,
// re-scanning and shrinking the first dim where an invalid or covered point
// appears until a clean rectangle remains.
func findRectsInSlice(domainDims []string, sliceBegin, sliceEnd Tuple,
	valid func(pt Tuple) bool) []BoundingBox {

	var rects []BoundingBox
	covered := func(pt Tuple) bool {
		for i := range rects {
			if rects[i].ContainsPoint(pt) {
				return true
			}
		}
		return false
	}

	sliceLen := sliceEnd.SubElements(sliceBegin)
	pt := sliceBegin.Clone()
	sliceLen.VisitAllPoints(func(ofs Tuple, _ int64) bool {
		for _, dn := range domainDims {
			pt.SetValOf(dn, sliceBegin.ValOf(dn)+ofs.ValOf(dn))
		}
		if !valid(pt) || covered(pt) {
			return true
		}

		// Grow a rectangle from this seed point.
		seed := pt.Clone()
		scanLen := sliceEnd.SubElements(seed)
		for {
			again := false
			ept := seed.Clone()
			scanLen.VisitAllPoints(func(eofs Tuple, _ int64) bool {
				for _, dn := range domainDims {
					ept.SetValOf(dn, seed.ValOf(dn)+eofs.ValOf(dn))
				}
				if valid(ept) && !covered(ept) {
					return true
				}
				// Shrink the first dim already beyond the seed. The
				// points visited so far (lexicographic prefix) validate
				// the shrunk box only when that dim is the outermost
				// one; otherwise re-scan the reduced extent.
				for _, dn := range domainDims {
					if ept.ValOf(dn) > seed.ValOf(dn) {
						scanLen.SetValOf(dn, ept.ValOf(dn)-seed.ValOf(dn))
						if dn != domainDims[0] {
							again = true
						}
						return false
					}
				}
				return false
			})
			if !again {
				break
			}
		}

		rects = append(rects, BoundingBox{
			Begin:     seed.Clone(),
			End:       seed.AddElements(scanLen),
			Len:       scanLen.Clone(),
			Size:      scanLen.Product(),
			NumPoints: scanLen.Product(),
			IsFull:    true,
			Valid:     true,
		})
		return true
	})
	return rects
}
