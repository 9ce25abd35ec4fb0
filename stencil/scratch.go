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

// Scratch vars are per-outer-worker temporaries sized to one block's span.
// They are never halo-exchanged; visibility between a scratch producer and
// its consumer is confined to one mini-block evaluation, where both run on
// the same worker against the same instance.

// cloneScratch copies a scratch template into a per-thread instance.
func (v *Var) cloneScratch() *Var {
	inst := &Var{
		name:      v.name,
		dims:      append([]varDim(nil), v.dims...),
		stepPosn:  v.stepPosn,
		stepAlloc: v.stepAlloc,
		fixedSize: v.fixedSize,
		scratch:   true,
		numaPref:  v.numaPref,
	}
	return inst
}

// allocScratchData creates one instance of every scratch template per flat
// worker thread and allocates them all in one pass. Instances span the
// largest block size across packs, rounded up to the fold. One instance
// per flat id keeps concurrently executing blocks on disjoint scratch
// storage.
func (c *Context) allocScratchData() error {
	rthreads := c.pool.NumThreads()

	// Largest block size across packs per dim.
	blksize := c.Dims.DomainTuple()
	for _, p := range c.Packs {
		ps := p.ActiveSettings()
		for _, dn := range c.Dims.DomainNames {
			sz := RoundUp(ps.BlockSizes.ValOf(dn), c.Dims.FoldPts.ValOf(dn))
			blksize.SetValOf(dn, max(blksize.ValOf(dn), sz))
		}
	}
	c.log.Debug("scratch block span", "size", blksize.ValStr(" * "))

	var all []*Var
	for _, tmpl := range c.scratchTmpls {
		insts := make([]*Var, rthreads)
		for i := range insts {
			inst := tmpl.cloneScratch()
			for _, dn := range c.Dims.DomainNames {
				if !inst.IsDimUsed(dn) {
					continue
				}
				inst.SetDomainSize(dn, blksize.ValOf(dn))
				inst.SetMinPad(dn, c.Opts.MinPadSizes.ValOf(dn))
				inst.SetExtraPad(dn, c.Opts.ExtraPadSizes.ValOf(dn))
			}
			insts[i] = inst
			all = append(all, inst)
		}
		c.scratchVars[tmpl.Name()] = insts
	}
	return allocVarData(all, "scratch", c.log)
}

// reallocScratchData drops and rebuilds the scratch instances; called when
// a block size or the worker count changes (auto-tuning, the ref path).
func (c *Context) reallocScratchData() error {
	for _, insts := range c.scratchVars {
		for _, v := range insts {
			v.ReleaseStorage()
		}
	}
	c.scratchVars = map[string][]*Var{}
	return c.allocScratchData()
}

// updateScratchVarInfo re-anchors one worker's scratch instances at the
// given begin point (any tuple carrying the domain dims), so that global
// indices inside the current block resolve into scratch storage.
func (c *Context) updateScratchVarInfo(thread int, begin Tuple) {
	for _, insts := range c.scratchVars {
		inst := insts[thread%len(insts)]
		for _, dn := range c.Dims.DomainNames {
			if inst.IsDimUsed(dn) {
				inst.SetRankOffset(dn, begin.ValOf(dn))
			}
		}
	}
}

// scratchHalos returns the left and right halos of the bundle's output
// scratch vars in dim dn (the amount a consumer may reach into them).
func (b *BundleDef) scratchHalos(dn string) (left, right int64) {
	for _, v := range b.OutputVars {
		if !v.IsScratch() || !v.IsDimUsed(dn) {
			continue
		}
		left = max(left, v.LeftHalo(dn))
		right = max(right, v.RightHalo(dn))
	}
	return left, right
}

// adjustScratchSpan widens the active mini-block range by the halos of the
// scratch bundle's outputs: the producer must fill the edge cells its
// consumer will read.
func (c *Context) adjustScratchSpan(b *BundleDef, mbIdxs ScanIndices) ScanIndices {
	span := mbIdxs.Clone()
	for _, dn := range c.Dims.DomainNames {
		lh, rh := b.scratchHalos(dn)
		span.Start.SetValOf(dn, span.Start.ValOf(dn)-lh)
		span.Stop.SetValOf(dn, span.Stop.ValOf(dn)+rh)
		span.Begin.SetValOf(dn, span.Start.ValOf(dn))
		span.End.SetValOf(dn, span.Stop.ValOf(dn))
	}
	return span
}
