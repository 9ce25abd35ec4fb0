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

// HaloKey addresses one entry of a bundle's halo requirement table:
// the pack evaluating the access, the side, and the step offset read.
type HaloKey struct {
	Pack    string
	Left    bool
	StepOfs int64
}

// BundleDef is one update rule, supplied by the stencil compiler as a set
// of static tables and callbacks. The engine never inspects Point; it only
// schedules it. Bundle prerequisites (scratch producers) form a DAG encoded
// as the pre-expanded Scratches list — there are no run-time cycles.
type BundleDef struct {
	BundleName string
	Scratch    bool

	InputVars  []*Var
	OutputVars []*Var

	// Point evaluates the update at one stencil point (step + domain
	// indices). threadIdx selects per-thread scratch-var instances.
	Point func(c *Context, threadIdx int, pt Tuple)

	// Domain reports whether a point is inside this bundle's sub-domain.
	// nil means the whole domain.
	Domain func(pt Tuple) bool

	// StepCond reports whether the bundle runs at step t. nil means always.
	StepCond func(t int64) bool

	// OutputStep maps an input step to the step written, returning false
	// when the bundle writes nothing at t. nil means t+WriteOfs.
	OutputStep func(t int64) (int64, bool)

	// WriteOfs is the step offset written relative to t.
	WriteOfs int64

	// Scratches lists prerequisite scratch bundles in evaluation order.
	Scratches []*BundleDef

	// Halos is the per-input-var halo requirement table; each entry is a
	// per-domain-dim width tuple.
	Halos map[*Var]map[HaloKey]Tuple

	// EstFpOps is the estimated floating-point ops per point (stats only).
	EstFpOps int64

	bb      BoundingBox
	bbList  []BoundingBox
	bbValid bool
}

// Name returns the bundle name.
func (b *BundleDef) Name() string { return b.BundleName }

// IsInValidDomain applies the sub-domain predicate (true when nil).
func (b *BundleDef) IsInValidDomain(pt Tuple) bool {
	return b.Domain == nil || b.Domain(pt)
}

// IsInValidStep applies the step predicate (true when nil).
func (b *BundleDef) IsInValidStep(t int64) bool {
	return b.StepCond == nil || b.StepCond(t)
}

// GetOutputStep returns the step written for input step t.
func (b *BundleDef) GetOutputStep(t int64) (int64, bool) {
	if b.OutputStep != nil {
		return b.OutputStep(t)
	}
	return t + b.WriteOfs, true
}

// ReqdBundles returns the bundles that must run to evaluate b: its
// prerequisite scratch bundles in order, then b itself.
func (b *BundleDef) ReqdBundles() []*BundleDef {
	out := make([]*BundleDef, 0, len(b.Scratches)+1)
	out = append(out, b.Scratches...)
	return append(out, b)
}

// BB returns the bundle's bounding box (valid after PrepareSolution).
func (b *BundleDef) BB() *BoundingBox { return &b.bb }

// BBList returns the sub-box decomposition (valid after PrepareSolution).
func (b *BundleDef) BBList() []BoundingBox { return b.bbList }

// Pack is an ordered group of bundles evaluated as one unit per wave-front
// or temporal-block shift. Packs within one step run in declared order.
type Pack struct {
	PackName string
	Bundles  []*BundleDef

	// localSettings is this pack's view of the tile sizes; the per-pack
	// auto-tuner mutates it when packs are tuned independently.
	localSettings *Settings

	bb        BoundingBox
	timer     Timer
	stepsDone int64
}

// Name returns the pack name.
func (p *Pack) Name() string { return p.PackName }

// ActiveSettings returns the pack's local settings copy.
func (p *Pack) ActiveSettings() *Settings { return p.localSettings }

// IsInValidStep reports whether any bundle in the pack runs at step t.
func (p *Pack) IsInValidStep(t int64) bool {
	for _, b := range p.Bundles {
		if b.IsInValidStep(t) {
			return true
		}
	}
	return false
}

// BB returns the pack's bounding box (union of its bundles').
func (p *Pack) BB() *BoundingBox { return &p.bb }

// AddSteps accumulates the pack's step counter.
func (p *Pack) AddSteps(n int64) { p.stepsDone += n }

// StepsDone returns the accumulated step count.
func (p *Pack) StepsDone() int64 { return p.stepsDone }

// Timer returns the pack's compute timer.
func (p *Pack) Timer() *Timer { return &p.timer }

// StepDimInfo is the computed step-dim ring sizing for one var.
type StepDimInfo struct {
	StepDimSize int64
	// WritebackOfs records, per pack, the read offset displaced by an
	// in-place writeback (the write slot reuses that read's slot).
	WritebackOfs map[string]int64
}

// computeStepInfo derives the required step-ring size of var v from the
// halo tables of every bundle that reads it. The baseline is the span of
// step offsets with a declared halo entry (zero-width entries count). When the bundle also writes at an
// endpoint of the span and the halos at both endpoints are zero, the ring
// shrinks by one because the write can reuse a read slot; which offset is
// displaced is recorded. A write strictly inside the span never shrinks the
// ring. A positive override is authoritative and replaces the computed
// size.
func computeStepInfo(v *Var, packs []*Pack, override int64) StepDimInfo {
	sdi := StepDimInfo{StepDimSize: 1, WritebackOfs: map[string]int64{}}
	maxSz := int64(1)

	for _, p := range packs {
		const unset = int64(-9999)
		firstOfs, lastOfs := unset, unset
		isWritten := false
		var firstMaxHalo, lastMaxHalo int64

		// Prerequisite scratch bundles read vars too; their halo entries
		// count toward the span.
		var bundles []*BundleDef
		for _, nb := range p.Bundles {
			bundles = append(bundles, nb.ReqdBundles()...)
		}

		for _, b := range bundles {
			h2, ok := b.Halos[v]
			if !ok {
				continue
			}
			for key, halo := range h2 {
				if halo.Len() == 0 {
					continue
				}
				if halo.MaxVal() >= 0 { // any declared entry counts
					if firstOfs == unset {
						firstOfs, lastOfs = key.StepOfs, key.StepOfs
					} else {
						firstOfs = min(firstOfs, key.StepOfs)
						lastOfs = max(lastOfs, key.StepOfs)
					}
				}
			}
			for _, ov := range b.OutputVars {
				if ov == v {
					isWritten = true
				}
			}
		}
		if firstOfs == unset || lastOfs == firstOfs {
			continue
		}

		// Recompute endpoint halos now that the span is known.
		for _, b := range bundles {
			for key, halo := range b.Halos[v] {
				if halo.Len() == 0 {
					continue
				}
				if key.StepOfs == firstOfs {
					firstMaxHalo = max(firstMaxHalo, halo.MaxVal())
				}
				if key.StepOfs == lastOfs {
					lastMaxHalo = max(lastMaxHalo, halo.MaxVal())
				}
			}
		}

		sz := lastOfs - firstOfs + 1
		if isWritten && sz > 1 && firstMaxHalo == 0 && lastMaxHalo == 0 {
			writeOfs := int64(0)
			haveWrite := false
			for _, b := range bundles {
				for _, ov := range b.OutputVars {
					if ov == v {
						writeOfs = b.WriteOfs
						haveWrite = true
					}
				}
			}
			switch {
			case haveWrite && writeOfs == lastOfs: // forward step
				sz--
				sdi.WritebackOfs[p.PackName] = firstOfs
			case haveWrite && writeOfs == firstOfs: // backward step
				sz--
				sdi.WritebackOfs[p.PackName] = lastOfs
			default:
				// Write strictly inside the read span: no slot can be
				// reused, so keep the full span.
			}
		}
		maxSz = max(maxSz, sz)
	}

	sdi.StepDimSize = maxSz
	if override > 0 {
		sdi.StepDimSize = override
	}
	return sdi
}
