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
	"sync/atomic"
)

// varDim holds the per-dim attributes of one var.
type varDim struct {
	name string
	typ  DimType

	// Domain dims.
	domainSize  int64
	leftHalo    int64
	rightHalo   int64
	leftPad     int64 // actual; >= halo + wf ext
	rightPad    int64
	reqMinPad   int64
	reqExtraPad int64
	rankOfs     int64 // global index of local element 0
	vecLen      int64 // folding multiple; pads round to this
	leftWfExt   int64
	rightWfExt  int64

	// Misc dims.
	firstMisc int64
	lastMisc  int64

	allocSize int64 // elements allocated along this dim
	stride    int64 // computed when storage is finalized
}

// Var is a named multi-dimensional array over a subset of the declared dims.
// Domain indices are global: the valid allocation in dim d spans
// [FirstLocalIndex(d), LastLocalIndex(d)]. The step dim is a ring buffer of
// StepAlloc slots; logical step t maps to slot ((t mod S)+S) mod S, and each
// slot remembers which logical step it currently holds so that reads of
// steps that have been evicted fail with ErrStaleStep.
type Var struct {
	name     string
	dims     []varDim
	stepPosn int // position in dims, or -1

	stepAlloc int64
	data      []Real

	// slotSteps and dirty are written from parallel workers (every write
	// retargets its slot and marks its step); atomics keep those updates
	// well-defined without a lock in the hot path.
	slotSteps []atomic.Int64 // logical step per ring slot
	dirty     []atomic.Bool  // per ring slot

	fixedSize bool
	scratch   bool
	numaPref  int
	allocated bool
}

// NewVar creates a var over the named subset of declared dims. Vec lens for
// domain dims default to the solution fold; halos, pads, and sizes start at
// zero (size 1 for misc dims).
func NewVar(name string, d *Dims, dimNames ...string) *Var {
	v := &Var{name: name, stepPosn: -1, stepAlloc: 1, numaPref: -1}
	for _, dn := range dimNames {
		dt, err := d.TypeOf(dn)
		if err != nil {
			panic(err) // dim set is frozen before vars are declared
		}
		vd := varDim{name: dn, typ: dt, vecLen: 1}
		switch dt {
		case StepDim:
			v.stepPosn = len(v.dims)
		case DomainDim:
			vd.vecLen = d.FoldPts.ValOf(dn)
		}
		v.dims = append(v.dims, vd)
	}
	v.slotSteps = make([]atomic.Int64, 1)
	v.dirty = make([]atomic.Bool, 1)
	return v
}

// Name returns the var's name.
func (v *Var) Name() string { return v.name }

// DimNames returns the var's dims in declared order.
func (v *Var) DimNames() []string {
	names := make([]string, len(v.dims))
	for i, d := range v.dims {
		names[i] = d.name
	}
	return names
}

// IsDimUsed reports whether the var is indexed by dim name.
func (v *Var) IsDimUsed(name string) bool { return v.posn(name) >= 0 }

func (v *Var) posn(name string) int {
	for i := range v.dims {
		if v.dims[i].name == name {
			return i
		}
	}
	return -1
}

func (v *Var) dim(name string) *varDim {
	i := v.posn(name)
	if i < 0 {
		panic(fmt.Sprintf("stencil: var %q has no dim %q", v.name, name))
	}
	return &v.dims[i]
}

// HasStepDim reports whether the var is indexed by the step dim.
func (v *Var) HasStepDim() bool { return v.stepPosn >= 0 }

// SetScratch marks the var as per-worker-thread scratch; scratch vars are
// never halo-exchanged and cover one block's span.
func (v *Var) SetScratch(s bool) { v.scratch = s }

// IsScratch reports the scratch flag.
func (v *Var) IsScratch() bool { return v.scratch }

// SetFixedSize marks the var as manually sized; the engine will not resize
// it from the rank-size setting.
func (v *Var) SetFixedSize(f bool) { v.fixedSize = f }

// IsFixedSize reports the fixed-size flag.
func (v *Var) IsFixedSize() bool { return v.fixedSize }

// SetNumaPreferred records the preferred NUMA node for allocation grouping
// (-1 means local/default).
func (v *Var) SetNumaPreferred(n int) { v.numaPref = n }

// NumaPreferred returns the allocation-grouping preference.
func (v *Var) NumaPreferred() int { return v.numaPref }

// SetDomainSize sets the rank-local domain size of a domain dim.
func (v *Var) SetDomainSize(dname string, sz int64) { v.dim(dname).domainSize = sz }

// DomainSize returns the rank-local domain size of a domain dim.
func (v *Var) DomainSize(dname string) int64 { return v.dim(dname).domainSize }

// SetHalos sets the left and right halo of a domain dim.
func (v *Var) SetHalos(dname string, left, right int64) {
	d := v.dim(dname)
	d.leftHalo, d.rightHalo = left, right
}

// LeftHalo returns the left halo of a domain dim.
func (v *Var) LeftHalo(dname string) int64 { return v.dim(dname).leftHalo }

// RightHalo returns the right halo of a domain dim.
func (v *Var) RightHalo(dname string) int64 { return v.dim(dname).rightHalo }

// SetMinPad sets the minimum pad request of a domain dim.
func (v *Var) SetMinPad(dname string, p int64) { v.dim(dname).reqMinPad = p }

// SetExtraPad sets the extra pad request of a domain dim.
func (v *Var) SetExtraPad(dname string, p int64) { v.dim(dname).reqExtraPad = p }

// SetRankOffset sets the global index of local element 0 in a domain dim.
func (v *Var) SetRankOffset(dname string, ofs int64) { v.dim(dname).rankOfs = ofs }

// RankOffset returns the global index of local element 0 in a domain dim.
func (v *Var) RankOffset(dname string) int64 { return v.dim(dname).rankOfs }

// SetWfExts sets the wave-front extensions of a domain dim.
func (v *Var) SetWfExts(dname string, left, right int64) {
	d := v.dim(dname)
	d.leftWfExt, d.rightWfExt = left, right
}

// VecLen returns the folding multiple of a domain dim.
func (v *Var) VecLen(dname string) int64 { return v.dim(dname).vecLen }

// SetMiscRange sets the first and last index of a misc dim.
func (v *Var) SetMiscRange(dname string, first, last int64) {
	d := v.dim(dname)
	d.firstMisc, d.lastMisc = first, last
}

// FirstMiscIndex returns the first index of a misc dim.
func (v *Var) FirstMiscIndex(dname string) int64 { return v.dim(dname).firstMisc }

// LastMiscIndex returns the last index of a misc dim.
func (v *Var) LastMiscIndex(dname string) int64 { return v.dim(dname).lastMisc }

// SetStepAlloc sets the number of steps simultaneously resident in the
// step-dim ring.
func (v *Var) SetStepAlloc(s int64) {
	if s < 1 {
		s = 1
	}
	v.stepAlloc = s
}

// StepAlloc returns the step-dim ring size.
func (v *Var) StepAlloc() int64 { return v.stepAlloc }

// ActualLeftPad returns the computed left pad of a domain dim (valid after
// storage is finalized).
func (v *Var) ActualLeftPad(dname string) int64 { return v.dim(dname).leftPad }

// ActualRightPad returns the computed right pad of a domain dim.
func (v *Var) ActualRightPad(dname string) int64 { return v.dim(dname).rightPad }

// FirstLocalIndex returns the lowest allocated global index in a domain dim:
// rank offset minus the actual left pad.
func (v *Var) FirstLocalIndex(dname string) int64 {
	d := v.dim(dname)
	return d.rankOfs - d.leftPad
}

// LastLocalIndex returns the highest allocated global index in a domain dim:
// rank offset plus domain size plus the actual right pad, minus one.
func (v *Var) LastLocalIndex(dname string) int64 {
	d := v.dim(dname)
	return d.rankOfs + d.domainSize + d.rightPad - 1
}

// FirstRankDomainIndex returns the first in-domain global index.
func (v *Var) FirstRankDomainIndex(dname string) int64 { return v.dim(dname).rankOfs }

// LastRankDomainIndex returns the last in-domain global index.
func (v *Var) LastRankDomainIndex(dname string) int64 {
	d := v.dim(dname)
	return d.rankOfs + d.domainSize - 1
}

// finalizeLayout computes actual pads, per-dim alloc sizes, and strides.
// Pads satisfy pad >= halo + wf ext and pad >= min pad, plus the extra pad,
// each rounded up to the vec len so that vec-aligned begin points never
// underflow the allocation.
func (v *Var) finalizeLayout() {
	for i := range v.dims {
		d := &v.dims[i]
		switch d.typ {
		case StepDim:
			d.allocSize = v.stepAlloc
		case DomainDim:
			lp := max(d.leftHalo+d.leftWfExt, d.reqMinPad) + d.reqExtraPad
			rp := max(d.rightHalo+d.rightWfExt, d.reqMinPad) + d.reqExtraPad
			d.leftPad = RoundUp(lp, d.vecLen)
			d.rightPad = RoundUp(rp, d.vecLen)
			d.allocSize = d.leftPad + d.domainSize + d.rightPad
		case MiscDim:
			d.allocSize = d.lastMisc - d.firstMisc + 1
		}
	}
	stride := int64(1)
	for i := len(v.dims) - 1; i >= 0; i-- {
		v.dims[i].stride = stride
		stride *= v.dims[i].allocSize
	}
}

// AllocSize returns the allocated extent of any dim.
func (v *Var) AllocSize(dname string) int64 { return v.dim(dname).allocSize }

// NumStorageElems returns the total element count (after finalizeLayout).
func (v *Var) NumStorageElems() int64 {
	n := int64(1)
	for i := range v.dims {
		n *= v.dims[i].allocSize
	}
	return n
}

// NumStorageBytes returns the storage footprint rounded up to a cacheline.
func (v *Var) NumStorageBytes() int64 {
	return RoundUp(v.NumStorageElems()*RealBytes, CachelineBytes)
}

// SetStorage points the var at a region of buf starting at element offset
// ofs. finalizeLayout must have run. The ring-slot table is reset so slot i
// initially holds logical step i.
func (v *Var) SetStorage(buf []Real, ofs int64) {
	n := v.NumStorageElems()
	v.data = buf[ofs : ofs+n : ofs+n]
	v.slotSteps = make([]atomic.Int64, v.stepAlloc)
	for i := range v.slotSteps {
		v.slotSteps[i].Store(int64(i))
	}
	v.dirty = make([]atomic.Bool, v.stepAlloc)
	v.allocated = true
}

// IsStorageAllocated reports whether SetStorage has run.
func (v *Var) IsStorageAllocated() bool { return v.allocated }

// ReleaseStorage drops the storage reference.
func (v *Var) ReleaseStorage() {
	v.data = nil
	v.allocated = false
}

// Fuse makes v share other's storage. The two vars must have the same dim
// set and the same folding multiples; after fusing, both handles observe the
// same data and dirty state.
func (v *Var) Fuse(other *Var) error {
	if len(v.dims) != len(other.dims) {
		return fmt.Errorf("%w: cannot fuse %q with %q: different dim sets",
			ErrConfig, v.name, other.name)
	}
	for i := range v.dims 	{
		a, b := &v.dims[i], &other.dims[i]
		if a.name != b.name || a.typ != b.typ {
			return fmt.Errorf("%w: cannot fuse %q with %q: different dim sets",
				ErrConfig, v.name, other.name)
		}
		if a.vecLen != b.vecLen {
			return fmt.Errorf("%w: cannot fuse %q with %q: fold mismatch in %q",
				ErrConfig, v.name, other.name, a.name)
		}
	}
	if !other.allocated {
		return fmt.Errorf("%w: cannot fuse %q with unallocated %q",
			ErrAllocation, v.name, other.name)
	}
	v.dims = append([]varDim(nil), other.dims...)
	v.stepAlloc = other.stepAlloc
	v.data = other.data
	v.slotSteps = other.slotSteps
	v.dirty = other.dirty
	v.allocated = true
	return nil
}

// WrapStep maps a logical step (possibly negative) to its ring slot.
func (v *Var) WrapStep(t int64) int64 {
	return IModFlr(t, v.stepAlloc)
}

// IsDirty reports whether the halo view of logical step t may be stale on
// neighbors.
func (v *Var) IsDirty(t int64) bool {
	return v.dirty[v.WrapStep(t)].Load()
}

// SetDirty sets or clears the dirty flag of logical step t. Marking a step
// dirty also establishes it in the ring: every rank marks uniformly, so
// step residency stays identical across ranks even where a rank's
// sub-domain wrote nothing.
func (v *Var) SetDirty(dirty bool, t int64) {
	slot := v.WrapStep(t)
	if dirty {
		v.slotSteps[slot].Store(t)
	}
	v.dirty[slot].Store(dirty)
}

// SetDirtyAll sets every step's dirty flag.
func (v *Var) SetDirtyAll(dirty bool) {
	for i := range v.dirty {
		v.dirty[i].Store(dirty)
	}
}

// SlotStep returns the logical step currently held by the slot for t.
func (v *Var) SlotStep(t int64) int64 {
	return v.slotSteps[v.WrapStep(t)].Load()
}

// index computes the linear element index for pt. With write set, a step
// whose slot holds a different logical step retargets the slot (ring
// advance); otherwise such access fails with ErrStaleStep. Out-of-range
// indices fail with ErrIndexOutOfRange.
func (v *Var) index(pt Tuple, write bool) (int64, error) {
	if !v.allocated {
		return 0, fmt.Errorf("%w: var %q has no storage", ErrAllocation, v.name)
	}
	idx := int64(0)
	for i := range v.dims {
		d := &v.dims[i]
		val, ok := pt.Lookup(d.name)
		if !ok {
			return 0, fmt.Errorf("%w: var %q: missing index for dim %q",
				ErrIndexOutOfRange, v.name, d.name)
		}
		var local int64
		switch d.typ {
		case StepDim:
			slot := v.WrapStep(val)
			if held := v.slotSteps[slot].Load(); held != val {
				if !write {
					return 0, fmt.Errorf("%w: var %q: step %d (slot holds %d)",
						ErrStaleStep, v.name, val, held)
				}
				v.slotSteps[slot].Store(val)
			}
			local = slot
		case DomainDim:
			first := d.rankOfs - d.leftPad
			local = val - first
			if local < 0 || local >= d.allocSize {
				return 0, fmt.Errorf("%w: var %q: %s=%d outside [%d, %d]",
					ErrIndexOutOfRange, v.name, d.name, val,
					first, first+d.allocSize-1)
			}
		case MiscDim:
			local = val - d.firstMisc
			if local < 0 || local >= d.allocSize {
				return 0, fmt.Errorf("%w: var %q: %s=%d outside [%d, %d]",
					ErrIndexOutOfRange, v.name, d.name, val, d.firstMisc, d.lastMisc)
			}
		}
		idx += local * d.stride
	}
	return idx, nil
}

// GetElem returns the element at pt. Fails with ErrIndexOutOfRange outside
// the allocation and ErrStaleStep when the step is not resident in the ring.
func (v *Var) GetElem(pt Tuple) (Real, error) {
	idx, err := v.index(pt, false)
	if err != nil {
		return 0, err
	}
	return v.data[idx], nil
}

// SetElem writes the element at pt and marks the affected step dirty. With
// strict set, invalid indices fail; otherwise out-of-range writes are
// silently ignored.
func (v *Var) SetElem(val Real, pt Tuple, strict bool) error {
	idx, err := v.index(pt, true)
	if err != nil {
		if strict {
			return err
		}
		return nil
	}
	v.data[idx] = val
	v.markDirtyAt(pt)
	return nil
}

// AddToElem adds val to the element at pt (read-modify-write) and marks the
// affected step dirty. The step must already be resident; error behavior
// otherwise matches SetElem.
func (v *Var) AddToElem(val Real, pt Tuple, strict bool) error {
	idx, err := v.index(pt, false)
	if err != nil {
		if strict {
			return err
		}
		return nil
	}
	v.data[idx] += val
	v.markDirtyAt(pt)
	return nil
}

func (v *Var) markDirtyAt(pt Tuple) {
	if v.stepPosn < 0 {
		v.dirty[0].Store(true)
		return
	}
	if t, ok := pt.Lookup(v.dims[v.stepPosn].name); ok {
		v.dirty[v.WrapStep(t)].Store(true)
	}
}

// sliceSizes validates a [first, last] slice and returns its per-dim sizes
// in the var's dim order.
func (v *Var) sliceSizes(first, last Tuple) ([]int64, error) {
	sizes := make([]int64, len(v.dims))
	for i := range v.dims {
		d := &v.dims[i]
		f, ok1 := first.Lookup(d.name)
		l, ok2 := last.Lookup(d.name)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: var %q: slice missing dim %q",
				ErrIndexOutOfRange, v.name, d.name)
		}
		if l < f {
			return nil, fmt.Errorf("%w: var %q: empty slice in %q (%d > %d)",
				ErrIndexOutOfRange, v.name, d.name, f, l)
		}
		if d.typ == DomainDim {
			if f < v.FirstLocalIndex(d.name) || l > v.LastLocalIndex(d.name) {
				return nil, fmt.Errorf("%w: var %q: slice [%d, %d] outside allocation [%d, %d] in %q",
					ErrIndexOutOfRange, v.name, f, l,
					v.FirstLocalIndex(d.name), v.LastLocalIndex(d.name), d.name)
			}
		}
		sizes[i] = l - f + 1
	}
	return sizes, nil
}

func (v *Var) visitSlice(first Tuple, sizes []int64, fn func(pt Tuple, bufIdx int64) error) error {
	pt := first.Clone()
	n := int64(1)
	for _, s := range sizes {
		n *= s
	}
	ofs := make([]int64, len(sizes))
	for bufIdx := int64(0); bufIdx < n; bufIdx++ {
		for i := range v.dims {
			pt.SetValOf(v.dims[i].name, first.ValOf(v.dims[i].name)+ofs[i])
		}
		if err := fn(pt, bufIdx); err != nil {
			return err
		}
		for i := len(ofs) - 1; i >= 0; i-- {
			ofs[i]++
			if ofs[i] < sizes[i] {
				break
			}
			ofs[i] = 0
		}
	}
	return nil
}

// GetElemsInSlice copies the inclusive hyper-rectangle [first, last] into
// buf, ordered by the var's declared dims, last dim fastest. Returns the
// number of elements copied.
func (v *Var) GetElemsInSlice(buf []Real, first, last Tuple) (int64, error) {
	sizes, err := v.sliceSizes(first, last)
	if err != nil {
		return 0, err
	}
	var count int64
	err = v.visitSlice(first, sizes, func(pt Tuple, bufIdx int64) error {
		idx, err := v.index(pt, false)
		if err != nil {
			return err
		}
		buf[bufIdx] = v.data[idx]
		count++
		return nil
	})
	return count, err
}

// SetElemsInSlice copies buf into the inclusive hyper-rectangle
// [first, last], marking dirty every step the slice covers. Returns the
// number of elements copied.
func (v *Var) SetElemsInSlice(buf []Real, first, last Tuple) (int64, error) {
	sizes, err := v.sliceSizes(first, last)
	if err != nil {
		return 0, err
	}
	var count int64
	err = v.visitSlice(first, sizes, func(pt Tuple, bufIdx int64) error {
		idx, err := v.index(pt, true)
		if err != nil {
			return err
		}
		v.data[idx] = buf[bufIdx]
		count++
		return nil
	})
	if err != nil {
		return count, err
	}
	if v.stepPosn >= 0 {
		sd := v.dims[v.stepPosn].name
		for t := first.ValOf(sd); t <= last.ValOf(sd); t++ {
			v.SetDirty(true, t)
		}
	} else {
		v.dirty[0].Store(true)
	}
	return count, nil
}

// CompareData returns the number of domain elements of v and other that
// differ by more than eps, across every step resident in v's ring. Pads
// are excluded: tiled runs write wave-front extensions into pads that a
// reference run never touches.
func (v *Var) CompareData(other *Var, eps Real) int64 {
	var errs int64
	for slot := int64(0); slot < v.stepAlloc; slot++ {
		first := NewTuple(v.DimNames()...)
		last := NewTuple(v.DimNames()...)
		for i := range v.dims {
			d := &v.dims[i]
			switch d.typ {
			case StepDim:
				first.SetValOf(d.name, v.slotSteps[slot].Load())
				last.SetValOf(d.name, v.slotSteps[slot].Load())
			case DomainDim:
				first.SetValOf(d.name, d.rankOfs)
				last.SetValOf(d.name, d.rankOfs+d.domainSize-1)
			case MiscDim:
				first.SetValOf(d.name, d.firstMisc)
				last.SetValOf(d.name, d.lastMisc)
			}
		}
		sizes, err := v.sliceSizes(first, last)
		if err != nil {
			errs++
			continue
		}
		_ = v.visitSlice(first, sizes, func(pt Tuple, _ int64) error {
			a, err1 := v.GetElem(pt)
			b, err2 := other.GetElem(pt)
			if err1 != nil || err2 != nil {
				errs++
				return nil
			}
			if d := a - b; d < -eps || d > eps {
				errs++
			}
			return nil
		})
		if !v.HasStepDim() {
			break
		}
	}
	return errs
}

// FillData sets every allocated element to val without touching dirty flags.
// Used to seed deterministic initial contents.
func (v *Var) FillData(val Real) {
	for i := range v.data {
		v.data[i] = val
	}
}
