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

	"github.com/ajroetker/go-stencil/stencil/comms"
)

// Buffer directions.
const (
	bufSend = 0
	bufRecv = 1
	nBufDirs = 2
)

// haloBuf is one packed message buffer between this rank and one neighbor
// for one var and direction. Begin/Last hold the var-dim slab indices; the
// step entry is a placeholder filled in per exchange call (exactly one step
// travels per message).
type haloBuf struct {
	name      string
	begin     Tuple // inclusive first point, var dims
	last      Tuple // inclusive last point
	numPts    Tuple // extent per var dim
	elems     []Real
	vecCopyOK bool
}

func (hb *haloBuf) size() int64 {
	if hb == nil {
		return 0
	}
	return hb.numPts.Product()
}

// varMPIData holds the per-neighbor buffer pairs and outstanding requests
// of one var.
type varMPIData struct {
	bufs     map[int64]*[nBufDirs]*haloBuf // dense neighbor index -> {send, recv}
	sendReqs map[int64]comms.Request
	recvReqs map[int64]comms.Request
}

func (vm *varMPIData) buf(dir int, idx int64) *haloBuf {
	pair := vm.bufs[idx]
	if pair == nil {
		return nil
	}
	return pair[dir]
}

func (vm *varMPIData) setBuf(dir int, idx int64, hb *haloBuf) {
	pair := vm.bufs[idx]
	if pair == nil {
		pair = &[nBufDirs]*haloBuf{}
		vm.bufs[idx] = pair
	}
	pair[dir] = hb
}

// allocMpiData determines the size and shape of every halo buffer and
// allocates them, and finalizes the MPI-interior box. Sender and receiver
// agree on shapes by construction: both run this identical geometry.
func (c *Context) allocMpiData() error {
	c.mpiData = map[string]*varMPIData{}

	// Interior starts as the whole extended box and is shaved by every
	// send slab below. Deep-copied: the shaving must not touch the
	// extended box itself.
	c.mpiInterior = BoundingBox{
		Begin: c.extBB.Begin.Clone(),
		End:   c.extBB.End.Clone(),
	}

	if c.conn.Size() < 2 {
		return nil
	}
	opts := c.Opts
	ddims := c.Dims.DomainNames

	// All diagonal neighbors within the stencil dims may exchange; with
	// wave-fronts every in-neighborhood rank is included.
	maxDist := len(ddims)

	var retErr error
	c.neighbors.visitNeighbors(func(neighOfs Tuple, neighIdx int64, neighRank int) {
		if retErr != nil || neighRank < 0 || neighRank == c.conn.Rank() {
			return
		}
		if c.neighbors.manDists[neighIdx] > maxDist {
			return
		}

		// Vectorized exchange only when both ranks have fold-multiple
		// domain sizes in every dim.
		vecOK := c.allowVecExchange &&
			c.neighbors.hasAllVlenMults[c.neighbors.myNeighborIndex] &&
			c.neighbors.hasAllVlenMults[neighIdx]

		for _, v := range c.Vars {
			if v == nil || v.IsScratch() || v.IsFixedSize() {
				continue
			}
			varVecOK := vecOK

			// Halo widths to exchange per dim: the var's halo plus the
			// total wave-front shift (every bundle's footprint shifts by
			// the angle at each WF step, so the slabs must cover it).
			myHalo := NewTuple()
			neighHalo := NewTuple()
			firstInner := NewTuple()
			lastInner := NewTuple()
			firstOuter := NewTuple()
			lastOuter := NewTuple()
			foundDelta := false

			for _, dn := range ddims {
				if !v.IsDimUsed(dn) {
					continue
				}
				vlen := v.VecLen(dn)
				lhalo := v.LeftHalo(dn)
				rhalo := v.RightHalo(dn)

				fidx := v.FirstRankDomainIndex(dn)
				lidx := v.LastRankDomainIndex(dn)
				firstInner = appendDim(firstInner, dn, fidx)
				lastInner = appendDim(lastInner, dn, lidx)

				// On global edges, extend the outer index into the halo
				// so the whole boundary view stays in sync (needed for
				// temporal tiling).
				if opts.IsFirstRank(dn) {
					fidx -= lhalo
				}
				if opts.IsLastRank(dn) {
					lidx += rhalo
				}
				firstOuter = appendDim(firstOuter, dn, fidx)
				lastOuter = appendDim(lastOuter, dn, lidx)

				// Check whether the outer indices can be rounded to vec
				// multiples without leaving the allocation.
				rfidx := RoundDownFlr(fidx, vlen)
				rlidx := RoundUpFlr(lidx+1, vlen) - 1
				if rfidx < v.FirstLocalIndex(dn) || rlidx > v.LastLocalIndex(dn) {
					varVecOK = false
				}

				ext := c.wfShiftPts.ValOf(dn)
				switch neighOfs.ValOf(dn) {
				case -1: // neighbor to the left
					myHalo = appendDim(myHalo, dn, lhalo+ext)
					neighHalo = appendDim(neighHalo, dn, rhalo+ext)
					foundDelta = true
				case +1: // neighbor to the right
					myHalo = appendDim(myHalo, dn, rhalo+ext)
					neighHalo = appendDim(neighHalo, dn, lhalo+ext)
					foundDelta = true
				default: // in-line in this dim
					myHalo = appendDim(myHalo, dn, 0)
					neighHalo = appendDim(neighHalo, dn, 0)
				}
			}

			// A var not indexed by any dim the neighbor differs in has
			// nothing to exchange with it.
			if !foundDelta {
				continue
			}

			// Round slabs out to vec multiples when the vectorized copy
			// path is usable.
			if varVecOK {
				for _, dn := range ddims {
					if !v.IsDimUsed(dn) {
						continue
					}
					vlen := v.VecLen(dn)
					firstOuter.SetValOf(dn, RoundDownFlr(firstOuter.ValOf(dn), vlen))
					lastOuter.SetValOf(dn, RoundUpFlr(lastOuter.ValOf(dn)+1, vlen)-1)
					myHalo.SetValOf(dn, RoundUp(myHalo.ValOf(dn), vlen))
					neighHalo.SetValOf(dn, RoundUp(neighHalo.ValOf(dn), vlen))
				}
			}

			for bd := 0; bd < nBufDirs; bd++ {
				copyBegin := NewTuple(v.DimNames()...)
				copyEnd := NewTuple(v.DimNames()...)
				bufVecOK := varVecOK

				for _, vdn := range v.DimNames() {
					dt, _ := c.Dims.TypeOf(vdn)
					switch dt {
					case DomainDim:
						dn := vdn
						begin := firstOuter.ValOf(dn)
						end := lastOuter.ValOf(dn) + 1
						switch {
						case bd == bufSend && neighOfs.ValOf(dn) == -1:
							// Read the first slab of my domain, as wide
							// as the neighbor's halo.
							begin = firstInner.ValOf(dn)
							end = firstInner.ValOf(dn) + neighHalo.ValOf(dn)
							c.mpiInterior.Begin.SetValOf(dn,
								max(c.mpiInterior.Begin.ValOf(dn), end))
						case bd == bufSend && neighOfs.ValOf(dn) == +1:
							// Read the last slab of my domain.
							begin = lastInner.ValOf(dn) + 1 - neighHalo.ValOf(dn)
							end = lastInner.ValOf(dn) + 1
							c.mpiInterior.End.SetValOf(dn,
								min(c.mpiInterior.End.ValOf(dn), begin))
						case bd == bufRecv && neighOfs.ValOf(dn) == -1:
							// Write my left halo.
							begin = firstInner.ValOf(dn) - myHalo.ValOf(dn)
							end = firstInner.ValOf(dn)
						case bd == bufRecv && neighOfs.ValOf(dn) == +1:
							// Write my right halo.
							begin = lastInner.ValOf(dn) + 1
							end = lastInner.ValOf(dn) + 1 + myHalo.ValOf(dn)
						}
						copyBegin.SetValOf(dn, begin)
						copyEnd.SetValOf(dn, end)
						if (copyEnd.ValOf(dn)-copyBegin.ValOf(dn))%v.VecLen(dn) != 0 ||
							IModFlr(copyBegin.ValOf(dn), v.VecLen(dn)) != 0 {
							bufVecOK = false
						}
					case StepDim:
						// One step per message; actual value set at
						// exchange time.
						copyBegin.SetValOf(vdn, 0)
						copyEnd.SetValOf(vdn, 1)
					case MiscDim:
						// Whole extent always travels.
						copyBegin.SetValOf(vdn, v.FirstMiscIndex(vdn))
						copyEnd.SetValOf(vdn, v.LastMiscIndex(vdn)+1)
					}
				}

				numPts := copyEnd.SubElements(copyBegin)
				if numPts.Product() <= 0 {
					continue
				}

				dirName := "send"
				if bd == bufRecv {
					dirName = "recv"
				}
				hb := &haloBuf{
					name: fmt.Sprintf("%s_%s_halo_rank_%d_to_%d",
						v.Name(), dirName, c.conn.Rank(), neighRank),
					begin:     copyBegin,
					last:      copyEnd.AddConst(-1),
					numPts:    numPts,
					vecCopyOK: bufVecOK,
				}
				hb.elems = make([]Real, hb.size())

				vm := c.mpiData[v.Name()]
				if vm == nil {
					vm = &varMPIData{
						bufs:     map[int64]*[nBufDirs]*haloBuf{},
						sendReqs: map[int64]comms.Request{},
						recvReqs: map[int64]comms.Request{},
					}
					c.mpiData[v.Name()] = vm
				}
				vm.setBuf(bd, neighIdx, hb)
				c.log.Debug("halo buffer configured",
					"buf", hb.name, "points", hb.numPts.ValStr(" * "),
					"vec_copy", hb.vecCopyOK)
			}
		}
	})
	if retErr != nil {
		return retErr
	}

	if c.conn.Size() > 1 && opts.OverlapComms {
		c.mpiInterior.Update("interior", c, true)
		c.log.Debug("MPI interior box",
			"begin", c.mpiInterior.Begin.String(),
			"end", c.mpiInterior.End.String())
	}
	return nil
}

func appendDim(t Tuple, name string, val int64) Tuple {
	out := Tuple{
		names: append(t.names, name),
		vals:  append(t.vals, val),
	}
	return out
}

// varTag returns the message tag of var v: its position in the declared var
// list, which is identical on every rank.
func (c *Context) varTag(v *Var) int {
	for i, vv := range c.Vars {
		if vv == v {
			return i
		}
	}
	return -1
}

// dirtySteps returns the logical steps of v whose halos are dirty, in
// ascending order.
func (v *Var) dirtySteps() []int64 {
	var steps []int64
	for slot := int64(0); slot < v.stepAlloc; slot++ {
		if v.dirty[slot].Load() {
			steps = append(steps, v.slotSteps[slot].Load())
		}
	}
	for i := 1; i < len(steps); i++ {
		for j := i; j > 0 && steps[j-1] > steps[j]; j-- {
			steps[j-1], steps[j] = steps[j], steps[j-1]
		}
	}
	return steps
}

// exchangeHalos swaps every dirty (var, step) pair with the relevant
// neighbors. With testOnly, it only polls outstanding requests to promote
// substrate progress from interior compute.
//
// Per (var, step) the sequence is: post receives; pack and post sends; wait
// and unpack receives; wait on sends and clear the dirty flag. Without
// comms/compute overlap all four phases run here; with overlap, the first
// two run in the call following the exterior pass (doMpiExterior) and the
// last two in the call following the interior pass (doMpiInterior).
func (c *Context) exchangeHalos(testOnly bool) error {
	if !c.enableHaloExchange || c.conn.Size() < 2 {
		return nil
	}
	c.haloTime.Start()
	defer c.haloTime.Stop()

	if testOnly {
		// Poll all outstanding requests once.
		for _, vname := range c.varNamesWithMPIData() {
			vm := c.mpiData[vname]
			for _, r := range vm.recvReqs {
				if r != nil {
					if _, err := c.conn.Test(r); err != nil {
						return fmt.Errorf("%w: testing receive: %v", ErrMessaging, err)
					}
				}
			}
			for _, r := range vm.sendReqs {
				if r != nil {
					if _, err := c.conn.Test(r); err != nil {
						return fmt.Errorf("%w: testing send: %v", ErrMessaging, err)
					}
				}
			}
		}
		return nil
	}

	// Build the deterministic ordered list of (var, steps) to swap:
	// packs in declared order, their bundles, their prerequisite scratch
	// bundles, then all their input vars and each dirty allocated step.
	// Every rank computes the identical list.
	type swapEntry struct {
		v     *Var
		steps []int64
	}
	var toSwap []swapEntry
	seen := map[*Var]int{}
	maxSteps := 0
	for _, p := range c.Packs {
		for _, b := range p.Bundles {
			for _, rb := range b.ReqdBundles() {
				for _, v := range rb.InputVars {
					if v.IsScratch() {
						continue
					}
					if _, ok := c.mpiData[v.Name()]; !ok {
						continue
					}
					if _, ok := seen[v]; ok {
						continue
					}
					steps := v.dirtySteps()
					if len(steps) == 0 {
						continue
					}
					// Only one step per var may be in flight when
					// overlapping comms with compute: there is a single
					// buffer per (var, neighbor).
					if (!c.doMpiExterior || !c.doMpiInterior) && len(steps) > 1 {
						return fmt.Errorf("%w: %d dirty steps for var %q with overlap enabled",
							ErrInternal, len(steps), v.Name())
					}
					seen[v] = len(toSwap)
					toSwap = append(toSwap, swapEntry{v: v, steps: steps})
					maxSteps = max(maxSteps, len(steps))
				}
			}
		}
	}

	// Phases to run now depend on which part of the compute just
	// finished.
	type haloPhase int
	const (
		haloIrecv haloPhase = iota
		haloPackIsend
		haloUnpack
		haloFinal
	)
	var phases []haloPhase
	if c.doMpiExterior {
		phases = append(phases, haloIrecv, haloPackIsend)
	}
	if c.doMpiInterior {
		phases = append(phases, haloUnpack, haloFinal)
	}

	// The step loop is outermost: one buffer per var means one step can
	// be in flight per var at a time.
	for svi := 0; svi < maxSteps; svi++ {
		for _, ph := range phases {
			for _, se := range toSwap {
				if len(se.steps) <= svi {
					continue
				}
				t := se.steps[svi]
				v := se.v
				vm := c.mpiData[v.Name()]
				tag := c.varTag(v)

				var phaseErr error
				c.neighbors.visitNeighbors(func(_ Tuple, ni int64, neighRank int) {
					if phaseErr != nil || neighRank < 0 || neighRank == c.conn.Rank() {
						return
					}
					sendBuf := vm.buf(bufSend, ni)
					recvBuf := vm.buf(bufRecv, ni)

					switch ph {
					case haloIrecv:
						if recvBuf.size() == 0 {
							return
						}
						r, err := c.conn.Irecv(recvBuf.elems, neighRank, tag)
						if err != nil {
							phaseErr = fmt.Errorf("%w: posting receive for %q: %v",
								ErrMessaging, v.Name(), err)
							return
						}
						vm.recvReqs[ni] = r

					case haloPackIsend:
						if sendBuf.size() == 0 {
							return
						}
						first, last := sendBuf.begin.Clone(), sendBuf.last.Clone()
						if v.HasStepDim() {
							first.SetValOf(c.Dims.StepName, t)
							last.SetValOf(c.Dims.StepName, t)
						}
						if _, err := v.GetElemsInSlice(sendBuf.elems, first, last); err != nil {
							phaseErr = fmt.Errorf("packing halo for %q: %w", v.Name(), err)
							return
						}
						r, err := c.conn.Isend(sendBuf.elems, neighRank, tag)
						if err != nil {
							phaseErr = fmt.Errorf("%w: posting send for %q: %v",
								ErrMessaging, v.Name(), err)
							return
						}
						vm.sendReqs[ni] = r

					case haloUnpack:
						if recvBuf.size() == 0 {
							return
						}
						if r := vm.recvReqs[ni]; r != nil {
							c.waitTime.Start()
							err := c.conn.Wait(r)
							c.waitTime.Stop()
							if err != nil {
								phaseErr = fmt.Errorf("%w: waiting for receive for %q: %v",
									ErrMessaging, v.Name(), err)
								return
							}
							vm.recvReqs[ni] = nil
						}
						first, last := recvBuf.begin.Clone(), recvBuf.last.Clone()
						if v.HasStepDim() {
							first.SetValOf(c.Dims.StepName, t)
							last.SetValOf(c.Dims.StepName, t)
						}
						if _, err := v.SetElemsInSlice(recvBuf.elems, first, last); err != nil {
							phaseErr = fmt.Errorf("unpacking halo for %q: %w", v.Name(), err)
							return
						}

					case haloFinal:
						if sendBuf.size() != 0 {
							if r := vm.sendReqs[ni]; r != nil {
								c.waitTime.Start()
								err := c.conn.Wait(r)
								c.waitTime.Stop()
								if err != nil {
									phaseErr = fmt.Errorf("%w: waiting for send for %q: %v",
										ErrMessaging, v.Name(), err)
									return
								}
								vm.sendReqs[ni] = nil
							}
						}
					}
				})
				if phaseErr != nil {
					return phaseErr
				}

				// The pair is clean once every neighbor transaction for
				// it has finished.
				if ph == haloFinal && v.IsDirty(t) {
					v.SetDirty(false, t)
					c.log.Debug("halo clean", "var", v.Name(), "step", t)
				}
			}
		}
	}
	return nil
}

func (c *Context) varNamesWithMPIData() []string {
	var names []string
	for _, v := range c.Vars {
		if _, ok := c.mpiData[v.Name()]; ok {
			names = append(names, v.Name())
		}
	}
	return names
}
