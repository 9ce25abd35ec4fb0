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
	"io"
	"log/slog"

	"github.com/ajroetker/go-stencil/stencil/comms"
	"github.com/ajroetker/go-stencil/stencil/parallel"
)

// Context owns one solution: the frozen dim and var tables handed over by
// the stencil compiler, the settings, the rank geometry, and all run state.
// Everything the scheduler needs is a field here; nothing is read from
// globals, so independent contexts can run side by side (one per rank in
// the in-process tests).
type Context struct {
	Name string
	Dims *Dims
	Opts *Settings

	conn comms.Conn
	log  *slog.Logger
	pool *parallel.Pool

	Vars       []*Var // declared order; identical on every rank
	outputVars []*Var
	Packs      []*Pack

	scratchTmpls []*Var
	scratchVars  map[string][]*Var // template name -> per-outer-thread instances

	rankBB      BoundingBox
	extBB       BoundingBox
	mpiInterior BoundingBox

	rankDomainOfs Tuple
	overallDomain Tuple
	maxHalos      Tuple

	wfSteps     int64
	numWfShifts int64
	wfAngles    Tuple
	wfShiftPts  Tuple
	leftWfExts  Tuple
	rightWfExts Tuple

	tbSteps     int64
	numTbShifts int64
	tbAngles    Tuple
	mbAngles    Tuple
	tbWidths    Tuple
	tbTops      Tuple

	usePackTuners bool
	tuners        []*AutoTuner

	neighbors *mpiInfo
	mpiData   map[string]*varMPIData

	enableHaloExchange bool
	allowVecExchange   bool
	doMpiExterior      bool
	doMpiInterior      bool

	runTime  Timer
	extTime  Timer
	intTime  Timer
	haloTime Timer
	waitTime Timer

	stepsDone int64
	prepared  bool
}

// NewContext creates a context for one rank. conn may be nil for a
// single-rank run; logger may be nil for default logging. Only the
// configured message rank logs; all other ranks discard.
func NewContext(name string, d *Dims, opts *Settings, conn comms.Conn, logger *slog.Logger) *Context {
	if conn == nil {
		conn = comms.Single()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if conn.Rank() != opts.MsgRank {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Context{
		Name:               name,
		Dims:               d,
		Opts:               opts,
		conn:               conn,
		log:                logger,
		scratchVars:        map[string][]*Var{},
		enableHaloExchange: true,
		allowVecExchange:   true,
		doMpiExterior:      true,
		doMpiInterior:      true,
	}
}

// Logger returns the context's logger (a discard logger off the msg rank).
func (c *Context) Logger() *slog.Logger { return c.log }

// Conn returns the messaging connection.
func (c *Context) Conn() comms.Conn { return c.conn }

// AddVar registers a non-scratch var; isOutput marks vars written by any
// bundle. Declaration order must match on every rank (it determines halo
// message tags).
func (c *Context) AddVar(v *Var, isOutput bool) {
	c.Vars = append(c.Vars, v)
	if isOutput {
		c.outputVars = append(c.outputVars, v)
	}
}

// AddScratchVar registers a scratch-var template; one instance per outer
// worker thread is created at allocation time.
func (c *Context) AddScratchVar(tmpl *Var) {
	tmpl.SetScratch(true)
	c.scratchTmpls = append(c.scratchTmpls, tmpl)
}

// AddPack appends a pack; packs are evaluated in the order added.
func (c *Context) AddPack(p *Pack) {
	c.Packs = append(c.Packs, p)
}

// VarByName returns the named non-scratch var, or nil.
func (c *Context) VarByName(name string) *Var {
	for _, v := range c.Vars {
		if v.Name() == name {
			return v
		}
	}
	return nil
}

// ScratchVar returns the named scratch var instance of one outer worker
// thread. Kernels call this with the thread index they were given.
func (c *Context) ScratchVar(name string, thread int) *Var {
	insts := c.scratchVars[name]
	if insts == nil {
		panic(fmt.Sprintf("stencil: no scratch var %q", name))
	}
	return insts[thread%len(insts)]
}

// RankBB returns the rank's domain box.
func (c *Context) RankBB() *BoundingBox { return &c.rankBB }

// ExtBB returns the rank's wave-front-extended box.
func (c *Context) ExtBB() *BoundingBox { return &c.extBB }

// MPIInterior returns the interior box (valid only with overlap enabled
// and more than one rank).
func (c *Context) MPIInterior() *BoundingBox { return &c.mpiInterior }

// PrepareSolution freezes the tables, sets up the rank geometry, computes
// step-ring sizes and bounding boxes, and allocates var, scratch, and halo
// storage. It must run on every rank before RunSolution.
func (c *Context) PrepareSolution() error {
	// Don't continue until all ranks are this far.
	if err := c.conn.Barrier(); err != nil {
		return fmt.Errorf("%w: startup barrier: %v", ErrMessaging, err)
	}

	c.clearTimers()
	c.Opts.Adjust(c.Dims)
	if err := c.Opts.Validate(c.Dims); err != nil {
		return err
	}

	// Every pack gets its own settings copy; per-pack auto-tuners mutate
	// them independently.
	for _, p := range c.Packs {
		p.localSettings = c.Opts.Clone()
	}

	if c.pool == nil {
		c.pool = parallel.New(c.Opts.NumRegionThreads(), c.Opts.NumBlockThreads())
	}
	c.log.Info("preparing solution",
		"name", c.Name,
		"region_threads", c.pool.OuterThreads(),
		"block_threads", c.pool.InnerThreads())

	// Size the step rings from the halo tables before any allocation.
	for _, v := range c.Vars {
		if !v.HasStepDim() || v.IsFixedSize() {
			continue
		}
		sdi := computeStepInfo(v, c.Packs, c.Opts.StepAlloc)
		if v.StepAlloc() < sdi.StepDimSize {
			v.SetStepAlloc(sdi.StepDimSize)
		}
		if c.Opts.StepAlloc > 0 {
			v.SetStepAlloc(c.Opts.StepAlloc)
		}
	}

	if err := c.setupRank(); err != nil {
		return err
	}

	if err := allocVarData(c.Vars, "var", c.log); err != nil {
		return err
	}
	if err := c.allocScratchData(); err != nil {
		return err
	}
	if err := c.allocMpiData(); err != nil {
		return err
	}

	c.initTuners()
	c.printInfo()
	c.prepared = true
	return nil
}

// RunSolution advances the solution from first to last step inclusive
// using the full tiled traversal. Direction follows the sign of
// last-first; each outer iteration covers one wave-front chunk.
func (c *Context) RunSolution(firstStep, lastStep int64) error {
	if !c.prepared {
		return fmt.Errorf("%w: RunSolution called before PrepareSolution", ErrConfig)
	}
	c.runTime.Start()
	defer c.runTime.Stop()

	stepDir := int64(1)
	if lastStep < firstStep {
		stepDir = -1
	}
	beginT := firstStep
	stepT := max(c.wfSteps, 1) * stepDir
	endT := lastStep + stepDir

	if c.extBB.Size < 1 {
		c.log.Debug("nothing to do in solution")
		return nil
	}

	// Rank bounds: the extended box plus, on edges with no right
	// neighbor, room for the whole wave-front shift.
	rankIdxs := NewScanIndices(c.Dims)
	rankIdxs.Begin.SetVals(c.extBB.Begin, false)
	rankIdxs.Begin.SetVal(StepPosn, beginT)
	rankIdxs.End.SetVals(c.extBB.End, false)
	rankIdxs.End.SetVal(StepPosn, endT)
	rankIdxs.Stride = c.Opts.RegionSizes.Clone()
	rankIdxs.Stride.SetVal(StepPosn, stepT)

	if c.wfSteps > 0 {
		for _, dn := range c.Dims.DomainNames {
			// Extensions exist between ranks; the right-most rank in
			// each dim adjusts its end instead.
			if c.rightWfExts.ValOf(dn) == 0 {
				rankIdxs.End.SetValOf(dn, rankIdxs.End.ValOf(dn)+c.wfShiftPts.ValOf(dn))
			}
			// A region that already covers the whole rank must stay a
			// single region after the adjustment.
			if c.Opts.RegionSizes.ValOf(dn) >= c.Opts.RankSizes.ValOf(dn) {
				rankIdxs.Stride.SetValOf(dn,
					rankIdxs.End.ValOf(dn)-rankIdxs.Begin.ValOf(dn))
			}
		}
	}

	if err := c.exchangeHalos(false); err != nil {
		return err
	}

	numT := CeilDiv(absI(endT-beginT), absI(stepT))
	for indexT := int64(0); indexT < numT; indexT++ {
		startT := beginT + indexT*stepT
		stopT := startT + stepT
		if stepT > 0 {
			stopT = min(stopT, endT)
		} else {
			stopT = max(stopT, endT)
		}
		thisNumT := absI(stopT - startT)

		rankIdxs.Index.SetVal(StepPosn, indexT)
		rankIdxs.Start.SetVal(StepPosn, startT)
		rankIdxs.Stop.SetVal(StepPosn, stopT)

		if c.wfSteps == 0 {
			// No wave-front: one pack at a time through the region
			// traversal, with the optional two-pass comm overlap.
			for _, bp := range c.Packs {
				if !bp.IsInValidStep(startT) {
					continue
				}
				for pass := 0; pass < 2; pass++ {
					if c.mpiInterior.Valid {
						c.doMpiExterior = pass == 0
						c.doMpiInterior = pass == 1
					} else {
						c.doMpiExterior = true
						c.doMpiInterior = true
						if pass > 0 {
							break
						}
					}
					c.forRegions(bp, rankIdxs)
					if err := c.exchangeHalos(false); err != nil {
						return err
					}
				}
				c.doMpiExterior = true
				c.doMpiInterior = true
			}
		} else {
			// Wave-front: all packs in one region traversal, then swap
			// the dirty halos.
			c.forRegions(nil, rankIdxs)
			if err := c.exchangeHalos(false); err != nil {
				return err
			}
		}

		c.stepsDone += thisNumT
		for _, bp := range c.Packs {
			var packSteps int64
			for t := startT; t != stopT; t += stepDir {
				if bp.IsInValidStep(t) {
					packSteps++
				}
			}
			bp.AddSteps(packSteps)
		}

		c.evalTuners(thisNumT)
	}

	// Leave every rank with a clean view.
	return c.exchangeHalos(false)
}

// forRegions walks the regions of the rank serially, invoking the region
// traversal for each. Blocks within a region run in parallel; regions
// don't, because successive regions overlap through their skewed edges.
func (c *Context) forRegions(selPack *Pack, rankIdxs ScanIndices) {
	visitTiles(rankIdxs, c.Dims, func(tile ScanIndices) {
		c.calcRegion(selPack, tile)
	})
}

// RunRef advances the solution from first to last step inclusive with the
// reference scalar path: every bundle point-by-point over its box, one
// step at a time, full halo exchange between steps. Produces bit-identical
// results to RunSolution from the same initial state.
func (c *Context) RunRef(firstStep, lastStep int64) error {
	if !c.prepared {
		return fmt.Errorf("%w: RunRef called before PrepareSolution", ErrConfig)
	}
	c.runTime.Start()
	defer c.runTime.Stop()

	stepDir := int64(1)
	if lastStep < firstStep {
		stepDir = -1
	}
	beginT := firstStep
	endT := lastStep + stepDir

	// Scratch vars must cover the whole rank: force block sizes up and
	// reallocate them. Temporal tiling is never used in the ref path.
	for _, dn := range c.Dims.DomainNames {
		c.Opts.RegionSizes.SetValOf(dn, c.Opts.RankSizes.ValOf(dn))
		c.Opts.BlockSizes.SetValOf(dn, c.Opts.RankSizes.ValOf(dn))
	}
	c.Opts.Adjust(c.Dims)
	for _, p := range c.Packs {
		p.localSettings = c.Opts.Clone()
	}
	if err := c.reallocScratchData(); err != nil {
		return err
	}

	if err := c.exchangeHalos(false); err != nil {
		return err
	}

	numT := absI(endT - beginT)
	for indexT := int64(0); indexT < numT; indexT++ {
		startT := beginT + indexT*stepDir

		for _, p := range c.Packs {
			for _, b := range p.Bundles {
				if !b.IsInValidStep(startT) {
					continue
				}
				if err := c.exchangeHalos(false); err != nil {
					return err
				}

				for _, rb := range b.ReqdBundles() {
					c.refBundle(rb, startT)
				}
				c.markVarsDirty(nil, startT, startT+stepDir)
			}
		}
	}
	c.stepsDone += numT

	return c.exchangeHalos(false)
}

// refBundle evaluates one bundle over the rank box (or, for scratch
// bundles, the rank box extended by their halos) in scalar point order.
func (c *Context) refBundle(b *BundleDef, t int64) {
	begin := c.rankBB.Begin.Clone()
	end := c.rankBB.End.Clone()
	if b.Scratch {
		c.updateScratchVarInfo(0, begin)
		for _, dn := range c.Dims.DomainNames {
			lh, rh := b.scratchHalos(dn)
			begin.SetValOf(dn, begin.ValOf(dn)-lh)
			end.SetValOf(dn, end.ValOf(dn)+rh)
		}
	}
	pt := c.Dims.StencilTuple()
	pt.SetVal(StepPosn, t)
	end.SubElements(begin).VisitAllPoints(func(ofs Tuple, _ int64) bool {
		for _, dn := range c.Dims.DomainNames {
			pt.SetValOf(dn, begin.ValOf(dn)+ofs.ValOf(dn))
		}
		if b.IsInValidDomain(pt) {
			b.Point(c, 0, pt)
		}
		return true
	})
}

// CompareData compares every non-scratch var with its same-named
// counterpart in ref, returning the total mismatch count.
func (c *Context) CompareData(ref *Context, eps Real) int64 {
	var errs int64
	for _, v := range c.Vars {
		rv := ref.VarByName(v.Name())
		if rv == nil {
			errs++
			continue
		}
		if n := v.CompareData(rv, eps); n > 0 {
			c.log.Info("var mismatch", "var", v.Name(), "errors", n)
			errs += n
		}
	}
	return errs
}

// InitValues seeds every non-scratch var with a deterministic per-var
// constant pattern.
func (c *Context) InitValues() {
	seed := Real(0.1)
	for _, v := range c.Vars {
		v.FillData(seed)
		seed += 0.01
	}
}

// EndSolution performs the final halo exchange and releases storage.
func (c *Context) EndSolution() error {
	err := c.exchangeHalos(false)
	c.mpiData = nil
	for _, v := range c.Vars {
		v.ReleaseStorage()
	}
	for _, insts := range c.scratchVars {
		for _, v := range insts {
			v.ReleaseStorage()
		}
	}
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
	return err
}

func (c *Context) clearTimers() {
	c.runTime.Clear()
	c.extTime.Clear()
	c.intTime.Clear()
	c.haloTime.Clear()
	c.waitTime.Clear()
	c.stepsDone = 0
	for _, p := range c.Packs {
		p.timer.Clear()
		p.stepsDone = 0
	}
}

// Stats is a snapshot of the run counters.
type Stats struct {
	StepsDone     int64
	DomainPts     int64 // rank domain points per step
	PtsUpdated    int64 // points written per step (sum over bundles)
	EstFpOps      int64 // estimated FP ops per step
	BytesAlloced  int64
	RunSecs       float64
	HaloSecs      float64
	WaitSecs      float64
	ExteriorSecs  float64
	InteriorSecs  float64
	PackSteps     map[string]int64
	PackSecs      map[string]float64
}

// RunStats returns the current counters.
func (c *Context) RunStats() Stats {
	st := Stats{
		StepsDone:    c.stepsDone,
		DomainPts:    c.rankBB.Size,
		RunSecs:      c.runTime.Elapsed(),
		HaloSecs:     c.haloTime.Elapsed(),
		WaitSecs:     c.waitTime.Elapsed(),
		ExteriorSecs: c.extTime.Elapsed(),
		InteriorSecs: c.intTime.Elapsed(),
		PackSteps:    map[string]int64{},
		PackSecs:     map[string]float64{},
	}
	for _, v := range c.Vars {
		if v.IsStorageAllocated() {
			st.BytesAlloced += v.NumStorageBytes()
		}
	}
	for _, p := range c.Packs {
		st.PackSteps[p.PackName] = p.StepsDone()
		st.PackSecs[p.PackName] = p.timer.Elapsed()
		for _, b := range p.Bundles {
			st.PtsUpdated += b.bb.NumPoints * int64(len(b.OutputVars))
			st.EstFpOps += b.bb.NumPoints * b.EstFpOps
		}
	}
	return st
}

// printInfo logs the setup report on the message rank: work-unit sizes from
// smallest to largest plus the temporal-tiling geometry.
func (c *Context) printInfo() {
	c.log.Info("solution geometry",
		"name", c.Name,
		"fold", c.Dims.FoldPts.ValStr(" * "),
		"cluster", c.Dims.ClusterPts.ValStr(" * "),
		"sub_block", c.Opts.SubBlockSizes.ValStr(" * "),
		"mini_block", c.Opts.MiniBlockSizes.ValStr(" * "),
		"block", c.Opts.BlockSizes.ValStr(" * "),
		"region", c.Opts.RegionSizes.ValStr(" * "),
		"rank_domain", c.Opts.RankSizes.ValStr(" * "),
		"overall_domain", c.overallDomain.ValStr(" * "),
		"max_halos", c.maxHalos.String(),
	)
	c.log.Info("temporal tiling",
		"wf_steps", c.wfSteps,
		"wf_angles", c.wfAngles.String(),
		"num_wf_shifts", c.numWfShifts,
		"wf_shift_pts", c.wfShiftPts.String(),
		"left_wf_exts", c.leftWfExts.String(),
		"right_wf_exts", c.rightWfExts.String(),
		"tb_steps", c.tbSteps,
		"tb_angles", c.tbAngles.String(),
		"num_tb_shifts", c.numTbShifts,
		"tb_widths", c.tbWidths.String(),
		"tb_tops", c.tbTops.String(),
		"mb_angles", c.mbAngles.String(),
	)
	st := c.RunStats()
	c.log.Info("allocation", "bytes", st.BytesAlloced)
}
