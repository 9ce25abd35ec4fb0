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

import "time"

// AutoTuner searches for faster block sizes while the solution steps. It is
// an observer: it may change tile-size settings between steps but never
// touches var contents, so results are unaffected. One tuner runs per pack
// when packs can have independent sizes (no temporal blocking); otherwise a
// single tuner adjusts the context-wide settings.
type AutoTuner struct {
	ctx    *Context
	pack   *Pack     // nil: tunes the context-wide settings
	target *Settings // the settings copy being mutated

	done   bool
	radius int64

	bestRate  float64
	bestBlock Tuple

	candidates []Tuple
	candIdx    int

	trialSteps int64
	trialStart time.Time
	warmed     bool
}

const tunerMinTrialSteps = 2

func newAutoTuner(c *Context, p *Pack) *AutoTuner {
	target := c.Opts
	if p != nil {
		target = p.ActiveSettings()
	}
	at := &AutoTuner{
		ctx:       c,
		pack:      p,
		target:    target,
		radius:    8,
		bestBlock: blockOf(target, c.Dims),
	}
	at.fillCandidates()
	return at
}

func blockOf(s *Settings, d *Dims) Tuple {
	b := d.DomainTuple()
	b.SetVals(s.BlockSizes, false)
	return b
}

// initTuners creates the tuners when auto-tuning is enabled: one per pack
// when tb_steps == 0 and there are multiple packs, else one for the whole
// context.
func (c *Context) initTuners() {
	c.tuners = nil
	if !c.Opts.AutoTune {
		return
	}
	if c.usePackTuners {
		for _, p := range c.Packs {
			c.tuners = append(c.tuners, newAutoTuner(c, p))
		}
	} else {
		c.tuners = append(c.tuners, newAutoTuner(c, nil))
	}
}

// evalTuners feeds the tuners after each wave-front chunk.
func (c *Context) evalTuners(numSteps int64) {
	for _, at := range c.tuners {
		at.eval(numSteps)
	}
}

// fillCandidates enumerates the neighbors of the best block at the current
// radius: each domain dim scaled up or down by radius folds, clamped to
// [fold, region].
func (at *AutoTuner) fillCandidates() {
	at.candidates = at.candidates[:0]
	at.candIdx = 0
	d := at.ctx.Dims
	for _, dn := range d.DomainNames {
		fold := d.FoldPts.ValOf(dn)
		lo := fold
		hi := at.target.RegionSizes.ValOf(dn)
		for _, delta := range []int64{at.radius, -at.radius} {
			cand := at.bestBlock.Clone()
			v := cand.ValOf(dn) + delta*fold
			v = max(lo, min(v, hi))
			if v == at.bestBlock.ValOf(dn) {
				continue
			}
			cand.SetValOf(dn, v)
			at.candidates = append(at.candidates, cand)
		}
	}
}

// eval accounts one chunk of steps; at trial boundaries it scores the
// current candidate and moves the search along, halving the radius when a
// neighborhood is exhausted without improvement.
func (at *AutoTuner) eval(numSteps int64) {
	if at.done {
		return
	}
	if !at.warmed {
		// First chunk warms caches and threads; don't score it.
		at.warmed = true
		at.trialStart = time.Now()
		at.trialSteps = 0
		return
	}
	at.trialSteps += numSteps
	if at.trialSteps < tunerMinTrialSteps {
		return
	}

	secs := time.Since(at.trialStart).Seconds()
	rate := float64(at.trialSteps) / max(secs, 1e-9)
	if rate > at.bestRate {
		at.bestRate = rate
		at.bestBlock = blockOf(at.target, at.ctx.Dims)
		// A better point recenters the search at the current radius.
		at.fillCandidates()
	}

	// Try the next candidate, or shrink the radius.
	for at.candIdx >= len(at.candidates) {
		at.radius /= 2
		if at.radius == 0 {
			at.apply(at.bestBlock)
			at.done = true
			at.ctx.log.Info("auto-tuner done",
				"pack", at.packName(),
				"block", at.bestBlock.ValStr(" * "),
				"steps_per_sec", at.bestRate)
			return
		}
		at.fillCandidates()
		if len(at.candidates) == 0 {
			continue
		}
	}
	at.apply(at.candidates[at.candIdx])
	at.candIdx++
	at.trialSteps = 0
	at.trialStart = time.Now()
}

func (at *AutoTuner) packName() string {
	if at.pack != nil {
		return at.pack.PackName
	}
	return "(all)"
}

// apply installs a block size into the target settings, re-derives the
// dependent sizes and temporal-block geometry, and resizes the scratch
// vars. Var contents are untouched.
func (at *AutoTuner) apply(block Tuple) {
	for _, dn := range at.ctx.Dims.DomainNames {
		at.target.BlockSizes.SetValOf(dn, block.ValOf(dn))
		// Drop the finer levels so Adjust re-derives them.
		at.target.MiniBlockSizes.SetValOf(dn, 0)
		at.target.SubBlockSizes.SetValOf(dn, 0)
		at.target.BlockGroupSizes.SetValOf(dn, 0)
		at.target.MiniBlockGroupSizes.SetValOf(dn, 0)
		at.target.SubBlockGroupSizes.SetValOf(dn, 0)
	}
	at.target.Adjust(at.ctx.Dims)
	if at.pack == nil {
		// A context-wide tuner feeds every pack's working copy; the
		// traversal reads sizes from those.
		for _, p := range at.ctx.Packs {
			p.localSettings = at.target.Clone()
		}
		at.ctx.updateTBInfo()
	}
	if err := at.ctx.reallocScratchData(); err != nil {
		at.ctx.log.Error("scratch realloc failed during tuning", "err", err)
		at.done = true
	}
}

// IsAutoTunerEnabled reports whether any tuner is still searching.
func (c *Context) IsAutoTunerEnabled() bool {
	for _, at := range c.tuners {
		if !at.done {
			return true
		}
	}
	return false
}

// ResetAutoTuner restarts (or disables) tuning.
func (c *Context) ResetAutoTuner(enable bool) {
	c.Opts.AutoTune = enable
	c.initTuners()
}

// RunAutoTunerNow runs an exclusive tuning pass: the solution is stepped in
// wave-front chunks until every tuner converges (or a trial cap is hit).
// Var contents advance like a normal run.
func (c *Context) RunAutoTunerNow() error {
	if len(c.tuners) == 0 {
		c.ResetAutoTuner(true)
	}
	chunk := max(c.wfSteps, 1)
	t := c.stepsDone
	const maxTrials = 100
	for trial := 0; trial < maxTrials && c.IsAutoTunerEnabled(); trial++ {
		if err := c.RunSolution(t, t+chunk-1); err != nil {
			return err
		}
		t += chunk
	}
	return nil
}
