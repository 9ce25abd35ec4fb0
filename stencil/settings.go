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
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Settings holds every run-time knob of the engine. Per-dim sizes are
// tuples: rank/pad sizes over the domain dims, tile sizes over the stencil
// dims, where the step entry of RegionSizes carries the wave-front depth
// (wf_steps) and the step entry of BlockSizes carries the temporal-block
// depth (tb_steps).
//
// A zero in any spatial size means "same as the enclosing level", which
// disables tiling at that level in that dim. Adjust resolves the zeros.
type Settings struct {
	NumRanks    Tuple // ranks per domain dim
	RankIndices Tuple // this rank's coordinates
	FindLoc     bool  // derive RankIndices from the rank id

	RankSizes      Tuple // domain dims
	RegionSizes    Tuple // stencil dims; step entry = wf_steps
	BlockSizes     Tuple // stencil dims; step entry = tb_steps
	MiniBlockSizes Tuple // stencil dims; step entry always 1
	SubBlockSizes  Tuple // stencil dims; step entry always 1

	BlockGroupSizes     Tuple // iteration-order hints; zero = block size
	MiniBlockGroupSizes Tuple
	SubBlockGroupSizes  Tuple

	MinPadSizes   Tuple // domain dims
	ExtraPadSizes Tuple // domain dims

	// StepAlloc overrides the computed step-dim ring size when positive.
	StepAlloc int64

	MaxThreads    int // total worker threads; 0 = GOMAXPROCS
	ThreadDivisor int // divide MaxThreads by this; 0 = 1
	BlockThreads  int // inner (per-block) threads; 0 = 1

	MsgRank      int  // rank that emits log output
	OverlapComms bool // overlap halo exchange with interior compute

	AutoTune bool // run the auto-tuner silently during stepping
}

// NewSettings returns defaults for dims: one rank, rank size 1 per dim, all
// tile sizes zero (whole enclosing level), pads zero.
func NewSettings(d *Dims) *Settings {
	s := &Settings{
		NumRanks:            d.DomainTuple(),
		RankIndices:         d.DomainTuple(),
		FindLoc:             true,
		RankSizes:           d.DomainTuple(),
		RegionSizes:         d.StencilTuple(),
		BlockSizes:          d.StencilTuple(),
		MiniBlockSizes:      d.StencilTuple(),
		SubBlockSizes:       d.StencilTuple(),
		BlockGroupSizes:     d.StencilTuple(),
		MiniBlockGroupSizes: d.StencilTuple(),
		SubBlockGroupSizes:  d.StencilTuple(),
		MinPadSizes:         d.DomainTuple(),
		ExtraPadSizes:       d.DomainTuple(),
	}
	s.NumRanks.SetValsSame(1)
	s.RankSizes.SetValsSame(1)
	return s
}

// Clone returns a deep copy.
func (s *Settings) Clone() *Settings {
	c := *s
	c.NumRanks = s.NumRanks.Clone()
	c.RankIndices = s.RankIndices.Clone()
	c.RankSizes = s.RankSizes.Clone()
	c.RegionSizes = s.RegionSizes.Clone()
	c.BlockSizes = s.BlockSizes.Clone()
	c.MiniBlockSizes = s.MiniBlockSizes.Clone()
	c.SubBlockSizes = s.SubBlockSizes.Clone()
	c.BlockGroupSizes = s.BlockGroupSizes.Clone()
	c.MiniBlockGroupSizes = s.MiniBlockGroupSizes.Clone()
	c.SubBlockGroupSizes = s.SubBlockGroupSizes.Clone()
	c.MinPadSizes = s.MinPadSizes.Clone()
	c.ExtraPadSizes = s.ExtraPadSizes.Clone()
	return &c
}

// WFSteps returns the wave-front temporal depth (step entry of RegionSizes).
func (s *Settings) WFSteps() int64 { return s.RegionSizes.Val(StepPosn) }

// TBSteps returns the temporal-block depth (step entry of BlockSizes).
func (s *Settings) TBSteps() int64 { return s.BlockSizes.Val(StepPosn) }

// IsFirstRank reports whether this rank is first (index 0) in dim dname.
func (s *Settings) IsFirstRank(dname string) bool {
	return s.RankIndices.ValOf(dname) == 0
}

// IsLastRank reports whether this rank is last in dim dname.
func (s *Settings) IsLastRank(dname string) bool {
	return s.RankIndices.ValOf(dname) == s.NumRanks.ValOf(dname)-1
}

// NumThreads returns the total worker count after the divisor.
func (s *Settings) NumThreads() int {
	mt := s.MaxThreads
	if mt <= 0 {
		mt = runtime.GOMAXPROCS(0)
	}
	td := s.ThreadDivisor
	if td <= 0 {
		td = 1
	}
	return max(1, mt/td)
}

// NumBlockThreads returns the inner (per-block) thread count.
func (s *Settings) NumBlockThreads() int {
	return max(1, s.BlockThreads)
}

// NumRegionThreads returns the outer (per-region) thread count: total
// threads divided by the per-block threads.
func (s *Settings) NumRegionThreads() int {
	return max(1, s.NumThreads()/s.NumBlockThreads())
}

// Adjust resolves zero sizes to their enclosing level and clamps each level
// to the one above, per dim: region <= rank, block <= region, mini-block <=
// block, sub-block <= mini-block. Group sizes of zero become the size they
// group. Temporal entries are left as requested; the geometry setup caps
// tb_steps separately.
func (s *Settings) Adjust(d *Dims) {
	for _, dn := range d.DomainNames {
		rk := s.RankSizes.ValOf(dn)

		rg := s.RegionSizes.ValOf(dn)
		if rg <= 0 || rg > rk {
			rg = rk
		}
		s.RegionSizes.SetValOf(dn, rg)

		bl := s.BlockSizes.ValOf(dn)
		if bl <= 0 || bl > rg {
			bl = rg
		}
		s.BlockSizes.SetValOf(dn, bl)

		mb := s.MiniBlockSizes.ValOf(dn)
		if mb <= 0 || mb > bl {
			mb = bl
		}
		s.MiniBlockSizes.SetValOf(dn, mb)

		sb := s.SubBlockSizes.ValOf(dn)
		if sb <= 0 || sb > mb {
			sb = mb
		}
		s.SubBlockSizes.SetValOf(dn, sb)

		if s.BlockGroupSizes.ValOf(dn) <= 0 {
			s.BlockGroupSizes.SetValOf(dn, bl)
		}
		if s.MiniBlockGroupSizes.ValOf(dn) <= 0 {
			s.MiniBlockGroupSizes.SetValOf(dn, mb)
		}
		if s.SubBlockGroupSizes.ValOf(dn) <= 0 {
			s.SubBlockGroupSizes.SetValOf(dn, sb)
		}
	}

	// Mini- and sub-blocks never carry their own temporal depth.
	s.MiniBlockSizes.SetVal(StepPosn, 1)
	s.SubBlockSizes.SetVal(StepPosn, 1)
}

// Validate performs the checks that do not need geometry: positive rank
// sizes, positive rank counts, and rank-index ranges. Thread settings are
// not checked.
func (s *Settings) Validate(d *Dims) error {
	for _, dn := range d.DomainNames {
		if s.RankSizes.ValOf(dn) < 1 {
			return fmt.Errorf("%w: rank size in %q is %d; must be >= 1",
				ErrConfig, dn, s.RankSizes.ValOf(dn))
		}
		if s.NumRanks.ValOf(dn) < 1 {
			return fmt.Errorf("%w: num ranks in %q is %d; must be >= 1",
				ErrConfig, dn, s.NumRanks.ValOf(dn))
		}
		ri := s.RankIndices.ValOf(dn)
		if ri < 0 || ri >= s.NumRanks.ValOf(dn) {
			return fmt.Errorf("%w: rank index %d out of range [0, %d) in %q",
				ErrConfig, ri, s.NumRanks.ValOf(dn), dn)
		}
	}
	return nil
}

// LoadFile applies knobs from a YAML file onto s. Scalar knobs are plain
// ints or bools; per-dim knobs are maps from dim name to int:
//
//	rank_size: {x: 64, y: 64}
//	region_size: {t: 4, x: 32}
//	max_threads: 8
//	overlap_comms: true
func (s *Settings) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading settings file: %v", ErrConfig, err)
	}
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: parsing settings file %s: %v", ErrConfig, path, err)
	}
	table := s.OptionTable()
	for name, node := range doc {
		opt := table.Lookup(name)
		if opt == nil {
			return fmt.Errorf("%w: unknown setting %q in %s", ErrConfig, name, path)
		}
		if err := opt.SetFromYAML(&node); err != nil {
			return fmt.Errorf("%w: setting %q: %v", ErrConfig, name, err)
		}
	}
	return nil
}
