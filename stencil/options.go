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
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// OptionKind tags the value variant an Option carries. Dispatch over kinds
// is a switch; there is no option class hierarchy.
type OptionKind int

const (
	BoolOpt OptionKind = iota
	IntOpt
	IdxOpt
	DoubleOpt
	StringOpt
	StringListOpt
	// MultiIdxOpt binds a whole tuple: its value is either a single index
	// applied to every dim or a comma list of dim=index pairs.
	MultiIdxOpt
)

// Option binds a named knob to a settings field. Exactly one of the value
// pointers (matching Kind) is non-nil.
type Option struct {
	Name string
	Help string
	Kind OptionKind

	Bool   *bool
	Int    *int
	Idx    *int64
	Double *float64
	Str    *string
	List   *[]string
	Multi  *Tuple
}

// Set parses val according to the option's kind and stores it.
func (o *Option) Set(val string) error {
	switch o.Kind {
	case BoolOpt:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("parsing %q as bool: %v", val, err)
		}
		*o.Bool = b
	case IntOpt:
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("parsing %q as int: %v", val, err)
		}
		*o.Int = n
	case IdxOpt:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing %q as index: %v", val, err)
		}
		*o.Idx = n
	case DoubleOpt:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("parsing %q as float: %v", val, err)
		}
		*o.Double = f
	case StringOpt:
		*o.Str = val
	case StringListOpt:
		*o.List = strings.Split(val, ",")
	case MultiIdxOpt:
		return o.setMulti(val)
	default:
		return fmt.Errorf("unknown option kind %d", o.Kind)
	}
	return nil
}

func (o *Option) setMulti(val string) error {
	// A bare integer applies to every dim in the tuple.
	if n, err := strconv.ParseInt(val, 10, 64); err == nil {
		o.Multi.SetValsSame(n)
		return nil
	}
	for _, part := range strings.Split(val, ",") {
		name, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return fmt.Errorf("expected dim=index in %q", part)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("parsing %q as index: %v", v, err)
		}
		if !o.Multi.Has(strings.TrimSpace(name)) {
			return fmt.Errorf("unknown dim %q for option %s", name, o.Name)
		}
		o.Multi.SetValOf(strings.TrimSpace(name), n)
	}
	return nil
}

// SetFromYAML stores a decoded YAML node: scalars for scalar kinds, mappings
// for MultiIdxOpt.
func (o *Option) SetFromYAML(node *yaml.Node) error {
	if o.Kind == MultiIdxOpt {
		var m map[string]int64
		if err := node.Decode(&m); err != nil {
			// Allow a bare integer too.
			var n int64
			if err2 := node.Decode(&n); err2 != nil {
				return err
			}
			o.Multi.SetValsSame(n)
			return nil
		}
		for name, v := range m {
			if !o.Multi.Has(name) {
				return fmt.Errorf("unknown dim %q for option %s", name, o.Name)
			}
			o.Multi.SetValOf(name, v)
		}
		return nil
	}
	var sv string
	if err := node.Decode(&sv); err != nil {
		return err
	}
	return o.Set(sv)
}

// String renders the current value.
func (o *Option) String() string {
	switch o.Kind {
	case BoolOpt:
		return strconv.FormatBool(*o.Bool)
	case IntOpt:
		return strconv.Itoa(*o.Int)
	case IdxOpt:
		return strconv.FormatInt(*o.Idx, 10)
	case DoubleOpt:
		return strconv.FormatFloat(*o.Double, 'g', -1, 64)
	case StringOpt:
		return *o.Str
	case StringListOpt:
		return strings.Join(*o.List, ",")
	case MultiIdxOpt:
		return o.Multi.String()
	}
	return "?"
}

// OptionTable is an ordered set of options addressable by name.
type OptionTable struct {
	opts []*Option
}

// Add appends an option.
func (t *OptionTable) Add(o *Option) { t.opts = append(t.opts, o) }

// Lookup returns the option named name, or nil.
func (t *OptionTable) Lookup(name string) *Option {
	for _, o := range t.opts {
		if o.Name == name {
			return o
		}
	}
	return nil
}

// Options returns the options in declaration order.
func (t *OptionTable) Options() []*Option { return t.opts }

// Apply consumes "name=value" arguments, returning any it does not
// recognize. Used for API-supplied option strings.
func (t *OptionTable) Apply(args []string) (rest []string, err error) {
	for _, a := range args {
		name, val, ok := strings.Cut(a, "=")
		if !ok {
			rest = append(rest, a)
			continue
		}
		o := t.Lookup(name)
		if o == nil {
			rest = append(rest, a)
			continue
		}
		if err := o.Set(val); err != nil {
			return rest, fmt.Errorf("%w: option %s: %v", ErrConfig, name, err)
		}
	}
	return rest, nil
}

// OptionTable exposes every settings knob as a named option.
func (s *Settings) OptionTable() *OptionTable {
	t := &OptionTable{}
	t.Add(&Option{Name: "num_ranks", Help: "ranks per domain dim", Kind: MultiIdxOpt, Multi: &s.NumRanks})
	t.Add(&Option{Name: "rank_index", Help: "this rank's coordinates", Kind: MultiIdxOpt, Multi: &s.RankIndices})
	t.Add(&Option{Name: "rank_size", Help: "rank-local domain size per dim", Kind: MultiIdxOpt, Multi: &s.RankSizes})
	t.Add(&Option{Name: "region_size", Help: "region size per dim; step entry is wf_steps", Kind: MultiIdxOpt, Multi: &s.RegionSizes})
	t.Add(&Option{Name: "block_size", Help: "block size per dim; step entry is tb_steps", Kind: MultiIdxOpt, Multi: &s.BlockSizes})
	t.Add(&Option{Name: "mini_block_size", Help: "mini-block size per dim", Kind: MultiIdxOpt, Multi: &s.MiniBlockSizes})
	t.Add(&Option{Name: "sub_block_size", Help: "sub-block size per dim", Kind: MultiIdxOpt, Multi: &s.SubBlockSizes})
	t.Add(&Option{Name: "block_group_size", Help: "block iteration-grouping hint", Kind: MultiIdxOpt, Multi: &s.BlockGroupSizes})
	t.Add(&Option{Name: "mini_block_group_size", Help: "mini-block iteration-grouping hint", Kind: MultiIdxOpt, Multi: &s.MiniBlockGroupSizes})
	t.Add(&Option{Name: "sub_block_group_size", Help: "sub-block iteration-grouping hint", Kind: MultiIdxOpt, Multi: &s.SubBlockGroupSizes})
	t.Add(&Option{Name: "min_pad_size", Help: "minimum pad per domain dim", Kind: MultiIdxOpt, Multi: &s.MinPadSizes})
	t.Add(&Option{Name: "extra_pad_size", Help: "extra pad per domain dim", Kind: MultiIdxOpt, Multi: &s.ExtraPadSizes})
	t.Add(&Option{Name: "step_alloc", Help: "override step-dim ring size", Kind: IdxOpt, Idx: &s.StepAlloc})
	t.Add(&Option{Name: "max_threads", Help: "total worker threads (0 = all cores)", Kind: IntOpt, Int: &s.MaxThreads})
	t.Add(&Option{Name: "thread_divisor", Help: "divide max_threads by this", Kind: IntOpt, Int: &s.ThreadDivisor})
	t.Add(&Option{Name: "block_threads", Help: "inner threads per block", Kind: IntOpt, Int: &s.BlockThreads})
	t.Add(&Option{Name: "msg_rank", Help: "rank that emits log output", Kind: IntOpt, Int: &s.MsgRank})
	t.Add(&Option{Name: "overlap_comms", Help: "overlap halo exchange with interior compute", Kind: BoolOpt, Bool: &s.OverlapComms})
	t.Add(&Option{Name: "auto_tune", Help: "tune tile sizes during stepping", Kind: BoolOpt, Bool: &s.AutoTune})
	t.Add(&Option{Name: "find_loc", Help: "derive rank coordinates from rank id", Kind: BoolOpt, Bool: &s.FindLoc})
	return t
}
