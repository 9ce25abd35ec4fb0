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

// Command stencilrun drives the stencil engine with a built-in 2-D
// diffusion stencil. Ranks run in-process, one goroutine each, so the
// distributed traversal and halo exchange can be exercised (and validated
// against the scalar reference path) on a single machine.
//
// Usage:
//
//	stencilrun --size x=128,y=128 --steps 50
//	stencilrun --ranks x=2,y=2 --wf-steps 4 --overlap --validate
//	stencilrun --settings run.yaml --verbose
package main

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/ajroetker/go-stencil/stencil"
	"github.com/ajroetker/go-stencil/stencil/comms"
)

type runOptions struct {
	size     string
	ranks    string
	region   string
	block    string
	wfSteps  int64
	tbSteps  int64
	steps    int64
	overlap  bool
	tune     bool
	validate bool
	verbose  bool
	settings string
	opts     []string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:           "stencilrun",
		Short:         "Run the built-in diffusion stencil through the engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(o)
		},
	}
	cmd.Flags().StringVar(&o.size, "size", "x=64,y=64", "rank-domain size per dim")
	cmd.Flags().StringVar(&o.ranks, "ranks", "", "ranks per dim, e.g. x=2,y=2 (in-process)")
	cmd.Flags().StringVar(&o.region, "region", "", "region size per dim")
	cmd.Flags().StringVar(&o.block, "block", "", "block size per dim")
	cmd.Flags().Int64Var(&o.wfSteps, "wf-steps", 0, "wave-front temporal depth")
	cmd.Flags().Int64Var(&o.tbSteps, "tb-steps", 0, "temporal-block depth")
	cmd.Flags().Int64Var(&o.steps, "steps", 10, "number of time steps")
	cmd.Flags().BoolVar(&o.overlap, "overlap", false, "overlap halo exchange with interior compute")
	cmd.Flags().BoolVar(&o.tune, "tune", false, "auto-tune tile sizes while stepping")
	cmd.Flags().BoolVar(&o.validate, "validate", false, "compare against the scalar reference run")
	cmd.Flags().BoolVar(&o.verbose, "verbose", false, "debug logging")
	cmd.Flags().StringVar(&o.settings, "settings", "", "YAML settings file")
	cmd.Flags().StringArrayVar(&o.opts, "opt", nil, "extra name=value engine options")
	return cmd
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func buildSettings(o *runOptions, d *stencil.Dims) (*stencil.Settings, error) {
	s := stencil.NewSettings(d)
	table := s.OptionTable()
	set := func(name, val string) error {
		if val == "" {
			return nil
		}
		opt := table.Lookup(name)
		if err := opt.Set(val); err != nil {
			return fmt.Errorf("--%s: %w", name, err)
		}
		return nil
	}
	if err := set("rank_size", o.size); err != nil {
		return nil, err
	}
	if err := set("num_ranks", o.ranks); err != nil {
		return nil, err
	}
	if err := set("region_size", o.region); err != nil {
		return nil, err
	}
	if err := set("block_size", o.block); err != nil {
		return nil, err
	}
	s.RegionSizes.SetVal(stencil.StepPosn, o.wfSteps)
	s.BlockSizes.SetVal(stencil.StepPosn, o.tbSteps)
	s.OverlapComms = o.overlap
	s.AutoTune = o.tune
	if o.settings != "" {
		if err := s.LoadFile(o.settings); err != nil {
			return nil, err
		}
	}
	if _, err := table.Apply(o.opts); err != nil {
		return nil, err
	}
	return s, nil
}

// newDiffusion builds a 2-D 5-point diffusion solution on one rank's
// connection: u[t+1,x,y] = 0.25*u[t,x,y] + 0.1875*(4 neighbors).
func newDiffusion(d *stencil.Dims, s *stencil.Settings, conn comms.Conn, log *slog.Logger) *stencil.Context {
	ctx := stencil.NewContext("diffusion2d", d, s, conn, log)

	u := stencil.NewVar("u", d, "t", "x", "y")
	u.SetHalos("x", 1, 1)
	u.SetHalos("y", 1, 1)
	ctx.AddVar(u, true)

	haloOne := d.DomainTuple()
	haloOne.SetValsSame(1)
	haloZero := d.DomainTuple()

	bundle := &stencil.BundleDef{
		BundleName: "diffuse",
		InputVars:  []*stencil.Var{u},
		OutputVars: []*stencil.Var{u},
		WriteOfs:   1,
		EstFpOps:   9,
		Halos: map[*stencil.Var]map[stencil.HaloKey]stencil.Tuple{
			u: {
				{Pack: "p0", Left: true, StepOfs: 0}:  haloOne,
				{Pack: "p0", Left: false, StepOfs: 0}: haloOne,
				{Pack: "p0", Left: true, StepOfs: 1}:  haloZero,
			},
		},
		Point: func(c *stencil.Context, thread int, pt stencil.Tuple) {
			t := pt.ValOf("t")
			x := pt.ValOf("x")
			y := pt.ValOf("y")
			at := func(dx, dy int64) stencil.Real {
				q := pt.Clone()
				q.SetValOf("t", t)
				q.SetValOf("x", x+dx)
				q.SetValOf("y", y+dy)
				v, err := u.GetElem(q)
				if err != nil {
					panic(err)
				}
				return v
			}
			val := 0.25*at(0, 0) +
				0.1875*(at(-1, 0)+at(1, 0)+at(0, -1)+at(0, 1))
			out := pt.Clone()
			out.SetValOf("t", t+1)
			if err := u.SetElem(val, out, true); err != nil {
				panic(err)
			}
		},
	}
	ctx.AddPack(&stencil.Pack{PackName: "p0", Bundles: []*stencil.BundleDef{bundle}})
	return ctx
}

func run(o *runOptions) error {
	log := newLogger(o.verbose)

	probe := stencil.NewDims("t", "x", "y")
	s0, err := buildSettings(o, probe)
	if err != nil {
		return err
	}
	nranks := int(s0.NumRanks.Product())
	conns := comms.NewWorld(nranks)

	errs := make([]error, nranks)
	var wg sync.WaitGroup
	for r := 0; r < nranks; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = runRank(o, conns[r], log)
		}(r)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func runRank(o *runOptions, conn comms.Conn, log *slog.Logger) error {
	d := stencil.NewDims("t", "x", "y")
	d.FoldPts = stencil.DefaultFold(d)

	s, err := buildSettings(o, d)
	if err != nil {
		return err
	}
	ctx := newDiffusion(d, s, conn, log)
	if err := ctx.PrepareSolution(); err != nil {
		return err
	}
	ctx.InitValues()

	if err := ctx.RunSolution(0, o.steps-1); err != nil {
		return err
	}
	st := ctx.RunStats()
	ctx.Logger().Info("run complete",
		"steps", st.StepsDone,
		"domain_pts", st.DomainPts,
		"run_secs", st.RunSecs,
		"halo_secs", st.HaloSecs,
		"wait_secs", st.WaitSecs)

	if o.validate {
		if err := validate(o, conn, d, ctx); err != nil {
			return err
		}
	}
	return ctx.EndSolution()
}

// validate runs the reference path in a fresh context over the same
// connection and compares. Validation runs per rank against the same initial
// contents the tiled run started from.
func validate(o *runOptions, conn comms.Conn, d *stencil.Dims, tiled *stencil.Context) error {
	// The ref run shares the tiled run's world: both sides must make the
	// same sequence of exchanges, so it reuses the same conn after the
	// tiled run has fully drained it.
	s, err := buildSettings(o, d)
	if err != nil {
		return err
	}
	ref := newDiffusion(d, s, conn, tiled.Logger())
	if err := ref.PrepareSolution(); err != nil {
		return err
	}
	ref.InitValues()
	if err := ref.RunRef(0, o.steps-1); err != nil {
		return err
	}
	if errs := tiled.CompareData(ref, 0); errs > 0 {
		return fmt.Errorf("validation failed: %d element(s) differ", errs)
	}
	tiled.Logger().Info("validation passed")
	return ref.EndSolution()
}
