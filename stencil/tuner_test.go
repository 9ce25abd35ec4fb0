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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The tuner is an observer: with tuning enabled, results are bit-identical
// to the untuned reference, whatever sizes it lands on.
func TestAutoTunerPreservesResults(t *testing.T) {
	const steps = 16
	tuned, u := build2D5pt(nil, nil, func(s *Settings) {
		s.AutoTune = true
		s.BlockSizes.SetValOf("x", 4)
		s.BlockSizes.SetValOf("y", 4)
	})
	require.NoError(t, tuned.PrepareSolution())
	require.NotEmpty(t, tuned.tuners)
	seed2D(t, tuned, u)
	require.NoError(t, tuned.RunSolution(0, steps-1))

	ref, ru := build2D5pt(nil, nil, nil)
	require.NoError(t, ref.PrepareSolution())
	seed2D(t, ref, ru)
	require.NoError(t, ref.RunRef(0, steps-1))

	assert.Equal(t, gatherRank2D(t, ref, ru, steps), gatherRank2D(t, tuned, u, steps))

	// Whatever the tuner chose stays within the region.
	for _, dn := range tuned.Dims.DomainNames {
		assert.LessOrEqual(t, tuned.Opts.BlockSizes.ValOf(dn),
			tuned.Opts.RegionSizes.ValOf(dn))
		assert.GreaterOrEqual(t, tuned.Opts.BlockSizes.ValOf(dn),
			tuned.Dims.FoldPts.ValOf(dn))
	}
}

// Per-pack tuners appear only when packs can size independently (no
// temporal blocking, more than one pack).
func TestPackTunerSelection(t *testing.T) {
	ctx, _ := buildChain2D(nil, func(s *Settings) {
		s.AutoTune = true
	})
	require.NoError(t, ctx.PrepareSolution())
	assert.True(t, ctx.usePackTuners)
	assert.Len(t, ctx.tuners, 3)
}

func TestResetAutoTuner(t *testing.T) {
	ctx, _ := build2D5pt(nil, nil, nil)
	require.NoError(t, ctx.PrepareSolution())
	assert.Empty(t, ctx.tuners)
	ctx.ResetAutoTuner(true)
	assert.True(t, ctx.IsAutoTunerEnabled())
	ctx.ResetAutoTuner(false)
	assert.False(t, ctx.IsAutoTunerEnabled())
}
