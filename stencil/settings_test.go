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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdjustCascadesZeroSizes(t *testing.T) {
	d := NewDims("t", "x", "y")
	s := NewSettings(d)
	s.RankSizes.SetValOf("x", 64)
	s.RankSizes.SetValOf("y", 32)
	s.RegionSizes.SetValOf("x", 16)
	// Everything else left zero: block, mini, sub, groups.
	s.Adjust(d)

	assert.Equal(t, int64(16), s.RegionSizes.ValOf("x"))
	assert.Equal(t, int64(32), s.RegionSizes.ValOf("y")) // zero -> rank
	assert.Equal(t, int64(16), s.BlockSizes.ValOf("x"))  // zero -> region
	assert.Equal(t, int64(16), s.MiniBlockSizes.ValOf("x"))
	assert.Equal(t, int64(16), s.SubBlockSizes.ValOf("x"))
	assert.Equal(t, int64(16), s.BlockGroupSizes.ValOf("x"))

	// Oversized settings clamp to the enclosing level.
	s2 := NewSettings(d)
	s2.RankSizes.SetValsSame(8)
	s2.RegionSizes.SetValOf("x", 99)
	s2.BlockSizes.SetValOf("x", 99)
	s2.Adjust(d)
	assert.Equal(t, int64(8), s2.RegionSizes.ValOf("x"))
	assert.Equal(t, int64(8), s2.BlockSizes.ValOf("x"))

	// Mini- and sub-blocks never carry a temporal depth.
	assert.Equal(t, int64(1), s2.MiniBlockSizes.Val(StepPosn))
	assert.Equal(t, int64(1), s2.SubBlockSizes.Val(StepPosn))
}

func TestValidateRejectsBadRanks(t *testing.T) {
	d := NewDims("t", "x")
	s := NewSettings(d)
	s.RankSizes.SetValOf("x", 0)
	assert.ErrorIs(t, s.Validate(d), ErrConfig)

	s = NewSettings(d)
	s.NumRanks.SetValOf("x", 2)
	s.RankIndices.SetValOf("x", 2)
	assert.ErrorIs(t, s.Validate(d), ErrConfig)
}

func TestThreadCounts(t *testing.T) {
	d := NewDims("t", "x")
	s := NewSettings(d)
	s.MaxThreads = 8
	s.ThreadDivisor = 2
	s.BlockThreads = 2
	assert.Equal(t, 4, s.NumThreads())
	assert.Equal(t, 2, s.NumBlockThreads())
	assert.Equal(t, 2, s.NumRegionThreads())
}

func TestLoadSettingsFile(t *testing.T) {
	d := NewDims("t", "x", "y")
	s := NewSettings(d)

	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rank_size: {x: 64, y: 48}
region_size: {t: 4, x: 32}
block_size: 8
max_threads: 6
overlap_comms: true
`), 0o644))

	require.NoError(t, s.LoadFile(path))
	assert.Equal(t, int64(64), s.RankSizes.ValOf("x"))
	assert.Equal(t, int64(48), s.RankSizes.ValOf("y"))
	assert.Equal(t, int64(4), s.WFSteps())
	assert.Equal(t, int64(32), s.RegionSizes.ValOf("x"))
	assert.Equal(t, int64(8), s.BlockSizes.ValOf("x"))
	assert.Equal(t, int64(8), s.BlockSizes.ValOf("y"))
	assert.Equal(t, 6, s.MaxThreads)
	assert.True(t, s.OverlapComms)

	assert.ErrorIs(t, s.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")), ErrConfig)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("no_such_knob: 1\n"), 0o644))
	assert.ErrorIs(t, s.LoadFile(bad), ErrConfig)
}
