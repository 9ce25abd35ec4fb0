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

// ScanIndices carries the loop state of one tiling level over the stencil
// dims (step first, then domain dims in declared order).
//
//	Begin/End   bounds of the enclosing level
//	Start/Stop  current tile within [Begin, End)
//	Stride      tile size at this level
//	GroupSize   iteration-ordering hint
//	Index       tile counter per dim
type ScanIndices struct {
	Begin, End    Tuple
	Start, Stop   Tuple
	Stride        Tuple
	GroupSize     Tuple
	Index         Tuple
}

// NewScanIndices returns a zeroed ScanIndices over the stencil dims.
func NewScanIndices(d *Dims) ScanIndices {
	return ScanIndices{
		Begin:     d.StencilTuple(),
		End:       d.StencilTuple(),
		Start:     d.StencilTuple(),
		Stop:      d.StencilTuple(),
		Stride:    d.StencilTuple(),
		GroupSize: d.StencilTuple(),
		Index:     d.StencilTuple(),
	}
}

// InitFromOuter initializes this level's bounds from the enclosing level's
// current tile.
func (s *ScanIndices) InitFromOuter(outer ScanIndices) {
	s.Begin = outer.Start.Clone()
	s.End = outer.Stop.Clone()
	s.Start = outer.Start.Clone()
	s.Stop = outer.Stop.Clone()
	s.Stride = outer.Stride.Clone()
	s.GroupSize = outer.GroupSize.Clone()
	s.Index = outer.Index.Clone()
}

// Clone returns a deep copy.
func (s ScanIndices) Clone() ScanIndices {
	return ScanIndices{
		Begin:     s.Begin.Clone(),
		End:       s.End.Clone(),
		Start:     s.Start.Clone(),
		Stop:      s.Stop.Clone(),
		Stride:    s.Stride.Clone(),
		GroupSize: s.GroupSize.Clone(),
		Index:     s.Index.Clone(),
	}
}

// visitTiles walks the spatial (domain) dims of idxs from Begin to End by
// Stride, row-major, calling fn with Start/Stop/Index filled in for each
// tile. The step entry of Start/Stop is left untouched. fn's tile is a copy,
// so fn may modify it freely. Returns the number of tiles visited.
func visitTiles(idxs ScanIndices, d *Dims, fn func(tile ScanIndices)) int64 {
	// Count tiles per domain dim.
	counts := make([]int64, len(d.DomainNames))
	total := int64(1)
	for i, dn := range d.DomainNames {
		b := idxs.Begin.ValOf(dn)
		e := idxs.End.ValOf(dn)
		st := idxs.Stride.ValOf(dn)
		if e <= b {
			return 0
		}
		if st <= 0 {
			st = e - b
		}
		counts[i] = CeilDiv(e-b, st)
		total *= counts[i]
	}
	for n := int64(0); n < total; n++ {
		tile := idxs.Clone()
		rem := n
		for i := len(counts) - 1; i >= 0; i-- {
			ti := rem % counts[i]
			rem /= counts[i]
			dn := d.DomainNames[i]
			b := idxs.Begin.ValOf(dn)
			e := idxs.End.ValOf(dn)
			st := idxs.Stride.ValOf(dn)
			if st <= 0 {
				st = e - b
			}
			start := b + ti*st
			tile.Index.SetValOf(dn, ti)
			tile.Start.SetValOf(dn, start)
			tile.Stop.SetValOf(dn, min(start+st, e))
		}
		fn(tile)
	}
	return total
}

// tileStarts returns the flattened list of tiles of idxs so callers can
// parallelize over them.
func tileStarts(idxs ScanIndices, d *Dims) []ScanIndices {
	var tiles []ScanIndices
	visitTiles(idxs, d, func(tile ScanIndices) {
		tiles = append(tiles, tile)
	})
	return tiles
}
