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

import "golang.org/x/sys/cpu"

// DefaultFoldLen returns the preferred vector-fold length (in float64 lanes)
// for the innermost domain dim, based on the CPU's widest usable SIMD
// registers. The stencil compiler may override this with an explicit fold
// tuple; this is only the default used when none is supplied.
func DefaultFoldLen() int64 {
	switch {
	case cpu.X86.HasAVX512F:
		return 8
	case cpu.X86.HasAVX2:
		return 4
	case cpu.X86.HasSSE2:
		return 2
	case cpu.ARM64.HasASIMD:
		return 2
	}
	return 1
}

// DefaultFold returns a fold tuple for dims with the innermost (last
// declared) domain dim set to DefaultFoldLen and all others set to 1.
func DefaultFold(d *Dims) Tuple {
	fold := d.DomainTuple()
	fold.SetValsSame(1)
	if n := fold.Len(); n > 0 {
		fold.SetVal(n-1, DefaultFoldLen())
	}
	return fold
}
