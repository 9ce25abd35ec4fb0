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
	"log/slog"
)

// allocVarData allocates storage for every var in vars that does not already
// have it, in a single pass per preferred NUMA node: bytes are counted
// first, one buffer is allocated per node, then element offsets are handed
// out. Each var's footprint is rounded to a cacheline so neighbors never
// share a line.
func allocVarData(vars []*Var, kind string, log *slog.Logger) error {
	// Pass 0: finalize layouts and count bytes per node.
	type nodeAlloc struct {
		elems int64
		count int
		buf   []Real
		next  int64
	}
	nodes := map[int]*nodeAlloc{}
	order := []int{}
	for _, v := range vars {
		if v == nil || v.IsStorageAllocated() {
			continue
		}
		v.finalizeLayout()
		na := nodes[v.NumaPreferred()]
		if na == nil {
			na = &nodeAlloc{}
			nodes[v.NumaPreferred()] = na
			order = append(order, v.NumaPreferred())
		}
		na.elems += v.NumStorageBytes() / RealBytes
		na.count++
	}

	// Pass 1: one buffer per node.
	for _, n := range order {
		na := nodes[n]
		if na.elems == 0 {
			continue
		}
		log.Debug("allocating storage",
			"kind", kind, "numa_pref", n,
			"bytes", na.elems*RealBytes, "vars", na.count)
		buf, err := makeBuffer(na.elems)
		if err != nil {
			return fmt.Errorf("%w: %s storage on node %d: %v",
				ErrAllocation, kind, n, err)
		}
		na.buf = buf
	}

	// Pass 2: distribute offsets.
	for _, v := range vars {
		if v == nil || v.IsStorageAllocated() {
			continue
		}
		na := nodes[v.NumaPreferred()]
		v.SetStorage(na.buf, na.next)
		na.next += v.NumStorageBytes() / RealBytes
	}
	return nil
}

// makeBuffer allocates a zeroed buffer, converting an out-of-memory panic
// into an error.
func makeBuffer(elems int64) (buf []Real, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf = nil
			err = fmt.Errorf("%v", r)
		}
	}()
	buf = make([]Real, elems)
	return buf, nil
}
