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
	"strings"
)

// Tuple is an ordered sequence of (name, int64) pairs with unique names.
// It is the engine's universal index vector: dim sizes, points, strides,
// halo widths, and shifts are all tuples keyed by dim name.
//
// Tuples are small (a handful of dims), so lookups are linear scans and
// most operations return fresh copies.
type Tuple struct {
	names []string
	vals  []int64
}

// NewTuple returns a zero-valued tuple over the given dim names.
func NewTuple(names ...string) Tuple {
	return Tuple{
		names: append([]string(nil), names...),
		vals:  make([]int64, len(names)),
	}
}

// NewTupleVals returns a tuple over names with the given values.
// len(vals) must equal len(names).
func NewTupleVals(names []string, vals []int64) Tuple {
	if len(names) != len(vals) {
		panic("stencil: tuple name/value length mismatch")
	}
	return Tuple{
		names: append([]string(nil), names...),
		vals:  append([]int64(nil), vals...),
	}
}

// Clone returns a deep copy.
func (t Tuple) Clone() Tuple {
	return Tuple{
		names: append([]string(nil), t.names...),
		vals:  append([]int64(nil), t.vals...),
	}
}

// Len returns the number of dims.
func (t Tuple) Len() int { return len(t.names) }

// Name returns the dim name at position i.
func (t Tuple) Name(i int) string { return t.names[i] }

// Names returns the dim names in declared order.
func (t Tuple) Names() []string { return append([]string(nil), t.names...) }

// Val returns the value at position i.
func (t Tuple) Val(i int) int64 { return t.vals[i] }

// SetVal sets the value at position i.
func (t *Tuple) SetVal(i int, v int64) { t.vals[i] = v }

// Posn returns the position of name, or -1 if absent.
func (t Tuple) Posn(name string) int {
	for i, n := range t.names {
		if n == name {
			return i
		}
	}
	return -1
}

// Has reports whether name is one of the dims.
func (t Tuple) Has(name string) bool { return t.Posn(name) >= 0 }

// ValOf returns the value of name, panicking if absent. Lookup failures on a
// frozen dim set are programming errors, not runtime conditions.
func (t Tuple) ValOf(name string) int64 {
	i := t.Posn(name)
	if i < 0 {
		panic(fmt.Sprintf("stencil: no dim %q in tuple %s", name, t))
	}
	return t.vals[i]
}

// Lookup returns the value of name and whether it is present.
func (t Tuple) Lookup(name string) (int64, bool) {
	i := t.Posn(name)
	if i < 0 {
		return 0, false
	}
	return t.vals[i], true
}

// SetValOf sets the value of name, panicking if absent.
func (t *Tuple) SetValOf(name string, v int64) {
	i := t.Posn(name)
	if i < 0 {
		panic(fmt.Sprintf("stencil: no dim %q in tuple %s", name, *t))
	}
	t.vals[i] = v
}

// SetValsSame sets every value to v.
func (t *Tuple) SetValsSame(v int64) {
	for i := range t.vals {
		t.vals[i] = v
	}
}

// SetVals copies values for dims shared with src. With strict set, every dim
// of t must be present in src.
func (t *Tuple) SetVals(src Tuple, strict bool) {
	for i, n := range t.names {
		if v, ok := src.Lookup(n); ok {
			t.vals[i] = v
		} else if strict {
			panic(fmt.Sprintf("stencil: no dim %q in tuple %s", n, src))
		}
	}
}

func (t Tuple) mapElements(other Tuple, f func(a, b int64) int64) Tuple {
	out := t.Clone()
	for i, n := range out.names {
		if v, ok := other.Lookup(n); ok {
			out.vals[i] = f(out.vals[i], v)
		}
	}
	return out
}

// AddElements returns t + other elementwise over shared dims.
func (t Tuple) AddElements(other Tuple) Tuple {
	return t.mapElements(other, func(a, b int64) int64 { return a + b })
}

// SubElements returns t - other elementwise over shared dims.
func (t Tuple) SubElements(other Tuple) Tuple {
	return t.mapElements(other, func(a, b int64) int64 { return a - b })
}

// MinElements returns the elementwise minimum over shared dims.
func (t Tuple) MinElements(other Tuple) Tuple {
	return t.mapElements(other, func(a, b int64) int64 { return min(a, b) })
}

// MaxElements returns the elementwise maximum over shared dims.
func (t Tuple) MaxElements(other Tuple) Tuple {
	return t.mapElements(other, func(a, b int64) int64 { return max(a, b) })
}

// MulElements returns t * other elementwise over shared dims.
func (t Tuple) MulElements(other Tuple) Tuple {
	return t.mapElements(other, func(a, b int64) int64 { return a * b })
}

// AddConst returns t with v added to every element.
func (t Tuple) AddConst(v int64) Tuple {
	out := t.Clone()
	for i := range out.vals {
		out.vals[i] += v
	}
	return out
}

// Product returns the product of all values (1 for an empty tuple).
func (t Tuple) Product() int64 {
	p := int64(1)
	for _, v := range t.vals {
		p *= v
	}
	return p
}

// Sum returns the sum of all values.
func (t Tuple) Sum() int64 {
	s := int64(0)
	for _, v := range t.vals {
		s += v
	}
	return s
}

// MinVal returns the smallest value.
func (t Tuple) MinVal() int64 {
	m := t.vals[0]
	for _, v := range t.vals[1:] {
		m = min(m, v)
	}
	return m
}

// MaxVal returns the largest value.
func (t Tuple) MaxVal() int64 {
	m := t.vals[0]
	for _, v := range t.vals[1:] {
		m = max(m, v)
	}
	return m
}

// RoundUp returns t with every element rounded up to the corresponding
// multiple in mults (elements without a matching dim are unchanged).
func (t Tuple) RoundUp(mults Tuple) Tuple {
	return t.mapElements(mults, RoundUpFlr)
}

// RoundDownFlr returns t with every element rounded down to the corresponding
// multiple in mults, flooring toward negative infinity.
func (t Tuple) RoundDownFlr(mults Tuple) Tuple {
	return t.mapElements(mults, RoundDownFlr)
}

// Layout linearizes point pt within sizes t, row-major by declared order
// (last dim fastest). pt must be elementwise within [0, size).
func (t Tuple) Layout(pt Tuple) int64 {
	idx := int64(0)
	for i, n := range t.names {
		idx = idx*t.vals[i] + pt.ValOf(n)
	}
	return idx
}

// Unlayout is the inverse of Layout: it delinearizes idx into a point within
// sizes t, row-major by declared order.
func (t Tuple) Unlayout(idx int64) Tuple {
	pt := NewTuple(t.names...)
	for i := len(t.names) - 1; i >= 0; i-- {
		sz := t.vals[i]
		pt.vals[i] = IModFlr(idx, sz)
		idx = DivFlr(idx, sz)
	}
	return pt
}

// VisitAllPoints iterates the Cartesian product of [0, size) per dim in
// row-major order, calling fn with each point and its linear index. Visiting
// stops early when fn returns false. An empty extent visits nothing.
func (t Tuple) VisitAllPoints(fn func(pt Tuple, idx int64) bool) {
	for _, v := range t.vals {
		if v <= 0 {
			return
		}
	}
	pt := NewTuple(t.names...)
	n := t.Product()
	for idx := int64(0); idx < n; idx++ {
		if !fn(pt, idx) {
			return
		}
		// Increment odometer, last dim fastest.
		for i := len(pt.vals) - 1; i >= 0; i-- {
			pt.vals[i]++
			if pt.vals[i] < t.vals[i] {
				break
			}
			pt.vals[i] = 0
		}
	}
}

// String renders the tuple as "x=8, y=16".
func (t Tuple) String() string {
	var sb strings.Builder
	for i, n := range t.names {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%d", n, t.vals[i])
	}
	return sb.String()
}

// ValStr renders only the values, joined by sep: "8 * 16".
func (t Tuple) ValStr(sep string) string {
	var sb strings.Builder
	for i, v := range t.vals {
		if i > 0 {
			sb.WriteString(sep)
		}
		fmt.Fprintf(&sb, "%d", v)
	}
	return sb.String()
}
