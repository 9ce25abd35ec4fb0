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

// Integer helpers shared by the tuple algebra, the tile scheduler, and the
// halo-buffer geometry. Divisions that can see negative operands must floor
// toward negative infinity, not truncate toward zero; Go's '/' truncates, so
// the *Flr variants below adjust.

// CeilDiv returns ceil(a/b) for non-negative a and positive b.
func CeilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// RoundUp rounds non-negative n up to the next multiple of mult.
func RoundUp(n, mult int64) int64 {
	return CeilDiv(n, mult) * mult
}

// DivFlr returns a/b rounded toward negative infinity. b must be positive.
func DivFlr(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// IModFlr returns a mod b with the sign of b, i.e. a - DivFlr(a,b)*b.
// For positive b the result is always in [0, b).
func IModFlr(a, b int64) int64 {
	return a - DivFlr(a, b)*b
}

// RoundDownFlr rounds n down to a multiple of mult, flooring toward negative
// infinity for negative n. RoundDownFlr(-1, 4) == -4, not 0.
func RoundDownFlr(n, mult int64) int64 {
	return DivFlr(n, mult) * mult
}

// RoundUpFlr rounds n up to a multiple of mult, using floored arithmetic so
// that negative n round toward zero. RoundUpFlr(-1, 4) == 0.
func RoundUpFlr(n, mult int64) int64 {
	return RoundDownFlr(n+mult-1, mult)
}

// DivEqually returns the size of part i when distributing n items across
// parts parts as equally as possible. The first n%parts parts receive one
// extra item.
func DivEqually(n, parts, i int64) int64 {
	sz := n / parts
	if i < n%parts {
		sz++
	}
	return sz
}

// DivEquallyCumu returns the total size of parts 0..i when distributing n
// items across parts parts with DivEqually. i == -1 returns 0, so the result
// can be used directly as the starting offset of part i+1.
func DivEquallyCumu(n, parts, i int64) int64 {
	if i < 0 {
		return 0
	}
	sz := (i + 1) * (n / parts)
	if rem := n % parts; i+1 < rem {
		sz += i + 1
	} else {
		sz += rem
	}
	return sz
}

// Choose returns the binomial coefficient C(n, k).
func Choose(n, k int64) int64 {
	if k < 0 || k > n {
		return 0
	}
	if k > n-k {
		k = n - k
	}
	c := int64(1)
	for i := int64(0); i < k; i++ {
		c = c * (n - i) / (i + 1)
	}
	return c
}

// Combination fills dst with the r-element combination of {1..n} having
// 1-based index m in lexicographic order. Used to enumerate the dim subsets
// bridged by each tessellation shape; n is the number of domain dims, so the
// enumeration is tiny.
func Combination(dst []int, n, r, m int64) {
	if r <= 0 {
		return
	}
	cur := make([]int, r)
	for i := range cur {
		cur[i] = i + 1
	}
	count := int64(1)
	for {
		if count == m {
			copy(dst, cur)
			return
		}
		// Advance to the next combination in lexicographic order.
		i := int(r) - 1
		for i >= 0 && cur[i] == int(n)-(int(r)-1-i) {
			i--
		}
		if i < 0 {
			copy(dst, cur) // m out of range; keep last.
			return
		}
		cur[i]++
		for j := i + 1; j < int(r); j++ {
			cur[j] = cur[j-1] + 1
		}
		count++
	}
}

func absI(a int64) int64 {
	if a < 0 {
		return -a
	}
	return a
}

func signI(a int64) int64 {
	switch {
	case a > 0:
		return 1
	case a < 0:
		return -1
	}
	return 0
}
