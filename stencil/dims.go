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

import "fmt"

// Real is the element type of all var storage.
type Real = float64

// RealBytes is the storage size of one element.
const RealBytes = 8

// CachelineBytes is the allocation-rounding granule.
const CachelineBytes = 64

// DimType classifies a declared dimension.
type DimType int

const (
	// StepDim is the distinguished temporal axis. Exactly one per solution.
	StepDim DimType = iota
	// DomainDim is a spatial axis covered by tiles and halo exchange.
	DomainDim
	// MiscDim is a non-tiled enumeration axis.
	MiscDim
)

// StepPosn is the position of the step dim in every stencil-dim tuple.
// Keeping it first lets domain entries of a stencil tuple at position i
// correspond to domain-tuple entries at position i-1.
const StepPosn = 0

// Dims describes the declared dimensions of a solution. It is populated
// during setup and frozen before the run loop.
type Dims struct {
	StepName    string
	DomainNames []string // declared order; outermost first
	MiscNames   []string

	// FoldPts is the per-domain-dim vector-fold length (>= 1).
	FoldPts Tuple
	// ClusterPts is the per-domain-dim unrolling factor (>= 1).
	ClusterPts Tuple
}

// NewDims builds a Dims for one step dim and the given domain dims, with
// all folds and clusters set to 1. Use SetFold/SetCluster to override.
func NewDims(stepName string, domainNames ...string) *Dims {
	d := &Dims{
		StepName:    stepName,
		DomainNames: append([]string(nil), domainNames...),
	}
	d.FoldPts = NewTuple(domainNames...)
	d.FoldPts.SetValsSame(1)
	d.ClusterPts = NewTuple(domainNames...)
	d.ClusterPts.SetValsSame(1)
	return d
}

// AddMisc declares non-tiled enumeration dims.
func (d *Dims) AddMisc(names ...string) {
	d.MiscNames = append(d.MiscNames, names...)
}

// NumDomainDims returns the number of domain dims.
func (d *Dims) NumDomainDims() int { return len(d.DomainNames) }

// NumStencilDims returns the number of stencil dims (step + domain).
func (d *Dims) NumStencilDims() int { return 1 + len(d.DomainNames) }

// DomainTuple returns a zeroed tuple over the domain dims in declared order.
func (d *Dims) DomainTuple() Tuple { return NewTuple(d.DomainNames...) }

// StencilTuple returns a zeroed tuple over step + domain dims, step first.
func (d *Dims) StencilTuple() Tuple {
	names := make([]string, 0, d.NumStencilDims())
	names = append(names, d.StepName)
	names = append(names, d.DomainNames...)
	return NewTuple(names...)
}

// SetFold sets the fold length of one domain dim.
func (d *Dims) SetFold(name string, pts int64) {
	d.FoldPts.SetValOf(name, pts)
}

// SetCluster sets the cluster multiple of one domain dim.
func (d *Dims) SetCluster(name string, pts int64) {
	d.ClusterPts.SetValOf(name, pts)
}

// TypeOf reports the type of a declared dim name.
func (d *Dims) TypeOf(name string) (DimType, error) {
	if name == d.StepName {
		return StepDim, nil
	}
	for _, n := range d.DomainNames {
		if n == name {
			return DomainDim, nil
		}
	}
	for _, n := range d.MiscNames {
		if n == name {
			return MiscDim, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown dim %q", ErrConfig, name)
}
