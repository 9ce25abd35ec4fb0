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

// Package stencil is an iterative stencil execution engine. It repeatedly
// updates multi-dimensional arrays ("vars") by applying neighbor-dependent
// update rules ("bundles", grouped into ordered "packs") over a distributed,
// rank-partitioned problem domain.
//
// The engine owns the nested spatial/temporal tile traversal
// (region -> block -> mini-block -> sub-block, with wave-front and
// temporal-block skewing), the halo-exchange protocol between neighbor ranks,
// and the bounding-box arithmetic that keeps overlapping skewed tiles correct.
// The per-point update functions themselves are supplied by the caller (a
// stencil compiler front end) as static tables; the engine never inspects or
// rewrites them.
//
// Basic usage:
//
//	ctx := stencil.NewContext("diffusion", dims, settings, conn, logger)
//	ctx.AddVar(u, true)
//	ctx.AddPack(pack)
//	if err := ctx.PrepareSolution(); err != nil { ... }
//	if err := ctx.RunSolution(0, numSteps-1); err != nil { ... }
package stencil
