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

import "errors"

// Error categories. All errors returned by the engine wrap one of these
// sentinels; callers classify with errors.Is. The engine is a batch compute
// with no recovery: any category other than the var-API ones
// (ErrIndexOutOfRange, ErrStaleStep) aborts the run.
var (
	// ErrConfig marks invalid or inconsistent settings detected before any
	// compute: bad sizes, missing required settings, mismatched neighbor
	// domain sizes, rank domains too small for the halos.
	ErrConfig = errors.New("invalid configuration")

	// ErrIndexOutOfRange marks a var access outside its allocation.
	ErrIndexOutOfRange = errors.New("index out of allocation range")

	// ErrStaleStep marks a var access at a step not currently resident in
	// the step-dim ring buffer.
	ErrStaleStep = errors.New("step not currently allocated")

	// ErrAllocation marks a failed storage allocation.
	ErrAllocation = errors.New("allocation failure")

	// ErrMessaging marks a failure in the point-to-point substrate.
	ErrMessaging = errors.New("messaging failure")

	// ErrInternal marks a violated internal invariant.
	ErrInternal = errors.New("internal invariant violation")
)
