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

import "time"

// Timer accumulates monotonic wall-clock time across Start/Stop pairs.
// The zero value is ready to use. Not safe for concurrent use; each timing
// site owns its timer.
type Timer struct {
	total   time.Duration
	started time.Time
	running bool
}

// Start begins a timing interval. Starting a running timer restarts the
// current interval.
func (t *Timer) Start() {
	t.started = time.Now()
	t.running = true
}

// Stop ends the current interval, adds it to the total, and returns the
// interval length in seconds. Stopping a stopped timer returns 0.
func (t *Timer) Stop() float64 {
	if !t.running {
		return 0
	}
	d := time.Since(t.started)
	t.total += d
	t.running = false
	return d.Seconds()
}

// Elapsed returns the accumulated total in seconds without modifying the
// timer. A running interval is not included.
func (t *Timer) Elapsed() float64 {
	return t.total.Seconds()
}

// Clear resets the accumulated total and stops the timer.
func (t *Timer) Clear() {
	t.total = 0
	t.running = false
}
