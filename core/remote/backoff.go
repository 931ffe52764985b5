/*
 * Copyright 2025 The Coral Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package remote

import (
	"math/rand"
	"time"
)

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 60 * time.Second
	defaultBackoffFactor  = 1.5
)

// backoff computes bounded, jittered exponential reconnect delays. Not safe
// for concurrent use; each stream manager owns one and drives it from the
// instance queue.
type backoff struct {
	initial time.Duration
	max     time.Duration
	factor  float64

	current time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		initial: defaultInitialBackoff,
		max:     defaultMaxBackoff,
		factor:  defaultBackoffFactor,
	}
}

// NextDelay returns the delay before the next attempt and advances the
// schedule. The first call after Reset returns zero so the first retry is
// immediate; jitter is within ±50% of the nominal delay.
func (b *backoff) NextDelay() time.Duration {
	delay := b.current

	next := time.Duration(float64(b.current) * b.factor)
	if next < b.initial {
		next = b.initial
	}
	if next > b.max {
		next = b.max
	}
	b.current = next

	if delay <= 0 {
		return 0
	}
	jitter := time.Duration((rand.Float64() - 0.5) * float64(delay))
	return delay + jitter
}

// AtMax reports whether the schedule reached its ceiling.
func (b *backoff) AtMax() bool {
	return b.current >= b.max
}

// Reset restores the schedule after a healthy connection.
func (b *backoff) Reset() {
	b.current = 0
}

// ResetToMax forces the next delay to the ceiling, used after
// resource-exhausted failures.
func (b *backoff) ResetToMax() {
	b.current = b.max
}
