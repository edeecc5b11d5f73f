// Copyright 2024 The bucore Authors
// This file is part of bucore.
//
// bucore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// bucore is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with bucore. If not, see <http://www.gnu.org/licenses/>.

// Package shaper implements a leaky-bucket traffic shaper in the spirit
// of CLeakyBucket (receiveShaper/sendShaper). Two independent buckets,
// one per direction, are instantiated by the reactor.
package shaper

import (
	"sync"
	"time"
)

// Bucket is a token bucket parameterised by (maxBurst, avgRate). It is the
// only place in the core allowed to read the monotonic clock for
// rate-limiting purposes.
type Bucket struct {
	mu sync.Mutex

	maxBurst float64 // bytes
	avgRate  float64 // bytes/sec

	tokens   float64
	lastFill time.Time

	now func() time.Time // swappable for deterministic tests
}

// New creates a Bucket starting full, mirroring the
// CLeakyBucket(maxBurst, avgRate) constructor idiom.
func New(maxBurst, avgRate float64) *Bucket {
	return &Bucket{
		maxBurst: maxBurst,
		avgRate:  avgRate,
		tokens:   maxBurst,
		lastFill: time.Now(),
		now:      time.Now,
	}
}

func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastFill = now
	b.tokens += elapsed * b.avgRate
	if b.tokens > b.maxBurst {
		b.tokens = b.maxBurst
	}
}

// Available returns max(tokens, 0), but not less than minFragment if a
// refill has accumulated that much — this lets small fragments still make
// progress under a starved budget.
func (b *Bucket) Available(minFragment float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()

	if b.tokens >= minFragment {
		return b.tokens
	}
	if b.tokens < 0 {
		return 0
	}
	return b.tokens
}

// Leak subtracts bytes from the token count, possibly driving it negative,
// and reports whether the bucket is now empty for this tick.
func (b *Bucket) Leak(bytes float64) (empty bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	b.tokens -= bytes
	return b.tokens <= 0
}

// TryLeak is a non-blocking check that at least n tokens (default: a single
// token, n=0 meaning "any progress at all") are available, without
// consuming them.
func (b *Bucket) TryLeak(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if n <= 0 {
		return b.tokens > 0
	}
	return b.tokens >= n
}

// SetClock overrides the time source; used by tests only.
func (b *Bucket) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	b.lastFill = now()
}
