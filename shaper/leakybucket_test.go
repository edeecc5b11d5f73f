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

package shaper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLeakGoesNegative(t *testing.T) {
	b := New(100, 10)
	empty := b.Leak(150)
	require.True(t, empty)
	require.True(t, b.Available(0) == 0)
}

func TestRefillOverTime(t *testing.T) {
	now := time.Now()
	b := New(100, 10)
	b.SetClock(func() time.Time { return now })
	b.Leak(100)
	require.Equal(t, float64(0), b.Available(0))

	now = now.Add(5 * time.Second)
	require.InDelta(t, 50, b.Available(0), 0.001)
}

func TestAvailableHonoursMinFragment(t *testing.T) {
	now := time.Now()
	b := New(10, 10)
	b.SetClock(func() time.Time { return now })
	b.Leak(8) // 2 tokens left
	require.InDelta(t, 2, b.Available(5), 0.001)
}

func TestTryLeakNonBlocking(t *testing.T) {
	b := New(10, 0)
	require.True(t, b.TryLeak(0))
	b.Leak(10)
	require.False(t, b.TryLeak(0))
}
