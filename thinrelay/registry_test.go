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

package thinrelay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bucore/fullnode/netmsg"
)

func allToggle() SchemeToggle {
	return SchemeToggle{UseThinBlocks: true, UseGrapheneBlocks: true, UseCompactBlocks: true, MinXthinNodes: 4}
}

func TestAddInFlightCapacity(t *testing.T) {
	r := NewRegistry(time.Second, allToggle())
	for i := 0; i < MaxThinTypeBlocksInFlight; i++ {
		var h netmsg.Hash256
		h[0] = byte(i)
		require.NoError(t, r.AddInFlight(h, netmsg.PeerId(i), SchemeGraphene))
	}
	var overflow netmsg.Hash256
	overflow[0] = 0xFF
	require.ErrorIs(t, r.AddInFlight(overflow, 99, SchemeGraphene), ErrAtCapacity)
}

func TestAddInFlightIdempotent(t *testing.T) {
	r := NewRegistry(time.Second, allToggle())
	var h netmsg.Hash256
	h[0] = 1
	require.NoError(t, r.AddInFlight(h, 1, SchemeXthin))
	require.NoError(t, r.AddInFlight(h, 1, SchemeXthin))
	require.True(t, r.IsInFlight(h))
}

func TestCheckForDownloadTimeoutSkipsReceivedAndWhitelisted(t *testing.T) {
	r := NewRegistry(time.Second, allToggle())
	var received, timedOut, whitelisted netmsg.Hash256
	received[0], timedOut[0], whitelisted[0] = 1, 2, 3

	require.NoError(t, r.AddInFlight(received, 1, SchemeCompact))
	require.NoError(t, r.AddInFlight(timedOut, 2, SchemeCompact))
	require.NoError(t, r.AddInFlight(whitelisted, 3, SchemeCompact))
	r.BlockReceived(received)

	for h, e := range r.inFlight {
		_ = h
		e.started = time.Now().Add(-time.Hour)
	}

	out := r.CheckForDownloadTimeout(time.Second, func(p netmsg.PeerId) bool { return p == 3 })
	require.Len(t, out, 1)
	require.Equal(t, timedOut, out[0].Hash)
	require.False(t, r.IsInFlight(timedOut))
	require.True(t, r.IsInFlight(received))
	require.True(t, r.IsInFlight(whitelisted))
}

func TestIsTimerEnabledRequiresMixedToggle(t *testing.T) {
	r := NewRegistry(time.Second, allToggle())
	require.False(t, r.IsTimerEnabled(10), "all schemes enabled means no preference ordering needed")

	mixed := NewRegistry(time.Second, SchemeToggle{UseGrapheneBlocks: true, UseCompactBlocks: true})
	require.True(t, mixed.IsTimerEnabled(0))

	none := NewRegistry(time.Second, SchemeToggle{})
	require.False(t, none.IsTimerEnabled(10))
}

func TestHasTimerExpiredZeroBaseAlwaysExpired(t *testing.T) {
	r := NewRegistry(0, allToggle())
	var h netmsg.Hash256
	require.True(t, r.HasTimerExpired(h))
}

func TestHasTimerExpiredFalseThenTrue(t *testing.T) {
	r := NewRegistry(10*time.Millisecond, allToggle())
	var h netmsg.Hash256
	require.False(t, r.HasTimerExpired(h), "first call starts the timer and cannot itself be expired")
	time.Sleep(20 * time.Millisecond)
	require.True(t, r.HasTimerExpired(h))
}

func TestReconstructionSlotSizeCap(t *testing.T) {
	r := NewRegistry(time.Second, allToggle())
	var h netmsg.Hash256
	h[0] = 1
	slot := r.SetBlockToReconstruct(1, h, SchemeGraphene, 10)
	require.NoError(t, slot.AddBlockBytes(make([]byte, 6)))
	require.ErrorIs(t, slot.AddBlockBytes(make([]byte, 6)), ErrReconstructionTooLarge)
}

func TestClearInFlightRemovesSlots(t *testing.T) {
	r := NewRegistry(time.Second, allToggle())
	var h netmsg.Hash256
	h[0] = 1
	require.NoError(t, r.AddInFlight(h, 1, SchemeCompact))
	r.SetBlockToReconstruct(1, h, SchemeCompact, 1000)
	r.ClearInFlight(h)
	_, ok := r.ReconstructionSlotFor(1, h)
	require.False(t, ok)
}
