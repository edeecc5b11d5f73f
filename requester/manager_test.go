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

package requester

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bucore/fullnode/netmsg"
)

func inv(b byte, t netmsg.InvType) netmsg.Inv {
	var h netmsg.Hash256
	h[0] = b
	return netmsg.Inv{Type: t, Hash: h}
}

func TestAskForCreatesEntryAndAddsSource(t *testing.T) {
	m := NewManager(DefaultConfig(), 0)
	i := inv(1, netmsg.InvBlock)
	m.AskFor(i, 1, 0, 10)
	require.Equal(t, 1, m.NumBlockEntries())
	m.AskFor(i, 2, 0, 20)
	obj := m.blocks[i.Hash]
	require.Equal(t, 2, obj.sources.Len())
}

func TestAskForSkipsProcessingEntries(t *testing.T) {
	m := NewManager(DefaultConfig(), 0)
	i := inv(1, netmsg.InvTX)
	m.AskFor(i, 1, 0, 10)
	m.ProcessingTxn(i.Hash)
	m.AskFor(i, 2, 0, 10)
	obj := m.txns[i.Hash]
	require.Equal(t, 0, obj.sources.Len(), "processing entries must not gain new sources")
}

func TestReceivedRemovesEntry(t *testing.T) {
	m := NewManager(DefaultConfig(), 0)
	i := inv(1, netmsg.InvTX)
	m.AskFor(i, 1, 0, 10)
	m.Received(i, 1)
	require.Equal(t, 0, m.NumTxnEntries())
}

func TestRejectedInsufficientFeeSetsRateLimited(t *testing.T) {
	m := NewManager(DefaultConfig(), 0)
	i := inv(1, netmsg.InvTX)
	m.AskFor(i, 1, 0, 10)
	m.Rejected(i, 1, RejectInsufficientFee)
	require.True(t, m.txns[i.Hash].rateLimited)
}

func TestProcessingTxnClearsSources(t *testing.T) {
	m := NewManager(DefaultConfig(), 0)
	i := inv(1, netmsg.InvTX)
	m.AskFor(i, 1, 0, 10)
	m.AskFor(i, 2, 0, 10)
	m.ProcessingTxn(i.Hash)
	require.Equal(t, 0, m.txns[i.Hash].sources.Len())
	require.True(t, m.txns[i.Hash].processing)
}

func TestProcessingBlockKeepsSources(t *testing.T) {
	m := NewManager(DefaultConfig(), 0)
	i := inv(1, netmsg.InvBlock)
	m.AskFor(i, 1, 0, 10)
	m.ProcessingBlock(i.Hash)
	require.Equal(t, 1, m.blocks[i.Hash].sources.Len())
	m.BlockRejected(i, 1)
	require.False(t, m.blocks[i.Hash].processing)
}

func TestTxnSoftCapEvictsOldest(t *testing.T) {
	m := NewManager(DefaultConfig(), 2)
	i1 := inv(1, netmsg.InvTX)
	i2 := inv(2, netmsg.InvTX)
	i3 := inv(3, netmsg.InvTX)
	m.AskFor(i1, 1, 0, 10)
	m.AskFor(i2, 1, 0, 10)
	m.AskFor(i3, 1, 0, 10)
	require.Equal(t, 2, m.NumTxnEntries())
	_, stillThere := m.txns[i1.Hash]
	require.False(t, stillThere, "oldest entry must be evicted once the soft cap is exceeded")
}

func TestPeerDisconnectedReleasesSourcesAndInFlight(t *testing.T) {
	m := NewManager(DefaultConfig(), 0)
	i := inv(1, netmsg.InvBlock)
	m.AskFor(i, 1, 0, 10)
	m.MarkDownloading(1, i.Hash)
	require.True(t, m.IsBlockInFlightFromPeer(1, i.Hash))

	m.PeerDisconnected(1)
	require.False(t, m.IsBlockInFlightFromPeer(1, i.Hash))
}

func TestMaxBlocksInTransitMapping(t *testing.T) {
	require.Equal(t, int32(64), maxBlocksInTransitFor(100*time.Millisecond))
	require.Equal(t, int32(56), maxBlocksInTransitFor(300*time.Millisecond))
	require.Equal(t, int32(48), maxBlocksInTransitFor(700*time.Millisecond))
	require.Equal(t, int32(32), maxBlocksInTransitFor(1100*time.Millisecond))
	require.Equal(t, int32(24), maxBlocksInTransitFor(1800*time.Millisecond))
	require.Equal(t, int32(16), maxBlocksInTransitFor(3*time.Second))
}

func TestCheckForRequestDOSTripsThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequestsMainnet = 5
	m := NewManager(cfg, 0)
	now := time.Unix(1_700_000_000, 0)
	var tripped bool
	for i := 0; i < 5; i++ {
		tripped = m.CheckForRequestDOS(1, now)
		now = now.Add(time.Millisecond)
	}
	require.True(t, tripped)
}

func TestCheckForRequestDOSDecaysOverTime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequestsMainnet = 5
	m := NewManager(cfg, 0)
	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 4; i++ {
		m.CheckForRequestDOS(1, now)
	}
	later := now.Add(20 * time.Minute)
	require.False(t, m.CheckForRequestDOS(1, later), "a long gap must decay the counter back down")
}

func TestSendRequestsRespectsRetryInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlkReqRetryInterval = time.Second
	m := NewManager(cfg, 0)
	s := NewScheduler(m)

	i := inv(1, netmsg.InvBlock)
	m.AskFor(i, 1, 0, 10)

	now := time.Unix(1_700_000_000, 0)
	reqs, _ := s.SendRequests(now, RetryNearSynced)
	require.Len(t, reqs, 1)

	// Re-add a source since nextSource consumed it; immediate re-poll
	// must not re-fire because lastRequestTime hasn't aged out.
	m.AskFor(i, 2, 0, 10)
	reqs, _ = s.SendRequests(now, RetryNearSynced)
	require.Empty(t, reqs, "entries within the retry interval must not be re-requested")
}

func TestSendRequestsDropsEntryWithNoSources(t *testing.T) {
	m := NewManager(DefaultConfig(), 0)
	s := NewScheduler(m)
	i := inv(1, netmsg.InvBlock)
	m.AskFor(i, 1, 0, 10)

	now := time.Unix(1_700_000_000, 0)
	reqs, _ := s.SendRequests(now, RetryNearSynced)
	require.Len(t, reqs, 1)

	// The single source was consumed and not replaced; the next round
	// (after the retry interval) must find no sources and drop the entry.
	later := now.Add(time.Hour)
	reqs, _ = s.SendRequests(later, RetryNearSynced)
	require.Empty(t, reqs)
	require.Equal(t, 0, m.NumBlockEntries())
}

func TestSendRequestsTxnBatchingCapsAt1000(t *testing.T) {
	cfg := DefaultConfig()
	m := NewManager(cfg, 0)
	s := NewScheduler(m)
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 1200; i++ {
		var h netmsg.Hash256
		h[0] = byte(i % 256)
		h[1] = byte(i / 256)
		m.AskFor(netmsg.Inv{Type: netmsg.InvTX, Hash: h}, 1, 0, 10)
	}
	_, batches := s.SendRequests(now, RetryNearSynced)
	require.Len(t, batches, 1)
	require.LessOrEqual(t, len(batches[0].Hashes), maxTxnBatchSize)
}
