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

package validate

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/bucore/fullnode/core"
	"github.com/bucore/fullnode/netmsg"
)

type fakeKernel struct {
	accept bool
	reason string
	delay  time.Duration
}

func (k *fakeKernel) ProcessNewBlock(state *core.ValidationState, block *wire.MsgBlock, forceProcess, parallel bool) bool {
	if k.delay > 0 {
		time.Sleep(k.delay)
	}
	state.Valid = k.accept
	state.Reason = k.reason
	return k.accept
}
func (k *fakeKernel) AcceptBlockHeader(h *wire.BlockHeader, state *core.ValidationState) (core.BlockIndex, bool) {
	return nil, false
}
func (k *fakeKernel) CheckBlockHeader(h *wire.BlockHeader, state *core.ValidationState) bool { return true }

func TestHandleBlockMessageAccepts(t *testing.T) {
	d := NewDispatcher(2)
	k := &fakeKernel{accept: true}
	var hash netmsg.Hash256
	hash[0] = 1
	res := d.HandleBlockMessage(k, wire.NewMsgBlock(&wire.BlockHeader{}), hash, netmsg.Hash256{}, big.NewInt(10), 1, 1000, time.Now())
	require.True(t, res.Accepted)
	require.Equal(t, 0, d.Count(), "thread entry must be cleaned up after completion")
}

func TestHandleBlockMessageRejects(t *testing.T) {
	d := NewDispatcher(2)
	k := &fakeKernel{accept: false, reason: "bad-pow"}
	var hash netmsg.Hash256
	hash[0] = 2
	res := d.HandleBlockMessage(k, wire.NewMsgBlock(&wire.BlockHeader{}), hash, netmsg.Hash256{}, big.NewInt(10), 1, 1000, time.Now())
	require.False(t, res.Accepted)
	require.Equal(t, "bad-pow", res.Reason)
}

func TestQuitCompetingThreadsStopsLowerWorkOnly(t *testing.T) {
	d := NewDispatcher(2)
	var lowHash, highHash netmsg.Hash256
	lowHash[0], highHash[0] = 1, 2
	d.register(lowHash, netmsg.Hash256{}, big.NewInt(5), 1, 100, time.Now())
	d.register(highHash, netmsg.Hash256{}, big.NewInt(50), 2, 100, time.Now())

	d.quitCompetingThreads(highHash, big.NewInt(50))

	require.True(t, d.quitReceived(lowHash), "lower-chainwork thread must be signalled to quit")
	require.False(t, d.quitReceived(highHash), "winning thread must not be signalled to quit")
}

func TestStopAllValidationThreads(t *testing.T) {
	d := NewDispatcher(2)
	var h1, h2 netmsg.Hash256
	h1[0], h2[0] = 1, 2
	d.register(h1, netmsg.Hash256{}, big.NewInt(1), 1, 10, time.Now())
	d.register(h2, netmsg.Hash256{}, big.NewInt(2), 2, 10, time.Now())
	d.stopAllValidationThreads()
	require.True(t, d.quitReceived(h1))
	require.True(t, d.quitReceived(h2))
}

func TestCleanupRenumbersSequenceIds(t *testing.T) {
	d := NewDispatcher(2)
	var h1, h2, h3 netmsg.Hash256
	h1[0], h2[0], h3[0] = 1, 2, 3
	d.register(h1, netmsg.Hash256{}, big.NewInt(1), 1, 10, time.Now())
	d.register(h2, netmsg.Hash256{}, big.NewInt(1), 1, 10, time.Now())
	d.register(h3, netmsg.Hash256{}, big.NewInt(1), 1, 10, time.Now())

	d.cleanup(h2)

	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[uint64]bool)
	for _, th := range d.threads {
		seen[th.SequenceId] = true
	}
	require.Len(t, seen, 2)
	require.True(t, seen[1] && seen[2], "sequence ids should be renumbered 1..N with no gaps")
}

func TestScriptCheckPoolBoundsConcurrency(t *testing.T) {
	pool := NewScriptCheckPool(2)
	ctx := context.Background()
	require.NoError(t, pool.Acquire(ctx))
	require.NoError(t, pool.Acquire(ctx))
	require.False(t, pool.TryAcquire(), "third permit must not be available with only 2 slots")
	pool.Release()
	require.True(t, pool.TryAcquire())
}

func TestCheckSigOpsStandardnessRejectsShortScriptSig(t *testing.T) {
	// 43*2-60 = 26 required bytes.
	item := ScriptCheckItem{ScriptSig: make([]byte, 10), ConsensusSigCheckCount: 2}
	require.ErrorIs(t, CheckSigOpsStandardness(item), ErrSigChecksLimitExceeded)
}

func TestCheckSigOpsStandardnessAllowsLongEnoughScriptSig(t *testing.T) {
	// 43*1-60 = -17 -> clamped to 0, so any length (including zero) passes
	// for a single sigcheck.
	item := ScriptCheckItem{ScriptSig: nil, ConsensusSigCheckCount: 1}
	require.NoError(t, CheckSigOpsStandardness(item))

	// 43*3-60 = 69 required bytes.
	item2 := ScriptCheckItem{ScriptSig: make([]byte, 69), ConsensusSigCheckCount: 3}
	require.NoError(t, CheckSigOpsStandardness(item2))
	item3 := ScriptCheckItem{ScriptSig: make([]byte, 68), ConsensusSigCheckCount: 3}
	require.ErrorIs(t, CheckSigOpsStandardness(item3), ErrSigChecksLimitExceeded)
}
