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

package weakblock

import (
	"math/rand"
	"testing"
	"time"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/bucore/fullnode/netmsg"
)

func commitScript(parent netmsg.Hash256) []byte {
	s := make([]byte, 0, wbCommitmentLen)
	s = append(s, txscript.OP_RETURN, 0x22, 'W', 'B')
	s = append(s, parent[:]...)
	return s
}

func fillerTx(seed byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(int64(seed), []byte{seed}))
	return tx
}

// newWeak builds a distinct block (nonce varies the header so BlockHash is
// unique) with n extra filler transactions after a parent's, optionally
// committing to parentHash via the coinbase's first output.
func newWeak(nonce uint32, parentHash *netmsg.Hash256, shared []*wire.MsgTx, extra int) *wire.MsgBlock {
	header := &wire.BlockHeader{
		Timestamp: time.Unix(int64(nonce), 0),
		Nonce:     nonce,
	}
	blk := wire.NewMsgBlock(header)

	coinbase := wire.NewMsgTx(wire.TxVersion)
	coinbase.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0xffffffff}})
	var script []byte
	if parentHash != nil {
		script = commitScript(*parentHash)
	} else {
		script = []byte{0x6a}
	}
	coinbase.AddTxOut(wire.NewTxOut(50, script))
	_ = blk.AddTransaction(coinbase)

	for _, tx := range shared {
		_ = blk.AddTransaction(tx)
	}
	for i := 0; i < extra; i++ {
		_ = blk.AddTransaction(fillerTx(byte(nonce) + byte(i) + 1))
	}
	return blk
}

func TestCandidateWeakHashRoundTrip(t *testing.T) {
	var parent netmsg.Hash256
	parent[0] = 0xAB
	blk := newWeak(1, &parent, nil, 0)
	got, ok := CandidateWeakHash(blk)
	require.True(t, ok)
	require.Equal(t, parent, got)
}

func TestExtendsWeak(t *testing.T) {
	shared := []*wire.MsgTx{fillerTx(1), fillerTx(2)}
	parent := newWeak(1, nil, shared, 0)
	parentHash := parent.BlockHash()
	child := newWeak(2, &parentHash, shared, 1)
	require.True(t, ExtendsWeak(child, parent))

	other := newWeak(3, nil, []*wire.MsgTx{fillerTx(9)}, 0)
	require.False(t, ExtendsWeak(other, parent))
}

func TestWeakChainTipFlip(t *testing.T) {
	s := NewStore()

	w0 := newWeak(1, nil, nil, 0)
	require.True(t, s.Store(w0))
	h0 := w0.BlockHash()

	sharedW1 := []*wire.MsgTx{fillerTx(1)}
	w1 := newWeak(2, &h0, sharedW1, 1)
	require.True(t, s.Store(w1))
	h1 := w1.BlockHash()

	sharedW2 := append(append([]*wire.MsgTx{}, sharedW1...), w1.Transactions[len(w1.Transactions)-1])
	w2 := newWeak(3, &h1, sharedW2, 2)
	require.True(t, s.Store(w2))
	h2 := w2.BlockHash()

	tip, height, ok := s.Tip()
	require.True(t, ok)
	require.Equal(t, h2, tip)
	require.Equal(t, 2, height)

	sharedW1p := append([]*wire.MsgTx{}, w1.Transactions[1:]...)
	w1p := newWeak(4, &h1, sharedW1p, 3)
	require.True(t, s.Store(w1p))
	h1p := w1p.BlockHash()

	sharedW1pp := append([]*wire.MsgTx{}, w1p.Transactions[1:]...)
	w1pp := newWeak(5, &h1p, sharedW1pp, 1)
	require.True(t, s.Store(w1pp))
	h1pp := w1pp.BlockHash()

	tip, height, ok = s.Tip()
	require.True(t, ok)
	require.Equal(t, h1pp, tip)
	require.Equal(t, 3, height)
}

func TestExpireOldTwoPassFlush(t *testing.T) {
	s := NewStore()
	w0 := newWeak(1, nil, nil, 0)
	s.Store(w0)
	h0 := w0.BlockHash()
	w1 := newWeak(2, &h0, nil, 1)
	s.Store(w1)

	require.Equal(t, 2, s.NumKnownWeakblocks())
	s.ExpireOld(false)
	require.Equal(t, 2, s.NumKnownWeakblocks(), "first pass only marks, does not delete")
	s.ExpireOld(false)
	require.Equal(t, 0, s.NumKnownWeakblocks(), "second pass sweeps everything marked")
}

func TestOrphanReconciledWhenParentArrivesLate(t *testing.T) {
	shared := []*wire.MsgTx{fillerTx(7)}
	parent := newWeak(1, nil, shared, 0)
	parentHash := parent.BlockHash()
	child := newWeak(2, &parentHash, shared, 1)

	s := NewStore()
	require.True(t, s.Store(child)) // arrives first, becomes a root
	h, ok := s.WeakHeight(child.BlockHash())
	require.True(t, ok)
	require.Equal(t, 0, h)

	require.True(t, s.Store(parent)) // arrives second, should retroactively link
	h, ok = s.WeakHeight(child.BlockHash())
	require.True(t, ok)
	require.Equal(t, 1, h)
}

func TestWeakblockDAGOrderIndependence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	const n = 12
	blocks := make([]*wire.MsgBlock, n)
	hashes := make([]netmsg.Hash256, n)
	var shared []*wire.MsgTx

	for i := 0; i < n; i++ {
		var parentPtr *netmsg.Hash256
		if i > 0 && rng.Intn(4) != 0 { // ~75% chance of extending the previous block
			parentPtr = &hashes[i-1]
		}
		blk := newWeak(uint32(i+1), parentPtr, shared, 1)
		blocks[i] = blk
		hashes[i] = blk.BlockHash()
		if parentPtr != nil {
			shared = append(append([]*wire.MsgTx{}, shared...), blk.Transactions[len(blk.Transactions)-1])
		} else {
			shared = []*wire.MsgTx{blk.Transactions[len(blk.Transactions)-1]}
		}
	}

	reference := NewStore()
	for _, b := range blocks {
		reference.Store(b)
	}
	wantHeights := make(map[netmsg.Hash256]int, n)
	for _, h := range hashes {
		height, ok := reference.WeakHeight(h)
		require.True(t, ok)
		wantHeights[h] = height
	}
	wantTips := map[netmsg.Hash256]bool{}
	for _, tip := range reference.ChainTips() {
		wantTips[tip.Hash] = true
	}

	for attempt := 0; attempt < 5; attempt++ {
		perm := rng.Perm(n)
		shuffled := NewStore()
		for _, idx := range perm {
			shuffled.Store(blocks[idx])
		}
		for _, h := range hashes {
			height, ok := shuffled.WeakHeight(h)
			require.True(t, ok)
			require.Equal(t, wantHeights[h], height)
		}
		gotTips := map[netmsg.Hash256]bool{}
		for _, tip := range shuffled.ChainTips() {
			gotTips[tip.Hash] = true
		}
		require.Equal(t, wantTips, gotTips)
	}
}
