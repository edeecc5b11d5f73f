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

package blockrelay

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/bucore/fullnode/netmsg"
	"github.com/bucore/fullnode/thinrelay"
)

func makeTx(seed byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.LockTime = uint32(seed)
	return tx
}

func TestShortIDDerivationIsDeterministic(t *testing.T) {
	var hash netmsg.Hash256
	hash[0] = 7
	key := DeriveShortIDKey(hash, 42)
	key2 := DeriveShortIDKey(hash, 42)
	require.Equal(t, key, key2, "deriving the key twice from the same inputs must be deterministic")

	var txid netmsg.Hash256
	txid[0] = 9
	id1 := ShortID(key, txid)
	id2 := ShortID(key, txid)
	require.Equal(t, id1, id2)
	require.Equal(t, id1, id1&shortIDMask, "short id must fit in 48 bits")
}

func TestShortIDDerivationVariesByNonce(t *testing.T) {
	var hash netmsg.Hash256
	hash[0] = 1
	k1 := DeriveShortIDKey(hash, 1)
	k2 := DeriveShortIDKey(hash, 2)
	require.NotEqual(t, k1, k2, "different nonces must derive different keys")
}

func TestReconstructCompactBlockComplete(t *testing.T) {
	header := &wire.BlockHeader{}
	coinbase := makeTx(0)
	tx1 := makeTx(1)
	tx2 := makeTx(2)

	cb := &CompactBlock{Header: header, Nonce: 1}
	key := cb.ShortIDKeyFor()
	cb.Prefilled = []PrefilledTx{{Index: 0, Tx: coinbase}}
	cb.ShortIDs = []uint64{
		ShortID(key, netmsg.Hash256(tx1.TxHash())),
		ShortID(key, netmsg.Hash256(tx2.TxHash())),
	}

	known := []*wire.MsgTx{tx1, tx2}
	result := ReconstructCompactBlock(cb, known)
	require.True(t, result.Complete())
	require.Empty(t, result.MissingIndexes)
	require.Equal(t, coinbase, result.Txs[0])
}

func TestReconstructCompactBlockReportsMissing(t *testing.T) {
	header := &wire.BlockHeader{}
	coinbase := makeTx(0)
	tx1 := makeTx(1)
	tx2 := makeTx(2)

	cb := &CompactBlock{Header: header, Nonce: 1}
	key := cb.ShortIDKeyFor()
	cb.Prefilled = []PrefilledTx{{Index: 0, Tx: coinbase}}
	cb.ShortIDs = []uint64{
		ShortID(key, netmsg.Hash256(tx1.TxHash())),
		ShortID(key, netmsg.Hash256(tx2.TxHash())),
	}

	// Only tx1 is known; tx2 must show up as missing.
	result := ReconstructCompactBlock(cb, []*wire.MsgTx{tx1})
	require.False(t, result.Complete())
	require.Equal(t, []int{2}, result.MissingIndexes)

	ApplyBlockTxn(&result, result.MissingIndexes, []*wire.MsgTx{tx2})
	require.True(t, result.Complete())
}

func TestAssembleBlockRequiresCompleteResult(t *testing.T) {
	header := &wire.BlockHeader{}
	result := CompactBlockResult{Txs: []*wire.MsgTx{makeTx(0), nil}}
	_, ok := AssembleBlock(header, result)
	require.False(t, ok, "assembly must refuse an incomplete result")

	result.Txs[1] = makeTx(1)
	blk, ok := AssembleBlock(header, result)
	require.True(t, ok)
	require.Len(t, blk.Transactions, 2)
}

func TestBeginCompactReconstructionUsesCompactScheme(t *testing.T) {
	reg := thinrelay.NewRegistry(0, thinrelay.SchemeToggle{UseCompactBlocks: true})
	var hash netmsg.Hash256
	hash[0] = 3
	slot := BeginCompactReconstruction(reg, netmsg.PeerId(1), hash, 1<<20)
	require.Equal(t, thinrelay.SchemeCompact, slot.Scheme)
}

func TestReconstructXthinBlockFillsInlinedAndShortID(t *testing.T) {
	header := &wire.BlockHeader{}
	coinbase := makeTx(0)
	tx1 := makeTx(1)

	xb := &XthinBlock{Header: header, Salt: 99}
	key := xb.ShortIDKeyFor()
	xb.Inlined = []*wire.MsgTx{coinbase}
	xb.ShortIDs = []uint64{ShortID(key, netmsg.Hash256(tx1.TxHash()))}

	result := ReconstructXthinBlock(xb, []*wire.MsgTx{tx1})
	require.True(t, result.Complete())
	require.Equal(t, coinbase, result.Txs[0])
	require.Equal(t, tx1, result.Txs[1])
}

func TestBuildXthinBlockAlwaysInlinesCoinbase(t *testing.T) {
	header := &wire.BlockHeader{}
	coinbase := makeTx(0)
	tx1 := makeTx(1)
	xb := BuildXthinBlock(header, 5, []*wire.MsgTx{coinbase, tx1}, nil)
	require.Len(t, xb.Inlined, 2, "with no peer filter every transaction is inlined, coinbase included")
	require.Empty(t, xb.ShortIDs)
}

func TestGrapheneRoundTripWithoutFastFilterPreference(t *testing.T) {
	header := &wire.BlockHeader{}
	coinbase := makeTx(0)
	tx1 := makeTx(1)
	tx2 := makeTx(2)
	txs := []*wire.MsgTx{coinbase, tx1, tx2}

	gb, err := BuildGrapheneBlock(GrapheneV1, header, 11, txs, nil)
	require.NoError(t, err)
	require.NotNil(t, gb.SenderFilter, "v1 must carry its own filter")

	candidates, err := FilterCandidates(gb, nil, txs)
	require.NoError(t, err)
	require.NotEmpty(t, candidates)

	result := ReconstructGrapheneBlock(gb, candidates)
	require.True(t, result.Complete())
}

func TestGrapheneFastFilterPreferenceSkipsSenderFilter(t *testing.T) {
	header := &wire.BlockHeader{}
	txs := []*wire.MsgTx{makeTx(0), makeTx(1)}

	receiverFilter, err := BuildGrapheneBlock(GrapheneV1, header, 1, txs, nil)
	require.NoError(t, err)

	gb, err := BuildGrapheneBlock(GrapheneV2, header, 2, txs, receiverFilter.SenderFilter)
	require.NoError(t, err)
	require.Nil(t, gb.SenderFilter, "fast-filter preference must omit the sender's own filter")

	_, err = FilterCandidates(gb, receiverFilter.SenderFilter, txs)
	require.NoError(t, err)

	_, err = FilterCandidates(gb, nil, txs)
	require.ErrorIs(t, err, errGrapheneEmptyFilter)
}

func TestBuildRecoveryRequestCapsToVersionLimit(t *testing.T) {
	var hash netmsg.Hash256
	missing := make([]int, 5000)
	for i := range missing {
		missing[i] = i
	}
	req := BuildRecoveryRequest(GrapheneV1, hash, missing)
	require.Len(t, req.Indexes, GrapheneV1.MaxRecoverySetSize())

	req = BuildRecoveryRequest(GrapheneV4, hash, missing)
	require.Len(t, req.Indexes, 5000, "v4's wider cap must not truncate a 5000-entry set")
}

func TestChooseAnnouncementPrefersGrapheneThenCompactThenXthin(t *testing.T) {
	ann := ChooseAnnouncement(SchemeCapable{SupportsGraphene: true, SupportsCompact: true, SupportsXthin: true}, 0, 6, false)
	require.Equal(t, SchemeGraphene, ann.Scheme)

	ann = ChooseAnnouncement(SchemeCapable{SupportsCompact: true, SupportsXthin: true}, 0, 6, false)
	require.Equal(t, SchemeCompact, ann.Scheme)

	ann = ChooseAnnouncement(SchemeCapable{SupportsXthin: true}, 0, 6, false)
	require.Equal(t, SchemeXthin, ann.Scheme)
}

func TestChooseAnnouncementFallsBackDuringIBDOrAtCapacity(t *testing.T) {
	ann := ChooseAnnouncement(SchemeCapable{SupportsGraphene: true}, 0, 6, true)
	require.Equal(t, SchemeFullBlock, ann.Scheme)
	require.True(t, ann.UseInv)

	ann = ChooseAnnouncement(SchemeCapable{SupportsGraphene: true}, 6, 6, false)
	require.Equal(t, SchemeFullBlock, ann.Scheme)
}
