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
	"github.com/btcsuite/btcd/wire"

	"github.com/bucore/fullnode/netmsg"
	"github.com/bucore/fullnode/thinrelay"
)

// PrefilledTx is a transaction the sender included in full rather than
// as a short id — always at least the coinbase.
type PrefilledTx struct {
	Index int
	Tx    *wire.MsgTx
}

// CompactBlock is the decoded CMPCTBLOCK payload.
type CompactBlock struct {
	Header    *wire.BlockHeader
	Nonce     uint64
	ShortIDs  []uint64
	Prefilled []PrefilledTx
}

// ShortIDKeyFor derives this compact block's siphash key from its
// header hash and nonce.
func (cb *CompactBlock) ShortIDKeyFor() ShortIDKey {
	return DeriveShortIDKey(netmsg.Hash256(cb.Header.BlockHash()), cb.Nonce)
}

// CompactBlockResult is the outcome of attempting to reconstruct a
// compact block purely from already-known transactions.
type CompactBlockResult struct {
	Txs            []*wire.MsgTx // nil entries mark still-missing slots
	MissingIndexes []int
}

// ReconstructCompactBlock fills in cb's prefilled slots directly and
// resolves every short-id slot against the supplied known transactions
// (typically the mempool plus the relay cache), reporting the indexes
// that still need a GETBLOCKTXN round trip.
func ReconstructCompactBlock(cb *CompactBlock, known []*wire.MsgTx) CompactBlockResult {
	total := len(cb.ShortIDs) + len(cb.Prefilled)
	slots := make([]*wire.MsgTx, total)
	for _, p := range cb.Prefilled {
		if p.Index >= 0 && p.Index < total {
			slots[p.Index] = p.Tx
		}
	}

	key := cb.ShortIDKeyFor()
	byShortID := make(map[uint64]*wire.MsgTx, len(known))
	for _, tx := range known {
		byShortID[ShortID(key, netmsg.Hash256(tx.TxHash()))] = tx
	}

	var missing []int
	si := 0
	for i := range slots {
		if slots[i] != nil {
			continue
		}
		if si >= len(cb.ShortIDs) {
			break
		}
		id := cb.ShortIDs[si]
		si++
		if tx, ok := byShortID[id]; ok {
			slots[i] = tx
		} else {
			missing = append(missing, i)
		}
	}
	return CompactBlockResult{Txs: slots, MissingIndexes: missing}
}

// ApplyBlockTxn fills the still-missing slots of an in-progress
// reconstruction from a GETBLOCKTXN response (BLOCKTXN), keyed by the
// same absolute indexes ReconstructCompactBlock reported as missing.
func ApplyBlockTxn(result *CompactBlockResult, indexes []int, txs []*wire.MsgTx) {
	n := len(indexes)
	if len(txs) < n {
		n = len(txs)
	}
	for i := 0; i < n; i++ {
		idx := indexes[i]
		if idx >= 0 && idx < len(result.Txs) {
			result.Txs[idx] = txs[i]
		}
	}
}

// Complete reports whether every slot in result has been filled.
func (r CompactBlockResult) Complete() bool {
	for _, tx := range r.Txs {
		if tx == nil {
			return false
		}
	}
	return true
}

// AssembleBlock builds a full wire block once every slot is filled.
func AssembleBlock(header *wire.BlockHeader, result CompactBlockResult) (*wire.MsgBlock, bool) {
	if !result.Complete() {
		return nil, false
	}
	blk := wire.NewMsgBlock(header)
	for _, tx := range result.Txs {
		_ = blk.AddTransaction(tx)
	}
	return blk, true
}

// BeginCompactReconstruction opens a thinrelay reconstruction slot for
// this (peer, block) pair, for accounting parity with xthin/graphene.
func BeginCompactReconstruction(reg *thinrelay.Registry, peer netmsg.PeerId, hash netmsg.Hash256, sizeCap uint64) *thinrelay.ReconstructionSlot {
	return reg.SetBlockToReconstruct(peer, hash, thinrelay.SchemeCompact, sizeCap)
}
