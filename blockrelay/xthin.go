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
	"github.com/holiman/bloomfilter/v2"

	"github.com/bucore/fullnode/netmsg"
	"github.com/bucore/fullnode/thinrelay"
)

// XthinBlock is the decoded XTHINBLOCK payload: a header, a per-message
// salt (rather than compact blocks' per-block nonce — xthin keys off a
// salt the sender picks fresh for every reply), short ids for the
// transactions the receiver's bloom filter matched (so the receiver
// already has them), and the transactions inlined in full: the coinbase
// plus every transaction the filter did not match.
type XthinBlock struct {
	Header   *wire.BlockHeader
	Salt     uint64
	ShortIDs []uint64
	Inlined  []*wire.MsgTx
}

// ShortIDKeyFor derives this xthin message's siphash key from its
// header hash and salt.
func (xb *XthinBlock) ShortIDKeyFor() ShortIDKey {
	return DeriveShortIDKey(netmsg.Hash256(xb.Header.BlockHash()), xb.Salt)
}

// BuildXthinBlock selects, from a peer's loaded bloom filter and the
// ordered set of transactions in a block, which ones to inline in full
// (the coinbase, and any the filter doesn't match, since the peer's
// filter lists what it already holds) versus which to represent purely
// by short id (the filter matches, so the peer already has the
// transaction).
func BuildXthinBlock(header *wire.BlockHeader, salt uint64, txs []*wire.MsgTx, peerFilter *bloomfilter.Filter) *XthinBlock {
	xb := &XthinBlock{Header: header, Salt: salt}
	key := xb.ShortIDKeyFor()
	for i, tx := range txs {
		hash := netmsg.Hash256(tx.TxHash())
		if i == 0 || peerFilter == nil || !peerFilter.Contains(xthinFilterHash(hash)) {
			// Coinbase (i==0) is always sent in full; anything the
			// filter doesn't positively match is assumed unknown to the
			// peer and inlined rather than represented lazily.
			xb.Inlined = append(xb.Inlined, tx)
			continue
		}
		xb.ShortIDs = append(xb.ShortIDs, ShortID(key, hash))
	}
	return xb
}

func xthinFilterHash(hash netmsg.Hash256) *xthinHash {
	h := xthinHash(hash)
	return &h
}

// xthinHash adapts a Hash256 to hash.Hash64 for bloom filter membership
// checks, the same shape as peerstate's filter adapter.
type xthinHash netmsg.Hash256

func (h *xthinHash) Write(p []byte) (int, error) { return len(p), nil }
func (h *xthinHash) Sum(b []byte) []byte         { return append(b, h[:]...) }
func (h *xthinHash) Reset()                      {}
func (h *xthinHash) Size() int                   { return 32 }
func (h *xthinHash) BlockSize() int              { return 32 }
func (h *xthinHash) Sum64() uint64 {
	var v uint64
	for i, b := range h {
		v ^= uint64(b) << uint((i%8)*8)
	}
	return v
}

// ReconstructXthinBlock resolves xb's short-id slots against known
// transactions (mempool plus relay cache), interleaving the inlined
// transactions back into position by matching coinbase-first ordering:
// the caller supplies the expected transaction count and which absolute
// indexes were inlined (xb.Inlined is positional only by the order it
// was built in, so this takes the reconstructed order as given by the
// header's transaction count and treats every unresolved short-id slot
// as "next available position" after inlined transactions are placed).
func ReconstructXthinBlock(xb *XthinBlock, known []*wire.MsgTx) CompactBlockResult {
	total := len(xb.ShortIDs) + len(xb.Inlined)
	slots := make([]*wire.MsgTx, total)
	if len(xb.Inlined) > 0 {
		slots[0] = xb.Inlined[0] // coinbase always occupies position 0
		for i, tx := range xb.Inlined[1:] {
			slots[i+1] = tx
		}
	}

	key := xb.ShortIDKeyFor()
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
		if si >= len(xb.ShortIDs) {
			break
		}
		id := xb.ShortIDs[si]
		si++
		if tx, ok := byShortID[id]; ok {
			slots[i] = tx
		} else {
			missing = append(missing, i)
		}
	}
	return CompactBlockResult{Txs: slots, MissingIndexes: missing}
}

// BeginXthinReconstruction opens a thinrelay reconstruction slot for
// this (peer, block) pair.
func BeginXthinReconstruction(reg *thinrelay.Registry, peer netmsg.PeerId, hash netmsg.Hash256, sizeCap uint64) *thinrelay.ReconstructionSlot {
	return reg.SetBlockToReconstruct(peer, hash, thinrelay.SchemeXthin, sizeCap)
}
