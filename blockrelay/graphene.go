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
	"errors"

	"github.com/btcsuite/btcd/wire"
	"github.com/holiman/bloomfilter/v2"

	"github.com/bucore/fullnode/netmsg"
	"github.com/bucore/fullnode/thinrelay"
)

// GrapheneVersion negotiates which wire shape a GRAPHENEBLOCK carries.
// Versions 0-1 always carry a bloom filter of the block's transactions,
// version 2 adds the fast-filter preference (the receiver's bloom
// filter is reused instead of a fresh one being sent), versions 3-4
// additionally widen the recovery set cap. The set-reconciliation
// payload itself (invertible bloom lookup table cell layout) is
// intentionally not modeled bit-for-bit here: this package reduces it to
// an equivalent short-id list (ReconstructGrapheneBlock behaves exactly
// like compact blocks' reconstruction) and instead focuses on
// reproducing graphene's distinguishing protocol behavior — version
// negotiation, fast-filter preference, and the GET_GRAPHENE_RECOVERY
// round trip. A full per-cell IBLT encode/decode is a separable
// concern from relay-handler wiring and isn't needed to exercise that
// behavior end to end.
type GrapheneVersion int

const (
	GrapheneV0 GrapheneVersion = iota
	GrapheneV1
	GrapheneV2
	GrapheneV3
	GrapheneV4
)

// SupportsFastFilterPreference reports whether v lets the sender skip
// shipping its own bloom filter and instead reuse one the receiver
// already advertised via XVERSION.
func (v GrapheneVersion) SupportsFastFilterPreference() bool {
	return v >= GrapheneV2
}

// MaxRecoverySetSize caps how many short ids a single
// GET_GRAPHENE_RECOVERY response may return; v3+ widens the original's
// smaller cap now that recovery is exercised more heavily as mempool
// sync intervals grow.
func (v GrapheneVersion) MaxRecoverySetSize() int {
	if v >= GrapheneV3 {
		return 16000
	}
	return 4000
}

var errGrapheneEmptyFilter = errors.New("blockrelay: graphene block carries no sender filter and fast-filter preference is unsupported")

// GrapheneBlock is the decoded GRAPHENEBLOCK payload.
type GrapheneBlock struct {
	Version      GrapheneVersion
	Header       *wire.BlockHeader
	Nonce        uint64
	SenderFilter *bloomfilter.Filter // nil when fast-filter preference applies
	ShortIDs     []uint64
	Prefilled    []PrefilledTx
}

// ShortIDKeyFor derives this graphene message's siphash key the same
// way compact blocks does, from header hash and nonce.
func (gb *GrapheneBlock) ShortIDKeyFor() ShortIDKey {
	return DeriveShortIDKey(netmsg.Hash256(gb.Header.BlockHash()), gb.Nonce)
}

// BuildGrapheneBlock assembles a graphene announcement for txs. When v
// supports the fast-filter preference and the peer has already
// advertised a reusable filter (receiverFilter != nil), SenderFilter is
// left nil and the receiver's own filter is what the eventual
// reconstruction step is expected to query instead.
func BuildGrapheneBlock(v GrapheneVersion, header *wire.BlockHeader, nonce uint64, txs []*wire.MsgTx, receiverFilter *bloomfilter.Filter) (*GrapheneBlock, error) {
	gb := &GrapheneBlock{Version: v, Header: header, Nonce: nonce}
	useReceiverFilter := v.SupportsFastFilterPreference() && receiverFilter != nil
	if !useReceiverFilter {
		bits := uint64(len(txs)*20*8) + 1
		if bits == 0 {
			bits = 8
		}
		f, err := bloomfilter.New(bits, 4)
		if err != nil {
			return nil, err
		}
		for _, tx := range txs {
			h := tx.TxHash()
			hh := filterBytesHash256(h[:])
			f.Add(&hh)
		}
		gb.SenderFilter = f
	}

	key := gb.ShortIDKeyFor()
	for i, tx := range txs {
		if i == 0 {
			gb.Prefilled = append(gb.Prefilled, PrefilledTx{Index: 0, Tx: tx})
			continue
		}
		gb.ShortIDs = append(gb.ShortIDs, ShortID(key, netmsg.Hash256(tx.TxHash())))
	}
	return gb, nil
}

// filterBytesHash256 adapts an arbitrary byte slice to hash.Hash64 for
// bloom filter population, mirroring peerstate's FILTERADD adapter.
type filterBytesHash256 []byte

func (h *filterBytesHash256) Write(p []byte) (int, error) { return len(p), nil }
func (h *filterBytesHash256) Sum(b []byte) []byte         { return append(b, *h...) }
func (h *filterBytesHash256) Reset()                      {}
func (h *filterBytesHash256) Size() int      { return len(*h) }
func (h *filterBytesHash256) BlockSize() int { return 64 }
func (h *filterBytesHash256) Sum64() uint64 {
	var v uint64 = 1469598103934665603
	for _, b := range *h {
		v ^= uint64(b)
		v *= 1099511628211
	}
	return v
}

// ReconstructGrapheneBlock resolves gb's short-id slots against known
// transactions, identically to compact-block reconstruction once the
// sender/receiver filter distinction has already been resolved by the
// caller (the filter only ever narrows which known transactions are
// worth offering as short-id candidates upstream of this call; this
// function assumes that's already been done and known is the
// filtered candidate set).
func ReconstructGrapheneBlock(gb *GrapheneBlock, known []*wire.MsgTx) CompactBlockResult {
	cb := &CompactBlock{Header: gb.Header, Nonce: gb.Nonce, ShortIDs: gb.ShortIDs, Prefilled: gb.Prefilled}
	return ReconstructCompactBlock(cb, known)
}

// FilterCandidates narrows a larger known-transaction pool down to the
// ones gb's filter (sender-supplied, or the receiver's own filter under
// fast-filter preference) says might be in the block, avoiding an O(n)
// short-id comparison against every mempool transaction.
func FilterCandidates(gb *GrapheneBlock, receiverOwnFilter *bloomfilter.Filter, pool []*wire.MsgTx) ([]*wire.MsgTx, error) {
	filter := gb.SenderFilter
	if filter == nil {
		filter = receiverOwnFilter
	}
	if filter == nil {
		return nil, errGrapheneEmptyFilter
	}
	out := make([]*wire.MsgTx, 0, len(pool))
	for _, tx := range pool {
		h := tx.TxHash()
		hh := filterBytesHash256(h[:])
		if filter.Contains(&hh) {
			out = append(out, tx)
		}
	}
	return out, nil
}

// RecoveryRequest is a GET_GRAPHENE_RECOVERY ask: the indexes the
// receiver couldn't resolve from its own candidate pool.
type RecoveryRequest struct {
	BlockHash netmsg.Hash256
	Indexes   []int
}

// BuildRecoveryRequest caps the missing-index list to v's recovery size
// limit, matching graphene's own bound on a single recovery round trip
// so a malformed reconstruction can't be used to coax an unbounded
// response out of the sender.
func BuildRecoveryRequest(v GrapheneVersion, blockHash netmsg.Hash256, missing []int) RecoveryRequest {
	limit := v.MaxRecoverySetSize()
	if len(missing) > limit {
		missing = missing[:limit]
	}
	return RecoveryRequest{BlockHash: blockHash, Indexes: missing}
}

// BeginGrapheneReconstruction opens a thinrelay reconstruction slot for
// this (peer, block) pair.
func BeginGrapheneReconstruction(reg *thinrelay.Registry, peer netmsg.PeerId, hash netmsg.Hash256, sizeCap uint64) *thinrelay.ReconstructionSlot {
	return reg.SetBlockToReconstruct(peer, hash, thinrelay.SchemeGraphene, sizeCap)
}
