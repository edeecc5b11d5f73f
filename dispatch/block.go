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

package dispatch

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/holiman/bloomfilter/v2"

	"github.com/bucore/fullnode/core"
	"github.com/bucore/fullnode/netmsg"
	"github.com/bucore/fullnode/peerstate"
	"github.com/bucore/fullnode/requester"
	"github.com/bucore/fullnode/wireerr"
)

// HandleTx implements the TX contract: gated on blocksonly/whitelist
// policy, feeds the transaction to the request manager's bookkeeping
// and stashes it in the relay cache so a following GETDATA from another
// peer can be served without a mempool round trip.
func (d *Dispatcher) HandleTx(peer netmsg.PeerId, tx *wire.MsgTx, blocksOnly bool, whitelisted bool) (rejectReason wireerr.RejectCode, rejected bool) {
	hash := netmsg.Hash256(tx.TxHash())
	inv := netmsg.Inv{Type: netmsg.InvTX, Hash: hash}
	if blocksOnly && !whitelisted {
		d.Requests.Rejected(inv, peer, requester.RejectOther)
		return wireerr.RejectNonstandard, true
	}
	d.Requests.ProcessingTxn(hash)
	d.relay.Add(hash, tx)
	d.Requests.Received(inv, peer)
	return 0, false
}

// HandleBlockMessage implements the BLOCK contract's dispatcher-facing
// half: size sanity, in-flight bookkeeping, and handing the block to the
// validation kernel. The parallel validation dispatcher owns everything
// that happens once ProcessNewBlock is called; this is only the single
// synchronous entry point into it.
func (d *Dispatcher) HandleBlockMessage(peer netmsg.PeerId, block *wire.MsgBlock, maxBlockSize uint64) (accepted bool, rejectReason wireerr.RejectCode) {
	hash := netmsg.Hash256(block.Header.BlockHash())
	inv := netmsg.Inv{Type: netmsg.InvBlock, Hash: hash}
	if block.SerializeSize() > int(maxBlockSize) {
		d.Requests.BlockRejected(inv, peer)
		d.DoS.Misbehaving(peer, 100, "oversized BLOCK message")
		return false, wireerr.RejectInvalid
	}
	d.Requests.ProcessingBlock(hash)
	var state core.ValidationState
	if d.Kernel == nil || !d.Kernel.ProcessNewBlock(&state, block, false, true) {
		d.Requests.BlockRejected(inv, peer)
		return false, wireerr.RejectInvalid
	}
	d.Requests.Received(inv, peer)
	return true, 0
}

// HandleReject implements the REJECT contract: feed the rejection back
// into the request manager so the source is deprioritized for the
// rejected item.
func (d *Dispatcher) HandleReject(peer netmsg.PeerId, invType netmsg.InvType, hash netmsg.Hash256, code wireerr.RejectCode) {
	reason := requester.RejectOther
	if code == wireerr.RejectInsufficientFee {
		reason = requester.RejectInsufficientFee
	}
	d.Requests.Rejected(netmsg.Inv{Type: invType, Hash: hash}, peer, reason)
}

// FilterLoadMsg is the decoded FILTERLOAD payload.
type FilterLoadMsg struct {
	Filter    []byte
	HashFuncs uint32
	Tweak     uint32
	Flags     byte
}

// maxFilterBytes/maxFilterHashFuncs are the BIP37 wire limits; anything
// past them is misbehaviour.
const (
	maxFilterBytes     = 36000
	maxFilterHashFuncs = 50
)

// HandleFilterLoad implements the FILTERLOAD contract. holiman's bloom
// filter is built by adding elements, not by loading an arbitrary bit
// array, so a peer's filter starts empty here and is populated by the
// FILTERADD messages that follow — see DESIGN.md for the library-gap
// note.
func (d *Dispatcher) HandleFilterLoad(peer netmsg.PeerId, p *peerstate.Peer, msg FilterLoadMsg) (misbehaved bool) {
	if len(msg.Filter) > maxFilterBytes || msg.HashFuncs > maxFilterHashFuncs {
		d.DoS.Misbehaving(peer, 100, "oversized FILTERLOAD")
		return true
	}
	bits := uint64(len(msg.Filter)) * 8
	if bits == 0 {
		bits = 1
	}
	k := uint64(msg.HashFuncs)
	if k == 0 {
		k = 1
	}
	f, err := bloomfilter.New(bits, k)
	if err != nil {
		d.DoS.Misbehaving(peer, 100, "malformed FILTERLOAD")
		return true
	}
	p.SetFilter(f)
	return false
}

// HandleFilterAdd implements the FILTERADD contract: rejects elements
// past BIP37's 520-byte element cap, otherwise folds data into the
// peer's loaded filter (a no-op, misbehaviour-free, if no filter is
// loaded).
func (d *Dispatcher) HandleFilterAdd(peer netmsg.PeerId, p *peerstate.Peer, data []byte) (misbehaved bool) {
	const maxElementSize = 520
	if len(data) > maxElementSize {
		d.DoS.Misbehaving(peer, 100, "oversized FILTERADD element")
		return true
	}
	p.AddFilterElement(data)
	return false
}

// HandleFilterClear implements the FILTERCLEAR contract: drop the
// peer's filter entirely, reverting it to full relay.
func (d *Dispatcher) HandleFilterClear(p *peerstate.Peer) {
	p.SetFilter(nil)
}
