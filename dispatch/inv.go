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
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/bucore/fullnode/netmsg"
)

// maxTxConcatBytes caps how much serialized transaction data a single
// GETDATA batch reply streams back-to-back before yielding, per the
// txConcat contract.
const maxTxConcatBytes = 10 * 1024

// HandleInv implements the INV contract: reject oversized batches,
// mark every advertised hash as known to the peer, and split survivors
// into block and transaction fetch requests for the request manager.
func (d *Dispatcher) HandleInv(peer netmsg.PeerId, invs []netmsg.Inv, now time.Time) (blocksToAsk, txnsToAsk []netmsg.Inv, misbehaved bool) {
	if len(invs) > netmsg.MaxInvSize {
		d.DoS.Misbehaving(peer, 20, "oversized INV message")
		return nil, nil, true
	}
	p, ok := d.Peers.Get(peer)
	if !ok {
		return nil, nil, false
	}
	const (
		txnDesirability   = 1
		blockDesirability = 1
	)
	for _, inv := range invs {
		p.MarkKnown(inv.Hash)
		switch inv.Type {
		case netmsg.InvTX:
			d.Requests.AskFor(inv, peer, 0, txnDesirability)
			txnsToAsk = append(txnsToAsk, inv)
		case netmsg.InvBlock, netmsg.InvCmpctBlock, netmsg.InvXthinBlock, netmsg.InvGrapheneBlock:
			if _, known := d.Chain.LookupBlockIndex(inv.Hash); known {
				continue
			}
			d.Requests.AskFor(inv, peer, 0, blockDesirability)
			blocksToAsk = append(blocksToAsk, inv)
		}
	}
	return blocksToAsk, txnsToAsk, false
}

// GetDataResult is one reply the GETDATA handler produces for a single
// requested inventory item: either a ready-to-send payload or a
// NOTFOUND signal.
type GetDataResult struct {
	Inv     netmsg.Inv
	Found   bool
	Block   *wire.MsgBlock
	Tx      *wire.MsgTx
	TxBytes int
}

// HandleGetData implements the GETDATA contract for block and
// transaction items: a block is served from disk whenever its index is
// known and has valid scripts; active-chain membership and block age
// are not checked, and filtered, minPoWAge and now are not used.
// Transactions are looked up through the relay cache first, then the
// mempool; once the running serialized size of the transactions served
// by this call reaches maxTxConcatBytes, the remaining transaction items
// are reported as not found (the last one served may take the total
// past the cap).
func (d *Dispatcher) HandleGetData(peer netmsg.PeerId, items []netmsg.Inv, filtered bool, minPoWAge time.Duration, now time.Time) []GetDataResult {
	out := make([]GetDataResult, 0, len(items))
	usedBytes := 0
	for _, inv := range items {
		switch inv.Type {
		case netmsg.InvBlock, netmsg.InvFilteredBlock:
			idx, ok := d.Chain.LookupBlockIndex(inv.Hash)
			if !ok || !idx.ValidScripts() {
				out = append(out, GetDataResult{Inv: inv, Found: false})
				continue
			}
			blk, ok := d.Chain.ReadBlockFromDisk(idx)
			if !ok {
				out = append(out, GetDataResult{Inv: inv, Found: false})
				continue
			}
			out = append(out, GetDataResult{Inv: inv, Found: true, Block: blk})
		case netmsg.InvTX:
			if usedBytes >= maxTxConcatBytes {
				out = append(out, GetDataResult{Inv: inv, Found: false})
				continue
			}
			tx, ok := d.relay.Get(inv.Hash)
			if !ok {
				tx, ok = d.Mempool.Get(inv.Hash)
			}
			if !ok {
				out = append(out, GetDataResult{Inv: inv, Found: false})
				continue
			}
			size := tx.SerializeSize()
			usedBytes += size
			out = append(out, GetDataResult{Inv: inv, Found: true, Tx: tx, TxBytes: size})
		default:
			out = append(out, GetDataResult{Inv: inv, Found: false})
		}
	}
	return out
}

