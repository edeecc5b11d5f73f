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

	"github.com/bucore/fullnode/netmsg"
)

// HandleDoubleSpendProof implements the DSPROOF contract: validate
// against the conflicting mempool entry, and on success return the set
// of currently-connected peers whose loaded bloom filter matches the
// double-spent outpoint's owning transaction, for rebroadcast.
func (d *Dispatcher) HandleDoubleSpendProof(peer netmsg.PeerId, dsp []byte, allPeers []netmsg.PeerId) (rebroadcastTo []netmsg.PeerId, accepted bool) {
	tx, ok := d.Mempool.AddDoubleSpendProof(dsp)
	if !ok {
		return nil, false
	}
	hash := netmsg.Hash256(tx.TxHash())
	for _, id := range allPeers {
		if id == peer {
			continue
		}
		p, ok := d.Peers.Get(id)
		if !ok || p.KnowsInventory(hash) {
			continue
		}
		if p.MatchesFilter(hash) {
			rebroadcastTo = append(rebroadcastTo, id)
		}
	}
	return rebroadcastTo, true
}

// mempoolSyncInterval is the per-peer minimum gap between accepted
// MEMPOOLSYNC requests.
const mempoolSyncInterval = 30 * time.Second

// mempoolSyncState tracks when each peer last had a mempool-sync batch
// served, so a flood of requests from one peer gets rate-limited rather
// than serialising the whole mempool repeatedly.
type mempoolSyncState struct {
	lastServed map[netmsg.PeerId]time.Time
}

func newMempoolSyncState() *mempoolSyncState {
	return &mempoolSyncState{lastServed: make(map[netmsg.PeerId]time.Time)}
}

// HandleMempoolSyncRequest implements the GET_MEMPOOLSYNC contract:
// rate-limited to one batch per peer per mempoolSyncInterval, returning
// the current mempool's transaction hashes otherwise.
func (d *Dispatcher) HandleMempoolSyncRequest(peer netmsg.PeerId, now time.Time) (hashes []netmsg.Hash256, allowed bool) {
	if last, ok := d.mempoolSync.lastServed[peer]; ok && now.Sub(last) < mempoolSyncInterval {
		return nil, false
	}
	d.mempoolSync.lastServed[peer] = now
	return d.Mempool.QueryHashes(), true
}
