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
	"container/list"
	"sync"

	"github.com/btcsuite/btcd/wire"

	"github.com/bucore/fullnode/netmsg"
)

// defaultRelayMapCapacity bounds how many just-accepted transactions
// stay available for GETDATA serving ahead of mempool eviction.
const defaultRelayMapCapacity = 100000

type relayEntry struct {
	hash netmsg.Hash256
	tx   *wire.MsgTx
	elem *list.Element
}

// RelayMap is a small insertion-order-evicted cache of transactions this
// node has just announced, so a peer's GETDATA for one can be served
// without a mempool round-trip even if it's since been evicted there.
type RelayMap struct {
	mu       sync.Mutex
	cap      int
	order    *list.List
	byHash   map[netmsg.Hash256]*relayEntry
}

// NewRelayMap builds a RelayMap holding at most capacity entries.
func NewRelayMap(capacity int) *RelayMap {
	return &RelayMap{
		cap:    capacity,
		order:  list.New(),
		byHash: make(map[netmsg.Hash256]*relayEntry),
	}
}

// Add inserts tx under hash, evicting the oldest entry if at capacity.
func (r *RelayMap) Add(hash netmsg.Hash256, tx *wire.MsgTx) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byHash[hash]; ok {
		return
	}
	e := &relayEntry{hash: hash, tx: tx}
	e.elem = r.order.PushBack(e)
	r.byHash[hash] = e
	for r.order.Len() > r.cap {
		oldest := r.order.Front()
		r.order.Remove(oldest)
		delete(r.byHash, oldest.Value.(*relayEntry).hash)
	}
}

// Get returns the transaction relayed under hash, if still cached.
func (r *RelayMap) Get(hash netmsg.Hash256) (*wire.MsgTx, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byHash[hash]
	if !ok {
		return nil, false
	}
	return e.tx, true
}

// Remove drops hash from the relay cache, e.g. once it's confirmed.
func (r *RelayMap) Remove(hash netmsg.Hash256) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byHash[hash]
	if !ok {
		return
	}
	r.order.Remove(e.elem)
	delete(r.byHash, hash)
}

// Len reports the number of cached entries.
func (r *RelayMap) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}
