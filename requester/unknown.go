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

// Package requester is the request manager: it tracks every inventory
// item this node wants but hasn't received yet, schedules GETDATA
// requests across the peers that can supply them, adapts per-peer
// download concurrency to observed response latency, and enforces a
// cap on outstanding unsolicited requests per peer.
package requester

import (
	"container/list"
	"time"

	"github.com/bucore/fullnode/netmsg"
)

// Priority orders scheduling preference; higher values are served
// first within a scheduling round.
type Priority int

// source is one candidate peer to fetch an item from, ranked by
// desirability (higher = more preferred): thin-capable peers score
// higher when the chain is near-synced, high-latency peers score lower.
type source struct {
	peer         netmsg.PeerId
	desirability int
}

// unknownObject is the bookkeeping record for one inventory item this
// node has asked for but not yet received.
type unknownObject struct {
	inv             netmsg.Inv
	priority        Priority
	rateLimited     bool
	processing      bool
	lastRequestTime time.Time
	outstandingReqs int
	downloadingSince time.Time
	sources         *list.List // of *source, ordered most-desirable first

	element *list.Element // this object's own node in the insertion-order eviction list
}

func newUnknownObject(inv netmsg.Inv, priority Priority) *unknownObject {
	return &unknownObject{inv: inv, priority: priority, sources: list.New()}
}

// addSource inserts peer as a source if not already present, in
// desirability order (highest first).
func (u *unknownObject) addSource(peer netmsg.PeerId, desirability int) {
	for e := u.sources.Front(); e != nil; e = e.Next() {
		if e.Value.(*source).peer == peer {
			return
		}
	}
	ns := &source{peer: peer, desirability: desirability}
	for e := u.sources.Front(); e != nil; e = e.Next() {
		if e.Value.(*source).desirability < desirability {
			u.sources.InsertBefore(ns, e)
			return
		}
	}
	u.sources.PushBack(ns)
}

// removeSource drops peer from the source list, if present.
func (u *unknownObject) removeSource(peer netmsg.PeerId) {
	for e := u.sources.Front(); e != nil; e = e.Next() {
		if e.Value.(*source).peer == peer {
			u.sources.Remove(e)
			return
		}
	}
}

// clearSources drops every source (used by processingTxn, which
// releases peer refs once the data itself has arrived and is
// validating).
func (u *unknownObject) clearSources() {
	u.sources.Init()
}

// nextSource pops the most-desirable remaining source.
func (u *unknownObject) nextSource() (netmsg.PeerId, bool) {
	e := u.sources.Front()
	if e == nil {
		return 0, false
	}
	u.sources.Remove(e)
	return e.Value.(*source).peer, true
}

// pushSourceBack reinserts peer at the back of the source queue — used
// by SendRequests when the txn rate limiter or the per-peer batch cap
// defers a txn source. RequestBlock never calls it.
func (u *unknownObject) pushSourceBack(peer netmsg.PeerId, desirability int) {
	u.sources.PushBack(&source{peer: peer, desirability: desirability})
}
