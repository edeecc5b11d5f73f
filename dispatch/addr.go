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

	lru "github.com/hashicorp/golang-lru"

	"github.com/bucore/fullnode/core"
	"github.com/bucore/fullnode/netmsg"
)

// MaxAddrPerMessage is the hard cap on addresses accepted from a single
// ADDR message; anything larger is misbehaviour.
const MaxAddrPerMessage = 1000

// addrDedupCapacity bounds the rolling dedup set so a flood of distinct
// addresses can't grow it without bound; eviction just means an address
// might be relayed again sooner than ideal, never a correctness issue.
const addrDedupCapacity = 50000

// addrDedup is the rolling "have we already relayed this address"
// filter, keyed by address string. A true LRU (rather than a decaying
// rolling bloom filter) was chosen here since the per-entry cost is one
// pointer, not one bit, and the exact membership semantics (no false
// positives) make the two-reachable-plus-one-unreachable relay quota
// easier to reason about.
type addrDedup struct {
	cache *lru.Cache
}

func newAddrDedup() *addrDedup {
	c, _ := lru.New(addrDedupCapacity)
	return &addrDedup{cache: c}
}

func (d *addrDedup) seenRecently(addr string, now time.Time, window time.Duration) bool {
	if v, ok := d.cache.Get(addr); ok {
		if t, ok := v.(time.Time); ok && now.Sub(t) < window {
			return true
		}
	}
	return false
}

func (d *addrDedup) markRelayed(addr string, now time.Time) {
	d.cache.Add(addr, now)
}

// AddrEntry is one decoded address-with-timestamp from an ADDR message.
type AddrEntry struct {
	Time     time.Time
	Services uint64
	Addr     string
	Reachable bool
}

// ProcessAddr implements the ADDR contract: reject oversized batches,
// drop entries older than 10 days or claiming our own externally-visible
// address (anti-NAT self-report), feed the survivors to the address
// manager, and return the addresses selected for further relay this
// round (at most two reachable plus one unreachable, matching the
// upstream trickle-relay quota).
func (d *Dispatcher) ProcessAddr(peer netmsg.PeerId, addrMgr core.AddrManager, entries []AddrEntry, now time.Time, selfAddr string) (toRelay []AddrEntry, misbehaved bool) {
	if len(entries) > MaxAddrPerMessage {
		d.DoS.Misbehaving(peer, 20, "oversized ADDR message")
		return nil, true
	}

	const maxAge = 10 * 24 * time.Hour
	var reachable, unreachable []AddrEntry
	for _, e := range entries {
		if e.Addr == selfAddr {
			continue // anti-NAT self-report: never believe a peer telling us our own address
		}
		if now.Sub(e.Time) > maxAge || e.Time.After(now.Add(10*time.Minute)) {
			continue
		}
		addrMgr.Add(e.Addr, "")
		if d.addrCache.seenRecently(e.Addr, now, time.Hour) {
			continue
		}
		d.addrCache.markRelayed(e.Addr, now)
		if e.Reachable {
			reachable = append(reachable, e)
		} else {
			unreachable = append(unreachable, e)
		}
	}

	if len(reachable) > 2 {
		reachable = reachable[:2]
	}
	if len(unreachable) > 1 {
		unreachable = unreachable[:1]
	}
	return append(reachable, unreachable...), false
}
