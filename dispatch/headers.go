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
	lru "github.com/hashicorp/golang-lru"

	"github.com/bucore/fullnode/core"
	"github.com/bucore/fullnode/netmsg"
)

// MaxHeadersPerMessage is the contract limit on a single HEADERS batch.
const MaxHeadersPerMessage = netmsg.MaxHeadersResults

// maxUnconnectedHeaders bounds the set of header chains seen whose
// parent hasn't arrived yet; an LRU lets a determined peer's flood of
// orphan headers evict the oldest unconnected chain rather than grow
// without bound.
const maxUnconnectedHeaders = 256

// unconnectedHeaderTimeout is how long an unconnected chain stays
// eligible for a follow-up GETHEADERS before it's simply forgotten.
const unconnectedHeaderTimeout = 20 * time.Minute

type unconnectedEntry struct {
	headers []*wire.BlockHeader
	seen    time.Time
}

// headerTracker records in-flight "headers sent ahead of us" state per
// peer: the best header we've already announced to them, and any
// unconnected header chains awaiting their missing parent.
type headerTracker struct {
	bestHeaderSent map[netmsg.PeerId]netmsg.Hash256
	unconnected    *lru.Cache
}

func newHeaderTracker() *headerTracker {
	c, _ := lru.New(maxUnconnectedHeaders)
	return &headerTracker{
		bestHeaderSent: make(map[netmsg.PeerId]netmsg.Hash256),
		unconnected:    c,
	}
}

// HandleGetHeaders implements the GETHEADERS contract: walk the locator
// to find the branch point, then return up to MaxHeadersPerMessage
// headers from there, recording the last one as this peer's
// best-header-sent watermark.
func (d *Dispatcher) HandleGetHeaders(peer netmsg.PeerId, locatorHashes []netmsg.Hash256, hashStop netmsg.Hash256) []*wire.BlockHeader {
	var branch core.BlockIndex
	for _, h := range locatorHashes {
		if idx, ok := d.Chain.LookupBlockIndex(h); ok && d.Chain.Contains(idx) {
			branch = idx
			break
		}
	}
	if branch == nil {
		if idx, ok := d.Chain.LookupBlockIndex(netmsg.Hash256{}); ok {
			branch = idx
		} else {
			return nil
		}
	}

	var out []*wire.BlockHeader
	cur := branch
	for len(out) < MaxHeadersPerMessage {
		child, ok := d.nextInChain(cur)
		if !ok {
			break
		}
		out = append(out, child.Header())
		if child.Hash() == hashStop {
			break
		}
		cur = child
	}
	if len(out) > 0 {
		d.headers.bestHeaderSent[peer] = out[len(out)-1].BlockHash()
	}
	return out
}

// nextInChain finds the active-chain child of cur one height higher, by
// walking the tip's ancestry down to cur.Height()+1. Implementations of
// core.ChainView with richer indexing can make this O(1); the engine
// only needs the interface contract.
func (d *Dispatcher) nextInChain(cur core.BlockIndex) (core.BlockIndex, bool) {
	tip := d.Chain.Tip()
	if tip == nil || tip.Height() <= cur.Height() {
		return nil, false
	}
	target := cur.Height() + 1
	walk := tip
	for walk.Height() > target {
		parent, ok := d.Chain.LookupBlockIndex(netmsg.Hash256(walk.Header().PrevBlock))
		if !ok {
			return nil, false
		}
		walk = parent
	}
	return walk, true
}

// HandleHeaders implements the HEADERS contract: check the batch's
// continuity (per-header validity is left to the kernel's
// AcceptBlockHeader), accept the batch when its first header's parent
// is already known, and otherwise park the whole batch in the
// unconnected-header cache keyed off its first header. Returns the
// accepted indexes, askAgain=true when the batch was full (exactly
// MaxHeadersPerMessage), per the "ask again" rule, and whether the
// peer misbehaved.
func (d *Dispatcher) HandleHeaders(peer netmsg.PeerId, headers []*wire.BlockHeader, now time.Time) (accepted []core.BlockIndex, askAgain bool, misbehaved bool) {
	if len(headers) == 0 {
		return nil, false, false
	}
	if len(headers) > MaxHeadersPerMessage {
		d.DoS.Misbehaving(peer, 20, "oversized HEADERS message")
		return nil, false, true
	}

	for i := 1; i < len(headers); i++ {
		if headers[i].PrevBlock != headers[i-1].BlockHash() {
			d.DoS.Misbehaving(peer, 20, "non-contiguous HEADERS batch")
			return nil, false, true
		}
	}

	first := headers[0]
	if _, ok := d.Chain.LookupBlockIndex(netmsg.Hash256(first.PrevBlock)); !ok {
		key := first.BlockHash().String()
		d.headers.unconnected.Add(key, unconnectedEntry{headers: headers, seen: now})
		return nil, false, false
	}

	var state core.ValidationState
	var out []core.BlockIndex
	for _, h := range headers {
		idx, ok := d.acceptHeader(h, &state)
		if !ok {
			d.DoS.Misbehaving(peer, 10, "invalid header: "+state.Reason)
			return out, false, true
		}
		out = append(out, idx)
	}
	return out, len(headers) == MaxHeadersPerMessage, false
}

// acceptHeader is the seam HandleHeaders calls into the validation
// kernel through; split out so it can be stubbed in tests that don't
// want a full ValidationKernel.
func (d *Dispatcher) acceptHeader(h *wire.BlockHeader, state *core.ValidationState) (core.BlockIndex, bool) {
	if d.Kernel == nil {
		return nil, false
	}
	return d.Kernel.AcceptBlockHeader(h, state)
}

// PurgeStaleUnconnectedHeaders drops unconnected-header entries older
// than unconnectedHeaderTimeout, matching the anti-stall timeout, so a
// batch whose parent never arrives is not pinned in memory forever. The
// peer that sent it is not disconnected.
func (d *Dispatcher) PurgeStaleUnconnectedHeaders(now time.Time) (staleCount int) {
	for _, key := range d.headers.unconnected.Keys() {
		v, ok := d.headers.unconnected.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(v.(unconnectedEntry).seen) > unconnectedHeaderTimeout {
			d.headers.unconnected.Remove(key)
			staleCount++
		}
	}
	return staleCount
}
