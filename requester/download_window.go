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

package requester

import (
	"github.com/bucore/fullnode/core"
	"github.com/bucore/fullnode/netmsg"
)

const maxBlocksPerBatch = 128

// FindNextBlocksToDownload walks back from peer's best-known block to
// its last common ancestor with the active chain, then forward in
// batches of up to 128, stopping at chainTip.height + BlockDownloadWindow
// or at inFlightBudget (peer.maxBlocksInTransit minus its current
// in-flight count), whichever comes first. Blocks already in flight are
// not filtered out here; the returned run includes them.
func FindNextBlocksToDownload(view core.ChainView, peer netmsg.PeerId, bestKnown core.BlockIndex, inFlightBudget int, window int) []core.BlockIndex {
	if inFlightBudget <= 0 || bestKnown == nil {
		return nil
	}
	tip := view.Tip()
	if tip == nil {
		return nil
	}
	ceiling := tip.Height() + int32(window)
	if bestKnown.Height() > ceiling {
		return nil
	}

	// Walk back to the last ancestor already present in the active chain.
	walk := bestKnown
	for walk != nil && !view.Contains(walk) {
		idx, ok := view.LookupBlockIndex(parentHashOf(walk))
		if !ok {
			break
		}
		walk = idx
	}
	if walk == nil {
		return nil
	}

	limit := inFlightBudget
	if limit > maxBlocksPerBatch {
		limit = maxBlocksPerBatch
	}

	// Forward traversal from the common ancestor's child chain up to
	// bestKnown (or the window ceiling, or the in-flight budget).
	var chain []core.BlockIndex
	for h := walk.Height() + 1; h <= bestKnown.Height() && h <= ceiling && len(chain) < limit; h++ {
		idx, ok := lookupByHeight(view, bestKnown, h)
		if !ok {
			break
		}
		chain = append(chain, idx)
	}
	return chain
}

// parentHashOf reads the previous-block hash out of idx's header.
func parentHashOf(idx core.BlockIndex) netmsg.Hash256 {
	return netmsg.Hash256(idx.Header().PrevBlock)
}

// lookupByHeight walks from bestKnown backward until it reaches height
// h, a linear fallback appropriate for the short (<=1024-block) windows
// this scheduler deals in; a real chain index would offer O(1) height
// lookup, which callers are free to provide via a more capable
// core.ChainView implementation.
func lookupByHeight(view core.ChainView, from core.BlockIndex, h int32) (core.BlockIndex, bool) {
	walk := from
	for walk != nil && walk.Height() > h {
		idx, ok := view.LookupBlockIndex(parentHashOf(walk))
		if !ok {
			return nil, false
		}
		walk = idx
	}
	if walk == nil || walk.Height() != h {
		return nil, false
	}
	return walk, true
}
