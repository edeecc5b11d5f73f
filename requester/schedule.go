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
	"time"

	"golang.org/x/time/rate"

	"github.com/bucore/fullnode/netmsg"
	"github.com/bucore/fullnode/thinrelay"
)

// RetryShape selects which retry-interval multiplier applies this round.
type RetryShape int

const (
	// RetryNearSynced applies the x1 multiplier: chain is near-synced and
	// the link isn't being traffic-shaped.
	RetryNearSynced RetryShape = iota
	// RetryIBD applies the x2 (blocks) / x8 (txns) multiplier.
	RetryIBD
	// RetryShaped applies the x6 (blocks) / x24 (txns) multiplier: the
	// shaper is actively throttling this connection.
	RetryShaped
)

func blockRetryMultiplier(shape RetryShape) time.Duration {
	switch shape {
	case RetryIBD:
		return 2
	case RetryShaped:
		return 6
	default:
		return 1
	}
}

func txnRetryMultiplier(shape RetryShape) time.Duration {
	switch shape {
	case RetryIBD:
		return 8
	case RetryShaped:
		return 24
	default:
		return 1
	}
}

// BlockRequester abstracts the per-scheme request emission (graphene /
// xthin / compact / full GETDATA) the scheduler calls once it has
// chosen a peer and scheme for a block. It returns false if the request
// could not be placed (e.g. the thin-type in-flight cap was hit); the
// source SendRequests already took for that block is not put back.
type BlockRequester interface {
	RequestGraphene(peer netmsg.PeerId, hash netmsg.Hash256) bool
	RequestXthin(peer netmsg.PeerId, hash netmsg.Hash256) bool
	RequestCompact(peer netmsg.PeerId, hash netmsg.Hash256) bool
	RequestFullBlock(peer netmsg.PeerId, hash netmsg.Hash256) bool
}

// PeerCapabilities reports what a candidate peer supports, for
// requestBlock's preference ordering.
type PeerCapabilities interface {
	SupportsGraphene(peer netmsg.PeerId) bool
	SupportsXthin(peer netmsg.PeerId) bool
	SupportsCompact(peer netmsg.PeerId) bool
}

// RequestBlock implements the block-source selection contract: while
// the thin-type relay's preferential timer has not expired (or is
// disabled), it prefers graphene, then xthin, then compact; once
// expired, it falls back to a plain GETDATA(MSG_BLOCK). A scheme is
// only attempted if the peer supports it and thinrelay admits another
// in-flight thin-type download.
func RequestBlock(reg *thinrelay.Registry, caps PeerCapabilities, br BlockRequester, peer netmsg.PeerId, hash netmsg.Hash256) bool {
	preferThin := !reg.HasTimerExpired(hash)
	if preferThin {
		if caps.SupportsGraphene(peer) && reg.AddInFlight(hash, peer, thinrelay.SchemeGraphene) == nil {
			if br.RequestGraphene(peer, hash) {
				return true
			}
			reg.ClearInFlight(hash)
		}
		if caps.SupportsXthin(peer) && reg.AddInFlight(hash, peer, thinrelay.SchemeXthin) == nil {
			if br.RequestXthin(peer, hash) {
				return true
			}
			reg.ClearInFlight(hash)
		}
		if caps.SupportsCompact(peer) && reg.AddInFlight(hash, peer, thinrelay.SchemeCompact) == nil {
			if br.RequestCompact(peer, hash) {
				return true
			}
			reg.ClearInFlight(hash)
		}
		return false
	}
	return br.RequestFullBlock(peer, hash)
}

// newTxnLimiter builds the limiter that rate-limits outgoing txn GETDATA batches globally
// across all peers (15000 burst, 10000/sec average), matching the
// shaping budget applied to block requests by the per-connection
// shaper.
func newTxnLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(10000), 15000)
}

// Scheduler drives one sendRequests round over both tables.
type Scheduler struct {
	m        *Manager
	txnLimit *rate.Limiter
}

// NewScheduler builds a Scheduler bound to m.
func NewScheduler(m *Manager) *Scheduler {
	return &Scheduler{m: m, txnLimit: newTxnLimiter()}
}

// BlockRequest is one scheduled GETDATA candidate the caller should
// issue via requestBlock/BlockRequester, surfaced from a scheduling
// round so the caller can batch per-peer GETDATAs during IBD.
type BlockRequest struct {
	Peer netmsg.PeerId
	Hash netmsg.Hash256
}

// TxnBatch is a set of txn hashes to request from one peer in a single
// GETDATA, capped at 1000 entries.
type TxnBatch struct {
	Peer   netmsg.PeerId
	Hashes []netmsg.Hash256
}

const maxTxnBatchSize = 1000

// SendRequests runs one scheduling pass: it walks the block table and
// the txn table, determines which entries are eligible for a
// (re-)request this round given shape, and returns two batches — block
// requests (one per eligible entry, for the caller to run through
// RequestBlock) and per-peer txn batches (already deduplicated and
// capped at 1000 hashes) honoring the global rate limit.
func (s *Scheduler) SendRequests(now time.Time, shape RetryShape) ([]BlockRequest, []TxnBatch) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	var blockReqs []BlockRequest
	blockInterval := s.m.cfg.BlkReqRetryInterval * blockRetryMultiplier(shape)
	for hash, obj := range s.m.blocks {
		if obj.processing {
			continue
		}
		eligible := obj.lastRequestTime.IsZero() ||
			now.Sub(obj.lastRequestTime) > blockInterval ||
			(!obj.downloadingSince.IsZero() && now.Sub(obj.downloadingSince) > s.m.cfg.BlockLookAheadInterval)
		if !eligible {
			continue
		}
		peer, ok := obj.nextSource()
		if !ok {
			delete(s.m.blocks, hash)
			if obj.element != nil {
				s.m.txnOrder.Remove(obj.element)
			}
			continue
		}
		obj.lastRequestTime = now
		obj.outstandingReqs++
		blockReqs = append(blockReqs, BlockRequest{Peer: peer, Hash: hash})
	}

	txnInterval := s.m.cfg.TxReqRetryInterval * txnRetryMultiplier(shape)
	byPeer := make(map[netmsg.PeerId][]netmsg.Hash256)
	for hash, obj := range s.m.txns {
		if obj.processing || obj.rateLimited {
			continue
		}
		if !obj.lastRequestTime.IsZero() && now.Sub(obj.lastRequestTime) <= txnInterval {
			continue
		}
		peer, ok := obj.nextSource()
		if !ok {
			continue
		}
		if !s.txnLimit.AllowN(now, 1) {
			obj.pushSourceBack(peer, 0)
			continue
		}
		obj.lastRequestTime = now
		obj.outstandingReqs++
		if len(byPeer[peer]) < maxTxnBatchSize {
			byPeer[peer] = append(byPeer[peer], hash)
		} else {
			obj.pushSourceBack(peer, 0)
		}
	}

	var txnBatches []TxnBatch
	for peer, hashes := range byPeer {
		txnBatches = append(txnBatches, TxnBatch{Peer: peer, Hashes: hashes})
	}
	return blockReqs, txnBatches
}

// MarkDownloading records that a block request has transitioned from
// "asked" to "actively downloading" (i.e. the peer has started
// streaming it), starting the blockLookAheadInterval clock used by the
// eligibility check above.
func (m *Manager) MarkDownloading(peer netmsg.PeerId, hash netmsg.Hash256) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.blocks[hash]; ok {
		obj.downloadingSince = time.Now()
	}
	m.markBlockInFlight(peer, hash)
}
