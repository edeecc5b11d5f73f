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
	"math"
	"time"

	"github.com/bucore/fullnode/netmsg"
)

// availability is the per-peer best-known-block tracking used to find
// the next blocks to download from that peer.
type availability struct {
	bestKnownBlock    netmsg.Hash256
	haveBestKnown     bool
	hashLastUnknown   netmsg.Hash256
	haveLastUnknown   bool
	lastCommonBlock   netmsg.Hash256
	haveLastCommon    bool
}

func (m *Manager) availFor(peer netmsg.PeerId) *availability {
	a, ok := m.avail[peer]
	if !ok {
		a = &availability{}
		m.avail[peer] = a
	}
	return a
}

// KnownWork reports chain work for a hash; the caller (the dispatcher,
// backed by the chain collaborator) supplies it since the request
// manager itself holds no chain state.
type KnownWork func(hash netmsg.Hash256) (work int64, known bool)

// UpdateBlockAvailability records that peer has announced hash. If the
// chain view recognizes hash and it has more work than the peer's
// current best-known block, it replaces the best-known; otherwise it is
// stashed as the peer's last-unknown hash for later promotion.
func (m *Manager) UpdateBlockAvailability(peer netmsg.PeerId, hash netmsg.Hash256, knownWork KnownWork, bestWork func(netmsg.Hash256) (int64, bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.availFor(peer)

	work, known := knownWork(hash)
	if !known {
		a.hashLastUnknown = hash
		a.haveLastUnknown = true
		return
	}
	if !a.haveBestKnown {
		a.bestKnownBlock = hash
		a.haveBestKnown = true
		return
	}
	curWork, _ := bestWork(a.bestKnownBlock)
	if work > curWork {
		a.bestKnownBlock = hash
		a.haveBestKnown = true
	}
}

// ProcessBlockAvailability promotes the peer's stashed last-unknown hash
// to best-known if the chain view has since learned about it.
func (m *Manager) ProcessBlockAvailability(peer netmsg.PeerId, knownWork KnownWork, bestWork func(netmsg.Hash256) (int64, bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.availFor(peer)
	if !a.haveLastUnknown {
		return
	}
	work, known := knownWork(a.hashLastUnknown)
	if !known {
		return
	}
	if !a.haveBestKnown {
		a.bestKnownBlock = a.hashLastUnknown
		a.haveBestKnown = true
	} else if curWork, _ := bestWork(a.bestKnownBlock); work > curWork {
		a.bestKnownBlock = a.hashLastUnknown
		a.haveBestKnown = true
	}
	a.haveLastUnknown = false
}

// BestKnownBlock returns peer's currently tracked best-known block hash.
func (m *Manager) BestKnownBlock(peer netmsg.PeerId) (netmsg.Hash256, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.avail[peer]
	if !ok || !a.haveBestKnown {
		return netmsg.Hash256{}, false
	}
	return a.bestKnownBlock, true
}

const responseTimeSampleWindow = 50

// responseTimeTracker maintains one peer's response-time EWMA; the
// global overall-average EWMA used by the IBD disconnect heuristic
// lives on Manager.
type responseTimeTracker struct {
	avg      time.Duration
	samples  int
}

// recordResponseTimeLocked folds one new block-response sample into
// peer's 50-sample EWMA and the manager-wide overall-average EWMA.
// Callers hold m.mu.
func (m *Manager) recordResponseTimeLocked(peer netmsg.PeerId, elapsed time.Duration) {
	a := m.availFor(peer) // ensure peer entry exists; response time lives alongside it
	_ = a

	if m.respTimes == nil {
		m.respTimes = make(map[netmsg.PeerId]*responseTimeTracker)
	}
	t, ok := m.respTimes[peer]
	if !ok {
		t = &responseTimeTracker{avg: elapsed, samples: 1}
		m.respTimes[peer] = t
	} else {
		weight := 1.0 / float64(min(t.samples+1, responseTimeSampleWindow))
		t.avg = time.Duration((1-weight)*float64(t.avg) + weight*float64(elapsed))
		t.samples++
	}

	overallWindow := responseTimeSampleWindow * m.cfg.MaxOutConnections
	if overallWindow <= 0 {
		overallWindow = responseTimeSampleWindow
	}
	if m.overallSamples == 0 {
		m.overallAvg = elapsed
	} else {
		weight := 1.0 / float64(min(m.overallSamples+1, overallWindow))
		m.overallAvg = time.Duration((1-weight)*float64(m.overallAvg) + weight*float64(elapsed))
	}
	m.overallSamples++
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// AvgResponseTime returns peer's current response-time EWMA.
func (m *Manager) AvgResponseTime(peer netmsg.PeerId) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.respTimes[peer]
	if !ok {
		return 0, false
	}
	return t.avg, true
}

// OverallAverageResponseTime returns the manager-wide EWMA across all
// peers' block responses.
func (m *Manager) OverallAverageResponseTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overallAvg
}

// ShouldGracefullyDisconnect reports whether peer's response time is
// lagging badly enough during IBD to warrant draining its outstanding
// requests and disconnecting: more than 4x the overall average, with
// enough outbound slots already in use that losing one peer is safe.
func (m *Manager) ShouldGracefullyDisconnect(peer netmsg.PeerId, outboundInUse int, beginPruningThreshold int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.respTimes[peer]
	if !ok || m.overallAvg == 0 {
		return false
	}
	if outboundInUse < beginPruningThreshold {
		return false
	}
	return t.avg > 4*m.overallAvg
}

// maxBlocksInTransitFor maps a smoothed average response time to the
// per-peer in-flight block budget.
func maxBlocksInTransitFor(avg time.Duration) int32 {
	switch {
	case avg < 200*time.Millisecond:
		return 64
	case avg < 500*time.Millisecond:
		return 56
	case avg < 900*time.Millisecond:
		return 48
	case avg < 1400*time.Millisecond:
		return 32
	case avg < 2000*time.Millisecond:
		return 24
	default:
		return 16
	}
}

// MaxBlocksInTransit returns the in-flight block budget peer should be
// given right now, based on its current response-time EWMA (64 for a
// peer with no samples yet, the optimistic default).
func (m *Manager) MaxBlocksInTransit(peer netmsg.PeerId) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.respTimes[peer]
	if !ok {
		return 64
	}
	return maxBlocksInTransitFor(t.avg)
}

// dosCounter is the decayed per-peer unsolicited-request counter.
type dosCounter struct {
	count    float64
	lastSeen time.Time
}

const requestDOSHalfLifeSeconds = 600.0

// CheckForRequestDOS decays peer's request counter by
// (1 - 1/600)^deltaSeconds, increments it by one, and reports whether
// the peer should be disconnected for exceeding the threshold.
func (m *Manager) CheckForRequestDOS(peer netmsg.PeerId, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.requestCounter[peer]
	if !ok {
		c = &dosCounter{lastSeen: now}
		m.requestCounter[peer] = c
	}
	if !c.lastSeen.IsZero() {
		delta := now.Sub(c.lastSeen).Seconds()
		if delta > 0 {
			c.count *= math.Pow(1.0-1.0/requestDOSHalfLifeSeconds, delta)
		}
	}
	c.lastSeen = now
	c.count++
	return c.count >= float64(m.cfg.MaxRequestsMainnet)
}
