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

package peerstate

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bucore/fullnode/netmsg"
)

const (
	activityHalfLife   = 2 * time.Hour
	attemptHalfLife    = 60 * time.Second
	evictionHalfLife   = 30 * time.Minute
	maxAttemptsBeforeBan = 4
	maxEvictionsBeforeBan = 15
	attemptBanDuration   = 4 * time.Hour
	evictionBanDuration  = 4 * time.Hour
	slowPingThreshold    = 60 * time.Second
)

// attemptRecord tracks decayed connection-attempt and eviction counts for
// one address, independent of whether a Peer is currently connected from
// it — both counters must survive disconnects to be useful.
type attemptRecord struct {
	attempts     float64
	lastAttempt  time.Time
	evictions    float64
	lastEviction time.Time
	bannedUntil  time.Time
}

// Manager tracks the live peer set and the node-level admission policy:
// inbound-slot eviction, connection-attempt/eviction bans, and feeler
// connection pacing.
type Manager struct {
	mu    sync.Mutex
	peers map[netmsg.PeerId]*Peer

	attempts map[string]*attemptRecord

	maxConnections    int
	maxOutConnections int

	feelerLimiter *rate.Limiter
	feelerRand    *rand.Rand
}

// NewManager builds a Manager with the given inbound+outbound connection
// caps and a feeler connection average interval.
func NewManager(maxConnections, maxOutConnections int, feelerInterval time.Duration) *Manager {
	perSec := 1.0 / feelerInterval.Seconds()
	return &Manager{
		peers:             make(map[netmsg.PeerId]*Peer),
		attempts:          make(map[string]*attemptRecord),
		maxConnections:    maxConnections,
		maxOutConnections: maxOutConnections,
		feelerLimiter:     rate.NewLimiter(rate.Limit(perSec), 1),
		feelerRand:        rand.New(rand.NewSource(1)),
	}
}

// Add registers a newly handshaking peer.
func (m *Manager) Add(p *Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[p.ID] = p
}

// Remove drops a peer from the live set (post-disconnect).
func (m *Manager) Remove(id netmsg.PeerId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, id)
}

// Get returns the peer record for id, if still connected.
func (m *Manager) Get(id netmsg.PeerId) (*Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[id]
	return p, ok
}

// Count returns the number of live peers, split by direction.
func (m *Manager) Count() (inbound, outbound int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.peers {
		if p.Inbound {
			inbound++
		} else {
			outbound++
		}
	}
	return
}

// AdmitInbound reports whether a new inbound connection should be
// accepted given current load. When the inbound slots are full it still
// admits the newcomer and returns the existing inbound peer to evict to
// make room; admit is false only when no inbound peer can be evicted.
func (m *Manager) AdmitInbound() (admit bool, evict *Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inboundCap := m.maxConnections - m.maxOutConnections
	var inbound []*Peer
	for _, p := range m.peers {
		if p.Inbound {
			inbound = append(inbound, p)
		}
	}
	if len(inbound) < inboundCap {
		return true, nil
	}
	victim := m.selectEvictionVictimLocked(inbound)
	return victim != nil, victim
}

// selectEvictionVictimLocked picks a slow-ping inbound peer first,
// regardless of activity; if none is slow, it picks the inbound peer
// with the smallest decayed activity count. Callers hold m.mu.
func (m *Manager) selectEvictionVictimLocked(inbound []*Peer) *Peer {
	var victim *Peer
	var victimScore int64 = math.MaxInt64
	for _, p := range inbound {
		score := p.ActivityBytes()
		slow := time.Duration(p.latencyUsecs)*time.Microsecond > slowPingThreshold
		if slow {
			score = -1 // slow-ping peers are evicted first regardless of activity
		}
		if victim == nil || score < victimScore {
			victim = p
			victimScore = score
		}
	}
	return victim
}

// DecayAll halves every live peer's activity counter. It runs only when
// called; nothing in this module calls it on the activityHalfLife
// schedule.
func (m *Manager) DecayAll() {
	m.mu.Lock()
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()
	for _, p := range peers {
		p.DecayActivity()
	}
}

func (m *Manager) attemptRecordLocked(addr string) *attemptRecord {
	a, ok := m.attempts[addr]
	if !ok {
		a = &attemptRecord{}
		m.attempts[addr] = a
	}
	return a
}

func decay(value float64, last, now time.Time, halfLife time.Duration) float64 {
	if last.IsZero() {
		return value
	}
	elapsed := now.Sub(last)
	if elapsed <= 0 {
		return value
	}
	factor := math.Pow(0.5, elapsed.Seconds()/halfLife.Seconds())
	return value * factor
}

// RecordAttempt notes a connection attempt to addr at now, decaying the
// prior count first. Once the decayed count exceeds the threshold the
// address is banned for attemptBanDuration.
func (m *Manager) RecordAttempt(addr string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.attemptRecordLocked(addr)
	a.attempts = decay(a.attempts, a.lastAttempt, now, attemptHalfLife) + 1
	a.lastAttempt = now
	if a.attempts > maxAttemptsBeforeBan {
		a.bannedUntil = now.Add(attemptBanDuration)
	}
}

// RecordEviction notes that addr was evicted at now; repeated eviction
// bans the address for evictionBanDuration once the decayed count
// exceeds the threshold.
func (m *Manager) RecordEviction(addr string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.attemptRecordLocked(addr)
	a.evictions = decay(a.evictions, a.lastEviction, now, evictionHalfLife) + 1
	a.lastEviction = now
	if a.evictions > maxEvictionsBeforeBan {
		a.bannedUntil = now.Add(evictionBanDuration)
	}
}

// IsBanned reports whether addr is currently under an attempt/eviction
// ban, independent of any collaborator-level ban list.
func (m *Manager) IsBanned(addr string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[addr]
	if !ok {
		return false
	}
	return now.Before(a.bannedUntil)
}

// FeelerReady reports whether the feeler scheduler permits dispatching a
// new feeler connection attempt right now. It combines a token-bucket
// pace of one token per average FeelerInterval with exponential jitter
// around that interval, approximating — but not reproducing exactly — a
// Poisson arrival process: x/time/rate enforces the long-run average
// rate while math/rand.ExpFloat64 supplies the per-attempt variance a
// literal fixed-interval timer would lack.
func (m *Manager) FeelerReady(now time.Time) bool {
	m.mu.Lock()
	jitter := m.feelerRand.ExpFloat64()
	m.mu.Unlock()
	if jitter > 3.0 {
		// Heavy-tailed draws stretch the wait instead of firing immediately,
		// keeping the average honest without a hard per-attempt ceiling.
		return false
	}
	return m.feelerLimiter.AllowN(now, 1)
}
