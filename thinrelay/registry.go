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

// Package thinrelay tracks which blocks are currently being rebuilt via
// a compact encoding (graphene, xthin, or compact blocks), enforces the
// global cap on concurrent thin-type downloads, and runs the
// preferential-relay timer that governs how long a peer's thin rebuild
// gets before the request manager falls back to a full block.
package thinrelay

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/bucore/fullnode/netmsg"
)

// MaxThinTypeBlocksInFlight is the global cap on concurrently in-flight
// thin-type block downloads, independent of how many peers are involved.
const MaxThinTypeBlocksInFlight = 6

// ErrAtCapacity is returned by AddInFlight when the registry is already
// tracking MaxThinTypeBlocksInFlight blocks.
var ErrAtCapacity = errors.New("thinrelay: at thin-type in-flight capacity")

// Scheme identifies which compact encoding is being used to rebuild a
// block.
type Scheme int

const (
	SchemeGraphene Scheme = iota
	SchemeXthin
	SchemeCompact
)

type inFlightEntry struct {
	peer      netmsg.PeerId
	scheme    Scheme
	started   time.Time
	received  bool
}

// Registry is the thin-type relay bookkeeping: in-flight tracking, the
// preferential-relay timer, and reconstruction slots.
type Registry struct {
	mu       sync.Mutex
	inFlight map[netmsg.Hash256]*inFlightEntry

	timerBase time.Duration
	timers    map[netmsg.Hash256]time.Time
	rng       *rand.Rand

	slots map[netmsg.PeerId]map[netmsg.Hash256]*ReconstructionSlot

	schemes SchemeToggle
}

// SchemeToggle bundles the three-way thinblocks/graphene/compact feature
// toggle and the minimum-peer-count gate used to decide whether thin
// relay is worth attempting at all — supplementing the base protocol
// with the operator-facing switches a real deployment needs.
type SchemeToggle struct {
	UseThinBlocks     bool
	UseGrapheneBlocks bool
	UseCompactBlocks  bool
	MinXthinNodes     int
}

// AnyEnabled reports whether at least one thin-type scheme is turned on.
func (s SchemeToggle) AnyEnabled() bool {
	return s.UseThinBlocks || s.UseGrapheneBlocks || s.UseCompactBlocks
}

// AllEnabled reports whether every thin-type scheme is turned on.
func (s SchemeToggle) AllEnabled() bool {
	return s.UseThinBlocks && s.UseGrapheneBlocks && s.UseCompactBlocks
}

// NewRegistry builds a Registry with the given preferential-relay timer
// base duration and scheme toggle state.
func NewRegistry(timerBase time.Duration, schemes SchemeToggle) *Registry {
	return &Registry{
		inFlight:  make(map[netmsg.Hash256]*inFlightEntry),
		timerBase: timerBase,
		timers:    make(map[netmsg.Hash256]time.Time),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		slots:     make(map[netmsg.PeerId]map[netmsg.Hash256]*ReconstructionSlot),
		schemes:   schemes,
	}
}

// IsInFlight reports whether hash is currently being rebuilt by any peer.
func (r *Registry) IsInFlight(hash netmsg.Hash256) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inFlight[hash]
	return ok
}

// AddInFlight registers hash as being rebuilt from peer via scheme. It
// fails with ErrAtCapacity once MaxThinTypeBlocksInFlight entries are
// already tracked, and is a no-op if hash is already in flight.
func (r *Registry) AddInFlight(hash netmsg.Hash256, peer netmsg.PeerId, scheme Scheme) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inFlight[hash]; ok {
		return nil
	}
	if len(r.inFlight) >= MaxThinTypeBlocksInFlight {
		return ErrAtCapacity
	}
	r.inFlight[hash] = &inFlightEntry{peer: peer, scheme: scheme, started: time.Now()}
	return nil
}

// BlockReceived marks hash's in-flight entry complete; the entry stays
// in the in-flight set (CheckForDownloadTimeout skips it) until
// ClearInFlight removes it, so callers who raced the arrival don't see
// it vanish and assume a timeout.
func (r *Registry) BlockReceived(hash netmsg.Hash256) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.inFlight[hash]; ok {
		e.received = true
	}
}

// ClearInFlight removes hash from the in-flight set unconditionally.
func (r *Registry) ClearInFlight(hash netmsg.Hash256) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, hash)
	for _, byHash := range r.slots {
		delete(byHash, hash)
	}
}

// TimedOutEntry describes an in-flight thin-type download that has
// exceeded the timeout and should cause its peer to be disconnected.
type TimedOutEntry struct {
	Hash netmsg.Hash256
	Peer netmsg.PeerId
}

// CheckForDownloadTimeout scans the in-flight set for unreceived entries
// older than 6x retryInterval and returns them for disconnection,
// removing them from the registry. whitelisted peers are skipped
// entirely, matching the original's exemption for trusted/regtest
// connections.
func (r *Registry) CheckForDownloadTimeout(retryInterval time.Duration, isWhitelisted func(netmsg.PeerId) bool) []TimedOutEntry {
	const timeoutMultiplier = 6
	deadline := time.Now().Add(-timeoutMultiplier * retryInterval)

	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TimedOutEntry
	for hash, e := range r.inFlight {
		if e.received {
			continue
		}
		if isWhitelisted != nil && isWhitelisted(e.peer) {
			continue
		}
		if e.started.Before(deadline) {
			out = append(out, TimedOutEntry{Hash: hash, Peer: e.peer})
			delete(r.inFlight, hash)
		}
	}
	return out
}

// IsTimerEnabled reports whether the preferential-relay timer should be
// consulted at all: it only matters when at least one but not all
// schemes are enabled, and at least one of the enabled schemes actually
// has eligible peers (xthin needs at least MinXthinNodes peers).
func (r *Registry) IsTimerEnabled(xthinPeerCount int) bool {
	r.mu.Lock()
	enabled := r.schemes
	r.mu.Unlock()
	if !enabled.AnyEnabled() || enabled.AllEnabled() {
		return false
	}
	if enabled.UseThinBlocks && xthinPeerCount < enabled.MinXthinNodes {
		// Thin blocks is the only scheme that gates on peer count; graphene
		// and compact have no such floor.
		if !enabled.UseGrapheneBlocks && !enabled.UseCompactBlocks {
			return false
		}
	}
	return true
}

// HasTimerExpired reports whether the preferential-relay timer for hash
// has elapsed. The first call for a given hash starts the timer (with a
// +/-20% random offset around the configured base) and returns false,
// per the "0 base means already expired" open-question decision: a
// zero base always reports expired immediately, skipping the thin-type
// preference entirely.
func (r *Registry) HasTimerExpired(hash netmsg.Hash256) bool {
	if r.timerBase <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	start, ok := r.timers[hash]
	if !ok {
		jitter := 0.8 + 0.4*r.rng.Float64() // +/-20% around the base
		offset := time.Duration(float64(r.timerBase) * jitter)
		r.timers[hash] = time.Now().Add(offset)
		return false
	}
	return time.Now().After(start)
}

// ClearTimer forgets hash's preferential-relay timer, called once a
// block is fully received or abandoned.
func (r *Registry) ClearTimer(hash netmsg.Hash256) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.timers, hash)
}
