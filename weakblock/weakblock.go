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

// Package weakblock tracks the low-PoW second-tier block DAG: a pool of
// full blocks that arrive below the network's real difficulty, each
// optionally committing, via an OP_RETURN tag in its coinbase, to an
// earlier weak block that it extends.
package weakblock

import (
	"sync"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bucore/fullnode/bulog"
	"github.com/bucore/fullnode/netmsg"
)

const wbCommitmentLen = 36 // OP_RETURN(1) + pushlen(1) + "WB"(2) + hash(32)

// CandidateWeakHash extracts the parent commitment hash from a block's
// coinbase, if the first output carries the exact
// "OP_RETURN 0x22 'W' 'B' <32-byte hash>" pattern.
func CandidateWeakHash(block *wire.MsgBlock) (netmsg.Hash256, bool) {
	var zero netmsg.Hash256
	if len(block.Transactions) == 0 || len(block.Transactions[0].TxOut) == 0 {
		return zero, false
	}
	script := block.Transactions[0].TxOut[0].PkScript
	if len(script) != wbCommitmentLen {
		return zero, false
	}
	if script[0] != txscript.OP_RETURN || script[1] != 0x22 {
		return zero, false
	}
	if script[2] != 'W' || script[3] != 'B' {
		return zero, false
	}
	var h netmsg.Hash256
	copy(h[:], script[4:36])
	return h, true
}

// ExtendsWeak reports whether child's transaction vector, excluding the
// coinbase, starts with parent's.
func ExtendsWeak(child, parent *wire.MsgBlock) bool {
	if len(parent.Transactions) == 0 {
		return false
	}
	if len(child.Transactions) < len(parent.Transactions) {
		return false
	}
	for i := 1; i < len(parent.Transactions); i++ {
		if child.Transactions[i].TxHash() != parent.Transactions[i].TxHash() {
			return false
		}
	}
	return true
}

type node struct {
	block       *wire.MsgBlock
	hash        netmsg.Hash256
	cheap       netmsg.CheapHash
	parent      netmsg.Hash256
	hasParent   bool
	heightCache *int
}

// TipInfo is a snapshot entry returned by ChainTips.
type TipInfo struct {
	Hash   netmsg.Hash256
	Height int
}

// Store is the weak-block DAG: hashToWeak/cheapHashToWeak/extends/
// chainTips/toRemove, plus a pending-orphan index that lets a parent
// arriving after its child still get linked up.
type Store struct {
	mu sync.Mutex
	log bulog.Logger

	nodes      map[netmsg.Hash256]*node
	cheapIndex map[netmsg.CheapHash]netmsg.Hash256
	children   map[netmsg.Hash256][]netmsg.Hash256
	orphans    map[netmsg.Hash256][]netmsg.Hash256 // awaited-parent hash -> pending child hashes
	tips       []netmsg.Hash256                    // chronological order of receival
	toRemove   map[netmsg.Hash256]struct{}
}

// NewStore creates an empty weak-block store.
func NewStore() *Store {
	return &Store{
		log:        bulog.New("pkg", "weakblock"),
		nodes:      make(map[netmsg.Hash256]*node),
		cheapIndex: make(map[netmsg.CheapHash]netmsg.Hash256),
		children:   make(map[netmsg.Hash256][]netmsg.Hash256),
		orphans:    make(map[netmsg.Hash256][]netmsg.Hash256),
		toRemove:   make(map[netmsg.Hash256]struct{}),
	}
}

// Store inserts block as a weak block, reporting whether it was newly
// stored (false if its hash is already known).
func (s *Store) Store(block *wire.MsgBlock) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := block.BlockHash()
	if _, exists := s.nodes[hash]; exists {
		return false
	}

	n := &node{block: block, hash: hash, cheap: netmsg.NewCheapHash(hash)}

	if commit, ok := CandidateWeakHash(block); ok {
		if parent, ok2 := s.nodes[commit]; ok2 && ExtendsWeak(block, parent.block) {
			n.parent, n.hasParent = commit, true
		} else {
			s.orphans[commit] = append(s.orphans[commit], hash)
		}
	}

	s.insertLocked(n)
	s.reconcileOrphansLocked(hash)
	return true
}

func (s *Store) insertLocked(n *node) {
	s.nodes[n.hash] = n
	if prev, collide := s.cheapIndex[n.cheap]; collide && prev != n.hash {
		s.log.Warn("cheap-hash collision in weak-block store", "cheap", n.cheap, "existing", prev, "new", n.hash)
	}
	s.cheapIndex[n.cheap] = n.hash

	if n.hasParent {
		s.children[n.parent] = append(s.children[n.parent], n.hash)
		s.removeTipLocked(n.parent)
	}
	s.tips = append(s.tips, n.hash)
	s.invalidateLocked(n.hash)
}

// reconcileOrphansLocked links any pending children that were waiting on
// newHash to arrive, so store order does not affect the final DAG shape.
func (s *Store) reconcileOrphansLocked(newHash netmsg.Hash256) {
	pending := s.orphans[newHash]
	if len(pending) == 0 {
		return
	}
	delete(s.orphans, newHash)

	parent := s.nodes[newHash]
	for _, childHash := range pending {
		child, ok := s.nodes[childHash]
		if !ok || !ExtendsWeak(child.block, parent.block) {
			continue
		}
		child.parent, child.hasParent = newHash, true
		s.children[newHash] = append(s.children[newHash], childHash)
		s.removeTipLocked(newHash)
		s.invalidateLocked(childHash)
	}
}

func (s *Store) removeTipLocked(hash netmsg.Hash256) {
	for i, h := range s.tips {
		if h == hash {
			s.tips = append(s.tips[:i], s.tips[i+1:]...)
			return
		}
	}
}

func (s *Store) invalidateLocked(hash netmsg.Hash256) {
	n, ok := s.nodes[hash]
	if !ok {
		return
	}
	n.heightCache = nil
	for _, child := range s.children[hash] {
		s.invalidateLocked(child)
	}
}

func (s *Store) weakHeightLocked(hash netmsg.Hash256) int {
	if _, marked := s.toRemove[hash]; marked {
		return -1
	}
	n, ok := s.nodes[hash]
	if !ok {
		return -1
	}
	if n.heightCache != nil {
		return *n.heightCache
	}
	h := 0
	if n.hasParent {
		h = 1 + s.weakHeightLocked(n.parent)
	}
	n.heightCache = &h
	return h
}

// WeakHeight returns the cached/computed weak height of hash, and whether
// it is known at all.
func (s *Store) WeakHeight(hash netmsg.Hash256) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[hash]; !ok {
		return 0, false
	}
	return s.weakHeightLocked(hash), true
}

// Tip returns the weak block with the numerically largest weak height.
func (s *Store) Tip() (netmsg.Hash256, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tips) == 0 {
		return netmsg.Hash256{}, 0, false
	}
	best := s.tips[0]
	bestHeight := s.weakHeightLocked(best)
	for _, h := range s.tips[1:] {
		if height := s.weakHeightLocked(h); height > bestHeight {
			best, bestHeight = h, height
		}
	}
	return best, bestHeight, true
}

// ChainTips returns every current tip and its weak height, in
// chronological order of receival.
func (s *Store) ChainTips() []TipInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TipInfo, len(s.tips))
	for i, h := range s.tips {
		out[i] = TipInfo{Hash: h, Height: s.weakHeightLocked(h)}
	}
	return out
}

// ExpireOld runs one mark-and-sweep pass: deletes every hash marked for
// removal by the previous pass, then marks every surviving hash for the
// next pass. Two calls in succession fully flush the store. thorough
// wipes everything unconditionally.
func (s *Store) ExpireOld(thorough bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if thorough {
		s.nodes = make(map[netmsg.Hash256]*node)
		s.cheapIndex = make(map[netmsg.CheapHash]netmsg.Hash256)
		s.children = make(map[netmsg.Hash256][]netmsg.Hash256)
		s.orphans = make(map[netmsg.Hash256][]netmsg.Hash256)
		s.tips = nil
		s.toRemove = make(map[netmsg.Hash256]struct{})
		return
	}

	for hash := range s.toRemove {
		n, ok := s.nodes[hash]
		if !ok {
			continue
		}
		delete(s.nodes, hash)
		delete(s.cheapIndex, n.cheap)
		delete(s.children, hash)
		delete(s.orphans, hash)
		if n.hasParent {
			s.removeChildLocked(n.parent, hash)
		}
		s.removeTipLocked(hash)
	}

	next := make(map[netmsg.Hash256]struct{}, len(s.nodes))
	for hash, n := range s.nodes {
		next[hash] = struct{}{}
		n.heightCache = nil
	}
	s.toRemove = next
}

func (s *Store) removeChildLocked(parent, child netmsg.Hash256) {
	list := s.children[parent]
	for i, h := range list {
		if h == child {
			s.children[parent] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// NumKnownWeakblocks is the number of weak blocks currently stored.
func (s *Store) NumKnownWeakblocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// NumKnownWeakblockTransactions sums the transaction count across every
// stored weak block.
func (s *Store) NumKnownWeakblockTransactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.nodes {
		total += len(n.block.Transactions)
	}
	return total
}
