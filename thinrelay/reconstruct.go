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

package thinrelay

import (
	"errors"
	"sync"

	"github.com/bucore/fullnode/netmsg"
)

// ErrReconstructionTooLarge is returned once a reconstruction slot's
// accumulated byte count would exceed maxMessageSizeMultiplier times
// excessiveBlockSize.
var ErrReconstructionTooLarge = errors.New("thinrelay: reconstruction exceeds size cap")

// ReconstructionSlot accumulates a partially-rebuilt block's serialized
// bytes as graphene/xthin/compact fill pieces arrive, independent of
// which scheme is doing the filling.
type ReconstructionSlot struct {
	mu       sync.Mutex
	Scheme   Scheme
	Hash     netmsg.Hash256
	sizeCap  uint64
	buf      []byte
	complete bool
}

// SetBlockToReconstruct opens a reconstruction slot for hash on behalf
// of peer, replacing any previous slot for the same (peer, hash) pair.
// sizeCap is maxMessageSizeMultiplier * excessiveBlockSize.
func (r *Registry) SetBlockToReconstruct(peer netmsg.PeerId, hash netmsg.Hash256, scheme Scheme, sizeCap uint64) *ReconstructionSlot {
	slot := &ReconstructionSlot{Scheme: scheme, Hash: hash, sizeCap: sizeCap}

	r.mu.Lock()
	defer r.mu.Unlock()
	byHash, ok := r.slots[peer]
	if !ok {
		byHash = make(map[netmsg.Hash256]*ReconstructionSlot)
		r.slots[peer] = byHash
	}
	byHash[hash] = slot
	return slot
}

// ReconstructionSlotFor returns the open slot for (peer, hash), if any.
func (r *Registry) ReconstructionSlotFor(peer netmsg.PeerId, hash netmsg.Hash256) (*ReconstructionSlot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byHash, ok := r.slots[peer]
	if !ok {
		return nil, false
	}
	slot, ok := byHash[hash]
	return slot, ok
}

// AddBlockBytes appends n more reconstructed bytes to the slot, failing
// once the running total would exceed the configured size cap — this is
// the only bound against a malicious peer streaming an unbounded
// "reconstruction" that never completes.
func (s *ReconstructionSlot) AddBlockBytes(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uint64(len(s.buf)+len(b)) > s.sizeCap {
		return ErrReconstructionTooLarge
	}
	s.buf = append(s.buf, b...)
	return nil
}

// MarkComplete records that the slot has received every piece its
// scheme requires (the dispatcher's per-scheme handler is responsible
// for knowing when that is).
func (s *ReconstructionSlot) MarkComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complete = true
}

// Complete reports whether MarkComplete has been called.
func (s *ReconstructionSlot) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

// Bytes returns a copy of the bytes accumulated so far.
func (s *ReconstructionSlot) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.buf))
	copy(out, s.buf)
	return out
}
