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

// Package netmsg holds the identities, inventory, and wire-framing types
// shared by every other package in the core: PeerId, Hash256, CheapHash,
// Inventory items and the length-prefixed magic-delimited
// message frame.
package netmsg

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Hash256 is a 32-byte SHA-256d digest. It is a direct alias of btcd's
// chainhash.Hash so that block and transaction hashing reuses a
// well-tested dependency rather than a hand-rolled reimplementation.
type Hash256 = chainhash.Hash

// IsNullHash reports whether h is the all-zero sentinel hash.
func IsNullHash(h Hash256) bool {
	return h == Hash256{}
}

// DoubleSHA256 computes SHA-256d, the hash primitive used throughout.
func DoubleSHA256(b []byte) Hash256 {
	return chainhash.DoubleHashH(b)
}

// CheapHash is the low 64 bits of a Hash256, used for bandwidth savings in
// thin-type payloads. Collisions are tolerated; the full hash
// stays authoritative.
type CheapHash uint64

// NewCheapHash extracts the low 8 bytes of h, little-endian, matching the
// byte order thin-type wire payloads use for short references.
func NewCheapHash(h Hash256) CheapHash {
	return CheapHash(binary.LittleEndian.Uint64(h[:8]))
}

// PeerId is a monotonically increasing signed 64-bit peer identity; values
// <= 0 are reserved as sentinels.
type PeerId int64

// NoPeer is the sentinel PeerId used where no peer applies.
const NoPeer PeerId = 0

// Valid reports whether id is usable as a real peer identity.
func (id PeerId) Valid() bool { return id > 0 }
