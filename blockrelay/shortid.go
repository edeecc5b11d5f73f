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

// Package blockrelay implements the thin-type and full-block protocol
// handlers: graphene, xthin, and compact-block reconstruction, plus
// plain full-block serving. The three thin-type schemes share thinrelay's
// ReconstructionSlot for in-progress accounting; full-block serving does
// not use it.
package blockrelay

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/aead/siphash"

	"github.com/bucore/fullnode/netmsg"
)

// shortIDMask keeps only the low 48 bits of a siphash output. Every
// short id this package derives (compact, xthin and graphene alike) is
// truncated to these 6 bytes; no 64-bit short id is produced.
const shortIDMask = 0x0000ffffffffffff

// ShortIDKey is the per-block, per-salt siphash key pair used to derive
// short transaction ids, re-derived whenever a new block or a new
// per-peer salt requires it so that short-id collisions can't be
// engineered across blocks.
type ShortIDKey struct {
	K0, K1 uint64
}

// DeriveShortIDKey computes the siphash key for hash and a locally or
// peer-chosen salt, the same way compact blocks derives its key from
// the block header hash and a random nonce: double-SHA256(header-hash ||
// nonce), with the first two little-endian uint64s of the digest taken
// as k0/k1.
func DeriveShortIDKey(hash netmsg.Hash256, nonce uint64) ShortIDKey {
	var buf [40]byte
	copy(buf[:32], hash[:])
	binary.LittleEndian.PutUint64(buf[32:], nonce)
	digest := sha256.Sum256(buf[:])
	digest = sha256.Sum256(digest[:])
	return ShortIDKey{
		K0: binary.LittleEndian.Uint64(digest[0:8]),
		K1: binary.LittleEndian.Uint64(digest[8:16]),
	}
}

// ShortID derives the 48-bit short transaction id for txid under key,
// via SipHash-2-4 keyed with k0||k1.
func ShortID(key ShortIDKey, txid netmsg.Hash256) uint64 {
	var k [16]byte
	binary.LittleEndian.PutUint64(k[0:8], key.K0)
	binary.LittleEndian.PutUint64(k[8:16], key.K1)
	full := siphash.Sum64(txid[:], &k)
	return full & shortIDMask
}
