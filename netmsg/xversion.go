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

package netmsg

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/wire"
)

// XVERSION recognised keys. Only the new-style table is
// interpreted for configuration purposes (SPEC_FULL.md Open Question 2);
// legacy-shaped keys still decode without error, they are just ignored.
const (
	XVerProtocolVersion    uint64 = 0x0000000000000000
	XVerListenPort         uint64 = 0x0000000200000000
	XVerGrapheneMax        uint64 = 0x0000000200000001
	XVerIgnoreChecksum     uint64 = 0x0000000200000002
	XVerXthinVersion       uint64 = 0x0000000200000003
	XVerFastFilterPref     uint64 = 0x0000000200000004
	XVerGrapheneMin        uint64 = 0x0000000200000005
	XVerMempoolSync        uint64 = 0x0000000200000006
	XVerMempoolSyncMin     uint64 = 0x0000000200000007
	XVerMempoolSyncMax     uint64 = 0x0000000200000008
	XVerAncestorCountLimit uint64 = 0x0000000200000009
	XVerAncestorSizeLimit  uint64 = 0x000000020000000a
	XVerDescendantCount    uint64 = 0x000000020000000b
	XVerDescendantSize     uint64 = 0x000000020000000c
	XVerTxConcat           uint64 = 0x000000020000000d
	XVerElectrumTCPPort    uint64 = 0x000000020000f00d
	XVerElectrumProtoVer   uint64 = 0x000000020000f00e
	XVerElectrumWSPort     uint64 = 0x000000020000f00f
)

// XVersionProtocolVersion is 10000*major + 100*minor + revision, current 100.
const XVersionProtocolVersion uint64 = 100

// XVersionMap is the serialised map<u64,u64> payload of the XVERSION message.
type XVersionMap map[uint64]uint64

// Get returns the value for key, or (0, false) if not provided.
func (m XVersionMap) Get(key uint64) (uint64, bool) {
	v, ok := m[key]
	return v, ok
}

// Encode serialises the map as a varint count followed by varint-encoded
// (key, value) pairs, each pair using btcd's wire varint codec (already a
// teacher dependency) rather than a bespoke encoding.
func (m XVersionMap) Encode(w io.Writer) error {
	if err := wire.WriteVarInt(w, 0, uint64(len(m))); err != nil {
		return err
	}
	for k, v := range m {
		if err := wire.WriteVarInt(w, 0, k); err != nil {
			return err
		}
		if err := wire.WriteVarInt(w, 0, v); err != nil {
			return err
		}
	}
	return nil
}

// DecodeXVersionMap parses the payload produced by Encode.
func DecodeXVersionMap(r io.Reader) (XVersionMap, error) {
	n, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	const maxEntries = 4096 // generous cap against a malicious unbounded count
	if n > maxEntries {
		n = maxEntries
	}
	m := make(XVersionMap, n)
	for i := uint64(0); i < n; i++ {
		k, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return nil, err
		}
		v, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

// EncodeXVersionMap is a convenience wrapper returning the encoded bytes.
func EncodeXVersionMap(m XVersionMap) []byte {
	var buf bytes.Buffer
	_ = m.Encode(&buf)
	return buf.Bytes()
}

// NegotiateGraphene picks the highest mutually supported graphene version:
// chosen = min(peer.max, self.max) provided max(peer.min, self.min) <= chosen.
func NegotiateGraphene(selfMin, selfMax, peerMin, peerMax uint64) (version uint64, ok bool) {
	chosen := selfMax
	if peerMax < chosen {
		chosen = peerMax
	}
	floor := selfMin
	if peerMin > floor {
		floor = peerMin
	}
	if floor > chosen {
		return 0, false
	}
	return chosen, true
}
