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
	"encoding/binary"
	"io"

	"github.com/bucore/fullnode/wireerr"
)

// CommandSize is the fixed, NUL-padded ASCII command field width.
const CommandSize = 12

// HeaderSize is MAGIC(4) || COMMAND(12) || LENGTH(4) || CHECKSUM(4).
const HeaderSize = 4 + CommandSize + 4 + 4

// Magic is the 4-byte network magic prefix.
type Magic [4]byte

// BitcoinCoreMainnetMagic is Bitcoin Core's mainnet magic. A frame carrying
// it is not ours: the peer is flagged and banned.
var BitcoinCoreMainnetMagic = Magic{0xF9, 0xBE, 0xB4, 0xD9}

// Header is the fixed-size preamble of every wire message.
type Header struct {
	Magic    Magic
	Command  string // decoded, NUL-trimmed
	Length   uint32
	Checksum [4]byte
}

// BlockstreamCoreMaxBlockSize is the historical hard cap referenced by the
// oversized-message check even on chains with a larger
// configured excessive block size.
const BlockstreamCoreMaxBlockSize = 32 * 1000 * 1000

// MaxMessageSize returns the effective wire size cap for the given
// operator configuration.
func MaxMessageSize(maxMessageSizeMultiplier uint64, excessiveBlockSize uint64) uint64 {
	limit := maxMessageSizeMultiplier * excessiveBlockSize
	if limit < BlockstreamCoreMaxBlockSize {
		return BlockstreamCoreMaxBlockSize
	}
	return limit
}

func putCommand(dst []byte, command string) {
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, command)
}

func getCommand(src []byte) string {
	n := bytes.IndexByte(src, 0)
	if n < 0 {
		n = len(src)
	}
	return string(src[:n])
}

// EncodeHeader serialises a Header in wire order.
func EncodeHeader(w io.Writer, h Header) error {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], h.Magic[:])
	putCommand(buf[4:4+CommandSize], h.Command)
	binary.LittleEndian.PutUint32(buf[4+CommandSize:4+CommandSize+4], h.Length)
	copy(buf[4+CommandSize+4:], h.Checksum[:])
	_, err := w.Write(buf)
	return err
}

// DecodeHeader parses a Header from r, validating the magic and the
// advertised length against capSize.
func DecodeHeader(r io.Reader, wantMagic Magic, capSize uint64) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, err
	}
	var h Header
	copy(h.Magic[:], buf[0:4])
	h.Command = getCommand(buf[4 : 4+CommandSize])
	h.Length = binary.LittleEndian.Uint32(buf[4+CommandSize : 4+CommandSize+4])
	copy(h.Checksum[:], buf[4+CommandSize+4:])

	if h.Magic == BitcoinCoreMainnetMagic && wantMagic != BitcoinCoreMainnetMagic {
		return h, wireerr.ErrCoreNetBanned
	}
	if h.Magic != wantMagic {
		return h, wireerr.ErrBadMagic
	}
	if uint64(h.Length) > capSize {
		return h, wireerr.ErrOversized
	}
	return h, nil
}

// Checksum computes the first 4 bytes of SHA-256d(payload), or the
// all-zero checksum when both peers negotiated BU_MSG_IGNORE_CHECKSUM
//.
func Checksum(payload []byte, skip bool) [4]byte {
	var out [4]byte
	if skip {
		return out
	}
	sum := DoubleSHA256(payload)
	copy(out[:], sum[:4])
	return out
}

// EncodeMessage writes a complete frame (header + payload) to w.
func EncodeMessage(w io.Writer, magic Magic, command string, payload []byte, skipChecksum bool) error {
	h := Header{
		Magic:    magic,
		Command:  command,
		Length:   uint32(len(payload)),
		Checksum: Checksum(payload, skipChecksum),
	}
	if err := EncodeHeader(w, h); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// DecodePayload reads exactly h.Length bytes and verifies the checksum
// unless skipChecksum is set.
func DecodePayload(r io.Reader, h Header, skipChecksum bool) ([]byte, error) {
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, wireerr.ErrTruncated
	}
	want := Checksum(payload, skipChecksum)
	if want != h.Checksum {
		return nil, wireerr.ErrBadChecksum
	}
	return payload, nil
}
