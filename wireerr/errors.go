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

// Package wireerr holds the sentinel errors netmsg's frame decoding
// returns, plus the REJECT codes carried back to the offending peer.
package wireerr

import "errors"

// Deserialisation / framing failures.
var (
	ErrBadMagic      = errors.New("wireerr: message magic does not match network")
	ErrOversized     = errors.New("wireerr: message length exceeds cap")
	ErrTruncated     = errors.New("wireerr: payload shorter than declared length")
	ErrBadChecksum   = errors.New("wireerr: payload checksum mismatch")
	ErrBadCommand    = errors.New("wireerr: command is not valid ASCII/NUL padded")
	ErrMalformed     = errors.New("wireerr: message failed to deserialise")
	ErrCoreNetBanned = errors.New("wireerr: peer advertises Bitcoin Core mainnet magic")
)

// RejectCode is the wire REJECT code.
type RejectCode uint8

const (
	RejectMalformed       RejectCode = 0x01
	RejectInvalid         RejectCode = 0x10
	RejectObsolete        RejectCode = 0x11
	RejectDuplicate       RejectCode = 0x12
	RejectNonstandard     RejectCode = 0x40
	RejectDust            RejectCode = 0x41
	RejectInsufficientFee RejectCode = 0x42
	RejectCheckpoint      RejectCode = 0x43
)

func (c RejectCode) String() string {
	switch c {
	case RejectMalformed:
		return "malformed"
	case RejectInvalid:
		return "invalid"
	case RejectObsolete:
		return "obsolete"
	case RejectDuplicate:
		return "duplicate"
	case RejectNonstandard:
		return "nonstandard"
	case RejectDust:
		return "dust"
	case RejectInsufficientFee:
		return "insufficientfee"
	case RejectCheckpoint:
		return "checkpoint"
	default:
		return "unknown"
	}
}
