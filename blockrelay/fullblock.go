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

package blockrelay

import (
	"github.com/btcsuite/btcd/wire"

	"github.com/bucore/fullnode/netmsg"
)

// SchemeCapable describes which thin-type schemes a peer has negotiated
// support for, via XVERSION capability bits.
type SchemeCapable struct {
	SupportsGraphene bool
	SupportsXthin    bool
	SupportsCompact  bool
}

// RelayAnnouncement describes which inventory type and, for thin-type
// schemes, which scheme to send a peer for a newly connected block.
// Full-block relay needs no reconstruction bookkeeping of its own — it
// falls straight through to GETDATA(MSG_BLOCK), already served end to
// end by the chain-backed read path — so it is always the safe default
// ChooseAnnouncement falls back to.
type RelayAnnouncement struct {
	Scheme thinScheme
	UseInv bool // true => send a plain INV(MSG_BLOCK), false => push the chosen thin-type message directly
}

type thinScheme int

const (
	SchemeFullBlock thinScheme = iota
	SchemeGraphene
	SchemeXthin
	SchemeCompact
)

// ChooseAnnouncement decides how to announce a block to a single peer:
// thin-type relay is attempted only when the peer supports at least one
// enabled scheme, thin-type capacity remains, and the node isn't still
// in initial block download (thin relay's savings only matter once a
// peer is roughly caught up). Preference order is graphene, then
// compact, then xthin, matching thin-type relay's general preference
// for the scheme with the best bandwidth/CPU tradeoff when more than one
// is available — full-block relay is the fallback in every other case.
func ChooseAnnouncement(peer SchemeCapable, thinInFlight, thinCapacity int, inInitialBlockDownload bool) RelayAnnouncement {
	if inInitialBlockDownload || thinInFlight >= thinCapacity {
		return RelayAnnouncement{Scheme: SchemeFullBlock, UseInv: true}
	}
	switch {
	case peer.SupportsGraphene:
		return RelayAnnouncement{Scheme: SchemeGraphene}
	case peer.SupportsCompact:
		return RelayAnnouncement{Scheme: SchemeCompact}
	case peer.SupportsXthin:
		return RelayAnnouncement{Scheme: SchemeXthin}
	default:
		return RelayAnnouncement{Scheme: SchemeFullBlock, UseInv: true}
	}
}

// FullBlockInv builds the plain announcement inventory for a peer that
// doesn't support, or shouldn't be offered, any thin-type scheme.
func FullBlockInv(hash netmsg.Hash256) netmsg.Inv {
	return netmsg.Inv{Type: netmsg.InvBlock, Hash: hash}
}

// ServeFullBlock is a documentation anchor: full-block serving is GETDATA
// handling already implemented end to end by the dispatcher against the
// chain view, so blockrelay contributes no extra state for it beyond the
// scheme-selection helpers above. It exists so every relay scheme has an
// explicit, named entry point in this package rather than three handled
// here and one handled silently elsewhere.
func ServeFullBlock(block *wire.MsgBlock) *wire.MsgBlock {
	return block
}
