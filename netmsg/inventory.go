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

import "fmt"

// InvType enumerates the inventory item kinds.
type InvType uint32

const (
	InvTX InvType = iota + 1
	InvBlock
	InvFilteredBlock
	InvCmpctBlock
	InvXthinBlock
	InvGrapheneBlock
	InvDoubleSpendProof
)

func (t InvType) String() string {
	switch t {
	case InvTX:
		return "TX"
	case InvBlock:
		return "BLOCK"
	case InvFilteredBlock:
		return "FILTERED_BLOCK"
	case InvCmpctBlock:
		return "CMPCT_BLOCK"
	case InvXthinBlock:
		return "XTHIN_BLOCK"
	case InvGrapheneBlock:
		return "GRAPHENE_BLOCK"
	case InvDoubleSpendProof:
		return "DOUBLE_SPEND_PROOF"
	default:
		return fmt.Sprintf("InvType(%d)", uint32(t))
	}
}

// IsThinType reports whether t is one of the non-full-block relay
// families: graphene, xthin, or compact blocks.
func (t InvType) IsThinType() bool {
	switch t {
	case InvCmpctBlock, InvXthinBlock, InvGrapheneBlock:
		return true
	default:
		return false
	}
}

// Inv is a single inventory item: {type, hash}.
type Inv struct {
	Type InvType
	Hash Hash256
}

func (i Inv) String() string {
	return fmt.Sprintf("%s(%s)", i.Type, i.Hash)
}

// MaxInvSize is the maximum entries accepted in a single INV message.
const MaxInvSize = 50000

// MaxHeadersResults caps a single HEADERS reply.
const MaxHeadersResults = 2000
