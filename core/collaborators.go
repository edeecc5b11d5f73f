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

// Package core declares the narrow collaborator interfaces the engine
// consumes but does not implement: chain storage, mempool, the
// validation kernel, DoS bookkeeping, address management, and signal
// dispatch. Concrete chain/database/wallet code lives outside this
// module; every other package here only ever depends on these
// interfaces.
package core

import (
	"math/big"

	"github.com/btcsuite/btcd/wire"

	"github.com/bucore/fullnode/netmsg"
)

// BlockIndex is an opaque handle into the chain's block-index tree.
// Implementations carry whatever internal bookkeeping they need;
// the engine only ever calls the accessors below.
type BlockIndex interface {
	Hash() netmsg.Hash256
	Height() int32
	ChainWork() *big.Int
	ValidScripts() bool
	Header() *wire.BlockHeader
}

// Locator is an opaque block locator, as produced by ChainView.
type Locator interface{}

// ChainView is the read-only view of the active chain the engine
// schedules work against.
type ChainView interface {
	Tip() BlockIndex
	Contains(idx BlockIndex) bool
	GetLocator(idx BlockIndex) Locator
	LookupBlockIndex(hash netmsg.Hash256) (BlockIndex, bool)
	ReadBlockFromDisk(idx BlockIndex) (*wire.MsgBlock, bool)
	IsInitialBlockDownload() bool
	IsChainNearlySyncd() bool
}

// Mempool is the set of currently-accepted, not-yet-mined transactions.
type Mempool interface {
	QueryHashes() []netmsg.Hash256
	Get(hash netmsg.Hash256) (*wire.MsgTx, bool)
	AddDoubleSpendProof(dsp []byte) (*wire.MsgTx, bool)
	Ancestors(hash netmsg.Hash256) []netmsg.Hash256
	Descendants(hash netmsg.Hash256) []netmsg.Hash256
}

// ValidationState accumulates the result of a validation attempt.
type ValidationState struct {
	Valid  bool
	Reason string
}

// ValidationKernel performs the actual block/header acceptance work;
// the parallel validation dispatcher schedules calls into it but never
// duplicates its logic.
type ValidationKernel interface {
	ProcessNewBlock(state *ValidationState, block *wire.MsgBlock, forceProcess, parallel bool) bool
	AcceptBlockHeader(header *wire.BlockHeader, state *ValidationState) (BlockIndex, bool)
	CheckBlockHeader(header *wire.BlockHeader, state *ValidationState) bool
}

// DoSManager tracks peer misbehaviour and ban state.
type DoSManager interface {
	Misbehaving(peer netmsg.PeerId, points int, reason string)
	Ban(addr string, subVer, reason string, seconds int64)
	IsBanned(addr string) bool
	IsWhitelistedRange(addr string) bool
}

// AddrManager is the persisted peers.dat address book.
type AddrManager interface {
	Add(addr string, source string)
	Good(addr string)
	Attempt(addr string)
	Select() (string, bool)
	GetAddr() []string
	ResolveCollisions()
}

// Signals is the synchronous notification surface; handlers run on the
// calling thread and must not block on core locks.
type Signals interface {
	GetHeight() (int32, bool)
	Broadcast(timeSinceBestReceived int64)
	Inventory(hash netmsg.Hash256)
}
