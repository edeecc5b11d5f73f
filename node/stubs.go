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

// Package node wires the engine's packages (peerstate, thinrelay,
// requester, reactor, dispatch, validate, blockrelay) into a runnable
// binary. Chain storage, mempool policy, script validation, DoS
// scoring, and the address book are collaborator interfaces the engine
// consumes but does not implement (core.ChainView, core.Mempool,
// core.ValidationKernel, core.DoSManager, core.AddrManager,
// core.Signals); a real deployment supplies its own. The stubs in this
// file are an in-memory stand-in only good enough to exercise the wire
// protocol end to end for local smoke-testing — they hold only an
// in-memory chain, accept every block as valid, and persist nothing
// across restarts.
package node

import (
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/wire"

	"github.com/bucore/fullnode/core"
	"github.com/bucore/fullnode/netmsg"
)

// memBlockIndex is the stub ChainView's block-index handle.
type memBlockIndex struct {
	hash      netmsg.Hash256
	height    int32
	chainWork *big.Int
	header    *wire.BlockHeader
}

func (b *memBlockIndex) Hash() netmsg.Hash256      { return b.hash }
func (b *memBlockIndex) Height() int32             { return b.height }
func (b *memBlockIndex) ChainWork() *big.Int       { return b.chainWork }
func (b *memBlockIndex) ValidScripts() bool        { return true }
func (b *memBlockIndex) Header() *wire.BlockHeader { return b.header }

// MemChain is a smoke-test chain view: a single in-memory linear chain
// seeded with a genesis-shaped entry, with no consensus checks of its
// own — AcceptBlockHeader/ProcessNewBlock (below) extend it
// unconditionally.
type MemChain struct {
	mu     sync.Mutex
	byHash map[netmsg.Hash256]*memBlockIndex
	tip    *memBlockIndex
	blocks map[netmsg.Hash256]*wire.MsgBlock
}

// NewMemChain seeds a chain view with a single zero-hash genesis entry.
func NewMemChain() *MemChain {
	genesis := &memBlockIndex{chainWork: big.NewInt(1)}
	return &MemChain{
		byHash: map[netmsg.Hash256]*memBlockIndex{genesis.hash: genesis},
		tip:    genesis,
		blocks: make(map[netmsg.Hash256]*wire.MsgBlock),
	}
}

func (c *MemChain) Tip() core.BlockIndex {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tip
}

func (c *MemChain) Contains(idx core.BlockIndex) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byHash[idx.Hash()]
	return ok
}

func (c *MemChain) GetLocator(idx core.BlockIndex) core.Locator {
	return []netmsg.Hash256{idx.Hash()}
}

func (c *MemChain) LookupBlockIndex(hash netmsg.Hash256) (core.BlockIndex, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.byHash[hash]
	if !ok {
		return nil, false
	}
	return idx, true
}

func (c *MemChain) ReadBlockFromDisk(idx core.BlockIndex) (*wire.MsgBlock, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	blk, ok := c.blocks[idx.Hash()]
	return blk, ok
}

func (c *MemChain) IsInitialBlockDownload() bool { return false }
func (c *MemChain) IsChainNearlySyncd() bool     { return true }

// AcceptBlockHeader appends header to the stub chain unconditionally,
// extending from the current tip.
func (c *MemChain) AcceptBlockHeader(header *wire.BlockHeader, state *core.ValidationState) (core.BlockIndex, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hash := netmsg.Hash256(header.BlockHash())
	if idx, ok := c.byHash[hash]; ok {
		return idx, true
	}
	idx := &memBlockIndex{
		hash:      hash,
		height:    c.tip.height + 1,
		chainWork: new(big.Int).Add(c.tip.chainWork, big.NewInt(1)),
		header:    header,
	}
	c.byHash[hash] = idx
	state.Valid = true
	return idx, true
}

func (c *MemChain) CheckBlockHeader(header *wire.BlockHeader, state *core.ValidationState) bool {
	state.Valid = true
	return true
}

// ProcessNewBlock accepts block unconditionally and advances the tip,
// satisfying core.ValidationKernel alongside AcceptBlockHeader/
// CheckBlockHeader above.
func (c *MemChain) ProcessNewBlock(state *core.ValidationState, block *wire.MsgBlock, forceProcess, parallel bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	hash := netmsg.Hash256(block.Header.BlockHash())
	idx, ok := c.byHash[hash]
	if !ok {
		idx = &memBlockIndex{
			hash:      hash,
			height:    c.tip.height + 1,
			chainWork: new(big.Int).Add(c.tip.chainWork, big.NewInt(1)),
			header:    &block.Header,
		}
		c.byHash[hash] = idx
	}
	c.blocks[hash] = block
	if idx.chainWork.Cmp(c.tip.chainWork) > 0 {
		c.tip = idx
	}
	state.Valid = true
	return true
}

// MemMempool is a minimal in-memory mempool: an unordered set with no
// fee-based eviction, replace-by-fee, or ancestor/descendant accounting
// beyond the zero value every query returns.
type MemMempool struct {
	mu  sync.Mutex
	txs map[netmsg.Hash256]*wire.MsgTx
}

func NewMemMempool() *MemMempool {
	return &MemMempool{txs: make(map[netmsg.Hash256]*wire.MsgTx)}
}

func (m *MemMempool) QueryHashes() []netmsg.Hash256 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]netmsg.Hash256, 0, len(m.txs))
	for h := range m.txs {
		out = append(out, h)
	}
	return out
}

func (m *MemMempool) Get(hash netmsg.Hash256) (*wire.MsgTx, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[hash]
	return tx, ok
}

func (m *MemMempool) Add(tx *wire.MsgTx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[netmsg.Hash256(tx.TxHash())] = tx
}

func (m *MemMempool) AddDoubleSpendProof(dsp []byte) (*wire.MsgTx, bool) { return nil, false }
func (m *MemMempool) Ancestors(hash netmsg.Hash256) []netmsg.Hash256     { return nil }
func (m *MemMempool) Descendants(hash netmsg.Hash256) []netmsg.Hash256   { return nil }

// MemDoS is a DoS tracker with no ban enforcement: Misbehaving only
// counts points for observability, never actually bans a peer. A real
// deployment supplies a collaborator backed by persistent storage.
type MemDoS struct {
	mu     sync.Mutex
	points map[netmsg.PeerId]int
}

func NewMemDoS() *MemDoS { return &MemDoS{points: make(map[netmsg.PeerId]int)} }

func (d *MemDoS) Misbehaving(peer netmsg.PeerId, points int, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.points[peer] += points
}
func (d *MemDoS) Ban(addr string, subVer, reason string, seconds int64) {}
func (d *MemDoS) IsBanned(addr string) bool                             { return false }
func (d *MemDoS) IsWhitelistedRange(addr string) bool                   { return false }

// MemAddrBook is an address book held only in memory; nothing is
// persisted across restarts.
type MemAddrBook struct {
	mu   sync.Mutex
	seen map[string]bool
}

func NewMemAddrBook() *MemAddrBook { return &MemAddrBook{seen: make(map[string]bool)} }

func (a *MemAddrBook) Add(addr string, source string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen[addr] = true
}
func (a *MemAddrBook) Good(addr string)    {}
func (a *MemAddrBook) Attempt(addr string) {}
func (a *MemAddrBook) Select() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for addr := range a.seen {
		return addr, true
	}
	return "", false
}
func (a *MemAddrBook) GetAddr() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.seen))
	for addr := range a.seen {
		out = append(out, addr)
	}
	return out
}
func (a *MemAddrBook) ResolveCollisions() {}

// MemSignals is a no-op signal surface: GetHeight reports the chain's
// current tip, Broadcast/Inventory are no-ops since nothing downstream
// subscribes in this smoke-test harness.
type MemSignals struct {
	Chain *MemChain
}

func (s *MemSignals) GetHeight() (int32, bool) {
	tip := s.Chain.Tip()
	if tip == nil {
		return 0, false
	}
	return tip.Height(), true
}
func (s *MemSignals) Broadcast(timeSinceBestReceived int64) {}
func (s *MemSignals) Inventory(hash netmsg.Hash256) {}
