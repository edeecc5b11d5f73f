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

package dispatch

import (
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/bucore/fullnode/core"
	"github.com/bucore/fullnode/netmsg"
	"github.com/bucore/fullnode/peerstate"
	"github.com/bucore/fullnode/requester"
)

type fakeDoS struct {
	misbehaved []string
}

func (f *fakeDoS) Misbehaving(peer netmsg.PeerId, points int, reason string) {
	f.misbehaved = append(f.misbehaved, reason)
}
func (f *fakeDoS) Ban(addr string, subVer, reason string, seconds int64) {}
func (f *fakeDoS) IsBanned(addr string) bool                            { return false }
func (f *fakeDoS) IsWhitelistedRange(addr string) bool                  { return false }

type fakeBlockIndex struct {
	hash   netmsg.Hash256
	height int32
	header *wire.BlockHeader
	valid  bool
}

func (b *fakeBlockIndex) Hash() netmsg.Hash256   { return b.hash }
func (b *fakeBlockIndex) Height() int32          { return b.height }
func (b *fakeBlockIndex) ChainWork() *big.Int    { return big.NewInt(int64(b.height)) }
func (b *fakeBlockIndex) ValidScripts() bool     { return b.valid }
func (b *fakeBlockIndex) Header() *wire.BlockHeader { return b.header }

type fakeChain struct {
	byHash map[netmsg.Hash256]*fakeBlockIndex
	tip    *fakeBlockIndex
	blocks map[netmsg.Hash256]*wire.MsgBlock
}

func newFakeChain() *fakeChain {
	return &fakeChain{byHash: make(map[netmsg.Hash256]*fakeBlockIndex), blocks: make(map[netmsg.Hash256]*wire.MsgBlock)}
}

func (c *fakeChain) Tip() core.BlockIndex { return c.tip }
func (c *fakeChain) Contains(idx core.BlockIndex) bool {
	_, ok := c.byHash[idx.Hash()]
	return ok
}
func (c *fakeChain) GetLocator(idx core.BlockIndex) core.Locator { return nil }
func (c *fakeChain) LookupBlockIndex(hash netmsg.Hash256) (core.BlockIndex, bool) {
	idx, ok := c.byHash[hash]
	if !ok {
		return nil, false
	}
	return idx, true
}
func (c *fakeChain) ReadBlockFromDisk(idx core.BlockIndex) (*wire.MsgBlock, bool) {
	b, ok := c.blocks[idx.Hash()]
	return b, ok
}
func (c *fakeChain) IsInitialBlockDownload() bool { return false }
func (c *fakeChain) IsChainNearlySyncd() bool     { return true }

type fakeMempool struct {
	txs map[netmsg.Hash256]*wire.MsgTx
}

func newFakeMempool() *fakeMempool { return &fakeMempool{txs: make(map[netmsg.Hash256]*wire.MsgTx)} }

func (m *fakeMempool) QueryHashes() []netmsg.Hash256 {
	out := make([]netmsg.Hash256, 0, len(m.txs))
	for h := range m.txs {
		out = append(out, h)
	}
	return out
}
func (m *fakeMempool) Get(hash netmsg.Hash256) (*wire.MsgTx, bool) { tx, ok := m.txs[hash]; return tx, ok }
func (m *fakeMempool) AddDoubleSpendProof(dsp []byte) (*wire.MsgTx, bool) { return nil, false }
func (m *fakeMempool) Ancestors(hash netmsg.Hash256) []netmsg.Hash256   { return nil }
func (m *fakeMempool) Descendants(hash netmsg.Hash256) []netmsg.Hash256 { return nil }

type fakeAddrMgr struct {
	added []string
}

func (a *fakeAddrMgr) Add(addr string, source string) { a.added = append(a.added, addr) }
func (a *fakeAddrMgr) Good(addr string)                {}
func (a *fakeAddrMgr) Attempt(addr string)              {}
func (a *fakeAddrMgr) Select() (string, bool)           { return "", false }
func (a *fakeAddrMgr) GetAddr() []string                { return nil }
func (a *fakeAddrMgr) ResolveCollisions()               {}

func newTestDispatcher() (*Dispatcher, *fakeDoS) {
	dos := &fakeDoS{}
	d := NewDispatcher(
		peerstate.NewManager(125, 8, time.Minute),
		requester.NewManager(requester.DefaultConfig(), 90000),
		dos,
		newFakeChain(),
		newFakeMempool(),
		nil,
		nil,
		42,
	)
	return d, dos
}

func TestHandleVersionRejectsObsolete(t *testing.T) {
	d, dos := newTestDispatcher()
	_, disconnect := d.HandleVersion(1, "1.2.3.4:8333", VersionMsg{ProtocolVersion: 1, Nonce: 7})
	require.True(t, disconnect)
	require.NotEmpty(t, dos.misbehaved)
}

func TestHandleVersionRejectsSelfConnect(t *testing.T) {
	d, _ := newTestDispatcher()
	_, disconnect := d.HandleVersion(1, "1.2.3.4:8333", VersionMsg{ProtocolVersion: 70016, Nonce: 42})
	require.True(t, disconnect)
}

func TestHandleVersionRejectsSVSubversion(t *testing.T) {
	d, dos := newTestDispatcher()
	_, disconnect := d.HandleVersion(1, "1.2.3.4:8333", VersionMsg{ProtocolVersion: 70016, Nonce: 7, SubVersion: "/BCHUnlimited:BSV1.0/"})
	require.True(t, disconnect)
	require.Contains(t, dos.misbehaved, "SV-advertising subversion")
}

func TestHandleVersionAcceptsNormal(t *testing.T) {
	d, _ := newTestDispatcher()
	sendXVersion, disconnect := d.HandleVersion(1, "1.2.3.4:8333", VersionMsg{ProtocolVersion: 70016, Nonce: 7, SupportsXVersion: true})
	require.False(t, disconnect)
	require.True(t, sendXVersion)
}

func TestHandleVerackDuplicateMisbehaves(t *testing.T) {
	d, dos := newTestDispatcher()
	d.Peers.Add(peerstate.NewPeer(1, "p", false))
	state := &VerackState{}
	_, _ = d.HandleVerack(1, state, 70016, 70012, true)
	_, _ = d.HandleVerack(1, state, 70016, 70012, true)
	require.Contains(t, dos.misbehaved, "duplicate VERACK")
}

func TestHandlePingEchoesNonce(t *testing.T) {
	d, _ := newTestDispatcher()
	require.Equal(t, uint64(99), d.HandlePing(99))
}

func TestProcessAddrFiltersSelfReport(t *testing.T) {
	d, _ := newTestDispatcher()
	mgr := &fakeAddrMgr{}
	now := time.Now()
	entries := []AddrEntry{
		{Time: now, Addr: "5.5.5.5:8333", Reachable: true},
		{Time: now, Addr: "9.9.9.9:8333", Reachable: true}, // self
	}
	relay, misbehaved := d.ProcessAddr(1, mgr, entries, now, "9.9.9.9:8333")
	require.False(t, misbehaved)
	require.Len(t, relay, 1)
	require.Equal(t, "5.5.5.5:8333", relay[0].Addr)
}

func TestProcessAddrRejectsOversizedBatch(t *testing.T) {
	d, dos := newTestDispatcher()
	mgr := &fakeAddrMgr{}
	entries := make([]AddrEntry, MaxAddrPerMessage+1)
	_, misbehaved := d.ProcessAddr(1, mgr, entries, time.Now(), "")
	require.True(t, misbehaved)
	require.Contains(t, dos.misbehaved, "oversized ADDR message")
}

func TestProcessAddrCapsRelayQuota(t *testing.T) {
	d, _ := newTestDispatcher()
	mgr := &fakeAddrMgr{}
	now := time.Now()
	var entries []AddrEntry
	for i := 0; i < 5; i++ {
		entries = append(entries, AddrEntry{Time: now, Addr: string(rune('a' + i)), Reachable: true})
	}
	entries = append(entries, AddrEntry{Time: now, Addr: "unreachable1", Reachable: false})
	entries = append(entries, AddrEntry{Time: now, Addr: "unreachable2", Reachable: false})
	relay, _ := d.ProcessAddr(1, mgr, entries, now, "")
	require.Len(t, relay, 3) // 2 reachable + 1 unreachable
}

func TestHandleInvRejectsOversized(t *testing.T) {
	d, dos := newTestDispatcher()
	d.Peers.Add(peerstate.NewPeer(1, "p", false))
	invs := make([]netmsg.Inv, netmsg.MaxInvSize+1)
	_, _, misbehaved := d.HandleInv(1, invs, time.Now())
	require.True(t, misbehaved)
	require.Contains(t, dos.misbehaved, "oversized INV message")
}

func TestHandleInvSplitsBlocksAndTxns(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Peers.Add(peerstate.NewPeer(1, "p", false))
	var blockHash, txHash netmsg.Hash256
	blockHash[0] = 1
	txHash[0] = 2
	invs := []netmsg.Inv{
		{Type: netmsg.InvBlock, Hash: blockHash},
		{Type: netmsg.InvTX, Hash: txHash},
	}
	blocks, txns, misbehaved := d.HandleInv(1, invs, time.Now())
	require.False(t, misbehaved)
	require.Len(t, blocks, 1)
	require.Len(t, txns, 1)
}

func TestRelayMapEvictsOldest(t *testing.T) {
	rm := NewRelayMap(2)
	var h1, h2, h3 netmsg.Hash256
	h1[0], h2[0], h3[0] = 1, 2, 3
	rm.Add(h1, wire.NewMsgTx(1))
	rm.Add(h2, wire.NewMsgTx(1))
	rm.Add(h3, wire.NewMsgTx(1))
	require.Equal(t, 2, rm.Len())
	_, ok := rm.Get(h1)
	require.False(t, ok, "oldest entry should have been evicted")
	_, ok = rm.Get(h3)
	require.True(t, ok)
}

func TestHandleFilterLoadThenClear(t *testing.T) {
	d, _ := newTestDispatcher()
	p := peerstate.NewPeer(1, "p", false)
	misbehaved := d.HandleFilterLoad(1, p, FilterLoadMsg{Filter: make([]byte, 32), HashFuncs: 3})
	require.False(t, misbehaved)
	require.False(t, p.MatchesFilter(netmsg.Hash256{}), "freshly loaded empty filter matches nothing until elements are added")
	d.HandleFilterClear(p)
	require.True(t, p.MatchesFilter(netmsg.Hash256{}))
}

func TestHandleFilterLoadRejectsOversized(t *testing.T) {
	d, dos := newTestDispatcher()
	p := peerstate.NewPeer(1, "p", false)
	misbehaved := d.HandleFilterLoad(1, p, FilterLoadMsg{Filter: make([]byte, maxFilterBytes+1), HashFuncs: 3})
	require.True(t, misbehaved)
	require.Contains(t, dos.misbehaved, "oversized FILTERLOAD")
}

func TestHandleGetHeadersReturnsNoneWithoutMatch(t *testing.T) {
	d, _ := newTestDispatcher()
	out := d.HandleGetHeaders(1, nil, netmsg.Hash256{})
	require.Nil(t, out)
}

func TestPurgeStaleUnconnectedHeaders(t *testing.T) {
	d, _ := newTestDispatcher()
	now := time.Now()
	headers := []*wire.BlockHeader{{}}
	_, _, misbehaved := d.HandleHeaders(1, headers, now)
	require.False(t, misbehaved)
	stale := d.PurgeStaleUnconnectedHeaders(now.Add(unconnectedHeaderTimeout + time.Minute))
	require.Equal(t, 1, stale)
}
