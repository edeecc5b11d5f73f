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

// Package peerstate owns the per-peer record and the node-level
// connection manager: inbound-slot eviction, connection-attempt
// tracking, and feeler connections. It does not track how many
// outbound peers are xthin-capable and never disconnects a peer to make
// room for one.
package peerstate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/holiman/bloomfilter/v2"

	"github.com/bucore/fullnode/netmsg"
)

// OutgoingState is this node's view of an outbound handshake.
type OutgoingState int32

const (
	OutConnected OutgoingState = iota
	OutSentVersion
	OutReady
)

// IncomingState is this node's view of an inbound handshake.
type IncomingState int32

const (
	InWaitVersion IncomingState = iota
	InSentVerackAwaitXVer
	InReady
)

// Capabilities holds the negotiated feature flags and mempool policy
// limits exchanged during VERSION/XVERSION.
type Capabilities struct {
	GrapheneMin, GrapheneMax uint64
	Xthin                    bool
	CompactBlocks            bool
	MempoolSync              bool
	FastFilterPreference     uint64
	TxConcat                 bool
	SkipChecksum             bool

	AncestorLimitCount   uint64
	AncestorLimitSize    uint64
	DescendantLimitCount uint64
	DescendantLimitSize  uint64
}

// Peer is the full per-connection record.
type Peer struct {
	ID       netmsg.PeerId
	Addr     string
	AddrMe   string
	Inbound  bool

	outgoing int32 // atomic OutgoingState
	incoming int32 // atomic IncomingState

	mu           sync.Mutex
	caps         Capabilities
	filter       *bloomfilter.Filter
	knownInv     map[netmsg.Hash256]struct{}
	knownInvPrev map[netmsg.Hash256]struct{}

	sendMu       sync.Mutex
	sendQueue    [][]byte
	lowPrioQueue [][]byte
	sendSize     int
	sendOffset   int

	recvMu    sync.Mutex
	recvQueue [][]byte

	activityBytes int64
	lastSend      int64 // unix nanos
	lastRecv      int64

	pingNonce    uint64
	latencyUsecs int64

	blocksInFlight     int32
	avgBlkResponseTime time.Duration
	maxBlocksInTransit int32

	refcount int32
}

// NewPeer creates a Peer in its initial unauthenticated state.
func NewPeer(id netmsg.PeerId, addr string, inbound bool) *Peer {
	return &Peer{
		ID:                 id,
		Addr:               addr,
		Inbound:            inbound,
		knownInv:           make(map[netmsg.Hash256]struct{}),
		knownInvPrev:       make(map[netmsg.Hash256]struct{}),
		maxBlocksInTransit: 16,
	}
}

// Outgoing/Incoming state accessors — atomic since the reactor's recv
// goroutine and the dispatcher's handshake handler touch them from
// different goroutines.
func (p *Peer) Outgoing() OutgoingState { return OutgoingState(atomic.LoadInt32(&p.outgoing)) }
func (p *Peer) SetOutgoing(s OutgoingState) { atomic.StoreInt32(&p.outgoing, int32(s)) }
func (p *Peer) Incoming() IncomingState { return IncomingState(atomic.LoadInt32(&p.incoming)) }
func (p *Peer) SetIncoming(s IncomingState) { atomic.StoreInt32(&p.incoming, int32(s)) }

// SuccessfullyConnected holds iff both handshake directions reached
// their ready state.
func (p *Peer) SuccessfullyConnected() bool {
	return p.Outgoing() == OutReady && p.Incoming() == InReady
}

// Capabilities returns a copy of the negotiated capability set.
func (p *Peer) Capabilities() Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps
}

// SetCapabilities replaces the negotiated capability set (applied once,
// from the XVERSION handler).
func (p *Peer) SetCapabilities(c Capabilities) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.caps = c
}

// SetFilter installs or replaces the peer's SPV relay bloom filter
// (FILTERLOAD). A nil filter means "no filtering" (FILTERCLEAR).
func (p *Peer) SetFilter(f *bloomfilter.Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filter = f
}

// AddFilterElement folds an arbitrary-length element (FILTERADD) into
// the peer's loaded filter. A no-op if no filter is currently loaded.
func (p *Peer) AddFilterElement(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.filter == nil {
		return
	}
	h := filterBytesHash(data)
	p.filter.Add(&h)
}

// filterBytesHash adapts an arbitrary-length byte slice to the
// hash.Hash64 interface via FNV-1a, for elements added after the
// initial FILTERLOAD (which sizes the filter but can't populate it from
// a raw bit array through this library's API).
type filterBytesHash []byte

func (h *filterBytesHash) Write(p []byte) (int, error) { return len(p), nil }
func (h *filterBytesHash) Sum(b []byte) []byte         { return append(b, *h...) }
func (h *filterBytesHash) Reset()                      {}
func (h *filterBytesHash) Size() int                   { return len(*h) }
func (h *filterBytesHash) BlockSize() int              { return 64 }
func (h *filterBytesHash) Sum64() uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	v := uint64(offset64)
	for _, b := range *h {
		v ^= uint64(b)
		v *= prime64
	}
	return v
}

// MatchesFilter reports whether the peer's loaded bloom filter contains
// hash, or true if the peer has no filter loaded (full relay).
func (p *Peer) MatchesFilter(hash netmsg.Hash256) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.filter == nil {
		return true
	}
	return p.filter.Contains(filterElement(hash))
}

func filterElement(hash netmsg.Hash256) *bloomFilterHash {
	h := bloomFilterHash(hash)
	return &h
}

// bloomFilterHash adapts a Hash256 to holiman/bloomfilter's hash.Hash64
// element interface by XOR-folding its 32 bytes into a uint64, since
// the library keys elements by a uint64 Sum64.
type bloomFilterHash netmsg.Hash256

func (h *bloomFilterHash) Write(p []byte) (int, error) { return len(p), nil }
func (h *bloomFilterHash) Sum(b []byte) []byte         { return append(b, h[:]...) }
func (h *bloomFilterHash) Reset()                      {}
func (h *bloomFilterHash) Size() int                   { return 32 }
func (h *bloomFilterHash) BlockSize() int              { return 32 }
func (h *bloomFilterHash) Sum64() uint64 {
	var v uint64
	for i, b := range h {
		v ^= uint64(b) << uint((i%8)*8)
	}
	return v
}

// MarkKnown records that hash has been announced to or received from
// this peer, for INV/ADDR deduplication. The tracker keeps two
// generations so "known for a while" entries age out instead of growing
// unbounded; call RotateKnown periodically (e.g. once per relay round).
func (p *Peer) MarkKnown(hash netmsg.Hash256) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.knownInv[hash] = struct{}{}
}

// KnowsInventory reports whether hash was marked known in the current or
// previous generation.
func (p *Peer) KnowsInventory(hash netmsg.Hash256) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.knownInv[hash]; ok {
		return true
	}
	_, ok := p.knownInvPrev[hash]
	return ok
}

// RotateKnown ages the current known-inventory generation into the
// previous one and starts a fresh current generation.
func (p *Peer) RotateKnown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.knownInvPrev = p.knownInv
	p.knownInv = make(map[netmsg.Hash256]struct{})
}

// AddActivity folds n bytes into the peer's decayed activity counter,
// used by the connection manager's inbound-eviction heuristic.
func (p *Peer) AddActivity(n int64) {
	atomic.AddInt64(&p.activityBytes, n)
}

// DecayActivity halves activityBytes; called on the eviction half-life
// schedule (2h).
func (p *Peer) DecayActivity() {
	for {
		old := atomic.LoadInt64(&p.activityBytes)
		if atomic.CompareAndSwapInt64(&p.activityBytes, old, old/2) {
			return
		}
	}
}

func (p *Peer) ActivityBytes() int64 { return atomic.LoadInt64(&p.activityBytes) }

// Ref/Unref let other subsystems keep a peer alive across disconnect
// without relying on undefined pointer lifetime.
func (p *Peer) Ref() int32   { return atomic.AddInt32(&p.refcount, 1) }
func (p *Peer) Unref() int32 { return atomic.AddInt32(&p.refcount, -1) }

// BlocksInFlight is the count of blocks currently being downloaded from
// this peer.
func (p *Peer) BlocksInFlight() int32 { return atomic.LoadInt32(&p.blocksInFlight) }
func (p *Peer) IncBlocksInFlight()    { atomic.AddInt32(&p.blocksInFlight, 1) }
func (p *Peer) DecBlocksInFlight() {
	for {
		old := atomic.LoadInt32(&p.blocksInFlight)
		if old == 0 {
			return
		}
		if atomic.CompareAndSwapInt32(&p.blocksInFlight, old, old-1) {
			return
		}
	}
}

func (p *Peer) MaxBlocksInTransit() int32 { return atomic.LoadInt32(&p.maxBlocksInTransit) }
func (p *Peer) SetMaxBlocksInTransit(n int32) { atomic.StoreInt32(&p.maxBlocksInTransit, n) }

// AvgBlkResponseTime/SetAvgBlkResponseTime back the 50-sample EWMA the
// request manager's response-time adaptation maintains per peer.
func (p *Peer) AvgBlkResponseTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.avgBlkResponseTime
}

func (p *Peer) SetAvgBlkResponseTime(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.avgBlkResponseTime = d
}

// PingNonce/SetPingNonce track the nonce of the most recently sent PING
// awaiting a matching PONG.
func (p *Peer) PingNonce() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pingNonce
}

func (p *Peer) SetPingNonce(nonce uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pingNonce = nonce
}

// SetLatencyUsecs records a round-trip latency sample, consumed by the
// connection manager's slow-peer eviction scoring.
func (p *Peer) SetLatencyUsecs(usecs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latencyUsecs = usecs
}
