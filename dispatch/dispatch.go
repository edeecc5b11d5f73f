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

// Package dispatch is the message dispatcher: one handler per wire
// command, called once per complete inbound message. Handlers update
// peer/connection state, feed the request manager, and hand validated
// blocks and transactions to the collaborator interfaces in core.
package dispatch

import (
	"time"

	"github.com/bucore/fullnode/core"
	"github.com/bucore/fullnode/netmsg"
	"github.com/bucore/fullnode/peerstate"
	"github.com/bucore/fullnode/requester"
)

// MinPeerProtoVersion is the minimum protocol version this node accepts
// in a VERSION message.
const MinPeerProtoVersion = 31800

// VersionMsg is the decoded VERSION payload the dispatcher consumes.
type VersionMsg struct {
	ProtocolVersion int32
	Services        uint64
	Time            time.Time
	AddrYou         string
	AddrMe          string
	Nonce           uint64
	SubVersion      string
	StartHeight     int32
	Relay           bool
	SupportsXVersion bool
}

// Dispatcher wires together the collaborators every command handler
// needs.
type Dispatcher struct {
	Peers   *peerstate.Manager
	Requests *requester.Manager
	DoS     core.DoSManager
	Chain   core.ChainView
	Mempool core.Mempool
	Signals core.Signals
	Kernel  core.ValidationKernel

	localNonce uint64

	addrCache   *addrDedup
	headers     *headerTracker
	relay       *RelayMap
	mempoolSync *mempoolSyncState
}

// NewDispatcher wires a Dispatcher from its collaborators. localNonce is
// this node's own VERSION nonce, used to detect self-connections.
func NewDispatcher(peers *peerstate.Manager, requests *requester.Manager, dos core.DoSManager, chain core.ChainView, mempool core.Mempool, signals core.Signals, kernel core.ValidationKernel, localNonce uint64) *Dispatcher {
	return &Dispatcher{
		Peers:      peers,
		Requests:   requests,
		DoS:        dos,
		Chain:      chain,
		Mempool:    mempool,
		Signals:    signals,
		Kernel:     kernel,
		localNonce:  localNonce,
		addrCache:   newAddrDedup(),
		headers:     newHeaderTracker(),
		relay:       NewRelayMap(defaultRelayMapCapacity),
		mempoolSync: newMempoolSyncState(),
	}
}

// badSubVerSuffixes are substrings the peer's user-agent is checked
// against for SV-advertising clients this node refuses to peer with.
var badSubVerSuffixes = []string{"/BCHUnlimited:BSV", "/SV:"}

// HandleVersion implements the VERSION contract: protocol-version floor,
// self-connection rejection, SV-subversion rejection, and the
// XVERSION-vs-VERACK fork depending on mutual NODE_XVERSION support.
func (d *Dispatcher) HandleVersion(peer netmsg.PeerId, addr string, msg VersionMsg) (sendXVersion bool, disconnect bool) {
	if msg.ProtocolVersion < MinPeerProtoVersion {
		d.DoS.Misbehaving(peer, 100, "obsolete protocol version")
		return false, true
	}
	if msg.Nonce == d.localNonce {
		return false, true // self-connection, silently drop
	}
	for _, bad := range badSubVerSuffixes {
		if containsFold(msg.SubVersion, bad) {
			d.DoS.Misbehaving(peer, 100, "SV-advertising subversion")
			return false, true
		}
	}
	return msg.SupportsXVersion, false
}

func containsFold(s, substr string) bool {
	sl, subl := len(s), len(substr)
	if subl == 0 || subl > sl {
		return subl == 0
	}
	for i := 0; i+subl <= sl; i++ {
		if equalFold(s[i:i+subl], substr) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// HandleXVersion applies the negotiated configuration map to peer's
// capability record. It returns nothing and sends nothing itself.
func (d *Dispatcher) HandleXVersion(peer *peerstate.Peer, xv netmsg.XVersionMap) {
	caps := peer.Capabilities()
	if v, ok := xv.Get(netmsg.XVerGrapheneMin); ok {
		caps.GrapheneMin = v
	}
	if v, ok := xv.Get(netmsg.XVerGrapheneMax); ok {
		caps.GrapheneMax = v
	}
	if v, ok := xv.Get(netmsg.XVerXthinVersion); ok {
		caps.Xthin = v > 0
	}
	if v, ok := xv.Get(netmsg.XVerFastFilterPref); ok {
		caps.FastFilterPreference = v
	}
	if v, ok := xv.Get(netmsg.XVerIgnoreChecksum); ok {
		caps.SkipChecksum = v != 0
	}
	if v, ok := xv.Get(netmsg.XVerTxConcat); ok {
		caps.TxConcat = v != 0
	}
	if v, ok := xv.Get(netmsg.XVerMempoolSync); ok {
		caps.MempoolSync = v != 0
	}
	if v, ok := xv.Get(netmsg.XVerAncestorCountLimit); ok {
		caps.AncestorLimitCount = v
	}
	if v, ok := xv.Get(netmsg.XVerAncestorSizeLimit); ok {
		caps.AncestorLimitSize = v
	}
	if v, ok := xv.Get(netmsg.XVerDescendantCount); ok {
		caps.DescendantLimitCount = v
	}
	if v, ok := xv.Get(netmsg.XVerDescendantSize); ok {
		caps.DescendantLimitSize = v
	}
	peer.SetCapabilities(caps)
}

// VerackState tracks whether a duplicate VERACK was seen, per peer.
type VerackState struct {
	Received bool
}

// HandleVerack implements the VERACK contract: a duplicate is
// misbehaviour; otherwise the peer transitions to
// successfully-connected and the caller should send SENDHEADERS (if the
// peer's version supports it) and SENDCMPCT (if compact blocks are
// enabled locally).
func (d *Dispatcher) HandleVerack(peer netmsg.PeerId, state *VerackState, peerVersion int32, sendHeadersMinVersion int32, compactEnabled bool) (sendSendHeaders, sendSendCmpct bool) {
	if state.Received {
		d.DoS.Misbehaving(peer, 1, "duplicate VERACK")
		return false, false
	}
	state.Received = true
	if p, ok := d.Peers.Get(peer); ok {
		p.SetIncoming(peerstate.InReady)
		p.SetOutgoing(peerstate.OutReady)
	}
	return peerVersion >= sendHeadersMinVersion, compactEnabled
}

// HandleVerackTimeout fires when no VERACK arrived within the
// configured window after VERSION was sent.
func (d *Dispatcher) HandleVerackTimeout(peer netmsg.PeerId, addr string, mgr *peerstate.Manager, now time.Time) {
	mgr.RecordEviction(addr, now)
}

// HandlePing echoes the nonce back as a PONG.
func (d *Dispatcher) HandlePing(nonce uint64) (pongNonce uint64) { return nonce }

// HandlePong updates the peer's latency sample if nonce matches the
// outstanding ping.
func (d *Dispatcher) HandlePong(peer *peerstate.Peer, expectedNonce, gotNonce uint64, elapsed time.Duration) (matched bool) {
	if expectedNonce != gotNonce {
		return false
	}
	peer.SetLatencyUsecs(elapsed.Microseconds())
	return true
}
