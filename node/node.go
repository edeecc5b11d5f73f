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

package node

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/bucore/fullnode/bulog"
	"github.com/bucore/fullnode/config"
	"github.com/bucore/fullnode/dispatch"
	"github.com/bucore/fullnode/netmsg"
	"github.com/bucore/fullnode/peerstate"
	"github.com/bucore/fullnode/reactor"
	"github.com/bucore/fullnode/requester"
	"github.com/bucore/fullnode/shaper"
	"github.com/bucore/fullnode/thinrelay"
	"github.com/bucore/fullnode/validate"
)

// Node wires the engine's packages into one runnable unit: a peer
// connection manager, the thin-relay in-flight registry, the
// request/requester manager, the socket reactor, the per-command
// dispatcher, and the parallel validation dispatcher.
type Node struct {
	cfg *config.Config
	log bulog.Logger

	Peers    *peerstate.Manager
	Thin     *thinrelay.Registry
	Requests *requester.Manager
	Reactor  *reactor.Reactor
	Validate *validate.Dispatcher
	Dispatch *dispatch.Dispatcher

	nextPeerID int64
	localNonce uint64
}

// Collaborators bundles the externally-supplied chain/mempool/DoS/
// address-book/validation-kernel/signal implementations the dispatcher
// consumes. Use NewStubCollaborators for local smoke-testing.
type Collaborators struct {
	Chain   *MemChain
	Mempool *MemMempool
	DoS     *MemDoS
	Addr    *MemAddrBook
	Signals *MemSignals
}

// NewStubCollaborators builds the in-memory smoke-test collaborator set
// documented in stubs.go.
func NewStubCollaborators() Collaborators {
	chain := NewMemChain()
	return Collaborators{
		Chain:   chain,
		Mempool: NewMemMempool(),
		DoS:     NewMemDoS(),
		Addr:    NewMemAddrBook(),
		Signals: &MemSignals{Chain: chain},
	}
}

// New assembles a Node from cfg and collab, ready to Serve.
func New(cfg *config.Config, collab Collaborators, localNonce uint64) *Node {
	peers := peerstate.NewManager(cfg.MaxConnections, cfg.MaxOutConnections, cfg.FeelerInterval)
	thin := thinrelay.NewRegistry(cfg.PreferentialRelayBase, thinrelay.SchemeToggle{
		UseThinBlocks:     cfg.UseThinBlocks,
		UseGrapheneBlocks: cfg.UseGrapheneBlocks,
		UseCompactBlocks:  cfg.UseCompactBlocks,
		MinXthinNodes:     cfg.MinXthinNodes,
	})
	reqCfg := requester.DefaultConfig()
	reqCfg.BlkReqRetryInterval = cfg.BlkReqRetryInterval
	reqCfg.TxReqRetryInterval = cfg.TxReqRetryInterval
	reqCfg.BlockDownloadWindow = cfg.BlockDownloadWindow
	reqCfg.MaxOutConnections = cfg.MaxOutConnections
	const defaultTxnSoftCap = 90000
	requests := requester.NewManager(reqCfg, defaultTxnSoftCap)
	react := reactor.New(cfg.InactivityTimeout, cfg.VerackTimeout)
	vdisp := validate.NewDispatcher(cfg.NScriptCheckQueues)

	d := dispatch.NewDispatcher(peers, requests, collab.DoS, collab.Chain, collab.Mempool, collab.Signals, collab.Chain, localNonce)

	return &Node{
		cfg:        cfg,
		log:        bulog.New("module", "node"),
		Peers:      peers,
		Thin:       thin,
		Requests:   requests,
		Reactor:    react,
		Validate:   vdisp,
		Dispatch:   d,
		localNonce: localNonce,
	}
}

// Serve listens on cfg.ListenAddr, accepting inbound connections until
// ctx is cancelled, and drains the reactor's inbound queue on the
// calling goroutine.
func (n *Node) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.ListenAddr)
	if err != nil {
		return err
	}
	n.log.Info("listening", "addr", n.cfg.ListenAddr)

	go n.acceptLoop(ctx, ln)
	go n.houseKeepingLoop(ctx)

	n.dispatchLoop(ctx)
	return ln.Close()
}

func (n *Node) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				n.log.Warn("accept failed", "err", err)
				continue
			}
		}
		n.handleInbound(conn)
	}
}

func (n *Node) handleInbound(conn net.Conn) {
	admit, evict := n.Peers.AdmitInbound()
	if !admit {
		conn.Close()
		return
	}
	if evict != nil {
		n.Peers.Remove(evict.ID)
		n.Reactor.Unregister(evict.ID)
	}

	n.nextPeerID++
	id := netmsg.PeerId(n.nextPeerID)
	peer := peerstate.NewPeer(id, conn.RemoteAddr().String(), true)
	n.Peers.Add(peer)

	recv := shaper.New(n.cfg.ReceiveShaperMaxBurst, n.cfg.ReceiveShaperAvgRate)
	send := shaper.New(n.cfg.SendShaperMaxBurst, n.cfg.SendShaperAvgRate)
	c := reactor.NewConnection(peer, conn, n.cfg.Magic, recv, send)
	// Register starts the connection's recv loop in its own goroutine,
	// forwarding classified messages onto the reactor's shared inbound
	// channel; dispatchLoop is the only consumer of that channel.
	n.Reactor.Register(c, n.cfg.MaxMessageSizeMultiplier, n.cfg.ExcessiveBlockSize)
}

// dispatchLoop drains the reactor's inbound queue, decoding and routing
// each message to the matching Dispatcher call, until ctx is cancelled.
func (n *Node) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-n.Reactor.Inbound():
			if !ok {
				return
			}
			n.routeMessage(msg)
		}
	}
}

// sendPings enqueues a fresh PING on every live connection, recording the
// nonce on each peer so the matching PONG's HandlePong call can confirm it.
func (n *Node) sendPings(now time.Time) {
	nonce := uint64(now.UnixNano())
	ping := wire.MsgPing{Nonce: nonce}
	var buf bytes.Buffer
	if err := ping.BtcEncode(&buf, wireProtocolVersion, wire.LatestEncoding); err != nil {
		n.log.Warn("failed to encode ping", "err", err)
		return
	}
	out := reactor.OutboundMessage{Command: "ping", Payload: buf.Bytes()}
	n.Reactor.ForEachConnection(func(c *reactor.Connection) {
		c.Peer.SetPingNonce(nonce)
		c.Enqueue(out)
	})
}

func (n *Node) houseKeepingLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n.sendPings(now)
			n.Reactor.SendRound()
			for _, id := range n.Reactor.TimedOutPeers(now) {
				n.Peers.Remove(id)
				n.Reactor.Unregister(id)
			}
			stale := n.Dispatch.PurgeStaleUnconnectedHeaders(now)
			if stale > 0 {
				n.log.Debug("purged stale unconnected header batches", "count", stale)
			}
		}
	}
}
