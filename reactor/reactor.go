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

package reactor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bucore/fullnode/netmsg"
)

// Reactor owns the live connection set and the global priority-queue
// depth counter that ClassifyCommand consults.
type Reactor struct {
	mu          sync.RWMutex
	connections map[netmsg.PeerId]*Connection

	priorityDepth int32

	nearSynced atomic.Bool

	inbound chan InboundMessage

	inactivityTimeout time.Duration
	pingTimeout       time.Duration
}

// New builds a Reactor that forwards classified inbound messages on the
// channel Inbound returns (buffered at 4096 to absorb bursts without
// blocking recv goroutines indefinitely).
func New(inactivityTimeout, pingTimeout time.Duration) *Reactor {
	return &Reactor{
		connections:       make(map[netmsg.PeerId]*Connection),
		inbound:           make(chan InboundMessage, 4096),
		inactivityTimeout: inactivityTimeout,
		pingTimeout:       pingTimeout,
	}
}

// Inbound returns the channel the dispatcher should range over.
func (r *Reactor) Inbound() <-chan InboundMessage { return r.inbound }

// SetNearSynced updates the near-synced flag every RecvLoop consults
// for priority-tier admission.
func (r *Reactor) SetNearSynced(v bool) { r.nearSynced.Store(v) }

func (r *Reactor) nearSyncedFn() bool { return r.nearSynced.Load() }

func (r *Reactor) priorityDepthFn() int { return int(atomic.LoadInt32(&r.priorityDepth)) }

// Register adds a connection and starts its recv loop, forwarding
// classified messages into the shared inbound channel. Neither Register
// nor the recv loop changes the global priority depth counter; it moves
// only through MarkPriorityQueued and Processed.
func (r *Reactor) Register(c *Connection, maxMessageSizeMultiplier, excessiveBlockSize uint64) {
	r.mu.Lock()
	r.connections[c.Peer.ID] = c
	r.mu.Unlock()

	go func() {
		_ = c.RecvLoop(r.inbound, maxMessageSizeMultiplier, excessiveBlockSize, r.nearSyncedFn, r.priorityDepthFn)
	}()
}

// MarkPriorityQueued increments the global priority-queue depth counter;
// call when a TierPriority message is accepted onto the deque.
func (r *Reactor) MarkPriorityQueued() { atomic.AddInt32(&r.priorityDepth, 1) }

// Processed decrements the global priority-queue depth counter once a
// priority-tier message has been fully handled.
func (r *Reactor) Processed() {
	for {
		old := atomic.LoadInt32(&r.priorityDepth)
		if old == 0 {
			return
		}
		if atomic.CompareAndSwapInt32(&r.priorityDepth, old, old-1) {
			return
		}
	}
}

// Unregister drops a connection from the live set, closing it first.
func (r *Reactor) Unregister(id netmsg.PeerId) {
	r.mu.Lock()
	c, ok := r.connections[id]
	delete(r.connections, id)
	r.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}

// Get returns the connection for id, if live.
func (r *Reactor) Get(id netmsg.PeerId) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connections[id]
	return c, ok
}

// Broadcast enqueues msg for send on every live connection.
func (r *Reactor) Broadcast(msg OutboundMessage) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.connections {
		c.Enqueue(msg)
	}
}

// ForEachConnection calls fn for every live connection, snapshotting the
// connection set first so fn can enqueue sends without holding the
// reactor's lock.
func (r *Reactor) ForEachConnection(fn func(*Connection)) {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		fn(c)
	}
}

// SendRound runs one send pass over every live connection.
func (r *Reactor) SendRound() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		_ = c.SendRound()
	}
}

// TimedOutPeers returns the ids of connections whose inactivity timeout
// has elapsed, per the 20-minute send-or-recv rule.
func (r *Reactor) TimedOutPeers(now time.Time) []netmsg.PeerId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []netmsg.PeerId
	for id, c := range r.connections {
		if c.IsInactive(r.inactivityTimeout, now) {
			out = append(out, id)
		}
	}
	return out
}
