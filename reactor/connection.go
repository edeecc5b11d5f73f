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
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bucore/fullnode/netmsg"
	"github.com/bucore/fullnode/peerstate"
	"github.com/bucore/fullnode/shaper"
)

// InboundMessage is one fully-framed, parsed message handed off to the
// dispatcher.
type InboundMessage struct {
	Peer    netmsg.PeerId
	Tier    Tier
	Header  netmsg.Header
	Payload []byte
}

// OutboundMessage is a message queued for send, with a priority flag
// controlling which deque it drains from.
type OutboundMessage struct {
	Command  string
	Payload  []byte
	Priority bool
}

// Connection wires one peer's net.Conn to the shared recv/send queues,
// through its own pair of leaky-bucket shapers.
type Connection struct {
	Peer *peerstate.Peer
	conn net.Conn
	magic netmsg.Magic

	recvShaper *shaper.Bucket
	sendShaper *shaper.Bucket

	skipChecksum bool

	sendMu     sync.Mutex
	sendQueue  [][]OutboundMessage // index 0 = priority, 1 = ordinary
	lowPrioQ   []OutboundMessage
	closeOnce  sync.Once
	closed     chan struct{}

	lastSend time.Time
	lastRecv time.Time
	mu       sync.Mutex

	pingOutstanding time.Time
}

const recvShaperMinFragment = 1024

// NewConnection wraps conn for peer, with independent send/recv shapers.
func NewConnection(peer *peerstate.Peer, conn net.Conn, magic netmsg.Magic, recv, send *shaper.Bucket) *Connection {
	return &Connection{
		Peer:       peer,
		conn:       conn,
		magic:      magic,
		recvShaper: recv,
		sendShaper: send,
		sendQueue:  make([][]OutboundMessage, 2),
		closed:     make(chan struct{}),
	}
}

// RecvLoop reads framed messages until the connection closes or an
// oversized/malformed frame is seen, classifying and forwarding each to
// out. nearSynced and globalPriorityDepth are read fresh per message so
// callers can update sync state concurrently.
func (c *Connection) RecvLoop(out chan<- InboundMessage, maxMessageSizeMultiplier, excessiveBlockSize uint64, nearSynced func() bool, globalPriorityDepth func() int) error {
	r := bufio.NewReader(c.conn)
	sizeCap := netmsg.MaxMessageSize(maxMessageSizeMultiplier, excessiveBlockSize)
	for {
		select {
		case <-c.closed:
			return nil
		default:
		}

		header, err := netmsg.DecodeHeader(r, c.magic, sizeCap)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		// Shaper-gated read: wait for at least a minimum fragment worth of
		// budget before consuming the body, so a single huge message can't
		// starve the rest of the shaping window in one gulp.
		for c.recvShaper.Available(recvShaperMinFragment) <= 0 {
			time.Sleep(time.Millisecond)
		}

		payload, err := netmsg.DecodePayload(r, header, c.skipChecksum)
		if err != nil {
			return err
		}
		c.recvShaper.Leak(float64(len(payload)))

		c.mu.Lock()
		c.lastRecv = time.Now()
		c.mu.Unlock()

		if IsUsefulActivity(header.Command) {
			c.Peer.AddActivity(int64(len(payload)))
		}

		tier := ClassifyCommand(header.Command, nearSynced(), globalPriorityDepth())
		out <- InboundMessage{Peer: c.Peer.ID, Tier: tier, Header: header, Payload: payload}
	}
}

// Enqueue schedules msg for send, appending to the priority or ordinary
// queue as requested.
func (c *Connection) Enqueue(msg OutboundMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if msg.Priority {
		c.sendQueue[0] = append(c.sendQueue[0], msg)
	} else {
		c.sendQueue[1] = append(c.sendQueue[1], msg)
	}
}

// EnqueueLowPriority adds a message to the low-priority backlog, which
// is promoted into the ordinary queue one at a time whenever that queue
// would otherwise run dry.
func (c *Connection) EnqueueLowPriority(msg OutboundMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.lowPrioQ = append(c.lowPrioQ, msg)
}

// drainPriority pops up to n messages from the front of the priority
// queue.
func (c *Connection) drainPriority(n int) []OutboundMessage {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	q := c.sendQueue[0]
	if len(q) == 0 {
		return nil
	}
	if len(q) > n {
		out := append([]OutboundMessage{}, q[:n]...)
		c.sendQueue[0] = q[n:]
		return out
	}
	c.sendQueue[0] = nil
	return q
}

// nextOrdinary pops one ordinary message, promoting a low-priority
// message first if the ordinary queue is empty.
func (c *Connection) nextOrdinary() (OutboundMessage, bool) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if len(c.sendQueue[1]) == 0 && len(c.lowPrioQ) > 0 {
		promoted := c.lowPrioQ[0]
		c.lowPrioQ = c.lowPrioQ[1:]
		c.sendQueue[1] = append(c.sendQueue[1], promoted)
	}
	if len(c.sendQueue[1]) == 0 {
		return OutboundMessage{}, false
	}
	msg := c.sendQueue[1][0]
	c.sendQueue[1] = c.sendQueue[1][1:]
	return msg, true
}

// writeFrame frames and writes one message, honoring the negotiated
// checksum-skip flag.
func (c *Connection) writeFrame(msg OutboundMessage) error {
	return netmsg.EncodeMessage(c.conn, c.magic, msg.Command, msg.Payload, c.skipChecksum)
}

// SendRound runs one send-path pass: up to two priority messages, then
// ordinary messages drained under the send shaper's budget.
func (c *Connection) SendRound() error {
	sent := false
	for _, msg := range c.drainPriority(2) {
		if err := c.writeFrame(msg); err != nil {
			return err
		}
		c.sendShaper.Leak(float64(len(msg.Payload)))
		sent = true
	}
	for c.sendShaper.Available(0) > 0 {
		msg, ok := c.nextOrdinary()
		if !ok {
			break
		}
		if err := c.writeFrame(msg); err != nil {
			return err
		}
		c.sendShaper.Leak(float64(len(msg.Payload)))
		sent = true
	}
	if sent {
		c.mu.Lock()
		c.lastSend = time.Now()
		c.mu.Unlock()
	}
	return nil
}

// IsInactive reports whether neither send nor recv has happened within
// timeout — the trigger for the inactivity disconnect.
func (c *Connection) IsInactive(timeout time.Duration, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	lastActivity := c.lastSend
	if c.lastRecv.After(lastActivity) {
		lastActivity = c.lastRecv
	}
	if lastActivity.IsZero() {
		return false
	}
	return now.Sub(lastActivity) > timeout
}

// SetSkipChecksum applies the negotiated checksum-skip flag from
// XVERSION.
func (c *Connection) SetSkipChecksum(skip bool) { c.skipChecksum = skip }

// Close shuts down the underlying connection; safe to call more than
// once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
