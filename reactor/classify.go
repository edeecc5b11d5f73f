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

// Package reactor is the socket I/O layer: one goroutine pair per
// connection (recv/send) feeding and draining shared priority and
// ordinary queues, gated by the per-direction leaky-bucket shaper. This
// is the idiomatic-Go rendition of a single select(2) loop over every
// peer's file descriptor — goroutines plus channels stand in for the
// original's cooperative multiplexing.
package reactor

var handshakeCommands = map[string]bool{
	"version": true,
	"verack":  true,
	"xversion": true,
}

var priorityCommands = map[string]bool{
	"headers":             true,
	"grapheneblock":       true,
	"getgraphene":         true,
	"graphenetx":          true,
	"getgraphenetx":       true,
	"getgrapherecovery":   true,
	"grapherecovery":      true,
	"getxthin":            true,
	"getthin":             true,
	"xthinblock":          true,
	"thinblock":           true,
	"xblocktx":            true,
	"getxblocktx":         true,
	"xpeditedrequest":     true,
	"xpeditedblk":         true,
	"xpeditedtxn":         true,
	"cmpctblock":          true,
	"getblocktxn":         true,
	"blocktxn":            true,
	"block":               true,
}

// quietCommands never count toward a peer's "useful" activity total —
// they are either handshake/keepalive chatter or simple announcements
// whose cost shouldn't weigh on eviction decisions.
var quietCommands = map[string]bool{
	"ping":    true,
	"pong":    true,
	"addr":    true,
	"version": true,
	"verack":  true,
}

// Tier classifies an inbound message command into one of the three
// dispatch deques.
type Tier int

const (
	TierHandshake Tier = iota
	TierPriority
	TierOrdinary
)

// ClassifyCommand returns the deque a freshly-parsed message belongs in.
// nearSynced and priorityQueueDepth gate promotion to the priority
// tier: priority commands only jump the ordinary queue once the chain
// is near-synced and fewer than maxGlobalPriorityQueueDepth messages
// are already waiting there, otherwise a flood of block-relay chatter
// during initial sync would starve ordinary traffic.
func ClassifyCommand(command string, nearSynced bool, priorityQueueDepth int) Tier {
	if handshakeCommands[command] {
		return TierHandshake
	}
	if priorityCommands[command] && nearSynced && priorityQueueDepth < maxGlobalPriorityQueueDepth {
		return TierPriority
	}
	return TierOrdinary
}

// maxGlobalPriorityQueueDepth caps how many priority-tier messages may
// be queued across all peers before new arrivals fall back to ordinary.
const maxGlobalPriorityQueueDepth = 5

// IsUsefulActivity reports whether command's byte size should count
// toward the peer's decayed activityBytes counter.
func IsUsefulActivity(command string) bool {
	return !quietCommands[command]
}
