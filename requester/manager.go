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

package requester

import (
	"container/list"
	"sync"
	"time"

	"github.com/bucore/fullnode/netmsg"
)

// blockFlight is one {hash, requestTime} entry in a peer's ordered
// in-flight block list.
type blockFlight struct {
	hash        netmsg.Hash256
	peer        netmsg.PeerId
	requestTime time.Time
}

// Manager is the request manager: the unfulfilled-inventory table, the
// in-flight block index, and the scheduling/adaptation state that
// drives GETDATA traffic.
type Manager struct {
	mu sync.Mutex

	blocks map[netmsg.Hash256]*unknownObject
	txns   map[netmsg.Hash256]*unknownObject
	txnOrder *list.List // insertion order of txn hashes, front = oldest

	// blocksInFlight[hash][peer] -> list element in that peer's vBlocksInFlight
	blocksInFlight map[netmsg.Hash256]map[netmsg.PeerId]*list.Element
	perPeerFlight  map[netmsg.PeerId]*list.List // of *blockFlight, ordered by request time

	avail map[netmsg.PeerId]*availability

	respTimes      map[netmsg.PeerId]*responseTimeTracker
	overallAvg     time.Duration
	overallSamples int

	requestCounter map[netmsg.PeerId]*dosCounter

	txnSoftCap int

	cfg Config
}

// Config holds the tunables the scheduling loop and response-time
// adaptation read every round.
type Config struct {
	BlkReqRetryInterval time.Duration
	TxReqRetryInterval  time.Duration
	BlockLookAheadInterval time.Duration
	BlockDownloadWindow  int
	MaxOutConnections    int
	MaxRequestsMainnet   int // checkForRequestDOS threshold
}

// DefaultConfig returns scheduling tunables matching a mainnet-shaped
// deployment.
func DefaultConfig() Config {
	return Config{
		BlkReqRetryInterval:    5 * time.Second,
		TxReqRetryInterval:     5 * time.Second,
		BlockLookAheadInterval: 10 * time.Second,
		BlockDownloadWindow:    1024,
		MaxOutConnections:      8,
		MaxRequestsMainnet:     100,
	}
}

// NewManager creates an empty request manager. txnSoftCap bounds the
// txn table's entry count; beyond it, the oldest-inserted entry is
// dropped to make room for a new one.
func NewManager(cfg Config, txnSoftCap int) *Manager {
	return &Manager{
		blocks:         make(map[netmsg.Hash256]*unknownObject),
		txns:           make(map[netmsg.Hash256]*unknownObject),
		txnOrder:       list.New(),
		blocksInFlight: make(map[netmsg.Hash256]map[netmsg.PeerId]*list.Element),
		perPeerFlight:  make(map[netmsg.PeerId]*list.List),
		avail:          make(map[netmsg.PeerId]*availability),
		requestCounter: make(map[netmsg.PeerId]*dosCounter),
		txnSoftCap:     txnSoftCap,
		cfg:            cfg,
	}
}

func (m *Manager) tableFor(invType netmsg.InvType) map[netmsg.Hash256]*unknownObject {
	if invType == netmsg.InvTX {
		return m.txns
	}
	return m.blocks
}

// AskFor registers intent to fetch inv from peer. It adds peer as a
// source if the item isn't already processing, creating the record on
// first reference. For txns, an entry beyond the soft cap evicts the
// oldest-inserted txn entry first.
func (m *Manager) AskFor(inv netmsg.Inv, peer netmsg.PeerId, priority Priority, desirability int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.askForLocked(inv, peer, priority, desirability)
}

func (m *Manager) askForLocked(inv netmsg.Inv, peer netmsg.PeerId, priority Priority, desirability int) {
	table := m.tableFor(inv.Type)
	obj, ok := table[inv.Hash]
	if !ok {
		if inv.Type == netmsg.InvTX && m.txnSoftCap > 0 && len(m.txns) >= m.txnSoftCap {
			m.evictOldestTxnLocked()
		}
		obj = newUnknownObject(inv, priority)
		table[inv.Hash] = obj
		if inv.Type == netmsg.InvTX {
			obj.element = m.txnOrder.PushBack(inv.Hash)
		}
	}
	if obj.processing {
		return
	}
	obj.addSource(peer, desirability)
}

func (m *Manager) evictOldestTxnLocked() {
	e := m.txnOrder.Front()
	if e == nil {
		return
	}
	hash := e.Value.(netmsg.Hash256)
	m.txnOrder.Remove(e)
	delete(m.txns, hash)
}

// AskForBatch registers a batch of inventory items from peer in one
// call.
func (m *Manager) AskForBatch(invs []netmsg.Inv, peer netmsg.PeerId, priority Priority, desirability int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range invs {
		m.askForLocked(inv, peer, priority, desirability)
	}
}

// AskForDuringIBD is AskForBatch plus registering every other supplied
// backup peer as a secondary source for each item, for resilience while
// syncing.
func (m *Manager) AskForDuringIBD(invs []netmsg.Inv, selectedPeer netmsg.PeerId, backups []netmsg.PeerId, priority Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range invs {
		m.askForLocked(inv, selectedPeer, priority, 100)
		for _, bp := range backups {
			if bp == selectedPeer {
				continue
			}
			m.askForLocked(inv, bp, priority, 50)
		}
	}
}

// Received removes inv's record entirely and updates peer's latency
// sample from the elapsed time since the request was issued.
func (m *Manager) Received(inv netmsg.Inv, peer netmsg.PeerId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := m.tableFor(inv.Type)
	obj, ok := table[inv.Hash]
	if ok && !obj.lastRequestTime.IsZero() {
		m.recordResponseTimeLocked(peer, time.Since(obj.lastRequestTime))
	}
	m.removeLocked(inv, table)
	if inv.Type == netmsg.InvBlock {
		m.clearInFlightLocked(inv.Hash)
	}
}

// AlreadyReceived removes inv's record without a latency update (the
// data arrived from elsewhere first) and marks any in-flight block
// entries as fulfilled.
func (m *Manager) AlreadyReceived(inv netmsg.Inv, peer netmsg.PeerId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := m.tableFor(inv.Type)
	m.removeLocked(inv, table)
	if inv.Type == netmsg.InvBlock {
		m.clearInFlightLocked(inv.Hash)
	}
}

func (m *Manager) removeLocked(inv netmsg.Inv, table map[netmsg.Hash256]*unknownObject) {
	obj, ok := table[inv.Hash]
	if !ok {
		return
	}
	if obj.element != nil {
		m.txnOrder.Remove(obj.element)
	}
	delete(table, inv.Hash)
}

// RejectReason distinguishes why a peer declined to provide data.
type RejectReason int

const (
	RejectOther RejectReason = iota
	RejectInsufficientFee
)

// Rejected decrements outstanding request counts for inv from peer. An
// INSUFFICIENTFEE rejection marks the entry rate-limited so the
// scheduler stops re-asking and lets it age out instead.
func (m *Manager) Rejected(inv netmsg.Inv, peer netmsg.PeerId, reason RejectReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := m.tableFor(inv.Type)
	obj, ok := table[inv.Hash]
	if !ok {
		return
	}
	if obj.outstandingReqs > 0 {
		obj.outstandingReqs--
	}
	if reason == RejectInsufficientFee {
		obj.rateLimited = true
	}
}

// ProcessingTxn marks hash's txn entry as processing and releases every
// peer source reference, so a later disconnect from any of them isn't
// blocked on this entry.
func (m *Manager) ProcessingTxn(hash netmsg.Hash256) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.txns[hash]; ok {
		obj.processing = true
		obj.clearSources()
	}
}

// ProcessingBlock marks hash's block entry as processing but keeps its
// sources, so a bad block can be re-attempted from a different peer.
func (m *Manager) ProcessingBlock(hash netmsg.Hash256) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.blocks[hash]; ok {
		obj.processing = true
	}
}

// BlockRejected clears the processing flag on hash's block entry,
// re-enabling scheduling.
func (m *Manager) BlockRejected(inv netmsg.Inv, peer netmsg.PeerId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.blocks[inv.Hash]; ok {
		obj.processing = false
	}
}

// markBlockInFlight records that hash is now being fetched from peer.
func (m *Manager) markBlockInFlight(peer netmsg.PeerId, hash netmsg.Hash256) {
	peerList, ok := m.perPeerFlight[peer]
	if !ok {
		peerList = list.New()
		m.perPeerFlight[peer] = peerList
	}
	elem := peerList.PushBack(&blockFlight{hash: hash, peer: peer, requestTime: time.Now()})

	byPeer, ok := m.blocksInFlight[hash]
	if !ok {
		byPeer = make(map[netmsg.PeerId]*list.Element)
		m.blocksInFlight[hash] = byPeer
	}
	byPeer[peer] = elem
}

// IsBlockInFlightFromPeer reports whether hash is already being fetched
// from peer specifically.
func (m *Manager) IsBlockInFlightFromPeer(peer netmsg.PeerId, hash netmsg.Hash256) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	byPeer, ok := m.blocksInFlight[hash]
	if !ok {
		return false
	}
	_, ok = byPeer[peer]
	return ok
}

// clearInFlightLocked removes every in-flight entry for hash, across all
// peers.
func (m *Manager) clearInFlightLocked(hash netmsg.Hash256) {
	byPeer, ok := m.blocksInFlight[hash]
	if !ok {
		return
	}
	for peer, elem := range byPeer {
		if peerList, ok := m.perPeerFlight[peer]; ok {
			peerList.Remove(elem)
		}
	}
	delete(m.blocksInFlight, hash)
}

// PeerDisconnected releases every source reference and in-flight entry
// held by peer, and decrements outstanding request counts — must be
// safe to call at any time, including mid-scheduling-round.
func (m *Manager) PeerDisconnected(peer netmsg.PeerId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, obj := range m.blocks {
		obj.removeSource(peer)
	}
	for _, obj := range m.txns {
		obj.removeSource(peer)
	}
	if peerList, ok := m.perPeerFlight[peer]; ok {
		for e := peerList.Front(); e != nil; e = e.Next() {
			hash := e.Value.(*blockFlight).hash
			if byPeer, ok := m.blocksInFlight[hash]; ok {
				delete(byPeer, peer)
				if len(byPeer) == 0 {
					delete(m.blocksInFlight, hash)
				}
			}
		}
		delete(m.perPeerFlight, peer)
	}
	delete(m.avail, peer)
	delete(m.requestCounter, peer)
}

// NumBlockEntries and NumTxnEntries expose table sizes for tests and
// diagnostics.
func (m *Manager) NumBlockEntries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

func (m *Manager) NumTxnEntries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txns)
}
