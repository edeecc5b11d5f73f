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

// Package validate is the parallel validation dispatcher: it tracks
// concurrent block-acceptance attempts, each run by its caller through
// HandleBlockMessage on the caller's own goroutine (the package starts
// none), signals lower-chainwork competitors to quit, and cleans up
// finished attempts. ScriptCheckPool offers a fixed number of
// script-check permits; HandleBlockMessage does not acquire them.
package validate

import (
	"math/big"
	"sync"
	"time"

	"github.com/bucore/fullnode/netmsg"
)

// ThreadState is the bookkeeping record for one in-flight block
// validation attempt.
type ThreadState struct {
	Hash              netmsg.Hash256
	ParentHash        netmsg.Hash256
	ChainWork         *big.Int
	MostWorkOurFork   *big.Int
	SequenceId        uint64
	ScriptQueueRef    int
	StartMillis       int64
	BlockSize         int
	IsReorgInProgress bool
	PeerId            netmsg.PeerId
	IsValidating      bool

	quit chan struct{}
}

// Quit returns the channel this thread's goroutine must select on to
// notice a cooperative cancellation request.
func (t *ThreadState) Quit() <-chan struct{} { return t.quit }

// Dispatcher owns the live set of validation threads and the shared
// script-check queue pool they draw permits from.
type Dispatcher struct {
	mu      sync.Mutex
	threads map[netmsg.Hash256]*ThreadState
	nextSeq uint64

	Queues *ScriptCheckPool
}

// NewDispatcher builds a Dispatcher with nScriptCheckQueues concurrent
// script-check permits.
func NewDispatcher(nScriptCheckQueues int) *Dispatcher {
	return &Dispatcher{
		threads: make(map[netmsg.Hash256]*ThreadState),
		Queues:  NewScriptCheckPool(nScriptCheckQueues),
	}
}

// register creates and stores a new ThreadState for hash and returns
// it; the thread's quit channel is reached through its Quit method.
func (d *Dispatcher) register(hash, parentHash netmsg.Hash256, chainWork *big.Int, peer netmsg.PeerId, blockSize int, now time.Time) *ThreadState {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSeq++
	t := &ThreadState{
		Hash:         hash,
		ParentHash:   parentHash,
		ChainWork:    chainWork,
		SequenceId:   d.nextSeq,
		StartMillis:  now.UnixMilli(),
		BlockSize:    blockSize,
		PeerId:       peer,
		IsValidating: true,
		quit:         make(chan struct{}),
	}
	d.threads[hash] = t
	return t
}

// Get returns the thread state for hash, if one is currently running.
func (d *Dispatcher) Get(hash netmsg.Hash256) (*ThreadState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.threads[hash]
	return t, ok
}

// Count reports how many validation threads are currently live.
func (d *Dispatcher) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.threads)
}
