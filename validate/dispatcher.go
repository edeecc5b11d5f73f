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

package validate

import (
	"math/big"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/bucore/fullnode/core"
	"github.com/bucore/fullnode/netmsg"
)

// quitReceived reports whether hash's validation thread has been asked
// to stop. A thread with no registered state is treated as already
// quit, so a stray call after cleanup is harmless.
func (d *Dispatcher) quitReceived(hash netmsg.Hash256) bool {
	t, ok := d.Get(hash)
	if !ok {
		return true
	}
	select {
	case <-t.quit:
		return true
	default:
		return false
	}
}

// quitCompetingThreads signals cancellation to every live thread whose
// chainwork is strictly less than winnerWork, except the winner itself —
// the losing branch's validation work is pointless once a
// higher-chainwork candidate is known.
func (d *Dispatcher) quitCompetingThreads(winner netmsg.Hash256, winnerWork *big.Int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for hash, t := range d.threads {
		if hash == winner {
			continue
		}
		if t.ChainWork != nil && t.ChainWork.Cmp(winnerWork) < 0 {
			closeQuitOnce(t)
		}
	}
}

// stopAllValidationThreads signals cancellation to every live thread,
// e.g. on shutdown or a chain reorg that invalidates every in-flight
// candidate.
func (d *Dispatcher) stopAllValidationThreads() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.threads {
		closeQuitOnce(t)
	}
}

func closeQuitOnce(t *ThreadState) {
	select {
	case <-t.quit:
	default:
		close(t.quit)
	}
}

// cleanup removes hash's thread entry and renumbers the remaining
// threads' sequence ids to a fresh, gap-free monotonic run, so the next
// scheduling round's desirability ordering isn't skewed by however many
// threads just finished.
func (d *Dispatcher) cleanup(hash netmsg.Hash256) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.threads, hash)

	remaining := make([]*ThreadState, 0, len(d.threads))
	for _, t := range d.threads {
		remaining = append(remaining, t)
	}
	d.nextSeq = 0
	for _, t := range orderBySequence(remaining) {
		d.nextSeq++
		t.SequenceId = d.nextSeq
	}
}

func orderBySequence(ts []*ThreadState) []*ThreadState {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j].SequenceId < ts[j-1].SequenceId; j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
	return ts
}

// BlockResult is the outcome HandleBlockMessage reports once a
// validation thread finishes, wins, or is cancelled.
type BlockResult struct {
	Accepted  bool
	Cancelled bool
	Reason    string
}

// HandleBlockMessage implements the per-block validation-dispatch
// contract: register a thread for hash, quit any lower-chainwork
// competitor, run the validation kernel cooperatively (checking
// quitReceived before and after the call), and clean up the thread
// entry regardless of outcome.
func (d *Dispatcher) HandleBlockMessage(kernel core.ValidationKernel, block *wire.MsgBlock, hash, parentHash netmsg.Hash256, chainWork *big.Int, peer netmsg.PeerId, blockSize int, now time.Time) BlockResult {
	t := d.register(hash, parentHash, chainWork, peer, blockSize, now)
	defer d.cleanup(hash)

	d.quitCompetingThreads(hash, chainWork)

	if d.quitReceived(hash) {
		return BlockResult{Cancelled: true, Reason: "quit before validation started"}
	}

	var state core.ValidationState
	ok := kernel.ProcessNewBlock(&state, block, false, true)
	t.IsValidating = false

	if d.quitReceived(hash) && !ok {
		return BlockResult{Cancelled: true, Reason: "quit during validation"}
	}
	if !ok {
		return BlockResult{Accepted: false, Reason: state.Reason}
	}
	return BlockResult{Accepted: true}
}
