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
	"context"

	"golang.org/x/sync/semaphore"
)

// DefaultScriptCheckQueues is the fixed number of concurrent
// script-check queues a validation thread may draw from.
const DefaultScriptCheckQueues = 4

// ScriptCheckPool gates concurrent script verification across every
// live validation thread through a fixed number of weighted permits —
// one queue slot per permit, rather than one goroutine per input, so
// the total script-check concurrency stays bounded regardless of how
// many blocks are racing.
type ScriptCheckPool struct {
	sem  *semaphore.Weighted
	size int64
}

// NewScriptCheckPool builds a pool with n permits.
func NewScriptCheckPool(n int) *ScriptCheckPool {
	if n <= 0 {
		n = DefaultScriptCheckQueues
	}
	return &ScriptCheckPool{sem: semaphore.NewWeighted(int64(n)), size: int64(n)}
}

// Acquire blocks until a script-check queue slot is free or ctx is
// cancelled (e.g. by the thread's own quit channel).
func (p *ScriptCheckPool) Acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

// Release returns a previously-acquired slot.
func (p *ScriptCheckPool) Release() { p.sem.Release(1) }

// TryAcquire attempts to take a slot without blocking.
func (p *ScriptCheckPool) TryAcquire() bool { return p.sem.TryAcquire(1) }

// Size returns the configured number of script-check queues.
func (p *ScriptCheckPool) Size() int64 { return p.size }

// ScriptCheckItem is one input's worth of script-verification work
// submitted to a queue.
type ScriptCheckItem struct {
	ScriptSig         []byte
	ScriptPubKey      []byte
	ConsensusSigCheckCount int
	Amount            int64
}

// sigCheckByteFactor and sigCheckByteOffset encode the May 2020 SCRIPT_VERIFY_INPUT_SIGCHECKS
// standardness rule: an input's scriptSig must be at least
// 43*consensusSigCheckCount-60 bytes, or the input is rejected as
// SIGCHECKS_LIMIT_EXCEEDED regardless of whether the script itself would
// otherwise validate.
const (
	sigCheckByteFactor = 43
	sigCheckByteOffset = 60
)

// sigChecksLimitExceededError is the type of ErrSigChecksLimitExceeded,
// which CheckSigOpsStandardness returns when an input's scriptSig is too
// short for its consensus sigcheck count.
type sigChecksLimitExceededError struct{}

func (sigChecksLimitExceededError) Error() string { return "validate: SIGCHECKS_LIMIT_EXCEEDED" }

// ErrSigChecksLimitExceeded is the sentinel error for the May-2020
// scriptSig-length standardness rule.
var ErrSigChecksLimitExceeded error = sigChecksLimitExceededError{}

// CheckSigOpsStandardness applies the May-2020 scriptSig-length rule to
// item. A consensusSigCheckCount of zero is always allowed (no sigchecks
// to bound).
func CheckSigOpsStandardness(item ScriptCheckItem) error {
	if item.ConsensusSigCheckCount <= 0 {
		return nil
	}
	minLen := sigCheckByteFactor*item.ConsensusSigCheckCount - sigCheckByteOffset
	if minLen < 0 {
		minLen = 0
	}
	if len(item.ScriptSig) < minLen {
		return ErrSigChecksLimitExceeded
	}
	return nil
}
