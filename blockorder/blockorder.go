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

// Package blockorder sorts a block's transaction vector, either
// lexically by txid or into Topo-Canonical order (Kahn's algorithm over
// in-block spend dependencies).
package blockorder

import (
	"bytes"
	"errors"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrEmptyBlock is returned when sorting an empty transaction vector.
	ErrEmptyBlock = errors.New("blockorder: empty transaction vector")
	// ErrNoCoinbase is returned when TopoCanonicalSort cannot find a coinbase.
	ErrNoCoinbase = errors.New("blockorder: no coinbase transaction found")
	// ErrDuplicateTx is returned for a duplicate txid within the block.
	ErrDuplicateTx = errors.New("blockorder: duplicate transaction id")
	// ErrCyclicDependency means the input is not a DAG, violating the
	// Topo-Canonical precondition.
	ErrCyclicDependency = errors.New("blockorder: cyclic in-block dependency")
)

var zeroHash chainhash.Hash

const maxPrevOutIndex = 0xffffffff

// IsCoinBase reports whether tx is a coinbase: exactly one input spending
// the null outpoint.
func IsCoinBase(tx *wire.MsgTx) bool {
	if len(tx.TxIn) != 1 {
		return false
	}
	in := tx.TxIn[0].PreviousOutPoint
	return in.Hash == zeroHash && in.Index == maxPrevOutIndex
}

// LexicalSort sorts indices [1..n) of txs in place by ascending txid.
// Index 0 (the coinbase) is never moved.
func LexicalSort(txs []*wire.MsgTx) {
	if len(txs) <= 1 {
		return
	}
	rest := txs[1:]
	hashes := make([]chainhash.Hash, len(rest))
	for i, tx := range rest {
		hashes[i] = tx.TxHash()
	}
	sort.SliceStable(rest, func(a, b int) bool {
		return bytes.Compare(hashes[a][:], hashes[b][:]) < 0
	})
}

// TopoCanonicalSort returns a new slice holding txs reordered into the
// Topo-Canonical order: coinbase first, every in-block
// dependency before its dependants, and a deterministic order for a fixed
// input set regardless of input permutation.
func TopoCanonicalSort(txs []*wire.MsgTx) ([]*wire.MsgTx, error) {
	n := len(txs)
	if n == 0 {
		return nil, ErrEmptyBlock
	}

	hashOf := make([]chainhash.Hash, n)
	byHash := make(map[chainhash.Hash]int, n*2)
	for i, tx := range txs {
		h := tx.TxHash()
		if _, dup := byHash[h]; dup {
			return nil, ErrDuplicateTx
		}
		hashOf[i] = h
		byHash[h] = i
	}

	coinbaseIdx := -1
	for i, tx := range txs {
		if IsCoinBase(tx) {
			coinbaseIdx = i
			break
		}
	}
	if coinbaseIdx < 0 {
		return nil, ErrNoCoinbase
	}

	// incoming[i] = number of in-block transactions that spend an output
	// of txs[i] — i.e. how many descendants still block txs[i] from being
	// placed.
	incoming := make(map[int]int, n*2)
	for _, tx := range txs {
		for _, in := range tx.TxIn {
			if parent, ok := byHash[in.PreviousOutPoint.Hash]; ok {
				incoming[parent]++
			}
		}
	}

	todo := make([]int, 0, n)
	for i := range txs {
		if i == coinbaseIdx {
			continue
		}
		if incoming[i] == 0 {
			todo = append(todo, i)
		}
	}
	sort.SliceStable(todo, func(a, b int) bool {
		return bytes.Compare(hashOf[todo[a]][:], hashOf[todo[b]][:]) > 0
	})

	out := make([]*wire.MsgTx, n)
	out[0] = txs[coinbaseIdx]

	pos := n - 1
	for j := 0; j < len(todo); j++ {
		idx := todo[j]
		out[pos] = txs[idx]
		pos--
		for _, in := range txs[idx].TxIn {
			parent, ok := byHash[in.PreviousOutPoint.Hash]
			if !ok {
				continue
			}
			incoming[parent]--
			if incoming[parent] == 0 {
				todo = append(todo, parent)
			}
		}
	}
	if pos != 0 {
		return nil, ErrCyclicDependency
	}
	return out, nil
}

// IsTopological rejects duplicates and any transaction whose input names a
// later-indexed transaction in the same block.
func IsTopological(txs []*wire.MsgTx) bool {
	pos := make(map[chainhash.Hash]int, len(txs))
	for i, tx := range txs {
		h := tx.TxHash()
		if _, dup := pos[h]; dup {
			return false
		}
		pos[h] = i
	}
	for i, tx := range txs {
		for _, in := range tx.TxIn {
			if j, ok := pos[in.PreviousOutPoint.Hash]; ok && j >= i {
				return false
			}
		}
	}
	return true
}
