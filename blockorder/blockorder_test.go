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

package blockorder

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

var externalOutpoint = wire.OutPoint{Hash: chainhash.Hash{0xAA}, Index: 0}

func makeCoinbase(seed byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{}, Index: maxPrevOutIndex},
		SignatureScript:  []byte{seed},
	})
	tx.AddTxOut(wire.NewTxOut(50, []byte{seed}))
	return tx
}

// makeTx builds a transaction with a distinguishing seed byte, spending
// from the given outpoint (use externalOutpoint for an in-block orphan).
func makeTx(seed byte, spends wire.OutPoint) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: spends})
	tx.AddTxOut(wire.NewTxOut(int64(seed), []byte{seed, seed}))
	return tx
}

func spendOf(parent *wire.MsgTx) wire.OutPoint {
	return wire.OutPoint{Hash: parent.TxHash(), Index: 0}
}

func indexOf(t *testing.T, txs []*wire.MsgTx, target *wire.MsgTx) int {
	t.Helper()
	h := target.TxHash()
	for i, tx := range txs {
		if tx.TxHash() == h {
			return i
		}
	}
	t.Fatalf("transaction not found in output")
	return -1
}

func TestTopoCanonicalCoinbaseAlwaysFirst(t *testing.T) {
	coinbase := makeCoinbase(1)
	a := makeTx(2, externalOutpoint)
	b := makeTx(3, spendOf(a))
	c := makeTx(4, externalOutpoint)

	out, err := TopoCanonicalSort([]*wire.MsgTx{coinbase, a, b, c})
	require.NoError(t, err)
	require.Equal(t, coinbase.TxHash(), out[0].TxHash())
}

func TestTopoCanonicalParentBeforeChild(t *testing.T) {
	coinbase := makeCoinbase(1)
	a := makeTx(2, externalOutpoint)
	b := makeTx(3, spendOf(a))
	c := makeTx(4, externalOutpoint)

	out, err := TopoCanonicalSort([]*wire.MsgTx{coinbase, a, b, c})
	require.NoError(t, err)
	require.Less(t, indexOf(t, out, a), indexOf(t, out, b))
	require.True(t, IsTopological(out))
}

func TestTopoCanonicalDeterministicUnderPermutation(t *testing.T) {
	coinbase := makeCoinbase(1)
	a := makeTx(2, externalOutpoint)
	b := makeTx(3, spendOf(a))
	c := makeTx(4, externalOutpoint)

	base := []*wire.MsgTx{coinbase, a, b, c}
	want, err := TopoCanonicalSort(base)
	require.NoError(t, err)

	perms := [][]*wire.MsgTx{
		{a, b, c, coinbase},
		{c, coinbase, b, a},
		{b, a, coinbase, c},
		{coinbase, c, a, b},
	}
	for _, p := range perms {
		got, err := TopoCanonicalSort(p)
		require.NoError(t, err)
		require.Equal(t, len(want), len(got))
		for i := range want {
			require.Equal(t, want[i].TxHash(), got[i].TxHash())
		}
	}
}

func TestTopoCanonicalRejectsDuplicate(t *testing.T) {
	coinbase := makeCoinbase(1)
	a := makeTx(2, externalOutpoint)

	_, err := TopoCanonicalSort([]*wire.MsgTx{coinbase, a, a})
	require.ErrorIs(t, err, ErrDuplicateTx)
}

func TestTopoCanonicalRejectsNoCoinbase(t *testing.T) {
	a := makeTx(2, externalOutpoint)
	b := makeTx(3, externalOutpoint)

	_, err := TopoCanonicalSort([]*wire.MsgTx{a, b})
	require.ErrorIs(t, err, ErrNoCoinbase)
}

func TestLexicalSortLeavesCoinbaseInPlace(t *testing.T) {
	coinbase := makeCoinbase(1)
	a := makeTx(9, externalOutpoint)
	b := makeTx(1, externalOutpoint)
	c := makeTx(5, externalOutpoint)

	txs := []*wire.MsgTx{coinbase, a, b, c}
	LexicalSort(txs)

	require.Equal(t, coinbase.TxHash(), txs[0].TxHash())
	for i := 1; i < len(txs)-1; i++ {
		hi := txs[i].TxHash()
		hj := txs[i+1].TxHash()
		require.LessOrEqual(t, compareHash(hi, hj), 0)
	}
}

func compareHash(a, b chainhash.Hash) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func TestIsTopologicalRejectsForwardReference(t *testing.T) {
	coinbase := makeCoinbase(1)
	a := makeTx(2, externalOutpoint)
	b := makeTx(3, spendOf(a))

	// b placed before the a it spends: not a valid topological order.
	require.False(t, IsTopological([]*wire.MsgTx{coinbase, b, a}))
	require.True(t, IsTopological([]*wire.MsgTx{coinbase, a, b}))
}
