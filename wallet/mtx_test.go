// Copyright (c) 2025 The walletkit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"sort"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// makeCoin builds a synthetic coin with a P2PKH-shaped script.
func makeCoin(nonce byte, value btcutil.Amount, height int32) *Coin {
	var hash chainhash.Hash
	for i := range hash {
		hash[i] = nonce
	}

	script := make([]byte, 25)
	script[0] = 0x76 // OP_DUP
	script[1] = 0xa9 // OP_HASH160
	script[2] = 20
	script[23] = 0x88 // OP_EQUALVERIFY
	script[24] = 0xac // OP_CHECKSIG
	script[3] = nonce

	return &Coin{
		TxOut: wire.TxOut{
			Value:    int64(value),
			PkScript: script,
		},
		OutPoint: wire.OutPoint{Hash: hash, Index: uint32(nonce)},
		Height:   height,
	}
}

// payment appends a dust-free output to the MTX.
func payment(t *testing.T, mtx *MTX, value btcutil.Amount) {
	t.Helper()

	script := make([]byte, 25)
	script[0] = 0x76
	script[1] = 0xa9
	script[2] = 20
	script[23] = 0x88
	script[24] = 0xac
	mtx.AddRawOutput(wire.NewTxOut(int64(value), script))
}

// TestFundInsufficient fails selection when the candidates cannot
// cover outputs plus fee.
func TestFundInsufficient(t *testing.T) {
	t.Parallel()

	mtx := NewMTX()
	payment(t, mtx, 100_000)

	coins := []*Coin{makeCoin(1, 50_000, 10)}
	err := mtx.Fund(coins, &FundOptions{Height: 100})
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

// TestFundSelection checks age-first ordering, fee coverage and hard
// fee overrides.
func TestFundSelection(t *testing.T) {
	t.Parallel()

	mtx := NewMTX()
	payment(t, mtx, 60_000)

	coins := []*Coin{
		makeCoin(1, 50_000, 90), // young
		makeCoin(2, 50_000, 10), // old, picked first
		makeCoin(3, 50_000, -1), // unconfirmed, picked last
	}

	err := mtx.Fund(coins, &FundOptions{Height: 100})
	require.NoError(t, err)

	// The two confirmed coins cover output + fee; the oldest is the
	// first input.
	require.Len(t, mtx.Tx().TxIn, 2)
	require.Equal(t, coins[1].OutPoint,
		mtx.Tx().TxIn[0].PreviousOutPoint)

	require.True(t, mtx.Fee() > 0)
	require.True(t, mtx.InputValue() >=
		mtx.OutputValue()+mtx.Fee())

	// Hard fee override is honored exactly when change is dropped
	// below dust or absorbed.
	mtx2 := NewMTX()
	payment(t, mtx2, 60_000)
	err = mtx2.Fund([]*Coin{
		makeCoin(1, 61_000, 10),
	}, &FundOptions{Height: 100, Fee: 1_000})
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(1_000), mtx2.Fee())
}

// TestFundCoinbaseMaturity skips immature coinbase coins.
func TestFundCoinbaseMaturity(t *testing.T) {
	t.Parallel()

	immature := makeCoin(1, 100_000, 50)
	immature.Coinbase = true

	mtx := NewMTX()
	payment(t, mtx, 50_000)
	err := mtx.Fund([]*Coin{immature}, &FundOptions{Height: 100})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// Mature coinbase funds normally.
	mature := makeCoin(2, 100_000, 50)
	mature.Coinbase = true
	mtx = NewMTX()
	payment(t, mtx, 50_000)
	err = mtx.Fund([]*Coin{mature}, &FundOptions{Height: 200})
	require.NoError(t, err)
}

// TestFundSelectAll spends every eligible coin.
func TestFundSelectAll(t *testing.T) {
	t.Parallel()

	mtx := NewMTX()
	payment(t, mtx, 10_000)

	coins := []*Coin{
		makeCoin(1, 50_000, 10),
		makeCoin(2, 50_000, 20),
		makeCoin(3, 50_000, 30),
	}
	err := mtx.Fund(coins, &FundOptions{
		Selection: SelectAll,
		Height:    100,
	})
	require.NoError(t, err)
	require.Len(t, mtx.Tx().TxIn, 3)
}

// TestFundSubtractFee charges the fee to the outputs.
func TestFundSubtractFee(t *testing.T) {
	t.Parallel()

	mtx := NewMTX()
	payment(t, mtx, 50_000)

	err := mtx.Fund([]*Coin{
		makeCoin(1, 50_000, 10),
	}, &FundOptions{
		Height:      100,
		SubtractFee: true,
	})
	require.NoError(t, err)

	// The single coin covers the output exactly; the fee came out of
	// the output value.
	require.Less(t, mtx.Tx().TxOut[0].Value, int64(50_000))
	require.True(t, mtx.Fee() > 0)
}

// TestSortMembers checks the deterministic ordering of inputs and
// outputs.
func TestSortMembers(t *testing.T) {
	t.Parallel()

	mtx := NewMTX()

	// Outputs with descending values and mixed scripts.
	mtx.AddRawOutput(wire.NewTxOut(300, []byte{0x52}))
	mtx.AddRawOutput(wire.NewTxOut(100, []byte{0x53}))
	mtx.AddRawOutput(wire.NewTxOut(100, []byte{0x51}))

	for _, nonce := range []byte{9, 3, 7} {
		coin := makeCoin(nonce, 1000, 10)
		mtx.addCoin(coin)
	}

	mtx.SortMembers()

	// Inputs ordered by (txid bytes, index).
	ins := mtx.Tx().TxIn
	for i := 1; i < len(ins); i++ {
		prev, cur := ins[i-1].PreviousOutPoint,
			ins[i].PreviousOutPoint
		cmp := bytes.Compare(prev.Hash[:], cur.Hash[:])
		require.True(t, cmp < 0 ||
			(cmp == 0 && prev.Index <= cur.Index))
	}

	// Outputs ordered by (value, script).
	outs := mtx.Tx().TxOut
	require.True(t, sort.SliceIsSorted(outs, func(i, j int) bool {
		if outs[i].Value != outs[j].Value {
			return outs[i].Value < outs[j].Value
		}
		return bytes.Compare(outs[i].PkScript,
			outs[j].PkScript) < 0
	}))
	require.Equal(t, int64(100), outs[0].Value)
	require.Equal(t, []byte{0x51}, outs[0].PkScript)
}

// TestIsSane covers the context-free checks.
func TestIsSane(t *testing.T) {
	t.Parallel()

	mtx := NewMTX()
	require.Error(t, mtx.IsSane()) // empty

	payment(t, mtx, 1000)
	require.Error(t, mtx.IsSane()) // still no inputs

	coin := makeCoin(1, 5000, 10)
	mtx.addCoin(coin)
	require.NoError(t, mtx.IsSane())

	// Duplicate input.
	mtx.Tx().AddTxIn(wire.NewTxIn(&coin.OutPoint, nil, nil))
	err := mtx.IsSane()
	require.Error(t, err)
	var check *CheckError
	require.ErrorAs(t, err, &check)
	require.Equal(t, "duplicate inputs", check.Rule)

	// Oversized output value.
	mtx = NewMTX()
	mtx.AddRawOutput(wire.NewTxOut(
		int64(btcutil.MaxSatoshi)+1, []byte{0x51},
	))
	mtx.addCoin(makeCoin(2, 5000, 10))
	require.Error(t, mtx.IsSane())
}

// TestCheckInputs requires every input to be backed by the view.
func TestCheckInputs(t *testing.T) {
	t.Parallel()

	mtx := NewMTX()
	payment(t, mtx, 1000)
	coin := makeCoin(1, 5000, 10)
	mtx.addCoin(coin)

	require.NoError(t, mtx.CheckInputs(100))

	// An input without a coin fails.
	var op wire.OutPoint
	op.Index = 99
	mtx.Tx().AddTxIn(wire.NewTxIn(&op, nil, nil))
	err := mtx.CheckInputs(100)
	var check *CheckError
	require.ErrorAs(t, err, &check)
	require.Equal(t, "missing coin", check.Rule)
}

// TestChangeOutput verifies change insertion above the dust threshold
// and absorption below it.
func TestChangeOutput(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams
	h := newTestWallet(t, params, nil)
	account, err := h.w.Account("")
	require.NoError(t, err)
	ring := account.ChangeAddress()

	mtx := NewMTX()
	payment(t, mtx, 10_000)
	err = mtx.Fund([]*Coin{
		makeCoin(1, 100_000, 10),
	}, &FundOptions{
		Height:     100,
		ChangeRing: ring,
	})
	require.NoError(t, err)

	require.GreaterOrEqual(t, mtx.ChangeIndex(), 0)
	change := mtx.Tx().TxOut[mtx.ChangeIndex()]
	script, err := ring.PkScript()
	require.NoError(t, err)
	require.Equal(t, script, change.PkScript)

	// Value + fee + change add up.
	require.Equal(t, int64(100_000),
		int64(mtx.OutputValue()+mtx.Fee()))

	// A remainder below dust folds into the fee.
	mtx = NewMTX()
	payment(t, mtx, 99_700)
	err = mtx.Fund([]*Coin{
		makeCoin(2, 100_000, 10),
	}, &FundOptions{
		Height:     100,
		ChangeRing: ring,
	})
	require.NoError(t, err)
	require.Equal(t, -1, mtx.ChangeIndex())
}
