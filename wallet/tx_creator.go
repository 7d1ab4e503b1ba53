// Copyright (c) 2025 The walletkit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/davecgh/go-spew/spew"

	"github.com/walletkit/walletkit/keyring"
)

// Output is one requested payment of a transaction under construction.
// Either Address or a raw Script must be set.
type Output struct {
	// Address is the destination address.
	Address btcutil.Address

	// Script is a raw output script, used when Address is nil.
	Script []byte

	// Value is the payment amount.
	Value btcutil.Amount
}

// TxOptions parameterizes Fund, CreateTX and Send.
type TxOptions struct {
	// Account selects the funding account by name; empty means the
	// default account.
	Account string

	// Outputs are the requested payments, in order.
	Outputs []Output

	// Selection orders candidate coins; defaults to SelectAge.
	Selection Selection

	// Rate is a fee rate override in satoshis per kB. Zero consults
	// the database's fee estimator, falling back to the network relay
	// default.
	Rate btcutil.Amount

	// Confirmed restricts funding to coins with at least one
	// confirmation.
	Confirmed bool

	// Round rounds the fee up to the nearest kilobyte.
	Round bool

	// Free zeroes the fee when the selected inputs' priority
	// qualifies.
	Free bool

	// Fee is a hard fee override.
	Fee btcutil.Amount

	// SubtractFee takes the fee from the outputs instead of adding
	// input value.
	SubtractFee bool

	// SigHashType selects the signature hash flags; zero means
	// SIGHASH_ALL.
	SigHashType txscript.SigHashType
}

// sigHashType resolves the default.
func (o *TxOptions) sigHashType() txscript.SigHashType {
	if o.SigHashType == 0 {
		return txscript.SigHashAll
	}

	return o.SigHashType
}

// Fund gathers the selected account's spendable coins, filters out
// reserved outpoints, resolves the fee rate, and runs coin selection on
// the transaction. The fund lock is held for the whole operation;
// force allows a caller that already holds it to re-enter.
func (w *Wallet) Fund(mtx *MTX, opts *TxOptions, force bool) error {
	if !force {
		w.fundLock.Lock()
		defer w.fundLock.Unlock()
	}

	if !w.Initialized() {
		return ErrNotInitialized
	}

	account, err := w.Account(opts.Account)
	if err != nil {
		return err
	}
	if !account.Initialized() {
		return ErrNotInitialized
	}

	coins, err := w.txStore.Coins(w.WID(), account.Index())
	if err != nil {
		return err
	}

	height := w.db.Height()

	eligible := make([]*Coin, 0, len(coins))
	for _, coin := range coins {
		if opts.Confirmed && coin.Confirmations(height) < 1 {
			continue
		}
		if w.isCoinLocked(coin.OutPoint) {
			continue
		}
		eligible = append(eligible, coin)
	}

	rate := opts.Rate
	if rate == 0 {
		rate = w.feeRate()
	}

	err = mtx.Fund(eligible, &FundOptions{
		Selection:   opts.Selection,
		Rate:        rate,
		Round:       opts.Round,
		Free:        opts.Free,
		Fee:         opts.Fee,
		SubtractFee: opts.SubtractFee,
		ChangeRing:  account.ChangeAddress(),
		Height:      height,
		InputSize:   accountInputSize(account),
	})
	if err != nil {
		return err
	}

	// The reservation table may have grown while candidates were
	// collected; a selected coin that is now reserved would be a
	// double spend.
	for _, in := range mtx.Tx().TxIn {
		if w.isCoinLocked(in.PreviousOutPoint) {
			return ErrCoinLocked
		}
	}

	return nil
}

// feeRate resolves the fee rate: the external estimator when attached,
// otherwise the network relay default.
func (w *Wallet) feeRate() btcutil.Amount {
	if fees := w.db.Fees(); fees != nil {
		rate, err := fees.EstimateFee()
		if err == nil && rate > 0 {
			return rate
		}
		if err != nil {
			log.Warnf("Fee estimator failed, using relay "+
				"default: %v", err)
		}
	}

	return txrules.DefaultRelayFeePerKb
}

// accountInputSize returns the per-input size estimate for the
// account's redeem shape, zero selecting the standard P2PKH estimate.
func accountInputSize(account *Account) int {
	ring := account.ReceiveAddress()
	if ring == nil {
		return 0
	}
	if ring.Type == keyring.PubKeyHash && !ring.Witness {
		return 0
	}

	return ring.EstimateInputSize()
}

// CreateTX builds a mutable transaction paying the requested outputs:
// appends the outputs in order, funds it, applies the BIP69 sort, runs
// the sanity and input checks, and installs the signature templates for
// every recognized input. The transaction is returned unsigned.
func (w *Wallet) CreateTX(opts *TxOptions, force bool) (*MTX, error) {
	if !force {
		w.fundLock.Lock()
		defer w.fundLock.Unlock()
	}

	mtx := NewMTX()
	for _, out := range opts.Outputs {
		if err := addOutput(mtx, out); err != nil {
			return nil, err
		}
	}
	if len(mtx.Tx().TxOut) == 0 {
		return nil, txCheckError("no outputs")
	}

	if err := w.Fund(mtx, opts, true); err != nil {
		return nil, err
	}

	mtx.SortMembers()

	if err := mtx.IsSane(); err != nil {
		return nil, err
	}
	if err := mtx.CheckInputs(w.db.Height()); err != nil {
		return nil, err
	}

	if _, err := w.ScriptInputs(mtx); err != nil {
		return nil, err
	}

	log.Debugf("Created tx: %v", newLogClosure(func() string {
		return spew.Sdump(mtx.Tx())
	}))

	return mtx, nil
}

// addOutput appends one requested output, propagating construction
// errors.
func addOutput(mtx *MTX, out Output) error {
	if out.Address != nil {
		return mtx.AddOutput(out.Address, out.Value)
	}
	if len(out.Script) == 0 {
		return txCheckError("output without address or script")
	}
	mtx.AddRawOutput(wire.NewTxOut(int64(out.Value), out.Script))

	return nil
}

// Send authors and signs a transaction, records it with the
// transaction store, and emits the send event. The whole sequence
// holds the fund lock so concurrent sends can never share an input. A
// partially-signed result is not recorded.
func (w *Wallet) Send(opts *TxOptions) (*wire.MsgTx, error) {
	w.fundLock.Lock()

	mtx, err := w.CreateTX(opts, true)
	if err != nil {
		w.fundLock.Unlock()
		return nil, err
	}

	if _, err := w.Sign(mtx, opts.sigHashType()); err != nil {
		w.fundLock.Unlock()
		return nil, err
	}

	if !mtx.IsSigned() {
		w.fundLock.Unlock()
		return nil, ErrNotFullySigned
	}

	tx := mtx.ToTX()
	if err := w.txStore.AddTX(tx); err != nil {
		w.fundLock.Unlock()
		return nil, err
	}

	log.Infof("Sending tx %v from wallet %s", tx.TxHash(), w.ID())
	w.ntfns.notifySend(tx)

	w.fundLock.Unlock()

	balance, err := w.txStore.Balance(w.WID())
	if err != nil {
		w.ntfns.notifyError(fmt.Errorf("balance after send: %w",
			err))
	} else {
		w.ntfns.notifyBalance(w.ID(), balance)
	}

	return tx, nil
}

// ScriptInputs derives keyrings for every input recognized as ours and
// installs their signature-slot templates without signing. It returns
// the number of inputs templated.
func (w *Wallet) ScriptInputs(mtx *MTX) (int, error) {
	rings, err := w.inputRings(mtx, nil)
	if err != nil {
		return 0, err
	}

	var count int
	for op, ring := range rings {
		if err := mtx.Template(op, ring); err != nil {
			return count, err
		}
		count++
	}

	return count, nil
}

// PathsForInputs resolves the derivation paths of every input of the
// transaction whose previous output belongs to this wallet.
func (w *Wallet) PathsForInputs(mtx *MTX) (map[wire.OutPoint]*Path,
	error) {

	return w.inputPaths(mtx, nil)
}

// PathForInput resolves the derivation path of a single input, nil
// when the previous output is not ours.
func (w *Wallet) PathForInput(mtx *MTX, in *wire.TxIn) (*Path, error) {
	paths, err := w.inputPaths(mtx, in)
	if err != nil {
		return nil, err
	}

	return paths[in.PreviousOutPoint], nil
}

// inputPaths maps recognized inputs to their paths. A non-nil only
// restricts resolution to that single input.
func (w *Wallet) inputPaths(mtx *MTX, only *wire.TxIn) (
	map[wire.OutPoint]*Path, error) {

	paths := make(map[wire.OutPoint]*Path)
	for _, in := range mtx.Tx().TxIn {
		if only != nil && in != only {
			continue
		}

		coin := mtx.Coin(in.PreviousOutPoint)
		if coin == nil {
			continue
		}

		hash := scriptAddressHash(coin.PkScript)
		if hash == nil {
			continue
		}

		path, err := w.GetPath(hash)
		if err != nil {
			return nil, err
		}
		if path == nil {
			continue
		}
		paths[in.PreviousOutPoint] = path
	}

	return paths, nil
}

// inputRings derives the keyring for every recognized input.
func (w *Wallet) inputRings(mtx *MTX, only *wire.TxIn) (
	map[wire.OutPoint]*keyring.KeyRing, error) {

	paths, err := w.inputPaths(mtx, only)
	if err != nil {
		return nil, err
	}

	rings := make(map[wire.OutPoint]*keyring.KeyRing, len(paths))
	for op, path := range paths {
		account, err := w.AccountByIndex(path.Account)
		if err != nil {
			return nil, fmt.Errorf("account %d: %w",
				path.Account, err)
		}

		ring, err := account.deriveRing(path.Change, path.Index)
		if err != nil {
			return nil, err
		}
		rings[op] = ring
	}

	return rings, nil
}
