// Copyright (c) 2025 The walletkit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/walletkit/walletkit/keyring"
)

// Path locates one derived address inside the wallet store. Paths are
// reverse-indexed by the 20- or 32-byte address hash so that observed
// outputs can be mapped back to (account, branch, index).
type Path struct {
	// WID is the numeric wallet identifier the path belongs to.
	WID uint32

	// Account is the BIP44 account index.
	Account uint32

	// Change is 0 for the receive branch and 1 for the change branch.
	Change uint32

	// Index is the address index on the branch.
	Index uint32

	// Hash is the address hash the path is indexed under.
	Hash []byte
}

// Coin is a spendable output available for selection, annotated with
// the chain data selection needs.
type Coin struct {
	wire.TxOut
	wire.OutPoint

	// Height is the block height the funding transaction confirmed
	// at, or -1 while unconfirmed.
	Height int32

	// Coinbase marks outputs subject to the maturity rule.
	Coinbase bool
}

// Confirmations returns the coin's depth at the given chain height.
func (c *Coin) Confirmations(height int32) int32 {
	if c.Height == -1 || height < c.Height {
		return 0
	}

	return height - c.Height + 1
}

// FeeEstimator produces a fee rate from observed chain data. The
// estimate is in satoshis per kilobyte, matching the relay-fee units
// used throughout.
type FeeEstimator interface {
	// EstimateFee returns the current recommended fee rate per kB.
	EstimateFee() (btcutil.Amount, error)
}

// DB is the persistence contract the wallet engine writes through.
// Mutations are grouped into per-wallet batches: Start opens a batch for
// a wid, Save* calls stage into it, and Commit atomically applies the
// whole group (Drop abandons it). Reads observe committed state only.
type DB interface {
	// Register assigns a wid to a new wallet identifier and reserves
	// the id mapping. The wid is stable for the wallet's life; the
	// full record follows via SaveWallet.
	Register(id string) (uint32, error)

	// Unregister removes the wallet's record.
	Unregister(wid uint32) error

	// Start opens a batch for the wallet.
	Start(wid uint32)

	// Commit atomically applies every mutation staged since Start.
	Commit(wid uint32) error

	// Drop abandons the open batch without applying anything.
	Drop(wid uint32)

	// SaveWallet stages the wallet record into the open batch.
	SaveWallet(w *Wallet) error

	// SaveAccount stages the account record into the open batch.
	SaveAccount(a *Account) error

	// SaveAddress stages the paths of newly derived keyrings into the
	// reverse index.
	SaveAddress(wid uint32, account uint32, rings []*keyring.KeyRing) error

	// GetAccount fetches an account of the wallet by index.
	GetAccount(wid, index uint32) (*Account, error)

	// GetAccountIndex resolves an account name to its index, or
	// returns ErrAccountNotFound.
	GetAccountIndex(wid uint32, name string) (uint32, error)

	// HasAccount reports whether the account index exists.
	HasAccount(wid, index uint32) (bool, error)

	// GetAccounts lists the account indexes of the wallet.
	GetAccounts(wid uint32) ([]uint32, error)

	// GetAddressPath looks up the path indexed under hash within one
	// wallet, returning nil when absent.
	GetAddressPath(wid uint32, hash []byte) (*Path, error)

	// GetAddressPaths looks up every path indexed under hash across
	// all wallets.
	GetAddressPaths(hash []byte) ([]*Path, error)

	// GetWalletPaths lists every path of the wallet.
	GetWalletPaths(wid uint32) ([]*Path, error)

	// HasAddress reports whether hash is indexed for the wallet.
	HasAddress(wid uint32, hash []byte) (bool, error)

	// Network returns the chain parameters the store was opened for.
	Network() *chaincfg.Params

	// Height returns the current best chain height known to the
	// store.
	Height() int32

	// Fees returns the configured fee estimator, or nil when none is
	// attached.
	Fees() FeeEstimator
}

// TxStore is the transaction/UTXO index contract. The index itself is
// an external collaborator; the engine only gathers coins, records sent
// transactions, and reads balance snapshots.
type TxStore interface {
	// Coins returns the unspent coins credited to the account's
	// addresses.
	Coins(wid, account uint32) ([]*Coin, error)

	// AddTX records a transaction authored by the wallet.
	AddTX(tx *wire.MsgTx) error

	// Balance returns the confirmed/unconfirmed balance snapshot.
	Balance(wid uint32) (Balance, error)
}

// Balance is a point-in-time balance snapshot reported with balance
// notifications.
type Balance struct {
	// Confirmed is the value of coins with at least one
	// confirmation.
	Confirmed btcutil.Amount

	// Unconfirmed is the value of zero-confirmation coins.
	Unconfirmed btcutil.Amount
}
