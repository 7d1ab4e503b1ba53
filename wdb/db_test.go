// Copyright (c) 2025 The walletkit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wdb

import (
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/stretchr/testify/require"

	"github.com/walletkit/walletkit/keyring"
	"github.com/walletkit/walletkit/wallet"
)

const defaultDBTimeout = 10 * time.Second

// testSeedHex mirrors the engine test fixture.
const testSeedHex = "5eb00bbbdcf069084889a8ab9155568165f5c453ccb85e708" +
	"11aaed6f6da5fc19a5ac40b389cd370d086206dec8aa6c43daea6690f20ad3d8" +
	"d48b2d2ce9e38e4"

// setupTestStore creates a Store over a temporary bbolt database.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "wallet.db")
	db, err := walletdb.Create("bdb", dbPath, true, defaultDBTimeout)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	store, err := Open(db, &chaincfg.RegressionNetParams, nil)
	require.NoError(t, err)

	return store
}

// stubTxStore satisfies wallet.TxStore with no coins.
type stubTxStore struct{}

func (stubTxStore) Coins(uint32, uint32) ([]*wallet.Coin, error) {
	return nil, nil
}

func (stubTxStore) AddTX(*wire.MsgTx) error {
	return nil
}

func (stubTxStore) Balance(uint32) (wallet.Balance, error) {
	return wallet.Balance{}, nil
}

// testRing derives a keyring for path-index tests.
func testRing(t *testing.T, branch, index uint32) *keyring.KeyRing {
	t.Helper()

	seed, err := hex.DecodeString(testSeedHex)
	require.NoError(t, err)
	root, err := hdkeychain.NewMaster(
		seed, &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	const h = hdkeychain.HardenedKeyStart
	acct := root
	for _, i := range []uint32{h + 44, h + 1, h} {
		acct, err = acct.Derive(i)
		require.NoError(t, err)
	}
	pub, err := acct.Neuter()
	require.NoError(t, err)

	ring, err := keyring.FromAccount(&keyring.AccountParams{
		AccountKey:  pub,
		Keys:        []*hdkeychain.ExtendedKey{pub},
		Type:        keyring.PubKeyHash,
		M:           1,
		N:           1,
		ChainParams: &chaincfg.RegressionNetParams,
	}, branch, index)
	require.NoError(t, err)

	return ring
}

// TestRegister allocates distinct wids and refuses duplicates.
func TestRegister(t *testing.T) {
	t.Parallel()

	store := setupTestStore(t)

	wid1, err := store.Register("WLTone")
	require.NoError(t, err)
	wid2, err := store.Register("WLTtwo")
	require.NoError(t, err)
	require.NotEqual(t, wid1, wid2)

	_, err = store.Register("WLTone")
	require.ErrorIs(t, err, ErrWalletExists)

	got, err := store.LookupWID("WLTtwo")
	require.NoError(t, err)
	require.Equal(t, wid2, got)

	_, err = store.LookupWID("WLTnone")
	require.ErrorIs(t, err, ErrWalletNotFound)
}

// TestBatchSemantics checks staging, commit atomicity and drop.
func TestBatchSemantics(t *testing.T) {
	t.Parallel()

	store := setupTestStore(t)
	wid, err := store.Register("WLTbatch")
	require.NoError(t, err)

	// Commit without a batch fails.
	require.ErrorIs(t, store.Commit(wid), ErrNoBatch)

	// Staged addresses are invisible until commit.
	ring := testRing(t, 0, 0)
	store.Start(wid)
	require.NoError(t, store.SaveAddress(wid, 0,
		[]*keyring.KeyRing{ring}))

	ok, err := store.HasAddress(wid, ring.Hash())
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Commit(wid))
	ok, err = store.HasAddress(wid, ring.Hash())
	require.NoError(t, err)
	require.True(t, ok)

	// Dropped batches leave no trace.
	ring2 := testRing(t, 0, 1)
	store.Start(wid)
	require.NoError(t, store.SaveAddress(wid, 0,
		[]*keyring.KeyRing{ring2}))
	store.Drop(wid)
	require.ErrorIs(t, store.Commit(wid), ErrNoBatch)

	ok, err = store.HasAddress(wid, ring2.Hash())
	require.NoError(t, err)
	require.False(t, ok)
}

// TestPathIndex exercises the forward and reverse path lookups.
func TestPathIndex(t *testing.T) {
	t.Parallel()

	store := setupTestStore(t)
	wid, err := store.Register("WLTpaths")
	require.NoError(t, err)

	rings := []*keyring.KeyRing{
		testRing(t, 0, 0),
		testRing(t, 0, 1),
		testRing(t, 1, 0),
	}
	store.Start(wid)
	require.NoError(t, store.SaveAddress(wid, 3, rings))
	require.NoError(t, store.Commit(wid))

	path, err := store.GetAddressPath(wid, rings[2].Hash())
	require.NoError(t, err)
	require.NotNil(t, path)
	require.Equal(t, wid, path.WID)
	require.EqualValues(t, 3, path.Account)
	require.EqualValues(t, 1, path.Change)
	require.EqualValues(t, 0, path.Index)

	missing, err := store.GetAddressPath(wid, make([]byte, 20))
	require.NoError(t, err)
	require.Nil(t, missing)

	all, err := store.GetWalletPaths(wid)
	require.NoError(t, err)
	require.Len(t, all, 3)

	cross, err := store.GetAddressPaths(rings[0].Hash())
	require.NoError(t, err)
	require.Len(t, cross, 1)
	require.Equal(t, wid, cross[0].WID)
}

// TestWalletLifecycle runs the engine end to end against the
// persistent store: init, reload, and unregister.
func TestWalletLifecycle(t *testing.T) {
	t.Parallel()

	store := setupTestStore(t)

	seed, err := hex.DecodeString(testSeedHex)
	require.NoError(t, err)
	root, err := hdkeychain.NewMaster(
		seed, &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	cfg := &wallet.Config{
		DB:      store,
		TxStore: stubTxStore{},
		Master:  wallet.NewMasterKey(root),
	}
	w, err := wallet.New(cfg)
	require.NoError(t, err)
	require.NoError(t, w.Init(nil))

	// The default account and its lookahead landed on disk.
	account, err := store.GetAccount(w.WID(), 0)
	require.NoError(t, err)
	require.NotNil(t, account)
	require.Equal(t, "default", account.Name())
	require.True(t, account.Initialized())

	index, err := store.GetAccountIndex(w.WID(), "default")
	require.NoError(t, err)
	require.Zero(t, index)

	indexes, err := store.GetAccounts(w.WID())
	require.NoError(t, err)
	require.Equal(t, []uint32{0}, indexes)

	ok, err := store.HasAccount(w.WID(), 0)
	require.NoError(t, err)
	require.True(t, ok)

	paths, err := store.GetWalletPaths(w.WID())
	require.NoError(t, err)
	// Both branches carry depth + lookahead entries.
	require.Len(t, paths, 2*(1+5))

	// Reload from disk and compare identity.
	loaded, err := store.LoadWallet(w.ID(), &wallet.Config{
		TxStore: stubTxStore{},
	})
	require.NoError(t, err)
	require.Equal(t, w.ID(), loaded.ID())
	require.Equal(t, w.WID(), loaded.WID())
	require.Equal(t, w.Token(), loaded.Token())

	// Unregister clears every trace.
	require.NoError(t, loaded.Destroy())
	_, err = store.LookupWID(w.ID())
	require.ErrorIs(t, err, ErrWalletNotFound)
	paths, err = store.GetWalletPaths(w.WID())
	require.NoError(t, err)
	require.Empty(t, paths)
}
