// Copyright (c) 2025 The walletkit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"encoding/hex"
	"errors"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/walletkit/walletkit/keyring"
)

var (
	errSaveMock = errors.New("save fail")
)

// testSeedHex is the BIP39 seed of the well-known
// "abandon ... abandon about" mnemonic with an empty passphrase.
const testSeedHex = "5eb00bbbdcf069084889a8ab9155568165f5c453ccb85e708" +
	"11aaed6f6da5fc19a5ac40b389cd370d086206dec8aa6c43daea6690f20ad3d8" +
	"d48b2d2ce9e38e4"

// altSeedHex seeds cosigner keys for multisig tests.
const altSeedHex = "000102030405060708090a0b0c0d0e0f101112131415161718" +
	"191a1b1c1d1e1f"

// testSeed decodes the fixture seed.
func testSeed(t *testing.T) []byte {
	t.Helper()

	seed, err := hex.DecodeString(testSeedHex)
	require.NoError(t, err)

	return seed
}

// testMaster builds the fixture master key for the given network.
func testMaster(t *testing.T, params *chaincfg.Params) *MasterKey {
	t.Helper()

	root, err := hdkeychain.NewMaster(testSeed(t), params)
	require.NoError(t, err)

	return NewMasterKey(root)
}

// cosignerKey derives an account-level xpub from the alternate seed,
// varying the account index to produce distinct cosigners.
func cosignerKey(t *testing.T, params *chaincfg.Params,
	account uint32) *hdkeychain.ExtendedKey {

	t.Helper()

	seed, err := hex.DecodeString(altSeedHex)
	require.NoError(t, err)
	root, err := hdkeychain.NewMaster(seed, params)
	require.NoError(t, err)

	acct, err := deriveAccount44(root, params.HDCoinType, account)
	require.NoError(t, err)
	pub, err := acct.Neuter()
	require.NoError(t, err)

	return pub
}

// memDB is an in-memory wallet.DB with the same staged-batch contract
// as the persistent store, used to exercise batch atomicity without a
// database on disk.
type memDB struct {
	mtx sync.Mutex

	network *chaincfg.Params
	height  int32
	fees    FeeEstimator

	lastWID  uint32
	ids      map[string]uint32
	wallets  map[uint32][]byte
	accounts map[uint32]map[uint32][]byte
	acctIdx  map[uint32]map[string]uint32
	paths    map[uint32]map[string]*Path

	batches map[uint32][]func(d *memDB)

	// failSaves makes every Save* call fail, for atomicity tests.
	failSaves bool
}

func newMemDB(params *chaincfg.Params) *memDB {
	return &memDB{
		network:  params,
		height:   1000,
		ids:      make(map[string]uint32),
		wallets:  make(map[uint32][]byte),
		accounts: make(map[uint32]map[uint32][]byte),
		acctIdx:  make(map[uint32]map[string]uint32),
		paths:    make(map[uint32]map[string]*Path),
		batches:  make(map[uint32][]func(d *memDB)),
	}
}

func (d *memDB) Register(id string) (uint32, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if _, ok := d.ids[id]; ok {
		return 0, errors.New("wallet exists")
	}
	d.lastWID++
	d.ids[id] = d.lastWID

	return d.lastWID, nil
}

func (d *memDB) Unregister(wid uint32) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	delete(d.wallets, wid)
	delete(d.accounts, wid)
	delete(d.acctIdx, wid)
	delete(d.paths, wid)

	return nil
}

func (d *memDB) Start(wid uint32) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.batches[wid] = []func(d *memDB){}
}

func (d *memDB) Drop(wid uint32) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	delete(d.batches, wid)
}

func (d *memDB) Commit(wid uint32) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	ops, ok := d.batches[wid]
	if !ok {
		return errors.New("no open batch")
	}
	delete(d.batches, wid)
	for _, op := range ops {
		op(d)
	}

	return nil
}

func (d *memDB) stage(wid uint32, op func(d *memDB)) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if d.failSaves {
		return errSaveMock
	}
	ops, ok := d.batches[wid]
	if !ok {
		return errors.New("no open batch")
	}
	d.batches[wid] = append(ops, op)

	return nil
}

func (d *memDB) SaveWallet(w *Wallet) error {
	raw, err := w.ToRaw()
	if err != nil {
		return err
	}
	wid := w.wid

	return d.stage(wid, func(d *memDB) {
		d.wallets[wid] = raw
	})
}

func (d *memDB) SaveAccount(a *Account) error {
	raw, err := a.ToRaw()
	if err != nil {
		return err
	}
	wid, index, name := a.wid, a.accountIndex, a.name

	return d.stage(wid, func(d *memDB) {
		if d.accounts[wid] == nil {
			d.accounts[wid] = make(map[uint32][]byte)
			d.acctIdx[wid] = make(map[string]uint32)
		}
		d.accounts[wid][index] = raw
		d.acctIdx[wid][name] = index
	})
}

func (d *memDB) SaveAddress(wid uint32, account uint32,
	rings []*keyring.KeyRing) error {

	entries := make([]*Path, 0, len(rings))
	for _, ring := range rings {
		entries = append(entries, &Path{
			WID:     wid,
			Account: account,
			Change:  ring.Branch,
			Index:   ring.Index,
			Hash:    ring.Hash(),
		})
	}

	return d.stage(wid, func(d *memDB) {
		if d.paths[wid] == nil {
			d.paths[wid] = make(map[string]*Path)
		}
		for _, path := range entries {
			d.paths[wid][string(path.Hash)] = path
		}
	})
}

func (d *memDB) GetAccount(wid, index uint32) (*Account, error) {
	d.mtx.Lock()
	raw := d.accounts[wid][index]
	d.mtx.Unlock()

	if raw == nil {
		return nil, nil
	}

	return AccountFromRaw(raw, wid)
}

func (d *memDB) GetAccountIndex(wid uint32, name string) (uint32, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	index, ok := d.acctIdx[wid][name]
	if !ok {
		return 0, ErrAccountNotFound
	}

	return index, nil
}

func (d *memDB) HasAccount(wid, index uint32) (bool, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	_, ok := d.accounts[wid][index]

	return ok, nil
}

func (d *memDB) GetAccounts(wid uint32) ([]uint32, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	indexes := make([]uint32, 0, len(d.accounts[wid]))
	for index := range d.accounts[wid] {
		indexes = append(indexes, index)
	}

	return indexes, nil
}

func (d *memDB) GetAddressPath(wid uint32, hash []byte) (*Path, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	return d.paths[wid][string(hash)], nil
}

func (d *memDB) GetAddressPaths(hash []byte) ([]*Path, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	var out []*Path
	for _, byHash := range d.paths {
		if path, ok := byHash[string(hash)]; ok {
			out = append(out, path)
		}
	}

	return out, nil
}

func (d *memDB) GetWalletPaths(wid uint32) ([]*Path, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	out := make([]*Path, 0, len(d.paths[wid]))
	for _, path := range d.paths[wid] {
		out = append(out, path)
	}

	return out, nil
}

func (d *memDB) HasAddress(wid uint32, hash []byte) (bool, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	_, ok := d.paths[wid][string(hash)]

	return ok, nil
}

func (d *memDB) Network() *chaincfg.Params {
	return d.network
}

func (d *memDB) Height() int32 {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	return d.height
}

func (d *memDB) Fees() FeeEstimator {
	return d.fees
}

// memTxStore is an in-memory TxStore. AddTX removes the coins spent by
// the transaction and credits nothing, which is all the engine tests
// need.
type memTxStore struct {
	mtx sync.Mutex

	// coins maps (wid, account) to the spendable set.
	coins map[uint32]map[uint32]map[wire.OutPoint]*Coin

	added []*wire.MsgTx
}

func newMemTxStore() *memTxStore {
	return &memTxStore{
		coins: make(map[uint32]map[uint32]map[wire.OutPoint]*Coin),
	}
}

// addCoin credits a coin to the account.
func (s *memTxStore) addCoin(wid, account uint32, coin *Coin) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.coins[wid] == nil {
		s.coins[wid] = make(map[uint32]map[wire.OutPoint]*Coin)
	}
	if s.coins[wid][account] == nil {
		s.coins[wid][account] = make(map[wire.OutPoint]*Coin)
	}
	s.coins[wid][account][coin.OutPoint] = coin
}

func (s *memTxStore) Coins(wid, account uint32) ([]*Coin, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	set := s.coins[wid][account]
	out := make([]*Coin, 0, len(set))
	for _, coin := range set {
		out = append(out, coin)
	}

	return out, nil
}

func (s *memTxStore) AddTX(tx *wire.MsgTx) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, in := range tx.TxIn {
		for _, byAccount := range s.coins {
			for _, set := range byAccount {
				delete(set, in.PreviousOutPoint)
			}
		}
	}
	s.added = append(s.added, tx)

	return nil
}

func (s *memTxStore) Balance(wid uint32) (Balance, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var balance Balance
	for _, set := range s.coins[wid] {
		for _, coin := range set {
			if coin.Height >= 0 {
				balance.Confirmed +=
					btcutil.Amount(coin.Value)
			} else {
				balance.Unconfirmed +=
					btcutil.Amount(coin.Value)
			}
		}
	}

	return balance, nil
}

// testHarness bundles a wallet with its mock collaborators.
type testHarness struct {
	w       *Wallet
	db      *memDB
	txStore *memTxStore

	// coinNonce distinguishes synthetic funding txids.
	coinNonce byte
}

// newTestWallet builds an initialized wallet over the in-memory mocks.
func newTestWallet(t *testing.T, params *chaincfg.Params,
	opts *InitOptions) *testHarness {

	t.Helper()

	db := newMemDB(params)
	txStore := newMemTxStore()

	w, err := New(&Config{
		DB:      db,
		TxStore: txStore,
		Master:  testMaster(t, params),
	})
	require.NoError(t, err)

	require.NoError(t, w.Init(opts))

	return &testHarness{w: w, db: db, txStore: txStore}
}

// fundCoin credits one confirmed coin paying the given ring.
func (h *testHarness) fundCoin(t *testing.T, account uint32,
	ring *keyring.KeyRing, value btcutil.Amount,
	height int32) *Coin {

	t.Helper()

	script, err := ring.PkScript()
	require.NoError(t, err)

	h.coinNonce++
	var hash chainhash.Hash
	copy(hash[:], bytes.Repeat([]byte{h.coinNonce}, 32))

	coin := &Coin{
		TxOut: wire.TxOut{
			Value:    int64(value),
			PkScript: script,
		},
		OutPoint: wire.OutPoint{Hash: hash, Index: 0},
		Height:   height,
	}
	h.txStore.addCoin(h.w.WID(), account, coin)

	return coin
}
