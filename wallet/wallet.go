// Copyright (c) 2025 The walletkit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet implements a BIP32/BIP44 hierarchical deterministic
// wallet engine: deterministic key derivation with lookahead, encrypted
// custody of the master secret, transaction funding with coin selection
// and fee estimation, input scripting and signing including multisig
// templates and witness programs, and depth advancement driven by
// observed on-chain activity.
//
// The engine persists through the DB contract, gathers coins through
// the TxStore contract, and never touches the network: authored
// transactions are handed to the send notification for broadcast by the
// caller.
package wallet

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/walletkit/walletkit/internal/zero"
	"github.com/walletkit/walletkit/keyring"
)

// idPrefix is prepended to the hashed identity before base58 encoding.
// The three bytes render a recognizable "WLT" prefix in the encoded
// string.
var idPrefix = []byte{0x03, 0xbe, 0x04}

// Config bundles the collaborators a wallet operates against.
type Config struct {
	// DB is the persistence layer.
	DB DB

	// TxStore is the transaction/UTXO index.
	TxStore TxStore

	// Master is the root extended private key custody object.
	Master *MasterKey

	// Notifications receives engine events. Optional; a private
	// server is created when nil.
	Notifications *NotificationServer

	// SignerPool, when non-nil, offloads per-input signing.
	SignerPool *SignerPool
}

// Wallet is the top-level state machine: identity, token, account
// enumeration and the funding/signing orchestration. Two mutexes guard
// all observable transitions: the write lock serializes every mutation
// of persistent state, and the fund lock serializes coin selection so
// two in-flight sends can never pick the same coin.
type Wallet struct {
	// mtx is the write lock.
	mtx sync.Mutex

	// fundLock serializes fund/send.
	fundLock sync.Mutex

	db      DB
	txStore TxStore
	ntfns   *NotificationServer
	pool    *SignerPool
	network *chaincfg.Params

	wid          uint32
	id           string
	initialized  bool
	accountDepth uint32
	tokenDepth   uint32
	token        [32]byte
	master       *MasterKey
	destroyed    bool

	// account0 caches the default account.
	account0 *Account

	// lockedCoins is the runtime coin reservation table consulted by
	// fund. Nothing is persisted.
	lockedCoins map[wire.OutPoint]struct{}
}

// New constructs an unregistered wallet around the given master key.
// Init must be called before any other operation.
func New(cfg *Config) (*Wallet, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("wallet config: missing DB")
	}
	if cfg.TxStore == nil {
		return nil, fmt.Errorf("wallet config: missing TxStore")
	}
	if cfg.Master == nil {
		return nil, fmt.Errorf("wallet config: missing master key")
	}

	ntfns := cfg.Notifications
	if ntfns == nil {
		ntfns = NewNotificationServer()
	}

	return &Wallet{
		db:          cfg.DB,
		txStore:     cfg.TxStore,
		ntfns:       ntfns,
		pool:        cfg.SignerPool,
		network:     cfg.DB.Network(),
		master:      cfg.Master,
		lockedCoins: make(map[wire.OutPoint]struct{}),
	}, nil
}

// InitOptions parameterizes one-shot wallet initialization.
type InitOptions struct {
	// ID overrides the derived wallet identifier.
	ID string

	// Passphrase, when non-empty, encrypts the master key.
	Passphrase []byte

	// Account configures account 0.
	Account AccountOptions
}

// Init performs one-shot initialization: derives the wallet identity
// and token, registers with the database, encrypts the master when a
// passphrase is supplied, and creates account 0 named "default". It
// fails when the wallet is already initialized.
func (w *Wallet) Init(opts *InitOptions) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.initialized {
		return ErrAlreadyInitialized
	}
	if opts == nil {
		opts = &InitOptions{}
	}

	root, err := w.master.PrivKey()
	if err != nil {
		return err
	}

	w.id = opts.ID
	if w.id == "" {
		w.id, err = deriveID(root, w.network)
		if err != nil {
			return err
		}
	}

	token, err := deriveToken(root, w.tokenDepth)
	if err != nil {
		return err
	}
	w.token = token

	wid, err := w.db.Register(w.id)
	if err != nil {
		return err
	}
	w.wid = wid

	var announce []*keyring.KeyRing
	err = w.withBatch(func() error {
		// Account 0 derives from the clear root; encryption comes
		// after, so the record lands with ciphertext.
		account, rings, err := w.createAccountLocked(
			root, &opts.Account,
		)
		if err != nil {
			return err
		}
		w.account0 = account
		announce = rings
		w.initialized = true

		if len(opts.Passphrase) > 0 {
			err := w.master.Encrypt(opts.Passphrase)
			if err != nil {
				return err
			}
		}

		return w.db.SaveWallet(w)
	})
	if err != nil {
		w.initialized = false
		w.account0 = nil
		w.accountDepth = 0
		return err
	}

	log.Infof("Wallet %s (wid=%d) initialized on %s", w.id, w.wid,
		w.network.Name)

	if len(announce) > 0 {
		w.ntfns.notifyAddress(w.id, announce)
	}

	return nil
}

// Open reattaches a persisted wallet: verifies it is initialized and
// loads account 0 into the cache.
func (w *Wallet) Open() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if !w.initialized {
		return ErrNotInitialized
	}

	account, err := w.db.GetAccount(w.wid, 0)
	if err != nil {
		return err
	}
	if account == nil {
		return ErrAccountNotFound
	}
	account.db = w.db
	account.network = w.network
	w.account0 = account

	log.Debugf("Wallet %s opened, accountDepth=%d", w.id,
		w.accountDepth)

	return nil
}

// Destroy unregisters the wallet from the database and zeroes the
// decrypted master material. Operations must not be in flight.
func (w *Wallet) Destroy() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.destroyed {
		return ErrWalletDestroyed
	}

	if err := w.db.Unregister(w.wid); err != nil {
		return err
	}

	w.master.zeroAll()
	w.destroyed = true
	w.account0 = nil

	return nil
}

// ID returns the wallet's human-readable identifier.
func (w *Wallet) ID() string {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.id
}

// WID returns the database-assigned numeric identifier.
func (w *Wallet) WID() uint32 {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.wid
}

// Token returns the current 32-byte API authentication secret.
func (w *Wallet) Token() [32]byte {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.token
}

// TokenDepth returns the token rotation nonce.
func (w *Wallet) TokenDepth() uint32 {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.tokenDepth
}

// AccountDepth returns the count of accounts ever created.
func (w *Wallet) AccountDepth() uint32 {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.accountDepth
}

// Initialized reports whether Init has completed.
func (w *Wallet) Initialized() bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.initialized
}

// Master exposes the master key custody object.
func (w *Wallet) Master() *MasterKey {
	return w.master
}

// Network returns the wallet's chain parameters.
func (w *Wallet) Network() *chaincfg.Params {
	return w.network
}

// Notifications returns the wallet's event registry.
func (w *Wallet) Notifications() *NotificationServer {
	return w.ntfns
}

// Unlock decrypts the master key for the given window. A timeout of
// zero selects DefaultUnlockTimeout; NoUnlockTimeout disables the
// auto-destroy timer.
func (w *Wallet) Unlock(passphrase []byte, timeout time.Duration) error {
	_, err := w.master.Unlock(passphrase, timeout)
	return err
}

// Lock wipes the decrypted master material.
func (w *Wallet) Lock() {
	w.master.Lock()
}

// deriveID computes the default wallet identifier:
// base58( prefix || hash160(pub(m/44) || magicLE) || checksum4 ).
// The child at index 44 is non-hardened, so the identity is a pure
// function of the root public key and the network magic.
func deriveID(root *hdkeychain.ExtendedKey,
	network *chaincfg.Params) (string, error) {

	child, err := root.Derive(bip44Purpose)
	if err != nil {
		return "", err
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return "", err
	}

	data := make([]byte, 0, 33+4)
	data = append(data, pub.SerializeCompressed()...)
	data = appendU32LE(data, networkMagic(network))

	hash := btcutil.Hash160(data)

	payload := make([]byte, 0, len(idPrefix)+len(hash)+4)
	payload = append(payload, idPrefix...)
	payload = append(payload, hash...)

	checksum := chainhash.DoubleHashB(payload)[:4]
	payload = append(payload, checksum...)

	return base58.Encode(payload), nil
}

// deriveToken computes hash256( priv(m/44') || u32LE(nonce) ).
func deriveToken(root *hdkeychain.ExtendedKey,
	nonce uint32) ([32]byte, error) {

	var token [32]byte

	child, err := root.Derive(hardened + bip44Purpose)
	if err != nil {
		return token, err
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return token, err
	}

	data := make([]byte, 0, 32+4)
	data = append(data, priv.Serialize()...)
	data = appendU32LE(data, nonce)
	defer zero.Bytes(data)

	copy(token[:], chainhash.DoubleHashB(data))

	return token, nil
}

// appendU32LE appends v in little-endian order.
func appendU32LE(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)

	return append(b, buf[:]...)
}

// withBatch runs fn inside a per-wallet database batch: any error drops
// the batch before it escapes; success commits atomically. Callers hold
// the write lock.
func (w *Wallet) withBatch(fn func() error) error {
	w.db.Start(w.wid)
	if err := fn(); err != nil {
		w.db.Drop(w.wid)
		return err
	}

	return w.db.Commit(w.wid)
}

// Retoken increments the token nonce and recomputes the token. The
// master must be unlocked, or a passphrase supplied to unlock it. A
// passphrase unlock uses the default unlock timeout, so the master
// stays unlocked after the call returns until that timer fires or the
// master is locked.
func (w *Wallet) Retoken(passphrase []byte) ([32]byte, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	root, err := w.unlockFor(passphrase)
	if err != nil {
		return [32]byte{}, err
	}

	newDepth := w.tokenDepth + 1
	token, err := deriveToken(root, newDepth)
	if err != nil {
		return [32]byte{}, err
	}

	oldDepth, oldToken := w.tokenDepth, w.token
	w.tokenDepth = newDepth
	w.token = token

	err = w.withBatch(func() error {
		return w.db.SaveWallet(w)
	})
	if err != nil {
		w.tokenDepth, w.token = oldDepth, oldToken
		return [32]byte{}, err
	}

	return token, nil
}

// SetPassphrase rotates the master key's encryption passphrase. A
// wallet that was never encrypted passes a nil old passphrase. On any
// failure the master state is unchanged.
func (w *Wallet) SetPassphrase(old, new []byte) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.master.Encrypted() {
		if err := w.master.Decrypt(old); err != nil {
			return err
		}
	}

	if err := w.master.Encrypt(new); err != nil {
		return err
	}

	return w.withBatch(func() error {
		return w.db.SaveWallet(w)
	})
}

// unlockFor returns the decrypted root key, using passphrase when the
// master is locked. Callers hold the write lock.
func (w *Wallet) unlockFor(passphrase []byte) (*hdkeychain.ExtendedKey,
	error) {

	if key, err := w.master.PrivKey(); err == nil {
		return key, nil
	}
	if len(passphrase) == 0 {
		return nil, ErrMasterLocked
	}

	return w.master.Unlock(passphrase, 0)
}

// CreateAccount derives the next account subtree and persists it. The
// master must be unlocked when encrypted. The new account's index is
// the current accountDepth.
func (w *Wallet) CreateAccount(opts *AccountOptions) (*Account, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if !w.initialized {
		return nil, ErrNotInitialized
	}

	root, err := w.master.PrivKey()
	if err != nil {
		return nil, err
	}

	depthBefore := w.accountDepth
	var (
		account  *Account
		announce []*keyring.KeyRing
	)
	err = w.withBatch(func() error {
		var err error
		account, announce, err = w.createAccountLocked(root, opts)
		if err != nil {
			return err
		}

		return w.db.SaveWallet(w)
	})
	if err != nil {
		w.accountDepth = depthBefore
		return nil, err
	}

	if len(announce) > 0 {
		w.ntfns.notifyAddress(w.id, announce)
	}

	return account, nil
}

// createAccountLocked builds and stages the account at index
// accountDepth, advancing the depth on success. Callers hold the write
// lock and an open batch.
func (w *Wallet) createAccountLocked(root *hdkeychain.ExtendedKey,
	opts *AccountOptions) (*Account, []*keyring.KeyRing, error) {

	if opts == nil {
		opts = &AccountOptions{}
	}

	index := w.accountDepth

	acctKey, err := deriveAccount44(
		root, w.network.HDCoinType, index,
	)
	if err != nil {
		return nil, nil, err
	}

	account, err := newAccount(w.db, w.network, w.wid, index,
		acctKey, opts)
	if err != nil {
		return nil, nil, err
	}

	for _, key := range opts.Keys {
		if err := w.checkForeignKey(account, key); err != nil {
			return nil, nil, err
		}
		if err := account.pushKey(key); err != nil {
			return nil, nil, err
		}
	}

	var announce []*keyring.KeyRing
	if account.complete() {
		announce, err = account.initDepth()
		if err != nil {
			return nil, nil, err
		}
	}

	if err := w.db.SaveAccount(account); err != nil {
		return nil, nil, err
	}

	w.accountDepth = index + 1

	log.Debugf("Created account %s (index=%d, %d-of-%d, witness=%v)",
		account.name, index, account.m, account.n, account.witness)

	return account, announce, nil
}

// Account resolves an account by name. The empty string resolves the
// default account.
func (w *Wallet) Account(name string) (*Account, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.accountLocked(name)
}

// accountLocked resolves an account by name under the write lock.
func (w *Wallet) accountLocked(name string) (*Account, error) {
	if name == "" || name == "default" {
		if w.account0 == nil {
			return nil, ErrAccountNotFound
		}
		return w.account0, nil
	}

	index, err := w.db.GetAccountIndex(w.wid, name)
	if err != nil {
		return nil, err
	}

	return w.accountByIndexLocked(index)
}

// AccountByIndex resolves an account by its BIP44 index.
func (w *Wallet) AccountByIndex(index uint32) (*Account, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.accountByIndexLocked(index)
}

// accountByIndexLocked fetches and wires an account by index.
func (w *Wallet) accountByIndexLocked(index uint32) (*Account, error) {
	if index == 0 && w.account0 != nil {
		return w.account0, nil
	}

	account, err := w.db.GetAccount(w.wid, index)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrAccountNotFound
	}
	account.db = w.db
	account.network = w.network

	return account, nil
}

// Accounts lists the wallet's account indexes.
func (w *Wallet) Accounts() ([]uint32, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.db.GetAccounts(w.wid)
}

// checkForeignKey refuses a cosigner key that already belongs to a
// different account of this wallet.
func (w *Wallet) checkForeignKey(target *Account,
	key *hdkeychain.ExtendedKey) error {

	indexes, err := w.db.GetAccounts(w.wid)
	if err != nil {
		return err
	}

	for _, index := range indexes {
		if index == target.accountIndex {
			continue
		}
		account, err := w.accountByIndexLocked(index)
		if err != nil {
			return err
		}
		if account.hasKey(key) {
			return ErrKeyExists
		}
	}

	return nil
}

// AddKey adds a cosigner key to a multisig account. When the set
// reaches n keys the account initializes and derives its first
// addresses.
func (w *Wallet) AddKey(accountName string,
	key *hdkeychain.ExtendedKey) error {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if !w.initialized {
		return ErrNotInitialized
	}

	account, err := w.accountLocked(accountName)
	if err != nil {
		return err
	}

	if err := w.checkForeignKey(account, key); err != nil {
		return err
	}

	keysBefore := account.keys
	initializedBefore := account.initialized
	snapshot := accountDepthSnapshot(account)

	var announce []*keyring.KeyRing
	err = w.withBatch(func() error {
		if err := account.pushKey(key); err != nil {
			return err
		}

		if account.complete() && !account.initialized {
			var err error
			announce, err = account.initDepth()
			if err != nil {
				return err
			}
		}

		return w.db.SaveAccount(account)
	})
	if err != nil {
		account.keys = keysBefore
		account.initialized = initializedBefore
		snapshot.restore(account)
		return err
	}

	if len(announce) > 0 {
		w.ntfns.notifyAddress(w.id, announce)
	}

	return nil
}

// RemoveKey removes a cosigner key from an account whose set has not
// yet completed. Removal from an initialized account is refused.
func (w *Wallet) RemoveKey(accountName string,
	key *hdkeychain.ExtendedKey) error {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if !w.initialized {
		return ErrNotInitialized
	}

	account, err := w.accountLocked(accountName)
	if err != nil {
		return err
	}

	// spliceKey shifts the backing array in place, so keep a real
	// copy for rollback.
	keysBefore := append(
		[]*hdkeychain.ExtendedKey{}, account.keys...,
	)
	err = w.withBatch(func() error {
		if err := account.spliceKey(key); err != nil {
			return err
		}

		return w.db.SaveAccount(account)
	})
	if err != nil {
		account.keys = keysBefore
		return err
	}

	return nil
}

// CreateReceive advances the account's receive depth by one and returns
// the new frontier keyring.
func (w *Wallet) CreateReceive(accountName string) (*keyring.KeyRing,
	error) {

	return w.CreateAddress(accountName, false)
}

// CreateChange advances the account's change depth by one and returns
// the new frontier keyring.
func (w *Wallet) CreateChange(accountName string) (*keyring.KeyRing,
	error) {

	return w.CreateAddress(accountName, true)
}

// CreateAddress advances the receive or change depth of the account by
// one, persisting the new lookahead window.
func (w *Wallet) CreateAddress(accountName string, change bool) (
	*keyring.KeyRing, error) {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if !w.initialized {
		return nil, ErrNotInitialized
	}

	account, err := w.accountLocked(accountName)
	if err != nil {
		return nil, err
	}
	if !account.initialized {
		return nil, ErrNotInitialized
	}

	recvDepth, chgDepth := account.receiveDepth, account.changeDepth
	if change {
		chgDepth++
	} else {
		recvDepth++
	}

	var announce []*keyring.KeyRing
	snapshot := accountDepthSnapshot(account)
	err = w.withBatch(func() error {
		recv, _, err := account.setDepth(recvDepth, chgDepth)
		if err != nil {
			return err
		}
		announce = recv

		return nil
	})
	if err != nil {
		snapshot.restore(account)
		return nil, err
	}

	if len(announce) > 0 {
		w.ntfns.notifyAddress(w.id, announce)
	}

	if change {
		return account.changeRing, nil
	}

	return account.receiveRing, nil
}

// GetPath looks up the derivation path indexed under a 20- or 32-byte
// address hash, nil when the address is not ours.
func (w *Wallet) GetPath(hash []byte) (*Path, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.db.GetAddressPath(w.wid, hash)
}

// SyncOutputDepth raises the affected accounts' depths to one beyond
// the highest matched index plus padding, emitting an address event for
// every newly derived receive address. Paths are grouped by account;
// depths never decrease.
func (w *Wallet) SyncOutputDepth(paths []*Path) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if !w.initialized {
		return ErrNotInitialized
	}

	type depthTarget struct {
		receive uint32
		change  uint32
	}
	targets := make(map[uint32]*depthTarget)
	for _, path := range paths {
		if path.WID != w.wid {
			continue
		}
		target := targets[path.Account]
		if target == nil {
			target = &depthTarget{}
			targets[path.Account] = target
		}

		// One beyond the matched index, plus one padding slot.
		depth := path.Index + 2
		if path.Change == BranchChange {
			if depth > target.change {
				target.change = depth
			}
		} else if depth > target.receive {
			target.receive = depth
		}
	}

	// All affected accounts advance inside one batch so the whole
	// sync is atomic.
	var (
		announce  []*keyring.KeyRing
		snapshots = make(map[*Account]depthSnapshot)
	)
	err := w.withBatch(func() error {
		for index, target := range targets {
			account, err := w.accountByIndexLocked(index)
			if err != nil {
				return err
			}

			recvDepth := account.receiveDepth
			if target.receive > recvDepth {
				recvDepth = target.receive
			}
			chgDepth := account.changeDepth
			if target.change > chgDepth {
				chgDepth = target.change
			}
			if recvDepth == account.receiveDepth &&
				chgDepth == account.changeDepth {

				continue
			}

			snapshots[account] = accountDepthSnapshot(account)
			recv, _, err := account.setDepth(
				recvDepth, chgDepth,
			)
			if err != nil {
				return err
			}
			announce = append(announce, recv...)
		}

		return nil
	})
	if err != nil {
		for account, snapshot := range snapshots {
			snapshot.restore(account)
		}
		return err
	}

	if len(announce) > 0 {
		w.ntfns.notifyAddress(w.id, announce)
	}

	return nil
}

// depthSnapshot preserves account depth state across a failed batch so
// no in-memory change is observable after a drop.
type depthSnapshot struct {
	receiveDepth uint32
	changeDepth  uint32
	receiveRing  *keyring.KeyRing
	changeRing   *keyring.KeyRing
}

// accountDepthSnapshot captures the account's current depth state.
func accountDepthSnapshot(a *Account) depthSnapshot {
	return depthSnapshot{
		receiveDepth: a.receiveDepth,
		changeDepth:  a.changeDepth,
		receiveRing:  a.receiveRing,
		changeRing:   a.changeRing,
	}
}

// restore puts the captured state back.
func (s depthSnapshot) restore(a *Account) {
	a.receiveDepth = s.receiveDepth
	a.changeDepth = s.changeDepth
	a.receiveRing = s.receiveRing
	a.changeRing = s.changeRing
}

// LockCoin reserves an outpoint against selection by fund.
func (w *Wallet) LockCoin(op wire.OutPoint) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	w.lockedCoins[op] = struct{}{}
}

// UnlockCoin releases a reservation.
func (w *Wallet) UnlockCoin(op wire.OutPoint) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	delete(w.lockedCoins, op)
}

// LockedCoins snapshots the reservation table.
func (w *Wallet) LockedCoins() []wire.OutPoint {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	ops := make([]wire.OutPoint, 0, len(w.lockedCoins))
	for op := range w.lockedCoins {
		ops = append(ops, op)
	}

	return ops
}

// isCoinLocked reports whether the outpoint is reserved.
func (w *Wallet) isCoinLocked(op wire.OutPoint) bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	_, ok := w.lockedCoins[op]

	return ok
}
