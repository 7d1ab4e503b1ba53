// Copyright (c) 2025 The walletkit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/walletkit/walletkit/keyring"
)

const (
	// Lookahead is the fixed number of unused addresses pre-derived
	// past the current depth on each branch, so inbound payments to
	// near-future addresses are recognized.
	Lookahead = 5

	// BranchReceive and BranchChange are the BIP44 change-level
	// indexes.
	BranchReceive uint32 = 0
	BranchChange  uint32 = 1
)

// Account is one BIP44 subtree (m/44'/coin'/index') of a wallet. It
// tracks the cosigner key set, the receive and change depths, and the
// cached frontier keyrings. Accounts are appended to a wallet and never
// removed; depths only increase.
//
// Accounts do not hold a back-pointer to their wallet. They carry the
// wid and operate against the injected DB; events derived from account
// activity are routed through the wallet explicitly.
type Account struct {
	wid  uint32
	name string

	accountIndex uint32
	accountKey   *hdkeychain.ExtendedKey
	keys         []*hdkeychain.ExtendedKey

	addrType keyring.AddressType
	m, n     int
	witness  bool

	initialized  bool
	receiveDepth uint32
	changeDepth  uint32

	receiveRing *keyring.KeyRing
	changeRing  *keyring.KeyRing

	db      DB
	network *chaincfg.Params
}

// AccountOptions carries the caller-supplied parameters of a new
// account.
type AccountOptions struct {
	// Name is the human-readable identifier, unique within the
	// wallet. Defaults to the decimal account index; account 0 is
	// always named "default".
	Name string

	// Type selects the script family. Coerced to Multisig whenever
	// N > 1.
	Type keyring.AddressType

	// M and N are the multisig threshold parameters. Zero values
	// default to 1/1.
	M, N int

	// Witness selects native segwit address programs.
	Witness bool

	// Keys are additional cosigner extended public keys supplied at
	// creation.
	Keys []*hdkeychain.ExtendedKey
}

// newAccount constructs an in-memory account around the derived account
// key. The cosigner set starts with the account key; the account
// initializes (derives its first addresses) once the set holds n keys.
func newAccount(db DB, network *chaincfg.Params, wid, index uint32,
	accountKey *hdkeychain.ExtendedKey,
	opts *AccountOptions) (*Account, error) {

	m, n := opts.M, opts.N
	if m == 0 {
		m = 1
	}
	if n == 0 {
		n = 1
	}
	if m < 1 || m > n {
		return nil, keyring.ErrBadThreshold
	}

	addrType := opts.Type
	if n > 1 {
		addrType = keyring.Multisig
	}

	name := opts.Name
	if name == "" {
		name = strconv.FormatUint(uint64(index), 10)
	}
	if index == 0 {
		name = "default"
	}

	if accountKey.IsPrivate() {
		pub, err := accountKey.Neuter()
		if err != nil {
			return nil, err
		}
		accountKey = pub
	}

	a := &Account{
		wid:          wid,
		name:         name,
		accountIndex: index,
		accountKey:   accountKey,
		keys:         []*hdkeychain.ExtendedKey{accountKey},
		addrType:     addrType,
		m:            m,
		n:            n,
		witness:      opts.Witness,
		db:           db,
		network:      network,
	}

	return a, nil
}

// WID returns the owning wallet's numeric identifier.
func (a *Account) WID() uint32 {
	return a.wid
}

// Name returns the account's human-readable identifier.
func (a *Account) Name() string {
	return a.name
}

// Index returns the BIP44 account index.
func (a *Account) Index() uint32 {
	return a.accountIndex
}

// Initialized reports whether the key set is complete and the first
// addresses have been derived.
func (a *Account) Initialized() bool {
	return a.initialized
}

// ReceiveDepth returns the index of the next receive address.
func (a *Account) ReceiveDepth() uint32 {
	return a.receiveDepth
}

// ChangeDepth returns the index of the next change address.
func (a *Account) ChangeDepth() uint32 {
	return a.changeDepth
}

// ReceiveAddress returns the cached keyring at receiveDepth-1, nil
// before initialization.
func (a *Account) ReceiveAddress() *keyring.KeyRing {
	return a.receiveRing
}

// ChangeAddress returns the cached keyring at changeDepth-1, nil before
// initialization.
func (a *Account) ChangeAddress() *keyring.KeyRing {
	return a.changeRing
}

// params snapshots the account's keyring parameters.
func (a *Account) params() *keyring.AccountParams {
	return &keyring.AccountParams{
		AccountKey:  a.accountKey,
		Keys:        a.keys,
		Type:        a.addrType,
		M:           a.m,
		N:           a.n,
		Witness:     a.witness,
		ChainParams: a.network,
	}
}

// deriveRing derives the keyring at (branch, index).
func (a *Account) deriveRing(branch, index uint32) (*keyring.KeyRing,
	error) {

	return keyring.FromAccount(a.params(), branch, index)
}

// hasKey reports whether the serialized key already belongs to the
// cosigner set. Equality is on the serialized public material.
func (a *Account) hasKey(key *hdkeychain.ExtendedKey) bool {
	s := key.String()
	for _, k := range a.keys {
		if k.String() == s {
			return true
		}
	}

	return false
}

// pushKey adds a cosigner extended public key to the set. When the set
// first reaches n keys the account checks that the would-be (0,0)
// script is not already indexed for this wallet: two accounts of one
// wallet may not share a script. The caller (Wallet) persists and, when
// the set is complete, initializes depths.
func (a *Account) pushKey(key *hdkeychain.ExtendedKey) error {
	if key.IsPrivate() {
		pub, err := key.Neuter()
		if err != nil {
			return err
		}
		key = pub
	}

	if a.hasKey(key) {
		return ErrKeyExists
	}
	if len(a.keys) >= a.n {
		return ErrKeyLimit
	}

	candidate := append(a.keys[:len(a.keys):len(a.keys)], key)

	if len(candidate) == a.n && a.addrType == keyring.Multisig {
		ring, err := keyring.FromAccount(&keyring.AccountParams{
			AccountKey:  a.accountKey,
			Keys:        candidate,
			Type:        a.addrType,
			M:           a.m,
			N:           a.n,
			Witness:     a.witness,
			ChainParams: a.network,
		}, BranchReceive, 0)
		if err != nil {
			return err
		}

		shared, err := a.db.HasAddress(a.wid, ring.Hash())
		if err != nil {
			return err
		}
		if shared {
			return ErrSharedScript
		}
	}

	a.keys = candidate

	return nil
}

// spliceKey removes a cosigner key from the set. Removal from an
// initialized account is refused: the derived script is already live.
func (a *Account) spliceKey(key *hdkeychain.ExtendedKey) error {
	if a.initialized {
		return ErrKeyLimit
	}

	s := key.String()
	for i, k := range a.keys {
		if k.String() != s {
			continue
		}
		if i == 0 {
			// The account key is never removable.
			return ErrKeyLimit
		}
		a.keys = append(a.keys[:i], a.keys[i+1:]...)

		return nil
	}

	return ErrKeyAbsent
}

// keyCount returns the current cosigner set size.
func (a *Account) keyCount() int {
	return len(a.keys)
}

// complete reports whether the cosigner set holds n keys.
func (a *Account) complete() bool {
	return len(a.keys) == a.n
}

// initDepth marks the account initialized and derives the first
// receive and change addresses plus lookahead. It returns the newly
// derived receive rings so the wallet can announce them.
func (a *Account) initDepth() ([]*keyring.KeyRing, error) {
	if a.initialized {
		return nil, ErrAlreadyInitialized
	}
	if !a.complete() {
		return nil, keyring.ErrKeySetIncomplete
	}

	a.initialized = true
	recv, _, err := a.setDepth(1, 1)
	if err != nil {
		a.initialized = false
		return nil, err
	}

	return recv, nil
}

// setDepth raises the receive and change depths. For each branch where
// the new depth exceeds the current one, rings are derived for indices
// [current, new+Lookahead) and their paths staged into the reverse
// index, keeping the invariant that every index in [0, depth+Lookahead)
// is indexed. Depths never decrease.
//
// Depths and frontier rings change only after every derivation and the
// address stage succeed. The account record is staged last; if that
// stage fails, the raised depths remain in memory.
func (a *Account) setDepth(receiveDepth, changeDepth uint32) (
	[]*keyring.KeyRing, []*keyring.KeyRing, error) {

	if !a.initialized {
		return nil, nil, ErrNotInitialized
	}

	recvRings, recvFrontier, err := a.deriveBranch(
		BranchReceive, a.receiveDepth, receiveDepth,
	)
	if err != nil {
		return nil, nil, err
	}

	chgRings, chgFrontier, err := a.deriveBranch(
		BranchChange, a.changeDepth, changeDepth,
	)
	if err != nil {
		return nil, nil, err
	}

	all := append(append([]*keyring.KeyRing{}, recvRings...),
		chgRings...)
	if len(all) > 0 {
		err = a.db.SaveAddress(a.wid, a.accountIndex, all)
		if err != nil {
			return nil, nil, err
		}
	}

	if recvFrontier != nil {
		a.receiveDepth = receiveDepth
		a.receiveRing = recvFrontier
	}
	if chgFrontier != nil {
		a.changeDepth = changeDepth
		a.changeRing = chgFrontier
	}

	if err := a.db.SaveAccount(a); err != nil {
		return nil, nil, err
	}

	log.Debugf("Account %s/%d depth now recv=%d chg=%d",
		a.name, a.accountIndex, a.receiveDepth, a.changeDepth)

	return recvRings, chgRings, nil
}

// deriveBranch derives the rings a depth raise needs on one branch and
// returns them plus the new frontier ring (depth-1). A nil frontier
// means the branch depth did not move.
func (a *Account) deriveBranch(branch, current, next uint32) (
	[]*keyring.KeyRing, *keyring.KeyRing, error) {

	if next <= current {
		return nil, nil, nil
	}

	rings := make([]*keyring.KeyRing, 0, next+Lookahead-current)
	for i := current; i < next+Lookahead; i++ {
		ring, err := a.deriveRing(branch, i)
		if err != nil {
			return nil, nil, fmt.Errorf("derive %d/%d: %w",
				branch, i, err)
		}
		rings = append(rings, ring)
	}

	frontier, err := a.deriveRing(branch, next-1)
	if err != nil {
		return nil, nil, err
	}

	return rings, frontier, nil
}
