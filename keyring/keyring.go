// Copyright (c) 2025 The walletkit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keyring derives the per-address artifacts of a BIP44 account:
// the public key at a branch/index, the redeem script and witness program
// for multisig and segwit accounts, the 20- or 32-byte address hash used
// by the reverse path index, and the signature-slot templates installed
// into inputs before signing.
//
// A KeyRing is a derived artifact, never persisted. Everything it holds
// can be recomputed from the account's extended public keys plus the
// (change, index) pair.
package keyring

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

var (
	// ErrNoKeys is returned when a keyring is requested from an account
	// that has no keys at all.
	ErrNoKeys = errors.New("account has no keys")

	// ErrKeySetIncomplete is returned when a multisig keyring is
	// requested before the cosigner set has reached n keys.
	ErrKeySetIncomplete = errors.New("multisig key set incomplete")

	// ErrBadThreshold is returned when m or n is outside 1 <= m <= n.
	ErrBadThreshold = errors.New("invalid multisig threshold")
)

// AddressType identifies the script family an account derives.
type AddressType uint8

const (
	// PubKeyHash pays to the hash of a single derived public key.
	PubKeyHash AddressType = 0

	// Multisig pays to an m-of-n CHECKMULTISIG redeem script, wrapped
	// in P2SH (or P2WSH when the account is witness).
	Multisig AddressType = 1
)

// String returns the string representation of an AddressType.
func (t AddressType) String() string {
	switch t {
	case PubKeyHash:
		return "pubkeyhash"
	case Multisig:
		return "multisig"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// AccountParams bundles everything needed to derive keyrings for one
// account branch. The account itself owns the canonical copy; callers
// hand a snapshot to FromAccount.
type AccountParams struct {
	// AccountKey is the extended public key at m/44'/coin'/account'.
	AccountKey *hdkeychain.ExtendedKey

	// Keys is the ordered cosigner set. AccountKey is always element
	// 0. For single-sig accounts it is the only element.
	Keys []*hdkeychain.ExtendedKey

	// Type selects the script family.
	Type AddressType

	// M and N are the multisig threshold parameters. Single-sig
	// accounts use 1/1.
	M, N int

	// Witness selects native segwit programs over legacy scripts.
	Witness bool

	// ChainParams identifies the network the addresses belong to.
	ChainParams *chaincfg.Params
}

// KeyRing holds the derived materials for a single (change, index) slot
// of an account.
type KeyRing struct {
	// PublicKey is the locally-owned derived public key.
	PublicKey *btcec.PublicKey

	// PublicKeys is the full ordered key set at this slot. For
	// single-sig rings it contains only PublicKey.
	PublicKeys []*btcec.PublicKey

	// Script is the multisig redeem script, nil for single-sig rings.
	Script []byte

	// Program is the witness program pkScript (OP_0 <hash>), nil for
	// legacy rings.
	Program []byte

	// Type, Witness, M and N mirror the account parameters that
	// produced this ring.
	Type    AddressType
	Witness bool
	M, N    int

	// Branch and Index locate the ring inside the account subtree.
	Branch, Index uint32

	chainParams *chaincfg.Params
	hash        []byte
}

// FromAccount derives the keyring at the given branch and index from the
// account parameters. The branch must be 0 (receive) or 1 (change).
func FromAccount(p *AccountParams, branch, index uint32) (*KeyRing, error) {
	if len(p.Keys) == 0 || p.AccountKey == nil {
		return nil, ErrNoKeys
	}
	if p.M < 1 || p.M > p.N {
		return nil, ErrBadThreshold
	}
	if p.Type == Multisig && len(p.Keys) != p.N {
		return nil, ErrKeySetIncomplete
	}

	own, err := derivePub(p.AccountKey, branch, index)
	if err != nil {
		return nil, err
	}

	ring := &KeyRing{
		PublicKey:   own,
		Type:        p.Type,
		Witness:     p.Witness,
		M:           p.M,
		N:           p.N,
		Branch:      branch,
		Index:       index,
		chainParams: p.ChainParams,
	}

	if p.Type == Multisig {
		ring.PublicKeys = make([]*btcec.PublicKey, 0, len(p.Keys))
		for _, key := range p.Keys {
			pub, err := derivePub(key, branch, index)
			if err != nil {
				return nil, err
			}
			ring.PublicKeys = append(ring.PublicKeys, pub)
		}

		ring.Script, err = multiSigScript(
			ring.PublicKeys, p.M, p.ChainParams,
		)
		if err != nil {
			return nil, err
		}
	} else {
		ring.PublicKeys = []*btcec.PublicKey{own}
	}

	if err := ring.finalize(); err != nil {
		return nil, err
	}

	log.Tracef("Derived %v ring at %d/%d, hash=%x", p.Type, branch,
		index, ring.hash)

	return ring, nil
}

// derivePub derives key/branch/index and returns the resulting public
// key. Only public derivation is performed.
func derivePub(key *hdkeychain.ExtendedKey, branch,
	index uint32) (*btcec.PublicKey, error) {

	branchKey, err := key.Derive(branch)
	if err != nil {
		return nil, fmt.Errorf("derive branch %d: %w", branch, err)
	}

	indexKey, err := branchKey.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("derive index %d: %w", index, err)
	}

	return indexKey.ECPubKey()
}

// multiSigScript assembles the m-of-n CHECKMULTISIG redeem script with
// the keys in set order. Key order is load-bearing: every cosigner must
// derive the identical script.
func multiSigScript(pubs []*btcec.PublicKey, m int,
	params *chaincfg.Params) ([]byte, error) {

	addrPubs := make([]*btcutil.AddressPubKey, 0, len(pubs))
	for _, pub := range pubs {
		addr, err := btcutil.NewAddressPubKey(
			pub.SerializeCompressed(), params,
		)
		if err != nil {
			return nil, err
		}
		addrPubs = append(addrPubs, addr)
	}

	return txscript.MultiSigScript(addrPubs, m)
}

// finalize computes the address hash and, for witness rings, the witness
// program pkScript.
func (r *KeyRing) finalize() error {
	switch {
	case r.Type == PubKeyHash && !r.Witness:
		r.hash = btcutil.Hash160(r.PublicKey.SerializeCompressed())

	case r.Type == PubKeyHash && r.Witness:
		r.hash = btcutil.Hash160(r.PublicKey.SerializeCompressed())
		program, err := witnessProgram(r.hash)
		if err != nil {
			return err
		}
		r.Program = program

	case r.Type == Multisig && !r.Witness:
		r.hash = btcutil.Hash160(r.Script)

	case r.Type == Multisig && r.Witness:
		scriptHash := sha256.Sum256(r.Script)
		r.hash = scriptHash[:]
		program, err := witnessProgram(r.hash)
		if err != nil {
			return err
		}
		r.Program = program
	}

	return nil
}

// witnessProgram builds the version-0 witness program pkScript for a 20
// or 32 byte hash.
func witnessProgram(hash []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(hash).
		Script()
}

// Hash returns the 20- or 32-byte address hash used as the key of the
// reverse path index.
func (r *KeyRing) Hash() []byte {
	return r.hash
}

// Address returns the btcutil address form of the ring.
func (r *KeyRing) Address() (btcutil.Address, error) {
	switch {
	case r.Type == PubKeyHash && !r.Witness:
		return btcutil.NewAddressPubKeyHash(r.hash, r.chainParams)

	case r.Type == PubKeyHash && r.Witness:
		return btcutil.NewAddressWitnessPubKeyHash(
			r.hash, r.chainParams,
		)

	case r.Type == Multisig && !r.Witness:
		return btcutil.NewAddressScriptHashFromHash(
			r.hash, r.chainParams,
		)

	default:
		return btcutil.NewAddressWitnessScriptHash(
			r.hash, r.chainParams,
		)
	}
}

// PkScript returns the output script controlled by this ring, i.e. the
// script that previous outputs paying this address carry.
func (r *KeyRing) PkScript() ([]byte, error) {
	if r.Witness {
		return r.Program, nil
	}

	addr, err := r.Address()
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(addr)
}

// ScriptCode returns the script the signature hash commits to: the
// redeem script for multisig rings, the canonical P2PKH script for
// pubkeyhash rings (including P2WPKH, per BIP143).
func (r *KeyRing) ScriptCode() ([]byte, error) {
	if r.Type == Multisig {
		return r.Script, nil
	}

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(r.hash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// Redeems reports whether the ring controls the given output script.
func (r *KeyRing) Redeems(pkScript []byte) bool {
	own, err := r.PkScript()
	if err != nil {
		return false
	}

	return bytes.Equal(own, pkScript)
}

// KeyIndex returns the position of pub inside the ring's ordered key
// set, or -1 when the key is not part of the set.
func (r *KeyRing) KeyIndex(pub *btcec.PublicKey) int {
	raw := pub.SerializeCompressed()
	for i, key := range r.PublicKeys {
		if bytes.Equal(raw, key.SerializeCompressed()) {
			return i
		}
	}

	return -1
}
