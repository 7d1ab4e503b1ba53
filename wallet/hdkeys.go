// Copyright (c) 2025 The walletkit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	// bip44Purpose is the purpose level of the derivation scheme.
	bip44Purpose = 44

	// hardened aliases the hardened derivation offset.
	hardened = hdkeychain.HardenedKeyStart

	// rawKeySize is the serialized size of an extended key: the
	// 78-byte BIP32 payload plus the 4-byte double-SHA256 checksum,
	// i.e. the base58check-decoded form.
	rawKeySize = 82
)

var (
	// ErrBadKeySize is returned when raw extended key material is not
	// exactly 82 bytes.
	ErrBadKeySize = errors.New("invalid extended key size")

	// ErrUnknownNetwork is returned when a network magic does not map
	// to any known chain parameters.
	ErrUnknownNetwork = errors.New("unknown network magic")
)

// keyToRaw serializes an extended key into its 82-byte raw form.
func keyToRaw(key *hdkeychain.ExtendedKey) []byte {
	return base58.Decode(key.String())
}

// keyFromRaw parses 82-byte raw extended key material. The embedded
// checksum is verified during parsing.
func keyFromRaw(raw []byte) (*hdkeychain.ExtendedKey, error) {
	if len(raw) != rawKeySize {
		return nil, ErrBadKeySize
	}

	key, err := hdkeychain.NewKeyFromString(base58.Encode(raw))
	if err != nil {
		return nil, fmt.Errorf("parse extended key: %w", err)
	}

	return key, nil
}

// deriveAccount44 derives m/44'/coin'/account' from the master key.
func deriveAccount44(master *hdkeychain.ExtendedKey, coinType,
	account uint32) (*hdkeychain.ExtendedKey, error) {

	purpose, err := master.Derive(hardened + bip44Purpose)
	if err != nil {
		return nil, fmt.Errorf("derive purpose: %w", err)
	}

	coin, err := purpose.Derive(hardened + coinType)
	if err != nil {
		return nil, fmt.Errorf("derive coin type: %w", err)
	}

	acct, err := coin.Derive(hardened + account)
	if err != nil {
		return nil, fmt.Errorf("derive account: %w", err)
	}

	return acct, nil
}

// derivePath derives the full private key at
// m/44'/coin'/account'/change/index from the master key.
func derivePath(master *hdkeychain.ExtendedKey, coinType uint32,
	path *Path) (*hdkeychain.ExtendedKey, error) {

	acct, err := deriveAccount44(master, coinType, path.Account)
	if err != nil {
		return nil, err
	}

	branch, err := acct.Derive(path.Change)
	if err != nil {
		return nil, fmt.Errorf("derive branch: %w", err)
	}

	key, err := branch.Derive(path.Index)
	if err != nil {
		return nil, fmt.Errorf("derive index: %w", err)
	}

	return key, nil
}

// networkMagic returns the wire magic of the chain parameters as a
// plain integer.
func networkMagic(params *chaincfg.Params) uint32 {
	return uint32(params.Net)
}

// ParamsFromMagic maps a network magic back to its chain parameters.
func ParamsFromMagic(magic uint32) (*chaincfg.Params, error) {
	for _, params := range []*chaincfg.Params{
		&chaincfg.MainNetParams,
		&chaincfg.TestNet3Params,
		&chaincfg.RegressionNetParams,
		&chaincfg.SimNetParams,
	} {
		if uint32(params.Net) == magic {
			return params, nil
		}
	}

	return nil, ErrUnknownNetwork
}
