// Copyright (c) 2025 The walletkit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned when an operation requires an
	// initialized wallet or account.
	ErrNotInitialized = errors.New("not initialized")

	// ErrAlreadyInitialized is returned when Init is invoked on a
	// wallet that has already been initialized.
	ErrAlreadyInitialized = errors.New("already initialized")

	// ErrAccountNotFound is returned when resolution of an account
	// name or index fails.
	ErrAccountNotFound = errors.New("account not found")

	// ErrKeyExists is returned when a cosigner key being added is
	// already part of the account's key set.
	ErrKeyExists = errors.New("key already added")

	// ErrKeyAbsent is returned when a cosigner key being removed is
	// not part of the account's key set.
	ErrKeyAbsent = errors.New("key not found")

	// ErrKeyLimit is returned when the cosigner set already holds n
	// keys, or when removal is attempted on an initialized account.
	ErrKeyLimit = errors.New("key limit reached")

	// ErrSharedScript is returned when a completed multisig key set
	// would derive a script already owned by another account of the
	// same wallet.
	ErrSharedScript = errors.New("script already belongs to another account")

	// ErrMasterLocked is returned when a cryptographic operation
	// requires the master key to be unlocked.
	ErrMasterLocked = errors.New("master key is locked")

	// ErrBadPassphrase is returned when decryption with the supplied
	// passphrase does not yield valid extended key material.
	ErrBadPassphrase = errors.New("could not decrypt master key")

	// ErrMasterEncrypted is returned when encryption is requested on
	// an already-encrypted master key.
	ErrMasterEncrypted = errors.New("master key is already encrypted")

	// ErrMasterClear is returned when decryption is requested on a
	// master key that is not encrypted.
	ErrMasterClear = errors.New("master key is not encrypted")

	// ErrInsufficientFunds is returned when coin selection cannot
	// cover the requested outputs plus fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrCoinLocked is returned when a selected coin is already
	// reserved by another in-flight fund.
	ErrCoinLocked = errors.New("coin is locked")

	// ErrNotFullySigned is returned by Send when signing did not
	// cover every input.
	ErrNotFullySigned = errors.New("transaction is not fully signed")

	// ErrKeyMismatch is returned when a derived private key does not
	// match the keyring's public key.
	ErrKeyMismatch = errors.New("derived key does not match keyring")

	// ErrWalletDestroyed is returned when an operation is attempted
	// on a destroyed wallet.
	ErrWalletDestroyed = errors.New("wallet is destroyed")
)

// CheckError wraps a transaction sanity or input check failure with the
// specific rule that was violated.
type CheckError struct {
	// Stage is "transaction" for CheckTransaction failures and
	// "inputs" for CheckInputs failures.
	Stage string

	// Rule names the violated predicate.
	Rule string
}

// Error returns the string representation of a CheckError.
func (e *CheckError) Error() string {
	return fmt.Sprintf("%s check failed: %s", e.Stage, e.Rule)
}

// txCheckError builds a CheckTransaction failure.
func txCheckError(rule string) error {
	return &CheckError{Stage: "transaction", Rule: rule}
}

// inputCheckError builds a CheckInputs failure.
func inputCheckError(rule string) error {
	return &CheckError{Stage: "inputs", Rule: rule}
}
