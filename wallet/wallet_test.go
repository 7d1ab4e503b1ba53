// Copyright (c) 2025 The walletkit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

// TestWalletID pins the identity derivation: deterministic, WLT
// prefixed, and a function of the network magic.
func TestWalletID(t *testing.T) {
	t.Parallel()

	h := newTestWallet(t, &chaincfg.MainNetParams, nil)
	id := h.w.ID()

	require.True(t, strings.HasPrefix(id, "WLT"),
		"id %q missing WLT prefix", id)

	// Same seed, same network: same id.
	root, err := testMaster(t, &chaincfg.MainNetParams).PrivKey()
	require.NoError(t, err)
	again, err := deriveID(root, &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.Equal(t, id, again)

	// Different magic changes the id.
	other, err := deriveID(root, &chaincfg.TestNet3Params)
	require.NoError(t, err)
	require.NotEqual(t, id, other)
}

// TestWalletInit covers one-shot initialization: the default account,
// its depths, and the lookahead window in the path index.
func TestWalletInit(t *testing.T) {
	t.Parallel()

	h := newTestWallet(t, &chaincfg.RegressionNetParams, nil)
	w := h.w

	require.True(t, w.Initialized())
	require.EqualValues(t, 1, w.AccountDepth())

	require.ErrorIs(t, w.Init(nil), ErrAlreadyInitialized)

	account, err := w.Account("")
	require.NoError(t, err)
	require.Equal(t, "default", account.Name())
	require.EqualValues(t, 0, account.Index())
	require.True(t, account.Initialized())
	require.EqualValues(t, 1, account.ReceiveDepth())
	require.EqualValues(t, 1, account.ChangeDepth())
	require.NotNil(t, account.ReceiveAddress())
	require.NotNil(t, account.ChangeAddress())

	// Every index in [0, depth+lookahead) is present on both
	// branches.
	for branch := uint32(0); branch <= 1; branch++ {
		for i := uint32(0); i < 1+Lookahead; i++ {
			ring, err := account.deriveRing(branch, i)
			require.NoError(t, err)

			ok, err := h.db.HasAddress(w.WID(), ring.Hash())
			require.NoError(t, err)
			require.True(t, ok, "branch %d index %d missing",
				branch, i)
		}
	}

	// Reverse lookup maps back to the exact path.
	ring := account.ReceiveAddress()
	path, err := w.GetPath(ring.Hash())
	require.NoError(t, err)
	require.NotNil(t, path)
	require.EqualValues(t, 0, path.Account)
	require.EqualValues(t, BranchReceive, path.Change)
	require.EqualValues(t, 0, path.Index)
}

// TestWalletInitEncrypted initializes with a passphrase and checks the
// master ends up encrypted.
func TestWalletInitEncrypted(t *testing.T) {
	t.Parallel()

	h := newTestWallet(t, &chaincfg.RegressionNetParams, &InitOptions{
		Passphrase: []byte("secret"),
	})

	require.True(t, h.w.Master().Encrypted())
	_, err := h.w.Master().PrivKey()
	require.ErrorIs(t, err, ErrMasterLocked)

	require.NoError(t, h.w.Unlock([]byte("secret"), NoUnlockTimeout))
	_, err = h.w.Master().PrivKey()
	require.NoError(t, err)
}

// TestSetPassphrase rotates the passphrase and confirms identity and
// token are untouched.
func TestSetPassphrase(t *testing.T) {
	t.Parallel()

	h := newTestWallet(t, &chaincfg.RegressionNetParams, &InitOptions{
		Passphrase: []byte("old"),
	})
	w := h.w

	id, token := w.ID(), w.Token()

	require.NoError(t, w.SetPassphrase([]byte("old"), []byte("new")))

	// Old passphrase no longer decrypts.
	_, err := w.Master().Unlock([]byte("old"), NoUnlockTimeout)
	require.ErrorIs(t, err, ErrBadPassphrase)

	require.NoError(t, w.Unlock([]byte("new"), NoUnlockTimeout))

	require.Equal(t, id, w.ID())
	require.Equal(t, token, w.Token())

	// A failed rotation leaves the master untouched.
	w.Lock()
	err = w.SetPassphrase([]byte("bogus"), []byte("x"))
	require.ErrorIs(t, err, ErrBadPassphrase)
	require.NoError(t, w.Unlock([]byte("new"), NoUnlockTimeout))
}

// TestRetoken increments exactly the token depth and recomputes the
// token deterministically.
func TestRetoken(t *testing.T) {
	t.Parallel()

	h := newTestWallet(t, &chaincfg.RegressionNetParams, nil)
	w := h.w

	before := w.Token()
	depthBefore := w.TokenDepth()
	acctDepth := w.AccountDepth()
	id := w.ID()

	token, err := w.Retoken(nil)
	require.NoError(t, err)

	require.Equal(t, depthBefore+1, w.TokenDepth())
	require.NotEqual(t, before, token)
	require.Equal(t, token, w.Token())

	// Everything else is unchanged.
	require.Equal(t, id, w.ID())
	require.Equal(t, acctDepth, w.AccountDepth())

	// The token is a pure function of the key and nonce.
	root, err := w.Master().PrivKey()
	require.NoError(t, err)
	want, err := deriveToken(root, w.TokenDepth())
	require.NoError(t, err)
	require.Equal(t, want, token)

	// Locked master with no passphrase cannot retoken.
	require.NoError(t, w.Master().Encrypt([]byte("pw")))
	_, err = w.Retoken(nil)
	require.ErrorIs(t, err, ErrMasterLocked)

	// Supplying the passphrase unlocks the master and retokens.
	_, err = w.Retoken([]byte("pw"))
	require.NoError(t, err)
}

// TestWalletRawRoundTrip checks fromRaw(toRaw(w)) equivalence.
func TestWalletRawRoundTrip(t *testing.T) {
	t.Parallel()

	h := newTestWallet(t, &chaincfg.RegressionNetParams, nil)
	w := h.w

	raw, err := w.ToRaw()
	require.NoError(t, err)

	loaded, err := Load(&Config{
		DB:      h.db,
		TxStore: h.txStore,
	}, raw)
	require.NoError(t, err)

	require.Equal(t, w.WID(), loaded.WID())
	require.Equal(t, w.ID(), loaded.ID())
	require.Equal(t, w.Token(), loaded.Token())
	require.Equal(t, w.TokenDepth(), loaded.TokenDepth())
	require.Equal(t, w.AccountDepth(), loaded.AccountDepth())
	require.True(t, loaded.Initialized())

	// The reloaded wallet reattaches and serves the default account.
	require.NoError(t, loaded.Open())
	account, err := loaded.Account("")
	require.NoError(t, err)
	require.Equal(t, "default", account.Name())

	// Byte-identical re-serialization.
	raw2, err := loaded.ToRaw()
	require.NoError(t, err)
	require.Equal(t, raw, raw2)
}

// TestWalletJSONRoundTrip checks fromJSON(toJSON(w)) equivalence, with
// the master in encrypted form so no secret material leaks.
func TestWalletJSONRoundTrip(t *testing.T) {
	t.Parallel()

	h := newTestWallet(t, &chaincfg.RegressionNetParams, &InitOptions{
		Passphrase: []byte("pw"),
	})
	w := h.w

	data, err := json.Marshal(w)
	require.NoError(t, err)
	require.NotContains(t, string(data), "tprv")

	var loaded Wallet
	require.NoError(t, json.Unmarshal(data, &loaded))

	require.Equal(t, w.ID(), loaded.ID())
	require.Equal(t, w.WID(), loaded.WID())
	require.Equal(t, w.Token(), loaded.Token())
	require.Equal(t, w.TokenDepth(), loaded.TokenDepth())
	require.Equal(t, w.AccountDepth(), loaded.AccountDepth())
	require.True(t, loaded.Master().Encrypted())

	// The restored ciphertext still decrypts with the passphrase.
	_, err = loaded.Master().Unlock([]byte("pw"), NoUnlockTimeout)
	require.NoError(t, err)
}

// TestBatchAtomicity fails the staging layer mid-operation and checks
// that no in-memory or persisted state changed.
func TestBatchAtomicity(t *testing.T) {
	t.Parallel()

	h := newTestWallet(t, &chaincfg.RegressionNetParams, nil)
	w := h.w

	account, err := w.Account("")
	require.NoError(t, err)

	recvBefore := account.ReceiveDepth()
	rawBefore, err := account.ToRaw()
	require.NoError(t, err)
	depthBefore := w.AccountDepth()

	h.db.failSaves = true

	_, err = w.CreateReceive("")
	require.ErrorIs(t, err, errSaveMock)
	require.Equal(t, recvBefore, account.ReceiveDepth())

	_, err = w.CreateAccount(&AccountOptions{Name: "doomed"})
	require.ErrorIs(t, err, errSaveMock)
	require.Equal(t, depthBefore, w.AccountDepth())

	h.db.failSaves = false

	// Persisted account record is unchanged.
	persisted, err := h.db.GetAccount(w.WID(), 0)
	require.NoError(t, err)
	rawAfter, err := persisted.ToRaw()
	require.NoError(t, err)
	require.Equal(t, rawBefore, rawAfter)

	// And the wallet still works.
	_, err = w.CreateReceive("")
	require.NoError(t, err)
}

// TestDestroy unregisters and blocks further destruction.
func TestDestroy(t *testing.T) {
	t.Parallel()

	h := newTestWallet(t, &chaincfg.RegressionNetParams, nil)

	require.NoError(t, h.w.Destroy())
	require.ErrorIs(t, h.w.Destroy(), ErrWalletDestroyed)
}
