// Copyright (c) 2025 The walletkit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"
	"runtime"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"

	"github.com/walletkit/walletkit/keyring"
)

// SignerPool runs per-input signing jobs on a bounded set of workers.
// Results are bit-identical to the synchronous path: each job owns a
// disjoint input slot, the shared sighash cache is read-only, and
// child private keys are handed to jobs by value.
type SignerPool struct {
	workers int
}

// NewSignerPool sizes a pool; workers <= 0 selects GOMAXPROCS.
func NewSignerPool(workers int) *SignerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	return &SignerPool{workers: workers}
}

// signJob is one input's signing work, with the child key and the
// signature hash already computed: workers only sign and fill their own
// slot, so they never read transaction state another worker mutates.
type signJob struct {
	op   wire.OutPoint
	ring *keyring.KeyRing
	priv *btcec.PrivateKey
	hash []byte
}

// Sign signs every recognized input of the transaction: derive the
// child private key at the ring's path, assert it matches the ring's
// public key, produce an ECDSA signature over the BIP143 or legacy
// sighash as the ring dictates, and fill the input's signature slot.
// It returns the number of inputs signed.
//
// The master key must be unlocked. When a signer pool is configured
// the per-input work is shipped to it; otherwise it runs inline.
func (w *Wallet) Sign(mtx *MTX, hashType txscript.SigHashType) (int,
	error) {

	if hashType == 0 {
		hashType = txscript.SigHashAll
	}

	root, err := w.master.PrivKey()
	if err != nil {
		return 0, err
	}

	paths, err := w.PathsForInputs(mtx)
	if err != nil {
		return 0, err
	}

	// Derivation stays on this goroutine: the master key is owned by
	// exactly one MasterKey, and workers receive child keys by value.
	jobs := make([]*signJob, 0, len(paths))
	defer func() {
		for _, job := range jobs {
			job.priv.Zero()
		}
	}()

	for op, path := range paths {
		ring, tmpl := mtx.TemplateFor(op)
		if tmpl == nil {
			account, err := w.AccountByIndex(path.Account)
			if err != nil {
				return 0, err
			}
			ring, err = account.deriveRing(
				path.Change, path.Index,
			)
			if err != nil {
				return 0, err
			}
			if err := mtx.Template(op, ring); err != nil {
				return 0, err
			}
		}

		child, err := derivePath(root, w.network.HDCoinType, path)
		if err != nil {
			return 0, err
		}
		priv, err := child.ECPrivKey()
		if err != nil {
			return 0, err
		}

		if !priv.PubKey().IsEqual(ring.PublicKey) {
			priv.Zero()
			return 0, fmt.Errorf("%w: path %d/%d/%d",
				ErrKeyMismatch, path.Account, path.Change,
				path.Index)
		}

		jobs = append(jobs, &signJob{
			op:   op,
			ring: ring,
			priv: priv,
		})
	}

	if len(jobs) == 0 {
		return 0, nil
	}

	// Sighashes are computed up front while the transaction is
	// quiescent; the templates installed above are already in place,
	// so the digests match what a verifier will compute.
	sigHashes := txscript.NewTxSigHashes(
		mtx.Tx(), prevOutFetcher(mtx),
	)
	for _, job := range jobs {
		job.hash, err = inputSigHash(mtx, job, sigHashes, hashType)
		if err != nil {
			return 0, err
		}
	}

	if w.pool != nil {
		err = w.pool.run(mtx, jobs, hashType)
	} else {
		for _, job := range jobs {
			err = signInput(mtx, job, hashType)
			if err != nil {
				break
			}
		}
	}
	if err != nil {
		return 0, err
	}

	return len(jobs), nil
}

// run fans the jobs out over the pool's workers. Each job owns a
// disjoint input, so filling signature slots needs no extra locking.
func (p *SignerPool) run(mtx *MTX, jobs []*signJob,
	hashType txscript.SigHashType) error {

	var group errgroup.Group
	group.SetLimit(p.workers)

	for _, job := range jobs {
		group.Go(func() error {
			return signInput(mtx, job, hashType)
		})
	}

	return group.Wait()
}

// inputSigHash computes the digest one input's signature commits to,
// BIP143 for witness rings and the legacy algorithm otherwise.
func inputSigHash(mtx *MTX, job *signJob,
	sigHashes *txscript.TxSigHashes,
	hashType txscript.SigHashType) ([]byte, error) {

	idx := mtx.inputIndex(job.op)
	if idx < 0 {
		return nil, inputCheckError("missing input")
	}
	coin := mtx.Coin(job.op)
	if coin == nil {
		return nil, inputCheckError("missing coin")
	}

	scriptCode, err := job.ring.ScriptCode()
	if err != nil {
		return nil, err
	}

	if job.ring.Witness {
		return txscript.CalcWitnessSigHash(
			scriptCode, sigHashes, hashType, mtx.Tx(), idx,
			coin.Value,
		)
	}

	return txscript.CalcSignatureHash(
		scriptCode, hashType, mtx.Tx(), idx,
	)
}

// signInput produces the signature over the precomputed digest and
// fills the input's slot.
func signInput(mtx *MTX, job *signJob,
	hashType txscript.SigHashType) error {

	sig := ecdsa.Sign(job.priv, job.hash)
	encoded := append(sig.Serialize(), byte(hashType))

	slot := job.ring.SlotFor(job.ring.KeyIndex(job.priv.PubKey()))

	return mtx.FillSignature(job.op, slot, encoded)
}

// prevOutFetcher builds a fetcher over the transaction's coin view for
// the BIP143 sighash midstate.
func prevOutFetcher(mtx *MTX) txscript.PrevOutputFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range mtx.Tx().TxIn {
		coin := mtx.Coin(in.PreviousOutPoint)
		if coin == nil {
			continue
		}
		fetcher.AddPrevOut(in.PreviousOutPoint, &coin.TxOut)
	}

	return fetcher
}
