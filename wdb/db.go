// Copyright (c) 2025 The walletkit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wdb implements the wallet engine's DB contract on top of a
// walletdb key-value store (bbolt through the bdb driver).
//
// Mutations are grouped into per-wallet batches: Start opens a batch
// for a wid, Save* calls stage serialized records into it in memory,
// and Commit applies the whole group inside a single walletdb
// transaction so either every staged write lands or none does. Reads
// always observe committed state.
package wdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcwallet/walletdb"

	"github.com/walletkit/walletkit/keyring"
	"github.com/walletkit/walletkit/wallet"
)

var (
	// ErrNoBatch is returned when Commit is called for a wallet with
	// no open batch.
	ErrNoBatch = errors.New("no open batch for wallet")

	// ErrWalletExists is returned when registering an identifier that
	// is already mapped.
	ErrWalletExists = errors.New("wallet id already registered")

	// ErrWalletNotFound is returned when a wallet record is absent.
	ErrWalletNotFound = errors.New("wallet not found")
)

// Top-level bucket keys.
var (
	bucketWallets   = []byte("wallets")   // wid -> wallet record
	bucketWalletIDs = []byte("walletids") // id -> wid
	bucketAccounts  = []byte("accounts")  // wid||index -> account record
	bucketAcctNames = []byte("acctnames") // wid||name -> index
	bucketPaths     = []byte("paths")     // wid||hash -> path record
	bucketPathIdx   = []byte("pathidx")   // hash||wid -> path record
	bucketMeta      = []byte("meta")
)

// metaLastWID is the wid allocation counter key.
var metaLastWID = []byte("lastwid")

// stagedOp is one deferred bucket write.
type stagedOp struct {
	bucket []byte
	key    []byte
	value  []byte
	del    bool
}

// Store implements wallet.DB.
type Store struct {
	db      walletdb.DB
	network *chaincfg.Params
	fees    wallet.FeeEstimator

	heightMtx sync.RWMutex
	height    int32

	batchMtx sync.Mutex
	batches  map[uint32][]stagedOp
}

// A compile time check to ensure Store implements the interface.
var _ wallet.DB = (*Store)(nil)

// Open wires a Store over an opened walletdb database, creating the
// buckets on first use.
func Open(db walletdb.DB, network *chaincfg.Params,
	fees wallet.FeeEstimator) (*Store, error) {

	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		for _, bucket := range [][]byte{
			bucketWallets, bucketWalletIDs, bucketAccounts,
			bucketAcctNames, bucketPaths, bucketPathIdx,
			bucketMeta,
		} {
			_, err := tx.CreateTopLevelBucket(bucket)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{
		db:      db,
		network: network,
		fees:    fees,
		batches: make(map[uint32][]stagedOp),
	}, nil
}

// Network returns the chain parameters the store was opened for.
func (s *Store) Network() *chaincfg.Params {
	return s.network
}

// Height returns the current best chain height known to the store.
func (s *Store) Height() int32 {
	s.heightMtx.RLock()
	defer s.heightMtx.RUnlock()

	return s.height
}

// SetHeight records the best chain height.
func (s *Store) SetHeight(height int32) {
	s.heightMtx.Lock()
	defer s.heightMtx.Unlock()

	s.height = height
}

// Fees returns the attached fee estimator, nil when none.
func (s *Store) Fees() wallet.FeeEstimator {
	return s.fees
}

// widKey renders a wid as a fixed big-endian key so wallets sort
// numerically.
func widKey(wid uint32) []byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], wid)

	return key[:]
}

// acctKey keys an account record under its wallet.
func acctKey(wid, index uint32) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint32(key[:4], wid)
	binary.BigEndian.PutUint32(key[4:], index)

	return key
}

// pathValue encodes the (account, change, index) triple.
func pathValue(account, change, index uint32) []byte {
	value := make([]byte, 12)
	binary.LittleEndian.PutUint32(value[:4], account)
	binary.LittleEndian.PutUint32(value[4:8], change)
	binary.LittleEndian.PutUint32(value[8:], index)

	return value
}

// parsePath decodes a path record back into the wallet type.
func parsePath(wid uint32, hash, value []byte) (*wallet.Path, error) {
	if len(value) != 12 {
		return nil, fmt.Errorf("malformed path record (%d bytes)",
			len(value))
	}

	return &wallet.Path{
		WID:     wid,
		Account: binary.LittleEndian.Uint32(value[:4]),
		Change:  binary.LittleEndian.Uint32(value[4:8]),
		Index:   binary.LittleEndian.Uint32(value[8:]),
		Hash:    append([]byte(nil), hash...),
	}, nil
}

// Register allocates a wid for a new wallet identifier.
func (s *Store) Register(id string) (uint32, error) {
	var wid uint32
	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ids := tx.ReadWriteBucket(bucketWalletIDs)
		if ids.Get([]byte(id)) != nil {
			return ErrWalletExists
		}

		meta := tx.ReadWriteBucket(bucketMeta)
		last := meta.Get(metaLastWID)
		if last != nil {
			wid = binary.BigEndian.Uint32(last)
		}
		wid++

		if err := meta.Put(metaLastWID, widKey(wid)); err != nil {
			return err
		}

		return ids.Put([]byte(id), widKey(wid))
	})
	if err != nil {
		return 0, err
	}

	log.Debugf("Registered wallet %s as wid=%d", id, wid)

	return wid, nil
}

// Unregister removes the wallet record, its id mapping, and every
// account and path keyed under the wid.
func (s *Store) Unregister(wid uint32) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		wallets := tx.ReadWriteBucket(bucketWallets)
		raw := wallets.Get(widKey(wid))
		if raw != nil {
			id, err := walletIDFromRecord(raw)
			if err != nil {
				return err
			}
			ids := tx.ReadWriteBucket(bucketWalletIDs)
			if err := ids.Delete([]byte(id)); err != nil {
				return err
			}
		}
		if err := wallets.Delete(widKey(wid)); err != nil {
			return err
		}

		prefix := widKey(wid)
		for _, name := range [][]byte{
			bucketAccounts, bucketAcctNames, bucketPaths,
		} {
			if err := deleteByPrefix(tx, name, prefix); err != nil {
				return err
			}
		}

		// pathidx keys end in the wid.
		idx := tx.ReadWriteBucket(bucketPathIdx)
		var doomed [][]byte
		err := idx.ForEach(func(k, _ []byte) error {
			if len(k) >= 4 &&
				bytes.Equal(k[len(k)-4:], prefix) {

				doomed = append(doomed,
					append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := idx.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
}

// deleteByPrefix removes every key of the bucket starting with prefix.
func deleteByPrefix(tx walletdb.ReadWriteTx, bucket,
	prefix []byte) error {

	b := tx.ReadWriteBucket(bucket)
	var doomed [][]byte
	err := b.ForEach(func(k, _ []byte) error {
		if bytes.HasPrefix(k, prefix) {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, k := range doomed {
		if err := b.Delete(k); err != nil {
			return err
		}
	}

	return nil
}

// walletIDFromRecord pulls the id varstring out of a wallet record
// without a full parse.
func walletIDFromRecord(raw []byte) (string, error) {
	if len(raw) < 9 {
		return "", fmt.Errorf("short wallet record")
	}
	// magic u32 | wid u32 | varstring id ...
	n := int(raw[8])
	if len(raw) < 9+n {
		return "", fmt.Errorf("short wallet record")
	}

	return string(raw[9 : 9+n]), nil
}

// Start opens a batch for the wallet, discarding any prior unfinished
// batch for the same wid.
func (s *Store) Start(wid uint32) {
	s.batchMtx.Lock()
	defer s.batchMtx.Unlock()

	s.batches[wid] = []stagedOp{}
}

// Drop abandons the open batch.
func (s *Store) Drop(wid uint32) {
	s.batchMtx.Lock()
	defer s.batchMtx.Unlock()

	delete(s.batches, wid)
}

// Commit applies every staged mutation inside one database
// transaction.
func (s *Store) Commit(wid uint32) error {
	s.batchMtx.Lock()
	ops, ok := s.batches[wid]
	delete(s.batches, wid)
	s.batchMtx.Unlock()

	if !ok {
		return ErrNoBatch
	}
	if len(ops) == 0 {
		return nil
	}

	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		for _, op := range ops {
			bucket := tx.ReadWriteBucket(op.bucket)
			if op.del {
				if err := bucket.Delete(op.key); err != nil {
					return err
				}
				continue
			}
			if err := bucket.Put(op.key, op.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit wid=%d: %w", wid, err)
	}

	log.Tracef("Committed %d ops for wid=%d", len(ops), wid)

	return nil
}

// stage appends an op to the wallet's open batch.
func (s *Store) stage(wid uint32, op stagedOp) error {
	s.batchMtx.Lock()
	defer s.batchMtx.Unlock()

	ops, ok := s.batches[wid]
	if !ok {
		return ErrNoBatch
	}
	s.batches[wid] = append(ops, op)

	return nil
}

// SaveWallet stages the wallet record.
func (s *Store) SaveWallet(w *wallet.Wallet) error {
	raw, err := w.ToRaw()
	if err != nil {
		return err
	}

	// The wid sits after the leading magic.
	wid := binary.LittleEndian.Uint32(raw[4:8])

	return s.stage(wid, stagedOp{
		bucket: bucketWallets,
		key:    widKey(wid),
		value:  raw,
	})
}

// SaveAccount stages the account record and its name mapping.
func (s *Store) SaveAccount(a *wallet.Account) error {
	raw, err := a.ToRaw()
	if err != nil {
		return err
	}

	wid := a.WID()
	err = s.stage(wid, stagedOp{
		bucket: bucketAccounts,
		key:    acctKey(wid, a.Index()),
		value:  raw,
	})
	if err != nil {
		return err
	}

	nameKey := append(widKey(wid), []byte(a.Name())...)

	return s.stage(wid, stagedOp{
		bucket: bucketAcctNames,
		key:    nameKey,
		value:  widKey(a.Index()),
	})
}

// SaveAddress stages the reverse-index paths of newly derived
// keyrings.
func (s *Store) SaveAddress(wid uint32, account uint32,
	rings []*keyring.KeyRing) error {

	for _, ring := range rings {
		hash := ring.Hash()
		value := pathValue(account, ring.Branch, ring.Index)

		err := s.stage(wid, stagedOp{
			bucket: bucketPaths,
			key:    append(widKey(wid), hash...),
			value:  value,
		})
		if err != nil {
			return err
		}

		err = s.stage(wid, stagedOp{
			bucket: bucketPathIdx,
			key:    append(append([]byte(nil), hash...),
				widKey(wid)...),
			value: value,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// GetAccount fetches an account by index, nil when absent.
func (s *Store) GetAccount(wid, index uint32) (*wallet.Account, error) {
	var raw []byte
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		b := tx.ReadBucket(bucketAccounts)
		if v := b.Get(acctKey(wid, index)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	return wallet.AccountFromRaw(raw, wid)
}

// GetAccountIndex resolves an account name.
func (s *Store) GetAccountIndex(wid uint32, name string) (uint32, error) {
	var index uint32
	found := false
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		b := tx.ReadBucket(bucketAcctNames)
		key := append(widKey(wid), []byte(name)...)
		if v := b.Get(key); v != nil {
			index = binary.BigEndian.Uint32(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, wallet.ErrAccountNotFound
	}

	return index, nil
}

// HasAccount reports whether the account index exists.
func (s *Store) HasAccount(wid, index uint32) (bool, error) {
	var ok bool
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		b := tx.ReadBucket(bucketAccounts)
		ok = b.Get(acctKey(wid, index)) != nil
		return nil
	})

	return ok, err
}

// GetAccounts lists the wallet's account indexes in order.
func (s *Store) GetAccounts(wid uint32) ([]uint32, error) {
	var indexes []uint32
	prefix := widKey(wid)
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		b := tx.ReadBucket(bucketAccounts)
		return b.ForEach(func(k, _ []byte) error {
			if len(k) == 8 && bytes.HasPrefix(k, prefix) {
				indexes = append(indexes,
					binary.BigEndian.Uint32(k[4:]))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return indexes, nil
}

// GetAddressPath looks up the path indexed under hash within one
// wallet, nil when absent.
func (s *Store) GetAddressPath(wid uint32, hash []byte) (*wallet.Path,
	error) {

	var path *wallet.Path
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		b := tx.ReadBucket(bucketPaths)
		v := b.Get(append(widKey(wid), hash...))
		if v == nil {
			return nil
		}
		var err error
		path, err = parsePath(wid, hash, v)

		return err
	})
	if err != nil {
		return nil, err
	}

	return path, nil
}

// GetAddressPaths looks up every path indexed under hash across all
// wallets.
func (s *Store) GetAddressPaths(hash []byte) ([]*wallet.Path, error) {
	var paths []*wallet.Path
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		b := tx.ReadBucket(bucketPathIdx)
		return b.ForEach(func(k, v []byte) error {
			if len(k) != len(hash)+4 ||
				!bytes.HasPrefix(k, hash) {

				return nil
			}
			wid := binary.BigEndian.Uint32(k[len(hash):])
			path, err := parsePath(wid, hash, v)
			if err != nil {
				return err
			}
			paths = append(paths, path)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return paths, nil
}

// GetWalletPaths lists every path of the wallet.
func (s *Store) GetWalletPaths(wid uint32) ([]*wallet.Path, error) {
	var paths []*wallet.Path
	prefix := widKey(wid)
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		b := tx.ReadBucket(bucketPaths)
		return b.ForEach(func(k, v []byte) error {
			if !bytes.HasPrefix(k, prefix) {
				return nil
			}
			path, err := parsePath(wid, k[4:], v)
			if err != nil {
				return err
			}
			paths = append(paths, path)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return paths, nil
}

// HasAddress reports whether hash is indexed for the wallet.
func (s *Store) HasAddress(wid uint32, hash []byte) (bool, error) {
	var ok bool
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		b := tx.ReadBucket(bucketPaths)
		ok = b.Get(append(widKey(wid), hash...)) != nil
		return nil
	})

	return ok, err
}

// WalletRecord fetches the raw wallet record by wid.
func (s *Store) WalletRecord(wid uint32) ([]byte, error) {
	var raw []byte
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		b := tx.ReadBucket(bucketWallets)
		if v := b.Get(widKey(wid)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrWalletNotFound
	}

	return raw, nil
}

// LookupWID resolves a wallet identifier to its wid.
func (s *Store) LookupWID(id string) (uint32, error) {
	var (
		wid   uint32
		found bool
	)
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		b := tx.ReadBucket(bucketWalletIDs)
		if v := b.Get([]byte(id)); v != nil {
			wid = binary.BigEndian.Uint32(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrWalletNotFound
	}

	return wid, nil
}

// LoadWallet reattaches a persisted wallet by identifier, wiring it to
// this store and the config's collaborators, and opens it.
func (s *Store) LoadWallet(id string, cfg *wallet.Config) (
	*wallet.Wallet, error) {

	wid, err := s.LookupWID(id)
	if err != nil {
		return nil, err
	}
	raw, err := s.WalletRecord(wid)
	if err != nil {
		return nil, err
	}

	loaded := *cfg
	loaded.DB = s

	w, err := wallet.Load(&loaded, raw)
	if err != nil {
		return nil, err
	}
	if err := w.Open(); err != nil {
		return nil, err
	}

	return w, nil
}
