// Copyright (c) 2025 The walletkit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/crypto/pbkdf2"

	"github.com/walletkit/walletkit/internal/zero"
)

const (
	// masterIVSize is the AES-CTR initialization vector length.
	masterIVSize = 16

	// masterKDFIterations is the PBKDF2 iteration count. The value is
	// part of the persisted record contract.
	masterKDFIterations = 50000

	// masterCipherKeySize is the derived AES key length.
	masterCipherKeySize = 32

	// DefaultUnlockTimeout is how long an Unlock keeps the decrypted
	// key resident before the auto-destroy timer fires.
	DefaultUnlockTimeout = 60 * time.Second

	// NoUnlockTimeout disables the auto-destroy timer.
	NoUnlockTimeout = -1
)

// MasterKey owns the wallet's root HD secret. It moves between three
// states: clear (key resident, never encrypted), encrypted (only
// ciphertext resident), and unlocked (ciphertext resident plus a
// time-bounded decrypted copy). All operations serialize through the
// key's own mutex so the state machine never observes torn state.
type MasterKey struct {
	mtx sync.Mutex

	// key is the decrypted extended private key, nil while locked.
	key *hdkeychain.ExtendedKey

	// encrypted reports whether ciphertext exists. A resident key
	// with encrypted=true means the unlocked state.
	encrypted bool

	iv         []byte
	ciphertext []byte

	// until is the wall-clock deadline of the current unlock, zero
	// when no timer is pending.
	until time.Time
	timer *time.Timer
}

// NewMasterKey wraps a decrypted extended private key in the clear
// state.
func NewMasterKey(key *hdkeychain.ExtendedKey) *MasterKey {
	return &MasterKey{key: key}
}

// Encrypted reports whether ciphertext exists for this key.
func (m *MasterKey) Encrypted() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.encrypted
}

// PrivKey returns the resident decrypted key, or ErrMasterLocked when
// the key is locked. The caller must not retain the key past the unlock
// window.
func (m *MasterKey) PrivKey() (*hdkeychain.ExtendedKey, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.key == nil {
		return nil, ErrMasterLocked
	}

	return m.key, nil
}

// Encrypt derives a cipher key from the passphrase and encrypts the
// resident key, dropping the plaintext. The key must be in the clear
// state.
func (m *MasterKey) Encrypt(passphrase []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.encrypted {
		return ErrMasterEncrypted
	}

	iv := make([]byte, masterIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return fmt.Errorf("generate iv: %w", err)
	}

	plaintext := keyToRaw(m.key)
	m.iv = iv
	m.ciphertext = cipherBytes(plaintext, passphrase, iv)
	zero.Bytes(plaintext)

	m.key.Zero()
	m.key = nil
	m.encrypted = true

	return nil
}

// Decrypt reverses Encrypt, restoring the clear state. The ciphertext
// is discarded on success; on failure the key state is unchanged.
func (m *MasterKey) Decrypt(passphrase []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if !m.encrypted {
		return ErrMasterClear
	}

	key, err := m.decryptKey(passphrase)
	if err != nil {
		return err
	}

	m.stopTimer()
	if m.key != nil {
		m.key.Zero()
	}
	m.key = key
	m.encrypted = false
	zero.Bytes(m.ciphertext)
	m.iv = nil
	m.ciphertext = nil

	return nil
}

// Unlock makes the decrypted key resident and returns it. A resident
// key is returned as-is without resetting the running timer, so
// repeated unlocks cannot extend their own lease. A timeout of
// NoUnlockTimeout suppresses the auto-destroy timer; zero means
// DefaultUnlockTimeout.
func (m *MasterKey) Unlock(passphrase []byte,
	timeout time.Duration) (*hdkeychain.ExtendedKey, error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.key != nil {
		return m.key, nil
	}

	key, err := m.decryptKey(passphrase)
	if err != nil {
		return nil, err
	}
	m.key = key

	if timeout == 0 {
		timeout = DefaultUnlockTimeout
	}
	if timeout > 0 {
		m.until = time.Now().Add(timeout)
		m.timer = time.AfterFunc(timeout, m.Destroy)
	}

	return m.key, nil
}

// Lock wipes the resident decrypted copy of an encrypted key and clears
// the pending timer. A clear key has no ciphertext to restore from, so
// it stays resident.
func (m *MasterKey) Lock() {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.destroyLocked()
}

// Destroy is the timer target. It is idempotent and equivalent to Lock.
func (m *MasterKey) Destroy() {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.destroyLocked()
}

// destroyLocked wipes the decrypted material. Callers hold m.mtx.
func (m *MasterKey) destroyLocked() {
	m.stopTimer()

	if !m.encrypted || m.key == nil {
		return
	}

	m.key.Zero()
	m.key = nil
}

// zeroAll wipes the decrypted key regardless of encryption state. Used
// by wallet destruction, after which the key is unrecoverable.
func (m *MasterKey) zeroAll() {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.stopTimer()
	if m.key != nil {
		m.key.Zero()
		m.key = nil
	}
}

// stopTimer cancels a pending auto-destroy. Callers hold m.mtx.
func (m *MasterKey) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.until = time.Time{}
}

// decryptKey decrypts the ciphertext and parses the result. A wrong
// passphrase fails the embedded checksum and surfaces as
// ErrBadPassphrase. Callers hold m.mtx.
func (m *MasterKey) decryptKey(
	passphrase []byte) (*hdkeychain.ExtendedKey, error) {

	if !m.encrypted {
		return nil, ErrMasterClear
	}

	plaintext := cipherBytes(m.ciphertext, passphrase, m.iv)
	defer zero.Bytes(plaintext)

	key, err := keyFromRaw(plaintext)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	if !key.IsPrivate() {
		return nil, ErrBadPassphrase
	}

	return key, nil
}

// cipherBytes runs AES-256-CTR over data with a PBKDF2-derived key.
// CTR mode makes encryption and decryption the same transform.
func cipherBytes(data, passphrase, iv []byte) []byte {
	cipherKey := pbkdf2.Key(
		passphrase, iv, masterKDFIterations, masterCipherKeySize,
		sha256.New,
	)
	defer zero.Bytes(cipherKey)

	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		// Key size is fixed at 32 bytes; NewCipher cannot fail.
		panic(err)
	}

	out := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(out, data)

	return out
}

// Master key record flags.
const (
	masterFlagClear     = 0
	masterFlagEncrypted = 1
)

// toWriter serializes the master key record.
//
// Encrypted: [1][varbytes iv][varbytes ct][algo=0][iter u32][r u32][p u32]
// Clear:     [0][varbytes raw extended private key]
func (m *MasterKey) toWriter(w io.Writer) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.encrypted {
		if err := writeU8(w, masterFlagEncrypted); err != nil {
			return err
		}
		if err := wire.WriteVarBytes(w, 0, m.iv); err != nil {
			return err
		}
		if err := wire.WriteVarBytes(w, 0, m.ciphertext); err != nil {
			return err
		}
		if err := writeU8(w, 0); err != nil {
			return err
		}
		if err := writeU32(w, masterKDFIterations); err != nil {
			return err
		}
		if err := writeU32(w, 0); err != nil {
			return err
		}
		return writeU32(w, 0)
	}

	if m.key == nil {
		return ErrMasterLocked
	}

	if err := writeU8(w, masterFlagClear); err != nil {
		return err
	}
	raw := keyToRaw(m.key)
	err := wire.WriteVarBytes(w, 0, raw)
	zero.Bytes(raw)

	return err
}

// masterFromReader parses a master key record.
func masterFromReader(r io.Reader) (*MasterKey, error) {
	flag, err := readU8(r)
	if err != nil {
		return nil, err
	}

	switch flag {
	case masterFlagEncrypted:
		iv, err := wire.ReadVarBytes(r, 0, 64, "iv")
		if err != nil {
			return nil, err
		}
		ct, err := wire.ReadVarBytes(r, 0, 1024, "ciphertext")
		if err != nil {
			return nil, err
		}
		algo, err := readU8(r)
		if err != nil {
			return nil, err
		}
		if algo != 0 {
			return nil, fmt.Errorf("unknown kdf algorithm %d", algo)
		}
		iter, err := readU32(r)
		if err != nil {
			return nil, err
		}
		if iter != masterKDFIterations {
			return nil, fmt.Errorf("unexpected kdf iterations %d",
				iter)
		}
		// Reserved scrypt slots, required to be zero today.
		if _, err := readU32(r); err != nil {
			return nil, err
		}
		if _, err := readU32(r); err != nil {
			return nil, err
		}

		return &MasterKey{
			encrypted:  true,
			iv:         iv,
			ciphertext: ct,
		}, nil

	case masterFlagClear:
		raw, err := wire.ReadVarBytes(r, 0, 128, "master key")
		if err != nil {
			return nil, err
		}
		key, err := keyFromRaw(raw)
		zero.Bytes(raw)
		if err != nil {
			return nil, err
		}

		return NewMasterKey(key), nil

	default:
		return nil, fmt.Errorf("unknown master key flag %d", flag)
	}
}

// toRaw serializes the record into a fresh buffer.
func (m *MasterKey) toRaw() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.toWriter(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// masterJSON is the document form of a master key. The decrypted key is
// never present while ciphertext exists.
type masterJSON struct {
	Encrypted  bool   `json:"encrypted"`
	Until      int64  `json:"until,omitempty"`
	IV         string `json:"iv,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
	Key        string `json:"key,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m *MasterKey) MarshalJSON() ([]byte, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	doc := masterJSON{Encrypted: m.encrypted}
	if m.encrypted {
		doc.IV = hex.EncodeToString(m.iv)
		doc.Ciphertext = hex.EncodeToString(m.ciphertext)
		if !m.until.IsZero() {
			doc.Until = m.until.Unix()
		}
	} else if m.key != nil {
		doc.Key = m.key.String()
	}

	return json.Marshal(&doc)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *MasterKey) UnmarshalJSON(data []byte) error {
	var doc masterJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if doc.Encrypted {
		iv, err := hex.DecodeString(doc.IV)
		if err != nil {
			return err
		}
		ct, err := hex.DecodeString(doc.Ciphertext)
		if err != nil {
			return err
		}
		m.encrypted = true
		m.iv = iv
		m.ciphertext = ct
		m.key = nil

		return nil
	}

	key, err := hdkeychain.NewKeyFromString(doc.Key)
	if err != nil {
		return err
	}
	m.encrypted = false
	m.key = key

	return nil
}
