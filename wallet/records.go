// Copyright (c) 2025 The walletkit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/walletkit/walletkit/keyring"
)

// Fixed-width little-endian plumbing shared by the record codecs.

func writeU8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func readU8(r io.Reader) (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}

	return buf[0], nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])

	return err
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeVarString(w io.Writer, s string) error {
	return wire.WriteVarBytes(w, 0, []byte(s))
}

func readVarString(r io.Reader, field string) (string, error) {
	b, err := wire.ReadVarBytes(r, 0, 255, field)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

func boolByte(v bool) uint8 {
	if v {
		return 1
	}

	return 0
}

// ToRaw serializes the wallet record:
//
//	[magic u32][wid u32][varstring id][initialized u8]
//	[accountDepth u32][token 32][tokenDepth u32][varbytes master]
//
// ToRaw does not take the write lock: the store invokes it from inside
// write-locked operations. External callers must not race it with
// mutations.
func (w *Wallet) ToRaw() ([]byte, error) {
	var buf bytes.Buffer

	if err := writeU32(&buf, networkMagic(w.network)); err != nil {
		return nil, err
	}
	if err := writeU32(&buf, w.wid); err != nil {
		return nil, err
	}
	if err := writeVarString(&buf, w.id); err != nil {
		return nil, err
	}
	if err := writeU8(&buf, boolByte(w.initialized)); err != nil {
		return nil, err
	}
	if err := writeU32(&buf, w.accountDepth); err != nil {
		return nil, err
	}
	if _, err := buf.Write(w.token[:]); err != nil {
		return nil, err
	}
	if err := writeU32(&buf, w.tokenDepth); err != nil {
		return nil, err
	}

	master, err := w.master.toRaw()
	if err != nil {
		return nil, err
	}
	if err := wire.WriteVarBytes(&buf, 0, master); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Load parses a persisted wallet record and wires it to the given
// collaborators. The record's master key replaces any key in the
// config.
func Load(cfg *Config, raw []byte) (*Wallet, error) {
	r := bytes.NewReader(raw)

	magic, err := readU32(r)
	if err != nil {
		return nil, err
	}
	network, err := ParamsFromMagic(magic)
	if err != nil {
		return nil, err
	}

	wid, err := readU32(r)
	if err != nil {
		return nil, err
	}
	id, err := readVarString(r, "id")
	if err != nil {
		return nil, err
	}
	initialized, err := readU8(r)
	if err != nil {
		return nil, err
	}
	accountDepth, err := readU32(r)
	if err != nil {
		return nil, err
	}

	var token [32]byte
	if _, err := io.ReadFull(r, token[:]); err != nil {
		return nil, err
	}
	tokenDepth, err := readU32(r)
	if err != nil {
		return nil, err
	}

	masterRaw, err := wire.ReadVarBytes(r, 0, 2048, "master")
	if err != nil {
		return nil, err
	}
	master, err := masterFromReader(bytes.NewReader(masterRaw))
	if err != nil {
		return nil, err
	}

	ntfns := cfg.Notifications
	if ntfns == nil {
		ntfns = NewNotificationServer()
	}

	w := &Wallet{
		db:           cfg.DB,
		txStore:      cfg.TxStore,
		ntfns:        ntfns,
		pool:         cfg.SignerPool,
		network:      network,
		wid:          wid,
		id:           id,
		initialized:  initialized != 0,
		accountDepth: accountDepth,
		token:        token,
		tokenDepth:   tokenDepth,
		master:       master,
		lockedCoins:  make(map[wire.OutPoint]struct{}),
	}

	return w, nil
}

// ToRaw serializes the account record:
//
//	[magic u32][varstring name][initialized u8][type u8][m u8][n u8]
//	[witness u8][accountIndex u32][receiveDepth u32][changeDepth u32]
//	[accountKey 82][keyCount u8][keys keyCount x 82]
func (a *Account) ToRaw() ([]byte, error) {
	var buf bytes.Buffer

	if err := writeU32(&buf, networkMagic(a.network)); err != nil {
		return nil, err
	}
	if err := writeVarString(&buf, a.name); err != nil {
		return nil, err
	}
	if err := writeU8(&buf, boolByte(a.initialized)); err != nil {
		return nil, err
	}
	if err := writeU8(&buf, uint8(a.addrType)); err != nil {
		return nil, err
	}
	if err := writeU8(&buf, uint8(a.m)); err != nil {
		return nil, err
	}
	if err := writeU8(&buf, uint8(a.n)); err != nil {
		return nil, err
	}
	if err := writeU8(&buf, boolByte(a.witness)); err != nil {
		return nil, err
	}
	if err := writeU32(&buf, a.accountIndex); err != nil {
		return nil, err
	}
	if err := writeU32(&buf, a.receiveDepth); err != nil {
		return nil, err
	}
	if err := writeU32(&buf, a.changeDepth); err != nil {
		return nil, err
	}

	acctRaw := keyToRaw(a.accountKey)
	if len(acctRaw) != rawKeySize {
		return nil, ErrBadKeySize
	}
	if _, err := buf.Write(acctRaw); err != nil {
		return nil, err
	}

	// The account key is keys[0]; only cosigners follow it.
	cosigners := a.keys[1:]
	if err := writeU8(&buf, uint8(len(cosigners))); err != nil {
		return nil, err
	}
	for _, key := range cosigners {
		raw := keyToRaw(key)
		if len(raw) != rawKeySize {
			return nil, ErrBadKeySize
		}
		if _, err := buf.Write(raw); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// AccountFromRaw parses an account record. The wid is supplied by the
// store that keyed the record; the frontier keyring caches are rebuilt
// when the account is initialized.
func AccountFromRaw(raw []byte, wid uint32) (*Account, error) {
	r := bytes.NewReader(raw)

	magic, err := readU32(r)
	if err != nil {
		return nil, err
	}
	network, err := ParamsFromMagic(magic)
	if err != nil {
		return nil, err
	}

	name, err := readVarString(r, "name")
	if err != nil {
		return nil, err
	}
	initialized, err := readU8(r)
	if err != nil {
		return nil, err
	}
	addrType, err := readU8(r)
	if err != nil {
		return nil, err
	}
	m, err := readU8(r)
	if err != nil {
		return nil, err
	}
	n, err := readU8(r)
	if err != nil {
		return nil, err
	}
	witness, err := readU8(r)
	if err != nil {
		return nil, err
	}
	accountIndex, err := readU32(r)
	if err != nil {
		return nil, err
	}
	receiveDepth, err := readU32(r)
	if err != nil {
		return nil, err
	}
	changeDepth, err := readU32(r)
	if err != nil {
		return nil, err
	}

	readKey := func() (*hdkeychain.ExtendedKey, error) {
		keyRaw := make([]byte, rawKeySize)
		if _, err := io.ReadFull(r, keyRaw); err != nil {
			return nil, err
		}
		return keyFromRaw(keyRaw)
	}

	accountKey, err := readKey()
	if err != nil {
		return nil, fmt.Errorf("account key: %w", err)
	}

	keyCount, err := readU8(r)
	if err != nil {
		return nil, err
	}
	keys := make([]*hdkeychain.ExtendedKey, 0, int(keyCount)+1)
	keys = append(keys, accountKey)
	for i := 0; i < int(keyCount); i++ {
		key, err := readKey()
		if err != nil {
			return nil, fmt.Errorf("cosigner %d: %w", i, err)
		}
		keys = append(keys, key)
	}

	a := &Account{
		wid:          wid,
		name:         name,
		accountIndex: accountIndex,
		accountKey:   accountKey,
		keys:         keys,
		addrType:     keyring.AddressType(addrType),
		m:            int(m),
		n:            int(n),
		witness:      witness != 0,
		initialized:  initialized != 0,
		receiveDepth: receiveDepth,
		changeDepth:  changeDepth,
		network:      network,
	}

	if a.initialized {
		if a.receiveDepth > 0 {
			a.receiveRing, err = a.deriveRing(
				BranchReceive, a.receiveDepth-1,
			)
			if err != nil {
				return nil, err
			}
		}
		if a.changeDepth > 0 {
			a.changeRing, err = a.deriveRing(
				BranchChange, a.changeDepth-1,
			)
			if err != nil {
				return nil, err
			}
		}
	}

	return a, nil
}

// walletJSON is the document form of a wallet.
type walletJSON struct {
	Network      string     `json:"network"`
	WID          uint32     `json:"wid"`
	ID           string     `json:"id"`
	Initialized  bool       `json:"initialized"`
	AccountDepth uint32     `json:"accountDepth"`
	Token        string     `json:"token"`
	TokenDepth   uint32     `json:"tokenDepth"`
	Master       *MasterKey `json:"master"`
}

// MarshalJSON implements json.Marshaler. Decrypted master material is
// excluded whenever ciphertext exists.
func (w *Wallet) MarshalJSON() ([]byte, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return json.Marshal(&walletJSON{
		Network:      w.network.Name,
		WID:          w.wid,
		ID:           w.id,
		Initialized:  w.initialized,
		AccountDepth: w.accountDepth,
		Token:        hex.EncodeToString(w.token[:]),
		TokenDepth:   w.tokenDepth,
		Master:       w.master,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Collaborators must be
// attached separately; only document state is restored.
func (w *Wallet) UnmarshalJSON(data []byte) error {
	doc := walletJSON{Master: &MasterKey{}}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	network, err := paramsByName(doc.Network)
	if err != nil {
		return err
	}

	token, err := hex.DecodeString(doc.Token)
	if err != nil {
		return err
	}
	if len(token) != 32 {
		return fmt.Errorf("invalid token length %d", len(token))
	}

	w.mtx.Lock()
	defer w.mtx.Unlock()

	w.network = network
	w.wid = doc.WID
	w.id = doc.ID
	w.initialized = doc.Initialized
	w.accountDepth = doc.AccountDepth
	copy(w.token[:], token)
	w.tokenDepth = doc.TokenDepth
	w.master = doc.Master
	if w.lockedCoins == nil {
		w.lockedCoins = make(map[wire.OutPoint]struct{})
	}

	return nil
}

// accountJSON is the document form of an account.
type accountJSON struct {
	Network      string   `json:"network"`
	WID          uint32   `json:"wid"`
	Name         string   `json:"name"`
	Initialized  bool     `json:"initialized"`
	Type         string   `json:"type"`
	M            int      `json:"m"`
	N            int      `json:"n"`
	Witness      bool     `json:"witness"`
	AccountIndex uint32   `json:"accountIndex"`
	ReceiveDepth uint32   `json:"receiveDepth"`
	ChangeDepth  uint32   `json:"changeDepth"`
	AccountKey   string   `json:"accountKey"`
	Keys         []string `json:"keys"`
}

// MarshalJSON implements json.Marshaler.
func (a *Account) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(a.keys)-1)
	for _, key := range a.keys[1:] {
		keys = append(keys, key.String())
	}

	return json.Marshal(&accountJSON{
		Network:      a.network.Name,
		WID:          a.wid,
		Name:         a.name,
		Initialized:  a.initialized,
		Type:         a.addrType.String(),
		M:            a.m,
		N:            a.n,
		Witness:      a.witness,
		AccountIndex: a.accountIndex,
		ReceiveDepth: a.receiveDepth,
		ChangeDepth:  a.changeDepth,
		AccountKey:   a.accountKey.String(),
		Keys:         keys,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Account) UnmarshalJSON(data []byte) error {
	var doc accountJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	network, err := paramsByName(doc.Network)
	if err != nil {
		return err
	}

	accountKey, err := hdkeychain.NewKeyFromString(doc.AccountKey)
	if err != nil {
		return err
	}
	keys := make([]*hdkeychain.ExtendedKey, 0, len(doc.Keys)+1)
	keys = append(keys, accountKey)
	for _, s := range doc.Keys {
		key, err := hdkeychain.NewKeyFromString(s)
		if err != nil {
			return err
		}
		keys = append(keys, key)
	}

	addrType := keyring.PubKeyHash
	if doc.Type == keyring.Multisig.String() {
		addrType = keyring.Multisig
	}

	a.wid = doc.WID
	a.name = doc.Name
	a.initialized = doc.Initialized
	a.addrType = addrType
	a.m = doc.M
	a.n = doc.N
	a.witness = doc.Witness
	a.accountIndex = doc.AccountIndex
	a.receiveDepth = doc.ReceiveDepth
	a.changeDepth = doc.ChangeDepth
	a.accountKey = accountKey
	a.keys = keys
	a.network = network

	if a.initialized && a.receiveDepth > 0 {
		a.receiveRing, err = a.deriveRing(
			BranchReceive, a.receiveDepth-1,
		)
		if err != nil {
			return err
		}
	}
	if a.initialized && a.changeDepth > 0 {
		a.changeRing, err = a.deriveRing(
			BranchChange, a.changeDepth-1,
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// paramsByName maps a chain name back to its parameters.
func paramsByName(name string) (*chaincfg.Params, error) {
	for _, params := range []*chaincfg.Params{
		&chaincfg.MainNetParams,
		&chaincfg.TestNet3Params,
		&chaincfg.RegressionNetParams,
		&chaincfg.SimNetParams,
	} {
		if params.Name == name {
			return params, nil
		}
	}

	return nil, ErrUnknownNetwork
}
