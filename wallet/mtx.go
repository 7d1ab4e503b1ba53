// Copyright (c) 2025 The walletkit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"math/rand"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"

	"github.com/walletkit/walletkit/keyring"
)

const (
	// maxTxSize is the sanity cap on serialized transaction size.
	maxTxSize = 100000

	// coinbaseMaturity is the number of confirmations before a
	// coinbase output may be spent.
	coinbaseMaturity = 100

	// freePriorityThreshold matches the classic relay rule: one coin,
	// one day old, in a 250-byte transaction.
	freePriorityThreshold = float64(btcutil.SatoshiPerBitcoin) * 144 / 250
)

// Selection names a coin selection ordering.
type Selection string

const (
	// SelectAge prefers the most confirmed coins first.
	SelectAge Selection = "age"

	// SelectRandom shuffles the eligible coins. This prevents the
	// creation of ever smaller utxos over time.
	SelectRandom Selection = "random"

	// SelectAll spends every eligible coin.
	SelectAll Selection = "all"
)

// FundOptions tunes coin selection and fee computation for MTX.Fund.
type FundOptions struct {
	// Selection orders the candidate coins. Defaults to SelectAge.
	Selection Selection

	// Rate is the fee rate in satoshis per kB.
	Rate btcutil.Amount

	// Round rounds the fee up to the nearest kilobyte.
	Round bool

	// Free zeroes the fee when the selected inputs qualify under the
	// priority rule.
	Free bool

	// Fee, when positive, overrides fee estimation entirely.
	Fee btcutil.Amount

	// SubtractFee takes the fee out of the outputs instead of
	// requiring extra input value.
	SubtractFee bool

	// ChangeRing receives any change output.
	ChangeRing *keyring.KeyRing

	// Height is the current chain height, used for confirmation ages.
	Height int32

	// InputSize is the estimated per-input redeem size contribution.
	// Zero selects the standard P2PKH estimate.
	InputSize int
}

// MTX is a mutable transaction under construction: the wire transaction
// plus the coin view backing its inputs and the signature templates
// installed before signing.
type MTX struct {
	tx        *wire.MsgTx
	view      map[wire.OutPoint]*Coin
	templates map[wire.OutPoint]*inputTemplate

	changeIndex int
}

// inputTemplate pairs an input's keyring with its slot template.
type inputTemplate struct {
	ring *keyring.KeyRing
	tmpl *keyring.Template
}

// NewMTX returns an empty mutable transaction.
func NewMTX() *MTX {
	return &MTX{
		tx:          wire.NewMsgTx(wire.TxVersion),
		view:        make(map[wire.OutPoint]*Coin),
		templates:   make(map[wire.OutPoint]*inputTemplate),
		changeIndex: -1,
	}
}

// Tx exposes the underlying wire transaction.
func (m *MTX) Tx() *wire.MsgTx {
	return m.tx
}

// ToTX finalizes into an immutable copy of the wire transaction.
func (m *MTX) ToTX() *wire.MsgTx {
	return m.tx.Copy()
}

// AddOutput appends an output paying value to the given address.
func (m *MTX) AddOutput(addr btcutil.Address, value btcutil.Amount) error {
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return err
	}
	m.tx.AddTxOut(wire.NewTxOut(int64(value), script))

	return nil
}

// AddRawOutput appends an already-built output.
func (m *MTX) AddRawOutput(out *wire.TxOut) {
	m.tx.AddTxOut(out)
}

// Coin returns the view entry backing an outpoint, nil when unknown.
func (m *MTX) Coin(op wire.OutPoint) *Coin {
	return m.view[op]
}

// HasCoins reports whether every input is backed by the view.
func (m *MTX) HasCoins() bool {
	for _, in := range m.tx.TxIn {
		if m.view[in.PreviousOutPoint] == nil {
			return false
		}
	}

	return len(m.tx.TxIn) > 0
}

// InputValue sums the values of the coins backing the inputs.
func (m *MTX) InputValue() btcutil.Amount {
	var total btcutil.Amount
	for _, in := range m.tx.TxIn {
		if coin := m.view[in.PreviousOutPoint]; coin != nil {
			total += btcutil.Amount(coin.Value)
		}
	}

	return total
}

// OutputValue sums the output values.
func (m *MTX) OutputValue() btcutil.Amount {
	var total btcutil.Amount
	for _, out := range m.tx.TxOut {
		total += btcutil.Amount(out.Value)
	}

	return total
}

// Fee returns input value minus output value.
func (m *MTX) Fee() btcutil.Amount {
	return m.InputValue() - m.OutputValue()
}

// ChangeIndex returns the output index of the change output, -1 when
// the transaction has none.
func (m *MTX) ChangeIndex() int {
	return m.changeIndex
}

// addCoin appends an input spending the coin and records it in the
// view.
func (m *MTX) addCoin(coin *Coin) {
	m.tx.AddTxIn(wire.NewTxIn(&coin.OutPoint, nil, nil))
	m.view[coin.OutPoint] = coin
}

// Fund selects from the candidate coins until the outputs plus fee are
// covered, then inserts a change output when the remainder clears the
// dust threshold. The fee is re-estimated as inputs accumulate unless a
// hard fee is given.
func (m *MTX) Fund(coins []*Coin, opts *FundOptions) error {
	if opts.Rate == 0 {
		opts.Rate = txrules.DefaultRelayFeePerKb
	}

	candidates := arrangeCoins(coins, opts)

	outputValue := m.OutputValue()
	hardFee := opts.Fee > 0

	var (
		total btcutil.Amount
		fee   btcutil.Amount
		used  int
	)
	if hardFee {
		fee = opts.Fee
	}

	selectAll := opts.Selection == SelectAll

	for {
		if !hardFee {
			fee = m.estimateFee(used, opts)
			if opts.Free && used > 0 &&
				m.isFree(candidates[:used], opts) {

				fee = 0
			}
		}

		target := outputValue + fee
		if opts.SubtractFee {
			target = outputValue
		}

		if total >= target && used > 0 && !selectAll {
			break
		}
		if used == len(candidates) {
			if selectAll && total >= target && used > 0 {
				break
			}
			return ErrInsufficientFunds
		}

		coin := candidates[used]
		m.addCoin(coin)
		total += btcutil.Amount(coin.Value)
		used++
	}

	if opts.SubtractFee {
		if err := m.subtractFee(fee); err != nil {
			return err
		}
	}

	// With SubtractFee the fee now lives inside the outputs, so the
	// remainder is simply total minus the original output value.
	change := total - outputValue - fee
	if opts.SubtractFee {
		change = total - outputValue
	}

	if change > 0 && opts.ChangeRing != nil {
		script, err := opts.ChangeRing.PkScript()
		if err != nil {
			return err
		}
		if !txrules.IsDustAmount(
			change, len(script), opts.Rate,
		) {
			m.tx.AddTxOut(wire.NewTxOut(int64(change), script))
			m.changeIndex = len(m.tx.TxOut) - 1
			return nil
		}
	}

	// Sub-dust remainders fold into the fee.
	return nil
}

// arrangeCoins filters out unspendable candidates and orders them per
// the selection policy.
func arrangeCoins(coins []*Coin, opts *FundOptions) []*Coin {
	eligible := make([]*Coin, 0, len(coins))
	for _, coin := range coins {
		if coin.Coinbase &&
			coin.Confirmations(opts.Height) < coinbaseMaturity {

			continue
		}
		eligible = append(eligible, coin)
	}

	switch opts.Selection {
	case SelectRandom:
		rand.Shuffle(len(eligible), func(i, j int) {
			eligible[i], eligible[j] = eligible[j], eligible[i]
		})

	case SelectAll:
		// Order is irrelevant; everything is spent.

	default:
		// Age order: deepest confirmations first, unconfirmed
		// coins last.
		sort.SliceStable(eligible, func(i, j int) bool {
			hi, hj := eligible[i].Height, eligible[j].Height
			if hi == -1 {
				return false
			}
			if hj == -1 {
				return true
			}
			return hi < hj
		})
	}

	return eligible
}

// estimateFee computes the fee for the transaction with numInputs
// selected inputs and a prospective change output.
func (m *MTX) estimateFee(numInputs int, opts *FundOptions) btcutil.Amount {
	var size int
	if opts.InputSize == 0 {
		size = txsizes.EstimateSerializeSize(
			numInputs, m.tx.TxOut, true,
		)
	} else {
		size = m.estimateGenericSize(numInputs, opts.InputSize)
	}

	if opts.Round {
		size = ((size + 999) / 1000) * 1000
	}

	return txrules.FeeForSerializeSize(opts.Rate, size)
}

// estimateGenericSize estimates the serialized size for non-P2PKH
// redeem shapes using the per-input contribution from the keyring.
func (m *MTX) estimateGenericSize(numInputs, inputSize int) int {
	size := 4 + 4 // version + locktime
	size += wire.VarIntSerializeSize(uint64(numInputs))
	size += wire.VarIntSerializeSize(uint64(len(m.tx.TxOut) + 1))
	size += numInputs * inputSize
	for _, out := range m.tx.TxOut {
		size += 8 + wire.VarIntSerializeSize(
			uint64(len(out.PkScript)),
		) + len(out.PkScript)
	}
	// Prospective change output, P2WSH being the largest script.
	size += 8 + 1 + 34

	return size
}

// isFree applies the classic priority rule to the selected coins.
func (m *MTX) isFree(selected []*Coin, opts *FundOptions) bool {
	var priority float64
	sizeEst := txsizes.EstimateSerializeSize(
		len(selected), m.tx.TxOut, true,
	)
	for _, coin := range selected {
		conf := coin.Confirmations(opts.Height)
		priority += float64(coin.Value) * float64(conf)
	}
	priority /= float64(sizeEst)

	return priority > freePriorityThreshold
}

// subtractFee spreads the fee across the outputs, charging the
// remainder to the first. Outputs may not be driven below zero.
func (m *MTX) subtractFee(fee btcutil.Amount) error {
	if len(m.tx.TxOut) == 0 {
		return txCheckError("no outputs")
	}

	share := int64(fee) / int64(len(m.tx.TxOut))
	rem := int64(fee) % int64(len(m.tx.TxOut))

	for i, out := range m.tx.TxOut {
		deduct := share
		if i == 0 {
			deduct += rem
		}
		if out.Value < deduct {
			return ErrInsufficientFunds
		}
		out.Value -= deduct
	}

	return nil
}

// SortMembers applies the deterministic BIP69 ordering: inputs sort by
// (previous txid bytes as stored, output index); outputs sort by
// (value, script bytes). The change index is re-resolved afterwards.
func (m *MTX) SortMembers() {
	var changeOut *wire.TxOut
	if m.changeIndex >= 0 {
		changeOut = m.tx.TxOut[m.changeIndex]
	}

	sort.SliceStable(m.tx.TxIn, func(i, j int) bool {
		a, b := m.tx.TxIn[i].PreviousOutPoint,
			m.tx.TxIn[j].PreviousOutPoint
		if cmp := bytes.Compare(a.Hash[:], b.Hash[:]); cmp != 0 {
			return cmp < 0
		}
		return a.Index < b.Index
	})

	sort.SliceStable(m.tx.TxOut, func(i, j int) bool {
		a, b := m.tx.TxOut[i], m.tx.TxOut[j]
		if a.Value != b.Value {
			return a.Value < b.Value
		}
		return bytes.Compare(a.PkScript, b.PkScript) < 0
	})

	if changeOut != nil {
		for i, out := range m.tx.TxOut {
			if out == changeOut {
				m.changeIndex = i
				break
			}
		}
	}
}

// IsSane runs the context-free transaction checks: non-empty, output
// values in range, no duplicate inputs, within the size cap.
func (m *MTX) IsSane() error {
	if len(m.tx.TxIn) == 0 {
		return txCheckError("no inputs")
	}
	if len(m.tx.TxOut) == 0 {
		return txCheckError("no outputs")
	}
	if m.tx.SerializeSize() > maxTxSize {
		return txCheckError("oversized")
	}

	var total btcutil.Amount
	for _, out := range m.tx.TxOut {
		value := btcutil.Amount(out.Value)
		if value < 0 {
			return txCheckError("negative output value")
		}
		if value > btcutil.MaxSatoshi {
			return txCheckError("output value too large")
		}
		total += value
		if total < 0 || total > btcutil.MaxSatoshi {
			return txCheckError("total output value too large")
		}
	}

	seen := make(map[wire.OutPoint]struct{}, len(m.tx.TxIn))
	for _, in := range m.tx.TxIn {
		if _, ok := seen[in.PreviousOutPoint]; ok {
			return txCheckError("duplicate inputs")
		}
		seen[in.PreviousOutPoint] = struct{}{}

		if in.PreviousOutPoint.Hash == (chainhash.Hash{}) {
			return txCheckError("null prevout")
		}
	}

	return nil
}

// CheckInputs verifies the inputs against the coin view at the given
// chain height: every input must be backed, values must be in range,
// coinbase outputs must be mature, and the fee must be non-negative.
func (m *MTX) CheckInputs(height int32) error {
	var total btcutil.Amount
	for _, in := range m.tx.TxIn {
		coin := m.view[in.PreviousOutPoint]
		if coin == nil {
			return inputCheckError("missing coin")
		}

		if coin.Coinbase &&
			coin.Confirmations(height) < coinbaseMaturity {

			return inputCheckError("immature coinbase")
		}

		value := btcutil.Amount(coin.Value)
		if value < 0 || value > btcutil.MaxSatoshi {
			return inputCheckError("input value out of range")
		}
		total += value
		if total < 0 || total > btcutil.MaxSatoshi {
			return inputCheckError("total input value out of range")
		}
	}

	if total < m.OutputValue() {
		return inputCheckError("inputs below outputs")
	}

	return nil
}

// Template installs the ring's unsigned redeem structure into the input
// spending the outpoint. For witness rings the signature script stays
// empty and the template lives in the witness stack.
func (m *MTX) Template(op wire.OutPoint, ring *keyring.KeyRing) error {
	idx := m.inputIndex(op)
	if idx < 0 {
		return inputCheckError("missing input")
	}

	tmpl := ring.Template()
	m.templates[op] = &inputTemplate{ring: ring, tmpl: tmpl}

	return m.flushTemplate(idx, tmpl)
}

// flushTemplate writes the template's current state into the wire
// input.
func (m *MTX) flushTemplate(idx int, tmpl *keyring.Template) error {
	if tmpl.Witness {
		m.tx.TxIn[idx].SignatureScript = nil
		m.tx.TxIn[idx].Witness = tmpl.WitnessStack()
		return nil
	}

	script, err := tmpl.SigScript()
	if err != nil {
		return err
	}
	m.tx.TxIn[idx].SignatureScript = script

	return nil
}

// FillSignature places a signature into the template slot of the input
// spending op and rewrites the input.
func (m *MTX) FillSignature(op wire.OutPoint, slot int, sig []byte) error {
	entry := m.templates[op]
	if entry == nil {
		return inputCheckError("input not templated")
	}
	if err := entry.tmpl.Fill(slot, sig); err != nil {
		return err
	}

	idx := m.inputIndex(op)
	if idx < 0 {
		return inputCheckError("missing input")
	}

	return m.flushTemplate(idx, entry.tmpl)
}

// TemplateFor returns the installed template entry for an outpoint.
func (m *MTX) TemplateFor(op wire.OutPoint) (*keyring.KeyRing,
	*keyring.Template) {

	entry := m.templates[op]
	if entry == nil {
		return nil, nil
	}

	return entry.ring, entry.tmpl
}

// IsSigned reports whether every templated input has a complete
// signature set and every input is templated.
func (m *MTX) IsSigned() bool {
	if len(m.tx.TxIn) == 0 {
		return false
	}
	for _, in := range m.tx.TxIn {
		entry := m.templates[in.PreviousOutPoint]
		if entry == nil || !entry.tmpl.Complete() {
			return false
		}
	}

	return true
}

// inputIndex finds the input spending op, -1 when absent.
func (m *MTX) inputIndex(op wire.OutPoint) int {
	for i, in := range m.tx.TxIn {
		if in.PreviousOutPoint == op {
			return i
		}
	}

	return -1
}

// InputHashes lists the previous transaction ids referenced by the
// inputs, deduplicated in input order.
func (m *MTX) InputHashes() []chainhash.Hash {
	seen := make(map[chainhash.Hash]struct{}, len(m.tx.TxIn))
	hashes := make([]chainhash.Hash, 0, len(m.tx.TxIn))
	for _, in := range m.tx.TxIn {
		hash := in.PreviousOutPoint.Hash
		if _, ok := seen[hash]; ok {
			continue
		}
		seen[hash] = struct{}{}
		hashes = append(hashes, hash)
	}

	return hashes
}

// OutputHashes extracts the address hashes of every recognized output
// script, for matching outputs against the path index.
func (m *MTX) OutputHashes() [][]byte {
	hashes := make([][]byte, 0, len(m.tx.TxOut))
	for _, out := range m.tx.TxOut {
		if hash := scriptAddressHash(out.PkScript); hash != nil {
			hashes = append(hashes, hash)
		}
	}

	return hashes
}

// scriptAddressHash pulls the 20- or 32-byte address hash out of the
// standard script shapes the engine derives.
func scriptAddressHash(pkScript []byte) []byte {
	switch {
	// P2PKH: OP_DUP OP_HASH160 <20> OP_EQUALVERIFY OP_CHECKSIG
	case len(pkScript) == 25 &&
		pkScript[0] == txscript.OP_DUP &&
		pkScript[1] == txscript.OP_HASH160 &&
		pkScript[2] == 20:
		return pkScript[3:23]

	// P2SH: OP_HASH160 <20> OP_EQUAL
	case len(pkScript) == 23 &&
		pkScript[0] == txscript.OP_HASH160 &&
		pkScript[1] == 20:
		return pkScript[2:22]

	// P2WPKH: OP_0 <20>
	case len(pkScript) == 22 &&
		pkScript[0] == txscript.OP_0 &&
		pkScript[1] == 20:
		return pkScript[2:22]

	// P2WSH: OP_0 <32>
	case len(pkScript) == 34 &&
		pkScript[0] == txscript.OP_0 &&
		pkScript[1] == 32:
		return pkScript[2:34]
	}

	return nil
}
