// Copyright (c) 2025 The walletkit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyring

import (
	"errors"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrSlotOutOfRange is returned when a signature is placed into a
	// slot the template does not have.
	ErrSlotOutOfRange = errors.New("signature slot out of range")
)

// Template is the unsigned redeem structure installed into an input
// before signing. Items holds the final stack in order; signature slots
// start out nil and are filled by the signer. Unfilled slots serialize
// as empty pushes so cosigners can recognize and complete partial
// multisig inputs.
type Template struct {
	// Items is the ordered stack. Nil entries are open signature
	// slots.
	Items [][]byte

	// SigSlots indexes the entries of Items reserved for signatures.
	SigSlots []int

	// Witness reports whether Items belongs in the witness stack
	// rather than the signature script.
	Witness bool
}

// Template builds the unsigned input structure for the ring.
func (r *KeyRing) Template() *Template {
	switch r.Type {
	case Multisig:
		// Leading empty push soaks up the CHECKMULTISIG extra-pop
		// bug, then one slot per required signature, then the
		// redeem script.
		items := make([][]byte, r.M+2)
		items[0] = []byte{}
		slots := make([]int, r.M)
		for i := 0; i < r.M; i++ {
			slots[i] = i + 1
		}
		items[r.M+1] = r.Script

		return &Template{
			Items:    items,
			SigSlots: slots,
			Witness:  r.Witness,
		}

	default:
		return &Template{
			Items:    [][]byte{nil, r.PublicKey.SerializeCompressed()},
			SigSlots: []int{0},
			Witness:  r.Witness,
		}
	}
}

// SlotFor returns the Items index the ring's own signature belongs in.
// For multisig the slot tracks the local key's position in the ordered
// set, clamped to the last slot; CHECKMULTISIG requires signatures in
// key order, so cosigners filling their natural slots stay sorted.
func (r *KeyRing) SlotFor(keyIndex int) int {
	t := r.Template()
	if keyIndex < 0 {
		keyIndex = 0
	}
	if keyIndex >= len(t.SigSlots) {
		keyIndex = len(t.SigSlots) - 1
	}

	return t.SigSlots[keyIndex]
}

// Fill places data into the given slot.
func (t *Template) Fill(slot int, data []byte) error {
	if slot < 0 || slot >= len(t.Items) {
		return ErrSlotOutOfRange
	}
	t.Items[slot] = data

	return nil
}

// Signatures counts the filled signature slots.
func (t *Template) Signatures() int {
	var n int
	for _, slot := range t.SigSlots {
		if len(t.Items[slot]) > 0 {
			n++
		}
	}

	return n
}

// Complete reports whether every signature slot has been filled.
func (t *Template) Complete() bool {
	return t.Signatures() == len(t.SigSlots)
}

// SigScript serializes the template into a signature script. Nil slots
// become empty pushes.
func (t *Template) SigScript() ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	for _, item := range t.Items {
		builder.AddData(item)
	}

	return builder.Script()
}

// WitnessStack returns the template as a witness stack. Nil slots become
// zero-length elements.
func (t *Template) WitnessStack() wire.TxWitness {
	stack := make(wire.TxWitness, len(t.Items))
	for i, item := range t.Items {
		if item == nil {
			stack[i] = []byte{}
			continue
		}
		stack[i] = item
	}

	return stack
}

// Redeem script-size constants used for input size estimation. A DER
// signature with sighash byte is at most 73 bytes; a compressed public
// key is 33.
const (
	maxSigPush = 1 + 73
	pubKeyPush = 1 + 33
)

// EstimateInputSize returns the worst-case contribution of one input
// redeeming this ring to the transaction's virtual size, including the
// 40-byte outpoint/sequence overhead. Witness bytes are discounted by
// the segwit factor of 4.
func (r *KeyRing) EstimateInputSize() int {
	const inputOverhead = 32 + 4 + 4 // outpoint + sequence

	var redeem int
	switch r.Type {
	case Multisig:
		redeem = 1 + r.M*maxSigPush + scriptPushSize(len(r.Script))
	default:
		redeem = maxSigPush + pubKeyPush
	}

	if !r.Witness {
		return inputOverhead + varIntSize(redeem) + redeem
	}

	// Witness data: item count plus items, weighted at 1/4. The
	// signature script itself is empty.
	witness := 1 + redeem
	return inputOverhead + 1 + (witness+3)/4
}

// scriptPushSize returns the serialized size of a data push of n bytes.
func scriptPushSize(n int) int {
	switch {
	case n <= 75:
		return 1 + n
	case n <= 255:
		return 2 + n
	default:
		return 3 + n
	}
}

// varIntSize returns the wire size of a compact size integer.
func varIntSize(n int) int {
	switch {
	case n < 0xfd:
		return 1
	case n <= 0xffff:
		return 3
	default:
		return 5
	}
}
