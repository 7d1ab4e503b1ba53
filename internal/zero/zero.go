// Copyright (c) 2025 The walletkit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package zero provides best-effort clearing of secret material from
// memory. Clearing is not a security boundary (the runtime may have
// copied the data), but it shortens the window during which secrets are
// resident.
package zero

// Bytes sets every byte of the slice to zero.
func Bytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Bytea32 zeroes a 32-byte array.
func Bytea32(b *[32]byte) {
	*b = [32]byte{}
}
