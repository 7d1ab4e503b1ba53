// Copyright (c) 2025 The walletkit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"sync"

	"github.com/btcsuite/btcd/wire"

	"github.com/walletkit/walletkit/keyring"
)

// NotificationServer fans engine events out to registered handlers.
// Handlers are invoked synchronously on the emitting goroutine. Address
// events fire while the emitting operation still holds the wallet's
// write lock, and send events while Send still holds the fund lock; a
// handler that calls a wallet method taking that same lock blocks
// forever. Balance and error events fire after Send has released its
// locks, so their handlers may call back into the wallet.
type NotificationServer struct {
	mtx sync.Mutex

	send    []func(tx *wire.MsgTx)
	address []func(walletID string, rings []*keyring.KeyRing)
	balance []func(walletID string, balance Balance)
	errs    []func(err error)
}

// NewNotificationServer returns an empty notification registry.
func NewNotificationServer() *NotificationServer {
	return &NotificationServer{}
}

// OnSend registers a handler for authored transactions ready for
// broadcast. The engine never broadcasts itself.
func (s *NotificationServer) OnSend(fn func(tx *wire.MsgTx)) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.send = append(s.send, fn)
}

// OnAddress registers a handler for newly derived receive addresses.
func (s *NotificationServer) OnAddress(
	fn func(walletID string, rings []*keyring.KeyRing)) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.address = append(s.address, fn)
}

// OnBalance registers a handler for balance snapshots.
func (s *NotificationServer) OnBalance(
	fn func(walletID string, balance Balance)) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.balance = append(s.balance, fn)
}

// OnError registers a handler for asynchronous engine errors.
func (s *NotificationServer) OnError(fn func(err error)) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.errs = append(s.errs, fn)
}

// notifySend emits a send event.
func (s *NotificationServer) notifySend(tx *wire.MsgTx) {
	s.mtx.Lock()
	handlers := append([]func(tx *wire.MsgTx){}, s.send...)
	s.mtx.Unlock()

	for _, fn := range handlers {
		fn(tx)
	}
}

// notifyAddress emits an address event.
func (s *NotificationServer) notifyAddress(walletID string,
	rings []*keyring.KeyRing) {

	s.mtx.Lock()
	handlers := append(
		[]func(string, []*keyring.KeyRing){}, s.address...,
	)
	s.mtx.Unlock()

	for _, fn := range handlers {
		fn(walletID, rings)
	}
}

// notifyBalance emits a balance event.
func (s *NotificationServer) notifyBalance(walletID string,
	balance Balance) {

	s.mtx.Lock()
	handlers := append([]func(string, Balance){}, s.balance...)
	s.mtx.Unlock()

	for _, fn := range handlers {
		fn(walletID, balance)
	}
}

// notifyError emits an error event.
func (s *NotificationServer) notifyError(err error) {
	s.mtx.Lock()
	handlers := append([]func(error){}, s.errs...)
	s.mtx.Unlock()

	for _, fn := range handlers {
		fn(err)
	}
}
