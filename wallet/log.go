// Copyright (c) 2025 The walletkit developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import "github.com/btcsuite/btclog"

// log is a logger that is initialized with no output filters. This means
// the package will not perform any logging by default until the caller
// requests it.
var log = btclog.Disabled

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// logClosure defers expensive log argument computation until the log
// level is known to be enabled.
type logClosure func() string

// String invokes the closure.
func (c logClosure) String() string {
	return c()
}

// newLogClosure wraps a function into a fmt.Stringer.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
