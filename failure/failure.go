// Copyright 2025 PolyCrypt GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package failure defines the error taxonomy reported to callers of the engine.
// Every failure carries a machine-readable Code, a message and a recoverable flag.
package failure

import (
	"fmt"
	"math/big"

	"github.com/pkg/errors"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	ConnectionFailed      Code = "CONNECTION_FAILED"
	ConnectionLost        Code = "CONNECTION_LOST"
	AuthFailed            Code = "AUTH_FAILED"
	SessionExpired        Code = "SESSION_EXPIRED"
	ChannelCreationFailed Code = "CHANNEL_CREATION_FAILED"
	ChannelNotFound       Code = "CHANNEL_NOT_FOUND"
	InsufficientBalance   Code = "INSUFFICIENT_BALANCE"
	TransferFailed        Code = "TRANSFER_FAILED"
	CloseFailed           Code = "CLOSE_FAILED"
	RPCTimeout            Code = "RPC_TIMEOUT"
	InvalidResponse       Code = "INVALID_RESPONSE"
	NetworkError          Code = "NETWORK_ERROR"
)

var recoverable = map[Code]bool{
	ConnectionFailed:    true,
	ConnectionLost:      true,
	AuthFailed:          true,
	InsufficientBalance: true,
	TransferFailed:      true,
	RPCTimeout:          true,
	NetworkError:        true,
}

// Error is the error type surfaced by all engine operations.
type Error struct {
	Code        Code
	Message     string
	Recoverable bool

	// Available and Required are only set for InsufficientBalance.
	Available *big.Int
	Required  *big.Int

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// Cause implements the pkg/errors causer interface.
func (e *Error) Cause() error { return e.cause }

// New creates an Error with the default recoverable flag of the code.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Recoverable: recoverable[code]}
}

// Newf is New with a format string.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an Error carrying cause. A nil cause yields a plain Error.
func Wrap(cause error, code Code, msg string) *Error {
	e := New(code, msg)
	e.cause = cause
	return e
}

// Fatal marks the error as not recoverable.
func (e *Error) Fatal() *Error {
	e.Recoverable = false
	return e
}

// Insufficient reports a fundable shortfall: have available, need required.
func Insufficient(available, required *big.Int) *Error {
	e := Newf(InsufficientBalance, "insufficient balance: have %s, need %s", available, required)
	e.Available = new(big.Int).Set(available)
	e.Required = new(big.Int).Set(required)
	return e
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain or the empty code.
func CodeOf(err error) Code {
	if fe, ok := As(err); ok {
		return fe.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsRecoverable reports whether err is a recoverable engine failure.
func IsRecoverable(err error) bool {
	fe, ok := As(err)
	return ok && fe.Recoverable
}
