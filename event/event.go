// Copyright 2025 PolyCrypt GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package event contains the typed notifications emitted by the engine and a registry that fans
// them out to any number of subscribers.
package event

import (
	"fmt"
	"math/big"
	"time"

	"perun.network/perun-clearnode-client/failure"
)

type EventType int

const (
	EventTypeStatusChanged EventType = iota
	EventTypeBalanceUpdated
	EventTypePaymentOccurred
	EventTypeChannelUpdated
	EventTypeError
)

func (t EventType) String() string {
	switch t {
	case EventTypeStatusChanged:
		return "StatusChanged"
	case EventTypeBalanceUpdated:
		return "BalanceUpdated"
	case EventTypePaymentOccurred:
		return "PaymentOccurred"
	case EventTypeChannelUpdated:
		return "ChannelUpdated"
	case EventTypeError:
		return "Error"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Subjects of a StatusChanged event.
const (
	SubjectConnection = "connection"
	SubjectChannel    = "channel"
	SubjectAuth       = "auth"
)

// Sources of a BalanceUpdated event.
const (
	SourceLocal       = "local"
	SourceCoordinator = "coordinator"
)

type (
	Event interface {
		GetType() EventType
	}

	// StatusChanged reports a transition of the connection or channel state machine.
	StatusChanged struct {
		Subject string
		From    string
		To      string
	}

	// BalanceUpdated reports a new balance, either tracked locally or pushed by the coordinator.
	BalanceUpdated struct {
		Source    string
		ChannelID string
		Asset     string
		Balance   *big.Int
	}

	// PaymentOccurred reports a completed transfer.
	PaymentOccurred struct {
		RecordID string
		TxID     uint64
		From     string
		To       string
		Asset    string
		Amount   *big.Int
		Incoming bool
		At       time.Time
	}

	// ChannelUpdated relays a channel update pushed by the coordinator.
	ChannelUpdated struct {
		ChannelID string
		Status    string
		Version   uint64
	}

	// Error reports a failure that was not returned to a caller, e.g. a lost connection.
	Error struct {
		Err error
	}
)

func (*StatusChanged) GetType() EventType   { return EventTypeStatusChanged }
func (*BalanceUpdated) GetType() EventType  { return EventTypeBalanceUpdated }
func (*PaymentOccurred) GetType() EventType { return EventTypePaymentOccurred }
func (*ChannelUpdated) GetType() EventType  { return EventTypeChannelUpdated }
func (*Error) GetType() EventType           { return EventTypeError }

// Code returns the failure code carried by the error.
func (e *Error) Code() failure.Code {
	return failure.CodeOf(e.Err)
}

// Recoverable reports whether the caller may retry.
func (e *Error) Recoverable() bool {
	return failure.IsRecoverable(e.Err)
}
