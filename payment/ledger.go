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

package payment

import (
	"fmt"
	"math/big"
	"sync"
	"time"
)

// Record is a completed payment.
type Record struct {
	ID        string
	TxID      uint64
	ChannelID string
	From      string
	To        string
	Asset     string
	Amount    *big.Int
	Label     string
	Incoming  bool
	At        time.Time
}

func (r Record) String() string {
	dir := "to"
	peer := r.To
	if r.Incoming {
		dir, peer = "from", r.From
	}
	return fmt.Sprintf("%s %s %s %s %s", r.ID, r.Amount, r.Asset, dir, peer)
}

func (r Record) clone() Record {
	if r.Amount != nil {
		r.Amount = new(big.Int).Set(r.Amount)
	}
	return r
}

// Ledger is the append-only history of payments.
type Ledger struct {
	mu      sync.Mutex
	records []Record
}

func NewLedger() *Ledger {
	return &Ledger{}
}

func (l *Ledger) Append(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r.clone())
}

// History returns copies of all records, oldest first.
func (l *Ledger) History() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	for i, r := range l.records {
		out[i] = r.clone()
	}
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
