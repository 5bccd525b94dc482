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

package client

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

var ErrTxFailed = errors.New("transaction reverted")

// Sender waits for submitted transactions.
type Sender interface {
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// TxSender waits for transactions by polling receipts.
type TxSender struct {
	backend bind.DeployBackend
}

func NewTxSender(backend bind.DeployBackend) *TxSender {
	return &TxSender{backend: backend}
}

// WaitMined blocks until tx is mined and fails with ErrTxFailed if it reverted.
func (s *TxSender) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, s.backend, tx)
	if err != nil {
		return nil, errors.WithMessagef(err, "waiting for tx %s", tx.Hash().Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, errors.Wrapf(ErrTxFailed, "tx %s", tx.Hash().Hex())
	}
	return receipt, nil
}
