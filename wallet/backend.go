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

package wallet

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// SignatureLength is the length of a signature in bytes.
const SignatureLength = crypto.SignatureLength

// recoveryOffset is added to the recovery id so that signatures verify with ecrecover.
const recoveryOffset = 27

var ErrInvalidSignature = errors.New("invalid signature")

// SignHash signs a 32 byte digest directly, without any message prefix.
func SignHash(key *ecdsa.PrivateKey, hash []byte) ([]byte, error) {
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += recoveryOffset
	return sig, nil
}

// RecoverSigner returns the address that produced sig over hash.
func RecoverSigner(hash []byte, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	s := make([]byte, SignatureLength)
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= recoveryOffset {
		s[crypto.RecoveryIDOffset] -= recoveryOffset
	}
	pub, err := crypto.SigToPub(hash, s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature checks that sig over hash was produced by addr.
func VerifySignature(hash []byte, sig []byte, addr common.Address) (bool, error) {
	signer, err := RecoverSigner(hash, sig)
	if err != nil {
		return false, err
	}
	return signer == addr, nil
}
