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

// Package channel drives a clearnode payment channel through its lifecycle.
// The Funder opens and funds a channel, either directly on-chain, from the unified off-chain
// balance, or on-chain followed by a resize. The Adjudicator negotiates the final state with the
// coordinator and settles it through the Custody contract. Machine ties both together and keeps
// the explicit channel state that the transfer executor debits.
package channel
