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

package rpc

// Status is the connection status observed by consumers.
type Status string

const (
	StatusDisconnected   Status = "disconnected"
	StatusConnecting     Status = "connecting"
	StatusConnected      Status = "connected"
	StatusAuthenticating Status = "authenticating"
	StatusAuthenticated  Status = "authenticated"
	StatusError          Status = "error"
)

// Online reports whether a connection is established.
func (s Status) Online() bool {
	switch s {
	case StatusConnected, StatusAuthenticating, StatusAuthenticated:
		return true
	}
	return false
}
