// Copyright (c) 2016-2019 Uber Technologies, Inc.
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
package peerconn

// State is the lifecycle of a peer connection.
type State int

// Connection states.
const (
	Dialing State = iota
	HandshakeSent
	HandshakeComplete
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Dialing:
		return "dialing"
	case HandshakeSent:
		return "handshake_sent"
	case HandshakeComplete:
		return "handshake_complete"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
