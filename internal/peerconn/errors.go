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

import "errors"

// ErrHandshakeTimeout is returned when a handshake does not complete within
// Config.HandshakeTimeout.
var ErrHandshakeTimeout = errors.New("peerconn: handshake timeout")

// ErrInfoHashMismatch is returned when a remote peer's handshake names an
// info_hash other than the one we dialed for.
var ErrInfoHashMismatch = errors.New("peerconn: info hash mismatch")

// ErrProtocolError is returned for malformed handshakes or wire messages.
var ErrProtocolError = errors.New("peerconn: protocol error")

// ErrClosed is returned by operations attempted on a closed connection.
var ErrClosed = errors.New("peerconn: connection closed")
