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

// Package peerconn manages a single TCP session with a remote peer: the
// BEP3 handshake, the message read/write loops, keep-alives, and per-peer
// choke/interest state. It generalizes the teacher's scheduler/conn package
// from protobuf-framed messages to literal BitTorrent wire framing.
package peerconn

import "time"

// Config is the configuration for individual peer connections.
type Config struct {
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	KeepAliveInterval  time.Duration `yaml:"keep_alive_interval"`
	SenderBufferSize   int           `yaml:"sender_buffer_size"`
	ReceiverBufferSize int           `yaml:"receiver_buffer_size"`

	// UploadRateLimit caps outbound PIECE payload bytes per second on this
	// connection. Zero disables throttling.
	UploadRateLimit int `yaml:"upload_rate_limit"`
}

func (c Config) applyDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 120 * time.Second
	}
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 256
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 256
	}
	return c
}
