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

// Package wire implements the BitTorrent peer-wire protocol (BEP 3): the
// 68-byte handshake and the length-prefixed message stream layered on top
// of it.
package wire

import (
	"fmt"
	"io"
)

const protocolID = "BitTorrent protocol"

// HandshakeLen is the fixed length of a BEP 3 handshake.
const HandshakeLen = 1 + len(protocolID) + 8 + 20 + 20

// extensionByteIndex and extensionBitMask locate bit 0x10 of reserved byte
// 5 (0-indexed from the left), which signals BEP 10 extension-protocol
// support.
const extensionByteIndex = 5
const extensionBitMask = 0x10

// Handshake is the parsed form of the 68-byte BEP 3 handshake.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// SupportsExtensions reports whether the extension-protocol bit (BEP 10)
// is set in Reserved.
func (h Handshake) SupportsExtensions() bool {
	return h.Reserved[extensionByteIndex]&extensionBitMask != 0
}

// SetSupportsExtensions sets or clears the BEP 10 extension bit.
func (h *Handshake) SetSupportsExtensions(v bool) {
	if v {
		h.Reserved[extensionByteIndex] |= extensionBitMask
	} else {
		h.Reserved[extensionByteIndex] &^= extensionBitMask
	}
}

// Encode serializes h into the 68-byte wire form.
func (h Handshake) Encode() []byte {
	b := make([]byte, 0, HandshakeLen)
	b = append(b, byte(len(protocolID)))
	b = append(b, protocolID...)
	b = append(b, h.Reserved[:]...)
	b = append(b, h.InfoHash[:]...)
	b = append(b, h.PeerID[:]...)
	return b
}

// WriteHandshake encodes and writes h to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := w.Write(h.Encode())
	return err
}

// ReadHandshake reads and parses a 68-byte handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake

	var pstrlen [1]byte
	if _, err := io.ReadFull(r, pstrlen[:]); err != nil {
		return h, fmt.Errorf("read pstrlen: %w", err)
	}
	if int(pstrlen[0]) != len(protocolID) {
		return h, fmt.Errorf("unexpected protocol string length %d", pstrlen[0])
	}

	pstr := make([]byte, pstrlen[0])
	if _, err := io.ReadFull(r, pstr); err != nil {
		return h, fmt.Errorf("read protocol string: %w", err)
	}
	if string(pstr) != protocolID {
		return h, fmt.Errorf("unexpected protocol string %q", pstr)
	}

	if _, err := io.ReadFull(r, h.Reserved[:]); err != nil {
		return h, fmt.Errorf("read reserved bytes: %w", err)
	}
	if _, err := io.ReadFull(r, h.InfoHash[:]); err != nil {
		return h, fmt.Errorf("read info hash: %w", err)
	}
	if _, err := io.ReadFull(r, h.PeerID[:]); err != nil {
		return h, fmt.Errorf("read peer id: %w", err)
	}
	return h, nil
}
