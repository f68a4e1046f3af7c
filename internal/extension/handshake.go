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

// Package extension implements the BEP 10 extension handshake and the
// BEP 9 ut_metadata piece exchange used to fetch a torrent's info
// dictionary from peers when only a magnet URI is available.
package extension

import (
	"errors"
	"fmt"

	"github.com/dragonmoor/torrentd/internal/bencode"
	"github.com/dragonmoor/torrentd/internal/wire"
)

// UTMetadataName is the extension key peers negotiate in the "m"
// dictionary of the extended handshake.
const UTMetadataName = "ut_metadata"

// handshakeMsgID is the reserved extended message id for the handshake
// itself; all other extension ids are negotiated through it.
const handshakeMsgID = 0

// ErrNotExtendedMessage is returned when a non-extended wire message is
// handed to this package's decoders.
var ErrNotExtendedMessage = errors.New("extension: not an extended message")

// Handshake is the bencoded payload of BEP 10's extended handshake.
type Handshake struct {
	M            map[string]int64 `bencode:"m"`
	MetadataSize int64            `bencode:"metadata_size,omitempty"`
}

// UTMetadataID returns the peer-assigned id for ut_metadata, and whether
// the peer advertised support for it at all.
func (h Handshake) UTMetadataID() (int64, bool) {
	id, ok := h.M[UTMetadataName]
	return id, ok
}

// EncodeHandshake builds the EXTENDED message advertising our local id
// for ut_metadata (ourID) and, once known, the total metadata size.
func EncodeHandshake(ourID int64, metadataSize int64) (wire.Message, error) {
	hs := Handshake{M: map[string]int64{UTMetadataName: ourID}}
	if metadataSize > 0 {
		hs.MetadataSize = metadataSize
	}
	body, err := bencode.Marshal(hs)
	if err != nil {
		return wire.Message{}, fmt.Errorf("marshal handshake: %w", err)
	}
	payload := append([]byte{handshakeMsgID}, body...)
	return wire.NewMessage(wire.Extended, payload), nil
}

// DecodeHandshake parses the payload of an inbound EXTENDED handshake
// message (extended message id 0).
func DecodeHandshake(payload []byte) (Handshake, error) {
	var hs Handshake
	if len(payload) < 1 {
		return hs, fmt.Errorf("%w: empty payload", ErrNotExtendedMessage)
	}
	if payload[0] != handshakeMsgID {
		return hs, fmt.Errorf("%w: expected handshake id 0, got %d", ErrNotExtendedMessage, payload[0])
	}
	if err := bencode.Unmarshal(payload[1:], &hs); err != nil {
		return hs, fmt.Errorf("unmarshal handshake: %w", err)
	}
	return hs, nil
}
