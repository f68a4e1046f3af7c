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
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageID identifies a peer-wire message type.
type MessageID byte

// Message ids defined by BEP 3 and BEP 10.
const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9
	Extended      MessageID = 20
)

// BlockLen is the canonical request/piece block size (16 KiB).
const BlockLen = 16 * 1024

// MaxPieceLen bounds an accepted PIECE message payload to BlockLen plus 13
// bytes, the size of a PIECE frame's header (4-byte length prefix, 1-byte
// id, 4-byte index, 4-byte begin), guarding against unbounded buffer
// growth from a misbehaving peer.
const MaxPieceLen = BlockLen + 13

// Message is a parsed peer-wire message. ID is only meaningful when
// KeepAlive is false. Payload excludes the 1-byte id.
type Message struct {
	KeepAlive bool
	ID        MessageID
	Payload   []byte
}

// KeepAliveMessage is the zero-length keep-alive message.
func KeepAliveMessage() Message { return Message{KeepAlive: true} }

// NewMessage builds a message with the given id and payload.
func NewMessage(id MessageID, payload []byte) Message {
	return Message{ID: id, Payload: payload}
}

// Encode serializes m to its wire form: a 4-byte big-endian length prefix
// followed by the id byte and payload, or just a zero length for keep-alive.
func (m Message) Encode() []byte {
	if m.KeepAlive {
		return []byte{0, 0, 0, 0}
	}
	length := uint32(1 + len(m.Payload))
	b := make([]byte, 4+length)
	binary.BigEndian.PutUint32(b[0:4], length)
	b[4] = byte(m.ID)
	copy(b[5:], m.Payload)
	return b
}

// WriteMessage encodes and writes m to w.
func WriteMessage(w io.Writer, m Message) error {
	_, err := w.Write(m.Encode())
	return err
}

// ReadMessage reads one framed message from r, blocking until a full
// message (or keep-alive) has arrived. Handles fragmented reads
// transparently since io.ReadFull blocks until len bytes are available.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return KeepAliveMessage(), nil
	}
	if length > MaxPieceLen+1 {
		return Message{}, fmt.Errorf("message length %d exceeds max %d", length, MaxPieceLen+1)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("read message body: %w", err)
	}

	id := MessageID(body[0])
	payload := body[1:]
	if id == Piece && len(payload) > MaxPieceLen {
		return Message{}, fmt.Errorf("piece payload of %d bytes exceeds max %d", len(payload), MaxPieceLen)
	}
	return Message{ID: id, Payload: payload}, nil
}

// RequestPayload is the index/begin/length payload shared by REQUEST and
// CANCEL messages.
type RequestPayload struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

// Encode serializes p to 12 bytes.
func (p RequestPayload) Encode() []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], p.Index)
	binary.BigEndian.PutUint32(b[4:8], p.Begin)
	binary.BigEndian.PutUint32(b[8:12], p.Length)
	return b
}

// DecodeRequestPayload parses a REQUEST/CANCEL payload.
func DecodeRequestPayload(b []byte) (RequestPayload, error) {
	if len(b) != 12 {
		return RequestPayload{}, fmt.Errorf("request payload must be 12 bytes, got %d", len(b))
	}
	return RequestPayload{
		Index:  binary.BigEndian.Uint32(b[0:4]),
		Begin:  binary.BigEndian.Uint32(b[4:8]),
		Length: binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// PiecePayload is the index/begin/block payload of a PIECE message.
type PiecePayload struct {
	Index uint32
	Begin uint32
	Block []byte
}

// Encode serializes p.
func (p PiecePayload) Encode() []byte {
	b := make([]byte, 8+len(p.Block))
	binary.BigEndian.PutUint32(b[0:4], p.Index)
	binary.BigEndian.PutUint32(b[4:8], p.Begin)
	copy(b[8:], p.Block)
	return b
}

// DecodePiecePayload parses a PIECE message payload.
func DecodePiecePayload(b []byte) (PiecePayload, error) {
	if len(b) < 8 {
		return PiecePayload{}, fmt.Errorf("piece payload must be at least 8 bytes, got %d", len(b))
	}
	return PiecePayload{
		Index: binary.BigEndian.Uint32(b[0:4]),
		Begin: binary.BigEndian.Uint32(b[4:8]),
		Block: b[8:],
	}, nil
}

// HavePayload is the single piece-index payload of a HAVE message.
type HavePayload struct {
	Index uint32
}

// Encode serializes p to 4 bytes.
func (p HavePayload) Encode() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, p.Index)
	return b
}

// DecodeHavePayload parses a HAVE message payload.
func DecodeHavePayload(b []byte) (HavePayload, error) {
	if len(b) != 4 {
		return HavePayload{}, fmt.Errorf("have payload must be 4 bytes, got %d", len(b))
	}
	return HavePayload{Index: binary.BigEndian.Uint32(b)}, nil
}

// EncodeBitfield packs numPieces bits into ceil(numPieces/8) bytes,
// MSB-first within each byte, with spare trailing bits zeroed.
func EncodeBitfield(have []bool) []byte {
	b := make([]byte, (len(have)+7)/8)
	for i, v := range have {
		if v {
			b[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return b
}

// DecodeBitfield unpacks b into a have[] slice of length numPieces. Returns
// an error if any of the spare trailing bits (beyond numPieces) are set.
func DecodeBitfield(b []byte, numPieces int) ([]bool, error) {
	expectedLen := (numPieces + 7) / 8
	if len(b) != expectedLen {
		return nil, fmt.Errorf("bitfield has %d bytes, expected %d for %d pieces", len(b), expectedLen, numPieces)
	}
	have := make([]bool, numPieces)
	for i := 0; i < numPieces; i++ {
		have[i] = b[i/8]&(0x80>>uint(i%8)) != 0
	}
	for i := numPieces; i < expectedLen*8; i++ {
		if b[i/8]&(0x80>>uint(i%8)) != 0 {
			return nil, fmt.Errorf("spare bitfield bit %d is set", i)
		}
	}
	return have, nil
}
