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
package extension

import (
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/dragonmoor/torrentd/core"
	"github.com/dragonmoor/torrentd/internal/bencode"
	"github.com/dragonmoor/torrentd/internal/wire"
)

// MetadataBlockLen is the chunk size ut_metadata pieces data in, per BEP 9.
const MetadataBlockLen = 16 * 1024

// ut_metadata msg_type values.
const (
	MsgTypeRequest = 0
	MsgTypeData    = 1
	MsgTypeReject  = 2
)

// MetadataMessage is the bencoded dict prefixing every ut_metadata
// extended message.
type MetadataMessage struct {
	MsgType   int64 `bencode:"msg_type"`
	Piece     int64 `bencode:"piece"`
	TotalSize int64 `bencode:"total_size,omitempty"`
}

// ErrOversizedReply is returned when a peer's DATA reply exceeds one
// metadata block in length.
var ErrOversizedReply = errors.New("extension: oversized ut_metadata reply")

// ErrPieceOutOfRange is returned when a peer names a metadata piece index
// beyond the number implied by its declared metadata_size.
var ErrPieceOutOfRange = errors.New("extension: metadata piece index out of range")

// NumMetadataPieces returns the number of 16 KiB metadata pieces needed to
// hold a metadata blob of the given size.
func NumMetadataPieces(metadataSize int64) int {
	return int((metadataSize + MetadataBlockLen - 1) / MetadataBlockLen)
}

// EncodeMetadataRequest builds a msg_type=0 request for piece, addressed
// to the peer's locally-assigned extended message id for ut_metadata.
func EncodeMetadataRequest(peerExtID int64, piece int) (wire.Message, error) {
	return encodeMetadataDict(peerExtID, MetadataMessage{MsgType: MsgTypeRequest, Piece: int64(piece)}, nil)
}

// EncodeMetadataData builds a msg_type=1 reply carrying piece's raw bytes.
func EncodeMetadataData(peerExtID int64, piece int, totalSize int64, block []byte) (wire.Message, error) {
	return encodeMetadataDict(peerExtID, MetadataMessage{
		MsgType:   MsgTypeData,
		Piece:     int64(piece),
		TotalSize: totalSize,
	}, block)
}

// EncodeMetadataReject builds a msg_type=2 rejection for piece.
func EncodeMetadataReject(peerExtID int64, piece int) (wire.Message, error) {
	return encodeMetadataDict(peerExtID, MetadataMessage{MsgType: MsgTypeReject, Piece: int64(piece)}, nil)
}

func encodeMetadataDict(peerExtID int64, msg MetadataMessage, block []byte) (wire.Message, error) {
	body, err := bencode.Marshal(msg)
	if err != nil {
		return wire.Message{}, fmt.Errorf("marshal metadata message: %w", err)
	}
	payload := make([]byte, 0, 1+len(body)+len(block))
	payload = append(payload, byte(peerExtID))
	payload = append(payload, body...)
	payload = append(payload, block...)
	return wire.NewMessage(wire.Extended, payload), nil
}

// DecodeMetadataMessage parses an inbound ut_metadata extended message,
// returning the sender's extended message id, the dict, and, for DATA
// messages, the trailing raw block bytes.
func DecodeMetadataMessage(payload []byte) (extID byte, msg MetadataMessage, block []byte, err error) {
	if len(payload) < 1 {
		return 0, msg, nil, fmt.Errorf("%w: empty payload", ErrNotExtendedMessage)
	}
	extID = payload[0]
	body := payload[1:]

	dictLen, err := bencodeValueLen(body)
	if err != nil {
		return 0, msg, nil, fmt.Errorf("locate metadata dict: %w", err)
	}
	if err := bencode.Unmarshal(body[:dictLen], &msg); err != nil {
		return 0, msg, nil, fmt.Errorf("unmarshal metadata message: %w", err)
	}
	block = body[dictLen:]
	if msg.MsgType == MsgTypeData && len(block) > MetadataBlockLen {
		return 0, msg, nil, ErrOversizedReply
	}
	return extID, msg, block, nil
}

// bencodeValueLen returns the length, in bytes, of the single top-level
// bencoded value at the start of data. ut_metadata DATA messages append a
// raw (non-bencoded) block immediately after the dict, so the dict's
// length must be located without consuming the trailing bytes — something
// a reflective Unmarshal of the whole buffer cannot do.
func bencodeValueLen(data []byte) (int, error) {
	n, err := scanValue(data, 0)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func scanValue(data []byte, i int) (int, error) {
	if i >= len(data) {
		return 0, errors.New("unexpected end of bencoded value")
	}
	switch {
	case data[i] == 'i':
		j := i + 1
		for j < len(data) && data[j] != 'e' {
			j++
		}
		if j >= len(data) {
			return 0, errors.New("unterminated integer")
		}
		return j + 1, nil
	case data[i] == 'l' || data[i] == 'd':
		j := i + 1
		for j < len(data) {
			if data[j] == 'e' {
				return j + 1, nil
			}
			if data[i] == 'd' {
				// Key, always a string.
				end, err := scanValue(data, j)
				if err != nil {
					return 0, err
				}
				j = end
			}
			end, err := scanValue(data, j)
			if err != nil {
				return 0, err
			}
			j = end
		}
		return 0, errors.New("unterminated list or dict")
	case data[i] >= '0' && data[i] <= '9':
		j := i
		for j < len(data) && data[j] != ':' {
			j++
		}
		if j >= len(data) {
			return 0, errors.New("unterminated string length")
		}
		length := 0
		for _, c := range data[i:j] {
			length = length*10 + int(c-'0')
		}
		end := j + 1 + length
		if end > len(data) {
			return 0, errors.New("string length exceeds buffer")
		}
		return end, nil
	default:
		return 0, fmt.Errorf("invalid bencode value tag %q", data[i])
	}
}

// ValidateMetadata computes the SHA-1 of the fully assembled metadata blob
// and compares it against the torrent's info_hash.
func ValidateMetadata(blob []byte, infoHash core.InfoHash) bool {
	return sha1.Sum(blob) == infoHash
}
