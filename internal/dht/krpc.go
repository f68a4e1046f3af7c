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
package dht

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/dragonmoor/torrentd/core"
	"github.com/dragonmoor/torrentd/internal/bencode"
)

// Message types ("y" field).
const (
	TypeQuery    = "q"
	TypeResponse = "r"
	TypeError    = "e"
)

// Query names ("q" field).
const (
	QueryPing         = "ping"
	QueryFindNode     = "find_node"
	QueryGetPeers     = "get_peers"
	QueryAnnouncePeer = "announce_peer"
)

// Message is a single bencoded KRPC datagram.
type Message struct {
	T string                 `bencode:"t"`
	Y string                 `bencode:"y"`
	Q string                 `bencode:"q,omitempty"`
	A map[string]interface{} `bencode:"a,omitempty"`
	R map[string]interface{} `bencode:"r,omitempty"`
	E []interface{}          `bencode:"e,omitempty"`
}

// EncodeMessage bencodes m for transmission over UDP.
func EncodeMessage(m Message) ([]byte, error) {
	return bencode.Marshal(m)
}

// DecodeMessage parses a received KRPC datagram.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := bencode.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("decode krpc message: %w", err)
	}
	return m, nil
}

// NewQuery builds a query message with transaction id t.
func NewQuery(t, q string, a map[string]interface{}) Message {
	return Message{T: t, Y: TypeQuery, Q: q, A: a}
}

// NewResponse builds a response message with transaction id t.
func NewResponse(t string, r map[string]interface{}) Message {
	return Message{T: t, Y: TypeResponse, R: r}
}

// NewError builds an error message with transaction id t.
func NewError(t string, code int, msg string) Message {
	return Message{T: t, Y: TypeError, E: []interface{}{int64(code), msg}}
}

// EncodeCompactNode serializes a contact as a 26-byte compact node info
// record: node_id(20) | ipv4(4) | port_be(2).
func EncodeCompactNode(c Contact) ([]byte, error) {
	ip4 := c.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("dht: contact %s has no IPv4 address", c.ID)
	}
	b := make([]byte, 26)
	copy(b[:20], c.ID.Bytes())
	copy(b[20:24], ip4)
	binary.BigEndian.PutUint16(b[24:26], uint16(c.Port))
	return b, nil
}

// DecodeCompactNodes parses a concatenation of 26-byte compact node info
// records.
func DecodeCompactNodes(b []byte) ([]Contact, error) {
	if len(b)%26 != 0 {
		return nil, fmt.Errorf("dht: compact nodes length %d not a multiple of 26", len(b))
	}
	var contacts []Contact
	for i := 0; i < len(b); i += 26 {
		id, err := core.NewNodeIDFromBytes(b[i : i+20])
		if err != nil {
			return nil, err
		}
		ip := net.IP(append([]byte(nil), b[i+20:i+24]...))
		port := binary.BigEndian.Uint16(b[i+24 : i+26])
		contacts = append(contacts, Contact{ID: id, IP: ip, Port: int(port)})
	}
	return contacts, nil
}

// EncodeCompactPeer serializes addr as a 6-byte compact peer record:
// ipv4(4) | port_be(2).
func EncodeCompactPeer(ip net.IP, port int) ([]byte, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("dht: peer address %s has no IPv4 form", ip)
	}
	b := make([]byte, 6)
	copy(b[:4], ip4)
	binary.BigEndian.PutUint16(b[4:6], uint16(port))
	return b, nil
}

// DecodeCompactPeer parses a single 6-byte compact peer record.
func DecodeCompactPeer(b []byte) (net.IP, int, error) {
	if len(b) != 6 {
		return nil, 0, fmt.Errorf("dht: compact peer length %d != 6", len(b))
	}
	ip := net.IP(append([]byte(nil), b[:4]...))
	port := binary.BigEndian.Uint16(b[4:6])
	return ip, int(port), nil
}
