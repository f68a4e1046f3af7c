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
package core

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
)

// NodeID is a 20-byte identifier in the Kademlia XOR metric space used by
// the DHT routing table. It shares InfoHash/PeerID's wire shape but is kept
// as a distinct type so a routing-table key can never be mistaken for a
// torrent identity or our own peer id.
type NodeID [20]byte

// ErrInvalidNodeIDLength returns when a string node id does not decode into
// 20 bytes.
var ErrInvalidNodeIDLength = errors.New("node id has invalid length")

// NewNodeIDFromHex parses a NodeID from a 40-character hex string.
func NewNodeIDFromHex(s string) (NodeID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, err
	}
	if len(b) != 20 {
		return NodeID{}, ErrInvalidNodeIDLength
	}
	var n NodeID
	copy(n[:], b)
	return n, nil
}

// NewNodeIDFromBytes copies b (which must be 20 bytes) into a NodeID.
func NewNodeIDFromBytes(b []byte) (NodeID, error) {
	if len(b) != 20 {
		return NodeID{}, ErrInvalidNodeIDLength
	}
	var n NodeID
	copy(n[:], b)
	return n, nil
}

// RandomNodeID returns a cryptographically random NodeID, used to generate
// our own id at process start and target ids for bucket refresh lookups.
func RandomNodeID() (NodeID, error) {
	var n NodeID
	_, err := rand.Read(n[:])
	return n, err
}

// Bytes returns the raw 20 bytes of n.
func (n NodeID) Bytes() []byte {
	return n[:]
}

// Hex encodes n as a 40-character hex string.
func (n NodeID) Hex() string {
	return hex.EncodeToString(n[:])
}

func (n NodeID) String() string {
	return n.Hex()
}

// Distance returns the XOR distance between n and o, itself expressed as a
// NodeID since XOR over two 20-byte values is closed over the same space.
func (n NodeID) Distance(o NodeID) NodeID {
	var d NodeID
	for i := range n {
		d[i] = n[i] ^ o[i]
	}
	return d
}

// CompareDistance reports whether n is closer to target than o is:
// -1 if n is closer, 1 if o is closer, 0 if equidistant.
func CompareDistance(n, o, target NodeID) int {
	dn := n.Distance(target)
	do := o.Distance(target)
	return bytes.Compare(dn[:], do[:])
}

// PrefixLen returns the length, in bits, of the longest common prefix
// between n and target — equivalently, 159 minus the most-significant set
// bit index of n XOR target. Bucket index for a contact is PrefixLen.
func (n NodeID) PrefixLen(target NodeID) int {
	d := n.Distance(target)
	for i, b := range d {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(0x80>>uint(bit)) != 0 {
				return i*8 + bit
			}
		}
	}
	return 160
}
