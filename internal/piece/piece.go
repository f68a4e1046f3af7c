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

// Package piece implements block assembly and SHA-1 verification for a
// single torrent piece, generalizing the completed/dirty/empty piece
// state machine of the teacher's agentstorage package from a whole-piece
// CAS-backed model to an in-memory 16 KiB block assembly buffer.
package piece

import (
	"crypto/sha1"
	"errors"
	"fmt"

	"go.uber.org/atomic"
)

// BlockLen is the canonical block request granularity.
const BlockLen = 16 * 1024

// Status enumerates the lifecycle of a Piece.
type Status int

// Piece statuses, per the pending/active/received-unverified/verified/failed
// state set.
const (
	StatusPending Status = iota
	StatusActive
	StatusReceivedUnverified
	StatusVerified
	StatusFailed
)

// ErrAlreadyComplete is returned when a block is written to a piece whose
// data has already been fully assembled.
var ErrAlreadyComplete = errors.New("piece: all blocks already received")

// ErrVerifyIncomplete is returned when Verify is called before all blocks
// have been received.
var ErrVerifyIncomplete = errors.New("piece: not all blocks received")

// Piece tracks which 16 KiB blocks of a single torrent piece have been
// received and assembles them into a contiguous buffer of the full piece
// length, allocated when the Piece is created.
type Piece struct {
	Index        int
	Length       int64
	ExpectedHash [20]byte

	status   atomic.Int32
	received []bool
	buf      []byte
	numLeft  int
}

// New creates a Piece of the given length and expected SHA-1 hash.
func New(index int, length int64, expectedHash [20]byte) *Piece {
	numBlocks := NumBlocks(length)
	p := &Piece{
		Index:        index,
		Length:       length,
		ExpectedHash: expectedHash,
		received:     make([]bool, numBlocks),
		buf:          make([]byte, length),
		numLeft:      numBlocks,
	}
	p.status.Store(int32(StatusPending))
	return p
}

// NumBlocks returns the number of 16 KiB blocks (the last possibly short)
// that a piece of the given length is split into.
func NumBlocks(length int64) int {
	return int((length + BlockLen - 1) / BlockLen)
}

// BlockBounds returns the [start, end) byte range of block bi within the
// piece.
func (p *Piece) BlockBounds(bi int) (start, end int64) {
	start = int64(bi) * BlockLen
	end = start + BlockLen
	if end > p.Length {
		end = p.Length
	}
	return start, end
}

// Status returns the current lifecycle status.
func (p *Piece) Status() Status {
	return Status(p.status.Load())
}

func (p *Piece) setStatus(s Status) {
	p.status.Store(int32(s))
}

// MarkActive transitions a pending piece to active, meaning at least one
// block request has been issued for it.
func (p *Piece) MarkActive() {
	if p.Status() == StatusPending {
		p.setStatus(StatusActive)
	}
}

// HasBlock reports whether block bi has been received.
func (p *Piece) HasBlock(bi int) bool {
	if bi < 0 || bi >= len(p.received) {
		return false
	}
	return p.received[bi]
}

// MissingBlocks returns the indices of blocks not yet received, in
// ascending order.
func (p *Piece) MissingBlocks() []int {
	var missing []int
	for i, got := range p.received {
		if !got {
			missing = append(missing, i)
		}
	}
	return missing
}

// PutBlock writes block data at offset into the assembly buffer. Returns
// ErrAlreadyComplete if every block was already received (a duplicate or
// stray delivery).
func (p *Piece) PutBlock(offset int64, data []byte) error {
	if p.numLeft == 0 {
		return ErrAlreadyComplete
	}
	if offset < 0 || offset+int64(len(data)) > p.Length {
		return fmt.Errorf("piece: block at offset %d length %d out of bounds (piece length %d)",
			offset, len(data), p.Length)
	}
	bi := int(offset / BlockLen)
	if bi >= len(p.received) {
		return fmt.Errorf("piece: block index %d out of range", bi)
	}
	if !p.received[bi] {
		copy(p.buf[offset:], data)
		p.received[bi] = true
		p.numLeft--
		if p.numLeft == 0 {
			p.setStatus(StatusReceivedUnverified)
		}
	}
	return nil
}

// Complete reports whether every block has been received.
func (p *Piece) Complete() bool {
	return p.numLeft == 0
}

// Verify computes SHA-1 over the assembled buffer and compares it against
// ExpectedHash. Requires Complete() to be true.
func (p *Piece) Verify() (bool, error) {
	if !p.Complete() {
		return false, ErrVerifyIncomplete
	}
	sum := sha1.Sum(p.buf)
	ok := sum == p.ExpectedHash
	if ok {
		p.setStatus(StatusVerified)
	} else {
		p.setStatus(StatusFailed)
	}
	return ok, nil
}

// Data returns the assembled piece bytes. Only meaningful once Complete.
func (p *Piece) Data() []byte {
	return p.buf
}

// Reset discards all received blocks, returning the piece to pending —
// used when verification fails and the piece must be re-downloaded.
func (p *Piece) Reset() {
	for i := range p.received {
		p.received[i] = false
	}
	p.numLeft = len(p.received)
	p.setStatus(StatusPending)
}
