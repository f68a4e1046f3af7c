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
	"errors"
	"fmt"
	"sync"

	"github.com/dragonmoor/torrentd/core"
)

// MaxAttemptsPerPeer is the number of times a single peer may be asked for
// the same metadata piece before it is struck and skipped.
const MaxAttemptsPerPeer = 3

// ErrMetadataMismatch is returned when the fully assembled metadata does
// not hash to the torrent's info_hash.
var ErrMetadataMismatch = errors.New("extension: assembled metadata does not match info hash")

// Assembler collects ut_metadata pieces from any number of peers into a
// single metadata blob, re-requesting from a different peer (round-robin)
// whenever a peer exceeds MaxAttemptsPerPeer or the assembled blob fails
// SHA-1 validation.
type Assembler struct {
	infoHash core.InfoHash

	mu         sync.Mutex
	size       int64
	numPieces  int
	have       []bool
	buf        []byte
	attempts   map[string]map[int]int // peer id (hex) -> piece -> attempt count
}

// NewAssembler creates an Assembler for a torrent whose metadata size is
// not yet known; call SetSize once the peer's handshake reports it.
func NewAssembler(infoHash core.InfoHash) *Assembler {
	return &Assembler{infoHash: infoHash, attempts: make(map[string]map[int]int)}
}

// SetSize records the metadata_size first reported by a peer, allocating
// the assembly buffer. Subsequent calls with a different size are ignored
// — the first consistent peer report wins.
func (a *Assembler) SetSize(size int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.size != 0 {
		return
	}
	a.size = size
	a.numPieces = NumMetadataPieces(size)
	a.have = make([]bool, a.numPieces)
	a.buf = make([]byte, size)
}

// Ready reports whether a metadata size has been established.
func (a *Assembler) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size != 0
}

// NextRequests returns up to n piece indices not yet received, for the
// caller to dispatch as requests (typically one per connected peer able
// to serve ut_metadata).
func (a *Assembler) NextRequests(n int) []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []int
	for i := 0; i < len(a.have) && len(out) < n; i++ {
		if !a.have[i] {
			out = append(out, i)
		}
	}
	return out
}

// RecordAttempt increments the attempt counter for peer/piece and reports
// whether the peer has exceeded MaxAttemptsPerPeer for it and should be
// skipped in favor of a different peer.
func (a *Assembler) RecordAttempt(peerID core.PeerID, piece int) (exceeded bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := fmt.Sprintf("%x", peerID)
	byPiece, ok := a.attempts[key]
	if !ok {
		byPiece = make(map[int]int)
		a.attempts[key] = byPiece
	}
	byPiece[piece]++
	return byPiece[piece] > MaxAttemptsPerPeer
}

// PutPiece stores a received metadata piece's bytes at their offset.
func (a *Assembler) PutPiece(piece int, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.size == 0 {
		return errors.New("extension: metadata size not yet known")
	}
	if piece < 0 || piece >= a.numPieces {
		return ErrPieceOutOfRange
	}
	start := piece * MetadataBlockLen
	end := start + len(data)
	if end > len(a.buf) {
		return ErrOversizedReply
	}
	copy(a.buf[start:end], data)
	a.have[piece] = true
	return nil
}

// Complete reports whether every metadata piece has been received.
func (a *Assembler) Complete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, got := range a.have {
		if !got {
			return false
		}
	}
	return len(a.have) > 0
}

// Validate checks the assembled blob's SHA-1 against the torrent's
// info_hash. On mismatch, it discards all received pieces so callers can
// restart collection from scratch, per spec's re-request-on-mismatch rule.
func (a *Assembler) Validate() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !ValidateMetadata(a.buf, a.infoHash) {
		for i := range a.have {
			a.have[i] = false
		}
		return nil, ErrMetadataMismatch
	}
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	return out, nil
}
