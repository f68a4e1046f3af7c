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
package storage

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dragonmoor/torrentd/utils/log"
)

// FileWriter writes verified piece data to the correct, possibly multiple,
// file ranges on disk. Writes to distinct pieces of the same torrent are
// serialized through a single mutex (spec §5: "writes are serialised per
// torrent"); distinct torrents use distinct FileWriters and may write in
// parallel.
type FileWriter struct {
	mu    sync.Mutex
	root  string
	fm    *FileMap
	files []*os.File
}

// Open creates (or reopens) every destination file pre-sized to its
// declared length under root, creating parent directories on demand.
func Open(root string, fm *FileMap, entries []FileEntry) (*FileWriter, error) {
	files := make([]*os.File, len(entries))
	for i, e := range entries {
		path := e.JoinedPath(root)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir for %s: %w", path, err)
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		if err := f.Truncate(e.Length); err != nil {
			f.Close()
			return nil, fmt.Errorf("preallocate %s to %d bytes: %w", path, e.Length, err)
		}
		files[i] = f
	}
	return &FileWriter{root: root, fm: fm, files: files}, nil
}

// WritePiece writes verified piece data (already hash-checked by the
// caller) to every file region it projects onto.
func (w *FileWriter) WritePiece(pi int, data []byte) error {
	regions, err := w.fm.Regions(pi)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	consumed := int64(0)
	for _, r := range regions {
		f := w.files[r.FileIndex]
		if _, err := f.WriteAt(data[consumed:consumed+r.Length], r.Offset); err != nil {
			return fmt.Errorf("write region of piece %d to file %d: %w", pi, r.FileIndex, err)
		}
		consumed += r.Length
	}
	return nil
}

// ReadPiece reads back the bytes previously written for piece pi.
func (w *FileWriter) ReadPiece(pi int) ([]byte, error) {
	regions, err := w.fm.Regions(pi)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	buf := make([]byte, w.fm.PieceLength(pi))
	consumed := int64(0)
	for _, r := range regions {
		f := w.files[r.FileIndex]
		if _, err := f.ReadAt(buf[consumed:consumed+r.Length], r.Offset); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read region of piece %d from file %d: %w", pi, r.FileIndex, err)
		}
		consumed += r.Length
	}
	return buf, nil
}

// VerifyResult is the outcome of re-hashing pieces from disk.
type VerifyResult struct {
	Valid   []int
	Invalid []int
}

// Verify recomputes SHA-1 for each of numPieces by reading its bytes back
// from disk and comparing against expectedHashes, used on resume when
// integrity verification is requested.
func (w *FileWriter) Verify(numPieces int, expectedHashes [][20]byte) (VerifyResult, error) {
	var result VerifyResult
	for pi := 0; pi < numPieces; pi++ {
		data, err := w.ReadPiece(pi)
		if err != nil {
			return result, fmt.Errorf("read piece %d for verification: %w", pi, err)
		}
		sum := sha1.Sum(data)
		if sum == expectedHashes[pi] {
			result.Valid = append(result.Valid, pi)
		} else {
			result.Invalid = append(result.Invalid, pi)
		}
	}
	return result, nil
}

// Close releases all open file handles.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for _, f := range w.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		log.Errorf("error closing torrent files under %s: %s", w.root, firstErr)
	}
	return firstErr
}
