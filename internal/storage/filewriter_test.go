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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileWriterPreallocatesAndWrites(t *testing.T) {
	require := require.New(t)

	root := t.TempDir()
	entries := []FileEntry{
		{Path: []string{"a.bin"}, Length: 600},
		{Path: []string{"nested", "b.bin"}, Length: 600},
	}
	fm := NewFileMap(entries, 1000)

	w, err := Open(root, fm, entries)
	require.NoError(err)
	defer w.Close()

	info, err := os.Stat(filepath.Join(root, "a.bin"))
	require.NoError(err)
	require.Equal(int64(600), info.Size())

	info, err = os.Stat(filepath.Join(root, "nested", "b.bin"))
	require.NoError(err)
	require.Equal(int64(600), info.Size())

	piece0 := make([]byte, 1000)
	for i := range piece0 {
		piece0[i] = byte(i)
	}
	require.NoError(w.WritePiece(0, piece0))

	piece1 := make([]byte, 200)
	for i := range piece1 {
		piece1[i] = byte(200 - i)
	}
	require.NoError(w.WritePiece(1, piece1))

	got, err := w.ReadPiece(0)
	require.NoError(err)
	require.Equal(piece0, got)

	got, err = w.ReadPiece(1)
	require.NoError(err)
	require.Equal(piece1, got)
}

func TestFileWriterVerify(t *testing.T) {
	require := require.New(t)

	root := t.TempDir()
	entries := []FileEntry{{Path: []string{"a.bin"}, Length: 2000}}
	fm := NewFileMap(entries, 1000)

	w, err := Open(root, fm, entries)
	require.NoError(err)
	defer w.Close()

	good := make([]byte, 1000)
	for i := range good {
		good[i] = byte(i)
	}
	bad := make([]byte, 1000)

	require.NoError(w.WritePiece(0, good))
	require.NoError(w.WritePiece(1, bad))

	goodHash := sha1.Sum(good)
	wrongHash := sha1.Sum(append([]byte{1}, bad[1:]...))

	result, err := w.Verify(2, [][20]byte{goodHash, wrongHash})
	require.NoError(err)
	require.Equal([]int{0}, result.Valid)
	require.Equal([]int{1}, result.Invalid)
}
