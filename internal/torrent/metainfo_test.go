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
package torrent

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dragonmoor/torrentd/internal/bencode"
)

func buildInfoDict(t *testing.T, name string, pieceLength int64, pieces [][20]byte, length int64, files []rawFileEntry) []byte {
	t.Helper()

	info := rawInfoDict{
		Name:        name,
		PieceLength: pieceLength,
		Length:      length,
		Files:       files,
	}
	var concatenated []byte
	for _, p := range pieces {
		concatenated = append(concatenated, p[:]...)
	}
	info.Pieces = string(concatenated)

	b, err := bencode.Marshal(info)
	require.NoError(t, err)
	return b
}

func TestParseInfoDictSingleFile(t *testing.T) {
	require := require.New(t)

	p0 := sha1.Sum([]byte("piece0"))
	p1 := sha1.Sum([]byte("piece1"))
	infoBytes := buildInfoDict(t, "movie.mp4", 1<<18, [][20]byte{p0, p1}, 3*(1<<17), nil)

	md, err := ParseInfoDict(infoBytes)
	require.NoError(err)
	require.Equal("movie.mp4", md.Name)
	require.Equal(int64(1<<18), md.PieceLength)
	require.Equal(2, md.NumPieces())
	require.Equal([][20]byte{p0, p1}, md.Pieces)
	require.Equal(sha1.Sum(infoBytes), md.InfoHash)
	require.Len(md.Files, 1)
	require.Equal([]string{"movie.mp4"}, md.Files[0].Path)
	require.Equal(int64(3*(1<<17)), md.TotalLength)
}

func TestParseInfoDictMultiFile(t *testing.T) {
	require := require.New(t)

	p0 := sha1.Sum([]byte("a"))
	files := []rawFileEntry{
		{Length: 100, Path: []string{"dir", "a.txt"}},
		{Length: 200, Path: []string{"dir", "b.txt"}},
	}
	infoBytes := buildInfoDict(t, "dir", 1<<16, [][20]byte{p0}, 0, files)

	md, err := ParseInfoDict(infoBytes)
	require.NoError(err)
	require.Len(md.Files, 2)
	require.Equal(int64(300), md.TotalLength)
	require.Equal([]string{"dir", "a.txt"}, md.Files[0].Path)
}

func TestParseInfoDictRejectsBadPieceLength(t *testing.T) {
	infoBytes := buildInfoDict(t, "x", 0, [][20]byte{sha1.Sum([]byte("a"))}, 100, nil)
	_, err := ParseInfoDict(infoBytes)
	require.Error(t, err)
}

func TestParseInfoDictRejectsMisalignedPieces(t *testing.T) {
	info := rawInfoDict{Name: "x", PieceLength: 1 << 16, Length: 100, Pieces: "not20bytesmultiple"}
	b, err := bencode.Marshal(info)
	require.NoError(t, err)
	_, err = ParseInfoDict(b)
	require.Error(t, err)
}

func TestParseTorrentFileFlattensAnnounceList(t *testing.T) {
	require := require.New(t)

	p0 := sha1.Sum([]byte("a"))
	infoBytes := buildInfoDict(t, "f", 1<<16, [][20]byte{p0}, 50, nil)

	raw := rawTorrentFile{
		Announce:     "http://tracker-a.example/announce",
		AnnounceList: [][]string{{"http://tracker-a.example/announce", "http://tracker-b.example/announce"}},
		Info:         bencode.RawValue(infoBytes),
	}
	data, err := bencode.Marshal(raw)
	require.NoError(err)

	md, err := ParseTorrentFile(data)
	require.NoError(err)
	require.Equal([]string{"http://tracker-a.example/announce", "http://tracker-b.example/announce"}, md.AnnounceList)
}

func TestPieceLengthAtAccountsForFinalShortPiece(t *testing.T) {
	require := require.New(t)

	md := Metadata{
		PieceLength: 100,
		Pieces:      [][20]byte{{}, {}, {}},
		TotalLength: 250,
	}
	require.Equal(int64(100), md.PieceLengthAt(0))
	require.Equal(int64(100), md.PieceLengthAt(1))
	require.Equal(int64(50), md.PieceLengthAt(2))
	require.Equal(int64(0), md.PieceLengthAt(3))
}
