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
	"fmt"

	"github.com/dragonmoor/torrentd/core"
	"github.com/dragonmoor/torrentd/internal/bencode"
)

// FileEntry is a single file within a (possibly multi-file) torrent.
type FileEntry struct {
	Path   []string
	Length int64
}

// Metadata is the parsed content of a torrent's info dictionary, the
// data model spec.md §3 calls TorrentMetadata. The teacher's own
// core.MetaInfo hashes a single kraken blob with its own private piece
// sum format; this type instead follows BEP 3's actual info dictionary
// (piece length, concatenated 20-byte SHA-1 sums, single- or multi-file
// layout) since §6 requires byte-for-byte compatibility with real
// torrent files and peers.
type Metadata struct {
	InfoHash     core.InfoHash
	Name         string
	PieceLength  int64
	Pieces       [][20]byte
	Files        []FileEntry
	TotalLength  int64
	AnnounceList []string
}

type rawTorrentFile struct {
	Announce     string           `bencode:"announce,omitempty"`
	AnnounceList [][]string       `bencode:"announce-list,omitempty"`
	Info         bencode.RawValue `bencode:"info"`
}

type rawInfoDict struct {
	Name        string         `bencode:"name"`
	PieceLength int64          `bencode:"piece length"`
	Pieces      string         `bencode:"pieces"`
	Length      int64          `bencode:"length,omitempty"`
	Files       []rawFileEntry `bencode:"files,omitempty"`
}

type rawFileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// ParseTorrentFile decodes the full bencoded contents of a .torrent file.
func ParseTorrentFile(data []byte) (Metadata, error) {
	var raw rawTorrentFile
	if err := bencode.Unmarshal(data, &raw); err != nil {
		return Metadata{}, fmt.Errorf("torrent: unmarshal top-level dict: %w", err)
	}

	md, err := ParseInfoDict([]byte(raw.Info))
	if err != nil {
		return Metadata{}, err
	}

	md.AnnounceList = flattenAnnounceList(raw.Announce, raw.AnnounceList)
	return md, nil
}

// ParseInfoDict decodes a bare bencoded info dictionary, the form
// delivered whole by BEP 9's ut_metadata extension. The info hash is the
// SHA-1 of these exact bytes, per BEP 3.
func ParseInfoDict(infoBytes []byte) (Metadata, error) {
	var info rawInfoDict
	if err := bencode.Unmarshal(infoBytes, &info); err != nil {
		return Metadata{}, fmt.Errorf("torrent: unmarshal info dict: %w", err)
	}
	if info.PieceLength <= 0 {
		return Metadata{}, fmt.Errorf("torrent: non-positive piece length")
	}
	if len(info.Pieces)%20 != 0 {
		return Metadata{}, fmt.Errorf("torrent: pieces string length %d not a multiple of 20", len(info.Pieces))
	}

	pieces := make([][20]byte, len(info.Pieces)/20)
	for i := range pieces {
		copy(pieces[i][:], info.Pieces[i*20:(i+1)*20])
	}

	var files []FileEntry
	var total int64
	if len(info.Files) > 0 {
		for _, f := range info.Files {
			files = append(files, FileEntry{Path: f.Path, Length: f.Length})
			total += f.Length
		}
	} else {
		files = []FileEntry{{Path: []string{info.Name}, Length: info.Length}}
		total = info.Length
	}

	return Metadata{
		InfoHash:    sha1.Sum(infoBytes),
		Name:        info.Name,
		PieceLength: info.PieceLength,
		Pieces:      pieces,
		Files:       files,
		TotalLength: total,
	}, nil
}

func flattenAnnounceList(announce string, tiers [][]string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(url string) {
		if url == "" || seen[url] {
			return
		}
		seen[url] = true
		out = append(out, url)
	}
	add(announce)
	for _, tier := range tiers {
		for _, url := range tier {
			add(url)
		}
	}
	return out
}

// NumPieces returns the number of pieces implied by the metadata.
func (md Metadata) NumPieces() int {
	return len(md.Pieces)
}

// PieceLengthAt returns the length of piece i, accounting for the final,
// possibly shorter, piece.
func (md Metadata) PieceLengthAt(i int) int64 {
	if i < 0 || i >= len(md.Pieces) {
		return 0
	}
	if i == len(md.Pieces)-1 {
		return md.TotalLength - md.PieceLength*int64(i)
	}
	return md.PieceLength
}
