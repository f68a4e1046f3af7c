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

// Package magnet parses and builds magnet URIs (BEP 9's xt=urn:btih: form).
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/dragonmoor/torrentd/core"
)

const scheme = "magnet:?"

// InvalidMagnetError reports a malformed magnet URI.
type InvalidMagnetError struct {
	Reason string
}

func (e *InvalidMagnetError) Error() string {
	return fmt.Sprintf("invalid magnet uri: %s", e.Reason)
}

// URI is a parsed magnet link.
type URI struct {
	InfoHash core.InfoHash
	Name     string
	Trackers []string
	PeerAddrs []string
	WebSeeds []string
}

// Parse parses a magnet URI of the form "magnet:?xt=urn:btih:<hash>&...".
func Parse(raw string) (URI, error) {
	if !strings.HasPrefix(raw, scheme) {
		return URI{}, &InvalidMagnetError{"missing magnet:? prefix"}
	}
	values, err := url.ParseQuery(raw[len(scheme):])
	if err != nil {
		return URI{}, &InvalidMagnetError{"malformed query: " + err.Error()}
	}

	xt := values.Get("xt")
	if xt == "" {
		return URI{}, &InvalidMagnetError{"missing xt parameter"}
	}
	const prefix = "urn:btih:"
	if !strings.HasPrefix(xt, prefix) {
		return URI{}, &InvalidMagnetError{"xt does not start with urn:btih:"}
	}
	h := xt[len(prefix):]

	ih, err := decodeInfoHash(h)
	if err != nil {
		return URI{}, &InvalidMagnetError{err.Error()}
	}

	return URI{
		InfoHash:  ih,
		Name:      values.Get("dn"),
		Trackers:  values["tr"],
		PeerAddrs: values["x.pe"],
		WebSeeds:  values["ws"],
	}, nil
}

func decodeInfoHash(h string) (core.InfoHash, error) {
	switch len(h) {
	case 40:
		b, err := hex.DecodeString(h)
		if err != nil {
			return core.InfoHash{}, fmt.Errorf("malformed hex info-hash: %s", err)
		}
		var ih core.InfoHash
		copy(ih[:], b)
		return ih, nil
	case 32:
		b, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(h))
		if err != nil {
			return core.InfoHash{}, fmt.Errorf("malformed base32 info-hash: %s", err)
		}
		if len(b) != 20 {
			return core.InfoHash{}, fmt.Errorf("decoded base32 info-hash has %d bytes, expected 20", len(b))
		}
		var ih core.InfoHash
		copy(ih[:], b)
		return ih, nil
	default:
		return core.InfoHash{}, fmt.Errorf("info-hash has invalid length %d: expected 40 hex or 32 base32 characters", len(h))
	}
}

// Create builds the canonical magnet URI for u: info-hash is lowercased
// hex, trackers are percent-encoded and repeated in order.
func Create(u URI) string {
	v := url.Values{}
	v.Set("xt", "urn:btih:"+strings.ToLower(u.InfoHash.Hex()))
	if u.Name != "" {
		v.Set("dn", u.Name)
	}
	for _, tr := range u.Trackers {
		v.Add("tr", tr)
	}
	for _, pe := range u.PeerAddrs {
		v.Add("x.pe", pe)
	}
	for _, ws := range u.WebSeeds {
		v.Add("ws", ws)
	}
	return scheme + v.Encode()
}
