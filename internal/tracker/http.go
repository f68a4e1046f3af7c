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
package tracker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dragonmoor/torrentd/internal/bencode"
)

// HTTPClient announces over HTTP(S) per BEP 3.
type HTTPClient struct {
	announceURL string
	httpClient  *http.Client
}

// NewHTTPClient creates an HTTPClient for the given tracker announce URL.
func NewHTTPClient(announceURL string) *HTTPClient {
	return &HTTPClient{
		announceURL: announceURL,
		httpClient:  &http.Client{Timeout: AnnounceTimeout},
	}
}

type httpAnnounceResponse struct {
	FailureReason string      `bencode:"failure reason,omitempty"`
	Interval      int64       `bencode:"interval"`
	Peers         interface{} `bencode:"peers"`
}

// Announce performs one HTTP GET announce.
func (c *HTTPClient) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error) {
	u, err := url.Parse(c.announceURL)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("parse announce url: %w", err)
	}

	q := u.Query()
	q.Set("info_hash", string(req.InfoHash.Bytes()))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(req.Port))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	if req.Event != EventEmpty {
		q.Set("event", string(req.Event))
	}
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	var parsed httpAnnounceResponse
	if err := bencode.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return AnnounceResponse{}, fmt.Errorf("decode announce response: %w", err)
	}
	if parsed.FailureReason != "" {
		return AnnounceResponse{}, fmt.Errorf("tracker failure: %s", parsed.FailureReason)
	}

	peers, err := parsePeers(parsed.Peers)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("parse peers: %w", err)
	}

	return AnnounceResponse{
		Interval: time.Duration(parsed.Interval) * time.Second,
		Peers:    peers,
	}, nil
}

// parsePeers handles both the compact (single byte string of 6-byte
// records) and non-compact (list of {ip, port} dicts) peer encodings.
func parsePeers(raw interface{}) ([]net.TCPAddr, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return parseCompactPeers([]byte(v))
	case []interface{}:
		var peers []net.TCPAddr
		for _, item := range v {
			dict, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			ipStr, _ := dict["ip"].(string)
			portVal, _ := dict["port"].(int64)
			ip := net.ParseIP(ipStr)
			if ip == nil {
				continue
			}
			peers = append(peers, net.TCPAddr{IP: ip, Port: int(portVal)})
		}
		return peers, nil
	default:
		return nil, fmt.Errorf("unexpected peers encoding %T", raw)
	}
}

func parseCompactPeers(b []byte) ([]net.TCPAddr, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("compact peers length %d not a multiple of 6", len(b))
	}
	var peers []net.TCPAddr
	for i := 0; i < len(b); i += 6 {
		ip := net.IP(append([]byte(nil), b[i:i+4]...))
		port := int(b[i+4])<<8 | int(b[i+5])
		peers = append(peers, net.TCPAddr{IP: ip, Port: port})
	}
	return peers, nil
}
