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

// Package tracker implements BEP 3 HTTP and BEP 15 UDP tracker announces.
// There is no tracker client in the example corpus retrievable with
// source — kraken's own tracker/ subtree is a server implementation of a
// different, non-BitTorrent protocol (HTTP blob-store metadata, backed by
// MySQL) and was dropped rather than adapted. This package instead
// follows BEP 3 / BEP 15 directly, in the same small-struct,
// explicit-timeout style as the rest of this module.
package tracker

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/dragonmoor/torrentd/core"
)

// AnnounceEvent is the BEP 3 "event" query parameter.
type AnnounceEvent string

// Announce events.
const (
	EventStarted   AnnounceEvent = "started"
	EventCompleted AnnounceEvent = "completed"
	EventStopped   AnnounceEvent = "stopped"
	EventEmpty     AnnounceEvent = ""
)

// AnnounceRequest is the common set of parameters sent to either an HTTP
// or UDP tracker.
type AnnounceRequest struct {
	InfoHash   core.InfoHash
	PeerID     core.PeerID
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      AnnounceEvent
	NumWant    int
}

// AnnounceResponse is the tracker's reply, normalized across HTTP and UDP
// transports.
type AnnounceResponse struct {
	Interval time.Duration
	Peers    []net.TCPAddr
}

// AnnounceTimeout bounds a single announce attempt, HTTP or UDP.
const AnnounceTimeout = 30 * time.Second

// RetryInitial and RetryMax bound the jittered backoff schedule for
// non-fatal announce failures.
const (
	RetryInitial = 30 * time.Second
	RetryMax     = 30 * time.Minute
)

// ErrUnsupportedScheme is returned when an announce URL's scheme is
// neither http(s) nor udp.
var ErrUnsupportedScheme = errors.New("tracker: unsupported announce URL scheme")

// Client announces to a single tracker URL, dispatching to the HTTP or
// UDP implementation based on scheme.
type Client interface {
	Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error)
}

// NewClient returns the Client implementation appropriate for rawURL's
// scheme (http, https, or udp).
func NewClient(rawURL string) (Client, error) {
	scheme, err := schemeOf(rawURL)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "http", "https":
		return NewHTTPClient(rawURL), nil
	case "udp":
		return NewUDPClient(rawURL)
	default:
		return nil, ErrUnsupportedScheme
	}
}

func schemeOf(rawURL string) (string, error) {
	for i := 0; i < len(rawURL); i++ {
		if rawURL[i] == ':' {
			return rawURL[:i], nil
		}
		if !isSchemeChar(rawURL[i]) {
			break
		}
	}
	return "", ErrUnsupportedScheme
}

func isSchemeChar(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '+' || b == '-' || b == '.'
}

// NextBackoff computes the jittered retry delay for the attempt'th
// consecutive announce failure (attempt starts at 1), capped at RetryMax.
func NextBackoff(attempt int, jitter func(time.Duration) time.Duration) time.Duration {
	d := RetryInitial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > RetryMax {
			d = RetryMax
			break
		}
	}
	if jitter != nil {
		d = jitter(d)
	}
	return d
}
