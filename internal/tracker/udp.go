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
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"
)

// protocolMagic is the BEP 15 connect request magic constant.
const protocolMagic uint64 = 0x41727101980

const (
	actionConnect  int32 = 0
	actionAnnounce int32 = 1
	actionError    int32 = 3
)

// udpMaxTries and udpInitialTimeout implement BEP 15's retransmission
// schedule: 15 * 2^n seconds, up to 8 tries.
const (
	udpMaxTries       = 8
	udpInitialTimeout = 15 * time.Second
)

// ErrUDPTrackerError is returned when the tracker replies with action 3.
var ErrUDPTrackerError = errors.New("tracker: udp tracker returned an error")

// UDPClient announces over UDP per BEP 15.
type UDPClient struct {
	addr *net.UDPAddr
}

// NewUDPClient resolves the udp:// announce URL and returns a UDPClient.
func NewUDPClient(rawURL string) (*UDPClient, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse announce url: %w", err)
	}
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("resolve tracker addr: %w", err)
	}
	return &UDPClient{addr: addr}, nil
}

// Announce performs a connect followed by an announce request, each with
// BEP 15's exponential-retransmission schedule.
func (c *UDPClient) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error) {
	conn, err := net.DialUDP("udp", nil, c.addr)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("dial tracker: %w", err)
	}
	defer conn.Close()

	connID, err := c.connect(ctx, conn)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("connect: %w", err)
	}

	return c.announce(ctx, conn, connID, req)
}

func (c *UDPClient) connect(ctx context.Context, conn *net.UDPConn) (uint64, error) {
	transactionID := rand.Int31()

	reqBuf := make([]byte, 16)
	binary.BigEndian.PutUint64(reqBuf[0:8], protocolMagic)
	binary.BigEndian.PutUint32(reqBuf[8:12], uint32(actionConnect))
	binary.BigEndian.PutUint32(reqBuf[12:16], uint32(transactionID))

	respBuf, err := c.roundTrip(ctx, conn, reqBuf, 16)
	if err != nil {
		return 0, err
	}

	action := int32(binary.BigEndian.Uint32(respBuf[0:4]))
	gotTxID := int32(binary.BigEndian.Uint32(respBuf[4:8]))
	if gotTxID != transactionID {
		return 0, errors.New("transaction id mismatch")
	}
	if action == actionError {
		return 0, ErrUDPTrackerError
	}
	if action != actionConnect {
		return 0, fmt.Errorf("unexpected action %d", action)
	}
	return binary.BigEndian.Uint64(respBuf[8:16]), nil
}

func (c *UDPClient) announce(ctx context.Context, conn *net.UDPConn, connID uint64, req AnnounceRequest) (AnnounceResponse, error) {
	transactionID := rand.Int31()

	reqBuf := make([]byte, 98)
	binary.BigEndian.PutUint64(reqBuf[0:8], connID)
	binary.BigEndian.PutUint32(reqBuf[8:12], uint32(actionAnnounce))
	binary.BigEndian.PutUint32(reqBuf[12:16], uint32(transactionID))
	copy(reqBuf[16:36], req.InfoHash.Bytes())
	copy(reqBuf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(reqBuf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(reqBuf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(reqBuf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(reqBuf[80:84], uint32(udpEventCode(req.Event)))
	binary.BigEndian.PutUint32(reqBuf[84:88], 0) // IP address: default
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}
	binary.BigEndian.PutUint32(reqBuf[88:92], uint32(rand.Int31())) // key
	binary.BigEndian.PutUint32(reqBuf[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(reqBuf[96:98], uint16(req.Port))

	respBuf, err := c.roundTrip(ctx, conn, reqBuf, 20)
	if err != nil {
		return AnnounceResponse{}, err
	}

	action := int32(binary.BigEndian.Uint32(respBuf[0:4]))
	gotTxID := int32(binary.BigEndian.Uint32(respBuf[4:8]))
	if gotTxID != transactionID {
		return AnnounceResponse{}, errors.New("transaction id mismatch")
	}
	if action == actionError {
		return AnnounceResponse{}, ErrUDPTrackerError
	}
	if action != actionAnnounce {
		return AnnounceResponse{}, fmt.Errorf("unexpected action %d", action)
	}

	interval := time.Duration(binary.BigEndian.Uint32(respBuf[8:12])) * time.Second
	peerBlock := respBuf[20:]
	peers, err := parseCompactPeers(peerBlock)
	if err != nil {
		return AnnounceResponse{}, err
	}

	return AnnounceResponse{Interval: interval, Peers: peers}, nil
}

// roundTrip sends reqBuf and waits for a reply of at least minRespLen
// bytes, retrying per BEP 15's 15*2^n second schedule up to udpMaxTries
// attempts.
func (c *UDPClient) roundTrip(ctx context.Context, conn *net.UDPConn, reqBuf []byte, minRespLen int) ([]byte, error) {
	respBuf := make([]byte, 2048)

	for attempt := 0; attempt < udpMaxTries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if _, err := conn.Write(reqBuf); err != nil {
			return nil, fmt.Errorf("write: %w", err)
		}

		timeout := udpInitialTimeout << uint(attempt)
		deadline := time.Now().Add(timeout)
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		conn.SetReadDeadline(deadline)

		n, err := conn.Read(respBuf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return nil, fmt.Errorf("read: %w", err)
		}
		if n < minRespLen {
			continue
		}
		out := make([]byte, n)
		copy(out, respBuf[:n])
		return out, nil
	}
	return nil, fmt.Errorf("udp tracker: no response after %d tries", udpMaxTries)
}

func udpEventCode(e AnnounceEvent) int32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}
