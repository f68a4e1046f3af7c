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
package peerconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/dragonmoor/torrentd/core"
	"github.com/dragonmoor/torrentd/internal/wire"
	"github.com/dragonmoor/torrentd/utils/log"
)

// Events defines the callbacks a PeerConn fires into its owner.
type Events interface {
	ConnClosed(*PeerConn)
}

// PeerConn manages one TCP session with a remote peer for a single torrent:
// the handshake, the read/write loops, keep-alives, and choke/interest
// state. Modeled on the teacher's scheduler/conn.Conn, with protobuf
// framing replaced by internal/wire's literal BEP3 messages.
type PeerConn struct {
	nc          net.Conn
	peerID      core.PeerID
	infoHash    core.InfoHash
	localPeerID core.PeerID
	createdAt   time.Time

	openedByRemote bool

	clk     clock.Clock
	events  Events
	config  Config
	limiter *rate.Limiter

	state atomic.Int32

	mu             sync.Mutex
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	peerBitfield   []bool
	lastSent       time.Time

	sender   chan wire.Message
	receiver chan wire.Message

	closed    *atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
}

func newPeerConn(
	nc net.Conn,
	config Config,
	clk clock.Clock,
	events Events,
	localPeerID, remotePeerID core.PeerID,
	infoHash core.InfoHash,
	openedByRemote bool) *PeerConn {

	c := &PeerConn{
		nc:             nc,
		peerID:         remotePeerID,
		infoHash:       infoHash,
		localPeerID:    localPeerID,
		createdAt:      clk.Now(),
		openedByRemote: openedByRemote,
		clk:            clk,
		events:         events,
		config:         config,
		amChoking:      true,
		peerChoking:    true,
		lastSent:       clk.Now(),
		sender:         make(chan wire.Message, config.SenderBufferSize),
		receiver:       make(chan wire.Message, config.ReceiverBufferSize),
		closed:         atomic.NewBool(false),
		done:           make(chan struct{}),
	}
	if config.UploadRateLimit > 0 {
		burst := config.UploadRateLimit
		if burst < wire.MaxPieceLen {
			burst = wire.MaxPieceLen
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.UploadRateLimit), burst)
	}
	c.state.Store(int32(HandshakeComplete))
	return c
}

// Dial opens a TCP connection to addr, performs the outbound BEP3
// handshake for infoHash, and returns a PeerConn in HandshakeComplete
// state ready to be Start()ed.
func Dial(
	addr string,
	localPeerID core.PeerID,
	infoHash core.InfoHash,
	config Config,
	clk clock.Clock,
	events Events) (*PeerConn, error) {

	config = config.applyDefaults()

	nc, err := net.DialTimeout("tcp", addr, config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c, err := handshakeOutbound(nc, localPeerID, infoHash, config, clk, events)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func handshakeOutbound(
	nc net.Conn,
	localPeerID core.PeerID,
	infoHash core.InfoHash,
	config Config,
	clk clock.Clock,
	events Events) (*PeerConn, error) {

	deadline := clk.Now().Add(config.HandshakeTimeout)
	if err := nc.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	out := wire.Handshake{InfoHash: infoHash, PeerID: localPeerID}
	if err := wire.WriteHandshake(nc, out); err != nil {
		return nil, fmt.Errorf("write handshake: %w", err)
	}
	in, err := wire.ReadHandshake(nc)
	if err != nil {
		return nil, mapHandshakeErr(err)
	}
	if in.InfoHash != infoHash {
		return nil, ErrInfoHashMismatch
	}

	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear deadline: %w", err)
	}

	return newPeerConn(nc, config, clk, events, localPeerID, in.PeerID, infoHash, false), nil
}

// Accept reads an inbound BEP3 handshake on a freshly-accepted connection
// and, if accept reports the info_hash is recognized, completes the
// handshake and returns an established PeerConn.
func Accept(
	nc net.Conn,
	localPeerID core.PeerID,
	accept func(core.InfoHash) bool,
	config Config,
	clk clock.Clock,
	events Events) (*PeerConn, error) {

	config = config.applyDefaults()

	in, err := ReadInboundHandshake(nc, config.HandshakeTimeout, clk)
	if err != nil {
		return nil, err
	}
	if !accept(in.InfoHash) {
		return nil, fmt.Errorf("%w: unrecognized info hash %x", ErrInfoHashMismatch, in.InfoHash)
	}
	return CompleteInboundHandshake(nc, in, localPeerID, config, clk, events)
}

// ReadInboundHandshake reads and returns the remote peer's handshake off a
// freshly-accepted connection, without yet replying. Split out from Accept
// so a single listener shared by many torrents can read the handshake
// once, look up the matching torrent by info_hash, and only then hand the
// connection and parsed handshake to that torrent's own accept path —
// the raw handshake bytes can't be "put back" to retry against a
// different torrent once consumed.
func ReadInboundHandshake(nc net.Conn, timeout time.Duration, clk clock.Clock) (wire.Handshake, error) {
	deadline := clk.Now().Add(timeout)
	if err := nc.SetDeadline(deadline); err != nil {
		return wire.Handshake{}, fmt.Errorf("set deadline: %w", err)
	}
	in, err := wire.ReadHandshake(nc)
	if err != nil {
		return wire.Handshake{}, mapHandshakeErr(err)
	}
	return in, nil
}

// CompleteInboundHandshake replies to an already-read inbound handshake and
// returns the established PeerConn.
func CompleteInboundHandshake(
	nc net.Conn,
	in wire.Handshake,
	localPeerID core.PeerID,
	config Config,
	clk clock.Clock,
	events Events) (*PeerConn, error) {

	config = config.applyDefaults()

	out := wire.Handshake{InfoHash: in.InfoHash, PeerID: localPeerID}
	if err := wire.WriteHandshake(nc, out); err != nil {
		return nil, fmt.Errorf("write handshake: %w", err)
	}

	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear deadline: %w", err)
	}

	return newPeerConn(nc, config, clk, events, localPeerID, in.PeerID, in.InfoHash, true), nil
}

func mapHandshakeErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return ErrHandshakeTimeout
	}
	return fmt.Errorf("%w: %s", ErrProtocolError, err)
}

// Start begins the read/write/keep-alive loops. Must be called at most once.
func (c *PeerConn) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(3)
		go c.readLoop()
		go c.writeLoop()
		go c.keepAliveLoop()
	})
}

// PeerID returns the remote peer's id.
func (c *PeerConn) PeerID() core.PeerID { return c.peerID }

// InfoHash returns the torrent this connection is transmitting.
func (c *PeerConn) InfoHash() core.InfoHash { return c.infoHash }

// CreatedAt returns when the connection was established.
func (c *PeerConn) CreatedAt() time.Time { return c.createdAt }

// State returns the connection's current lifecycle state.
func (c *PeerConn) State() State { return State(c.state.Load()) }

// OpenedByRemote reports whether the remote peer initiated this connection.
func (c *PeerConn) OpenedByRemote() bool { return c.openedByRemote }

func (c *PeerConn) String() string {
	return fmt.Sprintf("PeerConn(peer=%x, hash=%s, opened_by_remote=%t)",
		c.peerID, c.infoHash.Hex(), c.openedByRemote)
}

// AmChoking reports whether we are choking the remote peer.
func (c *PeerConn) AmChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amChoking
}

// SetAmChoking sets whether we are choking the remote peer.
func (c *PeerConn) SetAmChoking(v bool) {
	c.mu.Lock()
	c.amChoking = v
	c.mu.Unlock()
}

// AmInterested reports whether we are interested in the remote peer.
func (c *PeerConn) AmInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amInterested
}

// SetAmInterested sets whether we are interested in the remote peer.
func (c *PeerConn) SetAmInterested(v bool) {
	c.mu.Lock()
	c.amInterested = v
	c.mu.Unlock()
}

// PeerChoking reports whether the remote peer is choking us.
func (c *PeerConn) PeerChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerChoking
}

// SetPeerChoking records the remote peer's choke state as observed from
// CHOKE/UNCHOKE messages.
func (c *PeerConn) SetPeerChoking(v bool) {
	c.mu.Lock()
	c.peerChoking = v
	c.mu.Unlock()
}

// PeerInterested reports whether the remote peer is interested in us.
func (c *PeerConn) PeerInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerInterested
}

// SetPeerInterested records the remote peer's interest as observed from
// INTERESTED/NOT_INTERESTED messages.
func (c *PeerConn) SetPeerInterested(v bool) {
	c.mu.Lock()
	c.peerInterested = v
	c.mu.Unlock()
}

// PeerBitfield returns the most recently received peer bitfield, or nil if
// none has arrived yet.
func (c *PeerConn) PeerBitfield() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerBitfield
}

// SetPeerBitfield replaces the recorded peer bitfield with b, as received
// in a BITFIELD message. Single HAVE updates go through MarkPeerHasPiece.
func (c *PeerConn) SetPeerBitfield(b []bool) {
	c.mu.Lock()
	c.peerBitfield = b
	c.mu.Unlock()
}

// MarkPeerHasPiece records a single HAVE, growing the bitfield lazily if a
// full BITFIELD was never sent.
func (c *PeerConn) MarkPeerHasPiece(index int, numPieces int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerBitfield == nil {
		c.peerBitfield = make([]bool, numPieces)
	}
	if index >= 0 && index < len(c.peerBitfield) {
		c.peerBitfield[index] = true
	}
}

// Send queues msg for delivery. Returns ErrClosed if the connection has
// already been closed, or an error if the send buffer is full.
func (c *PeerConn) Send(msg wire.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	case c.sender <- msg:
		c.mu.Lock()
		c.lastSent = c.clk.Now()
		c.mu.Unlock()
		return nil
	default:
		return errors.New("peerconn: send buffer full")
	}
}

// Receiver returns the channel of inbound messages. Closed when the
// connection closes.
func (c *PeerConn) Receiver() <-chan wire.Message {
	return c.receiver
}

// Close begins the shutdown sequence, safe to call multiple times.
func (c *PeerConn) Close() {
	if !c.closed.CAS(false, true) {
		return
	}
	c.state.Store(int32(Closed))
	go func() {
		close(c.done)
		c.nc.Close()
		c.wg.Wait()
		if c.events != nil {
			c.events.ConnClosed(c)
		}
	}()
}

// IsClosed reports whether Close has been called.
func (c *PeerConn) IsClosed() bool {
	return c.closed.Load()
}

func (c *PeerConn) readLoop() {
	defer func() {
		close(c.receiver)
		c.wg.Done()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
			msg, err := wire.ReadMessage(c.nc)
			if err != nil {
				log.Infof("peerconn: error reading from %s, closing: %s", c.peerID, err)
				return
			}
			select {
			case c.receiver <- msg:
			case <-c.done:
				return
			}
		}
	}
}

func (c *PeerConn) writeLoop() {
	defer func() {
		c.wg.Done()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sender:
			if msg.ID == wire.Piece && c.limiter != nil {
				if err := c.limiter.WaitN(context.Background(), len(msg.Payload)); err != nil {
					return
				}
			}
			if err := wire.WriteMessage(c.nc, msg); err != nil {
				log.Infof("peerconn: error writing to %s, closing: %s", c.peerID, err)
				return
			}
		}
	}
}

// keepAliveLoop sends a keep-alive after any period of outbound silence
// longer than config.KeepAliveInterval.
func (c *PeerConn) keepAliveLoop() {
	defer c.wg.Done()

	interval := c.config.KeepAliveInterval
	ticker := c.clk.Ticker(interval / 4)
	if ticker == nil {
		return
	}
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := c.clk.Now().Sub(c.lastSent)
			c.mu.Unlock()
			if idle >= interval {
				if err := c.Send(wire.KeepAliveMessage()); err != nil {
					return
				}
			}
		}
	}
}
