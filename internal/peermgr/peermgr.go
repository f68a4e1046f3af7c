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

// Package peermgr owns a torrent's known-peer pool and connected set,
// enforcing connection caps, peer health tracking, and the ban/reconnect
// policy. It generalizes the teacher's
// lib/torrent/scheduler/connstate.State (pending/active conn bookkeeping
// keyed by info hash + peer id, with a clock-driven blacklist) from a
// single fixed-capacity blacklist into the spec's richer per-peer health
// (ewma RTT, success rate), strike-based ban manager, and exponential
// reconnection backoff.
package peermgr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/dragonmoor/torrentd/core"
	"github.com/dragonmoor/torrentd/internal/peerconn"
	"github.com/dragonmoor/torrentd/internal/wire"
	"github.com/dragonmoor/torrentd/utils/log"
)

// ErrAtCapacity is returned when registering a dialed or accepted
// connection would exceed MaxConnections or MaxPerIP. ConnectBatch logs
// it and moves on.
var ErrAtCapacity = errors.New("peermgr: connection capacity reached")

// ErrBanned is returned when attempting to connect to a banned address.
var ErrBanned = errors.New("peermgr: peer is banned")

// ErrAlreadyConnected is returned when registering a connection for an
// address already in the connected set.
var ErrAlreadyConnected = errors.New("peermgr: already connected")

// connectedPeer pairs a live connection with its health record.
type connectedPeer struct {
	conn   *peerconn.PeerConn
	health Health
}

type reconnectState struct {
	attempts int
	failures int
}

// Manager owns one torrent's peer pool, connected set, and ban/health
// state.
type Manager struct {
	mu sync.Mutex

	config      Config
	clk         clock.Clock
	ban         *banManager
	localPeerID core.PeerID
	infoHash    core.InfoHash
	connConfig  peerconn.Config

	pool       map[string]struct{}
	connected  map[string]*connectedPeer
	perIP      map[string]int
	reconnects map[string]*reconnectState
}

// New creates a Manager for a single torrent's swarm.
func New(localPeerID core.PeerID, infoHash core.InfoHash, config Config, connConfig peerconn.Config, clk clock.Clock) *Manager {
	config = config.applyDefaults()
	return &Manager{
		config:      config,
		clk:         clk,
		ban:         newBanManager(clk, config),
		localPeerID: localPeerID,
		infoHash:    infoHash,
		connConfig:  connConfig,
		pool:        make(map[string]struct{}),
		connected:   make(map[string]*connectedPeer),
		perIP:       make(map[string]int),
		reconnects:  make(map[string]*reconnectState),
	}
}

func ipOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// AddPeers adds addrs to the known-peer pool, de-duplicating against both
// the pool and the connected set. Returns the number newly added.
func (m *Manager) AddPeers(addrs []string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	added := 0
	for _, addr := range addrs {
		if _, ok := m.pool[addr]; ok {
			continue
		}
		if _, ok := m.connected[addr]; ok {
			continue
		}
		m.pool[addr] = struct{}{}
		added++
	}
	return added
}

// ConnectBatch dials up to n new peers drawn from the pool, spaced by the
// configured dial interval, skipping banned or over-capacity addresses.
// Returns the addresses that successfully connected.
func (m *Manager) ConnectBatch(ctx context.Context, n int) []string {
	var connected []string
	for i := 0; i < n; i++ {
		addr, ok := m.nextDialable()
		if !ok {
			break
		}
		if i > 0 {
			m.clk.Sleep(m.config.DialInterval)
		}
		if err := m.dial(ctx, addr); err != nil {
			log.Infof("peermgr: failed to connect %s: %s", addr, err)
			continue
		}
		connected = append(connected, addr)
	}
	return connected
}

func (m *Manager) nextDialable() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.connected) >= m.config.MaxConnections {
		return "", false
	}
	for addr := range m.pool {
		if m.ban.Banned(ipOf(addr)) {
			delete(m.pool, addr)
			continue
		}
		if m.perIP[ipOf(addr)] >= m.config.MaxPerIP {
			continue
		}
		delete(m.pool, addr)
		return addr, true
	}
	return "", false
}

func (m *Manager) dial(ctx context.Context, addr string) error {
	events := peerEvents{m: m, addr: addr}
	conn, err := peerconn.Dial(addr, m.localPeerID, m.infoHash, m.connConfig, m.clk, events)
	if err != nil {
		return err
	}
	return m.register(addr, conn)
}

// AcceptConn registers an inbound connection established elsewhere (e.g.
// by a listener calling peerconn.Accept), enforcing the same capacity
// checks as an outbound dial.
func (m *Manager) AcceptConn(addr string, conn *peerconn.PeerConn) error {
	return m.register(addr, conn)
}

// AcceptInboundConn completes an inbound handshake already read off nc by
// a listener shared across many torrents (the listener reads the
// handshake once via peerconn.ReadInboundHandshake to learn which
// torrent's info hash the connection is for, then hands it to that
// torrent's own Manager here to finish the handshake under this
// Manager's own connConfig and reconnect/ban wiring).
func (m *Manager) AcceptInboundConn(nc net.Conn, in wire.Handshake) (*peerconn.PeerConn, error) {
	addr := nc.RemoteAddr().String()
	events := peerEvents{m: m, addr: addr}
	conn, err := peerconn.CompleteInboundHandshake(nc, in, m.localPeerID, m.connConfig, m.clk, events)
	if err != nil {
		return nil, err
	}
	if err := m.register(addr, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

func (m *Manager) register(addr string, conn *peerconn.PeerConn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.connected[addr]; ok {
		conn.Close()
		return ErrAlreadyConnected
	}
	if len(m.connected) >= m.config.MaxConnections {
		conn.Close()
		return ErrAtCapacity
	}
	ip := ipOf(addr)
	if m.perIP[ip] >= m.config.MaxPerIP {
		conn.Close()
		return ErrAtCapacity
	}
	if m.ban.Banned(ip) {
		conn.Close()
		return ErrBanned
	}

	m.connected[addr] = &connectedPeer{conn: conn}
	m.perIP[ip]++
	delete(m.reconnects, addr)
	conn.Start()
	return nil
}

// peerEvents adapts Manager into peerconn.Events, triggering reconnection
// scheduling whenever a connection closes.
type peerEvents struct {
	m    *Manager
	addr string
}

func (e peerEvents) ConnClosed(c *peerconn.PeerConn) {
	e.m.onConnClosed(e.addr)
}

func (m *Manager) onConnClosed(addr string) {
	m.mu.Lock()
	ip := ipOf(addr)
	delete(m.connected, addr)
	if m.perIP[ip] > 0 {
		m.perIP[ip]--
	}
	banned := m.ban.Banned(ip)
	r, ok := m.reconnects[addr]
	if !ok {
		r = &reconnectState{}
		m.reconnects[addr] = r
	}
	r.failures++
	m.mu.Unlock()

	if banned || r.failures >= 3 || r.attempts >= m.config.MaxReconnectTry {
		return
	}
	m.scheduleReconnect(addr, r)
}

func (m *Manager) scheduleReconnect(addr string, r *reconnectState) {
	r.attempts++
	delay := m.config.ReconnectBase * time.Duration(1<<uint(r.attempts-1))
	if delay > m.config.ReconnectMax {
		delay = m.config.ReconnectMax
	}
	go func() {
		m.clk.Sleep(delay)
		if err := m.dial(context.Background(), addr); err != nil {
			log.Infof("peermgr: reconnect to %s failed (attempt %d): %s", addr, r.attempts, err)
		}
	}()
}

// Strike applies a ban-manager strike against addr's source IP.
func (m *Manager) Strike(addr string, cause StrikeCause) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ban.Strike(ipOf(addr), cause)
}

// RecordSuccess updates addr's health with a successful round trip.
func (m *Manager) RecordSuccess(addr string, rtt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.connected[addr]; ok {
		p.health.RecordSuccess(rtt)
	}
}

// RecordFailure updates addr's health with a failed exchange.
func (m *Manager) RecordFailure(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.connected[addr]; ok {
		p.health.RecordFailure()
	}
}

// Connected returns the addresses currently connected.
func (m *Manager) Connected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	addrs := make([]string, 0, len(m.connected))
	for addr := range m.connected {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Conn returns the live connection for addr, if any.
func (m *Manager) Conn(addr string) (*peerconn.PeerConn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.connected[addr]
	if !ok {
		return nil, false
	}
	return p.conn, true
}

// Prune disconnects every connected peer that is both slow (EWMA RTT
// above PruneMaxRTT) and unreliable (success rate below
// PruneMinSuccessRate over at least PruneMinSamples), per the periodic
// pruning pass.
func (m *Manager) Prune() []string {
	m.mu.Lock()
	var toDrop []string
	for addr, p := range m.connected {
		if p.health.Samples() < m.config.PruneMinSamples {
			continue
		}
		if p.health.EWMARTT <= m.config.PruneMaxRTT {
			continue
		}
		if p.health.SuccessRate() >= m.config.PruneMinSuccessRate {
			continue
		}
		toDrop = append(toDrop, addr)
	}
	m.mu.Unlock()

	for _, addr := range toDrop {
		if conn, ok := m.Conn(addr); ok {
			conn.Close()
		}
	}
	return toDrop
}

// RunPruner launches a goroutine that calls Prune every PrunePeriod until
// ctx is cancelled.
func (m *Manager) RunPruner(ctx context.Context) {
	go func() {
		ticker := m.clk.Ticker(m.config.PrunePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				dropped := m.Prune()
				if len(dropped) > 0 {
					log.Infof("peermgr: pruned %d slow/unreliable peers", len(dropped))
				}
			}
		}
	}()
}

// String is used for debug logging.
func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("peermgr(pool=%d connected=%d)", len(m.pool), len(m.connected))
}
