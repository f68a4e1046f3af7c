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
package dht

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/dragonmoor/torrentd/core"
	"github.com/dragonmoor/torrentd/utils/log"
)

// QueryTimeout bounds how long an outbound KRPC query waits for a reply.
const QueryTimeout = 10 * time.Second

// announceExpiry is how long an announced peer is kept before it is
// dropped from the in-memory peer store.
const announceExpiry = 30 * time.Minute

type announcedPeer struct {
	ip       net.IP
	port     int
	lastSeen time.Time
}

// Node is a single DHT participant: a UDP KRPC endpoint, a routing table,
// a token manager, and an in-memory store of peers announced to us.
type Node struct {
	ourID  core.NodeID
	conn   *net.UDPConn
	clk    clock.Clock
	table  *RoutingTable
	tokens *TokenManager

	mu       sync.Mutex
	pending  map[string]chan Message
	peers    map[core.InfoHash][]announcedPeer

	done chan struct{}
	wg   sync.WaitGroup
}

// NewNode creates a Node bound to addr (e.g. ":6881") with the given id.
func NewNode(ourID core.NodeID, addr string, clk clock.Clock) (*Node, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	tokens, err := NewTokenManager(clk)
	if err != nil {
		conn.Close()
		return nil, err
	}
	n := &Node{
		ourID:   ourID,
		conn:    conn,
		clk:     clk,
		table:   NewRoutingTable(ourID, DefaultK, clk),
		tokens:  tokens,
		pending: make(map[string]chan Message),
		peers:   make(map[core.InfoHash][]announcedPeer),
		done:    make(chan struct{}),
	}
	n.wg.Add(1)
	go n.readLoop()
	return n, nil
}

// RoutingTable returns the node's routing table.
func (n *Node) RoutingTable() *RoutingTable { return n.table }

// LocalAddr returns the bound UDP address.
func (n *Node) LocalAddr() net.Addr { return n.conn.LocalAddr() }

// Close stops the read loop and closes the socket.
func (n *Node) Close() error {
	close(n.done)
	err := n.conn.Close()
	n.wg.Wait()
	return err
}

func (n *Node) readLoop() {
	defer n.wg.Done()

	buf := make([]byte, 4096)
	for {
		select {
		case <-n.done:
			return
		default:
		}
		nr, from, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-n.done:
				return
			default:
				log.Infof("dht: read error, exiting read loop: %s", err)
				return
			}
		}
		msg, err := DecodeMessage(buf[:nr])
		if err != nil {
			continue
		}
		n.handle(msg, from)
	}
}

func (n *Node) handle(msg Message, from *net.UDPAddr) {
	switch msg.Y {
	case TypeResponse, TypeError:
		n.mu.Lock()
		ch, ok := n.pending[msg.T]
		if ok {
			delete(n.pending, msg.T)
		}
		n.mu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
	case TypeQuery:
		n.handleQuery(msg, from)
	}
}

func (n *Node) handleQuery(msg Message, from *net.UDPAddr) {
	reply, err := n.buildReply(msg, from)
	if err != nil {
		n.send(NewError(msg.T, 203, err.Error()), from)
		return
	}
	n.send(reply, from)
}

func (n *Node) buildReply(msg Message, from *net.UDPAddr) (Message, error) {
	idStr, _ := msg.A["id"].(string)
	if len(idStr) != 20 {
		return Message{}, errors.New("missing or malformed id")
	}
	senderID, err := core.NewNodeIDFromBytes([]byte(idStr))
	if err != nil {
		return Message{}, err
	}
	n.table.AddNode(Contact{ID: senderID, IP: from.IP, Port: from.Port})

	switch msg.Q {
	case QueryPing:
		return NewResponse(msg.T, map[string]interface{}{"id": string(n.ourID.Bytes())}), nil

	case QueryFindNode:
		targetStr, _ := msg.A["target"].(string)
		target, err := core.NewNodeIDFromBytes([]byte(targetStr))
		if err != nil {
			return Message{}, errors.New("malformed target")
		}
		nodes, err := n.encodeClosest(target)
		if err != nil {
			return Message{}, err
		}
		return NewResponse(msg.T, map[string]interface{}{
			"id":    string(n.ourID.Bytes()),
			"nodes": string(nodes),
		}), nil

	case QueryGetPeers:
		ihStr, _ := msg.A["info_hash"].(string)
		if len(ihStr) != 20 {
			return Message{}, errors.New("malformed info_hash")
		}
		var ih core.InfoHash
		copy(ih[:], ihStr)

		token := n.tokens.Generate(from.IP.String())
		r := map[string]interface{}{
			"id":    string(n.ourID.Bytes()),
			"token": string(token),
		}

		n.mu.Lock()
		peers := n.livePeers(ih)
		n.mu.Unlock()
		if len(peers) > 0 {
			values := make([]interface{}, 0, len(peers))
			for _, p := range peers {
				b, err := EncodeCompactPeer(p.ip, p.port)
				if err != nil {
					continue
				}
				values = append(values, string(b))
			}
			r["values"] = values
		} else {
			nodes, err := n.encodeClosest(core.NodeID(ih))
			if err != nil {
				return Message{}, err
			}
			r["nodes"] = string(nodes)
		}
		return NewResponse(msg.T, r), nil

	case QueryAnnouncePeer:
		ihStr, _ := msg.A["info_hash"].(string)
		if len(ihStr) != 20 {
			return Message{}, errors.New("malformed info_hash")
		}
		tokenStr, _ := msg.A["token"].(string)
		if !n.tokens.Validate(from.IP.String(), []byte(tokenStr)) {
			return Message{}, errors.New("invalid token")
		}
		port := from.Port
		if impliedPort, _ := msg.A["implied_port"].(int64); impliedPort == 0 {
			if p, ok := msg.A["port"].(int64); ok {
				port = int(p)
			}
		}
		var ih core.InfoHash
		copy(ih[:], ihStr)
		n.mu.Lock()
		n.storePeer(ih, from.IP, port)
		n.mu.Unlock()
		return NewResponse(msg.T, map[string]interface{}{"id": string(n.ourID.Bytes())}), nil

	default:
		return Message{}, fmt.Errorf("unsupported query %q", msg.Q)
	}
}

// storePeer records ip:port as an announcer of infoHash, refreshing
// lastSeen if already present. Callers must hold n.mu.
func (n *Node) storePeer(infoHash core.InfoHash, ip net.IP, port int) {
	now := n.clk.Now()
	for i, p := range n.peers[infoHash] {
		if p.ip.Equal(ip) && p.port == port {
			n.peers[infoHash][i].lastSeen = now
			return
		}
	}
	n.peers[infoHash] = append(n.peers[infoHash], announcedPeer{ip: ip, port: port, lastSeen: now})
}

// livePeers returns infoHash's announced peers, dropping (and discarding)
// any that have not re-announced within announceExpiry. Callers must hold
// n.mu.
func (n *Node) livePeers(infoHash core.InfoHash) []announcedPeer {
	now := n.clk.Now()
	live := n.peers[infoHash][:0]
	for _, p := range n.peers[infoHash] {
		if now.Sub(p.lastSeen) <= announceExpiry {
			live = append(live, p)
		}
	}
	n.peers[infoHash] = live
	return live
}

func (n *Node) encodeClosest(target core.NodeID) ([]byte, error) {
	var out []byte
	for _, c := range n.table.Closest(target, DefaultK) {
		b, err := EncodeCompactNode(c)
		if err != nil {
			continue
		}
		out = append(out, b...)
	}
	return out, nil
}

func (n *Node) send(msg Message, to *net.UDPAddr) {
	b, err := EncodeMessage(msg)
	if err != nil {
		return
	}
	n.conn.WriteToUDP(b, to)
}

func newTransactionID() (string, error) {
	b := make([]byte, 2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return string(b), nil
}

// query sends msg to addr and waits up to QueryTimeout for a response.
func (n *Node) query(ctx context.Context, addr *net.UDPAddr, q string, a map[string]interface{}) (Message, error) {
	t, err := newTransactionID()
	if err != nil {
		return Message{}, err
	}
	a["id"] = string(n.ourID.Bytes())
	msg := NewQuery(t, q, a)

	ch := make(chan Message, 1)
	n.mu.Lock()
	n.pending[t] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pending, t)
		n.mu.Unlock()
	}()

	n.send(msg, addr)

	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		if resp.Y == TypeError {
			return resp, fmt.Errorf("dht: query %s rejected: %v", q, resp.E)
		}
		return resp, nil
	case <-ctx.Done():
		return Message{}, fmt.Errorf("dht: query %s to %s timed out", q, addr)
	}
}

// Ping queries addr's liveness, returning its node id on success.
func (n *Node) Ping(ctx context.Context, addr *net.UDPAddr) (core.NodeID, error) {
	resp, err := n.query(ctx, addr, QueryPing, map[string]interface{}{})
	if err != nil {
		return core.NodeID{}, err
	}
	return idFromResponse(resp)
}

// FindNode queries addr for the contacts closest to target.
func (n *Node) FindNode(ctx context.Context, addr *net.UDPAddr, target core.NodeID) ([]Contact, error) {
	resp, err := n.query(ctx, addr, QueryFindNode, map[string]interface{}{
		"target": string(target.Bytes()),
	})
	if err != nil {
		return nil, err
	}
	nodesStr, _ := resp.R["nodes"].(string)
	return DecodeCompactNodes([]byte(nodesStr))
}

// GetPeersResult is the outcome of a get_peers query.
type GetPeersResult struct {
	Peers []net.TCPAddr
	Nodes []Contact
	Token []byte
}

// GetPeers queries addr for peers serving infoHash, falling back to the
// closest known nodes when the queried node has none.
func (n *Node) GetPeers(ctx context.Context, addr *net.UDPAddr, infoHash core.InfoHash) (GetPeersResult, error) {
	var result GetPeersResult

	resp, err := n.query(ctx, addr, QueryGetPeers, map[string]interface{}{
		"info_hash": string(infoHash.Bytes()),
	})
	if err != nil {
		return result, err
	}
	if tok, ok := resp.R["token"].(string); ok {
		result.Token = []byte(tok)
	}
	if values, ok := resp.R["values"].([]interface{}); ok {
		for _, v := range values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			ip, port, err := DecodeCompactPeer([]byte(s))
			if err != nil {
				continue
			}
			result.Peers = append(result.Peers, net.TCPAddr{IP: ip, Port: port})
		}
		return result, nil
	}
	if nodesStr, ok := resp.R["nodes"].(string); ok {
		nodes, err := DecodeCompactNodes([]byte(nodesStr))
		if err != nil {
			return result, err
		}
		result.Nodes = nodes
	}
	return result, nil
}

// AnnouncePeer announces our own listening port for infoHash to addr,
// using a token previously obtained via GetPeers.
func (n *Node) AnnouncePeer(ctx context.Context, addr *net.UDPAddr, infoHash core.InfoHash, port int, token []byte) error {
	_, err := n.query(ctx, addr, QueryAnnouncePeer, map[string]interface{}{
		"info_hash":    string(infoHash.Bytes()),
		"port":         int64(port),
		"token":        string(token),
		"implied_port": int64(0),
	})
	return err
}

func idFromResponse(resp Message) (core.NodeID, error) {
	idStr, ok := resp.R["id"].(string)
	if !ok || len(idStr) != 20 {
		return core.NodeID{}, errors.New("dht: response missing id")
	}
	return core.NewNodeIDFromBytes([]byte(idStr))
}
