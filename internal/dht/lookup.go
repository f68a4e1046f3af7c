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
	"net"
	"sort"

	"github.com/dragonmoor/torrentd/core"
)

// Alpha is the number of contacts queried in parallel per lookup round.
const Alpha = 3

// MaxLookupDepth bounds the number of rounds an iterative lookup runs,
// guarding against routing tables that never converge.
const MaxLookupDepth = 20

// Bootstrap seeds the routing table by querying each of addrs with
// find_node(ourID), adding every contact they return. The bootstrap
// responders themselves are not added.
func (n *Node) Bootstrap(ctx context.Context, addrs []*net.UDPAddr) {
	for _, addr := range addrs {
		contacts, err := n.FindNode(ctx, addr, n.ourID)
		if err != nil {
			continue
		}
		for _, c := range contacts {
			n.table.AddNode(c)
		}
	}
}

// shortlist is the iterative lookup's working set: all contacts seen so
// far, sorted by distance to target, tracking which have been queried.
type shortlist struct {
	target   core.NodeID
	contacts []Contact
	queried  map[core.NodeID]bool
}

func newShortlist(target core.NodeID, seed []Contact) *shortlist {
	s := &shortlist{target: target, queried: make(map[core.NodeID]bool)}
	s.merge(seed)
	return s
}

func (s *shortlist) merge(contacts []Contact) {
	seen := make(map[core.NodeID]bool, len(s.contacts))
	for _, c := range s.contacts {
		seen[c.ID] = true
	}
	for _, c := range contacts {
		if !seen[c.ID] {
			s.contacts = append(s.contacts, c)
			seen[c.ID] = true
		}
	}
	sort.Slice(s.contacts, func(i, j int) bool {
		return core.CompareDistance(s.contacts[i].ID, s.contacts[j].ID, s.target) < 0
	})
}

func (s *shortlist) nextUnqueried(n int) []Contact {
	var out []Contact
	for _, c := range s.contacts {
		if !s.queried[c.ID] {
			out = append(out, c)
			if len(out) == n {
				break
			}
		}
	}
	return out
}

func (s *shortlist) closest(k int) []Contact {
	if len(s.contacts) > k {
		return s.contacts[:k]
	}
	return s.contacts
}

func (s *shortlist) hasUnqueriedAmongClosest(k int) bool {
	for _, c := range s.closest(k) {
		if !s.queried[c.ID] {
			return true
		}
	}
	return false
}

// FindNodeLookup runs the iterative find_node algorithm: query Alpha
// unqueried contacts per round, merge results, and stop once the k
// closest contacts seen have all been queried or MaxLookupDepth rounds
// have elapsed.
func (n *Node) FindNodeLookup(ctx context.Context, target core.NodeID) []Contact {
	s := newShortlist(target, n.table.Closest(target, DefaultK))

	for round := 0; round < MaxLookupDepth; round++ {
		batch := s.nextUnqueried(Alpha)
		if len(batch) == 0 {
			break
		}
		for _, c := range batch {
			s.queried[c.ID] = true
			addr := &net.UDPAddr{IP: c.IP, Port: c.Port}
			contacts, err := n.FindNode(ctx, addr, target)
			if err != nil {
				continue
			}
			n.table.AddNode(c)
			s.merge(contacts)
		}
		if !s.hasUnqueriedAmongClosest(DefaultK) {
			break
		}
	}
	return s.closest(DefaultK)
}

// GetPeersLookup runs the iterative get_peers algorithm, terminating
// early on the first response carrying peers, then announcing our own
// port to every node that returned a usable token.
func (n *Node) GetPeersLookup(ctx context.Context, infoHash core.InfoHash, announcePort int) ([]net.TCPAddr, error) {
	target := core.NodeID(infoHash)
	s := newShortlist(target, n.table.Closest(target, DefaultK))

	var foundPeers []net.TCPAddr
	tokensByAddr := make(map[string][]byte)

	for round := 0; round < MaxLookupDepth && foundPeers == nil; round++ {
		batch := s.nextUnqueried(Alpha)
		if len(batch) == 0 {
			break
		}
		for _, c := range batch {
			s.queried[c.ID] = true
			addr := &net.UDPAddr{IP: c.IP, Port: c.Port}
			result, err := n.GetPeers(ctx, addr, infoHash)
			if err != nil {
				continue
			}
			n.table.AddNode(c)
			if result.Token != nil {
				tokensByAddr[addr.String()] = result.Token
			}
			if len(result.Peers) > 0 {
				foundPeers = append(foundPeers, result.Peers...)
				continue
			}
			s.merge(result.Nodes)
		}
		if foundPeers == nil && !s.hasUnqueriedAmongClosest(DefaultK) {
			break
		}
	}

	for addrStr, token := range tokensByAddr {
		addr, err := net.ResolveUDPAddr("udp", addrStr)
		if err != nil {
			continue
		}
		n.AnnouncePeer(ctx, addr, infoHash, announcePort, token)
	}

	return foundPeers, nil
}
