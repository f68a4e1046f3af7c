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

// Package state persists the engine's torrent set to disk as JSON,
// surviving a crash mid-save via the teacher's write-tmp-then-rename
// pattern (see lib/store/base's local_file_entry_internal.go, which moves
// files between state directories with os.Rename rather than in-place
// writes) generalized here into a backup-rotating save/load cycle.
package state

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/dragonmoor/torrentd/utils/log"
)

// Version is the current on-disk schema version.
const Version = 1

// AutoSaveInterval is how often a dirty state is flushed to disk.
const AutoSaveInterval = 30 * time.Second

// TorrentState is the persisted state of a single torrent.
type TorrentState struct {
	InfoHash        string `json:"infoHash"`
	Name            string `json:"name"`
	Status          string `json:"status"`
	Priority        int    `json:"priority"`
	CompletedPieces []int  `json:"completedPieces"`
	DownloadDir     string `json:"downloadDir"`
	AddedAt         int64  `json:"addedAt"`
}

// State is the full persisted document.
type State struct {
	Version  int                     `json:"version"`
	Torrents map[string]TorrentState `json:"torrents"`
}

func newEmpty() State {
	return State{Version: Version, Torrents: make(map[string]TorrentState)}
}

// Validate rejects a document with the wrong version or a malformed
// torrents map, per the load validation rules.
func (s State) Validate() error {
	if s.Version != Version {
		return fmt.Errorf("state: unsupported version %d", s.Version)
	}
	if s.Torrents == nil {
		return fmt.Errorf("state: torrents map is nil")
	}
	for hash, t := range s.Torrents {
		if t.CompletedPieces == nil {
			continue
		}
		for _, p := range t.CompletedPieces {
			if p < 0 {
				return fmt.Errorf("state: torrent %s has negative completed piece index %d", hash, p)
			}
		}
	}
	return nil
}

// Manager handles atomic save/load of State against a directory with a
// bounded number of rotated backups.
type Manager struct {
	mu sync.Mutex

	dir         string
	backupCount int
	clk         clock.Clock

	current State
	dirty   bool

	stopAutoSave chan struct{}
	autoSaveWG   sync.WaitGroup
}

// NewManager creates a Manager rooted at dir, keeping backupCount rotated
// backups of state.json.
func NewManager(dir string, backupCount int, clk clock.Clock) *Manager {
	if backupCount <= 0 {
		backupCount = 3
	}
	return &Manager{
		dir:         dir,
		backupCount: backupCount,
		clk:         clk,
		current:     newEmpty(),
	}
}

func (m *Manager) mainPath() string   { return filepath.Join(m.dir, "state.json") }
func (m *Manager) tmpPath() string    { return filepath.Join(m.dir, "state.tmp.json") }
func (m *Manager) backupPath(i int) string {
	return filepath.Join(m.dir, fmt.Sprintf("state.backup.%d.json", i))
}

// Load reads state.json, falling back to the first valid rotated backup
// if the main file is missing or fails validation; a recovered backup is
// rewritten as the new main file. If nothing is found, Load initializes
// an empty document.
func (m *Manager) Load() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, err := readValid(m.mainPath()); err == nil {
		m.current = s
		return s, nil
	}

	for i := 0; i < m.backupCount; i++ {
		s, err := readValid(m.backupPath(i))
		if err != nil {
			continue
		}
		if werr := writeFile(m.mainPath(), s); werr != nil {
			return State{}, fmt.Errorf("state: recover backup %d: %w", i, werr)
		}
		log.Infof("state: recovered from backup %d after main state was invalid", i)
		m.current = s
		return s, nil
	}

	m.current = newEmpty()
	return m.current, nil
}

func readValid(path string) (State, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return State{}, err
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return State{}, err
	}
	if err := s.Validate(); err != nil {
		return State{}, err
	}
	return s, nil
}

func writeFile(path string, s State) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, b, 0644)
}

// Put replaces torrent hash's persisted entry and marks the document
// dirty.
func (m *Manager) Put(hash string, t TorrentState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.Torrents == nil {
		m.current.Torrents = make(map[string]TorrentState)
	}
	m.current.Torrents[hash] = t
	m.dirty = true
}

// Remove deletes hash's entry, marking the document dirty if it was
// present.
func (m *Manager) Remove(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.current.Torrents[hash]; ok {
		delete(m.current.Torrents, hash)
		m.dirty = true
	}
}

// Snapshot returns a copy of the currently held document.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := newEmpty()
	for k, v := range m.current.Torrents {
		out.Torrents[k] = v
	}
	return out
}

// Save performs the atomic save: write tmp, rotate backups, rename tmp
// over main. No-op (aside from clearing dirty) if nothing has changed
// since the last save unless force is true.
func (m *Manager) Save(force bool) error {
	m.mu.Lock()
	if !force && !m.dirty {
		m.mu.Unlock()
		return nil
	}
	current := m.current
	m.mu.Unlock()

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("state: mkdir: %w", err)
	}
	if err := writeFile(m.tmpPath(), current); err != nil {
		return fmt.Errorf("state: write tmp: %w", err)
	}

	if err := m.rotateBackups(); err != nil {
		return fmt.Errorf("state: rotate backups: %w", err)
	}

	if err := os.Rename(m.tmpPath(), m.mainPath()); err != nil {
		return fmt.Errorf("state: rename tmp to main: %w", err)
	}

	m.mu.Lock()
	m.dirty = false
	m.mu.Unlock()
	return nil
}

// rotateBackups shifts state.json -> backup.0, backup.0 -> backup.1, ...,
// dropping the oldest backup beyond backupCount.
func (m *Manager) rotateBackups() error {
	if _, err := os.Stat(m.mainPath()); os.IsNotExist(err) {
		return nil
	}

	oldest := m.backupPath(m.backupCount - 1)
	os.Remove(oldest) // best-effort; absence is fine

	for i := m.backupCount - 2; i >= 0; i-- {
		src := m.backupPath(i)
		dst := m.backupPath(i + 1)
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, dst); err != nil {
				return err
			}
		}
	}

	return os.Rename(m.mainPath(), m.backupPath(0))
}

// StartAutoSave launches a background goroutine that calls Save(false)
// every AutoSaveInterval until StopAutoSave is called.
func (m *Manager) StartAutoSave() {
	m.mu.Lock()
	if m.stopAutoSave != nil {
		m.mu.Unlock()
		return
	}
	m.stopAutoSave = make(chan struct{})
	m.mu.Unlock()

	m.autoSaveWG.Add(1)
	go func() {
		defer m.autoSaveWG.Done()
		ticker := m.clk.Ticker(AutoSaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopAutoSave:
				return
			case <-ticker.C:
				if err := m.Save(false); err != nil {
					log.Errorf("state: auto-save failed: %s", err)
				}
			}
		}
	}()
}

// StopAutoSave stops the auto-save goroutine and performs one final
// forced save.
func (m *Manager) StopAutoSave() error {
	m.mu.Lock()
	stop := m.stopAutoSave
	m.stopAutoSave = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		m.autoSaveWG.Wait()
	}
	return m.Save(true)
}
