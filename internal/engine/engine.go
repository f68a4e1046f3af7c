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

// Package engine is the façade (C15) that wires every other package into
// one running client: it owns the shared inbound TCP listener, the DHT
// node, the queue manager bounding concurrency, the state manager
// persisting progress across restarts, and the set of live Torrents.
// Modeled on the teacher's Agent (kraken/agent/agent.go), which wires its
// scheduler, announce client, and store behind one struct constructed
// once at startup and torn down on Stop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"golang.org/x/sync/errgroup"

	"github.com/dragonmoor/torrentd/configuration"
	"github.com/dragonmoor/torrentd/core"
	"github.com/dragonmoor/torrentd/internal/dht"
	"github.com/dragonmoor/torrentd/internal/magnet"
	"github.com/dragonmoor/torrentd/internal/peerconn"
	"github.com/dragonmoor/torrentd/internal/peermgr"
	"github.com/dragonmoor/torrentd/internal/queue"
	"github.com/dragonmoor/torrentd/internal/state"
	"github.com/dragonmoor/torrentd/metrics"
	"github.com/dragonmoor/torrentd/internal/torrent"
	"github.com/dragonmoor/torrentd/internal/tracker"
	"github.com/dragonmoor/torrentd/utils/log"
)

// Event is everything an Engine's event stream delivers. Every concrete
// event already carries its InfoHash, so the marker type is simply the
// per-torrent event set: each Torrent's own event loop is the sole
// producer of its events, which preserves same-torrent ordering even
// though every torrent funnels into one shared Engine-level channel.
type Event = torrent.Event

// TorrentStats is a point-in-time progress snapshot for one torrent.
type TorrentStats = torrent.Stats

// GlobalStats aggregates state across every torrent the engine knows
// about.
type GlobalStats struct {
	NumActive    int
	NumQueued    int
	NumPaused    int
	NumCompleted int
	TotalPeers   int
}

// Source is a tagged union identifying how a torrent was added: exactly
// one field must be set.
type Source struct {
	MagnetURI    string
	TorrentPath  string
	TorrentBytes []byte
}

// ErrInvalidSource is returned when a Source has zero or more than one
// field set.
var ErrInvalidSource = errors.New("engine: exactly one of MagnetURI, TorrentPath, TorrentBytes must be set")

// ErrNotFound is returned for operations against an info hash the engine
// has no record of.
var ErrNotFound = errors.New("engine: torrent not found")

// AddOptions configures how a newly added torrent enters the queue.
type AddOptions struct {
	Priority      queue.Priority
	StartPaused   bool
	VerifyOnStart bool
	FileSelection []int
}

// TorrentHandle is a lightweight reference returned from Add.
type TorrentHandle struct {
	InfoHash core.InfoHash
}

type entry struct {
	t    *torrent.Torrent
	meta *torrent.Metadata
}

// Engine wires every C1-C14 component into one running client.
type Engine struct {
	cfg         configuration.Config
	localPeerID core.PeerID
	clk         clock.Clock

	queue *queue.Manager
	state *state.Manager
	dht   *dht.Node

	stats       tally.Scope
	statsCloser io.Closer

	listener net.Listener

	mu       sync.Mutex
	torrents map[core.InfoHash]*entry

	events chan Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Engine from cfg, generating a fresh local peer id,
// opening the shared inbound listener, and (if enabled) bootstrapping the
// DHT node. Previously persisted torrents are neither loaded nor started,
// here or by any other Engine method.
func New(cfg configuration.Config) (*Engine, error) {
	clk := clock.New()

	peerID, err := core.RandomPeerID()
	if err != nil {
		return nil, fmt.Errorf("generate peer id: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ListenPort))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", cfg.ListenPort, err)
	}

	stats, statsCloser, err := metrics.New(cfg.Metrics, "torrentd")
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	e := &Engine{
		cfg:         cfg,
		localPeerID: peerID,
		clk:         clk,
		queue:       queue.NewManager(cfg.Download.MaxConcurrentPieces, clk),
		state:       state.NewManager(cfg.State.Dir, cfg.State.BackupCount, clk),
		stats:       stats,
		statsCloser: statsCloser,
		listener:    ln,
		torrents:    make(map[core.InfoHash]*entry),
		events:      make(chan Event, 1024),
	}

	if cfg.DHT.Enable {
		nodeID, err := core.RandomNodeID()
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("generate dht node id: %w", err)
		}
		node, err := dht.NewNode(nodeID, fmt.Sprintf(":%d", cfg.DHT.Port), clk)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("start dht node: %w", err)
		}
		e.dht = node
		e.bootstrapDHT()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	go e.acceptLoop(ctx)

	e.state.StartAutoSave()

	return e, nil
}

func (e *Engine) bootstrapDHT() {
	var addrs []*net.UDPAddr
	for _, s := range e.cfg.DHT.BootstrapURLs {
		addr, err := net.ResolveUDPAddr("udp", s)
		if err != nil {
			log.Warnf("engine: failed resolving dht bootstrap addr %s: %s", s, err)
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		e.dht.Bootstrap(ctx, addrs)
	}
}

// acceptLoop runs the engine's single shared inbound listener, reading
// each connection's handshake exactly once and routing it to the
// matching torrent by info hash. Generalizes the teacher's
// scheduler.listenLoop (lib/torrent/scheduler/scheduler.go), which
// performs the same read-handshake-then-dispatch step for its single
// torrent-per-scheduler-process model.
func (e *Engine) acceptLoop(ctx context.Context) {
	defer e.wg.Done()

	go func() {
		<-ctx.Done()
		e.listener.Close()
	}()

	for {
		nc, err := e.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Warnf("engine: accept failed: %s", err)
				continue
			}
		}
		go e.handleInbound(nc)
	}
}

func (e *Engine) handleInbound(nc net.Conn) {
	in, err := peerconn.ReadInboundHandshake(nc, e.cfg.Peers.DialTimeout, e.clk)
	if err != nil {
		nc.Close()
		return
	}

	ih := core.InfoHash(in.InfoHash)

	e.mu.Lock()
	ent, ok := e.torrents[ih]
	e.mu.Unlock()
	if !ok {
		nc.Close()
		return
	}

	if err := ent.t.AcceptInbound(nc, in); err != nil {
		log.Infof("engine: rejecting inbound connection for %x: %s", in.InfoHash, err)
		nc.Close()
	}
}

// Add registers a new torrent from source and, depending on queue
// capacity and opts.StartPaused, either starts it immediately or leaves
// it queued/paused.
func (e *Engine) Add(ctx context.Context, source Source, opts AddOptions) (*TorrentHandle, error) {
	md, trackerURLs, err := e.resolveSource(source)
	if err != nil {
		return nil, err
	}

	ih := md.infoHash()

	e.mu.Lock()
	if _, exists := e.torrents[ih]; exists {
		e.mu.Unlock()
		return &TorrentHandle{InfoHash: ih}, nil
	}
	e.mu.Unlock()

	trackers := e.buildTrackers(trackerURLs)

	cfg := torrent.Config{
		LocalPeerID:    e.localPeerID,
		DownloadDir:    filepath.Join(e.cfg.DownloadDir, ih.Hex()),
		VerifyOnResume: opts.VerifyOnStart,
		Clock:          e.clk,
		PeerMgr: peermgr.Config{
			MaxConnections: e.cfg.Peers.MaxPeers,
			BanDuration:    e.cfg.Peers.BanDuration,
		},
		Conn: peerconn.Config{
			HandshakeTimeout: e.cfg.Peers.DialTimeout,
			UploadRateLimit:  e.cfg.Peers.UploadRateLimit,
		},
		MaxPeers:         e.cfg.Peers.MaxPeers,
		PipelineLimit:    e.cfg.Download.MaxOpenRequestsPerPiece,
		EndgameThreshold: e.cfg.Download.EndgameThreshold,
		BlockTimeout:     e.cfg.Download.RequestTimeout,
	}

	var dhtNode *dht.Node
	if e.cfg.DHT.Enable {
		dhtNode = e.dht
	}

	var t *torrent.Torrent
	if md.full == nil {
		t = torrent.NewFromMagnet(ih, trackers, dhtNode, cfg)
	} else {
		t = torrent.NewFromMetadata(*md.full, trackers, dhtNode, cfg)
	}

	e.mu.Lock()
	e.torrents[ih] = &entry{t: t, meta: md.full}
	e.mu.Unlock()

	e.wg.Add(1)
	go e.pumpTorrentEvents(t)

	e.queue.Add(ih, opts.Priority)
	e.persist(ih, t, md, opts)

	if !opts.StartPaused && e.isActiveSlot(ih) {
		if err := t.Start(context.Background()); err != nil {
			return nil, err
		}
	}

	return &TorrentHandle{InfoHash: ih}, nil
}

func (e *Engine) isActiveSlot(ih core.InfoHash) bool {
	for _, h := range e.queue.Active() {
		if h == ih {
			return true
		}
	}
	return false
}

func (e *Engine) persist(ih core.InfoHash, t *torrent.Torrent, md resolvedMetadata, opts AddOptions) {
	name := ih.Hex()
	if md.full != nil {
		name = md.full.Name
	}
	e.state.Put(ih.Hex(), state.TorrentState{
		InfoHash:    ih.Hex(),
		Name:        name,
		Status:      t.State().String(),
		Priority:    int(opts.Priority),
		DownloadDir: filepath.Join(e.cfg.DownloadDir, ih.Hex()),
		AddedAt:     e.clk.Now().Unix(),
	})
}

// resolvedMetadata carries either full torrent metadata (a .torrent file
// was loaded) or just an info hash and magnet trackers (a magnet link
// awaiting BEP 9 metadata exchange).
type resolvedMetadata struct {
	full         *torrent.Metadata
	bareInfoHash core.InfoHash
}

func (m resolvedMetadata) infoHash() core.InfoHash {
	if m.full != nil {
		return m.full.InfoHash
	}
	return m.bareInfoHash
}

func (e *Engine) resolveSource(source Source) (resolvedMetadata, []string, error) {
	set := 0
	if source.MagnetURI != "" {
		set++
	}
	if source.TorrentPath != "" {
		set++
	}
	if len(source.TorrentBytes) > 0 {
		set++
	}
	if set != 1 {
		return resolvedMetadata{}, nil, ErrInvalidSource
	}

	switch {
	case source.MagnetURI != "":
		u, err := magnet.Parse(source.MagnetURI)
		if err != nil {
			return resolvedMetadata{}, nil, fmt.Errorf("parse magnet uri: %w", err)
		}
		return resolvedMetadata{bareInfoHash: u.InfoHash}, u.Trackers, nil

	case source.TorrentPath != "":
		b, err := os.ReadFile(source.TorrentPath)
		if err != nil {
			return resolvedMetadata{}, nil, fmt.Errorf("read torrent file: %w", err)
		}
		md, err := torrent.ParseTorrentFile(b)
		if err != nil {
			return resolvedMetadata{}, nil, err
		}
		return resolvedMetadata{full: &md}, md.AnnounceList, nil

	default:
		md, err := torrent.ParseTorrentFile(source.TorrentBytes)
		if err != nil {
			return resolvedMetadata{}, nil, err
		}
		return resolvedMetadata{full: &md}, md.AnnounceList, nil
	}
}

func (e *Engine) buildTrackers(urls []string) []tracker.Client {
	var clients []tracker.Client
	for _, u := range urls {
		c, err := tracker.NewClient(u)
		if err != nil {
			log.Infof("engine: skipping unsupported tracker %s: %s", u, err)
			continue
		}
		clients = append(clients, c)
	}
	return clients
}

// pumpTorrentEvents forwards one torrent's events onto the shared Engine
// event stream until that torrent is removed and Shutdown.
func (e *Engine) pumpTorrentEvents(t *torrent.Torrent) {
	defer e.wg.Done()
	for ev := range t.Events() {
		e.recordEventMetric(ev)
		select {
		case e.events <- ev:
		default:
			log.Warnf("engine: event stream full, dropping event for %x", t.InfoHash())
		}
	}
}

func (e *Engine) recordEventMetric(ev Event) {
	var name string
	switch ev.(type) {
	case torrent.StartedEvent:
		name = "torrent.started"
	case torrent.CompletedEvent:
		name = "torrent.completed"
	case torrent.PausedEvent:
		name = "torrent.paused"
	case torrent.ErrorEvent:
		name = "torrent.error"
	case torrent.PeerConnectedEvent:
		name = "torrent.peer_connected"
	case torrent.PeerDisconnectedEvent:
		name = "torrent.peer_disconnected"
	case torrent.PieceEvent:
		name = "torrent.piece_completed"
	default:
		return
	}
	e.stats.Counter(name).Inc(1)
}

func (e *Engine) lookup(ih core.InfoHash) (*entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.torrents[ih]
	if !ok {
		return nil, ErrNotFound
	}
	return ent, nil
}

// Remove stops and forgets a torrent, optionally deleting its downloaded
// data.
func (e *Engine) Remove(ctx context.Context, ih core.InfoHash, deleteFiles bool) error {
	ent, err := e.lookup(ih)
	if err != nil {
		return err
	}

	if err := ent.t.Shutdown(); err != nil {
		log.Infof("engine: shutdown of %x returned error: %s", ih, err)
	}

	e.mu.Lock()
	delete(e.torrents, ih)
	e.mu.Unlock()

	e.queue.Remove(ih)
	e.state.Remove(ih.Hex())

	if deleteFiles {
		dir := filepath.Join(e.cfg.DownloadDir, ih.Hex())
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("delete download dir: %w", err)
		}
	}
	return nil
}

// Start explicitly starts a queued or paused torrent now, per the
// queue manager's Start semantics (immediate promotion, or bump to
// queue head).
func (e *Engine) Start(ctx context.Context, ih core.InfoHash) error {
	ent, err := e.lookup(ih)
	if err != nil {
		return err
	}
	if err := e.queue.Start(ih); err != nil {
		return err
	}
	if e.isActiveSlot(ih) && ent.t.State() == torrent.Idle {
		return ent.t.Start(ctx)
	}
	return nil
}

// Pause pauses a downloading/seeding torrent and frees its queue slot.
func (e *Engine) Pause(ctx context.Context, ih core.InfoHash) error {
	ent, err := e.lookup(ih)
	if err != nil {
		return err
	}
	if err := ent.t.Pause(); err != nil {
		return err
	}
	return e.queue.Pause(ih)
}

// Resume resumes a paused torrent, promoting it into the active set if a
// slot is free.
func (e *Engine) Resume(ctx context.Context, ih core.InfoHash) error {
	ent, err := e.lookup(ih)
	if err != nil {
		return err
	}
	if err := e.queue.Resume(ih); err != nil {
		return err
	}
	if e.isActiveSlot(ih) {
		if ent.t.State() == torrent.Idle {
			return ent.t.Start(ctx)
		}
		return ent.t.Resume()
	}
	return nil
}

// SetPriority updates a torrent's queue priority.
func (e *Engine) SetPriority(ctx context.Context, ih core.InfoHash, p queue.Priority) error {
	if _, err := e.lookup(ih); err != nil {
		return err
	}
	return e.queue.SetPriority(ih, p)
}

// MoveInQueue is not meaningfully distinct from SetPriority in this
// engine's queue model (position is always priority- and age-derived),
// so it maps position 0 to PriorityHigh and any other position to
// PriorityNormal.
func (e *Engine) MoveInQueue(ctx context.Context, ih core.InfoHash, position int) error {
	p := queue.PriorityNormal
	if position == 0 {
		p = queue.PriorityHigh
	}
	return e.SetPriority(ctx, ih, p)
}

// SetFileSelection returns nil for a known torrent and ErrNotFound
// otherwise. The selection is neither stored nor enforced: multi-file
// torrents always download every file.
func (e *Engine) SetFileSelection(ctx context.Context, ih core.InfoHash, indices []int) error {
	if _, err := e.lookup(ih); err != nil {
		return err
	}
	return nil
}

// Stats returns a progress snapshot for one torrent.
func (e *Engine) Stats(ih core.InfoHash) (TorrentStats, error) {
	ent, err := e.lookup(ih)
	if err != nil {
		return TorrentStats{}, err
	}
	return ent.t.StatsSnapshot(), nil
}

// GlobalStats aggregates progress across every known torrent.
func (e *Engine) GlobalStats() GlobalStats {
	var g GlobalStats
	g.NumActive = len(e.queue.Active())
	g.NumQueued = len(e.queue.Queued())
	g.NumPaused = len(e.queue.Paused())
	g.NumCompleted = len(e.queue.Completed())

	e.mu.Lock()
	for _, ent := range e.torrents {
		g.TotalPeers += ent.t.StatsSnapshot().NumPeers
	}
	e.mu.Unlock()

	e.stats.Gauge("torrents.active").Update(float64(g.NumActive))
	e.stats.Gauge("torrents.queued").Update(float64(g.NumQueued))
	e.stats.Gauge("torrents.paused").Update(float64(g.NumPaused))
	e.stats.Gauge("peers.total").Update(float64(g.TotalPeers))
	return g
}

// Events returns the engine-wide event stream.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Shutdown stops every torrent, the shared listener, the DHT node, and
// flushes state to disk.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()

	e.mu.Lock()
	entries := make([]*entry, 0, len(e.torrents))
	for _, ent := range e.torrents {
		entries = append(entries, ent)
	}
	e.mu.Unlock()

	var g errgroup.Group
	for _, ent := range entries {
		ent := ent
		g.Go(func() error {
			if err := ent.t.Shutdown(); err != nil {
				log.Infof("engine: shutdown of %x returned error: %s", ent.t.InfoHash(), err)
			}
			return nil
		})
	}
	g.Wait()

	if e.dht != nil {
		e.dht.Close()
	}

	if err := e.state.StopAutoSave(); err != nil {
		log.Infof("engine: stop autosave returned error: %s", err)
	}
	if err := e.state.Save(true); err != nil {
		log.Infof("engine: final state save returned error: %s", err)
	}

	e.wg.Wait()
	close(e.events)
	return e.statsCloser.Close()
}
