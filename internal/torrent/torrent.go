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

// Package torrent implements the per-torrent lifecycle state machine
// (C12), composing the wire, peer connection, extension, tracker, piece
// storage, download and peer manager components into one torrent's
// control loop. The single goroutine processing a buffered channel of
// internal commands generalizes the teacher's scheduler.scheduler
// feedLoop / eventLoop pattern (lib/torrent/scheduler/scheduler.go,
// dispatcher.go): there, one loop drains a channel of typed events
// against a shared state; here, one loop per torrent does the same
// against that torrent's own state, matching spec's requirement that a
// torrent's own event loop is the sole producer of its event stream.
package torrent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/dragonmoor/torrentd/core"
	"github.com/dragonmoor/torrentd/internal/dht"
	"github.com/dragonmoor/torrentd/internal/download"
	"github.com/dragonmoor/torrentd/internal/extension"
	"github.com/dragonmoor/torrentd/internal/peerconn"
	"github.com/dragonmoor/torrentd/internal/peermgr"
	"github.com/dragonmoor/torrentd/internal/piece"
	"github.com/dragonmoor/torrentd/internal/storage"
	"github.com/dragonmoor/torrentd/internal/tracker"
	"github.com/dragonmoor/torrentd/internal/wire"
	"github.com/dragonmoor/torrentd/utils/log"
)

// State is a node in the torrent lifecycle state machine.
type State int

// Lifecycle states, per the Idle -> FetchingMetadata -> Checking ->
// Downloading -> Seeding -> {Completed, Paused, Error} transition set.
const (
	Idle State = iota
	FetchingMetadata
	Checking
	Downloading
	Seeding
	Completed
	Paused
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case FetchingMetadata:
		return "fetching_metadata"
	case Checking:
		return "checking"
	case Downloading:
		return "downloading"
	case Seeding:
		return "seeding"
	case Completed:
		return "completed"
	case Paused:
		return "paused"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the marker interface for everything a Torrent's event loop
// emits onto its owner's event stream.
type Event interface {
	torrentEvent()
}

type baseEvent struct{ InfoHash core.InfoHash }

func (baseEvent) torrentEvent() {}

// ReadyEvent fires once metadata is known and pieces have been sized.
type ReadyEvent struct {
	baseEvent
}

// StartedEvent fires once Start has launched the control loop, whatever
// state (FetchingMetadata, Downloading, Seeding or Error) the torrent is
// then in.
type StartedEvent struct {
	baseEvent
}

// PieceEvent fires when piece Index is verified and written to disk.
type PieceEvent struct {
	baseEvent
	Index int
}

// ProgressEvent carries a stats snapshot, emitted periodically.
type ProgressEvent struct {
	baseEvent
	Stats Stats
}

// CompletedEvent fires once every piece is verified.
type CompletedEvent struct {
	baseEvent
}

// PausedEvent fires on a successful pause.
type PausedEvent struct {
	baseEvent
}

// ResumedEvent fires on a successful resume.
type ResumedEvent struct {
	baseEvent
}

// ErrorEvent fires on a fatal, unrecoverable error.
type ErrorEvent struct {
	baseEvent
	Err error
}

// PeerConnectedEvent fires when a peer connection is established.
type PeerConnectedEvent struct {
	baseEvent
	Addr string
}

// PeerDisconnectedEvent fires when a peer connection closes.
type PeerDisconnectedEvent struct {
	baseEvent
	Addr string
}

// Stats is a point-in-time snapshot of a torrent's progress.
type Stats struct {
	State           State
	Downloaded      int64
	Uploaded        int64
	Left            int64
	TotalLength     int64
	NumPieces       int
	CompletedPieces int
	NumPeers        int
}

// Config bundles every per-torrent tunable the sub-components need.
type Config struct {
	LocalPeerID    core.PeerID
	DownloadDir    string
	VerifyOnResume bool

	PipelineLimit    int
	EndgameThreshold int
	BlockTimeout     time.Duration

	PeerMgr          peermgr.Config
	Conn             peerconn.Config
	MaxPeers         int
	ProgressInterval time.Duration

	Clock clock.Clock
}

func (c Config) applyDefaults() Config {
	if c.PipelineLimit <= 0 {
		c.PipelineLimit = download.DefaultPipelineLimit
	}
	if c.EndgameThreshold <= 0 {
		c.EndgameThreshold = download.DefaultEndgameThreshold
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = download.DefaultBlockTimeout
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = 50
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 2 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// ErrNotDownloading is returned by Pause on a torrent that isn't active.
var ErrNotDownloading = errors.New("torrent: not in a pausable state")

// ErrNotPaused is returned by Resume on a torrent that isn't paused.
var ErrNotPaused = errors.New("torrent: not paused")

// ErrAlreadyStarted is returned by Start on a non-idle torrent.
var ErrAlreadyStarted = errors.New("torrent: already started")

// command is the internal event-loop message type, generalizing the
// teacher's scheduler events into one torrent's own control loop.
type command interface {
	apply(t *Torrent)
}

// Torrent owns one info hash's full lifecycle: metadata acquisition
// (magnet only), piece verification, swarm membership, and the block
// request/serve loop.
type Torrent struct {
	cfg      Config
	infoHash core.InfoHash
	trackers []tracker.Client
	dhtNode  *dht.Node

	mu       sync.Mutex
	state    State
	metadata *Metadata
	err      error
	addedAt  time.Time

	pieces []*piece.Piece
	dl     *download.Manager
	pm     *peermgr.Manager
	fm     *storage.FileMap
	fw     *storage.FileWriter

	assembler  *extension.Assembler
	peerExtIDs map[core.PeerID]byte

	uploaded atomic.Int64

	events chan Event
	cmds   chan command
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFromMetadata creates a Torrent whose metadata is already known (a
// .torrent file was loaded directly).
func NewFromMetadata(md Metadata, trackers []tracker.Client, dhtNode *dht.Node, cfg Config) *Torrent {
	cfg = cfg.applyDefaults()
	t := newTorrent(md.InfoHash, trackers, dhtNode, cfg)
	t.metadata = &md
	t.initPieces()
	return t
}

// NewFromMagnet creates a Torrent that must fetch its metadata over the
// wire (BEP 9 ut_metadata) before it can verify or download anything.
func NewFromMagnet(infoHash core.InfoHash, trackers []tracker.Client, dhtNode *dht.Node, cfg Config) *Torrent {
	cfg = cfg.applyDefaults()
	t := newTorrent(infoHash, trackers, dhtNode, cfg)
	t.assembler = extension.NewAssembler(infoHash)
	return t
}

func newTorrent(infoHash core.InfoHash, trackers []tracker.Client, dhtNode *dht.Node, cfg Config) *Torrent {
	return &Torrent{
		cfg:        cfg,
		infoHash:   infoHash,
		trackers:   trackers,
		dhtNode:    dhtNode,
		state:      Idle,
		addedAt:    cfg.Clock.Now(),
		pm:         peermgr.New(cfg.LocalPeerID, infoHash, cfg.PeerMgr, cfg.Conn, cfg.Clock),
		peerExtIDs: make(map[core.PeerID]byte),
		events:     make(chan Event, 256),
		cmds:       make(chan command, 256),
	}
}

func (t *Torrent) initPieces() {
	t.pieces = make([]*piece.Piece, t.metadata.NumPieces())
	for i := range t.pieces {
		t.pieces[i] = piece.New(i, t.metadata.PieceLengthAt(i), t.metadata.Pieces[i])
	}
	t.dl = download.NewManager(t.pieces, t.cfg.Clock, t.cfg.PipelineLimit, t.cfg.EndgameThreshold, t.cfg.BlockTimeout)

	entries := make([]storage.FileEntry, len(t.metadata.Files))
	for i, f := range t.metadata.Files {
		entries[i] = storage.FileEntry{Path: f.Path, Length: f.Length}
	}
	t.fm = storage.NewFileMap(entries, t.metadata.PieceLength)
}

// InfoHash returns the torrent's info hash.
func (t *Torrent) InfoHash() core.InfoHash { return t.infoHash }

// State returns the current lifecycle state.
func (t *Torrent) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Events returns the channel this torrent's loop publishes on.
func (t *Torrent) Events() <-chan Event { return t.events }

func (t *Torrent) emit(e Event) {
	select {
	case t.events <- e:
	default:
		log.Warnf("torrent %s: event channel full, dropping event", t.infoHash.Hex())
	}
}

func (t *Torrent) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Start transitions Idle into FetchingMetadata, Checking or Downloading
// as appropriate and starts the control loop.
func (t *Torrent) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.state != Idle {
		s := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w: current state %s", ErrAlreadyStarted, s)
	}
	t.mu.Unlock()

	if t.metadata == nil {
		t.setState(FetchingMetadata)
	} else {
		if err := t.openFiles(); err != nil {
			t.fail(err)
			return err
		}
		if t.cfg.VerifyOnResume {
			t.setState(Checking)
			t.verify()
		} else {
			t.setState(Downloading)
		}
		t.emit(ReadyEvent{baseEvent{t.infoHash}})
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go t.run(runCtx)

	t.emit(StartedEvent{baseEvent{t.infoHash}})
	return nil
}

func (t *Torrent) openFiles() error {
	fw, err := storage.Open(t.cfg.DownloadDir, t.fm, toStorageEntries(t.metadata.Files))
	if err != nil {
		return fmt.Errorf("open files: %w", err)
	}
	t.fw = fw
	return nil
}

func (t *Torrent) currentState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pause moves a downloading/seeding torrent to Paused, preserving all
// downloaded data, queue position and swarm membership bookkeeping.
func (t *Torrent) Pause() error {
	t.mu.Lock()
	if t.state != Downloading && t.state != Seeding {
		t.mu.Unlock()
		return ErrNotDownloading
	}
	t.state = Paused
	t.mu.Unlock()

	t.cmds <- pauseCmd{}
	t.emit(PausedEvent{baseEvent{t.infoHash}})
	return nil
}

// Resume moves a Paused torrent back to its prior downloading/seeding
// state.
func (t *Torrent) Resume() error {
	t.mu.Lock()
	if t.state != Paused {
		t.mu.Unlock()
		return ErrNotPaused
	}
	if t.dl != nil && t.dl.Done() {
		t.state = Seeding
	} else {
		t.state = Downloading
	}
	t.mu.Unlock()

	t.cmds <- resumeCmd{}
	t.emit(ResumedEvent{baseEvent{t.infoHash}})
	return nil
}

// Shutdown stops the control loop and closes all peer connections.
func (t *Torrent) Shutdown() error {
	if t.cancel != nil {
		t.cancel()
	}
	for _, addr := range t.pm.Connected() {
		if conn, ok := t.pm.Conn(addr); ok {
			conn.Close()
		}
	}
	t.wg.Wait()
	if t.fw != nil {
		return t.fw.Close()
	}
	return nil
}

// StatsSnapshot returns the current progress snapshot.
func (t *Torrent) StatsSnapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{State: t.state, Uploaded: t.uploaded.Load(), NumPeers: len(t.pm.Connected())}
	if t.metadata != nil {
		s.TotalLength = t.metadata.TotalLength
		s.NumPieces = t.metadata.NumPieces()
	}
	if t.dl != nil {
		s.CompletedPieces = t.dl.Completed()
		have := t.dl.CompletedBitfield()
		for i, p := range t.pieces {
			if have[i] {
				s.Downloaded += p.Length
			}
		}
		s.Left = s.TotalLength - s.Downloaded
	}
	return s
}

// AddPeerAddrs feeds freshly discovered addresses (from a tracker
// announce or DHT lookup) into the peer manager's pool.
func (t *Torrent) AddPeerAddrs(addrs []string) {
	t.pm.AddPeers(addrs)
}

// AcceptInbound completes an inbound connection whose handshake has
// already been read (and matched to this torrent by info hash) by the
// engine's shared listener, registers it with this torrent's peer
// manager, and begins pumping its messages into the control loop.
func (t *Torrent) AcceptInbound(nc net.Conn, in wire.Handshake) error {
	conn, err := t.pm.AcceptInboundConn(nc, in)
	if err != nil {
		return err
	}
	addr := nc.RemoteAddr().String()
	t.wg.Add(1)
	go t.pumpPeer(addr, conn)
	t.emit(PeerConnectedEvent{baseEvent{t.infoHash}, addr})
	return nil
}

// pumpPeer forwards a connected peer's inbound wire messages into the
// control loop until the connection closes.
func (t *Torrent) pumpPeer(addr string, conn *peerconn.PeerConn) {
	defer t.wg.Done()
	peerID := conn.PeerID()
	for msg := range conn.Receiver() {
		t.cmds <- peerMessageCmd{addr: addr, peerID: peerID, msg: msg}
	}
	t.cmds <- peerClosedCmd{addr: addr, peerID: peerID}
}

// run is the torrent's single control-loop goroutine: the sole producer
// of this torrent's events, and the sole mutator of its download/peer
// manager state once started.
func (t *Torrent) run(ctx context.Context) {
	defer t.wg.Done()

	connectTicker := t.cfg.Clock.Ticker(5 * time.Second)
	defer connectTicker.Stop()
	progressTicker := t.cfg.Clock.Ticker(t.cfg.ProgressInterval)
	defer progressTicker.Stop()
	maintenanceTicker := t.cfg.Clock.Ticker(time.Second)
	defer maintenanceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-t.cmds:
			cmd.apply(t)

		case <-connectTicker.C:
			if t.currentState() == Downloading || t.currentState() == Seeding {
				n := t.cfg.MaxPeers - len(t.pm.Connected())
				if n > 0 {
					for _, addr := range t.pm.ConnectBatch(ctx, n) {
						if conn, ok := t.pm.Conn(addr); ok {
							t.wg.Add(1)
							go t.pumpPeer(addr, conn)
							t.emit(PeerConnectedEvent{baseEvent{t.infoHash}, addr})
						}
					}
				}
			}

		case <-maintenanceTicker.C:
			t.onMaintenance()

		case <-progressTicker.C:
			t.emit(ProgressEvent{baseEvent{t.infoHash}, t.StatsSnapshot()})
		}
	}
}

func (t *Torrent) onMaintenance() {
	if t.currentState() != Downloading {
		return
	}
	if t.dl == nil {
		return
	}
	for _, to := range t.dl.CheckTimeouts() {
		log.Infof("torrent %s: block timed out from peer %x (piece %d)", t.infoHash.Hex(), to.Peer, to.Piece)
	}
	t.requestMore()
}

func (t *Torrent) requestMore() {
	for _, addr := range t.pm.Connected() {
		conn, ok := t.pm.Conn(addr)
		if !ok {
			continue
		}
		reqs := t.dl.NextRequests(conn.PeerID(), !conn.PeerChoking(), t.cfg.PipelineLimit)
		for _, r := range reqs {
			payload := wire.RequestPayload{Index: uint32(r.Piece), Begin: uint32(r.Begin), Length: uint32(r.Length)}
			if err := conn.Send(wire.NewMessage(wire.Request, payload.Encode())); err != nil {
				log.Infof("torrent %s: send request to %s failed: %s", t.infoHash.Hex(), addr, err)
			}
		}
	}
}

// verify re-hashes every piece on disk against its expected sum, used on
// resume when integrity verification is requested. t.fw must already be
// open.
func (t *Torrent) verify() {
	result, err := t.fw.Verify(t.metadata.NumPieces(), t.metadata.Pieces)
	if err != nil {
		t.fail(fmt.Errorf("verify pieces: %w", err))
		return
	}
	for _, pi := range result.Valid {
		t.dl.MarkVerified(pi)
	}
	log.Infof("torrent %s: verified %d valid, %d invalid pieces on resume",
		t.infoHash.Hex(), len(result.Valid), len(result.Invalid))

	if len(result.Invalid) == 0 {
		t.setState(Seeding)
	} else {
		t.setState(Downloading)
	}
}

func (t *Torrent) fail(err error) {
	t.mu.Lock()
	t.state = Error
	t.err = err
	t.mu.Unlock()
	t.emit(ErrorEvent{baseEvent{t.infoHash}, err})
}

// onMetadataComplete is called once the ut_metadata assembler has
// collected and validated the full info dictionary.
func (t *Torrent) onMetadataComplete(blob []byte) {
	md, err := ParseInfoDict(blob)
	if err != nil {
		t.fail(fmt.Errorf("parse assembled metadata: %w", err))
		return
	}
	t.metadata = &md
	t.initPieces()

	if err := t.openFiles(); err != nil {
		t.fail(err)
		return
	}

	t.setState(Downloading)
	t.emit(ReadyEvent{baseEvent{t.infoHash}})
}

func toStorageEntries(files []FileEntry) []storage.FileEntry {
	out := make([]storage.FileEntry, len(files))
	for i, f := range files {
		out[i] = storage.FileEntry{Path: f.Path, Length: f.Length}
	}
	return out
}

// onPeerMessage dispatches one inbound wire message from addr/peerID.
func (t *Torrent) onPeerMessage(addr string, peerID core.PeerID, msg wire.Message) {
	conn, ok := t.pm.Conn(addr)
	if !ok {
		return
	}
	if msg.KeepAlive {
		return
	}

	switch msg.ID {
	case wire.Choke:
		conn.SetPeerChoking(true)
	case wire.Unchoke:
		conn.SetPeerChoking(false)
		t.requestMore()
	case wire.Interested:
		conn.SetPeerInterested(true)
	case wire.NotInterested:
		conn.SetPeerInterested(false)
	case wire.Have:
		hp, err := wire.DecodeHavePayload(msg.Payload)
		if err != nil {
			t.pm.Strike(addr, peermgr.StrikeMalformedMessage)
			return
		}
		conn.MarkPeerHasPiece(int(hp.Index), t.numPieces())
		if t.dl != nil {
			t.dl.OnHave(peerID, int(hp.Index))
		}
		t.maybeExpressInterest(conn)
	case wire.Bitfield:
		have, err := wire.DecodeBitfield(msg.Payload, t.numPieces())
		if err != nil {
			t.pm.Strike(addr, peermgr.StrikeMalformedMessage)
			return
		}
		conn.SetPeerBitfield(have)
		if t.dl != nil {
			t.dl.OnBitfield(peerID, have)
		}
		t.maybeExpressInterest(conn)
	case wire.Request:
		t.onPeerRequest(addr, conn, msg)
	case wire.Piece:
		t.onPeerPiece(peerID, msg)
	case wire.Cancel:
		// Best-effort upload queue has nothing to cancel; requests are
		// served synchronously.
	case wire.Extended:
		t.onExtendedMessage(conn, msg)
	}
}

func (t *Torrent) numPieces() int {
	if t.metadata == nil {
		return 0
	}
	return t.metadata.NumPieces()
}

func (t *Torrent) maybeExpressInterest(conn *peerconn.PeerConn) {
	if t.dl == nil || conn.AmInterested() {
		return
	}
	peerHas := conn.PeerBitfield()
	for i, got := range t.dl.CompletedBitfield() {
		if !got && i < len(peerHas) && peerHas[i] {
			conn.SetAmInterested(true)
			conn.Send(wire.NewMessage(wire.Interested, nil))
			return
		}
	}
}

func (t *Torrent) onPeerRequest(addr string, conn *peerconn.PeerConn, msg wire.Message) {
	if conn.AmChoking() || t.fw == nil {
		return
	}
	req, err := wire.DecodeRequestPayload(msg.Payload)
	if err != nil {
		t.pm.Strike(addr, peermgr.StrikeMalformedMessage)
		return
	}
	if int(req.Index) >= len(t.pieces) || !t.dl.CompletedBitfield()[req.Index] {
		return
	}
	data, err := t.fw.ReadPiece(int(req.Index))
	if err != nil {
		log.Infof("torrent %s: failed reading piece %d to serve upload: %s", t.infoHash.Hex(), req.Index, err)
		return
	}
	end := int(req.Begin) + int(req.Length)
	if end > len(data) {
		return
	}
	block := data[req.Begin:end]
	payload := wire.PiecePayload{Index: req.Index, Begin: req.Begin, Block: block}
	if err := conn.Send(wire.NewMessage(wire.Piece, payload.Encode())); err == nil {
		t.uploaded.Add(int64(len(block)))
	}
}

func (t *Torrent) onPeerPiece(peerID core.PeerID, msg wire.Message) {
	pp, err := wire.DecodePiecePayload(msg.Payload)
	if err != nil || t.dl == nil {
		return
	}
	result, err := t.dl.OnBlockReceived(peerID, int(pp.Index), int64(pp.Begin), pp.Block)
	if err != nil {
		return
	}
	for _, p := range result.CancelPeers {
		t.cancelPendingFor(p, int(pp.Index), int64(pp.Begin))
	}
	for _, p := range result.FailedPeers {
		t.pm.Strike(peerAddrFor(t, p), peermgr.StrikeHashVerification)
	}
	if !result.PieceCompleted {
		return
	}
	if result.Verified {
		if err := t.fw.WritePiece(int(pp.Index), t.pieces[pp.Index].Data()); err != nil {
			t.fail(fmt.Errorf("write piece %d: %w", pp.Index, err))
			return
		}
		t.emit(PieceEvent{baseEvent{t.infoHash}, int(pp.Index)})
		t.broadcastHave(int(pp.Index))
		if t.dl.Done() {
			t.setState(Seeding)
			t.emit(CompletedEvent{baseEvent{t.infoHash}})
		}
	}
}

func (t *Torrent) broadcastHave(index int) {
	payload := wire.HavePayload{Index: uint32(index)}
	for _, addr := range t.pm.Connected() {
		if conn, ok := t.pm.Conn(addr); ok {
			conn.Send(wire.NewMessage(wire.Have, payload.Encode()))
		}
	}
}

func (t *Torrent) cancelPendingFor(peerID core.PeerID, index int, begin int64) {
	addr := peerAddrFor(t, peerID)
	if conn, ok := t.pm.Conn(addr); ok {
		payload := wire.RequestPayload{Index: uint32(index), Begin: uint32(begin), Length: wire.BlockLen}
		conn.Send(wire.NewMessage(wire.Cancel, payload.Encode()))
	}
}

// peerAddrFor resolves a peer id back to its connected address. Linear in
// the connected set, which is bounded by MaxPeers and small in practice.
func peerAddrFor(t *Torrent, peerID core.PeerID) string {
	for _, addr := range t.pm.Connected() {
		if conn, ok := t.pm.Conn(addr); ok && conn.PeerID() == peerID {
			return addr
		}
	}
	return ""
}

func (t *Torrent) onExtendedMessage(conn *peerconn.PeerConn, msg wire.Message) {
	if t.assembler == nil {
		return
	}
	extID, metaMsg, block, err := extension.DecodeMetadataMessage(msg.Payload)
	if err != nil {
		return
	}
	t.peerExtIDs[conn.PeerID()] = extID

	switch metaMsg.MsgType {
	case extension.MsgTypeData:
		t.assembler.SetSize(metaMsg.TotalSize)
		if err := t.assembler.PutPiece(int(metaMsg.Piece), block); err != nil {
			return
		}
		if t.assembler.Complete() {
			blob, err := t.assembler.Validate()
			if err != nil {
				log.Infof("torrent %s: assembled metadata failed validation, retrying: %s", t.infoHash.Hex(), err)
				return
			}
			t.onMetadataComplete(blob)
		} else {
			t.requestMoreMetadata()
		}
	case extension.MsgTypeReject:
		t.requestMoreMetadata()
	}
}

func (t *Torrent) requestMoreMetadata() {
	if t.assembler == nil || !t.assembler.Ready() {
		return
	}
	pieces := t.assembler.NextRequests(len(t.pm.Connected()))
	addrs := t.pm.Connected()
	for i, pi := range pieces {
		if i >= len(addrs) {
			break
		}
		conn, ok := t.pm.Conn(addrs[i])
		if !ok {
			continue
		}
		extID, ok := t.peerExtIDs[conn.PeerID()]
		if !ok {
			continue
		}
		req, err := extension.EncodeMetadataRequest(int64(extID), pi)
		if err != nil {
			continue
		}
		conn.Send(req)
	}
}

// Announce performs one announce round against every configured tracker
// and this torrent's DHT node (if any), feeding discovered peers into the
// peer manager's pool. Failures are aggregated rather than short-circuit,
// matching the teacher's multierr convention for batch operations.
func (t *Torrent) Announce(ctx context.Context, port int, event tracker.AnnounceEvent) error {
	req := tracker.AnnounceRequest{
		InfoHash: t.infoHash,
		PeerID:   t.cfg.LocalPeerID,
		Port:     port,
		Left:     t.left(),
		Event:    event,
		NumWant:  50,
	}

	var errs error
	for _, c := range t.trackers {
		resp, err := c.Announce(ctx, req)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		addrs := make([]string, len(resp.Peers))
		for i, p := range resp.Peers {
			addrs[i] = p.String()
		}
		t.pm.AddPeers(addrs)
	}

	if t.dhtNode != nil {
		peers, err := t.dhtNode.GetPeersLookup(ctx, t.infoHash, port)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else {
			addrs := make([]string, len(peers))
			for i, p := range peers {
				addrs[i] = p.String()
			}
			t.pm.AddPeers(addrs)
		}
	}
	return errs
}

func (t *Torrent) left() int64 {
	if t.metadata == nil || t.dl == nil {
		return 0
	}
	return t.StatsSnapshot().Left
}

// pauseCmd/resumeCmd/peerMessageCmd/peerClosedCmd implement command.

type pauseCmd struct{}

func (pauseCmd) apply(t *Torrent) {
	for _, addr := range t.pm.Connected() {
		if conn, ok := t.pm.Conn(addr); ok {
			conn.Close()
		}
	}
}

type resumeCmd struct{}

func (resumeCmd) apply(t *Torrent) {}

type peerMessageCmd struct {
	addr   string
	peerID core.PeerID
	msg    wire.Message
}

func (c peerMessageCmd) apply(t *Torrent) {
	t.onPeerMessage(c.addr, c.peerID, c.msg)
}

type peerClosedCmd struct {
	addr   string
	peerID core.PeerID
}

func (c peerClosedCmd) apply(t *Torrent) {
	if t.dl != nil {
		t.dl.OnPeerGone(c.peerID)
	}
	t.emit(PeerDisconnectedEvent{baseEvent{t.infoHash}, c.addr})
}
