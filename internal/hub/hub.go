// Package hub is the realtime core of the LineHeat server: it owns the
// protocol state machine for every websocket connection, the room
// subscription sets, the heat and presence aggregates, and the coalesced
// delta broadcast. All in-memory mutation is serialized behind a single
// mutex; event persistence happens outside it.
package hub

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lineheat/lineheat/internal/heat"
	"github.com/lineheat/lineheat/internal/presence"
	"github.com/lineheat/lineheat/internal/protocol"
	"github.com/lineheat/lineheat/internal/store"
)

// Options configures a Hub.
type Options struct {
	Token         string
	RetentionDays int
}

// room tracks the subscribers and the pending coalesced delta for one
// (repoId, filePath) pair. An armed flushTimer means a flush is scheduled.
type room struct {
	conns           map[*conn]struct{}
	pendingHeat     map[string]protocol.HeatFunction
	pendingPresence map[string]protocol.FunctionPresence
	flushTimer      *time.Timer
}

// Hub fans coalesced heat and presence deltas out to room subscribers.
type Hub struct {
	logger *slog.Logger
	store  *store.Store
	opts   Options

	mu       sync.Mutex
	heat     *heat.State
	presence *presence.Tracker
	rooms    map[protocol.RoomKey]*room
	conns    map[*conn]struct{}
	closed   bool

	started time.Time
}

// New creates a Hub ready for Bootstrap and Run.
func New(logger *slog.Logger, st *store.Store, opts Options) *Hub {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = protocol.DefaultRetentionDays
	}
	return &Hub{
		logger:   logger,
		store:    st,
		opts:     opts,
		heat:     heat.New(),
		presence: presence.New(),
		rooms:    make(map[protocol.RoomKey]*room),
		conns:    make(map[*conn]struct{}),
		started:  time.Now(),
	}
}

// RetentionDays returns the effective retention in days.
func (h *Hub) RetentionDays() int {
	return h.opts.RetentionDays
}

func (h *Hub) cutoffTs(now time.Time) int64 {
	return now.UnixMilli() - int64(h.opts.RetentionDays)*86400*1000
}

// Bootstrap prunes the event log to the retention window and rebuilds heat
// state by replaying the retained events. Must run before Run and before
// accepting connections.
func (h *Hub) Bootstrap() error {
	cutoff := h.cutoffTs(time.Now())
	deleted, err := h.store.DeleteBefore(cutoff)
	if err != nil {
		return err
	}
	events, err := h.store.ListSince(cutoff)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.heat.Replay(events)
	h.mu.Unlock()
	h.logger.Info("heat state rebuilt", "replayed", len(events), "pruned", deleted)
	return nil
}

// Run drives the presence and retention sweeps until ctx is cancelled,
// then shuts the hub down: pending flushes are drained, every client gets
// a normal-closure frame, and no broadcast races the socket close.
func (h *Hub) Run(ctx context.Context) error {
	presenceTick := time.NewTicker(protocol.PresenceSweepInterval)
	defer presenceTick.Stop()
	retentionTick := time.NewTicker(protocol.RetentionSweepInterval)
	defer retentionTick.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case now := <-presenceTick.C:
			h.sweepPresence(now)
		case now := <-retentionTick.C:
			h.sweepRetention(now)
		}
	}
}

// Stats reports current room and connection counts for the status endpoint.
func (h *Hub) Stats() (rooms, conns int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms), len(h.conns)
}

// Uptime returns the time elapsed since the hub was created.
func (h *Hub) Uptime() time.Duration {
	return time.Since(h.started)
}

// --- Connection lifecycle ---

// HandleConn runs the full lifecycle of one websocket connection: handshake,
// version gate, message dispatch, disconnect cleanup. It blocks until the
// connection closes.
func (h *Hub) HandleConn(ws *websocket.Conn) {
	defer ws.Close() //nolint:errcheck

	ws.SetReadLimit(maxFrameSize)

	hello, ok := h.handshake(ws)
	if !ok {
		return
	}

	c := newConn(ws, hello)
	if !h.register(c) {
		closeNormal(ws, "server shutting down")
		return
	}
	go c.writePump()

	h.logger.Info("client connected", "conn", c.id, "user", c.userID)
	h.readLoop(c)
	h.disconnect(c)
	h.logger.Info("client disconnected", "conn", c.id, "user", c.userID)
}

// handshake reads and validates the hello frame. On success the server:hello
// frame has been written and the identity is returned. On failure the close
// reason (or the single server:incompatible frame) has been sent.
func (h *Hub) handshake(ws *websocket.Conn) (*protocol.Hello, bool) {
	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, false
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != protocol.TypeHello {
		closePolicy(ws, "identity handshake must be the first frame")
		return nil, false
	}
	var hello protocol.Hello
	if err := json.Unmarshal(data, &hello); err != nil {
		closePolicy(ws, "identity handshake is malformed")
		return nil, false
	}

	if subtle.ConstantTimeCompare([]byte(hello.Token), []byte(h.opts.Token)) != 1 {
		closePolicy(ws, "token mismatch")
		return nil, false
	}
	if err := protocol.ValidateHello(&hello); err != nil {
		closePolicy(ws, err.Error())
		return nil, false
	}

	if err := protocol.CheckClientVersion(hello.ClientProtocolVersion); err != nil {
		// The one and only frame an incompatible client receives.
		frame, _ := json.Marshal(protocol.ServerIncompatible{
			Type:                     protocol.TypeServerIncompatible,
			ServerProtocolVersion:    protocol.ServerProtocolVersion,
			MinClientProtocolVersion: protocol.MinClientProtocolVersion,
			Message:                  err.Error(),
		})
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = ws.WriteMessage(websocket.TextMessage, frame)
		closeNormal(ws, "incompatible protocol version")
		return nil, false
	}

	_ = ws.SetReadDeadline(time.Time{})

	frame, _ := json.Marshal(protocol.ServerHello{
		Type:                     protocol.TypeServerHello,
		ServerProtocolVersion:    protocol.ServerProtocolVersion,
		MinClientProtocolVersion: protocol.MinClientProtocolVersion,
		ServerRetentionDays:      h.opts.RetentionDays,
		HashVersion:              protocol.HashVersion,
	})
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return nil, false
	}
	return &hello, true
}

func (h *Hub) register(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *Hub) readLoop(c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		h.dispatch(c, data)
	}
}

// disconnect unsubscribes the connection everywhere, synthesizes the
// presence removal, and queues the induced deltas. Safe to call once per
// connection; shutdown may have already done the cleanup.
func (h *Hub) disconnect(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)

	for key := range c.joined {
		if r, ok := h.rooms[key]; ok {
			delete(r.conns, c)
			h.maybeReleaseRoomLocked(key, r)
		}
	}
	for key, deltas := range h.presence.RemoveConnection(c.id) {
		h.queuePresenceLocked(key, deltas)
	}
	close(c.send)
}

// --- Dispatch ---

func (h *Hub) dispatch(c *conn, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	switch env.Type {
	case protocol.TypeRoomJoin:
		var ref protocol.RoomRef
		if err := json.Unmarshal(data, &ref); err != nil {
			h.ack(c, env.ID, false, "malformed room:join payload")
			return
		}
		h.handleJoin(c, env.ID, &ref)

	case protocol.TypeRoomLeave:
		var ref protocol.RoomRef
		if err := json.Unmarshal(data, &ref); err != nil || protocol.ValidateRoomRef(&ref) != nil {
			return
		}
		h.handleLeave(c, &ref)

	case protocol.TypeEditPush:
		var ref protocol.FunctionRef
		if err := json.Unmarshal(data, &ref); err != nil || protocol.ValidateFunctionRef(&ref) != nil {
			return
		}
		h.handleEditPush(c, &ref)

	case protocol.TypePresenceSet:
		var ref protocol.FunctionRef
		if err := json.Unmarshal(data, &ref); err != nil || protocol.ValidateFunctionRef(&ref) != nil {
			return
		}
		h.handlePresenceSet(c, &ref)

	case protocol.TypePresenceClear:
		var ref protocol.RoomRef
		if err := json.Unmarshal(data, &ref); err != nil || protocol.ValidateRoomRef(&ref) != nil {
			return
		}
		h.handlePresenceClear(c, &ref)

	case protocol.TypeRepoHeat:
		var req protocol.RepoHeatRequest
		if err := json.Unmarshal(data, &req); err != nil {
			req = protocol.RepoHeatRequest{}
		}
		h.handleRepoHeat(c, env.ID, &req)
	}
}

func (h *Hub) handleJoin(c *conn, id uint64, ref *protocol.RoomRef) {
	if err := protocol.ValidateRoomRef(ref); err != nil {
		h.ack(c, id, false, err.Error())
		return
	}
	key := ref.Room()

	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.roomLocked(key)
	r.conns[c] = struct{}{}
	c.joined[key] = struct{}{}

	ackFrame, _ := json.Marshal(protocol.Ack{Type: protocol.TypeAck, ID: id, OK: true})
	snapFrame, _ := json.Marshal(protocol.RoomSnapshot{
		Type:        protocol.TypeRoomSnapshot,
		HashVersion: protocol.HashVersion,
		RepoID:      key.RepoID,
		FilePath:    key.FilePath,
		Functions:   h.heat.SnapshotRoom(key),
		Presence:    h.presence.AggregateRoom(key),
	})
	// Both frames ride the connection's FIFO queue under the same lock hold
	// that subscribed it, so the snapshot beats any later file:delta.
	h.trySendLocked(c, ackFrame)
	h.trySendLocked(c, snapFrame)
}

func (h *Hub) handleLeave(c *conn, ref *protocol.RoomRef) {
	key := ref.Room()

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := c.joined[key]; !ok {
		return
	}
	delete(c.joined, key)
	if r, ok := h.rooms[key]; ok {
		delete(r.conns, c)
		h.maybeReleaseRoomLocked(key, r)
	}
	h.queuePresenceLocked(key, h.presence.Clear(c.id, key))
}

func (h *Hub) handleEditPush(c *conn, ref *protocol.FunctionRef) {
	key := ref.Room()
	if !h.isJoined(c, key) {
		return
	}

	ev := protocol.EditEvent{
		ServerTs:    time.Now().UnixMilli(),
		RepoID:      ref.RepoID,
		FilePath:    ref.FilePath,
		FunctionID:  ref.FunctionID,
		AnchorLine:  ref.AnchorLine,
		UserID:      c.userID,
		DisplayName: c.displayName,
		Emoji:       c.emoji,
	}

	// Persist outside the hub lock. A failed insert is non-fatal: the event
	// still applies in memory so the live broadcast proceeds.
	if err := h.store.Insert(&ev); err != nil {
		h.logger.Warn("edit event not persisted", "error", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	fn := h.heat.Apply(ev)
	h.queueHeatLocked(key, fn)
}

func (h *Hub) handlePresenceSet(c *conn, ref *protocol.FunctionRef) {
	key := ref.Room()
	if !h.isJoined(c, key) {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	deltas := h.presence.Set(c.id, key, presence.Cursor{
		UserID:      c.userID,
		DisplayName: c.displayName,
		Emoji:       c.emoji,
		FunctionID:  ref.FunctionID,
		AnchorLine:  ref.AnchorLine,
		LastSeenAt:  time.Now().UnixMilli(),
	})
	h.queuePresenceLocked(key, deltas)
}

func (h *Hub) handlePresenceClear(c *conn, ref *protocol.RoomRef) {
	key := ref.Room()
	if !h.isJoined(c, key) {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.queuePresenceLocked(key, h.presence.Clear(c.id, key))
}

func (h *Hub) handleRepoHeat(c *conn, id uint64, req *protocol.RepoHeatRequest) {
	files := map[string]int64{}
	if protocol.ValidateRepoHeat(req) == nil {
		h.mu.Lock()
		files = h.heat.RepoFiles(req.RepoID, c.userID)
		h.mu.Unlock()
	}

	frame, _ := json.Marshal(protocol.RepoHeatReply{Type: protocol.TypeAck, ID: id, OK: true, Files: files})
	h.mu.Lock()
	h.trySendLocked(c, frame)
	h.mu.Unlock()
}

func (h *Hub) isJoined(c *conn, key protocol.RoomKey) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := c.joined[key]
	return ok
}

func (h *Hub) ack(c *conn, id uint64, ok bool, errText string) {
	frame, _ := json.Marshal(protocol.Ack{Type: protocol.TypeAck, ID: id, OK: ok, Error: errText})
	h.mu.Lock()
	h.trySendLocked(c, frame)
	h.mu.Unlock()
}

// --- Coalescing & broadcast ---

func (h *Hub) roomLocked(key protocol.RoomKey) *room {
	r, ok := h.rooms[key]
	if !ok {
		r = &room{
			conns:           make(map[*conn]struct{}),
			pendingHeat:     make(map[string]protocol.HeatFunction),
			pendingPresence: make(map[string]protocol.FunctionPresence),
		}
		h.rooms[key] = r
	}
	return r
}

func (h *Hub) queueHeatLocked(key protocol.RoomKey, fn protocol.HeatFunction) {
	r := h.roomLocked(key)
	r.pendingHeat[fn.FunctionID] = fn
	h.armFlushLocked(key, r)
}

func (h *Hub) queuePresenceLocked(key protocol.RoomKey, deltas []protocol.FunctionPresence) {
	if len(deltas) == 0 {
		return
	}
	r := h.roomLocked(key)
	for _, fp := range deltas {
		r.pendingPresence[fp.FunctionID] = fp
	}
	h.armFlushLocked(key, r)
}

// armFlushLocked schedules a flush CoalesceInterval after the first pending
// update since the last flush. Later updates in the window ride the same
// timer.
func (h *Hub) armFlushLocked(key protocol.RoomKey, r *room) {
	if h.closed || r.flushTimer != nil {
		return
	}
	r.flushTimer = time.AfterFunc(protocol.CoalesceInterval, func() {
		h.flushRoom(key)
	})
}

func (h *Hub) flushRoom(key protocol.RoomKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[key]
	if !ok {
		return
	}
	r.flushTimer = nil
	if h.closed {
		return
	}
	h.emitDeltaLocked(key, r)
	h.maybeReleaseRoomLocked(key, r)
}

// emitDeltaLocked drains the room's pending maps into one file:delta and
// fans it out to the room's subscribers.
func (h *Hub) emitDeltaLocked(key protocol.RoomKey, r *room) {
	if len(r.pendingHeat) == 0 && len(r.pendingPresence) == 0 {
		return
	}

	delta := protocol.FileDelta{
		Type:        protocol.TypeFileDelta,
		HashVersion: protocol.HashVersion,
		RepoID:      key.RepoID,
		FilePath:    key.FilePath,
	}
	for _, fn := range r.pendingHeat {
		delta.Updates.Heat = append(delta.Updates.Heat, fn)
	}
	for _, fp := range r.pendingPresence {
		delta.Updates.Presence = append(delta.Updates.Presence, fp)
	}
	sort.Slice(delta.Updates.Heat, func(i, j int) bool {
		return delta.Updates.Heat[i].FunctionID < delta.Updates.Heat[j].FunctionID
	})
	sort.Slice(delta.Updates.Presence, func(i, j int) bool {
		return delta.Updates.Presence[i].FunctionID < delta.Updates.Presence[j].FunctionID
	})
	r.pendingHeat = make(map[string]protocol.HeatFunction)
	r.pendingPresence = make(map[string]protocol.FunctionPresence)

	frame, err := json.Marshal(delta)
	if err != nil {
		h.logger.Error("marshal file:delta", "error", err)
		return
	}
	for c := range r.conns {
		h.trySendLocked(c, frame)
	}
}

// trySendLocked enqueues a frame without blocking. A full queue means the
// client is too slow; its socket is closed, which drives the normal
// disconnect cleanup through the read loop. After shutdown every send
// queue is closed, so frames dispatched in that window are dropped here.
func (h *Hub) trySendLocked(c *conn, frame []byte) {
	if h.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		h.logger.Warn("send queue overflow, dropping connection", "conn", c.id, "user", c.userID)
		go c.ws.Close() //nolint:errcheck
	}
}

func (h *Hub) maybeReleaseRoomLocked(key protocol.RoomKey, r *room) {
	if len(r.conns) == 0 && len(r.pendingHeat) == 0 && len(r.pendingPresence) == 0 && r.flushTimer == nil {
		delete(h.rooms, key)
	}
}

// --- Sweeps & shutdown ---

func (h *Hub) sweepPresence(now time.Time) {
	cutoff := now.Add(-protocol.PresenceTTL).UnixMilli()
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, deltas := range h.presence.SweepExpired(cutoff) {
		h.queuePresenceLocked(key, deltas)
	}
}

func (h *Hub) sweepRetention(now time.Time) {
	cutoff := h.cutoffTs(now)
	if _, err := h.store.DeleteBefore(cutoff); err != nil {
		// Retried on the next tick.
		h.logger.Warn("retention delete failed", "error", err)
	}
	h.mu.Lock()
	h.heat.Prune(cutoff)
	h.mu.Unlock()
}

// shutdown drains every pending flush synchronously and closes all client
// connections with a normal-closure frame.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Drain before marking closed: the final deltas must still reach the
	// send queues, which the closed flag fences off for everyone else.
	for key, r := range h.rooms {
		if r.flushTimer != nil {
			r.flushTimer.Stop()
			r.flushTimer = nil
		}
		h.emitDeltaLocked(key, r)
	}
	h.rooms = make(map[protocol.RoomKey]*room)

	h.closed = true
	for c := range h.conns {
		closeNormal(c.ws, "server shutting down")
		close(c.send)
		delete(h.conns, c)
	}
}
