package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lineheat/lineheat/internal/protocol"
	"github.com/lineheat/lineheat/internal/store"
)

const testToken = "test-token"

func hexID(c byte) string {
	return strings.Repeat(string(c), 64)
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := New(logger, st, Options{Token: testToken, RetentionDays: 7})
	if err := h.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.HandleConn(ws)
	}))
	t.Cleanup(srv.Close)

	return h, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

// dialRaw opens a websocket without performing the handshake.
func dialRaw(t *testing.T, srv *httptest.Server) *testClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() }) //nolint:errcheck
	return &testClient{t: t, ws: ws}
}

func helloFrame(userChar byte, version string) map[string]any {
	return map[string]any{
		"type":                  protocol.TypeHello,
		"token":                 testToken,
		"clientProtocolVersion": version,
		"userId":                hexID(userChar),
		"displayName":           "user-" + string(userChar),
		"emoji":                 "🧭",
	}
}

// dial connects, completes the handshake, and consumes the server:hello.
func dial(t *testing.T, srv *httptest.Server, userChar byte) *testClient {
	t.Helper()
	c := dialRaw(t, srv)
	c.send(helloFrame(userChar, protocol.ServerProtocolVersion))
	typ, _ := c.readFrame()
	if typ != protocol.TypeServerHello {
		t.Fatalf("want server:hello after handshake, got %q", typ)
	}
	return c
}

func (c *testClient) send(v any) {
	c.t.Helper()
	if err := c.ws.WriteJSON(v); err != nil {
		c.t.Fatalf("write frame: %v", err)
	}
}

func (c *testClient) readFrame() (string, []byte) {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.t.Fatalf("decode frame %s: %v", data, err)
	}
	return env.Type, data
}

// expectClose asserts the next read fails with the given close code. The
// connection is unusable afterwards.
func (c *testClient) expectClose(code int) string {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ws.ReadMessage()
	if err == nil {
		c.t.Fatalf("want close %d, got frame %s", code, data)
	}
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != code {
		c.t.Fatalf("want close %d, got %v", code, err)
	}
	return closeErr.Text
}

// expectSilence asserts no frame arrives within d. The connection is
// unusable afterwards.
func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(d))
	if _, data, err := c.ws.ReadMessage(); err == nil {
		c.t.Fatalf("unexpected frame: %s", data)
	}
}

func roomFrame(typ string, id uint64, repo, file string) map[string]any {
	f := map[string]any{
		"type":        typ,
		"hashVersion": protocol.HashVersion,
		"repoId":      repo,
		"filePath":    file,
	}
	if id != 0 {
		f["id"] = id
	}
	return f
}

func functionFrame(typ, repo, file, fn string, line int) map[string]any {
	return map[string]any{
		"type":        typ,
		"hashVersion": protocol.HashVersion,
		"repoId":      repo,
		"filePath":    file,
		"functionId":  fn,
		"anchorLine":  line,
	}
}

// join subscribes the client and consumes the ack and snapshot, returning
// the snapshot.
func (c *testClient) join(repo, file string) protocol.RoomSnapshot {
	c.t.Helper()
	c.send(roomFrame(protocol.TypeRoomJoin, 1, repo, file))

	typ, data := c.readFrame()
	if typ != protocol.TypeAck {
		c.t.Fatalf("want ack first, got %q", typ)
	}
	var ack protocol.Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		c.t.Fatalf("decode ack: %v", err)
	}
	if !ack.OK {
		c.t.Fatalf("join rejected: %s", ack.Error)
	}

	typ, data = c.readFrame()
	if typ != protocol.TypeRoomSnapshot {
		c.t.Fatalf("want room:snapshot after ack, got %q", typ)
	}
	var snap protocol.RoomSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func (c *testClient) readDelta() protocol.FileDelta {
	c.t.Helper()
	typ, data := c.readFrame()
	if typ != protocol.TypeFileDelta {
		c.t.Fatalf("want file:delta, got %q: %s", typ, data)
	}
	var delta protocol.FileDelta
	if err := json.Unmarshal(data, &delta); err != nil {
		c.t.Fatalf("decode delta: %v", err)
	}
	return delta
}

// --- Handshake ---

func TestHandshakeServerHello(t *testing.T) {
	_, srv := newTestHub(t)
	c := dialRaw(t, srv)
	c.send(helloFrame('a', protocol.ServerProtocolVersion))

	typ, data := c.readFrame()
	if typ != protocol.TypeServerHello {
		t.Fatalf("want server:hello, got %q", typ)
	}
	var sh protocol.ServerHello
	if err := json.Unmarshal(data, &sh); err != nil {
		t.Fatalf("decode server:hello: %v", err)
	}
	if sh.ServerProtocolVersion != protocol.ServerProtocolVersion {
		t.Fatalf("wrong serverProtocolVersion: %s", sh.ServerProtocolVersion)
	}
	if sh.ServerRetentionDays != 7 {
		t.Fatalf("want serverRetentionDays 7, got %d", sh.ServerRetentionDays)
	}
	if sh.HashVersion != protocol.HashVersion {
		t.Fatalf("wrong hashVersion: %s", sh.HashVersion)
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	_, srv := newTestHub(t)
	c := dialRaw(t, srv)
	f := helloFrame('a', protocol.ServerProtocolVersion)
	f["token"] = "wrong"
	c.send(f)

	text := c.expectClose(websocket.ClosePolicyViolation)
	if !strings.Contains(text, "token") {
		t.Fatalf("close reason should name the token, got %q", text)
	}
}

func TestHandshakeRejectsNonHelloFirstFrame(t *testing.T) {
	_, srv := newTestHub(t)
	c := dialRaw(t, srv)
	c.send(roomFrame(protocol.TypeRoomJoin, 1, hexID('a'), hexID('b')))

	c.expectClose(websocket.ClosePolicyViolation)
}

func TestHandshakeRejectsBadIdentity(t *testing.T) {
	_, srv := newTestHub(t)
	c := dialRaw(t, srv)
	f := helloFrame('a', protocol.ServerProtocolVersion)
	f["userId"] = "not-a-digest"
	c.send(f)

	c.expectClose(websocket.ClosePolicyViolation)
}

func TestIncompatibleVersionGetsSingleFrame(t *testing.T) {
	_, srv := newTestHub(t)
	c := dialRaw(t, srv)
	c.send(helloFrame('a', "1.0.0"))

	typ, data := c.readFrame()
	if typ != protocol.TypeServerIncompatible {
		t.Fatalf("want server:incompatible, got %q", typ)
	}
	var inc protocol.ServerIncompatible
	if err := json.Unmarshal(data, &inc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if inc.MinClientProtocolVersion != protocol.MinClientProtocolVersion {
		t.Fatalf("wrong minClientProtocolVersion: %s", inc.MinClientProtocolVersion)
	}
	if !strings.Contains(inc.Message, "major version") {
		t.Fatalf("message should explain the mismatch, got %q", inc.Message)
	}

	// Nothing follows but the close.
	c.expectClose(websocket.CloseNormalClosure)
}

// --- Rooms ---

func TestJoinAckThenEmptySnapshot(t *testing.T) {
	_, srv := newTestHub(t)
	c := dial(t, srv, 'a')

	snap := c.join(hexID('1'), hexID('2'))
	if snap.RepoID != hexID('1') || snap.FilePath != hexID('2') {
		t.Fatalf("snapshot names wrong room: %+v", snap)
	}
	if len(snap.Functions) != 0 || len(snap.Presence) != 0 {
		t.Fatalf("want empty snapshot for fresh room, got %+v", snap)
	}
}

func TestJoinRejectsWrongHashVersion(t *testing.T) {
	_, srv := newTestHub(t)
	c := dial(t, srv, 'a')

	f := roomFrame(protocol.TypeRoomJoin, 7, hexID('1'), hexID('2'))
	f["hashVersion"] = "md5-v0"
	c.send(f)

	typ, data := c.readFrame()
	if typ != protocol.TypeAck {
		t.Fatalf("want ack, got %q", typ)
	}
	var ack protocol.Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.OK || ack.ID != 7 {
		t.Fatalf("want rejection for request 7, got %+v", ack)
	}
	if !strings.Contains(ack.Error, "hashVersion") {
		t.Fatalf("error should name hashVersion, got %q", ack.Error)
	}

	// No snapshot follows a rejected join.
	c.expectSilence(300 * time.Millisecond)
}

func TestEditBroadcastsToRoom(t *testing.T) {
	_, srv := newTestHub(t)
	repo, file := hexID('1'), hexID('2')

	a := dial(t, srv, 'a')
	b := dial(t, srv, 'b')
	a.join(repo, file)
	b.join(repo, file)

	b.send(functionFrame(protocol.TypeEditPush, repo, file, hexID('f'), 42))

	for _, c := range []*testClient{a, b} {
		delta := c.readDelta()
		if delta.RepoID != repo || delta.FilePath != file {
			t.Fatalf("delta names wrong room: %+v", delta)
		}
		if len(delta.Updates.Heat) != 1 {
			t.Fatalf("want 1 heat update, got %+v", delta.Updates)
		}
		fn := delta.Updates.Heat[0]
		if fn.FunctionID != hexID('f') || fn.AnchorLine != 42 {
			t.Fatalf("unexpected heat update: %+v", fn)
		}
		if len(fn.TopEditors) != 1 || fn.TopEditors[0].UserID != hexID('b') {
			t.Fatalf("unexpected editors: %+v", fn.TopEditors)
		}
	}
}

func TestCoalescesEditsInOneDelta(t *testing.T) {
	_, srv := newTestHub(t)
	repo, file := hexID('1'), hexID('2')

	a := dial(t, srv, 'a')
	a.join(repo, file)

	// Two functions touched inside one coalesce window.
	a.send(functionFrame(protocol.TypeEditPush, repo, file, hexID('e'), 10))
	a.send(functionFrame(protocol.TypeEditPush, repo, file, hexID('f'), 20))

	delta := a.readDelta()
	if len(delta.Updates.Heat) != 2 {
		t.Fatalf("want both functions in one delta, got %+v", delta.Updates.Heat)
	}
	if delta.Updates.Heat[0].FunctionID != hexID('e') || delta.Updates.Heat[1].FunctionID != hexID('f') {
		t.Fatalf("heat updates not sorted by functionId: %+v", delta.Updates.Heat)
	}
}

func TestRoomIsolation(t *testing.T) {
	_, srv := newTestHub(t)
	repo := hexID('1')

	a := dial(t, srv, 'a')
	b := dial(t, srv, 'b')
	a.join(repo, hexID('2'))
	b.join(repo, hexID('3'))

	b.send(functionFrame(protocol.TypeEditPush, repo, hexID('3'), hexID('f'), 5))

	b.readDelta()
	a.expectSilence(500 * time.Millisecond)
}

func TestEditPushRequiresJoin(t *testing.T) {
	_, srv := newTestHub(t)
	repo, file := hexID('1'), hexID('2')

	a := dial(t, srv, 'a')
	a.join(repo, file)
	b := dial(t, srv, 'b')

	// b never joined the room; its push is dropped.
	b.send(functionFrame(protocol.TypeEditPush, repo, file, hexID('f'), 5))
	a.expectSilence(500 * time.Millisecond)
}

func TestSnapshotReflectsPriorActivity(t *testing.T) {
	_, srv := newTestHub(t)
	repo, file := hexID('1'), hexID('2')

	a := dial(t, srv, 'a')
	a.join(repo, file)
	a.send(functionFrame(protocol.TypeEditPush, repo, file, hexID('f'), 42))
	a.send(functionFrame(protocol.TypePresenceSet, repo, file, hexID('f'), 42))
	a.readDelta()

	b := dial(t, srv, 'b')
	snap := b.join(repo, file)
	if len(snap.Functions) != 1 || snap.Functions[0].FunctionID != hexID('f') {
		t.Fatalf("snapshot missing prior edit: %+v", snap.Functions)
	}
	if len(snap.Presence) != 1 || snap.Presence[0].Users[0].UserID != hexID('a') {
		t.Fatalf("snapshot missing prior presence: %+v", snap.Presence)
	}
}

// --- Presence ---

func TestPresenceSetAndClear(t *testing.T) {
	_, srv := newTestHub(t)
	repo, file := hexID('1'), hexID('2')

	a := dial(t, srv, 'a')
	b := dial(t, srv, 'b')
	a.join(repo, file)
	b.join(repo, file)

	a.send(functionFrame(protocol.TypePresenceSet, repo, file, hexID('f'), 42))

	delta := b.readDelta()
	if len(delta.Updates.Presence) != 1 {
		t.Fatalf("want 1 presence update, got %+v", delta.Updates)
	}
	fp := delta.Updates.Presence[0]
	if fp.FunctionID != hexID('f') || len(fp.Users) != 1 || fp.Users[0].UserID != hexID('a') {
		t.Fatalf("unexpected presence update: %+v", fp)
	}
	a.readDelta()

	a.send(roomFrame(protocol.TypePresenceClear, 0, repo, file))

	delta = b.readDelta()
	if len(delta.Updates.Presence) != 1 {
		t.Fatalf("want 1 presence removal, got %+v", delta.Updates)
	}
	fp = delta.Updates.Presence[0]
	if fp.FunctionID != hexID('f') || len(fp.Users) != 0 {
		t.Fatalf("want emptied function, got %+v", fp)
	}
}

func TestDisconnectEmitsPresenceRemoval(t *testing.T) {
	_, srv := newTestHub(t)
	repo, file := hexID('1'), hexID('2')

	a := dial(t, srv, 'a')
	b := dial(t, srv, 'b')
	a.join(repo, file)
	b.join(repo, file)

	a.send(functionFrame(protocol.TypePresenceSet, repo, file, hexID('f'), 42))
	b.readDelta()

	if err := a.ws.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	delta := b.readDelta()
	if len(delta.Updates.Presence) != 1 || len(delta.Updates.Presence[0].Users) != 0 {
		t.Fatalf("want emptying removal after disconnect, got %+v", delta.Updates)
	}
}

// --- repo:heat ---

func (c *testClient) repoHeat(id uint64, repo string) protocol.RepoHeatReply {
	c.t.Helper()
	c.send(map[string]any{
		"type":        protocol.TypeRepoHeat,
		"id":          id,
		"hashVersion": protocol.HashVersion,
		"repoId":      repo,
	})
	typ, data := c.readFrame()
	if typ != protocol.TypeAck {
		c.t.Fatalf("want ack, got %q", typ)
	}
	// The files object is part of the reply shape even when empty.
	if !strings.Contains(string(data), `"files"`) {
		c.t.Fatalf("reply must always carry files: %s", data)
	}
	var reply protocol.RepoHeatReply
	if err := json.Unmarshal(data, &reply); err != nil {
		c.t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func TestRepoHeatExcludesRequesterOnlyFiles(t *testing.T) {
	_, srv := newTestHub(t)
	repo, file := hexID('1'), hexID('2')

	a := dial(t, srv, 'a')
	a.join(repo, file)
	a.send(functionFrame(protocol.TypeEditPush, repo, file, hexID('f'), 42))
	a.readDelta()

	// The requester's own edits do not count as activity for them.
	reply := a.repoHeat(3, repo)
	if !reply.OK || reply.Files == nil || len(reply.Files) != 0 {
		t.Fatalf("want empty files object for sole editor, got %+v", reply)
	}

	// A different user sees the file.
	b := dial(t, srv, 'b')
	reply = b.repoHeat(4, repo)
	if !reply.OK || reply.ID != 4 {
		t.Fatalf("bad reply: %+v", reply)
	}
	ts, ok := reply.Files[file]
	if !ok || ts <= 0 {
		t.Fatalf("want file with positive lastEditAt, got %+v", reply.Files)
	}
}

func TestRepoHeatInvalidRequestAcksEmpty(t *testing.T) {
	_, srv := newTestHub(t)
	a := dial(t, srv, 'a')

	reply := a.repoHeat(9, "not-a-digest")
	if !reply.OK || reply.ID != 9 {
		t.Fatalf("bad reply: %+v", reply)
	}
	if reply.Files == nil || len(reply.Files) != 0 {
		t.Fatalf("want empty files object for invalid repoId, got %+v", reply.Files)
	}
}

// --- Lifecycle ---

func TestStatsCountRoomsAndConns(t *testing.T) {
	h, srv := newTestHub(t)

	a := dial(t, srv, 'a')
	a.join(hexID('1'), hexID('2'))

	rooms, conns := h.Stats()
	if rooms != 1 || conns != 1 {
		t.Fatalf("want 1 room and 1 conn, got %d/%d", rooms, conns)
	}
}

func TestShutdownClosesClients(t *testing.T) {
	h, srv := newTestHub(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	a := dial(t, srv, 'a')
	a.join(hexID('1'), hexID('2'))

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	a.expectClose(websocket.CloseNormalClosure)
}

// Frames can still be dispatched between shutdown and the read loop
// noticing the closed socket; they must be dropped, not sent on the closed
// queue.
func TestShutdownDropsInFlightSends(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := New(logger, st, Options{Token: testToken})

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	wsCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		wsCh <- ws
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck
	serverWS := <-wsCh

	c := newConn(serverWS, &protocol.Hello{
		UserID: hexID('a'), DisplayName: "Ada", Emoji: "🛠",
	})
	if !h.register(c) {
		t.Fatal("register refused before shutdown")
	}

	h.shutdown()

	h.ack(c, 1, true, "")
	h.handleJoin(c, 2, &protocol.RoomRef{
		HashVersion: protocol.HashVersion,
		RepoID:      hexID('1'),
		FilePath:    hexID('2'),
	})
	h.handleRepoHeat(c, 3, &protocol.RepoHeatRequest{
		HashVersion: protocol.HashVersion,
		RepoID:      hexID('1'),
	})
}

func TestRestartRebuildsHeatFromLog(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	repo, file := hexID('1'), hexID('2')
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	e := protocol.EditEvent{
		ServerTs: time.Now().UnixMilli(), RepoID: repo, FilePath: file,
		FunctionID: hexID('f'), AnchorLine: 42,
		UserID: hexID('a'), DisplayName: "Ada", Emoji: "🛠",
	}
	if err := st.Insert(&e); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A fresh process over the same log sees the same heat.
	st2, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close() //nolint:errcheck
	h := New(logger, st2, Options{Token: testToken})
	if err := h.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	files := h.heat.RepoFiles(repo, hexID('b'))
	if ts, ok := files[file]; !ok || ts != e.ServerTs {
		t.Fatalf("replayed heat missing the logged edit: %+v", files)
	}
}
