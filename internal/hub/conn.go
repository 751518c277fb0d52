package hub

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lineheat/lineheat/internal/protocol"
)

const (
	// sendQueueCap bounds the per-connection outbound buffer. A client that
	// cannot drain this many frames is disconnected rather than allowed to
	// stall room broadcasts.
	sendQueueCap = 256

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	maxFrameSize     = 8192
)

// conn is the server-side state for one websocket connection. Identity
// fields are fixed at handshake; the joined set is guarded by the hub mutex.
type conn struct {
	id   uuid.UUID
	ws   *websocket.Conn
	send chan []byte

	userID      string
	displayName string
	emoji       string

	joined map[protocol.RoomKey]struct{}
}

func newConn(ws *websocket.Conn, hello *protocol.Hello) *conn {
	return &conn{
		id:          uuid.New(),
		ws:          ws,
		send:        make(chan []byte, sendQueueCap),
		userID:      hello.UserID,
		displayName: hello.DisplayName,
		emoji:       hello.Emoji,
		joined:      make(map[protocol.RoomKey]struct{}),
	}
}

// writePump drains the send queue onto the socket. It exits when the hub
// closes the queue (after unregistering the connection) or a write fails,
// and closes the socket so the read loop unblocks.
func (c *conn) writePump() {
	for data := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}
	_ = c.ws.Close()
}

// closePolicy sends a close frame whose text names the rejected rule, then
// lets the caller close the socket. WriteControl is safe to call
// concurrently with the write pump.
func closePolicy(ws *websocket.Conn, reason string) {
	deadline := time.Now().Add(writeTimeout)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
}

func closeNormal(ws *websocket.Conn, reason string) {
	deadline := time.Now().Add(writeTimeout)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
}
