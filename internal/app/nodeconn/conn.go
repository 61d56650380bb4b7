package nodeconn

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// conn wraps a single websocket connection with a bounded outbound queue.
// Exactly one goroutine reads (the hub's runConn loop) and exactly one
// writes (writeLoop), per spec.md's single-reader/single-writer contract;
// send() is the only method safe to call from other goroutines.
type conn struct {
	ws     *websocket.Conn
	outbox chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn) *conn {
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return &conn{
		ws:     ws,
		outbox: make(chan []byte, writeBufferSize),
		closed: make(chan struct{}),
	}
}

// readMessage blocks for the next inbound frame.
func (c *conn) readMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// send enqueues a frame for the writer goroutine. A node whose outbox is
// full has the frame dropped rather than blocking the caller; the frame's
// information (job assignment, cancel, limits) is re-derivable from store
// state, so a drop is recoverable, not silently lossy of ledger state.
func (c *conn) send(data []byte) {
	select {
	case c.outbox <- data:
	case <-c.closed:
	default:
		// outbox full: drop.
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.outbox:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}
