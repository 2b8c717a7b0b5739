package ws

import (
	"sync"
	"time"

	"github.com/cwrk-planet/signal-service/internal/relay"

	"github.com/gorilla/websocket"
)

// wsConn adapts a websocket connection to relay.Conn. The semaphore
// channel serializes writes so concurrent Sends cannot interleave and
// per-sender ordering holds end to end.
type wsConn struct {
	conn      *websocket.Conn
	sendMu    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{
		conn:   c,
		sendMu: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (c *wsConn) Send(msg relay.Message) error {
	c.sendMu <- struct{}{}
	defer func() { <-c.sendMu }()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

	return c.conn.WriteJSON(msg)
}

// Close is called both from the connection goroutine's teardown and
// from the relay on room close, possibly at the same time.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
