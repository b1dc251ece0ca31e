package diag

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// client is one websocket subscriber. The reader goroutine only watches for
// close frames and pongs; run owns all writes.
type client struct {
	ID     uint64
	conn   *websocket.Conn
	script string // only entries of this script when set
	out    int

	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	log *zap.Logger
}

func newClient(conn *websocket.Conn, id uint64, script string, out int, log *zap.Logger) *client {
	return &client{
		ID:      id,
		conn:    conn,
		script:  script,
		out:     out,
		closeCh: make(chan struct{}),
		log:     log.With(zap.Uint64("client", id)),
	}
}

func (c *client) wants(e Entry) bool {
	return c.script == "" || e.ScriptID == c.script
}

// run sends the backlog, then streams live entries until the connection or
// the subscription ends.
func (c *client) run(store *Store) {
	entries, backlog, cancel := store.Subscribe(c.out)
	defer cancel()
	defer c.Close()

	go c.readLoop()

	for _, e := range backlog {
		if !c.wants(e) {
			continue
		}
		if err := c.write(e); err != nil {
			return
		}
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case e, ok := <-entries:
			if !ok {
				return
			}
			if !c.wants(e) {
				continue
			}
			if err := c.write(e); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) write(e Entry) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(e); err != nil {
		if !c.closed.Load() {
			c.log.Debug("diag write failed", zap.Error(err))
		}
		return err
	}
	return nil
}

func (c *client) readLoop() {
	defer c.Close()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)
		c.conn.Close()
	})
}
