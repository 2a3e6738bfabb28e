package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// deadlinedConn serializes writes and bounds every write and read in time.
type deadlinedConn struct {
	sock *websocket.Conn
	wt   time.Duration

	mu sync.Mutex
	rt time.Duration
}

func (conn *deadlinedConn) setup(fn func(conn *websocket.Conn)) { fn(conn.sock) }

func (conn *deadlinedConn) close() error { return conn.sock.Close() }

func (conn *deadlinedConn) setReadTimeout(d time.Duration) {
	conn.mu.Lock()
	conn.rt = d
	conn.mu.Unlock()
}

func (conn *deadlinedConn) read() (message []byte, err error) {
	conn.mu.Lock()
	rt := conn.rt
	conn.mu.Unlock()
	if rt > 0 {
		if err = conn.sock.SetReadDeadline(time.Now().Add(rt)); err != nil {
			return
		}
	} else if err = conn.sock.SetReadDeadline(time.Time{}); err != nil {
		return
	}
	_, message, err = conn.sock.ReadMessage()
	return
}

func (conn *deadlinedConn) write(t int, mess []byte) error {
	if err := conn.sock.SetWriteDeadline(time.Now().Add(conn.wt)); err != nil {
		return err
	}
	return conn.sock.WriteMessage(t, mess)
}
