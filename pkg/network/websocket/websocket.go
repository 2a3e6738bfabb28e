// Package websocket is a client websocket connection with one reader and
// one writer goroutine.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openrag/openrag-go/pkg/logger"
	"github.com/openrag/openrag-go/pkg/network"
)

const (
	maxMessageSize = 1024 * 1024
	writeWait      = 10 * time.Second
	dialWait       = 20 * time.Second
	sendQueue      = 64
)

var ErrClosed = errors.New("websocket closed")

type WS struct {
	conn *deadlinedConn
	send chan []byte

	onMessage WSMessageHandler

	once     sync.Once
	closed   chan struct{}
	done     chan struct{}
	listened sync.Once
	shutdown sync.WaitGroup

	// err is the reason the reader stopped
	err error

	log *logger.Logger
}

type WSMessageHandler func(message []byte)

type DialOptions struct {
	Header   http.Header
	Insecure bool
	Timeout  time.Duration
}

// Dial opens a client connection. Nothing is read until Listen is called.
func Dial(ctx context.Context, address string, opts DialOptions, log *logger.Logger) (*WS, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = dialWait
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		WriteBufferPool:  &sync.Pool{},
	}
	if opts.Insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	conn, resp, err := dialer.DialContext(ctx, address, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newSocket(conn, log), nil
}

func newSocket(conn *websocket.Conn, log *logger.Logger) *WS {
	return &WS{
		conn:   &deadlinedConn{sock: conn, wt: writeWait},
		send:   make(chan []byte, sendQueue),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
		log:    log.Extend(log.With().Str("ws", network.NewUid().Short())),
	}
}

// SetMessageHandler sets the callback for incoming messages.
// Should be set before Listen.
func (ws *WS) SetMessageHandler(fn WSMessageHandler) { ws.onMessage = fn }

// SetReadTimeout sets how long the reader waits for the next message,
// zero waits forever. Takes effect from the next read.
func (ws *WS) SetReadTimeout(d time.Duration) { ws.conn.setReadTimeout(d) }

// Listen starts the reader and writer pumps once and returns
// a channel closed when both of them have stopped.
func (ws *WS) Listen() <-chan struct{} {
	ws.listened.Do(func() {
		ws.shutdown.Add(2)
		go ws.writer()
		go ws.reader()
		go func() {
			ws.shutdown.Wait()
			_ = ws.conn.close()
			close(ws.done)
		}()
	})
	return ws.done
}

// Done is closed when the connection is completely down.
func (ws *WS) Done() <-chan struct{} { return ws.done }

// Err returns why the connection went down, nil for a local close.
// Only meaningful after Done.
func (ws *WS) Err() error { return ws.err }

// reader pumps messages from the websocket connection to the message callback.
// Serializes all websocket reads.
func (ws *WS) reader() {
	defer func() {
		ws.stop()
		ws.shutdown.Done()
		ws.log.Debug().Msg("Reader closed")
	}()
	ws.conn.setup(func(conn *websocket.Conn) { conn.SetReadLimit(maxMessageSize) })
	for {
		message, err := ws.conn.read()
		if err != nil {
			select {
			case <-ws.closed:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					ws.log.Warn().Err(err).Msg("Read")
				}
				ws.err = err
			}
			return
		}
		if ws.onMessage != nil {
			ws.onMessage(message)
		}
	}
}

// writer pumps messages from the send channel to the websocket connection.
// Serializes all websocket writes.
func (ws *WS) writer() {
	defer func() {
		ws.shutdown.Done()
		ws.log.Debug().Msg("Writer closed")
	}()
	for {
		select {
		case message := <-ws.send:
			if err := ws.conn.write(websocket.TextMessage, message); err != nil {
				ws.log.Warn().Err(err).Msg("Write")
				ws.stop()
				return
			}
		case <-ws.closed:
			ws.flush()
			_ = ws.conn.write(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			// unblocks the reader
			_ = ws.conn.close()
			return
		}
	}
}

// flush writes what is left in the queue.
func (ws *WS) flush() {
	for {
		select {
		case message := <-ws.send:
			if err := ws.conn.write(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Write queues a text message.
func (ws *WS) Write(data []byte) error {
	select {
	case <-ws.closed:
		return ErrClosed
	default:
	}
	select {
	case ws.send <- data:
		return nil
	case <-ws.closed:
		return ErrClosed
	}
}

// Close closes the connection after the messages already queued by Write.
// Safe to call many times.
func (ws *WS) Close() {
	ws.stop()
	ws.listened.Do(func() {
		// never listened: no pumps to wait for
		_ = ws.conn.close()
		close(ws.done)
	})
}

func (ws *WS) stop() { ws.once.Do(func() { close(ws.closed) }) }
