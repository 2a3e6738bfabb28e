package sio

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/openrag/openrag-go/pkg/logger"
	"github.com/openrag/openrag-go/pkg/network"
	"github.com/openrag/openrag-go/pkg/network/websocket"
)

var (
	ErrNotConnected = errors.New("socket.io: not connected")
	// ErrKicked is the reason of a disconnect sent by the server.
	ErrKicked     = errors.New("socket.io: disconnected by server")
	ErrHandshake  = errors.New("socket.io: handshake failed")
	errEngineGone = errors.New("socket.io: engine closed")
)

// ConnectRefused is the server's CONNECT_ERROR answer, usually a bad token.
type ConnectRefused struct{ Message string }

func (e *ConnectRefused) Error() string { return "socket.io: connect refused: " + e.Message }

// Handler receives what happens on the connection.
// HandleEvent is called from the websocket reader and must not block.
type Handler interface {
	// HandleEvent is called for every event in the default namespace.
	HandleEvent(name string, payload json.RawMessage)
	// HandleConnect is called after each successful reconnect.
	HandleConnect()
	// HandleDisconnect is called when the connection is lost, final means
	// that there will be no more reconnects.
	HandleDisconnect(err error, final bool)
}

type Config struct {
	// Endpoint is the service address, see URL.
	Endpoint string
	// Auth goes into the namespace connect packet on every (re)connect.
	Auth     any
	Header   http.Header
	Insecure bool
	// Timeout bounds one dial with its handshake.
	Timeout   time.Duration
	Reconnect bool
	RetryMin  time.Duration
	RetryMax  time.Duration
}

type Client struct {
	conf    Config
	address string
	h       Handler

	mu      sync.Mutex
	current *conn
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	log *logger.Logger
}

// Dial connects and joins the default namespace, it returns once the server
// accepted the connect packet. Reconnects happen in the background.
func Dial(ctx context.Context, conf Config, h Handler, log *logger.Logger) (*Client, error) {
	address, err := URL(conf.Endpoint)
	if err != nil {
		return nil, err
	}
	if conf.Timeout <= 0 {
		conf.Timeout = 20 * time.Second
	}
	if conf.RetryMin <= 0 {
		conf.RetryMin = time.Second
	}
	if conf.RetryMax < conf.RetryMin {
		conf.RetryMax = conf.RetryMin
	}
	c := &Client{
		conf:    conf,
		address: address,
		h:       h,
		done:    make(chan struct{}),
		log:     log,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	cn, err := c.connect(ctx)
	if err != nil {
		c.cancel()
		return nil, err
	}
	c.current = cn
	go c.run(cn)
	return c, nil
}

// Emit sends an event with an optional payload.
func (c *Client) Emit(name string, payload any) error {
	p, err := EventPacket(name, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	cn := c.current
	c.mu.Unlock()
	if cn == nil {
		return ErrNotConnected
	}
	if err = cn.ws.Write(p.Encode()); err != nil {
		return ErrNotConnected
	}
	return nil
}

// Connected tells if there is a live connection right now.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Close leaves the namespace and stops reconnecting.
// It doesn't wait, see Done.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cn := c.current
	c.mu.Unlock()

	c.cancel()
	if cn != nil {
		_ = cn.ws.Write(Packet{Type: Disconnect}.Encode())
		cn.ws.Close()
	}
	return nil
}

// Done is closed after the final HandleDisconnect call.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// run watches the connection and replaces it when it drops.
func (c *Client) run(cn *conn) {
	defer close(c.done)
	for {
		<-cn.ws.Done()
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()

		err := cn.reason()
		if c.isClosed() {
			c.h.HandleDisconnect(nil, true)
			return
		}
		if errors.Is(err, ErrKicked) || !c.conf.Reconnect {
			c.log.Warn().Err(err).Msg("Socket.IO connection is gone")
			c.h.HandleDisconnect(err, true)
			return
		}
		c.log.Warn().Err(err).Msg("Socket.IO connection lost, reconnecting")
		c.h.HandleDisconnect(err, false)

		if cn, err = c.reconnect(); err != nil {
			c.h.HandleDisconnect(err, true)
			return
		}
		c.h.HandleConnect()
	}
}

func (c *Client) reconnect() (*conn, error) {
	retry := network.NewRetry(c.conf.RetryMin, c.conf.RetryMax)
	for {
		wait := retry.Fail()
		select {
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		case <-time.After(wait):
		}
		cn, err := c.connect(c.ctx)
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				cn.ws.Close()
				return nil, context.Canceled
			}
			c.current = cn
			c.mu.Unlock()
			c.log.Info().Int("attempts", retry.Attempts()).Msg("Socket.IO reconnected")
			return cn, nil
		}
		var refused *ConnectRefused
		if errors.As(err, &refused) {
			c.log.Error().Err(err).Msg("Socket.IO reconnect refused")
			return nil, err
		}
		c.log.Debug().Err(err).Dur("next", retry.Time()).Msg("Socket.IO reconnect failed")
	}
}

// connect dials and waits for the namespace ack.
func (c *Client) connect(ctx context.Context) (*conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.conf.Timeout)
	defer cancel()

	ws, err := websocket.Dial(ctx, c.address, websocket.DialOptions{
		Header:   c.conf.Header,
		Insecure: c.conf.Insecure,
		Timeout:  c.conf.Timeout,
	}, c.log)
	if err != nil {
		return nil, err
	}
	cn := &conn{ws: ws, auth: c.conf.Auth, h: c.h, ready: make(chan error, 1), log: c.log}
	ws.SetReadTimeout(c.conf.Timeout)
	ws.SetMessageHandler(cn.handle)
	down := ws.Listen()

	select {
	case err = <-cn.ready:
	case <-down:
		err = cn.reason()
		if err == nil {
			err = ErrHandshake
		}
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		ws.Close()
		return nil, err
	}
	return cn, nil
}

const (
	awaitOpen = iota
	awaitConnect
	joined
)

// conn is one websocket with its handshake state.
// handle runs only on the websocket reader goroutine.
type conn struct {
	ws    *websocket.WS
	auth  any
	h     Handler
	ready chan error

	state int
	sid   string
	err   error

	log *logger.Logger
}

func (cn *conn) fail(err error) {
	cn.err = err
	select {
	case cn.ready <- err:
	default:
	}
	cn.ws.Close()
}

// reason is why the connection is down, valid after ws.Done.
func (cn *conn) reason() error {
	if cn.err != nil {
		return cn.err
	}
	return cn.ws.Err()
}

func (cn *conn) handle(message []byte) {
	t, data, err := SplitEngine(message)
	if err != nil {
		cn.log.Warn().Err(err).Msg("Skip")
		return
	}
	switch t {
	case EngineOpen:
		var open Open
		if err = json.Unmarshal(data, &open); err != nil {
			cn.fail(errors.Join(ErrHandshake, err))
			return
		}
		if open.PingInterval > 0 {
			cn.ws.SetReadTimeout(time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond)
		}
		p, err := ConnectPacket(cn.auth)
		if err != nil {
			cn.fail(err)
			return
		}
		cn.state = awaitConnect
		_ = cn.ws.Write(p.Encode())
	case EnginePing:
		_ = cn.ws.Write(append([]byte{byte(EnginePong)}, data...))
	case EngineClose:
		cn.fail(errEngineGone)
	case EngineMessage:
		cn.handlePacket(data)
	}
}

func (cn *conn) handlePacket(data []byte) {
	p, err := DecodePacket(data)
	if err != nil {
		cn.log.Warn().Err(err).Msg("Skip")
		return
	}
	if p.Namespace != DefaultNamespace {
		return
	}
	switch p.Type {
	case Connect:
		if cn.state != awaitConnect {
			return
		}
		var ack struct {
			Sid string `json:"sid"`
		}
		_ = json.Unmarshal(p.Data, &ack)
		cn.sid, cn.state = ack.Sid, joined
		cn.log.Debug().Str("sid", cn.sid).Msg("Socket.IO connected")
		cn.ready <- nil
	case ConnectError:
		cn.fail(&ConnectRefused{Message: ConnectErrorMessage(p.Data)})
	case Disconnect:
		cn.fail(ErrKicked)
	case Event:
		if cn.state != joined {
			return
		}
		name, payload, err := p.Event()
		if err != nil {
			cn.log.Warn().Err(err).Msg("Skip")
			return
		}
		cn.h.HandleEvent(name, payload)
	}
}
