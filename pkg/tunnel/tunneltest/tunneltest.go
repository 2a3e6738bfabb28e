// Package tunneltest provides a scripted Transport for tests.
package tunneltest

import (
	"errors"
	"sync"

	"github.com/openrag/openrag-go/pkg/api"
	"github.com/openrag/openrag-go/pkg/tunnel"
)

// Factory records every transport it makes.
type Factory struct {
	// Err fails New when set.
	Err error
	// OnNew is called with each new transport before New returns.
	OnNew func(*Transport)

	mu         sync.Mutex
	transports []*Transport
}

func (f *Factory) New(opts tunnel.Options, h tunnel.Handlers) (tunnel.Transport, error) {
	f.mu.Lock()
	if f.Err != nil {
		err := f.Err
		f.mu.Unlock()
		return nil, err
	}
	t := &Transport{Options: opts, h: h}
	f.transports = append(f.transports, t)
	hook := f.OnNew
	f.mu.Unlock()
	if hook != nil {
		hook(t)
	}
	return t, nil
}

// Last returns the latest transport or nil.
func (f *Factory) Last() *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

// Transport plays the remote side through its methods.
type Transport struct {
	Options tunnel.Options
	h       tunnel.Handlers

	mu      sync.Mutex
	signals []api.Signal
	sent    [][]byte
	closed  int
	// SignalErr is returned from Signal when set.
	SignalErr error
	onSend    func([]byte)
}

func (t *Transport) Signal(s api.Signal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed > 0 {
		return tunnel.ErrClosed
	}
	t.signals = append(t.signals, s)
	return t.SignalErr
}

func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	if t.closed > 0 {
		t.mu.Unlock()
		return tunnel.ErrClosed
	}
	t.sent = append(t.sent, data)
	hook := t.onSend
	t.mu.Unlock()
	if hook != nil {
		hook(data)
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed++
	t.mu.Unlock()
	return nil
}

// SetOnSend sets a callback for sent messages, it may Deliver a reply.
func (t *Transport) SetOnSend(fn func([]byte)) {
	t.mu.Lock()
	t.onSend = fn
	t.mu.Unlock()
}

// Signals returns the remote descriptors applied so far.
func (t *Transport) Signals() []api.Signal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]api.Signal(nil), t.signals...)
}

func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.sent...)
}

// Closed returns how many times Close was called.
func (t *Transport) Closed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Emit plays a local descriptor.
func (t *Transport) Emit(s api.Signal) { t.h.OnSignal(s) }

// Open plays the data channel opening.
func (t *Transport) Open() { t.h.OnOpen() }

// Deliver plays a message from the remote side.
func (t *Transport) Deliver(data []byte) { t.h.OnMessage(data) }

// Fail plays a transport error.
func (t *Transport) Fail(err error) { t.h.OnError(err) }

// Teardown plays the data channel going away.
func (t *Transport) Teardown() { t.Fail(errors.Join(tunnel.ErrDataChannel, errors.New("transport closed"))) }
