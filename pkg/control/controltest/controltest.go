// Package controltest provides an in-memory control channel for tests.
package controltest

import (
	"context"
	"errors"
	"sync"

	"github.com/goccy/go-json"

	"github.com/openrag/openrag-go/pkg/api"
	"github.com/openrag/openrag-go/pkg/control"
)

var ErrClosed = errors.New("controltest: channel closed")

// Emitted is one outbound event.
type Emitted struct {
	Name    string
	Payload any
}

// Dialer hands out Channels and remembers the last one.
type Dialer struct {
	// Token is the only accepted token, empty accepts anything.
	Token string
	// Err fails every Dial when set.
	Err error

	mu      sync.Mutex
	dials   int
	channel *Channel
	tokens  []string
}

func (d *Dialer) Dial(_ context.Context, _ string, token string, sink control.Sink) (control.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.tokens = append(d.tokens, token)
	if d.Err != nil {
		return nil, d.Err
	}
	if d.Token != "" && token != d.Token {
		return nil, errors.New("controltest: Invalid API Key")
	}
	d.channel = &Channel{sink: sink}
	return d.channel, nil
}

// Channel returns the channel of the last successful dial.
func (d *Dialer) Channel() *Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channel
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *Dialer) Tokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

// Channel records emits and lets tests play the server.
type Channel struct {
	sink control.Sink

	mu      sync.Mutex
	emitted []Emitted
	closed  bool
	// EmitErr fails every Emit when set.
	EmitErr error
	onEmit  func(Emitted)
}

func (c *Channel) Emit(name string, payload any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.EmitErr != nil {
		err := c.EmitErr
		c.mu.Unlock()
		return err
	}
	e := Emitted{Name: name, Payload: payload}
	c.emitted = append(c.emitted, e)
	hook := c.onEmit
	c.mu.Unlock()
	if hook != nil {
		hook(e)
	}
	return nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetOnEmit sets a callback that runs after each recorded emit,
// outside of the lock, so it may inject replies.
func (c *Channel) SetOnEmit(fn func(Emitted)) {
	c.mu.Lock()
	c.onEmit = fn
	c.mu.Unlock()
}

// Emitted returns all the events sent so far.
func (c *Channel) Emitted() []Emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Emitted(nil), c.emitted...)
}

// Count returns how many events with the name were sent.
func (c *Channel) Count(name string) int {
	n := 0
	for _, e := range c.Emitted() {
		if e.Name == name {
			n++
		}
	}
	return n
}

// Signals returns the descriptors sent to the node.
func (c *Channel) Signals(targetId string) []api.Signal {
	var out []api.Signal
	for _, e := range c.Emitted() {
		if m, ok := e.Payload.(api.SignalMessageEvent); ok && m.TargetId == targetId {
			out = append(out, m.Signal)
		}
	}
	return out
}

// Inject delivers an inbound event with payload marshaled to JSON,
// a []byte or json.RawMessage payload is used as is.
func (c *Channel) Inject(name string, payload any) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			panic(err)
		}
		raw = data
	}
	c.sink.HandleEvent(name, raw)
}

// PeerFound plays a match.
func (c *Channel) PeerFound(targetId string) {
	c.Inject(api.PeerFound, api.PeerFoundEvent{TargetId: targetId})
}

// NoPeers plays a failed match.
func (c *Channel) NoPeers() { c.Inject(api.NoPeersAvailable, nil) }

// Signal plays a descriptor sent by the node.
func (c *Channel) Signal(senderId string, signal any) {
	data, err := json.Marshal(signal)
	if err != nil {
		panic(err)
	}
	c.Inject(api.SignalReceived, api.SignalReceivedEvent{SenderId: senderId, Signal: data})
}

// Drop plays a transport drop.
func (c *Channel) Drop(err error, final bool) { c.sink.HandleDown(err, final) }

// Restore plays a reconnect.
func (c *Channel) Restore() { c.sink.HandleUp() }
