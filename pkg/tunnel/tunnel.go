// Package tunnel is the peer-to-peer data path to an exit node.
package tunnel

import (
	"errors"

	"github.com/openrag/openrag-go/pkg/api"
	"github.com/openrag/openrag-go/pkg/ice"
)

var (
	// ErrDataChannel marks failures of the data channel itself, these
	// show up when either side tears the connection down.
	ErrDataChannel = errors.New("data channel failure")
	// ErrConnectionFailed is a peer connection that couldn't be established
	// or was lost.
	ErrConnectionFailed = errors.New("peer connection failed")
	ErrClosed           = errors.New("tunnel closed")
	ErrNotOpen          = errors.New("tunnel is not open")
)

// Transport is one peer connection with a single data channel.
type Transport interface {
	// Signal applies a descriptor from the remote side.
	Signal(api.Signal) error
	// Send writes a message into the open data channel.
	Send([]byte) error
	// Close tears the connection down. Safe to call many times.
	Close() error
}

// Handlers are bound at construction so nothing happens before
// a handler is there. Callbacks come from transport goroutines.
type Handlers struct {
	// OnSignal gets local descriptors to relay to the remote side,
	// the description always comes before its candidates.
	OnSignal  func(api.Signal)
	OnOpen    func()
	OnMessage func([]byte)
	OnError   func(error)
}

type Options struct {
	// Initiator creates the data channel and sends the offer.
	Initiator bool
	// Servers is the relay set, empty means the bootstrap one.
	Servers ice.Servers
	// Label of the data channel, random when empty.
	Label string
}

// Factory makes transports.
type Factory interface {
	New(Options, Handlers) (Transport, error)
}

// IsTeardown tells if err is from a data channel going away.
func IsTeardown(err error) bool { return errors.Is(err, ErrDataChannel) }

func (h Handlers) withDefaults() Handlers {
	if h.OnSignal == nil {
		h.OnSignal = func(api.Signal) {}
	}
	if h.OnOpen == nil {
		h.OnOpen = func() {}
	}
	if h.OnMessage == nil {
		h.OnMessage = func([]byte) {}
	}
	if h.OnError == nil {
		h.OnError = func(error) {}
	}
	return h
}
