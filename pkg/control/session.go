// Package control keeps the authenticated connection to the signaling
// service and routes its events to peer sessions.
package control

import (
	"context"
	"sync"

	"github.com/goccy/go-json"

	"github.com/openrag/openrag-go/pkg/api"
	"github.com/openrag/openrag-go/pkg/ice"
	"github.com/openrag/openrag-go/pkg/logger"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Session is the client side of the control channel.
type Session struct {
	dialer Dialer
	relays *ice.Relays

	mu    sync.Mutex
	ch    Channel
	state State
	// gen tells channels of old connects apart
	gen uint64
	// changed is closed on the next state change
	changed chan struct{}

	peerFound topic[api.PeerFoundEvent]
	noPeers   topic[struct{}]
	signals   topic[api.SignalReceivedEvent]

	onState   func(State)
	onDropped func(event string)

	log *logger.Logger
}

type Option func(*Session)

// WithStateHook sets a callback for every state change.
func WithStateHook(fn func(State)) Option { return func(s *Session) { s.onState = fn } }

// WithDropHook sets a callback for every inbound event that was thrown away.
func WithDropHook(fn func(event string)) Option { return func(s *Session) { s.onDropped = fn } }

func NewSession(dialer Dialer, relays *ice.Relays, log *logger.Logger, opts ...Option) *Session {
	if relays == nil {
		relays = ice.NewRelays(nil)
	}
	s := &Session{
		dialer:    dialer,
		relays:    relays,
		peerFound: topic[api.PeerFoundEvent]{oneShot: true},
		noPeers:   topic[struct{}]{oneShot: true},
		log:       log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens the channel and returns once it's authenticated.
// Connecting a connected session does nothing. While another connect or
// a reconnect is in progress it waits for its outcome.
func (s *Session) Connect(ctx context.Context, endpoint, token string) error {
	s.mu.Lock()
	for s.state != Disconnected {
		if s.state == Connected {
			s.mu.Unlock()
			return nil
		}
		if s.changed == nil {
			s.changed = make(chan struct{})
		}
		changed := s.changed
		s.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return api.Wrap(api.ErrConnection, ctx.Err(), "")
		}
		s.mu.Lock()
	}
	s.gen++
	gen := s.gen
	s.setState(Connecting)
	s.mu.Unlock()

	ch, err := s.dialer.Dial(ctx, endpoint, token, &sink{s: s, gen: gen})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.gen == gen {
			s.setState(Disconnected)
		}
		s.log.Error().Err(err).Str("server", endpoint).Msg("Control channel connect failed")
		return api.Wrap(api.ErrConnection, err, "")
	}
	if s.gen != gen || s.state == Disconnected {
		// Disconnect was called meanwhile
		_ = ch.Close()
		return api.Fail(api.ErrConnection, "disconnected while connecting")
	}
	s.ch = ch
	s.setState(Connected)
	s.log.Info().Str("server", endpoint).Msg("Connected to the signaling service")
	return nil
}

// Disconnect closes the channel. Safe to call many times.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	ch := s.ch
	s.ch = nil
	s.gen++
	s.setState(Disconnected)
	s.mu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.Close()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Relays returns the current relay snapshot.
func (s *Session) Relays() ice.Servers { return s.relays.Load() }

// RequestPeer asks the service to match an exit node.
func (s *Session) RequestPeer() error { return s.emit(api.RequestPeer, nil) }

// SendSignal forwards a negotiation descriptor to the node.
func (s *Session) SendSignal(targetId string, signal api.Signal) error {
	return s.emit(api.SignalMessage, api.SignalMessageEvent{TargetId: targetId, Signal: signal})
}

func (s *Session) emit(name string, payload any) error {
	s.mu.Lock()
	ch, state := s.ch, s.state
	s.mu.Unlock()
	if ch == nil || state != Connected {
		return api.ErrNotConnected
	}
	if err := ch.Emit(name, payload); err != nil {
		return api.Wrap(api.ErrNotConnected, err, "")
	}
	s.log.Debug().Str(logger.EventField, name).Str(logger.DirectionField, "->").Msg("Emit")
	return nil
}

// OnPeerFound registers fn for the next match. Each match goes to
// one handler only, the oldest one, which is then dropped.
func (s *Session) OnPeerFound(fn func(api.PeerFoundEvent)) *Subscription {
	return s.peerFound.subscribe(fn)
}

// OnNoPeersAvailable is OnPeerFound for a failed match.
func (s *Session) OnNoPeersAvailable(fn func()) *Subscription {
	return s.noPeers.subscribe(func(struct{}) { fn() })
}

// OnSignalReceived registers fn for all descriptors from all nodes.
func (s *Session) OnSignalReceived(fn func(api.SignalReceivedEvent)) *Subscription {
	return s.signals.subscribe(fn)
}

// Subscribers returns the number of live handlers, for tests and metrics.
func (s *Session) Subscribers() int { return s.peerFound.len() + s.noPeers.len() + s.signals.len() }

func (s *Session) setState(state State) {
	if s.state == state {
		return
	}
	s.state = state
	if s.changed != nil {
		close(s.changed)
		s.changed = nil
	}
	if s.onState != nil {
		s.onState(state)
	}
}

func (s *Session) drop(name string, reason string) {
	s.log.Debug().Str(logger.EventField, name).Str("reason", reason).Msg("Drop")
	if s.onDropped != nil {
		s.onDropped(name)
	}
}

func (s *Session) handleEvent(name string, payload json.RawMessage) {
	s.log.Debug().Str(logger.EventField, name).Str(logger.DirectionField, "<-").Msg("Event")
	switch name {
	case api.PeerFound:
		ev, err := api.UnwrapChecked[api.PeerFoundEvent](payload)
		if err != nil || ev.TargetId == "" {
			s.drop(name, "no target")
			return
		}
		if s.peerFound.publish(*ev) == 0 {
			s.drop(name, "nobody waits")
		}
	case api.NoPeersAvailable:
		if s.noPeers.publish(struct{}{}) == 0 {
			s.drop(name, "nobody waits")
		}
	case api.SignalReceived:
		ev, err := api.UnwrapChecked[api.SignalReceivedEvent](payload)
		if err != nil || ev.SenderId == "" {
			s.drop(name, "no sender")
			return
		}
		s.signals.publish(*ev)
	case api.IceConfig:
		ev, err := api.UnwrapChecked[api.IceConfigEvent](payload)
		if err != nil {
			s.drop(name, err.Error())
			return
		}
		if !s.relays.Replace(ev.IceServers) {
			s.drop(name, "empty")
			return
		}
		s.log.Info().Int("servers", len(ev.IceServers)).Msg("Relay servers updated")
	default:
		s.drop(name, "unknown")
	}
}

// sink binds channel callbacks to one Connect call.
type sink struct {
	s   *Session
	gen uint64
}

func (k *sink) current() bool {
	k.s.mu.Lock()
	defer k.s.mu.Unlock()
	return k.s.gen == k.gen
}

func (k *sink) HandleEvent(name string, payload json.RawMessage) {
	if !k.current() {
		return
	}
	k.s.handleEvent(name, payload)
}

func (k *sink) HandleUp() {
	s := k.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != k.gen || s.ch == nil {
		return
	}
	s.setState(Connected)
	s.log.Info().Msg("Control channel is back")
}

func (k *sink) HandleDown(err error, final bool) {
	s := k.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != k.gen {
		return
	}
	if final {
		s.ch = nil
		s.setState(Disconnected)
		s.log.Warn().Err(err).Msg("Control channel closed")
		return
	}
	s.setState(Connecting)
	s.log.Warn().Err(err).Msg("Control channel dropped")
}
