// Package session runs one fetch through an exit node: it asks for a match,
// negotiates a tunnel with the matched node, sends the request and waits for
// the response.
//
//	Idle -> AwaitingPeer -> Signaling -> TunnelOpen -> Settled
//
// Each step is guarded by its own timer and any of them can jump to Settled.
// Settling happens once, whoever gets there first runs the cleanup and the
// rest become no-ops.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"

	"github.com/openrag/openrag-go/pkg/api"
	"github.com/openrag/openrag-go/pkg/control"
	"github.com/openrag/openrag-go/pkg/ice"
	"github.com/openrag/openrag-go/pkg/logger"
	"github.com/openrag/openrag-go/pkg/network"
	"github.com/openrag/openrag-go/pkg/tunnel"
)

type State int

const (
	Idle State = iota
	AwaitingPeer
	Signaling
	TunnelOpen
	Settled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingPeer:
		return "awaiting-peer"
	case Signaling:
		return "signaling"
	case TunnelOpen:
		return "tunnel-open"
	case Settled:
		return "settled"
	default:
		return "unknown"
	}
}

// Signaler is what a session needs from the control channel.
type Signaler interface {
	RequestPeer() error
	SendSignal(targetId string, signal api.Signal) error
	OnPeerFound(func(api.PeerFoundEvent)) *control.Subscription
	OnNoPeersAvailable(func()) *control.Subscription
	OnSignalReceived(func(api.SignalReceivedEvent)) *control.Subscription
	Relays() ice.Servers
}

type Timeouts struct {
	Match     time.Duration
	Handshake time.Duration
	Response  time.Duration
}

var DefaultTimeouts = Timeouts{
	Match:     45 * time.Second,
	Handshake: 40 * time.Second,
	Response:  60 * time.Second,
}

const (
	reasonMatchTimeout     = "request timeout (network busy)"
	reasonHandshakeTimeout = "connection handshake timeout"
	reasonResponseTimeout  = "no response from the exit node"
)

type Session struct {
	url      string
	sig      Signaler
	factory  tunnel.Factory
	clock    clock.Clock
	timeouts Timeouts
	onState  func(State)
	onDrop   func()

	mu        sync.Mutex
	state     State
	target    string
	relays    ice.Servers
	transport tunnel.Transport
	// remote descriptors that came before the transport was made
	pending   []api.Signal
	timer     *clock.Timer
	subs      []*control.Subscription
	noPeerSub *control.Subscription
	body      json.RawMessage
	err       error
	done      chan struct{}

	log *logger.Logger
}

type Option func(*Session)

func WithClock(c clock.Clock) Option { return func(s *Session) { s.clock = c } }

func WithLogger(l *logger.Logger) Option { return func(s *Session) { s.log = l } }

// WithTimeouts overrides the phase windows, zero values keep the defaults.
func WithTimeouts(t Timeouts) Option {
	return func(s *Session) {
		if t.Match > 0 {
			s.timeouts.Match = t.Match
		}
		if t.Handshake > 0 {
			s.timeouts.Handshake = t.Handshake
		}
		if t.Response > 0 {
			s.timeouts.Response = t.Response
		}
	}
}

// WithStateHook sets a callback for every state change.
// It is called with the session lock held and must not call back.
func WithStateHook(fn func(State)) Option { return func(s *Session) { s.onState = fn } }

// WithDropHook sets a callback for every inbound descriptor thrown away.
func WithDropHook(fn func()) Option { return func(s *Session) { s.onDrop = fn } }

func New(url string, sig Signaler, factory tunnel.Factory, opts ...Option) *Session {
	s := &Session{
		url:      url,
		sig:      sig,
		factory:  factory,
		clock:    clock.New(),
		timeouts: DefaultTimeouts,
		done:     make(chan struct{}),
		log:      logger.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Extend(s.log.With().Str(logger.SessionField, network.NewUid().Short()))
	return s
}

// Start asks for a peer. Only the first call does anything.
func (s *Session) Start() {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return
	}
	s.relays = s.sig.Relays()
	s.setState(AwaitingPeer)
	// subscribe before asking so that a fast answer is not lost
	s.subs = append(s.subs, s.sig.OnPeerFound(s.handlePeerFound))
	s.noPeerSub = s.sig.OnNoPeersAvailable(s.handleNoPeers)
	s.subs = append(s.subs, s.noPeerSub)
	s.arm(s.timeouts.Match, AwaitingPeer, reasonMatchTimeout)
	s.mu.Unlock()

	s.log.Debug().Str("url", s.url).Msg("Peer request")
	if err := s.sig.RequestPeer(); err != nil {
		s.settleIf(AwaitingPeer, nil, api.Wrap(api.ErrConnection, err, "peer request failed"))
	}
}

// Done is closed once the session has settled.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result returns the outcome, valid after Done.
func (s *Session) Result() (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.body, s.err
}

// Wait blocks until the session settles or ctx is done. Giving up on
// ctx doesn't stop the session, it still ends on its own timers.
func (s *Session) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-s.done:
		return s.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) handlePeerFound(ev api.PeerFoundEvent) {
	s.mu.Lock()
	if s.state != AwaitingPeer {
		s.mu.Unlock()
		return
	}
	s.noPeerSub.Unsubscribe()
	s.target = ev.TargetId
	s.setState(Signaling)
	s.subs = append(s.subs, s.sig.OnSignalReceived(s.handleSignal))
	s.arm(s.timeouts.Handshake, Signaling, reasonHandshakeTimeout)
	relays := s.relays
	s.mu.Unlock()

	s.log.Info().Str(logger.PeerField, ev.TargetId).Msg("Peer found")
	tr, err := s.factory.New(tunnel.Options{Initiator: true, Servers: relays}, tunnel.Handlers{
		OnSignal:  s.handleLocalSignal,
		OnOpen:    s.handleOpen,
		OnMessage: s.handleMessage,
		OnError:   s.handleTransportError,
	})
	if err != nil {
		s.settleIf(Signaling, nil, api.Wrap(api.ErrTunnel, err, "tunnel setup failed"))
		return
	}

	s.mu.Lock()
	if s.state == Settled {
		s.mu.Unlock()
		_ = tr.Close()
		return
	}
	s.transport = tr
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, sig := range pending {
		s.apply(tr, sig)
	}
}

func (s *Session) handleNoPeers() {
	s.settleIf(AwaitingPeer, nil, api.Fail(api.ErrNoPeers, ""))
}

// handleSignal takes descriptors from the matched node only.
func (s *Session) handleSignal(ev api.SignalReceivedEvent) {
	s.mu.Lock()
	if (s.state != Signaling && s.state != TunnelOpen) || ev.SenderId != s.target {
		s.mu.Unlock()
		return
	}
	sig, err := api.ParseSignal(ev.Signal)
	if err != nil {
		s.mu.Unlock()
		s.log.Debug().Err(err).Msg("Drop signal")
		if s.onDrop != nil {
			s.onDrop()
		}
		return
	}
	tr := s.transport
	if tr == nil {
		s.pending = append(s.pending, *sig)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.apply(tr, *sig)
}

// apply hands a descriptor to the transport, failures are not fatal.
func (s *Session) apply(tr tunnel.Transport, sig api.Signal) {
	if err := tr.Signal(sig); err != nil {
		s.log.Warn().Err(err).Str("type", sig.Type).Msg("Signal")
	}
}

func (s *Session) handleLocalSignal(sig api.Signal) {
	s.mu.Lock()
	state, target := s.state, s.target
	s.mu.Unlock()
	if state != Signaling && state != TunnelOpen {
		return
	}
	if sig.IsDegenerate() {
		return
	}
	if err := s.sig.SendSignal(target, sig); err != nil {
		s.log.Warn().Err(err).Str("type", sig.Type).Msg("Signal relay")
	}
}

func (s *Session) handleOpen() {
	s.mu.Lock()
	if s.state != Signaling {
		s.mu.Unlock()
		return
	}
	s.setState(TunnelOpen)
	s.arm(s.timeouts.Response, TunnelOpen, reasonResponseTimeout)
	tr := s.transport
	s.mu.Unlock()

	s.log.Debug().Msg("Tunnel is open")
	if tr == nil {
		s.settleIf(TunnelOpen, nil, api.Fail(api.ErrTunnel, "tunnel opened before setup"))
		return
	}
	rq, err := api.FetchRequest{Url: s.url}.Marshal()
	if err != nil {
		s.settleIf(TunnelOpen, nil, api.Wrap(api.ErrTunnel, err, ""))
		return
	}
	if err = tr.Send(rq); err != nil {
		s.settleIf(TunnelOpen, nil, api.Wrap(api.ErrTunnel, err, "request send failed"))
	}
}

func (s *Session) handleMessage(data []byte) {
	resp, err := api.ParseFetchResponse(data)
	if err != nil {
		s.settleIf(TunnelOpen, nil, api.Wrap(api.ErrTunnel, err, "malformed response"))
		return
	}
	body, err := resp.Result()
	s.settleIf(TunnelOpen, body, err)
}

// handleTransportError fails an unsettled session. Errors that come
// after settling are the tunnel being closed and are ignored.
func (s *Session) handleTransportError(err error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == Settled {
		s.log.Debug().Err(err).Bool("teardown", tunnel.IsTeardown(err)).Msg("Ignored transport error")
		return
	}
	s.log.Warn().Err(err).Msg("Transport")
	s.settleIf(state, nil, api.Wrap(api.ErrTunnel, err, ""))
}

// arm replaces the phase timer, mu must be held.
func (s *Session) arm(d time.Duration, phase State, reason string) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clock.AfterFunc(d, func() {
		s.settleIf(phase, nil, api.Fail(api.ErrTimeout, reason))
	})
}

func (s *Session) setState(state State) {
	s.state = state
	if s.onState != nil {
		s.onState(state)
	}
}

// settleIf ends the session when it's still in the given state.
func (s *Session) settleIf(phase State, body json.RawMessage, err error) {
	s.mu.Lock()
	if s.state != phase {
		s.mu.Unlock()
		return
	}
	s.body, s.err = body, err
	s.setState(Settled)
	target := s.target
	subs, timer, tr := s.subs, s.timer, s.transport
	s.subs, s.timer, s.transport, s.pending = nil, nil, nil, nil
	close(s.done)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if timer != nil {
		timer.Stop()
	}
	if tr != nil {
		_ = tr.Close()
	}
	if err != nil {
		s.log.Info().Err(err).Str("url", s.url).Str(logger.PeerField, target).Msg("Fetch failed")
		return
	}
	s.log.Info().Str("url", s.url).Str(logger.PeerField, target).Int("size", len(body)).Msg("Fetch done")
}
