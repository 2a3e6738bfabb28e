package tunnel

import (
	"fmt"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/openrag/openrag-go/pkg/api"
	"github.com/openrag/openrag-go/pkg/ice"
	"github.com/openrag/openrag-go/pkg/logger"
)

type Peer struct {
	conn      *webrtc.PeerConnection
	initiator bool
	h         Handlers

	mu            sync.Mutex
	d             *webrtc.DataChannel
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit
	closed        bool

	// emitMu keeps the local description ahead of local candidates
	emitMu       sync.Mutex
	described    bool
	pendingLocal []api.Signal

	log *logger.Logger
}

func newPeer(a *webrtc.API, opts Options, h Handlers, log *logger.Logger) (*Peer, error) {
	servers := opts.Servers.Valid()
	if len(servers) == 0 {
		servers = ice.Default()
	}
	conn, err := a.NewPeerConnection(webrtc.Configuration{ICEServers: servers.Pion()})
	if err != nil {
		return nil, err
	}
	p := &Peer{conn: conn, initiator: opts.Initiator, h: h, log: log}
	conn.OnICECandidate(p.handleICECandidate)
	conn.OnConnectionStateChange(p.handleState)

	if !opts.Initiator {
		conn.OnDataChannel(p.addDataChannel)
		p.log.Debug().Msg("WebRTC waits for an offer")
		return p, nil
	}

	label := opts.Label
	if label == "" {
		label = uuid.Must(uuid.NewV4()).String()
	}
	ch, err := conn.CreateDataChannel(label, nil)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.addDataChannel(ch)

	offer, err := conn.CreateOffer(nil)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	// starts ICE gathering
	if err = conn.SetLocalDescription(offer); err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.log.Debug().Msg("Created Offer")
	go p.describe(api.Signal{Type: api.SignalOffer, SDP: offer.SDP})
	return p, nil
}

// Signal applies a remote descriptor. Candidates that come before
// the remote description wait for it.
func (p *Peer) Signal(s api.Signal) error {
	if p.isClosed() {
		return ErrClosed
	}
	switch {
	case s.IsDescription():
		return p.setRemoteSDP(s)
	case s.Candidate != nil:
		return p.addCandidate(webrtc.ICECandidateInit{
			Candidate:        s.Candidate.Candidate,
			SDPMid:           s.Candidate.SDPMid,
			SDPMLineIndex:    s.Candidate.SDPMLineIndex,
			UsernameFragment: s.Candidate.UsernameFragment,
		})
	default:
		p.log.Debug().Str("type", s.Type).Msg("Skip signal")
		return nil
	}
}

func (p *Peer) setRemoteSDP(s api.Signal) error {
	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(s.Type), SDP: s.SDP}
	if p.initiator == (desc.Type == webrtc.SDPTypeOffer) {
		return fmt.Errorf("unexpected %s", s.Type)
	}
	if err := p.conn.SetRemoteDescription(desc); err != nil {
		p.log.Error().Err(err).Msg("Set remote description from peer failed")
		return err
	}
	p.log.Debug().Msg("Set Remote Description")

	if desc.Type == webrtc.SDPTypeOffer {
		answer, err := p.conn.CreateAnswer(nil)
		if err != nil {
			return err
		}
		if err = p.conn.SetLocalDescription(answer); err != nil {
			return err
		}
		p.describe(api.Signal{Type: api.SignalAnswer, SDP: answer.SDP})
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pendingRemote
	p.pendingRemote = nil
	p.mu.Unlock()
	for _, c := range pending {
		if err := p.conn.AddICECandidate(c); err != nil {
			p.log.Warn().Err(err).Str("candidate", c.Candidate).Msg("Queued ICE")
		}
	}
	return nil
}

func (p *Peer) addCandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pendingRemote = append(p.pendingRemote, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.conn.AddICECandidate(c); err != nil {
		return err
	}
	p.log.Debug().Str("candidate", c.Candidate).Msg("Ice")
	return nil
}

// describe sends the local description and then whatever
// candidates were gathered before it.
func (p *Peer) describe(s api.Signal) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	if p.isClosed() {
		return
	}
	p.h.OnSignal(s)
	p.described = true
	for _, c := range p.pendingLocal {
		p.h.OnSignal(c)
	}
	p.pendingLocal = nil
}

func (p *Peer) handleICECandidate(c *webrtc.ICECandidate) {
	// ICE gathering finish condition
	if c == nil {
		p.log.Debug().Msg("ICE gathering was complete probably")
		return
	}
	init := c.ToJSON()
	s := api.Signal{Type: api.SignalCandidate, Candidate: &api.Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}}
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	if p.isClosed() {
		return
	}
	if !p.described {
		p.pendingLocal = append(p.pendingLocal, s)
		return
	}
	p.h.OnSignal(s)
}

func (p *Peer) handleState(state webrtc.PeerConnectionState) {
	p.log.Debug().Str(".state", state.String()).Msg("WebRTC")
	switch state {
	case webrtc.PeerConnectionStateConnected:
		p.log.Debug().Msg("Connected")
	case webrtc.PeerConnectionStateFailed:
		p.log.Error().Msgf("WebRTC connection fail! ice: %v, gathering: %v, signalling: %v",
			p.conn.ICEConnectionState(), p.conn.ICEGatheringState(), p.conn.SignalingState())
		p.fail(ErrConnectionFailed)
	case webrtc.PeerConnectionStateClosed:
		p.fail(fmt.Errorf("%w: closed by peer", ErrConnectionFailed))
	}
}

// addDataChannel binds the data channel callbacks.
// Default params -- ordered: true, negotiated: false.
func (p *Peer) addDataChannel(ch *webrtc.DataChannel) {
	ch.OnOpen(func() {
		p.mu.Lock()
		if p.closed || p.d != nil {
			p.mu.Unlock()
			return
		}
		p.d = ch
		p.mu.Unlock()
		p.log.Debug().Str("label", ch.Label()).Msg("Data channel opened")
		p.h.OnOpen()
	})
	ch.OnError(func(err error) { p.fail(fmt.Errorf("%w: %w", ErrDataChannel, err)) })
	ch.OnMessage(func(m webrtc.DataChannelMessage) {
		if len(m.Data) == 0 || p.isClosed() {
			return
		}
		p.h.OnMessage(m.Data)
	})
	ch.OnClose(func() {
		p.log.Debug().Msg("Data channel has been closed")
		p.fail(fmt.Errorf("%w: closed", ErrDataChannel))
	})
}

func (p *Peer) fail(err error) {
	if p.isClosed() {
		return
	}
	p.h.OnError(err)
}

// Send writes data as a text message, the exit nodes read strings.
func (p *Peer) Send(data []byte) error {
	p.mu.Lock()
	d, closed := p.d, p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if d == nil {
		return ErrNotOpen
	}
	if err := d.SendText(string(data)); err != nil {
		return fmt.Errorf("%w: %w", ErrDataChannel, err)
	}
	return nil
}

func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	// pion may call back into us while closing
	go func() {
		if err := p.conn.Close(); err != nil {
			p.log.Debug().Err(err).Msg("WebRTC close")
		}
		p.log.Debug().Msg("WebRTC stop")
	}()
	return nil
}

func (p *Peer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
