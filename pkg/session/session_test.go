package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrag/openrag-go/pkg/api"
	"github.com/openrag/openrag-go/pkg/control"
	"github.com/openrag/openrag-go/pkg/control/controltest"
	"github.com/openrag/openrag-go/pkg/ice"
	"github.com/openrag/openrag-go/pkg/logger"
	"github.com/openrag/openrag-go/pkg/tunnel"
	"github.com/openrag/openrag-go/pkg/tunnel/tunneltest"
)

const target = "node-1"

// the control channel is what sessions run on
var _ Signaler = (*control.Session)(nil)

type fixture struct {
	ctrl    *control.Session
	ch      *controltest.Channel
	tunnels *tunneltest.Factory
	clock   *clock.Mock
	drops   int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d := &controltest.Dialer{}
	ctrl := control.NewSession(d, ice.NewRelays(nil), logger.Nop())
	require.NoError(t, ctrl.Connect(context.Background(), "http://localhost", "key"))
	return &fixture{ctrl: ctrl, ch: d.Channel(), tunnels: &tunneltest.Factory{}, clock: clock.NewMock()}
}

func (f *fixture) start(url string) *Session {
	s := New(url, f.ctrl, f.tunnels,
		WithClock(f.clock),
		WithLogger(logger.Nop()),
		WithDropHook(func() { f.drops++ }),
	)
	s.Start()
	return s
}

// wait waits for settling in real time, mock timers fire on their own goroutines.
func wait(t *testing.T, s *Session) (string, error) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session is still %v", s.State())
	}
	body, err := s.Result()
	return string(body), err
}

func (f *fixture) open(t *testing.T, s *Session) *tunneltest.Transport {
	t.Helper()
	f.ch.PeerFound(target)
	tr := f.tunnels.Last()
	require.NotNil(t, tr)
	assert.Equal(t, Signaling, s.State())
	tr.Open()
	assert.Equal(t, TunnelOpen, s.State())
	return tr
}

func TestFetch(t *testing.T) {
	f := newFixture(t)
	s := f.start("https://api.ipify.org?format=json")
	assert.Equal(t, AwaitingPeer, s.State())
	assert.Equal(t, 1, f.ch.Count(api.RequestPeer))

	f.ch.PeerFound(target)
	tr := f.tunnels.Last()
	require.NotNil(t, tr)
	assert.True(t, tr.Options.Initiator)
	assert.Equal(t, ice.Default(), tr.Options.Servers)

	// local descriptors go to the node
	offer := api.Signal{Type: api.SignalOffer, SDP: "v=0 offer"}
	tr.Emit(offer)
	tr.Emit(api.Signal{Type: api.SignalCandidate, Candidate: &api.Candidate{}})
	assert.Equal(t, []api.Signal{offer}, f.ch.Signals(target))

	// remote descriptors from the node only
	f.ch.Signal(target, api.Signal{Type: api.SignalAnswer, SDP: "v=0 answer"})
	f.ch.Signal("someone-else", api.Signal{Type: api.SignalAnswer, SDP: "v=0 other"})
	assert.Equal(t, []api.Signal{{Type: api.SignalAnswer, SDP: "v=0 answer"}}, tr.Signals())

	tr.Open()
	require.Len(t, tr.Sent(), 1)
	assert.JSONEq(t, `{"url":"https://api.ipify.org?format=json"}`, string(tr.Sent()[0]))

	tr.Deliver([]byte(`{"status":200,"body":"X"}`))
	body, err := wait(t, s)
	require.NoError(t, err)
	assert.Equal(t, `"X"`, body)

	assert.Equal(t, Settled, s.State())
	assert.Equal(t, 1, tr.Closed())
	assert.Zero(t, f.ctrl.Subscribers(), "all listeners are gone")
}

func TestFetchRemoteError(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		message string
	}{
		{name: "with text", data: `{"status":500,"error":"boom"}`, message: "boom"},
		{name: "without text", data: `{"status":500}`, message: api.DefaultRemoteReason},
		{name: "not found", data: `{"status":404,"body":"nope"}`, message: api.DefaultRemoteReason},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t)
			s := f.start("http://example.com")
			tr := f.open(t, s)
			tr.Deliver([]byte(test.data))

			body, err := wait(t, s)
			assert.Empty(t, body)
			require.ErrorIs(t, err, api.ErrRemote)
			assert.Equal(t, test.message, err.Error())
			assert.Equal(t, 1, tr.Closed())
		})
	}
}

func TestMalformedResponse(t *testing.T) {
	f := newFixture(t)
	s := f.start("http://example.com")
	tr := f.open(t, s)
	tr.Deliver([]byte(`not json`))

	_, err := wait(t, s)
	assert.ErrorIs(t, err, api.ErrTunnel)
	assert.ErrorIs(t, err, api.ErrMalformed)
}

func TestMatchTimeout(t *testing.T) {
	f := newFixture(t)
	s := f.start("http://example.com")

	f.clock.Add(44 * time.Second)
	assert.Equal(t, AwaitingPeer, s.State())
	f.clock.Add(time.Second)

	_, err := wait(t, s)
	require.ErrorIs(t, err, api.ErrTimeout)
	assert.NotErrorIs(t, err, api.ErrNoPeers)

	// a late match has nobody to go to
	f.ch.PeerFound(target)
	assert.Zero(t, f.tunnels.Count())
	assert.Zero(t, f.ctrl.Subscribers())
	assert.Equal(t, 1, f.ch.Count(api.RequestPeer))
}

func TestNoPeers(t *testing.T) {
	f := newFixture(t)
	s := f.start("http://example.com")
	f.ch.NoPeers()

	_, err := wait(t, s)
	require.ErrorIs(t, err, api.ErrNoPeers)
	assert.Equal(t, "no nodes available right now", err.Error())
	assert.Zero(t, f.ctrl.Subscribers())

	// the timer is stopped
	f.clock.Add(time.Minute)
	_, err = s.Result()
	assert.ErrorIs(t, err, api.ErrNoPeers)
}

func TestHandshakeTimeout(t *testing.T) {
	f := newFixture(t)
	s := f.start("http://example.com")
	f.clock.Add(30 * time.Second)
	f.ch.PeerFound(target)
	tr := f.tunnels.Last()
	require.NotNil(t, tr)

	// the match window is gone, the handshake one is 40s from the match
	f.clock.Add(39 * time.Second)
	assert.Equal(t, Signaling, s.State())
	f.clock.Add(time.Second)

	_, err := wait(t, s)
	require.ErrorIs(t, err, api.ErrTimeout)
	assert.Equal(t, "connection handshake timeout", err.Error())
	assert.Equal(t, 1, tr.Closed())

	// an open after the timeout changes nothing
	tr.Open()
	assert.Empty(t, tr.Sent())
}

func TestResponseTimeout(t *testing.T) {
	f := newFixture(t)
	s := f.start("http://example.com")
	tr := f.open(t, s)

	f.clock.Add(60 * time.Second)
	_, err := wait(t, s)
	require.ErrorIs(t, err, api.ErrTimeout)
	assert.Equal(t, 1, tr.Closed())
}

func TestMalformedSignalsAreSwallowed(t *testing.T) {
	f := newFixture(t)
	s := f.start("http://example.com")
	f.ch.PeerFound(target)
	tr := f.tunnels.Last()
	require.NotNil(t, tr)

	f.ch.Signal(target, api.Signal{Type: api.SignalAnswer, SDP: "v=0"})
	f.ch.Signal(target, nil)
	f.ch.Signal(target, map[string]any{})
	f.ch.Signal(target, api.Signal{Type: api.SignalAnswer})
	f.ch.Signal(target, api.Signal{Type: api.SignalCandidate, Candidate: &api.Candidate{Candidate: ""}})
	f.ch.Signal(target, "garbage")

	assert.Len(t, tr.Signals(), 1)
	assert.Equal(t, 5, f.drops)
	assert.Equal(t, Signaling, s.State())

	// an apply failure isn't fatal either
	tr.SignalErr = errors.New("bad candidate")
	f.ch.Signal(target, api.Signal{Type: api.SignalCandidate, Candidate: &api.Candidate{Candidate: "candidate:1"}})
	assert.Equal(t, Signaling, s.State())

	tr.Open()
	tr.Deliver([]byte(`{"status":200,"body":{"ip":"1.2.3.4"}}`))
	body, err := wait(t, s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ip":"1.2.3.4"}`, body)
}

func TestTransportError(t *testing.T) {
	f := newFixture(t)
	s := f.start("http://example.com")
	f.ch.PeerFound(target)
	tr := f.tunnels.Last()
	require.NotNil(t, tr)

	tr.Fail(tunnel.ErrConnectionFailed)
	_, err := wait(t, s)
	require.ErrorIs(t, err, api.ErrTunnel)
	assert.ErrorIs(t, err, tunnel.ErrConnectionFailed)
	assert.Equal(t, 1, tr.Closed())
}

func TestTunnelSetupError(t *testing.T) {
	f := newFixture(t)
	f.tunnels.Err = errors.New("no udp")
	s := f.start("http://example.com")
	f.ch.PeerFound(target)

	_, err := wait(t, s)
	assert.ErrorIs(t, err, api.ErrTunnel)
	assert.Zero(t, f.ctrl.Subscribers())
}

func TestLateEventsAfterSettle(t *testing.T) {
	f := newFixture(t)
	s := f.start("http://example.com")
	tr := f.open(t, s)
	tr.Deliver([]byte(`{"status":200,"body":"first"}`))
	body, err := wait(t, s)
	require.NoError(t, err)

	// nothing changes the outcome any more
	tr.Teardown()
	tr.Fail(tunnel.ErrConnectionFailed)
	tr.Deliver([]byte(`{"status":500,"error":"second"}`))
	tr.Open()
	f.ch.Signal(target, api.Signal{Type: api.SignalAnswer, SDP: "v=0"})
	f.ch.NoPeers()
	f.clock.Add(time.Hour)

	again, err2 := s.Result()
	assert.NoError(t, err2)
	assert.Equal(t, body, string(again))
	assert.Equal(t, 1, tr.Closed())
	assert.Len(t, tr.Sent(), 1)
	assert.Empty(t, tr.Signals())
}

func TestConcurrentSessionsDoNotCrossTalk(t *testing.T) {
	f := newFixture(t)
	a := f.start("http://a.example")
	b := f.start("http://b.example")

	f.ch.PeerFound("node-a")
	trA := f.tunnels.Last()
	f.ch.PeerFound("node-b")
	trB := f.tunnels.Last()
	require.NotSame(t, trA, trB)

	f.ch.Signal("node-a", api.Signal{Type: api.SignalAnswer, SDP: "v=0 a"})
	f.ch.Signal("node-b", api.Signal{Type: api.SignalAnswer, SDP: "v=0 b"})
	assert.Equal(t, []api.Signal{{Type: api.SignalAnswer, SDP: "v=0 a"}}, trA.Signals())
	assert.Equal(t, []api.Signal{{Type: api.SignalAnswer, SDP: "v=0 b"}}, trB.Signals())

	trB.Open()
	trB.Deliver([]byte(`{"status":200,"body":"b"}`))
	trA.Open()
	trA.Deliver([]byte(`{"status":200,"body":"a"}`))

	bodyA, err := wait(t, a)
	require.NoError(t, err)
	bodyB, err := wait(t, b)
	require.NoError(t, err)
	assert.Equal(t, `"a"`, bodyA)
	assert.Equal(t, `"b"`, bodyB)
}

func TestRequestPeerFails(t *testing.T) {
	f := newFixture(t)
	f.ch.EmitErr = errors.New("write: broken pipe")
	s := f.start("http://example.com")

	_, err := wait(t, s)
	assert.ErrorIs(t, err, api.ErrConnection)
	assert.Zero(t, f.ctrl.Subscribers())
}

func TestFastMatch(t *testing.T) {
	f := newFixture(t)
	// the service answers before RequestPeer returns
	f.ch.SetOnEmit(func(e controltest.Emitted) {
		if e.Name == api.RequestPeer {
			f.ch.PeerFound(target)
		}
	})
	s := f.start("http://example.com")
	assert.Equal(t, Signaling, s.State())
	assert.Equal(t, 1, f.tunnels.Count())
}

func TestWaitGivesUp(t *testing.T) {
	f := newFixture(t)
	s := f.start("http://example.com")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, AwaitingPeer, s.State(), "the session goes on")

	f.clock.Add(45 * time.Second)
	_, err = wait(t, s)
	assert.ErrorIs(t, err, api.ErrTimeout)
}

func TestStartOnce(t *testing.T) {
	f := newFixture(t)
	s := f.start("http://example.com")
	s.Start()
	assert.Equal(t, 1, f.ch.Count(api.RequestPeer))
}

func TestRelaySnapshot(t *testing.T) {
	f := newFixture(t)
	s := f.start("http://example.com")

	turn := ice.Server{Urls: []string{"turn:t.example"}, Username: "u", Credential: "p"}
	f.ch.Inject(api.IceConfig, api.IceConfigEvent{IceServers: ice.Servers{turn}})
	f.ch.PeerFound(target)

	tr := f.tunnels.Last()
	require.NotNil(t, tr)
	assert.Equal(t, ice.Default(), tr.Options.Servers, "the set read at start is used")
	assert.Equal(t, Signaling, s.State())

	next := f.start("http://example.com")
	f.ch.PeerFound("node-2")
	assert.Equal(t, ice.Servers{turn}, f.tunnels.Last().Options.Servers)
	assert.Equal(t, Signaling, next.State())
}
