package control_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrag/openrag-go/pkg/api"
	"github.com/openrag/openrag-go/pkg/control"
	"github.com/openrag/openrag-go/pkg/control/controltest"
	"github.com/openrag/openrag-go/pkg/ice"
	"github.com/openrag/openrag-go/pkg/logger"
)

func connected(t *testing.T, opts ...control.Option) (*control.Session, *controltest.Channel) {
	t.Helper()
	d := &controltest.Dialer{Token: "key"}
	s := control.NewSession(d, nil, logger.Nop(), opts...)
	require.NoError(t, s.Connect(context.Background(), "http://localhost", "key"))
	return s, d.Channel()
}

func TestConnect(t *testing.T) {
	var states []control.State
	d := &controltest.Dialer{Token: "key"}
	s := control.NewSession(d, nil, logger.Nop(),
		control.WithStateHook(func(st control.State) { states = append(states, st) }))
	assert.Equal(t, control.Disconnected, s.State())

	require.NoError(t, s.Connect(context.Background(), "http://localhost", "key"))
	assert.Equal(t, control.Connected, s.State())
	require.NoError(t, s.Connect(context.Background(), "http://localhost", "key"))
	assert.Equal(t, 1, d.Dials(), "connected session doesn't dial again")

	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Disconnect())
	assert.Equal(t, control.Disconnected, s.State())
	assert.True(t, d.Channel().Closed())
	assert.Equal(t, []control.State{control.Connecting, control.Connected, control.Disconnected}, states)
}

func TestConnectRefused(t *testing.T) {
	d := &controltest.Dialer{Token: "key"}
	s := control.NewSession(d, nil, logger.Nop())
	err := s.Connect(context.Background(), "http://localhost", "bad")
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrConnection)
	assert.Equal(t, control.Disconnected, s.State())

	assert.ErrorIs(t, s.RequestPeer(), api.ErrNotConnected)
}

func TestEmit(t *testing.T) {
	s, ch := connected(t)

	require.NoError(t, s.RequestPeer())
	require.NoError(t, s.SendSignal("n1", api.Signal{Type: api.SignalOffer, SDP: "v=0"}))

	emitted := ch.Emitted()
	require.Len(t, emitted, 2)
	assert.Equal(t, controltest.Emitted{Name: api.RequestPeer}, emitted[0])
	assert.Equal(t, api.SignalMessage, emitted[1].Name)
	assert.Equal(t, []api.Signal{{Type: api.SignalOffer, SDP: "v=0"}}, ch.Signals("n1"))

	ch.EmitErr = errors.New("gone")
	assert.ErrorIs(t, s.RequestPeer(), api.ErrNotConnected)
}

func TestMatchGoesToOldestSubscriber(t *testing.T) {
	s, ch := connected(t)

	var got []string
	first := s.OnPeerFound(func(ev api.PeerFoundEvent) { got = append(got, "first:"+ev.TargetId) })
	s.OnPeerFound(func(ev api.PeerFoundEvent) { got = append(got, "second:"+ev.TargetId) })
	defer first.Unsubscribe()

	ch.PeerFound("a")
	ch.PeerFound("b")
	ch.PeerFound("c")

	assert.Equal(t, []string{"first:a", "second:b"}, got, "each match is consumed once, extra ones are dropped")
	assert.Equal(t, 0, s.Subscribers())
}

func TestUnsubscribedMatchSkipsToNext(t *testing.T) {
	s, ch := connected(t)

	var got []string
	first := s.OnNoPeersAvailable(func() { got = append(got, "first") })
	s.OnNoPeersAvailable(func() { got = append(got, "second") })
	first.Unsubscribe()
	first.Unsubscribe()
	var none *control.Subscription
	none.Unsubscribe()

	ch.NoPeers()
	assert.Equal(t, []string{"second"}, got)
}

func TestSignalsAreBroadcast(t *testing.T) {
	s, ch := connected(t)

	var a, b []string
	subA := s.OnSignalReceived(func(ev api.SignalReceivedEvent) { a = append(a, ev.SenderId) })
	s.OnSignalReceived(func(ev api.SignalReceivedEvent) { b = append(b, ev.SenderId) })

	ch.Signal("n1", api.Signal{Type: api.SignalAnswer, SDP: "v=0"})
	subA.Unsubscribe()
	ch.Signal("n2", nil)
	ch.Inject(api.SignalReceived, map[string]any{"signal": map[string]string{"type": "answer"}})

	assert.Equal(t, []string{"n1"}, a)
	assert.Equal(t, []string{"n1", "n2"}, b, "without sender the event is dropped")
}

func TestHandlerMayUnsubscribe(t *testing.T) {
	s, ch := connected(t)

	var sub *control.Subscription
	var calls int
	sub = s.OnSignalReceived(func(api.SignalReceivedEvent) {
		calls++
		sub.Unsubscribe()
	})
	ch.Signal("n1", nil)
	ch.Signal("n1", nil)
	assert.Equal(t, 1, calls)
}

func TestIceConfig(t *testing.T) {
	relays := ice.NewRelays(nil)
	d := &controltest.Dialer{}
	var dropped []string
	s := control.NewSession(d, relays, logger.Nop(),
		control.WithDropHook(func(ev string) { dropped = append(dropped, ev) }))
	require.NoError(t, s.Connect(context.Background(), "http://localhost", "key"))
	ch := d.Channel()

	assert.Equal(t, ice.Default(), s.Relays())

	turn := ice.Server{Urls: []string{"turn:t.example:3478"}, Username: "u", Credential: "p"}
	ch.Inject(api.IceConfig, api.IceConfigEvent{IceServers: ice.Servers{turn}})
	assert.Equal(t, ice.Servers{turn}, s.Relays())

	ch.Inject(api.IceConfig, api.IceConfigEvent{})
	ch.Inject(api.IceConfig, []byte(`{"iceServers":[]}`))
	assert.Equal(t, ice.Servers{turn}, s.Relays(), "empty updates keep the last set")
	assert.Equal(t, []string{api.IceConfig, api.IceConfig}, dropped)
}

func TestReconnectStates(t *testing.T) {
	var mu sync.Mutex
	var states []control.State
	s, ch := connected(t, control.WithStateHook(func(st control.State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	}))

	ch.Drop(errors.New("read timeout"), false)
	assert.Equal(t, control.Connecting, s.State())
	assert.ErrorIs(t, s.RequestPeer(), api.ErrNotConnected)

	ch.Restore()
	assert.Equal(t, control.Connected, s.State())
	require.NoError(t, s.RequestPeer())

	ch.Drop(errors.New("kicked"), true)
	assert.Equal(t, control.Disconnected, s.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []control.State{
		control.Connecting, control.Connected,
		control.Connecting, control.Connected,
		control.Disconnected,
	}, states)
}

func TestEventsAfterDisconnectAreIgnored(t *testing.T) {
	s, ch := connected(t)
	var calls int
	s.OnPeerFound(func(api.PeerFoundEvent) { calls++ })
	require.NoError(t, s.Disconnect())

	ch.PeerFound("late")
	ch.Restore()
	assert.Zero(t, calls)
	assert.Equal(t, control.Disconnected, s.State())
}

func TestConnectWaitsForReconnect(t *testing.T) {
	d := &controltest.Dialer{Token: "key"}
	s := control.NewSession(d, nil, logger.Nop())
	require.NoError(t, s.Connect(context.Background(), "http://localhost", "key"))
	ch := d.Channel()
	ch.Drop(errors.New("read timeout"), false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Connect(ctx, "http://localhost", "key"), api.ErrConnection)

	done := make(chan error, 1)
	go func() { done <- s.Connect(context.Background(), "http://localhost", "key") }()
	select {
	case err := <-done:
		t.Fatalf("connect returned while reconnecting: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	ch.Restore()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("connect didn't return after the reconnect")
	}
	assert.Equal(t, control.Connected, s.State())
	assert.Equal(t, 1, d.Dials())
}

func TestConnectAfterFinalDropDialsAgain(t *testing.T) {
	d := &controltest.Dialer{Token: "key"}
	s := control.NewSession(d, nil, logger.Nop())
	require.NoError(t, s.Connect(context.Background(), "http://localhost", "key"))
	d.Channel().Drop(errors.New("read timeout"), false)

	done := make(chan error, 1)
	go func() { done <- s.Connect(context.Background(), "http://localhost", "key") }()
	time.Sleep(20 * time.Millisecond)
	d.Channel().Drop(errors.New("refused"), true)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("connect is stuck")
	}
	assert.Equal(t, control.Connected, s.State())
	assert.Equal(t, 2, d.Dials())
}
