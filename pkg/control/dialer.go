package control

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/openrag/openrag-go/pkg/api"
	"github.com/openrag/openrag-go/pkg/config"
	"github.com/openrag/openrag-go/pkg/logger"
	"github.com/openrag/openrag-go/pkg/network/sio"
)

// Sink gets everything that comes from a Channel.
type Sink interface {
	HandleEvent(name string, payload json.RawMessage)
	// HandleUp is called when a dropped channel is back.
	HandleUp()
	// HandleDown is called when the channel drops, final means it won't come back.
	HandleDown(err error, final bool)
}

// Channel is a connected named-event channel.
type Channel interface {
	// Emit sends an event with an optional payload (nil for none).
	Emit(name string, payload any) error
	Close() error
}

// Dialer opens authenticated channels to the signaling service.
type Dialer interface {
	Dial(ctx context.Context, endpoint, token string, sink Sink) (Channel, error)
}

// SocketIODialer dials the service over Socket.IO.
type SocketIODialer struct {
	conf config.Client
	log  *logger.Logger
}

func NewSocketIODialer(conf config.Client, log *logger.Logger) *SocketIODialer {
	return &SocketIODialer{conf: conf, log: log}
}

func (d *SocketIODialer) Dial(ctx context.Context, endpoint, token string, sink Sink) (Channel, error) {
	timeouts := d.conf.Timeouts.WithDefaults()
	c, err := sio.Dial(ctx, sio.Config{
		Endpoint:  endpoint,
		Auth:      api.Auth{Token: token},
		Insecure:  d.conf.Insecure,
		Timeout:   timeouts.Connect,
		Reconnect: !d.conf.Reconnect.Disabled,
		RetryMin:  d.conf.Reconnect.Min,
		RetryMax:  d.conf.Reconnect.Max,
	}, sioSink{sink}, d.log)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type sioSink struct{ Sink }

func (s sioSink) HandleConnect() { s.HandleUp() }
func (s sioSink) HandleDisconnect(err error, final bool) { s.HandleDown(err, final) }
