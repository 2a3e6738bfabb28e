package openrag

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/openrag/openrag-go/pkg/api"
	"github.com/openrag/openrag-go/pkg/config"
	"github.com/openrag/openrag-go/pkg/control"
	"github.com/openrag/openrag-go/pkg/ice"
	"github.com/openrag/openrag-go/pkg/logger"
	"github.com/openrag/openrag-go/pkg/monitoring"
	"github.com/openrag/openrag-go/pkg/security"
	"github.com/openrag/openrag-go/pkg/session"
	"github.com/openrag/openrag-go/pkg/tunnel"
)

type Client struct {
	conf     config.Client
	control  *control.Session
	dialer   control.Dialer
	factory  tunnel.Factory
	filter   *security.Filter
	limiter  *rate.Limiter
	clock    clock.Clock
	metrics  *monitoring.Metrics
	timeouts session.Timeouts
	log      *logger.Logger
}

type Option func(*Client)

func WithLogger(l *logger.Logger) Option { return func(c *Client) { c.log = l } }

// WithDialer replaces the Socket.IO control channel.
func WithDialer(d control.Dialer) Option { return func(c *Client) { c.dialer = d } }

// WithTransportFactory replaces the WebRTC tunnels.
func WithTransportFactory(f tunnel.Factory) Option { return func(c *Client) { c.factory = f } }

func WithClock(cl clock.Clock) Option { return func(c *Client) { c.clock = cl } }

func WithMetrics(m *monitoring.Metrics) Option { return func(c *Client) { c.metrics = m } }

// WithFilter shares a security filter, e.g. one kept fresh by security.Watch.
func WithFilter(f *security.Filter) Option { return func(c *Client) { c.filter = f } }

// New checks the config and prepares a client, nothing is dialed yet.
// An empty server address means the public service.
func New(conf config.Client, opts ...Option) (*Client, error) {
	if conf.ServerUrl == "" {
		conf.ServerUrl = config.DefaultServerUrl
	}
	if err := conf.Validate(); err != nil {
		return nil, api.Wrap(api.ErrConfig, err, "")
	}
	conf.Timeouts = conf.Timeouts.WithDefaults()

	c := &Client{
		conf:  conf,
		clock: clock.New(),
		timeouts: session.Timeouts{
			Match:     conf.Timeouts.Match,
			Handshake: conf.Timeouts.Handshake,
			Response:  conf.Timeouts.Response,
		},
		log: logger.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.filter == nil {
		rules := security.NewRules(conf.Security)
		if conf.Security.RulesFile != "" {
			r, err := security.LoadRules(conf.Security.RulesFile)
			if err != nil {
				return nil, api.Wrap(api.ErrConfig, err, "security rules")
			}
			rules = r
		}
		c.filter = security.NewFilter(rules)
	}
	if c.factory == nil {
		f, err := tunnel.NewApiFactory(conf.Webrtc, c.log, nil)
		if err != nil {
			return nil, api.Wrap(api.ErrConfig, err, "webrtc")
		}
		c.factory = f
	}
	if c.dialer == nil {
		c.dialer = control.NewSocketIODialer(conf, c.log)
	}
	if conf.RateLimit > 0 {
		burst := conf.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(conf.RateLimit), burst)
	}

	c.control = control.NewSession(c.dialer, ice.NewRelays(conf.Webrtc.Servers()), c.log,
		control.WithStateHook(func(s control.State) { c.metrics.ControlState(s.String()) }),
		control.WithDropHook(c.metrics.Dropped),
	)
	return c, nil
}

// Connect opens the control channel. It does nothing when already connected.
func (c *Client) Connect(ctx context.Context) error {
	return c.control.Connect(ctx, c.conf.ServerUrl, c.conf.ApiKey)
}

// Disconnect closes the control channel, it's fine to call it any time.
// Fetches in flight end on their own timers.
func (c *Client) Disconnect() error { return c.control.Disconnect() }

// Fetch gets the URL through an exit node and returns the body the node sent.
// The body is raw JSON as the node put it in its answer, so a text page comes
// back quoted; use FetchInto to get a decoded value.
//
// A URL the security rules block fails with ErrSecurity before anything goes
// on the wire. The rules are the domain and extension denylists, plus the
// scheme allowlist when Security.Schemes is set.
//
// When ctx ends first Fetch returns ctx.Err(), the fetch itself is not
// aborted. A rate limit wait that can't finish before the ctx deadline fails
// with ErrTimeout without a peer request.
func (c *Client) Fetch(ctx context.Context, url string) (json.RawMessage, error) {
	if c.control.State() != control.Connected {
		return nil, api.Fail(api.ErrNotConnected, "")
	}
	if v := c.filter.Classify(url); !v.Allowed {
		c.log.Warn().Str("url", url).Str("rule", v.Rule).Msg("Blocked")
		err := api.Fail(api.ErrSecurity, v.Message)
		c.metrics.FetchDone(err, 0)
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				c.metrics.FetchCanceled()
				return nil, ctx.Err()
			}
			err = api.Wrap(api.ErrTimeout, err, "rate limit")
			c.metrics.FetchDone(err, 0)
			return nil, err
		}
	}

	s := session.New(url, c.control, c.factory,
		session.WithClock(c.clock),
		session.WithLogger(c.log),
		session.WithTimeouts(c.timeouts),
		session.WithStateHook(func(st session.State) { c.metrics.SessionPhase(st.String()) }),
		session.WithDropHook(func() { c.metrics.Dropped(api.SignalReceived) }),
	)
	done := c.metrics.FetchStarted()
	go func() {
		<-s.Done()
		_, err := s.Result()
		done(err)
	}()
	s.Start()

	body, err := s.Wait(ctx)
	if ctx.Err() != nil && err == ctx.Err() {
		c.metrics.FetchCanceled()
	}
	return body, err
}

// FetchInto fetches the URL and decodes the JSON body into v,
// e.g. a *string for a text page.
func (c *Client) FetchInto(ctx context.Context, url string, v any) error {
	body, err := c.Fetch(ctx, url)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(body, v); err != nil {
		return api.Wrap(api.ErrMalformed, err, "body")
	}
	return nil
}

func (c *Client) State() control.State { return c.control.State() }

// Relays returns the relay servers new tunnels start with.
func (c *Client) Relays() ice.Servers { return c.control.Relays() }
