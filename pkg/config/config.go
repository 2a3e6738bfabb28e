// Package config defines the client configuration and how it is loaded.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"

	"github.com/openrag/openrag-go/pkg/ice"
)

// DefaultServerUrl is the public signaling service.
const DefaultServerUrl = "https://openrag-grid.koyeb.app"

type Config struct {
	Client     Client
	Log        Log
	Monitoring Monitoring
}

type Client struct {
	ApiKey    string
	ServerUrl string
	// Insecure turns off TLS certificate checks for the signaling service.
	Insecure  bool
	Reconnect Reconnect
	Timeouts  Timeouts
	// RateLimit is the max number of peer requests per second, 0 is unlimited.
	RateLimit float64
	Burst     int
	Security  Security
	Webrtc    Webrtc
}

type Reconnect struct {
	Disabled bool
	Min      time.Duration
	Max      time.Duration
}

type Timeouts struct {
	Connect   time.Duration
	Match     time.Duration
	Handshake time.Duration
	Response  time.Duration
}

// Security lists left nil get the built-in defaults,
// an explicitly empty list turns the rule off.
type Security struct {
	Domains    []string
	Extensions []string
	// Schemes, when set, is the only URL schemes allowed. Off by default.
	Schemes []string
	// RulesFile replaces the lists above when set.
	RulesFile  string
	WatchRules bool
}

type Webrtc struct {
	DisableDefaultInterceptors bool
	IceServers                 []IceServer
	IcePorts                   struct {
		Min uint16
		Max uint16
	}
	IceIpMap string
	LogLevel int
}

type IceServer struct {
	Urls       string
	Username   string
	Credential string
}

type Log struct {
	Debug   bool
	Console bool
	NoColor bool
}

type Monitoring struct {
	Port             int
	URLPrefix        string
	MetricEnabled    bool
	ProfilingEnabled bool
}

// Default returns the config with all built-in values.
func Default() Config {
	return Config{
		Client: Client{
			ServerUrl: DefaultServerUrl,
			Reconnect: Reconnect{Min: time.Second, Max: 30 * time.Second},
			Timeouts: Timeouts{
				Connect:   20 * time.Second,
				Match:     45 * time.Second,
				Handshake: 40 * time.Second,
				Response:  60 * time.Second,
			},
			Webrtc: Webrtc{
				// zerolog warn level for pion logs
				LogLevel: 2,
			},
		},
		Log:        Log{Console: true},
		Monitoring: Monitoring{MetricEnabled: true},
	}
}

// DefaultDomains are host fragments and keywords that are never fetched.
var DefaultDomains = []string{
	".gov.eg", ".mil.eg", "cbe.org.eg", "mod.gov.eg", "porn", "xxx", "darkweb",
}

// DefaultExtensions are file suffixes that are never fetched.
var DefaultExtensions = []string{
	".exe", ".msi", ".bat", ".cmd", ".sh", ".php", ".pl",
	".jar", ".vbs", ".apk", ".dmg", ".iso", ".bin", ".dll",
}

// WithDefaults fills in the lists left nil.
func (s Security) WithDefaults() Security {
	if s.Domains == nil {
		s.Domains = append([]string(nil), DefaultDomains...)
	}
	if s.Extensions == nil {
		s.Extensions = append([]string(nil), DefaultExtensions...)
	}
	return s
}

// NewConfig loads the config from the given path, env and defaults.
func NewConfig(path string) (Config, error) {
	conf := Default()
	if err := LoadConfig(&conf, path); err != nil {
		return conf, err
	}
	return conf, nil
}

func (c *Config) WithFlags(fs *pflag.FlagSet) *Config {
	fs.StringVar(&c.Client.ApiKey, "apikey", c.Client.ApiKey, "API key for the signaling service")
	fs.StringVar(&c.Client.ServerUrl, "server", c.Client.ServerUrl, "Signaling service address")
	fs.BoolVar(&c.Client.Insecure, "insecure", c.Client.Insecure, "Skip TLS verification of the signaling service")
	fs.Float64Var(&c.Client.RateLimit, "rate", c.Client.RateLimit, "Max peer requests per second (0 is unlimited)")
	fs.BoolVar(&c.Log.Debug, "debug", c.Log.Debug, "Debug logs")
	fs.IntVar(&c.Monitoring.Port, "monitoring.port", c.Monitoring.Port, "Monitoring server port (0 is off)")
	fs.StringVar(&c.Client.Security.RulesFile, "rules", c.Client.Security.RulesFile, "Security rules file")
	return c
}

// Servers converts the configured relay servers.
// An empty result means the built-in bootstrap set.
func (w *Webrtc) Servers() ice.Servers {
	out := make(ice.Servers, 0, len(w.IceServers))
	for _, s := range w.IceServers {
		if s.Urls == "" {
			continue
		}
		out = append(out, ice.Server{Urls: []string{s.Urls}, Username: s.Username, Credential: s.Credential})
	}
	return out
}

func (w *Webrtc) HasPortRange() bool { return w.IcePorts.Min > 0 && w.IcePorts.Max > 0 }
func (w *Webrtc) HasIceIpMap() bool  { return w.IceIpMap != "" }

var ErrNoApiKey = errors.New("API key is required")

// Validate returns all the problems of the client config at once.
func (c *Client) Validate() error {
	var result *multierror.Error
	if c.ApiKey == "" {
		result = multierror.Append(result, ErrNoApiKey)
	}
	if u, err := url.Parse(c.ServerUrl); err != nil {
		result = multierror.Append(result, fmt.Errorf("server url: %w", err))
	} else {
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			result = multierror.Append(result, fmt.Errorf("server url: unsupported scheme %q", u.Scheme))
		}
		if u.Host == "" {
			result = multierror.Append(result, fmt.Errorf("server url: no host in %q", c.ServerUrl))
		}
	}
	for _, s := range c.Webrtc.Servers() {
		if s.IsTurn() && (s.Username == "" || s.Credential == "") {
			result = multierror.Append(result,
				fmt.Errorf("TURN or TURNS servers should have both username and credential: %v", s.Urls))
		}
	}
	if c.Webrtc.IcePorts.Min > c.Webrtc.IcePorts.Max {
		result = multierror.Append(result, fmt.Errorf("ice ports: min %d > max %d",
			c.Webrtc.IcePorts.Min, c.Webrtc.IcePorts.Max))
	}
	return result.ErrorOrNil()
}

// WithDefaults fills in zero durations with the built-in values.
func (t Timeouts) WithDefaults() Timeouts {
	d := Default().Client.Timeouts
	if t.Connect <= 0 {
		t.Connect = d.Connect
	}
	if t.Match <= 0 {
		t.Match = d.Match
	}
	if t.Handshake <= 0 {
		t.Handshake = d.Handshake
	}
	if t.Response <= 0 {
		t.Response = d.Response
	}
	return t
}
