// Package monitoring exposes client metrics and profiling over HTTP.
package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openrag/openrag-go/pkg/config"
	"github.com/openrag/openrag-go/pkg/logger"
	"github.com/openrag/openrag-go/pkg/network/httpx"
)

type Monitoring struct {
	conf   config.Monitoring
	server *httpx.Server
	log    *logger.Logger
}

// New creates the monitoring server for the metrics, it binds the port
// right away. Nil metrics mean no /metrics endpoint.
func New(conf config.Monitoring, metrics *Metrics, log *logger.Logger) (*Monitoring, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.Tagged("mon")
	serv, err := httpx.NewServer(
		fmt.Sprintf(":%d", conf.Port),
		func(serv *httpx.Server) httpx.Handler {
			h := httpx.NewServeMux(conf.URLPrefix)

			if conf.ProfilingEnabled {
				log.Info().Msgf("Profiling is enabled at %v", serv.Addr+conf.URLPrefix+"/debug/pprof")
				h.HandleFunc("/debug/pprof/", pprof.Index).
					HandleFunc("/debug/pprof/cmdline", pprof.Cmdline).
					HandleFunc("/debug/pprof/profile", pprof.Profile).
					HandleFunc("/debug/pprof/symbol", pprof.Symbol).
					HandleFunc("/debug/pprof/trace", pprof.Trace)
				// the named profiles are not served by Index under a custom prefix
				for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
					h.Handle("/debug/pprof/"+name, pprof.Handler(name))
				}
			}

			if conf.MetricEnabled && metrics != nil {
				log.Info().Msgf("Prometheus metric is enabled at %v", serv.Addr+conf.URLPrefix+"/metrics")
				h.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
			}

			h.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
			return h
		},
		false,
		log,
	)
	if err != nil {
		return nil, err
	}
	return &Monitoring{conf: conf, server: serv, log: log}, nil
}

func (m *Monitoring) Run() {
	m.log.Info().Msgf("Starting monitoring server at %v", m.server.Addr)
	m.server.Run()
}

func (m *Monitoring) Shutdown(ctx context.Context) error {
	m.log.Info().Msg("Shutting down monitoring server")
	return m.server.Shutdown(ctx)
}

// Port is the port the server got, useful with port 0.
func (m *Monitoring) Port() int { return m.server.Port() }

func (m *Monitoring) String() string {
	return fmt.Sprintf("monitoring::%s:%d", m.conf.URLPrefix, m.conf.Port)
}
