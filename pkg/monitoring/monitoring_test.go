package monitoring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrag/openrag-go/pkg/api"
	"github.com/openrag/openrag-go/pkg/config"
	"github.com/openrag/openrag-go/pkg/logger"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOk},
		{errors.New("x"), OutcomeOther},
		{api.Fail(api.ErrTimeout, "slow"), OutcomeTimeout},
		{api.Wrap(api.ErrTunnel, api.ErrMalformed, ""), OutcomeTunnel},
		{api.Fail(api.ErrRemote, "404"), OutcomeRemote},
		{api.Fail(api.ErrNoPeers, ""), OutcomeNoPeers},
		{fmt.Errorf("wrapped: %w", api.ErrSecurity), OutcomeSecurity},
		{api.ErrNotConnected, OutcomeNotConnected},
		{api.Wrap(api.ErrConnection, io.EOF, ""), OutcomeConnection},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, Outcome(test.err), "%v", test.err)
	}
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	done := m.FetchStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inflight))
	done(api.Fail(api.ErrTimeout, ""))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inflight))
	m.FetchStarted()(nil)
	m.FetchCanceled()
	m.Dropped("SIGNAL_RECEIVED")
	m.Dropped("SIGNAL_RECEIVED")
	m.ControlState("connected")
	m.SessionPhase("signaling")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues(OutcomeTimeout)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues(OutcomeOk)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues(OutcomeCanceled)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dropped.WithLabelValues("SIGNAL_RECEIVED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.control.WithLabelValues("connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.phases.WithLabelValues("signaling")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FetchStarted()(nil)
		m.FetchCanceled()
		m.Dropped("x")
		m.ControlState("x")
		m.SessionPhase("x")
	})
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	rs, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = rs.Body.Close() }()
	body, err := io.ReadAll(rs.Body)
	require.NoError(t, err)
	return rs.StatusCode, string(body)
}

func TestServer(t *testing.T) {
	metrics := NewMetrics()
	metrics.FetchStarted()(nil)

	mon, err := New(config.Monitoring{Port: 0, URLPrefix: "/mon", MetricEnabled: true, ProfilingEnabled: true},
		metrics, logger.Nop())
	require.NoError(t, err)
	mon.Run()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		assert.NoError(t, mon.Shutdown(ctx))
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d/mon", mon.Port())
	code, body := get(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `openrag_fetch_total{outcome="ok"} 1`)

	code, _ = get(t, base+"/debug/pprof/heap")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, base+"/health")
	assert.Equal(t, http.StatusOK, code)
}

func TestServerWithoutMetrics(t *testing.T) {
	mon, err := New(config.Monitoring{MetricEnabled: true}, nil, logger.Nop())
	require.NoError(t, err)
	mon.Run()
	defer func() { _ = mon.Shutdown(context.Background()) }()

	code, _ := get(t, fmt.Sprintf("http://127.0.0.1:%d/metrics", mon.Port()))
	assert.Equal(t, http.StatusNotFound, code)
}
