package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.RecordMessageSent("P2P")
	c.RecordMessageSent("Server")
	c.RecordMessageSent("Server")
	c.RecordRelayError("send_message")
	c.RecordCallEnded("completed", 90*time.Second)
	c.RecordCallEnded("rejected", 0)
	c.RecordLinksActive(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesSent.WithLabelValues("P2P")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.messagesSent.WithLabelValues("Server")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.relayErrors.WithLabelValues("send_message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.callsEnded.WithLabelValues("rejected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.linksActive))
	assert.Equal(t, 1, testutil.CollectAndCount(c.callDuration))
}

func TestPrometheusCollector_ChannelStateIsOneHot(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.RecordChannelState("OPEN")
	c.RecordChannelState("RECONNECTING")

	assert.Equal(t, 0.0, testutil.ToFloat64(c.channelState.WithLabelValues("OPEN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.channelState.WithLabelValues("RECONNECTING")))
}

func TestPrometheusCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusCollector(prometheus.NewRegistry())
		NewPrometheusCollector(prometheus.NewRegistry())
	})
}

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("ok", func(context.Context) error { return nil }, 0, time.Second)
	h.AddCheck("store", func(context.Context) error { return errors.New("locked") }, 0, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["ok"])
	assert.Equal(t, "locked", status.Checks["store"])
	assert.False(t, h.IsReady(context.Background()))

	last := h.LastResults()
	require.Contains(t, last, "store")
	assert.Equal(t, "locked", last["store"])
}

func TestHealthChecker_TimeoutPropagates(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 0, 10*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}
