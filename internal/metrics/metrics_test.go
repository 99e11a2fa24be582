package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusHookCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	h, err := NewPrometheusHook(PrometheusHookOptions{Registerer: reg})
	require.NoError(t, err)

	h.PacketSent(3, 100)
	h.PacketSent(3, 50)
	h.PacketReceived(3, 80)
	h.PacketDropped(DropDecode)
	h.PacketDropped(DropDecode)
	h.PacketDropped(DropUnknownQP)
	h.Retransmit(3)
	h.AckReceived(3, 4)
	h.Completion("OK")
	h.QPState("RTS")

	assert.Equal(t, 2.0, testutil.ToFloat64(h.packetsSent))
	assert.Equal(t, 150.0, testutil.ToFloat64(h.bytesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.packetsReceived))
	assert.Equal(t, 80.0, testutil.ToFloat64(h.bytesReceived))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.packetsDropped.WithLabelValues(DropDecode)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.packetsDropped.WithLabelValues(DropUnknownQP)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.retransmits))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.acksReceived))
	assert.Equal(t, 4.0, testutil.ToFloat64(h.packetsAcked))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.completions.WithLabelValues("OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.qpTransitions.WithLabelValues("RTS")))
}

func TestPrometheusHookReregistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusHook(PrometheusHookOptions{Registerer: reg})
	require.NoError(t, err)

	// A second hook on the same registerer shares the existing collectors
	// instead of failing.
	second, err := NewPrometheusHook(PrometheusHookOptions{Registerer: reg})
	require.NoError(t, err)

	first.PacketSent(1, 10)
	second.PacketSent(1, 10)
	assert.Equal(t, 2.0, testutil.ToFloat64(first.packetsSent))
}

func TestMultiFansOut(t *testing.T) {
	reg := prometheus.NewRegistry()
	h, err := NewPrometheusHook(PrometheusHookOptions{Registerer: reg})
	require.NoError(t, err)

	m := Multi(Nop{}, h)
	m.PacketSent(1, 64)
	m.Completion("FLUSHED")

	assert.Equal(t, 1.0, testutil.ToFloat64(h.packetsSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.completions.WithLabelValues("FLUSHED")))
}

func TestMultiDegenerateCases(t *testing.T) {
	assert.IsType(t, Nop{}, Multi())
	h := Nop{}
	assert.Equal(t, h, Multi(h))
}
