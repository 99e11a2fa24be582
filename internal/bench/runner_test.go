package bench

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluewire-rdma/bluewire/internal/config"
	"github.com/bluewire-rdma/bluewire/internal/daemon"
	"github.com/bluewire-rdma/bluewire/internal/engine"
)

func TestOpMixSchedule(t *testing.T) {
	mix, err := newOpMix(&config.BenchConfig{MixSend: 2, MixRead: 1})
	require.NoError(t, err)

	// Weights repeat over every full cycle.
	counts := make(map[engine.WRKind]int)
	for i := 0; i < 9; i++ {
		counts[mix.pick()]++
	}
	assert.Equal(t, 6, counts[engine.KindSend])
	assert.Equal(t, 3, counts[engine.KindRead])
	assert.Zero(t, counts[engine.KindWrite])
}

func TestOpMixRejectsEmpty(t *testing.T) {
	_, err := newOpMix(&config.BenchConfig{})
	assert.Error(t, err)

	_, err = newOpMix(&config.BenchConfig{MixSend: -1})
	assert.Error(t, err)
}

func TestOpStatsSnapshot(t *testing.T) {
	s := newOpStats()
	for i := 1; i <= 100; i++ {
		s.record(time.Duration(i) * time.Millisecond)
	}
	s.recordError()

	sum := s.snapshot()
	assert.Equal(t, uint64(101), sum.Count)
	assert.Equal(t, uint64(1), sum.Errors)
	assert.Equal(t, time.Millisecond, sum.Min)
	assert.Equal(t, 100*time.Millisecond, sum.Max)
	assert.Equal(t, 50*time.Millisecond, sum.P50)
	assert.Equal(t, 99*time.Millisecond, sum.P99)

	// Snapshot starts a fresh interval but keeps the cumulative totals.
	empty := s.snapshot()
	assert.Zero(t, empty.Count)
	ops, errs := s.totals()
	assert.Equal(t, uint64(101), ops)
	assert.Equal(t, uint64(1), errs)
}

func TestNewRejectsMissingTarget(t *testing.T) {
	_, err := New(&config.BenchConfig{
		LogLevel:    "error",
		MessageSize: 64,
		MixSend:     1,
	})
	assert.Error(t, err)
}

// TestRunnerAgainstDaemon drives a small mixed workload against a real
// daemon over localhost sockets.
func TestRunnerAgainstDaemon(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping socket test in short mode")
	}

	dcfg := &config.DaemonConfig{
		LogLevel:     "error",
		ListenAddr:   "127.0.0.1:0",
		ExchangeAddr: "127.0.0.1:0",
		Workers:      2,
		Batch:        16,
		MTU:          1024,
		SendWindow:   64,
		RecvWindow:   128,
		SQDepth:      64,
		RQDepth:      64,
		CQDepth:      1024,
		TimeoutMS:    100,
		MaxRetries:   5,
	}
	d, err := daemon.New(dcfg)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()

	bcfg := &config.BenchConfig{
		LogLevel:        "error",
		ListenAddr:      "127.0.0.1:0",
		Workers:         2,
		Batch:           16,
		MTU:             1024,
		SendWindow:      64,
		RecvWindow:      128,
		SQDepth:         64,
		RQDepth:         8,
		CQDepth:         1024,
		TimeoutMS:       100,
		MaxRetries:      5,
		Target:          d.ExchangeAddr().String(),
		Count:           25,
		MessageSize:     2048,
		Outstanding:     4,
		MixSend:         1,
		MixWrite:        1,
		MixRead:         1,
		MixCompareSwap:  1,
		MixFetchAdd:     1,
		ReportIntervalS: 60,
	}
	r, err := New(bcfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, r.Run(ctx))

	ops, errs := r.Totals()
	assert.Equal(t, uint64(25), ops)
	assert.Zero(t, errs)
}
