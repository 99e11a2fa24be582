package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	src  *net.UDPAddr
	data []byte
}

func newBoundAgent(t *testing.T, cfg UDPConfig) *UDPAgent {
	t.Helper()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	a, err := NewUDPAgent(cfg)
	require.NoError(t, err)
	t.Cleanup(a.Stop)
	return a
}

func TestUDPAgentSendReceive(t *testing.T) {
	a := newBoundAgent(t, UDPConfig{})
	b := newBoundAgent(t, UDPConfig{})

	got := make(chan received, 1)
	b.Start(func(src *net.UDPAddr, datagram []byte) {
		got <- received{src: src, data: datagram}
	})

	payload := []byte("bluewire ping")
	require.NoError(t, a.Send(b.LocalAddr(), payload))

	select {
	case r := <-got:
		assert.Equal(t, payload, r.data)
		assert.Equal(t, a.LocalAddr().Port, r.src.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("datagram not delivered")
	}
}

func TestUDPAgentPacedSendDeliversAll(t *testing.T) {
	a := newBoundAgent(t, UDPConfig{EgressPPS: 500})
	b := newBoundAgent(t, UDPConfig{})

	got := make(chan received, 8)
	b.Start(func(src *net.UDPAddr, datagram []byte) {
		got <- received{src: src, data: datagram}
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Send(b.LocalAddr(), []byte{byte(i)}))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-got:
		case <-time.After(5 * time.Second):
			t.Fatalf("datagram %d not delivered", i)
		}
	}
}

func TestUDPAgentStopThenSendFails(t *testing.T) {
	a, err := NewUDPAgent(UDPConfig{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	a.Start(func(*net.UDPAddr, []byte) {})
	dst := a.LocalAddr()

	a.Stop()
	a.Stop()
	assert.Error(t, a.Send(dst, []byte("late")))
}
