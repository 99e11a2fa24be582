package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return a
}

func TestLoopbackDelivery(t *testing.T) {
	lb := NewLoopback()
	aAddr := udpAddr(t, "127.0.0.1:4791")
	bAddr := udpAddr(t, "127.0.0.1:4792")

	var got received
	lb.Endpoint(bAddr, func(src *net.UDPAddr, datagram []byte) {
		got = received{src: src, data: datagram}
	})
	epA := lb.Endpoint(aAddr, func(*net.UDPAddr, []byte) {})

	pkt := []byte{1, 2, 3}
	require.NoError(t, epA.Send(bAddr, pkt))
	assert.Equal(t, pkt, got.data)
	assert.Equal(t, aAddr.String(), got.src.String())

	// the handler owns a copy, not the sender's buffer
	pkt[0] = 99
	assert.Equal(t, byte(1), got.data[0])
}

func TestLoopbackUnknownDestinationVanishes(t *testing.T) {
	lb := NewLoopback()
	ep := lb.Endpoint(udpAddr(t, "127.0.0.1:4791"), func(*net.UDPAddr, []byte) {})
	assert.NoError(t, ep.Send(udpAddr(t, "127.0.0.1:9999"), []byte("void")))
}

func TestLoopbackDropFn(t *testing.T) {
	lb := NewLoopback()
	aAddr := udpAddr(t, "127.0.0.1:4791")
	bAddr := udpAddr(t, "127.0.0.1:4792")

	delivered := 0
	lb.Endpoint(bAddr, func(*net.UDPAddr, []byte) { delivered++ })
	epA := lb.Endpoint(aAddr, func(*net.UDPAddr, []byte) {})

	lb.DropFn = func(dst *net.UDPAddr, pkt []byte) bool { return true }
	require.NoError(t, epA.Send(bAddr, []byte("lost")))
	assert.Zero(t, delivered)

	lb.DropFn = nil
	require.NoError(t, epA.Send(bAddr, []byte("kept")))
	assert.Equal(t, 1, delivered)
}

func TestLoopbackDetach(t *testing.T) {
	lb := NewLoopback()
	aAddr := udpAddr(t, "127.0.0.1:4791")
	bAddr := udpAddr(t, "127.0.0.1:4792")

	delivered := 0
	lb.Endpoint(bAddr, func(*net.UDPAddr, []byte) { delivered++ })
	epA := lb.Endpoint(aAddr, func(*net.UDPAddr, []byte) {})

	lb.Detach(bAddr)
	require.NoError(t, epA.Send(bAddr, []byte("gone")))
	assert.Zero(t, delivered)
}
