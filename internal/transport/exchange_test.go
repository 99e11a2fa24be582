package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointMessageRoundTrip(t *testing.T) {
	ep := Endpoint{
		QPN:     0xABCDEF,
		PSN:     0x000001,
		Addr:    0x0000_1234_5678_9ABC,
		RKey:    0xDEADBEEF,
		Length:  0x00100000,
		UDPPort: 4791,
	}
	msg := encodeEndpoint(ep)
	require.Len(t, msg, paramMsgLen)

	got, err := parseEndpoint(msg)
	require.NoError(t, err)
	assert.Equal(t, ep, got)
}

func TestParseEndpointRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		msg  string
	}{
		{"empty", ""},
		{"too few fields", "000001:000002:0000000000000000:00000001"},
		{"bad hex qpn", "zzzzzz:000002:0000000000000000:00000001:00000040:12b7"},
		{"bad hex addr", "000001:000002:000000000000000g:00000001:00000040:12b7"},
		{"port overflow", "000001:000002:0000000000000000:00000001:00000040:10000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseEndpoint(tc.msg)
			assert.Error(t, err)
		})
	}
}

func TestExchangeOverTCP(t *testing.T) {
	serverEP := Endpoint{QPN: 5, PSN: 3000, Addr: 0x10002000, RKey: 0x11223344, Length: 65536, UDPPort: 4791}
	clientEP := Endpoint{QPN: 9, PSN: 7000, Addr: 0x10005000, RKey: 0x55667788, Length: 4096, UDPPort: 4792}

	type provisionCall struct {
		peerIP net.IP
		remote Endpoint
	}
	calls := make(chan provisionCall, 1)

	srv, err := NewExchangeServer("127.0.0.1:0", func(peerIP net.IP, remote Endpoint) (Endpoint, error) {
		calls <- provisionCall{peerIP: peerIP, remote: remote}
		return serverEP, nil
	})
	require.NoError(t, err)
	srv.Start()
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := ExchangeClient(ctx, srv.Addr().String(), clientEP)
	require.NoError(t, err)
	assert.Equal(t, serverEP, got)

	select {
	case call := <-calls:
		assert.Equal(t, clientEP, call.remote)
		assert.True(t, call.peerIP.IsLoopback())
	case <-time.After(5 * time.Second):
		t.Fatal("provision was not called")
	}
}

func TestExchangeProvisionFailureClosesConnection(t *testing.T) {
	srv, err := NewExchangeServer("127.0.0.1:0", func(net.IP, Endpoint) (Endpoint, error) {
		return Endpoint{}, assert.AnError
	})
	require.NoError(t, err)
	srv.Start()
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = ExchangeClient(ctx, srv.Addr().String(), Endpoint{QPN: 2})
	assert.Error(t, err)
}

func TestExchangeClientDialFailure(t *testing.T) {
	// bind then close to get a port nothing listens on
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = ExchangeClient(ctx, addr, Endpoint{})
	assert.Error(t, err)
}
