package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorEndpoint(t *testing.T) {
	cases := []struct {
		addr     string
		scheme   string
		endpoint string
	}{
		{"localhost:4317", "grpc", "localhost:4317"},
		{"grpc://collector:4317", "grpc", "collector:4317"},
		{"grpcs://collector:4317", "grpcs", "collector:4317"},
		{"http://collector:4318", "http", "collector:4318"},
		{"HTTPS://collector:4318", "https", "collector:4318"},
	}
	for _, tc := range cases {
		scheme, endpoint, err := collectorEndpoint(tc.addr)
		require.NoError(t, err, tc.addr)
		assert.Equal(t, tc.scheme, scheme, tc.addr)
		assert.Equal(t, tc.endpoint, endpoint, tc.addr)
	}
}

func TestCollectorEndpointRejectsBadAddresses(t *testing.T) {
	for _, addr := range []string{"", "collector", "grpc://", "just/a/path"} {
		_, _, err := collectorEndpoint(addr)
		assert.Error(t, err, addr)
	}
}
