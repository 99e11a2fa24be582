package registry

import (
	"context"
	"os"
	"testing"

	"github.com/rqlite/gorqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getDBURI returns the rqlite URI for tests.
func getDBURI() string {
	dbURI := os.Getenv("RQLITE_DB_URI")
	if dbURI == "" {
		dbURI = "http://localhost:4001"
	}
	return dbURI
}

// openTestRegistry connects to the test database, skipping when no
// rqlite instance is reachable.
func openTestRegistry(t *testing.T) *Registry {
	t.Helper()

	dbURI := getDBURI()
	reg, err := New(dbURI)
	if err != nil {
		t.Skipf("rqlite not available at %s: %v", dbURI, err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

// clearEndpointsTable removes all rows so tests start clean.
func clearEndpointsTable(t *testing.T, reg *Registry) {
	t.Helper()

	_, err := reg.conn.WriteOne("DELETE FROM endpoints")
	require.NoError(t, err, "Failed to clear endpoints table")
}

// seedStaleEndpoint inserts a row whose timestamp is already outside
// every freshness window.
func seedStaleEndpoint(t *testing.T, reg *Registry, nodeID string) {
	t.Helper()

	stmt := gorqlite.ParameterizedStatement{
		Query: `INSERT OR REPLACE INTO endpoints
		(node_id, udp_addr, exchange_addr, hostname, last_updated)
		VALUES (?, ?, ?, ?, datetime('now', '-30 minutes'));`,
		Arguments: []interface{}{nodeID, "10.0.0.9:4791", "10.0.0.9:18515", "stale-host"},
	}
	_, err := reg.conn.WriteOneParameterized(stmt)
	require.NoError(t, err, "Failed to seed stale endpoint")
}

func TestRegisterAndLookup(t *testing.T) {
	reg := openTestRegistry(t)
	clearEndpointsTable(t, reg)
	ctx := context.Background()

	ep := Endpoint{
		NodeID:       "node-a",
		UDPAddr:      "10.0.0.1:4791",
		ExchangeAddr: "10.0.0.1:18515",
		Hostname:     "host-a",
	}
	err := reg.Register(ctx, ep)
	require.NoError(t, err, "Failed to register endpoint")

	got, err := reg.Lookup(ctx, "node-a")
	require.NoError(t, err, "Failed to lookup endpoint")
	require.NotNil(t, got, "Expected a fresh endpoint")
	assert.Equal(t, ep, *got, "Lookup should return what was registered")

	missing, err := reg.Lookup(ctx, "node-unknown")
	require.NoError(t, err, "Lookup of unknown node should not error")
	assert.Nil(t, missing, "Unknown node should resolve to nil")
}

func TestRegisterRefreshesExisting(t *testing.T) {
	reg := openTestRegistry(t)
	clearEndpointsTable(t, reg)
	ctx := context.Background()

	ep := Endpoint{
		NodeID:       "node-a",
		UDPAddr:      "10.0.0.1:4791",
		ExchangeAddr: "10.0.0.1:18515",
		Hostname:     "host-a",
	}
	require.NoError(t, reg.Register(ctx, ep))

	// Re-register with a new UDP port, as a restarted daemon would.
	ep.UDPAddr = "10.0.0.1:4792"
	require.NoError(t, reg.Register(ctx, ep))

	got, err := reg.Lookup(ctx, "node-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "10.0.0.1:4792", got.UDPAddr, "Lookup should see the refreshed address")

	eps, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, eps, 1, "Upsert should not create a second row")
}

func TestLookupIgnoresStaleEntries(t *testing.T) {
	reg := openTestRegistry(t)
	clearEndpointsTable(t, reg)
	ctx := context.Background()

	seedStaleEndpoint(t, reg, "node-stale")

	got, err := reg.Lookup(ctx, "node-stale")
	require.NoError(t, err)
	assert.Nil(t, got, "Stale advertisement should not resolve")
}

func TestListOrdersByHostname(t *testing.T) {
	reg := openTestRegistry(t)
	clearEndpointsTable(t, reg)
	ctx := context.Background()

	for _, ep := range []Endpoint{
		{NodeID: "node-c", UDPAddr: "10.0.0.3:4791", ExchangeAddr: "10.0.0.3:18515", Hostname: "host-c"},
		{NodeID: "node-a", UDPAddr: "10.0.0.1:4791", ExchangeAddr: "10.0.0.1:18515", Hostname: "host-a"},
		{NodeID: "node-b", UDPAddr: "10.0.0.2:4791", ExchangeAddr: "10.0.0.2:18515", Hostname: "host-b"},
	} {
		require.NoError(t, reg.Register(ctx, ep))
	}

	eps, err := reg.List(ctx)
	require.NoError(t, err, "Failed to list endpoints")
	require.Len(t, eps, 3)
	assert.Equal(t, "host-a", eps[0].Hostname)
	assert.Equal(t, "host-b", eps[1].Hostname)
	assert.Equal(t, "host-c", eps[2].Hostname)
}

func TestDeregisterRemovesEndpoint(t *testing.T) {
	reg := openTestRegistry(t)
	clearEndpointsTable(t, reg)
	ctx := context.Background()

	ep := Endpoint{
		NodeID:       "node-a",
		UDPAddr:      "10.0.0.1:4791",
		ExchangeAddr: "10.0.0.1:18515",
		Hostname:     "host-a",
	}
	require.NoError(t, reg.Register(ctx, ep))
	require.NoError(t, reg.Deregister(ctx, "node-a"))

	got, err := reg.Lookup(ctx, "node-a")
	require.NoError(t, err)
	assert.Nil(t, got, "Deregistered node should not resolve")

	// Deregistering an absent node is not an error.
	assert.NoError(t, reg.Deregister(ctx, "node-a"))
}

func TestCleanupStaleKeepsFreshEntries(t *testing.T) {
	reg := openTestRegistry(t)
	clearEndpointsTable(t, reg)
	ctx := context.Background()

	ep := Endpoint{
		NodeID:       "node-fresh",
		UDPAddr:      "10.0.0.1:4791",
		ExchangeAddr: "10.0.0.1:18515",
		Hostname:     "host-fresh",
	}
	require.NoError(t, reg.Register(ctx, ep))
	seedStaleEndpoint(t, reg, "node-stale")

	require.NoError(t, reg.CleanupStale(ctx))

	fresh, err := reg.Lookup(ctx, "node-fresh")
	require.NoError(t, err)
	assert.NotNil(t, fresh, "Fresh advertisement should survive cleanup")

	result, err := reg.conn.QueryOne("SELECT COUNT(*) FROM endpoints")
	require.NoError(t, err)
	require.True(t, result.Next())
	var count int64
	require.NoError(t, result.Scan(&count))
	assert.Equal(t, int64(1), count, "Stale row should be gone")
}
