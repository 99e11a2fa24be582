// Package registry is the rqlite-backed endpoint directory: daemons
// advertise where their engine and exchange listeners live, traffic
// drivers resolve targets by node id.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/rqlite/gorqlite"
	"github.com/rs/zerolog/log"
)

// Endpoint is one advertised engine endpoint.
type Endpoint struct {
	NodeID       string // stable node identifier
	UDPAddr      string // engine datagram listener, host:port
	ExchangeAddr string // TCP parameter exchange listener, host:port
	Hostname     string
}

// Registry manages endpoint advertisements in rqlite.
type Registry struct {
	conn *gorqlite.Connection
}

// New connects to rqlite and ensures the schema exists.
func New(dbURI string) (*Registry, error) {
	log.Info().Str("dbURI", dbURI).Msg("Initializing endpoint registry with rqlite")

	conn, err := gorqlite.Open(dbURI)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rqlite: %w", err)
	}

	r := &Registry{conn: conn}
	if err := r.initializeSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

func (r *Registry) initializeSchema() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS endpoints (
		node_id TEXT PRIMARY KEY,
		udp_addr TEXT NOT NULL,
		exchange_addr TEXT NOT NULL,
		hostname TEXT NOT NULL,
		last_updated TEXT NOT NULL
	);
	`

	createIndexesSQL := `
	CREATE INDEX IF NOT EXISTS idx_endpoints_hostname ON endpoints (hostname);
	`

	if _, err := r.conn.WriteOne(createTableSQL); err != nil {
		return fmt.Errorf("failed to create endpoints table: %w", err)
	}
	if _, err := r.conn.WriteOne(createIndexesSQL); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// Close closes the registry connection.
func (r *Registry) Close() error {
	if r.conn != nil {
		r.conn.Close()
	}
	return nil
}

// Register upserts an endpoint advertisement, refreshing its timestamp.
func (r *Registry) Register(ctx context.Context, ep Endpoint) error {
	log.Info().
		Str("nodeID", ep.NodeID).
		Str("udpAddr", ep.UDPAddr).
		Str("exchangeAddr", ep.ExchangeAddr).
		Msg("Registering endpoint")

	upsertSQL := `
	INSERT OR REPLACE INTO endpoints
	(node_id, udp_addr, exchange_addr, hostname, last_updated)
	VALUES (?, ?, ?, ?, ?);
	`

	now := time.Now().UTC().Format(time.RFC3339)

	stmt := gorqlite.ParameterizedStatement{
		Query: upsertSQL,
		Arguments: []interface{}{
			ep.NodeID,
			ep.UDPAddr,
			ep.ExchangeAddr,
			ep.Hostname,
			now,
		},
	}

	if _, err := r.conn.WriteOneParameterized(stmt); err != nil {
		return fmt.Errorf("failed to register endpoint: %w", err)
	}
	return nil
}

// Lookup resolves a node id to its endpoint. A nil result with nil error
// means no fresh advertisement exists.
func (r *Registry) Lookup(ctx context.Context, nodeID string) (*Endpoint, error) {
	querySQL := `
	SELECT node_id, udp_addr, exchange_addr, hostname
	FROM endpoints
	WHERE node_id = ?
	AND last_updated > datetime('now', '-5 minutes')
	LIMIT 1;
	`

	stmt := gorqlite.ParameterizedStatement{
		Query:     querySQL,
		Arguments: []interface{}{nodeID},
	}

	result, err := r.conn.QueryOneParameterized(stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to query endpoint: %w", err)
	}

	if !result.Next() {
		return nil, nil
	}

	var ep Endpoint
	if err := result.Scan(&ep.NodeID, &ep.UDPAddr, &ep.ExchangeAddr, &ep.Hostname); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	return &ep, nil
}

// List returns every endpoint with a recent advertisement.
func (r *Registry) List(ctx context.Context) ([]Endpoint, error) {
	querySQL := `
	SELECT node_id, udp_addr, exchange_addr, hostname
	FROM endpoints
	WHERE last_updated > datetime('now', '-15 minutes')
	ORDER BY hostname, node_id;
	`

	result, err := r.conn.QueryOne(querySQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}

	var eps []Endpoint
	for result.Next() {
		var ep Endpoint
		if err := result.Scan(&ep.NodeID, &ep.UDPAddr, &ep.ExchangeAddr, &ep.Hostname); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// Deregister removes a node's advertisement.
func (r *Registry) Deregister(ctx context.Context, nodeID string) error {
	log.Info().Str("nodeID", nodeID).Msg("Deregistering endpoint")

	stmt := gorqlite.ParameterizedStatement{
		Query:     `DELETE FROM endpoints WHERE node_id = ?;`,
		Arguments: []interface{}{nodeID},
	}

	if _, err := r.conn.WriteOneParameterized(stmt); err != nil {
		return fmt.Errorf("failed to deregister endpoint: %w", err)
	}
	return nil
}

// CleanupStale removes advertisements that stopped refreshing.
func (r *Registry) CleanupStale(ctx context.Context) error {
	cleanupSQL := `
	DELETE FROM endpoints
	WHERE last_updated < datetime('now', '-15 minutes');
	`

	result, err := r.conn.WriteOne(cleanupSQL)
	if err != nil {
		return fmt.Errorf("failed to cleanup stale endpoints: %w", err)
	}

	log.Info().Int("removed", int(result.RowsAffected)).Msg("Cleaned up stale endpoints")
	return nil
}
