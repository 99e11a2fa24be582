// Package telemetry exports engine metrics over OTLP.
package telemetry

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/bluewire-rdma/bluewire/internal/metrics"
)

// Metrics contains the OTLP instruments for a daemon. It implements
// metrics.Hook so the engine's data-path events feed the exporter
// directly.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	packetsSent     metric.Int64Counter
	bytesSent       metric.Int64Counter
	packetsReceived metric.Int64Counter
	bytesReceived   metric.Int64Counter
	packetsDropped  metric.Int64Counter
	retransmits     metric.Int64Counter
	acksReceived    metric.Int64Counter
	packetsAcked    metric.Int64Counter
	completions     metric.Int64Counter
	qpTransitions   metric.Int64Counter

	opLatency metric.Float64Histogram
}

var _ metrics.Hook = (*Metrics)(nil)

// NewMetrics creates a new metrics instance exporting to the given
// OTLP collector address on the given interval. The address is either
// "scheme://host:port" or a bare "host:port", which defaults to grpc.
func NewMetrics(ctx context.Context, nodeID, collectorAddr string, interval time.Duration) (*Metrics, error) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	scheme, endpoint, err := collectorEndpoint(collectorAddr)
	if err != nil {
		return nil, err
	}
	exporter, err := newExporter(ctx, scheme, endpoint)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter %s://%s: %w", scheme, endpoint, err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("bluewire-daemon"),
			semconv.ServiceVersion("0.1.0"),
			semconv.ServiceInstanceID(nodeID),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(
				exporter,
				sdkmetric.WithInterval(interval),
			),
		),
	)
	otel.SetMeterProvider(provider)

	m := &Metrics{
		provider: provider,
		meter:    provider.Meter("github.com/bluewire-rdma/bluewire"),
	}
	if err := m.createInstruments(); err != nil {
		return nil, err
	}
	return m, nil
}

// collectorEndpoint splits a collector address into exporter scheme and
// host:port.
func collectorEndpoint(addr string) (scheme, endpoint string, err error) {
	if !strings.Contains(addr, "://") {
		// url.Parse would read "localhost:4317" as a scheme, so handle
		// the schemeless form directly.
		if host, port, splitErr := net.SplitHostPort(addr); splitErr == nil && host != "" && port != "" {
			return "grpc", addr, nil
		}
		return "", "", fmt.Errorf("collector address %q: want scheme://host:port or host:port", addr)
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", "", fmt.Errorf("collector address %q: %w", addr, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("collector address %q has no host", addr)
	}
	return strings.ToLower(u.Scheme), u.Host, nil
}

// newExporter builds the OTLP metric exporter the scheme selects. The
// grpc and http schemes use plaintext transport, grpcs and https TLS.
func newExporter(ctx context.Context, scheme, endpoint string) (sdkmetric.Exporter, error) {
	switch scheme {
	case "grpc":
		return otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure())
	case "grpcs":
		return otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint))
	case "http":
		return otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure())
	case "https":
		return otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint))
	}
	return nil, fmt.Errorf("unsupported collector scheme %q: want grpc, grpcs, http or https", scheme)
}

func (m *Metrics) createInstruments() error {
	var err error

	counter := func(name, desc, unit string) (metric.Int64Counter, error) {
		return m.meter.Int64Counter(
			name,
			metric.WithDescription(desc),
			metric.WithUnit(unit),
		)
	}

	if m.packetsSent, err = counter("bluewire.packets_sent", "Number of packets handed to the transport", "{packet}"); err != nil {
		return err
	}
	if m.bytesSent, err = counter("bluewire.bytes_sent", "Wire bytes handed to the transport", "By"); err != nil {
		return err
	}
	if m.packetsReceived, err = counter("bluewire.packets_received", "Number of packets accepted from the transport", "{packet}"); err != nil {
		return err
	}
	if m.bytesReceived, err = counter("bluewire.bytes_received", "Wire bytes accepted from the transport", "By"); err != nil {
		return err
	}
	if m.packetsDropped, err = counter("bluewire.packets_dropped", "Number of packets dropped before processing", "{packet}"); err != nil {
		return err
	}
	if m.retransmits, err = counter("bluewire.retransmits", "Number of packets resent after an acknowledgement timeout", "{packet}"); err != nil {
		return err
	}
	if m.acksReceived, err = counter("bluewire.acks_received", "Number of acknowledgements that advanced a send window", "{ack}"); err != nil {
		return err
	}
	if m.packetsAcked, err = counter("bluewire.packets_acked", "Number of in-flight packets retired by acknowledgements", "{packet}"); err != nil {
		return err
	}
	if m.completions, err = counter("bluewire.completions", "Number of work completions pushed to completion queues", "{completion}"); err != nil {
		return err
	}
	if m.qpTransitions, err = counter("bluewire.qp_transitions", "Number of queue pair state transitions", "{transition}"); err != nil {
		return err
	}

	m.opLatency, err = m.meter.Float64Histogram(
		"bluewire.op_latency",
		metric.WithDescription("Post-to-completion latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}
	return nil
}

// PacketSent implements metrics.Hook.
func (m *Metrics) PacketSent(_ uint32, bytes int) {
	ctx := context.Background()
	m.packetsSent.Add(ctx, 1)
	m.bytesSent.Add(ctx, int64(bytes))
}

// PacketReceived implements metrics.Hook.
func (m *Metrics) PacketReceived(_ uint32, bytes int) {
	ctx := context.Background()
	m.packetsReceived.Add(ctx, 1)
	m.bytesReceived.Add(ctx, int64(bytes))
}

// PacketDropped implements metrics.Hook.
func (m *Metrics) PacketDropped(reason string) {
	m.packetsDropped.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// Retransmit implements metrics.Hook.
func (m *Metrics) Retransmit(_ uint32) {
	m.retransmits.Add(context.Background(), 1)
}

// AckReceived implements metrics.Hook.
func (m *Metrics) AckReceived(_ uint32, covered int) {
	ctx := context.Background()
	m.acksReceived.Add(ctx, 1)
	m.packetsAcked.Add(ctx, int64(covered))
}

// Completion implements metrics.Hook.
func (m *Metrics) Completion(status string) {
	m.completions.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", status)))
}

// QPState implements metrics.Hook.
func (m *Metrics) QPState(state string) {
	m.qpTransitions.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("state", state)))
}

// RecordOpLatency records one post-to-completion latency sample in
// milliseconds.
func (m *Metrics) RecordOpLatency(ctx context.Context, verb string, latencyNs int64) {
	m.opLatency.Record(ctx, float64(latencyNs)/1e6,
		metric.WithAttributes(attribute.String("verb", verb)))
}

// Shutdown stops the metrics provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
