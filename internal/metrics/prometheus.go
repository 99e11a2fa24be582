package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusHookOptions configures NewPrometheusHook.
type PrometheusHookOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ Hook = (*PrometheusHook)(nil)

// PrometheusHook implements Hook using Prometheus counters.
type PrometheusHook struct {
	packetsSent     prometheus.Counter
	bytesSent       prometheus.Counter
	packetsReceived prometheus.Counter
	bytesReceived   prometheus.Counter
	packetsDropped  *prometheus.CounterVec
	retransmits     prometheus.Counter
	acksReceived    prometheus.Counter
	packetsAcked    prometheus.Counter
	completions     *prometheus.CounterVec
	qpTransitions   *prometheus.CounterVec
}

// NewPrometheusHook constructs a Hook backed by Prometheus counters.
func NewPrometheusHook(opts PrometheusHookOptions) (*PrometheusHook, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		})
	}
	counterVec := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusHook{
		packetsSent:     counter("bluewire_packets_sent_total", "Number of packets handed to the transport"),
		bytesSent:       counter("bluewire_bytes_sent_total", "Payload bytes handed to the transport"),
		packetsReceived: counter("bluewire_packets_received_total", "Number of packets accepted from the transport"),
		bytesReceived:   counter("bluewire_bytes_received_total", "Payload bytes accepted from the transport"),
		packetsDropped:  counterVec("bluewire_packets_dropped_total", "Number of packets dropped before processing", dropLabelKeys),
		retransmits:     counter("bluewire_retransmits_total", "Number of packets resent after an acknowledgement timeout"),
		acksReceived:    counter("bluewire_acks_received_total", "Number of acknowledgements that advanced a send window"),
		packetsAcked:    counter("bluewire_packets_acked_total", "Number of in-flight packets retired by acknowledgements"),
		completions:     counterVec("bluewire_completions_total", "Number of work completions pushed to completion queues", completionLabelKeys),
		qpTransitions:   counterVec("bluewire_qp_transitions_total", "Number of queue pair state transitions", transitionLabelKeys),
	}

	var err error
	if p.packetsSent, err = registerCounter(reg, p.packetsSent); err != nil {
		return nil, err
	}
	if p.bytesSent, err = registerCounter(reg, p.bytesSent); err != nil {
		return nil, err
	}
	if p.packetsReceived, err = registerCounter(reg, p.packetsReceived); err != nil {
		return nil, err
	}
	if p.bytesReceived, err = registerCounter(reg, p.bytesReceived); err != nil {
		return nil, err
	}
	if p.packetsDropped, err = registerCounterVec(reg, p.packetsDropped); err != nil {
		return nil, err
	}
	if p.retransmits, err = registerCounter(reg, p.retransmits); err != nil {
		return nil, err
	}
	if p.acksReceived, err = registerCounter(reg, p.acksReceived); err != nil {
		return nil, err
	}
	if p.packetsAcked, err = registerCounter(reg, p.packetsAcked); err != nil {
		return nil, err
	}
	if p.completions, err = registerCounterVec(reg, p.completions); err != nil {
		return nil, err
	}
	if p.qpTransitions, err = registerCounterVec(reg, p.qpTransitions); err != nil {
		return nil, err
	}

	return p, nil
}

var (
	dropLabelKeys       = []string{"reason"}
	completionLabelKeys = []string{"status"}
	transitionLabelKeys = []string{"state"}
)

func (p *PrometheusHook) PacketSent(_ uint32, bytes int) {
	p.packetsSent.Inc()
	p.bytesSent.Add(float64(bytes))
}

func (p *PrometheusHook) PacketReceived(_ uint32, bytes int) {
	p.packetsReceived.Inc()
	p.bytesReceived.Add(float64(bytes))
}

func (p *PrometheusHook) PacketDropped(reason string) {
	p.packetsDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusHook) Retransmit(_ uint32) {
	p.retransmits.Inc()
}

func (p *PrometheusHook) AckReceived(_ uint32, covered int) {
	p.acksReceived.Inc()
	p.packetsAcked.Add(float64(covered))
}

func (p *PrometheusHook) Completion(status string) {
	p.completions.WithLabelValues(status).Inc()
}

func (p *PrometheusHook) QPState(state string) {
	p.qpTransitions.WithLabelValues(state).Inc()
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}
