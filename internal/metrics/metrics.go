// Package metrics defines the hook interface the transport engine invokes
// on data-path events, with implementations for Prometheus and a no-op
// default. Implementations must be cheap and non-blocking: hooks run on
// the packet path.
package metrics

// Hook receives engine data-path events. The qpn argument is advisory;
// implementations aggregating across queue pairs may ignore it.
type Hook interface {
	// PacketSent counts one egress packet of the given wire size.
	PacketSent(qpn uint32, bytes int)
	// PacketReceived counts one ingress packet of the given wire size.
	PacketReceived(qpn uint32, bytes int)
	// PacketDropped counts an absorbed ingress problem by reason.
	PacketDropped(reason string)
	// Retransmit counts one retransmitted packet.
	Retransmit(qpn uint32)
	// AckReceived counts an acknowledgment covering n in-flight packets.
	AckReceived(qpn uint32, covered int)
	// Completion counts one completion entry by status.
	Completion(status string)
	// QPState counts a state transition by target state.
	QPState(state string)
}

// Drop reasons passed to PacketDropped.
const (
	DropDecode       = "decode"
	DropUnknownQP    = "unknown_qp"
	DropInboxFull    = "inbox_full"
	DropNoRecvBuffer = "no_recv_buffer"
	DropOutOfOrder   = "out_of_order"
	DropDuplicate    = "duplicate"
	DropProtocol     = "protocol"
	DropErrorState   = "error_state"
)

// Multi fans events out to several hooks. A nil or empty list behaves
// like Nop.
func Multi(hooks ...Hook) Hook {
	switch len(hooks) {
	case 0:
		return Nop{}
	case 1:
		return hooks[0]
	}
	return multiHook(hooks)
}

type multiHook []Hook

func (m multiHook) PacketSent(qpn uint32, bytes int) {
	for _, h := range m {
		h.PacketSent(qpn, bytes)
	}
}

func (m multiHook) PacketReceived(qpn uint32, bytes int) {
	for _, h := range m {
		h.PacketReceived(qpn, bytes)
	}
}

func (m multiHook) PacketDropped(reason string) {
	for _, h := range m {
		h.PacketDropped(reason)
	}
}

func (m multiHook) Retransmit(qpn uint32) {
	for _, h := range m {
		h.Retransmit(qpn)
	}
}

func (m multiHook) AckReceived(qpn uint32, covered int) {
	for _, h := range m {
		h.AckReceived(qpn, covered)
	}
}

func (m multiHook) Completion(status string) {
	for _, h := range m {
		h.Completion(status)
	}
}

func (m multiHook) QPState(state string) {
	for _, h := range m {
		h.QPState(state)
	}
}

// Nop is a Hook that discards every event.
type Nop struct{}

func (Nop) PacketSent(uint32, int)     {}
func (Nop) PacketReceived(uint32, int) {}
func (Nop) PacketDropped(string)       {}
func (Nop) Retransmit(uint32)          {}
func (Nop) AckReceived(uint32, int)    {}
func (Nop) Completion(string)          {}
func (Nop) QPState(string)             {}
