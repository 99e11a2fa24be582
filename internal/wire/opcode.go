// Package wire implements the packet format of the bluewire transport:
// a fixed 14-byte header, an opcode-dependent RDMA extension carrying the
// remote key and remote address, the payload, and a CRC-32 trailer.
// All multi-byte fields are network byte order. Packet sequence numbers and
// queue pair numbers are 24-bit values carried in wider fields.
package wire

// Opcode identifies the transport operation carried by a packet.
type Opcode uint8

const (
	// OpSendFirst through OpSendOnly carry SEND payload fragments that
	// consume a posted receive buffer on the responder.
	OpSendFirst  Opcode = 0x01
	OpSendMiddle Opcode = 0x02
	OpSendLast   Opcode = 0x03
	OpSendOnly   Opcode = 0x04

	// OpWriteFirst through OpWriteOnly carry RDMA WRITE fragments. Only the
	// First and Only packets carry the extension; Middle and Last continue
	// the address context established by First.
	OpWriteFirst  Opcode = 0x05
	OpWriteMiddle Opcode = 0x06
	OpWriteLast   Opcode = 0x07
	OpWriteOnly   Opcode = 0x08

	// OpReadRequest asks the responder to transfer a remote range back to
	// the requester. The extension addresses the responder's source range;
	// the payload is a 16-byte descriptor addressing the requester's sink.
	OpReadRequest Opcode = 0x09

	// OpReadRespFirst through OpReadRespOnly carry READ response data back
	// to the requester. First and Only carry the extension addressing the
	// requester's sink range.
	OpReadRespFirst  Opcode = 0x0A
	OpReadRespMiddle Opcode = 0x0B
	OpReadRespLast   Opcode = 0x0C
	OpReadRespOnly   Opcode = 0x0D

	// OpAcknowledge carries only the cumulative acknowledgment fields.
	OpAcknowledge Opcode = 0x0E

	// OpCompareSwap and OpFetchAdd carry an 8-byte-aligned atomic request.
	// The extension addresses the remote 8-byte cell; the payload carries
	// the 16-byte operand block.
	OpCompareSwap Opcode = 0x0F
	OpFetchAdd    Opcode = 0x10

	// OpAtomicResponse returns the original cell value for an atomic
	// request, together with the cumulative acknowledgment fields.
	OpAtomicResponse Opcode = 0x11
)

// Ack flag bits carried in the header's AckFlags field.
const (
	// AckFlagPresent marks the AckPSN field as valid.
	AckFlagPresent uint8 = 0x01
	// AckFlagNak asks the peer to resend everything after AckPSN.
	AckFlagNak uint8 = 0x02
	// AckFlagRemoteErr reports that the packet after AckPSN failed remote
	// memory validation. The condition is fatal to the connection: both
	// sides move their QP to ERROR.
	AckFlagRemoteErr uint8 = 0x04
)

// ReadDescriptorSize is the payload size of an OpReadRequest packet:
// sink remote address (8), sink key (4), read length (4).
const ReadDescriptorSize = 16

// AtomicOperandSize is the payload size of an atomic request:
// swap/add operand (8), compare operand (8).
const AtomicOperandSize = 16

// AtomicResultSize is the payload size of an OpAtomicResponse packet.
const AtomicResultSize = 8

// HasExt reports whether packets with this opcode carry the 12-byte
// remote key + remote address extension between header and payload.
func (o Opcode) HasExt() bool {
	switch o {
	case OpWriteFirst, OpWriteOnly, OpReadRequest, OpReadRespFirst,
		OpReadRespOnly, OpCompareSwap, OpFetchAdd:
		return true
	}
	return false
}

// Sequenced reports whether packets with this opcode consume a PSN and are
// subject to the receiver's in-order acceptance check. Acknowledgments and
// atomic responses are sequence-exempt.
func (o Opcode) Sequenced() bool {
	switch o {
	case OpAcknowledge, OpAtomicResponse:
		return false
	}
	return o.Valid()
}

// Valid reports whether the opcode value is part of the wire contract.
func (o Opcode) Valid() bool {
	return o >= OpSendFirst && o <= OpAtomicResponse
}

// IsSend reports whether the opcode is a SEND fragment.
func (o Opcode) IsSend() bool {
	return o >= OpSendFirst && o <= OpSendOnly
}

// IsWrite reports whether the opcode is an RDMA WRITE fragment.
func (o Opcode) IsWrite() bool {
	return o >= OpWriteFirst && o <= OpWriteOnly
}

// IsReadResp reports whether the opcode is a READ response fragment.
func (o Opcode) IsReadResp() bool {
	return o >= OpReadRespFirst && o <= OpReadRespOnly
}

// IsAtomicReq reports whether the opcode is an atomic request.
func (o Opcode) IsAtomicReq() bool {
	return o == OpCompareSwap || o == OpFetchAdd
}

// First reports whether the opcode opens a multi-packet message.
func (o Opcode) First() bool {
	switch o {
	case OpSendFirst, OpWriteFirst, OpReadRespFirst:
		return true
	}
	return false
}

// Only reports whether the opcode is a single-packet message.
func (o Opcode) Only() bool {
	switch o {
	case OpSendOnly, OpWriteOnly, OpReadRespOnly:
		return true
	}
	return false
}

// Opens reports whether the opcode starts a message: the First fragment
// of a multi-packet message or a single-packet Only.
func (o Opcode) Opens() bool {
	return o.First() || o.Only()
}

// Closes reports whether the opcode ends a message (Last or Only variants,
// and the single-packet request opcodes).
func (o Opcode) Closes() bool {
	switch o {
	case OpSendLast, OpSendOnly, OpWriteLast, OpWriteOnly,
		OpReadRespLast, OpReadRespOnly, OpReadRequest,
		OpCompareSwap, OpFetchAdd:
		return true
	}
	return false
}

func (o Opcode) String() string {
	switch o {
	case OpSendFirst:
		return "SEND_FIRST"
	case OpSendMiddle:
		return "SEND_MIDDLE"
	case OpSendLast:
		return "SEND_LAST"
	case OpSendOnly:
		return "SEND_ONLY"
	case OpWriteFirst:
		return "WRITE_FIRST"
	case OpWriteMiddle:
		return "WRITE_MIDDLE"
	case OpWriteLast:
		return "WRITE_LAST"
	case OpWriteOnly:
		return "WRITE_ONLY"
	case OpReadRequest:
		return "READ_REQUEST"
	case OpReadRespFirst:
		return "READ_RESP_FIRST"
	case OpReadRespMiddle:
		return "READ_RESP_MIDDLE"
	case OpReadRespLast:
		return "READ_RESP_LAST"
	case OpReadRespOnly:
		return "READ_RESP_ONLY"
	case OpAcknowledge:
		return "ACKNOWLEDGE"
	case OpCompareSwap:
		return "COMPARE_SWAP"
	case OpFetchAdd:
		return "FETCH_ADD"
	case OpAtomicResponse:
		return "ATOMIC_RESPONSE"
	default:
		return "UNKNOWN"
	}
}
