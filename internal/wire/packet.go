package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	// HeaderSize is the fixed header length: opcode (1), destination QPN
	// (4), payload length (2), PSN (3), ack PSN (3), ack flags (1).
	HeaderSize = 14
	// ExtSize is the length of the RDMA extension: remote key (4), remote
	// address (8). Present only for opcodes with HasExt.
	ExtSize = 12
	// CRCSize is the length of the CRC-32 trailer.
	CRCSize = 4

	// MaxPayload is the largest payload the 16-bit length field can carry.
	MaxPayload = 0xFFFF
)

// Decode failures. Malformed inbound packets are dropped and counted by the
// receive path; they never trigger retransmission.
var (
	ErrTruncated        = errors.New("wire: packet truncated")
	ErrChecksumMismatch = errors.New("wire: checksum mismatch")
	ErrUnknownOpcode    = errors.New("wire: unknown opcode")
	ErrFieldRange       = errors.New("wire: field out of range")
)

// Header is the decoded form of a packet header, including the RDMA
// extension fields when the opcode carries them.
type Header struct {
	Opcode   Opcode
	DestQPN  uint32 // 24-bit value space
	PSN      uint32 // 24-bit, wraps
	AckPSN   uint32 // cumulative; valid when AckFlags&AckFlagPresent != 0
	AckFlags uint8

	// RKey and RAddr form the extension, meaningful only when
	// Opcode.HasExt() is true.
	RKey  uint32
	RAddr uint64
}

// WireSize returns the encoded size of a packet with this header and the
// given payload length.
func (h *Header) WireSize(payloadLen int) int {
	n := HeaderSize + payloadLen + CRCSize
	if h.Opcode.HasExt() {
		n += ExtSize
	}
	return n
}

// AckPresent reports whether the header carries a valid cumulative ack.
func (h *Header) AckPresent() bool {
	return h.AckFlags&AckFlagPresent != 0
}

// Nak reports whether the header asks for an immediate go-back-N resend.
func (h *Header) Nak() bool {
	return h.AckFlags&AckFlagNak != 0
}

// RemoteErr reports whether the header carries a fatal remote access
// failure for the packet after AckPSN.
func (h *Header) RemoteErr() bool {
	return h.AckFlags&AckFlagRemoteErr != 0
}

// Encode serializes the header, extension, payload and CRC trailer into a
// freshly allocated buffer. It is deterministic and has no side effects.
func Encode(h *Header, payload []byte) ([]byte, error) {
	if !h.Opcode.Valid() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, uint8(h.Opcode))
	}
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload %d bytes", ErrFieldRange, len(payload))
	}
	if h.PSN > PSNMask || h.AckPSN > PSNMask {
		return nil, fmt.Errorf("%w: psn %d ack %d", ErrFieldRange, h.PSN, h.AckPSN)
	}
	if h.DestQPN > QPNMask {
		return nil, fmt.Errorf("%w: qpn %d", ErrFieldRange, h.DestQPN)
	}

	buf := make([]byte, h.WireSize(len(payload)))
	buf[0] = byte(h.Opcode)
	binary.BigEndian.PutUint32(buf[1:5], h.DestQPN)
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(payload)))
	putUint24(buf[7:10], h.PSN)
	putUint24(buf[10:13], h.AckPSN)
	buf[13] = h.AckFlags

	off := HeaderSize
	if h.Opcode.HasExt() {
		binary.BigEndian.PutUint32(buf[off:off+4], h.RKey)
		binary.BigEndian.PutUint64(buf[off+4:off+12], h.RAddr)
		off += ExtSize
	}
	copy(buf[off:], payload)
	off += len(payload)

	binary.BigEndian.PutUint32(buf[off:], crc32.ChecksumIEEE(buf[:off]))
	return buf, nil
}

// Decode parses a raw packet. The returned payload aliases buf. Decode
// validates the trailer before trusting any field past the opcode, so a
// corrupted opcode byte surfaces as a checksum mismatch rather than as a
// misparse.
func Decode(buf []byte) (Header, []byte, error) {
	var h Header
	if len(buf) < HeaderSize+CRCSize {
		return h, nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(buf))
	}

	body := buf[:len(buf)-CRCSize]
	want := binary.BigEndian.Uint32(buf[len(buf)-CRCSize:])
	if crc32.ChecksumIEEE(body) != want {
		return h, nil, ErrChecksumMismatch
	}

	h.Opcode = Opcode(buf[0])
	if !h.Opcode.Valid() {
		return h, nil, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, buf[0])
	}
	h.DestQPN = binary.BigEndian.Uint32(buf[1:5]) & QPNMask
	payloadLen := int(binary.BigEndian.Uint16(buf[5:7]))
	h.PSN = getUint24(buf[7:10])
	h.AckPSN = getUint24(buf[10:13])
	h.AckFlags = buf[13]

	off := HeaderSize
	if h.Opcode.HasExt() {
		if len(body) < off+ExtSize {
			return h, nil, fmt.Errorf("%w: missing extension", ErrTruncated)
		}
		h.RKey = binary.BigEndian.Uint32(body[off : off+4])
		h.RAddr = binary.BigEndian.Uint64(body[off+4 : off+12])
		off += ExtSize
	}
	if len(body)-off != payloadLen {
		return h, nil, fmt.Errorf("%w: payload %d of %d bytes", ErrTruncated, len(body)-off, payloadLen)
	}
	return h, body[off:], nil
}

// ReadDescriptor is the payload of an OpReadRequest: where the responder
// should place the response on the requester's side, and how much to read.
type ReadDescriptor struct {
	SinkAddr uint64
	SinkKey  uint32
	Length   uint32
}

// EncodeReadDescriptor serializes d into its 16-byte payload form.
func EncodeReadDescriptor(d ReadDescriptor) []byte {
	buf := make([]byte, ReadDescriptorSize)
	binary.BigEndian.PutUint64(buf[0:8], d.SinkAddr)
	binary.BigEndian.PutUint32(buf[8:12], d.SinkKey)
	binary.BigEndian.PutUint32(buf[12:16], d.Length)
	return buf
}

// DecodeReadDescriptor parses an OpReadRequest payload.
func DecodeReadDescriptor(payload []byte) (ReadDescriptor, error) {
	var d ReadDescriptor
	if len(payload) != ReadDescriptorSize {
		return d, fmt.Errorf("%w: read descriptor %d bytes", ErrTruncated, len(payload))
	}
	d.SinkAddr = binary.BigEndian.Uint64(payload[0:8])
	d.SinkKey = binary.BigEndian.Uint32(payload[8:12])
	d.Length = binary.BigEndian.Uint32(payload[12:16])
	return d, nil
}

// AtomicOperands is the payload of an atomic request. Swap doubles as the
// add operand for OpFetchAdd; Compare is ignored there.
type AtomicOperands struct {
	Swap    uint64
	Compare uint64
}

// EncodeAtomicOperands serializes ops into the 16-byte payload form.
func EncodeAtomicOperands(ops AtomicOperands) []byte {
	buf := make([]byte, AtomicOperandSize)
	binary.BigEndian.PutUint64(buf[0:8], ops.Swap)
	binary.BigEndian.PutUint64(buf[8:16], ops.Compare)
	return buf
}

// DecodeAtomicOperands parses an atomic request payload.
func DecodeAtomicOperands(payload []byte) (AtomicOperands, error) {
	var ops AtomicOperands
	if len(payload) != AtomicOperandSize {
		return ops, fmt.Errorf("%w: atomic operands %d bytes", ErrTruncated, len(payload))
	}
	ops.Swap = binary.BigEndian.Uint64(payload[0:8])
	ops.Compare = binary.BigEndian.Uint64(payload[8:16])
	return ops, nil
}

// EncodeAtomicResult serializes the original cell value returned by an
// atomic response.
func EncodeAtomicResult(v uint64) []byte {
	buf := make([]byte, AtomicResultSize)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// DecodeAtomicResult parses an OpAtomicResponse payload.
func DecodeAtomicResult(payload []byte) (uint64, error) {
	if len(payload) != AtomicResultSize {
		return 0, fmt.Errorf("%w: atomic result %d bytes", ErrTruncated, len(payload))
	}
	return binary.BigEndian.Uint64(payload), nil
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
