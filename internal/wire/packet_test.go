package wire

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload512 := bytes.Repeat([]byte{0xA5}, 512)

	tests := []struct {
		name    string
		header  Header
		payload []byte
	}{
		{
			name: "send only with piggybacked ack",
			header: Header{
				Opcode:   OpSendOnly,
				DestQPN:  0x000002,
				PSN:      100,
				AckPSN:   41,
				AckFlags: AckFlagPresent,
			},
			payload: payload512,
		},
		{
			name: "send middle no ack",
			header: Header{
				Opcode:  OpSendMiddle,
				DestQPN: 0x00FFFF,
				PSN:     0x00FFFFFF,
			},
			payload: []byte{1, 2, 3},
		},
		{
			name: "write first carries extension",
			header: Header{
				Opcode:  OpWriteFirst,
				DestQPN: 7,
				PSN:     9,
				RKey:    0x12AB34CD,
				RAddr:   0x0000700000001000,
			},
			payload: payload512,
		},
		{
			name: "write middle drops extension",
			header: Header{
				Opcode:  OpWriteMiddle,
				DestQPN: 7,
				PSN:     10,
			},
			payload: payload512,
		},
		{
			name: "read request descriptor",
			header: Header{
				Opcode:  OpReadRequest,
				DestQPN: 3,
				PSN:     77,
				RKey:    0xCAFE0001,
				RAddr:   0x0000700000002000,
			},
			payload: EncodeReadDescriptor(ReadDescriptor{
				SinkAddr: 0x0000700000003000,
				SinkKey:  0xBEEF0002,
				Length:   8192,
			}),
		},
		{
			name: "standalone acknowledgment",
			header: Header{
				Opcode:   OpAcknowledge,
				DestQPN:  3,
				PSN:      0,
				AckPSN:   0x00FFFFFE,
				AckFlags: AckFlagPresent,
			},
		},
		{
			name: "nak requests go-back-n",
			header: Header{
				Opcode:   OpAcknowledge,
				DestQPN:  3,
				AckPSN:   12,
				AckFlags: AckFlagPresent | AckFlagNak,
			},
		},
		{
			name: "compare swap operands",
			header: Header{
				Opcode:  OpCompareSwap,
				DestQPN: 4,
				PSN:     5,
				RKey:    0x11112222,
				RAddr:   0x0000700000004000,
			},
			payload: EncodeAtomicOperands(AtomicOperands{Swap: 42, Compare: 7}),
		},
		{
			name: "atomic response value",
			header: Header{
				Opcode:   OpAtomicResponse,
				DestQPN:  4,
				AckPSN:   5,
				AckFlags: AckFlagPresent,
			},
			payload: EncodeAtomicResult(7),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := Encode(&tt.header, tt.payload)
			require.NoError(t, err)
			require.Len(t, buf, tt.header.WireSize(len(tt.payload)))

			got, payload, err := Decode(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.header, got)
			if len(tt.payload) == 0 {
				assert.Empty(t, payload)
			} else {
				assert.Equal(t, tt.payload, payload)
			}
		})
	}
}

func TestEncodeRejectsOutOfRangeFields(t *testing.T) {
	_, err := Encode(&Header{Opcode: OpSendOnly, DestQPN: 1, PSN: PSNMask + 1}, nil)
	assert.ErrorIs(t, err, ErrFieldRange)

	_, err = Encode(&Header{Opcode: OpSendOnly, DestQPN: QPNMask + 1}, nil)
	assert.ErrorIs(t, err, ErrFieldRange)

	_, err = Encode(&Header{Opcode: Opcode(0xEE), DestQPN: 1}, nil)
	assert.ErrorIs(t, err, ErrUnknownOpcode)

	_, err = Encode(&Header{Opcode: OpSendOnly, DestQPN: 1}, make([]byte, MaxPayload+1))
	assert.ErrorIs(t, err, ErrFieldRange)
}

func TestDecodeTruncated(t *testing.T) {
	buf, err := Encode(&Header{Opcode: OpSendOnly, DestQPN: 2, PSN: 1}, []byte("abc"))
	require.NoError(t, err)

	for n := 0; n < HeaderSize+CRCSize; n++ {
		_, _, err := Decode(buf[:n])
		assert.ErrorIs(t, err, ErrTruncated, "length %d", n)
	}
}

func TestDecodeExtensionTruncated(t *testing.T) {
	// A WriteFirst whose body ends inside the extension, with a valid CRC
	// over the short body.
	body := make([]byte, HeaderSize+4)
	body[0] = byte(OpWriteFirst)
	binary.BigEndian.PutUint32(body[1:5], 2)
	buf := make([]byte, len(body)+CRCSize)
	copy(buf, body)
	binary.BigEndian.PutUint32(buf[len(body):], crc32.ChecksumIEEE(body))

	_, _, err := Decode(buf)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodePayloadLengthMismatch(t *testing.T) {
	buf, err := Encode(&Header{Opcode: OpSendOnly, DestQPN: 2, PSN: 1}, []byte("abcdef"))
	require.NoError(t, err)

	// Chop two payload bytes and restore the trailer so only the declared
	// length disagrees.
	short := buf[:len(buf)-CRCSize-2]
	fixed := make([]byte, len(short)+CRCSize)
	copy(fixed, short)
	binary.BigEndian.PutUint32(fixed[len(short):], crc32.ChecksumIEEE(short))

	_, _, err = Decode(fixed)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeChecksumMismatch(t *testing.T) {
	buf, err := Encode(&Header{Opcode: OpSendOnly, DestQPN: 2, PSN: 1}, []byte("abc"))
	require.NoError(t, err)

	for _, idx := range []int{0, 3, HeaderSize, len(buf) - 1} {
		corrupted := append([]byte(nil), buf...)
		corrupted[idx] ^= 0x80
		_, _, err := Decode(corrupted)
		assert.ErrorIs(t, err, ErrChecksumMismatch, "flipped byte %d", idx)
	}
}

func TestDecodeUnknownOpcode(t *testing.T) {
	body := make([]byte, HeaderSize)
	body[0] = 0x7F
	binary.BigEndian.PutUint32(body[1:5], 2)
	buf := make([]byte, len(body)+CRCSize)
	copy(buf, body)
	binary.BigEndian.PutUint32(buf[len(body):], crc32.ChecksumIEEE(body))

	_, _, err := Decode(buf)
	assert.ErrorIs(t, err, ErrUnknownOpcode)
}

func TestOpcodeClasses(t *testing.T) {
	assert.True(t, OpWriteFirst.HasExt())
	assert.False(t, OpWriteMiddle.HasExt())
	assert.False(t, OpWriteLast.HasExt())
	assert.True(t, OpReadRespOnly.HasExt())
	assert.False(t, OpReadRespMiddle.HasExt())
	assert.False(t, OpSendOnly.HasExt())

	assert.False(t, OpAcknowledge.Sequenced())
	assert.False(t, OpAtomicResponse.Sequenced())
	assert.True(t, OpReadRequest.Sequenced())
	assert.True(t, OpSendMiddle.Sequenced())

	assert.True(t, OpSendLast.Closes())
	assert.True(t, OpFetchAdd.Closes())
	assert.False(t, OpSendMiddle.Closes())
	assert.False(t, Opcode(0).Valid())
}

func TestPSNSerialArithmetic(t *testing.T) {
	assert.Equal(t, uint32(0), PSNAdd(PSNMask, 1))
	assert.Equal(t, uint32(3), PSNAdd(PSNMask-1, 5))
	assert.Equal(t, uint32(1), PSNDistance(0, PSNMask))
	assert.Equal(t, PSNMask, PSNDistance(PSNMask, 0))

	assert.True(t, PSNBefore(10, 11))
	assert.False(t, PSNBefore(11, 10))
	assert.False(t, PSNBefore(10, 10))
	assert.True(t, PSNBeforeEq(10, 10))

	// Wrap boundary: 0xFFFFFF precedes 0.
	assert.True(t, PSNBefore(PSNMask, 0))
	assert.False(t, PSNBefore(0, PSNMask))
	assert.True(t, PSNBeforeEq(PSNMask-3, PSNAdd(PSNMask-3, 2)))
}

func TestDescriptorAndOperandRoundTrips(t *testing.T) {
	d := ReadDescriptor{SinkAddr: 0x1234, SinkKey: 0x9999, Length: 4096}
	got, err := DecodeReadDescriptor(EncodeReadDescriptor(d))
	require.NoError(t, err)
	assert.Equal(t, d, got)

	_, err = DecodeReadDescriptor([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTruncated)

	ops := AtomicOperands{Swap: 99, Compare: 100}
	gotOps, err := DecodeAtomicOperands(EncodeAtomicOperands(ops))
	require.NoError(t, err)
	assert.Equal(t, ops, gotOps)

	v, err := DecodeAtomicResult(EncodeAtomicResult(777))
	require.NoError(t, err)
	assert.Equal(t, uint64(777), v)

	_, err = DecodeAtomicResult([]byte{1})
	assert.ErrorIs(t, err, ErrTruncated)
}
