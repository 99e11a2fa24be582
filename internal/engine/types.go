package engine

import (
	"fmt"
	"net"
	"time"

	"github.com/bluewire-rdma/bluewire/internal/wire"
)

// State is the queue pair connection state.
type State uint8

const (
	// StateReset is the initial state; only ModifyQP is accepted.
	StateReset State = iota
	// StateInit has resources allocated but no peer configured.
	StateInit
	// StateRTR (ready to receive) accepts receive buffers and inbound
	// packets but no send work.
	StateRTR
	// StateRTS (ready to send) is the operational state.
	StateRTS
	// StateError is terminal: pending work is flushed with error status
	// and no packets are emitted.
	StateError
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "RESET"
	case StateInit:
		return "INIT"
	case StateRTR:
		return "RTR"
	case StateRTS:
		return "RTS"
	case StateError:
		return "ERROR"
	default:
		return "INVALID"
	}
}

// AccessFlag is the memory region permission bitmask.
type AccessFlag uint32

const (
	AccessLocalRead AccessFlag = 1 << iota
	AccessLocalWrite
	AccessRemoteRead
	AccessRemoteWrite
	AccessAtomic
)

// Has reports whether every bit of need is present in f.
func (f AccessFlag) Has(need AccessFlag) bool {
	return f&need == need
}

// WRKind tags the operation a work request performs. Pipelines switch
// exhaustively on it.
type WRKind uint8

const (
	KindSend WRKind = iota
	KindWrite
	KindRead
	KindCompareSwap
	KindFetchAdd
	KindRecv
)

func (k WRKind) String() string {
	switch k {
	case KindSend:
		return "SEND"
	case KindWrite:
		return "RDMA_WRITE"
	case KindRead:
		return "RDMA_READ"
	case KindCompareSwap:
		return "ATOMIC_CS"
	case KindFetchAdd:
		return "ATOMIC_FAA"
	case KindRecv:
		return "RECV"
	default:
		return "UNKNOWN"
	}
}

// Sge references a registered memory range: a local key, an offset from the
// region base, and a length in bytes.
type Sge struct {
	LKey   uint32
	Offset uint64
	Length uint32
}

// WorkRequest is an application-submitted unit of send-side work. It is
// immutable once posted; the QP owns it until a completion is produced.
//
// Sges is the local gather list for SEND and RDMA_WRITE, the local sink for
// RDMA_READ (single entry), and the 8-byte result sink for atomics (single
// entry). RemoteAddr/RKey address peer memory for the RDMA verbs. Swap
// doubles as the add operand for FETCH_ADD; Compare is used only by
// COMPARE_SWAP.
type WorkRequest struct {
	WrID    uint64
	Kind    WRKind
	Sges    []Sge
	RemoteAddr uint64
	RKey    uint32
	Swap    uint64
	Compare uint64
}

// RecvBuffer is an application-posted receive descriptor consumed by
// inbound SEND messages, one message per buffer.
type RecvBuffer struct {
	WrID   uint64
	LKey   uint32
	Offset uint64
	Length uint32
}

// CompletionStatus reports how a work request finished.
type CompletionStatus uint8

const (
	// StatusOK is a successful completion.
	StatusOK CompletionStatus = iota
	// StatusLocalAccessError failed local scatter/gather validation.
	StatusLocalAccessError
	// StatusLocalLengthError means an inbound SEND overran the posted
	// receive buffer.
	StatusLocalLengthError
	// StatusRemoteAccessError means the peer rejected a remote access.
	StatusRemoteAccessError
	// StatusRetryExhausted means the retry ceiling was hit waiting for an
	// acknowledgment.
	StatusRetryExhausted
	// StatusFlushed means the QP entered ERROR with this request pending.
	StatusFlushed
)

func (s CompletionStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusLocalAccessError:
		return "LOCAL_ACCESS_ERROR"
	case StatusLocalLengthError:
		return "LOCAL_LENGTH_ERROR"
	case StatusRemoteAccessError:
		return "REMOTE_ACCESS_ERROR"
	case StatusRetryExhausted:
		return "RETRY_EXHAUSTED"
	case StatusFlushed:
		return "FLUSHED"
	default:
		return "UNKNOWN"
	}
}

// Ok reports whether the completion is a success.
func (s CompletionStatus) Ok() bool { return s == StatusOK }

// CompletionEntry is one polled completion. Exactly one entry is produced
// per work request, on success or final failure.
type CompletionEntry struct {
	QPN       uint32
	WrID      uint64
	Kind      WRKind
	Status    CompletionStatus
	ByteCount uint32
}

// QPConfig sizes a queue pair at creation time.
type QPConfig struct {
	SendCQ int // completion queue id for send-side completions
	RecvCQ int // completion queue id for receive-side completions

	SQDepth int // max outstanding send work requests
	RQDepth int // max posted receive buffers

	MTU        int // max payload bytes per packet
	SendWindow int // max in-flight unacknowledged packets
	RecvWindow int // inbound packet queue depth

	Timeout    time.Duration // retransmit interval
	MaxRetries int           // retransmissions allowed before ERROR
}

// maxSendWindow keeps in-flight PSNs well inside half the 24-bit serial
// space, so before/after comparisons stay unambiguous.
const maxSendWindow = 1 << 22

func (c QPConfig) validate() error {
	switch {
	case c.SQDepth < 1 || c.RQDepth < 1:
		return fmt.Errorf("queue depths must be at least 1: %w", ErrInvalidState)
	case c.MTU < 1 || c.MTU > wire.MaxPayload:
		return fmt.Errorf("mtu %d outside [1, %d]: %w", c.MTU, wire.MaxPayload, ErrInvalidState)
	case c.SendWindow < 1 || c.SendWindow > maxSendWindow:
		return fmt.Errorf("send window %d outside [1, %d]: %w", c.SendWindow, maxSendWindow, ErrInvalidState)
	case c.RecvWindow < 1:
		return fmt.Errorf("receive window must be at least 1: %w", ErrInvalidState)
	case c.Timeout <= 0:
		return fmt.Errorf("retransmit timeout must be positive: %w", ErrInvalidState)
	case c.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative: %w", ErrInvalidState)
	}
	return nil
}

// ModifyParams carries the per-transition arguments of ModifyQP. The RTR
// transition consumes Peer, PeerQPN and RecvPSN; the RTS transition
// consumes SendPSN.
type ModifyParams struct {
	Peer    *net.UDPAddr
	PeerQPN uint32
	RecvPSN uint32

	SendPSN uint32
}
