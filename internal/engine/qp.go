package engine

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluewire-rdma/bluewire/internal/wire"
)

// msgClass selects the opcode family a send-side message is emitted with.
type msgClass uint8

const (
	classSend msgClass = iota
	classWrite
	classRead
	classReadResp
	classAtomic
)

// sendWR wraps one unit of send-side work with its emission cursor and
// completion result. Application work requests and internally generated
// read responses share the same emission machinery; internal entries never
// produce a completion.
type sendWR struct {
	wr       WorkRequest
	class    msgClass
	internal bool

	// extension fields for the First/Only packet of write, read-response
	// and atomic messages, and for the read request.
	extKey  uint32
	extAddr uint64

	payload []byte // single-packet payload for read requests and atomics

	validated bool
	windows   [][]byte // resolved gather windows, in SGE order
	total     uint32   // message payload length
	emitted   uint32   // bytes handed to egress so far
	nfrags    uint32   // packets emitted so far
	firstPSN  uint32
	lastPSN   uint32 // valid once emittedAll
	emittedAll bool

	done   bool
	status CompletionStatus
	bytes  uint32
}

// pendingRead tracks an outstanding RDMA_READ until response data fills
// its sink. Matched FIFO: reliable-connection ordering returns responses
// in request order.
type pendingRead struct {
	swr      *sendWR
	length   uint32
	received uint32
}

// pendingAtomic tracks an outstanding atomic until its response returns
// the original cell value.
type pendingAtomic struct {
	swr *sendWR
	dst []byte // validated 8-byte result sink
}

// recvAssembly is the in-progress inbound SEND message filling the head
// receive buffer. aborted marks a message whose buffer overflowed: the
// remaining fragments are consumed without effect and the receive work
// request has already completed with an error.
type recvAssembly struct {
	active  bool
	aborted bool
	wrID    uint64
	window  []byte
	written uint32
}

// addrCursor continues a multi-packet remote write or read response whose
// First packet established key and address; Middle/Last packets validate
// against the advancing cursor.
type addrCursor struct {
	active  bool
	aborted bool
	key     uint32
	next    uint64
}

// atomicReplay caches the last executed atomic so a retransmitted request
// is answered without re-execution.
type atomicReplay struct {
	valid  bool
	psn    uint32
	result uint64
}

// inboundPacket is a decoded packet queued on a QP's inbox. The payload is
// owned by the QP once queued.
type inboundPacket struct {
	hdr     wire.Header
	payload []byte
}

// QP is one reliable-connection queue pair. All mutable state is guarded
// by mu; the scheduler guarantees at most one worker services a QP at a
// time, and application calls hold mu only for short append/validate
// sections.
type QP struct {
	qpn uint32
	cfg QPConfig

	mu        sync.Mutex
	state     State
	errReason error
	peer      *net.UDPAddr
	peerQPN   uint32

	// Send side. sq is the completion FIFO over all posted work requests;
	// emitQ is the emission FIFO (entries leave it once fully emitted).
	sq             []*sendWR
	emitQ          []*sendWR
	nextSendPSN    uint32
	window         sendWindow
	pendingReads   []*pendingRead
	pendingAtomics []*pendingAtomic

	// Receive side.
	rq              []RecvBuffer
	expectedRecvPSN uint32
	ackValid        bool // an in-order packet has been accepted
	asm             recvAssembly
	wcur            addrCursor // inbound RDMA_WRITE continuation
	rcur            addrCursor // inbound read-response continuation
	replay          atomicReplay

	// Acknowledgment owed after the current receive batch.
	ackPending bool
	nakPending bool

	inbox    chan inboundPacket
	queued   atomic.Bool
	deadline time.Time // retransmit deadline; zero when window is empty
}

// QPN returns the queue pair number used on the wire.
func (qp *QP) QPN() uint32 { return qp.qpn }

// State returns the current connection state.
func (qp *QP) State() State {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.state
}

// Err returns what drove the queue pair to ERROR, or nil.
func (qp *QP) Err() error {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.errReason
}

// validTransition reports whether the state machine permits from → to.
func validTransition(from, to State) bool {
	switch {
	case to == StateError:
		return from != StateError
	case from == StateReset && to == StateInit:
		return true
	case from == StateInit && to == StateRTR:
		return true
	case from == StateRTR && to == StateRTS:
		return true
	}
	return false
}

// postSendLocked validates and enqueues a send-side work request.
func (qp *QP) postSendLocked(wr WorkRequest) error {
	if qp.state != StateRTS {
		return fmt.Errorf("post send on qp %d in %s: %w", qp.qpn, qp.state, ErrInvalidState)
	}
	if len(qp.sq) >= qp.cfg.SQDepth {
		return fmt.Errorf("post send on qp %d: send queue full: %w", qp.qpn, ErrResourceExhausted)
	}

	swr := &sendWR{wr: wr}
	switch wr.Kind {
	case KindSend:
		swr.class = classSend
	case KindWrite:
		swr.class = classWrite
		swr.extKey = wr.RKey
		swr.extAddr = wr.RemoteAddr
	case KindRead:
		swr.class = classRead
		swr.extKey = wr.RKey
		swr.extAddr = wr.RemoteAddr
		if len(wr.Sges) != 1 {
			return fmt.Errorf("post send on qp %d: read requires one sink entry", qp.qpn)
		}
	case KindCompareSwap, KindFetchAdd:
		swr.class = classAtomic
		swr.extKey = wr.RKey
		swr.extAddr = wr.RemoteAddr
		if len(wr.Sges) != 1 || wr.Sges[0].Length != wire.AtomicResultSize {
			return fmt.Errorf("post send on qp %d: atomic requires one 8-byte sink entry", qp.qpn)
		}
		if wr.RemoteAddr%8 != 0 {
			return fmt.Errorf("post send on qp %d: atomic address 0x%x unaligned: %w",
				qp.qpn, wr.RemoteAddr, ErrOutOfBounds)
		}
	default:
		return fmt.Errorf("post send on qp %d: unsupported kind %s", qp.qpn, wr.Kind)
	}

	qp.sq = append(qp.sq, swr)
	qp.emitQ = append(qp.emitQ, swr)
	return nil
}

// postRecvLocked enqueues a receive buffer.
func (qp *QP) postRecvLocked(buf RecvBuffer) error {
	if qp.state != StateRTR && qp.state != StateRTS {
		return fmt.Errorf("post recv on qp %d in %s: %w", qp.qpn, qp.state, ErrInvalidState)
	}
	if len(qp.rq) >= qp.cfg.RQDepth {
		return fmt.Errorf("post recv on qp %d: receive queue full: %w", qp.qpn, ErrResourceExhausted)
	}
	qp.rq = append(qp.rq, buf)
	return nil
}

// recvAckPSNLocked returns the cumulative acknowledgment value: the last
// PSN accepted in order.
func (qp *QP) recvAckPSNLocked() uint32 {
	return wire.PSNAdd(qp.expectedRecvPSN, wire.PSNMask) // expected − 1, mod 2^24
}

// hasSendWorkLocked reports whether the emission queue can make progress
// within the current send window. An atomic at the head stalls until the
// previous atomic's response retires it: the responder replays at most one
// cached atomic result, so only one may be outstanding.
func (qp *QP) hasSendWorkLocked() bool {
	if len(qp.emitQ) == 0 || qp.window.inFlight() >= qp.cfg.SendWindow {
		return false
	}
	if qp.emitQ[0].class == classAtomic && len(qp.pendingAtomics) > 0 {
		return false
	}
	return true
}

// moreWorkLocked reports whether another service visit is needed.
func (qp *QP) moreWorkLocked(now time.Time) bool {
	if qp.state == StateError {
		return len(qp.inbox) > 0
	}
	if len(qp.inbox) > 0 || qp.ackPending || qp.nakPending {
		return true
	}
	if qp.state == StateRTS && qp.hasSendWorkLocked() {
		return true
	}
	return !qp.deadline.IsZero() && !now.Before(qp.deadline)
}
