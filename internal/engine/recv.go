package engine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/bluewire-rdma/bluewire/internal/metrics"
	"github.com/bluewire-rdma/bluewire/internal/wire"
)

var errPeerAbort = errors.New("engine: peer reported remote access failure")

// serviceRecvLocked drains up to budget packets from the QP's inbox.
// Caller holds qp.mu.
func (e *Engine) serviceRecvLocked(qp *QP, budget int) {
	for i := 0; i < budget; i++ {
		select {
		case in := <-qp.inbox:
			e.handlePacketLocked(qp, &in.hdr, in.payload)
		default:
			return
		}
	}
}

// handlePacketLocked dispatches one decoded packet addressed to qp.
func (e *Engine) handlePacketLocked(qp *QP, hdr *wire.Header, payload []byte) {
	if qp.state != StateRTR && qp.state != StateRTS {
		e.dropPacket(metrics.DropErrorState)
		return
	}

	if hdr.RemoteErr() {
		e.handlePeerAbortLocked(qp, hdr)
		return
	}

	if !hdr.Opcode.Sequenced() {
		// The response retires its pending atomic before ack processing
		// so the request's retransmit record is free to go with this
		// packet's own acknowledgment.
		if hdr.Opcode == wire.OpAtomicResponse {
			e.acceptAtomicResponseLocked(qp, payload)
		}
		e.processAck(qp, hdr)
		return
	}

	// Data packets carry piggybacked acknowledgment state regardless of
	// where their own PSN lands.
	e.processAck(qp, hdr)

	switch {
	case hdr.PSN == qp.expectedRecvPSN:
		e.acceptPacketLocked(qp, hdr, payload)
	case wire.PSNBefore(hdr.PSN, qp.expectedRecvPSN):
		e.handleDuplicateLocked(qp, hdr)
	default:
		log.Debug().
			Uint32("qpn", qp.qpn).
			Uint32("psn", hdr.PSN).
			Uint32("expected", qp.expectedRecvPSN).
			Msg("Sequence gap, requesting resend")
		e.dropPacket(metrics.DropOutOfOrder)
		qp.nakPending = true
	}
}

// handlePeerAbortLocked reacts to the peer's fatal access NAK: work the
// ack still covers completes normally, the oldest unfinished request takes
// the remote error, and the QP stops.
func (e *Engine) handlePeerAbortLocked(qp *QP, hdr *wire.Header) {
	if hdr.AckPresent() {
		if removed := qp.window.ackThrough(hdr.AckPSN); removed > 0 {
			e.hook.AckReceived(qp.qpn, removed)
			e.completeAckedLocked(qp, hdr.AckPSN)
		}
	}
	log.Warn().
		Uint32("qpn", qp.qpn).
		Uint32("peerQpn", qp.peerQPN).
		Msg("Peer reported remote access failure, moving QP to ERROR")
	e.moveToErrorLocked(qp, errPeerAbort, StatusRemoteAccessError)
}

// handleDuplicateLocked re-acknowledges an already accepted PSN. A
// duplicate of the last executed atomic is answered from the replay cache
// without executing again.
func (e *Engine) handleDuplicateLocked(qp *QP, hdr *wire.Header) {
	e.dropPacket(metrics.DropDuplicate)
	if hdr.Opcode.IsAtomicReq() && qp.replay.valid && hdr.PSN == qp.replay.psn {
		e.sendAtomicResponseLocked(qp)
		return
	}
	qp.ackPending = true
}

// acceptPacketLocked processes the in-order packet everything above has
// been waiting for.
func (e *Engine) acceptPacketLocked(qp *QP, hdr *wire.Header, payload []byte) {
	op := hdr.Opcode
	switch {
	case op.IsSend():
		e.acceptSendLocked(qp, op, payload)
	case op.IsWrite():
		e.acceptWriteLocked(qp, hdr, payload)
	case op == wire.OpReadRequest:
		e.acceptReadRequestLocked(qp, hdr, payload)
	case op.IsReadResp():
		e.acceptReadRespLocked(qp, hdr, payload)
	case op.IsAtomicReq():
		e.acceptAtomicLocked(qp, hdr, payload)
	}
}

// advanceRecvLocked consumes the expected PSN after a packet is accepted
// and schedules a cumulative acknowledgment.
func (qp *QP) advanceRecvLocked() {
	qp.expectedRecvPSN = wire.PSNAdd(qp.expectedRecvPSN, 1)
	qp.ackValid = true
	qp.ackPending = true
}

// acceptSendLocked lands an inbound SEND fragment in the head receive
// buffer. With no buffer posted the fragment is dropped without advancing
// the expected PSN, so the sender's retransmit redelivers it once the
// application catches up.
func (e *Engine) acceptSendLocked(qp *QP, op wire.Opcode, payload []byte) {
	if op.Opens() {
		if qp.asm.active {
			log.Warn().Uint32("qpn", qp.qpn).Msg("SEND restarted mid-message, dropping")
			e.dropPacket(metrics.DropProtocol)
			return
		}
		if len(qp.rq) == 0 {
			e.dropPacket(metrics.DropNoRecvBuffer)
			return
		}
		buf := qp.rq[0]
		qp.rq = qp.rq[1:]
		asm := recvAssembly{active: true, wrID: buf.WrID}
		win, err := e.mrt.validateLocal(buf.LKey, buf.Offset, buf.Length, AccessLocalWrite)
		if err != nil {
			log.Debug().Err(err).Uint32("qpn", qp.qpn).Uint64("wrId", buf.WrID).Msg("Receive buffer validation failed")
			asm.aborted = true
			e.completeRecvLocked(qp, buf.WrID, StatusLocalAccessError, 0)
		} else {
			asm.window = win
		}
		qp.asm = asm
	}
	if !qp.asm.active {
		log.Warn().Uint32("qpn", qp.qpn).Msg("SEND continuation without active message, dropping")
		e.dropPacket(metrics.DropProtocol)
		return
	}

	if !qp.asm.aborted {
		if qp.asm.written+uint32(len(payload)) > uint32(len(qp.asm.window)) {
			e.completeRecvLocked(qp, qp.asm.wrID, StatusLocalLengthError, qp.asm.written)
			qp.asm.aborted = true
		} else {
			copy(qp.asm.window[qp.asm.written:], payload)
			qp.asm.written += uint32(len(payload))
		}
	}

	qp.advanceRecvLocked()
	if op.Closes() {
		if !qp.asm.aborted {
			e.completeRecvLocked(qp, qp.asm.wrID, StatusOK, qp.asm.written)
		}
		qp.asm = recvAssembly{}
	}
}

// acceptWriteLocked applies an inbound RDMA write fragment. First/Only
// packets carry the target; Middle/Last continue the cursor the First
// packet opened. A validation failure here is the peer's fault and ends
// the connection.
func (e *Engine) acceptWriteLocked(qp *QP, hdr *wire.Header, payload []byte) {
	n := uint32(len(payload))
	if hdr.Opcode.Opens() {
		if qp.wcur.active {
			log.Warn().Uint32("qpn", qp.qpn).Msg("WRITE restarted mid-message, dropping")
			e.dropPacket(metrics.DropProtocol)
			return
		}
		win, err := e.mrt.validateRemote(hdr.RKey, hdr.RAddr, n, AccessRemoteWrite)
		if err != nil {
			e.respondRemoteErrLocked(qp, fmt.Errorf("write to rkey 0x%08x addr 0x%x len %d: %w", hdr.RKey, hdr.RAddr, n, err))
			return
		}
		copy(win, payload)
		qp.advanceRecvLocked()
		if !hdr.Opcode.Closes() {
			qp.wcur = addrCursor{active: true, key: hdr.RKey, next: hdr.RAddr + uint64(n)}
		}
		return
	}

	if !qp.wcur.active {
		log.Warn().Uint32("qpn", qp.qpn).Msg("WRITE continuation without active message, dropping")
		e.dropPacket(metrics.DropProtocol)
		return
	}
	win, err := e.mrt.validateRemote(qp.wcur.key, qp.wcur.next, n, AccessRemoteWrite)
	if err != nil {
		e.respondRemoteErrLocked(qp, fmt.Errorf("write continuation at addr 0x%x len %d: %w", qp.wcur.next, n, err))
		return
	}
	copy(win, payload)
	qp.wcur.next += uint64(n)
	qp.advanceRecvLocked()
	if hdr.Opcode.Closes() {
		qp.wcur = addrCursor{}
	}
}

// acceptReadRequestLocked validates an inbound read and queues its
// response data through the QP's own emission pipeline, where it is
// fragmented, sequenced and retransmitted like any other message.
func (e *Engine) acceptReadRequestLocked(qp *QP, hdr *wire.Header, payload []byte) {
	desc, err := wire.DecodeReadDescriptor(payload)
	if err != nil {
		log.Warn().Err(err).Uint32("qpn", qp.qpn).Msg("Malformed read descriptor, dropping")
		e.dropPacket(metrics.DropProtocol)
		return
	}
	win, err := e.mrt.validateRemote(hdr.RKey, hdr.RAddr, desc.Length, AccessRemoteRead)
	if err != nil {
		e.respondRemoteErrLocked(qp, fmt.Errorf("read of rkey 0x%08x addr 0x%x len %d: %w", hdr.RKey, hdr.RAddr, desc.Length, err))
		return
	}

	qp.emitQ = append(qp.emitQ, &sendWR{
		class:     classReadResp,
		internal:  true,
		extKey:    desc.SinkKey,
		extAddr:   desc.SinkAddr,
		validated: true,
		windows:   [][]byte{win},
		total:     desc.Length,
	})
	qp.advanceRecvLocked()
}

// acceptReadRespLocked lands read response data in the sink the request
// named. Sink validation failures are local to this QP: the read completes
// in error and the remaining response fragments are consumed without
// effect.
func (e *Engine) acceptReadRespLocked(qp *QP, hdr *wire.Header, payload []byte) {
	n := uint32(len(payload))
	if hdr.Opcode.Opens() {
		if qp.rcur.active || len(qp.pendingReads) == 0 {
			log.Warn().Uint32("qpn", qp.qpn).Msg("Unexpected read response, dropping")
			e.dropPacket(metrics.DropProtocol)
			return
		}
		pr := qp.pendingReads[0]
		win, err := e.mrt.validateRemote(hdr.RKey, hdr.RAddr, n, AccessLocalWrite)
		if err != nil {
			log.Debug().Err(err).Uint32("qpn", qp.qpn).Uint64("wrId", pr.swr.wr.WrID).Msg("Read sink validation failed")
			e.failPendingReadLocked(qp)
			qp.advanceRecvLocked()
			if !hdr.Opcode.Closes() {
				qp.rcur = addrCursor{active: true, aborted: true}
			}
			return
		}
		copy(win, payload)
		pr.received += n
		qp.advanceRecvLocked()
		if hdr.Opcode.Closes() {
			e.finishPendingReadLocked(qp)
		} else {
			qp.rcur = addrCursor{active: true, key: hdr.RKey, next: hdr.RAddr + uint64(n)}
		}
		return
	}

	if !qp.rcur.active {
		log.Warn().Uint32("qpn", qp.qpn).Msg("Read response continuation without active message, dropping")
		e.dropPacket(metrics.DropProtocol)
		return
	}
	if qp.rcur.aborted {
		qp.advanceRecvLocked()
		if hdr.Opcode.Closes() {
			qp.rcur = addrCursor{}
		}
		return
	}

	pr := qp.pendingReads[0]
	win, err := e.mrt.validateRemote(qp.rcur.key, qp.rcur.next, n, AccessLocalWrite)
	if err != nil {
		log.Debug().Err(err).Uint32("qpn", qp.qpn).Uint64("wrId", pr.swr.wr.WrID).Msg("Read sink validation failed mid-message")
		e.failPendingReadLocked(qp)
		qp.rcur.aborted = true
		qp.advanceRecvLocked()
		if hdr.Opcode.Closes() {
			qp.rcur = addrCursor{}
		}
		return
	}
	copy(win, payload)
	pr.received += n
	qp.rcur.next += uint64(n)
	qp.advanceRecvLocked()
	if hdr.Opcode.Closes() {
		e.finishPendingReadLocked(qp)
		qp.rcur = addrCursor{}
	}
}

// finishPendingReadLocked completes the oldest outstanding read with the
// bytes its response delivered.
func (e *Engine) finishPendingReadLocked(qp *QP) {
	pr := qp.pendingReads[0]
	qp.pendingReads = qp.pendingReads[1:]
	pr.swr.done = true
	pr.swr.status = StatusOK
	pr.swr.bytes = pr.received
	e.popSendCompletionsLocked(qp)
}

// failPendingReadLocked completes the oldest outstanding read in error.
func (e *Engine) failPendingReadLocked(qp *QP) {
	pr := qp.pendingReads[0]
	qp.pendingReads = qp.pendingReads[1:]
	pr.swr.done = true
	pr.swr.status = StatusLocalAccessError
	pr.swr.bytes = 0
	e.popSendCompletionsLocked(qp)
}

// acceptAtomicLocked executes an inbound atomic on its 8-byte cell and
// responds with the original value. The result is cached so a
// retransmitted request is answered without executing twice.
func (e *Engine) acceptAtomicLocked(qp *QP, hdr *wire.Header, payload []byte) {
	ops, err := wire.DecodeAtomicOperands(payload)
	if err != nil {
		log.Warn().Err(err).Uint32("qpn", qp.qpn).Msg("Malformed atomic operands, dropping")
		e.dropPacket(metrics.DropProtocol)
		return
	}
	if hdr.RAddr%wire.AtomicResultSize != 0 {
		e.respondRemoteErrLocked(qp, fmt.Errorf("atomic at unaligned addr 0x%x: %w", hdr.RAddr, ErrOutOfBounds))
		return
	}
	cell, err := e.mrt.validateRemote(hdr.RKey, hdr.RAddr, wire.AtomicResultSize, AccessAtomic)
	if err != nil {
		e.respondRemoteErrLocked(qp, fmt.Errorf("atomic on rkey 0x%08x addr 0x%x: %w", hdr.RKey, hdr.RAddr, err))
		return
	}

	orig := binary.BigEndian.Uint64(cell)
	switch hdr.Opcode {
	case wire.OpCompareSwap:
		if orig == ops.Compare {
			binary.BigEndian.PutUint64(cell, ops.Swap)
		}
	case wire.OpFetchAdd:
		binary.BigEndian.PutUint64(cell, orig+ops.Swap)
	}

	qp.replay = atomicReplay{valid: true, psn: hdr.PSN, result: orig}
	qp.advanceRecvLocked()
	e.sendAtomicResponseLocked(qp)
	qp.ackPending = false
}

// acceptAtomicResponseLocked retires the single outstanding atomic with
// the original cell value the responder returned.
func (e *Engine) acceptAtomicResponseLocked(qp *QP, payload []byte) {
	if len(qp.pendingAtomics) == 0 {
		e.dropPacket(metrics.DropDuplicate)
		return
	}
	result, err := wire.DecodeAtomicResult(payload)
	if err != nil {
		log.Warn().Err(err).Uint32("qpn", qp.qpn).Msg("Malformed atomic response, dropping")
		e.dropPacket(metrics.DropProtocol)
		return
	}
	pa := qp.pendingAtomics[0]
	qp.pendingAtomics = qp.pendingAtomics[1:]
	binary.BigEndian.PutUint64(pa.dst, result)
	pa.swr.done = true
	pa.swr.status = StatusOK
	pa.swr.bytes = wire.AtomicResultSize
	e.popSendCompletionsLocked(qp)
}

// respondRemoteErrLocked reports a fatal access failure back to the
// requester and stops this side too. Nothing of the offending request
// takes effect and the expected PSN does not advance.
func (e *Engine) respondRemoteErrLocked(qp *QP, cause error) {
	log.Warn().
		Err(cause).
		Uint32("qpn", qp.qpn).
		Uint32("peerQpn", qp.peerQPN).
		Msg("Remote access validation failed, moving QP to ERROR")
	e.emitControlLocked(qp, wire.OpAcknowledge, qp.recvAckPSNLocked(), wire.AckFlagNak|wire.AckFlagRemoteErr, nil)
	e.moveToErrorLocked(qp, cause, StatusFlushed)
}

// sendAtomicResponseLocked emits the cached atomic result, tagged with the
// PSN of the request it answers.
func (e *Engine) sendAtomicResponseLocked(qp *QP) {
	e.emitControlLocked(qp, wire.OpAtomicResponse, qp.replay.psn, 0, wire.EncodeAtomicResult(qp.replay.result))
}

// flushAckLocked emits the standalone acknowledgment still owed after a
// service round, unless a data packet already carried it.
func (e *Engine) flushAckLocked(qp *QP) {
	if !qp.ackPending && !qp.nakPending {
		return
	}
	var flags uint8
	if qp.nakPending {
		flags |= wire.AckFlagNak
	}
	e.emitControlLocked(qp, wire.OpAcknowledge, qp.recvAckPSNLocked(), flags, nil)
	qp.ackPending = false
	qp.nakPending = false
}

// emitControlLocked sends a sequence-exempt packet carrying the current
// cumulative acknowledgment state. Control packets consume no PSN and are
// never retransmitted; loss is recovered by the peer's own timers.
func (e *Engine) emitControlLocked(qp *QP, op wire.Opcode, psn uint32, flags uint8, payload []byte) {
	hdr := wire.Header{
		Opcode:   op,
		DestQPN:  qp.peerQPN,
		PSN:      psn,
		AckPSN:   qp.recvAckPSNLocked(),
		AckFlags: wire.AckFlagPresent | flags,
	}
	pkt, err := wire.Encode(&hdr, payload)
	if err != nil {
		log.Error().Err(err).Uint32("qpn", qp.qpn).Str("opcode", op.String()).Msg("Control packet encode failed")
		return
	}
	if err := e.sender.Send(qp.peer, pkt); err != nil {
		log.Error().Err(err).Uint32("qpn", qp.qpn).Str("opcode", op.String()).Msg("Control packet send failed")
	}
	e.hook.PacketSent(qp.qpn, len(pkt))
	e.stats.packetsSent.Add(1)
}

// completeRecvLocked pushes a receive completion onto the QP's receive CQ.
func (e *Engine) completeRecvLocked(qp *QP, wrID uint64, status CompletionStatus, n uint32) {
	cq := e.cqByID(qp.cfg.RecvCQ)
	if cq == nil {
		return
	}
	cq.push(CompletionEntry{QPN: qp.qpn, WrID: wrID, Kind: KindRecv, Status: status, ByteCount: n})
	e.hook.Completion(status.String())
}
