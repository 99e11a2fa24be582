package engine

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/bluewire-rdma/bluewire/internal/wire"
)

// serviceSendLocked advances the emission queue: it validates the head
// work request on first contact and emits packets until the send window,
// the batch budget, or the queue runs out. Emission requires RTS even for
// responder-side read responses: the send-direction PSN is not configured
// before the RTS transition, so a response accepted in RTR waits in the
// queue until the transition wakes the QP. Caller holds qp.mu.
func (e *Engine) serviceSendLocked(qp *QP, budget int) {
	for budget > 0 && qp.state == StateRTS && qp.hasSendWorkLocked() {
		swr := qp.emitQ[0]
		if !swr.validated {
			if err := e.prepareSendLocked(swr); err != nil {
				log.Debug().
					Err(err).
					Uint32("qpn", qp.qpn).
					Uint64("wrId", swr.wr.WrID).
					Msg("Send validation failed, completing in error")
				swr.done = true
				swr.status = StatusLocalAccessError
				qp.emitQ = qp.emitQ[1:]
				e.popSendCompletionsLocked(qp)
				continue
			}
		}
		if !e.emitPacketLocked(qp, swr) {
			return
		}
		budget--
		if swr.emittedAll {
			qp.emitQ = qp.emitQ[1:]
		}
	}
}

// prepareSendLocked resolves and bounds-checks every scatter/gather entry
// of a work request before its first packet goes out. A failure here means
// nothing of the message reaches the wire.
func (e *Engine) prepareSendLocked(swr *sendWR) error {
	switch swr.class {
	case classSend, classWrite:
		var total uint64
		for _, sge := range swr.wr.Sges {
			win, err := e.mrt.validateLocal(sge.LKey, sge.Offset, sge.Length, AccessLocalRead)
			if err != nil {
				return fmt.Errorf("gather entry lkey 0x%08x: %w", sge.LKey, err)
			}
			swr.windows = append(swr.windows, win)
			total += uint64(sge.Length)
		}
		if total > uint64(^uint32(0)) {
			return fmt.Errorf("gather length %d overflows message size: %w", total, ErrOutOfBounds)
		}
		swr.total = uint32(total)

	case classRead:
		sge := swr.wr.Sges[0]
		mr, err := e.mrt.lookup(sge.LKey)
		if err != nil {
			return fmt.Errorf("read sink lkey 0x%08x: %w", sge.LKey, err)
		}
		if _, err := mr.window(sge.Offset, sge.Length, AccessLocalWrite); err != nil {
			return fmt.Errorf("read sink lkey 0x%08x: %w", sge.LKey, err)
		}
		swr.total = sge.Length
		swr.payload = wire.EncodeReadDescriptor(wire.ReadDescriptor{
			SinkAddr: mr.Base + sge.Offset,
			SinkKey:  sge.LKey,
			Length:   sge.Length,
		})

	case classAtomic:
		sge := swr.wr.Sges[0]
		dst, err := e.mrt.validateLocal(sge.LKey, sge.Offset, wire.AtomicResultSize, AccessLocalWrite)
		if err != nil {
			return fmt.Errorf("atomic result lkey 0x%08x: %w", sge.LKey, err)
		}
		swr.windows = [][]byte{dst}
		swr.total = wire.AtomicResultSize
		ops := wire.AtomicOperands{Swap: swr.wr.Swap}
		if swr.wr.Kind == KindCompareSwap {
			ops.Compare = swr.wr.Compare
		}
		swr.payload = wire.EncodeAtomicOperands(ops)
	}
	swr.validated = true
	return nil
}

// emitPacketLocked encodes and transmits the next packet of swr, consuming
// one PSN. Returns false when the QP was moved to ERROR.
func (e *Engine) emitPacketLocked(qp *QP, swr *sendWR) bool {
	var op wire.Opcode
	var payload []byte

	switch swr.class {
	case classRead:
		op = wire.OpReadRequest
		payload = swr.payload
	case classAtomic:
		if swr.wr.Kind == KindCompareSwap {
			op = wire.OpCompareSwap
		} else {
			op = wire.OpFetchAdd
		}
		payload = swr.payload
	default:
		n := swr.total - swr.emitted
		if mtu := uint32(qp.cfg.MTU); n > mtu {
			n = mtu
		}
		payload = swr.gather(n)
		op = dataOpcode(swr.class, swr.emitted == 0, swr.emitted+n == swr.total)
	}

	psn := qp.nextSendPSN
	hdr := wire.Header{Opcode: op, DestQPN: qp.peerQPN, PSN: psn}
	if op.HasExt() {
		hdr.RKey = swr.extKey
		hdr.RAddr = swr.extAddr
	}
	if qp.ackValid {
		hdr.AckPSN = qp.recvAckPSNLocked()
		hdr.AckFlags = wire.AckFlagPresent
		if qp.nakPending {
			hdr.AckFlags |= wire.AckFlagNak
			qp.nakPending = false
		}
		qp.ackPending = false
	}

	pkt, err := wire.Encode(&hdr, payload)
	if err != nil {
		log.Error().
			Err(err).
			Uint32("qpn", qp.qpn).
			Str("opcode", op.String()).
			Msg("Packet encode failed")
		e.moveToErrorLocked(qp, err, StatusLocalAccessError)
		return false
	}
	qp.nextSendPSN = wire.PSNAdd(psn, 1)

	now := e.clock.Now()
	wasEmpty := qp.window.empty()
	if err := e.sender.Send(qp.peer, pkt); err != nil {
		log.Error().Err(err).Uint32("qpn", qp.qpn).Uint32("psn", psn).Msg("Packet send failed")
	}
	qp.window.add(psn, pkt, now)
	if wasEmpty {
		qp.deadline = now.Add(qp.cfg.Timeout)
	}
	e.hook.PacketSent(qp.qpn, len(pkt))
	e.stats.packetsSent.Add(1)

	if swr.nfrags == 0 {
		swr.firstPSN = psn
	}
	swr.nfrags++

	switch swr.class {
	case classRead:
		swr.lastPSN = psn
		swr.emittedAll = true
		qp.pendingReads = append(qp.pendingReads, &pendingRead{swr: swr, length: swr.total})
	case classAtomic:
		swr.lastPSN = psn
		swr.emittedAll = true
		qp.pendingAtomics = append(qp.pendingAtomics, &pendingAtomic{swr: swr, dst: swr.windows[0]})
	default:
		swr.emitted += uint32(len(payload))
		if swr.emitted == swr.total {
			swr.lastPSN = psn
			swr.emittedAll = true
		}
	}
	return true
}

// gather copies the next n unsent payload bytes out of the resolved
// windows, in SGE order.
func (swr *sendWR) gather(n uint32) []byte {
	if n == 0 {
		return nil
	}
	out := make([]byte, 0, n)
	skip := swr.emitted
	for _, w := range swr.windows {
		if skip >= uint32(len(w)) {
			skip -= uint32(len(w))
			continue
		}
		w = w[skip:]
		skip = 0
		if rem := n - uint32(len(out)); uint32(len(w)) > rem {
			w = w[:rem]
		}
		out = append(out, w...)
		if uint32(len(out)) == n {
			break
		}
	}
	return out
}

// dataOpcode selects the fragment opcode for a multi-packet message class.
func dataOpcode(class msgClass, first, last bool) wire.Opcode {
	switch class {
	case classWrite:
		return pickOpcode(first, last, wire.OpWriteFirst, wire.OpWriteMiddle, wire.OpWriteLast, wire.OpWriteOnly)
	case classReadResp:
		return pickOpcode(first, last, wire.OpReadRespFirst, wire.OpReadRespMiddle, wire.OpReadRespLast, wire.OpReadRespOnly)
	default:
		return pickOpcode(first, last, wire.OpSendFirst, wire.OpSendMiddle, wire.OpSendLast, wire.OpSendOnly)
	}
}

func pickOpcode(first, last bool, f, m, l, o wire.Opcode) wire.Opcode {
	switch {
	case first && last:
		return o
	case first:
		return f
	case last:
		return l
	default:
		return m
	}
}
