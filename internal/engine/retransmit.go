package engine

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bluewire-rdma/bluewire/internal/wire"
)

// retransmitRecord retains one in-flight packet until a cumulative
// acknowledgment covers its PSN. The encoded bytes are resent as-is on
// timeout or NAK.
type retransmitRecord struct {
	psn     uint32
	pkt     []byte
	sentAt  time.Time
	retries int
}

// sendWindow is the ordered set of in-flight unacknowledged packets of one
// QP. Records are appended in PSN order and removed from the front by
// cumulative acknowledgment, so the slice is always PSN-contiguous.
type sendWindow struct {
	records []retransmitRecord
}

func (w *sendWindow) inFlight() int { return len(w.records) }

func (w *sendWindow) empty() bool { return len(w.records) == 0 }

// add records a freshly emitted packet.
func (w *sendWindow) add(psn uint32, pkt []byte, now time.Time) {
	w.records = append(w.records, retransmitRecord{psn: psn, pkt: pkt, sentAt: now})
}

// ackThrough removes every record with PSN ≤ s in serial order and returns
// how many were removed.
func (w *sendWindow) ackThrough(s uint32) int {
	n := 0
	for n < len(w.records) && wire.PSNBeforeEq(w.records[n].psn, s) {
		n++
	}
	if n > 0 {
		w.records = w.records[n:]
	}
	return n
}

// oldestRetries returns the retry count of the oldest in-flight record.
func (w *sendWindow) oldestRetries() int {
	if len(w.records) == 0 {
		return 0
	}
	return w.records[0].retries
}

// processAck applies the acknowledgment fields of an inbound header to
// qp's window: slides it, completes covered work requests, re-arms or
// clears the retransmit deadline, and performs the NAK fast resend. The
// remote-error flag is handled by the caller before this point.
// Caller holds qp.mu.
func (e *Engine) processAck(qp *QP, hdr *wire.Header) {
	if !hdr.AckPresent() {
		return
	}
	s := qp.clampAckLocked(hdr.AckPSN)

	removed := qp.window.ackThrough(s)
	if removed > 0 {
		e.hook.AckReceived(qp.qpn, removed)
		e.completeAckedLocked(qp, s)
		if qp.window.empty() {
			qp.deadline = time.Time{}
		} else {
			qp.deadline = e.clock.Now().Add(qp.cfg.Timeout)
		}
	}

	if hdr.Nak() {
		log.Debug().
			Uint32("qpn", qp.qpn).
			Uint32("ackPsn", s).
			Int("inFlight", qp.window.inFlight()).
			Msg("NAK received, resending window")
		e.resendWindowLocked(qp)
	}
}

// clampAckLocked bounds how far a cumulative acknowledgment may slide the
// window. An atomic request stays armed until its AtomicResponse arrives:
// the response is sequence-exempt and never retransmitted, so a lost one
// is recovered by resending the request and letting the responder answer
// from its replay cache. Retiring the record on the ack alone would leave
// the oldest pending atomic with no timer to bring the response back.
func (qp *QP) clampAckLocked(s uint32) uint32 {
	if len(qp.pendingAtomics) == 0 {
		return s
	}
	hold := qp.pendingAtomics[0].swr.lastPSN
	if wire.PSNBeforeEq(hold, s) {
		return wire.PSNAdd(hold, wire.PSNMask)
	}
	return s
}

// completeAckedLocked marks send and write work requests done once the
// cumulative ack covers their last packet, then drains the completion
// FIFO. Reads and atomics complete on their response instead.
func (e *Engine) completeAckedLocked(qp *QP, s uint32) {
	for _, swr := range qp.sq {
		if swr.done || !swr.emittedAll {
			continue
		}
		if swr.class != classSend && swr.class != classWrite {
			continue
		}
		if !wire.PSNBeforeEq(swr.lastPSN, s) {
			break
		}
		swr.done = true
		swr.status = StatusOK
		swr.bytes = swr.total
	}
	e.popSendCompletionsLocked(qp)
}

// checkDeadlineLocked performs the go-back-N timeout action if the QP's
// retransmit deadline has passed: resend the whole window, or drive the QP
// to ERROR when the oldest record is out of retries.
func (e *Engine) checkDeadlineLocked(qp *QP, now time.Time) {
	if qp.state != StateRTS || qp.deadline.IsZero() || now.Before(qp.deadline) {
		return
	}
	log.Debug().
		Uint32("qpn", qp.qpn).
		Int("inFlight", qp.window.inFlight()).
		Int("retries", qp.window.oldestRetries()).
		Msg("Retransmit deadline expired")
	e.resendWindowLocked(qp)
}

// resendWindowLocked retransmits every in-flight packet in PSN order,
// counting one retry per packet, and re-arms the deadline. Exceeding the
// retry ceiling moves the QP to ERROR with RetryExhausted status.
func (e *Engine) resendWindowLocked(qp *QP) {
	if qp.window.empty() || qp.state != StateRTS {
		return
	}
	if qp.window.oldestRetries() >= qp.cfg.MaxRetries {
		log.Warn().
			Uint32("qpn", qp.qpn).
			Uint32("psn", qp.window.records[0].psn).
			Int("maxRetries", qp.cfg.MaxRetries).
			Msg("Retry limit exhausted, moving QP to ERROR")
		e.moveToErrorLocked(qp, ErrRetryExhausted, StatusRetryExhausted)
		return
	}

	now := e.clock.Now()
	for i := range qp.window.records {
		rec := &qp.window.records[i]
		if err := e.sender.Send(qp.peer, rec.pkt); err != nil {
			log.Error().Err(err).Uint32("qpn", qp.qpn).Uint32("psn", rec.psn).Msg("Retransmit send failed")
		}
		rec.sentAt = now
		rec.retries++
		e.hook.Retransmit(qp.qpn)
	}
	e.stats.retransmits.Add(uint64(len(qp.window.records)))
	qp.deadline = now.Add(qp.cfg.Timeout)
}
