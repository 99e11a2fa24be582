package engine

import (
	"time"

	"github.com/rs/zerolog/log"
)

// markReady queues qp for a service round unless it is already queued or
// being serviced. The queued flag stays set until the round finishes, so
// at most one worker touches a QP at a time.
func (e *Engine) markReady(qp *QP) {
	if !qp.queued.CompareAndSwap(false, true) {
		return
	}
	select {
	case e.readyCh <- qp:
	default:
		// readyCh capacity matches the QP limit; reset so the QP can be
		// queued again instead of stranding it.
		qp.queued.Store(false)
		log.Error().Uint32("qpn", qp.qpn).Msg("Ready queue full, dropping wakeup")
	}
}

func (e *Engine) worker(id int) {
	defer e.wg.Done()
	log.Debug().Int("worker", id).Msg("Engine worker started")
	for {
		select {
		case <-e.stopCh:
			return
		case qp := <-e.readyCh:
			e.service(qp)
		}
	}
}

// service runs one bounded round over a QP: inbound packets first, then
// the retransmit deadline, then emission, then any acknowledgment still
// owed. Leftover work re-queues the QP so no round runs unbounded.
func (e *Engine) service(qp *QP) {
	qp.mu.Lock()
	e.serviceRecvLocked(qp, e.cfg.Batch)
	e.checkDeadlineLocked(qp, e.clock.Now())
	if qp.state == StateRTS {
		e.serviceSendLocked(qp, e.cfg.Batch)
	}
	e.flushAckLocked(qp)
	qp.queued.Store(false)
	again := qp.moreWorkLocked(e.clock.Now())
	qp.mu.Unlock()

	if again {
		e.markReady(qp)
	}
}

// timerLoop wakes QPs whose retransmit deadline has passed. The deadline
// action itself runs inside the owning worker's service round.
func (e *Engine) timerLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			now := e.clock.Now()
			e.qpsMu.RLock()
			for _, qp := range e.qps {
				qp.mu.Lock()
				due := qp.state == StateRTS && !qp.deadline.IsZero() && !now.Before(qp.deadline)
				qp.mu.Unlock()
				if due {
					e.markReady(qp)
				}
			}
			e.qpsMu.RUnlock()
		}
	}
}
