package engine

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bluewire-rdma/bluewire/internal/metrics"
	"github.com/bluewire-rdma/bluewire/internal/wire"
)

// Sender transmits one encoded packet toward a peer endpoint. The engine
// treats transmission as lossy; reliability lives in the engine itself.
type Sender interface {
	Send(dst *net.UDPAddr, pkt []byte) error
}

// Config sizes the engine.
type Config struct {
	Workers      int
	Batch        int
	MaxQPs       int
	TickInterval time.Duration

	// Clock defaults to the system clock; tests substitute their own.
	Clock Clock
	// Hook receives data-path events; nil disables instrumentation.
	Hook metrics.Hook
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Batch <= 0 {
		c.Batch = 16
	}
	if c.MaxQPs <= 0 {
		c.MaxQPs = 1024
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	if c.Hook == nil {
		c.Hook = metrics.Nop{}
	}
	return c
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsDropped  uint64
	Retransmits     uint64
}

type engineStats struct {
	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	packetsDropped  atomic.Uint64
	retransmits     atomic.Uint64
}

var errAdminTeardown = errors.New("engine: administratively moved to ERROR")

// Engine multiplexes reliable-connection queue pairs over one packet
// transport. Verbs are safe for concurrent use; per-QP protocol work runs
// on the worker pool, one worker per QP at a time.
type Engine struct {
	cfg    Config
	sender Sender
	clock  Clock
	hook   metrics.Hook
	mrt    *mrTable

	qpsMu   sync.RWMutex
	qps     map[uint32]*QP
	nextQPN uint32

	cqsMu  sync.RWMutex
	cqs    map[int]*CQ
	nextCQ int

	readyCh chan *QP
	stopCh  chan struct{}
	wg      sync.WaitGroup

	stats engineStats
}

// New builds an engine that emits packets through sender. Call Start to
// launch the workers.
func New(cfg Config, sender Sender) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:     cfg,
		sender:  sender,
		clock:   cfg.Clock,
		hook:    cfg.Hook,
		mrt:     newMRTable(),
		qps:     make(map[uint32]*QP),
		nextQPN: 2, // 0 and 1 stay reserved
		cqs:     make(map[int]*CQ),
		nextCQ:  1,
		readyCh: make(chan *QP, cfg.MaxQPs),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the worker pool and the retransmit timer.
func (e *Engine) Start() {
	log.Info().
		Int("workers", e.cfg.Workers).
		Int("maxQps", e.cfg.MaxQPs).
		Dur("tick", e.cfg.TickInterval).
		Msg("Starting transport engine")
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	e.wg.Add(1)
	go e.timerLoop()
}

// Stop halts the workers after their current service rounds finish.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	log.Info().Msg("Transport engine stopped")
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		PacketsSent:     e.stats.packetsSent.Load(),
		PacketsReceived: e.stats.packetsReceived.Load(),
		PacketsDropped:  e.stats.packetsDropped.Load(),
		Retransmits:     e.stats.retransmits.Load(),
	}
}

// CreateCQ allocates a completion queue holding up to depth entries.
func (e *Engine) CreateCQ(depth int) (*CQ, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("create cq: depth %d: %w", depth, ErrInvalidState)
	}
	e.cqsMu.Lock()
	defer e.cqsMu.Unlock()
	id := e.nextCQ
	e.nextCQ++
	cq := newCQ(id, depth)
	e.cqs[id] = cq
	return cq, nil
}

// DestroyCQ releases a completion queue. A queue still attached to a QP
// cannot be destroyed.
func (e *Engine) DestroyCQ(id int) error {
	e.qpsMu.RLock()
	defer e.qpsMu.RUnlock()
	for _, qp := range e.qps {
		if qp.cfg.SendCQ == id || qp.cfg.RecvCQ == id {
			return fmt.Errorf("destroy cq %d: attached to qp %d: %w", id, qp.qpn, ErrInvalidState)
		}
	}
	e.cqsMu.Lock()
	defer e.cqsMu.Unlock()
	if _, ok := e.cqs[id]; !ok {
		return fmt.Errorf("destroy cq %d: %w", id, ErrStaleKey)
	}
	delete(e.cqs, id)
	return nil
}

func (e *Engine) cqByID(id int) *CQ {
	e.cqsMu.RLock()
	defer e.cqsMu.RUnlock()
	return e.cqs[id]
}

// CreateQP allocates a queue pair in RESET. Completion slots for the full
// queue depths are reserved up front so completions can never overflow the
// attached queues.
func (e *Engine) CreateQP(cfg QPConfig) (*QP, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("create qp: %w", err)
	}

	e.qpsMu.Lock()
	defer e.qpsMu.Unlock()
	if len(e.qps) >= e.cfg.MaxQPs {
		return nil, fmt.Errorf("create qp: limit %d reached: %w", e.cfg.MaxQPs, ErrResourceExhausted)
	}

	sendCQ := e.cqByID(cfg.SendCQ)
	recvCQ := e.cqByID(cfg.RecvCQ)
	if sendCQ == nil || recvCQ == nil {
		return nil, fmt.Errorf("create qp: unknown completion queue: %w", ErrStaleKey)
	}
	if sendCQ == recvCQ {
		if err := sendCQ.reserve(cfg.SQDepth + cfg.RQDepth); err != nil {
			return nil, fmt.Errorf("create qp: %w", err)
		}
	} else {
		if err := sendCQ.reserve(cfg.SQDepth); err != nil {
			return nil, fmt.Errorf("create qp: %w", err)
		}
		if err := recvCQ.reserve(cfg.RQDepth); err != nil {
			sendCQ.release(cfg.SQDepth)
			return nil, fmt.Errorf("create qp: %w", err)
		}
	}

	qp := &QP{
		qpn:   e.allocQPNLocked(),
		cfg:   cfg,
		state: StateReset,
		inbox: make(chan inboundPacket, cfg.RecvWindow),
	}
	e.qps[qp.qpn] = qp
	log.Debug().Uint32("qpn", qp.qpn).Int("mtu", cfg.MTU).Msg("Created queue pair")
	return qp, nil
}

// allocQPNLocked hands out queue pair numbers monotonically within the
// 24-bit wire space, skipping reserved and still-live values.
func (e *Engine) allocQPNLocked() uint32 {
	for {
		qpn := e.nextQPN & wire.QPNMask
		e.nextQPN++
		if qpn < 2 {
			continue
		}
		if _, busy := e.qps[qpn]; !busy {
			return qpn
		}
	}
}

// DestroyQP flushes outstanding work and releases the queue pair. Its
// number is not handed out again until the space wraps.
func (e *Engine) DestroyQP(qp *QP) error {
	e.qpsMu.Lock()
	if e.qps[qp.qpn] != qp {
		e.qpsMu.Unlock()
		return fmt.Errorf("destroy qp %d: %w", qp.qpn, ErrStaleKey)
	}
	delete(e.qps, qp.qpn)
	e.qpsMu.Unlock()

	qp.mu.Lock()
	e.moveToErrorLocked(qp, errAdminTeardown, StatusFlushed)
	cfg := qp.cfg
	qp.mu.Unlock()

	sendCQ := e.cqByID(cfg.SendCQ)
	recvCQ := e.cqByID(cfg.RecvCQ)
	if sendCQ != nil && sendCQ == recvCQ {
		sendCQ.release(cfg.SQDepth + cfg.RQDepth)
	} else {
		if sendCQ != nil {
			sendCQ.release(cfg.SQDepth)
		}
		if recvCQ != nil {
			recvCQ.release(cfg.RQDepth)
		}
	}
	log.Debug().Uint32("qpn", qp.qpn).Msg("Destroyed queue pair")
	return nil
}

// ModifyQP drives the queue pair state machine. RTR consumes the peer
// endpoint, peer QPN and first expected PSN; RTS consumes the first send
// PSN. Any state may move to ERROR, which flushes outstanding work.
func (e *Engine) ModifyQP(qp *QP, to State, params ModifyParams) error {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	if !validTransition(qp.state, to) {
		return fmt.Errorf("modify qp %d: %s to %s: %w", qp.qpn, qp.state, to, ErrInvalidState)
	}

	switch to {
	case StateRTR:
		if params.Peer == nil {
			return fmt.Errorf("modify qp %d to RTR: peer endpoint required: %w", qp.qpn, ErrInvalidState)
		}
		qp.peer = params.Peer
		qp.peerQPN = params.PeerQPN & wire.QPNMask
		qp.expectedRecvPSN = params.RecvPSN & wire.PSNMask
	case StateRTS:
		qp.nextSendPSN = params.SendPSN & wire.PSNMask
	case StateError:
		e.moveToErrorLocked(qp, errAdminTeardown, StatusFlushed)
		return nil
	}

	qp.state = to
	e.hook.QPState(to.String())
	log.Info().
		Uint32("qpn", qp.qpn).
		Str("state", to.String()).
		Msg("Queue pair state changed")
	if to == StateRTS && qp.hasSendWorkLocked() {
		// read responses accepted while in RTR wait for the send PSN
		// configured here
		e.markReady(qp)
	}
	return nil
}

// PostSend queues a work request on the send side and wakes the QP.
func (e *Engine) PostSend(qp *QP, wr WorkRequest) error {
	qp.mu.Lock()
	err := qp.postSendLocked(wr)
	qp.mu.Unlock()
	if err != nil {
		return err
	}
	e.markReady(qp)
	return nil
}

// PostRecv queues a receive buffer for inbound SEND data.
func (e *Engine) PostRecv(qp *QP, buf RecvBuffer) error {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.postRecvLocked(buf)
}

// RegisterMR registers buf for transport access and returns its keys and
// synthetic base address.
func (e *Engine) RegisterMR(buf []byte, perms AccessFlag) (*MemoryRegion, error) {
	return e.mrt.register(buf, perms)
}

// DeregisterMR invalidates a region by either of its keys. In-flight
// operations that already validated keep their resolved windows; new
// validations fail.
func (e *Engine) DeregisterMR(key uint32) error {
	return e.mrt.deregister(key)
}

// Deliver hands one received datagram to the engine. The buffer is not
// retained. Packets that do not decode, address an unknown QP or exceed
// the QP's inbound backlog are dropped; the sender's retransmit covers
// the loss.
func (e *Engine) Deliver(src *net.UDPAddr, datagram []byte) {
	hdr, payload, err := wire.Decode(datagram)
	if err != nil {
		e.dropPacket(metrics.DropDecode)
		log.Debug().Err(err).Str("src", addrString(src)).Msg("Undecodable packet, dropping")
		return
	}

	e.qpsMu.RLock()
	qp := e.qps[hdr.DestQPN]
	e.qpsMu.RUnlock()
	if qp == nil {
		e.dropPacket(metrics.DropUnknownQP)
		return
	}

	in := inboundPacket{hdr: hdr, payload: append([]byte(nil), payload...)}
	select {
	case qp.inbox <- in:
		e.stats.packetsReceived.Add(1)
		e.hook.PacketReceived(qp.qpn, len(datagram))
		e.markReady(qp)
	default:
		e.dropPacket(metrics.DropInboxFull)
		log.Debug().Uint32("qpn", qp.qpn).Msg("Inbox full, dropping packet")
	}
}

// dropPacket counts a packet discarded before taking effect.
func (e *Engine) dropPacket(reason string) {
	e.stats.packetsDropped.Add(1)
	e.hook.PacketDropped(reason)
}

// moveToErrorLocked drives qp to ERROR: headStatus lands on the oldest
// unfinished send-side request, everything behind it and every posted
// receive flushes, and in-flight protocol state drops.
func (e *Engine) moveToErrorLocked(qp *QP, reason error, headStatus CompletionStatus) {
	if qp.state == StateError {
		return
	}
	qp.state = StateError
	qp.errReason = reason
	e.hook.QPState(StateError.String())
	log.Info().
		Err(reason).
		Uint32("qpn", qp.qpn).
		Msg("Queue pair moved to ERROR")

	status := headStatus
	for _, swr := range qp.sq {
		if swr.done {
			continue
		}
		swr.done = true
		swr.status = status
		swr.bytes = 0
		status = StatusFlushed
	}
	e.popSendCompletionsLocked(qp)

	for _, buf := range qp.rq {
		e.completeRecvLocked(qp, buf.WrID, StatusFlushed, 0)
	}
	qp.rq = nil

	qp.emitQ = nil
	qp.window.records = nil
	qp.deadline = time.Time{}
	qp.pendingReads = nil
	qp.pendingAtomics = nil
	qp.asm = recvAssembly{}
	qp.wcur = addrCursor{}
	qp.rcur = addrCursor{}
	qp.ackPending = false
	qp.nakPending = false
}

// popSendCompletionsLocked drains the finished prefix of the send-side
// FIFO into the send CQ, preserving post order.
func (e *Engine) popSendCompletionsLocked(qp *QP) {
	for len(qp.sq) > 0 && qp.sq[0].done {
		swr := qp.sq[0]
		qp.sq = qp.sq[1:]
		cq := e.cqByID(qp.cfg.SendCQ)
		if cq == nil {
			continue
		}
		cq.push(CompletionEntry{
			QPN:       qp.qpn,
			WrID:      swr.wr.WrID,
			Kind:      swr.wr.Kind,
			Status:    swr.status,
			ByteCount: swr.bytes,
		})
		e.hook.Completion(swr.status.String())
	}
}

func addrString(a *net.UDPAddr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
