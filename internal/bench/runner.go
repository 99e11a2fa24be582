// Package bench is the client-side traffic driver: it resolves a target
// daemon, performs the parameter exchange, and drives a configured verb
// mix over one queue pair while reporting latency and retransmit
// counters.
package bench

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"

	"github.com/bluewire-rdma/bluewire/internal/config"
	"github.com/bluewire-rdma/bluewire/internal/engine"
	"github.com/bluewire-rdma/bluewire/internal/registry"
	"github.com/bluewire-rdma/bluewire/internal/transport"
)

// exchangeTimeout bounds target resolution plus the parameter exchange.
const exchangeTimeout = 10 * time.Second

// drainTimeout bounds the wait for in-flight operations after the issue
// loop stops.
const drainTimeout = 30 * time.Second

// opMix cycles through operation kinds proportionally to their
// configured weights. Deterministic, so runs are reproducible.
type opMix struct {
	schedule []engine.WRKind
	next     int
}

func newOpMix(cfg *config.BenchConfig) (*opMix, error) {
	m := &opMix{}
	for _, w := range []struct {
		kind   engine.WRKind
		weight int
	}{
		{engine.KindSend, cfg.MixSend},
		{engine.KindWrite, cfg.MixWrite},
		{engine.KindRead, cfg.MixRead},
		{engine.KindCompareSwap, cfg.MixCompareSwap},
		{engine.KindFetchAdd, cfg.MixFetchAdd},
	} {
		if w.weight < 0 {
			return nil, fmt.Errorf("negative weight %d for %s", w.weight, w.kind)
		}
		for i := 0; i < w.weight; i++ {
			m.schedule = append(m.schedule, w.kind)
		}
	}
	if len(m.schedule) == 0 {
		return nil, fmt.Errorf("operation mix is empty")
	}
	return m, nil
}

func (m *opMix) pick() engine.WRKind {
	k := m.schedule[m.next]
	m.next = (m.next + 1) % len(m.schedule)
	return k
}

// pendingOp tracks one issued operation until its completion arrives.
type pendingOp struct {
	start time.Time
	slot  int
}

// Runner drives the configured operation mix against one remote daemon.
type Runner struct {
	cfg *config.BenchConfig

	engine  *engine.Engine
	udp     *transport.UDPAgent
	mix     *opMix
	limiter ratelimit.Limiter
	stats   *opStats

	scq, rcq *engine.CQ
	qp       *engine.QP
	dataMR   *engine.MemoryRegion
	recvMR   *engine.MemoryRegion
	remote   transport.Endpoint

	slots int
	free  chan int

	mu      sync.Mutex
	pending map[uint64]pendingOp
	fatal   error
}

// New builds a runner: binds the local datagram endpoint and assembles
// the engine. Run performs the exchange and drives traffic.
func New(cfg *config.BenchConfig) (*Runner, error) {
	initLogging(cfg.LogLevel)

	if cfg.Target == "" && cfg.TargetNode == "" {
		return nil, fmt.Errorf("no target: set target or target_node")
	}
	if cfg.MessageSize < 1 {
		return nil, fmt.Errorf("message size must be at least 1")
	}

	mix, err := newOpMix(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid operation mix: %w", err)
	}

	udp, err := transport.NewUDPAgent(transport.UDPConfig{
		ListenAddr: cfg.ListenAddr,
		TOS:        cfg.TOS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bind datagram listener: %w", err)
	}

	if cfg.Batch < 1 {
		cfg.Batch = 16
	}
	slots := cfg.Outstanding
	if slots < 1 {
		slots = 1
	}
	if slots > cfg.SQDepth {
		slots = cfg.SQDepth
	}

	r := &Runner{
		cfg:     cfg,
		engine:  engine.New(engine.Config{Workers: cfg.Workers, Batch: cfg.Batch}, udp),
		udp:     udp,
		mix:     mix,
		stats:   newOpStats(),
		slots:   slots,
		free:    make(chan int, slots),
		pending: make(map[uint64]pendingOp, slots),
	}
	if cfg.Rate > 0 {
		r.limiter = ratelimit.New(cfg.Rate)
	} else {
		r.limiter = ratelimit.NewUnlimited()
	}
	for i := 0; i < slots; i++ {
		r.free <- i
	}
	return r, nil
}

// Totals returns the cumulative completed-operation and error counts.
func (r *Runner) Totals() (ops, errs uint64) {
	return r.stats.totals()
}

// Run connects to the target and drives the operation mix until ctx ends,
// the configured count is reached, or the connection dies.
func (r *Runner) Run(ctx context.Context) error {
	r.engine.Start()
	r.udp.Start(r.engine.Deliver)
	defer r.teardown()

	if err := r.connect(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.pollLoop(loopCtx, cancel)
	}()
	go func() {
		defer wg.Done()
		r.reportLoop(loopCtx)
	}()

	issueErr := r.issueLoop(loopCtx)
	drainErr := r.drain(loopCtx)

	cancel()
	wg.Wait()

	r.report(r.stats.snapshot())
	ops, errs := r.stats.totals()
	log.Info().
		Uint64("ops", ops).
		Uint64("errors", errs).
		Uint64("retransmits", r.engine.Stats().Retransmits).
		Msg("Run finished")

	r.mu.Lock()
	fatal := r.fatal
	r.mu.Unlock()
	if fatal != nil {
		return fatal
	}
	if issueErr != nil {
		return issueErr
	}
	return drainErr
}

// connect resolves the target, provisions the local queue pair and
// regions, and completes the parameter exchange.
func (r *Runner) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	exchangeAddr := r.cfg.Target
	if r.cfg.TargetNode != "" {
		reg, err := registry.New(r.cfg.RegistryDBURI)
		if err != nil {
			return fmt.Errorf("failed to connect to registry: %w", err)
		}
		defer reg.Close()
		ep, err := reg.Lookup(ctx, r.cfg.TargetNode)
		if err != nil {
			return fmt.Errorf("failed to resolve target node: %w", err)
		}
		if ep == nil {
			return fmt.Errorf("target node %q has no fresh advertisement", r.cfg.TargetNode)
		}
		exchangeAddr = ep.ExchangeAddr
		log.Info().
			Str("node", r.cfg.TargetNode).
			Str("exchangeAddr", exchangeAddr).
			Msg("Resolved target through registry")
	}

	scq, err := r.engine.CreateCQ(r.cfg.CQDepth)
	if err != nil {
		return fmt.Errorf("create send cq: %w", err)
	}
	r.scq = scq
	rcq, err := r.engine.CreateCQ(r.cfg.CQDepth)
	if err != nil {
		return fmt.Errorf("create recv cq: %w", err)
	}
	r.rcq = rcq

	// One region covers all slots: send/write sources, read sinks, and
	// 8-byte atomic result cells.
	msg := r.cfg.MessageSize
	dataBuf := make([]byte, r.slots*msg*2+r.slots*8)
	rand.Read(dataBuf[:r.slots*msg])
	dataMR, err := r.engine.RegisterMR(dataBuf,
		engine.AccessLocalRead|engine.AccessLocalWrite|
			engine.AccessRemoteRead|engine.AccessRemoteWrite)
	if err != nil {
		return fmt.Errorf("register data region: %w", err)
	}
	r.dataMR = dataMR

	recvBuf := make([]byte, r.cfg.RQDepth*msg)
	recvMR, err := r.engine.RegisterMR(recvBuf, engine.AccessLocalRead|engine.AccessLocalWrite)
	if err != nil {
		return fmt.Errorf("register receive region: %w", err)
	}
	r.recvMR = recvMR

	qp, err := r.engine.CreateQP(engine.QPConfig{
		SendCQ:     scq.ID(),
		RecvCQ:     rcq.ID(),
		SQDepth:    r.cfg.SQDepth,
		RQDepth:    r.cfg.RQDepth,
		MTU:        r.cfg.MTU,
		SendWindow: r.cfg.SendWindow,
		RecvWindow: r.cfg.RecvWindow,
		Timeout:    r.cfg.Timeout(),
		MaxRetries: r.cfg.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("create qp: %w", err)
	}
	r.qp = qp

	if err := r.engine.ModifyQP(qp, engine.StateInit, engine.ModifyParams{}); err != nil {
		return err
	}

	sendPSN := rand.Uint32() & 0xFFFFFF
	local := transport.Endpoint{
		QPN:     qp.QPN(),
		PSN:     sendPSN,
		Addr:    dataMR.Base,
		RKey:    dataMR.RKey,
		Length:  uint32(dataMR.Length),
		UDPPort: uint16(r.udp.LocalAddr().Port),
	}
	remote, err := transport.ExchangeClient(ctx, exchangeAddr, local)
	if err != nil {
		return fmt.Errorf("parameter exchange with %s: %w", exchangeAddr, err)
	}
	r.remote = remote

	host, _, err := net.SplitHostPort(exchangeAddr)
	if err != nil {
		return fmt.Errorf("bad exchange addr %q: %w", exchangeAddr, err)
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return fmt.Errorf("resolve target host %q: %w", host, err)
	}
	peer := &net.UDPAddr{IP: ips[0], Port: int(remote.UDPPort)}

	if err := r.engine.ModifyQP(qp, engine.StateRTR, engine.ModifyParams{
		Peer:    peer,
		PeerQPN: remote.QPN,
		RecvPSN: remote.PSN,
	}); err != nil {
		return err
	}
	// receive buffers can only be posted once the QP reaches RTR
	for i := 0; i < r.cfg.RQDepth; i++ {
		buf := engine.RecvBuffer{
			WrID:   uint64(i),
			LKey:   recvMR.LKey,
			Offset: uint64(i) * uint64(msg),
			Length: uint32(msg),
		}
		if err := r.engine.PostRecv(qp, buf); err != nil {
			return fmt.Errorf("post receive buffers: %w", err)
		}
	}
	if err := r.engine.ModifyQP(qp, engine.StateRTS, engine.ModifyParams{SendPSN: sendPSN}); err != nil {
		return err
	}

	if r.needsRemote() && uint32(msg) > remote.Length {
		return fmt.Errorf("message size %d exceeds target region length %d", msg, remote.Length)
	}

	log.Info().
		Str("peer", peer.String()).
		Uint32("qpn", qp.QPN()).
		Uint32("peerQpn", remote.QPN).
		Uint32("targetRegion", remote.Length).
		Msg("Connected to target")
	return nil
}

// needsRemote reports whether the mix touches the target region.
func (r *Runner) needsRemote() bool {
	return r.cfg.MixWrite > 0 || r.cfg.MixRead > 0 ||
		r.cfg.MixCompareSwap > 0 || r.cfg.MixFetchAdd > 0
}

// issueLoop posts operations until the count is reached or ctx ends.
func (r *Runner) issueLoop(ctx context.Context) error {
	msg := uint32(r.cfg.MessageSize)
	for opID := uint64(0); r.cfg.Count == 0 || opID < r.cfg.Count; opID++ {
		r.limiter.Take()

		var slot int
		select {
		case <-ctx.Done():
			return nil
		case slot = <-r.free:
		}

		wr := r.buildWR(opID, slot, msg)
		r.mu.Lock()
		r.pending[wr.WrID] = pendingOp{start: time.Now(), slot: slot}
		r.mu.Unlock()

		if err := r.engine.PostSend(r.qp, wr); err != nil {
			r.mu.Lock()
			delete(r.pending, wr.WrID)
			r.mu.Unlock()
			r.free <- slot
			return fmt.Errorf("post send: %w", err)
		}
	}
	return nil
}

// buildWR assembles the next work request from the mix. Remote offsets
// walk the target region so consecutive operations touch different
// bytes.
func (r *Runner) buildWR(opID uint64, slot int, msg uint32) engine.WorkRequest {
	wr := engine.WorkRequest{WrID: opID, Kind: r.mix.pick()}
	srcOff := uint64(slot) * uint64(msg)
	sinkOff := uint64(r.slots)*uint64(msg) + srcOff
	cellOff := uint64(r.slots)*uint64(msg)*2 + uint64(slot)*8

	switch wr.Kind {
	case engine.KindSend:
		wr.Sges = []engine.Sge{{LKey: r.dataMR.LKey, Offset: srcOff, Length: msg}}
	case engine.KindWrite:
		wr.Sges = []engine.Sge{{LKey: r.dataMR.LKey, Offset: srcOff, Length: msg}}
		wr.RemoteAddr = r.remote.Addr + r.remoteDataOffset(opID, msg)
		wr.RKey = r.remote.RKey
	case engine.KindRead:
		wr.Sges = []engine.Sge{{LKey: r.dataMR.LKey, Offset: sinkOff, Length: msg}}
		wr.RemoteAddr = r.remote.Addr + r.remoteDataOffset(opID, msg)
		wr.RKey = r.remote.RKey
	case engine.KindCompareSwap:
		wr.Sges = []engine.Sge{{LKey: r.dataMR.LKey, Offset: cellOff, Length: 8}}
		wr.RemoteAddr = r.remote.Addr + r.remoteCellOffset(opID)
		wr.RKey = r.remote.RKey
		wr.Compare = opID
		wr.Swap = opID + 1
	case engine.KindFetchAdd:
		wr.Sges = []engine.Sge{{LKey: r.dataMR.LKey, Offset: cellOff, Length: 8}}
		wr.RemoteAddr = r.remote.Addr + r.remoteCellOffset(opID)
		wr.RKey = r.remote.RKey
		wr.Swap = 1
	}
	return wr
}

func (r *Runner) remoteDataOffset(opID uint64, msg uint32) uint64 {
	span := uint64(r.remote.Length) / uint64(msg)
	if span == 0 {
		return 0
	}
	return (opID % span) * uint64(msg)
}

func (r *Runner) remoteCellOffset(opID uint64) uint64 {
	cells := uint64(r.remote.Length) / 8
	if cells == 0 {
		return 0
	}
	return (opID % cells) * 8
}

// pollLoop consumes send-side completions, recording latency and
// returning slots. A fatal completion status cancels the run.
func (r *Runner) pollLoop(ctx context.Context, cancel context.CancelFunc) {
	for {
		entries, err := r.scq.Wait(ctx, r.cfg.Batch)
		if err != nil {
			return
		}
		now := time.Now()
		for _, e := range entries {
			r.mu.Lock()
			op, ok := r.pending[e.WrID]
			if ok {
				delete(r.pending, e.WrID)
			}
			r.mu.Unlock()
			if !ok {
				log.Warn().Uint64("wrId", e.WrID).Msg("Completion for unknown operation")
				continue
			}

			if e.Status.Ok() {
				r.stats.record(now.Sub(op.start))
			} else {
				r.stats.recordError()
				log.Warn().
					Uint64("wrId", e.WrID).
					Str("kind", e.Kind.String()).
					Str("status", e.Status.String()).
					Msg("Operation failed")
				if e.Status == engine.StatusRetryExhausted || e.Status == engine.StatusFlushed {
					r.mu.Lock()
					if r.fatal == nil {
						r.fatal = fmt.Errorf("connection lost: %s", e.Status)
					}
					r.mu.Unlock()
					cancel()
				}
			}
			r.free <- op.slot
		}
	}
}

// drain waits for every in-flight operation to complete or fail.
func (r *Runner) drain(ctx context.Context) error {
	deadline := time.NewTimer(drainTimeout)
	defer deadline.Stop()
	for i := 0; i < r.slots; i++ {
		select {
		case <-r.free:
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("timed out draining in-flight operations")
		}
	}
	return nil
}

// reportLoop logs an interval summary on the configured cadence.
func (r *Runner) reportLoop(ctx context.Context) {
	interval := r.cfg.ReportInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := r.engine.Stats()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sum := r.stats.snapshot()
			cur := r.engine.Stats()
			r.report(sum)
			if d := cur.Retransmits - last.Retransmits; d > 0 {
				log.Warn().Uint64("retransmits", d).Msg("Retransmissions in interval")
			}
			last = cur
		}
	}
}

func (r *Runner) report(sum Summary) {
	if sum.Count == 0 {
		return
	}
	log.Info().
		Uint64("ops", sum.Count).
		Uint64("errors", sum.Errors).
		Dur("min", sum.Min).
		Dur("avg", sum.Avg).
		Dur("p50", sum.P50).
		Dur("p99", sum.P99).
		Dur("max", sum.Max).
		Msg("Interval stats")
}

func (r *Runner) teardown() {
	if r.qp != nil {
		if err := r.engine.DestroyQP(r.qp); err != nil {
			log.Warn().Err(err).Msg("Failed to destroy qp")
		}
	}
	if r.dataMR != nil {
		if err := r.engine.DeregisterMR(r.dataMR.LKey); err != nil {
			log.Warn().Err(err).Msg("Failed to deregister data region")
		}
	}
	if r.recvMR != nil {
		if err := r.engine.DeregisterMR(r.recvMR.LKey); err != nil {
			log.Warn().Err(err).Msg("Failed to deregister receive region")
		}
	}
	if r.scq != nil {
		if err := r.engine.DestroyCQ(r.scq.ID()); err != nil {
			log.Warn().Err(err).Msg("Failed to destroy send cq")
		}
	}
	if r.rcq != nil {
		if err := r.engine.DestroyCQ(r.rcq.ID()); err != nil {
			log.Warn().Err(err).Msg("Failed to destroy recv cq")
		}
	}
	r.udp.Stop()
	r.engine.Stop()
}

// initLogging initializes the logging configuration
func initLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
