// Package daemon wires the transport engine, its UDP fabric, the TCP
// parameter exchange and the optional collaborators (registry, metrics)
// into one long-running target process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/bluewire-rdma/bluewire/internal/config"
	"github.com/bluewire-rdma/bluewire/internal/engine"
	"github.com/bluewire-rdma/bluewire/internal/metrics"
	"github.com/bluewire-rdma/bluewire/internal/registry"
	"github.com/bluewire-rdma/bluewire/internal/telemetry"
	"github.com/bluewire-rdma/bluewire/internal/transport"
)

const (
	// targetRegionBytes sizes the remotely accessible region provisioned
	// per session; its base, rkey and length go back in the exchange reply.
	targetRegionBytes = 4 << 20
	// recvBufferBytes caps one inbound SEND message.
	recvBufferBytes = 64 << 10

	advertiseInterval = time.Minute
	// cleanupEvery is counted in advertise ticks.
	cleanupEvery = 15

	shutdownTimeout = 3 * time.Second
)

// session is one provisioned remote peer: a connected QP, its target
// region and the receive buffers backing inbound sends.
type session struct {
	qp     *engine.QP
	dataMR *engine.MemoryRegion
	recvMR *engine.MemoryRegion
	scq    *engine.CQ
	rcq    *engine.CQ
	peer   string
}

// Daemon represents the bluewire target daemon
type Daemon struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.DaemonConfig

	engine   *engine.Engine
	udp      *transport.UDPAgent
	exchange *transport.ExchangeServer
	registry *registry.Registry
	metrics  *telemetry.Metrics
	promReg  *prometheus.Registry

	g      *errgroup.Group
	sessWg sync.WaitGroup
}

// New creates a new daemon instance
func New(cfg *config.DaemonConfig) (*Daemon, error) {
	// Initialize logging
	initLogging(cfg.LogLevel)

	log.Debug().Msg("Creating new daemon instance")

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		ctx:    ctx,
		cancel: cancel,
		config: cfg,
	}

	// Assemble metric hooks
	var hooks []metrics.Hook
	if cfg.MetricsAddr != "" {
		d.promReg = prometheus.NewRegistry()
		promHook, err := metrics.NewPrometheusHook(metrics.PrometheusHookOptions{
			Registerer: d.promReg,
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to build prometheus hook: %w", err)
		}
		hooks = append(hooks, promHook)
	}
	if cfg.OtelEndpoint != "" {
		otelMetrics, err := telemetry.NewMetrics(ctx, cfg.RegistryNodeID, cfg.OtelEndpoint, cfg.OtelInterval())
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize metrics, continuing without metrics")
		} else {
			d.metrics = otelMetrics
			hooks = append(hooks, otelMetrics)
			log.Info().
				Str("node_id", cfg.RegistryNodeID).
				Str("collector_addr", cfg.OtelEndpoint).
				Msg("OpenTelemetry metrics initialized")
		}
	}

	// Bind the datagram listener
	udp, err := transport.NewUDPAgent(transport.UDPConfig{
		ListenAddr: cfg.ListenAddr,
		TOS:        cfg.TOS,
		EgressPPS:  cfg.EgressPPS,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to bind datagram listener: %w", err)
	}
	d.udp = udp

	// Create the engine on top of it
	d.engine = engine.New(engine.Config{
		Workers: cfg.Workers,
		Batch:   cfg.Batch,
		Hook:    metrics.Multi(hooks...),
	}, udp)

	// Bind the parameter exchange listener
	exch, err := transport.NewExchangeServer(cfg.ExchangeAddr, d.provision)
	if err != nil {
		udp.Stop()
		cancel()
		return nil, fmt.Errorf("failed to bind exchange listener: %w", err)
	}
	d.exchange = exch

	// Connect to the endpoint registry if enabled
	if cfg.RegistryEnabled {
		reg, err := registry.New(cfg.RegistryDBURI)
		if err != nil {
			exch.Stop()
			udp.Stop()
			cancel()
			return nil, fmt.Errorf("failed to connect to registry: %w", err)
		}
		d.registry = reg
	}

	log.Debug().
		Str("listen_addr", cfg.ListenAddr).
		Str("exchange_addr", cfg.ExchangeAddr).
		Msg("Daemon instance created")
	return d, nil
}

// ExchangeAddr returns the bound exchange listener address.
func (d *Daemon) ExchangeAddr() net.Addr { return d.exchange.Addr() }

// EngineAddr returns the bound datagram listener address.
func (d *Daemon) EngineAddr() *net.UDPAddr { return d.udp.LocalAddr() }

// Start starts the daemon
func (d *Daemon) Start() error {
	log.Debug().Msg("Starting daemon")

	d.engine.Start()
	d.udp.Start(d.engine.Deliver)
	d.exchange.Start()

	g, gctx := errgroup.WithContext(d.ctx)
	d.g = g

	if d.registry != nil {
		g.Go(func() error {
			return d.advertiseLoop(gctx)
		})
	}
	if d.promReg != nil {
		g.Go(func() error {
			return d.adminLoop(gctx)
		})
	}

	log.Info().
		Str("listen_addr", d.udp.LocalAddr().String()).
		Str("exchange_addr", d.exchange.Addr().String()).
		Msg("Daemon started successfully")
	return nil
}

// Stop stops the daemon
func (d *Daemon) Stop() {
	log.Debug().Msg("Stopping daemon")

	// Refuse new sessions first
	d.exchange.Stop()

	d.cancel()
	if d.g != nil {
		if err := d.g.Wait(); err != nil {
			log.Error().Err(err).Msg("Background loop failed during shutdown")
		}
	}

	// Session goroutines tear their sessions down on cancellation
	d.sessWg.Wait()

	d.udp.Stop()
	d.engine.Stop()

	if d.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.registry.Deregister(ctx, d.config.RegistryNodeID); err != nil {
			log.Warn().Err(err).Msg("Failed to deregister endpoint")
		}
		cancel()
		d.registry.Close()
	}

	// Shutdown metrics if enabled
	if d.metrics != nil {
		log.Debug().Msg("Shutting down metrics")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.metrics.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown metrics properly")
		}
	}

	log.Info().Msg("Daemon stopped")
}

// Run runs the daemon with signal handling for graceful shutdown
func (d *Daemon) Run() error {
	log.Debug().Msg("Running daemon")

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := d.Start(); err != nil {
		return err
	}

	// Wait for the first signal
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down gracefully...")

	// Create a new channel for the second signal
	forceQuitCh := make(chan os.Signal, 1)
	signal.Notify(forceQuitCh, syscall.SIGINT, syscall.SIGTERM)

	// Wait for the second signal in a separate goroutine
	go func() {
		<-forceQuitCh
		log.Warn().Msg("Received second signal, forcing immediate exit...")
		os.Exit(1)
	}()

	// Normal shutdown process
	d.Stop()
	return nil
}

// provision builds a connected QP plus a target region for one remote
// peer and returns the local parameters for the exchange reply. It runs
// on the exchange server's per-connection goroutine.
func (d *Daemon) provision(peerIP net.IP, remote transport.Endpoint) (transport.Endpoint, error) {
	cfg := d.config

	var cleanups []func()
	fail := func(err error) (transport.Endpoint, error) {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		return transport.Endpoint{}, err
	}

	scq, err := d.engine.CreateCQ(cfg.CQDepth)
	if err != nil {
		return fail(fmt.Errorf("provision send cq: %w", err))
	}
	cleanups = append(cleanups, func() { d.engine.DestroyCQ(scq.ID()) })

	rcq, err := d.engine.CreateCQ(cfg.CQDepth)
	if err != nil {
		return fail(fmt.Errorf("provision recv cq: %w", err))
	}
	cleanups = append(cleanups, func() { d.engine.DestroyCQ(rcq.ID()) })

	dataBuf := make([]byte, targetRegionBytes)
	dataMR, err := d.engine.RegisterMR(dataBuf,
		engine.AccessLocalRead|engine.AccessLocalWrite|
			engine.AccessRemoteRead|engine.AccessRemoteWrite|engine.AccessAtomic)
	if err != nil {
		return fail(fmt.Errorf("provision target region: %w", err))
	}
	cleanups = append(cleanups, func() { d.engine.DeregisterMR(dataMR.LKey) })

	recvBuf := make([]byte, cfg.RQDepth*recvBufferBytes)
	recvMR, err := d.engine.RegisterMR(recvBuf, engine.AccessLocalRead|engine.AccessLocalWrite)
	if err != nil {
		return fail(fmt.Errorf("provision receive region: %w", err))
	}
	cleanups = append(cleanups, func() { d.engine.DeregisterMR(recvMR.LKey) })

	qp, err := d.engine.CreateQP(engine.QPConfig{
		SendCQ:     scq.ID(),
		RecvCQ:     rcq.ID(),
		SQDepth:    cfg.SQDepth,
		RQDepth:    cfg.RQDepth,
		MTU:        cfg.MTU,
		SendWindow: cfg.SendWindow,
		RecvWindow: cfg.RecvWindow,
		Timeout:    cfg.Timeout(),
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		return fail(fmt.Errorf("provision qp: %w", err))
	}
	cleanups = append(cleanups, func() { d.engine.DestroyQP(qp) })

	if err := d.engine.ModifyQP(qp, engine.StateInit, engine.ModifyParams{}); err != nil {
		return fail(err)
	}

	peer := &net.UDPAddr{IP: peerIP, Port: int(remote.UDPPort)}
	if err := d.engine.ModifyQP(qp, engine.StateRTR, engine.ModifyParams{
		Peer:    peer,
		PeerQPN: remote.QPN,
		RecvPSN: remote.PSN,
	}); err != nil {
		return fail(err)
	}
	// receive buffers can only be posted once the QP reaches RTR
	for i := 0; i < cfg.RQDepth; i++ {
		buf := engine.RecvBuffer{
			WrID:   uint64(i),
			LKey:   recvMR.LKey,
			Offset: uint64(i) * recvBufferBytes,
			Length: recvBufferBytes,
		}
		if err := d.engine.PostRecv(qp, buf); err != nil {
			return fail(fmt.Errorf("provision recv buffers: %w", err))
		}
	}

	sendPSN := rand.Uint32() & 0xFFFFFF
	if err := d.engine.ModifyQP(qp, engine.StateRTS, engine.ModifyParams{SendPSN: sendPSN}); err != nil {
		return fail(err)
	}

	s := &session{
		qp:     qp,
		dataMR: dataMR,
		recvMR: recvMR,
		scq:    scq,
		rcq:    rcq,
		peer:   peer.String(),
	}
	d.sessWg.Add(1)
	go d.serveSession(s)

	log.Info().
		Str("peer", s.peer).
		Uint32("qpn", qp.QPN()).
		Uint32("peer_qpn", remote.QPN).
		Msg("Provisioned session")

	return transport.Endpoint{
		QPN:     qp.QPN(),
		PSN:     sendPSN,
		Addr:    dataMR.Base,
		RKey:    dataMR.RKey,
		Length:  uint32(len(dataBuf)),
		UDPPort: uint16(d.udp.LocalAddr().Port),
	}, nil
}

// serveSession reposts receive buffers as inbound sends consume them and
// tears the session down once the QP flushes or the daemon stops.
func (d *Daemon) serveSession(s *session) {
	defer d.sessWg.Done()
	defer d.teardownSession(s)

	for {
		entries, err := s.rcq.Wait(d.ctx, d.config.Batch)
		if err != nil {
			return
		}
		for _, e := range entries {
			if e.Status != engine.StatusOK {
				log.Debug().
					Uint32("qpn", s.qp.QPN()).
					Str("status", e.Status.String()).
					Msg("Session receive flushed")
				return
			}
			buf := engine.RecvBuffer{
				WrID:   e.WrID,
				LKey:   s.recvMR.LKey,
				Offset: e.WrID * recvBufferBytes,
				Length: recvBufferBytes,
			}
			if err := d.engine.PostRecv(s.qp, buf); err != nil {
				log.Warn().Err(err).Uint32("qpn", s.qp.QPN()).Msg("Failed to repost receive buffer")
				return
			}
		}
	}
}

func (d *Daemon) teardownSession(s *session) {
	if err := d.engine.DestroyQP(s.qp); err != nil && !errors.Is(err, engine.ErrStaleKey) {
		log.Warn().Err(err).Uint32("qpn", s.qp.QPN()).Msg("Failed to destroy session qp")
	}
	if err := d.engine.DeregisterMR(s.dataMR.LKey); err != nil {
		log.Warn().Err(err).Msg("Failed to deregister target region")
	}
	if err := d.engine.DeregisterMR(s.recvMR.LKey); err != nil {
		log.Warn().Err(err).Msg("Failed to deregister receive region")
	}
	if err := d.engine.DestroyCQ(s.scq.ID()); err != nil {
		log.Warn().Err(err).Msg("Failed to destroy session send cq")
	}
	if err := d.engine.DestroyCQ(s.rcq.ID()); err != nil {
		log.Warn().Err(err).Msg("Failed to destroy session recv cq")
	}
	log.Info().Str("peer", s.peer).Uint32("qpn", s.qp.QPN()).Msg("Session closed")
}

// advertiseLoop keeps this daemon's endpoints fresh in the registry.
func (d *Daemon) advertiseLoop(ctx context.Context) error {
	hostname, _ := os.Hostname()
	ep := registry.Endpoint{
		NodeID:       d.config.RegistryNodeID,
		UDPAddr:      advertisedAddr(d.udp.LocalAddr().String()),
		ExchangeAddr: advertisedAddr(d.exchange.Addr().String()),
		Hostname:     hostname,
	}

	if err := d.registry.Register(ctx, ep); err != nil {
		log.Error().Err(err).Msg("Failed to register endpoint, will retry")
	}

	ticker := time.NewTicker(advertiseInterval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.registry.Register(ctx, ep); err != nil {
				log.Error().Err(err).Msg("Failed to refresh endpoint advertisement")
				continue
			}
			ticks++
			if ticks%cleanupEvery == 0 {
				if err := d.registry.CleanupStale(ctx); err != nil {
					log.Warn().Err(err).Msg("Failed to cleanup stale endpoints")
				}
			}
		}
	}
}

// adminLoop serves the prometheus endpoint until the daemon stops.
func (d *Daemon) adminLoop(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: d.config.MetricsAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", d.config.MetricsAddr).Msg("Metrics endpoint listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// advertisedAddr swaps an unspecified listen host for the first
// non-loopback address so remote peers can reach it.
func advertisedAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	ip := net.ParseIP(host)
	if host != "" && (ip == nil || !ip.IsUnspecified()) {
		return addr
	}
	local, err := getLocalIP()
	if err != nil || local == nil {
		return addr
	}
	return net.JoinHostPort(local.String(), port)
}

// getLocalIP returns the non-loopback IP address of the host
func getLocalIP() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP, nil
			}
		}
	}

	return nil, nil
}

// initLogging initializes the logging configuration
func initLogging(level string) {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Set log level based on config
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Configure pretty logging for development
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
