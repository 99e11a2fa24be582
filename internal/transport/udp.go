package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"
	"golang.org/x/net/ipv4"

	"github.com/bluewire-rdma/bluewire/internal/engine"
)

// defaultReadBuffer fits any packet the wire format can describe.
const defaultReadBuffer = 65536

// UDPConfig sizes the datagram agent.
type UDPConfig struct {
	// ListenAddr is the local UDP endpoint, e.g. "0.0.0.0:4791".
	ListenAddr string
	// TOS sets the IPv4 type-of-service byte on egress when nonzero.
	TOS int
	// EgressPPS caps outbound packets per second; zero means unpaced.
	EgressPPS int
	// ReadBuffer overrides the socket receive buffer size when nonzero.
	ReadBuffer int
}

// UDPAgent owns one UDP socket: a receive loop feeding a handler and a
// Send path the engine emits through.
type UDPAgent struct {
	conn    *net.UDPConn
	limiter ratelimit.Limiter

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var _ engine.Sender = (*UDPAgent)(nil)

// NewUDPAgent binds the UDP socket. Call Start to begin receiving.
func NewUDPAgent(cfg UDPConfig) (*UDPAgent, error) {
	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen addr %q: %w", cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %q: %w", cfg.ListenAddr, err)
	}

	if cfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(cfg.ReadBuffer); err != nil {
			log.Warn().Err(err).Int("bytes", cfg.ReadBuffer).Msg("Could not set socket receive buffer")
		}
	}
	if cfg.TOS > 0 {
		if err := ipv4.NewPacketConn(conn).SetTOS(cfg.TOS); err != nil {
			log.Warn().Err(err).Int("tos", cfg.TOS).Msg("Could not set TOS on UDP socket")
		}
	}

	a := &UDPAgent{conn: conn}
	if cfg.EgressPPS > 0 {
		a.limiter = ratelimit.New(cfg.EgressPPS)
	}
	log.Info().
		Str("addr", conn.LocalAddr().String()).
		Int("egressPps", cfg.EgressPPS).
		Msg("UDP agent bound")
	return a, nil
}

// LocalAddr returns the bound UDP endpoint.
func (a *UDPAgent) LocalAddr() *net.UDPAddr {
	return a.conn.LocalAddr().(*net.UDPAddr)
}

// Start launches the receive loop, delivering each datagram to h.
func (a *UDPAgent) Start(h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	a.running = true
	a.stopCh = make(chan struct{})
	a.wg.Add(1)
	go a.recvLoop(h)
	log.Info().Str("addr", a.conn.LocalAddr().String()).Msg("UDP agent started")
}

func (a *UDPAgent) recvLoop(h Handler) {
	defer a.wg.Done()
	for {
		buf := make([]byte, defaultReadBuffer)
		n, src, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-a.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error().Err(err).Msg("UDP receive failed, stopping receive loop")
			return
		}
		h(src, buf[:n])
	}
}

// Send transmits one packet toward dst, pacing when configured.
func (a *UDPAgent) Send(dst *net.UDPAddr, pkt []byte) error {
	if a.limiter != nil {
		a.limiter.Take()
	}
	if _, err := a.conn.WriteToUDP(pkt, dst); err != nil {
		return fmt.Errorf("udp send to %s: %w", dst, err)
	}
	return nil
}

// Stop closes the socket and waits for the receive loop to exit.
func (a *UDPAgent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.running = false
	close(a.stopCh)
	a.conn.Close()
	a.wg.Wait()
	log.Info().Msg("UDP agent stopped")
}
