package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Endpoint is one side's connection parameters: its queue pair number and
// first PSN, the exposed target region, and the UDP port its engine
// listens on. The peer's IP is taken from the exchange connection itself.
type Endpoint struct {
	QPN     uint32
	PSN     uint32
	Addr    uint64 // target region base address
	RKey    uint32
	Length  uint32 // target region length in bytes
	UDPPort uint16
}

// Exchange message: QPN (hex, 6), PSN (hex, 6), region addr (hex, 16),
// rkey (hex, 8), region length (hex, 8), UDP port (hex, 4).
const paramMsgFormat = "%06x:%06x:%016x:%08x:%08x:%04x"
const paramMsgLen = 6 + 1 + 6 + 1 + 16 + 1 + 8 + 1 + 8 + 1 + 4

const doneMsg = "done"

// exchangeIOTimeout bounds one side's whole exchange conversation.
const exchangeIOTimeout = 10 * time.Second

func encodeEndpoint(ep Endpoint) string {
	return fmt.Sprintf(paramMsgFormat,
		ep.QPN&0xFFFFFF, ep.PSN&0xFFFFFF, ep.Addr, ep.RKey, ep.Length, ep.UDPPort)
}

func parseEndpoint(msg string) (Endpoint, error) {
	var ep Endpoint
	parts := strings.Split(msg, ":")
	if len(parts) != 6 {
		return ep, fmt.Errorf("invalid endpoint message: expected 6 fields, got %d (%q)", len(parts), msg)
	}
	qpn, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return ep, fmt.Errorf("invalid QPN %q: %w", parts[0], err)
	}
	psn, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return ep, fmt.Errorf("invalid PSN %q: %w", parts[1], err)
	}
	addr, err := strconv.ParseUint(parts[2], 16, 64)
	if err != nil {
		return ep, fmt.Errorf("invalid region addr %q: %w", parts[2], err)
	}
	rkey, err := strconv.ParseUint(parts[3], 16, 32)
	if err != nil {
		return ep, fmt.Errorf("invalid rkey %q: %w", parts[3], err)
	}
	length, err := strconv.ParseUint(parts[4], 16, 32)
	if err != nil {
		return ep, fmt.Errorf("invalid region length %q: %w", parts[4], err)
	}
	port, err := strconv.ParseUint(parts[5], 16, 16)
	if err != nil {
		return ep, fmt.Errorf("invalid UDP port %q: %w", parts[5], err)
	}
	ep.QPN = uint32(qpn)
	ep.PSN = uint32(psn)
	ep.Addr = addr
	ep.RKey = uint32(rkey)
	ep.Length = uint32(length)
	ep.UDPPort = uint16(port)
	return ep, nil
}

// ExchangeClient dials the peer's exchange listener, sends the local
// parameters, and returns the peer's.
func ExchangeClient(ctx context.Context, addr string, local Endpoint) (Endpoint, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("dial exchange %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(exchangeIOTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write([]byte(encodeEndpoint(local))); err != nil {
		return Endpoint{}, fmt.Errorf("send local endpoint: %w", err)
	}

	buf := make([]byte, paramMsgLen)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return Endpoint{}, fmt.Errorf("read remote endpoint: %w", err)
	}
	remote, err := parseEndpoint(string(buf))
	if err != nil {
		return Endpoint{}, err
	}

	if _, err := conn.Write([]byte(doneMsg)); err != nil {
		return Endpoint{}, fmt.Errorf("send done: %w", err)
	}
	return remote, nil
}

// ProvisionFunc builds the local parameters to answer one inbound
// exchange with. peerIP is the requester's address on the exchange
// connection; combined with the advertised UDP port it names the engine
// endpoint packets come from.
type ProvisionFunc func(peerIP net.IP, remote Endpoint) (Endpoint, error)

// ExchangeServer answers inbound exchange requests, one short-lived
// conversation per connection.
type ExchangeServer struct {
	ln        net.Listener
	provision ProvisionFunc

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewExchangeServer binds the exchange listener. Call Start to serve.
func NewExchangeServer(listenAddr string, provision ProvisionFunc) (*ExchangeServer, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen exchange %q: %w", listenAddr, err)
	}
	return &ExchangeServer{ln: ln, provision: provision}, nil
}

// Addr returns the bound exchange listener address.
func (s *ExchangeServer) Addr() net.Addr { return s.ln.Addr() }

// Start launches the accept loop.
func (s *ExchangeServer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.acceptLoop()
	log.Info().Str("addr", s.ln.Addr().String()).Msg("Exchange server started")
}

func (s *ExchangeServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error().Err(err).Msg("Exchange accept failed, stopping")
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *ExchangeServer) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(exchangeIOTimeout))

	buf := make([]byte, paramMsgLen)
	if _, err := io.ReadFull(conn, buf); err != nil {
		log.Warn().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("Exchange read failed")
		return
	}
	remote, err := parseEndpoint(string(buf))
	if err != nil {
		log.Warn().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("Malformed exchange request")
		return
	}

	peerIP := conn.RemoteAddr().(*net.TCPAddr).IP
	local, err := s.provision(peerIP, remote)
	if err != nil {
		log.Warn().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("Exchange provisioning failed")
		return
	}

	if _, err := conn.Write([]byte(encodeEndpoint(local))); err != nil {
		log.Warn().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("Exchange write failed")
		return
	}

	// best effort: the client may close right after the done signal
	done := make([]byte, len(doneMsg))
	if _, err := io.ReadFull(conn, done); err != nil {
		log.Warn().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("Exchange done signal not received")
		return
	}
	log.Debug().
		Str("peer", conn.RemoteAddr().String()).
		Uint32("remoteQpn", remote.QPN).
		Uint32("localQpn", local.QPN).
		Msg("Exchange completed")
}

// Stop closes the listener and waits for in-flight conversations.
func (s *ExchangeServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	s.ln.Close()
	s.wg.Wait()
	log.Info().Msg("Exchange server stopped")
}
