package transport

import (
	"net"
	"sync"

	"github.com/bluewire-rdma/bluewire/internal/engine"
)

// Loopback delivers datagrams between in-process endpoints keyed by their
// UDP address. Delivery is synchronous and lossless unless DropFn says
// otherwise; like the real network, sends to unknown addresses vanish
// silently.
type Loopback struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	// DropFn, when set, discards any datagram it returns true for. Tests
	// use it to inject loss.
	DropFn func(dst *net.UDPAddr, pkt []byte) bool
}

// NewLoopback builds an empty in-process network.
func NewLoopback() *Loopback {
	return &Loopback{handlers: make(map[string]Handler)}
}

// Endpoint attaches h at addr and returns the sender peers reach it
// through. Reattaching an address replaces its handler.
func (l *Loopback) Endpoint(addr *net.UDPAddr, h Handler) *LoopbackEndpoint {
	l.mu.Lock()
	l.handlers[addr.String()] = h
	l.mu.Unlock()
	return &LoopbackEndpoint{net: l, src: addr}
}

// Detach removes the handler at addr.
func (l *Loopback) Detach(addr *net.UDPAddr) {
	l.mu.Lock()
	delete(l.handlers, addr.String())
	l.mu.Unlock()
}

func (l *Loopback) deliver(src, dst *net.UDPAddr, pkt []byte) {
	cp := append([]byte(nil), pkt...)
	l.mu.RLock()
	drop := l.DropFn != nil && l.DropFn(dst, cp)
	h := l.handlers[dst.String()]
	l.mu.RUnlock()
	if drop || h == nil {
		return
	}
	h(src, cp)
}

// LoopbackEndpoint is one attached address's send side.
type LoopbackEndpoint struct {
	net *Loopback
	src *net.UDPAddr
}

var _ engine.Sender = (*LoopbackEndpoint)(nil)

// Send delivers pkt to the handler attached at dst, presenting this
// endpoint's address as the source.
func (ep *LoopbackEndpoint) Send(dst *net.UDPAddr, pkt []byte) error {
	ep.net.deliver(ep.src, dst, pkt)
	return nil
}
