// Package transport moves encoded packets between engines: over UDP for
// real deployments, in process over the loopback for tests and
// single-process setups. It also carries the TCP out-of-band exchange the
// endpoints use to trade connection parameters before any packet flows.
package transport

import "net"

// Handler consumes one received datagram. The slice is owned by the
// handler once delivered.
type Handler func(src *net.UDPAddr, datagram []byte)
