/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package udpsock backs the engine's client/server sockets with real
// UDP. Receive timestamps are pulled off the socket control-message
// channel and transmit timestamps off the error queue, so LocalRx and
// LocalTx carry kernel (or NIC hardware) provenance instead of a
// time.Now() read after the syscall.
package udpsock

import (
	"fmt"
	"net"
	"net/netip"

	log "github.com/sirupsen/logrus"

	"github.com/timewarden/ntpd/timestamp"

	"github.com/timewarden/ntpd/ntp/protocol"
)

// maxDatagram is larger than any NTP packet this codec parses (header +
// extension fields + MAC), with headroom for malformed oversized input
// that ValidFormat will reject.
const maxDatagram = 1500

func provenanceOf(kind timestamp.Kind) protocol.Provenance {
	switch kind {
	case timestamp.KindHardware:
		return protocol.Hardware
	case timestamp.KindSoftware:
		return protocol.Kernel
	default:
		return protocol.Daemon
	}
}

// enableTimestamps turns on kernel RX+TX timestamping on fd, falling
// back to RX-only and then to none, warning once per socket.
func enableTimestamps(fd int, name string) {
	if err := timestamp.EnableTxRxTimestamps(fd); err == nil {
		return
	}
	if err := timestamp.EnableRxTimestamps(fd); err != nil {
		log.Warnf("udpsock: enabling timestamps on %s: %v (falling back to daemon timestamps)", name, err)
	}
}

// ServerSocket is a bound UDP listener used for the unsolicited-request
// server path. The daemon opens one at startup per listen address whose
// address family the access filter allows anything of.
type ServerSocket struct {
	conn *net.UDPConn
	fd   int

	oob  []byte
	toob []byte
}

// Listen binds a UDP socket at addr and enables packet timestamping on
// it.
func Listen(addr netip.AddrPort) (*ServerSocket, error) {
	conn, err := net.ListenUDP(network(addr), net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("udpsock: listen %s: %w", addr, err)
	}
	fd, err := timestamp.ConnFd(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	enableTimestamps(fd, addr.String())
	return &ServerSocket{
		conn: conn,
		fd:   fd,
		oob:  make([]byte, timestamp.ControlSizeBytes),
		toob: make([]byte, timestamp.ControlSizeBytes),
	}, nil
}

func network(addr netip.AddrPort) string {
	if addr.Addr().Is4() {
		return "udp4"
	}
	return "udp6"
}

// Fd returns the socket's file descriptor, for registration with the
// scheduler's AddFileHandler.
func (s *ServerSocket) Fd() int { return s.fd }

// Close releases the socket.
func (s *ServerSocket) Close() error { return s.conn.Close() }

// ReadFrom reads one datagram, returning the payload, the sender
// (address and port, so a reply can be addressed back to the exact
// ephemeral port the request came from), and the best available
// receive timestamp with its provenance.
func (s *ServerSocket) ReadFrom() ([]byte, netip.AddrPort, protocol.LocalInstant, protocol.Provenance, error) {
	buf := make([]byte, maxDatagram)
	n, sa, t, kind, err := timestamp.ReadPacket(s.fd, buf, s.oob)
	if err != nil {
		return nil, netip.AddrPort{}, protocol.LocalInstant{}, protocol.Daemon, err
	}
	remote := netip.AddrPortFrom(timestamp.SockaddrAddr(sa), uint16(timestamp.SockaddrPort(sa)))
	if kind == timestamp.KindNone {
		return buf[:n], remote, protocol.Now(), protocol.Daemon, nil
	}
	return buf[:n], remote, protocol.FromTime(t), provenanceOf(kind), nil
}

// WriteTo sends a reply datagram to remote.
func (s *ServerSocket) WriteTo(pkt []byte, remote netip.AddrPort) error {
	_, err := s.conn.WriteToUDPAddrPort(pkt, remote)
	return err
}

// ReadTxTimestamp retrieves the kernel's timestamp for the most recent
// send, from the socket error queue.
func (s *ServerSocket) ReadTxTimestamp() (protocol.LocalInstant, protocol.Provenance, error) {
	t, kind, err := timestamp.ReadTxTimestamp(s.fd, s.oob, s.toob)
	if err != nil {
		return protocol.LocalInstant{}, protocol.Daemon, err
	}
	return protocol.FromTime(t), provenanceOf(kind), nil
}

// ClientTransport is the per-source ephemeral socket used by the
// transmit path (source.Transport). A fresh socket is opened on every
// exchange so the kernel assigns a new source port.
type ClientTransport struct {
	conn *net.UDPConn
	fd   int

	oob  []byte
	toob []byte
}

// NewClientTransport returns an unopened ClientTransport; Reopen must
// be called before Send.
func NewClientTransport() *ClientTransport {
	return &ClientTransport{
		fd:   -1,
		oob:  make([]byte, timestamp.ControlSizeBytes),
		toob: make([]byte, timestamp.ControlSizeBytes),
	}
}

// Reopen closes any existing socket and dials a fresh ephemeral one to
// remote, enabling packet timestamping on it.
func (c *ClientTransport) Reopen(remote netip.AddrPort) error {
	c.Close()
	conn, err := net.DialUDP(network(remote), nil, net.UDPAddrFromAddrPort(remote))
	if err != nil {
		return fmt.Errorf("udpsock: dial %s: %w", remote, err)
	}
	fd, err := timestamp.ConnFd(conn)
	if err != nil {
		conn.Close()
		return err
	}
	enableTimestamps(fd, "client socket to "+remote.String())
	c.conn = conn
	c.fd = fd
	return nil
}

// Close releases the ephemeral socket, if open.
func (c *ClientTransport) Close() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.fd = -1
	}
}

// Send writes pkt to the socket's connected remote.
func (c *ClientTransport) Send(pkt []byte) error {
	if c.conn == nil {
		return fmt.Errorf("udpsock: send on unopened client transport")
	}
	_, err := c.conn.Write(pkt)
	return err
}

// Fd returns the current socket's file descriptor, or -1 if closed.
func (c *ClientTransport) Fd() int {
	if c.conn == nil {
		return -1
	}
	return c.fd
}

// ReadReply reads one reply datagram off the client socket with its
// best-available receive timestamp.
func (c *ClientTransport) ReadReply() ([]byte, protocol.LocalInstant, protocol.Provenance, error) {
	if c.conn == nil {
		return nil, protocol.LocalInstant{}, protocol.Daemon, fmt.Errorf("udpsock: read on unopened client transport")
	}
	buf := make([]byte, maxDatagram)
	n, _, t, kind, err := timestamp.ReadPacket(c.fd, buf, c.oob)
	if err != nil {
		return nil, protocol.LocalInstant{}, protocol.Daemon, err
	}
	if kind == timestamp.KindNone {
		return buf[:n], protocol.Now(), protocol.Daemon, nil
	}
	return buf[:n], protocol.FromTime(t), provenanceOf(kind), nil
}

// ReadTxTimestamp retrieves the kernel's timestamp for the most recent
// send, from the socket error queue. Valid only while the socket from
// that send is still open.
func (c *ClientTransport) ReadTxTimestamp() (protocol.LocalInstant, protocol.Provenance, error) {
	if c.conn == nil {
		return protocol.LocalInstant{}, protocol.Daemon, fmt.Errorf("udpsock: tx timestamp on unopened client transport")
	}
	t, kind, err := timestamp.ReadTxTimestamp(c.fd, c.oob, c.toob)
	if err != nil {
		return protocol.LocalInstant{}, protocol.Daemon, err
	}
	return protocol.FromTime(t), provenanceOf(kind), nil
}
