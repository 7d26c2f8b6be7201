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

// Package timestamp pulls packet timestamps off UDP sockets: receive
// timestamps arrive as socket control messages alongside each datagram,
// transmit timestamps are read back from the socket error queue after
// the send. Both software (kernel) and NIC hardware timestamps are
// supported; callers fall back to reading the clock themselves when
// neither is available.
package timestamp

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

const (
	// ControlSizeBytes is the size of the control-message buffer passed
	// to the receive calls. If a read fails, more than one timestamp may
	// be queued, so the buffer leaves room for several messages.
	ControlSizeBytes = 128
)

// Mode selects which timestamps to enable on a socket.
type Mode int

// Supported timestamping modes.
const (
	// SoftwareRx enables kernel receive timestamps only.
	SoftwareRx Mode = iota
	// Software enables kernel receive and transmit timestamps.
	Software
	// HardwareRx enables NIC receive timestamps only.
	HardwareRx
	// Hardware enables NIC receive and transmit timestamps.
	Hardware
)

var modeToString = map[Mode]string{
	SoftwareRx: "software_rx",
	Software:   "software",
	HardwareRx: "hardware_rx",
	Hardware:   "hardware",
}

func (m Mode) String() string {
	if v, ok := modeToString[m]; ok {
		return v
	}
	return "unsupported"
}

// Set parses a mode name, so Mode satisfies flag.Value.
func (m *Mode) Set(value string) error {
	for k, v := range modeToString {
		if v == value {
			*m = k
			return nil
		}
	}
	return fmt.Errorf("unknown timestamping mode %q", value)
}

// TxMode reports whether the mode includes transmit timestamps.
func (m Mode) TxMode() bool {
	return m == Software || m == Hardware
}

// ConnFd returns the file descriptor backing conn.
func ConnFd(conn *net.UDPConn) (int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var intfd int
	err = sc.Control(func(fd uintptr) {
		intfd = int(fd)
	})
	if err != nil {
		return -1, err
	}
	return intfd, nil
}

// SockaddrAddr extracts the IP from a socket address.
func SockaddrAddr(sa unix.Sockaddr) netip.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(sa.Addr).Unmap()
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(sa.Addr).Unmap()
	}
	return netip.Addr{}
}

// SockaddrPort extracts the port from a socket address.
func SockaddrPort(sa unix.Sockaddr) int {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return sa.Port
	case *unix.SockaddrInet6:
		return sa.Port
	}
	return 0
}
