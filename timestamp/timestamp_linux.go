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

package timestamp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kind records which clock produced a timestamp read off a socket.
type Kind int

// Timestamp provenance, worst to best.
const (
	KindNone Kind = iota
	KindSoftware
	KindHardware
)

// unix.Cmsghdr size differs depending on platform
var cmsgHeaderOffset = binary.Size(unix.Cmsghdr{})

var timestamping = unix.SO_TIMESTAMPING_NEW

var errNoTimestamp = errors.New("no timestamp in socket control message")

// TxReadAttempts bounds how many error-queue reads a single transmit
// timestamp lookup performs before giving up.
var TxReadAttempts = 100

// TxReadTimeout is the poll timeout for each error-queue read attempt.
var TxReadTimeout = time.Millisecond

func init() {
	// kernels older than 5 don't know SO_TIMESTAMPING_NEW
	var uname unix.Utsname
	if err := unix.Uname(&uname); err == nil {
		if uname.Release[0] < '5' {
			timestamping = unix.SO_TIMESTAMPING
		}
	}
}

// byteToTime reads a __kernel_timespec (two 64-bit words) from data.
func byteToTime(data []byte) time.Time {
	sec := *(*int64)(unsafe.Pointer(&data[0]))
	nsec := *(*int64)(unsafe.Pointer(&data[8]))
	return time.Unix(sec, nsec)
}

// scmDataToTime parses a timestamping control-message payload. The
// payload holds three timespecs; software timestamps land in the first,
// hardware ones in the third, and only one of them is ever nonzero.
func scmDataToTime(data []byte) (time.Time, Kind, error) {
	const size = 16
	ts := byteToTime(data[size*2 : size*3])
	// time.Unix(0,0).IsZero() is false, so compare the epoch value.
	if ts.UnixNano() != 0 {
		return ts, KindHardware, nil
	}
	ts = byteToTime(data[0:size])
	if ts.UnixNano() == 0 {
		return ts, KindNone, fmt.Errorf("got zero timestamp")
	}
	return ts, KindSoftware, nil
}

// controlMessageTimestamp scans the raw control-message buffer for the
// timestamping message and parses it. Restricted to the one message
// type the sockets here can produce, rather than a generic
// ParseSocketControlMessage pass.
func controlMessageTimestamp(b []byte, boob int) (time.Time, Kind, error) {
	mlen := 0
	for i := 0; i < boob; i += unix.CmsgSpace(mlen - unix.SizeofCmsghdr) {
		h := (*unix.Cmsghdr)(unsafe.Pointer(&b[i]))
		mlen = int(h.Len) //#nosec G115
		if mlen == 0 {
			break
		}
		// asking for SO_TIMESTAMPING_NEW can still yield SO_TIMESTAMPING
		// messages on some kernels
		if h.Level == unix.SOL_SOCKET && (int(h.Type) == unix.SO_TIMESTAMPING_NEW || int(h.Type) == unix.SO_TIMESTAMPING) {
			return scmDataToTime(b[i+cmsgHeaderOffset : i+mlen])
		}
	}
	return time.Time{}, KindNone, errNoTimestamp
}

// ReadPacket reads one datagram into buf along with its receive
// timestamp from the control-message channel. oob can be reused across
// calls. A KindNone result means the packet arrived without a
// timestamp and the caller should stamp it itself.
func ReadPacket(connFd int, buf, oob []byte) (int, unix.Sockaddr, time.Time, Kind, error) {
	n, boob, _, sa, err := unix.Recvmsg(connFd, buf, oob, 0)
	if err != nil {
		return 0, nil, time.Time{}, KindNone, fmt.Errorf("reading datagram: %w", err)
	}
	ts, kind, err := controlMessageTimestamp(oob, boob)
	if err != nil {
		return n, sa, time.Time{}, KindNone, nil
	}
	return n, sa, ts, kind, nil
}

// EnableRxTimestamps enables kernel receive timestamps on the socket.
func EnableRxTimestamps(connFd int) error {
	flags := unix.SOF_TIMESTAMPING_RX_SOFTWARE |
		unix.SOF_TIMESTAMPING_SOFTWARE
	return unix.SetsockoptInt(connFd, unix.SOL_SOCKET, timestamping, flags)
}

// EnableTxRxTimestamps enables kernel receive and transmit timestamps.
// Transmit timestamps come back on the error queue as a cmsg alongside
// an empty packet (OPT_TSONLY), and POLLERR wakes select/poll when one
// is pending.
func EnableTxRxTimestamps(connFd int) error {
	flags := unix.SOF_TIMESTAMPING_TX_SOFTWARE |
		unix.SOF_TIMESTAMPING_RX_SOFTWARE |
		unix.SOF_TIMESTAMPING_SOFTWARE |
		unix.SOF_TIMESTAMPING_OPT_TSONLY
	if err := unix.SetsockoptInt(connFd, unix.SOL_SOCKET, timestamping, flags); err != nil {
		return err
	}
	return unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_SELECT_ERR_QUEUE, 1)
}

func ioctlHwCaps(fd int, ifname string) (int32, error) {
	hw, err := unix.IoctlGetEthtoolTsInfo(fd, ifname)
	if err != nil {
		return 0, fmt.Errorf("querying timestamping capabilities of %s: %w", ifname, err)
	}

	var rxFilter int32
	if hw.Rx_filters&(1<<unix.HWTSTAMP_FILTER_ALL) > 0 {
		rxFilter = unix.HWTSTAMP_FILTER_ALL
	}
	if hw.Tx_types&(1<<unix.HWTSTAMP_TX_ON) == 0 || rxFilter == 0 {
		return rxFilter, fmt.Errorf("hardware timestamping is not supported on %s", ifname)
	}
	return rxFilter, nil
}

func ioctlEnableHwTimestamps(fd int, ifname string, filter int32) error {
	hw, err := unix.IoctlGetHwTstamp(fd, ifname)
	if errors.Is(err, unix.ENOTSUP) {
		// the loopback interface has no timestamping config to read
		hw = &unix.HwTstampConfig{}
	} else if err != nil {
		return fmt.Errorf("reading timestamping config of %s: %w", ifname, err)
	}

	if hw.Tx_type == unix.HWTSTAMP_TX_ON && hw.Rx_filter == filter {
		return nil
	}
	hw.Tx_type = unix.HWTSTAMP_TX_ON
	hw.Rx_filter = filter
	if err := unix.IoctlSetHwTstamp(fd, ifname, hw); err != nil {
		return fmt.Errorf("enabling hardware timestamps on %s: %w", ifname, err)
	}
	return nil
}

// EnableHwRxTimestamps enables NIC receive timestamps on the socket,
// configuring the interface for timestamping first.
func EnableHwRxTimestamps(connFd int, iface *net.Interface) error {
	rxFilter, err := ioctlHwCaps(connFd, iface.Name)
	if err != nil {
		return err
	}
	if err := ioctlEnableHwTimestamps(connFd, iface.Name, rxFilter); err != nil {
		return err
	}
	flags := unix.SOF_TIMESTAMPING_RX_HARDWARE |
		unix.SOF_TIMESTAMPING_RAW_HARDWARE
	if err := unix.SetsockoptInt(connFd, unix.SOL_SOCKET, timestamping, flags); err != nil {
		return err
	}
	return unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_SELECT_ERR_QUEUE, 1)
}

// EnableHwTxRxTimestamps enables NIC receive and transmit timestamps.
func EnableHwTxRxTimestamps(connFd int, iface *net.Interface) error {
	rxFilter, err := ioctlHwCaps(connFd, iface.Name)
	if err != nil {
		return err
	}
	if err := ioctlEnableHwTimestamps(connFd, iface.Name, rxFilter); err != nil {
		return err
	}
	flags := unix.SOF_TIMESTAMPING_TX_HARDWARE |
		unix.SOF_TIMESTAMPING_RX_HARDWARE |
		unix.SOF_TIMESTAMPING_RAW_HARDWARE |
		unix.SOF_TIMESTAMPING_OPT_TSONLY
	if err := unix.SetsockoptInt(connFd, unix.SOL_SOCKET, timestamping, flags); err != nil {
		return err
	}
	return unix.SetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_SELECT_ERR_QUEUE, 1)
}

// Enable turns on timestamping per mode; iface is only consulted for
// the hardware modes.
func Enable(mode Mode, connFd int, iface *net.Interface) error {
	switch mode {
	case SoftwareRx:
		return EnableRxTimestamps(connFd)
	case Software:
		return EnableTxRxTimestamps(connFd)
	case HardwareRx:
		return EnableHwRxTimestamps(connFd, iface)
	case Hardware:
		return EnableHwTxRxTimestamps(connFd, iface)
	default:
		return fmt.Errorf("unrecognized timestamping mode %s", mode)
	}
}

func waitForTxTimestamp(connFd int) error {
	fds := []unix.PollFd{{Fd: int32(connFd), Events: unix.POLLERR, Revents: 0}}
	for {
		n, err := unix.Poll(fds, int(TxReadTimeout.Milliseconds()))
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return syscall.ETIMEDOUT
		}
		return nil
	}
}

// recvErrQueue reads only the control-message portion of one
// MSG_ERRQUEUE entry; the accompanying empty packet is discarded.
func recvErrQueue(connFd int, oob []byte) (oobn int, err error) {
	var msg unix.Msghdr
	msg.Control = &oob[0]
	msg.SetControllen(len(oob))
	_, _, e1 := unix.Syscall(unix.SYS_RECVMSG, uintptr(connFd), uintptr(unsafe.Pointer(&msg)), uintptr(unix.MSG_ERRQUEUE))
	if e1 != 0 {
		return 0, e1
	}
	return int(msg.Controllen), nil
}

// ReadTxTimestamp drains the socket error queue and returns the newest
// transmit timestamp found. More than one timestamp can be pending if
// earlier reads failed; stopping at the first would leave the queue
// shifted, pairing each send with the previous send's timestamp.
// Both buffers can be reused once the call returns.
func ReadTxTimestamp(connFd int, oob, toob []byte) (time.Time, Kind, error) {
	var boob int
	found := false
	attempts := 0
	for ; attempts < TxReadAttempts; attempts++ {
		if !found {
			_ = waitForTxTimestamp(connFd)
		}
		tboob, err := recvErrQueue(connFd, toob)
		if err != nil {
			if found {
				// queue drained after a valid timestamp
				break
			}
			continue
		}
		found = true
		boob = tboob
		copy(oob, toob)
	}
	if !found {
		return time.Time{}, KindNone, fmt.Errorf("no transmit timestamp after %d reads", attempts)
	}
	return controlMessageTimestamp(oob, boob)
}
