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

package scheduler

import (
	"errors"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// UnixPoller multiplexes file-descriptor readiness through poll(2).
type UnixPoller struct {
	fds []unix.PollFd
}

// NewUnixPoller returns the production Poller used by the daemon.
func NewUnixPoller() *UnixPoller {
	return &UnixPoller{}
}

// Wait blocks until a registered fd becomes ready or timeout elapses.
func (p *UnixPoller) Wait(timeout time.Duration, handlers map[int]*fileHandler) (ready []int, masks map[int]Mask, err error) {
	p.fds = p.fds[:0]
	for fd, h := range handlers {
		var events int16
		if h.mask&Input != 0 {
			events |= unix.POLLIN
		}
		if h.mask&Exception != 0 {
			events |= unix.POLLPRI | unix.POLLERR
		}
		p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: events})
	}

	ms := int(timeout.Milliseconds())
	if ms < 0 {
		ms = 0
	}
	n, err := unix.Poll(p.fds, ms)
	if err != nil {
		if errors.Is(err, syscall.EINTR) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if n == 0 {
		return nil, nil, nil
	}

	masks = make(map[int]Mask, n)
	for _, pfd := range p.fds {
		if pfd.Revents == 0 {
			continue
		}
		var m Mask
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			m |= Input
		}
		if pfd.Revents&(unix.POLLPRI|unix.POLLERR) != 0 {
			m |= Exception
		}
		if m == 0 {
			continue
		}
		ready = append(ready, int(pfd.Fd))
		masks[int(pfd.Fd)] = m
	}
	return ready, masks, nil
}
