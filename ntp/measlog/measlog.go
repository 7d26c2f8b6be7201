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

// Package measlog writes the one-line-per-accepted-packet
// measurements log: an append-only, whitespace-separated record of
// every sample the engine accepted.
package measlog

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"sync"

	"github.com/timewarden/ntpd/ntp/protocol"
)

// Entry is one accepted-packet record.
type Entry struct {
	Time        protocol.LocalInstant
	Remote      netip.Addr
	Stratum     uint8
	Leap        protocol.Leap
	Poll        int
	Offset      protocol.Seconds
	Delay       protocol.Seconds
	Dispersion  protocol.Seconds
	Interleaved bool
}

// Writer appends whitespace-separated Entry lines to an underlying
// io.Writer, matching the cache-file convention of flushed,
// line-buffered writes.
type Writer struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

// NewWriter wraps w; if w also implements io.Closer, Close releases it.
func NewWriter(w io.Writer) *Writer {
	closer, _ := w.(io.Closer)
	return &Writer{w: bufio.NewWriter(w), closer: closer}
}

// Log appends one entry and flushes, so a crash loses at most the
// in-flight line.
func (l *Writer) Log(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := fmt.Fprintf(l.w, "%d.%09d %s %d %d %d %.9f %.9f %.9f %t\n",
		e.Time.Sec, e.Time.Nsec, e.Remote, e.Stratum, int(e.Leap), e.Poll,
		float64(e.Offset), float64(e.Delay), float64(e.Dispersion), e.Interleaved)
	if err != nil {
		return err
	}
	return l.w.Flush()
}

// Close flushes and closes the underlying writer, if closable.
func (l *Writer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
