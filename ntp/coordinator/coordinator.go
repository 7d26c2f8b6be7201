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

// Package coordinator wires the protocol engine's independent pieces
// (ntp/source, ntp/server, ntp/scheduler, ntp/discipline, ...) into a
// single running daemon: it owns the live set of configured
// associations, dispatches inbound datagrams to either the NCR engine
// or the unsolicited-request server path, and fans out reconfiguration
// commands.
package coordinator

import (
	"fmt"
	"math"
	"net/netip"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/timewarden/ntpd/ntp/accessfilter"
	"github.com/timewarden/ntpd/ntp/accesslog"
	"github.com/timewarden/ntpd/ntp/config"
	"github.com/timewarden/ntpd/ntp/cookie"
	"github.com/timewarden/ntpd/ntp/discipline"
	"github.com/timewarden/ntpd/ntp/ipaddr"
	"github.com/timewarden/ntpd/ntp/keys"
	"github.com/timewarden/ntpd/ntp/measlog"
	"github.com/timewarden/ntpd/ntp/metrics"
	"github.com/timewarden/ntpd/ntp/protocol"
	"github.com/timewarden/ntpd/ntp/scheduler"
	"github.com/timewarden/ntpd/ntp/server"
	"github.com/timewarden/ntpd/ntp/source"
	"github.com/timewarden/ntpd/ntp/udpsock"
)

// association bundles one configured Source with the ephemeral client
// socket it transmits through.
type association struct {
	src  *source.Source
	conn *clientConn
}

// clientConn adapts udpsock.ClientTransport to source.Transport while
// keeping the scheduler's file-handler registration in lockstep with
// the socket's lifetime: a fresh fd is registered on every Reopen
// (client exchanges dial a new ephemeral socket each time) and
// deregistered on Close.
type clientConn struct {
	*udpsock.ClientTransport
	core  *Core
	assoc *association
}

func (c *clientConn) Reopen(remote netip.AddrPort) error {
	if err := c.ClientTransport.Reopen(remote); err != nil {
		return err
	}
	fd := c.ClientTransport.Fd()
	c.core.sched.AddFileHandler(fd, scheduler.Input, func(int, scheduler.Mask) {
		c.core.handleClientReadable(c.assoc)
	})
	return nil
}

func (c *clientConn) Close() {
	if fd := c.ClientTransport.Fd(); fd >= 0 {
		c.core.sched.RemoveFileHandler(fd)
	}
	c.ClientTransport.Close()
}

// Core owns every collaborator the running daemon needs and is the
// single dispatch point for inbound datagrams and reconfiguration.
// Like ntp/scheduler.Scheduler, it is built to run from one goroutine
// (the scheduler's MainLoop); Lock/Unlock only guard calls made from
// elsewhere (a config-reload signal handler, an operator command).
type Core struct {
	mu sync.Mutex

	sched     *scheduler.Scheduler
	disc      *discipline.Discipline
	keyStore  *keys.Store
	filter    *accessfilter.Filter
	accessLog *accesslog.Log
	meas      *measlog.Writer
	clock     *LocalClock
	handler   *server.Handler
	metrics   *metrics.Metrics

	assoc   map[netip.AddrPort]*association
	byStats map[discipline.SourceStatsHandle]*association

	serverSocks []*udpsock.ServerSocket

	clockMode source.ClockMode
}

// Options bundles the collaborators New needs; all but Meas and Metrics
// are required.
type Options struct {
	Filter   *accessfilter.Filter
	KeyStore *keys.Store
	Cookies  *cookie.Ring
	Meas     *measlog.Writer
	Clock    *LocalClock
	Metrics  *metrics.Metrics

	AccessLogSlots     int
	AccessLogThreshold float64
	AccessLogMemBudget int
}

// New constructs a Core ready to accept AddSource/ListenServer calls.
func New(sched *scheduler.Scheduler, opts Options) *Core {
	accessLog := accesslog.New(opts.AccessLogSlots, opts.AccessLogThreshold, opts.AccessLogMemBudget)
	disc := discipline.New()
	c := &Core{
		sched:     sched,
		disc:      disc,
		keyStore:  opts.KeyStore,
		filter:    opts.Filter,
		accessLog: accessLog,
		meas:      opts.Meas,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		assoc:     map[netip.AddrPort]*association{},
		byStats:   map[discipline.SourceStatsHandle]*association{},
		clockMode: source.ClockModeNormal,
	}
	c.handler = server.NewHandler(opts.Filter, accessLog, opts.KeyStore, opts.Cookies, opts.Clock)
	return c
}

// ListenServer binds a server socket at addr and registers it with the
// scheduler for the unsolicited-request path.
func (c *Core) ListenServer(addr netip.AddrPort) error {
	ss, err := udpsock.Listen(addr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.serverSocks = append(c.serverSocks, ss)
	c.mu.Unlock()
	c.sched.AddFileHandler(ss.Fd(), scheduler.Input, func(int, scheduler.Mask) {
		c.handleServerReadable(ss)
	})
	return nil
}

// CloseServerSockets releases every server socket, deregistering them
// from the scheduler first.
func (c *Core) CloseServerSockets() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ss := range c.serverSocks {
		c.sched.RemoveFileHandler(ss.Fd())
		if err := ss.Close(); err != nil {
			log.Warnf("coordinator: closing server socket: %v", err)
		}
	}
	c.serverSocks = nil
}

// AddSource creates a new association from sc and arms its first
// transmit.
func (c *Core) AddSource(sc config.SourceConfig) error {
	remote, kind, params, err := sc.Params()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.assoc[remote]; exists {
		return fmt.Errorf("coordinator: source %s is already configured", remote)
	}

	stats := c.disc.NewSource()
	src := source.Create(remote, kind, params, c.keyStore, stats)
	a := &association{src: src}
	a.conn = &clientConn{ClientTransport: udpsock.NewClientTransport(), core: c, assoc: a}

	// A symmetric peer keeps one long-lived socket so its local port
	// stays stable across exchanges; client sources dial a fresh
	// ephemeral socket per exchange instead.
	if kind == source.KindPeer {
		if err := a.conn.Reopen(remote); err != nil {
			return err
		}
	}

	c.assoc[remote] = a
	c.byStats[stats] = a

	src.TakeOnline(c.sched, func() { c.transmitFrom(a) })
	log.Infof("coordinator: source %s added (kind=%d)", remote, kind)
	return nil
}

// RemoveSource takes a configured association offline and forgets it.
func (c *Core) RemoveSource(remote netip.AddrPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.assoc[remote]
	if !ok {
		return
	}
	a.src.TakeOffline(c.sched)
	a.conn.Close()
	delete(c.assoc, remote)
	delete(c.byStats, a.src.Stats)
	log.Infof("coordinator: source %s removed", remote)
}

// ChangeRemoteAddress moves a configured association to a new remote
// address, resetting its per-exchange state and refid.
func (c *Core) ChangeRemoteAddress(old, new netip.AddrPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.assoc[old]
	if !ok {
		return fmt.Errorf("coordinator: no source %s", old)
	}
	if _, exists := c.assoc[new]; exists {
		return fmt.Errorf("coordinator: source %s is already configured", new)
	}
	refid := ipaddr.DeriveRefId(ipaddr.FromNetip(new.Addr()))
	a.src.ChangeRemoteAddress(new, uint32(refid))
	delete(c.assoc, old)
	c.assoc[new] = a
	log.Infof("coordinator: source %s moved to %s", old, new)
	return nil
}

// InitiateBurst starts a burst of good/total exchanges against remote.
func (c *Core) InitiateBurst(remote netip.AddrPort, good, total int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.assoc[remote]
	if !ok {
		return fmt.Errorf("coordinator: no source %s", remote)
	}
	a.src.InitiateBurst(c.sched, good, total, func() { c.transmitFrom(a) })
	return nil
}

// SlewTimes tells every association the local clock was slewed by
// dfreq/doffset at when, so their recorded local timestamps are
// reprojected into the new timescale.
func (c *Core) SlewTimes(when protocol.LocalInstant, dfreq, doffset protocol.Seconds) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.assoc {
		a.src.SlewTimes(when, dfreq, doffset)
	}
}

// ModifyThresholds updates validation thresholds on a live association.
func (c *Core) ModifyThresholds(remote netip.AddrPort, t source.Thresholds) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.assoc[remote]
	if !ok {
		return fmt.Errorf("coordinator: no source %s", remote)
	}
	a.src.ModifyThresholds(t)
	return nil
}

func (c *Core) transmitFrom(a *association) {
	c.mu.Lock()
	defer c.mu.Unlock()
	onTransmit := func() { c.transmitFrom(a) }
	onTimeout := func() { c.receiveTimeout(a) }
	remoteRx, remoteTx := a.src.RemoteNtpRx, a.src.RemoteNtpTx
	isSyncPeer := c.disc.Selected() == a.src.Stats
	if err := a.src.Transmit(c.sched, a.conn, c.clock, c.keyStore, isSyncPeer, onTransmit, onTimeout); err != nil {
		log.Warnf("coordinator: transmit to %s: %v", a.src.Remote, err)
		return
	}
	// The kernel may hold a more accurate send timestamp on the error
	// queue; fold it into LocalTx so the next interleaved exchange
	// measures with it.
	if ts, prov, err := a.conn.ReadTxTimestamp(); err == nil {
		a.src.ProcessTxKnown(remoteRx, remoteTx, ts, prov)
	}
	if a.src.ShouldAutoOffline() {
		a.src.TakeOffline(c.sched)
		if a.src.Kind == source.KindServer {
			a.conn.Close()
		}
	}
}

func (c *Core) receiveTimeout(a *association) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// No acceptable reply before the deadline; release the ephemeral
	// socket so the next exchange starts clean. The missed exchange
	// itself is counted on the transmit path.
	a.src.ReceiveTimedOut()
	a.conn.Close()
	c.reportSourceMetrics(a)
}

// rxErrEstimate bounds the error of a receive timestamp by its
// provenance: a kernel or NIC stamp is taken at (or near) the wire,
// while a daemon read trails the arrival by at least the clock-reading
// precision.
func (c *Core) rxErrEstimate(prov protocol.Provenance) protocol.Seconds {
	if prov == protocol.Daemon {
		return protocol.Seconds(math.Exp2(float64(c.clock.PrecisionLog2())))
	}
	return 0
}

func (c *Core) handleClientReadable(a *association) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, rxTs, prov, err := a.conn.ReadReply()
	if err != nil {
		log.Debugf("coordinator: reading reply from %s: %v", a.src.Remote, err)
		return
	}
	c.processKnown(a, buf, rxTs, c.rxErrEstimate(prov))
}

func (c *Core) processKnown(a *association, buf []byte, rxTs protocol.LocalInstant, rxErr protocol.Seconds) {
	if !protocol.ValidFormat(buf) {
		if c.metrics != nil {
			c.metrics.ServerDrops.WithLabelValues("bad_format").Inc()
		}
		return
	}
	hdr, err := protocol.HeaderFromBytes(buf)
	if err != nil {
		log.Debugf("coordinator: parsing header from %s: %v", a.src.Remote, err)
		return
	}
	trailer, err := protocol.ParseTrailer(buf)
	if err != nil {
		log.Debugf("coordinator: parsing trailer from %s: %v (treating as unauthenticated)", a.src.Remote, err)
		trailer = nil
	}

	ourStratum := c.clock.Stratum()
	rr := a.src.ProcessRxKnown(c.sched, a.conn, c.disc, c.keyStore, c.clock, c.clockMode, ourStratum,
		hdr, trailer, buf, rxTs, rxErr, func() { c.transmitFrom(a) })

	if rr.Accumulated {
		c.clock.UpdateFromSource(a.src.RemoteStratum, hdr.RootDelay.Seconds()+rr.Delay, hdr.RootDispersion.Seconds()+rr.Dispersion)
		if c.metrics != nil {
			label := a.src.Remote.String()
			c.metrics.SourceOffset.WithLabelValues(label).Set(float64(rr.Offset))
			c.metrics.SourceDelay.WithLabelValues(label).Set(float64(rr.Delay))
		}
		if c.meas != nil {
			entry := measlog.Entry{
				Time:        rxTs,
				Remote:      a.src.Remote.Addr(),
				Stratum:     a.src.RemoteStratum,
				Leap:        hdr.Leap,
				Poll:        a.src.LocalPoll,
				Offset:      rr.Offset,
				Delay:       rr.Delay,
				Dispersion:  rr.Dispersion,
				Interleaved: rr.Interleaved,
			}
			if err := c.meas.Log(entry); err != nil {
				log.Warnf("coordinator: writing measurements log: %v", err)
			}
		}
	}
	c.reportSourceMetrics(a)
}

func (c *Core) reportSourceMetrics(a *association) {
	if c.metrics == nil {
		return
	}
	label := a.src.Remote.String()
	reachable := 0.0
	if a.src.Reachable() {
		reachable = 1.0
	}
	c.metrics.SourceReachable.WithLabelValues(label).Set(reachable)
	c.metrics.SourcePollInterval.WithLabelValues(label).Set(math.Exp2(float64(a.src.LocalPoll)))
	c.metrics.SchedulerQueueDepth.Set(float64(c.sched.PendingTimeouts()))
}

func (c *Core) handleServerReadable(ss *udpsock.ServerSocket) {
	buf, remote, rxTs, prov, err := ss.ReadFrom()
	if err != nil {
		log.Debugf("coordinator: reading server socket: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !protocol.ValidFormat(buf) {
		if c.metrics != nil {
			c.metrics.ServerDrops.WithLabelValues("bad_format").Inc()
		}
		return
	}
	hdr, err := protocol.HeaderFromBytes(buf)
	if err != nil {
		log.Debugf("coordinator: parsing header from %s: %v", remote, err)
		return
	}
	trailer, err := protocol.ParseTrailer(buf)
	if err != nil {
		trailer = nil
	}

	// A reply from a configured association's remote address/port lands
	// on its own ephemeral client socket, never here; anything arriving
	// on a server socket from an address/port we recognise is still
	// routed to the NCR engine (e.g. a symmetric peer dialing us back).
	if a, ok := c.assoc[remote]; ok {
		c.processKnown(a, buf, rxTs, c.rxErrEstimate(prov))
		return
	}

	reply := c.handler.Handle(remote.Addr(), hdr, trailer, buf, rxTs)
	if reply == nil {
		if c.metrics != nil {
			c.metrics.ServerDrops.WithLabelValues("filtered_or_rate_limited").Inc()
		}
		return
	}
	if err := ss.WriteTo(reply.Bytes, remote); err != nil {
		log.Warnf("coordinator: sending reply to %s: %v", remote, err)
		return
	}
	if ts, _, err := ss.ReadTxTimestamp(); err == nil {
		c.handler.ProcessTxUnknown(reply, ts)
	}
	if c.metrics != nil {
		c.metrics.ServerReplies.Inc()
	}
}
