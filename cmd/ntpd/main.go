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

package main

import (
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/timewarden/ntpd/ntp/accessfilter"
	"github.com/timewarden/ntpd/ntp/config"
	"github.com/timewarden/ntpd/ntp/cookie"
	"github.com/timewarden/ntpd/ntp/coordinator"
	"github.com/timewarden/ntpd/ntp/ipaddr"
	"github.com/timewarden/ntpd/ntp/keys"
	"github.com/timewarden/ntpd/ntp/measlog"
	"github.com/timewarden/ntpd/ntp/metrics"
	"github.com/timewarden/ntpd/ntp/scheduler"
)

// precisionLog2 is the advertised clock-reading precision. A wall-clock
// read plus the syscall overhead lands around a microsecond.
const precisionLog2 = -20

// sdNotify sends state (READY=1, STOPPING=1) to the service manager; a
// missing NOTIFY_SOCKET is not an error.
func sdNotify(state string) {
	supported, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warnf("sd_notify: %v", err)
		return
	}
	if !supported {
		log.Debug("sd_notify: notification not supported")
	}
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

func main() {
	var configPath string
	var logLevel string

	flag.StringVar(&configPath, "config", "/etc/ntpd/ntpd.yaml", "Path to the daemon config")
	flag.StringVar(&logLevel, "loglevel", "", "Override the configured log level. Can be: debug, info, warning, error")
	flag.Parse()

	cfg, err := config.ReadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	switch level {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("Unrecognized log level: %v", level)
	}

	if err := writePidFile(cfg.PidFile); err != nil {
		log.Fatalf("writing pidfile %s: %v", cfg.PidFile, err)
	}

	keyStore := keys.NewStore()
	if cfg.KeyFile != "" {
		if ks, err := keys.LoadKeyfile(cfg.KeyFile); err != nil {
			log.Warnf("loading keyfile %s: %v (continuing without symmetric keys)", cfg.KeyFile, err)
		} else {
			keyStore = ks
		}
	}

	ring := cookie.NewRing()
	if err := ring.Load(cfg.CookieKeyFile); err != nil {
		log.Infof("no usable cookie key cache at %s (%v), generating a fresh key", cfg.CookieKeyFile, err)
		if err := ring.Bootstrap(); err != nil {
			log.Fatalf("generating cookie key: %v", err)
		}
	}
	if err := ring.Save(cfg.CookieKeyFile); err != nil {
		log.Fatalf("persisting cookie key cache %s: %v", cfg.CookieKeyFile, err)
	}

	filter := accessfilter.New()
	for _, rule := range cfg.Access {
		prefix := netip.MustParsePrefix(rule.Prefix)
		action := accessfilter.Deny
		if rule.Allow {
			action = accessfilter.Allow
		}
		filter.AddRule(prefix, action)
	}

	var meas *measlog.Writer
	if cfg.MeasurementsLog != "" {
		f, err := os.OpenFile(cfg.MeasurementsLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("opening measurements log %s: %v", cfg.MeasurementsLog, err)
		}
		meas = measlog.NewWriter(f)
		defer meas.Close()
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	go metrics.Serve(reg, fmt.Sprintf(":%d", cfg.MonitoringPort))

	listenAddrs := make([]netip.AddrPort, 0, len(cfg.Listen))
	for _, l := range cfg.Listen {
		addr, err := netip.ParseAddrPort(l)
		if err != nil {
			log.Fatalf("parsing listen address %q: %v", l, err)
		}
		listenAddrs = append(listenAddrs, addr)
	}
	refID := uint32(0)
	if len(listenAddrs) > 0 {
		refID = uint32(ipaddr.DeriveRefId(ipaddr.FromNetip(listenAddrs[0].Addr())))
	}
	clock := coordinator.NewLocalClock(precisionLog2, refID)

	sched := scheduler.New(scheduler.NewUnixPoller())
	core := coordinator.New(sched, coordinator.Options{
		Filter:   filter,
		KeyStore: keyStore,
		Cookies:  ring,
		Meas:     meas,
		Clock:    clock,
		Metrics:  m,

		AccessLogSlots:     1024,
		AccessLogThreshold: 8.0,
		AccessLogMemBudget: 1 << 20,
	})

	bound := 0
	for _, addr := range listenAddrs {
		// A family no access rule can ever allow needs no socket.
		if !filter.HasAnyAllowed(addr.Addr().Is6()) {
			log.Infof("not listening on %s: no access rule allows its address family", addr)
			continue
		}
		if err := core.ListenServer(addr); err != nil {
			log.Fatalf("listening on %s: %v", addr, err)
		}
		bound++
	}
	for _, sc := range cfg.Sources {
		if err := core.AddSource(sc); err != nil {
			log.Fatalf("configuring source %s: %v", sc.Address, err)
		}
	}

	rotateEvery := time.Duration(cfg.CookieRotateSeconds) * time.Second
	if rotateEvery < time.Second {
		rotateEvery = time.Second
	}
	var rotate func()
	rotate = func() {
		if err := ring.Rotate(); err != nil {
			log.Errorf("rotating cookie keys: %v", err)
		} else {
			m.CookieRotations.Inc()
			if err := ring.SaveIfPathSet(); err != nil {
				log.Errorf("persisting cookie key cache: %v", err)
			}
		}
		sched.AddTimeoutByDelay(rotateEvery, rotate)
	}
	sched.AddTimeoutByDelay(rotateEvery, rotate)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Infof("received %s, shutting down", sig)
		sdNotify(daemon.SdNotifyStopping)
		sched.QuitProgram()
	}()

	sdNotify(daemon.SdNotifyReady)
	log.Infof("ntpd is running: %d server socket(s), %d source(s)", bound, len(cfg.Sources))
	sched.MainLoop()

	core.CloseServerSockets()
	if err := os.Remove(cfg.PidFile); err != nil {
		log.Warnf("removing pidfile: %v", err)
	}
}
