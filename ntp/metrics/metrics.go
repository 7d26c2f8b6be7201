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

// Package metrics exposes the daemon's Prometheus counters and gauges:
// per-source reachability and poll interval, server replies and drops,
// cookie rotations, and scheduler queue depth.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Metrics bundles the daemon's Prometheus collectors.
type Metrics struct {
	SourceReachable    *prometheus.GaugeVec
	SourcePollInterval *prometheus.GaugeVec
	SourceOffset       *prometheus.GaugeVec
	SourceDelay        *prometheus.GaugeVec

	ServerReplies prometheus.Counter
	ServerDrops   *prometheus.CounterVec

	CookieRotations prometheus.Counter

	SchedulerQueueDepth prometheus.Gauge
}

// New registers and returns the daemon's metrics against reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		SourceReachable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ntpd_source_reachable",
			Help: "1 if the source's reach register is nonzero, else 0.",
		}, []string{"source"}),
		SourcePollInterval: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ntpd_source_poll_interval_seconds",
			Help: "Current 2^local_poll interval for the source.",
		}, []string{"source"}),
		SourceOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ntpd_source_offset_seconds",
			Help: "Most recently accepted sample offset.",
		}, []string{"source"}),
		SourceDelay: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ntpd_source_delay_seconds",
			Help: "Most recently accepted sample round-trip delay.",
		}, []string{"source"}),
		ServerReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ntpd_server_replies_total",
			Help: "Unsolicited-request replies sent by the server path.",
		}),
		ServerDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ntpd_server_drops_total",
			Help: "Unsolicited requests dropped by the server path, by reason.",
		}, []string{"reason"}),
		CookieRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ntpd_cookie_rotations_total",
			Help: "Server-key ring rotations performed.",
		}),
		SchedulerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ntpd_scheduler_queue_depth",
			Help: "Number of pending timeouts in the scheduler's heap.",
		}),
	}
	reg.MustRegister(
		m.SourceReachable, m.SourcePollInterval, m.SourceOffset, m.SourceDelay,
		m.ServerReplies, m.ServerDrops,
		m.CookieRotations, m.SchedulerQueueDepth,
	)
	return m
}

// Serve starts a blocking HTTP server exposing /metrics; callers run
// it in its own goroutine.
func Serve(reg *prometheus.Registry, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Infof("metrics: listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics: server exited: %v", err)
	}
}
