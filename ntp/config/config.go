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

// Package config loads the on-disk daemon configuration: the source/peer
// list, access-filter rules, validation thresholds and file paths.
package config

import (
	"fmt"
	"net/netip"
	"os"

	yaml "gopkg.in/yaml.v2"

	"github.com/timewarden/ntpd/ntp/protocol"
	"github.com/timewarden/ntpd/ntp/source"
)

// SourceConfig describes one configured server or peer association.
type SourceConfig struct {
	Address        string `yaml:"address"`
	Kind           string `yaml:"kind"` // "server" or "peer"
	MinPoll        int    `yaml:"minpoll"`
	MaxPoll        int    `yaml:"maxpoll"`
	PresendMinpoll int    `yaml:"presend_minpoll"`
	AuthMode       string `yaml:"auth_mode"` // "none", "symmetric", "mssntp", "mssntp-extended"
	KeyID          uint32 `yaml:"key_id"`
	AutoOffline    bool   `yaml:"auto_offline"`
	Interleaved    bool   `yaml:"interleaved"`

	MaxDelay         float64 `yaml:"max_delay"`
	MaxDelayRatio    float64 `yaml:"max_delay_ratio"`
	MaxDelayDevRatio float64 `yaml:"max_delay_dev_ratio"`
	MinStratum       int     `yaml:"min_stratum"`
	PollTarget       int     `yaml:"poll_target"`
}

// AccessRule is one allow/deny entry, longest-prefix matched by
// ntp/accessfilter.
type AccessRule struct {
	Prefix string `yaml:"prefix"`
	Allow  bool   `yaml:"allow"`
}

// Config is the full daemon configuration.
type Config struct {
	Listen              []string `yaml:"listen"`
	PidFile             string   `yaml:"pid_file"`
	KeyFile             string   `yaml:"key_file"`
	CookieKeyFile       string   `yaml:"cookie_key_file"`
	MeasurementsLog     string   `yaml:"measurements_log"`
	MonitoringPort      int      `yaml:"monitoring_port"`
	LogLevel            string   `yaml:"log_level"`
	Stratum             int      `yaml:"stratum"`
	CookieRotateSeconds int      `yaml:"cookie_rotate_seconds"`

	Sources []SourceConfig `yaml:"sources"`
	Access  []AccessRule   `yaml:"access"`
}

// authModeFromString maps the config's string spelling onto
// source.AuthMode.
func authModeFromString(s string) (source.AuthMode, error) {
	switch s {
	case "", "none":
		return source.AuthNone, nil
	case "symmetric":
		return source.AuthSymmetric, nil
	case "mssntp":
		return source.AuthMsSntp, nil
	case "mssntp-extended":
		return source.AuthMsSntpExtended, nil
	default:
		return 0, fmt.Errorf("config: unknown auth_mode %q", s)
	}
}

func kindFromString(s string) (source.Kind, error) {
	switch s {
	case "", "server":
		return source.KindServer, nil
	case "peer":
		return source.KindPeer, nil
	default:
		return 0, fmt.Errorf("config: unknown source kind %q", s)
	}
}

// Params converts one SourceConfig into the ntp/source.Params the
// engine's Create expects, applying defaults for unset thresholds.
func (sc SourceConfig) Params() (netip.AddrPort, source.Kind, source.Params, error) {
	addr, err := netip.ParseAddrPort(sc.Address)
	if err != nil {
		// only a literal IP:port is accepted; host names are not
		// resolved.
		return netip.AddrPort{}, 0, source.Params{}, fmt.Errorf("config: parsing source address %q: %w", sc.Address, err)
	}
	kind, err := kindFromString(sc.Kind)
	if err != nil {
		return netip.AddrPort{}, 0, source.Params{}, err
	}
	authMode, err := authModeFromString(sc.AuthMode)
	if err != nil {
		return netip.AddrPort{}, 0, source.Params{}, err
	}

	maxDelay := sc.MaxDelay
	if maxDelay == 0 {
		maxDelay = 1.0
	}
	maxDelayRatio := sc.MaxDelayRatio
	if maxDelayRatio == 0 {
		maxDelayRatio = 8.0
	}
	maxDelayDevRatio := sc.MaxDelayDevRatio
	if maxDelayDevRatio == 0 {
		maxDelayDevRatio = 8.0
	}
	minStratum := sc.MinStratum
	if minStratum == 0 {
		minStratum = 1
	}
	pollTarget := sc.PollTarget
	if pollTarget == 0 {
		pollTarget = 8
	}

	params := source.Params{
		MinPoll:        sc.MinPoll,
		MaxPoll:        sc.MaxPoll,
		PresendMinpoll: sc.PresendMinpoll,
		AuthMode:       authMode,
		KeyID:          sc.KeyID,
		AutoOffline:    sc.AutoOffline,
		Interleaved:    sc.Interleaved,
		Thresholds: source.Thresholds{
			MaxDelay:         protocol.Seconds(maxDelay),
			MaxDelayRatio:    maxDelayRatio,
			MaxDelayDevRatio: maxDelayDevRatio,
			MinStratum:       uint8(minStratum),
			PollTarget:       pollTarget,
		},
	}
	return addr, kind, params, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if len(c.Listen) == 0 {
		return fmt.Errorf("config: at least one listen address is required")
	}
	if c.Stratum < 1 || c.Stratum > 15 {
		return fmt.Errorf("config: stratum must be in [1,15], got %d", c.Stratum)
	}
	for i, sc := range c.Sources {
		if _, _, _, err := sc.Params(); err != nil {
			return fmt.Errorf("config: source[%d]: %w", i, err)
		}
	}
	for i, ar := range c.Access {
		if _, err := netip.ParsePrefix(ar.Prefix); err != nil {
			return fmt.Errorf("config: access[%d]: %w", i, err)
		}
	}
	return nil
}

// ReadConfig loads and validates a yaml Config from path.
func ReadConfig(path string) (*Config, error) {
	c := &Config{
		MonitoringPort:      8125,
		LogLevel:            "info",
		Stratum:             3,
		CookieRotateSeconds: 3600,
		PidFile:             "/var/run/ntpd.pid",
		KeyFile:             "/etc/ntpd/keys",
		CookieKeyFile:       "/var/lib/ntpd/ntskeys",
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
