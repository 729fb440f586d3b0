// Copyright 2016 Sam Whited.
// Use of this source code is governed by the BSD 2-clause license that can be
// found in the LICENSE file.

// Package config loads the YAML configuration for c2sd/s2sd.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Listener is one bind address, plain or TLS-terminating.
type Listener struct {
	Addr string `yaml:"addr"`
	TLS  bool   `yaml:"tls"`
}

// Karma mirrors the token-bucket tuning knobs.
type Karma struct {
	Init      int `yaml:"init"`
	Max       int `yaml:"max"`
	Inc       int `yaml:"inc"`
	Dec       int `yaml:"dec"`
	Penalty   int `yaml:"penalty"`
	Restore   int `yaml:"restore"`
	ResetMeter bool `yaml:"reset_meter"`
}

// Router is the session-manager link configuration.
type Router struct {
	Addr         string `yaml:"addr"`
	ComponentID  string `yaml:"component_id"`
	Secret       string `yaml:"secret"`
	RetryCount   int    `yaml:"retry_count"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// S2S holds the dialback-specific configuration.
type S2S struct {
	Secret      string `yaml:"secret"`
	AllowLegacy bool   `yaml:"allow_legacy"`
}

// Auth holds the local SASL PLAIN credential store, mirroring jadc2s's own
// authreg backend: a credential check the connection manager performs
// itself, independent of the session manager the legacy jabber:iq:auth path
// forwards to.
type Auth struct {
	Users map[string]string `yaml:"users"`
}

// Admission holds the connection-rate limiter configuration.
type Admission struct {
	Window time.Duration `yaml:"window"`
	Limit  int           `yaml:"limit"`
}

// TLSFiles names the cert/key pair used on TLS listeners and for STARTTLS.
type TLSFiles struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Config is the root document.
type Config struct {
	Domain      string        `yaml:"domain"`
	Listeners   []Listener    `yaml:"listeners"`
	TLS         TLSFiles      `yaml:"tls"`
	Karma       Karma         `yaml:"karma"`
	Router      Router        `yaml:"router"`
	Auth        Auth          `yaml:"auth"`
	S2S         S2S           `yaml:"s2s"`
	Admission   Admission     `yaml:"admission"`
	AuthTimeout time.Duration `yaml:"auth_timeout"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

func defaults() Config {
	return Config{
		Listeners: []Listener{{Addr: ":5222"}, {Addr: ":5223", TLS: true}},
		Karma: Karma{
			Init: 5, Max: 10, Inc: 1, Dec: 1, Penalty: -5, Restore: 5,
		},
		Router: Router{
			RetryCount: 5,
			RetryDelay: 5 * time.Second,
		},
		Admission: Admission{
			Window: 10 * time.Second,
			Limit:  10,
		},
		AuthTimeout: 15 * time.Second,
		IdleTimeout: 5 * time.Minute,
	}
}

// Load reads and parses the YAML document at path, filling unset fields with
// defaults so that a minimal configuration file is valid.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Domain == "" {
		return nil, fmt.Errorf("config: domain is required")
	}
	if cfg.Router.ComponentID == "" {
		cfg.Router.ComponentID = cfg.Domain
	}
	return &cfg, nil
}
