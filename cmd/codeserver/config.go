package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/devchannel/internal/codeserver"
	"github.com/danmuck/devchannel/internal/protocol/session"
)

// codeserver config.toml key mapping to service settings.
type fileConfig struct {
	Addr                string   `toml:"addr"`
	AdminListenAddr     string   `toml:"admin_listen_addr"`
	AdminToken          string   `toml:"admin_token"`
	PublicChannelURL    string   `toml:"public_channel_url"`
	HostedHTMLVersion   string   `toml:"hosted_html_version"`
	IconCachePath       string   `toml:"icon_cache_path"`
	TraceDir            string   `toml:"trace_dir"`
	MinifyJSNI          bool     `toml:"minify_jsni"`
	Metrics             bool     `toml:"metrics"`
	Transports          []string `toml:"transports"`
	HandshakeTimeout    string   `toml:"handshake_timeout"`
	WriteTimeout        string   `toml:"write_timeout"`
	SessionSecurityMode string   `toml:"session_security_mode"`
	SessionTLSEnabled   bool     `toml:"session_tls_enabled"`
	SessionTLSMutual    bool     `toml:"session_tls_mutual"`
	SessionTLSCertFile  string   `toml:"session_tls_cert_file"`
	SessionTLSKeyFile   string   `toml:"session_tls_key_file"`
	SessionTLSCAFile    string   `toml:"session_tls_ca_file"`
}

// loadServiceConfig overlays the keys present in path onto the defaults.
func loadServiceConfig(path string) (codeserver.ServiceConfig, error) {
	cfg := codeserver.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return codeserver.ServiceConfig{}, fmt.Errorf("load codeserver config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return codeserver.ServiceConfig{}, fmt.Errorf("load codeserver config: unknown keys %v", undecoded)
	}

	if meta.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("public_channel_url") {
		cfg.PublicChannelURL = strings.TrimSpace(raw.PublicChannelURL)
	}
	if meta.IsDefined("hosted_html_version") {
		cfg.HostedHTMLVersion = strings.TrimSpace(raw.HostedHTMLVersion)
	}
	if meta.IsDefined("icon_cache_path") {
		cfg.IconCachePath = strings.TrimSpace(raw.IconCachePath)
	}
	if meta.IsDefined("trace_dir") {
		cfg.TraceDir = strings.TrimSpace(raw.TraceDir)
	}
	if meta.IsDefined("minify_jsni") {
		cfg.MinifyJSNI = raw.MinifyJSNI
	}
	if meta.IsDefined("metrics") {
		cfg.Metrics = raw.Metrics
	}
	if meta.IsDefined("transports") {
		cfg.Session.Transports = raw.Transports
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := parseDuration("handshake_timeout", raw.HandshakeTimeout)
		if err != nil {
			return codeserver.ServiceConfig{}, err
		}
		cfg.Session.HandshakeTimeout = d
	}
	if meta.IsDefined("write_timeout") {
		d, err := parseDuration("write_timeout", raw.WriteTimeout)
		if err != nil {
			return codeserver.ServiceConfig{}, err
		}
		cfg.Session.WriteTimeout = d
	}
	if meta.IsDefined("session_security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SessionSecurityMode))
	}
	if meta.IsDefined("session_tls_enabled") {
		cfg.Session.TLS.Enabled = raw.SessionTLSEnabled
	}
	if meta.IsDefined("session_tls_mutual") {
		cfg.Session.TLS.Mutual = raw.SessionTLSMutual
	}
	if meta.IsDefined("session_tls_cert_file") {
		cfg.Session.TLS.CertFile = strings.TrimSpace(raw.SessionTLSCertFile)
	}
	if meta.IsDefined("session_tls_key_file") {
		cfg.Session.TLS.KeyFile = strings.TrimSpace(raw.SessionTLSKeyFile)
	}
	if meta.IsDefined("session_tls_ca_file") {
		cfg.Session.TLS.CAFile = strings.TrimSpace(raw.SessionTLSCAFile)
	}

	for _, t := range session.NormalizeTransports(cfg.Session.Transports) {
		if t != session.TransportWebSocket {
			return codeserver.ServiceConfig{}, fmt.Errorf("load codeserver config: unsupported transport %q", t)
		}
	}
	if len(cfg.Session.Transports) > 0 && cfg.AdminListenAddr == "" && cfg.PublicChannelURL == "" {
		return codeserver.ServiceConfig{}, fmt.Errorf(
			"load codeserver config: transports need admin_listen_addr or public_channel_url",
		)
	}

	cfg.Session = cfg.Session.WithDefaults()
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("load codeserver config: %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("load codeserver config: %s must be positive", key)
	}
	return d, nil
}
