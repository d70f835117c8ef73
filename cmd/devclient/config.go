package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/devchannel/internal/devclient"
	"github.com/danmuck/devchannel/internal/protocol/session"
)

// runConfig is everything one devclient invocation needs.
type runConfig struct {
	Client devclient.ClientConfig
	Script string
	Idle   bool
}

func defaultRunConfig() runConfig {
	cfg := devclient.DefaultClientConfig()
	cfg.Address = "127.0.0.1:9997"
	return runConfig{Client: cfg}
}

// devclient config.toml key mapping to client settings.
type fileConfig struct {
	Addr                string   `toml:"addr"`
	Module              string   `toml:"module"`
	URL                 string   `toml:"url"`
	UserAgent           string   `toml:"user_agent"`
	HostedHTMLVersion   string   `toml:"hosted_html_version"`
	IconPath            string   `toml:"icon_path"`
	ScriptPath          string   `toml:"script_path"`
	Idle                bool     `toml:"idle"`
	Transports          []string `toml:"transports"`
	MaxConnectAttempts  int      `toml:"max_connect_attempts"`
	SessionSecurityMode string   `toml:"session_security_mode"`
	SessionTLSEnabled   bool     `toml:"session_tls_enabled"`
	SessionTLSMutual    bool     `toml:"session_tls_mutual"`
	SessionTLSCertFile  string   `toml:"session_tls_cert_file"`
	SessionTLSKeyFile   string   `toml:"session_tls_key_file"`
	SessionTLSCAFile    string   `toml:"session_tls_ca_file"`
	SessionTLSServer    string   `toml:"session_tls_server_name"`
}

// loadRunConfig overlays path onto the defaults. Relative icon and script
// paths resolve against the config file's directory.
func loadRunConfig(path string) (runConfig, error) {
	out := defaultRunConfig()
	cfg := &out.Client

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runConfig{}, fmt.Errorf("load devclient config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return runConfig{}, fmt.Errorf("load devclient config: unknown keys %v", undecoded)
	}

	if meta.IsDefined("addr") {
		cfg.Address = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("module") {
		cfg.ModuleName = strings.TrimSpace(raw.Module)
	}
	if meta.IsDefined("url") {
		cfg.URL = strings.TrimSpace(raw.URL)
	}
	if meta.IsDefined("user_agent") {
		cfg.UserAgent = strings.TrimSpace(raw.UserAgent)
	}
	if meta.IsDefined("hosted_html_version") {
		cfg.HostedHTMLVersion = strings.TrimSpace(raw.HostedHTMLVersion)
	}
	if meta.IsDefined("icon_path") {
		icon, err := os.ReadFile(resolve(path, raw.IconPath))
		if err != nil {
			return runConfig{}, fmt.Errorf("load devclient config: icon_path: %w", err)
		}
		cfg.Icon = icon
	}
	if meta.IsDefined("script_path") {
		src, err := os.ReadFile(resolve(path, raw.ScriptPath))
		if err != nil {
			return runConfig{}, fmt.Errorf("load devclient config: script_path: %w", err)
		}
		out.Script = string(src)
	}
	if meta.IsDefined("idle") {
		out.Idle = raw.Idle
	}
	if meta.IsDefined("transports") {
		cfg.Session.Transports = raw.Transports
	}
	if meta.IsDefined("max_connect_attempts") {
		if raw.MaxConnectAttempts < 0 {
			return runConfig{}, fmt.Errorf("load devclient config: max_connect_attempts must not be negative")
		}
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
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
	if meta.IsDefined("session_tls_server_name") {
		cfg.Session.TLS.ServerName = strings.TrimSpace(raw.SessionTLSServer)
	}

	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return runConfig{}, fmt.Errorf("load devclient config: %w", err)
	}
	return out, nil
}

func resolve(configPath, p string) string {
	p = strings.TrimSpace(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}
