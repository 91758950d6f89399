// Package config loads the conductor configuration file. The file is read
// once at startup; there is no hot reload.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when IOTRONIC_CONF is not set.
const DefaultPath = "/etc/iotronic/iotronic.yaml"

// Config is the full configuration file, one section per concern.
type Config struct {
	Conductor ConductorConfig `yaml:"conductor"`
	WAMP      WAMPConfig      `yaml:"wamp"`
	Nginx     NginxConfig     `yaml:"nginx"`
	DNS       DNSConfig       `yaml:"dns"`
	VNet      VNetConfig      `yaml:"vnet"`
}

// ConductorConfig holds the [conductor] section.
type ConductorConfig struct {
	Hostname         string   `yaml:"hostname"` // defaults to os.Hostname()
	StateDir         string   `yaml:"state_dir"`
	APIListenAddress string   `yaml:"api_listen_address"`
	APIPort          int      `yaml:"api_port"`
	APIToken         string   `yaml:"api_token"` // empty disables auth
	APIMaxBodyBytes  int64    `yaml:"api_max_body_bytes"`
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`
	ServicePortMin   int      `yaml:"service_port_min"`
	ServicePortMax   int      `yaml:"service_port_max"`
	SocatPortMin     int      `yaml:"socat_port_min"`
	SocatPortMax     int      `yaml:"socat_port_max"`
	BoardCacheSize   int      `yaml:"board_cache_size"`
}

// WAMPConfig holds the [wamp] section, shared by the conductor and the
// wamp agent.
type WAMPConfig struct {
	TransportURL         string   `yaml:"wamp_transport_url"`
	Realm                string   `yaml:"wamp_realm"`
	RegisterAgent        bool     `yaml:"register_agent"` // this agent is the registration agent
	AutoPingInterval     Duration `yaml:"auto_ping_interval"`
	AutoPingTimeout      Duration `yaml:"auto_ping_timeout"`
	SkipCertVerify       bool     `yaml:"skip_cert_verify"`
	ServiceAllowListPath string   `yaml:"service_allow_list_path"`
	CallTimeout          Duration `yaml:"call_timeout"`
	AgentHostname        string   `yaml:"agent_hostname"` // wamp agent only
	AgentWSURL           string   `yaml:"agent_wsurl"`    // URL boards use to reach this agent
}

// NginxConfig holds the [nginx] section (wamp agent only).
type NginxConfig struct {
	Path          string `yaml:"nginx_path"`
	WstunEndpoint string `yaml:"wstun_endpoint"`
}

// DNSConfig holds the [dns] section: an RFC 2136 capable server plus an
// optional TSIG key for authenticated updates.
type DNSConfig struct {
	Server      string   `yaml:"server"`    // host:port of the authoritative server
	PublicIP    string   `yaml:"public_ip"` // address webservice A records point at
	TSIGKeyName string   `yaml:"tsig_key_name"`
	TSIGSecret  string   `yaml:"tsig_secret"`
	RecordTTL   Duration `yaml:"record_ttl"`
	Timeout     Duration `yaml:"timeout"`
}

// VNetConfig holds the [vnet] section: the virtual-network controller used
// for board port/subnet bindings.
type VNetConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Token    string   `yaml:"token"`
	Timeout  Duration `yaml:"timeout"`
}

// Default returns a Config populated with defaults. Load applies the file
// on top of this.
func Default() *Config {
	return &Config{
		Conductor: ConductorConfig{
			StateDir:         "/var/lib/iotronic",
			APIListenAddress: "0.0.0.0",
			APIPort:          1288,
			APIMaxBodyBytes:  1 << 20,
			HeartbeatTimeout: Duration(60 * time.Second),
			ServicePortMin:   50000,
			ServicePortMax:   60000,
			SocatPortMin:     10000,
			SocatPortMax:     20000,
			BoardCacheSize:   1024,
		},
		WAMP: WAMPConfig{
			TransportURL:         "ws://localhost:8181/",
			Realm:                "s4t",
			AutoPingInterval:     Duration(10 * time.Second),
			AutoPingTimeout:      Duration(5 * time.Second),
			ServiceAllowListPath: "/var/lib/iotronic/allowlist.json",
			CallTimeout:          Duration(120 * time.Second),
		},
		Nginx: NginxConfig{
			Path:          "/etc/nginx/conf.d/iotronic",
			WstunEndpoint: "localhost",
		},
		DNS: DNSConfig{
			RecordTTL: Duration(300 * time.Second),
			Timeout:   Duration(5 * time.Second),
		},
		VNet: VNetConfig{
			Timeout: Duration(30 * time.Second),
		},
	}
}

// Load reads the YAML config at path (or IOTRONIC_CONF, or DefaultPath when
// path is empty), applies it over the defaults and validates. A missing file
// is not an error: defaults apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("IOTRONIC_CONF")
	}
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// keep defaults
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if cfg.Conductor.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolve hostname: %w", err)
		}
		cfg.Conductor.Hostname = host
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks all sections and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	validatePort := func(name string, v int) {
		if v < 1 || v > 65535 {
			errs = append(errs, fmt.Sprintf("%s: port %d out of range", name, v))
		}
	}

	if c.Conductor.StateDir == "" {
		errs = append(errs, "conductor.state_dir must not be empty")
	}
	validatePort("conductor.api_port", c.Conductor.APIPort)
	if c.Conductor.HeartbeatTimeout <= 0 {
		errs = append(errs, "conductor.heartbeat_timeout must be positive")
	}
	validatePort("conductor.service_port_min", c.Conductor.ServicePortMin)
	validatePort("conductor.service_port_max", c.Conductor.ServicePortMax)
	if c.Conductor.ServicePortMax-c.Conductor.ServicePortMin < 2 {
		errs = append(errs, "conductor.service_port_max must exceed service_port_min by at least 2")
	}
	validatePort("conductor.socat_port_min", c.Conductor.SocatPortMin)
	validatePort("conductor.socat_port_max", c.Conductor.SocatPortMax)
	if c.Conductor.SocatPortMax <= c.Conductor.SocatPortMin {
		errs = append(errs, "conductor.socat_port_max must exceed socat_port_min")
	}
	if c.Conductor.BoardCacheSize <= 0 {
		errs = append(errs, "conductor.board_cache_size must be positive")
	}

	if !strings.HasPrefix(c.WAMP.TransportURL, "ws://") && !strings.HasPrefix(c.WAMP.TransportURL, "wss://") {
		errs = append(errs, fmt.Sprintf("wamp.wamp_transport_url: %q is not a ws:// or wss:// URL", c.WAMP.TransportURL))
	}
	if c.WAMP.Realm == "" {
		errs = append(errs, "wamp.wamp_realm must not be empty")
	}
	if c.WAMP.CallTimeout <= 0 {
		errs = append(errs, "wamp.call_timeout must be positive")
	}
	if c.WAMP.AutoPingInterval < 0 || c.WAMP.AutoPingTimeout < 0 {
		errs = append(errs, "wamp.auto_ping_interval and wamp.auto_ping_timeout must not be negative")
	}

	if (c.DNS.TSIGKeyName == "") != (c.DNS.TSIGSecret == "") {
		errs = append(errs, "dns.tsig_key_name and dns.tsig_secret must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
