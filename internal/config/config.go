// Package config loads the bridge-level, per-network, and per-client
// configuration consumed by the rest of this module.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/openbridge/ircbridge/internal/aliasmap"
)

// ServerDescriptor is the immutable, injected description of one IRC
// network a Bridged Client can connect to.
type ServerDescriptor struct {
	Domain             string          `yaml:"domain"`
	Port               int             `yaml:"port"`
	DefaultPassword    string          `yaml:"default_password"`
	NickTemplate       string          `yaml:"nick_template"`
	UserModes          string          `yaml:"user_modes"`
	IdleTimeout        int             `yaml:"idle_timeout"`
	ExpiryMs           int64           `yaml:"expiry_ms"`
	IPv6Prefix         string          `yaml:"ipv6_prefix"`
	UseTLS             bool            `yaml:"use_tls"`
	InsecureSkipVerify bool            `yaml:"insecure_skip_verify"`
	MembershipMirror   map[string]bool `yaml:"membership_mirror"`
	ExcludedChannels   []string        `yaml:"excluded_channels"`
	DynamicAlias       bool            `yaml:"dynamic_alias"`
	HardcodedRoomsFile string          `yaml:"hardcoded_rooms_file"`
	UserIDRegexRaw     string          `yaml:"user_id_regex"`
	AliasRegexRaw      string          `yaml:"alias_regex"`

	// Compiled once at construction; nil when the raw string is empty.
	UserIDRegex *regexp.Regexp `yaml:"-"`
	AliasRegex  *regexp.Regexp `yaml:"-"`

	// HardcodedRooms is loaded from HardcodedRoomsFile by Compile; an
	// empty Map when the file is unset or missing (nil only before
	// Compile runs). A room id with no entry here falls back to
	// AliasRegex (when DynamicAlias is set) or is used unchanged.
	HardcodedRooms *aliasmap.Map `yaml:"-"`

	// ParsedIPv6Prefix is nil when IPv6Prefix is empty.
	ParsedIPv6Prefix *net.IPNet `yaml:"-"`
}

// Compile finalizes a descriptor loaded from YAML: it compiles the
// regexes and parses the IPv6 prefix once so hot paths never redo the
// work.
func (s *ServerDescriptor) Compile() error {
	if s.UserIDRegexRaw != "" {
		re, err := regexp.Compile(s.UserIDRegexRaw)
		if err != nil {
			return fmt.Errorf("config: invalid user_id_regex: %w", err)
		}
		s.UserIDRegex = re
	}
	if s.AliasRegexRaw != "" {
		re, err := regexp.Compile(s.AliasRegexRaw)
		if err != nil {
			return fmt.Errorf("config: invalid alias_regex: %w", err)
		}
		s.AliasRegex = re
	}
	if s.IPv6Prefix != "" {
		_, ipnet, err := net.ParseCIDR(s.IPv6Prefix)
		if err != nil {
			return fmt.Errorf("config: invalid ipv6_prefix: %w", err)
		}
		s.ParsedIPv6Prefix = ipnet
	}

	rooms, err := aliasmap.Load(s.HardcodedRoomsFile)
	if err != nil {
		return fmt.Errorf("config: hardcoded rooms file: %w", err)
	}
	s.HardcodedRooms = rooms

	return nil
}

// Addr returns the host:port to dial for this server.
func (s *ServerDescriptor) Addr() string {
	return fmt.Sprintf("%s:%d", s.Domain, s.Port)
}

// MirrorsMembership reports the server's membership-mirror policy for a
// given phase (e.g. "initial"). Absent phases default to false.
func (s *ServerDescriptor) MirrorsMembership(phase string) bool {
	return s.MembershipMirror[phase]
}

// ClientConfig is mutable during Connect: filled in by the identity
// generator and IPv6 allocator before the socket opens.
type ClientConfig struct {
	DesiredNick string
	Password    string
	IPv6Address net.IP
	Username    string
	RealName    string
}

// BridgeConfig is the top-level configuration file.
type BridgeConfig struct {
	DataDir  string                       `yaml:"data_dir"`
	Servers  map[string]*ServerDescriptor `yaml:"servers"`
	Advanced struct {
		// MaxHTTPSockets is parsed and defaulted for forward-compatibility
		// with the config format this was cut from, but this build is
		// IRC-only: nothing in cmd/ircbridged opens an HTTP socket, so the
		// value is not consumed anywhere.
		MaxHTTPSockets int `yaml:"max_http_sockets"`
	} `yaml:"advanced"`
	Identd struct {
		Enabled   bool   `yaml:"enabled"`
		Interface string `yaml:"interface"`
	} `yaml:"identd"`
}

// Load reads and parses a YAML configuration file, compiling every
// server descriptor it contains.
func Load(path string) (*BridgeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg BridgeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Advanced.MaxHTTPSockets == 0 {
		cfg.Advanced.MaxHTTPSockets = 1000
	}

	for name, srv := range cfg.Servers {
		if err := srv.Compile(); err != nil {
			return nil, fmt.Errorf("server %q: %w", name, err)
		}
	}

	return &cfg, nil
}
