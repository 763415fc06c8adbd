package config

import (
	"fmt"
	"net"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/croxy/tollgate/internal/filter"
)

// fileConfig mirrors the TOML config file. Pointer fields distinguish
// "absent" from a set zero value.
type fileConfig struct {
	ListenAddr  string  `toml:"listen-addr"`
	Timeout     *uint   `toml:"timeout"` // milliseconds
	LogLevel    string  `toml:"log-level"`
	Silent      *bool   `toml:"silent"`
	DNSAddr     string  `toml:"dns-addr"`
	DNSPort     *uint   `toml:"dns-port"`
	DNSIPv4Only *bool   `toml:"dns-ipv4-only"`
	CacheShards *uint64 `toml:"cache-shards"`

	Filter *filterFileConfig `toml:"filter"`
}

// filterFileConfig is the policy block. The same shape doubles as the
// standalone policy file loaded via --filter, where it sits at the top
// level:
//
//	mode = "blacklist"
//	domains = ["blocked.org", "**.ads.example"]
type filterFileConfig struct {
	Mode    string   `toml:"mode"`
	Domains []string `toml:"domains"`
}

func decodeConfigFile(path string) (*fileConfig, error) {
	var fc fileConfig

	meta, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q in %s", undecoded[0].String(), path)
	}

	return &fc, nil
}

func decodeFilterFile(path string) (*filterFileConfig, error) {
	var fc filterFileConfig

	meta, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q in %s", undecoded[0].String(), path)
	}

	return &fc, nil
}

// applyFile overlays file values on the defaults.
func applyFile(cfg *Config, fc *fileConfig) error {
	if fc.ListenAddr != "" {
		addr, err := net.ResolveTCPAddr("tcp", fc.ListenAddr)
		if err != nil {
			return fmt.Errorf("invalid listen-addr %q: %w", fc.ListenAddr, err)
		}
		cfg.ListenAddr = addr
	}

	if fc.Timeout != nil {
		cfg.Timeout = time.Duration(*fc.Timeout) * time.Millisecond
	}

	if fc.LogLevel != "" {
		level, err := zerolog.ParseLevel(fc.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log-level %q: %w", fc.LogLevel, err)
		}
		cfg.LogLevel = level
	}

	if fc.Silent != nil {
		cfg.Silent = *fc.Silent
	}

	if fc.DNSAddr != "" {
		ip := net.ParseIP(fc.DNSAddr)
		if ip == nil {
			return fmt.Errorf("invalid dns-addr %q", fc.DNSAddr)
		}
		cfg.DNSAddr = ip
	}

	if fc.DNSPort != nil {
		if *fc.DNSPort == 0 || *fc.DNSPort > 65535 {
			return fmt.Errorf("invalid dns-port %d", *fc.DNSPort)
		}
		cfg.DNSPort = uint16(*fc.DNSPort)
	}

	if fc.DNSIPv4Only != nil {
		cfg.DNSIPv4Only = *fc.DNSIPv4Only
	}

	if fc.CacheShards != nil {
		cfg.CacheShards = *fc.CacheShards
	}

	if fc.Filter != nil {
		if err := applyFilter(cfg, fc.Filter); err != nil {
			return err
		}
	}

	return nil
}

func applyFilter(cfg *Config, fc *filterFileConfig) error {
	mode, err := filter.ParseMode(fc.Mode)
	if err != nil {
		return err
	}

	cfg.FilterMode = mode
	cfg.FilterDomains = fc.Domains

	return nil
}
