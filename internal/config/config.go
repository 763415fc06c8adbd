// Package config resolves the runtime configuration from a TOML file
// and command-line flags. Flags override file values; the resolved
// Config is validated before anything binds or runs.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/croxy/tollgate/internal/filter"
)

const (
	DefaultListenAddr  = "127.0.0.1:8080"
	DefaultTimeout     = 10 * time.Second
	DefaultDNSPort     = 53
	DefaultCacheShards = 32
)

// Config is the fully resolved runtime configuration.
type Config struct {
	ListenAddr *net.TCPAddr

	// Timeout bounds request reads, DNS lookups and outbound connects.
	Timeout time.Duration

	LogLevel zerolog.Level
	Silent   bool

	// DNSAddr selects a plain-DNS upstream; nil means the system
	// resolver.
	DNSAddr     net.IP
	DNSPort     uint16
	DNSIPv4Only bool
	CacheShards uint64

	FilterMode    filter.Mode
	FilterDomains []string
}

func defaults() *Config {
	addr, _ := net.ResolveTCPAddr("tcp", DefaultListenAddr)

	return &Config{
		ListenAddr:  addr,
		Timeout:     DefaultTimeout,
		LogLevel:    zerolog.InfoLevel,
		DNSPort:     DefaultDNSPort,
		CacheShards: DefaultCacheShards,
	}
}

// Validate rejects configurations the proxy cannot run with. A
// whitelist with an empty domain set is accepted; it denies everything,
// which is degenerate but well-defined.
func (c *Config) Validate() error {
	if c.ListenAddr == nil {
		return fmt.Errorf("listen address is required")
	}

	if c.CacheShards == 0 {
		return fmt.Errorf("cache-shards must be greater than 0")
	}

	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}

	return nil
}
