package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/croxy/tollgate/internal/filter"
)

// NewCommand builds the CLI surface. The run callback receives the
// resolved, validated configuration.
func NewCommand(
	run func(ctx context.Context, cfg *Config) error,
	version string,
) *cli.Command {
	return &cli.Command{
		Name:        "tollgate",
		Description: "A filtering forward proxy for HTTP and HTTPS (CONNECT) traffic",
		Version:     version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "path to a TOML config file; flags override its values",
				OnlyOnce: true,
				Sources:  cli.EnvVars("TOLLGATE_CONFIG"),
			},

			&cli.StringFlag{
				Name:     "listen-addr",
				Usage:    "address:port to listen on",
				Value:    DefaultListenAddr,
				OnlyOnce: true,
			},

			&cli.IntFlag{
				Name:     "timeout",
				Usage:    "timeout in milliseconds for reads, DNS lookups and connects; 0 disables",
				Value:    int(DefaultTimeout / time.Millisecond),
				OnlyOnce: true,
			},

			&cli.StringFlag{
				Name:     "log-level",
				Usage:    "log level (trace, debug, info, warn, error)",
				Value:    "info",
				OnlyOnce: true,
				Validator: func(v string) error {
					_, err := zerolog.ParseLevel(v)
					return err
				},
			},

			&cli.BoolFlag{
				Name:     "silent",
				Usage:    "do not print the banner at startup",
				OnlyOnce: true,
			},

			&cli.StringFlag{
				Name:     "dns-addr",
				Usage:    "upstream DNS server address; uses the system resolver when not given",
				OnlyOnce: true,
				Validator: func(v string) error {
					if net.ParseIP(v) == nil {
						return fmt.Errorf("invalid IP address %q", v)
					}
					return nil
				},
			},

			&cli.IntFlag{
				Name:     "dns-port",
				Usage:    "upstream DNS server port",
				Value:    DefaultDNSPort,
				OnlyOnce: true,
				Validator: func(v int) error {
					if v < 1 || v > 65535 {
						return fmt.Errorf("out of range [1-65535]")
					}
					return nil
				},
			},

			&cli.BoolFlag{
				Name:     "dns-ipv4-only",
				Usage:    "resolve only IPv4 addresses",
				OnlyOnce: true,
			},

			&cli.IntFlag{
				Name:     "cache-shards",
				Usage:    "number of DNS cache shards",
				Value:    DefaultCacheShards,
				OnlyOnce: true,
			},

			&cli.StringFlag{
				Name:     "filter",
				Usage:    "path to a TOML filter policy file (mode + domains)",
				OnlyOnce: true,
			},

			&cli.StringFlag{
				Name:     "blacklist",
				Usage:    "comma-separated domains to deny; everything else is allowed",
				OnlyOnce: true,
			},

			&cli.StringFlag{
				Name:     "whitelist",
				Usage:    "comma-separated domains to allow; everything else is denied",
				OnlyOnce: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := resolve(cmd)
			if err != nil {
				return err
			}

			return run(ctx, cfg)
		},
	}
}

// resolve merges defaults, the config file and flags, in that order of
// increasing precedence.
func resolve(cmd *cli.Command) (*Config, error) {
	cfg := defaults()

	if path := cmd.String("config"); path != "" {
		fc, err := decodeConfigFile(path)
		if err != nil {
			return nil, err
		}

		if err := applyFile(cfg, fc); err != nil {
			return nil, err
		}
	}

	if err := applyFlags(cfg, cmd); err != nil {
		return nil, err
	}

	if err := resolvePolicy(cfg, cmd); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyFlags(cfg *Config, cmd *cli.Command) error {
	if cmd.IsSet("listen-addr") {
		addr, err := net.ResolveTCPAddr("tcp", cmd.String("listen-addr"))
		if err != nil {
			return fmt.Errorf("invalid listen-addr %q: %w", cmd.String("listen-addr"), err)
		}
		cfg.ListenAddr = addr
	}

	if cmd.IsSet("timeout") {
		cfg.Timeout = time.Duration(cmd.Int("timeout")) * time.Millisecond
	}

	if cmd.IsSet("log-level") {
		level, err := zerolog.ParseLevel(cmd.String("log-level"))
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}

	if cmd.IsSet("silent") {
		cfg.Silent = cmd.Bool("silent")
	}

	if cmd.IsSet("dns-addr") {
		cfg.DNSAddr = net.ParseIP(cmd.String("dns-addr"))
	}

	if cmd.IsSet("dns-port") {
		cfg.DNSPort = uint16(cmd.Int("dns-port"))
	}

	if cmd.IsSet("dns-ipv4-only") {
		cfg.DNSIPv4Only = cmd.Bool("dns-ipv4-only")
	}

	if cmd.IsSet("cache-shards") {
		shards := cmd.Int("cache-shards")
		if shards < 1 {
			return fmt.Errorf("cache-shards must be greater than 0")
		}
		cfg.CacheShards = uint64(shards)
	}

	return nil
}

// resolvePolicy picks the filter policy source: CSV flags win over the
// --filter file, which wins over the [filter] block of the config file.
func resolvePolicy(cfg *Config, cmd *cli.Command) error {
	blacklist := cmd.String("blacklist")
	whitelist := cmd.String("whitelist")

	if blacklist != "" && whitelist != "" {
		return errors.New("--blacklist and --whitelist are mutually exclusive")
	}

	switch {
	case blacklist != "":
		cfg.FilterMode = filter.ModeBlacklist
		cfg.FilterDomains = splitCSV(blacklist)

	case whitelist != "":
		cfg.FilterMode = filter.ModeWhitelist
		cfg.FilterDomains = splitCSV(whitelist)

	case cmd.String("filter") != "":
		fc, err := decodeFilterFile(cmd.String("filter"))
		if err != nil {
			return err
		}

		if err := applyFilter(cfg, fc); err != nil {
			return err
		}
	}

	return nil
}

func splitCSV(s string) []string {
	var out []string

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}

	return out
}
