package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/croxy/tollgate/internal/config"
	"github.com/croxy/tollgate/internal/datastruct"
	"github.com/croxy/tollgate/internal/dns"
	"github.com/croxy/tollgate/internal/filter"
	"github.com/croxy/tollgate/internal/logging"
	"github.com/croxy/tollgate/internal/proxy"
	"github.com/croxy/tollgate/version"
)

func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	cmd := config.NewCommand(run, version.String())

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "tollgate:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logging.SetGlobalLogger(ctx, cfg.LogLevel)
	baseLogger := log.Logger

	if !cfg.Silent {
		printBanner(cfg)
	}

	logger := logging.WithScope(baseLogger, "main")

	policy := filter.NewPolicy(cfg.FilterMode, cfg.FilterDomains)
	if policy.Mode() == filter.ModeWhitelist && policy.Len() == 0 {
		logger.Warn().Msg("whitelist mode with no domains denies every request")
	}

	logger.Info().
		Str("mode", policy.Mode().String()).
		Int("domains", policy.Len()).
		Msg("filter policy loaded")

	resolver := newResolver(cfg, baseLogger)
	logger.Info().Msgf("using resolver: %s", resolver.Info())

	server := proxy.NewServer(
		logging.WithScope(baseLogger, "proxy"),
		policy,
		resolver,
		proxy.Options{
			ListenAddr: cfg.ListenAddr,
			Timeout:    cfg.Timeout,
		},
	)

	return server.ListenAndServe(ctx)
}

func newResolver(cfg *config.Config, baseLogger zerolog.Logger) dns.Resolver {
	qTypes := dns.QueryTypes(cfg.DNSIPv4Only)

	var inner dns.Resolver
	if cfg.DNSAddr != nil {
		inner = dns.NewPlainResolver(
			logging.WithScope(baseLogger, "dns(plain)"),
			cfg.DNSAddr,
			cfg.DNSPort,
			qTypes,
		)
	} else {
		inner = dns.NewSystemResolver(
			logging.WithScope(baseLogger, "dns(system)"),
			qTypes,
		)
	}

	cache := datastruct.NewTTLCache[dns.RecordSet](
		cfg.CacheShards,
		time.Duration(1*time.Minute),
	)

	return dns.NewCacheResolver(
		logging.WithScope(baseLogger, "dns(cache)"),
		cache,
		inner,
	)
}

func printBanner(cfg *config.Config) {
	cyan := putils.LettersFromStringWithStyle("Toll", pterm.NewStyle(pterm.FgCyan))
	purple := putils.LettersFromStringWithStyle("gate", pterm.NewStyle(pterm.FgLightMagenta))
	_ = pterm.DefaultBigText.WithLetters(cyan, purple).Render()

	dnsInfo := "system"
	if cfg.DNSAddr != nil {
		dnsInfo = fmt.Sprintf("%s:%d", cfg.DNSAddr, cfg.DNSPort)
	}

	_ = pterm.DefaultBulletList.WithItems([]pterm.BulletListItem{
		{Level: 0, Text: "LISTEN  : " + cfg.ListenAddr.String()},
		{Level: 0, Text: "DNS     : " + dnsInfo},
		{Level: 0, Text: "FILTER  : " + cfg.FilterMode.String()},
	}).Render()

	pterm.DefaultBasicText.Println("Press 'CTRL + c' to quit")
}
