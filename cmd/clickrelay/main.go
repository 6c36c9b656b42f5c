// Package main provides the CLI entry point for the relay proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/clickpay/clickconform/internal/dispatch"
	"github.com/clickpay/clickconform/internal/logger"
	"github.com/clickpay/clickconform/internal/relay"
)

// Version information (populated at build time)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// CLI flags
var (
	listen      string
	timeout     time.Duration
	allowHosts  string
	maxBody     int64
	verbose     bool
	showVersion bool
)

func init() {
	flag.StringVar(&listen, "listen", "127.0.0.1:9090", "Address to listen on")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "Upstream request timeout")
	flag.StringVar(&allowHosts, "allow", "", "Comma-separated list of upstream hosts to allow (default: all)")
	flag.Int64Var(&maxBody, "max-body", 0, "Maximum request/response body size in bytes (default: 1 MiB)")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	flag.BoolVar(&verbose, "v", false, "Enable debug logging (shorthand)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = printUsage
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `clickrelay - Forwarding proxy for the conformance tester

USAGE:
    clickrelay [options]

DESCRIPTION:
    Accepts form-encoded POST requests from the conformance tester, forwards
    them to the merchant endpoint named in the %s header, and
    mirrors back the upstream status, body, and content type. The final
    upstream URL after redirects is reported in the %s
    header. Use it when the tester itself cannot reach the merchant
    directly, for example across a browser's mixed-content boundary or from
    a restricted network segment.

OPTIONS:
    -listen <addr>     Address to listen on (default "127.0.0.1:9090")
    -timeout <dur>     Upstream request timeout (default "30s")
    -allow <hosts>     Comma-separated upstream host allowlist (default: all)
    -max-body <n>      Maximum body size in bytes (default: 1 MiB)
    -verbose, -v       Enable debug logging
    -version           Show version information
    -help, -h          Show this help message

EXAMPLES:
    # Relay for a tester running on the same machine
    clickrelay

    # Only allow forwarding to the staging merchant
    clickrelay -listen 0.0.0.0:9090 -allow merchant-staging.example.com
`, dispatch.RelayTargetHeader, dispatch.RelayEffectiveURLHeader)
}

func main() {
	flag.Parse()

	if showVersion {
		printVersion()
		os.Exit(0)
	}

	logCfg := logger.DefaultConfig()
	if verbose {
		logCfg.Level = "debug"
	}
	log := logger.New(logCfg)
	defer func() { _ = log.Sync() }()

	cfg := relay.DefaultConfig()
	cfg.Listen = listen
	cfg.Timeout = timeout
	if maxBody > 0 {
		cfg.MaxBodySize = maxBody
	}
	if allowHosts != "" {
		for _, host := range strings.Split(allowHosts, ",") {
			if host = strings.TrimSpace(host); host != "" {
				cfg.AllowedHosts = append(cfg.AllowedHosts, host)
			}
		}
	}

	srv := relay.New(cfg, log)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log.Info("relay listening",
		zap.String("address", srv.Address()),
		zap.Strings("allowed_hosts", cfg.AllowedHosts),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down relay")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Error("relay shutdown failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("relay stopped")
}

func printVersion() {
	fmt.Printf("clickrelay version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}
