// Package main provides the CLI entry point for the mock gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/clickpay/clickconform/internal/logger"
	"github.com/clickpay/clickconform/internal/mockgw"
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
	serviceID   string
	secretKey   string
	amount      string
	verbose     bool
	showVersion bool
)

func init() {
	flag.StringVar(&listen, "listen", "127.0.0.1:8089", "Address to listen on")
	flag.StringVar(&serviceID, "service", "", "Require this service_id on every request (default: accept any)")
	flag.StringVar(&secretKey, "secret", "", "Verify sign_string with this secret key (default: skip verification)")
	flag.StringVar(&amount, "amount", "", "Require this exact payment amount (default: any positive amount)")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	flag.BoolVar(&verbose, "v", false, "Enable debug logging (shorthand)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = printUsage
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `clickmock - Mock SHOP-API merchant gateway

USAGE:
    clickmock [options]

DESCRIPTION:
    Serves /prepare and /complete endpoints that answer like a conformant
    merchant: sequential merchant_prepare_id values, idempotent prepares,
    duplicate-complete and unknown-transaction detection, and optional
    signature and amount verification. Every protocol failure is reported
    with HTTP 200 and a negative error code, so the tester can exercise
    its full expectation matrix against a local target.

OPTIONS:
    -listen <addr>     Address to listen on (default "127.0.0.1:8089")
    -service <id>      Require this service_id (default: accept any)
    -secret <key>      Verify signatures with this secret key
    -amount <n>        Require this exact amount (default: any positive)
    -verbose, -v       Enable debug logging
    -version           Show version information
    -help, -h          Show this help message

EXAMPLES:
    # Accept anything that is structurally valid
    clickmock

    # Enforce credentials so signature scenarios are meaningful
    clickmock -service 12345 -secret AZxcvbnm123 -amount 100.00
`)
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

	cfg := mockgw.DefaultConfig()
	cfg.Listen = listen
	cfg.ServiceID = serviceID
	cfg.SecretKey = secretKey
	cfg.ExpectedAmount = amount

	srv := mockgw.New(cfg, log)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log.Info("mock gateway listening",
		zap.String("address", srv.Address()),
		zap.Bool("signature_check", secretKey != ""),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock gateway", zap.Int("payments_seen", srv.Payments()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Error("mock gateway shutdown failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("mock gateway stopped")
}

func printVersion() {
	fmt.Printf("clickmock version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}
