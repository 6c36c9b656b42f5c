// Package main provides the CLI entry point for the conformance tester.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/clickpay/clickconform/internal/audit"
	"github.com/clickpay/clickconform/internal/config"
	"github.com/clickpay/clickconform/internal/dispatch"
	"github.com/clickpay/clickconform/internal/engine"
	"github.com/clickpay/clickconform/internal/fixture"
	"github.com/clickpay/clickconform/internal/history"
	"github.com/clickpay/clickconform/internal/logger"
	"github.com/clickpay/clickconform/internal/metrics"
	"github.com/clickpay/clickconform/internal/request"
	"github.com/clickpay/clickconform/internal/scenario"
)

// Version information (populated at build time)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// CLI flags
var (
	configPath    string
	scenariosPath string
	fixturesPath  string
	only          int
	list          bool
	jsonOutput    bool
	verbose       bool
	showVersion   bool

	prepareURL  string
	completeURL string
	qps         float64
	timeout     time.Duration
)

func init() {
	// Configuration
	flag.StringVar(&configPath, "config", "", "Path to the TOML configuration file")
	flag.StringVar(&configPath, "c", "", "Path to the TOML configuration file (shorthand)")
	flag.StringVar(&scenariosPath, "scenarios", "", "Path to the scenario suite YAML file")
	flag.StringVar(&scenariosPath, "s", "", "Path to the scenario suite YAML file (shorthand)")
	flag.StringVar(&fixturesPath, "fixtures", "", "Path to a fixture override YAML file (default: built-in set)")
	flag.StringVar(&fixturesPath, "f", "", "Path to a fixture override YAML file (shorthand)")

	// Override flags
	flag.StringVar(&prepareURL, "prepare-url", "", "Override the prepare endpoint URL")
	flag.StringVar(&completeURL, "complete-url", "", "Override the complete endpoint URL")
	flag.Float64Var(&qps, "qps", 0, "Override the dispatch pacing in requests per second")
	flag.DurationVar(&timeout, "timeout", 0, "Override the per-request timeout (e.g., 10s)")

	// Utility flags
	flag.IntVar(&only, "only", -1, "Run a single scenario by its 0-based index")
	flag.BoolVar(&list, "list", false, "List the suite's scenarios and exit")
	flag.BoolVar(&list, "l", false, "List the suite's scenarios (shorthand)")
	flag.BoolVar(&jsonOutput, "json", false, "Print the scenario records as JSON instead of the console report")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	flag.BoolVar(&verbose, "v", false, "Enable debug logging (shorthand)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	// Custom usage
	flag.Usage = printUsage
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `clickconform - CLICK SHOP-API Conformance Tester

USAGE:
    clickconform -scenarios <path> [options]

DESCRIPTION:
    Runs scenario suites against a merchant's prepare/complete endpoints and
    verifies each reply's error code against the suite's expectations.
    Scenarios execute strictly in order; a prepare response's
    merchant_prepare_id is carried into subsequent complete requests, and
    later scenarios can reference earlier requests and responses with
    {{response.<click_trans_id>.<field>}} placeholders.

    Endpoint URLs and credentials come from the configuration file or
    CLICKCONF_-prefixed environment variables, for example
    CLICKCONF_TESTER_SECRET_KEY.

CONFIGURATION:
    -config, -c <path>     Path to the TOML configuration file
    -scenarios, -s <path>  Path to the scenario suite YAML file
    -fixtures, -f <path>   Path to a fixture override YAML file

OVERRIDE OPTIONS:
    -prepare-url <url>     Override the prepare endpoint URL
    -complete-url <url>    Override the complete endpoint URL
    -qps <n>               Pace dispatches at n requests per second
    -timeout <dur>         Per-request timeout (e.g., "10s")

UTILITY OPTIONS:
    -only <idx>            Run a single scenario by its 0-based index
    -list, -l              List the suite's scenarios and exit
    -json                  Print scenario records as JSON
    -verbose, -v           Enable debug logging
    -version               Show version information
    -help, -h              Show this help message

EXAMPLES:
    # Run a suite with the default configuration lookup
    clickconform -scenarios examples/scenarios.yaml

    # Run against a local mock gateway
    clickconform -scenarios examples/scenarios.yaml \
        -prepare-url http://127.0.0.1:8089/prepare \
        -complete-url http://127.0.0.1:8089/complete

    # Replay one scenario, reusing state captured by earlier runs
    clickconform -scenarios examples/scenarios.yaml -only 3

    # Machine-readable results
    clickconform -scenarios examples/scenarios.yaml -json > results.json

    # Inspect a suite without dispatching anything
    clickconform -scenarios examples/scenarios.yaml -list

EXIT CODES:
    0    every executed scenario matched its expectation
    1    configuration error, run error, or failed scenarios
`)
}

func main() {
	flag.Parse()

	if showVersion {
		printVersion()
		os.Exit(0)
	}

	os.Exit(run())
}

func printVersion() {
	fmt.Printf("clickconform version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// run executes the CLI and returns the process exit code. Split from main
// so deferred cleanups survive the exit path.
func run() int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		return 1
	}
	applyOverrides(cfg)

	if verbose {
		cfg.Log.Level = "debug"
	}
	log := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	defer func() { _ = log.Sync() }()

	if scenariosPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -scenarios flag is required")
		fmt.Fprintln(os.Stderr, "")
		printUsage()
		return 1
	}

	suite, err := scenario.LoadSuite(scenariosPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading scenario suite: %v\n", err)
		return 1
	}

	if list {
		printScenarioList(suite)
		return 0
	}

	fixtures := fixture.Defaults()
	if fixturesPath != "" {
		fixtures, err = fixture.Load(fixturesPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading fixtures: %v\n", err)
			return 1
		}
	}

	trail := audit.NewTrail(cfg.Run.AuditSize)
	dispatcher := dispatch.New(dispatch.Config{
		Timeout:       cfg.Run.RequestTimeout,
		RelayURL:      cfg.Relay.URL,
		TLSSkipVerify: cfg.Run.TLSSkipVerify,
	}, trail)

	var exporter *metrics.Exporter
	if cfg.Metrics.Enabled {
		exporter = metrics.New(metrics.Config{Listen: cfg.Metrics.Listen})
		if err := exporter.Start(); err != nil {
			log.Warn("metrics exporter disabled", zap.Error(err))
			exporter = nil
		} else {
			log.Info("metrics exporter listening", zap.String("address", exporter.Address()))
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = exporter.Stop(ctx)
			}()
		}
	}

	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.Open(cfg.History.Path)
		if err != nil {
			log.Warn("run history disabled", zap.Error(err))
		} else {
			defer func() { _ = store.Close() }()
		}
	}

	eng, err := engine.New(engine.Config{
		Logger:            log,
		Settings:          func() config.TesterSettings { return cfg.Tester },
		Builder:           request.NewBuilder(fixtures),
		Dispatcher:        dispatcher,
		Metrics:           exporter,
		History:           store,
		RequestsPerSecond: cfg.Run.RequestsPerSecond,
		Callbacks:         consoleCallbacks(len(suite.Scenarios)),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := eng.Load(suite.Name, suite.Scenarios); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading scenarios: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Warn("interrupt received, finishing the in-flight scenario")
		cancel()
	}()

	if !jsonOutput {
		fmt.Printf("Suite %q: %d scenarios against %s\n\n", suite.Name, len(suite.Scenarios), cfg.Tester.PrepareURL)
	}

	started := time.Now()
	var runErr error
	if only >= 0 {
		runErr = eng.RunOne(ctx, only)
	} else {
		runErr = eng.Run(ctx)
	}
	cancelled := errors.Is(runErr, context.Canceled)
	if runErr != nil && !cancelled {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		return 1
	}

	records := eng.Scenarios()
	if only >= 0 {
		records = records[only : only+1]
	}

	if jsonOutput {
		out, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding results: %v\n", err)
			return 1
		}
		fmt.Println(string(out))
	}

	passed, failed, pending := tally(records)
	if !jsonOutput {
		fmt.Printf("\n%d scenarios: %d passed, %d failed", len(records), passed, failed)
		if pending > 0 {
			fmt.Printf(", %d not run", pending)
		}
		fmt.Printf(" (%s)\n", time.Since(started).Round(time.Millisecond))
	}

	if cancelled {
		fmt.Fprintln(os.Stderr, "Run cancelled.")
		return 1
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func applyOverrides(cfg *config.Config) {
	if prepareURL != "" {
		cfg.Tester.PrepareURL = prepareURL
	}
	if completeURL != "" {
		cfg.Tester.CompleteURL = completeURL
	}
	if qps > 0 {
		cfg.Run.RequestsPerSecond = qps
	}
	if timeout > 0 {
		cfg.Run.RequestTimeout = timeout
	}
}

// consoleCallbacks prints one line per finished scenario, unless JSON
// output was requested.
func consoleCallbacks(total int) engine.Callbacks {
	if jsonOutput {
		return engine.Callbacks{}
	}
	return engine.Callbacks{
		OnScenarioFinish: func(sc *scenario.TestScenario) {
			mark := "ok  "
			detail := fmt.Sprintf("error=%s", sc.ActualErrorCode)
			if sc.Status != scenario.StatusSuccess {
				mark = "FAIL"
				detail = sc.ErrorMessage
			}
			fmt.Printf("[%d/%d] %s  %s  %s (%dms)\n",
				sc.Idx+1, total, mark, describe(sc), detail, sc.DurationMs)
		},
	}
}

// describe names a scenario for the console report.
func describe(sc *scenario.TestScenario) string {
	if sc.Description != "" {
		return sc.Description
	}
	return fmt.Sprintf("%s %s", sc.Action, sc.CorrelationID())
}

func printScenarioList(suite *scenario.Suite) {
	fmt.Printf("Suite %q", suite.Name)
	if suite.Description != "" {
		fmt.Printf(" - %s", suite.Description)
	}
	fmt.Printf("\n%d scenarios:\n\n", len(suite.Scenarios))

	fmt.Printf("  %-4s %-9s %-9s %s\n", "IDX", "ACTION", "EXPECTED", "DESCRIPTION")
	for i, def := range suite.Scenarios {
		desc := def.Description
		if desc == "" {
			desc = "-"
		}
		fmt.Printf("  %-4d %-9s %-9d %s\n", i, def.Action, def.ExpectedErrorCode, desc)
	}
}

func tally(records []*scenario.TestScenario) (passed, failed, pending int) {
	for _, sc := range records {
		switch sc.Status {
		case scenario.StatusSuccess:
			passed++
		case scenario.StatusError:
			failed++
		default:
			pending++
		}
	}
	return passed, failed, pending
}
