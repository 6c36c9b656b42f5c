// Package engine executes scenario sets against a merchant endpoint,
// one scenario at a time, and records per-scenario conformance
// outcomes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clickpay/clickconform/internal/config"
	"github.com/clickpay/clickconform/internal/dispatch"
	"github.com/clickpay/clickconform/internal/history"
	"github.com/clickpay/clickconform/internal/metrics"
	"github.com/clickpay/clickconform/internal/protocol"
	"github.com/clickpay/clickconform/internal/reference"
	"github.com/clickpay/clickconform/internal/request"
	"github.com/clickpay/clickconform/internal/scenario"
)

var (
	// ErrRunInProgress is returned when a run is started while another
	// one is still executing.
	ErrRunInProgress = errors.New("engine: run already in progress")

	// ErrEmptySet is returned when a run is started with no scenarios
	// loaded.
	ErrEmptySet = errors.New("engine: no scenarios loaded")

	// ErrUnknownScenario is returned when a single-scenario run names an
	// index outside the loaded set.
	ErrUnknownScenario = errors.New("engine: unknown scenario index")
)

// SettingsFunc supplies the tester settings. It is called fresh for
// every scenario build, so settings edits take effect mid-run.
type SettingsFunc func() config.TesterSettings

// Callbacks deliver run progress to an observer. Nil fields are
// skipped.
type Callbacks struct {
	OnScenarioStart  func(sc *scenario.TestScenario)
	OnScenarioFinish func(sc *scenario.TestScenario)
	OnRunFinish      func(set []*scenario.TestScenario)
}

// Config wires an engine together.
type Config struct {
	// Logger receives structured run events. Defaults to a no-op logger.
	Logger *zap.Logger

	// Settings supplies tester settings per scenario build. Required.
	Settings SettingsFunc

	// Builder assembles outbound payloads. Required.
	Builder *request.Builder

	// Dispatcher performs the HTTP exchanges. Required.
	Dispatcher *dispatch.Dispatcher

	// Metrics is an optional Prometheus exporter.
	Metrics *metrics.Exporter

	// History is an optional run store; full runs are persisted there,
	// cancelled or not.
	History *history.Store

	// RequestsPerSecond paces full runs. Zero disables pacing.
	RequestsPerSecond float64

	// Callbacks observe per-scenario progress.
	Callbacks Callbacks
}

// Engine executes scenarios strictly sequentially. Scenario N+1 may
// reference scenario N's response, so dispatches never overlap.
//
// The reference table and the prepare-id chain deliberately survive
// between runs: a single-scenario replay resolves placeholders against
// results captured by the last full run.
type Engine struct {
	log        *zap.Logger
	settings   SettingsFunc
	builder    *request.Builder
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Exporter
	store      *history.Store
	limiter    *rate.Limiter
	callbacks  Callbacks

	running atomic.Bool

	suite string
	set   []*scenario.TestScenario
	refs  *reference.Table
	chain *request.Chain
}

// New validates the wiring and creates an engine with no scenarios
// loaded.
func New(cfg Config) (*Engine, error) {
	if cfg.Settings == nil {
		return nil, errors.New("engine: settings source is required")
	}
	if cfg.Builder == nil {
		return nil, errors.New("engine: request builder is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("engine: dispatcher is required")
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Engine{
		log:        log,
		settings:   cfg.Settings,
		builder:    cfg.Builder,
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		store:      cfg.History,
		limiter:    limiter,
		callbacks:  cfg.Callbacks,
		refs:       reference.NewTable(),
	}, nil
}

// Load replaces the scenario set. The set cannot change during a run.
func (e *Engine) Load(suite string, defs []scenario.Definition) error {
	if e.running.Load() {
		return ErrRunInProgress
	}
	e.suite = suite
	e.set = scenario.NewSet(defs)
	e.refs = reference.BuildTable(e.set)
	e.chain = nil
	return nil
}

// Scenarios returns the loaded set. The engine is the sole writer of
// the result fields while a run is executing.
func (e *Engine) Scenarios() []*scenario.TestScenario {
	return e.set
}

// Running reports whether a run is currently executing.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Run executes every loaded scenario in ascending idx order. Starting a
// run while one is executing is rejected with ErrRunInProgress. The
// returned error covers pre-run configuration problems and
// cancellation; per-scenario failures land in the scenario records and
// never abort the run.
//
// Cancellation is checked before each scenario and again after each
// completion. An in-flight request is never aborted; scenarios that
// were not reached stay queued.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	defer e.running.Store(false)

	settings, err := e.preflight()
	if err != nil {
		e.log.Error("run rejected", zap.Error(err))
		return err
	}

	for _, sc := range e.set {
		sc.Arm()
	}
	// Every full run starts the prepare-id chain over from the
	// configured preset.
	e.chain = request.NewChain(settings.PresetMerchantPrepareID)
	e.refs = reference.BuildTable(e.set)

	startedAt := time.Now()
	e.log.Info("run started",
		zap.String("suite", e.suite),
		zap.Int("scenarios", len(e.set)),
	)
	if e.metrics != nil {
		e.metrics.RunStarted(len(e.set))
	}

	var cancelled bool
	for i, sc := range e.set {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				cancelled = true
				break
			}
		}

		e.runScenario(ctx, sc)

		if e.metrics != nil {
			e.metrics.SetQueueDepth(len(e.set) - i - 1)
		}
		if ctx.Err() != nil {
			cancelled = true
			break
		}
	}

	finishedAt := time.Now()
	if e.metrics != nil {
		e.metrics.RunFinished()
	}
	e.saveHistory(ctx, startedAt, finishedAt)

	succeeded, failed := e.tally()
	if cancelled {
		e.log.Warn("run cancelled",
			zap.Int("succeeded", succeeded),
			zap.Int("failed", failed),
			zap.Int("pending", len(e.set)-succeeded-failed),
		)
	} else {
		e.log.Info("run finished",
			zap.Int("succeeded", succeeded),
			zap.Int("failed", failed),
			zap.Duration("elapsed", finishedAt.Sub(startedAt)),
		)
	}
	if e.callbacks.OnRunFinish != nil {
		e.callbacks.OnRunFinish(e.set)
	}

	if cancelled {
		return ctx.Err()
	}
	return nil
}

// RunOne executes a single scenario by index through the same code path
// as a full run. The reference table and prepare-id chain are shared
// with previous runs, so a complete replayed after a full run still
// picks up the captured prepare id.
func (e *Engine) RunOne(ctx context.Context, idx int) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	defer e.running.Store(false)

	settings, err := e.preflight()
	if err != nil {
		e.log.Error("run rejected", zap.Error(err))
		return err
	}
	if idx < 0 || idx >= len(e.set) {
		return fmt.Errorf("%w: %d", ErrUnknownScenario, idx)
	}
	if e.chain == nil {
		e.chain = request.NewChain(settings.PresetMerchantPrepareID)
	}

	sc := e.set[idx]
	sc.Arm()
	// Rebuild so the scenario sees the latest captured state of the
	// rest of the set.
	e.refs = reference.BuildTable(e.set)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	e.runScenario(ctx, sc)

	if e.callbacks.OnRunFinish != nil {
		e.callbacks.OnRunFinish(e.set[idx : idx+1])
	}
	return nil
}

// preflight runs the pre-run configuration checks.
func (e *Engine) preflight() (config.TesterSettings, error) {
	settings := e.settings()
	if len(e.set) == 0 {
		return settings, ErrEmptySet
	}
	if err := settings.Validate(); err != nil {
		return settings, err
	}
	return settings, nil
}

func (e *Engine) runScenario(ctx context.Context, sc *scenario.TestScenario) {
	settings := e.settings()

	sc.Begin(time.Now())
	if e.callbacks.OnScenarioStart != nil {
		e.callbacks.OnScenarioStart(sc)
	}

	built := e.builder.Build(sc, &settings, e.chain, e.refs)
	sc.ResolvedPost = built.ResolvedPost
	sc.RequestPayload = built.Payload
	// The scenario's own outbound fields become referenceable before the
	// wire call; its response follows after completion.
	e.refs.Register(built.CorrelationID, built.ResolvedPost, built.Payload)

	e.log.Debug("scenario dispatching",
		zap.Int("idx", sc.Idx),
		zap.String("action", string(sc.Action)),
		zap.String("correlation_id", built.CorrelationID),
		zap.String("merchant_prepare_id", built.MerchantPrepareIDUsed),
		zap.String("url", built.URL),
	)

	// Cancellation only prevents the next scenario from starting; the
	// in-flight exchange always runs to completion. Hanging endpoints are
	// bounded by the dispatcher timeout, not the run context.
	result, err := e.dispatcher.Send(context.WithoutCancel(ctx), built.URL, built.Payload, dispatch.Attempt{
		ScenarioIdx:   sc.Idx,
		CorrelationID: built.CorrelationID,
	})

	var (
		status     scenario.Status
		httpStatus int
		elapsed    time.Duration
	)

	if result != nil {
		httpStatus = result.Status
		elapsed = result.Duration
		sc.RawResponse = string(result.Body)
	} else {
		elapsed = time.Since(sc.StartedAt)
	}

	if err != nil {
		// Transport or HTTP failure. A non-2xx body is kept as raw text
		// but never interpreted as a gateway reply.
		status = scenario.StatusError
		sc.ErrorMessage = err.Error()
	} else {
		status = e.evaluate(sc, built, result.Body)
	}

	sc.Finish(status, time.Now())

	if e.metrics != nil {
		e.metrics.ObserveScenario(string(sc.Action), string(status), httpStatus, elapsed)
	}

	if status == scenario.StatusSuccess {
		e.log.Info("scenario succeeded",
			zap.Int("idx", sc.Idx),
			zap.String("action", string(sc.Action)),
			zap.String("error_code", sc.ActualErrorCode),
			zap.Int64("duration_ms", sc.DurationMs),
		)
	} else {
		e.log.Warn("scenario failed",
			zap.Int("idx", sc.Idx),
			zap.String("action", string(sc.Action)),
			zap.String("reason", sc.ErrorMessage),
			zap.Int64("duration_ms", sc.DurationMs),
		)
	}

	if e.callbacks.OnScenarioFinish != nil {
		e.callbacks.OnScenarioFinish(sc)
	}
}

// evaluate interprets a 2xx body as a gateway reply and applies the
// conformance checks. The prepare-id chain and the reference table are
// updated on any parseable reply, whatever the final status.
func (e *Engine) evaluate(sc *scenario.TestScenario, built *request.Result, body []byte) scenario.Status {
	reply, err := protocol.Parse(body)
	if err != nil {
		sc.ErrorMessage = fmt.Sprintf("response is not a JSON object: %q", preview(body, 120))
		return scenario.StatusError
	}

	sc.Response = reply.Fields
	e.refs.SetResponse(built.CorrelationID, reply.Fields)

	if sc.Action == scenario.ActionPrepare && reply.MerchantPrepareID != "" {
		e.chain.Observe(built.CorrelationID, reply.MerchantPrepareID)
	}

	if reply.ErrorCodePresent {
		if reply.HasErrorCode {
			sc.ActualErrorCode = strconv.FormatInt(reply.ErrorCode, 10)
		} else {
			sc.ActualErrorCode = reply.ErrorCodeText
		}
	}

	if reply.ExplicitFailure() {
		msg := "endpoint reported success=false"
		if reply.Message != "" {
			msg += ": " + reply.Message
		}
		sc.ErrorMessage = msg
		return scenario.StatusError
	}
	if !reply.ErrorCodePresent {
		sc.ErrorMessage = "reply has no error field"
		return scenario.StatusError
	}
	if !reply.HasErrorCode {
		sc.ErrorMessage = fmt.Sprintf("error field %q is not numeric", reply.ErrorCodeText)
		return scenario.StatusError
	}
	if reply.ErrorCode != int64(sc.ExpectedErrorCode) {
		msg := fmt.Sprintf("expected error %d, endpoint returned %d", sc.ExpectedErrorCode, reply.ErrorCode)
		if reply.Message != "" {
			msg += ": " + reply.Message
		}
		sc.ErrorMessage = msg
		return scenario.StatusError
	}
	return scenario.StatusSuccess
}

// saveHistory persists the run outcome. The record must survive run
// cancellation, so the save context is detached from the run context.
func (e *Engine) saveHistory(ctx context.Context, startedAt, finishedAt time.Time) {
	if e.store == nil {
		return
	}
	rec := history.NewRunRecord(e.suite, e.set, startedAt, finishedAt)

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := e.store.SaveRun(saveCtx, rec); err != nil {
		e.log.Warn("saving run history failed", zap.Error(err))
		return
	}
	e.log.Debug("run history saved", zap.String("run_id", rec.ID.String()))
}

func (e *Engine) tally() (succeeded, failed int) {
	for _, sc := range e.set {
		switch sc.Status {
		case scenario.StatusSuccess:
			succeeded++
		case scenario.StatusError:
			failed++
		}
	}
	return succeeded, failed
}

func preview(body []byte, n int) string {
	s := strings.TrimSpace(string(body))
	if len(s) > n {
		s = s[:n] + "..."
	}
	return s
}
