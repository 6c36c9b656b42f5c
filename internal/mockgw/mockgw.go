// Package mockgw implements a merchant gateway the tester can run against
// without a real integration: it verifies inbound signatures, validates
// amounts, issues sequential prepare ids and answers with the protocol's
// JSON reply shape. All protocol failures are reported with HTTP 200 and a
// negative error code, the way live gateways do, so conformance scenarios
// exercise protocol errors rather than transport errors.
package mockgw

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/clickpay/clickconform/internal/logger"
	"github.com/clickpay/clickconform/internal/protocol"
	"github.com/clickpay/clickconform/internal/signature"
)

// Gateway error codes, as the protocol defines them.
const (
	CodeSuccess            = 0
	CodeSignCheckFailed    = -1
	CodeIncorrectAmount    = -2
	CodeAlreadyPaid        = -4
	CodeTransactionMissing = -6
	CodeBadRequest         = -8
	CodeCancelled          = -9
)

// Signature action values for the two protocol steps.
const (
	actionPrepare  = "prepare"
	actionComplete = "complete"
)

// noteFor maps an error code to its protocol note.
func noteFor(code int) string {
	switch code {
	case CodeSuccess:
		return "Success"
	case CodeSignCheckFailed:
		return "SIGN CHECK FAILED!"
	case CodeIncorrectAmount:
		return "Incorrect parameter amount"
	case CodeAlreadyPaid:
		return "Already paid"
	case CodeTransactionMissing:
		return "Transaction does not exist"
	case CodeBadRequest:
		return "Error in request from click"
	case CodeCancelled:
		return "Transaction cancelled"
	}
	return "Unknown error"
}

// Config holds mock gateway configuration.
type Config struct {
	// Listen is the address the gateway binds to.
	// Default: 127.0.0.1:8089
	Listen string

	// ServiceID is the only service the gateway accepts. Empty accepts any.
	ServiceID string

	// SecretKey verifies inbound signatures. Empty disables the signature
	// check, for suites that exercise other failure paths.
	SecretKey string

	// ExpectedAmount, when non-empty, is the only amount the gateway
	// accepts. Compared numerically, so "100" and "100.00" match.
	ExpectedAmount string

	// PrepareIDBase seeds the sequential prepare id counter.
	// Default: 1000.
	PrepareIDBase int64
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		Listen:        "127.0.0.1:8089",
		PrepareIDBase: 1000,
	}
}

// paymentState tracks a transaction through the two protocol steps.
type paymentState int

const (
	statePrepared paymentState = iota
	stateConfirmed
	stateCancelled
)

// payment is one transaction the gateway has seen.
type payment struct {
	clickTransID    string
	merchantTransID string
	amount          decimal.Decimal
	prepareID       int64
	confirmID       string
	state           paymentState
}

// reply is the gateway's JSON answer.
type reply struct {
	ClickTransID      string `json:"click_trans_id"`
	MerchantTransID   string `json:"merchant_trans_id"`
	MerchantPrepareID string `json:"merchant_prepare_id,omitempty"`
	MerchantConfirmID string `json:"merchant_confirm_id,omitempty"`
	Error             int    `json:"error"`
	ErrorNote         string `json:"error_note"`
}

// Server is the mock merchant gateway.
type Server struct {
	cfg   Config
	log   *zap.Logger
	faker *gofakeit.Faker

	nextID atomic.Int64

	mu       sync.Mutex
	payments map[string]*payment // keyed by click_trans_id

	engine  *gin.Engine
	server  *http.Server
	ln      net.Listener
	srvMu   sync.Mutex
	running bool
}

// New creates a mock gateway. The HTTP endpoint is not served until Start
// is called; Handler exposes the routes for in-process use.
func New(cfg Config, log *zap.Logger) *Server {
	if cfg.Listen == "" {
		cfg.Listen = DefaultConfig().Listen
	}
	if cfg.PrepareIDBase == 0 {
		cfg.PrepareIDBase = DefaultConfig().PrepareIDBase
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		cfg:      cfg,
		log:      log,
		faker:    gofakeit.New(0),
		payments: make(map[string]*payment),
	}
	s.nextID.Store(cfg.PrepareIDBase)

	engine := gin.New()
	engine.Use(logger.Recovery(log))
	engine.Use(logger.GinMiddleware(log))

	engine.POST("/prepare", s.prepare)
	engine.POST("/complete", s.complete)
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().Format(time.RFC3339)})
	})

	s.engine = engine
	return s
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Payments returns how many transactions the gateway has seen.
func (s *Server) Payments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payments)
}

// prepare reserves a payment and hands out the prepare id the complete
// step must present. Repeating a prepare for a known click_trans_id
// returns the already-issued id.
func (s *Server) prepare(c *gin.Context) {
	f := s.form(c)

	if code := s.checkRequest(f, actionPrepare); code != CodeSuccess {
		s.answer(c, f, code, "")
		return
	}

	amount, code := s.checkAmount(f[protocol.FieldAmount])
	if code != CodeSuccess {
		s.answer(c, f, code, "")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := f[protocol.FieldClickTransID]
	if p, ok := s.payments[id]; ok && p.state != stateCancelled {
		s.answer(c, f, CodeSuccess, strconv.FormatInt(p.prepareID, 10))
		return
	}

	p := &payment{
		clickTransID:    id,
		merchantTransID: f[protocol.FieldMerchantTransID],
		amount:          amount,
		prepareID:       s.nextID.Add(1),
		state:           statePrepared,
	}
	s.payments[id] = p

	s.log.Info("payment prepared",
		zap.String("click_trans_id", p.clickTransID),
		zap.String("merchant_trans_id", p.merchantTransID),
		zap.Int64("merchant_prepare_id", p.prepareID),
		zap.String("amount", p.amount.String()),
	)
	s.answer(c, f, CodeSuccess, strconv.FormatInt(p.prepareID, 10))
}

// complete confirms a prepared payment. A negative inbound error field
// signals upstream failure and cancels the transaction instead.
func (s *Server) complete(c *gin.Context) {
	f := s.form(c)

	if code := s.checkRequest(f, actionComplete); code != CodeSuccess {
		s.answer(c, f, code, "")
		return
	}

	if _, code := s.checkAmount(f[protocol.FieldAmount]); code != CodeSuccess {
		s.answer(c, f, code, "")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prepareID := f[protocol.FieldMerchantPrepareID]
	p := s.findByPrepareID(prepareID)
	if p == nil {
		s.answer(c, f, CodeTransactionMissing, prepareID)
		return
	}

	if code, _ := strconv.Atoi(f[protocol.FieldError]); code < 0 {
		p.state = stateCancelled
		s.log.Info("payment cancelled",
			zap.String("click_trans_id", p.clickTransID),
			zap.Int("upstream_error", code),
		)
		s.answer(c, f, CodeCancelled, prepareID)
		return
	}

	if p.state == stateConfirmed {
		s.answer(c, f, CodeAlreadyPaid, prepareID)
		return
	}
	if p.state == stateCancelled {
		s.answer(c, f, CodeCancelled, prepareID)
		return
	}

	p.state = stateConfirmed
	p.confirmID = s.faker.DigitN(12)

	s.log.Info("payment confirmed",
		zap.String("click_trans_id", p.clickTransID),
		zap.String("merchant_prepare_id", prepareID),
		zap.String("merchant_confirm_id", p.confirmID),
	)

	c.JSON(http.StatusOK, reply{
		ClickTransID:      f[protocol.FieldClickTransID],
		MerchantTransID:   f[protocol.FieldMerchantTransID],
		MerchantPrepareID: prepareID,
		MerchantConfirmID: p.confirmID,
		Error:             CodeSuccess,
		ErrorNote:         noteFor(CodeSuccess),
	})
}

// form flattens the POST form into a plain map.
func (s *Server) form(c *gin.Context) map[string]string {
	_ = c.Request.ParseForm()
	f := make(map[string]string, len(c.Request.PostForm))
	for k, v := range c.Request.PostForm {
		if len(v) > 0 {
			f[k] = v[0]
		}
	}
	return f
}

// checkRequest validates the required protocol fields and the signature.
func (s *Server) checkRequest(f map[string]string, action string) int {
	required := []string{
		protocol.FieldClickTransID,
		protocol.FieldServiceID,
		protocol.FieldMerchantTransID,
		protocol.FieldAmount,
		protocol.FieldSignTime,
		protocol.FieldSignString,
	}
	if action == actionComplete {
		required = append(required, protocol.FieldMerchantPrepareID)
	}
	for _, field := range required {
		if f[field] == "" {
			s.log.Warn("request missing field", zap.String("field", field))
			return CodeBadRequest
		}
	}

	if s.cfg.ServiceID != "" && f[protocol.FieldServiceID] != s.cfg.ServiceID {
		s.log.Warn("unknown service id", zap.String("service_id", f[protocol.FieldServiceID]))
		return CodeBadRequest
	}

	if s.cfg.SecretKey != "" {
		prepareID := ""
		if action == actionComplete {
			prepareID = f[protocol.FieldMerchantPrepareID]
		}
		want := signature.Sign(signature.Input{
			ClickTransID:      f[protocol.FieldClickTransID],
			ServiceID:         f[protocol.FieldServiceID],
			SecretKey:         s.cfg.SecretKey,
			MerchantTransID:   f[protocol.FieldMerchantTransID],
			MerchantPrepareID: prepareID,
			Amount:            f[protocol.FieldAmount],
			Action:            action,
			SignTime:          f[protocol.FieldSignTime],
		})
		if f[protocol.FieldSignString] != want {
			s.log.Warn("signature mismatch",
				zap.String("click_trans_id", f[protocol.FieldClickTransID]),
				zap.String("action", action),
			)
			return CodeSignCheckFailed
		}
	}
	return CodeSuccess
}

// checkAmount parses and validates the amount field. Comparison against
// the expected amount is numeric, so trailing zeros never matter.
func (s *Server) checkAmount(raw string) (decimal.Decimal, int) {
	amount, err := decimal.NewFromString(raw)
	if err != nil || !amount.IsPositive() {
		return decimal.Zero, CodeIncorrectAmount
	}
	if s.cfg.ExpectedAmount != "" {
		expected, err := decimal.NewFromString(s.cfg.ExpectedAmount)
		if err == nil && !amount.Equal(expected) {
			return decimal.Zero, CodeIncorrectAmount
		}
	}
	return amount, CodeSuccess
}

// findByPrepareID scans for the payment holding a prepare id. Callers hold
// the mutex.
func (s *Server) findByPrepareID(raw string) *payment {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	for _, p := range s.payments {
		if p.prepareID == id {
			return p
		}
	}
	return nil
}

// answer writes the standard reply shape for non-confirm outcomes.
func (s *Server) answer(c *gin.Context, f map[string]string, code int, prepareID string) {
	c.JSON(http.StatusOK, reply{
		ClickTransID:      f[protocol.FieldClickTransID],
		MerchantTransID:   f[protocol.FieldMerchantTransID],
		MerchantPrepareID: prepareID,
		Error:             code,
		ErrorNote:         noteFor(code),
	})
}

// Start binds the listen address and serves the gateway.
func (s *Server) Start() error {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()

	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("starting mock gateway: %w", err)
	}
	s.ln = ln

	s.server = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("mock gateway failed", zap.Error(err))
		}
	}()

	s.running = true
	s.log.Info("mock gateway started", zap.String("address", s.Address()))
	return nil
}

// Stop shuts the gateway down.
func (s *Server) Stop(ctx context.Context) error {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Address returns the gateway's base URL. Once started it reflects the
// bound listener, so a :0 listen address resolves to the real port.
func (s *Server) Address() string {
	if s.ln != nil {
		return "http://" + s.ln.Addr().String()
	}
	return "http://" + s.cfg.Listen
}
