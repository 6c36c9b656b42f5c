// Package relay implements the forwarding server the dispatcher can route
// through when the endpoint under test is not directly reachable from the
// tester's network. The real destination travels in the X-Relay-Target
// header; the reply mirrors the upstream status, body and content type and
// reports the final upstream URL in X-Relay-Effective-Url.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clickpay/clickconform/internal/dispatch"
	"github.com/clickpay/clickconform/internal/logger"
)

// Config holds relay server configuration.
type Config struct {
	// Listen is the address the relay binds to.
	// Default: 127.0.0.1:9090
	Listen string

	// Timeout bounds each upstream exchange. Default: 30s.
	Timeout time.Duration

	// AllowedHosts restricts which upstream hosts may be targeted. Empty
	// allows any host; a relay on a shared network should set this.
	AllowedHosts []string

	// MaxBodySize caps request and response bodies. Default: 1MB.
	MaxBodySize int64
}

// DefaultConfig returns the default relay configuration.
func DefaultConfig() Config {
	return Config{
		Listen:      "127.0.0.1:9090",
		Timeout:     30 * time.Second,
		MaxBodySize: 1 << 20,
	}
}

// Server forwards dispatches to their real target.
type Server struct {
	mu sync.Mutex

	cfg    Config
	log    *zap.Logger
	client *http.Client
	engine *gin.Engine

	server  *http.Server
	ln      net.Listener
	running bool
}

// New creates a relay server. The HTTP endpoint is not served until Start
// is called; Handler exposes the routes for in-process use.
func New(cfg Config, log *zap.Logger) *Server {
	if cfg.Listen == "" {
		cfg.Listen = DefaultConfig().Listen
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		cfg:    cfg,
		log:    log,
		client: &http.Client{Timeout: cfg.Timeout},
	}

	engine := gin.New()
	engine.Use(logger.Recovery(log))
	engine.Use(logger.GinMiddleware(log))
	engine.Use(corsHeaders())

	engine.POST("/", s.relay)
	engine.POST("/relay", s.relay)
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().Format(time.RFC3339)})
	})

	s.engine = engine
	return s
}

// Handler returns the relay's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// relay forwards one request to the host named in the target header and
// mirrors the upstream reply, whatever its status.
func (s *Server) relay(c *gin.Context) {
	target := c.GetHeader(dispatch.RelayTargetHeader)
	if target == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + dispatch.RelayTargetHeader + " header"})
		return
	}

	parsed, err := url.Parse(target)
	if err != nil || parsed.Scheme != "http" && parsed.Scheme != "https" || parsed.Host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid relay target %q", target)})
		return
	}
	if !s.hostAllowed(parsed.Hostname()) {
		s.log.Warn("relay target rejected", zap.String("target", target))
		c.JSON(http.StatusForbidden, gin.H{"error": fmt.Sprintf("relay target host %q is not allowed", parsed.Hostname())})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, s.cfg.MaxBodySize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reading request body: " + err.Error()})
		return
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "building upstream request: " + err.Error()})
		return
	}
	if ct := c.ContentType(); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if accept := c.GetHeader("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		kind := dispatch.Classify(err)
		s.log.Warn("relay upstream failed",
			zap.String("target", target),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("upstream %s failure: %v", kind, err)})
		return
	}
	defer resp.Body.Close()

	upstream, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxBodySize))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "reading upstream body: " + err.Error()})
		return
	}

	s.log.Info("request relayed",
		zap.String("target", target),
		zap.String("effective_url", resp.Request.URL.String()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	c.Header(dispatch.RelayEffectiveURLHeader, resp.Request.URL.String())
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), upstream)
}

// corsHeaders answers browser callers permissively. The relay exists so
// browser-hosted testers can reach cross-origin gateways, so it cannot be
// origin-restrictive itself.
func corsHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Accept, "+dispatch.RelayTargetHeader)
		c.Header("Access-Control-Expose-Headers", dispatch.RelayEffectiveURLHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// hostAllowed checks the upstream host against the allowlist. An empty
// allowlist allows everything.
func (s *Server) hostAllowed(host string) bool {
	if len(s.cfg.AllowedHosts) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedHosts {
		if host == allowed {
			return true
		}
	}
	return false
}

// Start binds the listen address and serves the relay.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("starting relay server: %w", err)
	}
	s.ln = ln

	s.server = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("relay server failed", zap.Error(err))
		}
	}()

	s.running = true
	s.log.Info("relay server started", zap.String("address", s.Address()))
	return nil
}

// Stop shuts the relay down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Address returns the relay's base URL. Once started it reflects the
// bound listener, so a :0 listen address resolves to the real port.
func (s *Server) Address() string {
	if s.ln != nil {
		return "http://" + s.ln.Addr().String()
	}
	return "http://" + s.cfg.Listen
}
