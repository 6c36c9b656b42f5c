// Package dispatch performs the network call for one built request. It
// encodes the payload as a form POST, optionally routes it through a
// relay server, classifies transport failures and records every attempt
// on the audit trail.
package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/clickpay/clickconform/internal/audit"
)

// Relay headers shared with the relay server.
const (
	// RelayTargetHeader carries the real destination URL when a request is
	// routed through the relay.
	RelayTargetHeader = "X-Relay-Target"
	// RelayEffectiveURLHeader reports the URL the relay ended up talking
	// to, after redirects.
	RelayEffectiveURLHeader = "X-Relay-Effective-Url"
)

// ErrEmptyURL is returned when a dispatch is attempted without a target.
var ErrEmptyURL = errors.New("dispatch: empty target url")

// FailureKind classifies a transport-level failure by its likely cause.
type FailureKind string

const (
	FailureDNS        FailureKind = "dns"
	FailureConnection FailureKind = "connection"
	FailureTLS        FailureKind = "tls"
	FailureTimeout    FailureKind = "timeout"
	FailureNetwork    FailureKind = "network"
)

// Error describes a failed dispatch. HTTP failures carry the status and a
// body preview; transport failures carry a classification and the
// underlying error.
type Error struct {
	// Kind is set for transport failures.
	Kind FailureKind

	// Status is set for non-2xx HTTP replies.
	Status int

	// Preview is a truncated copy of the reply body.
	Preview string

	// ServerMessage is the message field from a JSON error reply, when
	// the server sent one.
	ServerMessage string

	Err error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		msg := fmt.Sprintf("dispatch: http %d (%s)", e.Status, http.StatusText(e.Status))
		switch {
		case e.ServerMessage != "":
			return msg + ": " + e.ServerMessage
		case e.Preview != "":
			return msg + ": " + e.Preview
		}
		return msg
	}
	return fmt.Sprintf("dispatch: %s failure: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config holds dispatcher configuration.
type Config struct {
	// Timeout bounds each request end to end. Zero disables the timeout.
	// Default: 0.
	Timeout time.Duration

	// RelayURL, when non-empty, routes every request through the relay
	// server with the real target in the X-Relay-Target header.
	// Default: "".
	RelayURL string

	// TLSSkipVerify disables certificate verification, for endpoints with
	// self-signed certificates. Default: false.
	TLSSkipVerify bool

	// PreviewSize caps the body preview carried in errors and audit
	// entries. Default: 512.
	PreviewSize int

	// MaxBodySize caps how much of a reply body is read. Default: 1MB.
	MaxBodySize int64
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		PreviewSize: 512,
		MaxBodySize: 1 << 20,
	}
}

// Attempt identifies the scenario an exchange belongs to, for the audit
// trail.
type Attempt struct {
	ScenarioIdx   int
	CorrelationID string
}

// Result is one completed HTTP exchange, 2xx or not.
type Result struct {
	Status        int
	StatusText    string
	ContentType   string
	Body          []byte
	EffectiveURL  string
	Redirected    bool
	RedirectChain []string
	Duration      time.Duration
}

// Dispatcher sends built requests.
type Dispatcher struct {
	client *http.Client
	cfg    Config
	trail  *audit.Trail
}

// New creates a dispatcher. A nil trail gets a private one so auditing
// never has to be conditional.
func New(cfg Config, trail *audit.Trail) *Dispatcher {
	if cfg.PreviewSize <= 0 {
		cfg.PreviewSize = DefaultConfig().PreviewSize
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}
	if trail == nil {
		trail = audit.NewTrail(0)
	}

	transport := &http.Transport{
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify},
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Dispatcher{
		client: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		cfg:    cfg,
		trail:  trail,
	}
}

// Trail returns the audit trail the dispatcher writes to.
func (d *Dispatcher) Trail() *audit.Trail {
	return d.trail
}

// Send POSTs the payload to target as a form body and returns the
// exchange. Non-2xx replies return both the Result and an *Error so the
// caller can still inspect the body. Transport failures return a
// classified *Error and no Result.
func (d *Dispatcher) Send(ctx context.Context, target string, payload map[string]string, att Attempt) (*Result, error) {
	if target == "" {
		d.trail.Append(audit.Entry{
			Kind:          audit.KindError,
			ScenarioIdx:   att.ScenarioIdx,
			CorrelationID: att.CorrelationID,
			Detail:        ErrEmptyURL.Error(),
		})
		return nil, ErrEmptyURL
	}

	form := url.Values{}
	for k, v := range payload {
		form.Set(k, v)
	}

	requestURL := target
	if d.cfg.RelayURL != "" {
		requestURL = d.cfg.RelayURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, strings.NewReader(form.Encode()))
	if err != nil {
		derr := &Error{Kind: FailureNetwork, Err: err}
		d.appendError(att, target, derr)
		return nil, derr
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "clickconform")
	if d.cfg.RelayURL != "" {
		req.Header.Set(RelayTargetHeader, target)
	}

	d.trail.Append(audit.Entry{
		Kind:          audit.KindRequest,
		ScenarioIdx:   att.ScenarioIdx,
		CorrelationID: att.CorrelationID,
		URL:           target,
	})

	start := time.Now()
	resp, err := d.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		derr := &Error{Kind: Classify(err), Err: err}
		d.appendError(att, target, derr)
		return nil, derr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.cfg.MaxBodySize))
	if err != nil {
		derr := &Error{Kind: Classify(err), Err: fmt.Errorf("reading response body: %w", err)}
		d.appendError(att, target, derr)
		return nil, derr
	}

	result := &Result{
		Status:        resp.StatusCode,
		StatusText:    http.StatusText(resp.StatusCode),
		ContentType:   resp.Header.Get("Content-Type"),
		Body:          body,
		EffectiveURL:  d.effectiveURL(resp, target),
		RedirectChain: redirectChain(resp),
		Duration:      duration,
	}
	result.Redirected = len(result.RedirectChain) > 0

	d.trail.Append(audit.Entry{
		Kind:          audit.KindResponse,
		ScenarioIdx:   att.ScenarioIdx,
		CorrelationID: att.CorrelationID,
		URL:           result.EffectiveURL,
		Status:        result.Status,
		Detail:        truncate(body, d.cfg.PreviewSize),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result, &Error{
			Status:        resp.StatusCode,
			Preview:       truncate(body, d.cfg.PreviewSize),
			ServerMessage: serverMessage(body),
		}
	}
	return result, nil
}

func (d *Dispatcher) appendError(att Attempt, target string, derr *Error) {
	d.trail.Append(audit.Entry{
		Kind:          audit.KindError,
		ScenarioIdx:   att.ScenarioIdx,
		CorrelationID: att.CorrelationID,
		URL:           target,
		Detail:        derr.Error(),
	})
}

// effectiveURL is the URL the exchange really landed on. Through the
// relay that is whatever the relay reports, falling back to the original
// target.
func (d *Dispatcher) effectiveURL(resp *http.Response, target string) string {
	if d.cfg.RelayURL != "" {
		if effective := resp.Header.Get(RelayEffectiveURLHeader); effective != "" {
			return effective
		}
		return target
	}
	return resp.Request.URL.String()
}

// redirectChain reconstructs the URLs visited before the final response,
// oldest first.
func redirectChain(resp *http.Response) []string {
	var chain []string
	for r := resp.Request.Response; r != nil; r = r.Request.Response {
		chain = append(chain, r.Request.URL.String())
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// Classify maps a transport error to its likely cause.
func Classify(err error) FailureKind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailureDNS
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return FailureTLS
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return FailureTLS
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FailureConnection
	}

	return FailureNetwork
}

// serverMessage extracts a human-readable message from a JSON error
// reply.
func serverMessage(body []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}
	if s, ok := obj["message"].(string); ok && s != "" {
		return s
	}
	if s, ok := obj["error_note"].(string); ok && s != "" {
		return s
	}
	return ""
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
