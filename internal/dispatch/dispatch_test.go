package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clickpay/clickconform/internal/audit"
)

func testPayload() map[string]string {
	return map[string]string{
		"click_trans_id":    "990000001",
		"service_id":        "12345",
		"merchant_trans_id": "order-225",
		"amount":            "1000.00",
		"action":            "prepare",
		"sign_time":         "2024-01-02 03:04:05",
		"sign_string":       "74d18ec000ba196c0110057b890ab353",
	}
}

// TestSendPostsFormEncodedPayload tests that the payload reaches the
// server as an application/x-www-form-urlencoded POST.
func TestSendPostsFormEncodedPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "990000001", r.PostForm.Get("click_trans_id"))
		assert.Equal(t, "1000.00", r.PostForm.Get("amount"))
		assert.Equal(t, "prepare", r.PostForm.Get("action"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"error": 0, "error_note": "Ok", "merchant_prepare_id": "55"}`))
	}))
	defer server.Close()

	d := New(DefaultConfig(), nil)
	result, err := d.Send(context.Background(), server.URL, testPayload(), Attempt{ScenarioIdx: 0, CorrelationID: "990000001"})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, "OK", result.StatusText)
	assert.Contains(t, result.ContentType, "application/json")
	assert.Contains(t, string(result.Body), `"merchant_prepare_id"`)
	assert.Equal(t, server.URL, result.EffectiveURL)
	assert.False(t, result.Redirected)
	assert.Empty(t, result.RedirectChain)
	assert.Greater(t, result.Duration, time.Duration(0))
}

// TestSendEmptyURL tests that dispatching without a target fails up
// front and leaves an audit entry.
func TestSendEmptyURL(t *testing.T) {
	trail := audit.NewTrail(10)
	d := New(DefaultConfig(), trail)

	result, err := d.Send(context.Background(), "", testPayload(), Attempt{ScenarioIdx: 2, CorrelationID: "990000001"})
	assert.Nil(t, result)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyURL)

	entries := trail.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.KindError, entries[0].Kind)
	assert.Equal(t, 2, entries[0].ScenarioIdx)
}

// TestSendHTTPErrorCarriesBody tests that a non-2xx reply surfaces the
// status, a body preview and the server's message alongside the result.
func TestSendHTTPErrorCarriesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": -9, "message": "transaction store unavailable"}`))
	}))
	defer server.Close()

	d := New(DefaultConfig(), nil)
	result, err := d.Send(context.Background(), server.URL, testPayload(), Attempt{})
	require.Error(t, err)
	require.NotNil(t, result, "the body must stay inspectable on http errors")

	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, http.StatusInternalServerError, derr.Status)
	assert.Equal(t, "transaction store unavailable", derr.ServerMessage)
	assert.Contains(t, derr.Preview, `"error": -9`)
	assert.Contains(t, derr.Error(), "500")
	assert.Contains(t, derr.Error(), "transaction store unavailable")

	assert.Equal(t, http.StatusInternalServerError, result.Status)
	assert.Contains(t, string(result.Body), "transaction store unavailable")
}

// TestSendHTTPErrorPlainBody tests a non-JSON error reply: the preview is
// kept, no server message is invented.
func TestSendHTTPErrorPlainBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("no such endpoint"))
	}))
	defer server.Close()

	d := New(DefaultConfig(), nil)
	result, err := d.Send(context.Background(), server.URL, testPayload(), Attempt{})
	require.Error(t, err)
	require.NotNil(t, result)

	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, http.StatusNotFound, derr.Status)
	assert.Empty(t, derr.ServerMessage)
	assert.Equal(t, "no such endpoint", derr.Preview)
	assert.Contains(t, derr.Error(), "404")
}

// TestSendBodyPreviewTruncated tests that oversized error bodies are cut
// down to the configured preview size.
func TestSendBodyPreviewTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(strings.Repeat("x", 2000)))
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.PreviewSize = 64
	d := New(cfg, nil)

	_, err := d.Send(context.Background(), server.URL, testPayload(), Attempt{})
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Len(t, derr.Preview, 64+len("..."))
	assert.True(t, strings.HasSuffix(derr.Preview, "..."))
}

// TestSendFollowsRedirects tests that redirects are followed and the
// visited URLs are reported.
func TestSendFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, server.URL+"/new", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"error": 0}`))
	})

	d := New(DefaultConfig(), nil)
	result, err := d.Send(context.Background(), server.URL+"/old", testPayload(), Attempt{})
	require.NoError(t, err)

	assert.True(t, result.Redirected)
	assert.Equal(t, server.URL+"/new", result.EffectiveURL)
	require.Len(t, result.RedirectChain, 1)
	assert.Equal(t, server.URL+"/old", result.RedirectChain[0])
}

// TestSendConnectionRefused tests the classification of a refused
// connection.
func TestSendConnectionRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := "http://" + listener.Addr().String()
	require.NoError(t, listener.Close())

	trail := audit.NewTrail(10)
	d := New(DefaultConfig(), trail)

	result, err := d.Send(context.Background(), target, testPayload(), Attempt{CorrelationID: "990000001"})
	assert.Nil(t, result)
	require.Error(t, err)

	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, FailureConnection, derr.Kind)
	assert.Zero(t, derr.Status)

	entries := trail.Snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, audit.KindRequest, entries[0].Kind)
	assert.Equal(t, audit.KindError, entries[1].Kind)
	assert.Equal(t, "990000001", entries[1].CorrelationID)
}

// TestSendTimeout tests that a stalled endpoint is reported as a timeout
// when a request timeout is configured.
func TestSendTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	d := New(cfg, nil)

	result, err := d.Send(context.Background(), server.URL, testPayload(), Attempt{})
	assert.Nil(t, result)
	require.Error(t, err)

	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, FailureTimeout, derr.Kind)
}

// TestSendThroughRelay tests that relay mode posts to the relay with the
// real target in the header and picks up the effective URL it reports.
func TestSendThroughRelay(t *testing.T) {
	const target = "http://merchant.internal:8080/click/prepare"

	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, target, r.Header.Get(RelayTargetHeader))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "990000001", r.PostForm.Get("click_trans_id"))

		w.Header().Set(RelayEffectiveURLHeader, target)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"error": 0}`))
	}))
	defer relay.Close()

	cfg := DefaultConfig()
	cfg.RelayURL = relay.URL
	d := New(cfg, nil)

	result, err := d.Send(context.Background(), target, testPayload(), Attempt{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.Status)
	assert.Equal(t, target, result.EffectiveURL)
}

// TestSendAuditTrail tests that a successful exchange leaves a request
// and a response entry with the scenario identity.
func TestSendAuditTrail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"error": 0, "merchant_prepare_id": "55"}`))
	}))
	defer server.Close()

	trail := audit.NewTrail(10)
	d := New(DefaultConfig(), trail)

	_, err := d.Send(context.Background(), server.URL, testPayload(), Attempt{ScenarioIdx: 3, CorrelationID: "990000004"})
	require.NoError(t, err)

	entries := trail.Snapshot()
	require.Len(t, entries, 2)

	assert.Equal(t, audit.KindRequest, entries[0].Kind)
	assert.Equal(t, 3, entries[0].ScenarioIdx)
	assert.Equal(t, "990000004", entries[0].CorrelationID)
	assert.Equal(t, server.URL, entries[0].URL)

	assert.Equal(t, audit.KindResponse, entries[1].Kind)
	assert.Equal(t, http.StatusOK, entries[1].Status)
	assert.Contains(t, entries[1].Detail, "merchant_prepare_id")
}

// TestClassify tests the transport failure classification.
func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{
			name: "dns lookup failure",
			err:  &net.DNSError{Err: "no such host", Name: "merchant.example", IsNotFound: true},
			want: FailureDNS,
		},
		{
			name: "wrapped dns failure",
			err:  fmt.Errorf("sending request: %w", &net.DNSError{Err: "no such host"}),
			want: FailureDNS,
		},
		{
			name: "deadline exceeded",
			err:  context.DeadlineExceeded,
			want: FailureTimeout,
		},
		{
			name: "certificate verification",
			err:  &tls.CertificateVerificationError{Err: errors.New("x509: certificate signed by unknown authority")},
			want: FailureTLS,
		},
		{
			name: "tls record header",
			err:  tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"},
			want: FailureTLS,
		},
		{
			name: "dial refused",
			err:  &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")},
			want: FailureConnection,
		},
		{
			name: "anything else",
			err:  errors.New("unexpected EOF"),
			want: FailureNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

// TestErrorMessageFormats tests the error strings callers end up showing.
func TestErrorMessageFormats(t *testing.T) {
	httpErr := &Error{Status: 500, ServerMessage: "boom"}
	assert.Equal(t, "dispatch: http 500 (Internal Server Error): boom", httpErr.Error())

	previewOnly := &Error{Status: 404, Preview: "gone"}
	assert.Equal(t, "dispatch: http 404 (Not Found): gone", previewOnly.Error())

	bare := &Error{Status: 204}
	assert.Equal(t, "dispatch: http 204 (No Content)", bare.Error())

	netErr := &Error{Kind: FailureDNS, Err: errors.New("no such host")}
	assert.Equal(t, "dispatch: dns failure: no such host", netErr.Error())
	assert.ErrorIs(t, netErr, netErr.Err)
}

// TestServerMessage tests message extraction from error reply bodies.
func TestServerMessage(t *testing.T) {
	assert.Equal(t, "store down", serverMessage([]byte(`{"message": "store down"}`)))
	assert.Equal(t, "bad sign", serverMessage([]byte(`{"error": -1, "error_note": "bad sign"}`)))
	assert.Equal(t, "first", serverMessage([]byte(`{"message": "first", "error_note": "second"}`)))
	assert.Empty(t, serverMessage([]byte("OK")))
	assert.Empty(t, serverMessage([]byte(`{"message": 5}`)))
	assert.Empty(t, serverMessage([]byte(`[1, 2]`)))
}
