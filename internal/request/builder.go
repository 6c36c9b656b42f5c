// Package request assembles the outbound field map, signature and target
// URL for one scenario. The builder is where scenario post data, global
// settings, fixture overrides and the chained prepare id meet.
package request

import (
	"strconv"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/clickpay/clickconform/internal/config"
	"github.com/clickpay/clickconform/internal/fixture"
	"github.com/clickpay/clickconform/internal/protocol"
	"github.com/clickpay/clickconform/internal/reference"
	"github.com/clickpay/clickconform/internal/scenario"
	"github.com/clickpay/clickconform/internal/signature"
)

// Chain carries the prepare-id state threaded across scenarios of a run:
// the most recently parsed prepare id and the same value per correlation
// id. The engine owns exactly one chain per scenario set.
type Chain struct {
	// PreviousMerchantPrepareID is the last prepare id any prepare
	// scenario returned.
	PreviousMerchantPrepareID string

	// ByCorrelationID remembers which scenario produced which prepare id,
	// for fixtures that borrow another scenario's id.
	ByCorrelationID map[string]string
}

// NewChain returns a chain seeded with an optional preset prepare id.
func NewChain(preset string) *Chain {
	return &Chain{
		PreviousMerchantPrepareID: preset,
		ByCorrelationID:           make(map[string]string),
	}
}

// Observe records a parsed prepare id under the scenario's correlation
// id. Empty ids are ignored.
func (c *Chain) Observe(correlationID, prepareID string) {
	if prepareID == "" {
		return
	}
	c.PreviousMerchantPrepareID = prepareID
	if correlationID != "" {
		c.ByCorrelationID[correlationID] = prepareID
	}
}

// Result is one built request.
type Result struct {
	// URL is the normalized target endpoint.
	URL string

	// Payload is the final outbound field map covered by the signature.
	Payload map[string]string

	// ResolvedPost is the scenario's post data after template resolution,
	// before builder policies were applied.
	ResolvedPost map[string]string

	// CorrelationID is the trimmed click_trans_id of the resolved payload.
	CorrelationID string

	// MerchantPrepareIDUsed is the prepare id sent with a complete
	// request, empty for prepare requests, so the engine can propagate it.
	MerchantPrepareIDUsed string
}

// Option configures a Builder.
type Option func(*Builder)

// WithFaker replaces the random source used for fixture-generated ids.
func WithFaker(f *gofakeit.Faker) Option {
	return func(b *Builder) { b.faker = f }
}

// WithNow replaces the clock used for default sign_time values.
func WithNow(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// Builder assembles outbound requests. It is stateless across calls; all
// run state arrives through the arguments.
type Builder struct {
	fixtures fixture.Table
	signer   *signature.Signer
	faker    *gofakeit.Faker
	now      func() time.Time
}

// NewBuilder creates a builder over a fixture table. The table also
// supplies the fixed-signature overrides.
func NewBuilder(fixtures fixture.Table, opts ...Option) *Builder {
	b := &Builder{
		fixtures: fixtures,
		signer:   signature.NewSigner(fixtures.Signatures()),
		faker:    gofakeit.New(0),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build produces the outbound request for one scenario. Settings are read
// fresh on every call; changing them mid-run affects subsequent
// scenarios. The returned payload is complete: signing happened over the
// exact field values it carries.
func (b *Builder) Build(sc *scenario.TestScenario, settings *config.TesterSettings, chain *Chain, refs *reference.Table) *Result {
	resolved := reference.ResolveMap(sc.Post, refs)

	payload := make(map[string]string, len(resolved)+6)
	for k, v := range resolved {
		payload[k] = v
	}

	if settings.ServiceID != "" {
		payload[protocol.FieldServiceID] = settings.ServiceID
	}

	correlationID := strings.TrimSpace(payload[protocol.FieldClickTransID])
	ov, _ := b.fixtures.Lookup(correlationID)

	switch {
	case ov.RandomMerchantTransID:
		payload[protocol.FieldMerchantTransID] = b.faker.DigitN(12)
	case settings.MerchantTransID != "":
		payload[protocol.FieldMerchantTransID] = settings.MerchantTransID
	}

	if ov.FixedAmount != "" {
		payload[protocol.FieldAmount] = ov.FixedAmount
	} else if strings.TrimSpace(payload[protocol.FieldAmount]) == "" {
		payload[protocol.FieldAmount] = settings.Amount
	}

	var prepareIDUsed string
	if sc.Action == scenario.ActionComplete {
		switch {
		case ov.RandomPrepareID:
			prepareIDUsed = b.faker.DigitN(12)
		case strings.TrimSpace(payload[protocol.FieldMerchantPrepareID]) != "":
			prepareIDUsed = payload[protocol.FieldMerchantPrepareID]
		case ov.BorrowPrepareIDFrom != "":
			if id := chain.ByCorrelationID[ov.BorrowPrepareIDFrom]; id != "" {
				prepareIDUsed = id
			} else {
				prepareIDUsed = chain.PreviousMerchantPrepareID
			}
		default:
			prepareIDUsed = chain.PreviousMerchantPrepareID
		}
		payload[protocol.FieldMerchantPrepareID] = prepareIDUsed
	}

	payload[protocol.FieldError] = strconv.Itoa(sc.SendingErrorCode)

	if payload[protocol.FieldErrorNote] == "" {
		payload[protocol.FieldErrorNote] = "Ok"
	}

	if settings.ClickPaydocID != "" {
		payload[protocol.FieldClickPaydocID] = settings.ClickPaydocID
	}
	if settings.MerchantUserID != "" {
		payload[protocol.FieldMerchantUserID] = settings.MerchantUserID
	}

	if payload[protocol.FieldSignTime] == "" {
		payload[protocol.FieldSignTime] = b.now().UTC().Format(protocol.SignTimeLayout)
	}

	payload[protocol.FieldSignString] = b.signer.Sign(signature.Input{
		ClickTransID:      payload[protocol.FieldClickTransID],
		ServiceID:         payload[protocol.FieldServiceID],
		SecretKey:         settings.SecretKey,
		MerchantTransID:   payload[protocol.FieldMerchantTransID],
		MerchantPrepareID: prepareIDUsed,
		Amount:            payload[protocol.FieldAmount],
		Action:            string(sc.Action),
		SignTime:          payload[protocol.FieldSignTime],
	})

	target := settings.PrepareURL
	if sc.Action == scenario.ActionComplete {
		target = settings.CompleteURL
	}

	return &Result{
		URL:                   NormalizeURL(target),
		Payload:               payload,
		ResolvedPost:          resolved,
		CorrelationID:         correlationID,
		MerchantPrepareIDUsed: prepareIDUsed,
	}
}

// NormalizeURL prefixes http:// when the target has no URI scheme, so
// bare host:port values work. Empty stays empty; the dispatcher rejects
// it.
func NormalizeURL(target string) string {
	if target == "" {
		return ""
	}
	if strings.Contains(target, "://") {
		return target
	}
	return "http://" + target
}
