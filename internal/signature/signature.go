// Package signature computes the keyed digest that authenticates requests
// sent to the payment gateway endpoints under test.
//
// The gateway protocol signs every request with an MD5 digest over the
// UTF-8 concatenation of selected form fields in a fixed order. The digest
// travels as the sign_string field and is recomputed by the receiving
// endpoint. MD5 is what the wire protocol mandates; it is not used as a
// security primitive here.
package signature

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// Input carries the request fields covered by the digest.
// MerchantPrepareID participates in the concatenation only when Action
// is "complete".
type Input struct {
	ClickTransID      string
	ServiceID         string
	SecretKey         string
	MerchantTransID   string
	MerchantPrepareID string
	Amount            string
	Action            string
	SignTime          string
}

// Sign returns the lowercase 32-character hex digest over the protocol
// concatenation of in. It is a pure function: deterministic, no side
// effects.
func Sign(in Input) string {
	var b strings.Builder
	b.WriteString(in.ClickTransID)
	b.WriteString(in.ServiceID)
	b.WriteString(in.SecretKey)
	b.WriteString(in.MerchantTransID)
	if in.Action == "complete" {
		b.WriteString(in.MerchantPrepareID)
	}
	b.WriteString(in.Amount)
	b.WriteString(in.Action)
	b.WriteString(in.SignTime)

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Signer resolves request digests, honoring fixed-signature overrides for
// designated correlation ids. The shipped conformance scenario set carries
// correlation ids whose sign_string is a known-good constant rather than a
// computed digest; Signer keeps that table out of the signing math so new
// fixtures need no code changes.
type Signer struct {
	fixed map[string]string
}

// NewSigner returns a Signer with the given correlation id to digest
// override table. A nil table is valid and disables overrides.
func NewSigner(fixed map[string]string) *Signer {
	return &Signer{fixed: fixed}
}

// Sign returns the override digest registered for in.ClickTransID when one
// exists and the computed digest otherwise. The correlation id is trimmed
// before lookup, matching how the request builder derives it.
func (s *Signer) Sign(in Input) string {
	if s != nil && len(s.fixed) > 0 {
		if d, ok := s.fixed[strings.TrimSpace(in.ClickTransID)]; ok {
			return d
		}
	}
	return Sign(in)
}
