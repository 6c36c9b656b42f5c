// Package scenario defines the conformance test cases the engine executes.
// A scenario describes one request to send to the gateway endpoint under
// test and the error code expected back. Scenarios are loaded from YAML
// suite files and tracked through a run as working records.
package scenario

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/clickpay/clickconform/internal/protocol"
)

// Errors returned by the scenario package.
var (
	// ErrInvalidDefinition is returned when a scenario definition fails validation.
	ErrInvalidDefinition = errors.New("scenario: invalid definition")
	// ErrSuiteNotFound is returned when a suite cannot be found.
	ErrSuiteNotFound = errors.New("scenario: suite not found")
	// ErrNoSuiteDirectory is returned when the suite directory path is not a directory.
	ErrNoSuiteDirectory = errors.New("scenario: suite directory not found")
)

var validate = validator.New()

// Action is the protocol step a scenario exercises.
type Action string

const (
	// ActionPrepare is the first protocol step, reserving a payment.
	ActionPrepare Action = "prepare"
	// ActionComplete is the second protocol step, confirming a prepared payment.
	ActionComplete Action = "complete"
)

// Status is the lifecycle state of a scenario within a run.
// Transitions are monotonic: idle -> queued -> running -> success|error.
type Status string

const (
	// StatusIdle is the load-time default before any run touches the scenario.
	StatusIdle Status = "idle"
	// StatusQueued means the scenario is armed for the current run.
	StatusQueued Status = "queued"
	// StatusRunning means dispatch has begun.
	StatusRunning Status = "running"
	// StatusSuccess means the response matched the expectation.
	StatusSuccess Status = "success"
	// StatusError covers every failed outcome, from network errors to code mismatches.
	StatusError Status = "error"
)

// Terminal reports whether the status is a run outcome.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Definition is one immutable scenario template as loaded from a suite.
type Definition struct {
	// Description explains what the case verifies.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Action selects the protocol step to exercise.
	Action Action `yaml:"action" json:"action" validate:"required,oneof=prepare complete"`

	// SendingErrorCode is submitted in the request's error field.
	SendingErrorCode int `yaml:"sending_error_code" json:"sending_error_code"`

	// ExpectedErrorCode is the code the endpoint must return for the case to pass.
	ExpectedErrorCode int `yaml:"expected_error_code" json:"expected_error_code"`

	// GoToScript is reserved for external flow control. The engine carries it
	// but never acts on it.
	GoToScript int `yaml:"go_to_script,omitempty" json:"go_to_script,omitempty"`

	// Post holds the literal form fields to send. The click_trans_id field
	// doubles as the scenario's correlation id for chaining.
	Post map[string]any `yaml:"post" json:"post"`
}

// Validate checks the definition against the suite format rules.
func (d *Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if len(d.Post) == 0 {
		return fmt.Errorf("%w: post fields are required", ErrInvalidDefinition)
	}
	return nil
}

// CorrelationID returns the trimmed click_trans_id post field. Scenarios
// without one return the empty string and cannot be referenced by later
// scenarios.
func (d *Definition) CorrelationID() string {
	return strings.TrimSpace(protocol.FieldString(d.Post[protocol.FieldClickTransID]))
}

// TestScenario is the engine's working record for one definition. Idx is
// assigned at load time and stays stable for the lifetime of the set; the
// engine is the sole writer of the remaining fields during a run.
type TestScenario struct {
	Definition

	// Idx is the 0-based position within the loaded set.
	Idx int `json:"idx"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// ResolvedPost is the post map after template resolution, stringified.
	ResolvedPost map[string]string `json:"resolved_post,omitempty"`

	// RequestPayload is the final outbound field map, recorded when dispatch begins.
	RequestPayload map[string]string `json:"request_payload,omitempty"`

	// Response is the parsed reply object, nil until completion or when the
	// body was not a JSON object.
	Response map[string]any `json:"response,omitempty"`

	// RawResponse is the reply body exactly as received.
	RawResponse string `json:"raw_response,omitempty"`

	// ActualErrorCode is the error code extracted from the response, in its
	// textual form.
	ActualErrorCode string `json:"actual_error_code,omitempty"`

	// ErrorMessage is the most specific failure cause when Status is error.
	ErrorMessage string `json:"error_message,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMs int64     `json:"duration_ms"`
}

// Arm clears all prior result fields and marks the scenario queued for a
// new run.
func (s *TestScenario) Arm() {
	s.Status = StatusQueued
	s.ResolvedPost = nil
	s.RequestPayload = nil
	s.Response = nil
	s.RawResponse = ""
	s.ActualErrorCode = ""
	s.ErrorMessage = ""
	s.StartedAt = time.Time{}
	s.FinishedAt = time.Time{}
	s.DurationMs = 0
}

// Begin marks the scenario running and records the dispatch start time.
func (s *TestScenario) Begin(now time.Time) {
	s.Status = StatusRunning
	s.StartedAt = now
}

// Finish records the terminal status and timing. Duration is measured from
// Begin regardless of outcome.
func (s *TestScenario) Finish(status Status, now time.Time) {
	s.Status = status
	s.FinishedAt = now
	if !s.StartedAt.IsZero() {
		s.DurationMs = now.Sub(s.StartedAt).Milliseconds()
	}
}

// NewSet builds working records from definitions, assigning ascending idx.
func NewSet(defs []Definition) []*TestScenario {
	set := make([]*TestScenario, 0, len(defs))
	for i, d := range defs {
		set = append(set, &TestScenario{Definition: d, Idx: i, Status: StatusIdle})
	}
	return set
}
