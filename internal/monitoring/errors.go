package monitoring

import (
	"fmt"
	"time"
)

// Code classifies a pipeline error by origin.
type Code string

const (
	CodeNetwork    Code = "NETWORK"    // transport, DNS, handshake, pong miss
	CodeProcess    Code = "PROCESS"    // parse, buffer, internal logic
	CodeStorage    Code = "STORAGE"    // store pipeline, disk backup
	CodeValidation Code = "VALIDATION" // malformed input
	CodeMemory     Code = "MEMORY"     // buffer full, resource pressure
	CodeTimeout    Code = "TIMEOUT"    // any deadline hit
)

// Severity drives the reporter's handling policy, orthogonal to Code.
type Severity string

const (
	SeverityFatal       Severity = "FATAL"
	SeverityRecoverable Severity = "RECOVERABLE"
	SeverityWarning     Severity = "WARNING"
)

// PipelineError is the error shape every component reports. It wraps an
// optional cause and carries enough context for the per-module history
// ring and the escalation events.
type PipelineError struct {
	Code      Code           `json:"code"`
	Severity  Severity       `json:"severity"`
	Module    string         `json:"module"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Retryable bool           `json:"retryable"`
	Data      map[string]any `json:"data,omitempty"`
	Cause     error          `json:"-"`
}

// NewError builds a PipelineError stamped with the current time.
// Retryable defaults to true for RECOVERABLE errors.
func NewError(code Code, severity Severity, module, message string, cause error) *PipelineError {
	return &PipelineError{
		Code:      code,
		Severity:  severity,
		Module:    module,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: severity == SeverityRecoverable,
		Cause:     cause,
	}
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s/%s %s: %s: %v", e.Code, e.Severity, e.Module, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s/%s %s: %s", e.Code, e.Severity, e.Module, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.Cause }
