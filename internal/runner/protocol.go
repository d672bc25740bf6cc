// Package runner executes rule bodies outside the orchestrator process,
// in a pool of subprocess workers with per-invocation timeouts. A rule
// that hangs or crashes takes down its worker, never the correlator.
//
// The worker protocol is newline-delimited JSON over stdin/stdout:
// one Request in, one Response out, in order.
package runner

import (
	"encoding/json"
	"errors"
)

// ErrRuleTimeout reports a rule invocation that exceeded the configured
// timeout. The worker process was killed and replaced.
var ErrRuleTimeout = errors.New("rule timed out")

// ErrRuleCrashed reports a worker that died or broke the protocol while
// running a rule. The worker was replaced.
var ErrRuleCrashed = errors.New("rule worker crashed")

// ErrPoolStopped reports a dispatch attempt while the pool is stopped
// (bus disconnected). Callers treat it as retryable.
var ErrPoolStopped = errors.New("rule runner pool is stopped")

// Request is one rule invocation sent to a worker.
type Request struct {
	Rule      string `json:"rule_name"`
	MessageID string `json:"message_id"`
	Payload   []byte `json:"payload"`
}

// Response is the worker's answer. Result is opaque to the engine; rules
// communicate through the context, not through return values.
type Response struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
