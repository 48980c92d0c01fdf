// Package agent defines the single boundary through which the core talks to
// research agents, and the failure taxonomy the orchestrator branches on.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bingoto-dev/AI-Equity-Research/internal/domain"
)

type FailureKind string

const (
	FailureRateLimited     FailureKind = "rate_limited"
	FailureTimeout         FailureKind = "timeout"
	FailureInvalidResponse FailureKind = "invalid_response"
	FailureUnavailable     FailureKind = "unavailable"
)

// Transient reports whether a failure should be retried with backoff.
// InvalidResponse is not transient: it gets one corrective re-ask instead.
func (k FailureKind) Transient() bool {
	switch k {
	case FailureRateLimited, FailureTimeout, FailureUnavailable:
		return true
	default:
		return false
	}
}

// Error is a classified agent failure.
type Error struct {
	Kind    FailureKind
	AgentID string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent %s: %s: %v", e.AgentID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with its failure classification.
func NewError(kind FailureKind, agentID string, err error) *Error {
	return &Error{Kind: kind, AgentID: agentID, Err: err}
}

// Classify extracts the failure kind from an error returned by a proxy.
// Context deadline errors count as timeouts; anything unclassified is
// treated as unavailable.
func Classify(err error) FailureKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureUnavailable
}

// Proxy is the sole external I/O boundary of the system. Implementations
// translate a task kind plus payload into one agent interaction.
type Proxy interface {
	Invoke(ctx context.Context, agentID string, kind domain.TaskKind, payload json.RawMessage) (json.RawMessage, error)
}
