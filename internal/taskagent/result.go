package taskagent

import (
	"context"
	"errors"
	"time"
)

// Outcome tells how an invocation ended.
type Outcome string

const (
	OutcomeComplete   Outcome = "complete"
	OutcomeNoResponse Outcome = "no_response"
	OutcomeIncomplete Outcome = "incomplete"
	OutcomeFailed     Outcome = "failed"
	OutcomeCancelled  Outcome = "cancelled"
)

// Result is what an invocation produced. Fragments are in arrival order;
// order across agents is not meaningful.
type Result struct {
	ID              string            `json:"id"`
	Task            string            `json:"task"`
	Destination     string            `json:"dst"`
	FeedbackChannel string            `json:"feedback_channel"`
	Outcome         Outcome           `json:"outcome"`
	Fragments       []any             `json:"fragments"`
	Agents          map[string]Status `json:"agents"`
	Responses       int               `json:"responses"`
	HasError        bool              `json:"has_error"`
	ErrorReason     string            `json:"error_reason,omitempty"`
	ErrorSource     string            `json:"error_source,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	Duration        time.Duration     `json:"duration"`

	cause error // why a cancelled invocation stopped
}

func newResult(env *Envelope, outcome Outcome, snap Snapshot, start time.Time) *Result {
	frags := snap.Fragments
	if frags == nil {
		frags = []any{}
	}
	return &Result{
		ID:              env.ID,
		Task:            env.Task,
		Destination:     env.Destination,
		FeedbackChannel: env.FeedbackChannel,
		Outcome:         outcome,
		Fragments:       frags,
		Agents:          snap.Agents,
		Responses:       snap.Responses,
		HasError:        snap.HasError,
		ErrorReason:     snap.ErrorReason,
		ErrorSource:     snap.ErrorSource,
		StartedAt:       start,
		Duration:        time.Since(start),
	}
}

// Complete reports a full success: every responding agent finished and none
// reported an error.
func (r *Result) Complete() bool {
	return r.Outcome == OutcomeComplete && !r.HasError
}

// Partial reports whether Fragments may be missing contributions.
func (r *Result) Partial() bool {
	return r.Outcome != OutcomeComplete
}

// Err converts anything short of full success into an error.
func (r *Result) Err() error {
	var agentErr error
	if r.HasError {
		agentErr = &AgentError{Source: r.ErrorSource, Reason: r.ErrorReason}
	}
	switch r.Outcome {
	case OutcomeComplete, OutcomeFailed:
		return agentErr
	case OutcomeNoResponse:
		return ErrNoResponse
	case OutcomeIncomplete:
		return errors.Join(ErrIncomplete, agentErr)
	case OutcomeCancelled:
		if r.cause != nil {
			return r.cause
		}
		return context.Canceled
	default:
		return agentErr
	}
}
