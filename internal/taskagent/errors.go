package taskagent

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration reports missing or invalid request parameters. It is
	// returned before any network I/O happens.
	ErrConfiguration = errors.New("configuration error")

	// ErrTransport reports a publish, subscribe or unsubscribe failure.
	ErrTransport = errors.New("transport error")

	// ErrNoResponse means no agent answered within the initial timeout.
	ErrNoResponse = errors.New("no agent responded")

	// ErrIncomplete means the maximum timeout elapsed while at least one
	// agent had not finished.
	ErrIncomplete = errors.New("agents did not finish in time")

	// ErrProtocolViolation is returned by Aggregator.Fold when an agent that
	// already reported done reports in-progress again.
	ErrProtocolViolation = errors.New("protocol violation")
)

// AgentError is an error reported by a remote agent.
type AgentError struct {
	Source string
	Reason string
}

func (e *AgentError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("agent error: %s", e.Reason)
	}
	return fmt.Sprintf("agent %s: %s", e.Source, e.Reason)
}

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func transportError(op, channel string, err error) error {
	return fmt.Errorf("%w: %s %q: %w", ErrTransport, op, channel, err)
}
